package manifest

import "testing"

func TestParseConstraintSetBareName(t *testing.T) {
	cs, err := ParseConstraintSet("libfoo")
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 0 {
		t.Fatalf("expected no constraints for bare name, got %v", cs)
	}
}

func TestParseConstraintSetMultiClause(t *testing.T) {
	cs, err := ParseConstraintSet("libfoo>=1.2.0,<2.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if len(cs) != 2 {
		t.Fatalf("expected 2 clauses, got %d", len(cs))
	}
	for _, c := range cs {
		if c.Package != "libfoo" {
			t.Fatalf("expected package name libfoo, got %q", c.Package)
		}
	}
	v, _ := ParseVersion("1.5.0")
	if !SatisfiesAll(cs, v) {
		t.Fatalf("1.5.0 should satisfy >=1.2.0,<2.0.0")
	}
	v2, _ := ParseVersion("2.0.0")
	if SatisfiesAll(cs, v2) {
		t.Fatalf("2.0.0 should not satisfy <2.0.0")
	}
}

func TestCompatibleOperator(t *testing.T) {
	cs, err := ParseConstraintSet("libfoo~=1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	in, _ := ParseVersion("1.2.9")
	out, _ := ParseVersion("1.3.0")
	if !cs[0].Satisfies(in) {
		t.Fatalf("1.2.9 should satisfy ~=1.2.3")
	}
	if cs[0].Satisfies(out) {
		t.Fatalf("1.3.0 should not satisfy ~=1.2.3")
	}
}

func TestVersionCompareOrdering(t *testing.T) {
	vs := []string{"1.0.0", "1.2.0", "1.10.0", "2.0.0"}
	for i := 0; i < len(vs)-1; i++ {
		a, _ := ParseVersion(vs[i])
		b, _ := ParseVersion(vs[i+1])
		if !a.Less(b) {
			t.Fatalf("expected %s < %s", vs[i], vs[i+1])
		}
	}
}

func TestManifestEncodeParseRoundTrip(t *testing.T) {
	m := &Manifest{
		Name:        "libfoo",
		Version:     Version{Major: 1, Minor: 2, Patch: 3},
		Revision:    1,
		Arch:        "x86_64",
		Description: "a library",
		License:     "MIT",
	}
	cs, _ := ParseConstraintSet("libbar>=1.0.0")
	m.Runtime = cs

	data, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("re-parse failed: %v\n%s", err, data)
	}
	if parsed.Name != m.Name || parsed.Version.String() != m.Version.String() {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
	if len(parsed.Runtime) != 1 || parsed.Runtime[0].Package != "libbar" {
		t.Fatalf("runtime constraint lost in round trip: %+v", parsed.Runtime)
	}
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte("[package]\nversion = \"1.0.0\"\n"))
	if err == nil {
		t.Fatalf("expected error for missing package name")
	}
}
