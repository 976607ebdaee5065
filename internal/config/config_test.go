package config

import "testing"

func TestParseDefaultsAndOverrides(t *testing.T) {
	yamlDoc := []byte(`
version: "1.0"
root: /opt/kiln
hash_algorithm: blake3
concurrency:
  max_downloads: 8
`)
	cfg, err := Parse(yamlDoc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Root != "/opt/kiln" {
		t.Fatalf("expected root override, got %q", cfg.Root)
	}
	if cfg.Concurrency.MaxDownloads != 8 {
		t.Fatalf("expected max_downloads 8, got %d", cfg.Concurrency.MaxDownloads)
	}
	if cfg.Concurrency.MaxInstallJobs != DefaultConcurrency().MaxInstallJobs {
		t.Fatalf("fields absent from the document should keep their Default() value, got %d", cfg.Concurrency.MaxInstallJobs)
	}
}

func TestParseRejectsWrongVersion(t *testing.T) {
	_, err := Parse([]byte("version: \"99.0\"\n"))
	if err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestParseStrictRejectsUnknownKey(t *testing.T) {
	_, err := ParseStrict([]byte("version: \"1.0\"\nbogus_key: true\n"))
	if err == nil {
		t.Fatalf("expected error for unknown top-level key")
	}
}

func TestEnvOverrideAppliesRoot(t *testing.T) {
	cfg := Default()
	applyEnvOverrides(cfg, []string{"KILN_ROOT=/custom/root"})
	if cfg.Root != "/custom/root" {
		t.Fatalf("expected env override to set root, got %q", cfg.Root)
	}
}

func TestApplyOverridesWeakTyping(t *testing.T) {
	cfg := Default()
	err := ApplyOverrides(cfg, map[string]interface{}{
		"concurrency": map[string]interface{}{"max_downloads": "16"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Concurrency.MaxDownloads != 16 {
		t.Fatalf("expected weakly-typed string->int conversion, got %d", cfg.Concurrency.MaxDownloads)
	}
}
