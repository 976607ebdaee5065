package metrics

import "testing"

func TestNewRegistersAllCollectorsExactlyOnce(t *testing.T) {
	c := New()
	mfs, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}
}

func TestCollectorsAreUsable(t *testing.T) {
	c := New()
	c.DownloadsTotal.WithLabelValues("success").Inc()
	c.DownloadBytesTotal.Add(1024)
	c.IngestDuration.WithLabelValues("success").Observe(0.2)
	c.ResolveDuration.Observe(0.05)
	c.ResolveConflictTotal.Inc()
	c.VerifyDiscrepancies.WithLabelValues("missing_file").Inc()
	c.ActiveGeneration.Set(3)

	mfs, err := c.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(mfs) != 7 {
		t.Fatalf("expected 7 metric families after use, got %d", len(mfs))
	}
}

func TestNewReturnsIndependentRegistriesAcrossInstances(t *testing.T) {
	a := New()
	b := New()
	a.ResolveConflictTotal.Inc()

	bMfs, err := b.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range bMfs {
		if mf.GetName() == "kiln_resolver_conflicts_total" {
			for _, m := range mf.GetMetric() {
				if m.GetCounter().GetValue() != 0 {
					t.Fatalf("expected b's registry to be unaffected by a's increment")
				}
			}
		}
	}
}
