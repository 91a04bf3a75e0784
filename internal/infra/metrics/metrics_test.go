package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersNormalizeLabels(t *testing.T) {
	before := testutil.ToFloat64(pollTicksTotal.WithLabelValues("lead_enrichment", "processing"))
	IncPollTick(" Lead_Enrichment ", "PROCESSING")
	after := testutil.ToFloat64(pollTicksTotal.WithLabelValues("lead_enrichment", "processing"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestObservePollCycle(t *testing.T) {
	before := testutil.ToFloat64(pollCyclesTotal.WithLabelValues("contact_extraction", "timeout"))
	ObservePollCycle("contact_extraction", "timeout", 10)
	if got := testutil.ToFloat64(pollCyclesTotal.WithLabelValues("contact_extraction", "timeout")); got-before != 1 {
		t.Fatalf("expected one more timeout cycle, got %v -> %v", before, got)
	}
}

func TestCollectorsRegisterCleanly(t *testing.T) {
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			t.Fatalf("collector failed to register: %v", err)
		}
	}
}

func TestIncPersistDropped(t *testing.T) {
	before := testutil.ToFloat64(persistDroppedTotal.WithLabelValues("lead_enrichment"))
	IncPersistDropped("Lead_Enrichment")
	if got := testutil.ToFloat64(persistDroppedTotal.WithLabelValues("lead_enrichment")); got-before != 1 {
		t.Fatalf("expected one more dropped task, got %v -> %v", before, got)
	}
}
