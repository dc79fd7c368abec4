package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestPipelineObservations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := NewPipeline(reg)
	p.Layer("search", 20*time.Millisecond)
	p.Layer("quantize", time.Millisecond)
	p.Group(0.35, 1e-4)
	p.Rollback("search")

	if got := counterValue(t, reg, "awq_layers_total"); got != 2 {
		t.Fatalf("layers_total = %v", got)
	}
	if got := counterValue(t, reg, "awq_module_groups_total"); got != 1 {
		t.Fatalf("groups_total = %v", got)
	}
	if got := counterValue(t, reg, "awq_layer_rollbacks_total"); got != 1 {
		t.Fatalf("rollbacks = %v", got)
	}
}

func TestNilPipelineIsNoop(t *testing.T) {
	t.Parallel()

	var p *Pipeline
	p.Layer("search", time.Second)
	p.Group(1, 1)
	p.Rollback("quantize")
}

func TestSeparateRegistries(t *testing.T) {
	t.Parallel()

	// Each registry gets its own collectors, so constructing twice must not
	// panic on duplicate registration.
	NewServer(prometheus.NewRegistry())
	NewServer(prometheus.NewRegistry())
	NewPipeline(prometheus.NewRegistry())
}
