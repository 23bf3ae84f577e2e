package verify

import (
	"strings"
	"testing"

	"github.com/anvil-lang/corevm/internal/corevm/heap"
	"github.com/anvil-lang/corevm/internal/corevm/value"
)

func TestRunDisabledIsNoOp(t *testing.T) {
	h := heap.NewHeap(nil)
	h.Alloc(0, value.NewTable())
	rep := Run(h, DefaultConfig())
	if len(rep.Findings) != 0 || rep.HealthScore != 1.0 {
		t.Fatalf("disabled verifier should report no findings, got %+v", rep)
	}
}

func TestRunCleanHeapHealthy(t *testing.T) {
	h := heap.NewHeap(nil)
	h.Alloc(0, value.NewTable())
	cfg := DefaultConfig().WithEnabled(true)
	rep := Run(h, cfg)
	if len(rep.Findings) != 0 {
		t.Fatalf("expected no findings on a clean heap, got %+v", rep.Findings)
	}
	if rep.HealthScore != 1.0 {
		t.Fatalf("expected perfect health score, got %v", rep.HealthScore)
	}
}

func TestRunDetectsDanglingEdge(t *testing.T) {
	h := heap.NewHeap(nil)
	childFields := value.NewTable()
	child := h.Alloc(0, childFields)

	parentFields := value.NewTable()
	parentFields.Set("child", value.Ref(child))
	parent := h.Alloc(0, parentFields)

	// Force the child out of existence without going through the parent's
	// field, simulating a corrupted graph the verifier should catch.
	_ = h.DecRef(child)

	cfg := DefaultConfig().WithEnabled(true)
	rep := Run(h, cfg)
	found := false
	for _, f := range rep.Findings {
		if f.ObjectID == parent && f.Rule == "outgoing-edge-resolves" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dangling-edge finding for parent %d, got %+v", parent, rep.Findings)
	}
	if rep.HealthScore >= 1.0 {
		t.Fatalf("health score should degrade with a critical finding, got %v", rep.HealthScore)
	}
}

func TestRenderTableIncludesSummary(t *testing.T) {
	rep := Report{LiveCount: 3, HealthScore: 0.5}
	out := RenderTable(rep)
	if !strings.Contains(out, "live objects: 3") {
		t.Fatalf("expected summary line in output, got %q", out)
	}
}
