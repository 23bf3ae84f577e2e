package replay

import (
	"testing"

	"github.com/anvil-lang/corevm/internal/corevm/value"
)

func TestDisabledRecorderIsNoop(t *testing.T) {
	r := NewRecorder(0)
	if r.Enabled() {
		t.Fatal("interval 0 must disable recording")
	}
	r.RecordGlobalWrite("x", value.Int(1))
	r.Step(func() Snapshot { t.Fatal("snapshotFn must never be called while disabled"); return Snapshot{} })
	if len(r.Deltas()) != 0 || len(r.Snapshots()) != 0 {
		t.Fatal("disabled recorder must not accumulate state")
	}
}

func TestSnapshotIntervalAndSeek(t *testing.T) {
	r := NewRecorder(4)
	snapFn := func() Snapshot {
		return Snapshot{Globals: map[string]value.Value{"x": value.Int(0)}}
	}
	for i := 0; i < 10; i++ {
		r.Step(snapFn)
		if i == 5 {
			r.RecordGlobalWrite("x", value.Int(99))
		}
	}
	if len(r.Snapshots()) != 3 { // steps 0, 4, 8
		t.Fatalf("expected 3 snapshots, got %d", len(r.Snapshots()))
	}

	snap, deltas, err := r.NearestSnapshot(6)
	if err != nil {
		t.Fatalf("NearestSnapshot: %v", err)
	}
	if snap.Step != 4 {
		t.Fatalf("expected nearest snapshot at step 4, got %d", snap.Step)
	}
	if len(deltas) != 1 || deltas[0].Key != "x" {
		t.Fatalf("expected one forward delta for the global write, got %+v", deltas)
	}
}

func TestNearestSnapshotBeforeFirstFails(t *testing.T) {
	r := NewRecorder(4)
	if _, _, err := r.NearestSnapshot(0); err == nil {
		t.Fatal("expected an error when no snapshot has been recorded yet")
	}
}
