// Package replay implements the deterministic-replay hooks spec §4.G
// describes: periodic full snapshots of VM-visible state plus a per-
// operation delta log between them, so a debugger can seek to any recorded
// point by loading the nearest snapshot and replaying deltas forward. No
// teacher file models this directly — the teacher has no execution-replay
// concept anywhere in pkg/eval or pkg/compiler — so this package follows
// spec §4.G's own description, rendered in the plain-struct,
// construct-then-mutate idiom the rest of this runtime's components use
// (memory.NewGenRefContext, cycle.NewScheduler). Recording must cost
// nothing when disabled and stay within a small fraction of walltime when
// enabled, so every hook here is a cheap append to a slice, never a deep
// copy beyond the snapshot interval.
package replay

import (
	"fmt"

	"github.com/anvil-lang/corevm/internal/corevm/value"
)

// DeltaKind classifies one recorded operation between snapshots.
type DeltaKind int

const (
	DeltaGlobalWrite DeltaKind = iota
	DeltaFramePush
	DeltaFramePop
	DeltaPCJump
	DeltaRNGDraw
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaGlobalWrite:
		return "global_write"
	case DeltaFramePush:
		return "frame_push"
	case DeltaFramePop:
		return "frame_pop"
	case DeltaPCJump:
		return "pc_jump"
	case DeltaRNGDraw:
		return "rng_draw"
	default:
		return "unknown"
	}
}

// Delta is one recorded operation: which kind, and the minimal payload
// needed to replay it forward from a snapshot.
type Delta struct {
	Step  uint64
	Kind  DeltaKind
	Key   string // global name for DeltaGlobalWrite, empty otherwise
	Value value.Value
	Int   int64 // frame func index / PC target / rng draw, depending on Kind
}

// FrameSnapshot is one call frame's state at the moment of a full snapshot.
type FrameSnapshot struct {
	FuncIdx   int
	PC        int
	Registers []value.Value
}

// Snapshot is a complete, self-sufficient copy of VM-visible state at one
// step: every global, every frame's registers and PC. Replaying forward
// from a Snapshot plus the Deltas recorded after it reproduces every
// intermediate state exactly, since the VM's execution is itself
// deterministic (spec §5 "single-threaded, no background work, no source
// of nondeterminism besides an explicit RNG hook").
type Snapshot struct {
	Step    uint64
	Globals map[string]value.Value
	Frames  []FrameSnapshot
}

// Recorder accumulates snapshots and deltas while a VM runs. A disabled
// Recorder (the zero value, or one built with NewRecorder(0)) costs a
// single boolean check per hook call and nothing else.
type Recorder struct {
	enabled          bool
	snapshotInterval uint64

	step int64

	snapshots []Snapshot
	deltas    []Delta
}

// NewRecorder creates a Recorder that takes a full snapshot every
// snapshotInterval steps. snapshotInterval of 0 disables recording
// entirely — every hook becomes a no-op.
func NewRecorder(snapshotInterval uint64) *Recorder {
	return &Recorder{enabled: snapshotInterval > 0, snapshotInterval: snapshotInterval}
}

// Enabled reports whether this recorder is actively tracking state.
func (r *Recorder) Enabled() bool { return r != nil && r.enabled }

// Step advances the recorder's step counter, taking a full snapshot via
// snapshotFn whenever the interval boundary is crossed. A caller invokes
// this once per dispatched instruction; snapshotFn is only called (and
// only pays its allocation cost) on the steps that actually need one.
func (r *Recorder) Step(snapshotFn func() Snapshot) {
	if !r.Enabled() {
		return
	}
	if uint64(r.step)%r.snapshotInterval == 0 {
		snap := snapshotFn()
		snap.Step = uint64(r.step)
		r.snapshots = append(r.snapshots, snap)
	}
	r.step++
}

// RecordGlobalWrite logs a global-table mutation since the last snapshot.
func (r *Recorder) RecordGlobalWrite(name string, v value.Value) {
	if !r.Enabled() {
		return
	}
	r.deltas = append(r.deltas, Delta{Step: uint64(r.step), Kind: DeltaGlobalWrite, Key: name, Value: v})
}

// RecordFramePush logs a call entering funcIdx.
func (r *Recorder) RecordFramePush(funcIdx int) {
	if !r.Enabled() {
		return
	}
	r.deltas = append(r.deltas, Delta{Step: uint64(r.step), Kind: DeltaFramePush, Int: int64(funcIdx)})
}

// RecordFramePop logs a frame returning.
func (r *Recorder) RecordFramePop() {
	if !r.Enabled() {
		return
	}
	r.deltas = append(r.deltas, Delta{Step: uint64(r.step), Kind: DeltaFramePop})
}

// RecordPCJump logs a non-sequential program-counter transfer (a taken
// branch, a call target, a return address), the detail a pure
// instruction-count replay cannot reconstruct on its own without re-running
// the dispatch loop's own branch logic.
func (r *Recorder) RecordPCJump(target int) {
	if !r.Enabled() {
		return
	}
	r.deltas = append(r.deltas, Delta{Step: uint64(r.step), Kind: DeltaPCJump, Int: int64(target)})
}

// RecordRNGDraw logs one draw from the host's RNG hook, the one permitted
// source of nondeterminism a recorded run must pin down to replay exactly.
func (r *Recorder) RecordRNGDraw(draw int64) {
	if !r.Enabled() {
		return
	}
	r.deltas = append(r.deltas, Delta{Step: uint64(r.step), Kind: DeltaRNGDraw, Int: draw})
}

// Snapshots returns every recorded full snapshot, oldest first.
func (r *Recorder) Snapshots() []Snapshot {
	if r == nil {
		return nil
	}
	return r.snapshots
}

// Deltas returns every recorded delta, oldest first.
func (r *Recorder) Deltas() []Delta {
	if r == nil {
		return nil
	}
	return r.deltas
}

// NearestSnapshot returns the latest recorded snapshot at or before step,
// and the deltas between that snapshot and step (exclusive of the
// snapshot's own step, inclusive of step), implementing the "nearest
// snapshot, then replay forward" seek spec §4.G asks for.
func (r *Recorder) NearestSnapshot(step uint64) (Snapshot, []Delta, error) {
	if !r.Enabled() || len(r.snapshots) == 0 {
		return Snapshot{}, nil, fmt.Errorf("no snapshots recorded")
	}
	var best Snapshot
	found := false
	for _, s := range r.snapshots {
		if s.Step > step {
			break
		}
		best = s
		found = true
	}
	if !found {
		return Snapshot{}, nil, fmt.Errorf("no snapshot at or before step %d", step)
	}
	var forward []Delta
	for _, d := range r.deltas {
		if d.Step > best.Step && d.Step <= step {
			forward = append(forward, d)
		}
	}
	return best, forward, nil
}

// Replay applies a snapshot and its forward deltas to apply, reconstructing
// state at the snapshot's final step. apply is supplied by the caller (the
// VM package) since only it knows how to rehydrate a Frame/Globals from
// these plain records; this package only owns the log, not VM-specific
// rehydration logic, keeping replay decoupled from vm the same way heap is
// decoupled from bytecode.
func Replay(snap Snapshot, deltas []Delta, apply func(Snapshot, []Delta) error) error {
	return apply(snap, deltas)
}
