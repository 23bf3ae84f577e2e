package cycle

import (
	"fmt"

	"github.com/anvil-lang/corevm/internal/corevm/heap"
)

// minScanHeadroomNanos is the slack a frame must still have before a scan
// is allowed to start (spec §4.C "leaves ≥500 microseconds of budget").
const minScanHeadroomNanos = 500_000

// Config tunes the adaptive scheduler, following the teacher's
// plain-struct-plus-fluent-setters configuration idiom.
type Config struct {
	// InitialThreshold is the dirty-set size that triggers the first scan.
	InitialThreshold int
	// ShrinkFactor multiplies the threshold down after a scan that freed a
	// cycle, so the collector gets more aggressive while a program is
	// actively producing garbage.
	ShrinkFactor float64
	// GrowFactor multiplies the threshold up after a scan that found
	// nothing, so quiescent programs are not scanned needlessly often.
	GrowFactor float64
	// MinThreshold and MaxThreshold bound the adaptive threshold.
	MinThreshold int
	MaxThreshold int
	// FrameBudgetNanos is the portion of a host-declared frame the
	// collector is allowed to spend scanning before it must yield control
	// back to the dispatch loop (spec §4.C "frame-budget gating").
	FrameBudgetNanos int64
}

// DefaultConfig returns the scheduler tuning this runtime ships with:
// threshold starts at 100, shrinks to 80% (floor 100) after a productive
// scan, grows 20% (cap 10000) after an unproductive one.
func DefaultConfig() *Config {
	return &Config{
		InitialThreshold: 100,
		ShrinkFactor:     0.8,
		GrowFactor:       1.2,
		MinThreshold:     100,
		MaxThreshold:     10000,
		FrameBudgetNanos: 2_000_000, // 2ms default slice
	}
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.InitialThreshold <= 0 {
		return fmt.Errorf("initial threshold must be positive")
	}
	if c.ShrinkFactor <= 0 || c.ShrinkFactor >= 1 {
		return fmt.Errorf("shrink factor must be in (0, 1), got %g", c.ShrinkFactor)
	}
	if c.GrowFactor <= 1 {
		return fmt.Errorf("grow factor must be > 1, got %g", c.GrowFactor)
	}
	if c.MinThreshold <= 0 || c.MinThreshold > c.MaxThreshold {
		return fmt.Errorf("threshold bounds invalid: min=%d max=%d", c.MinThreshold, c.MaxThreshold)
	}
	if c.FrameBudgetNanos <= 0 {
		return fmt.Errorf("frame budget must be positive")
	}
	return nil
}

// WithInitialThreshold sets the starting dirty-set trigger.
func (c *Config) WithInitialThreshold(n int) *Config { c.InitialThreshold = n; return c }

// WithFrameBudget sets the per-frame scan allowance in nanoseconds.
func (c *Config) WithFrameBudget(ns int64) *Config { c.FrameBudgetNanos = ns; return c }

// Scheduler decides when to run a cycle scan and adapts its trigger
// threshold to recent collector productivity.
type Scheduler struct {
	cfg       *Config
	threshold int

	frameElapsed  int64
	frameDeadline int64
	inFrame       bool
}

// NewScheduler creates a scheduler using cfg (DefaultConfig() if nil).
func NewScheduler(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{cfg: cfg, threshold: cfg.InitialThreshold}
}

// BeginFrame starts a new frame-budget window; it must be paired with
// exactly one sequence of MaybeDetectCyclesWithinBudget calls before the
// next BeginFrame (spec §4.C "begin_frame(budget_microseconds)"). budgetNanos
// is the host's declared per-frame allowance, converted to nanoseconds; a
// value ≤0 falls back to the scheduler's own configured slice
// (cfg.FrameBudgetNanos), for callers that manage frames without a host
// boundary of their own.
func (s *Scheduler) BeginFrame(budgetNanos int64) {
	s.inFrame = true
	s.frameElapsed = 0
	if budgetNanos <= 0 {
		budgetNanos = s.cfg.FrameBudgetNanos
	}
	s.frameDeadline = budgetNanos
}

// NeedsGCFrame reports whether the dirty set has reached the current
// adaptive threshold, i.e. whether a scan is due (spec §4.C
// "needs_gc_frame").
func (s *Scheduler) NeedsGCFrame(h *heap.Heap, dirtyLen int) bool {
	return dirtyLen >= s.threshold
}

// MaybeDetectCyclesWithinBudget runs FindCycles and frees every confirmed
// cycle, but only while the frame's time budget remains; elapsedNanos is
// the caller's own cost accounting for the scan it just ran (the scheduler
// does not read a clock itself, so it stays deterministic and host-driven,
// matching spec §5's "no background threads"). It adapts the threshold
// based on whether anything was actually freed.
func (s *Scheduler) MaybeDetectCyclesWithinBudget(h *heap.Heap, elapsedNanos int64) (freed int, scanned bool, err error) {
	if !s.inFrame || s.frameDeadline-s.frameElapsed < minScanHeadroomNanos {
		return 0, false, nil
	}

	roots := h.DirtyIDs()
	weakRoots := h.WeakPromotionRoots()
	if len(roots) == 0 && len(weakRoots) == 0 {
		return 0, false, nil
	}
	roots = append(roots, weakRoots...)

	cycles := FindCycles(h, roots)
	h.ClearWeakPromotionRoots(weakRoots)
	s.frameElapsed += elapsedNanos

	freedCount := 0
	for _, scc := range cycles {
		if err := h.FreeIsolatedCycle(scc); err != nil {
			return freedCount, true, fmt.Errorf("freeing isolated cycle: %w", err)
		}
		freedCount += len(scc)
	}

	s.adapt(freedCount > 0)
	return freedCount, true, nil
}

func (s *Scheduler) adapt(productive bool) {
	if productive {
		next := int(float64(s.threshold) * s.cfg.ShrinkFactor)
		if next < s.cfg.MinThreshold {
			next = s.cfg.MinThreshold
		}
		s.threshold = next
		return
	}
	next := int(float64(s.threshold) * s.cfg.GrowFactor)
	if next > s.cfg.MaxThreshold {
		next = s.cfg.MaxThreshold
	}
	s.threshold = next
}

// Threshold returns the scheduler's current adaptive trigger, exposed for
// the heap verifier's health report and for tests.
func (s *Scheduler) Threshold() int { return s.threshold }
