// Package verify implements the heap verifier: an explicitly opt-in,
// non-inventive consistency checker over the live object graph (spec §4.F).
// It never runs as a side effect of normal execution and never mutates the
// heap beyond the bounded recovery actions it is specifically configured
// to take.
package verify

import (
	"bytes"
	"fmt"

	"github.com/olekukonko/tablewriter"

	"github.com/anvil-lang/corevm/internal/corevm/heap"
)

// Severity classifies a single invariant violation.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Finding is one invariant violation discovered by a verification pass.
type Finding struct {
	ObjectID uint64
	Rule     string
	Severity Severity
	Detail   string
}

// Config tunes the verifier, following the ambient plain-struct +
// Default/Validate configuration idiom this runtime uses throughout.
type Config struct {
	// Enabled gates the whole verifier; a disabled verifier's Run is a
	// no-op, matching spec §4.F's "no-op unless explicitly enabled".
	Enabled bool
	// AllowRecovery permits Run to apply the bounded, non-inventive
	// recovery actions catalogued below (currently: pruning dirty-set
	// entries whose object no longer exists or has been freed).
	AllowRecovery bool
}

// DefaultConfig returns a verifier that is off by default.
func DefaultConfig() *Config {
	return &Config{Enabled: false, AllowRecovery: false}
}

// Validate is a placeholder for future constraint checks; present so the
// type matches this codebase's Config/Validate convention uniformly.
func (c *Config) Validate() error { return nil }

// WithEnabled toggles the verifier.
func (c *Config) WithEnabled(v bool) *Config { c.Enabled = v; return c }

// WithRecovery toggles bounded recovery.
func (c *Config) WithRecovery(v bool) *Config { c.AllowRecovery = v; return c }

// Report is the result of one verification pass.
type Report struct {
	Findings   []Finding
	LiveCount  int
	HealthScore float64 // 1.0 == no findings, decreasing with severity-weighted violations
}

// Run walks every live object the heap exposes and checks the invariant
// catalog below. It is read-only except for the specific recovery actions
// cfg.AllowRecovery opts into.
func Run(h *heap.Heap, cfg *Config) Report {
	if cfg == nil || !cfg.Enabled {
		return Report{HealthScore: 1.0}
	}

	var findings []Finding
	live := h.LiveIDs()
	for _, id := range live {
		obj, ok := h.Get(id)
		if !ok {
			continue
		}
		findings = append(findings, checkObject(h, obj)...)
	}

	if cfg.AllowRecovery {
		if n := h.PruneStaleDirty(); n > 0 {
			findings = append(findings, Finding{
				Rule: "dirty-tracking-inconsistency", Severity: SeverityWarning,
				Detail: fmt.Sprintf("recovered: pruned %d stale dirty-set entries", n),
			})
		}
	}

	rep := Report{Findings: findings, LiveCount: len(live)}
	rep.HealthScore = healthScore(len(live), findings)
	return rep
}

// checkObject runs every invariant rule against a single live object.
func checkObject(h *heap.Heap, obj *heap.Object) []Finding {
	var out []Finding

	if obj.Strong == 0 {
		out = append(out, Finding{
			ObjectID: obj.ID, Rule: "strong-count-nonzero", Severity: SeverityCritical,
			Detail: "live object has a strong count of zero",
		})
	}

	for _, childID := range h.Outgoing(obj.ID) {
		if _, ok := h.Get(childID); !ok {
			out = append(out, Finding{
				ObjectID: obj.ID, Rule: "outgoing-edge-resolves", Severity: SeverityCritical,
				Detail: fmt.Sprintf("field references object %d which does not exist or is freed", childID),
			})
		}
	}

	return out
}

// healthScore condenses a finding list into the [0,1] figure stored in
// Report.HealthScore: 1.0 with no findings, degrading faster for critical
// findings than warnings, and never negative.
func healthScore(liveCount int, findings []Finding) float64 {
	if liveCount == 0 {
		return 1.0
	}
	penalty := 0.0
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			penalty += 1.0
		case SeverityWarning:
			penalty += 0.25
		case SeverityInfo:
			penalty += 0.05
		}
	}
	score := 1.0 - penalty/float64(liveCount)
	if score < 0 {
		score = 0
	}
	return score
}

// RenderTable formats a Report as an aligned text table via tablewriter,
// followed by a live-object and health-score summary line.
func RenderTable(rep Report) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"object", "rule", "severity", "detail"})
	for _, f := range rep.Findings {
		table.Append([]string{
			fmt.Sprintf("%d", f.ObjectID),
			f.Rule,
			f.Severity.String(),
			f.Detail,
		})
	}
	table.Render()
	fmt.Fprintf(&buf, "\nlive objects: %d   health score: %.3f\n", rep.LiveCount, rep.HealthScore)
	return buf.String()
}
