package vm

import "github.com/anvil-lang/corevm/internal/corevm/value"

// Globals is the flat, name-indexed table backing GetGlobal/SetGlobal/
// InitGlobal, mirroring the teacher's flat-map VM state fields rather than
// introducing a separate scoping mechanism the instruction set has no
// opcode for.
type Globals struct {
	slots       map[string]value.Value
	initialized map[string]bool
}

// NewGlobals creates an empty global table.
func NewGlobals() *Globals {
	return &Globals{slots: make(map[string]value.Value), initialized: make(map[string]bool)}
}

// Get returns a global's value and whether it has ever been initialized.
func (g *Globals) Get(name string) (value.Value, bool) {
	if !g.initialized[name] {
		return value.Nil(), false
	}
	return g.slots[name], true
}

// Set assigns an already-initialized global.
func (g *Globals) Set(name string, v value.Value) {
	g.slots[name] = v
	g.initialized[name] = true
}

// Init initializes a global exactly once; a second Init for the same name
// leaves the first value in place and reports alreadyInitialized, which
// execInitGlobal treats as a no-op rather than an error.
func (g *Globals) Init(name string, v value.Value) (alreadyInitialized bool) {
	if g.initialized[name] {
		return true
	}
	g.slots[name] = v
	g.initialized[name] = true
	return false
}
