// Package corevm is the public API of the register-VM runtime core: a
// tagged-value model, a reference-counted heap with an incremental cycle
// collector, and a frame-budgeted host boundary (spec §1–§9). Everything
// under internal/corevm is implementation; this package is the one surface
// an embedding host is meant to import.
//
// A typical host:
//
//	prog, err := corevm.LoadProgram(r)
//	vm := corevm.NewVM(prog, corevm.DefaultConfig())
//	vm.RegisterForeign("math", "sqrt", mySqrt)
//	vm.BeginFrame(2000) // 2ms frame budget
//	result, err := vm.Run("main", nil)
//	stats := vm.GetGCStats()
//	vm.Free()
package corevm
