package corevm

import (
	"errors"
	"fmt"

	"github.com/anvil-lang/corevm/internal/corevm/vm"
)

// ErrorCode classifies a runtime fault (spec §7: "every runtime fault
// surfaces a typed error, never a panic"). It is the internal dispatch
// loop's own ErrorCode, re-exported here as the one error-classification
// type a host ever needs to import — the same "one error type at the
// boundary" idiom the teacher's tagged Value carries its TError variant
// under.
type ErrorCode = vm.ErrorCode

const (
	ErrUnknown             = vm.ErrUnknown
	ErrTypeMismatch        = vm.ErrTypeMismatch
	ErrStackOverflow       = vm.ErrStackOverflow
	ErrStackUnderflow      = vm.ErrStackUnderflow
	ErrDivideByZero        = vm.ErrDivideByZero
	ErrIntegerOverflow     = vm.ErrIntegerOverflow
	ErrIndexOutOfRange     = vm.ErrIndexOutOfRange
	ErrUnwrapNone          = vm.ErrUnwrapNone
	ErrUnwrapErr           = vm.ErrUnwrapErr
	ErrUnknownGlobal       = vm.ErrUnknownGlobal
	ErrDuplicateGlobalInit = vm.ErrDuplicateGlobalInit
	ErrForeignCallFailed   = vm.ErrForeignCallFailed
	ErrFrameBudgetExceeded = vm.ErrFrameBudgetExceeded
	ErrHeapCorruption      = vm.ErrHeapCorruption
	ErrBadProgram          = vm.ErrBadProgram
)

// RuntimeError is the error type every corevm operation returns on
// failure: a code, a message, the program counter it occurred at, and the
// wrapped cause when one exists.
type RuntimeError struct {
	Code    ErrorCode
	Message string
	PC      int
	Cause   error
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corevm: [%s] at pc=%d: %s (caused by: %v)", e.Code, e.PC, e.Message, e.Cause)
	}
	return fmt.Sprintf("corevm: [%s] at pc=%d: %s", e.Code, e.PC, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

// Code extracts the ErrorCode from err if it (or something it wraps) is a
// *RuntimeError, for a host that wants to branch on fault classification
// without a type switch at every call site.
func Code(err error) (ErrorCode, bool) {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code, true
	}
	var ve *vm.RuntimeError
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	return ErrUnknown, false
}

// wrapInternal adapts an internal *vm.RuntimeError (or any other error) to
// the public RuntimeError type, so a host never needs to import
// internal/corevm/vm to inspect a failure.
func wrapInternal(err error) error {
	if err == nil {
		return nil
	}
	var ve *vm.RuntimeError
	if errors.As(err, &ve) {
		return &RuntimeError{Code: ve.Code, Message: ve.Message, PC: ve.PC, Cause: ve.Cause}
	}
	return &RuntimeError{Code: ErrUnknown, Message: err.Error()}
}
