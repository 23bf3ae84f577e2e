package vm

import "fmt"

// ErrorCode classifies a runtime fault raised by the dispatch loop,
// mirroring the teacher's VMError{Code,Message,Cause} shape (spec §7
// "every runtime fault surfaces a typed error, never a panic").
type ErrorCode int

const (
	ErrUnknown ErrorCode = iota
	ErrTypeMismatch
	ErrStackOverflow
	ErrStackUnderflow
	ErrDivideByZero
	ErrIntegerOverflow
	ErrIndexOutOfRange
	ErrUnwrapNone
	ErrUnwrapErr
	ErrUnknownGlobal
	ErrDuplicateGlobalInit
	ErrForeignCallFailed
	ErrFrameBudgetExceeded
	ErrHeapCorruption
	ErrBadProgram
)

var errorCodeNames = [...]string{
	ErrUnknown:             "unknown",
	ErrTypeMismatch:        "type_mismatch",
	ErrStackOverflow:       "stack_overflow",
	ErrStackUnderflow:      "stack_underflow",
	ErrDivideByZero:        "divide_by_zero",
	ErrIntegerOverflow:     "integer_overflow",
	ErrIndexOutOfRange:     "index_out_of_range",
	ErrUnwrapNone:          "unwrap_none",
	ErrUnwrapErr:           "unwrap_err",
	ErrUnknownGlobal:       "unknown_global",
	ErrDuplicateGlobalInit: "duplicate_global_init",
	ErrForeignCallFailed:   "foreign_call_failed",
	ErrFrameBudgetExceeded: "frame_budget_exceeded",
	ErrHeapCorruption:      "heap_corruption",
	ErrBadProgram:          "bad_program",
}

func (c ErrorCode) String() string {
	if int(c) < len(errorCodeNames) && errorCodeNames[c] != "" {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("code(%d)", c)
}

// RuntimeError is the error type every VM-level failure is reported as.
type RuntimeError struct {
	Code    ErrorCode
	Message string
	PC      int
	Cause   error
}

func (e *RuntimeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("corevm runtime error [%s] at pc=%d: %s (caused by: %v)", e.Code, e.PC, e.Message, e.Cause)
	}
	return fmt.Sprintf("corevm runtime error [%s] at pc=%d: %s", e.Code, e.PC, e.Message)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newErr(pc int, code ErrorCode, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...), PC: pc}
}

func wrapErr(pc int, code ErrorCode, cause error, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Message: fmt.Sprintf(format, args...), PC: pc, Cause: cause}
}
