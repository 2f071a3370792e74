package interpreter

import "fmt"

// CLR error kinds (engine-level failures surfaced to the user).
const (
	ErrEntryPointNotFound = "EntryPointNotFoundException"
	ErrMethodNotFound     = "MethodNotFound"
	ErrNullReference      = "NullReferenceException"
	ErrArithmetic         = "ArithmeticError"
	ErrInvalidCast        = "InvalidCast"
	ErrIndexOutOfRange    = "IndexOutOfRange"
	ErrInternal           = "Internal"
)

// CLRError is a fatal engine-level failure. Recovery is never local: the
// interpreter unwinds every active frame and the engine prints the banner.
type CLRError struct {
	Kind    string
	Message string
}

func (e *CLRError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func internalErrorf(format string, args ...any) *CLRError {
	return &CLRError{Kind: ErrInternal, Message: fmt.Sprintf(format, args...)}
}

func nullReference(context string) *CLRError {
	return &CLRError{Kind: ErrNullReference, Message: context}
}
