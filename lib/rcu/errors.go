package rcu

import "fmt"

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Operation executed successfully.
	RetCContextExists                   // 1: The context is already online.
	RetCContextUnknown                  // 2: The context (or the migration destination) is not online.
	RetCContextLimit                    // 3: No further context record can be admitted.
	RetCInvalidOperation                // 4: The operation is not valid for the given arguments.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCContextExists:
		return "ContextExists"
	case RetCContextUnknown:
		return "ContextUnknown"
	case RetCContextLimit:
		return "ContextLimit"
	case RetCInvalidOperation:
		return "InvalidOperation"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code and a message. Errors are only returned by the
// context lifecycle operations, the hot path (Register, CheckQuiescentState,
// ProcessCallbacks) never fails.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("RCUError (code %s): %s", e.Code, e.Msg)
}

// Is makes errors.Is match any *Error carrying the same code, e.g.
//
//	errors.Is(err, &rcu.Error{Code: rcu.RetCContextExists})
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, format string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		Msg:  fmt.Sprintf(format, args...),
	}
}
