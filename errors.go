package doser

import "errors"

// ErrorCode classifies every fault the dosing core can escalate. Codes are
// errors themselves so they can be wrapped with context and recovered with
// errors.Is at the state machine boundary.
type ErrorCode int

const (
	ErrNone ErrorCode = iota

	// InvalidIndex rejects a recipe: selection out of bounds, or contents
	// that fail validation or an interlock at pre-check.
	InvalidIndex

	// UnhandledState is raised when the state machine reaches a state with
	// no registered handler.
	UnhandledState

	// LinkTimeout means a motor command got no reply within its window
	// after the retry budget was spent.
	LinkTimeout

	// MotorFault is any non-ok reply from the motor controller.
	MotorFault

	// ScaleCommFailure means the scale stopped producing decodable frames.
	ScaleCommFailure

	// ScaleStale means weight feedback stopped arriving mid-dose.
	ScaleStale

	// Timeout means a dosing step exceeded its maximum duration.
	Timeout

	// OverDispense means dispensed mass exceeded target plus the safety
	// margin.
	OverDispense
)

var codeNames = map[ErrorCode]string{
	ErrNone:          "OK",
	InvalidIndex:     "INVALID_INDEX",
	UnhandledState:   "UNHANDLED_STATE",
	LinkTimeout:      "LINK_TIMEOUT",
	MotorFault:       "MOTOR_FAULT",
	ScaleCommFailure: "SCALE_COMM_FAILURE",
	ScaleStale:       "SCALE_STALE",
	Timeout:          "TIMEOUT",
	OverDispense:     "OVER_DISPENSE",
}

func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "UNKNOWN"
}

func (c ErrorCode) Error() string {
	return c.String()
}

// CodeOf extracts the ErrorCode from an error chain. It returns ErrNone for
// nil and for chains that carry no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrNone
}
