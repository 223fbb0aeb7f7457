package gpu

import "fmt"

// ErrorKind classifies an Error.
type ErrorKind int

const (
	// ShortResponse means the device wrote less than a header.
	ShortResponse ErrorKind = iota
	// UnexpectedResponse means the response type was not the one expected.
	UnexpectedResponse
)

// Error reports a failed control command.
type Error struct {
	Kind     ErrorKind
	Cmd      MsgType
	Len      int
	Got      MsgType
	Expected MsgType
}

func (e *Error) Error() string {
	switch e.Kind {
	case ShortResponse:
		return fmt.Sprintf("gpu: %s: short response of %d bytes", e.Cmd, e.Len)
	default:
		return fmt.Sprintf("gpu: %s: got %s, want %s", e.Cmd, e.Got, e.Expected)
	}
}

// Is matches an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
