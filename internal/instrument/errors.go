package instrument

import (
	"errors"
	"fmt"

	"github.com/loykin/cs150ctl/internal/protocol"
)

var (
	ErrConnectionFailure      = errors.New("connection failed")
	ErrNotConnected           = errors.New("not connected, call Connect first")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrMeasurementFailure     = errors.New("measurement failed")
	ErrIntegrationTimeFailure = errors.New("failed to set integration time")
	ErrBacklightFailure       = errors.New("failed to set backlight")

	// ErrConnectionLost is returned when the measurement server is gone.
	ErrConnectionLost = protocol.ErrConnectionLost
	// ErrTimeout is returned when a configured read timeout expires.
	ErrTimeout = protocol.ErrTimeout
)

// ResponseError is a command the server rejected or answered with a payload
// that could not be decoded. errors.Is matches its Kind.
type ResponseError struct {
	Kind     error  // one of the Err*Failure sentinels
	Command  string // command line that was sent
	Response string // raw response line
	Err      error  // decode failure, if any
}

func (e *ResponseError) Error() string {
	resp := e.Response
	if resp == "" {
		resp = "<empty response>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", e.Kind, resp, e.Err)
	}
	return fmt.Sprintf("%v: %s", e.Kind, resp)
}

func (e *ResponseError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func rejected(kind error, cmd protocol.Command, resp protocol.Response) error {
	return &ResponseError{Kind: kind, Command: cmd.String(), Response: resp.Raw}
}
