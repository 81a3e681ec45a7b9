package remote

import (
	"fmt"

	"timeglass/remotectl/pkg/config"
	"timeglass/remotectl/pkg/proto"
)

// ConnectError is returned when the transport could not be established. The
// supervisor waits and retries; it is never fatal.
type ConnectError struct {
	// URL is the connection target with the token redacted.
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect %s: %v (HTTP %d)", e.URL, e.Err, e.StatusCode)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TransportError ends a session: a read failed, the server closed the
// connection, or the outbound writer stopped.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError is a malformed inbound frame. It is logged and skipped.
type ParseError struct {
	Frame string
	Err   error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse command: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// PolicyDeniedError is reported as a failed CommandResult.
type PolicyDeniedError struct {
	Kind proto.CommandKind
}

func (e *PolicyDeniedError) Error() string { return config.DisabledMessage(e.Kind) }

// ExecutionError wraps the executor's failure; its text is the reason sent to the operator.
type ExecutionError struct {
	Kind proto.CommandKind
	Err  error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }
