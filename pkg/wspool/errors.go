package wspool

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotConnected is returned by Send when the named connection is not open.
var ErrNotConnected = errors.New("not connected")

// TransportError wraps every failure of the transport layer: handshake failures,
// timeouts, writes on a closed connection and read errors.
type TransportError struct {
	Op   string
	Name string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("wspool %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("wspool %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportErr(op, name string, err error) error {
	return &TransportError{Op: op, Name: name, Err: err}
}
