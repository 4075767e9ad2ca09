package storage

import (
	"errors"
	"fmt"

	"github.com/fruitsalade/appfs/pkg/protocol"
)

var (
	ErrNotFound             = errors.New("node not found")
	ErrConflict             = errors.New("node name already exists")
	ErrCycle                = errors.New("move would create a cycle")
	ErrInconsistent         = errors.New("node is inconsistent")
	ErrTransport            = errors.New("transport failure")
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrUnavailable          = errors.New("backend unavailable")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// ErrRootDeletion is returned when deleting a file system root.
var ErrRootDeletion = fmt.Errorf("%w: the file system root cannot be deleted", ErrNotFound)

// NodeError records the operation and node that failed.
type NodeError struct {
	Op  string
	ID  string
	Err error
}

func (e *NodeError) Error() string {
	if e.ID == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.ID + ": " + e.Err.Error()
}

func (e *NodeError) Unwrap() error { return e.Err }

// NewNodeError wraps err with the operation and node id.
func NewNodeError(op, id string, err error) error {
	return &NodeError{Op: op, ID: id, Err: err}
}

// RemoteError is a failure reported by a remote server.
type RemoteError struct {
	Kind      string
	Message   string
	RequestID string
}

func (e *RemoteError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote %s: %s (request %s)", e.Kind, e.Message, e.RequestID)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

// Unwrap maps the remote kind onto the local taxonomy.
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case protocol.KindNotFound:
		return ErrNotFound
	case protocol.KindConflict:
		return ErrConflict
	case protocol.KindCycle:
		return ErrCycle
	case protocol.KindInconsistent:
		return ErrInconsistent
	case protocol.KindUnavailable:
		return ErrUnavailable
	case protocol.KindConfigurationMissing:
		return ErrConfigurationMissing
	case protocol.KindInvalidArgument:
		return ErrInvalidArgument
	}
	return nil
}

// ErrorKind returns the wire kind for err.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.KindNotFound
	case errors.Is(err, ErrConflict):
		return protocol.KindConflict
	case errors.Is(err, ErrCycle):
		return protocol.KindCycle
	case errors.Is(err, ErrInconsistent):
		return protocol.KindInconsistent
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTransport):
		return protocol.KindUnavailable
	case errors.Is(err, ErrConfigurationMissing):
		return protocol.KindConfigurationMissing
	case errors.Is(err, ErrInvalidArgument):
		return protocol.KindInvalidArgument
	}
	return protocol.KindInternal
}

// MissingConfiguration reports an unset configuration key to the operator.
func MissingConfiguration(key, purpose string) error {
	return fmt.Errorf("%w: %s is not set; it is required to %s", ErrConfigurationMissing, key, purpose)
}
