package session

import (
	"context"
	"errors"

	"github.com/NodePath81/fbspeed/internal/hosts"
	"github.com/NodePath81/fbspeed/internal/latency"
	"github.com/NodePath81/fbspeed/internal/selector"
)

var (
	// ErrAlreadyRunning is returned by register while an id is taken. Start
	// resolves it by cancelling the older session.
	ErrAlreadyRunning   = errors.New("session already running")
	ErrInvalidServer    = hosts.ErrInvalidDefinition
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timed out")
	ErrCancelled        = errors.New("cancelled")
	ErrNoReachableHost  = selector.ErrNoReachableHost
	ErrInvalidArgument  = errors.New("invalid argument")
)

// ErrorCode is the stable identifier carried by Errored events.
type ErrorCode string

const (
	CodeConnectionFailed ErrorCode = "connection_failed"
	CodeTimeout          ErrorCode = "timeout"
	CodeInvalidServer    ErrorCode = "invalid_server"
	CodeInvalidArgument  ErrorCode = "invalid_argument"
	CodeNoReachableHost  ErrorCode = "no_reachable_host"
	CodeCancelled        ErrorCode = "cancelled"
	CodeInternal         ErrorCode = "internal"
)

// CodeOf maps an error onto the delivery-channel taxonomy. Unclassified
// errors are treated as connection failures since they come from transport.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrInvalidServer):
		return CodeInvalidServer
	case errors.Is(err, ErrNoReachableHost):
		return CodeNoReachableHost
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrTimeout), latency.IsTimeout(err):
		return CodeTimeout
	default:
		return CodeConnectionFailed
	}
}

// classify wraps a transport or probe failure with its taxonomy sentinel.
func classify(err error) error {
	switch CodeOf(err) {
	case CodeTimeout:
		if errors.Is(err, ErrTimeout) {
			return err
		}
		return errors.Join(ErrTimeout, err)
	case CodeConnectionFailed:
		if errors.Is(err, ErrConnectionFailed) {
			return err
		}
		return errors.Join(ErrConnectionFailed, err)
	default:
		return err
	}
}
