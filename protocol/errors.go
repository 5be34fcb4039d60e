package protocol

import (
	"errors"

	"github.com/opd-ai/obvcore/store"
)

var (
	// ErrUnknownProtocol is returned for messages addressed to an unregistered protocol.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrInvalidDefinition is returned when registering a malformed protocol.
	ErrInvalidDefinition = errors.New("invalid protocol definition")

	// ErrOrphanMessage is reported for a message addressed to an instance that
	// does not exist and that is not a starter of its protocol.
	ErrOrphanMessage = errors.New("orphan protocol message")

	// ErrInstanceTerminated is reported for messages arriving after the
	// instance reached a terminal state.
	ErrInstanceTerminated = errors.New("protocol instance already terminated")

	// ErrInstanceNotFound is returned by queries on unknown instances.
	ErrInstanceNotFound = errors.New("protocol instance not found")

	// ErrUnexpectedReception is reported for a message that arrived on a
	// channel its step does not accept.
	ErrUnexpectedReception = errors.New("message received on an unexpected channel")

	// ErrInvariantViolation is returned by steps that receive a message
	// inconsistent with their state. It cancels the instance.
	ErrInvariantViolation = errors.New("protocol invariant violation")

	// ErrMissingCapability is a fatal configuration error: the engine was
	// built without a capability a step needs.
	ErrMissingCapability = errors.New("missing engine capability")
)

// isFatal reports whether err must escape the engine instead of cancelling
// the instance it occurred in.
func isFatal(err error) bool {
	return errors.Is(err, ErrMissingCapability) || errors.Is(err, store.ErrTxDone)
}
