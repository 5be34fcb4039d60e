package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/protocol"
)

var (
	// ErrInvalidTimeout is returned when a delivery timeout is not positive.
	ErrInvalidTimeout = errors.New("network timeout must be positive")
	// ErrInvalidRetryAttempts is returned when the retry count is negative.
	ErrInvalidRetryAttempts = errors.New("retry attempts cannot be negative")
	// ErrInvalidOutboxLifetime is returned when the outbox lifetime is negative.
	ErrInvalidOutboxLifetime = errors.New("outbox lifetime cannot be negative")
	// ErrUnsupportedQuery is returned by servers for queries they do not understand.
	ErrUnsupportedQuery = errors.New("unsupported server query")
)

// NetworkDelivery hands outgoing protocol messages to the network.
// This abstraction allows switching between simulation and real network implementations.
type NetworkDelivery interface {
	// Deliver sends one oblivious or asymmetric message to the device it is
	// addressed to. The payload is already encrypted.
	Deliver(ctx context.Context, msg *protocol.OutgoingMessage) error

	// IsSimulation returns true if this is a simulation implementation
	IsSimulation() bool
}

// ServerQuerier runs queries against the identity server of a remote identity.
type ServerQuerier interface {
	// Query returns the server's answer, which is delivered back to the
	// protocol instance that asked.
	Query(ctx context.Context, remoteIdentity crypto.UID, query encoder.Encoded) (encoder.Encoded, error)
}

// DeliveryConfig holds configuration for delivery implementations
type DeliveryConfig struct {
	// NetworkTimeout bounds each Deliver or Query call
	NetworkTimeout time.Duration `toml:"network_timeout"`

	// RetryAttempts sets the number of retry attempts for failed deliveries
	RetryAttempts int `toml:"retry_attempts"`

	// RetryBackoff is the pause before the first retry, doubled on each attempt
	RetryBackoff time.Duration `toml:"retry_backoff"`

	// OutboxLifetime bounds how long an undeliverable message is retried
	// before it is dropped. Zero keeps retrying forever.
	OutboxLifetime time.Duration `toml:"outbox_lifetime"`
}

// DefaultDeliveryConfig returns the delivery settings used when none are configured.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		NetworkTimeout: 10 * time.Second,
		RetryAttempts:  3,
		RetryBackoff:   500 * time.Millisecond,
		OutboxLifetime: 7 * 24 * time.Hour,
	}
}

// Validate checks the configuration values.
func (c DeliveryConfig) Validate() error {
	if c.NetworkTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.RetryAttempts < 0 || c.RetryBackoff < 0 {
		return ErrInvalidRetryAttempts
	}
	if c.OutboxLifetime < 0 {
		return ErrInvalidOutboxLifetime
	}
	return nil
}
