// Package limits provides centralized size and fan-out limits for the protocol
// engine. This ensures consistent validation across the channel, protocol and
// host-facing layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxProtocolInputs is the limit for the encoded inputs of one protocol message.
	MaxProtocolInputs = 64 * 1024

	// EnvelopeOverhead covers the envelope around protocol inputs (protocol id,
	// instance uid, message id and their codec headers) plus channel padding.
	EnvelopeOverhead = 256

	// ChannelOverhead is the worst case added by an oblivious channel: the
	// 32-byte key id, the AE implementation byte and the largest supported
	// nonce and tag (XChaCha20-Poly1305: 24 + 16).
	ChannelOverhead = 32 + 1 + 24 + 16

	// AnonymousBoxOverhead is the overhead of NaCl box.SealAnonymous
	// (ephemeral public key plus Poly1305 tag).
	AnonymousBoxOverhead = 32 + 16

	// MaxNetworkPayload is the largest payload accepted from the network.
	MaxNetworkPayload = MaxProtocolInputs + EnvelopeOverhead + ChannelOverhead

	// MaxLocalCascade bounds the local deliveries processed for one inbound
	// message (child notifications, pending retries, spawned protocols).
	MaxLocalCascade = 256

	// MaxPendingPerInstance bounds the messages kept waiting for an instance
	// to reach a state that accepts them.
	MaxPendingPerInstance = 64
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateProtocolInputs validates encoded protocol inputs against MaxProtocolInputs.
func ValidateProtocolInputs(inputs []byte) error {
	if len(inputs) == 0 {
		return ErrMessageEmpty
	}
	if len(inputs) > MaxProtocolInputs {
		return fmt.Errorf("%w: protocol inputs size %d exceeds limit %d", ErrMessageTooLarge, len(inputs), MaxProtocolInputs)
	}
	return nil
}

// ValidateNetworkPayload validates untrusted network data against MaxNetworkPayload.
// It must run before any decryption attempt.
func ValidateNetworkPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrMessageEmpty
	}
	if len(payload) > MaxNetworkPayload {
		return fmt.Errorf("%w: network payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxNetworkPayload)
	}
	return nil
}
