// Package limits provides centralized size constants and validation functions
// for the oblivious channel and protocol engine.
//
// # Size Hierarchy
//
//   - MaxProtocolInputs (64 KiB): the encoded inputs of a single protocol message.
//
//   - MaxNetworkPayload: the inputs plus envelope, padding and the worst-case
//     channel overhead. Anything larger is discarded before decryption.
//
// # Fan-out Limits
//
// MaxLocalCascade bounds how many local deliveries one inbound message may
// trigger, and MaxPendingPerInstance bounds how many messages may wait for an
// instance to reach a state that accepts them. Both keep a single job bounded.
//
//	if err := limits.ValidateNetworkPayload(payload); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom size limits, use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(data, 4096)
package limits
