package channelcreation

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/protocol"
)

const (
	StateInitial protocol.StateID = iota
	StateEphemeralKeySent
	StateResponseSent
	StateFinal
	StateCancelled
	StatePingSent
	StatePingAnswered
)

// InitialState is the state of a fresh instance on both sides.
type InitialState struct{}

func (InitialState) StateID() protocol.StateID { return StateInitial }
func (InitialState) Encode() encoder.Encoded   { return encoder.EncodeList() }

// EphemeralKeySentState is the initiator waiting for the response. It keeps
// the ephemeral private key until the channel seed is derived.
type EphemeralKeySentState struct {
	Contact   crypto.UID
	Device    crypto.UID
	Ephemeral crypto.KeyPair
	SuiteMax  int64
}

func (EphemeralKeySentState) StateID() protocol.StateID { return StateEphemeralKeySent }

func (s EphemeralKeySentState) Encode() encoder.Encoded {
	return encoder.EncodeList(
		s.Contact.Encode(),
		s.Device.Encode(),
		crypto.EncodePublicKey(s.Ephemeral.Public),
		crypto.EncodePrivateKey(s.Ephemeral.Private),
		encoder.EncodeInt(s.SuiteMax),
	)
}

// ResponseSentState is the responder waiting for the initiator's Ack on the
// new channel.
type ResponseSentState struct {
	Contact crypto.UID
	Device  crypto.UID
}

func (ResponseSentState) StateID() protocol.StateID { return StateResponseSent }

func (s ResponseSentState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), s.Device.Encode())
}

// FinalState records the device the channel was established with.
type FinalState struct {
	Contact crypto.UID
	Device  crypto.UID
}

func (FinalState) StateID() protocol.StateID { return StateFinal }

func (s FinalState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), s.Device.Encode())
}

// CancelledState carries the reason of the cancellation.
type CancelledState struct {
	Reason string
}

func (CancelledState) StateID() protocol.StateID { return StateCancelled }
func (s CancelledState) Encode() encoder.Encoded { return encoder.EncodeString(s.Reason) }

// PingSentState ends an instance whose device asked the contact device to
// initiate instead.
type PingSentState struct {
	Contact crypto.UID
	Device  crypto.UID
}

func (PingSentState) StateID() protocol.StateID { return StatePingSent }

func (s PingSentState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), s.Device.Encode())
}

// PingAnsweredState ends a ping instance. Initiation is the uid of the
// channel creation instance started in response.
type PingAnsweredState struct {
	Contact    crypto.UID
	Device     crypto.UID
	Initiation crypto.UID
}

func (PingAnsweredState) StateID() protocol.StateID { return StatePingAnswered }

func (s PingAnsweredState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), s.Device.Encode(), s.Initiation.Encode())
}

func decodeContactDevice(e encoder.Encoded) (crypto.UID, crypto.UID, error) {
	items, err := encoder.DecodeListN(e, 2)
	if err != nil {
		return crypto.UID{}, crypto.UID{}, err
	}
	contact, err := crypto.DecodeUID(items[0])
	if err != nil {
		return crypto.UID{}, crypto.UID{}, err
	}
	device, err := crypto.DecodeUID(items[1])
	if err != nil {
		return crypto.UID{}, crypto.UID{}, err
	}
	return contact, device, nil
}

func decodeState(id protocol.StateID, e encoder.Encoded) (protocol.State, error) {
	switch id {
	case StateInitial:
		if _, err := encoder.DecodeListN(e, 0); err != nil {
			return nil, err
		}
		return InitialState{}, nil
	case StateEphemeralKeySent:
		items, err := encoder.DecodeListN(e, 5)
		if err != nil {
			return nil, err
		}
		var s EphemeralKeySentState
		if s.Contact, err = crypto.DecodeUID(items[0]); err != nil {
			return nil, err
		}
		if s.Device, err = crypto.DecodeUID(items[1]); err != nil {
			return nil, err
		}
		if s.Ephemeral.Public, err = crypto.DecodePublicKey(items[2]); err != nil {
			return nil, err
		}
		if s.Ephemeral.Private, err = crypto.DecodePrivateKey(items[3]); err != nil {
			return nil, err
		}
		if s.SuiteMax, err = encoder.DecodeInt(items[4]); err != nil {
			return nil, err
		}
		return s, nil
	case StateResponseSent:
		c, d, err := decodeContactDevice(e)
		if err != nil {
			return nil, err
		}
		return ResponseSentState{Contact: c, Device: d}, nil
	case StateFinal:
		c, d, err := decodeContactDevice(e)
		if err != nil {
			return nil, err
		}
		return FinalState{Contact: c, Device: d}, nil
	case StateCancelled:
		reason, err := encoder.DecodeString(e)
		if err != nil {
			return nil, err
		}
		return CancelledState{Reason: reason}, nil
	case StatePingSent:
		c, d, err := decodeContactDevice(e)
		if err != nil {
			return nil, err
		}
		return PingSentState{Contact: c, Device: d}, nil
	case StatePingAnswered:
		items, err := encoder.DecodeListN(e, 3)
		if err != nil {
			return nil, err
		}
		c, d, err := decodeContactDevice(encoder.EncodeList(items[0], items[1]))
		if err != nil {
			return nil, err
		}
		initiation, err := crypto.DecodeUID(items[2])
		if err != nil {
			return nil, err
		}
		return PingAnsweredState{Contact: c, Device: d, Initiation: initiation}, nil
	default:
		return nil, fmt.Errorf("%w: unknown channel creation state %d", encoder.ErrDecoding, id)
	}
}
