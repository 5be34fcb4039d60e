package channelcreation

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/protocol"
)

const (
	MessageInitiate protocol.MessageID = iota
	MessageEphemeralKey
	MessageResponseKey
	MessageAck
	MessagePing
)

// InitiateMessage is posted locally to start a channel with a contact device.
type InitiateMessage struct {
	Contact crypto.UID
	Device  crypto.UID
}

func (InitiateMessage) MessageID() protocol.MessageID { return MessageInitiate }

func (m InitiateMessage) Encode() encoder.Encoded {
	return encoder.EncodeList(m.Contact.Encode(), m.Device.Encode())
}

// EphemeralKeyMessage is the initiator's signed ephemeral key, sealed to the
// contact's identity key.
type EphemeralKeyMessage struct {
	Identity     identity.Identity
	Device       crypto.UID
	TargetDevice crypto.UID
	Ephemeral    [32]byte
	SuiteMax     int64
	Signature    []byte
}

func (EphemeralKeyMessage) MessageID() protocol.MessageID { return MessageEphemeralKey }

func (m EphemeralKeyMessage) Encode() encoder.Encoded {
	return encoder.EncodeList(
		m.Identity.Encode(),
		m.Device.Encode(),
		m.TargetDevice.Encode(),
		crypto.EncodePublicKey(m.Ephemeral),
		encoder.EncodeInt(m.SuiteMax),
		encoder.EncodeBytes(m.Signature),
	)
}

// ResponseKeyMessage is the responder's signed ephemeral key together with
// an ack already sealed on the new channel.
type ResponseKeyMessage struct {
	Identity  identity.Identity
	Device    crypto.UID
	Ephemeral [32]byte
	Suite     int64
	Signature []byte
	SealedAck []byte
}

func (ResponseKeyMessage) MessageID() protocol.MessageID { return MessageResponseKey }

func (m ResponseKeyMessage) Encode() encoder.Encoded {
	return encoder.EncodeList(
		m.Identity.Encode(),
		m.Device.Encode(),
		crypto.EncodePublicKey(m.Ephemeral),
		encoder.EncodeInt(m.Suite),
		encoder.EncodeBytes(m.Signature),
		encoder.EncodeBytes(m.SealedAck),
	)
}

// AckMessage travels on the new channel and confirms it on the responder side.
type AckMessage struct{}

func (AckMessage) MessageID() protocol.MessageID { return MessageAck }
func (AckMessage) Encode() encoder.Encoded       { return encoder.EncodeList() }

// PingMessage asks the contact device to initiate the channel. It is sent
// when the local device is not the one that initiates.
type PingMessage struct {
	Identity     identity.Identity
	Device       crypto.UID
	TargetDevice crypto.UID
	Signature    []byte
}

func (PingMessage) MessageID() protocol.MessageID { return MessagePing }

func (m PingMessage) Encode() encoder.Encoded {
	return encoder.EncodeList(
		m.Identity.Encode(),
		m.Device.Encode(),
		m.TargetDevice.Encode(),
		encoder.EncodeBytes(m.Signature),
	)
}

func decodeMessage(id protocol.MessageID, e encoder.Encoded) (protocol.Message, error) {
	switch id {
	case MessageInitiate:
		items, err := encoder.DecodeListN(e, 2)
		if err != nil {
			return nil, err
		}
		var m InitiateMessage
		if m.Contact, err = crypto.DecodeUID(items[0]); err != nil {
			return nil, err
		}
		if m.Device, err = crypto.DecodeUID(items[1]); err != nil {
			return nil, err
		}
		return m, nil
	case MessageEphemeralKey:
		items, err := encoder.DecodeListN(e, 6)
		if err != nil {
			return nil, err
		}
		var m EphemeralKeyMessage
		if m.Identity, err = identity.Decode(items[0]); err != nil {
			return nil, err
		}
		if m.Device, err = crypto.DecodeUID(items[1]); err != nil {
			return nil, err
		}
		if m.TargetDevice, err = crypto.DecodeUID(items[2]); err != nil {
			return nil, err
		}
		if m.Ephemeral, err = crypto.DecodePublicKey(items[3]); err != nil {
			return nil, err
		}
		if m.SuiteMax, err = encoder.DecodeInt(items[4]); err != nil {
			return nil, err
		}
		if m.Signature, err = encoder.DecodeBytes(items[5]); err != nil {
			return nil, err
		}
		return m, nil
	case MessageResponseKey:
		items, err := encoder.DecodeListN(e, 6)
		if err != nil {
			return nil, err
		}
		var m ResponseKeyMessage
		if m.Identity, err = identity.Decode(items[0]); err != nil {
			return nil, err
		}
		if m.Device, err = crypto.DecodeUID(items[1]); err != nil {
			return nil, err
		}
		if m.Ephemeral, err = crypto.DecodePublicKey(items[2]); err != nil {
			return nil, err
		}
		if m.Suite, err = encoder.DecodeInt(items[3]); err != nil {
			return nil, err
		}
		if m.Signature, err = encoder.DecodeBytes(items[4]); err != nil {
			return nil, err
		}
		if m.SealedAck, err = encoder.DecodeBytes(items[5]); err != nil {
			return nil, err
		}
		return m, nil
	case MessageAck:
		if _, err := encoder.DecodeListN(e, 0); err != nil {
			return nil, err
		}
		return AckMessage{}, nil
	case MessagePing:
		items, err := encoder.DecodeListN(e, 4)
		if err != nil {
			return nil, err
		}
		var m PingMessage
		if m.Identity, err = identity.Decode(items[0]); err != nil {
			return nil, err
		}
		if m.Device, err = crypto.DecodeUID(items[1]); err != nil {
			return nil, err
		}
		if m.TargetDevice, err = crypto.DecodeUID(items[2]); err != nil {
			return nil, err
		}
		if m.Signature, err = encoder.DecodeBytes(items[3]); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown channel creation message %d", encoder.ErrDecoding, id)
	}
}
