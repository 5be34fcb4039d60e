package protocol

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
)

// ProtocolID identifies a protocol type. Ids are part of the wire format.
type ProtocolID int64

// StateID identifies a state within one protocol.
type StateID int64

// MessageID identifies a message type within one protocol.
type MessageID int64

// State is a decoded, typed protocol state.
type State interface {
	encoder.Encodable
	StateID() StateID
}

// Message is a decoded, typed protocol message.
type Message interface {
	encoder.Encodable
	MessageID() MessageID
}

// ReceptionKind tells how a message reached the engine.
type ReceptionKind uint8

const (
	// ReceptionLocal messages come from the host or from other local instances.
	ReceptionLocal ReceptionKind = iota + 1
	// ReceptionAsymmetric messages were sealed to the owned identity's public key.
	ReceptionAsymmetric
	// ReceptionOblivious messages were decrypted from an oblivious channel.
	ReceptionOblivious
)

func (k ReceptionKind) String() string {
	switch k {
	case ReceptionLocal:
		return "local"
	case ReceptionAsymmetric:
		return "asymmetric"
	case ReceptionOblivious:
		return "oblivious"
	default:
		return fmt.Sprintf("ReceptionKind(%d)", uint8(k))
	}
}

// Reception describes the channel a message arrived on. The remote fields are
// only set for oblivious receptions, where the channel authenticates them.
type Reception struct {
	Kind           ReceptionKind
	RemoteIdentity crypto.UID
	RemoteDevice   crypto.UID
}

// Local is the reception of host and engine generated messages.
var Local = Reception{Kind: ReceptionLocal}

// Oblivious is the reception of a message decrypted from the channel with
// the given remote device.
func Oblivious(remoteIdentity, remoteDevice crypto.UID) Reception {
	return Reception{Kind: ReceptionOblivious, RemoteIdentity: remoteIdentity, RemoteDevice: remoteDevice}
}

// Asymmetric is the reception of a message sealed to the owned identity.
var Asymmetric = Reception{Kind: ReceptionAsymmetric}

func (r Reception) encode() encoder.Encoded {
	return encoder.EncodeList(
		encoder.EncodeInt(int64(r.Kind)),
		r.RemoteIdentity.Encode(),
		r.RemoteDevice.Encode(),
	)
}

func decodeReception(e encoder.Encoded) (Reception, error) {
	items, err := encoder.DecodeListN(e, 3)
	if err != nil {
		return Reception{}, err
	}
	kind, err := encoder.DecodeInt(items[0])
	if err != nil {
		return Reception{}, err
	}
	r := Reception{Kind: ReceptionKind(kind)}
	if r.RemoteIdentity, err = crypto.DecodeUID(items[1]); err != nil {
		return Reception{}, err
	}
	if r.RemoteDevice, err = crypto.DecodeUID(items[2]); err != nil {
		return Reception{}, err
	}
	return r, nil
}

// GenericMessage is a protocol message that has not been decoded by its
// protocol yet: the form used on the wire, in the pending store and at the
// engine entry points.
type GenericMessage struct {
	Protocol  ProtocolID
	Instance  crypto.UID
	Message   MessageID
	Inputs    encoder.Encoded
	Reception Reception

	// expiresAt carries the lifetime of a message released from the pending
	// store, so that retries do not extend it.
	expiresAt int64
}

// envelope is the plaintext carried by channels: protocol id, instance uid,
// message id and the encoded inputs.
func (m GenericMessage) envelope() encoder.Encoded {
	return encoder.EncodeList(
		encoder.EncodeInt(int64(m.Protocol)),
		m.Instance.Encode(),
		encoder.EncodeInt(int64(m.Message)),
		m.Inputs,
	)
}

func openEnvelope(e encoder.Encoded, r Reception) (GenericMessage, error) {
	items, err := encoder.DecodeListN(e, 4)
	if err != nil {
		return GenericMessage{}, err
	}
	pid, err := encoder.DecodeInt(items[0])
	if err != nil {
		return GenericMessage{}, err
	}
	uid, err := crypto.DecodeUID(items[1])
	if err != nil {
		return GenericMessage{}, err
	}
	mid, err := encoder.DecodeInt(items[2])
	if err != nil {
		return GenericMessage{}, err
	}
	return GenericMessage{
		Protocol:  ProtocolID(pid),
		Instance:  uid,
		Message:   MessageID(mid),
		Inputs:    items[3],
		Reception: r,
	}, nil
}

// ChildToParentInputs are the inputs of the message the engine posts to a
// parent instance when a linked child reaches an awaited state.
type ChildToParentInputs struct {
	Child        crypto.UID
	ChildState   StateID
	EncodedState encoder.Encoded
}

// Encode implements encoder.Encodable as a 3-element list.
func (c ChildToParentInputs) Encode() encoder.Encoded {
	return encoder.EncodeList(c.Child.Encode(), encoder.EncodeInt(int64(c.ChildState)), c.EncodedState)
}

// DecodeChildToParentInputs decodes the inputs of a child-to-parent message.
func DecodeChildToParentInputs(e encoder.Encoded) (ChildToParentInputs, error) {
	items, err := encoder.DecodeListN(e, 3)
	if err != nil {
		return ChildToParentInputs{}, err
	}
	uid, err := crypto.DecodeUID(items[0])
	if err != nil {
		return ChildToParentInputs{}, err
	}
	sid, err := encoder.DecodeInt(items[1])
	if err != nil {
		return ChildToParentInputs{}, err
	}
	return ChildToParentInputs{Child: uid, ChildState: StateID(sid), EncodedState: items[2]}, nil
}

// ChildToParentMessage adapts ChildToParentInputs to the Message interface
// under the message id the parent asked for when spawning the child.
type ChildToParentMessage struct {
	ID     MessageID
	Inputs ChildToParentInputs
}

// MessageID implements Message.
func (m ChildToParentMessage) MessageID() MessageID { return m.ID }

// Encode implements encoder.Encodable.
func (m ChildToParentMessage) Encode() encoder.Encoded { return m.Inputs.Encode() }
