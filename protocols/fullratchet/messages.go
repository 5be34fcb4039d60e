package fullratchet

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/protocol"
)

const (
	MessageInitiate protocol.MessageID = iota
	MessageAliceKey
	MessageBobKey
	MessageAck
)

// InitiateMessage is posted locally to renew the send seed of a channel.
type InitiateMessage struct {
	Contact crypto.UID
	Device  crypto.UID
}

func (InitiateMessage) MessageID() protocol.MessageID { return MessageInitiate }

func (m InitiateMessage) Encode() encoder.Encoded {
	return encoder.EncodeList(m.Contact.Encode(), m.Device.Encode())
}

// AliceKeyMessage carries the renewing side's ephemeral key.
type AliceKeyMessage struct {
	Ephemeral [32]byte
}

func (AliceKeyMessage) MessageID() protocol.MessageID { return MessageAliceKey }

func (m AliceKeyMessage) Encode() encoder.Encoded {
	return encoder.EncodeList(crypto.EncodePublicKey(m.Ephemeral))
}

// BobKeyMessage carries the peer's ephemeral key and the receive generation
// it installed.
type BobKeyMessage struct {
	Ephemeral  [32]byte
	Generation int64
}

func (BobKeyMessage) MessageID() protocol.MessageID { return MessageBobKey }

func (m BobKeyMessage) Encode() encoder.Encoded {
	return encoder.EncodeList(crypto.EncodePublicKey(m.Ephemeral), encoder.EncodeInt(m.Generation))
}

// AckMessage is the first message encrypted with the renewed send seed.
type AckMessage struct{}

func (AckMessage) MessageID() protocol.MessageID { return MessageAck }
func (AckMessage) Encode() encoder.Encoded       { return encoder.EncodeList() }

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
	case MessageAliceKey:
		items, err := encoder.DecodeListN(e, 1)
		if err != nil {
			return nil, err
		}
		pk, err := crypto.DecodePublicKey(items[0])
		if err != nil {
			return nil, err
		}
		return AliceKeyMessage{Ephemeral: pk}, nil
	case MessageBobKey:
		items, err := encoder.DecodeListN(e, 2)
		if err != nil {
			return nil, err
		}
		var m BobKeyMessage
		if m.Ephemeral, err = crypto.DecodePublicKey(items[0]); err != nil {
			return nil, err
		}
		if m.Generation, err = encoder.DecodeInt(items[1]); err != nil {
			return nil, err
		}
		return m, nil
	case MessageAck:
		if _, err := encoder.DecodeListN(e, 0); err != nil {
			return nil, err
		}
		return AckMessage{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown full ratchet message %d", encoder.ErrDecoding, id)
	}
}
