package fullratchet

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/protocol"
)

const (
	StateInitial protocol.StateID = iota
	StateAliceKeySent
	StateBobKeySent
	StateFinal
	StateCancelled
)

// InitialState is the state of a fresh instance on both sides.
type InitialState struct{}

func (InitialState) StateID() protocol.StateID { return StateInitial }
func (InitialState) Encode() encoder.Encoded   { return encoder.EncodeList() }

// AliceKeySentState is the renewing side waiting for the peer's key.
type AliceKeySentState struct {
	Contact   crypto.UID
	Device    crypto.UID
	Ephemeral crypto.KeyPair
}

func (AliceKeySentState) StateID() protocol.StateID { return StateAliceKeySent }

func (s AliceKeySentState) Encode() encoder.Encoded {
	return encoder.EncodeList(
		s.Contact.Encode(),
		s.Device.Encode(),
		crypto.EncodePublicKey(s.Ephemeral.Public),
		crypto.EncodePrivateKey(s.Ephemeral.Private),
	)
}

// BobKeySentState is the peer waiting for the ack sent with the new seed.
type BobKeySentState struct {
	Contact    crypto.UID
	Device     crypto.UID
	Generation int64
}

func (BobKeySentState) StateID() protocol.StateID { return StateBobKeySent }

func (s BobKeySentState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), s.Device.Encode(), encoder.EncodeInt(s.Generation))
}

// FinalState records the generation that was installed.
type FinalState struct {
	Contact    crypto.UID
	Device     crypto.UID
	Generation int64
}

func (FinalState) StateID() protocol.StateID { return StateFinal }

func (s FinalState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), s.Device.Encode(), encoder.EncodeInt(s.Generation))
}

// CancelledState carries the reason of the cancellation.
type CancelledState struct {
	Reason string
}

func (CancelledState) StateID() protocol.StateID { return StateCancelled }
func (s CancelledState) Encode() encoder.Encoded { return encoder.EncodeString(s.Reason) }

func decodeGenerationState(e encoder.Encoded) (crypto.UID, crypto.UID, int64, error) {
	items, err := encoder.DecodeListN(e, 3)
	if err != nil {
		return crypto.UID{}, crypto.UID{}, 0, err
	}
	contact, err := crypto.DecodeUID(items[0])
	if err != nil {
		return crypto.UID{}, crypto.UID{}, 0, err
	}
	device, err := crypto.DecodeUID(items[1])
	if err != nil {
		return crypto.UID{}, crypto.UID{}, 0, err
	}
	gen, err := encoder.DecodeInt(items[2])
	if err != nil {
		return crypto.UID{}, crypto.UID{}, 0, err
	}
	return contact, device, gen, nil
}

func decodeState(id protocol.StateID, e encoder.Encoded) (protocol.State, error) {
	switch id {
	case StateInitial:
		if _, err := encoder.DecodeListN(e, 0); err != nil {
			return nil, err
		}
		return InitialState{}, nil
	case StateAliceKeySent:
		items, err := encoder.DecodeListN(e, 4)
		if err != nil {
			return nil, err
		}
		var s AliceKeySentState
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
		return s, nil
	case StateBobKeySent:
		c, d, g, err := decodeGenerationState(e)
		if err != nil {
			return nil, err
		}
		return BobKeySentState{Contact: c, Device: d, Generation: g}, nil
	case StateFinal:
		c, d, g, err := decodeGenerationState(e)
		if err != nil {
			return nil, err
		}
		return FinalState{Contact: c, Device: d, Generation: g}, nil
	case StateCancelled:
		reason, err := encoder.DecodeString(e)
		if err != nil {
			return nil, err
		}
		return CancelledState{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: unknown full ratchet state %d", encoder.ErrDecoding, id)
	}
}
