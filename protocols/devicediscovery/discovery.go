// Package devicediscovery refreshes the device list of a contact.
//
// The parent protocol spawns a child that asks the contact's identity server
// for its current devices. When the child reports back, the parent stores the
// new list, deletes the channels of devices that disappeared and starts a
// channel creation with every new device.
package devicediscovery

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/interfaces"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/opd-ai/obvcore/protocols/channelcreation"
)

// ID is the protocol id of DeviceDiscovery.
const ID protocol.ProtocolID = 3

const (
	StateInitial protocol.StateID = iota
	StateWaitingForChild
	StateFinal
	StateCancelled
)

const (
	MessageStart protocol.MessageID = iota
	MessageChildResult
)

var local = []protocol.ReceptionKind{protocol.ReceptionLocal}

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", protocol.ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// InitialState is the state of a fresh discovery.
type InitialState struct{}

func (InitialState) StateID() protocol.StateID { return StateInitial }
func (InitialState) Encode() encoder.Encoded   { return encoder.EncodeList() }

// WaitingForChildState waits for the device query child.
type WaitingForChildState struct {
	Contact crypto.UID
	Child   crypto.UID
}

func (WaitingForChildState) StateID() protocol.StateID { return StateWaitingForChild }

func (s WaitingForChildState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), s.Child.Encode())
}

// FinalState lists the devices that were added and removed.
type FinalState struct {
	Contact crypto.UID
	Added   []crypto.UID
	Removed []crypto.UID
}

func (FinalState) StateID() protocol.StateID { return StateFinal }

func (s FinalState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), interfaces.EncodeDeviceList(s.Added), interfaces.EncodeDeviceList(s.Removed))
}

// CancelledState carries the reason of the cancellation.
type CancelledState struct {
	Reason string
}

func (CancelledState) StateID() protocol.StateID { return StateCancelled }
func (s CancelledState) Encode() encoder.Encoded { return encoder.EncodeString(s.Reason) }

// StartMessage starts a discovery of the devices of a contact.
type StartMessage struct {
	Contact crypto.UID
}

func (StartMessage) MessageID() protocol.MessageID { return MessageStart }
func (m StartMessage) Encode() encoder.Encoded     { return m.Contact.Encode() }

func decodeState(id protocol.StateID, e encoder.Encoded) (protocol.State, error) {
	switch id {
	case StateInitial:
		if _, err := encoder.DecodeListN(e, 0); err != nil {
			return nil, err
		}
		return InitialState{}, nil
	case StateWaitingForChild:
		items, err := encoder.DecodeListN(e, 2)
		if err != nil {
			return nil, err
		}
		var s WaitingForChildState
		if s.Contact, err = crypto.DecodeUID(items[0]); err != nil {
			return nil, err
		}
		if s.Child, err = crypto.DecodeUID(items[1]); err != nil {
			return nil, err
		}
		return s, nil
	case StateFinal:
		items, err := encoder.DecodeListN(e, 3)
		if err != nil {
			return nil, err
		}
		var s FinalState
		if s.Contact, err = crypto.DecodeUID(items[0]); err != nil {
			return nil, err
		}
		if s.Added, err = interfaces.DecodeDeviceList(items[1]); err != nil {
			return nil, err
		}
		if s.Removed, err = interfaces.DecodeDeviceList(items[2]); err != nil {
			return nil, err
		}
		return s, nil
	case StateCancelled:
		reason, err := encoder.DecodeString(e)
		if err != nil {
			return nil, err
		}
		return CancelledState{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: unknown device discovery state %d", encoder.ErrDecoding, id)
	}
}

func decodeMessage(id protocol.MessageID, e encoder.Encoded) (protocol.Message, error) {
	switch id {
	case MessageStart:
		c, err := crypto.DecodeUID(e)
		if err != nil {
			return nil, err
		}
		return StartMessage{Contact: c}, nil
	case MessageChildResult:
		in, err := protocol.DecodeChildToParentInputs(e)
		if err != nil {
			return nil, err
		}
		return protocol.ChildToParentMessage{ID: MessageChildResult, Inputs: in}, nil
	default:
		return nil, fmt.Errorf("%w: unknown device discovery message %d", encoder.ErrDecoding, id)
	}
}

// Definition returns the definition of the discovery parent.
func Definition() *protocol.Definition {
	return &protocol.Definition{
		ID:            ID,
		Name:          "DeviceDiscovery",
		Initial:       func() protocol.State { return InitialState{} },
		Terminal:      []protocol.StateID{StateFinal, StateCancelled},
		Cancelled:     func(reason string) protocol.State { return CancelledState{Reason: reason} },
		DecodeState:   decodeState,
		DecodeMessage: decodeMessage,
		Starters:      []protocol.MessageID{MessageStart},
		Steps: map[protocol.StepKey]protocol.Step{
			{State: StateInitial, Message: MessageStart}:               {Run: spawnQuery, Accepts: local},
			{State: StateWaitingForChild, Message: MessageChildResult}: {Run: applyDevices, Accepts: local},
		},
	}
}

func spawnQuery(ctx *protocol.StepContext, _ protocol.State, m protocol.Message) (protocol.State, error) {
	contact := m.(StartMessage).Contact
	if _, err := ctx.Identities.Contact(ctx.Owned.ID(), contact); err != nil {
		return nil, violation("discovering devices of %s: %v", contact.Short(), err)
	}
	child, err := ctx.SpawnChild(QueryID, QueryStartMessage{Contact: contact}, MessageChildResult, QueryStateDevicesReceived)
	if err != nil {
		return nil, err
	}
	return WaitingForChildState{Contact: contact, Child: child}, nil
}

func applyDevices(ctx *protocol.StepContext, s protocol.State, m protocol.Message) (protocol.State, error) {
	st := s.(WaitingForChildState)
	in := m.(protocol.ChildToParentMessage).Inputs
	if in.Child != st.Child {
		return nil, violation("result from unexpected child %s", in.Child.Short())
	}
	if in.ChildState != QueryStateDevicesReceived {
		return nil, violation("device query ended in state %d", in.ChildState)
	}
	cs, err := decodeQueryState(in.ChildState, in.EncodedState)
	if err != nil {
		return nil, err
	}
	devices := cs.(DevicesReceivedState).Devices

	owned := ctx.Owned.ID()
	old, err := ctx.Identities.ContactDevices(owned, st.Contact)
	if err != nil {
		return nil, err
	}
	current := make(map[crypto.UID]bool, len(devices))
	for _, d := range devices {
		current[d] = true
	}
	var removed []crypto.UID
	for _, d := range old {
		if current[d] {
			continue
		}
		if err := ctx.Channels.Delete(ctx.Tx, ctx.ChannelKey(st.Contact, d)); err != nil {
			return nil, err
		}
		removed = append(removed, d)
	}

	added, err := ctx.Identities.SetContactDevices(owned, st.Contact, devices)
	if err != nil {
		return nil, err
	}
	for _, d := range added {
		if _, err := ctx.StartProtocol(channelcreation.ID, channelcreation.InitiateMessage{Contact: st.Contact, Device: d}); err != nil {
			return nil, err
		}
	}
	ctx.Log().WithField("added", len(added)).WithField("removed", len(removed)).Info("Contact devices refreshed")
	return FinalState{Contact: st.Contact, Added: added, Removed: removed}, nil
}
