package devicediscovery

import (
	"fmt"
	"sort"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/interfaces"
	"github.com/opd-ai/obvcore/protocol"
)

// QueryID is the protocol id of the child that asks the identity server for
// the device list of a contact.
const QueryID protocol.ProtocolID = 4

// MaxDevices bounds the device list accepted from a server.
const MaxDevices = 64

const (
	QueryStateInitial protocol.StateID = iota
	QueryStateWaitingForServer
	QueryStateDevicesReceived
	QueryStateCancelled
)

const (
	QueryMessageStart protocol.MessageID = iota
	QueryMessageServerResponse
)

// QueryInitialState is the state of a fresh query.
type QueryInitialState struct{}

func (QueryInitialState) StateID() protocol.StateID { return QueryStateInitial }
func (QueryInitialState) Encode() encoder.Encoded   { return encoder.EncodeList() }

// WaitingForServerState waits for the host to answer the device query.
type WaitingForServerState struct {
	Contact crypto.UID
}

func (WaitingForServerState) StateID() protocol.StateID { return QueryStateWaitingForServer }
func (s WaitingForServerState) Encode() encoder.Encoded { return s.Contact.Encode() }

// DevicesReceivedState holds the sorted device list the server returned.
type DevicesReceivedState struct {
	Contact crypto.UID
	Devices []crypto.UID
}

func (DevicesReceivedState) StateID() protocol.StateID { return QueryStateDevicesReceived }

func (s DevicesReceivedState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.Contact.Encode(), interfaces.EncodeDeviceList(s.Devices))
}

// QueryCancelledState carries the reason of the cancellation.
type QueryCancelledState struct {
	Reason string
}

func (QueryCancelledState) StateID() protocol.StateID { return QueryStateCancelled }
func (s QueryCancelledState) Encode() encoder.Encoded { return encoder.EncodeString(s.Reason) }

// QueryStartMessage starts a query about a contact.
type QueryStartMessage struct {
	Contact crypto.UID
}

func (QueryStartMessage) MessageID() protocol.MessageID { return QueryMessageStart }
func (m QueryStartMessage) Encode() encoder.Encoded     { return m.Contact.Encode() }

// ServerResponseMessage is the server's answer, delivered locally by the host.
type ServerResponseMessage struct {
	Devices []crypto.UID
}

func (ServerResponseMessage) MessageID() protocol.MessageID { return QueryMessageServerResponse }

func (m ServerResponseMessage) Encode() encoder.Encoded {
	return interfaces.EncodeDeviceList(m.Devices)
}

func decodeQueryState(id protocol.StateID, e encoder.Encoded) (protocol.State, error) {
	switch id {
	case QueryStateInitial:
		if _, err := encoder.DecodeListN(e, 0); err != nil {
			return nil, err
		}
		return QueryInitialState{}, nil
	case QueryStateWaitingForServer:
		c, err := crypto.DecodeUID(e)
		if err != nil {
			return nil, err
		}
		return WaitingForServerState{Contact: c}, nil
	case QueryStateDevicesReceived:
		items, err := encoder.DecodeListN(e, 2)
		if err != nil {
			return nil, err
		}
		var s DevicesReceivedState
		if s.Contact, err = crypto.DecodeUID(items[0]); err != nil {
			return nil, err
		}
		if s.Devices, err = interfaces.DecodeDeviceList(items[1]); err != nil {
			return nil, err
		}
		return s, nil
	case QueryStateCancelled:
		reason, err := encoder.DecodeString(e)
		if err != nil {
			return nil, err
		}
		return QueryCancelledState{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: unknown device query state %d", encoder.ErrDecoding, id)
	}
}

func decodeQueryMessage(id protocol.MessageID, e encoder.Encoded) (protocol.Message, error) {
	switch id {
	case QueryMessageStart:
		c, err := crypto.DecodeUID(e)
		if err != nil {
			return nil, err
		}
		return QueryStartMessage{Contact: c}, nil
	case QueryMessageServerResponse:
		devices, err := interfaces.DecodeDeviceList(e)
		if err != nil {
			return nil, err
		}
		return ServerResponseMessage{Devices: devices}, nil
	default:
		return nil, fmt.Errorf("%w: unknown device query message %d", encoder.ErrDecoding, id)
	}
}

// QueryDefinition returns the definition of the device query child.
func QueryDefinition() *protocol.Definition {
	return &protocol.Definition{
		ID:            QueryID,
		Name:          "DeviceDiscoveryChild",
		Initial:       func() protocol.State { return QueryInitialState{} },
		Terminal:      []protocol.StateID{QueryStateDevicesReceived, QueryStateCancelled},
		Cancelled:     func(reason string) protocol.State { return QueryCancelledState{Reason: reason} },
		DecodeState:   decodeQueryState,
		DecodeMessage: decodeQueryMessage,
		Starters:      []protocol.MessageID{QueryMessageStart},
		Steps: map[protocol.StepKey]protocol.Step{
			{State: QueryStateInitial, Message: QueryMessageStart}:                   {Run: queryServer, Accepts: local},
			{State: QueryStateWaitingForServer, Message: QueryMessageServerResponse}: {Run: recordDevices, Accepts: local},
		},
	}
}

func queryServer(ctx *protocol.StepContext, _ protocol.State, m protocol.Message) (protocol.State, error) {
	contact := m.(QueryStartMessage).Contact
	if _, err := ctx.Identities.Contact(ctx.Owned.ID(), contact); err != nil {
		return nil, violation("querying devices of %s: %v", contact.Short(), err)
	}
	ctx.QueryServer(contact, interfaces.EncodeDeviceQuery(contact), QueryMessageServerResponse)
	return WaitingForServerState{Contact: contact}, nil
}

func recordDevices(ctx *protocol.StepContext, s protocol.State, m protocol.Message) (protocol.State, error) {
	st := s.(WaitingForServerState)
	devices := m.(ServerResponseMessage).Devices
	if len(devices) > MaxDevices {
		return nil, violation("server listed %d devices", len(devices))
	}
	seen := make(map[crypto.UID]bool, len(devices))
	unique := make([]crypto.UID, 0, len(devices))
	for _, d := range devices {
		if !seen[d] {
			seen[d] = true
			unique = append(unique, d)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Less(unique[j]) })
	return DevicesReceivedState{Contact: st.Contact, Devices: unique}, nil
}
