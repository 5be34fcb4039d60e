package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/store"
)

const (
	tableInstances = "pi"
	tablePending   = "rm"
	tableLinks     = "ln"
	tableOutbox    = "ob"
	tableRunning   = "ri"
)

func nanoKey(n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

func instanceKey(owned, uid crypto.UID) []byte {
	return store.Key(tableInstances, owned[:], uid[:])
}

func pendingPrefix(owned, instance crypto.UID) []byte {
	return store.Key(tablePending, owned[:], instance[:])
}

func pendingKey(owned, instance crypto.UID, receivedAt int64, uid crypto.UID) []byte {
	return store.Key(tablePending, owned[:], instance[:], nanoKey(receivedAt), uid[:])
}

func linkKey(owned, child crypto.UID) []byte {
	return store.Key(tableLinks, owned[:], child[:])
}

func outboxKey(owned crypto.UID, createdAt int64, uid crypto.UID) []byte {
	return store.Key(tableOutbox, owned[:], nanoKey(createdAt), uid[:])
}

func runningKey(owned crypto.UID, protocol ProtocolID, scope []byte) []byte {
	return store.Key(tableRunning, owned[:], nanoKey(int64(protocol)), scope)
}

// Instance is the persisted record of one protocol instance.
type Instance struct {
	Owned     crypto.UID
	UID       crypto.UID
	Protocol  ProtocolID
	StateID   StateID
	State     encoder.Encoded
	CreatedAt int64
	UpdatedAt int64
	Terminal  bool
}

// Encode implements encoder.Encodable.
func (i *Instance) Encode() encoder.Encoded {
	return encoder.EncodeList(
		i.Owned.Encode(),
		i.UID.Encode(),
		encoder.EncodeInt(int64(i.Protocol)),
		encoder.EncodeInt(int64(i.StateID)),
		i.State,
		encoder.EncodeInt(i.CreatedAt),
		encoder.EncodeInt(i.UpdatedAt),
		encoder.EncodeBool(i.Terminal),
	)
}

func decodeInstance(e encoder.Encoded) (*Instance, error) {
	items, err := encoder.DecodeListN(e, 8)
	if err != nil {
		return nil, err
	}
	i := &Instance{State: items[4]}
	if i.Owned, err = crypto.DecodeUID(items[0]); err != nil {
		return nil, err
	}
	if i.UID, err = crypto.DecodeUID(items[1]); err != nil {
		return nil, err
	}
	var pid, sid int64
	if pid, err = encoder.DecodeInt(items[2]); err != nil {
		return nil, err
	}
	if sid, err = encoder.DecodeInt(items[3]); err != nil {
		return nil, err
	}
	i.Protocol, i.StateID = ProtocolID(pid), StateID(sid)
	if i.CreatedAt, err = encoder.DecodeInt(items[5]); err != nil {
		return nil, err
	}
	if i.UpdatedAt, err = encoder.DecodeInt(items[6]); err != nil {
		return nil, err
	}
	if i.Terminal, err = encoder.DecodeBool(items[7]); err != nil {
		return nil, err
	}
	return i, nil
}

type pendingMessage struct {
	UID        crypto.UID
	Message    GenericMessage
	ReceivedAt int64
	ExpiresAt  int64
}

func (p *pendingMessage) Encode() encoder.Encoded {
	return encoder.EncodeList(
		p.UID.Encode(),
		p.Message.envelope(),
		p.Message.Reception.encode(),
		encoder.EncodeInt(p.ReceivedAt),
		encoder.EncodeInt(p.ExpiresAt),
	)
}

func decodePending(e encoder.Encoded) (*pendingMessage, error) {
	items, err := encoder.DecodeListN(e, 5)
	if err != nil {
		return nil, err
	}
	p := &pendingMessage{}
	if p.UID, err = crypto.DecodeUID(items[0]); err != nil {
		return nil, err
	}
	r, err := decodeReception(items[2])
	if err != nil {
		return nil, err
	}
	if p.Message, err = openEnvelope(items[1], r); err != nil {
		return nil, err
	}
	if p.ReceivedAt, err = encoder.DecodeInt(items[3]); err != nil {
		return nil, err
	}
	if p.ExpiresAt, err = encoder.DecodeInt(items[4]); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *pendingMessage) key(owned crypto.UID) []byte {
	return pendingKey(owned, p.Message.Instance, p.ReceivedAt, p.UID)
}

// Link ties a child instance to the parent that awaits it.
type Link struct {
	Parent         crypto.UID
	ParentProtocol ProtocolID
	Child          crypto.UID
	ChildProtocol  ProtocolID
	// Expected child states that trigger a notification besides the
	// terminal ones.
	Expected []StateID
	// ParentMessage is the message id the notification is posted under.
	ParentMessage MessageID
}

func (l *Link) expects(id StateID) bool {
	for _, s := range l.Expected {
		if s == id {
			return true
		}
	}
	return false
}

// Encode implements encoder.Encodable.
func (l *Link) Encode() encoder.Encoded {
	expected := make([]encoder.Encoded, len(l.Expected))
	for i, s := range l.Expected {
		expected[i] = encoder.EncodeInt(int64(s))
	}
	return encoder.EncodeList(
		l.Parent.Encode(),
		encoder.EncodeInt(int64(l.ParentProtocol)),
		l.Child.Encode(),
		encoder.EncodeInt(int64(l.ChildProtocol)),
		encoder.EncodeList(expected...),
		encoder.EncodeInt(int64(l.ParentMessage)),
	)
}

func decodeLink(e encoder.Encoded) (*Link, error) {
	items, err := encoder.DecodeListN(e, 6)
	if err != nil {
		return nil, err
	}
	l := &Link{}
	if l.Parent, err = crypto.DecodeUID(items[0]); err != nil {
		return nil, err
	}
	if l.Child, err = crypto.DecodeUID(items[2]); err != nil {
		return nil, err
	}
	var pp, cp, pm int64
	if pp, err = encoder.DecodeInt(items[1]); err != nil {
		return nil, err
	}
	if cp, err = encoder.DecodeInt(items[3]); err != nil {
		return nil, err
	}
	if pm, err = encoder.DecodeInt(items[5]); err != nil {
		return nil, err
	}
	l.ParentProtocol, l.ChildProtocol, l.ParentMessage = ProtocolID(pp), ProtocolID(cp), MessageID(pm)
	states, err := encoder.DecodeList(items[4])
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		id, err := encoder.DecodeInt(s)
		if err != nil {
			return nil, err
		}
		l.Expected = append(l.Expected, StateID(id))
	}
	return l, nil
}

// Transport selects how the host delivers an outgoing message.
type Transport uint8

const (
	// TransportOblivious payloads are oblivious channel ciphertexts.
	TransportOblivious Transport = iota + 1
	// TransportAsymmetric payloads are sealed to the remote identity's key.
	TransportAsymmetric
	// TransportServerQuery payloads are queries the host resolves against
	// the identity server and answers with DeliverMessage.
	TransportServerQuery
)

func (t Transport) String() string {
	switch t {
	case TransportOblivious:
		return "oblivious"
	case TransportAsymmetric:
		return "asymmetric"
	case TransportServerQuery:
		return "server-query"
	default:
		return fmt.Sprintf("Transport(%d)", uint8(t))
	}
}

// OutgoingMessage is an entry of the durable outbox.
type OutgoingMessage struct {
	UID            crypto.UID
	Owned          crypto.UID
	Transport      Transport
	RemoteIdentity crypto.UID
	RemoteDevice   crypto.UID
	Payload        []byte
	CreatedAt      int64

	// Set for server queries: where the host delivers the response.
	Protocol        ProtocolID
	Instance        crypto.UID
	ResponseMessage MessageID
}

// Encode implements encoder.Encodable.
func (o *OutgoingMessage) Encode() encoder.Encoded {
	return encoder.EncodeDictionary(map[string]encoder.Encoded{
		"uid":       o.UID.Encode(),
		"owned":     o.Owned.Encode(),
		"transport": encoder.EncodeInt(int64(o.Transport)),
		"remote_id": o.RemoteIdentity.Encode(),
		"remote_dv": o.RemoteDevice.Encode(),
		"payload":   encoder.EncodeBytes(o.Payload),
		"created":   encoder.EncodeInt(o.CreatedAt),
		"protocol":  encoder.EncodeInt(int64(o.Protocol)),
		"instance":  o.Instance.Encode(),
		"response":  encoder.EncodeInt(int64(o.ResponseMessage)),
	})
}

// Query returns the encoded query of a server query message.
func (o *OutgoingMessage) Query() (encoder.Encoded, error) {
	if o.Transport != TransportServerQuery {
		return encoder.Encoded{}, fmt.Errorf("%w: %s message carries no query", ErrUnexpectedReception, o.Transport)
	}
	return encoder.Parse(o.Payload)
}

// DecodeOutgoingMessage decodes an outbox entry.
func DecodeOutgoingMessage(e encoder.Encoded) (*OutgoingMessage, error) {
	m, err := encoder.DecodeDictionary(e)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"uid", "owned", "transport", "remote_id", "remote_dv", "payload", "created", "protocol", "instance", "response"} {
		if _, ok := m[name]; !ok {
			return nil, fmt.Errorf("%w: outgoing message misses %q", encoder.ErrDecoding, name)
		}
	}
	o := &OutgoingMessage{}
	var transport, pid, resp int64
	for _, step := range []error{
		decodeUIDInto(m["uid"], &o.UID),
		decodeUIDInto(m["owned"], &o.Owned),
		decodeUIDInto(m["remote_id"], &o.RemoteIdentity),
		decodeUIDInto(m["remote_dv"], &o.RemoteDevice),
		decodeUIDInto(m["instance"], &o.Instance),
		decodeIntInto(m["transport"], &transport),
		decodeIntInto(m["created"], &o.CreatedAt),
		decodeIntInto(m["protocol"], &pid),
		decodeIntInto(m["response"], &resp),
	} {
		if step != nil {
			return nil, fmt.Errorf("outgoing message: %w", step)
		}
	}
	o.Transport, o.Protocol, o.ResponseMessage = Transport(transport), ProtocolID(pid), MessageID(resp)
	if o.Payload, err = encoder.DecodeBytes(m["payload"]); err != nil {
		return nil, err
	}
	return o, nil
}

func decodeUIDInto(e encoder.Encoded, dst *crypto.UID) error {
	v, err := crypto.DecodeUID(e)
	*dst = v
	return err
}

func decodeIntInto(e encoder.Encoded, dst *int64) error {
	v, err := encoder.DecodeInt(e)
	*dst = v
	return err
}
