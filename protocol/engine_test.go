package protocol

import (
	"testing"
	"time"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	db       *store.DB
	dir      *identity.Directory
	channels *channel.Manager
	engine   *Engine
	clock    *crypto.ManualTimeProvider
	alice    *identity.OwnedIdentity
	bob      *identity.OwnedIdentity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dir:   identity.NewDirectory(),
		clock: crypto.NewManualTimeProvider(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	var err error
	h.db, err = store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { h.db.Close() })

	for _, o := range []**identity.OwnedIdentity{&h.alice, &h.bob} {
		*o, err = identity.Generate("https://server.example", crypto.SignatureEd25519, nil)
		require.NoError(t, err)
		h.dir.AddOwned(*o)
	}
	require.NoError(t, h.dir.AddContact(h.alice.ID(), h.bob.Identity, h.bob.CurrentDevice))
	require.NoError(t, h.dir.AddContact(h.bob.ID(), h.alice.Identity, h.alice.CurrentDevice))

	h.channels, err = channel.NewManager(channel.DefaultPolicy(), h.dir, channel.WithClock(h.clock))
	require.NoError(t, err)
	reg, err := NewRegistry(counterDefinition(), parentDefinition())
	require.NoError(t, err)
	h.engine, err = NewEngine(reg, h.channels, h.dir, DefaultSettings(), WithClock(h.clock))
	require.NoError(t, err)
	return h
}

func (h *harness) atomic(t *testing.T, fn func(tx *store.Tx) error) {
	t.Helper()
	tx := h.db.Begin()
	if err := fn(tx); err != nil {
		tx.Discard()
		t.Fatalf("transaction failed: %v", err)
	}
	require.NoError(t, tx.Commit())
}

func (h *harness) start(t *testing.T, owned crypto.UID, p ProtocolID, msg Message) crypto.UID {
	t.Helper()
	var uid crypto.UID
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		uid, _, err = h.engine.Start(tx, owned, p, msg)
		return err
	})
	return uid
}

func (h *harness) deliver(t *testing.T, owned crypto.UID, m GenericMessage) *Result {
	t.Helper()
	var res *Result
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		res, err = h.engine.Deliver(tx, owned, m)
		return err
	})
	return res
}

func (h *harness) state(t *testing.T, owned, uid crypto.UID) State {
	t.Helper()
	s, err := h.engine.State(h.db.Begin(), owned, uid)
	require.NoError(t, err)
	return s
}

func local(p ProtocolID, uid crypto.UID, msg Message) GenericMessage {
	return GenericMessage{Protocol: p, Instance: uid, Message: msg.MessageID(), Inputs: msg.Encode(), Reception: Local}
}

func TestCounterRunsToFinal(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	uid := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 3})
	assert.Equal(t, stCounting, h.state(t, owned, uid).StateID())

	for i := 0; i < 3; i++ {
		res := h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: msgTick}))
		assert.Equal(t, 1, res.Steps)
	}
	inst, err := h.engine.Instance(h.db.Begin(), owned, uid)
	require.NoError(t, err)
	assert.Equal(t, stFinal, inst.StateID)
	assert.True(t, inst.Terminal)

	res := h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: msgTick}))
	assert.Zero(t, res.Steps)
	require.Len(t, res.Discarded, 1)
	assert.ErrorIs(t, res.Discarded[0], ErrInstanceTerminated)
}

func TestOrphanAndUnknownMessagesAreDiscarded(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	uid := crypto.UID{7}

	res := h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: msgTick}))
	require.Len(t, res.Discarded, 1)
	assert.ErrorIs(t, res.Discarded[0], ErrOrphanMessage)
	_, err := h.engine.Instance(h.db.Begin(), owned, uid)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	res = h.deliver(t, owned, GenericMessage{Protocol: 999, Instance: uid, Inputs: encoder.EncodeInt(1), Reception: Local})
	require.Len(t, res.Discarded, 1)
	assert.ErrorIs(t, res.Discarded[0], ErrUnknownProtocol)

	res = h.deliver(t, owned, GenericMessage{Protocol: counterProtocol, Instance: uid, Message: msgStart, Inputs: encoder.EncodeInt(1), Reception: Local})
	require.Len(t, res.Discarded, 1)
	assert.ErrorIs(t, res.Discarded[0], encoder.ErrDecoding)

	_, _, err = h.engine.Start(h.db.Begin(), owned, counterProtocol, counterMsg{id: msgTick})
	assert.ErrorIs(t, err, ErrOrphanMessage)
}

func TestFailingStepCancelsWithoutSideEffects(t *testing.T) {
	for _, id := range []MessageID{msgFail, msgPanic} {
		h := newHarness(t)
		owned := h.alice.ID()
		uid := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 5})

		res := h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: id}))
		assert.Equal(t, 1, res.Steps)
		assert.Empty(t, res.Outgoing)

		s := h.state(t, owned, uid).(counterState)
		assert.Equal(t, stCancelled, s.id)
		assert.NotEmpty(t, s.reason)

		tx := h.db.Begin()
		ok, err := tx.Has([]byte("toy/side-effect"))
		require.NoError(t, err)
		assert.False(t, ok, "writes of a failed step must be rolled back")
		out, err := h.engine.DrainOutbox(tx, owned)
		require.NoError(t, err)
		assert.Empty(t, out)
	}
}

func TestPendingMessageRetriedAfterStateChange(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	uid := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 2})

	res := h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: msgResume}))
	assert.Zero(t, res.Steps)
	assert.Empty(t, res.Discarded)
	assert.Equal(t, stCounting, h.state(t, owned, uid).StateID())

	res = h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: msgPause}))
	assert.Equal(t, 2, res.Steps, "pause and the released resume")
	assert.Equal(t, stCounting, h.state(t, owned, uid).StateID())

	kvs, err := h.db.Begin().Scan(pendingPrefix(owned, uid))
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

func TestPendingMessagesExpire(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	uid := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 2})
	h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: msgResume}))

	h.clock.Advance(DefaultSettings().PendingLifetime + time.Second)
	var stats GCStats
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		stats, err = h.engine.CollectGarbage(tx, owned)
		return err
	})
	assert.Equal(t, 1, stats.ExpiredMessages)
	assert.Zero(t, stats.Abandoned)
}

func TestReceptionIsChecked(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	uid := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 2})

	res := h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: msgRemoteOnly}))
	require.Len(t, res.Discarded, 1)
	assert.ErrorIs(t, res.Discarded[0], ErrUnexpectedReception)
	assert.Equal(t, stCounting, h.state(t, owned, uid).StateID(), "an unexpected reception must not cancel")
}

func TestChildToParentComposition(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	parent := h.start(t, owned, parentProtocol, counterMsg{id: msgParentStart, n: 1})

	ps := h.state(t, owned, parent).(parentState)
	require.Equal(t, stWaitingForChild, ps.id)
	assert.Equal(t, stCounting, h.state(t, owned, ps.child).StateID())

	res := h.deliver(t, owned, local(counterProtocol, ps.child, counterMsg{id: msgTick}))
	assert.Equal(t, 2, res.Steps, "child step and parent step")

	done := h.state(t, owned, parent).(parentState)
	assert.Equal(t, stParentDone, done.id)
	assert.Equal(t, stFinal, done.reached)
	assert.Equal(t, ps.child, done.child)

	_, err := h.engine.loadLink(h.db.Begin(), owned, ps.child)
	assert.ErrorIs(t, err, store.ErrNotFound, "links of terminated children are removed")
}

func TestParentRejectsUnknownChild(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	parent := h.start(t, owned, parentProtocol, counterMsg{id: msgParentStart, n: 4})

	forged := ChildToParentMessage{ID: msgChildResult, Inputs: ChildToParentInputs{
		Child:        crypto.UID{9},
		ChildState:   stFinal,
		EncodedState: counterState{id: stFinal}.Encode(),
	}}
	h.deliver(t, owned, local(parentProtocol, parent, forged))
	s := h.state(t, owned, parent).(parentState)
	assert.Equal(t, stParentCancelled, s.id)
	assert.Contains(t, s.reason, "unexpected child")
}

func TestCancelledChildNotifiesParent(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	parent := h.start(t, owned, parentProtocol, counterMsg{id: msgParentStart, n: 4})
	child := h.state(t, owned, parent).(parentState).child

	h.deliver(t, owned, local(counterProtocol, child, counterMsg{id: msgFail}))
	assert.Equal(t, stParentCancelled, h.state(t, owned, parent).StateID(), "the parent never waits on a dead child")
}

func TestAbortCascades(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	parent := h.start(t, owned, parentProtocol, counterMsg{id: msgParentStart, n: 4})
	child := h.state(t, owned, parent).(parentState).child

	var n int
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		n, err = h.engine.Abort(tx, owned, child)
		return err
	})
	assert.Equal(t, 2, n)

	tx := h.db.Begin()
	for _, uid := range []crypto.UID{parent, child} {
		_, err := h.engine.Instance(tx, owned, uid)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	}
	links, err := h.engine.links(tx, owned)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestCollectGarbage(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	finished := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 0})
	idle := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 3})

	var stats GCStats
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		stats, err = h.engine.CollectGarbage(tx, owned)
		return err
	})
	assert.Equal(t, GCStats{Terminal: 1}, stats)
	_, err := h.engine.Instance(h.db.Begin(), owned, finished)
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	h.clock.Advance(DefaultSettings().InstanceRetention + time.Hour)
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		stats, err = h.engine.CollectGarbage(tx, owned)
		return err
	})
	assert.Equal(t, 1, stats.Abandoned)
	_, err = h.engine.Instance(h.db.Begin(), owned, idle)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestInstancesTerminate(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	for n := int64(0); n < 6; n++ {
		uid := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: n})
		for i := int64(0); i < n; i++ {
			h.deliver(t, owned, local(counterProtocol, uid, counterMsg{id: msgTick}))
		}
		inst, err := h.engine.Instance(h.db.Begin(), owned, uid)
		require.NoError(t, err)
		assert.True(t, inst.Terminal, "counter %d must terminate after %d ticks", n, n)
	}
}

func TestObliviousSendAndReceive(t *testing.T) {
	h := newHarness(t)
	seed, err := crypto.GenerateSeed(nil)
	require.NoError(t, err)
	ab := channel.Key{Owned: h.alice.ID(), RemoteIdentity: h.bob.ID(), RemoteDevice: h.bob.CurrentDevice}
	ba := channel.Key{Owned: h.bob.ID(), RemoteIdentity: h.alice.ID(), RemoteDevice: h.alice.CurrentDevice}
	h.atomic(t, func(tx *store.Tx) error {
		if err := h.channels.Create(tx, ab, seed, 1); err != nil {
			return err
		}
		return h.channels.Create(tx, ba, seed, 1)
	})

	uid := h.start(t, h.alice.ID(), counterProtocol, counterMsg{id: msgStart, n: 2})
	res := h.deliver(t, h.alice.ID(), local(counterProtocol, uid, counterMsg{id: msgEcho, n: 7, peer: h.bob.ID(), device: h.bob.CurrentDevice}))
	require.Len(t, res.Outgoing, 1)
	out := res.Outgoing[0]
	assert.Equal(t, TransportOblivious, out.Transport)
	assert.Equal(t, h.bob.CurrentDevice, out.RemoteDevice)

	var queued []*OutgoingMessage
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		queued, err = h.engine.DrainOutbox(tx, h.alice.ID())
		return err
	})
	require.Len(t, queued, 1)
	assert.Equal(t, out.Payload, queued[0].Payload)

	tampered := append([]byte{}, out.Payload...)
	tampered[len(tampered)-1] ^= 1
	var rres *Result
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		rres, err = h.engine.ReceiveNetwork(tx, h.bob.ID(), TransportOblivious, tampered)
		return err
	})
	require.Len(t, rres.Discarded, 1)
	assert.ErrorIs(t, rres.Discarded[0], crypto.ErrAuthenticationFailure)

	h.atomic(t, func(tx *store.Tx) error {
		var err error
		rres, err = h.engine.ReceiveNetwork(tx, h.bob.ID(), TransportOblivious, out.Payload)
		return err
	})
	assert.Equal(t, 1, rres.Steps)
	s := h.state(t, h.bob.ID(), uid).(counterState)
	assert.Equal(t, stCounting, s.id)
	assert.Equal(t, int64(7), s.n)

	ok, err := h.channels.ExistsConfirmed(h.db.Begin(), ba)
	require.NoError(t, err)
	assert.True(t, ok)

	h.atomic(t, func(tx *store.Tx) error {
		var err error
		rres, err = h.engine.ReceiveNetwork(tx, h.bob.ID(), TransportOblivious, out.Payload)
		return err
	})
	assert.Zero(t, rres.Steps, "a replayed payload is rejected")
}

func TestAsymmetricSendAndReceive(t *testing.T) {
	h := newHarness(t)
	uid := h.start(t, h.alice.ID(), counterProtocol, counterMsg{id: msgStart, n: 2})
	res := h.deliver(t, h.alice.ID(), local(counterProtocol, uid, counterMsg{id: msgEchoAsymmetric, n: 4, peer: h.bob.ID(), device: h.bob.CurrentDevice}))
	require.Len(t, res.Outgoing, 1)
	require.Equal(t, TransportAsymmetric, res.Outgoing[0].Transport)

	var rres *Result
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		rres, err = h.engine.ReceiveNetwork(tx, h.alice.ID(), TransportAsymmetric, res.Outgoing[0].Payload)
		return err
	})
	require.Len(t, rres.Discarded, 1, "alice cannot open a box sealed to bob")

	h.atomic(t, func(tx *store.Tx) error {
		var err error
		rres, err = h.engine.ReceiveNetwork(tx, h.bob.ID(), TransportAsymmetric, res.Outgoing[0].Payload)
		return err
	})
	assert.Equal(t, 1, rres.Steps)
	assert.Equal(t, int64(4), h.state(t, h.bob.ID(), uid).(counterState).n)
}

func TestNewEngineRequiresCapabilities(t *testing.T) {
	h := newHarness(t)
	_, err := NewEngine(nil, h.channels, h.dir, DefaultSettings())
	assert.ErrorIs(t, err, ErrMissingCapability)
	_, err = NewEngine(h.engine.Registry(), nil, h.dir, DefaultSettings())
	assert.ErrorIs(t, err, ErrMissingCapability)
	_, err = NewEngine(h.engine.Registry(), h.channels, nil, DefaultSettings())
	assert.ErrorIs(t, err, ErrMissingCapability)

	tx := h.db.Begin()
	_, err = h.engine.Deliver(tx, crypto.UID{1}, local(counterProtocol, crypto.UID{2}, counterMsg{id: msgStart}))
	assert.ErrorIs(t, err, ErrMissingCapability)
}

func TestDefinitionValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{"no name", func(d *Definition) { d.Name = "" }},
		{"no terminal", func(d *Definition) { d.Terminal = nil }},
		{"cancelled not terminal", func(d *Definition) { d.Terminal = []StateID{stFinal} }},
		{"no starter", func(d *Definition) { d.Starters = nil }},
		{"starter without step", func(d *Definition) { d.Starters = []MessageID{msgTick} }},
		{"step out of terminal", func(d *Definition) {
			d.Steps[StepKey{stFinal, msgTick}] = Step{Run: d.Steps[StepKey{stCounting, msgTick}].Run}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := counterDefinition()
			tt.mutate(d)
			if err := d.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	_, err := NewRegistry(counterDefinition(), counterDefinition())
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestRecordsRoundTrip(t *testing.T) {
	in := ChildToParentInputs{Child: crypto.UID{1, 2}, ChildState: 4, EncodedState: encoder.EncodeString("s")}
	e := in.Encode()
	items, err := encoder.DecodeList(e)
	require.NoError(t, err)
	assert.Len(t, items, 3)
	out, err := DecodeChildToParentInputs(e)
	require.NoError(t, err)
	assert.Equal(t, in.Child, out.Child)
	assert.Equal(t, in.ChildState, out.ChildState)
	assert.True(t, in.EncodedState.Equal(out.EncodedState))

	l := &Link{Parent: crypto.UID{1}, ParentProtocol: 3, Child: crypto.UID{2}, ChildProtocol: 4, Expected: []StateID{2, 5}, ParentMessage: 6}
	got, err := decodeLink(l.Encode())
	require.NoError(t, err)
	assert.Equal(t, l, got)

	om := &OutgoingMessage{UID: crypto.UID{3}, Transport: TransportServerQuery, Payload: []byte("q"), Protocol: 4, Instance: crypto.UID{5}, ResponseMessage: 1, CreatedAt: 42}
	gotOM, err := DecodeOutgoingMessage(om.Encode())
	require.NoError(t, err)
	assert.Equal(t, om, gotOM)

	q := &OutgoingMessage{Transport: TransportServerQuery, Payload: encoder.EncodeInt(9).Raw()}
	qe, err := q.Query()
	require.NoError(t, err)
	v, err := encoder.DecodeInt(qe)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)
	_, err = (&OutgoingMessage{Transport: TransportOblivious}).Query()
	assert.ErrorIs(t, err, ErrUnexpectedReception)
}

func TestOutboxEntriesStayUntilRemoved(t *testing.T) {
	h := newHarness(t)
	seed, err := crypto.GenerateSeed(nil)
	require.NoError(t, err)
	ab := channel.Key{Owned: h.alice.ID(), RemoteIdentity: h.bob.ID(), RemoteDevice: h.bob.CurrentDevice}
	h.atomic(t, func(tx *store.Tx) error { return h.channels.Create(tx, ab, seed, 1) })

	uid := h.start(t, h.alice.ID(), counterProtocol, counterMsg{id: msgStart, n: 2})
	for i := int64(1); i <= 2; i++ {
		h.deliver(t, h.alice.ID(), local(counterProtocol, uid, counterMsg{id: msgEcho, n: i, peer: h.bob.ID(), device: h.bob.CurrentDevice}))
	}

	var queued []*OutgoingMessage
	for i := 0; i < 2; i++ {
		h.atomic(t, func(tx *store.Tx) error {
			var err error
			queued, err = h.engine.Outbox(tx, h.alice.ID())
			return err
		})
		require.Len(t, queued, 2, "reading the outbox leaves it unchanged")
	}
	assert.LessOrEqual(t, queued[0].CreatedAt, queued[1].CreatedAt)

	h.atomic(t, func(tx *store.Tx) error {
		if err := h.engine.RemoveOutgoing(tx, queued[0]); err != nil {
			return err
		}
		return h.engine.RemoveOutgoing(tx, queued[0])
	})
	var left []*OutgoingMessage
	h.atomic(t, func(tx *store.Tx) error {
		var err error
		left, err = h.engine.DrainOutbox(tx, h.alice.ID())
		return err
	})
	require.Len(t, left, 1)
	assert.Equal(t, queued[1].UID, left[0].UID)
}

func TestSupersedeAbortsThePreviousInstance(t *testing.T) {
	h := newHarness(t)
	owned := h.alice.ID()
	first := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 5})
	second := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 5})
	other := h.start(t, owned, counterProtocol, counterMsg{id: msgStart, n: 5})

	h.deliver(t, owned, local(counterProtocol, first, counterMsg{id: msgClaim, n: 1}))
	h.deliver(t, owned, local(counterProtocol, other, counterMsg{id: msgClaim, n: 2}))
	// Claiming again keeps the claimer running.
	h.deliver(t, owned, local(counterProtocol, first, counterMsg{id: msgClaim, n: 1}))
	assert.Equal(t, stCounting, h.state(t, owned, first).StateID())

	h.deliver(t, owned, local(counterProtocol, second, counterMsg{id: msgClaim, n: 1}))
	_, err := h.engine.Instance(h.db.Begin(), owned, first)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.Equal(t, stCounting, h.state(t, owned, second).StateID())
	assert.Equal(t, stCounting, h.state(t, owned, other).StateID(), "other scopes are untouched")
}
