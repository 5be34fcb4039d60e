package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/limits"
	"github.com/opd-ai/obvcore/store"
	"github.com/sirupsen/logrus"
)

// Settings tunes message and instance retention.
type Settings struct {
	// SuiteVersion is the highest crypto suite offered to remote devices.
	SuiteVersion int `toml:"suite_version"`
	// PendingLifetime bounds how long a message waits for its instance to
	// reach a state that accepts it.
	PendingLifetime time.Duration `toml:"pending_lifetime"`
	// InstanceRetention is how long a non-terminal instance may stay idle
	// before garbage collection aborts it.
	InstanceRetention time.Duration `toml:"instance_retention"`
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		SuiteVersion:      crypto.LatestSuiteVersion,
		PendingLifetime:   15 * 24 * time.Hour,
		InstanceRetention: 30 * 24 * time.Hour,
	}
}

// Observer receives engine events, typically to feed metrics.
type Observer interface {
	StepExecuted(p ProtocolID, from, to StateID)
	InstanceCancelled(p ProtocolID)
	MessageDiscarded(reason error)
	MessageQueued(t Transport)
}

type nopObserver struct{}

func (nopObserver) StepExecuted(ProtocolID, StateID, StateID) {}
func (nopObserver) InstanceCancelled(ProtocolID)               {}
func (nopObserver) MessageDiscarded(error)                     {}
func (nopObserver) MessageQueued(Transport)                    {}

// Engine executes protocol steps. It holds no per-identity state: callers
// serialize calls per owned identity and provide the transaction.
type Engine struct {
	registry   *Registry
	channels   Channels
	identities Identities
	settings   Settings
	clock      crypto.TimeProvider
	prng       crypto.PRNG
	observer   Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(tp crypto.TimeProvider) Option {
	return func(e *Engine) { e.clock = crypto.OrDefault(tp) }
}

// WithPRNG replaces the system randomness source.
func WithPRNG(prng crypto.PRNG) Option {
	return func(e *Engine) { e.prng = prng }
}

// WithObserver installs an event observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// NewEngine wires an engine. Every capability is mandatory.
func NewEngine(registry *Registry, channels Channels, identities Identities, settings Settings, opts ...Option) (*Engine, error) {
	switch {
	case registry == nil:
		return nil, fmt.Errorf("%w: protocol registry", ErrMissingCapability)
	case channels == nil:
		return nil, fmt.Errorf("%w: channel manager", ErrMissingCapability)
	case identities == nil:
		return nil, fmt.Errorf("%w: identity directory", ErrMissingCapability)
	}
	if _, err := crypto.SuiteForVersion(settings.SuiteVersion); err != nil {
		return nil, err
	}
	if settings.PendingLifetime <= 0 || settings.InstanceRetention <= 0 {
		return nil, errors.New("protocol engine lifetimes must be positive")
	}
	e := &Engine{
		registry:   registry,
		channels:   channels,
		identities: identities,
		settings:   settings,
		clock:      crypto.DefaultTimeProvider{},
		prng:       crypto.SystemPRNG(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry returns the engine's protocol registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Result summarizes the processing of one inbound message, including the
// local deliveries it triggered.
type Result struct {
	// Outgoing lists the messages queued in the outbox.
	Outgoing []*OutgoingMessage
	// Steps counts executed steps.
	Steps int
	// Discarded holds the reasons of dropped messages. They are never fatal.
	Discarded []error
}

func (e *Engine) discard(res *Result, msg GenericMessage, reason error) {
	res.Discarded = append(res.Discarded, reason)
	e.observer.MessageDiscarded(reason)
	entry := logrus.WithFields(logrus.Fields{
		"function":  "Deliver",
		"package":   "protocol",
		"protocol":  int64(msg.Protocol),
		"instance":  msg.Instance.Short(),
		"message":   int64(msg.Message),
		"reception": msg.Reception.Kind.String(),
		"reason":    reason.Error(),
	})
	if errors.Is(reason, ErrUnexpectedReception) || errors.Is(reason, crypto.ErrAuthenticationFailure) {
		entry.WithField("security", true).Warn("Discarding protocol message")
		return
	}
	entry.Debug("Discarding protocol message")
}

func (e *Engine) owned(id crypto.UID) (*identity.OwnedIdentity, error) {
	o, err := e.identities.Owned(id)
	if err != nil {
		return nil, fmt.Errorf("%w: owned identity %s: %v", ErrMissingCapability, id.Short(), err)
	}
	return o, nil
}

// Start creates an instance of protocol driven by the starter message msg
// and returns its uid.
func (e *Engine) Start(tx *store.Tx, owned crypto.UID, protocol ProtocolID, msg Message) (crypto.UID, *Result, error) {
	def, err := e.registry.Lookup(protocol)
	if err != nil {
		return crypto.UID{}, nil, err
	}
	if !def.isStarter(msg.MessageID()) {
		return crypto.UID{}, nil, fmt.Errorf("%w: message %d does not start %s", ErrOrphanMessage, msg.MessageID(), def.Name)
	}
	uid, err := crypto.GenerateUID(e.prng)
	if err != nil {
		return crypto.UID{}, nil, err
	}
	res, err := e.Deliver(tx, owned, GenericMessage{
		Protocol:  protocol,
		Instance:  uid,
		Message:   msg.MessageID(),
		Inputs:    msg.Encode(),
		Reception: Local,
	})
	if err != nil {
		return crypto.UID{}, nil, err
	}
	return uid, res, nil
}

// Deliver processes msg and every local message it triggers. Only fatal
// errors are returned; discarded messages are reported in the result.
func (e *Engine) Deliver(tx *store.Tx, owned crypto.UID, msg GenericMessage) (*Result, error) {
	o, err := e.owned(owned)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	queue := []GenericMessage{msg}
	for n := 0; len(queue) > 0; n++ {
		if n >= limits.MaxLocalCascade {
			logrus.WithFields(logrus.Fields{
				"function": "Deliver",
				"package":  "protocol",
				"dropped":  len(queue),
			}).Error("Local delivery cascade limit reached")
			for _, m := range queue {
				e.discard(res, m, fmt.Errorf("%w: local cascade limit", ErrInvariantViolation))
			}
			break
		}
		m := queue[0]
		queue = queue[1:]
		next, err := e.process(tx, o, m, res)
		if err != nil {
			return nil, err
		}
		queue = append(queue, next...)
	}
	return res, nil
}

// ReceiveNetwork authenticates and decrypts a payload received for owned and
// delivers the protocol message it carries.
func (e *Engine) ReceiveNetwork(tx *store.Tx, owned crypto.UID, transport Transport, payload []byte) (*Result, error) {
	o, err := e.owned(owned)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	drop := func(reason error) (*Result, error) {
		r := Asymmetric
		if transport == TransportOblivious {
			r = Reception{Kind: ReceptionOblivious}
		}
		e.discard(res, GenericMessage{Reception: r}, reason)
		return res, nil
	}
	if err := limits.ValidateNetworkPayload(payload); err != nil {
		return drop(err)
	}

	var plaintext []byte
	var reception Reception
	switch transport {
	case TransportOblivious:
		k, pt, err := e.channels.Unwrap(tx, owned, payload)
		if err != nil {
			if errors.Is(err, crypto.ErrAuthenticationFailure) || errors.Is(err, encoder.ErrDecoding) {
				return drop(err)
			}
			return nil, err
		}
		plaintext, reception = pt, Oblivious(k.RemoteIdentity, k.RemoteDevice)
	case TransportAsymmetric:
		pt, err := channel.OpenAsymmetric(&o.EncryptionKeyPair, payload)
		if err != nil {
			return drop(err)
		}
		plaintext, reception = pt, Asymmetric
	default:
		return drop(fmt.Errorf("%w: transport %s cannot carry inbound messages", ErrUnexpectedReception, transport))
	}

	env, err := encoder.Parse(plaintext)
	if err != nil {
		return drop(err)
	}
	gm, err := openEnvelope(env, reception)
	if err != nil {
		return drop(err)
	}
	inner, err := e.Deliver(tx, owned, gm)
	if err != nil {
		return nil, err
	}
	return inner, nil
}

func (e *Engine) loadInstance(tx *store.Tx, owned, uid crypto.UID) (*Instance, error) {
	v, err := tx.GetEncoded(instanceKey(owned, uid))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(v)
}

// Instance returns the persisted record of an instance.
func (e *Engine) Instance(tx *store.Tx, owned, uid crypto.UID) (*Instance, error) {
	return e.loadInstance(tx, owned, uid)
}

// State returns the decoded current state of an instance.
func (e *Engine) State(tx *store.Tx, owned, uid crypto.UID) (State, error) {
	inst, err := e.loadInstance(tx, owned, uid)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.Lookup(inst.Protocol)
	if err != nil {
		return nil, err
	}
	return def.DecodeState(inst.StateID, inst.State)
}

func (e *Engine) process(tx *store.Tx, o *identity.OwnedIdentity, m GenericMessage, res *Result) ([]GenericMessage, error) {
	owned := o.ID()
	def, err := e.registry.Lookup(m.Protocol)
	if err != nil {
		e.discard(res, m, err)
		return nil, nil
	}
	if err := limits.ValidateProtocolInputs(m.Inputs.Raw()); err != nil {
		e.discard(res, m, err)
		return nil, nil
	}
	msg, err := def.DecodeMessage(m.Message, m.Inputs)
	if err != nil {
		e.discard(res, m, fmt.Errorf("%s message %d: %w", def.Name, m.Message, err))
		return nil, nil
	}

	now := e.clock.Now()
	inst, err := e.loadInstance(tx, owned, m.Instance)
	var state State
	switch {
	case errors.Is(err, ErrInstanceNotFound):
		if !def.isStarter(m.Message) {
			e.discard(res, m, ErrOrphanMessage)
			return nil, nil
		}
		state = def.Initial()
		inst = &Instance{Owned: owned, UID: m.Instance, Protocol: m.Protocol, CreatedAt: now.UnixNano()}
	case err != nil:
		return nil, err
	case inst.Protocol != m.Protocol:
		e.discard(res, m, fmt.Errorf("%w: instance belongs to protocol %d", ErrOrphanMessage, inst.Protocol))
		return nil, nil
	case inst.Terminal:
		e.discard(res, m, ErrInstanceTerminated)
		return nil, nil
	default:
		if state, err = def.DecodeState(inst.StateID, inst.State); err != nil {
			return e.finish(tx, def, inst, nil, def.Cancelled(fmt.Sprintf("undecodable state %d: %v", inst.StateID, err)), now, res)
		}
	}

	step, ok := def.Steps[StepKey{State: state.StateID(), Message: msg.MessageID()}]
	if !ok {
		return nil, e.keepPending(tx, owned, m, now, res)
	}
	if !step.accepts(m.Reception.Kind) {
		e.discard(res, m, fmt.Errorf("%w: %s message %d arrived %s", ErrUnexpectedReception, def.Name, m.Message, m.Reception.Kind))
		return nil, nil
	}

	sp := tx.Savepoint()
	ctx := &StepContext{
		Tx:           sp,
		Owned:        o,
		Protocol:     m.Protocol,
		Instance:     m.Instance,
		Reception:    m.Reception,
		Channels:     e.channels,
		Identities:   e.identities,
		PRNG:         e.prng,
		SuiteVersion: e.settings.SuiteVersion,
		now:          now,
	}
	next, stepErr := runStep(step.Run, ctx, state, msg)
	var outgoing []*OutgoingMessage
	if stepErr == nil {
		outgoing, stepErr = e.apply(ctx)
	}
	if stepErr != nil {
		sp.Discard()
		if isFatal(stepErr) {
			return nil, stepErr
		}
		ctx.Log().WithField("from_state", int64(state.StateID())).
			WithField("message", int64(m.Message)).
			WithError(stepErr).
			Warn("Protocol step failed, cancelling instance")
		return e.finish(tx, def, inst, state, def.Cancelled(stepErr.Error()), now, res)
	}
	if err := sp.Commit(); err != nil {
		return nil, err
	}
	res.Outgoing = append(res.Outgoing, outgoing...)
	for _, out := range outgoing {
		e.observer.MessageQueued(out.Transport)
	}
	local, err := e.finish(tx, def, inst, state, next, now, res)
	if err != nil {
		return nil, err
	}
	return append(ctx.local, local...), nil
}

// runStep shields the engine from panicking steps.
func runStep(fn StepFunc, ctx *StepContext, state State, msg Message) (next State, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, fmt.Errorf("%w: step panicked: %v", ErrInvariantViolation, r)
		}
	}()
	next, err = fn(ctx, state, msg)
	if err == nil && next == nil {
		err = fmt.Errorf("%w: step returned no state", ErrInvariantViolation)
	}
	return next, err
}

// apply turns the buffered sends and links of a successful step into outbox
// entries and link records, and runs the requested aborts, inside the step's
// savepoint.
func (e *Engine) apply(ctx *StepContext) ([]*OutgoingMessage, error) {
	owned := ctx.Owned.ID()
	var out []*OutgoingMessage
	for _, s := range ctx.sends {
		uid, err := crypto.GenerateUID(e.prng)
		if err != nil {
			return nil, err
		}
		om := &OutgoingMessage{
			UID:            uid,
			Owned:          owned,
			Transport:      s.transport,
			RemoteIdentity: s.remoteIdentity,
			RemoteDevice:   s.remoteDevice,
			CreatedAt:      ctx.now.UnixNano(),
		}
		env := GenericMessage{Protocol: ctx.Protocol, Instance: ctx.Instance, Message: s.message, Inputs: s.inputs}.envelope()
		switch s.transport {
		case TransportOblivious:
			om.Payload, err = e.channels.EncryptForChannel(ctx.Tx, ctx.ChannelKey(s.remoteIdentity, s.remoteDevice), env.Raw())
		case TransportAsymmetric:
			om.Payload, err = channel.SealAsymmetric(s.recipientKey, env.Raw(), e.prng)
		case TransportServerQuery:
			om.Payload = s.inputs.Raw()
			om.Protocol, om.Instance, om.ResponseMessage = ctx.Protocol, ctx.Instance, s.response
		}
		if err != nil {
			return nil, fmt.Errorf("sending %s message %d: %w", s.transport, s.message, err)
		}
		if err := ctx.Tx.PutEncoded(outboxKey(owned, om.CreatedAt, om.UID), om); err != nil {
			return nil, err
		}
		out = append(out, om)
	}
	for i := range ctx.links {
		l := &ctx.links[i]
		if err := ctx.Tx.PutEncoded(linkKey(owned, l.Child), l); err != nil {
			return nil, err
		}
	}
	for _, uid := range ctx.aborts {
		if _, err := e.Abort(ctx.Tx, owned, uid); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// finish persists the new state, notifies a waiting parent and releases the
// messages that waited for a state change.
func (e *Engine) finish(tx *store.Tx, def *Definition, inst *Instance, from, next State, now time.Time, res *Result) ([]GenericMessage, error) {
	owned := inst.Owned
	inst.StateID = next.StateID()
	inst.State = next.Encode()
	inst.UpdatedAt = now.UnixNano()
	inst.Terminal = def.IsTerminal(inst.StateID)
	if err := tx.PutEncoded(instanceKey(owned, inst.UID), inst); err != nil {
		return nil, err
	}
	res.Steps++

	var fromID StateID = -1
	if from != nil {
		fromID = from.StateID()
	}
	e.observer.StepExecuted(def.ID, fromID, inst.StateID)
	cancelled := inst.StateID == def.Cancelled("").StateID()
	if cancelled {
		e.observer.InstanceCancelled(def.ID)
	}
	logrus.WithFields(logrus.Fields{
		"function": "finish",
		"package":  "protocol",
		"protocol": def.Name,
		"instance": inst.UID.Short(),
		"from":     int64(fromID),
		"to":       int64(inst.StateID),
		"terminal": inst.Terminal,
	}).Debug("Protocol step executed")

	var local []GenericMessage
	link, err := e.loadLink(tx, owned, inst.UID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if link != nil && (inst.Terminal || link.expects(inst.StateID)) {
		local = append(local, GenericMessage{
			Protocol: link.ParentProtocol,
			Instance: link.Parent,
			Message:  link.ParentMessage,
			Inputs: ChildToParentInputs{
				Child:        inst.UID,
				ChildState:   inst.StateID,
				EncodedState: inst.State,
			}.Encode(),
			Reception: Local,
		})
		if inst.Terminal {
			if err := tx.Delete(linkKey(owned, inst.UID)); err != nil {
				return nil, err
			}
		}
	}

	if inst.Terminal {
		if _, err := tx.DeletePrefix(pendingPrefix(owned, inst.UID)); err != nil {
			return nil, err
		}
		return local, nil
	}
	if from == nil || from.StateID() != inst.StateID {
		waiting, err := e.takePending(tx, owned, inst.UID, now)
		if err != nil {
			return nil, err
		}
		local = append(local, waiting...)
	}
	return local, nil
}

func (e *Engine) loadLink(tx *store.Tx, owned, child crypto.UID) (*Link, error) {
	v, err := tx.GetEncoded(linkKey(owned, child))
	if err != nil {
		return nil, err
	}
	return decodeLink(v)
}

// keepPending stores a message that has no step in the instance's current
// state so that it is retried after the next state change.
func (e *Engine) keepPending(tx *store.Tx, owned crypto.UID, m GenericMessage, now time.Time, res *Result) error {
	existing, err := tx.Scan(pendingPrefix(owned, m.Instance))
	if err != nil {
		return err
	}
	if len(existing) >= limits.MaxPendingPerInstance {
		e.discard(res, m, fmt.Errorf("%w: too many pending messages for instance", ErrInvariantViolation))
		return nil
	}
	uid, err := crypto.GenerateUID(e.prng)
	if err != nil {
		return err
	}
	p := &pendingMessage{
		UID:        uid,
		Message:    m,
		ReceivedAt: now.UnixNano(),
		ExpiresAt:  m.expiresAt,
	}
	if p.ExpiresAt == 0 {
		p.ExpiresAt = now.Add(e.settings.PendingLifetime).UnixNano()
	}
	logrus.WithFields(logrus.Fields{
		"function": "keepPending",
		"package":  "protocol",
		"protocol": int64(m.Protocol),
		"instance": m.Instance.Short(),
		"message":  int64(m.Message),
	}).Debug("Message kept pending until the instance changes state")
	return tx.PutEncoded(p.key(owned), p)
}

func (e *Engine) takePending(tx *store.Tx, owned, instance crypto.UID, now time.Time) ([]GenericMessage, error) {
	kvs, err := tx.Scan(pendingPrefix(owned, instance))
	if err != nil {
		return nil, err
	}
	var out []GenericMessage
	for _, kv := range kvs {
		if err := tx.Delete(kv.Key); err != nil {
			return nil, err
		}
		e2, err := encoder.Parse(kv.Value)
		if err != nil {
			continue
		}
		p, err := decodePending(e2)
		if err != nil || p.ExpiresAt <= now.UnixNano() {
			continue
		}
		p.Message.expiresAt = p.ExpiresAt
		out = append(out, p.Message)
	}
	return out, nil
}

// Outbox returns the queued outgoing messages of owned in the order they
// were queued. Entries stay queued until removed.
func (e *Engine) Outbox(tx *store.Tx, owned crypto.UID) ([]*OutgoingMessage, error) {
	kvs, err := tx.Scan(store.Key(tableOutbox, owned[:]))
	if err != nil {
		return nil, err
	}
	out := make([]*OutgoingMessage, 0, len(kvs))
	for _, kv := range kvs {
		v, err := encoder.Parse(kv.Value)
		if err != nil {
			return nil, err
		}
		om, err := DecodeOutgoingMessage(v)
		if err != nil {
			return nil, err
		}
		out = append(out, om)
	}
	return out, nil
}

// RemoveOutgoing deletes one outbox entry, typically once it was sent.
// Removing an entry that is already gone is not an error.
func (e *Engine) RemoveOutgoing(tx *store.Tx, om *OutgoingMessage) error {
	return tx.Delete(outboxKey(om.Owned, om.CreatedAt, om.UID))
}

// DrainOutbox removes and returns the queued outgoing messages of owned in
// the order they were queued.
func (e *Engine) DrainOutbox(tx *store.Tx, owned crypto.UID) ([]*OutgoingMessage, error) {
	out, err := e.Outbox(tx, owned)
	if err != nil {
		return nil, err
	}
	for _, om := range out {
		if err := e.RemoveOutgoing(tx, om); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Abort deletes an instance with its pending messages and links, and aborts
// the instances linked to it in either direction.
func (e *Engine) Abort(tx *store.Tx, owned, uid crypto.UID) (int, error) {
	visited := make(map[crypto.UID]bool)
	stack := []crypto.UID{uid}
	aborted := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		if ok, err := tx.Has(instanceKey(owned, cur)); err != nil {
			return aborted, err
		} else if ok {
			aborted++
		}
		if err := tx.Delete(instanceKey(owned, cur)); err != nil {
			return aborted, err
		}
		if _, err := tx.DeletePrefix(pendingPrefix(owned, cur)); err != nil {
			return aborted, err
		}

		if parent, err := e.loadLink(tx, owned, cur); err == nil {
			stack = append(stack, parent.Parent)
			if err := tx.Delete(linkKey(owned, cur)); err != nil {
				return aborted, err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return aborted, err
		}

		links, err := e.links(tx, owned)
		if err != nil {
			return aborted, err
		}
		for _, l := range links {
			if l.Parent == cur {
				stack = append(stack, l.Child)
			}
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "Abort",
		"package":  "protocol",
		"instance": uid.Short(),
		"aborted":  aborted,
	}).Info("Protocol instances aborted")
	return aborted, nil
}

func (e *Engine) links(tx *store.Tx, owned crypto.UID) ([]*Link, error) {
	kvs, err := tx.Scan(store.Key(tableLinks, owned[:]))
	if err != nil {
		return nil, err
	}
	out := make([]*Link, 0, len(kvs))
	for _, kv := range kvs {
		v, err := encoder.Parse(kv.Value)
		if err != nil {
			return nil, err
		}
		l, err := decodeLink(v)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// GCStats reports what CollectGarbage removed.
type GCStats struct {
	Terminal        int
	Abandoned       int
	ExpiredMessages int
	DanglingLinks   int
}

// CollectGarbage deletes terminal instances, aborts instances idle for longer
// than the retention, and drops expired pending messages and links whose
// child is gone.
func (e *Engine) CollectGarbage(tx *store.Tx, owned crypto.UID) (GCStats, error) {
	var stats GCStats
	now := e.clock.Now()
	idleBefore := now.Add(-e.settings.InstanceRetention).UnixNano()

	kvs, err := tx.Scan(store.Key(tableInstances, owned[:]))
	if err != nil {
		return stats, err
	}
	for _, kv := range kvs {
		// An earlier abort may have cascaded to this instance.
		if ok, err := tx.Has(kv.Key); err != nil {
			return stats, err
		} else if !ok {
			continue
		}
		v, err := encoder.Parse(kv.Value)
		if err != nil {
			return stats, err
		}
		inst, err := decodeInstance(v)
		if err != nil {
			return stats, err
		}
		switch {
		case inst.Terminal:
			if err := tx.Delete(kv.Key); err != nil {
				return stats, err
			}
			if _, err := tx.DeletePrefix(pendingPrefix(owned, inst.UID)); err != nil {
				return stats, err
			}
			stats.Terminal++
		case inst.UpdatedAt < idleBefore:
			n, err := e.Abort(tx, owned, inst.UID)
			if err != nil {
				return stats, err
			}
			stats.Abandoned += n
		}
	}

	pending, err := tx.Scan(store.Key(tablePending, owned[:]))
	if err != nil {
		return stats, err
	}
	for _, kv := range pending {
		v, err := encoder.Parse(kv.Value)
		var p *pendingMessage
		if err == nil {
			p, err = decodePending(v)
		}
		if err == nil && p.ExpiresAt > now.UnixNano() {
			continue
		}
		if err := tx.Delete(kv.Key); err != nil {
			return stats, err
		}
		stats.ExpiredMessages++
	}

	links, err := e.links(tx, owned)
	if err != nil {
		return stats, err
	}
	for _, l := range links {
		ok, err := tx.Has(instanceKey(owned, l.Child))
		if err != nil {
			return stats, err
		}
		if ok {
			continue
		}
		if err := tx.Delete(linkKey(owned, l.Child)); err != nil {
			return stats, err
		}
		stats.DanglingLinks++
	}

	if stats != (GCStats{}) {
		logrus.WithFields(logrus.Fields{
			"function":  "CollectGarbage",
			"package":   "protocol",
			"owned":     owned.Short(),
			"terminal":  stats.Terminal,
			"abandoned": stats.Abandoned,
			"expired":   stats.ExpiredMessages,
			"dangling":  stats.DanglingLinks,
		}).Info("Protocol garbage collected")
	}
	return stats, nil
}
