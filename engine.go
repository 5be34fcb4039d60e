package obvcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/flow"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/interfaces"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/opd-ai/obvcore/protocols/channelcreation"
	"github.com/opd-ai/obvcore/protocols/devicediscovery"
	"github.com/opd-ai/obvcore/protocols/fullratchet"
	"github.com/opd-ai/obvcore/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by every entry point once Close was called.
	ErrClosed = errors.New("obvcore engine closed")

	// ErrUnknownIdentity is returned for owned identities the engine does not host.
	ErrUnknownIdentity = errors.New("owned identity not hosted by this engine")

	// ErrIdentityExists is returned when an owned identity is added twice.
	ErrIdentityExists = errors.New("owned identity already hosted")
)

// maxPumpRounds bounds the outbox passes that follow one job. Server
// answers can queue further messages, each round handles what the previous
// one produced.
const maxPumpRounds = 16

// Engine hosts owned identities and runs their protocols. Each owned
// identity has its own worker goroutine: jobs of one identity run one at a
// time in submission order, jobs of different identities run in parallel.
//
// When a network is configured, the outbox of an identity is delivered after
// each of its jobs and each maintenance pass. Server queries are answered through the
// configured ServerQuerier and the answer is delivered back in a new flow.
// Without a network, hosts collect outgoing messages with DrainOutbox.
type Engine struct {
	config     Config
	db         *store.DB
	flows      *flow.Runner
	directory  *identity.Directory
	channels   *channel.Manager
	protocols  *protocol.Engine
	network    interfaces.NetworkDelivery
	server     interfaces.ServerQuerier
	metrics    *Metrics
	registerer prometheus.Registerer
	clock      crypto.TimeProvider
	extra      []*protocol.Definition

	mu      sync.Mutex
	workers map[crypto.UID]*worker
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithNetwork delivers drained outbox messages through n.
func WithNetwork(n interfaces.NetworkDelivery) Option {
	return func(e *Engine) { e.network = n }
}

// WithServer answers server queries through s.
func WithServer(s interfaces.ServerQuerier) Option {
	return func(e *Engine) { e.server = s }
}

// WithRegisterer registers the engine metrics on r. They are unregistered
// by Close.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = r }
}

// WithClock replaces the wall clock of the channel and protocol layers.
func WithClock(tp crypto.TimeProvider) Option {
	return func(e *Engine) { e.clock = tp }
}

// WithDirectory shares an existing identity directory.
func WithDirectory(d *identity.Directory) Option {
	return func(e *Engine) { e.directory = d }
}

// WithProtocols registers protocols next to the built-in ones.
func WithProtocols(defs ...*protocol.Definition) Option {
	return func(e *Engine) { e.extra = append(e.extra, defs...) }
}

// New validates cfg, opens the database and wires the channel and protocol
// layers. No worker runs until an owned identity is added.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		level, _ := logrus.ParseLevel(cfg.LogLevel)
		logrus.SetLevel(level)
	}

	e := &Engine{
		config:  cfg,
		workers: make(map[crypto.UID]*worker),
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.directory == nil {
		e.directory = identity.NewDirectory()
	}
	e.clock = crypto.OrDefault(e.clock)

	metrics, err := NewMetrics(e.registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	e.metrics = metrics

	if cfg.DataDir == "" {
		e.db, err = store.OpenMemory()
	} else {
		e.db, err = store.Open(cfg.DataDir)
	}
	if err != nil {
		e.unregisterMetrics()
		return nil, err
	}
	if err := e.wire(); err != nil {
		e.db.Close()
		e.unregisterMetrics()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"package":    "obvcore",
		"data_dir":   cfg.DataDir,
		"suite":      cfg.Protocol.SuiteVersion,
		"network":    e.network != nil,
		"server":     e.server != nil,
		"protocols":  len(e.protocols.Registry().IDs()),
		"simulation": e.network != nil && e.network.IsSimulation(),
	}).Info("Engine created")
	return e, nil
}

func (e *Engine) wire() error {
	var err error
	e.channels, err = channel.NewManager(e.config.Channel, e.directory, channel.WithClock(e.clock))
	if err != nil {
		return err
	}
	defs := append([]*protocol.Definition{
		channelcreation.Definition(),
		fullratchet.Definition(),
		devicediscovery.Definition(),
		devicediscovery.QueryDefinition(),
	}, e.extra...)
	registry, err := protocol.NewRegistry(defs...)
	if err != nil {
		return err
	}
	e.protocols, err = protocol.NewEngine(registry, e.channels, e.directory, e.config.Protocol,
		protocol.WithClock(e.clock),
		protocol.WithObserver(e.metrics),
	)
	if err != nil {
		return err
	}
	e.flows = flow.NewRunner(e.db)
	return nil
}

func (e *Engine) unregisterMetrics() {
	if e.registerer == nil || e.metrics == nil {
		return
	}
	for _, c := range e.metrics.collectors() {
		e.registerer.Unregister(c)
	}
}

// Directory returns the identity directory shared by all hosted identities.
func (e *Engine) Directory() *identity.Directory { return e.directory }

// Channels returns the channel manager. Its operations need a transaction,
// see View.
func (e *Engine) Channels() *channel.Manager { return e.channels }

// View runs fn on a transaction that is always discarded. It does not wait
// for workers and may observe state between two jobs.
func (e *Engine) View(fn func(tx *store.Tx) error) error {
	tx := e.db.Begin()
	defer tx.Discard()
	return fn(tx)
}

// State returns the current state of a protocol instance.
func (e *Engine) State(owned, instance crypto.UID) (protocol.State, error) {
	var s protocol.State
	err := e.View(func(tx *store.Tx) error {
		var err error
		s, err = e.protocols.State(tx, owned, instance)
		return err
	})
	return s, err
}

// AddIdentity hosts an owned identity and starts its worker.
func (e *Engine) AddIdentity(o *identity.OwnedIdentity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	id := o.ID()
	if _, ok := e.workers[id]; ok {
		return fmt.Errorf("%w: %s", ErrIdentityExists, id.Short())
	}
	e.directory.AddOwned(o)
	w := newWorker(id, e.config.QueueSize)
	e.workers[id] = w
	e.wg.Add(1)
	go e.run(w)

	logrus.WithFields(logrus.Fields{
		"function": "AddIdentity",
		"package":  "obvcore",
		"owned":    id.Short(),
		"device":   o.CurrentDevice.Short(),
	}).Info("Owned identity added")
	return nil
}

// AddContact records a contact of owned together with known devices.
func (e *Engine) AddContact(owned crypto.UID, contact identity.Identity, devices ...crypto.UID) error {
	return e.directory.AddContact(owned, contact, devices...)
}

// StartProtocol creates an instance of p for owned and runs its first step.
func (e *Engine) StartProtocol(ctx context.Context, owned crypto.UID, p protocol.ProtocolID, msg protocol.Message) (crypto.UID, error) {
	var uid crypto.UID
	_, err := e.submit(ctx, owned, "start protocol", func(tx *store.Tx) (*protocol.Result, error) {
		var res *protocol.Result
		var err error
		uid, res, err = e.protocols.Start(tx, owned, p, msg)
		return res, err
	})
	return uid, err
}

// DeliverMessage hands a host message to a protocol instance of owned. The
// reception is always local: remote receptions are only established by
// ReceiveNetworkMessage.
func (e *Engine) DeliverMessage(ctx context.Context, owned crypto.UID, m protocol.GenericMessage) (*protocol.Result, error) {
	m.Reception = protocol.Local
	return e.submit(ctx, owned, "deliver message", func(tx *store.Tx) (*protocol.Result, error) {
		return e.protocols.Deliver(tx, owned, m)
	})
}

// ReceiveNetworkMessage decrypts a payload the network received for owned
// and delivers the protocol message it carries. Undecryptable payloads are
// reported in the result, not as errors.
func (e *Engine) ReceiveNetworkMessage(ctx context.Context, owned crypto.UID, transport protocol.Transport, payload []byte) (*protocol.Result, error) {
	return e.submit(ctx, owned, "receive network message", func(tx *store.Tx) (*protocol.Result, error) {
		return e.protocols.ReceiveNetwork(tx, owned, transport, payload)
	})
}

// DrainOutbox removes and returns the queued outgoing messages of owned.
// With a network configured the outbox is pumped after every job and this
// usually returns nothing.
func (e *Engine) DrainOutbox(ctx context.Context, owned crypto.UID) ([]*protocol.OutgoingMessage, error) {
	var out []*protocol.OutgoingMessage
	_, err := e.submit(ctx, owned, "drain outbox", func(tx *store.Tx) (*protocol.Result, error) {
		var err error
		out, err = e.protocols.DrainOutbox(tx, owned)
		return nil, err
	})
	return out, err
}

// Abort deletes a protocol instance and everything linked to it.
func (e *Engine) Abort(ctx context.Context, owned, instance crypto.UID) (int, error) {
	var n int
	_, err := e.submit(ctx, owned, "abort protocol", func(tx *store.Tx) (*protocol.Result, error) {
		var err error
		n, err = e.protocols.Abort(tx, owned, instance)
		return nil, err
	})
	return n, err
}

// CreateChannel starts a channel creation with a device of a contact.
func (e *Engine) CreateChannel(ctx context.Context, owned, contact, device crypto.UID) (crypto.UID, error) {
	return e.StartProtocol(ctx, owned, channelcreation.ID, channelcreation.InitiateMessage{Contact: contact, Device: device})
}

// DiscoverDevices refreshes the device list of a contact from its identity
// server and creates channels with its new devices.
func (e *Engine) DiscoverDevices(ctx context.Context, owned, contact crypto.UID) (crypto.UID, error) {
	return e.StartProtocol(ctx, owned, devicediscovery.ID, devicediscovery.StartMessage{Contact: contact})
}

// MaintenanceReport summarizes one maintenance pass.
type MaintenanceReport struct {
	GC protocol.GCStats
	// ExpiredKeys counts receive keys deleted from channels.
	ExpiredKeys int
	// FullRatchets counts the full ratchets started.
	FullRatchets int
}

// Maintain runs a maintenance pass for owned right away. Workers also run
// one every MaintenanceInterval.
func (e *Engine) Maintain(ctx context.Context, owned crypto.UID) (MaintenanceReport, error) {
	var report MaintenanceReport
	_, err := e.submit(ctx, owned, "maintenance", e.maintenance(owned, &report))
	return report, err
}

func (e *Engine) maintenance(owned crypto.UID, report *MaintenanceReport) func(tx *store.Tx) (*protocol.Result, error) {
	return func(tx *store.Tx) (*protocol.Result, error) {
		*report = MaintenanceReport{}
		var err error
		if report.GC, err = e.protocols.CollectGarbage(tx, owned); err != nil {
			return nil, err
		}
		if report.ExpiredKeys, err = e.channels.Clean(tx, owned); err != nil {
			return nil, err
		}
		keys, err := e.channels.List(tx, owned)
		if err != nil {
			return nil, err
		}
		res := &protocol.Result{}
		for _, k := range keys {
			confirmed, err := e.channels.ExistsConfirmed(tx, k)
			if err != nil {
				return nil, err
			}
			if !confirmed {
				continue
			}
			due, err := e.channels.RequiresFullRatchet(tx, k)
			if err != nil {
				return nil, err
			}
			if !due {
				continue
			}
			_, started, err := e.protocols.Start(tx, owned, fullratchet.ID, fullratchet.InitiateMessage{
				Contact: k.RemoteIdentity,
				Device:  k.RemoteDevice,
			})
			if err != nil {
				return nil, err
			}
			res.Outgoing = append(res.Outgoing, started.Outgoing...)
			res.Steps += started.Steps
			res.Discarded = append(res.Discarded, started.Discarded...)
			report.FullRatchets++
		}
		e.metrics.maintained(*report)
		return res, nil
	}
}

// Close stops the workers once their current job is done and closes the
// database. Queued jobs fail with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()

	e.wg.Wait()
	e.unregisterMetrics()
	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"package":  "obvcore",
	}).Info("Engine closed")
	return e.db.Close()
}

// withRetry runs fn with the configured timeout, retrying failures with a
// doubling backoff.
func (e *Engine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := e.config.Delivery.RetryBackoff
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, e.config.Delivery.NetworkTimeout)
		err := fn(actx)
		cancel()
		if err == nil || attempt >= e.config.Delivery.RetryAttempts {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.quit:
			timer.Stop()
			return ErrClosed
		}
		backoff *= 2
	}
}

// pump sends the outbox of owned: channel and asymmetric messages go to the
// network, server queries to the server. An entry is removed only once it
// was handed over. Failed entries stay queued for the next job or
// maintenance pass until they outlive Delivery.OutboxLifetime.
func (e *Engine) pump(ctx context.Context, owned crypto.UID) error {
	if e.network == nil {
		return nil
	}
	tried := make(map[crypto.UID]bool)
	for round := 0; round < maxPumpRounds; round++ {
		var out []*protocol.OutgoingMessage
		err := e.flows.Atomic(ctx, "read outbox", func(_ context.Context, tx *store.Tx) error {
			var err error
			out, err = e.protocols.Outbox(tx, owned)
			return err
		})
		if err != nil {
			return err
		}
		fresh := 0
		for _, m := range out {
			if tried[m.UID] {
				continue
			}
			tried[m.UID] = true
			fresh++
			if err := e.send(ctx, owned, m); err != nil {
				return err
			}
		}
		if fresh == 0 {
			return nil
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "pump",
		"package":  "obvcore",
		"owned":    owned.Short(),
		"rounds":   maxPumpRounds,
	}).Warn("Outbox still busy, remaining messages wait for the next job")
	return nil
}

// send hands one outbox entry over and removes it on success.
func (e *Engine) send(ctx context.Context, owned crypto.UID, m *protocol.OutgoingMessage) error {
	log := logrus.WithFields(logrus.Fields{
		"function":  "send",
		"package":   "obvcore",
		"owned":     owned.Short(),
		"device":    m.RemoteDevice.Short(),
		"transport": m.Transport.String(),
		"flow_id":   flow.ID(ctx).String(),
	})
	if lifetime := e.config.Delivery.OutboxLifetime; lifetime > 0 && e.clock.Since(time.Unix(0, m.CreatedAt)) > lifetime {
		e.metrics.expired(m.Transport)
		log.Warn("Outgoing message expired before it could be delivered")
		return e.removeOutgoing(ctx, "expire outgoing", m)
	}
	if m.Transport == protocol.TransportServerQuery {
		return e.answerQuery(ctx, owned, m)
	}
	err := e.withRetry(ctx, func(ctx context.Context) error { return e.network.Deliver(ctx, m) })
	e.metrics.delivered(m.Transport, err)
	if err != nil {
		log.WithError(err).Warn("Outgoing message could not be delivered, kept for a later attempt")
		return nil
	}
	return e.removeOutgoing(ctx, "outgoing sent", m)
}

func (e *Engine) removeOutgoing(ctx context.Context, name string, m *protocol.OutgoingMessage) error {
	return e.flows.Atomic(ctx, name, func(_ context.Context, tx *store.Tx) error {
		return e.protocols.RemoveOutgoing(tx, m)
	})
}

// answerQuery resolves a server query and delivers the answer to the
// instance that asked, removing the query in the same flow. Unanswered
// queries stay queued and the instance keeps waiting.
func (e *Engine) answerQuery(ctx context.Context, owned crypto.UID, m *protocol.OutgoingMessage) error {
	log := logrus.WithFields(logrus.Fields{
		"function": "answerQuery",
		"package":  "obvcore",
		"owned":    owned.Short(),
		"instance": m.Instance.Short(),
		"remote":   m.RemoteIdentity.Short(),
	})
	if e.server == nil {
		e.metrics.delivered(m.Transport, errors.New("no server"))
		log.Warn("Server query kept, no server configured")
		return nil
	}
	query, err := m.Query()
	if err != nil {
		e.metrics.delivered(m.Transport, err)
		log.WithError(err).Warn("Malformed server query dropped")
		return e.removeOutgoing(ctx, "drop server query", m)
	}
	var answer encoder.Encoded
	err = e.withRetry(ctx, func(ctx context.Context) error {
		var err error
		answer, err = e.server.Query(ctx, m.RemoteIdentity, query)
		return err
	})
	e.metrics.delivered(m.Transport, err)
	if err != nil {
		log.WithError(err).Warn("Server query failed, kept for a later attempt")
		return nil
	}
	return e.flows.Atomic(ctx, "server answer", func(_ context.Context, tx *store.Tx) error {
		if err := e.protocols.RemoveOutgoing(tx, m); err != nil {
			return err
		}
		_, err := e.protocols.Deliver(tx, owned, protocol.GenericMessage{
			Protocol:  m.Protocol,
			Instance:  m.Instance,
			Message:   m.ResponseMessage,
			Inputs:    answer,
			Reception: protocol.Local,
		})
		return err
	})
}
