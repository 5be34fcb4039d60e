package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/flow"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/interfaces"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/opd-ai/obvcore/store"
	"github.com/sirupsen/logrus"
)

// maxRounds bounds Run so that protocols that never settle fail the test
// instead of hanging it.
const maxRounds = 64

// Epoch is the initial time of every cluster clock.
var Epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// Cluster hosts several owned identities on one engine and moves their
// messages synchronously through a simulated network and identity server.
type Cluster struct {
	DB        *store.DB
	Flows     *flow.Runner
	Directory *identity.Directory
	Channels  *channel.Manager
	Engine    *protocol.Engine
	Clock     *crypto.ManualTimeProvider
	Network   *Network
	Server    *IdentityServer
}

// NewCluster builds a cluster running the given protocols.
func NewCluster(policy channel.Policy, settings protocol.Settings, defs ...*protocol.Definition) (*Cluster, error) {
	db, err := store.OpenMemory()
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		DB:        db,
		Flows:     flow.NewRunner(db),
		Directory: identity.NewDirectory(),
		Clock:     crypto.NewManualTimeProvider(Epoch),
		Server:    NewIdentityServer(),
	}
	c.Network = NewNetwork(interfaces.DefaultDeliveryConfig(), c.Clock)

	if c.Channels, err = channel.NewManager(policy, c.Directory, channel.WithClock(c.Clock)); err != nil {
		db.Close()
		return nil, err
	}
	reg, err := protocol.NewRegistry(defs...)
	if err != nil {
		db.Close()
		return nil, err
	}
	if c.Engine, err = protocol.NewEngine(reg, c.Channels, c.Directory, settings, protocol.WithClock(c.Clock)); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the database.
func (c *Cluster) Close() error { return c.DB.Close() }

// AddIdentity creates an owned identity, publishes its device on the
// identity server and connects the device to the network.
func (c *Cluster) AddIdentity() (*identity.OwnedIdentity, error) {
	o, err := identity.Generate("https://server.example", crypto.SignatureEd25519, nil)
	if err != nil {
		return nil, err
	}
	c.Directory.AddOwned(o)
	c.Server.Publish(o.ID(), o.CurrentDevice)
	c.Network.RegisterDevice(o.CurrentDevice)
	return o, nil
}

// Introduce makes a and b contacts of each other. With devices set, each
// also learns the other's current device.
func (c *Cluster) Introduce(a, b *identity.OwnedIdentity, devices bool) error {
	var da, db []crypto.UID
	if devices {
		da, db = []crypto.UID{a.CurrentDevice}, []crypto.UID{b.CurrentDevice}
	}
	if err := c.Directory.AddContact(a.ID(), b.Identity, db...); err != nil {
		return err
	}
	return c.Directory.AddContact(b.ID(), a.Identity, da...)
}

// Atomic runs fn in a committed transaction.
func (c *Cluster) Atomic(fn func(tx *store.Tx) error) error {
	return c.Flows.Atomic(context.Background(), "simulation", func(_ context.Context, tx *store.Tx) error {
		return fn(tx)
	})
}

// Start starts a protocol instance for owned.
func (c *Cluster) Start(owned crypto.UID, p protocol.ProtocolID, msg protocol.Message) (crypto.UID, error) {
	var uid crypto.UID
	err := c.Atomic(func(tx *store.Tx) error {
		var err error
		uid, _, err = c.Engine.Start(tx, owned, p, msg)
		return err
	})
	return uid, err
}

// Deliver posts a local message to an instance of owned.
func (c *Cluster) Deliver(owned crypto.UID, m protocol.GenericMessage) (*protocol.Result, error) {
	var res *protocol.Result
	err := c.Atomic(func(tx *store.Tx) error {
		var err error
		res, err = c.Engine.Deliver(tx, owned, m)
		return err
	})
	return res, err
}

// State returns the current state of an instance.
func (c *Cluster) State(owned, uid crypto.UID) (protocol.State, error) {
	tx := c.DB.Begin()
	defer tx.Discard()
	return c.Engine.State(tx, owned, uid)
}

// RunStats counts what one Run moved.
type RunStats struct {
	Rounds    int
	Sent      int
	Received  int
	Queries   int
	Failed    int
	Discarded int
}

// Run moves messages until every outbox and inbox is empty: outgoing network
// messages go through the network, server queries are answered by the
// identity server and inbound packets are handed to the engine.
func (c *Cluster) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats
	for ; stats.Rounds < maxRounds; stats.Rounds++ {
		moved := 0
		for _, owned := range c.Directory.OwnedIDs() {
			n, err := c.flushOutbox(ctx, owned, &stats)
			if err != nil {
				return stats, err
			}
			moved += n
		}
		for _, owned := range c.Directory.OwnedIDs() {
			o, err := c.Directory.Owned(owned)
			if err != nil {
				return stats, err
			}
			for _, p := range c.Network.Take(o.CurrentDevice) {
				var res *protocol.Result
				err := c.Atomic(func(tx *store.Tx) error {
					var err error
					res, err = c.Engine.ReceiveNetwork(tx, owned, p.Transport, p.Payload)
					return err
				})
				if err != nil {
					return stats, err
				}
				stats.Received++
				stats.Discarded += len(res.Discarded)
				moved++
			}
		}
		if moved == 0 {
			return stats, nil
		}
	}
	return stats, fmt.Errorf("simulation did not settle after %d rounds", maxRounds)
}

// flushOutbox hands the outbox of owned over the way the engine does: an
// entry is removed only once it was delivered or answered. It returns the
// number of entries handed over.
func (c *Cluster) flushOutbox(ctx context.Context, owned crypto.UID, stats *RunStats) (int, error) {
	var out []*protocol.OutgoingMessage
	err := c.Atomic(func(tx *store.Tx) error {
		var err error
		out, err = c.Engine.Outbox(tx, owned)
		return err
	})
	if err != nil {
		return 0, err
	}
	handed := 0
	remove := func(m *protocol.OutgoingMessage) error {
		return c.Atomic(func(tx *store.Tx) error { return c.Engine.RemoveOutgoing(tx, m) })
	}
	for _, m := range out {
		if m.Transport != protocol.TransportServerQuery {
			if err := c.Network.Deliver(ctx, m); err != nil {
				stats.Failed++
				continue
			}
			if err := remove(m); err != nil {
				return handed, err
			}
			stats.Sent++
			handed++
			continue
		}
		stats.Queries++
		query, err := m.Query()
		if err != nil {
			return handed, err
		}
		answer, err := c.Server.Query(ctx, m.RemoteIdentity, query)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Cluster.Run",
				"package":  "simulation",
				"instance": m.Instance.Short(),
				"error":    err.Error(),
			}).Warn("Simulated server query failed")
			stats.Failed++
			continue
		}
		if err := remove(m); err != nil {
			return handed, err
		}
		res, err := c.Deliver(owned, protocol.GenericMessage{
			Protocol:  m.Protocol,
			Instance:  m.Instance,
			Message:   m.ResponseMessage,
			Inputs:    answer,
			Reception: protocol.Local,
		})
		if err != nil {
			return handed, err
		}
		stats.Discarded += len(res.Discarded)
		handed++
	}
	return handed, nil
}
