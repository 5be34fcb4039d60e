package obvcore

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/interfaces"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/opd-ai/obvcore/protocols/channelcreation"
	"github.com/opd-ai/obvcore/protocols/devicediscovery"
	"github.com/opd-ai/obvcore/simulation"
	"github.com/opd-ai/obvcore/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LogLevel = ""
	cfg.MaintenanceInterval = time.Hour
	cfg.Delivery = interfaces.DeliveryConfig{
		NetworkTimeout: time.Second,
		RetryAttempts:  0,
		RetryBackoff:   time.Millisecond,
	}
	return cfg
}

// testNet connects engines through a simulated network and identity server.
type testNet struct {
	clock   *crypto.ManualTimeProvider
	network *simulation.Network
	server  *simulation.IdentityServer
}

func newTestNet() *testNet {
	clock := crypto.NewManualTimeProvider(simulation.Epoch)
	return &testNet{
		clock:   clock,
		network: simulation.NewNetwork(interfaces.DefaultDeliveryConfig(), clock),
		server:  simulation.NewIdentityServer(),
	}
}

// host is an engine running a single owned identity.
type host struct {
	*Engine
	owned *identity.OwnedIdentity
	reg   *prometheus.Registry
}

func (h *host) id() crypto.UID { return h.owned.ID() }

func newIdentity(t *testing.T) *identity.OwnedIdentity {
	t.Helper()
	o, err := identity.Generate("https://server.example", crypto.SignatureEd25519, nil)
	require.NoError(t, err)
	return o
}

func (n *testNet) newHost(t *testing.T, cfg Config) *host {
	t.Helper()
	return n.newHostOn(t, cfg, n.network)
}

// newHostOn creates a host that sends through network instead of the shared
// simulated network. It still receives from the shared one.
func (n *testNet) newHostOn(t *testing.T, cfg Config, network interfaces.NetworkDelivery) *host {
	t.Helper()
	reg := prometheus.NewRegistry()
	e, err := New(cfg, WithNetwork(network), WithServer(n.server), WithClock(n.clock), WithRegisterer(reg))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	o := newIdentity(t)
	require.NoError(t, e.AddIdentity(o))
	n.server.Publish(o.ID(), o.CurrentDevice)
	n.network.RegisterDevice(o.CurrentDevice)
	return &host{Engine: e, owned: o, reg: reg}
}

// routed is a packet handed to a host by settle.
type routed struct {
	to     *host
	packet simulation.Packet
}

// settle hands every packet in flight to its engine until the network is
// quiet, and returns what it handed over.
func (n *testNet) settle(t *testing.T, hosts ...*host) []routed {
	t.Helper()
	ctx := context.Background()
	var all []routed
	for round := 0; round < 64; round++ {
		moved := 0
		for _, h := range hosts {
			for _, p := range n.network.Take(h.owned.CurrentDevice) {
				_, err := h.ReceiveNetworkMessage(ctx, h.id(), p.Transport, p.Payload)
				require.NoError(t, err)
				all = append(all, routed{to: h, packet: p})
				moved++
			}
		}
		if moved == 0 {
			return all
		}
	}
	t.Fatal("network did not settle")
	return nil
}

func introduce(t *testing.T, a, b *host) {
	t.Helper()
	require.NoError(t, a.AddContact(a.id(), b.owned.Identity, b.owned.CurrentDevice))
	require.NoError(t, b.AddContact(b.id(), a.owned.Identity, a.owned.CurrentDevice))
}

func (h *host) channelTo(t *testing.T, other *host) *channel.Channel {
	t.Helper()
	var c *channel.Channel
	require.NoError(t, h.View(func(tx *store.Tx) error {
		var err error
		c, err = h.Channels().Get(tx, channel.Key{
			Owned:          h.id(),
			RemoteIdentity: other.id(),
			RemoteDevice:   other.owned.CurrentDevice,
		})
		return err
	}))
	return c
}

func establish(t *testing.T, n *testNet, a, b *host) []routed {
	t.Helper()
	_, err := a.CreateChannel(context.Background(), a.id(), b.id(), b.owned.CurrentDevice)
	require.NoError(t, err)
	packets := n.settle(t, a, b)
	require.Equal(t, channel.StatusConfirmed, a.channelTo(t, b).Status)
	require.Equal(t, channel.StatusConfirmed, b.channelTo(t, a).Status)
	return packets
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty queue", func(c *Config) { c.QueueSize = 0 }},
		{"no maintenance", func(c *Config) { c.MaintenanceInterval = 0 }},
		{"log level", func(c *Config) { c.LogLevel = "chatty" }},
		{"suite", func(c *Config) { c.Protocol.SuiteVersion = 9 }},
		{"pending lifetime", func(c *Config) { c.Protocol.PendingLifetime = 0 }},
		{"window", func(c *Config) { c.Channel.ProvisionWindow = 0 }},
		{"retries", func(c *Config) { c.Delivery.RetryAttempts = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestNewRejectsDuplicateProtocols(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(testConfig(), WithRegisterer(reg), WithProtocols(channelcreation.Definition()))
	assert.ErrorIs(t, err, protocol.ErrInvalidDefinition)

	// The failed engine released its collectors.
	e, err := New(testConfig(), WithRegisterer(reg))
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

func TestTwoEnginesEstablishChannel(t *testing.T) {
	n := newTestNet()
	alice := n.newHost(t, testConfig())
	bob := n.newHost(t, testConfig())
	introduce(t, alice, bob)

	establish(t, n, alice, bob)

	ab, ba := alice.channelTo(t, bob), bob.channelTo(t, alice)
	assert.Equal(t, ab.SuiteVersion, ba.SuiteVersion)
	assert.Positive(t, testutil.ToFloat64(alice.metrics.steps.WithLabelValues("1")))
	assert.Positive(t, testutil.ToFloat64(bob.metrics.steps.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(alice.metrics.queueDepth))
	assert.Equal(t, 0.0, testutil.ToFloat64(alice.metrics.deliveries.WithLabelValues("asymmetric", "failed")))
}

func TestDiscoveryGoesThroughTheServer(t *testing.T) {
	n := newTestNet()
	alice := n.newHost(t, testConfig())
	bob := n.newHost(t, testConfig())
	// Alice knows Bob but none of his devices yet.
	require.NoError(t, alice.AddContact(alice.id(), bob.owned.Identity))
	require.NoError(t, bob.AddContact(bob.id(), alice.owned.Identity, alice.owned.CurrentDevice))

	uid, err := alice.DiscoverDevices(context.Background(), alice.id(), bob.id())
	require.NoError(t, err)
	assert.Equal(t, 1, n.server.QueryCount())

	s, err := alice.State(alice.id(), uid)
	require.NoError(t, err)
	require.Equal(t, devicediscovery.StateFinal, s.StateID())
	assert.Equal(t, []crypto.UID{bob.owned.CurrentDevice}, s.(devicediscovery.FinalState).Added)

	n.settle(t, alice, bob)
	assert.Equal(t, channel.StatusConfirmed, alice.channelTo(t, bob).Status)
	assert.Equal(t, channel.StatusConfirmed, bob.channelTo(t, alice).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.metrics.deliveries.WithLabelValues("server-query", "ok")))
}

func TestUnansweredQueryLeavesDiscoveryWaiting(t *testing.T) {
	n := newTestNet()
	alice := n.newHost(t, testConfig())
	bob := n.newHost(t, testConfig())
	require.NoError(t, alice.AddContact(alice.id(), bob.owned.Identity))
	n.server.SetOffline(true)

	uid, err := alice.DiscoverDevices(context.Background(), alice.id(), bob.id())
	require.NoError(t, err)

	s, err := alice.State(alice.id(), uid)
	require.NoError(t, err)
	assert.Equal(t, devicediscovery.StateWaitingForChild, s.StateID())
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.metrics.deliveries.WithLabelValues("server-query", "failed")))
}

func TestMaintenanceStartsDueFullRatchets(t *testing.T) {
	n := newTestNet()
	cfg := testConfig()
	cfg.Channel.MaxMessagesPerFullRatchet = 1
	alice := n.newHost(t, cfg)
	bob := n.newHost(t, cfg)
	introduce(t, alice, bob)
	establish(t, n, alice, bob)
	require.Equal(t, int64(0), alice.channelTo(t, bob).SendGeneration)

	report, err := alice.Maintain(context.Background(), alice.id())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FullRatchets)
	n.settle(t, alice, bob)

	c := alice.channelTo(t, bob)
	assert.Equal(t, int64(1), c.SendGeneration)
	assert.False(t, c.FullRatchetInProgress)
	assert.Equal(t, int64(1), bob.channelTo(t, alice).LatestProvision().Generation)

	// Finished instances go away after the next pass.
	report, err = alice.Maintain(context.Background(), alice.id())
	require.NoError(t, err)
	assert.Positive(t, report.GC.Terminal)
}

func TestMaintenanceSkipsProvisionalChannels(t *testing.T) {
	n := newTestNet()
	cfg := testConfig()
	cfg.Channel.MaxMessagesPerFullRatchet = 1
	initiator := n.newHost(t, cfg)
	responder := n.newHost(t, cfg)
	if responder.owned.CurrentDevice.Less(initiator.owned.CurrentDevice) {
		initiator, responder = responder, initiator
	}
	introduce(t, initiator, responder)

	_, err := initiator.CreateChannel(context.Background(), initiator.id(), responder.id(), responder.owned.CurrentDevice)
	require.NoError(t, err)
	// The response is lost: the responder's channel stays provisional
	// although it already encrypted a message.
	n.network.SetLossy(true)
	n.settle(t, responder)
	c := responder.channelTo(t, initiator)
	require.Equal(t, channel.StatusProvisional, c.Status)
	require.Positive(t, c.EncryptedMessages)

	report, err := responder.Maintain(context.Background(), responder.id())
	require.NoError(t, err)
	assert.Zero(t, report.FullRatchets)
}

func TestUndecryptablePayloadsAreReported(t *testing.T) {
	n := newTestNet()
	alice := n.newHost(t, testConfig())

	const senders = 20
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := make([]byte, 100)
			if _, err := rand.Read(payload); err != nil {
				errs <- err
				return
			}
			res, err := alice.ReceiveNetworkMessage(context.Background(), alice.id(), protocol.TransportOblivious, payload)
			if err == nil && len(res.Discarded) != 1 {
				t.Errorf("expected one discarded message, got %d", len(res.Discarded))
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, float64(senders), testutil.ToFloat64(alice.metrics.discarded.WithLabelValues("authentication")))
}

func TestUnknownIdentityIsRejected(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.DeliverMessage(context.Background(), crypto.UID{9}, protocol.GenericMessage{Protocol: channelcreation.ID})
	assert.ErrorIs(t, err, ErrUnknownIdentity)

	o := newIdentity(t)
	require.NoError(t, e.AddIdentity(o))
	assert.ErrorIs(t, e.AddIdentity(o), ErrIdentityExists)
}

func TestOutboxWaitsForHostWithoutNetwork(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	defer e.Close()
	alice, bob := newIdentity(t), newIdentity(t)
	require.NoError(t, e.AddIdentity(alice))
	require.NoError(t, e.AddContact(alice.ID(), bob.Identity, bob.CurrentDevice))

	ctx := context.Background()
	_, err = e.CreateChannel(ctx, alice.ID(), bob.ID(), bob.CurrentDevice)
	require.NoError(t, err)

	out, err := e.DrainOutbox(ctx, alice.ID())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.TransportAsymmetric, out[0].Transport)
	assert.Equal(t, bob.CurrentDevice, out[0].RemoteDevice)

	out, err = e.DrainOutbox(ctx, alice.ID())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHostMessagesAreAlwaysLocal(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	defer e.Close()
	alice, bob := newIdentity(t), newIdentity(t)
	require.NoError(t, e.AddIdentity(alice))
	require.NoError(t, e.AddContact(alice.ID(), bob.Identity, bob.CurrentDevice))

	// An ephemeral key claiming to come from the network is refused when
	// the host hands it in directly.
	uid, err := crypto.GenerateUID(nil)
	require.NoError(t, err)
	res, err := e.DeliverMessage(context.Background(), alice.ID(), protocol.GenericMessage{
		Protocol:  channelcreation.ID,
		Instance:  uid,
		Message:   channelcreation.MessageEphemeralKey,
		Inputs:    channelcreation.EphemeralKeyMessage{Identity: bob.Identity, Device: bob.CurrentDevice, TargetDevice: alice.CurrentDevice}.Encode(),
		Reception: protocol.Asymmetric,
	})
	require.NoError(t, err)
	require.Len(t, res.Discarded, 1)
	assert.ErrorIs(t, res.Discarded[0], protocol.ErrUnexpectedReception)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	alice, bob := newIdentity(t), newIdentity(t)

	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.AddIdentity(alice))
	require.NoError(t, e.AddContact(alice.ID(), bob.Identity, bob.CurrentDevice))
	uid, err := e.CreateChannel(context.Background(), alice.ID(), bob.ID(), bob.CurrentDevice)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = New(cfg)
	require.NoError(t, err)
	defer e.Close()
	s, err := e.State(alice.ID(), uid)
	require.NoError(t, err)
	assert.Contains(t, []protocol.StateID{channelcreation.StateEphemeralKeySent, channelcreation.StatePingSent}, s.StateID())
}

func TestCloseStopsWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := New(testConfig(), WithRegisterer(reg))
	require.NoError(t, err)
	alice := newIdentity(t)
	require.NoError(t, e.AddIdentity(alice))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err = e.CreateChannel(context.Background(), alice.ID(), crypto.UID{1}, crypto.UID{2})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.AddIdentity(newIdentity(t)), ErrClosed)

	again, err := New(testConfig(), WithRegisterer(reg))
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestJobQueuedOnStoppedWorkerLeavesNoQueueDepth(t *testing.T) {
	e, err := New(testConfig())
	require.NoError(t, err)
	defer e.Close()

	// A worker that stopped after its queue was drained, as when Close
	// races with a submit.
	w := newWorker(crypto.UID{7}, 1)
	close(w.stopped)
	e.mu.Lock()
	e.workers[w.owned] = w
	e.mu.Unlock()

	_, err = e.submit(context.Background(), w.owned, "late job", func(*store.Tx) (*protocol.Result, error) {
		return &protocol.Result{}, nil
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.metrics.queueDepth))
}

// flakyNetwork fails every delivery while it is down.
type flakyNetwork struct {
	*simulation.Network
	mu   sync.Mutex
	down bool
}

func (f *flakyNetwork) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *flakyNetwork) Deliver(ctx context.Context, msg *protocol.OutgoingMessage) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return simulation.ErrUnknownDevice
	}
	return f.Network.Deliver(ctx, msg)
}

func (h *host) outbox(t *testing.T) []*protocol.OutgoingMessage {
	t.Helper()
	var out []*protocol.OutgoingMessage
	require.NoError(t, h.View(func(tx *store.Tx) error {
		var err error
		out, err = h.protocols.Outbox(tx, h.id())
		return err
	}))
	return out
}

func TestFailedDeliveryIsRetriedByMaintenance(t *testing.T) {
	n := newTestNet()
	flaky := &flakyNetwork{Network: n.network, down: true}
	alice := n.newHostOn(t, testConfig(), flaky)
	bob := n.newHost(t, testConfig())
	introduce(t, alice, bob)

	_, err := alice.CreateChannel(context.Background(), alice.id(), bob.id(), bob.owned.CurrentDevice)
	require.NoError(t, err)
	require.Len(t, alice.outbox(t), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.metrics.deliveries.WithLabelValues("asymmetric", "failed")))
	assert.Zero(t, n.network.Pending(bob.owned.CurrentDevice))

	flaky.setDown(false)
	_, err = alice.Maintain(context.Background(), alice.id())
	require.NoError(t, err)
	assert.Empty(t, alice.outbox(t))
	n.settle(t, alice, bob)
	assert.Equal(t, channel.StatusConfirmed, alice.channelTo(t, bob).Status)
	assert.Equal(t, channel.StatusConfirmed, bob.channelTo(t, alice).Status)
}

func TestUndeliverableMessageExpires(t *testing.T) {
	n := newTestNet()
	cfg := testConfig()
	cfg.Delivery.OutboxLifetime = time.Hour
	flaky := &flakyNetwork{Network: n.network, down: true}
	alice := n.newHostOn(t, cfg, flaky)
	bob := n.newHost(t, cfg)
	introduce(t, alice, bob)

	_, err := alice.CreateChannel(context.Background(), alice.id(), bob.id(), bob.owned.CurrentDevice)
	require.NoError(t, err)
	require.Len(t, alice.outbox(t), 1)

	// Still young: kept for another attempt.
	_, err = alice.Maintain(context.Background(), alice.id())
	require.NoError(t, err)
	require.Len(t, alice.outbox(t), 1)

	n.clock.Advance(2 * time.Hour)
	flaky.setDown(false)
	_, err = alice.Maintain(context.Background(), alice.id())
	require.NoError(t, err)
	assert.Empty(t, alice.outbox(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(alice.metrics.deliveries.WithLabelValues("asymmetric", "expired")))
	assert.Zero(t, n.network.Pending(bob.owned.CurrentDevice))
}

func TestReplayAfterMaintenanceLeavesChannelsAlone(t *testing.T) {
	n := newTestNet()
	alice := n.newHost(t, testConfig())
	bob := n.newHost(t, testConfig())
	// Alice's device initiates, so her first message is the ephemeral key.
	if bob.owned.CurrentDevice.Less(alice.owned.CurrentDevice) {
		alice, bob = bob, alice
	}
	introduce(t, alice, bob)
	packets := establish(t, n, alice, bob)

	// Finished instances are collected: the handshake messages no longer
	// match anything but their signatures were already seen.
	for _, h := range []*host{alice, bob} {
		report, err := h.Maintain(context.Background(), h.id())
		require.NoError(t, err)
		require.Positive(t, report.GC.Terminal)
	}
	ab, ba := alice.channelTo(t, bob), bob.channelTo(t, alice)

	replayed := 0
	for _, r := range packets {
		if r.packet.Transport != protocol.TransportAsymmetric {
			continue
		}
		_, err := r.to.ReceiveNetworkMessage(context.Background(), r.to.id(), r.packet.Transport, r.packet.Payload)
		require.NoError(t, err)
		replayed++
	}
	require.Positive(t, replayed)
	assert.Empty(t, n.settle(t, alice, bob), "replays are not answered")

	for _, pair := range []struct {
		before *channel.Channel
		after  *channel.Channel
	}{
		{ab, alice.channelTo(t, bob)},
		{ba, bob.channelTo(t, alice)},
	} {
		assert.Equal(t, channel.StatusConfirmed, pair.after.Status)
		assert.Equal(t, pair.before.SendSeed, pair.after.SendSeed)
		assert.Equal(t, pair.before.SendGeneration, pair.after.SendGeneration)
	}
	assert.Positive(t, testutil.ToFloat64(bob.metrics.cancelled.WithLabelValues(protocolLabel(channelcreation.ID)))+
		testutil.ToFloat64(alice.metrics.cancelled.WithLabelValues(protocolLabel(channelcreation.ID))))
}
