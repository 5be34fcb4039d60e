package devicediscovery

import (
	"context"
	"testing"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/opd-ai/obvcore/protocols/channelcreation"
	"github.com/opd-ai/obvcore/simulation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type world struct {
	*simulation.Cluster
	alice *identity.OwnedIdentity
	bob   *identity.OwnedIdentity
}

func newWorld(t *testing.T) *world {
	t.Helper()
	c, err := simulation.NewCluster(channel.DefaultPolicy(), protocol.DefaultSettings(),
		channelcreation.Definition(), QueryDefinition(), Definition())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	w := &world{Cluster: c}
	w.alice, err = c.AddIdentity()
	require.NoError(t, err)
	w.bob, err = c.AddIdentity()
	require.NoError(t, err)
	require.NoError(t, c.Introduce(w.alice, w.bob, false))
	return w
}

func (w *world) discover(t *testing.T) (crypto.UID, simulation.RunStats) {
	t.Helper()
	uid, err := w.Start(w.alice.ID(), ID, StartMessage{Contact: w.bob.ID()})
	require.NoError(t, err)
	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	return uid, stats
}

func (w *world) final(t *testing.T, uid crypto.UID) FinalState {
	t.Helper()
	s, err := w.State(w.alice.ID(), uid)
	require.NoError(t, err)
	f, ok := s.(FinalState)
	require.True(t, ok, "discovery ended in %T", s)
	return f
}

func (w *world) confirmed(t *testing.T, k channel.Key) bool {
	t.Helper()
	ok, err := w.Channels.ExistsConfirmed(w.DB.Begin(), k)
	require.NoError(t, err)
	return ok
}

func TestDiscoveryCreatesChannelsWithNewDevices(t *testing.T) {
	w := newWorld(t)
	uid, stats := w.discover(t)
	assert.Equal(t, 1, stats.Queries)

	f := w.final(t, uid)
	assert.Equal(t, []crypto.UID{w.bob.CurrentDevice}, f.Added)
	assert.Empty(t, f.Removed)

	devices, err := w.Directory.ContactDevices(w.alice.ID(), w.bob.ID())
	require.NoError(t, err)
	assert.Equal(t, []crypto.UID{w.bob.CurrentDevice}, devices)

	ab := channel.Key{Owned: w.alice.ID(), RemoteIdentity: w.bob.ID(), RemoteDevice: w.bob.CurrentDevice}
	ba := channel.Key{Owned: w.bob.ID(), RemoteIdentity: w.alice.ID(), RemoteDevice: w.alice.CurrentDevice}
	assert.True(t, w.confirmed(t, ab))
	assert.True(t, w.confirmed(t, ba))

	// Nothing changed: a second discovery adds nothing.
	uid, _ = w.discover(t)
	f = w.final(t, uid)
	assert.Empty(t, f.Added)
	assert.Empty(t, f.Removed)
	assert.True(t, w.confirmed(t, ab))
}

func TestDiscoveryRemovesVanishedDevices(t *testing.T) {
	w := newWorld(t)
	w.discover(t)
	ab := channel.Key{Owned: w.alice.ID(), RemoteIdentity: w.bob.ID(), RemoteDevice: w.bob.CurrentDevice}
	require.True(t, w.confirmed(t, ab))

	w.Server.Publish(w.bob.ID())
	uid, _ := w.discover(t)
	f := w.final(t, uid)
	assert.Equal(t, []crypto.UID{w.bob.CurrentDevice}, f.Removed)
	assert.Empty(t, f.Added)

	ok, err := w.Channels.Exists(w.DB.Begin(), ab)
	require.NoError(t, err)
	assert.False(t, ok)
	devices, err := w.Directory.ContactDevices(w.alice.ID(), w.bob.ID())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestUnreachableDeviceIsStillRecorded(t *testing.T) {
	w := newWorld(t)
	ghost := crypto.UID{0x01}
	w.Server.Publish(w.bob.ID(), w.bob.CurrentDevice, ghost)

	uid, stats := w.discover(t)
	f := w.final(t, uid)
	assert.Len(t, f.Added, 2)
	assert.Contains(t, f.Added, ghost)
	assert.GreaterOrEqual(t, stats.Failed, 1, "messages to the ghost device cannot be delivered")
}

func TestCancelledQueryCancelsDiscovery(t *testing.T) {
	w := newWorld(t)
	uid, err := w.Start(w.alice.ID(), ID, StartMessage{Contact: w.bob.ID()})
	require.NoError(t, err)
	s, err := w.State(w.alice.ID(), uid)
	require.NoError(t, err)
	child := s.(WaitingForChildState).Child

	tooMany := make([]crypto.UID, MaxDevices+1)
	for i := range tooMany {
		tooMany[i] = crypto.UID{byte(i), 1}
	}
	_, err = w.Deliver(w.alice.ID(), protocol.GenericMessage{
		Protocol:  QueryID,
		Instance:  child,
		Message:   QueryMessageServerResponse,
		Inputs:    ServerResponseMessage{Devices: tooMany}.Encode(),
		Reception: protocol.Local,
	})
	require.NoError(t, err)

	cs, err := w.State(w.alice.ID(), child)
	require.NoError(t, err)
	assert.Equal(t, QueryStateCancelled, cs.StateID())
	s, err = w.State(w.alice.ID(), uid)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, s.StateID())
}

func TestQueryDeduplicatesAndSorts(t *testing.T) {
	w := newWorld(t)
	uid, err := w.Start(w.alice.ID(), QueryID, QueryStartMessage{Contact: w.bob.ID()})
	require.NoError(t, err)
	_, err = w.Deliver(w.alice.ID(), protocol.GenericMessage{
		Protocol:  QueryID,
		Instance:  uid,
		Message:   QueryMessageServerResponse,
		Inputs:    ServerResponseMessage{Devices: []crypto.UID{{3}, {1}, {3}}}.Encode(),
		Reception: protocol.Local,
	})
	require.NoError(t, err)
	s, err := w.State(w.alice.ID(), uid)
	require.NoError(t, err)
	assert.Equal(t, DevicesReceivedState{Contact: w.bob.ID(), Devices: []crypto.UID{{1}, {3}}}, s)
}

func TestDiscoveryOfStrangerCancels(t *testing.T) {
	w := newWorld(t)
	uid, err := w.Start(w.alice.ID(), ID, StartMessage{Contact: crypto.UID{9}})
	require.NoError(t, err)
	s, err := w.State(w.alice.ID(), uid)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, s.StateID())
	assert.Zero(t, w.Server.QueryCount())
}

func TestRoundTrips(t *testing.T) {
	devs := []crypto.UID{{1}, {2}}
	for _, s := range []protocol.State{
		InitialState{},
		WaitingForChildState{Contact: crypto.UID{1}, Child: crypto.UID{2}},
		FinalState{Contact: crypto.UID{1}, Added: devs, Removed: []crypto.UID{{3}}},
		CancelledState{Reason: "x"},
	} {
		got, err := decodeState(s.StateID(), s.Encode())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	for _, s := range []protocol.State{
		QueryInitialState{},
		WaitingForServerState{Contact: crypto.UID{4}},
		DevicesReceivedState{Contact: crypto.UID{4}, Devices: devs},
		QueryCancelledState{Reason: "y"},
	} {
		got, err := decodeQueryState(s.StateID(), s.Encode())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := decodeQueryMessage(QueryMessageServerResponse, ServerResponseMessage{Devices: devs}.Encode())
	require.NoError(t, err)
	assert.Equal(t, ServerResponseMessage{Devices: devs}, got)
	require.NoError(t, Definition().Validate())
	require.NoError(t, QueryDefinition().Validate())
}
