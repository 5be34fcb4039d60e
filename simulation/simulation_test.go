package simulation

import (
	"context"
	"testing"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/interfaces"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outgoing(device crypto.UID, transport protocol.Transport, payload string) *protocol.OutgoingMessage {
	return &protocol.OutgoingMessage{Owned: crypto.UID{9}, RemoteDevice: device, Transport: transport, Payload: []byte(payload)}
}

func TestNewNetwork(t *testing.T) {
	n := NewNetwork(interfaces.DefaultDeliveryConfig(), nil)
	assert.True(t, n.IsSimulation())
	assert.Empty(t, n.DeliveryLog())
	assert.Equal(t, NetworkStats{}, n.Stats())
}

func TestNetworkDelivery(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork(interfaces.DefaultDeliveryConfig(), crypto.NewManualTimeProvider(Epoch))
	dev := crypto.UID{1}
	n.RegisterDevice(dev)

	require.NoError(t, n.Deliver(ctx, outgoing(dev, protocol.TransportOblivious, "one")))
	require.NoError(t, n.Deliver(ctx, outgoing(dev, protocol.TransportAsymmetric, "two")))
	assert.Equal(t, 2, n.Pending(dev))

	err := n.Deliver(ctx, outgoing(crypto.UID{2}, protocol.TransportOblivious, "lost"))
	assert.ErrorIs(t, err, ErrUnknownDevice)
	assert.Error(t, n.Deliver(ctx, outgoing(dev, protocol.TransportServerQuery, "q")))

	packets := n.Take(dev)
	require.Len(t, packets, 2)
	assert.Equal(t, "one", string(packets[0].Payload))
	assert.Equal(t, protocol.TransportAsymmetric, packets[1].Transport)
	assert.Equal(t, crypto.UID{9}, packets[1].Sender)
	assert.Zero(t, n.Pending(dev))

	log := n.DeliveryLog()
	require.Len(t, log, 4)
	assert.True(t, log[0].Success)
	assert.Equal(t, Epoch.UnixNano(), log[0].Timestamp)
	assert.False(t, log[2].Success)

	stats := n.Stats()
	assert.Equal(t, 1, stats.Devices)
	assert.Equal(t, 2, stats.Successful)
	assert.Equal(t, 2, stats.Failed)

	n.ClearDeliveryLog()
	assert.Empty(t, n.DeliveryLog())
}

func TestLossyNetworkDropsSilently(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork(interfaces.DefaultDeliveryConfig(), nil)
	dev := crypto.UID{1}
	n.RegisterDevice(dev)
	n.SetLossy(true)

	require.NoError(t, n.Deliver(ctx, outgoing(dev, protocol.TransportOblivious, "x")))
	assert.Zero(t, n.Pending(dev))
	assert.Equal(t, 1, n.Stats().Dropped)

	n.SetLossy(false)
	n.RemoveDevice(dev)
	assert.ErrorIs(t, n.Deliver(ctx, outgoing(dev, protocol.TransportOblivious, "x")), ErrUnknownDevice)
}

func TestDeliverHonoursContext(t *testing.T) {
	n := NewNetwork(interfaces.DefaultDeliveryConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Deliver(ctx, outgoing(crypto.UID{1}, protocol.TransportOblivious, "x")), context.Canceled)
	assert.Empty(t, n.DeliveryLog())
}

func TestIdentityServer(t *testing.T) {
	ctx := context.Background()
	s := NewIdentityServer()
	id := crypto.UID{7}
	s.Publish(id, crypto.UID{3}, crypto.UID{1})

	answer, err := s.Query(ctx, id, interfaces.EncodeDeviceQuery(id))
	require.NoError(t, err)
	devices, err := interfaces.DecodeDeviceList(answer)
	require.NoError(t, err)
	assert.Equal(t, []crypto.UID{{1}, {3}}, devices)

	answer, err = s.Query(ctx, crypto.UID{8}, interfaces.EncodeDeviceQuery(crypto.UID{8}))
	require.NoError(t, err)
	devices, err = interfaces.DecodeDeviceList(answer)
	require.NoError(t, err)
	assert.Empty(t, devices)

	_, err = s.Query(ctx, crypto.UID{8}, interfaces.EncodeDeviceQuery(id))
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedQuery)
	_, err = s.Query(ctx, id, encoder.EncodeList(encoder.EncodeString("avatar"), id.Encode()))
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedQuery)

	s.SetOffline(true)
	_, err = s.Query(ctx, id, interfaces.EncodeDeviceQuery(id))
	assert.ErrorIs(t, err, ErrServerUnavailable)
	assert.Equal(t, 5, s.QueryCount())
}

func TestClusterSettlesWhenIdle(t *testing.T) {
	c, err := NewCluster(channel.DefaultPolicy(), protocol.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	alice, err := c.AddIdentity()
	require.NoError(t, err)
	bob, err := c.AddIdentity()
	require.NoError(t, err)
	require.NoError(t, c.Introduce(alice, bob, false))

	contact, err := c.Directory.Contact(alice.ID(), bob.ID())
	require.NoError(t, err)
	assert.True(t, contact.Equal(bob.Identity))
	devices, err := c.Directory.ContactDevices(bob.ID(), alice.ID())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, 2, c.Network.Stats().Devices)

	stats, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Sent)
	assert.Zero(t, stats.Rounds)
}
