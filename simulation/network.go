package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/interfaces"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/sirupsen/logrus"
)

// ErrUnknownDevice is returned when a message is addressed to a device that
// never registered with the network.
var ErrUnknownDevice = errors.New("device not registered in simulation")

// Packet is a message waiting in a device inbox.
type Packet struct {
	Transport protocol.Transport
	Sender    crypto.UID
	Payload   []byte
}

// DeliveryRecord represents a delivery event for test verification
type DeliveryRecord struct {
	Device     crypto.UID
	Transport  protocol.Transport
	PacketSize int
	Timestamp  int64
	Success    bool
	Dropped    bool
	Error      error
}

// NetworkStats summarizes the delivery log.
type NetworkStats struct {
	Devices    int
	Deliveries int
	Successful int
	Failed     int
	Dropped    int
	Queued     int
}

// Network is an in-memory NetworkDelivery. Delivered payloads wait in the
// inbox of the addressed device until taken.
type Network struct {
	mu      sync.RWMutex
	devices map[crypto.UID]bool
	inbox   map[crypto.UID][]Packet
	log     []DeliveryRecord
	lossy   bool
	config  interfaces.DeliveryConfig
	clock   crypto.TimeProvider
}

var _ interfaces.NetworkDelivery = (*Network)(nil)

// NewNetwork creates an empty simulated network.
func NewNetwork(config interfaces.DeliveryConfig, clock crypto.TimeProvider) *Network {
	logrus.WithFields(logrus.Fields{
		"function": "NewNetwork",
		"package":  "simulation",
		"timeout":  config.NetworkTimeout,
		"retries":  config.RetryAttempts,
	}).Debug("Creating simulated network")

	return &Network{
		devices: make(map[crypto.UID]bool),
		inbox:   make(map[crypto.UID][]Packet),
		config:  config,
		clock:   crypto.OrDefault(clock),
	}
}

// RegisterDevice makes a device reachable.
func (n *Network) RegisterDevice(device crypto.UID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.devices[device] = true
}

// RemoveDevice makes a device unreachable and drops its inbox.
func (n *Network) RemoveDevice(device crypto.UID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.devices, device)
	delete(n.inbox, device)
}

// SetLossy makes the network accept and silently drop every message.
func (n *Network) SetLossy(lossy bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lossy = lossy
}

// Deliver implements interfaces.NetworkDelivery.
func (n *Network) Deliver(ctx context.Context, msg *protocol.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	rec := DeliveryRecord{
		Device:     msg.RemoteDevice,
		Transport:  msg.Transport,
		PacketSize: len(msg.Payload),
		Timestamp:  n.clock.Now().UnixNano(),
	}
	switch {
	case msg.Transport != protocol.TransportOblivious && msg.Transport != protocol.TransportAsymmetric:
		rec.Error = fmt.Errorf("transport %s is not carried by the network", msg.Transport)
	case !n.devices[msg.RemoteDevice]:
		rec.Error = fmt.Errorf("%w: %s", ErrUnknownDevice, msg.RemoteDevice.Short())
	}
	if rec.Error != nil {
		n.log = append(n.log, rec)
		logrus.WithFields(logrus.Fields{
			"function": "Network.Deliver",
			"package":  "simulation",
			"device":   msg.RemoteDevice.Short(),
			"error":    rec.Error.Error(),
		}).Warn("Simulated delivery failed")
		return rec.Error
	}

	rec.Success = true
	if n.lossy {
		rec.Dropped = true
		n.log = append(n.log, rec)
		return nil
	}
	n.inbox[msg.RemoteDevice] = append(n.inbox[msg.RemoteDevice], Packet{
		Transport: msg.Transport,
		Sender:    msg.Owned,
		Payload:   append([]byte(nil), msg.Payload...),
	})
	n.log = append(n.log, rec)
	return nil
}

// IsSimulation implements interfaces.NetworkDelivery.
func (n *Network) IsSimulation() bool { return true }

// Take removes and returns the inbox of device.
func (n *Network) Take(device crypto.UID) []Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.inbox[device]
	delete(n.inbox, device)
	return p
}

// Pending returns the number of packets waiting for device.
func (n *Network) Pending(device crypto.UID) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.inbox[device])
}

// DeliveryLog returns a copy of the delivery log.
func (n *Network) DeliveryLog() []DeliveryRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()
	log := make([]DeliveryRecord, len(n.log))
	copy(log, n.log)
	return log
}

// ClearDeliveryLog clears the delivery log between test cases.
func (n *Network) ClearDeliveryLog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = nil
}

// Stats returns counters over the delivery log.
func (n *Network) Stats() NetworkStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := NetworkStats{Devices: len(n.devices), Deliveries: len(n.log)}
	for _, r := range n.log {
		switch {
		case r.Dropped:
			s.Dropped++
		case r.Success:
			s.Successful++
		default:
			s.Failed++
		}
	}
	for _, p := range n.inbox {
		s.Queued += len(p)
	}
	return s
}
