package simulation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/interfaces"
)

// ErrServerUnavailable is returned while the server is offline.
var ErrServerUnavailable = errors.New("identity server unavailable")

// IdentityServer is an in-memory identity server answering device queries.
type IdentityServer struct {
	mu      sync.Mutex
	devices map[crypto.UID][]crypto.UID
	offline bool
	queries int
}

var _ interfaces.ServerQuerier = (*IdentityServer)(nil)

// NewIdentityServer returns a server that knows no identity.
func NewIdentityServer() *IdentityServer {
	return &IdentityServer{devices: make(map[crypto.UID][]crypto.UID)}
}

// Publish replaces the device list of an identity.
func (s *IdentityServer) Publish(id crypto.UID, devices ...crypto.UID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]crypto.UID(nil), devices...)
	sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })
	s.devices[id] = list
}

// SetOffline makes every query fail with ErrServerUnavailable.
func (s *IdentityServer) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// QueryCount returns the number of queries answered or refused.
func (s *IdentityServer) QueryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Query implements interfaces.ServerQuerier. Unknown identities have no devices.
func (s *IdentityServer) Query(ctx context.Context, remoteIdentity crypto.UID, query encoder.Encoded) (encoder.Encoded, error) {
	if err := ctx.Err(); err != nil {
		return encoder.Encoded{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.offline {
		return encoder.Encoded{}, ErrServerUnavailable
	}
	id, err := interfaces.DecodeDeviceQuery(query)
	if err != nil {
		return encoder.Encoded{}, err
	}
	if id != remoteIdentity {
		return encoder.Encoded{}, fmt.Errorf("%w: query about %s sent to the server of %s", interfaces.ErrUnsupportedQuery, id.Short(), remoteIdentity.Short())
	}
	return interfaces.EncodeDeviceList(s.devices[id]), nil
}
