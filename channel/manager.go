package channel

import (
	"errors"
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/store"
)

const (
	tableChannels = "ch"
	tableKeyIndex = "ck"

	// PaddingBlock is the granularity plaintexts are padded to before encryption.
	PaddingBlock = 64
)

var (
	// ErrChannelExists is returned by Create when the channel must be deleted first.
	ErrChannelExists = errors.New("channel already exists")

	// ErrChannelNotFound is returned by operations that need an existing channel.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrSeedRegression is returned when a seed update does not move the
	// ratchet to a strictly newer generation.
	ErrSeedRegression = errors.New("seed update does not move the ratchet forward")

	// ErrConfiguration covers malformed seeds, unknown suites and unknown
	// owned identities. These are not recoverable by retrying.
	ErrConfiguration = errors.New("channel configuration error")
)

// DeviceResolver returns the UID of the local device of an owned identity.
type DeviceResolver interface {
	CurrentDevice(owned crypto.UID) (crypto.UID, error)
}

// Manager implements the oblivious channel lifecycle on top of a store
// transaction. Every operation is serialized per (owned identity, remote
// device); writes only become durable when the caller commits.
type Manager struct {
	policy  Policy
	devices DeviceResolver
	clock   crypto.TimeProvider
	prng    crypto.PRNG
	locks   *pairLocks
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(tp crypto.TimeProvider) Option {
	return func(m *Manager) { m.clock = crypto.OrDefault(tp) }
}

// WithPRNG replaces the system randomness source.
func WithPRNG(prng crypto.PRNG) Option {
	return func(m *Manager) { m.prng = prng }
}

// NewManager validates the policy and returns a manager.
func NewManager(policy Policy, devices DeviceResolver, opts ...Option) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if devices == nil {
		return nil, fmt.Errorf("%w: nil device resolver", ErrConfiguration)
	}
	m := &Manager{
		policy:  policy,
		devices: devices,
		clock:   crypto.DefaultTimeProvider{},
		prng:    crypto.SystemPRNG(),
		locks:   newPairLocks(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Policy returns the manager's policy.
func (m *Manager) Policy() Policy { return m.policy }

func recordKey(owned, remoteIdentity, remoteDevice crypto.UID) []byte {
	return store.Key(tableChannels, owned[:], remoteIdentity[:], remoteDevice[:])
}

func indexKey(owned crypto.UID, keyID crypto.KeyID, remoteIdentity, remoteDevice crypto.UID) []byte {
	return store.Key(tableKeyIndex, owned[:], keyID[:], remoteIdentity[:], remoteDevice[:])
}

func (m *Manager) load(tx *store.Tx, k Key) (*Channel, error) {
	e, err := tx.GetEncoded(k.storeKey())
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	c, err := decodeChannel(e)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupted channel record: %v", ErrConfiguration, err)
	}
	return c, nil
}

func (m *Manager) save(tx *store.Tx, c *Channel) error {
	return tx.PutEncoded(c.Key.storeKey(), c)
}

func (m *Manager) suite(version int) (crypto.Suite, error) {
	s, err := crypto.SuiteForVersion(version)
	if err != nil {
		return crypto.Suite{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return s, nil
}

// Create establishes a provisional channel from a freshly agreed seed.
func (m *Manager) Create(tx *store.Tx, k Key, seed crypto.Seed, suiteVersion int) error {
	unlock := m.locks.lock(k.Owned, k.RemoteDevice)
	defer unlock()

	log := crypto.NewPackageLogger("channel", "Create").
		WithUID("owned", k.Owned).
		WithUID("remote_device", k.RemoteDevice).
		WithField("suite", suiteVersion)

	suite, err := m.suite(suiteVersion)
	if err != nil {
		return err
	}
	if seed.IsZero() {
		return fmt.Errorf("%w: all-zero seed", ErrConfiguration)
	}
	if _, err := m.load(tx, k); err == nil {
		return ErrChannelExists
	} else if !errors.Is(err, ErrChannelNotFound) {
		return err
	}
	current, err := m.devices.CurrentDevice(k.Owned)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	sendSeed, err := seed.Diversify(current, suite)
	if err != nil {
		return err
	}
	recvSeed, err := seed.Diversify(k.RemoteDevice, suite)
	if err != nil {
		return err
	}

	now := m.clock.Now().UnixNano()
	c := &Channel{
		Key:                    k,
		CurrentDevice:          current,
		Status:                 StatusProvisional,
		SuiteVersion:           suiteVersion,
		CreatedAt:              now,
		SendSeed:               sendSeed,
		LastFullRatchet:        now,
		LastFullRatchetMessage: now,
	}
	p := Provision{Generation: 0, Seed: recvSeed}
	if err := m.refill(tx, c, &p, int64(m.policy.ProvisionWindow), suite); err != nil {
		return err
	}
	c.Provisions = []Provision{p}
	if err := m.save(tx, c); err != nil {
		return err
	}
	log.Info("Provisional channel created")
	return nil
}

// refill derives receive keys until the provision reaches target.
func (m *Manager) refill(tx *store.Tx, c *Channel, p *Provision, target int64, suite crypto.Suite) error {
	for p.NextIndex < target {
		r, err := crypto.DeriveRatchet(p.Seed, suite)
		if err != nil {
			return err
		}
		p.Keys = append(p.Keys, ReceiveKey{KeyID: r.KeyID, Key: r.Key, Index: p.NextIndex})
		if err := tx.Put(indexKey(c.Key.Owned, r.KeyID, c.Key.RemoteIdentity, c.Key.RemoteDevice), nil); err != nil {
			return err
		}
		p.Seed.Wipe()
		p.Seed = r.Next
		p.NextIndex++
	}
	return nil
}

// Confirm marks the channel confirmed. Confirming twice is a no-op.
func (m *Manager) Confirm(tx *store.Tx, k Key) error {
	unlock := m.locks.lock(k.Owned, k.RemoteDevice)
	defer unlock()

	c, err := m.load(tx, k)
	if err != nil {
		return err
	}
	if c.Status == StatusConfirmed {
		return nil
	}
	c.Status = StatusConfirmed
	return m.save(tx, c)
}

// UpdateSendSeed installs a renegotiated send seed for a strictly newer generation.
func (m *Manager) UpdateSendSeed(tx *store.Tx, k Key, seed crypto.Seed, generation int64) error {
	unlock := m.locks.lock(k.Owned, k.RemoteDevice)
	defer unlock()

	c, err := m.load(tx, k)
	if err != nil {
		return err
	}
	if generation <= c.SendGeneration {
		return fmt.Errorf("%w: send generation %d is not after %d", ErrSeedRegression, generation, c.SendGeneration)
	}
	suite, err := m.suite(c.SuiteVersion)
	if err != nil {
		return err
	}
	next, err := seed.Diversify(c.CurrentDevice, suite)
	if err != nil {
		return err
	}
	if next == c.SendSeed {
		return fmt.Errorf("%w: seed already in use", ErrSeedRegression)
	}

	c.SendSeed.Wipe()
	c.SendSeed = next
	c.SendIndex = 0
	c.SendGeneration = generation
	c.EncryptedAtLastFullRatchet = c.EncryptedMessages
	c.LastFullRatchet = m.clock.Now().UnixNano()
	c.FullRatchetInProgress = false

	crypto.NewPackageLogger("channel", "UpdateSendSeed").
		WithUID("remote_device", k.RemoteDevice).
		WithField("generation", generation).
		Info("Send seed renewed")
	return m.save(tx, c)
}

// UpdateReceiveSeed adds a provision for a strictly newer receive generation.
// Older provisions keep decrypting late messages until their keys expire.
func (m *Manager) UpdateReceiveSeed(tx *store.Tx, k Key, seed crypto.Seed, generation int64) error {
	unlock := m.locks.lock(k.Owned, k.RemoteDevice)
	defer unlock()

	c, err := m.load(tx, k)
	if err != nil {
		return err
	}
	if latest := c.LatestProvision(); latest != nil && generation <= latest.Generation {
		return fmt.Errorf("%w: receive generation %d is not after %d", ErrSeedRegression, generation, latest.Generation)
	}
	suite, err := m.suite(c.SuiteVersion)
	if err != nil {
		return err
	}
	recv, err := seed.Diversify(k.RemoteDevice, suite)
	if err != nil {
		return err
	}
	p := Provision{Generation: generation, Seed: recv}
	if err := m.refill(tx, c, &p, int64(m.policy.ProvisionWindow), suite); err != nil {
		return err
	}
	c.Provisions = append(c.Provisions, p)

	crypto.NewPackageLogger("channel", "UpdateReceiveSeed").
		WithUID("remote_device", k.RemoteDevice).
		WithField("generation", generation).
		Info("Receive provision added")
	return m.save(tx, c)
}

func pad(b []byte) []byte {
	n := (len(b) + PaddingBlock - 1) / PaddingBlock * PaddingBlock
	out := make([]byte, n)
	copy(out, b)
	return out
}

// EncryptForChannel encrypts payload with the next send key and advances the
// send seed. The output is keyID || authenticated ciphertext.
func (m *Manager) EncryptForChannel(tx *store.Tx, k Key, payload []byte) ([]byte, error) {
	unlock := m.locks.lock(k.Owned, k.RemoteDevice)
	defer unlock()

	c, err := m.load(tx, k)
	if err != nil {
		return nil, err
	}
	suite, err := m.suite(c.SuiteVersion)
	if err != nil {
		return nil, err
	}
	r, err := crypto.DeriveRatchet(c.SendSeed, suite)
	if err != nil {
		return nil, err
	}
	defer r.Key.Wipe()

	plaintext := pad(encoder.EncodeBytes(payload).Raw())
	ct, err := crypto.Encrypt(r.Key, plaintext, m.prng)
	crypto.ZeroBytes(plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, crypto.KeyIDSize+len(ct))
	out = append(out, r.KeyID[:]...)
	out = append(out, ct...)

	c.SendSeed.Wipe()
	c.SendSeed = r.Next
	c.SendIndex++
	c.EncryptedMessages++
	c.EncryptedSinceFullRatchetMessage++
	if err := m.save(tx, c); err != nil {
		return nil, err
	}
	return out, nil
}

func splitWrapped(wrapped []byte) (crypto.KeyID, []byte, error) {
	var id crypto.KeyID
	if len(wrapped) <= crypto.KeyIDSize {
		return id, nil, fmt.Errorf("%w: channel ciphertext too short", crypto.ErrAuthenticationFailure)
	}
	copy(id[:], wrapped[:crypto.KeyIDSize])
	return id, wrapped[crypto.KeyIDSize:], nil
}

// DecryptFromChannel authenticates and decrypts a ciphertext produced by the
// remote device's EncryptForChannel. On failure nothing is modified and the
// returned error wraps crypto.ErrAuthenticationFailure.
func (m *Manager) DecryptFromChannel(tx *store.Tx, k Key, wrapped []byte) ([]byte, error) {
	keyID, body, err := splitWrapped(wrapped)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.lock(k.Owned, k.RemoteDevice)
	defer unlock()

	c, err := m.load(tx, k)
	if err != nil {
		return nil, err
	}
	return m.open(tx, c, keyID, body)
}

// Unwrap finds the channel that provisioned the ciphertext's key id among all
// channels of owned and decrypts with it. It is used for inbound network
// messages whose sender is only known once decrypted.
func (m *Manager) Unwrap(tx *store.Tx, owned crypto.UID, wrapped []byte) (Key, []byte, error) {
	keyID, body, err := splitWrapped(wrapped)
	if err != nil {
		return Key{}, nil, err
	}
	prefix := store.Key(tableKeyIndex, owned[:], keyID[:])
	candidates, err := tx.Scan(prefix)
	if err != nil {
		return Key{}, nil, err
	}
	for _, kv := range candidates {
		rest := kv.Key[len(prefix):]
		if len(rest) != 2*crypto.UIDSize {
			continue
		}
		k := Key{Owned: owned}
		copy(k.RemoteIdentity[:], rest[:crypto.UIDSize])
		copy(k.RemoteDevice[:], rest[crypto.UIDSize:])

		payload, err := func() ([]byte, error) {
			unlock := m.locks.lock(k.Owned, k.RemoteDevice)
			defer unlock()
			c, err := m.load(tx, k)
			if err != nil {
				return nil, err
			}
			return m.open(tx, c, keyID, body)
		}()
		if err == nil {
			return k, payload, nil
		}
		if !errors.Is(err, crypto.ErrAuthenticationFailure) && !errors.Is(err, ErrChannelNotFound) {
			return Key{}, nil, err
		}
	}
	crypto.NewPackageLogger("channel", "Unwrap").
		WithUID("owned", owned).
		WithField("key_id", keyID.Short()).
		WithField("candidates", len(candidates)).
		Security().
		Warn("Could not unwrap message with any oblivious channel")
	return Key{}, nil, fmt.Errorf("%w: no channel key for id %s", crypto.ErrAuthenticationFailure, keyID.Short())
}

func (m *Manager) open(tx *store.Tx, c *Channel, keyID crypto.KeyID, body []byte) ([]byte, error) {
	for pi := range c.Provisions {
		for ki := range c.Provisions[pi].Keys {
			rk := c.Provisions[pi].Keys[ki]
			if rk.KeyID != keyID {
				continue
			}
			plaintext, err := crypto.Decrypt(rk.Key, body)
			if err != nil {
				continue
			}
			e, err := encoder.ParsePadded(plaintext)
			if err != nil {
				return nil, fmt.Errorf("channel payload: %w", err)
			}
			payload, err := encoder.DecodeBytes(e)
			if err != nil {
				return nil, fmt.Errorf("channel payload: %w", err)
			}
			if err := m.consume(tx, c, pi, ki); err != nil {
				return nil, err
			}
			if err := m.save(tx, c); err != nil {
				return nil, err
			}
			return payload, nil
		}
	}
	crypto.NewPackageLogger("channel", "DecryptFromChannel").
		WithUID("remote_device", c.Key.RemoteDevice).
		WithField("key_id", keyID.Short()).
		Security().
		Warn("Channel message failed authentication")
	return nil, fmt.Errorf("%w: no provisioned key %s decrypts the message", crypto.ErrAuthenticationFailure, keyID.Short())
}

// consume deletes a used receive key, schedules older keys for expiry, keeps
// the window full and confirms the channel.
func (m *Manager) consume(tx *store.Tx, c *Channel, pi, ki int) error {
	suite, err := m.suite(c.SuiteVersion)
	if err != nil {
		return err
	}
	p := &c.Provisions[pi]
	used := p.Keys[ki]
	expiry := m.clock.Now().Add(m.policy.OldKeyRetention).UnixNano()

	for j := range c.Provisions {
		older := c.Provisions[j].Generation < p.Generation
		for i := range c.Provisions[j].Keys {
			rk := &c.Provisions[j].Keys[i]
			if rk.ExpiresAt != 0 {
				continue
			}
			if older || (j == pi && rk.Index < used.Index) {
				rk.ExpiresAt = expiry
			}
		}
	}

	p.Keys = append(p.Keys[:ki], p.Keys[ki+1:]...)
	if err := tx.Delete(indexKey(c.Key.Owned, used.KeyID, c.Key.RemoteIdentity, c.Key.RemoteDevice)); err != nil {
		return err
	}
	used.Key.Wipe()

	// Superseded provisions only drain.
	if p.Generation == c.LatestProvision().Generation {
		target := used.Index + 1 + int64(m.policy.ProvisionWindow)
		if err := m.refill(tx, c, p, target, suite); err != nil {
			return err
		}
	}

	if c.FullRatchetInProgress {
		c.DecryptedSinceFullRatchetMessage++
	}
	if c.Status == StatusProvisional {
		c.Status = StatusConfirmed
		crypto.NewPackageLogger("channel", "consume").
			WithUID("remote_device", c.Key.RemoteDevice).
			Info("Channel confirmed")
	}
	return nil
}

// Delete removes the channel and all of its key material. Deleting a missing
// channel is not an error.
func (m *Manager) Delete(tx *store.Tx, k Key) error {
	unlock := m.locks.lock(k.Owned, k.RemoteDevice)
	defer unlock()
	return m.delete(tx, k)
}

func (m *Manager) delete(tx *store.Tx, k Key) error {
	c, err := m.load(tx, k)
	if errors.Is(err, ErrChannelNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, p := range c.Provisions {
		for _, rk := range p.Keys {
			if err := tx.Delete(indexKey(k.Owned, rk.KeyID, k.RemoteIdentity, k.RemoteDevice)); err != nil {
				return err
			}
		}
	}
	c.wipe()
	return tx.Delete(k.storeKey())
}

// DeleteAllWith removes every channel between owned and remoteIdentity.
func (m *Manager) DeleteAllWith(tx *store.Tx, owned, remoteIdentity crypto.UID) (int, error) {
	keys, err := m.keysWith(tx, owned, remoteIdentity)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := m.Delete(tx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

func (m *Manager) keysWith(tx *store.Tx, owned, remoteIdentity crypto.UID) ([]Key, error) {
	prefix := store.Key(tableChannels, owned[:], remoteIdentity[:])
	kvs, err := tx.Scan(prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(kvs))
	for _, kv := range kvs {
		rest := kv.Key[len(prefix):]
		if len(rest) != crypto.UIDSize {
			continue
		}
		k := Key{Owned: owned, RemoteIdentity: remoteIdentity}
		copy(k.RemoteDevice[:], rest)
		keys = append(keys, k)
	}
	return keys, nil
}

// Get returns a copy of the channel state.
func (m *Manager) Get(tx *store.Tx, k Key) (*Channel, error) {
	return m.load(tx, k)
}

// Exists reports whether a channel exists, confirmed or not.
func (m *Manager) Exists(tx *store.Tx, k Key) (bool, error) {
	_, err := m.load(tx, k)
	if errors.Is(err, ErrChannelNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ExistsConfirmed reports whether a confirmed channel exists.
func (m *Manager) ExistsConfirmed(tx *store.Tx, k Key) (bool, error) {
	c, err := m.load(tx, k)
	if errors.Is(err, ErrChannelNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Status == StatusConfirmed, nil
}

// ConfirmedDevices lists the remote devices of remoteIdentity with a confirmed channel.
func (m *Manager) ConfirmedDevices(tx *store.Tx, owned, remoteIdentity crypto.UID) ([]crypto.UID, error) {
	keys, err := m.keysWith(tx, owned, remoteIdentity)
	if err != nil {
		return nil, err
	}
	var out []crypto.UID
	for _, k := range keys {
		ok, err := m.ExistsConfirmed(tx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k.RemoteDevice)
		}
	}
	return out, nil
}

// List returns the keys of every channel of owned, ordered by remote
// identity then remote device.
func (m *Manager) List(tx *store.Tx, owned crypto.UID) ([]Key, error) {
	prefix := store.Key(tableChannels, owned[:])
	kvs, err := tx.Scan(prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, 0, len(kvs))
	for _, kv := range kvs {
		rest := kv.Key[len(prefix):]
		if len(rest) != 2*crypto.UIDSize {
			continue
		}
		k := Key{Owned: owned}
		copy(k.RemoteIdentity[:], rest[:crypto.UIDSize])
		copy(k.RemoteDevice[:], rest[crypto.UIDSize:])
		keys = append(keys, k)
	}
	return keys, nil
}

// Clean drops expired receive keys and empty superseded provisions of every
// channel of owned. It returns the number of deleted keys.
func (m *Manager) Clean(tx *store.Tx, owned crypto.UID) (int, error) {
	kvs, err := tx.Scan(store.Key(tableChannels, owned[:]))
	if err != nil {
		return 0, err
	}
	now := m.clock.Now().UnixNano()
	removed := 0
	for _, kv := range kvs {
		e, err := encoder.Parse(kv.Value)
		if err != nil {
			return removed, fmt.Errorf("%w: corrupted channel record: %v", ErrConfiguration, err)
		}
		c, err := decodeChannel(e)
		if err != nil {
			return removed, fmt.Errorf("%w: corrupted channel record: %v", ErrConfiguration, err)
		}
		n, err := m.cleanChannel(tx, c, now)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (m *Manager) cleanChannel(tx *store.Tx, c *Channel, now int64) (int, error) {
	unlock := m.locks.lock(c.Key.Owned, c.Key.RemoteDevice)
	defer unlock()

	latest := c.LatestProvision().Generation
	removed := 0
	kept := c.Provisions[:0]
	for _, p := range c.Provisions {
		keys := p.Keys[:0]
		for _, rk := range p.Keys {
			if rk.ExpiresAt != 0 && rk.ExpiresAt <= now {
				if err := tx.Delete(indexKey(c.Key.Owned, rk.KeyID, c.Key.RemoteIdentity, c.Key.RemoteDevice)); err != nil {
					return removed, err
				}
				rk.Key.Wipe()
				removed++
				continue
			}
			keys = append(keys, rk)
		}
		p.Keys = keys
		if len(p.Keys) == 0 && p.Generation != latest {
			continue
		}
		kept = append(kept, p)
	}
	if removed == 0 && len(kept) == len(c.Provisions) {
		return 0, nil
	}
	c.Provisions = kept
	return removed, m.save(tx, c)
}

// RequiresFullRatchet reports whether the send seed should be renegotiated.
func (m *Manager) RequiresFullRatchet(tx *store.Tx, k Key) (bool, error) {
	c, err := m.load(tx, k)
	if err != nil {
		return false, err
	}
	return m.policy.requiresFullRatchet(c, m.clock.Now()), nil
}

// FullRatchetMessageSent must be called whenever a message of a full ratchet
// of this channel's send seed is sent.
func (m *Manager) FullRatchetMessageSent(tx *store.Tx, k Key) error {
	unlock := m.locks.lock(k.Owned, k.RemoteDevice)
	defer unlock()

	c, err := m.load(tx, k)
	if err != nil {
		return err
	}
	c.FullRatchetInProgress = true
	c.DecryptedSinceFullRatchetMessage = 0
	c.EncryptedSinceFullRatchetMessage = 0
	c.LastFullRatchetMessage = m.clock.Now().UnixNano()
	return m.save(tx, c)
}
