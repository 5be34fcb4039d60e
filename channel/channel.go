package channel

import (
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
)

// Status is the confirmation state of a channel.
type Status int8

const (
	// StatusProvisional channels have not yet decrypted anything from the remote device.
	StatusProvisional Status = iota
	// StatusConfirmed channels have authenticated at least one inbound message.
	StatusConfirmed
)

func (s Status) String() string {
	switch s {
	case StatusProvisional:
		return "provisional"
	case StatusConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("Status(%d)", int8(s))
	}
}

// Key addresses one channel.
type Key struct {
	Owned          crypto.UID
	RemoteIdentity crypto.UID
	RemoteDevice   crypto.UID
}

func (k Key) storeKey() []byte {
	return recordKey(k.Owned, k.RemoteIdentity, k.RemoteDevice)
}

// ReceiveKey is one precomputed key of a provision.
type ReceiveKey struct {
	KeyID crypto.KeyID
	Key   crypto.SymmetricKey
	Index int64
	// ExpiresAt is a unix nano timestamp, zero while the key is not scheduled for deletion.
	ExpiresAt int64
}

// Provision holds the receive keys of one receive seed generation together
// with the seed of the next key to provision.
type Provision struct {
	Generation int64
	Seed       crypto.Seed
	NextIndex  int64
	Keys       []ReceiveKey
}

// Channel is the persisted state of an oblivious channel.
type Channel struct {
	Key           Key
	CurrentDevice crypto.UID
	Status        Status
	SuiteVersion  int
	CreatedAt     int64

	SendSeed       crypto.Seed
	SendIndex      int64
	SendGeneration int64

	Provisions []Provision

	// Full ratchet bookkeeping.
	EncryptedMessages                int64
	EncryptedAtLastFullRatchet       int64
	LastFullRatchet                  int64
	FullRatchetInProgress            bool
	LastFullRatchetMessage           int64
	EncryptedSinceFullRatchetMessage int64
	DecryptedSinceFullRatchetMessage int64
}

// Suite returns the crypto suite of the channel.
func (c *Channel) Suite() (crypto.Suite, error) {
	return crypto.SuiteForVersion(c.SuiteVersion)
}

// LatestProvision returns the provision with the highest generation.
func (c *Channel) LatestProvision() *Provision {
	var latest *Provision
	for i := range c.Provisions {
		if latest == nil || c.Provisions[i].Generation > latest.Generation {
			latest = &c.Provisions[i]
		}
	}
	return latest
}

func (c *Channel) wipe() {
	c.SendSeed.Wipe()
	for i := range c.Provisions {
		c.Provisions[i].Seed.Wipe()
		for _, k := range c.Provisions[i].Keys {
			k.Key.Wipe()
		}
	}
}

func encodeReceiveKey(k ReceiveKey) encoder.Encoded {
	return encoder.EncodeList(k.KeyID.Encode(), k.Key.Encode(), encoder.EncodeInt(k.Index), encoder.EncodeInt(k.ExpiresAt))
}

func decodeReceiveKey(e encoder.Encoded) (ReceiveKey, error) {
	items, err := encoder.DecodeListN(e, 4)
	if err != nil {
		return ReceiveKey{}, err
	}
	var k ReceiveKey
	if k.KeyID, err = crypto.DecodeKeyID(items[0]); err != nil {
		return ReceiveKey{}, err
	}
	if k.Key, err = crypto.DecodeSymmetricKey(items[1]); err != nil {
		return ReceiveKey{}, err
	}
	if k.Index, err = encoder.DecodeInt(items[2]); err != nil {
		return ReceiveKey{}, err
	}
	if k.ExpiresAt, err = encoder.DecodeInt(items[3]); err != nil {
		return ReceiveKey{}, err
	}
	return k, nil
}

func encodeProvision(p Provision) encoder.Encoded {
	keys := make([]encoder.Encoded, len(p.Keys))
	for i, k := range p.Keys {
		keys[i] = encodeReceiveKey(k)
	}
	return encoder.EncodeList(
		encoder.EncodeInt(p.Generation),
		p.Seed.Encode(),
		encoder.EncodeInt(p.NextIndex),
		encoder.EncodeList(keys...),
	)
}

func decodeProvision(e encoder.Encoded) (Provision, error) {
	items, err := encoder.DecodeListN(e, 4)
	if err != nil {
		return Provision{}, err
	}
	var p Provision
	if p.Generation, err = encoder.DecodeInt(items[0]); err != nil {
		return Provision{}, err
	}
	if p.Seed, err = crypto.DecodeSeed(items[1]); err != nil {
		return Provision{}, err
	}
	if p.NextIndex, err = encoder.DecodeInt(items[2]); err != nil {
		return Provision{}, err
	}
	keys, err := encoder.DecodeList(items[3])
	if err != nil {
		return Provision{}, err
	}
	p.Keys = make([]ReceiveKey, 0, len(keys))
	for _, ke := range keys {
		k, err := decodeReceiveKey(ke)
		if err != nil {
			return Provision{}, err
		}
		p.Keys = append(p.Keys, k)
	}
	return p, nil
}

// Encode implements encoder.Encodable.
func (c *Channel) Encode() encoder.Encoded {
	provisions := make([]encoder.Encoded, len(c.Provisions))
	for i, p := range c.Provisions {
		provisions[i] = encodeProvision(p)
	}
	return encoder.EncodeDictionary(map[string]encoder.Encoded{
		"owned":           c.Key.Owned.Encode(),
		"remote_identity": c.Key.RemoteIdentity.Encode(),
		"remote_device":   c.Key.RemoteDevice.Encode(),
		"current_device":  c.CurrentDevice.Encode(),
		"status":          encoder.EncodeInt(int64(c.Status)),
		"suite":           encoder.EncodeInt(int64(c.SuiteVersion)),
		"created":         encoder.EncodeInt(c.CreatedAt),
		"send_seed":       c.SendSeed.Encode(),
		"send_index":      encoder.EncodeInt(c.SendIndex),
		"send_generation": encoder.EncodeInt(c.SendGeneration),
		"provisions":      encoder.EncodeList(provisions...),
		"encrypted":       encoder.EncodeInt(c.EncryptedMessages),
		"encrypted_at_fr": encoder.EncodeInt(c.EncryptedAtLastFullRatchet),
		"last_fr":         encoder.EncodeInt(c.LastFullRatchet),
		"fr_in_progress":  encoder.EncodeBool(c.FullRatchetInProgress),
		"last_fr_message": encoder.EncodeInt(c.LastFullRatchetMessage),
		"enc_since_frm":   encoder.EncodeInt(c.EncryptedSinceFullRatchetMessage),
		"dec_since_frm":   encoder.EncodeInt(c.DecryptedSinceFullRatchetMessage),
	})
}

func decodeChannel(e encoder.Encoded) (*Channel, error) {
	m, err := encoder.DecodeDictionary(e)
	if err != nil {
		return nil, err
	}
	field := func(name string) (encoder.Encoded, error) {
		v, ok := m[name]
		if !ok {
			return encoder.Encoded{}, fmt.Errorf("%w: channel record misses %q", encoder.ErrDecoding, name)
		}
		return v, nil
	}
	uid := func(name string, dst *crypto.UID) error {
		v, err := field(name)
		if err != nil {
			return err
		}
		*dst, err = crypto.DecodeUID(v)
		return err
	}
	integer := func(name string, dst *int64) error {
		v, err := field(name)
		if err != nil {
			return err
		}
		*dst, err = encoder.DecodeInt(v)
		return err
	}

	c := &Channel{}
	var status, suite int64
	for _, step := range []error{
		uid("owned", &c.Key.Owned),
		uid("remote_identity", &c.Key.RemoteIdentity),
		uid("remote_device", &c.Key.RemoteDevice),
		uid("current_device", &c.CurrentDevice),
		integer("status", &status),
		integer("suite", &suite),
		integer("created", &c.CreatedAt),
		integer("send_index", &c.SendIndex),
		integer("send_generation", &c.SendGeneration),
		integer("encrypted", &c.EncryptedMessages),
		integer("encrypted_at_fr", &c.EncryptedAtLastFullRatchet),
		integer("last_fr", &c.LastFullRatchet),
		integer("last_fr_message", &c.LastFullRatchetMessage),
		integer("enc_since_frm", &c.EncryptedSinceFullRatchetMessage),
		integer("dec_since_frm", &c.DecryptedSinceFullRatchetMessage),
	} {
		if step != nil {
			return nil, fmt.Errorf("channel record: %w", step)
		}
	}
	c.Status = Status(status)
	c.SuiteVersion = int(suite)

	v, err := field("send_seed")
	if err != nil {
		return nil, err
	}
	if c.SendSeed, err = crypto.DecodeSeed(v); err != nil {
		return nil, err
	}
	if v, err = field("fr_in_progress"); err != nil {
		return nil, err
	}
	if c.FullRatchetInProgress, err = encoder.DecodeBool(v); err != nil {
		return nil, err
	}
	if v, err = field("provisions"); err != nil {
		return nil, err
	}
	items, err := encoder.DecodeList(v)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		p, err := decodeProvision(it)
		if err != nil {
			return nil, fmt.Errorf("channel provision: %w", err)
		}
		c.Provisions = append(c.Provisions, p)
	}
	return c, nil
}
