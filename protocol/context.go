package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/store"
	"github.com/sirupsen/logrus"
)

// Channels is the oblivious channel capability handed to steps.
// *channel.Manager implements it.
type Channels interface {
	Create(tx *store.Tx, k channel.Key, seed crypto.Seed, suiteVersion int) error
	Confirm(tx *store.Tx, k channel.Key) error
	UpdateSendSeed(tx *store.Tx, k channel.Key, seed crypto.Seed, generation int64) error
	UpdateReceiveSeed(tx *store.Tx, k channel.Key, seed crypto.Seed, generation int64) error
	EncryptForChannel(tx *store.Tx, k channel.Key, payload []byte) ([]byte, error)
	DecryptFromChannel(tx *store.Tx, k channel.Key, wrapped []byte) ([]byte, error)
	Unwrap(tx *store.Tx, owned crypto.UID, wrapped []byte) (channel.Key, []byte, error)
	Get(tx *store.Tx, k channel.Key) (*channel.Channel, error)
	Delete(tx *store.Tx, k channel.Key) error
	Exists(tx *store.Tx, k channel.Key) (bool, error)
	ExistsConfirmed(tx *store.Tx, k channel.Key) (bool, error)
	ConfirmedDevices(tx *store.Tx, owned, remoteIdentity crypto.UID) ([]crypto.UID, error)
	FullRatchetMessageSent(tx *store.Tx, k channel.Key) error
}

// Identities is the identity capability handed to steps.
// *identity.Directory implements it.
type Identities interface {
	Owned(id crypto.UID) (*identity.OwnedIdentity, error)
	Contact(owned, contact crypto.UID) (identity.Identity, error)
	AddContact(owned crypto.UID, contact identity.Identity, devices ...crypto.UID) error
	ContactDevices(owned, contact crypto.UID) ([]crypto.UID, error)
	SetContactDevices(owned, contact crypto.UID, devices []crypto.UID) ([]crypto.UID, error)
}

type sendRequest struct {
	transport      Transport
	remoteIdentity crypto.UID
	remoteDevice   crypto.UID
	recipientKey   [32]byte
	inputs         encoder.Encoded
	message        MessageID
	response       MessageID
}

// StepContext is what a step sees of the engine. Messages, local deliveries
// and links are buffered and only applied when the step succeeds.
type StepContext struct {
	// Tx is the step's own savepoint; writes are discarded if the step fails.
	Tx         *store.Tx
	Owned      *identity.OwnedIdentity
	Protocol   ProtocolID
	Instance   crypto.UID
	Reception  Reception
	Channels   Channels
	Identities Identities
	PRNG       crypto.PRNG
	// SuiteVersion is the highest crypto suite this engine offers.
	SuiteVersion int

	now   time.Time
	sends  []sendRequest
	local  []GenericMessage
	links  []Link
	aborts []crypto.UID
}

// Now returns the engine clock reading taken when the step started.
func (c *StepContext) Now() time.Time { return c.now }

// Log returns an entry carrying the instance fields.
func (c *StepContext) Log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":  "protocol",
		"protocol": int64(c.Protocol),
		"instance": c.Instance.Short(),
		"owned":    c.Owned.ID().Short(),
	})
}

// ChannelKey returns the key of the channel between the owned identity and a
// remote device.
func (c *StepContext) ChannelKey(remoteIdentity, remoteDevice crypto.UID) channel.Key {
	return channel.Key{Owned: c.Owned.ID(), RemoteIdentity: remoteIdentity, RemoteDevice: remoteDevice}
}

// SendOblivious sends msg to the same instance on each remote device, over
// the oblivious channels with them.
func (c *StepContext) SendOblivious(remoteIdentity crypto.UID, devices []crypto.UID, msg Message) {
	for _, d := range devices {
		c.sends = append(c.sends, sendRequest{
			transport:      TransportOblivious,
			remoteIdentity: remoteIdentity,
			remoteDevice:   d,
			inputs:         msg.Encode(),
			message:        msg.MessageID(),
		})
	}
}

// SendAsymmetric seals msg to the recipient identity's encryption key and
// addresses it to one of its devices.
func (c *StepContext) SendAsymmetric(recipient identity.Identity, device crypto.UID, msg Message) {
	c.sends = append(c.sends, sendRequest{
		transport:      TransportAsymmetric,
		remoteIdentity: recipient.ID(),
		remoteDevice:   device,
		recipientKey:   recipient.EncryptionKey,
		inputs:         msg.Encode(),
		message:        msg.MessageID(),
	})
}

// QueryServer asks the host to run query against the identity server of
// remoteIdentity. The host answers by delivering response to this instance.
func (c *StepContext) QueryServer(remoteIdentity crypto.UID, query encoder.Encoded, response MessageID) {
	c.sends = append(c.sends, sendRequest{
		transport:      TransportServerQuery,
		remoteIdentity: remoteIdentity,
		inputs:         query,
		response:       response,
	})
}

// PostLocal delivers msg to a local instance after this step commits.
func (c *StepContext) PostLocal(protocol ProtocolID, instance crypto.UID, msg Message) {
	c.local = append(c.local, GenericMessage{
		Protocol:  protocol,
		Instance:  instance,
		Message:   msg.MessageID(),
		Inputs:    msg.Encode(),
		Reception: Local,
	})
}

// StartProtocol creates a new local instance of protocol started by msg.
func (c *StepContext) StartProtocol(protocol ProtocolID, msg Message) (crypto.UID, error) {
	uid, err := crypto.GenerateUID(c.PRNG)
	if err != nil {
		return crypto.UID{}, err
	}
	c.PostLocal(protocol, uid, msg)
	return uid, nil
}

// SpawnChild starts a child instance and links it to this one. When the
// child reaches one of the expected states, or any terminal state, the
// engine posts a ChildToParentInputs message with id response to this
// instance.
func (c *StepContext) SpawnChild(protocol ProtocolID, msg Message, response MessageID, expected ...StateID) (crypto.UID, error) {
	if protocol == c.Protocol && msg.MessageID() == response {
		return crypto.UID{}, fmt.Errorf("%w: child start message collides with the response id", ErrInvariantViolation)
	}
	uid, err := c.StartProtocol(protocol, msg)
	if err != nil {
		return crypto.UID{}, err
	}
	c.links = append(c.links, Link{
		Parent:         c.Instance,
		ParentProtocol: c.Protocol,
		Child:          uid,
		ChildProtocol:  protocol,
		Expected:       expected,
		ParentMessage:  response,
	})
	return uid, nil
}

// AbortInstance aborts another local instance, and the instances linked to
// it, after this step commits.
func (c *StepContext) AbortInstance(uid crypto.UID) {
	if uid != c.Instance {
		c.aborts = append(c.aborts, uid)
	}
}

// Supersede makes this instance the running one of its protocol for scope,
// for instance one remote device, and aborts the instance it replaces.
func (c *StepContext) Supersede(scope []byte) error {
	key := runningKey(c.Owned.ID(), c.Protocol, scope)
	v, err := c.Tx.GetEncoded(key)
	switch {
	case err == nil:
		prev, err := crypto.DecodeUID(v)
		if err != nil {
			return err
		}
		c.AbortInstance(prev)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	return c.Tx.PutEncoded(key, c.Instance)
}
