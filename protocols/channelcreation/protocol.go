// Package channelcreation establishes an oblivious channel with one device of
// a contact.
//
// The initiator seals a signed ephemeral X25519 key to the contact's identity
// key. The responder answers with its own signed ephemeral key and an ack
// already encrypted on the new channel, which confirms the channel for the
// initiator. The initiator's Ack, sent on the channel, confirms it for the
// responder. Both seeds come from the ephemeral Diffie-Hellman output bound to
// both public keys.
//
// Only the device with the smaller uid initiates, so that two devices
// discovering each other at the same time do not race. The other device
// sends a signed Ping asking its peer to initiate.
package channelcreation

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
	"github.com/opd-ai/obvcore/identity"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/opd-ai/obvcore/store"
)

// ID is the protocol id of ChannelCreationWithContactDevice.
const ID protocol.ProtocolID = 1

const (
	labelEphemeral = "obvcore/channel-creation/ephemeral"
	labelResponse  = "obvcore/channel-creation/response"
	labelSeed      = "obvcore/channel-creation/seed"
	labelPing      = "obvcore/channel-creation/ping"
)

// tableSeenSignatures holds a digest of every Ping and EphemeralKey
// signature received, per owned identity. Entries are never removed.
const tableSeenSignatures = "cs"

// ErrReplayedMessage is returned when a Ping or EphemeralKey message carries a
// signature that was already received. The replay cannot reset the channel.
var ErrReplayedMessage = fmt.Errorf("%w: replayed handshake message", protocol.ErrInvariantViolation)

var (
	local      = []protocol.ReceptionKind{protocol.ReceptionLocal}
	asymmetric = []protocol.ReceptionKind{protocol.ReceptionAsymmetric}
	oblivious  = []protocol.ReceptionKind{protocol.ReceptionOblivious}
)

// Definition returns the protocol definition.
func Definition() *protocol.Definition {
	return &protocol.Definition{
		ID:            ID,
		Name:          "ChannelCreationWithContactDevice",
		Initial:       func() protocol.State { return InitialState{} },
		Terminal:      []protocol.StateID{StateFinal, StateCancelled, StatePingSent, StatePingAnswered},
		Cancelled:     func(reason string) protocol.State { return CancelledState{Reason: reason} },
		DecodeState:   decodeState,
		DecodeMessage: decodeMessage,
		Starters:      []protocol.MessageID{MessageInitiate, MessageEphemeralKey, MessagePing},
		Steps: map[protocol.StepKey]protocol.Step{
			{State: StateInitial, Message: MessageInitiate}:             {Run: sendEphemeralKey, Accepts: local},
			{State: StateInitial, Message: MessageEphemeralKey}:         {Run: respondWithEphemeralKey, Accepts: asymmetric},
			{State: StateInitial, Message: MessagePing}:                 {Run: answerPing, Accepts: asymmetric},
			{State: StateEphemeralKeySent, Message: MessageResponseKey}: {Run: createChannelAndAck, Accepts: asymmetric},
			{State: StateResponseSent, Message: MessageAck}:             {Run: recordAck, Accepts: oblivious},
		},
	}
}

func transcript(label string, instance, sender, senderDevice, recipient, recipientDevice crypto.UID, keys [][32]byte, suite int64) []byte {
	items := []encoder.Encoded{
		encoder.EncodeString(label),
		instance.Encode(),
		sender.Encode(),
		senderDevice.Encode(),
		recipient.Encode(),
		recipientDevice.Encode(),
	}
	for _, k := range keys {
		items = append(items, crypto.EncodePublicKey(k))
	}
	items = append(items, encoder.EncodeInt(suite))
	return encoder.EncodeList(items...).Raw()
}

// deriveSeed turns the ephemeral Diffie-Hellman output into the channel seed.
func deriveSeed(priv, peer, initiatorKey, responderKey [32]byte, suiteVersion int) (crypto.Seed, error) {
	suite, err := crypto.SuiteForVersion(suiteVersion)
	if err != nil {
		return crypto.Seed{}, err
	}
	dh, err := crypto.DeriveSharedSecret(peer, priv)
	if err != nil {
		return crypto.Seed{}, err
	}
	secret := make([]byte, 0, 96)
	secret = append(secret, dh[:]...)
	secret = append(secret, initiatorKey[:]...)
	secret = append(secret, responderKey[:]...)
	crypto.ZeroBytes(dh[:])
	defer crypto.ZeroBytes(secret)
	return crypto.SeedFromSecret(secret, suite, labelSeed)
}

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", protocol.ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// knownSender checks that an asymmetric message comes from a known contact
// and targets the current device, and returns the contact.
func knownSender(ctx *protocol.StepContext, claimed identity.Identity, target crypto.UID) (identity.Identity, error) {
	owned := ctx.Owned.ID()
	remote := claimed.ID()
	if target != ctx.Owned.CurrentDevice {
		return identity.Identity{}, violation("message addressed to device %s", target.Short())
	}
	if remote == owned {
		return identity.Identity{}, violation("message from an owned identity")
	}
	known, err := ctx.Identities.Contact(owned, remote)
	if err != nil {
		return identity.Identity{}, violation("message from %s: %v", remote.Short(), err)
	}
	if !known.Equal(claimed) {
		return identity.Identity{}, violation("identity keys of %s differ from the contact", remote.Short())
	}
	return known, nil
}

// firstSeen records a handshake signature and fails if it was already
// received.
func firstSeen(ctx *protocol.StepContext, signature []byte) error {
	owned := ctx.Owned.ID()
	digest := sha256.Sum256(signature)
	key := store.Key(tableSeenSignatures, owned[:], digest[:])
	seen, err := ctx.Tx.Has(key)
	if err != nil {
		return err
	}
	if seen {
		ctx.Log().WithFields(crypto.SecureFieldHash(signature, "signature")).
			WithField("security", true).
			Warn("Replayed channel creation message rejected")
		return ErrReplayedMessage
	}
	return ctx.Tx.Put(key, encoder.EncodeInt(ctx.Now().UnixNano()).Raw())
}

// supersede makes this instance the only running channel creation with a
// contact device.
func supersede(ctx *protocol.StepContext, contact, device crypto.UID) error {
	scope := make([]byte, 0, 2*len(contact))
	scope = append(scope, contact[:]...)
	scope = append(scope, device[:]...)
	return ctx.Supersede(scope)
}

func sendPing(ctx *protocol.StepContext, contact identity.Identity, device crypto.UID) (protocol.State, error) {
	sig, err := ctx.Owned.Sign(transcript(labelPing, ctx.Instance, ctx.Owned.ID(), ctx.Owned.CurrentDevice, contact.ID(), device, nil, 0))
	if err != nil {
		return nil, err
	}
	ctx.SendAsymmetric(contact, device, PingMessage{
		Identity:     ctx.Owned.Identity,
		Device:       ctx.Owned.CurrentDevice,
		TargetDevice: device,
		Signature:    sig,
	})
	ctx.Log().WithField("device", device.Short()).Debug("Asked contact device to initiate")
	return PingSentState{Contact: contact.ID(), Device: device}, nil
}

func answerPing(ctx *protocol.StepContext, _ protocol.State, m protocol.Message) (protocol.State, error) {
	msg := m.(PingMessage)
	owned := ctx.Owned.ID()
	remote := msg.Identity.ID()

	known, err := knownSender(ctx, msg.Identity, msg.TargetDevice)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(known.SigningKey, transcript(labelPing, ctx.Instance, remote, msg.Device, owned, ctx.Owned.CurrentDevice, nil, 0), msg.Signature) {
		return nil, fmt.Errorf("%w: ping signature", crypto.ErrAuthenticationFailure)
	}
	if err := firstSeen(ctx, msg.Signature); err != nil {
		return nil, err
	}
	if !ctx.Owned.CurrentDevice.Less(msg.Device) {
		return nil, violation("ping from device %s, which initiates itself", msg.Device.Short())
	}
	if err := ctx.Identities.AddContact(owned, known, msg.Device); err != nil {
		return nil, err
	}
	uid, err := ctx.StartProtocol(ID, InitiateMessage{Contact: remote, Device: msg.Device})
	if err != nil {
		return nil, err
	}
	return PingAnsweredState{Contact: remote, Device: msg.Device, Initiation: uid}, nil
}

func sendEphemeralKey(ctx *protocol.StepContext, _ protocol.State, m protocol.Message) (protocol.State, error) {
	in := m.(InitiateMessage)
	owned := ctx.Owned.ID()
	if in.Contact == owned {
		return nil, violation("cannot create a channel with an owned identity")
	}
	contact, err := ctx.Identities.Contact(owned, in.Contact)
	if err != nil {
		return nil, violation("initiating with %s: %v", in.Contact.Short(), err)
	}
	if !ctx.Owned.CurrentDevice.Less(in.Device) {
		return sendPing(ctx, contact, in.Device)
	}

	if err := supersede(ctx, in.Contact, in.Device); err != nil {
		return nil, err
	}
	kp, err := crypto.GenerateKeyPair(ctx.PRNG)
	if err != nil {
		return nil, err
	}
	suiteMax := int64(ctx.SuiteVersion)
	sig, err := ctx.Owned.Sign(transcript(labelEphemeral, ctx.Instance, owned, ctx.Owned.CurrentDevice, in.Contact, in.Device, [][32]byte{kp.Public}, suiteMax))
	if err != nil {
		return nil, err
	}

	ctx.SendAsymmetric(contact, in.Device, EphemeralKeyMessage{
		Identity:     ctx.Owned.Identity,
		Device:       ctx.Owned.CurrentDevice,
		TargetDevice: in.Device,
		Ephemeral:    kp.Public,
		SuiteMax:     suiteMax,
		Signature:    sig,
	})
	ctx.Log().WithField("device", in.Device.Short()).Debug("Ephemeral key sent")
	return EphemeralKeySentState{Contact: in.Contact, Device: in.Device, Ephemeral: *kp, SuiteMax: suiteMax}, nil
}

func respondWithEphemeralKey(ctx *protocol.StepContext, _ protocol.State, m protocol.Message) (protocol.State, error) {
	msg := m.(EphemeralKeyMessage)
	owned := ctx.Owned.ID()
	remote := msg.Identity.ID()

	known, err := knownSender(ctx, msg.Identity, msg.TargetDevice)
	if err != nil {
		return nil, err
	}
	if !msg.Device.Less(ctx.Owned.CurrentDevice) {
		return nil, violation("device %s should have asked for initiation", msg.Device.Short())
	}
	if !crypto.Verify(known.SigningKey, transcript(labelEphemeral, ctx.Instance, remote, msg.Device, owned, ctx.Owned.CurrentDevice, [][32]byte{msg.Ephemeral}, msg.SuiteMax), msg.Signature) {
		return nil, fmt.Errorf("%w: ephemeral key signature", crypto.ErrAuthenticationFailure)
	}
	if err := firstSeen(ctx, msg.Signature); err != nil {
		return nil, err
	}
	if err := supersede(ctx, remote, msg.Device); err != nil {
		return nil, err
	}

	suite, err := crypto.NegotiateSuiteVersion(ctx.SuiteVersion, int(msg.SuiteMax))
	if err != nil {
		return nil, err
	}
	kp, err := crypto.GenerateKeyPair(ctx.PRNG)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	seed, err := deriveSeed(kp.Private, msg.Ephemeral, msg.Ephemeral, kp.Public, suite)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	k := ctx.ChannelKey(remote, msg.Device)
	if err := ctx.Channels.Delete(ctx.Tx, k); err != nil {
		return nil, err
	}
	if err := ctx.Channels.Create(ctx.Tx, k, seed, suite); err != nil {
		return nil, err
	}
	sealedAck, err := ctx.Channels.EncryptForChannel(ctx.Tx, k, ctx.Instance[:])
	if err != nil {
		return nil, err
	}
	sig, err := ctx.Owned.Sign(transcript(labelResponse, ctx.Instance, owned, ctx.Owned.CurrentDevice, remote, msg.Device, [][32]byte{msg.Ephemeral, kp.Public}, int64(suite)))
	if err != nil {
		return nil, err
	}
	if err := ctx.Identities.AddContact(owned, known, msg.Device); err != nil {
		return nil, err
	}

	ctx.SendAsymmetric(known, msg.Device, ResponseKeyMessage{
		Identity:  ctx.Owned.Identity,
		Device:    ctx.Owned.CurrentDevice,
		Ephemeral: kp.Public,
		Suite:     int64(suite),
		Signature: sig,
		SealedAck: sealedAck,
	})
	ctx.Log().WithField("device", msg.Device.Short()).WithField("suite", suite).Info("Provisional channel created, response sent")
	return ResponseSentState{Contact: remote, Device: msg.Device}, nil
}

func createChannelAndAck(ctx *protocol.StepContext, s protocol.State, m protocol.Message) (protocol.State, error) {
	st := s.(EphemeralKeySentState)
	msg := m.(ResponseKeyMessage)
	owned := ctx.Owned.ID()

	if msg.Identity.ID() != st.Contact || msg.Device != st.Device {
		return nil, violation("response from an unexpected device")
	}
	contact, err := ctx.Identities.Contact(owned, st.Contact)
	if err != nil {
		return nil, violation("response from %s: %v", st.Contact.Short(), err)
	}
	if !contact.Equal(msg.Identity) {
		return nil, violation("identity keys of %s differ from the contact", st.Contact.Short())
	}
	if msg.Suite > st.SuiteMax {
		return nil, violation("responder chose suite %d above the offered %d", msg.Suite, st.SuiteMax)
	}
	if !crypto.Verify(contact.SigningKey, transcript(labelResponse, ctx.Instance, st.Contact, st.Device, owned, ctx.Owned.CurrentDevice, [][32]byte{st.Ephemeral.Public, msg.Ephemeral}, msg.Suite), msg.Signature) {
		return nil, fmt.Errorf("%w: response key signature", crypto.ErrAuthenticationFailure)
	}

	seed, err := deriveSeed(st.Ephemeral.Private, msg.Ephemeral, st.Ephemeral.Public, msg.Ephemeral, int(msg.Suite))
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	k := ctx.ChannelKey(st.Contact, st.Device)
	if err := ctx.Channels.Delete(ctx.Tx, k); err != nil {
		return nil, err
	}
	if err := ctx.Channels.Create(ctx.Tx, k, seed, int(msg.Suite)); err != nil {
		return nil, err
	}
	ack, err := ctx.Channels.DecryptFromChannel(ctx.Tx, k, msg.SealedAck)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(ack, ctx.Instance[:]) {
		return nil, violation("sealed ack does not name this instance")
	}

	ctx.SendOblivious(st.Contact, []crypto.UID{st.Device}, AckMessage{})
	ctx.Log().WithField("device", st.Device.Short()).Info("Channel confirmed, ack sent")
	return FinalState{Contact: st.Contact, Device: st.Device}, nil
}

func recordAck(ctx *protocol.StepContext, s protocol.State, _ protocol.Message) (protocol.State, error) {
	st := s.(ResponseSentState)
	if ctx.Reception.RemoteIdentity != st.Contact || ctx.Reception.RemoteDevice != st.Device {
		return nil, violation("ack received from another device")
	}
	return FinalState{Contact: st.Contact, Device: st.Device}, nil
}
