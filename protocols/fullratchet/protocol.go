// Package fullratchet renews the send seed of a confirmed oblivious channel
// from a fresh ephemeral Diffie-Hellman exchange.
//
// The renewing side (Alice) sends an ephemeral key on the channel. The peer
// (Bob) answers with its own ephemeral key, installs the derived seed as a
// new receive provision and picks its generation. Alice installs the same
// seed as her send seed and acknowledges with a message encrypted under it.
// Older receive provisions stay usable until their keys expire, so messages
// in flight during the exchange still decrypt.
package fullratchet

import (
	"fmt"

	"github.com/opd-ai/obvcore/channel"
	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/protocol"
)

// ID is the protocol id of FullRatchet.
const ID protocol.ProtocolID = 2

const labelSeed = "obvcore/full-ratchet/seed"

var (
	local     = []protocol.ReceptionKind{protocol.ReceptionLocal}
	oblivious = []protocol.ReceptionKind{protocol.ReceptionOblivious}
)

// Definition returns the protocol definition.
func Definition() *protocol.Definition {
	return &protocol.Definition{
		ID:            ID,
		Name:          "FullRatchet",
		Initial:       func() protocol.State { return InitialState{} },
		Terminal:      []protocol.StateID{StateFinal, StateCancelled},
		Cancelled:     func(reason string) protocol.State { return CancelledState{Reason: reason} },
		DecodeState:   decodeState,
		DecodeMessage: decodeMessage,
		Starters:      []protocol.MessageID{MessageInitiate, MessageAliceKey},
		Steps: map[protocol.StepKey]protocol.Step{
			{State: StateInitial, Message: MessageInitiate}:    {Run: sendAliceKey, Accepts: local},
			{State: StateInitial, Message: MessageAliceKey}:    {Run: installReceiveSeed, Accepts: oblivious},
			{State: StateAliceKeySent, Message: MessageBobKey}: {Run: installSendSeed, Accepts: oblivious},
			{State: StateBobKeySent, Message: MessageAck}:      {Run: recordAck, Accepts: oblivious},
		},
	}
}

func deriveSeed(priv, peer, aliceKey, bobKey [32]byte, suiteVersion int) (crypto.Seed, error) {
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
	secret = append(secret, aliceKey[:]...)
	secret = append(secret, bobKey[:]...)
	crypto.ZeroBytes(dh[:])
	defer crypto.ZeroBytes(secret)
	return crypto.SeedFromSecret(secret, suite, labelSeed)
}

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", protocol.ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// confirmedChannel loads the channel with a remote device and checks that it
// already authenticated traffic.
func confirmedChannel(ctx *protocol.StepContext, contact, device crypto.UID) (*channel.Channel, error) {
	c, err := ctx.Channels.Get(ctx.Tx, ctx.ChannelKey(contact, device))
	if err != nil {
		return nil, err
	}
	if c.Status != channel.StatusConfirmed {
		return nil, violation("channel with %s is not confirmed", device.Short())
	}
	return c, nil
}

// supersede keeps one full ratchet per role and remote device: starting a
// new one aborts the instance it replaces.
func supersede(ctx *protocol.StepContext, role string, contact, device crypto.UID) error {
	scope := make([]byte, 0, len(role)+2*crypto.UIDSize)
	scope = append(scope, role...)
	scope = append(scope, contact[:]...)
	scope = append(scope, device[:]...)
	return ctx.Supersede(scope)
}

func (s AliceKeySentState) expects(r protocol.Reception) bool {
	return r.RemoteIdentity == s.Contact && r.RemoteDevice == s.Device
}

func (s BobKeySentState) expects(r protocol.Reception) bool {
	return r.RemoteIdentity == s.Contact && r.RemoteDevice == s.Device
}

func sendAliceKey(ctx *protocol.StepContext, _ protocol.State, m protocol.Message) (protocol.State, error) {
	in := m.(InitiateMessage)
	if _, err := confirmedChannel(ctx, in.Contact, in.Device); err != nil {
		return nil, err
	}
	if err := supersede(ctx, "alice", in.Contact, in.Device); err != nil {
		return nil, err
	}
	kp, err := crypto.GenerateKeyPair(ctx.PRNG)
	if err != nil {
		return nil, err
	}
	if err := ctx.Channels.FullRatchetMessageSent(ctx.Tx, ctx.ChannelKey(in.Contact, in.Device)); err != nil {
		return nil, err
	}
	ctx.SendOblivious(in.Contact, []crypto.UID{in.Device}, AliceKeyMessage{Ephemeral: kp.Public})
	ctx.Log().WithField("device", in.Device.Short()).Info("Full ratchet started")
	return AliceKeySentState{Contact: in.Contact, Device: in.Device, Ephemeral: *kp}, nil
}

func installReceiveSeed(ctx *protocol.StepContext, _ protocol.State, m protocol.Message) (protocol.State, error) {
	msg := m.(AliceKeyMessage)
	contact, device := ctx.Reception.RemoteIdentity, ctx.Reception.RemoteDevice
	c, err := confirmedChannel(ctx, contact, device)
	if err != nil {
		return nil, err
	}
	if err := supersede(ctx, "bob", contact, device); err != nil {
		return nil, err
	}
	kp, err := crypto.GenerateKeyPair(ctx.PRNG)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()
	seed, err := deriveSeed(kp.Private, msg.Ephemeral, msg.Ephemeral, kp.Public, c.SuiteVersion)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	gen := c.LatestProvision().Generation + 1
	if err := ctx.Channels.UpdateReceiveSeed(ctx.Tx, ctx.ChannelKey(contact, device), seed, gen); err != nil {
		return nil, err
	}
	ctx.SendOblivious(contact, []crypto.UID{device}, BobKeyMessage{Ephemeral: kp.Public, Generation: gen})
	return BobKeySentState{Contact: contact, Device: device, Generation: gen}, nil
}

func installSendSeed(ctx *protocol.StepContext, s protocol.State, m protocol.Message) (protocol.State, error) {
	st := s.(AliceKeySentState)
	msg := m.(BobKeyMessage)
	if !st.expects(ctx.Reception) {
		return nil, violation("key received from another device")
	}
	c, err := confirmedChannel(ctx, st.Contact, st.Device)
	if err != nil {
		return nil, err
	}
	seed, err := deriveSeed(st.Ephemeral.Private, msg.Ephemeral, st.Ephemeral.Public, msg.Ephemeral, c.SuiteVersion)
	if err != nil {
		return nil, err
	}
	defer seed.Wipe()

	if err := ctx.Channels.UpdateSendSeed(ctx.Tx, ctx.ChannelKey(st.Contact, st.Device), seed, msg.Generation); err != nil {
		return nil, err
	}
	ctx.SendOblivious(st.Contact, []crypto.UID{st.Device}, AckMessage{})
	ctx.Log().WithField("device", st.Device.Short()).WithField("generation", msg.Generation).Info("Send seed renewed")
	return FinalState{Contact: st.Contact, Device: st.Device, Generation: msg.Generation}, nil
}

func recordAck(ctx *protocol.StepContext, s protocol.State, _ protocol.Message) (protocol.State, error) {
	st := s.(BobKeySentState)
	if !st.expects(ctx.Reception) {
		return nil, violation("ack received from another device")
	}
	return FinalState{Contact: st.Contact, Device: st.Device, Generation: st.Generation}, nil
}
