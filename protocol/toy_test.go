package protocol

import (
	"errors"
	"fmt"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/encoder"
)

// Two small protocols used to exercise the engine: a counter that finishes
// after n ticks, and a parent that waits for a counter child.

const (
	counterProtocol ProtocolID = 100
	parentProtocol  ProtocolID = 101
)

const (
	stInitial StateID = iota
	stCounting
	stFinal
	stCancelled
	stPaused
)

const (
	msgStart MessageID = iota
	msgTick
	msgFail
	msgPanic
	msgPause
	msgResume
	msgRemoteOnly
	msgEcho
	msgEchoAsymmetric
	msgClaim
)

var errToyFailure = errors.New("toy failure")

type counterState struct {
	id     StateID
	n      int64
	reason string
}

func (s counterState) StateID() StateID { return s.id }

func (s counterState) Encode() encoder.Encoded {
	return encoder.EncodeList(encoder.EncodeInt(s.n), encoder.EncodeString(s.reason))
}

type counterMsg struct {
	id     MessageID
	n      int64
	peer   crypto.UID
	device crypto.UID
}

func (m counterMsg) MessageID() MessageID { return m.id }

func (m counterMsg) Encode() encoder.Encoded {
	return encoder.EncodeList(encoder.EncodeInt(m.n), m.peer.Encode(), m.device.Encode())
}

func decodeCounterMsg(id MessageID, e encoder.Encoded) (Message, error) {
	if id > msgClaim || id < 0 {
		return nil, fmt.Errorf("%w: unknown counter message %d", encoder.ErrDecoding, id)
	}
	items, err := encoder.DecodeListN(e, 3)
	if err != nil {
		return nil, err
	}
	m := counterMsg{id: id}
	if m.n, err = encoder.DecodeInt(items[0]); err != nil {
		return nil, err
	}
	if m.peer, err = crypto.DecodeUID(items[1]); err != nil {
		return nil, err
	}
	if m.device, err = crypto.DecodeUID(items[2]); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeCounterState(id StateID, e encoder.Encoded) (State, error) {
	items, err := encoder.DecodeListN(e, 2)
	if err != nil {
		return nil, err
	}
	s := counterState{id: id}
	if s.n, err = encoder.DecodeInt(items[0]); err != nil {
		return nil, err
	}
	if s.reason, err = encoder.DecodeString(items[1]); err != nil {
		return nil, err
	}
	return s, nil
}

func counterDefinition() *Definition {
	counting := func(ctx *StepContext, s State, m Message) (State, error) {
		return counterState{id: stCounting, n: s.(counterState).n}, nil
	}
	return &Definition{
		ID:            counterProtocol,
		Name:          "counter",
		Initial:       func() State { return counterState{id: stInitial} },
		Terminal:      []StateID{stFinal, stCancelled},
		Cancelled:     func(reason string) State { return counterState{id: stCancelled, reason: reason} },
		DecodeState:   decodeCounterState,
		DecodeMessage: decodeCounterMsg,
		Starters:      []MessageID{msgStart},
		Steps: map[StepKey]Step{
			{stInitial, msgStart}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				n := m.(counterMsg).n
				if n <= 0 {
					return counterState{id: stFinal}, nil
				}
				return counterState{id: stCounting, n: n}, nil
			}},
			{stCounting, msgTick}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				n := s.(counterState).n - 1
				if n == 0 {
					return counterState{id: stFinal}, nil
				}
				return counterState{id: stCounting, n: n}, nil
			}},
			{stCounting, msgFail}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				if err := ctx.Tx.Put([]byte("toy/side-effect"), []byte{1}); err != nil {
					return nil, err
				}
				ctx.QueryServer(ctx.Instance, encoder.EncodeBytes([]byte("q")), msgTick)
				return nil, fmt.Errorf("%w: asked to fail", errToyFailure)
			}},
			{stCounting, msgPanic}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				panic("boom")
			}},
			{stCounting, msgPause}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				return counterState{id: stPaused, n: s.(counterState).n}, nil
			}},
			{stPaused, msgResume}: {Run: counting},
			{stCounting, msgRemoteOnly}: {Run: counting, Accepts: []ReceptionKind{ReceptionOblivious}},
			{stCounting, msgEcho}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				cm := m.(counterMsg)
				ctx.SendOblivious(cm.peer, []crypto.UID{cm.device}, counterMsg{id: msgStart, n: cm.n})
				return s, nil
			}},
			{stCounting, msgClaim}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				if err := ctx.Supersede([]byte{byte(m.(counterMsg).n)}); err != nil {
					return nil, err
				}
				return s, nil
			}},
			{stCounting, msgEchoAsymmetric}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				cm := m.(counterMsg)
				contact, err := ctx.Identities.Contact(ctx.Owned.ID(), cm.peer)
				if err != nil {
					return nil, err
				}
				ctx.SendAsymmetric(contact, cm.device, counterMsg{id: msgStart, n: cm.n})
				return s, nil
			}},
		},
	}
}

const (
	stParentInitial StateID = iota
	stWaitingForChild
	stParentDone
	stParentCancelled
)

const (
	msgParentStart MessageID = iota
	msgChildResult
)

type parentState struct {
	id      StateID
	child   crypto.UID
	reached StateID
	reason  string
}

func (s parentState) StateID() StateID { return s.id }

func (s parentState) Encode() encoder.Encoded {
	return encoder.EncodeList(s.child.Encode(), encoder.EncodeInt(int64(s.reached)), encoder.EncodeString(s.reason))
}

func decodeParentState(id StateID, e encoder.Encoded) (State, error) {
	items, err := encoder.DecodeListN(e, 3)
	if err != nil {
		return nil, err
	}
	s := parentState{id: id}
	if s.child, err = crypto.DecodeUID(items[0]); err != nil {
		return nil, err
	}
	reached, err := encoder.DecodeInt(items[1])
	if err != nil {
		return nil, err
	}
	s.reached = StateID(reached)
	if s.reason, err = encoder.DecodeString(items[2]); err != nil {
		return nil, err
	}
	return s, nil
}

func parentDefinition() *Definition {
	return &Definition{
		ID:          parentProtocol,
		Name:        "parent",
		Initial:     func() State { return parentState{id: stParentInitial} },
		Terminal:    []StateID{stParentDone, stParentCancelled},
		Cancelled:   func(reason string) State { return parentState{id: stParentCancelled, reason: reason} },
		DecodeState: decodeParentState,
		DecodeMessage: func(id MessageID, e encoder.Encoded) (Message, error) {
			switch id {
			case msgParentStart:
				return decodeCounterMsg(msgStart, e)
			case msgChildResult:
				in, err := DecodeChildToParentInputs(e)
				if err != nil {
					return nil, err
				}
				return ChildToParentMessage{ID: msgChildResult, Inputs: in}, nil
			default:
				return nil, fmt.Errorf("%w: unknown parent message %d", encoder.ErrDecoding, id)
			}
		},
		Starters: []MessageID{msgParentStart},
		Steps: map[StepKey]Step{
			{stParentInitial, msgParentStart}: {Run: func(ctx *StepContext, s State, m Message) (State, error) {
				child, err := ctx.SpawnChild(counterProtocol, counterMsg{id: msgStart, n: m.(counterMsg).n}, msgChildResult, stFinal)
				if err != nil {
					return nil, err
				}
				return parentState{id: stWaitingForChild, child: child}, nil
			}},
			{stWaitingForChild, msgChildResult}: {
				Accepts: []ReceptionKind{ReceptionLocal},
				Run: func(ctx *StepContext, s State, m Message) (State, error) {
					in := m.(ChildToParentMessage).Inputs
					if in.Child != s.(parentState).child {
						return nil, fmt.Errorf("%w: result from unexpected child %s", ErrInvariantViolation, in.Child.Short())
					}
					if in.ChildState != stFinal {
						return nil, fmt.Errorf("child ended in state %d", in.ChildState)
					}
					if _, err := decodeCounterState(in.ChildState, in.EncodedState); err != nil {
						return nil, err
					}
					return parentState{id: stParentDone, child: in.Child, reached: in.ChildState}, nil
				},
			},
		},
	}
}
