package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opd-ai/obvcore/encoder"
)

// StepFunc computes the next state from the current state and a message.
// Returning an error cancels the instance with the error text as reason;
// nothing the step buffered on its context is applied in that case.
type StepFunc func(ctx *StepContext, state State, msg Message) (State, error)

// Step is one entry of a step table.
type Step struct {
	Run StepFunc
	// Accepts restricts the receptions the message may arrive on. Empty
	// means any reception.
	Accepts []ReceptionKind
}

func (s Step) accepts(k ReceptionKind) bool {
	if len(s.Accepts) == 0 {
		return true
	}
	for _, a := range s.Accepts {
		if a == k {
			return true
		}
	}
	return false
}

// StepKey indexes a step table.
type StepKey struct {
	State   StateID
	Message MessageID
}

// Definition declares a protocol type.
type Definition struct {
	ID   ProtocolID
	Name string

	// Initial returns the state of a freshly created instance.
	Initial func() State
	// Terminal lists the terminal state ids. It must contain the id of the
	// states returned by Cancelled.
	Terminal []StateID
	// Cancelled builds the cancelled state for a reason.
	Cancelled func(reason string) State

	DecodeState   func(id StateID, e encoder.Encoded) (State, error)
	DecodeMessage func(id MessageID, e encoder.Encoded) (Message, error)

	// Starters are the message ids allowed to create an instance.
	Starters []MessageID
	Steps    map[StepKey]Step
}

// IsTerminal reports whether id is a terminal state of the protocol.
func (d *Definition) IsTerminal(id StateID) bool {
	for _, t := range d.Terminal {
		if t == id {
			return true
		}
	}
	return false
}

func (d *Definition) isStarter(id MessageID) bool {
	for _, s := range d.Starters {
		if s == id {
			return true
		}
	}
	return false
}

// Validate checks the structural rules every protocol must follow.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: protocol %d has no name", ErrInvalidDefinition, d.ID)
	}
	if d.Initial == nil || d.Cancelled == nil || d.DecodeState == nil || d.DecodeMessage == nil {
		return fmt.Errorf("%w: %s misses a constructor or decoder", ErrInvalidDefinition, d.Name)
	}
	if len(d.Terminal) == 0 {
		return fmt.Errorf("%w: %s has no terminal state", ErrInvalidDefinition, d.Name)
	}
	initial := d.Initial().StateID()
	if d.IsTerminal(initial) {
		return fmt.Errorf("%w: %s starts in a terminal state", ErrInvalidDefinition, d.Name)
	}
	if c := d.Cancelled("validate").StateID(); !d.IsTerminal(c) {
		return fmt.Errorf("%w: %s cancelled state %d is not terminal", ErrInvalidDefinition, d.Name, c)
	}
	if len(d.Starters) == 0 {
		return fmt.Errorf("%w: %s has no starter message", ErrInvalidDefinition, d.Name)
	}
	for _, s := range d.Starters {
		if _, ok := d.Steps[StepKey{State: initial, Message: s}]; !ok {
			return fmt.Errorf("%w: %s starter %d has no step from the initial state", ErrInvalidDefinition, d.Name, s)
		}
	}
	for k, s := range d.Steps {
		if s.Run == nil {
			return fmt.Errorf("%w: %s step (%d, %d) has no function", ErrInvalidDefinition, d.Name, k.State, k.Message)
		}
		if d.IsTerminal(k.State) {
			return fmt.Errorf("%w: %s has a step out of terminal state %d", ErrInvalidDefinition, d.Name, k.State)
		}
	}
	return nil
}

// Registry holds the protocol definitions known to an engine.
type Registry struct {
	mu   sync.RWMutex
	defs map[ProtocolID]*Definition
}

// NewRegistry returns a registry holding defs. It fails on the first invalid
// or duplicate definition.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[ProtocolID]*Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates and adds a definition.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[d.ID]; ok {
		return fmt.Errorf("%w: protocol id %d registered twice", ErrInvalidDefinition, d.ID)
	}
	r.defs[d.ID] = d
	return nil
}

// Lookup returns the definition of a protocol id.
func (r *Registry) Lookup(id ProtocolID) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtocol, id)
	}
	return d, nil
}

// IDs lists the registered protocol ids in ascending order.
func (r *Registry) IDs() []ProtocolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ProtocolID, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
