// Package protocol implements the protocol state machine engine.
//
// A protocol is declared by a Definition: typed states and messages, their
// decoders, the starter messages that may create an instance and a step table
// indexed by (state id, message id). The Engine persists one Instance record
// per running protocol execution and runs at most one step per instance at a
// time, inside a savepoint of the caller's transaction:
//
//	tx := db.Begin()
//	res, err := engine.Deliver(tx, owned, msg)
//	if err != nil {
//		tx.Discard() // fatal: missing capability or storage failure
//		return err
//	}
//	err = tx.Commit()
//
// A failing step cancels its instance and none of its buffered effects are
// applied. Messages that have no step in the current state wait in a pending
// store and are retried after the next state change.
//
// Composition is plain message passing. A step calls SpawnChild, which starts
// the child and records a Link; when the child reaches an awaited state the
// engine posts a ChildToParentInputs message to the parent.
package protocol
