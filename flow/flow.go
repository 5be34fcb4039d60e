// Package flow runs engine work inside database transactions.
//
// Every operation that touches protocol, channel or outbox records runs as a
// flow: one store transaction, committed when the operation succeeds and
// discarded otherwise. Each flow carries a uuid that ties its log lines
// together.
package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opd-ai/obvcore/store"
	"github.com/sirupsen/logrus"
)

// ErrPanicked wraps a panic raised inside a flow.
var ErrPanicked = errors.New("flow panicked")

type idKey struct{}

// ID returns the id of the flow running in ctx, or uuid.Nil outside a flow.
func ID(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(idKey{}).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// Start returns ctx carrying a new flow id, or ctx itself when it already
// carries one. Flows run on the returned context share its id.
func Start(ctx context.Context) context.Context {
	if ID(ctx) != uuid.Nil {
		return ctx
	}
	return context.WithValue(ctx, idKey{}, uuid.New())
}

// Runner starts flows against one database.
type Runner struct {
	db *store.DB
}

// NewRunner returns a runner for db.
func NewRunner(db *store.DB) *Runner {
	return &Runner{db: db}
}

// Atomic runs fn in a new transaction. The transaction is committed when fn
// returns nil and the context is still live, and discarded otherwise. A
// nested call reuses the flow id of ctx but opens its own transaction.
func (r *Runner) Atomic(ctx context.Context, name string, fn func(ctx context.Context, tx *store.Tx) error) (err error) {
	ctx = Start(ctx)
	id := ID(ctx)
	log := logrus.WithFields(logrus.Fields{
		"function": "Atomic",
		"package":  "flow",
		"flow":     name,
		"flow_id":  id.String(),
	})

	tx := r.db.Begin()
	defer func() {
		if p := recover(); p != nil {
			tx.Discard()
			log.WithField("panic", p).Error("Flow panicked, transaction discarded")
			err = fmt.Errorf("%w: %s: %v", ErrPanicked, name, p)
		}
	}()

	if err := ctx.Err(); err != nil {
		tx.Discard()
		return err
	}
	if err := fn(ctx, tx); err != nil {
		tx.Discard()
		log.WithError(err).Debug("Flow failed, transaction discarded")
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.Discard()
		log.WithError(err).Debug("Flow cancelled before commit")
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing flow %s: %w", name, err)
	}
	log.Trace("Flow committed")
	return nil
}
