package obvcore

import (
	"context"
	"fmt"
	"time"

	"github.com/opd-ai/obvcore/crypto"
	"github.com/opd-ai/obvcore/flow"
	"github.com/opd-ai/obvcore/protocol"
	"github.com/opd-ai/obvcore/store"
	"github.com/sirupsen/logrus"
)

type jobResult struct {
	res *protocol.Result
	err error
}

type job struct {
	ctx  context.Context
	name string
	run  func(tx *store.Tx) (*protocol.Result, error)
	done chan jobResult
}

// worker serializes the jobs of one owned identity.
type worker struct {
	owned   crypto.UID
	jobs    chan job
	stopped chan struct{}
}

func newWorker(owned crypto.UID, queueSize int) *worker {
	return &worker{
		owned:   owned,
		jobs:    make(chan job, queueSize),
		stopped: make(chan struct{}),
	}
}

// submit queues a job on the worker of owned and waits for its result.
// Once queued a job always runs to completion: cancelling ctx only stops
// the wait.
func (e *Engine) submit(ctx context.Context, owned crypto.UID, name string, run func(tx *store.Tx) (*protocol.Result, error)) (*protocol.Result, error) {
	e.mu.Lock()
	w, ok := e.workers[owned]
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, owned.Short())
	}

	j := job{ctx: ctx, name: name, run: run, done: make(chan jobResult, 1)}
	e.metrics.queueDepth.Inc()
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		e.metrics.queueDepth.Dec()
		return nil, ctx.Err()
	case <-e.quit:
		e.metrics.queueDepth.Dec()
		return nil, ErrClosed
	}

	select {
	case r := <-j.done:
		return r.res, r.err
	case <-w.stopped:
		select {
		case r := <-j.done:
			return r.res, r.err
		default:
			// Queued after reject drained the queue: nobody will take it.
			e.metrics.queueDepth.Dec()
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) run(w *worker) {
	defer e.wg.Done()
	defer close(w.stopped)

	ticker := time.NewTicker(e.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			e.reject(w)
			return
		case j := <-w.jobs:
			e.metrics.queueDepth.Dec()
			res, err := e.execute(w, j)
			j.done <- jobResult{res: res, err: err}
		case <-ticker.C:
			var report MaintenanceReport
			_, err := e.execute(w, job{
				ctx:  context.Background(),
				name: "periodic maintenance",
				run:  e.maintenance(w.owned, &report),
			})
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"package":  "obvcore",
					"owned":    w.owned.Short(),
					"error":    err.Error(),
				}).Error("Periodic maintenance failed")
			}
		}
	}
}

// execute runs one job in its own flow and pumps the outbox once it is
// committed.
func (e *Engine) execute(w *worker, j job) (*protocol.Result, error) {
	start := time.Now()
	defer func() {
		e.metrics.jobLatency.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
	}()

	ctx := flow.Start(context.WithoutCancel(j.ctx))
	var res *protocol.Result
	err := e.flows.Atomic(ctx, j.name, func(_ context.Context, tx *store.Tx) error {
		var err error
		res, err = j.run(tx)
		return err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "execute",
			"package":  "obvcore",
			"owned":    w.owned.Short(),
			"job":      j.name,
			"flow_id":  flow.ID(ctx).String(),
			"error":    err.Error(),
		}).Warn("Job failed")
		return nil, err
	}
	if err := e.pump(ctx, w.owned); err != nil {
		return res, err
	}
	return res, nil
}

// reject fails the jobs still queued when the engine closes.
func (e *Engine) reject(w *worker) {
	for {
		select {
		case j := <-w.jobs:
			e.metrics.queueDepth.Dec()
			j.done <- jobResult{err: ErrClosed}
		default:
			return
		}
	}
}
