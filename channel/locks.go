package channel

import (
	"sync"

	"github.com/opd-ai/obvcore/crypto"
)

type pairKey struct {
	owned  crypto.UID
	device crypto.UID
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// pairLocks serializes channel operations per (owned identity, remote device).
// Entries are dropped once no goroutine holds or waits for them.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[pairKey]*pairLock)}
}

func (p *pairLocks) lock(owned, device crypto.UID) func() {
	k := pairKey{owned: owned, device: device}

	p.mu.Lock()
	l, ok := p.locks[k]
	if !ok {
		l = &pairLock{}
		p.locks[k] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, k)
		}
		p.mu.Unlock()
	}
}

func (p *pairLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
