// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
)

// A Lock is a non-reentrant abstract lock. Acquisitions carry a
// 32-bit mode and an exclusive bit: two non-exclusive holds with
// equal modes are compatible; every other pair conflicts. Locks
// synchronize simultaneous-coherence region access.
type Lock struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	held      int
	mode      uint32
	exclusive bool
}

// NewLock returns a new, unheld lock.
func NewLock() *Lock {
	l := new(Lock)
	l.cond = ctxsync.NewCond(&l.mu)
	return l
}

// Acquire blocks until the lock is acquirable in the given mode and
// exclusivity, or the context is canceled.
func (l *Lock) Acquire(ctx context.Context, mode uint32, exclusive bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for !l.compatible(mode, exclusive) {
		if err := l.cond.Wait(ctx); err != nil {
			return err
		}
	}
	l.held++
	l.mode = mode
	l.exclusive = exclusive
	return nil
}

// TryAcquire acquires the lock if it is immediately acquirable,
// reporting whether it did.
func (l *Lock) TryAcquire(mode uint32, exclusive bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.compatible(mode, exclusive) {
		return false
	}
	l.held++
	l.mode = mode
	l.exclusive = exclusive
	return true
}

// Release releases one hold of the lock. Release panics if the lock
// is not held.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == 0 {
		panic("coord: release of unheld lock")
	}
	l.held--
	l.cond.Broadcast()
}

// compatible reports whether a new hold with the given mode and
// exclusivity can coexist with the current holds. The caller must
// hold l.mu.
func (l *Lock) compatible(mode uint32, exclusive bool) bool {
	if l.held == 0 {
		return true
	}
	return !l.exclusive && !exclusive && l.mode == mode
}

// A LockRequest names one lock acquisition within a grant.
type LockRequest struct {
	Lock      *Lock
	Mode      uint32
	Exclusive bool
}

// A Grant is a batched, deferred acquire over an ordered list of
// lock requests. The list order is preserved during acquisition so
// that grants over the same locks cannot deadlock against each
// other. Grants attach to launchers as dependences: the pipeline
// acquires the grant before mapping the operation and releases it at
// completion.
type Grant struct {
	requests []LockRequest

	mu       sync.Mutex
	acquired int
}

// NewGrant returns a grant over the provided requests, in order.
func NewGrant(requests []LockRequest) *Grant {
	return &Grant{requests: append([]LockRequest{}, requests...)}
}

// Acquire acquires every lock in request order. On error the
// already-acquired prefix is released.
func (g *Grant) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, req := range g.requests {
		if err := req.Lock.Acquire(ctx, req.Mode, req.Exclusive); err != nil {
			for j := 0; j < i; j++ {
				g.requests[j].Lock.Release()
			}
			return err
		}
	}
	g.acquired++
	return nil
}

// Release releases every lock acquired by a prior Acquire.
func (g *Grant) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.acquired == 0 {
		panic("coord: release of unacquired grant")
	}
	g.acquired--
	for i := len(g.requests) - 1; i >= 0; i-- {
		g.requests[i].Lock.Release()
	}
}
