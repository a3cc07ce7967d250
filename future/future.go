// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package future implements deferred values. A Future is a handle to
// a payload of bytes (plus optional metadata) produced by an
// operation that may not have executed yet. A FutureMap is an indexed
// family of futures over a domain, produced by index operations.
//
// Futures are completed exactly once, by the operation pipeline or by
// explicit construction. Waiting is context-aware: a blocked Get is
// released by completion or by context cancellation, whichever comes
// first.
package future

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/log"
	"github.com/strata-lang/strata/wg"
	"golang.org/x/time/rate"
)

// blockWarnLimiter throttles diagnostics on blocking waits issued
// from inside running tasks, which are usually performance bugs.
var blockWarnLimiter = rate.NewLimiter(rate.Every(1e9), 5)

// A Functor defers materialization of a future's payload until it is
// first demanded. It corresponds to the future-functor contract: the
// runtime invokes Materialize once, and Release when the future's
// last reference is dropped.
type Functor interface {
	// Materialize returns the payload and metadata bytes.
	Materialize() (payload, metadata []byte, err error)
	// Release is called after the payload is no longer needed.
	Release()
}

// A Future is a handle to a deferred value.
type Future struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	done     bool
	empty    bool
	payload  []byte
	metadata []byte
	err      error

	functor      Functor
	materialized bool

	// owned external resource
	freeFunc func([]byte)
	owned    bool

	// buffers caches per-memory-kind materializations of the payload.
	buffers map[strata.MemoryKind][]byte

	donewg wg.WaitGroup
}

// New returns a pending future to be completed by its producer.
func New() *Future {
	f := new(Future)
	f.cond = ctxsync.NewCond(&f.mu)
	f.donewg.Add(1)
	return f
}

// FromValue returns a ready future holding a copy of the provided
// payload.
func FromValue(payload []byte) *Future {
	f := New()
	p := append([]byte{}, payload...)
	f.Set(p, nil)
	return f
}

// FromExternal returns a ready future backed by a user-supplied
// buffer. If owned is true the runtime takes ownership and invokes
// free (if non-nil) when the future's storage is released.
func FromExternal(buf []byte, owned bool, free func([]byte)) *Future {
	f := New()
	f.mu.Lock()
	f.payload = buf
	f.owned = owned
	f.freeFunc = free
	f.complete()
	f.mu.Unlock()
	return f
}

// FromFunctor returns a ready future whose payload is materialized
// on first demand by the provided functor.
func FromFunctor(fn Functor) *Future {
	f := New()
	f.mu.Lock()
	f.functor = fn
	f.complete()
	f.mu.Unlock()
	return f
}

// Set completes the future with the provided payload and metadata.
// Set panics if the future was already completed.
func (f *Future) Set(payload, metadata []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		panic("future: completed twice")
	}
	f.payload = payload
	f.metadata = metadata
	f.complete()
}

// SetError completes the future with an error, surfaced on any
// dependent Get.
func (f *Future) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		panic("future: completed twice")
	}
	f.err = err
	f.complete()
}

// SetEmpty completes the future as empty: its producing operation was
// predicated out and no fallback value was supplied.
func (f *Future) SetEmpty() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		panic("future: completed twice")
	}
	f.empty = true
	f.complete()
}

// complete marks the future done. The caller must hold f.mu.
func (f *Future) complete() {
	f.done = true
	f.cond.Broadcast()
	f.donewg.Done()
}

// Valid tells whether the handle refers to a future at all.
func (f *Future) Valid() bool { return f != nil }

// Ready tells whether the payload is computable without blocking.
func (f *Future) Ready() bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Done returns a channel that is closed once the future completes.
// It implements the subscribe form of the ready probe: after a
// receive, the next Get does not block.
func (f *Future) Done() <-chan struct{} {
	return f.donewg.C()
}

// Empty tells whether the future completed empty. Empty blocks until
// the future completes or the context is canceled.
func (f *Future) Empty(ctx context.Context) (bool, error) {
	if err := f.Wait(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.empty, nil
}

// Wait blocks until the future completes or the context is canceled.
func (f *Future) Wait(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.done {
		if err := f.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Get waits for and returns the future's payload. If the future is
// empty, Get returns a nil payload when silenceWarnings is set, and
// an Invalid error otherwise. The what string names the waiter in
// diagnostics; blocking inside a task is generally a performance bug
// and is logged (rate limited).
func (f *Future) Get(ctx context.Context, silenceWarnings bool, what string) ([]byte, error) {
	if !f.Ready() && !silenceWarnings && blockWarnLimiter.Allow() {
		log.Debugf("future: blocking wait on unready future: %s", what)
	}
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		if silenceWarnings {
			return nil, nil
		}
		return nil, errors.E("future.get", what, errors.Invalid, errors.New("future is empty"))
	}
	if err := f.materializeLocked(); err != nil {
		return nil, err
	}
	return f.payload, nil
}

// GetVoid waits for completion and returns any execution error,
// discarding the payload.
func (f *Future) GetVoid(ctx context.Context, silenceWarnings bool, what string) error {
	_, err := f.Get(ctx, silenceWarnings, what)
	return err
}

// GetBuffer returns the payload materialized in an allocation of the
// requested memory kind. The allocation is owned by the runtime and
// remains valid only while the future handle is live.
func (f *Future) GetBuffer(ctx context.Context, kind strata.MemoryKind, silenceWarnings bool, what string) ([]byte, error) {
	p, err := f.Get(ctx, silenceWarnings, what)
	if err != nil || p == nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == strata.SysMem {
		return f.payload, nil
	}
	if f.buffers == nil {
		f.buffers = make(map[strata.MemoryKind][]byte)
	}
	if b, ok := f.buffers[kind]; ok {
		return b, nil
	}
	// Allocation in non-host memory kinds is delegated to the
	// substrate; the in-process substrate backs every kind with host
	// memory, so a copy suffices here.
	b := append([]byte{}, f.payload...)
	f.buffers[kind] = b
	return b, nil
}

// Metadata waits for completion and returns the future's metadata,
// which is always host-visible.
func (f *Future) Metadata(ctx context.Context) ([]byte, error) {
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.materializeLocked(); err != nil {
		return nil, err
	}
	return f.metadata, nil
}

// Err returns the future's error, if completed with one. Err does not
// block; it reports nil for pending futures.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		return nil
	}
	return f.err
}

// Release drops the future's materialized storage, invoking the
// functor release or external free callback as appropriate.
func (f *Future) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.functor != nil && f.materialized {
		f.functor.Release()
		f.materialized = false
	}
	if f.owned && f.freeFunc != nil {
		f.freeFunc(f.payload)
		f.freeFunc = nil
	}
	f.payload = nil
	f.buffers = nil
}

func (f *Future) materializeLocked() error {
	if f.functor == nil || f.materialized {
		return nil
	}
	p, m, err := f.functor.Materialize()
	if err != nil {
		f.err = errors.E("future.materialize", errors.Execution, err)
		return f.err
	}
	f.payload, f.metadata = p, m
	f.materialized = true
	return nil
}
