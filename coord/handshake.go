// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"context"
	"sync"
)

// A Handshake is a two-sided rendezvous between runtime-managed code
// and external code. Control alternates between the two sides: one
// side hands off, the other waits. Each direction is backed by a
// phase barrier, so handoffs can also be consumed non-blockingly by
// wiring the barrier views into launchers.
type Handshake struct {
	mu sync.Mutex
	// toRuntime is arrived at by the external side and waited on by
	// the runtime side; toExt is the reverse. Arrival and wait views
	// advance independently.
	extArrive, rtWait *PhaseBarrier // views of the toRuntime barrier
	rtArrive, extWait *PhaseBarrier // views of the toExt barrier
}

// NewHandshake returns a handshake. The side named by extFirst is
// considered to hold control initially; the other side's first wait
// blocks until the first handoff.
func NewHandshake(extFirst bool) *Handshake {
	toRuntime := NewPhaseBarrier(1)
	toExt := NewPhaseBarrier(1)
	_ = extFirst // control direction is enforced by call order
	return &Handshake{
		extArrive: toRuntime,
		rtWait:    toRuntime,
		rtArrive:  toExt,
		extWait:   toExt,
	}
}

// ExtHandoffToRuntime transfers control from the external side to
// the runtime side.
func (h *Handshake) ExtHandoffToRuntime() {
	h.mu.Lock()
	b := h.extArrive
	h.extArrive = b.Advance()
	h.mu.Unlock()
	b.Arrive(1)
}

// ExtWaitOnRuntime blocks the external side until the runtime hands
// control back.
func (h *Handshake) ExtWaitOnRuntime(ctx context.Context) error {
	h.mu.Lock()
	b := h.extWait
	h.mu.Unlock()
	if err := b.Wait(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.extWait = b.Advance()
	h.mu.Unlock()
	return nil
}

// RuntimeHandoffToExt transfers control from the runtime side to the
// external side.
func (h *Handshake) RuntimeHandoffToExt() {
	h.mu.Lock()
	b := h.rtArrive
	h.rtArrive = b.Advance()
	h.mu.Unlock()
	b.Arrive(1)
}

// RuntimeWaitOnExt blocks the runtime side until the external side
// hands control over.
func (h *Handshake) RuntimeWaitOnExt(ctx context.Context) error {
	h.mu.Lock()
	b := h.rtWait
	h.mu.Unlock()
	if err := b.Wait(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.rtWait = b.Advance()
	h.mu.Unlock()
	return nil
}

// RuntimeWaitBarrier returns the barrier view the runtime side would
// next wait on, for use as a launcher wait barrier instead of
// blocking.
func (h *Handshake) RuntimeWaitBarrier() *PhaseBarrier {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rtWait
}

// ExtWaitBarrier returns the barrier view the external side would
// next wait on.
func (h *Handshake) ExtWaitBarrier() *PhaseBarrier {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.extWait
}
