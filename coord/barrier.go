// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/strata-lang/strata/errors"
)

// MaxBarrierGenerations bounds the number of generations a phase
// barrier may advance through. A handle past the final generation no
// longer exists.
const MaxBarrierGenerations = 1 << 12

// barrierState is the shared state behind all generation views of
// one phase barrier.
type barrierState struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	expected map[int]int // per-generation expected arrivals
	arrivals map[int]int // per-generation arrival counts
	base     int         // default expected arrivals
}

// A PhaseBarrier is one generation view of a generational barrier
// with a fixed number of expected arrivals per generation. Arrive
// advances the producer side; Wait blocks until the view's
// generation has received its expected arrivals. Advance returns the
// view of the next generation.
type PhaseBarrier struct {
	state      *barrierState
	generation int
}

// NewPhaseBarrier returns the generation-0 view of a new barrier
// expecting the provided number of arrivals per generation.
func NewPhaseBarrier(expected int) *PhaseBarrier {
	if expected <= 0 {
		panic("coord: nonpositive arrival count")
	}
	s := &barrierState{
		expected: make(map[int]int),
		arrivals: make(map[int]int),
		base:     expected,
	}
	s.cond = ctxsync.NewCond(&s.mu)
	return &PhaseBarrier{state: s}
}

// Exists tells whether the view refers to a valid generation.
func (b *PhaseBarrier) Exists() bool {
	return b != nil && b.state != nil && b.generation < MaxBarrierGenerations
}

// Generation returns the view's generation number.
func (b *PhaseBarrier) Generation() int { return b.generation }

// Arrive records count arrivals on the view's generation.
func (b *PhaseBarrier) Arrive(count int) {
	if !b.Exists() {
		panic("coord: arrival on exhausted barrier")
	}
	s := b.state
	s.mu.Lock()
	s.expectedLocked(b.generation)
	s.arrivals[b.generation] += count
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Wait blocks until the view's generation has received its expected
// arrivals, or the context is canceled.
func (b *PhaseBarrier) Wait(ctx context.Context) error {
	if !b.Exists() {
		return errors.E("barrier.wait", errors.Invalid, errors.New("barrier generations exhausted"))
	}
	s := b.state
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.arrivals[b.generation] < s.expectedLocked(b.generation) {
		if err := s.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Triggered tells whether the view's generation has completed,
// without blocking.
func (b *PhaseBarrier) Triggered() bool {
	s := b.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arrivals[b.generation] >= s.expectedLocked(b.generation)
}

// Advance returns the view of the next generation. The new
// generation's initial expected arrival count equals the barrier's
// base count as amended by AlterArrivalCount.
func (b *PhaseBarrier) Advance() *PhaseBarrier {
	return &PhaseBarrier{state: b.state, generation: b.generation + 1}
}

// AlterArrivalCount changes the expected arrival count by delta for
// future generations. Generations already observed (waited on or
// arrived at) keep their count.
func (b *PhaseBarrier) AlterArrivalCount(delta int) {
	s := b.state
	s.mu.Lock()
	s.base += delta
	if s.base <= 0 {
		s.mu.Unlock()
		panic("coord: nonpositive arrival count")
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// expectedLocked returns the expected arrivals for generation g,
// freezing the current base count on first observation. The caller
// must hold s.mu.
func (s *barrierState) expectedLocked(g int) int {
	if n, ok := s.expected[g]; ok {
		return n
	}
	s.expected[g] = s.base
	return s.base
}
