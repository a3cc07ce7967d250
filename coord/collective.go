// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package coord

import (
	"context"
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/future"
)

// collectiveState holds the per-generation contributions shared by
// all views of one collective.
type collectiveState struct {
	mu     sync.Mutex
	values map[int][][]byte
}

// A DynamicCollective is a phase barrier associated with a reduction
// operator. Arrivals contribute a value of the operator's RHS type;
// the generation's result is the reduction of all contributions,
// delivered as a future.
type DynamicCollective struct {
	*PhaseBarrier
	op    strata.ReductionOp
	state *collectiveState
}

// NewDynamicCollective returns a generation-0 view of a collective
// expecting the provided number of arrivals per generation, reduced
// with op.
func NewDynamicCollective(expected int, op strata.ReductionOp) *DynamicCollective {
	return &DynamicCollective{
		PhaseBarrier: NewPhaseBarrier(expected),
		op:           op,
		state:        &collectiveState{values: make(map[int][][]byte)},
	}
}

// ArriveValue records an arrival carrying a contribution.
func (c *DynamicCollective) ArriveValue(value []byte) {
	s := c.state
	s.mu.Lock()
	g := c.Generation()
	s.values[g] = append(s.values[g], append([]byte{}, value...))
	s.mu.Unlock()
	c.Arrive(1)
}

// Advance returns the view of the next generation.
func (c *DynamicCollective) Advance() *DynamicCollective {
	return &DynamicCollective{
		PhaseBarrier: c.PhaseBarrier.Advance(),
		op:           c.op,
		state:        c.state,
	}
}

// Result returns a future holding the reduction of this generation's
// contributions. The future completes when the generation does.
// Contributions are applied in arrival order; callers requiring
// bit-identical results across shards must contribute in a
// deterministic order.
func (c *DynamicCollective) Result() *future.Future {
	out := future.New()
	go func() {
		if err := c.Wait(context.Background()); err != nil {
			out.SetError(err)
			return
		}
		s := c.state
		s.mu.Lock()
		lhs := c.op.Identity()
		for _, v := range s.values[c.Generation()] {
			c.op.Apply(lhs, v)
		}
		s.mu.Unlock()
		out.Set(lhs, nil)
	}()
	return out
}
