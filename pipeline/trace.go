// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/op"
)

// traceState is the pipeline's view of one open trace. A dynamic
// trace records inferred dependence edges (as backward offsets, so a
// replay applies them at the replay's own sequence numbers) the
// first time it is traversed and replays them afterwards. A static
// trace takes the application's declared static dependences and
// skips inference entirely.
type traceState struct {
	id        strata.TraceID
	static    bool
	recording bool

	// offsets holds, per operation index within the trace, the
	// backward distances of its dependences.
	offsets [][]uint64
	cursor  int
}

// edges returns the dependence targets for o, bypassing inference.
// ok is false while a dynamic trace is still recording.
func (t *traceState) edges(o *op.Operation) ([]uint64, bool, error) {
	if t.static {
		base := o.Common()
		if base == nil {
			return nil, true, nil
		}
		deps := make([]uint64, 0, len(base.StaticDependences))
		for _, d := range base.StaticDependences {
			if d.PreviousOffset <= 0 || uint64(d.PreviousOffset) >= o.Seq {
				return nil, false, errors.E("pipeline.trace", errors.Invalid,
					errors.Errorf("static dependence offset %d out of range", d.PreviousOffset))
			}
			deps = append(deps, o.Seq-uint64(d.PreviousOffset))
		}
		return deps, true, nil
	}
	if t.recording {
		return nil, false, nil
	}
	if t.cursor >= len(t.offsets) {
		return nil, false, errors.E("pipeline.trace", errors.Invalid,
			errors.Errorf("trace %d replayed with more operations than recorded", t.id))
	}
	rel := t.offsets[t.cursor]
	t.cursor++
	deps := make([]uint64, 0, len(rel))
	for _, r := range rel {
		if r < o.Seq {
			deps = append(deps, o.Seq-r)
		}
	}
	return deps, true, nil
}

// record stores the inferred dependences of the operation at seq.
func (t *traceState) record(seq uint64, deps []uint64) {
	rel := make([]uint64, 0, len(deps))
	for _, d := range deps {
		rel = append(rel, seq-d)
	}
	t.offsets = append(t.offsets, rel)
}

// BeginTrace opens a trace. A dynamic trace (static=false) records
// dependences on its first traversal and replays them on later ones;
// a static trace requires every operation to declare its
// dependences. Traces do not nest.
func (p *Pipeline) BeginTrace(id strata.TraceID, static bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.trace != nil {
		return errors.E("pipeline.begintrace", errors.Invalid,
			errors.Errorf("trace %d is already open", p.trace.id))
	}
	t := &traceState{id: id, static: static}
	if !static {
		if offsets, ok := p.traces[id]; ok {
			t.offsets = offsets
		} else {
			t.recording = true
		}
	}
	p.trace = t
	return nil
}

// EndTrace closes the open trace, publishing a recorded dynamic
// trace for future replays.
func (p *Pipeline) EndTrace(id strata.TraceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.trace
	if t == nil || t.id != id {
		return errors.E("pipeline.endtrace", errors.Invalid,
			errors.Errorf("trace %d is not open", id))
	}
	if t.recording {
		if p.traces == nil {
			p.traces = make(map[strata.TraceID][][]uint64)
		}
		p.traces[id] = t.offsets
	}
	p.trace = nil
	return nil
}

// SeedTrace installs a previously recorded dynamic trace, as loaded
// from a replay file. A later BeginTrace of the same id replays it
// instead of re-recording.
func (p *Pipeline) SeedTrace(id strata.TraceID, offsets [][]uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.traces == nil {
		p.traces = make(map[strata.TraceID][][]uint64)
	}
	p.traces[id] = offsets
}

// Traces snapshots the recorded dynamic traces, for persisting to a
// replay file.
func (p *Pipeline) Traces() map[strata.TraceID][][]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[strata.TraceID][][]uint64, len(p.traces))
	for id, offsets := range p.traces {
		out[id] = offsets
	}
	return out
}
