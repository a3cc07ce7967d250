// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mapper defines the policy callback contract the runtime
// invokes while mapping operations, plus a default mapper. Mappers
// decide placement: which variant to run, on which processor, with
// instances in which memories. They never touch region data.
package mapper

import (
	"context"
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/op"
)

// A Variant is one registered implementation of a task, as offered
// to the mapper for selection.
type Variant struct {
	ID   strata.VariantID
	Proc strata.ProcKind

	// Leaf variants launch no suboperations; Inner variants launch
	// suboperations but perform no accesses of their own.
	Leaf  bool
	Inner bool
	// Idempotent variants may be re-executed after failure.
	Idempotent bool
	// Replicable variants may run control-replicated.
	Replicable bool
	// Concurrent variants require all points of an index launch to
	// execute simultaneously.
	Concurrent bool
}

// Input is everything a mapper may consult for one mapping call: the
// operation's mapper-visible view, the candidate variants, and the
// machine.
type Input struct {
	Op         op.Mappable
	Variants   []Variant
	Processors []strata.Processor
	Memories   []strata.Memory
}

// A Decision is the mapper's placement answer.
type Decision struct {
	// Variant selects among Input.Variants. Zero is permitted only
	// for operations without task variants.
	Variant strata.VariantID
	// Target is the processor to execute on.
	Target strata.Processor
	// Memories names, per requirement index, the memory the
	// requirement's instance must live in. Missing entries default
	// to system memory in the target's address space.
	Memories map[int]strata.Memory
	// MapArg is an opaque buffer forwarded to the task body.
	MapArg []byte
}

// A Mapper makes placement decisions for the operations that name
// it. Implementations must be safe for concurrent use and must not
// block on region data.
type Mapper interface {
	// Name identifies the mapper in logs.
	Name() string
	// MapOperation decides placement for one operation.
	MapOperation(ctx context.Context, in Input) (Decision, error)
	// SelectTunable resolves a tunable value requested by a tunable
	// operation.
	SelectTunable(ctx context.Context, id strata.TunableID, tag strata.MappingTagID) ([]byte, error)
	// Speculate is consulted when an operation's predicate is
	// unresolved: returning speculate=true runs the operation
	// immediately assuming the predicate evaluates to guess.
	Speculate(ctx context.Context, m op.Mappable) (speculate, guess bool)
}

// Validate checks a mapper's decision against the machine and the
// offered variants. The runtime applies it unless mapper validation
// is disabled.
func Validate(in Input, d Decision) error {
	if len(in.Variants) > 0 {
		found := false
		var variant Variant
		for _, v := range in.Variants {
			if v.ID == d.Variant {
				found, variant = true, v
				break
			}
		}
		if !found {
			return errors.E("mapper.validate", errors.Mapper,
				errors.Errorf("variant %d is not registered for task %d", d.Variant, in.Op.TaskID))
		}
		if variant.Proc != strata.NoProc && variant.Proc != d.Target.Kind {
			return errors.E("mapper.validate", errors.Mapper,
				errors.Errorf("variant %d requires %s, mapped to %s", d.Variant, variant.Proc, d.Target))
		}
	}
	procOK := false
	for _, p := range in.Processors {
		if p == d.Target {
			procOK = true
			break
		}
	}
	if !procOK {
		return errors.E("mapper.validate", errors.Mapper,
			errors.Errorf("target %s does not exist", d.Target))
	}
	for i, mem := range d.Memories {
		if i < 0 || i >= len(in.Op.Requirements) {
			return errors.E("mapper.validate", errors.Mapper,
				errors.Errorf("memory for requirement %d, operation has %d", i, len(in.Op.Requirements)))
		}
		memOK := false
		for _, m := range in.Memories {
			if m == mem {
				memOK = true
				break
			}
		}
		if !memOK {
			return errors.E("mapper.validate", errors.Mapper,
				errors.Errorf("memory %s does not exist", mem))
		}
		if mem.Kind != strata.SysMem && mem.Space != d.Target.Space {
			return errors.E("mapper.validate", errors.Mapper,
				errors.Errorf("memory %s unreachable from %s", mem, d.Target))
		}
	}
	return nil
}

// Default is a round-robin mapper: it picks the first variant whose
// processor kind the machine offers and spreads operations across
// that kind's processors in turn. It never speculates.
type Default struct {
	// Tunables resolves tunable requests; unlisted ids fail.
	Tunables map[strata.TunableID][]byte

	mu   sync.Mutex
	next map[strata.ProcKind]int
}

// NewDefault returns the default mapper.
func NewDefault() *Default {
	return &Default{next: make(map[strata.ProcKind]int)}
}

// Name implements Mapper.
func (*Default) Name() string { return "default" }

// MapOperation implements Mapper.
func (d *Default) MapOperation(ctx context.Context, in Input) (Decision, error) {
	kinds := make(map[strata.ProcKind][]strata.Processor)
	for _, p := range in.Processors {
		if p.Kind == strata.UtilProc {
			continue
		}
		kinds[p.Kind] = append(kinds[p.Kind], p)
	}
	var dec Decision
	if len(in.Variants) == 0 {
		procs := kinds[strata.LocProc]
		if len(procs) == 0 {
			return Decision{}, errors.E("mapper.default", errors.Mapper, errors.New("no cpu processors"))
		}
		dec.Target = procs[d.pick(strata.LocProc, len(procs))]
		return dec, nil
	}
	for _, v := range in.Variants {
		procs := kinds[v.Proc]
		if len(procs) == 0 {
			continue
		}
		dec.Variant = v.ID
		dec.Target = procs[d.pick(v.Proc, len(procs))]
		return dec, nil
	}
	return Decision{}, errors.E("mapper.default", errors.Mapper,
		errors.Errorf("no variant of task %d is runnable on this machine", in.Op.TaskID))
}

func (d *Default) pick(kind strata.ProcKind, n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.next[kind] % n
	d.next[kind] = i + 1
	return i
}

// SetTunable installs or replaces a tunable default.
func (d *Default) SetTunable(id strata.TunableID, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Tunables == nil {
		d.Tunables = make(map[strata.TunableID][]byte)
	}
	d.Tunables[id] = value
}

// SelectTunable implements Mapper.
func (d *Default) SelectTunable(ctx context.Context, id strata.TunableID, tag strata.MappingTagID) ([]byte, error) {
	d.mu.Lock()
	val, ok := d.Tunables[id]
	d.mu.Unlock()
	if ok {
		return val, nil
	}
	return nil, errors.E("mapper.default", errors.Mapper, errors.Errorf("tunable %d is not defined", id))
}

// Speculate implements Mapper. The default mapper always waits for
// predicates to resolve.
func (*Default) Speculate(ctx context.Context, m op.Mappable) (bool, bool) { return false, false }
