// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/mapper"
)

// A TaskBody is the application function behind a task variant. It
// receives the task's Context; leaf variants receive a Context whose
// submitting methods fail.
type TaskBody func(ctx context.Context, tc *Context) ([]byte, error)

// VariantProperties are the property bits of a task variant.
type VariantProperties struct {
	Leaf       bool
	Inner      bool
	Idempotent bool
	Replicable bool
	Concurrent bool
}

// A variant is one registered implementation of a task.
type variant struct {
	id    strata.VariantID
	proc  strata.ProcKind
	props VariantProperties
	body  TaskBody
}

// A task is a registered task id with its variants.
type task struct {
	id       strata.TaskID
	name     string
	variants map[strata.VariantID]*variant
	order    []strata.VariantID
}

// A registry holds everything the application registers before (or
// after) startup: tasks and their variants, functors, reduction
// operators, serdez operators, mappers, and tunable defaults.
// Registration calls are safe for concurrent use.
type registry struct {
	mu sync.Mutex

	tasks       map[strata.TaskID]*task
	projections map[strata.ProjectionID]strata.ProjectionFunctor
	shardings   map[strata.ShardingID]strata.ShardingFunctor
	reductions  map[strata.ReductionOpID]strata.ReductionOp
	serdez      map[strata.CustomSerdezID]strata.SerdezOp
	mappers     map[strata.MapperID]mapper.Mapper

	nextTask       strata.TaskID
	nextVariant    strata.VariantID
	nextProjection strata.ProjectionID
	nextSharding   strata.ShardingID
	nextReduction  strata.ReductionOpID
	nextSerdez     strata.CustomSerdezID
}

func newRegistry() *registry {
	r := &registry{
		tasks:       make(map[strata.TaskID]*task),
		projections: make(map[strata.ProjectionID]strata.ProjectionFunctor),
		shardings:   make(map[strata.ShardingID]strata.ShardingFunctor),
		reductions:  make(map[strata.ReductionOpID]strata.ReductionOp),
		serdez:      make(map[strata.CustomSerdezID]strata.SerdezOp),
		mappers:     make(map[strata.MapperID]mapper.Mapper),

		nextTask:       1,
		nextVariant:    1,
		nextProjection: 1,
		nextSharding:   1,
		nextReduction:  1,
		nextSerdez:     1,
	}
	r.reductions[strata.SumInt64ID] = strata.SumInt64{}
	r.reductions[strata.MaxInt64ID] = strata.MaxInt64{}
	r.nextReduction = strata.MaxInt64ID + 1
	r.mappers[0] = mapper.NewDefault()
	return r
}

// registerTask records a task id with a diagnostic name. Registering
// an id twice is an error; id zero generates a fresh one.
func (r *registry) registerTask(id strata.TaskID, name string) (strata.TaskID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		for r.tasks[r.nextTask] != nil {
			r.nextTask++
		}
		id = r.nextTask
		r.nextTask++
	} else if r.tasks[id] != nil {
		return 0, errors.E("runtime.registertask", errors.Invalid,
			errors.Errorf("task %d already registered", id))
	}
	r.tasks[id] = &task{id: id, name: name, variants: make(map[strata.VariantID]*variant)}
	return id, nil
}

// registerVariant attaches an implementation to a task. Variant id
// zero generates a fresh one.
func (r *registry) registerVariant(tid strata.TaskID, vid strata.VariantID, proc strata.ProcKind, props VariantProperties, body TaskBody) (strata.VariantID, error) {
	if props.Leaf && props.Inner {
		return 0, errors.E("runtime.registervariant", errors.Invalid,
			errors.New("variant cannot be both leaf and inner"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[tid]
	if t == nil {
		return 0, errors.E("runtime.registervariant", errors.NotExist,
			errors.Errorf("task %d", tid))
	}
	if vid == 0 {
		vid = r.nextVariant
		r.nextVariant++
	} else if t.variants[vid] != nil {
		return 0, errors.E("runtime.registervariant", errors.Invalid,
			errors.Errorf("task %d variant %d already registered", tid, vid))
	}
	if vid >= r.nextVariant {
		r.nextVariant = vid + 1
	}
	t.variants[vid] = &variant{id: vid, proc: proc, props: props, body: body}
	t.order = append(t.order, vid)
	return vid, nil
}

// variant resolves a task's variant; variant id zero selects the
// first registered one.
func (r *registry) variant(tid strata.TaskID, vid strata.VariantID) (*task, *variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[tid]
	if t == nil {
		return nil, nil, errors.E("runtime.variant", errors.NotExist,
			errors.Errorf("task %d", tid))
	}
	if vid == 0 {
		if len(t.order) == 0 {
			return nil, nil, errors.E("runtime.variant", errors.NotExist,
				errors.Errorf("task %d (%s) has no variants", tid, t.name))
		}
		vid = t.order[0]
	}
	v := t.variants[vid]
	if v == nil {
		return nil, nil, errors.E("runtime.variant", errors.NotExist,
			errors.Errorf("task %d variant %d", tid, vid))
	}
	return t, v, nil
}

// variants lists a task's variants in the mapper's Input form.
func (r *registry) variants(tid strata.TaskID) []mapper.Variant {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.tasks[tid]
	if t == nil {
		return nil
	}
	out := make([]mapper.Variant, 0, len(t.order))
	for _, vid := range t.order {
		v := t.variants[vid]
		out = append(out, mapper.Variant{
			ID:         v.id,
			Proc:       v.proc,
			Leaf:       v.props.Leaf,
			Inner:      v.props.Inner,
			Idempotent: v.props.Idempotent,
			Replicable: v.props.Replicable,
			Concurrent: v.props.Concurrent,
		})
	}
	return out
}

func (r *registry) registerProjection(id strata.ProjectionID, fn strata.ProjectionFunctor) (strata.ProjectionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		id = r.nextProjection
		r.nextProjection++
	} else if _, ok := r.projections[id]; ok {
		return 0, errors.E("runtime.registerprojection", errors.Invalid,
			errors.Errorf("projection %d already registered", id))
	}
	if id >= r.nextProjection {
		r.nextProjection = id + 1
	}
	r.projections[id] = fn
	return id, nil
}

func (r *registry) registerSharding(id strata.ShardingID, fn strata.ShardingFunctor) (strata.ShardingID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		id = r.nextSharding
		r.nextSharding++
	} else if _, ok := r.shardings[id]; ok {
		return 0, errors.E("runtime.registersharding", errors.Invalid,
			errors.Errorf("sharding %d already registered", id))
	}
	if id >= r.nextSharding {
		r.nextSharding = id + 1
	}
	r.shardings[id] = fn
	return id, nil
}

func (r *registry) registerReduction(id strata.ReductionOpID, op strata.ReductionOp) (strata.ReductionOpID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		id = r.nextReduction
		r.nextReduction++
	} else if _, ok := r.reductions[id]; ok {
		return 0, errors.E("runtime.registerreduction", errors.Invalid,
			errors.Errorf("reduction %d already registered", id))
	}
	if id >= r.nextReduction {
		r.nextReduction = id + 1
	}
	r.reductions[id] = op
	return id, nil
}

func (r *registry) registerSerdez(id strata.CustomSerdezID, op strata.SerdezOp) (strata.CustomSerdezID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		id = r.nextSerdez
		r.nextSerdez++
	} else if _, ok := r.serdez[id]; ok {
		return 0, errors.E("runtime.registerserdez", errors.Invalid,
			errors.Errorf("serdez %d already registered", id))
	}
	if id >= r.nextSerdez {
		r.nextSerdez = id + 1
	}
	r.serdez[id] = op
	return id, nil
}

func (r *registry) registerMapper(id strata.MapperID, m mapper.Mapper) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[id] = m
	return nil
}

func (r *registry) mapper(id strata.MapperID) mapper.Mapper {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mappers[id]
}

func (r *registry) projection(id strata.ProjectionID) strata.ProjectionFunctor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.projections[id]
}

func (r *registry) sharding(id strata.ShardingID) strata.ShardingFunctor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shardings[id]
}

func (r *registry) reduction(id strata.ReductionOpID) strata.ReductionOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reductions[id]
}

func (r *registry) serdezOp(id strata.CustomSerdezID) strata.SerdezOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.serdez[id]
}
