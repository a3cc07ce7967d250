// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline sequences the operations of one task context. An
// operation entering the pipeline is gated on its predicate, expanded
// (projection requirements to per-point regions), compared against
// prior operations for dependences, handed to its mapper, and
// submitted to the substrate with completion wired to its futures.
// Program order is the only order: two operations run concurrently
// unless a dependence, fence, or synchronization attachment forbids
// it.
package pipeline

import (
	"context"
	"sync"

	"github.com/grailbio/base/limiter"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/log"
	"github.com/strata-lang/strata/mapper"
	"github.com/strata-lang/strata/op"
	"github.com/strata-lang/strata/physical"
	"github.com/strata-lang/strata/regiontree"
	"github.com/strata-lang/strata/substrate"
	"github.com/strata-lang/strata/wg"
)

// DefaultWindow is the default cap on outstanding operations per
// context.
const DefaultWindow = 1024

// A TaskCall carries everything a task body receives from the
// runtime.
type TaskCall struct {
	TaskID  strata.TaskID
	Variant strata.VariantID

	// Point is set for point tasks of an index launch; IsIndexPoint
	// distinguishes it from the zero point.
	Point        strata.DomainPoint
	IsIndexPoint bool
	Domain       strata.Domain

	// Args is the launch-wide argument buffer; LocalArgs is the
	// point's entry in the argument map.
	Args      []byte
	LocalArgs []byte
	// Futures holds the payloads of the launcher's precondition
	// futures, in order.
	Futures [][]byte
	// MapArg is forwarded from the mapper's decision.
	MapArg []byte

	Regions []*physical.Region
	Outputs []*physical.OutputRegion

	Processor strata.Processor
}

// A Runner executes task bodies. The runtime implements it over its
// registered task table.
type Runner interface {
	RunTask(ctx context.Context, call *TaskCall) ([]byte, error)
}

// Config assembles a pipeline's collaborators.
type Config struct {
	Forest    *regiontree.Forest
	Data      *physical.Manager
	Substrate substrate.Substrate
	Runner    Runner

	// Mappers resolves mapper ids; id zero must resolve.
	Mappers func(strata.MapperID) mapper.Mapper
	// Variants lists the registered variants of a task.
	Variants func(strata.TaskID) []mapper.Variant
	// Projections resolves projection functor ids; id zero is the
	// identity and need not resolve.
	Projections func(strata.ProjectionID) strata.ProjectionFunctor
	// Reductions resolves reduction operator ids.
	Reductions func(strata.ReductionOpID) strata.ReductionOp

	// Window caps outstanding operations; zero means DefaultWindow.
	Window int
	// Inorder runs one operation at a time.
	Inorder bool
	// UnsafeMapper disables validation of mapper decisions.
	UnsafeMapper bool

	Log *log.Logger
}

// Pipeline is the operation stream of one context.
type Pipeline struct {
	Config

	window *limiter.Limiter

	mu    sync.Mutex
	seq   uint64
	users map[userKey][]*regionUser
	// bySeq tracks inflight and recently-submitted operations for
	// trace replay and fences.
	bySeq map[uint64]chan struct{}

	trace *traceState
	// traces holds recorded dynamic traces by id.
	traces map[strata.TraceID][][]uint64

	deletions []op.DeletionSpec

	inflight wg.WaitGroup
}

type userKey struct {
	tree  strata.RegionTreeID
	field strata.FieldID
}

// A regionUser is one requirement's footprint on a (region tree,
// field) pair, retained until the operation completes.
type regionUser struct {
	seq    uint64
	priv   strata.Privilege
	coh    strata.Coherence
	redop  strata.ReductionOpID
	bounds strata.Domain
	done   chan struct{}
}

// New returns a pipeline over the provided collaborators.
func New(config Config) *Pipeline {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.Log == nil {
		config.Log = log.Std
	}
	p := &Pipeline{
		Config: config,
		window: limiter.New(),
		users:  make(map[userKey][]*regionUser),
		bySeq:  make(map[uint64]chan struct{}),
	}
	p.window.Release(config.Window)
	return p
}

func closed(c chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// depends classifies the dependence of cur on prev. Reductions with
// the same operator commute; simultaneous and relaxed coherence on
// both sides suppress inferred edges in favor of explicit
// synchronization.
func depends(prev, cur *regionUser) op.DependenceType {
	if !prev.bounds.Overlaps(cur.bounds) {
		return op.NoDependence
	}
	relaxed := func(c strata.Coherence) bool {
		return c == strata.Simultaneous || c == strata.Relaxed
	}
	if relaxed(prev.coh) && relaxed(cur.coh) {
		return op.NoDependence
	}
	if prev.priv.Reduces() && cur.priv.Reduces() && prev.redop == cur.redop {
		return op.NoDependence
	}
	prevWrites := prev.priv.Writes() || prev.priv.Reduces()
	curWrites := cur.priv.Writes() || cur.priv.Reduces()
	switch {
	case prevWrites && curWrites:
		return op.WriteAfterWrite
	case prevWrites:
		return op.ReadAfterWrite
	case curWrites:
		return op.WriteAfterRead
	default:
		return op.NoDependence
	}
}

// validateRequirement checks a requirement's analysis-time legality:
// the parent must be an ancestor in the same tree and every
// privilege field must be allocated.
func (p *Pipeline) validateRequirement(req strata.RegionRequirement) error {
	region := req.Region
	if req.IsProjection() {
		parent, err := p.Forest.LogicalParentRegion(req.Partition)
		if err != nil {
			return err
		}
		region = parent
	}
	if !p.Forest.SameRegionTree(region, req.Parent) {
		return errors.E("pipeline.analyze", region, errors.WrongTree,
			errors.Errorf("parent %s is in a different tree", req.Parent))
	}
	if !p.Forest.IsSubregion(region, req.Parent) {
		return errors.E("pipeline.analyze", region, errors.Privilege,
			errors.Errorf("privileges are not derivable from %s", req.Parent))
	}
	for _, fid := range req.PrivilegeFields {
		if !p.Forest.HasField(region.Fields, fid) {
			return errors.E("pipeline.analyze", region, errors.Privilege,
				errors.Errorf("field %d is not allocated", fid))
		}
	}
	if req.Privilege.Reduces() && req.Redop == 0 {
		return errors.E("pipeline.analyze", region, errors.Invalid,
			errors.New("reduce privilege without a reduction operator"))
	}
	return nil
}

// footprint resolves the concrete (tree, field, bounds) uses of a
// requirement. For projection requirements the footprint is the
// whole partition's parent: per-point regions are subsets of it.
func (p *Pipeline) footprint(ctx context.Context, req strata.RegionRequirement) (strata.RegionTreeID, strata.Domain, error) {
	if req.IsProjection() {
		parent, err := p.Forest.LogicalParentRegion(req.Partition)
		if err != nil {
			return 0, strata.Domain{}, err
		}
		bounds, err := p.Forest.Domain(ctx, parent.Index)
		return parent.Tree, bounds, err
	}
	bounds, err := p.Forest.Domain(ctx, req.Region.Index)
	return req.Region.Tree, bounds, err
}

// analyze validates the operation's requirements, installs its
// region users, and returns the completion channels it must wait
// for. Inside a replaying or static trace, inference is bypassed in
// favor of the recorded or declared edges.
func (p *Pipeline) analyze(ctx context.Context, o *op.Operation, done chan struct{}) ([]<-chan struct{}, error) {
	reqs := o.Requirements()
	type resolved struct {
		req    strata.RegionRequirement
		tree   strata.RegionTreeID
		bounds strata.Domain
	}
	rs := make([]resolved, len(reqs))
	for i, req := range reqs {
		if err := p.validateRequirement(req); err != nil {
			return nil, err
		}
		tree, bounds, err := p.footprint(ctx, req)
		if err != nil {
			return nil, err
		}
		rs[i] = resolved{req, tree, bounds}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var deps []<-chan struct{}
	seen := make(map[uint64]bool)
	addDep := func(seq uint64, c chan struct{}) {
		if seen[seq] || closed(c) {
			return
		}
		seen[seq] = true
		deps = append(deps, c)
	}

	// Detaches and execution fences order behind every outstanding
	// operation.
	if o.Kind == op.DetachOp || (o.Kind == op.FenceOp && o.Fence.Kind == op.ExecutionFence) {
		for seq, c := range p.bySeq {
			addDep(seq, c)
		}
	}

	infer := true
	if t := p.trace; t != nil {
		edges, ok, err := t.edges(o)
		if err != nil {
			return nil, err
		}
		if ok {
			infer = false
			for _, seq := range edges {
				if c, live := p.bySeq[seq]; live {
					addDep(seq, c)
				}
			}
		}
	}

	var recorded []uint64
	for _, r := range rs {
		cur := &regionUser{
			seq:    o.Seq,
			priv:   r.req.Privilege,
			coh:    r.req.Coherence,
			redop:  r.req.Redop,
			bounds: r.bounds,
			done:   done,
		}
		for _, fid := range r.req.PrivilegeFields {
			key := userKey{r.tree, fid}
			prior := p.users[key]
			live := prior[:0]
			for _, prev := range prior {
				if closed(prev.done) {
					continue
				}
				live = append(live, prev)
				if !infer {
					continue
				}
				if d := depends(prev, cur); d != op.NoDependence {
					p.Log.Debugf("%s: %s on op %d (tree %d field %d)", o, d, prev.seq, r.tree, fid)
					addDep(prev.seq, prev.done)
					recorded = append(recorded, prev.seq)
				}
			}
			p.users[key] = append(live, cur)
		}
	}
	if t := p.trace; t != nil && t.recording {
		t.record(o.Seq, recorded)
	}
	return deps, nil
}

// dispatch selects and validates the mapping decision for an
// operation that needs one.
func (p *Pipeline) dispatch(ctx context.Context, m op.Mappable) (mapper.Decision, error) {
	mpr := p.Mappers(m.Mapper)
	if mpr == nil {
		return mapper.Decision{}, errors.E("pipeline.map", errors.Mapper,
			errors.Errorf("mapper %d is not registered", m.Mapper))
	}
	in := mapper.Input{
		Op:         m,
		Processors: p.Substrate.Processors(),
		Memories:   p.Substrate.Memories(),
	}
	if m.Kind == op.TaskOp || m.Kind == op.IndexTaskOp {
		in.Variants = p.Variants(m.TaskID)
	}
	dec, err := mpr.MapOperation(ctx, in)
	if err != nil {
		return mapper.Decision{}, err
	}
	if !p.UnsafeMapper {
		if err := mapper.Validate(in, dec); err != nil {
			return mapper.Decision{}, err
		}
	}
	return dec, nil
}

// submit runs an operation through the pipeline. The body executes
// on the decided processor once every dependence, precondition
// future, wait barrier, and grant is satisfied; predication is
// evaluated just before the body, and skip is invoked instead when
// the predicate is false. The returned channel closes at commit.
func (p *Pipeline) submit(ctx context.Context, o *op.Operation, body func(ctx context.Context, dec mapper.Decision) error, skip func()) (chan struct{}, error) {
	return p.submitPlaced(ctx, o, nil, body, skip)
}

// submitPlaced is submit with an optional pre-decided placement;
// must-epoch launches decide and validate their placements as a
// bundle before submitting.
func (p *Pipeline) submitPlaced(ctx context.Context, o *op.Operation, placed *mapper.Decision, body func(ctx context.Context, dec mapper.Decision) error, skip func()) (chan struct{}, error) {
	if err := p.window.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	commit := func() {
		p.mu.Lock()
		delete(p.bySeq, o.Seq)
		p.mu.Unlock()
		close(done)
		p.window.Release(1)
		p.inflight.Done()
	}

	p.mu.Lock()
	p.seq++
	o.Seq = p.seq
	p.mu.Unlock()

	base := o.Common()

	// A predicate already known false never enters analysis.
	if base != nil && base.Predicate != nil {
		if value, ok := base.Predicate.Resolved(); ok && !value {
			p.window.Release(1)
			close(done)
			if skip != nil {
				skip()
			}
			return done, nil
		}
	}

	deps, err := p.analyze(ctx, o, done)
	if err != nil {
		p.window.Release(1)
		close(done)
		return nil, err
	}

	var dec mapper.Decision
	if placed != nil {
		dec = *placed
	} else if dec, err = p.dispatch(ctx, o.AsMappable()); err != nil {
		p.window.Release(1)
		close(done)
		return nil, errors.E("pipeline.submit", errors.Fatal, err)
	}

	p.mu.Lock()
	p.bySeq[o.Seq] = done
	p.mu.Unlock()
	p.inflight.Add(1)

	olog := p.Log.Scope("%s", o)
	report := func(err error) {
		if err != nil {
			olog.Errorf("%v", err)
		}
	}

	// An operation occupies its processor only once it is ready to
	// run: dependences, precondition futures, wait barriers, grants,
	// and the predicate all resolve before the execution slot is
	// acquired. A successor queued on the same processor can then
	// never starve its predecessor.
	go func() {
		fail := func(err error) {
			commit()
			report(err)
		}
		for _, dep := range deps {
			select {
			case <-dep:
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
		}
		if base != nil {
			for _, f := range base.Futures {
				if err := f.Wait(ctx); err != nil {
					fail(err)
					return
				}
			}
			for _, b := range base.WaitBarriers {
				if err := b.Wait(ctx); err != nil {
					fail(err)
					return
				}
			}
			for i, g := range base.Grants {
				if err := g.Acquire(ctx); err != nil {
					for j := i - 1; j >= 0; j-- {
						base.Grants[j].Release()
					}
					fail(err)
					return
				}
			}
		}
		finish := func() {
			if base != nil {
				for i := len(base.Grants) - 1; i >= 0; i-- {
					base.Grants[i].Release()
				}
				for _, b := range base.ArriveBarriers {
					b.Arrive(1)
				}
			}
			commit()
		}
		if base != nil && base.Predicate != nil {
			value, err := base.Predicate.Value(ctx)
			if err != nil {
				finish()
				report(err)
				return
			}
			if !value {
				if skip != nil {
					skip()
				}
				finish()
				return
			}
		}
		run := func(taskCtx context.Context) error {
			defer finish()
			return body(taskCtx, dec)
		}
		if err := p.Substrate.Spawn(dec.Target, run, report); err != nil {
			finish()
			report(err)
		}
	}()

	if p.Inorder {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return done, nil
}

// predicateFallback completes a result future for an operation
// skipped by predication: the fallback value when one was supplied,
// otherwise the empty future.
func predicateFallback(base *op.Base, result *future.Future) {
	switch {
	case base == nil:
		result.SetEmpty()
	case base.PredicateFalseFuture != nil:
		go func() {
			payload, err := base.PredicateFalseFuture.Get(context.Background(), true, "predicate fallback")
			if err != nil {
				result.SetError(err)
				return
			}
			result.Set(payload, nil)
		}()
	case base.PredicateFalseResult != nil:
		result.Set(append([]byte{}, base.PredicateFalseResult...), nil)
	default:
		result.SetEmpty()
	}
}

// Drain blocks until every submitted operation has committed, then
// applies queued deletions.
func (p *Pipeline) Drain(ctx context.Context) error {
	c := p.inflight.C()
	select {
	case <-c:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.applyDeletions()
}

// PostDeletion queues a handle deletion. Deletions are unordered:
// they apply at the next fence or drain.
func (p *Pipeline) PostDeletion(spec op.DeletionSpec) {
	p.mu.Lock()
	p.deletions = append(p.deletions, spec)
	p.mu.Unlock()
}

func (p *Pipeline) applyDeletions() error {
	p.mu.Lock()
	pending := p.deletions
	p.deletions = nil
	p.mu.Unlock()
	for _, spec := range pending {
		var err error
		switch {
		case spec.Region.Exists():
			err = p.Forest.DestroyLogicalRegion(spec.Region)
		case spec.IndexPartition.Exists():
			err = p.Forest.DestroyIndexPartition(spec.IndexPartition)
		case spec.IndexSpace.Exists():
			err = p.Forest.DestroyIndexSpace(spec.IndexSpace)
		case spec.FieldSpace.Exists():
			err = p.Forest.DestroyFieldSpace(spec.FieldSpace)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
