// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/traverse"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/coord"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/mapper"
	"github.com/strata-lang/strata/op"
	"github.com/strata-lang/strata/physical"
)

// projMu serializes Project calls of exclusive functors.
var projMu sync.Mutex

// launchDomain resolves an index launcher's domain from either its
// explicit domain or its launch space.
func (p *Pipeline) launchDomain(ctx context.Context, domain strata.Domain, space strata.IndexSpace) (strata.Domain, error) {
	if space.Exists() {
		return p.Forest.Domain(ctx, space)
	}
	if domain.Empty() {
		return strata.Domain{}, errors.E("pipeline.launch", errors.Invalid,
			errors.New("index launch without a domain"))
	}
	return domain, nil
}

// resolveRequirement projects a requirement to the concrete region
// used at one launch point. Projection id zero is the identity: the
// subregion at the point for partition bounds, the named region
// itself for region bounds.
func (p *Pipeline) resolveRequirement(ctx context.Context, req strata.RegionRequirement, point strata.DomainPoint, launch strata.Domain) (strata.RegionRequirement, error) {
	if !req.IsProjection() && req.Projection == 0 {
		return req, nil
	}
	upper := strata.UpperBound{Region: req.Region}
	if req.IsProjection() {
		upper = strata.UpperBound{Partition: req.Partition}
	}
	var region strata.LogicalRegion
	if req.Projection == 0 {
		var err error
		region, err = p.Forest.LogicalSubregion(ctx, req.Partition, point)
		if err != nil {
			return strata.RegionRequirement{}, err
		}
	} else {
		functor := p.Projections(req.Projection)
		if functor == nil {
			return strata.RegionRequirement{}, errors.E("pipeline.project", errors.NotExist,
				errors.Errorf("projection %d is not registered", req.Projection))
		}
		var err error
		if functor.Exclusive() {
			projMu.Lock()
			region, err = functor.Project(ctx, upper, point, launch, req.ProjectionArgs)
			projMu.Unlock()
		} else {
			region, err = functor.Project(ctx, upper, point, launch, req.ProjectionArgs)
		}
		if err != nil {
			return strata.RegionRequirement{}, err
		}
	}
	resolved := req
	resolved.Region = region
	resolved.Partition = strata.LogicalPartition{}
	resolved.Projection = 0
	return resolved, nil
}

func gatherFutures(ctx context.Context, futures []*future.Future) ([][]byte, error) {
	out := make([][]byte, len(futures))
	for i, f := range futures {
		b, err := f.Get(ctx, true, "task precondition")
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func (p *Pipeline) mapRequirements(ctx context.Context, reqs []strata.RegionRequirement) ([]*physical.Region, error) {
	regions := make([]*physical.Region, len(reqs))
	for i, req := range reqs {
		r, err := p.Data.Map(ctx, req)
		if err != nil {
			return nil, err
		}
		regions[i] = r
	}
	return regions, nil
}

func (p *Pipeline) outputRegions(outputs []op.OutputRequirement, dec mapper.Decision) []*physical.OutputRegion {
	if len(outputs) == 0 {
		return nil
	}
	mem := strata.Memory{ID: 1, Kind: strata.SysMem, Space: dec.Target.Space}
	for _, m := range p.Substrate.Memories() {
		if m.Kind == strata.SysMem && m.Space == dec.Target.Space {
			mem = m
			break
		}
	}
	regions := make([]*physical.OutputRegion, len(outputs))
	for i, out := range outputs {
		regions[i] = physical.NewOutputRegion(mem, out.FieldSizes)
	}
	return regions
}

// ExecuteTask submits a single-task launch and returns the future
// carrying the task's result.
func (p *Pipeline) ExecuteTask(ctx context.Context, l *op.TaskLauncher) (*future.Future, error) {
	return p.executeTask(ctx, l, nil)
}

func (p *Pipeline) executeTask(ctx context.Context, l *op.TaskLauncher, placed *mapper.Decision) (*future.Future, error) {
	o := &op.Operation{Kind: op.TaskOp, Task: l}
	result := future.New()
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		payloads, err := gatherFutures(taskCtx, l.Futures)
		if err != nil {
			result.SetError(err)
			return err
		}
		regions, err := p.mapRequirements(taskCtx, l.Requirements)
		if err != nil {
			result.SetError(err)
			return err
		}
		outputs := p.outputRegions(l.Outputs, dec)
		call := &TaskCall{
			TaskID:    l.TaskID,
			Variant:   dec.Variant,
			Args:      l.Args,
			Futures:   payloads,
			MapArg:    dec.MapArg,
			Regions:   regions,
			Outputs:   outputs,
			Processor: dec.Target,
		}
		payload, err := p.Runner.RunTask(taskCtx, call)
		if err != nil {
			result.SetError(errors.E("task", errors.Execution, err))
			return err
		}
		for _, out := range outputs {
			if _, err := out.Complete(); err != nil {
				result.SetError(err)
				return err
			}
		}
		result.Set(payload, nil)
		return nil
	}
	skip := func() { predicateFallback(&l.Base, result) }
	if _, err := p.submitPlaced(ctx, o, placed, body, skip); err != nil {
		return nil, err
	}
	if l.ElideFutureReturn {
		return nil, nil
	}
	return result, nil
}

// ExecuteIndexTask submits an index-space launch: one point task per
// point of the launch domain, with projected requirements. The
// returned map holds one future per point.
func (p *Pipeline) ExecuteIndexTask(ctx context.Context, l *op.IndexTaskLauncher) (*future.Map, error) {
	return p.executeIndexTask(ctx, l, nil)
}

func (p *Pipeline) executeIndexTask(ctx context.Context, l *op.IndexTaskLauncher, placed *mapper.Decision) (*future.Map, error) {
	domain, err := p.launchDomain(ctx, l.Domain, l.LaunchSpace)
	if err != nil {
		return nil, err
	}
	l.Domain = domain
	o := &op.Operation{Kind: op.IndexTaskOp, IndexTask: l}
	fm := future.NewMap(domain)
	points := domain.Points()

	body := func(taskCtx context.Context, dec mapper.Decision) error {
		payloads, err := gatherFutures(taskCtx, l.Futures)
		if err != nil {
			for _, pt := range points {
				fm.MustFuture(pt).SetError(err)
			}
			return err
		}
		return traverse.Each(len(points), func(i int) error {
			pt := points[i]
			result := fm.MustFuture(pt)
			reqs := make([]strata.RegionRequirement, len(l.Requirements))
			for j, req := range l.Requirements {
				r, err := p.resolveRequirement(taskCtx, req, pt, domain)
				if err != nil {
					result.SetError(err)
					return err
				}
				reqs[j] = r
			}
			regions, err := p.mapRequirements(taskCtx, reqs)
			if err != nil {
				result.SetError(err)
				return err
			}
			var local []byte
			if l.ArgMap != nil {
				if b, f, ok := l.ArgMap.Get(pt); ok {
					local = b
					if f != nil {
						if local, err = f.Get(taskCtx, true, "argument map"); err != nil {
							result.SetError(err)
							return err
						}
					}
				}
			}
			call := &TaskCall{
				TaskID:       l.TaskID,
				Variant:      dec.Variant,
				Point:        pt,
				IsIndexPoint: true,
				Domain:       domain,
				Args:         l.Args,
				LocalArgs:    local,
				Futures:      payloads,
				MapArg:       dec.MapArg,
				Regions:      regions,
				Outputs:      p.outputRegions(l.Outputs, dec),
				Processor:    dec.Target,
			}
			payload, err := p.Runner.RunTask(taskCtx, call)
			if err != nil {
				result.SetError(errors.E("indextask", pt, errors.Execution, err))
				return err
			}
			result.Set(payload, nil)
			return nil
		})
	}
	skip := func() {
		for _, pt := range points {
			predicateFallback(&l.Base, fm.MustFuture(pt))
		}
	}
	if _, err := p.submitPlaced(ctx, o, placed, body, skip); err != nil {
		return nil, err
	}
	return fm, nil
}

// ExecuteIndexTaskReduce is ExecuteIndexTask with all point results
// reduced into a single future by the launcher's reduction operator.
func (p *Pipeline) ExecuteIndexTaskReduce(ctx context.Context, l *op.IndexTaskLauncher) (*future.Future, error) {
	redop := p.Reductions(l.Redop)
	if redop == nil {
		return nil, errors.E("pipeline.indextask", errors.NotExist,
			errors.Errorf("reduction %d is not registered", l.Redop))
	}
	fm, err := p.ExecuteIndexTask(ctx, l)
	if err != nil {
		return nil, err
	}
	return fm.Reduce(redop, l.OrderedReduction)
}

// MapRegion performs an inline mapping, returning a physical region
// whose data becomes valid once prior conflicting operations
// complete.
func (p *Pipeline) MapRegion(ctx context.Context, l *op.InlineLauncher) (*physical.Region, error) {
	o := &op.Operation{Kind: op.InlineOp, Inline: l}
	valid := future.New()
	region, err := p.Data.MapPending(ctx, l.Requirement, valid)
	if err != nil {
		return nil, err
	}
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		valid.SetEmpty()
		return nil
	}
	skip := func() { valid.SetEmpty() }
	if _, err := p.submit(ctx, o, body, skip); err != nil {
		return nil, err
	}
	return region, nil
}

// IssueFill writes a value (or a future's payload) into the named
// fields of a region.
func (p *Pipeline) IssueFill(ctx context.Context, l *op.FillLauncher) error {
	if err := l.Validate(); err != nil {
		return err
	}
	o := &op.Operation{Kind: op.FillOp, Fill: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		value := l.Value
		if l.Future != nil {
			var err error
			if value, err = l.Future.Get(taskCtx, true, "fill value"); err != nil {
				return err
			}
		}
		return p.Data.Fill(taskCtx, l.Requirement.Region, l.Fields, value)
	}
	_, err := p.submit(ctx, o, body, nil)
	return err
}

// IssueIndexFill fills through a projected requirement, one fill per
// launch point.
func (p *Pipeline) IssueIndexFill(ctx context.Context, l *op.IndexFillLauncher) error {
	if err := l.Validate(); err != nil {
		return err
	}
	domain, err := p.launchDomain(ctx, l.Domain, l.LaunchSpace)
	if err != nil {
		return err
	}
	l.Domain = domain
	o := &op.Operation{Kind: op.IndexFillOp, IndexFill: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		value := l.Value
		if l.Future != nil {
			var err error
			if value, err = l.Future.Get(taskCtx, true, "fill value"); err != nil {
				return err
			}
		}
		points := domain.Points()
		return traverse.Each(len(points), func(i int) error {
			req, err := p.resolveRequirement(taskCtx, l.Requirement, points[i], domain)
			if err != nil {
				return err
			}
			return p.Data.Fill(taskCtx, req.Region, l.Fields, value)
		})
	}
	_, err = p.submit(ctx, o, body, nil)
	return err
}

// IssueCopy copies fields between paired source and destination
// requirements, optionally gathering or scattering through
// indirection fields.
func (p *Pipeline) IssueCopy(ctx context.Context, l *op.CopyLauncher) error {
	if err := l.Validate(); err != nil {
		return err
	}
	o := &op.Operation{Kind: op.CopyOp, Copy: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		for i := range l.SrcRequirements {
			if err := p.copyPair(taskCtx, l, i); err != nil {
				return err
			}
		}
		return nil
	}
	_, err := p.submit(ctx, o, body, nil)
	return err
}

// IssueIndexCopy issues one copy per launch point through projected
// requirements.
func (p *Pipeline) IssueIndexCopy(ctx context.Context, l *op.IndexCopyLauncher) error {
	if err := l.Validate(); err != nil {
		return err
	}
	domain, err := p.launchDomain(ctx, l.Domain, l.LaunchSpace)
	if err != nil {
		return err
	}
	l.Domain = domain
	o := &op.Operation{Kind: op.IndexCopyOp, IndexCopy: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		points := domain.Points()
		return traverse.Each(len(points), func(n int) error {
			resolved := l.CopyLauncher
			resolved.SrcRequirements = nil
			resolved.DstRequirements = nil
			for _, req := range l.SrcRequirements {
				r, err := p.resolveRequirement(taskCtx, req, points[n], domain)
				if err != nil {
					return err
				}
				resolved.SrcRequirements = append(resolved.SrcRequirements, r)
			}
			for _, req := range l.DstRequirements {
				r, err := p.resolveRequirement(taskCtx, req, points[n], domain)
				if err != nil {
					return err
				}
				resolved.DstRequirements = append(resolved.DstRequirements, r)
			}
			for i := range resolved.SrcRequirements {
				if err := p.copyPair(taskCtx, &resolved, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	_, err = p.submit(ctx, o, body, nil)
	return err
}

// copyPair executes the i'th source/destination pair of a copy.
func (p *Pipeline) copyPair(ctx context.Context, l *op.CopyLauncher, i int) error {
	src, dst := l.SrcRequirements[i], l.DstRequirements[i]
	var redop strata.ReductionOp
	if dst.Privilege.Reduces() {
		if redop = p.Reductions(dst.Redop); redop == nil {
			return errors.E("pipeline.copy", errors.NotExist,
				errors.Errorf("reduction %d is not registered", dst.Redop))
		}
	}
	var srcIndirect, dstIndirect *strata.RegionRequirement
	if i < len(l.SrcIndirect) {
		srcIndirect = &l.SrcIndirect[i]
	}
	if i < len(l.DstIndirect) {
		dstIndirect = &l.DstIndirect[i]
	}
	for j := range src.PrivilegeFields {
		srcF, dstF := src.PrivilegeFields[j], dst.PrivilegeFields[j]
		if srcIndirect == nil && dstIndirect == nil {
			if err := p.Data.Copy(ctx, src.Region, dst.Region, srcF, dstF, redop); err != nil {
				return err
			}
			continue
		}
		if err := p.indirectCopy(ctx, src, dst, srcF, dstF, srcIndirect, dstIndirect, redop); err != nil {
			return err
		}
	}
	return nil
}

// indirectCopy performs a gather (src indirection), scatter (dst
// indirection), or full gather-scatter for one field pair.
func (p *Pipeline) indirectCopy(ctx context.Context, src, dst strata.RegionRequirement, srcF, dstF strata.FieldID, srcInd, dstInd *strata.RegionRequirement, redop strata.ReductionOp) error {
	srcView, err := p.Data.Map(ctx, strata.RegionRequirement{
		Region: src.Region, Privilege: strata.ReadOnly, Parent: src.Parent,
		PrivilegeFields: []strata.FieldID{srcF}, InstanceFields: []strata.FieldID{srcF},
	})
	if err != nil {
		return err
	}
	dstPriv := strata.ReadWrite
	if redop != nil {
		dstPriv = strata.Reduce
	}
	dstView, err := p.Data.Map(ctx, strata.RegionRequirement{
		Region: dst.Region, Privilege: dstPriv, Parent: dst.Parent,
		PrivilegeFields: []strata.FieldID{dstF}, InstanceFields: []strata.FieldID{dstF},
	})
	if err != nil {
		return err
	}
	read, err := srcView.Accessor(srcF, strata.ReadOnly)
	if err != nil {
		return err
	}
	write, err := dstView.Accessor(dstF, dstPriv)
	if err != nil {
		return err
	}
	var ferr error
	dstView.Bounds().Each(func(pt strata.DomainPoint) {
		if ferr != nil {
			return
		}
		from, to := pt, pt
		if srcInd != nil {
			if from, ferr = p.ReadPointField(ctx, srcInd, pt); ferr != nil {
				return
			}
		}
		if dstInd != nil {
			if to, ferr = p.ReadPointField(ctx, dstInd, pt); ferr != nil {
				return
			}
		}
		val, err := read.Read(from)
		if err != nil {
			ferr = err
			return
		}
		if redop != nil {
			ferr = write.Reduce(redop, to, val)
		} else {
			ferr = write.Write(to, val)
		}
	})
	return ferr
}

// ReadPointField reads the point stored in an indirection
// requirement's single field at pt.
func (p *Pipeline) ReadPointField(ctx context.Context, req *strata.RegionRequirement, pt strata.DomainPoint) (strata.DomainPoint, error) {
	if len(req.PrivilegeFields) != 1 {
		return strata.DomainPoint{}, errors.E("pipeline.copy", errors.Invalid,
			errors.New("indirection requirements carry exactly one field"))
	}
	return p.Data.ReadPoint(ctx, req.Region, req.PrivilegeFields[0], pt)
}

// Discard invalidates the named fields of a region. The data is
// considered undefined afterwards; dependence analysis treats the
// discard as a write.
func (p *Pipeline) Discard(ctx context.Context, l *op.DiscardLauncher) error {
	o := &op.Operation{Kind: op.DiscardOp, Discard: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error { return nil }
	_, err := p.submit(ctx, o, body, nil)
	return err
}

// Attach binds external storage to a region, returning a physical
// region over the attached buffer.
func (p *Pipeline) Attach(ctx context.Context, l *op.AttachLauncher) (*physical.Region, error) {
	region, err := p.Data.MapExternal(ctx, l.Region, l.Fields, strata.Memory{ID: 1, Kind: strata.SysMem}, l.Buffer, l.Layout)
	if err != nil {
		return nil, err
	}
	p.Log.Debugf("attach %s: %s external, %d fields", l.Region, data.Size(len(l.Buffer)), len(l.Fields))
	o := &op.Operation{Kind: op.AttachOp, Attach: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error { return nil }
	if _, err := p.submit(ctx, o, body, nil); err != nil {
		return nil, err
	}
	return region, nil
}

// IndexAttach binds one external buffer per subregion, returning the
// resources as a unit to be detached together.
func (p *Pipeline) IndexAttach(ctx context.Context, l *op.IndexAttachLauncher) (*physical.ExternalResources, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	sizes := make(map[strata.FieldID]int, len(l.Fields))
	for _, fid := range l.Fields {
		info, err := p.Forest.Field(l.Parent.Fields, fid)
		if err != nil {
			return nil, err
		}
		sizes[fid] = info.Size
	}
	regions := make([]*physical.Region, len(l.Regions))
	for i, lr := range l.Regions {
		bounds, err := p.Forest.Domain(ctx, lr.Index)
		if err != nil {
			return nil, err
		}
		inst, err := physical.Attach(bounds, strata.Memory{ID: 1, Kind: strata.SysMem}, sizes, l.Buffers[i], l.Layout)
		if err != nil {
			return nil, err
		}
		regions[i] = physical.NewRegion(lr, strata.ReadWrite, l.Fields, bounds, inst, nil)
	}
	o := &op.Operation{Kind: op.IndexAttachOp, IndexAttach: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error { return nil }
	if _, err := p.submit(ctx, o, body, nil); err != nil {
		return nil, err
	}
	return physical.NewExternalResources(regions), nil
}

// Detach releases previously attached storage. The returned future
// completes once dirty data is flushed and the binding removed.
func (p *Pipeline) Detach(ctx context.Context, l *op.DetachSpec) (*future.Future, error) {
	o := &op.Operation{Kind: op.DetachOp, Detach: l}
	result := future.New()
	// Detach carries no field-level requirements; dependence analysis
	// orders it behind everything outstanding instead.
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		for _, region := range l.Regions {
			if _, err := p.Data.Unmap(region); err != nil {
				result.SetError(err)
				return err
			}
		}
		result.SetEmpty()
		return nil
	}
	if _, err := p.submit(ctx, o, body, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// Acquire begins user-level coherence on a simultaneous-coherence
// region: later operations in this context order after it.
func (p *Pipeline) Acquire(ctx context.Context, l *op.AcquireLauncher) error {
	o := &op.Operation{Kind: op.AcquireOp, Acquire: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error { return nil }
	_, err := p.submit(ctx, o, body, nil)
	return err
}

// Release ends a prior acquire.
func (p *Pipeline) Release(ctx context.Context, l *op.ReleaseLauncher) error {
	o := &op.Operation{Kind: op.ReleaseOp, Release: l}
	body := func(taskCtx context.Context, dec mapper.Decision) error { return nil }
	_, err := p.submit(ctx, o, body, nil)
	return err
}

// MustEpoch launches a bundle of tasks that must run concurrently,
// returning the single-task futures and index-task maps in launcher
// order. Placements are decided and validated up front: every task
// in the bundle needs its own processor, or tasks synchronizing
// through barriers inside the epoch would serialize and never make
// progress.
func (p *Pipeline) MustEpoch(ctx context.Context, l *op.MustEpochLauncher) ([]*future.Future, []*future.Map, error) {
	byProc := make(map[strata.Processor]bool)
	place := func(o *op.Operation) (mapper.Decision, error) {
		dec, err := p.dispatch(ctx, o.AsMappable())
		if err != nil {
			return mapper.Decision{}, err
		}
		if byProc[dec.Target] {
			return mapper.Decision{}, errors.E("pipeline.mustepoch", errors.Mapper,
				errors.Errorf("must-epoch serialization: two tasks placed on %s", dec.Target))
		}
		byProc[dec.Target] = true
		return dec, nil
	}
	singles := make([]mapper.Decision, len(l.Singles))
	for i, single := range l.Singles {
		dec, err := place(&op.Operation{Kind: op.TaskOp, Task: single})
		if err != nil {
			return nil, nil, err
		}
		singles[i] = dec
	}
	indexes := make([]mapper.Decision, len(l.Indexes))
	for i, index := range l.Indexes {
		dec, err := place(&op.Operation{Kind: op.IndexTaskOp, IndexTask: index})
		if err != nil {
			return nil, nil, err
		}
		indexes[i] = dec
	}
	futures := make([]*future.Future, 0, len(l.Singles))
	maps := make([]*future.Map, 0, len(l.Indexes))
	for i, single := range l.Singles {
		f, err := p.executeTask(ctx, single, &singles[i])
		if err != nil {
			return nil, nil, err
		}
		futures = append(futures, f)
	}
	for i, index := range l.Indexes {
		fm, err := p.executeIndexTask(ctx, index, &indexes[i])
		if err != nil {
			return nil, nil, err
		}
		maps = append(maps, fm)
	}
	return futures, maps, nil
}

// CreatePredicate combines predicates per the launcher.
func (p *Pipeline) CreatePredicate(l *op.PredicateLauncher) (*coord.Predicate, error) {
	if len(l.Predicates) == 0 {
		return nil, errors.E("pipeline.predicate", errors.Invalid, errors.New("no operands"))
	}
	switch l.Kind {
	case op.PredicateAnd:
		return coord.And(l.Predicates...), nil
	case op.PredicateOr:
		return coord.Or(l.Predicates...), nil
	default:
		return nil, errors.E("pipeline.predicate", errors.Invalid,
			errors.Errorf("predicate kind %d", l.Kind))
	}
}

// IssueTiming reads a clock after the launcher's preconditions
// complete, delivering the reading as a future.
func (p *Pipeline) IssueTiming(ctx context.Context, l *op.TimingLauncher) (*future.Future, error) {
	o := &op.Operation{Kind: op.TimingOp, Timing: l}
	result := future.New()
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		for _, f := range l.Preconditions {
			if err := f.Wait(taskCtx); err != nil {
				result.SetError(err)
				return err
			}
		}
		now := time.Now()
		var b [8]byte
		switch l.Measurement {
		case op.MeasureSeconds:
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(float64(now.UnixNano())/1e9))
		case op.MeasureMicroseconds:
			binary.LittleEndian.PutUint64(b[:], uint64(now.UnixNano()/1e3))
		default:
			binary.LittleEndian.PutUint64(b[:], uint64(now.UnixNano()))
		}
		result.Set(b[:], nil)
		return nil
	}
	skip := func() { predicateFallback(&l.Base, result) }
	if _, err := p.submit(ctx, o, body, skip); err != nil {
		return nil, err
	}
	return result, nil
}

// SelectTunable asks the launcher's mapper for a tunable value,
// delivered as a future.
func (p *Pipeline) SelectTunable(ctx context.Context, l *op.TunableLauncher) (*future.Future, error) {
	o := &op.Operation{Kind: op.TunableOp, Tunable: l}
	result := future.New()
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		mpr := p.Mappers(l.Mapper)
		if mpr == nil {
			err := errors.E("pipeline.tunable", errors.Mapper,
				errors.Errorf("mapper %d is not registered", l.Mapper))
			result.SetError(err)
			return err
		}
		val, err := mpr.SelectTunable(taskCtx, l.Tunable, l.Tag)
		if err != nil {
			result.SetError(err)
			return err
		}
		if l.ReturnSize > 0 && len(val) != l.ReturnSize {
			err := errors.E("pipeline.tunable", errors.Mapper,
				errors.Errorf("tunable %d: got %d bytes, declared %d", l.Tunable, len(val), l.ReturnSize))
			result.SetError(err)
			return err
		}
		result.Set(val, nil)
		return nil
	}
	skip := func() { predicateFallback(&l.Base, result) }
	if _, err := p.submit(ctx, o, body, skip); err != nil {
		return nil, err
	}
	return result, nil
}

// IssueFence orders later operations after earlier ones. A mapping
// fence is satisfied at submission: mapping happens in program order
// within a context. An execution fence additionally waits for every
// outstanding operation to complete. Queued deletions drain behind
// the fence.
func (p *Pipeline) IssueFence(ctx context.Context, kind op.FenceKind) (*future.Future, error) {
	spec := &op.FenceSpec{Kind: kind}
	o := &op.Operation{Kind: op.FenceOp, Fence: spec}
	result := future.New()
	// An execution fence is ordered behind every outstanding
	// operation by dependence analysis.
	body := func(taskCtx context.Context, dec mapper.Decision) error {
		if err := p.applyDeletions(); err != nil {
			result.SetError(err)
			return err
		}
		result.SetEmpty()
		return nil
	}
	if _, err := p.submit(ctx, o, body, nil); err != nil {
		return nil, err
	}
	return result, nil
}
