// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/coord"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/op"
	"github.com/strata-lang/strata/partition"
	"github.com/strata-lang/strata/physical"
	"github.com/strata-lang/strata/pipeline"
	"github.com/strata-lang/strata/regiontree"
	"github.com/strata-lang/strata/replicate"
)

// A Context is a task's view of the runtime: its call inputs plus
// the namespace, submission, and synchronization surface. A leaf
// variant's Context rejects every method that submits or blocks.
type Context struct {
	// Call carries the task's inputs: arguments, mapped regions,
	// futures, point and domain for index launches.
	Call *pipeline.TaskCall

	rt   *Runtime
	leaf bool
	name string

	// shard is set when the task executes as one shard of a
	// control-replicated launch.
	shard *replicate.Shard
}

// guard rejects runtime calls from leaf variants.
func (tc *Context) guard(call string) error {
	if tc.leaf {
		return errors.E(call, errors.NotSupported,
			errors.Errorf("leaf variant of %s may not call the runtime", tc.name))
	}
	if tc.shard != nil {
		tc.shard.Record(call, tc.Call.Args)
	}
	return nil
}

// Forest exposes handle navigation and introspection.
func (tc *Context) Forest() *regiontree.Forest { return tc.rt.forest }

// Partitions exposes the dependent-partitioning engine.
func (tc *Context) Partitions() *partitionAPI { return &partitionAPI{tc} }

// Data exposes the physical data manager.
func (tc *Context) Data() *physical.Manager { return tc.rt.data }

// Shard returns the task's shard view when it executes control
// replicated, and nil otherwise.
func (tc *Context) Shard() *replicate.Shard { return tc.shard }

// CreateIndexSpace creates an index space over the given domain.
func (tc *Context) CreateIndexSpace(domain strata.Domain) (strata.IndexSpace, error) {
	if err := tc.guard("context.createindexspace"); err != nil {
		return strata.IndexSpace{}, err
	}
	return tc.rt.forest.CreateIndexSpace(domain), nil
}

// CreateFieldSpace creates an empty field space.
func (tc *Context) CreateFieldSpace() (strata.FieldSpace, error) {
	if err := tc.guard("context.createfieldspace"); err != nil {
		return strata.FieldSpace{}, err
	}
	return tc.rt.forest.CreateFieldSpace(), nil
}

// AllocateField allocates a field of the given size. A nonzero
// requested id must be unused.
func (tc *Context) AllocateField(fs strata.FieldSpace, requested strata.FieldID, size int, serdez strata.CustomSerdezID, local bool) (strata.FieldID, error) {
	if err := tc.guard("context.allocatefield"); err != nil {
		return strata.NoField, err
	}
	if serdez != 0 && tc.rt.registry.serdezOp(serdez) == nil {
		return strata.NoField, errors.E("context.allocatefield", errors.NotExist,
			errors.Errorf("serdez %d", serdez))
	}
	return tc.rt.forest.AllocateField(fs, requested, size, serdez, local)
}

// CreateLogicalRegion creates the root region of a new region tree.
func (tc *Context) CreateLogicalRegion(is strata.IndexSpace, fs strata.FieldSpace) (strata.LogicalRegion, error) {
	if err := tc.guard("context.createlogicalregion"); err != nil {
		return strata.LogicalRegion{}, err
	}
	return tc.rt.forest.CreateLogicalRegion(is, fs)
}

// Destroy posts a deferred deletion; it drains at the next fence or
// at context completion.
func (tc *Context) Destroy(spec op.DeletionSpec) error {
	if err := tc.guard("context.destroy"); err != nil {
		return err
	}
	tc.rt.pipe.PostDeletion(spec)
	return nil
}

// ExecuteTask submits a single task launch.
func (tc *Context) ExecuteTask(ctx context.Context, l *op.TaskLauncher) (*future.Future, error) {
	if err := tc.guard("context.executetask"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.ExecuteTask(ctx, l)
}

// ExecuteIndexTask submits an index-space task launch, returning its
// future map.
func (tc *Context) ExecuteIndexTask(ctx context.Context, l *op.IndexTaskLauncher) (*future.Map, error) {
	if err := tc.guard("context.executeindextask"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.ExecuteIndexTask(ctx, l)
}

// ExecuteIndexTaskReduce submits an index-space task launch whose
// point results reduce into a single future.
func (tc *Context) ExecuteIndexTaskReduce(ctx context.Context, l *op.IndexTaskLauncher) (*future.Future, error) {
	if err := tc.guard("context.executeindextaskreduce"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.ExecuteIndexTaskReduce(ctx, l)
}

// MapRegion maps a region inline into the task's context.
func (tc *Context) MapRegion(ctx context.Context, l *op.InlineLauncher) (*physical.Region, error) {
	if err := tc.guard("context.mapregion"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.MapRegion(ctx, l)
}

// Fill writes a value into fields of a region.
func (tc *Context) Fill(ctx context.Context, l *op.FillLauncher) error {
	if err := tc.guard("context.fill"); err != nil {
		return err
	}
	return tc.rt.pipe.IssueFill(ctx, l)
}

// IndexFill fills through a partition, one fill per launch point.
func (tc *Context) IndexFill(ctx context.Context, l *op.IndexFillLauncher) error {
	if err := tc.guard("context.indexfill"); err != nil {
		return err
	}
	return tc.rt.pipe.IssueIndexFill(ctx, l)
}

// Copy issues an explicit region-to-region copy.
func (tc *Context) Copy(ctx context.Context, l *op.CopyLauncher) error {
	if err := tc.guard("context.copy"); err != nil {
		return err
	}
	return tc.rt.pipe.IssueCopy(ctx, l)
}

// IndexCopy issues a copy per point of a launch domain.
func (tc *Context) IndexCopy(ctx context.Context, l *op.IndexCopyLauncher) error {
	if err := tc.guard("context.indexcopy"); err != nil {
		return err
	}
	return tc.rt.pipe.IssueIndexCopy(ctx, l)
}

// Discard invalidates fields of a region without touching data.
func (tc *Context) Discard(ctx context.Context, l *op.DiscardLauncher) error {
	if err := tc.guard("context.discard"); err != nil {
		return err
	}
	return tc.rt.pipe.Discard(ctx, l)
}

// Attach binds external storage into a logical region.
func (tc *Context) Attach(ctx context.Context, l *op.AttachLauncher) (*physical.Region, error) {
	if err := tc.guard("context.attach"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.Attach(ctx, l)
}

// IndexAttach binds one external resource per subregion.
func (tc *Context) IndexAttach(ctx context.Context, l *op.IndexAttachLauncher) (*physical.ExternalResources, error) {
	if err := tc.guard("context.indexattach"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.IndexAttach(ctx, l)
}

// Detach releases attached regions; the returned future completes
// when the external resource is consistent.
func (tc *Context) Detach(ctx context.Context, l *op.DetachSpec) (*future.Future, error) {
	if err := tc.guard("context.detach"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.Detach(ctx, l)
}

// Acquire requests coherence on a restricted region.
func (tc *Context) Acquire(ctx context.Context, l *op.AcquireLauncher) error {
	if err := tc.guard("context.acquire"); err != nil {
		return err
	}
	return tc.rt.pipe.Acquire(ctx, l)
}

// Release relinquishes coherence acquired by Acquire.
func (tc *Context) Release(ctx context.Context, l *op.ReleaseLauncher) error {
	if err := tc.guard("context.release"); err != nil {
		return err
	}
	return tc.rt.pipe.Release(ctx, l)
}

// MustEpoch launches a set of tasks that must run concurrently.
func (tc *Context) MustEpoch(ctx context.Context, l *op.MustEpochLauncher) ([]*future.Future, []*future.Map, error) {
	if err := tc.guard("context.mustepoch"); err != nil {
		return nil, nil, err
	}
	return tc.rt.pipe.MustEpoch(ctx, l)
}

// CreatePredicate builds a predicate from futures and other
// predicates.
func (tc *Context) CreatePredicate(l *op.PredicateLauncher) (*coord.Predicate, error) {
	if err := tc.guard("context.createpredicate"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.CreatePredicate(l)
}

// IssueTiming measures the clock after its preconditions complete.
func (tc *Context) IssueTiming(ctx context.Context, l *op.TimingLauncher) (*future.Future, error) {
	if err := tc.guard("context.issuetiming"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.IssueTiming(ctx, l)
}

// SelectTunable asks the mapper for a tunable value.
func (tc *Context) SelectTunable(ctx context.Context, l *op.TunableLauncher) (*future.Future, error) {
	if err := tc.guard("context.selecttunable"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.SelectTunable(ctx, l)
}

// IssueFence issues a mapping or execution fence.
func (tc *Context) IssueFence(ctx context.Context, kind op.FenceKind) (*future.Future, error) {
	if err := tc.guard("context.issuefence"); err != nil {
		return nil, err
	}
	return tc.rt.pipe.IssueFence(ctx, kind)
}

// BeginTrace opens a trace; see pipeline.BeginTrace.
func (tc *Context) BeginTrace(id strata.TraceID, static bool) error {
	if err := tc.guard("context.begintrace"); err != nil {
		return err
	}
	return tc.rt.pipe.BeginTrace(id, static)
}

// EndTrace closes the open trace.
func (tc *Context) EndTrace(id strata.TraceID) error {
	if err := tc.guard("context.endtrace"); err != nil {
		return err
	}
	return tc.rt.pipe.EndTrace(id)
}

// CreatePhaseBarrier creates a barrier expecting the given arrivals
// per generation.
func (tc *Context) CreatePhaseBarrier(expected int) (*coord.PhaseBarrier, error) {
	if err := tc.guard("context.createphasebarrier"); err != nil {
		return nil, err
	}
	return coord.NewPhaseBarrier(expected), nil
}

// CreateDynamicCollective creates a value-carrying barrier reduced
// with op.
func (tc *Context) CreateDynamicCollective(expected int, op strata.ReductionOp) (*coord.DynamicCollective, error) {
	if err := tc.guard("context.createdynamiccollective"); err != nil {
		return nil, err
	}
	return coord.NewDynamicCollective(expected, op), nil
}

// CreateLock creates a reservation usable through grants.
func (tc *Context) CreateLock() (*coord.Lock, error) {
	if err := tc.guard("context.createlock"); err != nil {
		return nil, err
	}
	return coord.NewLock(), nil
}

// partitionAPI wraps the partitioning engine with the context's
// leaf guard.
type partitionAPI struct {
	tc *Context
}

// Equal partitions parent into children of equal size.
func (a *partitionAPI) Equal(parent, colorSpace strata.IndexSpace, granularity int64) (strata.IndexPartition, error) {
	if err := a.tc.guard("context.partition.equal"); err != nil {
		return strata.IndexPartition{}, err
	}
	return a.tc.rt.parts.Equal(parent, colorSpace, granularity)
}

// ByWeights apportions parent by per-color weights.
func (a *partitionAPI) ByWeights(parent, colorSpace strata.IndexSpace, weights map[strata.DomainPoint]int64, granularity int64) (strata.IndexPartition, error) {
	if err := a.tc.guard("context.partition.byweights"); err != nil {
		return strata.IndexPartition{}, err
	}
	return a.tc.rt.parts.ByWeights(parent, colorSpace, weights, granularity)
}

// ByField partitions a region by the colors stored in a field.
func (a *partitionAPI) ByField(region strata.LogicalRegion, colorSpace strata.IndexSpace, fid strata.FieldID) (strata.IndexPartition, error) {
	if err := a.tc.guard("context.partition.byfield"); err != nil {
		return strata.IndexPartition{}, err
	}
	return a.tc.rt.parts.ByField(region, colorSpace, fid)
}

// ByImage partitions target by the image of source through a
// point-valued field.
func (a *partitionAPI) ByImage(target strata.IndexSpace, source strata.LogicalPartition, fid strata.FieldID, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	if err := a.tc.guard("context.partition.byimage"); err != nil {
		return strata.IndexPartition{}, err
	}
	return a.tc.rt.parts.ByImage(target, source, fid, kind)
}

// ByPreimage partitions region by the preimage of projection through
// a point-valued field.
func (a *partitionAPI) ByPreimage(projection strata.IndexPartition, region strata.LogicalRegion, fid strata.FieldID, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	if err := a.tc.guard("context.partition.bypreimage"); err != nil {
		return strata.IndexPartition{}, err
	}
	return a.tc.rt.parts.ByPreimage(projection, region, fid, kind)
}

// Engine exposes the full partitioning engine for the remaining
// constructions (set algebra, restriction, domains, futures).
func (a *partitionAPI) Engine() (*partition.Engine, error) {
	if err := a.tc.guard("context.partition.engine"); err != nil {
		return nil, err
	}
	return a.tc.rt.parts, nil
}
