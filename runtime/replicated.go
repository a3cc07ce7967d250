// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"context"

	"github.com/grailbio/base/traverse"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/pipeline"
	"github.com/strata-lang/strata/replicate"
)

// ExecuteReplicated runs a replicable task variant as n shards, each
// an independent execution of the task's body bound to one shard of
// a replication group. The per-shard results are returned in shard
// order. Divergence between shards is fatal and fails every shard.
func (r *Runtime) ExecuteReplicated(ctx context.Context, id strata.TaskID, args []byte, shards int) ([][]byte, error) {
	t, v, err := r.registry.variant(id, 0)
	if err != nil {
		return nil, err
	}
	if !v.props.Replicable {
		return nil, errors.E("runtime.replicated", errors.Replication,
			errors.Errorf("task %s variant %d is not replicable", t.name, v.id))
	}
	g, err := replicate.NewGroup(replicate.Config{
		Shards: shards,
		Safety: r.Config.SafeCtrlRepl,
		Log:    r.Log,
	})
	if err != nil {
		return nil, err
	}
	results := make([][]byte, shards)
	err = traverse.Each(shards, func(i int) error {
		s, err := g.BeginImplicitTask(strata.ShardID(i), strata.Pt(int64(i)))
		if err != nil {
			return err
		}
		defer s.FinishImplicitTask()
		call := &pipeline.TaskCall{
			TaskID:       id,
			Variant:      v.id,
			Point:        strata.Pt(int64(i)),
			IsIndexPoint: true,
			Args:         args,
		}
		tc := &Context{
			Call:  call,
			rt:    r,
			leaf:  v.props.Leaf,
			name:  t.name,
			shard: s,
		}
		b, err := v.body(ctx, tc)
		if err != nil {
			return errors.E("runtime.replicated", t.name, errors.Execution, err)
		}
		results[i] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Sharding resolves a registered sharding functor.
func (tc *Context) Sharding(id strata.ShardingID) strata.ShardingFunctor {
	return tc.rt.registry.sharding(id)
}

// Projection resolves a registered projection functor.
func (tc *Context) Projection(id strata.ProjectionID) strata.ProjectionFunctor {
	return tc.rt.registry.projection(id)
}

// Reduction resolves a registered reduction operator.
func (tc *Context) Reduction(id strata.ReductionOpID) strata.ReductionOp {
	return tc.rt.registry.reduction(id)
}

// Serdez resolves a registered field serializer.
func (tc *Context) Serdez(id strata.CustomSerdezID) strata.SerdezOp {
	return tc.rt.registry.serdezOp(id)
}
