// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replicate

import (
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
)

// Slice applies a sharding functor to a launch domain, returning the
// points assigned to each shard. Every point must map into the
// group's shard range.
func Slice(fn strata.ShardingFunctor, launch strata.Domain, total int) (map[strata.ShardID][]strata.DomainPoint, error) {
	slices := make(map[strata.ShardID][]strata.DomainPoint)
	var bad []strata.DomainPoint
	launch.Each(func(p strata.DomainPoint) {
		id := fn.Shard(p, launch, total)
		if int(id) >= total {
			bad = append(bad, p)
			return
		}
		slices[id] = append(slices[id], p)
	})
	if len(bad) > 0 {
		return nil, errors.E("replicate.slice", errors.Replication,
			errors.Errorf("sharding functor maps %s outside [0,%d)", bad[0], total))
	}
	return slices, nil
}

// CheckInvertible verifies that an invertible sharding functor's
// InvertShard agrees with its forward mapping: the inverses must
// cover the launch domain exactly once, each point landing on the
// shard that claims it.
func CheckInvertible(fn strata.InvertibleShardingFunctor, launch strata.Domain, total int) error {
	claimed := make(map[strata.DomainPoint]strata.ShardID)
	for id := 0; id < total; id++ {
		for _, p := range fn.InvertShard(strata.ShardID(id), launch, total) {
			if !launch.Contains(p) {
				return errors.E("replicate.invertible", errors.Replication,
					errors.Errorf("shard %d inverts to %s outside the launch domain", id, p))
			}
			if prev, dup := claimed[p]; dup {
				return errors.E("replicate.invertible", errors.Replication,
					errors.Errorf("%s claimed by shards %d and %d", p, prev, id))
			}
			claimed[p] = strata.ShardID(id)
		}
	}
	var err error
	launch.Each(func(p strata.DomainPoint) {
		if err != nil {
			return
		}
		id, ok := claimed[p]
		if !ok {
			err = errors.E("replicate.invertible", errors.Replication,
				errors.Errorf("no shard claims %s", p))
			return
		}
		if got := fn.Shard(p, launch, total); got != id {
			err = errors.E("replicate.invertible", errors.Replication,
				errors.Errorf("%s: forward mapping says shard %d, inverse says %d", p, got, id))
		}
	})
	return err
}

// CheckConcurrent verifies the placement constraint of a concurrent
// index launch: every point must execute on a distinct processor.
func CheckConcurrent(placement map[strata.DomainPoint]strata.Processor) error {
	used := make(map[strata.Processor]strata.DomainPoint)
	for p, proc := range placement {
		if prev, dup := used[proc]; dup {
			return errors.E("replicate.concurrent", errors.Replication,
				errors.Errorf("points %s and %s both placed on processor %d", prev, p, proc.ID))
		}
		used[proc] = p
	}
	return nil
}
