// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package strata

import "context"

// An UpperBound is the region or partition (mutually exclusive) a
// projection functor projects from.
type UpperBound struct {
	Region    LogicalRegion
	Partition LogicalPartition
}

// IsPartition tells whether the upper bound is a partition.
func (u UpperBound) IsPartition() bool { return u.Partition.Exists() }

// A ProjectionFunctor maps an upper-bound region or partition and a
// launch point to a concrete region. Functors must be deterministic
// in the upper bound, point, launch domain, and arguments. An
// exclusive functor's Project calls are serialized by the runtime.
type ProjectionFunctor interface {
	// Depth reports how many partition levels the projection
	// traverses below the upper bound.
	Depth() int
	// Exclusive requests that Project calls be serialized.
	Exclusive() bool
	// Project returns the region for the given launch point.
	Project(ctx context.Context, upper UpperBound, point DomainPoint, launch Domain, args []byte) (LogicalRegion, error)
}

// An InvertibleProjectionFunctor can additionally enumerate the
// launch points that project to a given region, enabling
// point-to-point dependences within an index launch.
type InvertibleProjectionFunctor interface {
	ProjectionFunctor
	Invert(ctx context.Context, region LogicalRegion, upper UpperBound, launch Domain) ([]DomainPoint, error)
}

// A ShardingFunctor assigns each point of an index operation to a
// shard. It must be a pure function of its arguments.
type ShardingFunctor interface {
	Shard(point DomainPoint, launch Domain, total int) ShardID
}

// An InvertibleShardingFunctor can enumerate the points owned by a
// shard.
type InvertibleShardingFunctor interface {
	ShardingFunctor
	InvertShard(shard ShardID, launch Domain, total int) []DomainPoint
}

// A PointTransformFunctor is a bijection between two point domains.
type PointTransformFunctor interface {
	TransformPoint(p DomainPoint) DomainPoint
}
