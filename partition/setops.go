// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"context"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/rects"
	"github.com/strata-lang/strata/regiontree"
)

// zipKind selects the pointwise set operation of a zipped partition.
type zipKind int

const (
	zipUnion zipKind = iota
	zipIntersect
	zipSubtract
)

// ByUnion partitions parent with child[c] = p1[c] ∪ p2[c] for every
// color in the intersection of the two color spaces.
func (e *Engine) ByUnion(parent, colorSpace strata.IndexSpace, p1, p2 strata.IndexPartition, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.zip(parent, colorSpace, p1, p2, kind, zipUnion)
}

// ByIntersection partitions parent with child[c] = p1[c] ∩ p2[c].
func (e *Engine) ByIntersection(parent, colorSpace strata.IndexSpace, p1, p2 strata.IndexPartition, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.zip(parent, colorSpace, p1, p2, kind, zipIntersect)
}

// ByDifference partitions parent with child[c] = p1[c] \ p2[c].
func (e *Engine) ByDifference(parent, colorSpace strata.IndexSpace, p1, p2 strata.IndexPartition, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.zip(parent, colorSpace, p1, p2, kind, zipSubtract)
}

func (e *Engine) zip(parent, colorSpace strata.IndexSpace, p1, p2 strata.IndexPartition, kind regiontree.PartitionKind, op zipKind) (strata.IndexPartition, error) {
	if p1.Tree != p2.Tree {
		return strata.IndexPartition{}, errors.E("partition.zip", errors.WrongTree,
			errors.Errorf("partitions %s and %s are from different index trees", p1, p2))
	}
	return e.forest.CreateIndexPartition(parent, colorSpace, kind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			left, err := e.childDomains(ctx, p1)
			if err != nil {
				return nil, err
			}
			right, err := e.childDomains(ctx, p2)
			if err != nil {
				return nil, err
			}
			colors, err := e.forest.Domain(ctx, colorSpace)
			if err != nil {
				return nil, err
			}
			out := make(map[strata.DomainPoint]rects.Set)
			for c, l := range left {
				r, ok := right[c]
				if !ok || !colors.Contains(c) {
					continue
				}
				switch op {
				case zipUnion:
					out[c] = l.Union(r)
				case zipIntersect:
					out[c] = l.Intersect(r)
				case zipSubtract:
					out[c] = l.Subtract(r)
				}
			}
			return out, nil
		})
}

// childDomains materializes a partition and returns its children's
// point sets by color.
func (e *Engine) childDomains(ctx context.Context, ip strata.IndexPartition) (map[strata.DomainPoint]rects.Set, error) {
	children, err := e.forest.Children(ctx, ip)
	if err != nil {
		return nil, err
	}
	out := make(map[strata.DomainPoint]rects.Set, len(children))
	for c, is := range children {
		d, err := e.forest.Domain(ctx, is)
		if err != nil {
			return nil, err
		}
		out[c] = d
	}
	return out, nil
}

// ByIntersectionWithParent mirrors source onto a new parent: child[c]
// = parent ∩ source[c]. When dominates is set the caller asserts
// parent contains every child of source, and the intersection is
// elided.
func (e *Engine) ByIntersectionWithParent(parent strata.IndexSpace, source strata.IndexPartition, dominates bool, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	colorSpace, err := e.forest.ColorSpace(source)
	if err != nil {
		return strata.IndexPartition{}, err
	}
	return e.forest.CreateIndexPartition(parent, colorSpace, kind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			children, err := e.childDomains(ctx, source)
			if err != nil {
				return nil, err
			}
			if dominates {
				return children, nil
			}
			domain, err := e.forest.Domain(ctx, parent)
			if err != nil {
				return nil, err
			}
			out := make(map[strata.DomainPoint]rects.Set, len(children))
			for c, d := range children {
				out[c] = domain.Intersect(d)
			}
			return out, nil
		})
}

// CrossProduct partitions every child of p1 by p2: for each color c1
// of p1, the result holds a partition of p1[c1] whose child at c2 is
// p1[c1] ∩ p2[c2]. The generated partitions share p2's color space.
func (e *Engine) CrossProduct(ctx context.Context, p1, p2 strata.IndexPartition, kind regiontree.PartitionKind) (map[strata.DomainPoint]strata.IndexPartition, error) {
	if p1.Tree != p2.Tree {
		return nil, errors.E("partition.crossproduct", errors.WrongTree,
			errors.Errorf("partitions %s and %s are from different index trees", p1, p2))
	}
	colorSpace, err := e.forest.ColorSpace(p2)
	if err != nil {
		return nil, err
	}
	children, err := e.forest.Children(ctx, p1)
	if err != nil {
		return nil, err
	}
	out := make(map[strata.DomainPoint]strata.IndexPartition, len(children))
	for c1, sub := range children {
		sub := sub
		ip, err := e.forest.CreateIndexPartition(sub, colorSpace, kind,
			func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
				left, err := e.forest.Domain(ctx, sub)
				if err != nil {
					return nil, err
				}
				right, err := e.childDomains(ctx, p2)
				if err != nil {
					return nil, err
				}
				grid := make(map[strata.DomainPoint]rects.Set, len(right))
				for c2, d := range right {
					grid[c2] = left.Intersect(d)
				}
				return grid, nil
			})
		if err != nil {
			return nil, err
		}
		out[c1] = ip
	}
	return out, nil
}
