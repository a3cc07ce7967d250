// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"context"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/rects"
	"github.com/strata-lang/strata/regiontree"
)

// ByDomain partitions parent with the supplied per-color point sets,
// optionally intersecting each with the parent.
func (e *Engine) ByDomain(parent, colorSpace strata.IndexSpace, domains map[strata.DomainPoint]rects.Set, performIntersection bool, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.forest.CreateIndexPartition(parent, colorSpace, kind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			if !performIntersection {
				return domains, nil
			}
			pd, err := e.forest.Domain(ctx, parent)
			if err != nil {
				return nil, err
			}
			out := make(map[strata.DomainPoint]rects.Set, len(domains))
			for c, d := range domains {
				out[c] = pd.Intersect(d)
			}
			return out, nil
		})
}

// ByDomainFuture is ByDomain with the domains carried by a future
// map of encoded point sets (see regiontree.EncodeDomain).
// Resolution blocks on the map's futures.
func (e *Engine) ByDomainFuture(parent, colorSpace strata.IndexSpace, domains *future.Map, performIntersection bool, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.forest.CreateIndexPartition(parent, colorSpace, kind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			var pd rects.Set
			if performIntersection {
				var err error
				pd, err = e.forest.Domain(ctx, parent)
				if err != nil {
					return nil, err
				}
			}
			out := make(map[strata.DomainPoint]rects.Set)
			for _, c := range domains.Domain().Points() {
				f, err := domains.Future(c)
				if err != nil {
					return nil, err
				}
				b, err := f.Get(ctx, true, "partition domain")
				if err != nil {
					return nil, err
				}
				d, err := regiontree.DecodeDomain(b)
				if err != nil {
					return nil, err
				}
				if performIntersection {
					d = pd.Intersect(d)
				}
				out[c] = d
			}
			return out, nil
		})
}

// ByRectangles is ByDomain with per-color rectangle lists.
func (e *Engine) ByRectangles(parent, colorSpace strata.IndexSpace, rectangles map[strata.DomainPoint][]rects.Rect, performIntersection bool, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	domains := make(map[strata.DomainPoint]rects.Set, len(rectangles))
	for c, rs := range rectangles {
		domains[c] = rects.NewSet(rs...)
	}
	return e.ByDomain(parent, colorSpace, domains, performIntersection, kind)
}
