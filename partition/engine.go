// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition implements the dependent-partitioning engine:
// index partitions whose children are defined by data (fields,
// images, preimages), by algebra over other partitions, or by
// apportioning (equal and weighted splits). Every call returns a
// partition handle immediately; children are computed lazily, on
// first demand, inside the region forest's materialization hook.
package partition

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/log"
	"github.com/strata-lang/strata/rects"
	"github.com/strata-lang/strata/regiontree"
)

// A FieldReader reads point- and rectangle-valued field elements out
// of region data. The physical layer provides the implementation
// used by data-dependent partitioning (by-field, by-image,
// by-preimage).
type FieldReader interface {
	// ReadPoint returns the point stored in region's field fid at p.
	ReadPoint(ctx context.Context, region strata.LogicalRegion, fid strata.FieldID, p rects.Point) (rects.Point, error)
	// ReadRect returns the rectangle stored in region's field fid at p.
	ReadRect(ctx context.Context, region strata.LogicalRegion, fid strata.FieldID, p rects.Point) (rects.Rect, error)
}

// An Engine computes dependent partitions over a region forest.
type Engine struct {
	forest *regiontree.Forest
	reader FieldReader
	log    *log.Logger
}

// NewEngine returns an engine over the given forest. The reader may
// be nil if no data-dependent partitioning is performed.
func NewEngine(forest *regiontree.Forest, reader FieldReader, logger *log.Logger) *Engine {
	return &Engine{forest: forest, reader: reader, log: logger}
}

// Forest returns the engine's region forest.
func (e *Engine) Forest() *regiontree.Forest { return e.forest }

// colorOrder returns the color space's points in lexicographic
// order.
func (e *Engine) colorOrder(ctx context.Context, colorSpace strata.IndexSpace) ([]rects.Point, error) {
	d, err := e.forest.Domain(ctx, colorSpace)
	if err != nil {
		return nil, err
	}
	pts := d.Points()
	sort.Slice(pts, func(i, j int) bool { return pts[i].Less(pts[j]) })
	return pts, nil
}

// Equal partitions parent into equal-sized children, one per color.
// When the color space is a single rectangle of the parent's
// dimensionality the parent's bounding rectangle is tiled blockwise;
// otherwise points are dealt out in lexicographic order along the
// leading dimension. Each nonempty child receives at least
// granularity points while points remain.
func (e *Engine) Equal(parent, colorSpace strata.IndexSpace, granularity int64) (strata.IndexPartition, error) {
	return e.forest.CreateIndexPartition(parent, colorSpace, regiontree.DisjointKind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			domain, err := e.forest.Domain(ctx, parent)
			if err != nil {
				return nil, err
			}
			colors, err := e.forest.Domain(ctx, colorSpace)
			if err != nil {
				return nil, err
			}
			if cr := colors.Rects(); len(cr) == 1 && colors.Dim() == domain.Dim() {
				return tileBlocks(domain, cr[0]), nil
			}
			order, err := e.colorOrder(ctx, colorSpace)
			if err != nil {
				return nil, err
			}
			weights := make(map[strata.DomainPoint]int64, len(order))
			for _, c := range order {
				weights[c] = 1
			}
			return dealPoints(domain, order, weights, granularity)
		})
}

// ByWeights apportions parent's points across colors in proportion
// to the provided weights, with a granularity floor. A zero total
// weight is invalid.
func (e *Engine) ByWeights(parent, colorSpace strata.IndexSpace, weights map[strata.DomainPoint]int64, granularity int64) (strata.IndexPartition, error) {
	return e.forest.CreateIndexPartition(parent, colorSpace, regiontree.DisjointKind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			domain, err := e.forest.Domain(ctx, parent)
			if err != nil {
				return nil, err
			}
			order, err := e.colorOrder(ctx, colorSpace)
			if err != nil {
				return nil, err
			}
			return dealPoints(domain, order, weights, granularity)
		})
}

// ByWeightsFuture is ByWeights with the weights carried by a future
// map of little-endian int64 payloads. Resolution blocks on the
// map's futures.
func (e *Engine) ByWeightsFuture(parent, colorSpace strata.IndexSpace, weights *future.Map, granularity int64) (strata.IndexPartition, error) {
	return e.forest.CreateIndexPartition(parent, colorSpace, regiontree.DisjointKind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			domain, err := e.forest.Domain(ctx, parent)
			if err != nil {
				return nil, err
			}
			order, err := e.colorOrder(ctx, colorSpace)
			if err != nil {
				return nil, err
			}
			w := make(map[strata.DomainPoint]int64, len(order))
			for _, c := range order {
				f, err := weights.Future(c)
				if err != nil {
					return nil, err
				}
				b, err := f.Get(ctx, true, "partition weight")
				if err != nil {
					return nil, err
				}
				if len(b) != 8 {
					return nil, errors.E("partition.byweights", errors.Invalid,
						errors.Errorf("weight payload is %d bytes, want 8", len(b)))
				}
				w[c] = int64(binary.LittleEndian.Uint64(b))
			}
			return dealPoints(domain, order, w, granularity)
		})
}

// tileBlocks splits the bounding rectangle of domain evenly along
// every dimension, one tile per color, and intersects each tile with
// the domain.
func tileBlocks(domain rects.Set, colors rects.Rect) map[strata.DomainPoint]rects.Set {
	bounds := domain.Bounds()
	dim := domain.Dim()
	out := make(map[strata.DomainPoint]rects.Set)
	colors.Each(func(c rects.Point) {
		var lo, hi rects.Point
		lo.Dim, hi.Dim = dim, dim
		for i := 0; i < dim; i++ {
			n := colors.Hi.C[i] - colors.Lo.C[i] + 1
			k := c.C[i] - colors.Lo.C[i]
			extent := bounds.Hi.C[i] - bounds.Lo.C[i] + 1
			base, rem := extent/n, extent%n
			start := bounds.Lo.C[i] + k*base
			size := base
			if k < rem {
				start += k
				size++
			} else {
				start += rem
			}
			lo.C[i] = start
			hi.C[i] = start + size - 1
		}
		out[c] = domain.Intersect(rects.FromRect(rects.R(lo, hi)))
	})
	return out
}

// dealPoints apportions domain's points across colors (in order) by
// weight, dealing consecutive runs in lexicographic point order.
func dealPoints(domain rects.Set, order []rects.Point, weights map[strata.DomainPoint]int64, granularity int64) (map[strata.DomainPoint]rects.Set, error) {
	var total int64
	for _, c := range order {
		w := weights[c]
		if w < 0 {
			return nil, errors.E("partition.deal", errors.Invalid,
				errors.Errorf("negative weight %d at color %s", w, c))
		}
		total += w
	}
	if total == 0 {
		return nil, errors.E("partition.deal", errors.Invalid, errors.New("zero total weight"))
	}
	volume := domain.Volume()
	quotas := make([]int64, len(order))
	var assigned int64
	for i, c := range order {
		quotas[i] = volume * weights[c] / total
		if weights[c] > 0 && granularity > 0 && quotas[i] < granularity {
			quotas[i] = granularity
		}
		assigned += quotas[i]
	}
	// Hand leftover points to weighted colors in order.
	for i := 0; assigned < volume && len(order) > 0; i = (i + 1) % len(order) {
		if weights[order[i]] > 0 {
			quotas[i]++
			assigned++
		}
	}
	children := make(map[strata.DomainPoint][]rects.Point, len(order))
	idx, taken := 0, int64(0)
	domain.Each(func(p rects.Point) {
		for idx < len(order) && taken >= quotas[idx] {
			idx, taken = idx+1, 0
		}
		if idx == len(order) {
			return
		}
		children[order[idx]] = append(children[order[idx]], p)
		taken++
	})
	out := make(map[strata.DomainPoint]rects.Set, len(order))
	for _, c := range order {
		out[c] = rects.FromPoints(children[c]...)
	}
	return out, nil
}
