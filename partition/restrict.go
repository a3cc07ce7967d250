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

// A Transform is an integer matrix mapping color-space points to
// offsets in the partitioned space. Rows is the dimensionality of
// the partitioned space, Cols that of the color space.
type Transform struct {
	Rows, Cols int
	M          [rects.MaxDim][rects.MaxDim]int64
}

// Apply returns the matrix-vector product of t and color c, a point
// of dimension t.Rows.
func (t Transform) Apply(c rects.Point) rects.Point {
	var p rects.Point
	p.Dim = t.Rows
	for i := 0; i < t.Rows; i++ {
		for j := 0; j < t.Cols; j++ {
			p.C[i] += t.M[i][j] * c.C[j]
		}
	}
	return p
}

// ByRestriction partitions parent with child[c] = parent ∩ (extent +
// transform·c).
func (e *Engine) ByRestriction(parent, colorSpace strata.IndexSpace, transform Transform, extent rects.Rect, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.forest.CreateIndexPartition(parent, colorSpace, kind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			domain, err := e.forest.Domain(ctx, parent)
			if err != nil {
				return nil, err
			}
			if transform.Rows != domain.Dim() {
				return nil, errors.E("partition.byrestriction", errors.Invalid,
					errors.Errorf("transform has %d rows, parent has dimension %d", transform.Rows, domain.Dim()))
			}
			colors, err := e.forest.Domain(ctx, colorSpace)
			if err != nil {
				return nil, err
			}
			out := make(map[strata.DomainPoint]rects.Set)
			colors.Each(func(c rects.Point) {
				off := transform.Apply(c)
				r := rects.R(extent.Lo.Add(off), extent.Hi.Add(off))
				out[c] = domain.Intersect(rects.FromRect(r))
			})
			return out, nil
		})
}

// ByBlockify tiles parent by a blocking factor, optionally offset by
// an origin. It creates its own color space, sized to cover the
// parent's bounds, and is always disjoint.
func (e *Engine) ByBlockify(ctx context.Context, parent strata.IndexSpace, factor, origin rects.Point) (strata.IndexPartition, error) {
	domain, err := e.forest.Domain(ctx, parent)
	if err != nil {
		return strata.IndexPartition{}, err
	}
	dim := domain.Dim()
	if factor.Dim != dim {
		return strata.IndexPartition{}, errors.E("partition.byblockify", errors.Invalid,
			errors.Errorf("blocking factor has dimension %d, parent %d", factor.Dim, dim))
	}
	for i := 0; i < dim; i++ {
		if factor.C[i] <= 0 {
			return strata.IndexPartition{}, errors.E("partition.byblockify", errors.Invalid,
				errors.Errorf("nonpositive blocking factor %s", factor))
		}
	}
	if origin.Dim == 0 {
		origin = domain.Bounds().Lo
	}
	bounds := domain.Bounds()
	var clo, chi rects.Point
	clo.Dim, chi.Dim = dim, dim
	for i := 0; i < dim; i++ {
		clo.C[i] = floorDiv(bounds.Lo.C[i]-origin.C[i], factor.C[i])
		chi.C[i] = floorDiv(bounds.Hi.C[i]-origin.C[i], factor.C[i])
	}
	colorSpace := e.forest.CreateIndexSpace(rects.FromRect(rects.R(clo, chi)))

	var t Transform
	t.Rows, t.Cols = dim, dim
	var elo, ehi rects.Point
	elo.Dim, ehi.Dim = dim, dim
	for i := 0; i < dim; i++ {
		t.M[i][i] = factor.C[i]
		elo.C[i] = origin.C[i]
		ehi.C[i] = origin.C[i] + factor.C[i] - 1
	}
	return e.ByRestriction(parent, colorSpace, t, rects.R(elo, ehi), regiontree.DisjointKind)
}

// floorDiv is integer division rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
