// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"context"

	"github.com/grailbio/base/traverse"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/rects"
	"github.com/strata-lang/strata/regiontree"
)

// ByField partitions region's index space by a point-valued field:
// child[c] = { p | field(p) = c }. Points whose field value has a
// negative coordinate or lies outside the color space are excluded.
// The result is always disjoint.
func (e *Engine) ByField(region strata.LogicalRegion, colorSpace strata.IndexSpace, fid strata.FieldID) (strata.IndexPartition, error) {
	if e.reader == nil {
		return strata.IndexPartition{}, errors.E("partition.byfield", errors.NotSupported,
			errors.New("no field reader installed"))
	}
	return e.forest.CreateIndexPartition(region.Index, colorSpace, regiontree.DisjointKind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			domain, err := e.forest.Domain(ctx, region.Index)
			if err != nil {
				return nil, err
			}
			colors, err := e.forest.Domain(ctx, colorSpace)
			if err != nil {
				return nil, err
			}
			pts := domain.Points()
			values := make([]rects.Point, len(pts))
			err = traverse.Each(len(pts), func(i int) error {
				v, err := e.reader.ReadPoint(ctx, region, fid, pts[i])
				if err != nil {
					return err
				}
				values[i] = v
				return nil
			})
			if err != nil {
				return nil, err
			}
			children := make(map[strata.DomainPoint][]rects.Point)
			for i, p := range pts {
				c := values[i]
				if negative(c) || !colors.Contains(c) {
					continue
				}
				children[c] = append(children[c], p)
			}
			out := make(map[strata.DomainPoint]rects.Set, len(children))
			for c, ps := range children {
				out[c] = rects.FromPoints(ps...)
			}
			return out, nil
		})
}

// ByImage partitions target by the image of a source partition
// through a point-valued field: child[c] = { field(p) | p ∈
// source[c] } ∩ target.
func (e *Engine) ByImage(target strata.IndexSpace, source strata.LogicalPartition, fid strata.FieldID, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.image(target, source, fid, kind, false)
}

// ByImageRange is ByImage with a rectangle-valued field: child[c] is
// the union of the rectangles stored at source[c]'s points,
// intersected with target.
func (e *Engine) ByImageRange(target strata.IndexSpace, source strata.LogicalPartition, fid strata.FieldID, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.image(target, source, fid, kind, true)
}

func (e *Engine) image(target strata.IndexSpace, source strata.LogicalPartition, fid strata.FieldID, kind regiontree.PartitionKind, ranged bool) (strata.IndexPartition, error) {
	if e.reader == nil {
		return strata.IndexPartition{}, errors.E("partition.byimage", errors.NotSupported,
			errors.New("no field reader installed"))
	}
	colorSpace, err := e.forest.ColorSpace(source.Partition)
	if err != nil {
		return strata.IndexPartition{}, err
	}
	return e.forest.CreateIndexPartition(target, colorSpace, kind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			targetDomain, err := e.forest.Domain(ctx, target)
			if err != nil {
				return nil, err
			}
			children, err := e.forest.Children(ctx, source.Partition)
			if err != nil {
				return nil, err
			}
			colors := make([]strata.DomainPoint, 0, len(children))
			for c := range children {
				colors = append(colors, c)
			}
			images := make([]rects.Set, len(colors))
			err = traverse.Each(len(colors), func(i int) error {
				sub, err := e.forest.Domain(ctx, children[colors[i]])
				if err != nil {
					return err
				}
				region := strata.LogicalRegion{Tree: source.Tree, Index: children[colors[i]], Fields: source.Fields}
				var img rects.Set
				pts := sub.Points()
				for _, p := range pts {
					if ranged {
						r, err := e.reader.ReadRect(ctx, region, fid, p)
						if err != nil {
							return err
						}
						img = img.Union(rects.FromRect(r))
					} else {
						v, err := e.reader.ReadPoint(ctx, region, fid, p)
						if err != nil {
							return err
						}
						img = img.Union(rects.FromPoints(v))
					}
				}
				images[i] = targetDomain.Intersect(img)
				return nil
			})
			if err != nil {
				return nil, err
			}
			out := make(map[strata.DomainPoint]rects.Set, len(colors))
			for i, c := range colors {
				out[c] = images[i]
			}
			return out, nil
		})
}

// ByPreimage partitions region's index space by the preimage of a
// projection partition through a point-valued field: child[c] = { p
// | field(p) ∈ projection[c] }.
func (e *Engine) ByPreimage(projection strata.IndexPartition, region strata.LogicalRegion, fid strata.FieldID, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.preimage(projection, region, fid, kind, false)
}

// ByPreimageRange is ByPreimage with a rectangle-valued field: p is
// included in child[c] when its rectangle overlaps projection[c].
func (e *Engine) ByPreimageRange(projection strata.IndexPartition, region strata.LogicalRegion, fid strata.FieldID, kind regiontree.PartitionKind) (strata.IndexPartition, error) {
	return e.preimage(projection, region, fid, kind, true)
}

func (e *Engine) preimage(projection strata.IndexPartition, region strata.LogicalRegion, fid strata.FieldID, kind regiontree.PartitionKind, ranged bool) (strata.IndexPartition, error) {
	if e.reader == nil {
		return strata.IndexPartition{}, errors.E("partition.bypreimage", errors.NotSupported,
			errors.New("no field reader installed"))
	}
	colorSpace, err := e.forest.ColorSpace(projection)
	if err != nil {
		return strata.IndexPartition{}, err
	}
	return e.forest.CreateIndexPartition(region.Index, colorSpace, kind,
		func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
			domain, err := e.forest.Domain(ctx, region.Index)
			if err != nil {
				return nil, err
			}
			proj, err := e.childDomains(ctx, projection)
			if err != nil {
				return nil, err
			}
			pts := domain.Points()
			pointVals := make([]rects.Point, len(pts))
			rectVals := make([]rects.Rect, len(pts))
			err = traverse.Each(len(pts), func(i int) error {
				if ranged {
					r, err := e.reader.ReadRect(ctx, region, fid, pts[i])
					if err != nil {
						return err
					}
					rectVals[i] = r
				} else {
					v, err := e.reader.ReadPoint(ctx, region, fid, pts[i])
					if err != nil {
						return err
					}
					pointVals[i] = v
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			out := make(map[strata.DomainPoint]rects.Set, len(proj))
			for c, d := range proj {
				var member []rects.Point
				for i, p := range pts {
					if ranged {
						if d.Overlaps(rects.FromRect(rectVals[i])) {
							member = append(member, p)
						}
					} else if d.Contains(pointVals[i]) {
						member = append(member, p)
					}
				}
				out[c] = rects.FromPoints(member...)
			}
			return out, nil
		})
}

func negative(p rects.Point) bool {
	for i := 0; i < p.Dim; i++ {
		if p.C[i] < 0 {
			return true
		}
	}
	return false
}
