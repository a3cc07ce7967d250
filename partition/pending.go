// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"context"
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/rects"
	"github.com/strata-lang/strata/regiontree"
)

// A Pending is a partition whose children are filled in color by
// color, each as a union, intersection, or difference of index
// spaces. Unfilled colors at materialization time are an error.
type Pending struct {
	engine *Engine
	handle strata.IndexPartition

	mu     sync.Mutex
	filled map[strata.DomainPoint]pendingChild
}

type pendingChild struct {
	op      zipKind
	initial strata.IndexSpace // difference only
	spaces  []strata.IndexSpace
}

// Pending declares a partition of parent whose children will be
// supplied later through SetUnion, SetIntersection, and
// SetDifference.
func (e *Engine) Pending(parent, colorSpace strata.IndexSpace, kind regiontree.PartitionKind) (*Pending, error) {
	p := &Pending{engine: e, filled: make(map[strata.DomainPoint]pendingChild)}
	handle, err := e.forest.CreateIndexPartition(parent, colorSpace, kind, p.resolve)
	if err != nil {
		return nil, err
	}
	p.handle = handle
	return p, nil
}

// Handle returns the partition handle, valid from declaration.
func (p *Pending) Handle() strata.IndexPartition { return p.handle }

func (p *Pending) fill(color strata.DomainPoint, child pendingChild) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.filled[color]; ok {
		return errors.E("partition.pending", p.handle, errors.DuplicateColor,
			errors.Errorf("color %s filled twice", color))
	}
	p.filled[color] = child
	return nil
}

// SetUnion fills the child at color with the union of the given
// index spaces.
func (p *Pending) SetUnion(color strata.DomainPoint, spaces []strata.IndexSpace) error {
	return p.fill(color, pendingChild{op: zipUnion, spaces: spaces})
}

// SetIntersection fills the child at color with the intersection of
// the given index spaces.
func (p *Pending) SetIntersection(color strata.DomainPoint, spaces []strata.IndexSpace) error {
	return p.fill(color, pendingChild{op: zipIntersect, spaces: spaces})
}

// SetDifference fills the child at color with initial minus the
// union of the given index spaces.
func (p *Pending) SetDifference(color strata.DomainPoint, initial strata.IndexSpace, spaces []strata.IndexSpace) error {
	return p.fill(color, pendingChild{op: zipSubtract, initial: initial, spaces: spaces})
}

func (p *Pending) resolve(ctx context.Context) (map[strata.DomainPoint]rects.Set, error) {
	colorSpace, err := p.engine.forest.ColorSpace(p.handle)
	if err != nil {
		return nil, err
	}
	colors, err := p.engine.forest.Domain(ctx, colorSpace)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[strata.DomainPoint]rects.Set, len(p.filled))
	var missing error
	colors.Each(func(c rects.Point) {
		if missing != nil {
			return
		}
		child, ok := p.filled[c]
		if !ok {
			missing = errors.E("partition.pending", p.handle, errors.Partition,
				errors.Errorf("color %s never filled", c))
			return
		}
		d, err := p.computeChild(ctx, child)
		if err != nil {
			missing = err
			return
		}
		out[c] = d
	})
	if missing != nil {
		return nil, missing
	}
	return out, nil
}

func (p *Pending) computeChild(ctx context.Context, child pendingChild) (rects.Set, error) {
	var acc rects.Set
	switch child.op {
	case zipUnion, zipIntersect:
		for i, is := range child.spaces {
			d, err := p.engine.forest.Domain(ctx, is)
			if err != nil {
				return rects.Set{}, err
			}
			if i == 0 {
				acc = d
			} else if child.op == zipUnion {
				acc = acc.Union(d)
			} else {
				acc = acc.Intersect(d)
			}
		}
	case zipSubtract:
		d, err := p.engine.forest.Domain(ctx, child.initial)
		if err != nil {
			return rects.Set{}, err
		}
		acc = d
		for _, is := range child.spaces {
			d, err := p.engine.forest.Domain(ctx, is)
			if err != nil {
				return rects.Set{}, err
			}
			acc = acc.Subtract(d)
		}
	}
	return acc, nil
}
