// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package regiontree maintains the runtime's region forest: index
// trees (alternating index spaces and index partitions), field
// spaces, and the logical region trees derived from them. It answers
// the traversal, ancestry, and color-space queries that dependence
// analysis and dependent partitioning are built on.
//
// Index partitions may be declared with deferred children: their
// child subspaces are materialized at most once, on first demand, by
// a resolver installed at declaration time (see package partition).
package regiontree

import (
	"context"
	"sync"

	"github.com/grailbio/base/sync/once"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/log"
	"github.com/strata-lang/strata/rects"
)

// PartitionKind declares the disjointness of a partition at creation
// time.
type PartitionKind int

const (
	// ComputeKind requests that the runtime compute disjointness.
	ComputeKind PartitionKind = iota
	// DisjointKind asserts pairwise-disjoint children.
	DisjointKind
	// AliasedKind permits overlapping children.
	AliasedKind
)

func (k PartitionKind) String() string {
	switch k {
	case DisjointKind:
		return "disjoint"
	case AliasedKind:
		return "aliased"
	default:
		return "compute"
	}
}

// A ChildResolver materializes the children of a deferred partition:
// a mapping from color to child point set. Resolvers are invoked at
// most once.
type ChildResolver func(ctx context.Context) (map[strata.DomainPoint]rects.Set, error)

// spaceNode is the state behind an IndexSpace handle.
type spaceNode struct {
	handle strata.IndexSpace
	parent *partNode          // nil for top-level spaces
	color  strata.DomainPoint // color within parent, if any

	domain    rects.Set
	domainFut *future.Future // deferred domain, resolved on demand
	domainSet bool

	children map[uint64]*partNode // partitions of this space, by id

	refs  int
	dead  bool
	names *semanticStore
}

// partNode is the state behind an IndexPartition handle.
type partNode struct {
	handle     strata.IndexPartition
	parent     *spaceNode
	colorSpace strata.IndexSpace
	kind       PartitionKind
	complete   int // -1 unknown, 0 incomplete, 1 complete

	resolve     ChildResolver
	resolveOnce once.Task
	children    map[strata.DomainPoint]*spaceNode

	refs  int
	dead  bool
	names *semanticStore
}

// A Forest owns every index tree, field space, and logical region
// tree created by a runtime instance.
type Forest struct {
	mu sync.Mutex

	nextSpace  uint64
	nextPart   uint64
	nextTree   uint64
	nextField  uint32
	nextFSpace uint64
	nextRTree  uint64

	spaces map[strata.IndexSpace]*spaceNode
	parts  map[strata.IndexPartition]*partNode
	fields map[strata.FieldSpace]*fieldSpaceNode
	rtrees map[strata.RegionTreeID]*regionTreeNode

	// Partcheck enables (slow) verification of partition invariants
	// at materialization time.
	Partcheck bool
	// NoDynamic disables dynamic disjointness testing: ComputeKind
	// partitions are treated as aliased.
	NoDynamic bool

	Log *log.Logger
}

// NewForest returns an empty forest.
func NewForest() *Forest {
	return &Forest{
		spaces: make(map[strata.IndexSpace]*spaceNode),
		parts:  make(map[strata.IndexPartition]*partNode),
		fields: make(map[strata.FieldSpace]*fieldSpaceNode),
		rtrees: make(map[strata.RegionTreeID]*regionTreeNode),
	}
}

// CreateIndexSpace creates a top-level index space over the provided
// domain.
func (f *Forest) CreateIndexSpace(domain rects.Set) strata.IndexSpace {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newSpaceLocked(domain, nil, strata.DomainPoint{}).handle
}

// CreateIndexSpaceFuture creates a top-level index space whose
// domain is carried by a future holding an encoded domain (see
// EncodeDomain). The domain resolves on first query.
func (f *Forest) CreateIndexSpaceFuture(dim int, fut *future.Future) strata.IndexSpace {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.newSpaceLocked(rects.EmptySet(dim), nil, strata.DomainPoint{})
	n.domainSet = false
	n.domainFut = fut
	return n.handle
}

// newSpaceLocked allocates a space node. The caller must hold f.mu.
func (f *Forest) newSpaceLocked(domain rects.Set, parent *partNode, color strata.DomainPoint) *spaceNode {
	f.nextSpace++
	var tree strata.TreeID
	if parent != nil {
		tree = parent.handle.Tree
	} else {
		f.nextTree++
		tree = strata.TreeID(f.nextTree)
	}
	n := &spaceNode{
		handle: strata.IndexSpace{
			ID:   f.nextSpace,
			Tree: tree,
			Tag:  strata.MakeTypeTag(domain.Dim(), strata.CoordInt64),
		},
		parent:    parent,
		color:     color,
		domain:    domain,
		domainSet: true,
		children:  make(map[uint64]*partNode),
		refs:      1,
		names:     newSemanticStore(),
	}
	f.spaces[n.handle] = n
	return n
}

// UnionIndexSpaces creates an index space covering the union of the
// provided spaces, which must share a dimensionality.
func (f *Forest) UnionIndexSpaces(ctx context.Context, spaces []strata.IndexSpace) (strata.IndexSpace, error) {
	var u rects.Set
	for _, is := range spaces {
		d, err := f.Domain(ctx, is)
		if err != nil {
			return strata.IndexSpace{}, err
		}
		u = u.Union(d)
	}
	return f.CreateIndexSpace(u), nil
}

// IntersectIndexSpaces creates an index space covering the
// intersection of the provided spaces.
func (f *Forest) IntersectIndexSpaces(ctx context.Context, spaces []strata.IndexSpace) (strata.IndexSpace, error) {
	if len(spaces) == 0 {
		return f.CreateIndexSpace(rects.Set{}), nil
	}
	x, err := f.Domain(ctx, spaces[0])
	if err != nil {
		return strata.IndexSpace{}, err
	}
	for _, is := range spaces[1:] {
		d, err := f.Domain(ctx, is)
		if err != nil {
			return strata.IndexSpace{}, err
		}
		x = x.Intersect(d)
	}
	return f.CreateIndexSpace(x), nil
}

// SubtractIndexSpaces creates an index space covering left minus
// right.
func (f *Forest) SubtractIndexSpaces(ctx context.Context, left, right strata.IndexSpace) (strata.IndexSpace, error) {
	l, err := f.Domain(ctx, left)
	if err != nil {
		return strata.IndexSpace{}, err
	}
	r, err := f.Domain(ctx, right)
	if err != nil {
		return strata.IndexSpace{}, err
	}
	return f.CreateIndexSpace(l.Subtract(r)), nil
}

// Domain returns the point set of an index space, resolving a
// deferred domain if necessary. Resolution may block on the domain
// future.
func (f *Forest) Domain(ctx context.Context, is strata.IndexSpace) (rects.Set, error) {
	f.mu.Lock()
	n, ok := f.spaces[is]
	f.mu.Unlock()
	if !ok {
		return rects.Set{}, errors.E("forest.domain", errors.NotExist, is)
	}
	return f.domainOf(ctx, n)
}

func (f *Forest) domainOf(ctx context.Context, n *spaceNode) (rects.Set, error) {
	f.mu.Lock()
	if n.domainSet {
		d := n.domain
		f.mu.Unlock()
		return d, nil
	}
	fut := n.domainFut
	f.mu.Unlock()
	b, err := fut.Get(ctx, true, "index space domain")
	if err != nil {
		return rects.Set{}, err
	}
	d, err := DecodeDomain(b)
	if err != nil {
		return rects.Set{}, err
	}
	f.mu.Lock()
	if !n.domainSet {
		n.domain = d
		n.domainSet = true
	}
	d = n.domain
	f.mu.Unlock()
	return d, nil
}

// HasIndexSpace tells whether the handle names a live index space.
func (f *Forest) HasIndexSpace(is strata.IndexSpace) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.spaces[is]
	return ok
}

// CreateIndexPartition declares a partition of parent with the given
// color space and kind, and a resolver that materializes its
// children on first demand. The returned handle is valid
// immediately.
func (f *Forest) CreateIndexPartition(parent strata.IndexSpace, colorSpace strata.IndexSpace, kind PartitionKind, resolve ChildResolver) (strata.IndexPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pn, ok := f.spaces[parent]
	if !ok {
		return strata.IndexPartition{}, errors.E("forest.partition", errors.NotExist, parent)
	}
	if _, ok := f.spaces[colorSpace]; !ok {
		return strata.IndexPartition{}, errors.E("forest.partition", errors.NotExist, colorSpace)
	}
	if f.NoDynamic && kind == ComputeKind {
		kind = AliasedKind
	}
	f.nextPart++
	n := &partNode{
		handle: strata.IndexPartition{
			ID:   f.nextPart,
			Tree: parent.Tree,
			Tag:  parent.Tag,
		},
		parent:     pn,
		colorSpace: colorSpace,
		kind:       kind,
		complete:   -1,
		resolve:    resolve,
		children:   make(map[strata.DomainPoint]*spaceNode),
		refs:       1,
		names:      newSemanticStore(),
	}
	f.parts[n.handle] = n
	pn.children[n.handle.ID] = n
	return n.handle, nil
}

// CreateIndexPartitionExplicit declares a partition with its
// children supplied up front as a color map.
func (f *Forest) CreateIndexPartitionExplicit(parent strata.IndexSpace, colorSpace strata.IndexSpace, kind PartitionKind, children map[strata.DomainPoint]rects.Set) (strata.IndexPartition, error) {
	kids := children
	return f.CreateIndexPartition(parent, colorSpace, kind, func(context.Context) (map[strata.DomainPoint]rects.Set, error) {
		return kids, nil
	})
}

// materialize resolves the partition's children, verifying
// invariants when Partcheck is enabled. It is run at most once per
// partition.
func (f *Forest) materialize(ctx context.Context, n *partNode) error {
	return n.resolveOnce.Do(func() error {
		children, err := n.resolve(ctx)
		if err != nil {
			return err
		}
		colors, err := f.Domain(ctx, n.colorSpace)
		if err != nil {
			return err
		}
		parentDomain, err := f.domainOf(ctx, n.parent)
		if err != nil {
			return err
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for color, set := range children {
			if !colors.Contains(color) {
				return errors.E("forest.materialize", n.handle, errors.NotExist,
					errors.Errorf("color %s outside color space %s", color, colors))
			}
			if _, ok := n.children[color]; ok {
				return errors.E("forest.materialize", n.handle, errors.DuplicateColor,
					errors.Errorf("color %s resolved twice", color))
			}
			child := f.newSpaceLocked(set, n, color)
			n.children[color] = child
		}
		if f.Partcheck {
			if err := f.verifyLocked(ctx, n, parentDomain); err != nil {
				return err
			}
		}
		return nil
	})
}

// verifyLocked checks containment and any asserted disjointness or
// completeness of a materialized partition. The caller must hold
// f.mu.
func (f *Forest) verifyLocked(ctx context.Context, n *partNode, parent rects.Set) error {
	var union rects.Set
	for color, child := range n.children {
		if !parent.ContainsSet(child.domain) {
			return errors.E("forest.partcheck", n.handle, errors.Partition,
				errors.Errorf("child %s not contained in parent", color))
		}
		if n.kind == DisjointKind && union.Overlaps(child.domain) {
			return errors.E("forest.partcheck", n.handle, errors.Partition,
				errors.Errorf("child %s overlaps a sibling in a disjoint partition", color))
		}
		union = union.Union(child.domain)
	}
	if n.complete == 1 && !union.Equal(parent) {
		return errors.E("forest.partcheck", n.handle, errors.Partition,
			errors.New("children of a complete partition leave gaps"))
	}
	return nil
}

// Subspace returns the child of partition ip at the given color,
// materializing children if needed. Missing colors fail with
// NotExist.
func (f *Forest) Subspace(ctx context.Context, ip strata.IndexPartition, color strata.DomainPoint) (strata.IndexSpace, error) {
	f.mu.Lock()
	n, ok := f.parts[ip]
	f.mu.Unlock()
	if !ok {
		return strata.IndexSpace{}, errors.E("forest.subspace", errors.NotExist, ip)
	}
	if err := f.materialize(ctx, n); err != nil {
		return strata.IndexSpace{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	child, ok := n.children[color]
	if !ok {
		// Colors inside the color space but absent from the resolved
		// map denote empty children for zipped set operations; colors
		// outside the color space are errors.
		colors := f.spaces[n.colorSpace]
		if colors != nil && colors.domainSet && colors.domain.Contains(color) {
			child = f.newSpaceLocked(rects.EmptySet(n.parent.domain.Dim()), n, color)
			n.children[color] = child
		} else {
			return strata.IndexSpace{}, errors.E("forest.subspace", ip, errors.NotExist,
				errors.Errorf("no child at color %s", color))
		}
	}
	return child.handle, nil
}

// Children returns the full color map of a partition, materializing
// it if needed.
func (f *Forest) Children(ctx context.Context, ip strata.IndexPartition) (map[strata.DomainPoint]strata.IndexSpace, error) {
	f.mu.Lock()
	n, ok := f.parts[ip]
	f.mu.Unlock()
	if !ok {
		return nil, errors.E("forest.children", errors.NotExist, ip)
	}
	if err := f.materialize(ctx, n); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[strata.DomainPoint]strata.IndexSpace, len(n.children))
	for color, child := range n.children {
		out[color] = child.handle
	}
	return out, nil
}

// ColorSpace returns the color space of a partition.
func (f *Forest) ColorSpace(ip strata.IndexPartition) (strata.IndexSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.parts[ip]
	if !ok {
		return strata.IndexSpace{}, errors.E("forest.colorspace", errors.NotExist, ip)
	}
	return n.colorSpace, nil
}

// PartitionParent returns the index space a partition subdivides.
func (f *Forest) PartitionParent(ip strata.IndexPartition) (strata.IndexSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.parts[ip]
	if !ok {
		return strata.IndexSpace{}, errors.E("forest.parent", errors.NotExist, ip)
	}
	return n.parent.handle, nil
}

// SpaceParent returns the partition a space is a child of, if any.
func (f *Forest) SpaceParent(is strata.IndexSpace) (strata.IndexPartition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.spaces[is]
	if !ok || n.parent == nil {
		return strata.IndexPartition{}, false
	}
	return n.parent.handle, true
}

// SpaceColor returns the color of a space within its parent
// partition.
func (f *Forest) SpaceColor(is strata.IndexSpace) (strata.DomainPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.spaces[is]
	if !ok {
		return strata.DomainPoint{}, errors.E("forest.color", errors.NotExist, is)
	}
	if n.parent == nil {
		return strata.DomainPoint{}, errors.E("forest.color", errors.Invalid, is,
			errors.New("top-level space has no color"))
	}
	return n.color, nil
}

// Root returns the top-level ancestor index space of is.
func (f *Forest) Root(is strata.IndexSpace) (strata.IndexSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.spaces[is]
	if !ok {
		return strata.IndexSpace{}, errors.E("forest.root", errors.NotExist, is)
	}
	for n.parent != nil {
		n = n.parent.parent
	}
	return n.handle, nil
}

// Depth returns the number of partition levels above is.
func (f *Forest) Depth(is strata.IndexSpace) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.spaces[is]
	if !ok {
		return 0, errors.E("forest.depth", errors.NotExist, is)
	}
	depth := 0
	for n.parent != nil {
		depth++
		n = n.parent.parent
	}
	return depth, nil
}

// IsAncestor tells whether ancestor is an ancestor of (or equal to)
// descendant in the index tree.
func (f *Forest) IsAncestor(ancestor, descendant strata.IndexSpace) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isAncestorLocked(ancestor, descendant)
}

func (f *Forest) isAncestorLocked(ancestor, descendant strata.IndexSpace) bool {
	n, ok := f.spaces[descendant]
	if !ok {
		return false
	}
	for n != nil {
		if n.handle == ancestor {
			return true
		}
		if n.parent == nil {
			return false
		}
		n = n.parent.parent
	}
	return false
}

// IsDisjoint reports whether the partition's children are pairwise
// disjoint, computing the answer for ComputeKind partitions. The
// computation materializes the partition.
func (f *Forest) IsDisjoint(ctx context.Context, ip strata.IndexPartition) (bool, error) {
	f.mu.Lock()
	n, ok := f.parts[ip]
	f.mu.Unlock()
	if !ok {
		return false, errors.E("forest.disjoint", errors.NotExist, ip)
	}
	switch n.kind {
	case DisjointKind:
		return true, nil
	case AliasedKind:
		return false, nil
	}
	if err := f.materialize(ctx, n); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var union rects.Set
	for _, child := range n.children {
		if union.Overlaps(child.domain) {
			n.kind = AliasedKind
			return false, nil
		}
		union = union.Union(child.domain)
	}
	n.kind = DisjointKind
	return true, nil
}

// IsComplete reports whether the partition's children cover the
// parent, computing the answer if it was not asserted.
func (f *Forest) IsComplete(ctx context.Context, ip strata.IndexPartition) (bool, error) {
	f.mu.Lock()
	n, ok := f.parts[ip]
	f.mu.Unlock()
	if !ok {
		return false, errors.E("forest.complete", errors.NotExist, ip)
	}
	f.mu.Lock()
	if n.complete >= 0 {
		c := n.complete == 1
		f.mu.Unlock()
		return c, nil
	}
	f.mu.Unlock()
	if err := f.materialize(ctx, n); err != nil {
		return false, err
	}
	parent, err := f.domainOf(ctx, n.parent)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var union rects.Set
	for _, child := range n.children {
		union = union.Union(child.domain)
	}
	if union.Equal(parent) {
		n.complete = 1
	} else {
		n.complete = 0
	}
	return n.complete == 1, nil
}

// SetComplete asserts the partition's completeness without
// computing it.
func (f *Forest) SetComplete(ip strata.IndexPartition, complete bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.parts[ip]
	if !ok {
		return errors.E("forest.setcomplete", errors.NotExist, ip)
	}
	if complete {
		n.complete = 1
	} else {
		n.complete = 0
	}
	return nil
}

// PartitionKindOf returns the declared (or computed) kind of a
// partition.
func (f *Forest) PartitionKindOf(ip strata.IndexPartition) (PartitionKind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.parts[ip]
	if !ok {
		return ComputeKind, errors.E("forest.kind", errors.NotExist, ip)
	}
	return n.kind, nil
}
