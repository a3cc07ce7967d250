// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package regiontree

import (
	"context"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
)

// regionTreeNode is the state behind a logical region tree: a root
// index space paired with a field space. Subregions and logical
// partitions are derived handles; they carry the tree id so that
// handles from different trees over the same index tree never
// compare equal.
type regionTreeNode struct {
	id     strata.RegionTreeID
	root   strata.IndexSpace
	fields strata.FieldSpace
	refs   int
	names  *semanticStore
}

// CreateLogicalRegion creates a new logical region tree rooted at
// the given index space with the given field space. Each call mints
// a fresh tree id, so repeated calls over the same spaces produce
// distinct regions.
func (f *Forest) CreateLogicalRegion(is strata.IndexSpace, fs strata.FieldSpace) (strata.LogicalRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.spaces[is]; !ok {
		return strata.LogicalRegion{}, errors.E("forest.createregion", errors.NotExist, is)
	}
	if _, ok := f.fields[fs]; !ok {
		return strata.LogicalRegion{}, errors.E("forest.createregion", errors.NotExist, fs)
	}
	f.nextRTree++
	n := &regionTreeNode{
		id:     strata.RegionTreeID(f.nextRTree),
		root:   is,
		fields: fs,
		refs:   1,
		names:  newSemanticStore(),
	}
	f.rtrees[n.id] = n
	return strata.LogicalRegion{Tree: n.id, Index: is, Fields: fs}, nil
}

// checkRegionLocked validates a logical region handle against the
// forest. The caller must hold f.mu.
func (f *Forest) checkRegionLocked(op string, lr strata.LogicalRegion) (*regionTreeNode, error) {
	n, ok := f.rtrees[lr.Tree]
	if !ok {
		return nil, errors.E(op, errors.NotExist, lr)
	}
	if n.fields != lr.Fields {
		return nil, errors.E(op, lr, errors.WrongTree,
			errors.Errorf("field space %s does not belong to region tree %d", lr.Fields, lr.Tree))
	}
	if _, ok := f.spaces[lr.Index]; !ok {
		return nil, errors.E(op, errors.NotExist, lr.Index)
	}
	if !f.isAncestorLocked(n.root, lr.Index) {
		return nil, errors.E(op, lr, errors.WrongTree,
			errors.Errorf("index space %s does not belong to region tree %d", lr.Index, lr.Tree))
	}
	return n, nil
}

// RegionTreeRoot returns the root logical region of the tree a
// region belongs to.
func (f *Forest) RegionTreeRoot(lr strata.LogicalRegion) (strata.LogicalRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.checkRegionLocked("forest.treeroot", lr)
	if err != nil {
		return strata.LogicalRegion{}, err
	}
	return strata.LogicalRegion{Tree: n.id, Index: n.root, Fields: n.fields}, nil
}

// LogicalPartition returns the logical partition of lr by index
// partition ip. The partition must subdivide lr's index space.
func (f *Forest) LogicalPartition(lr strata.LogicalRegion, ip strata.IndexPartition) (strata.LogicalPartition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.checkRegionLocked("forest.logicalpartition", lr); err != nil {
		return strata.LogicalPartition{}, err
	}
	pn, ok := f.parts[ip]
	if !ok {
		return strata.LogicalPartition{}, errors.E("forest.logicalpartition", errors.NotExist, ip)
	}
	if pn.parent.handle != lr.Index {
		return strata.LogicalPartition{}, errors.E("forest.logicalpartition", lr, errors.WrongTree,
			errors.Errorf("partition %s does not subdivide %s", ip, lr.Index))
	}
	return strata.LogicalPartition{Tree: lr.Tree, Partition: ip, Fields: lr.Fields}, nil
}

// checkPartitionLocked validates a logical partition handle. The
// caller must hold f.mu.
func (f *Forest) checkPartitionLocked(op string, lp strata.LogicalPartition) (*partNode, error) {
	n, ok := f.rtrees[lp.Tree]
	if !ok {
		return nil, errors.E(op, errors.NotExist, lp)
	}
	if n.fields != lp.Fields {
		return nil, errors.E(op, lp, errors.WrongTree,
			errors.Errorf("field space %s does not belong to region tree %d", lp.Fields, lp.Tree))
	}
	pn, ok := f.parts[lp.Partition]
	if !ok {
		return nil, errors.E(op, errors.NotExist, lp.Partition)
	}
	if !f.isAncestorLocked(n.root, pn.parent.handle) {
		return nil, errors.E(op, lp, errors.WrongTree,
			errors.Errorf("index partition %s does not belong to region tree %d", lp.Partition, lp.Tree))
	}
	return pn, nil
}

// LogicalSubregion returns the subregion of lp at the given color.
// The color set of a logical partition is exactly that of its index
// partition; missing colors fail with NotExist.
func (f *Forest) LogicalSubregion(ctx context.Context, lp strata.LogicalPartition, color strata.DomainPoint) (strata.LogicalRegion, error) {
	f.mu.Lock()
	_, err := f.checkPartitionLocked("forest.subregion", lp)
	f.mu.Unlock()
	if err != nil {
		return strata.LogicalRegion{}, err
	}
	is, err := f.Subspace(ctx, lp.Partition, color)
	if err != nil {
		return strata.LogicalRegion{}, err
	}
	return strata.LogicalRegion{Tree: lp.Tree, Index: is, Fields: lp.Fields}, nil
}

// LogicalParentRegion returns the logical region a logical partition
// subdivides.
func (f *Forest) LogicalParentRegion(lp strata.LogicalPartition) (strata.LogicalRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pn, err := f.checkPartitionLocked("forest.parentregion", lp)
	if err != nil {
		return strata.LogicalRegion{}, err
	}
	return strata.LogicalRegion{Tree: lp.Tree, Index: pn.parent.handle, Fields: lp.Fields}, nil
}

// LogicalParentPartition returns the logical partition a region is a
// subregion of, if any.
func (f *Forest) LogicalParentPartition(lr strata.LogicalRegion) (strata.LogicalPartition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.checkRegionLocked("forest.parentpartition", lr); err != nil {
		return strata.LogicalPartition{}, false
	}
	sn := f.spaces[lr.Index]
	if sn.parent == nil {
		return strata.LogicalPartition{}, false
	}
	return strata.LogicalPartition{Tree: lr.Tree, Partition: sn.parent.handle, Fields: lr.Fields}, true
}

// RegionColor returns the color of lr within its parent logical
// partition.
func (f *Forest) RegionColor(lr strata.LogicalRegion) (strata.DomainPoint, error) {
	f.mu.Lock()
	if _, err := f.checkRegionLocked("forest.regioncolor", lr); err != nil {
		f.mu.Unlock()
		return strata.DomainPoint{}, err
	}
	f.mu.Unlock()
	return f.SpaceColor(lr.Index)
}

// SameRegionTree tells whether two logical regions belong to the
// same region tree.
func (f *Forest) SameRegionTree(a, b strata.LogicalRegion) bool {
	return a.Tree == b.Tree
}

// IsSubregion tells whether child is a subregion of (or equal to)
// parent. Regions from different trees are never related.
func (f *Forest) IsSubregion(child, parent strata.LogicalRegion) bool {
	if child.Tree != parent.Tree {
		return false
	}
	return f.IsAncestor(parent.Index, child.Index)
}
