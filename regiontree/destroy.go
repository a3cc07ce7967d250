// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package regiontree

import (
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
)

// Forest objects are reference counted to support shared ownership:
// handles passed across task boundaries take a reference, and an
// object is reclaimed only when its last reference is destroyed.
// Destroying an index space reclaims its whole subtree.

// RetainIndexSpace takes an additional reference on an index space.
func (f *Forest) RetainIndexSpace(is strata.IndexSpace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.spaces[is]
	if !ok {
		return errors.E("forest.retain", errors.NotExist, is)
	}
	n.refs++
	return nil
}

// DestroyIndexSpace releases a reference on an index space,
// reclaiming it and its subtree when the count reaches zero.
func (f *Forest) DestroyIndexSpace(is strata.IndexSpace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.spaces[is]
	if !ok {
		return errors.E("forest.destroy", errors.NotExist, is)
	}
	n.refs--
	if n.refs > 0 {
		return nil
	}
	f.reclaimSpaceLocked(n)
	return nil
}

func (f *Forest) reclaimSpaceLocked(n *spaceNode) {
	for _, p := range n.children {
		f.reclaimPartLocked(p)
	}
	if n.parent != nil {
		delete(n.parent.children, n.color)
	}
	n.dead = true
	delete(f.spaces, n.handle)
}

func (f *Forest) reclaimPartLocked(n *partNode) {
	for _, c := range n.children {
		f.reclaimSpaceLocked(c)
	}
	delete(n.parent.children, n.handle.ID)
	n.dead = true
	delete(f.parts, n.handle)
}

// RetainIndexPartition takes an additional reference on an index
// partition.
func (f *Forest) RetainIndexPartition(ip strata.IndexPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.parts[ip]
	if !ok {
		return errors.E("forest.retain", errors.NotExist, ip)
	}
	n.refs++
	return nil
}

// DestroyIndexPartition releases a reference on an index partition,
// reclaiming it and its child subspaces when the count reaches zero.
func (f *Forest) DestroyIndexPartition(ip strata.IndexPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.parts[ip]
	if !ok {
		return errors.E("forest.destroy", errors.NotExist, ip)
	}
	n.refs--
	if n.refs > 0 {
		return nil
	}
	f.reclaimPartLocked(n)
	return nil
}

// RetainFieldSpace takes an additional reference on a field space.
func (f *Forest) RetainFieldSpace(fs strata.FieldSpace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fields[fs]
	if !ok {
		return errors.E("forest.retain", errors.NotExist, fs)
	}
	n.refs++
	return nil
}

// DestroyFieldSpace releases a reference on a field space.
func (f *Forest) DestroyFieldSpace(fs strata.FieldSpace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.fields[fs]
	if !ok {
		return errors.E("forest.destroy", errors.NotExist, fs)
	}
	n.refs--
	if n.refs > 0 {
		return nil
	}
	delete(f.fields, fs)
	return nil
}

// RetainLogicalRegion takes an additional reference on a logical
// region tree.
func (f *Forest) RetainLogicalRegion(lr strata.LogicalRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rtrees[lr.Tree]
	if !ok {
		return errors.E("forest.retain", errors.NotExist, lr)
	}
	n.refs++
	return nil
}

// DestroyLogicalRegion releases a reference on a logical region
// tree. The underlying index tree and field space are unaffected.
func (f *Forest) DestroyLogicalRegion(lr strata.LogicalRegion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rtrees[lr.Tree]
	if !ok {
		return errors.E("forest.destroy", errors.NotExist, lr)
	}
	n.refs--
	if n.refs > 0 {
		return nil
	}
	delete(f.rtrees, lr.Tree)
	return nil
}
