// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package physical

import (
	"context"
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/log"
	"github.com/strata-lang/strata/rects"
	"github.com/strata-lang/strata/regiontree"
)

// A Manager owns the physical instances of a node. Each region tree
// gets one instance spanning its root domain; mapping a subregion
// yields a bounded view of that instance. The manager also serves
// field reads for data-dependent partitioning.
type Manager struct {
	forest *regiontree.Forest
	log    *log.Logger

	mu    sync.Mutex
	insts map[strata.RegionTreeID]*Instance

	// Checks propagates dynamic bounds and privilege verification to
	// every region mapped through the manager.
	Checks bool
}

// NewManager returns a manager over the given forest.
func NewManager(forest *regiontree.Forest, logger *log.Logger) *Manager {
	return &Manager{
		forest: forest,
		log:    logger,
		insts:  make(map[strata.RegionTreeID]*Instance),
	}
}

// instance returns the backing instance for region's tree, creating
// it over the tree root's domain on first use and ensuring storage
// for each requested field.
func (m *Manager) instance(ctx context.Context, region strata.LogicalRegion, fields []strata.FieldID) (*Instance, error) {
	root, err := m.forest.RegionTreeRoot(region)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	inst, ok := m.insts[region.Tree]
	m.mu.Unlock()
	if !ok {
		domain, err := m.forest.Domain(ctx, root.Index)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if inst, ok = m.insts[region.Tree]; !ok {
			inst = NewInstance(domain, strata.Memory{ID: 1, Kind: strata.SysMem}, nil)
			m.insts[region.Tree] = inst
		}
		m.mu.Unlock()
	}
	for _, fid := range fields {
		info, err := m.forest.Field(region.Fields, fid)
		if err != nil {
			return nil, err
		}
		if err := inst.ensureField(fid, info.Size); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

// Map materializes region data for a requirement, returning a region
// view bounded by the requirement's region.
func (m *Manager) Map(ctx context.Context, req strata.RegionRequirement) (*Region, error) {
	if req.IsProjection() {
		return nil, errors.E("physical.map", errors.Invalid,
			errors.New("projection requirements must be resolved before mapping"))
	}
	inst, err := m.instance(ctx, req.Region, req.InstanceFields)
	if err != nil {
		return nil, errors.E("physical.map", req.Region, err)
	}
	bounds, err := m.forest.Domain(ctx, req.Region.Index)
	if err != nil {
		return nil, errors.E("physical.map", req.Region, err)
	}
	r := NewRegion(req.Region, req.Privilege, req.InstanceFields, bounds, inst, nil)
	r.Checks = m.Checks
	return r, nil
}

// MapPending is Map with a validity gate: accesses through the
// returned region should wait on valid before observing data.
func (m *Manager) MapPending(ctx context.Context, req strata.RegionRequirement, valid *future.Future) (*Region, error) {
	r, err := m.Map(ctx, req)
	if err != nil {
		return nil, err
	}
	r.valid = valid
	return r, nil
}

// MapExternal binds an attached buffer as the backing instance for a
// region tree. The region must be the tree root.
func (m *Manager) MapExternal(ctx context.Context, region strata.LogicalRegion, fields []strata.FieldID, memory strata.Memory, buf []byte, layout strata.LayoutOrder) (*Region, error) {
	root, err := m.forest.RegionTreeRoot(region)
	if err != nil {
		return nil, err
	}
	if root != region {
		return nil, errors.E("physical.attach", region, errors.NotSupported,
			errors.New("external storage attaches to region tree roots only"))
	}
	domain, err := m.forest.Domain(ctx, region.Index)
	if err != nil {
		return nil, err
	}
	sizes := make(map[strata.FieldID]int, len(fields))
	for _, fid := range fields {
		info, err := m.forest.Field(region.Fields, fid)
		if err != nil {
			return nil, err
		}
		sizes[fid] = info.Size
	}
	inst, err := Attach(domain, memory, sizes, buf, layout)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.insts[region.Tree]; ok {
		m.mu.Unlock()
		return nil, errors.E("physical.attach", region, errors.Invalid,
			errors.New("region tree already has a backing instance"))
	}
	m.insts[region.Tree] = inst
	m.mu.Unlock()
	r := NewRegion(region, strata.ReadWrite, fields, domain, inst, nil)
	r.Checks = m.Checks
	return r, nil
}

// Unmap releases a region tree's external instance, returning its
// buffer so callers can flush it.
func (m *Manager) Unmap(region strata.LogicalRegion) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[region.Tree]
	if !ok {
		return nil, errors.E("physical.detach", region, errors.NotExist)
	}
	if inst.External() == nil {
		return nil, errors.E("physical.detach", region, errors.Invalid,
			errors.New("region tree is not externally attached"))
	}
	delete(m.insts, region.Tree)
	return inst.External(), nil
}

// Fill writes val to every element of the given fields over region's
// bounds.
func (m *Manager) Fill(ctx context.Context, region strata.LogicalRegion, fields []strata.FieldID, val []byte) error {
	inst, err := m.instance(ctx, region, fields)
	if err != nil {
		return errors.E("physical.fill", region, err)
	}
	bounds, err := m.forest.Domain(ctx, region.Index)
	if err != nil {
		return errors.E("physical.fill", region, err)
	}
	for _, fid := range fields {
		if err := inst.fill(fid, bounds, val); err != nil {
			return errors.E("physical.fill", region, err)
		}
	}
	return nil
}

// Copy moves one field's elements from src to dst over the
// intersection of their bounds. With a reduction operator, elements
// fold into the destination instead of overwriting it.
func (m *Manager) Copy(ctx context.Context, src, dst strata.LogicalRegion, srcField, dstField strata.FieldID, redop strata.ReductionOp) error {
	srcInst, err := m.instance(ctx, src, []strata.FieldID{srcField})
	if err != nil {
		return errors.E("physical.copy", src, err)
	}
	dstInst, err := m.instance(ctx, dst, []strata.FieldID{dstField})
	if err != nil {
		return errors.E("physical.copy", dst, err)
	}
	srcBounds, err := m.forest.Domain(ctx, src.Index)
	if err != nil {
		return errors.E("physical.copy", src, err)
	}
	dstBounds, err := m.forest.Domain(ctx, dst.Index)
	if err != nil {
		return errors.E("physical.copy", dst, err)
	}
	var ferr error
	srcBounds.Intersect(dstBounds).Each(func(p rects.Point) {
		if ferr != nil {
			return
		}
		val, err := srcInst.read(srcField, p)
		if err != nil {
			ferr = err
			return
		}
		if redop != nil {
			ferr = dstInst.reduce(dstField, p, redop, val)
		} else {
			ferr = dstInst.write(dstField, p, val)
		}
	})
	if ferr != nil {
		return errors.E("physical.copy", ferr)
	}
	return nil
}

// ReadPoint returns the point stored in region's field fid at p.
func (m *Manager) ReadPoint(ctx context.Context, region strata.LogicalRegion, fid strata.FieldID, p rects.Point) (rects.Point, error) {
	inst, err := m.instance(ctx, region, []strata.FieldID{fid})
	if err != nil {
		return rects.Point{}, err
	}
	b, err := inst.read(fid, p)
	if err != nil {
		return rects.Point{}, err
	}
	return DecodePointValue(b)
}

// ReadRect returns the rectangle stored in region's field fid at p.
func (m *Manager) ReadRect(ctx context.Context, region strata.LogicalRegion, fid strata.FieldID, p rects.Point) (rects.Rect, error) {
	inst, err := m.instance(ctx, region, []strata.FieldID{fid})
	if err != nil {
		return rects.Rect{}, err
	}
	b, err := inst.read(fid, p)
	if err != nil {
		return rects.Rect{}, err
	}
	return DecodeRectValue(b)
}
