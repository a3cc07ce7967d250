// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package physical

import (
	"context"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/rects"
)

// A Region is mapped region data: a view of an instance restricted
// to a logical region's bounds and a declared privilege. It is the
// result of an inline mapping or a task's region argument.
type Region struct {
	logical   strata.LogicalRegion
	privilege strata.Privilege
	fields    []strata.FieldID
	bounds    rects.Set
	inst      *Instance
	mapped    bool
	valid     *future.Future // void; completes when data is valid

	// Checks enables dynamic bounds and privilege verification on
	// every accessor operation.
	Checks bool
}

// NewRegion binds an instance view. The valid future may be nil for
// immediately-valid data.
func NewRegion(logical strata.LogicalRegion, privilege strata.Privilege, fields []strata.FieldID, bounds rects.Set, inst *Instance, valid *future.Future) *Region {
	return &Region{
		logical:   logical,
		privilege: privilege,
		fields:    append([]strata.FieldID{}, fields...),
		bounds:    bounds,
		inst:      inst,
		mapped:    inst != nil,
		valid:     valid,
	}
}

// LogicalRegion returns the region this data maps.
func (r *Region) LogicalRegion() strata.LogicalRegion { return r.logical }

// Privilege returns the declared access privilege.
func (r *Region) Privilege() strata.Privilege { return r.privilege }

// Fields returns the mapped fields.
func (r *Region) Fields() []strata.FieldID { return r.fields }

// Bounds returns the mapped point set.
func (r *Region) Bounds() rects.Set { return r.bounds }

// IsMapped tells whether the region has a bound instance.
func (r *Region) IsMapped() bool { return r.mapped }

// IsValid tells whether the data may be accessed without waiting.
func (r *Region) IsValid() bool {
	return r.mapped && (r.valid == nil || r.valid.Ready())
}

// WaitUntilValid blocks until the region's data is valid.
func (r *Region) WaitUntilValid(ctx context.Context) error {
	if !r.mapped {
		return errors.E("region.wait", errors.Invalid, errors.New("region is not mapped"))
	}
	if r.valid == nil {
		return nil
	}
	return r.valid.Wait(ctx)
}

// Memories returns the memories holding the region's instance.
func (r *Region) Memories() []strata.Memory {
	if !r.mapped {
		return nil
	}
	return []strata.Memory{r.inst.Memory()}
}

// Accessor returns an accessor over the region's data for one field
// with the given privilege, which must be a subset of the region's.
func (r *Region) Accessor(fid strata.FieldID, priv strata.Privilege) (*Accessor, error) {
	if !r.mapped {
		return nil, errors.E("region.accessor", errors.Invalid, errors.New("region is not mapped"))
	}
	if !priv.Subset(r.privilege) {
		return nil, errors.E("region.accessor", r.logical, errors.Privilege,
			errors.Errorf("requested %s, region grants %s", priv, r.privilege))
	}
	found := false
	for _, f := range r.fields {
		if f == fid {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.E("region.accessor", r.logical, errors.Privilege,
			errors.Errorf("field %d not mapped", fid))
	}
	return &Accessor{inst: r.inst, fid: fid, priv: priv, bounds: r.bounds, checks: r.Checks}, nil
}

// An Accessor reads, writes, or reduces one field of mapped region
// data. When checks are enabled each operation verifies bounds and
// privilege dynamically.
type Accessor struct {
	inst   *Instance
	fid    strata.FieldID
	priv   strata.Privilege
	bounds rects.Set
	checks bool
}

func (a *Accessor) check(p rects.Point, need strata.Privilege) error {
	if !a.checks {
		return nil
	}
	if !need.Subset(a.priv) {
		return errors.E("accessor", errors.Privilege,
			errors.Errorf("%s access through a %s accessor", need, a.priv))
	}
	if !a.bounds.Contains(p) {
		return errors.E("accessor", errors.Invalid,
			errors.Errorf("point %s outside accessor bounds", p))
	}
	return nil
}

// Read returns the element at p.
func (a *Accessor) Read(p rects.Point) ([]byte, error) {
	if err := a.check(p, strata.ReadOnly); err != nil {
		return nil, err
	}
	return a.inst.read(a.fid, p)
}

// Write stores val at p.
func (a *Accessor) Write(p rects.Point, val []byte) error {
	if err := a.check(p, strata.WriteDiscard); err != nil {
		return err
	}
	return a.inst.write(a.fid, p, val)
}

// Reduce folds rhs into the element at p with op.
func (a *Accessor) Reduce(op strata.ReductionOp, p rects.Point, rhs []byte) error {
	if err := a.check(p, strata.Reduce); err != nil {
		return err
	}
	return a.inst.reduce(a.fid, p, op, rhs)
}

// ReadPoint reads a point-valued element.
func (a *Accessor) ReadPoint(p rects.Point) (rects.Point, error) {
	b, err := a.Read(p)
	if err != nil {
		return rects.Point{}, err
	}
	return DecodePointValue(b)
}

// WritePoint writes a point-valued element.
func (a *Accessor) WritePoint(p, val rects.Point) error {
	return a.Write(p, EncodePointValue(val))
}

// ReadRect reads a rectangle-valued element.
func (a *Accessor) ReadRect(p rects.Point) (rects.Rect, error) {
	b, err := a.Read(p)
	if err != nil {
		return rects.Rect{}, err
	}
	return DecodeRectValue(b)
}

// WriteRect writes a rectangle-valued element.
func (a *Accessor) WriteRect(p rects.Point, val rects.Rect) error {
	return a.Write(p, EncodeRectValue(val))
}

// An OutputRegion collects data a task produces for an output
// requirement: the task must call ReturnData exactly once per field.
type OutputRegion struct {
	memory strata.Memory
	sizes  map[strata.FieldID]int

	returned map[strata.FieldID]*Instance
	domain   rects.Set
	domainOK bool
}

// NewOutputRegion returns an output region targeting the given
// memory with the given field element sizes.
func NewOutputRegion(memory strata.Memory, sizes map[strata.FieldID]int) *OutputRegion {
	return &OutputRegion{
		memory:   memory,
		sizes:    sizes,
		returned: make(map[strata.FieldID]*Instance),
	}
}

// TargetMemory returns the memory output data must land in.
func (o *OutputRegion) TargetMemory() strata.Memory { return o.memory }

// CreateBuffer allocates an instance for one field over the given
// extents, to be handed back via ReturnData.
func (o *OutputRegion) CreateBuffer(fid strata.FieldID, domain rects.Set) (*Instance, error) {
	size, ok := o.sizes[fid]
	if !ok {
		return nil, errors.E("output.createbuffer", errors.NotExist, errors.Errorf("field %d", fid))
	}
	return NewInstance(domain, o.memory, map[strata.FieldID]int{fid: size}), nil
}

// ReturnData delivers one field's output. Each field must be
// returned exactly once, and every field must agree on the extents.
func (o *OutputRegion) ReturnData(fid strata.FieldID, inst *Instance) error {
	if _, ok := o.sizes[fid]; !ok {
		return errors.E("output.returndata", errors.NotExist, errors.Errorf("field %d", fid))
	}
	if _, ok := o.returned[fid]; ok {
		return errors.E("output.returndata", errors.Invalid,
			errors.Errorf("field %d returned twice", fid))
	}
	if o.domainOK && !o.domain.Equal(inst.Domain()) {
		return errors.E("output.returndata", errors.Invalid,
			errors.Errorf("field %d extents %s disagree with %s", fid, inst.Domain(), o.domain))
	}
	o.domain = inst.Domain()
	o.domainOK = true
	o.returned[fid] = inst
	return nil
}

// Complete verifies that every declared field was returned and
// yields the output's extents.
func (o *OutputRegion) Complete() (rects.Set, error) {
	for fid := range o.sizes {
		if _, ok := o.returned[fid]; !ok {
			return rects.Set{}, errors.E("output.complete", errors.Invalid,
				errors.Errorf("field %d never returned", fid))
		}
	}
	return o.domain, nil
}

// Instance returns the returned instance for a field.
func (o *OutputRegion) Instance(fid strata.FieldID) (*Instance, bool) {
	inst, ok := o.returned[fid]
	return inst, ok
}

// ExternalResources is the set of regions produced by one index
// attach; they must be detached together.
type ExternalResources struct {
	regions []*Region
}

// NewExternalResources wraps the regions of an index attach.
func NewExternalResources(regions []*Region) *ExternalResources {
	return &ExternalResources{regions: regions}
}

// Size returns the number of attached regions.
func (e *ExternalResources) Size() int { return len(e.regions) }

// At returns the i'th attached region.
func (e *ExternalResources) At(i int) *Region { return e.regions[i] }
