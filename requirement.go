// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package strata

import "fmt"

// Privilege declares the access an operation requires on the fields
// of a region requirement.
type Privilege int

const (
	// NoAccess grants no privileges; the requirement participates in
	// dependence analysis only.
	NoAccess Privilege = 0
	// ReadOnly grants read privileges.
	ReadOnly Privilege = 1 << iota
	// WriteDiscard grants write privileges and permits the runtime to
	// discard prior contents.
	WriteDiscard
	// Reduce grants reduction privileges with the requirement's
	// reduction operator.
	Reduce

	// ReadWrite grants both read and write privileges.
	ReadWrite = ReadOnly | WriteDiscard
)

// Reads tells whether the privilege includes reading.
func (p Privilege) Reads() bool { return p&ReadOnly != 0 }

// Writes tells whether the privilege includes writing.
func (p Privilege) Writes() bool { return p&WriteDiscard != 0 }

// Reduces tells whether the privilege is a reduction.
func (p Privilege) Reduces() bool { return p&Reduce != 0 }

// String renders the privilege for diagnostics.
func (p Privilege) String() string {
	switch p {
	case NoAccess:
		return "none"
	case ReadOnly:
		return "ro"
	case WriteDiscard:
		return "wd"
	case ReadWrite:
		return "rw"
	case Reduce:
		return "reduce"
	default:
		return fmt.Sprintf("privilege(%d)", int(p))
	}
}

// Subset tells whether privilege p is satisfiable by privilege q:
// every access permitted by p is permitted by q. Reductions are
// satisfied by reductions or full read-write.
func (p Privilege) Subset(q Privilege) bool {
	if p.Reduces() && !q.Reduces() && q != ReadWrite {
		return false
	}
	if p.Reads() && !q.Reads() {
		return false
	}
	if p.Writes() && !q.Writes() {
		return false
	}
	return true
}

// Coherence declares the ordering policy on a region requirement.
type Coherence int

const (
	// Exclusive coherence serializes all accesses in program order.
	Exclusive Coherence = iota
	// Atomic coherence gives single-user semantics through
	// runtime-acquired reservations, without preserving order.
	Atomic
	// Simultaneous coherence permits concurrent users; the application
	// synchronizes with locks, grants, or barriers.
	Simultaneous
	// Relaxed coherence imposes no ordering.
	Relaxed
)

// String renders the coherence for diagnostics.
func (c Coherence) String() string {
	switch c {
	case Exclusive:
		return "exclusive"
	case Atomic:
		return "atomic"
	case Simultaneous:
		return "simultaneous"
	case Relaxed:
		return "relaxed"
	default:
		return fmt.Sprintf("coherence(%d)", int(c))
	}
}

// RequirementFlags modulate a region requirement.
type RequirementFlags int

const (
	// VerifiedFlag asserts that the requirement's privileges have been
	// verified by the application.
	VerifiedFlag RequirementFlags = 1 << iota
	// NoAccessFlag requests that no physical instance be materialized.
	NoAccessFlag
	// RestrictedFlag pins the requirement to its currently restricted
	// instances.
	RestrictedFlag
)

// A RegionRequirement mediates every access to a logical region. It
// names either a region or a partition (with a projection functor for
// index launches), the fields accessed, the privilege and coherence,
// and the parent region from which the privilege derives.
type RegionRequirement struct {
	// Region is the requested region. Mutually exclusive with
	// Partition.
	Region LogicalRegion
	// Partition is the requested partition, used with a projection id
	// in index launches. Mutually exclusive with Region.
	Partition LogicalPartition
	// Projection selects the projection functor applied per point in
	// index launches. Zero is the identity projection.
	Projection ProjectionID
	// ProjectionArgs is an opaque argument buffer passed to the
	// projection functor.
	ProjectionArgs []byte

	// PrivilegeFields is the set of fields on which privileges are
	// requested. Duplicates are not meaningful.
	PrivilegeFields []FieldID
	// InstanceFields is the ordered list of fields to materialize.
	// Duplicates are meaningful.
	InstanceFields []FieldID

	// Privilege is the requested access mode.
	Privilege Privilege
	// Coherence is the requested ordering policy.
	Coherence Coherence
	// Redop names the reduction operator when Privilege is Reduce.
	Redop ReductionOpID

	// Parent is the region from which the privilege is derived. It
	// must be an ancestor of the requested region, and the issuing
	// task must hold at least equivalent privileges on it.
	Parent LogicalRegion

	// Tag is an opaque tag forwarded to the mapper.
	Tag MappingTagID
	// Flags modulate the requirement.
	Flags RequirementFlags
}

// NewRegionRequirement returns a requirement on a single region.
func NewRegionRequirement(region LogicalRegion, priv Privilege, coh Coherence, parent LogicalRegion) RegionRequirement {
	return RegionRequirement{
		Region:    region,
		Privilege: priv,
		Coherence: coh,
		Parent:    parent,
	}
}

// NewPartitionRequirement returns a projection requirement on a
// partition for use in index launches.
func NewPartitionRequirement(partition LogicalPartition, proj ProjectionID, priv Privilege, coh Coherence, parent LogicalRegion) RegionRequirement {
	return RegionRequirement{
		Partition:  partition,
		Projection: proj,
		Privilege:  priv,
		Coherence:  coh,
		Parent:     parent,
	}
}

// AddField appends a field to both the privilege and instance field
// lists, returning the requirement for chaining.
func (r *RegionRequirement) AddField(fid FieldID) *RegionRequirement {
	for _, f := range r.PrivilegeFields {
		if f == fid {
			r.InstanceFields = append(r.InstanceFields, fid)
			return r
		}
	}
	r.PrivilegeFields = append(r.PrivilegeFields, fid)
	r.InstanceFields = append(r.InstanceFields, fid)
	return r
}

// AddFields appends each field in order.
func (r *RegionRequirement) AddFields(fids ...FieldID) *RegionRequirement {
	for _, fid := range fids {
		r.AddField(fid)
	}
	return r
}

// IsProjection tells whether the requirement names a partition to be
// resolved through a projection functor.
func (r *RegionRequirement) IsProjection() bool {
	return r.Partition.Exists()
}

// String renders a summary of the requirement.
func (r *RegionRequirement) String() string {
	target := r.Region.String()
	if r.IsProjection() {
		target = fmt.Sprintf("%s proj %d", r.Partition, r.Projection)
	}
	return fmt.Sprintf("req %s %s %s fields %v", target, r.Privilege, r.Coherence, r.PrivilegeFields)
}
