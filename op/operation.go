// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package op

import (
	"fmt"

	"github.com/strata-lang/strata"
)

// Kind tags the variant held by an Operation.
type Kind int

const (
	// TaskOp is a single-task launch.
	TaskOp Kind = iota
	// IndexTaskOp is an index-space task launch.
	IndexTaskOp
	// InlineOp is an inline mapping.
	InlineOp
	// CopyOp is an explicit copy.
	CopyOp
	// IndexCopyOp is an index-space copy.
	IndexCopyOp
	// FillOp writes a value into fields.
	FillOp
	// IndexFillOp is an index-space fill.
	IndexFillOp
	// DiscardOp invalidates fields.
	DiscardOp
	// AttachOp binds external storage.
	AttachOp
	// IndexAttachOp binds external storage per subregion.
	IndexAttachOp
	// DetachOp unbinds external storage.
	DetachOp
	// AcquireOp begins user-level exclusive access.
	AcquireOp
	// ReleaseOp ends user-level exclusive access.
	ReleaseOp
	// MustEpochOp bundles simultaneous launches.
	MustEpochOp
	// PredicateOp combines predicates.
	PredicateOp
	// TimingOp reads a clock.
	TimingOp
	// TunableOp queries the mapper for a tunable.
	TunableOp
	// FenceOp orders mapping or execution.
	FenceOp
	// DeletionOp reclaims a handle, queued unordered.
	DeletionOp
)

var kindNames = map[Kind]string{
	TaskOp:        "task",
	IndexTaskOp:   "indextask",
	InlineOp:      "inline",
	CopyOp:        "copy",
	IndexCopyOp:   "indexcopy",
	FillOp:        "fill",
	IndexFillOp:   "indexfill",
	DiscardOp:     "discard",
	AttachOp:      "attach",
	IndexAttachOp: "indexattach",
	DetachOp:      "detach",
	AcquireOp:     "acquire",
	ReleaseOp:     "release",
	MustEpochOp:   "mustepoch",
	PredicateOp:   "predicate",
	TimingOp:      "timing",
	TunableOp:     "tunable",
	FenceOp:       "fence",
	DeletionOp:    "deletion",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DependenceType classifies an edge found by dependence analysis.
type DependenceType int

const (
	// NoDependence means the accesses commute.
	NoDependence DependenceType = iota
	// ReadAfterWrite is a true dependence.
	ReadAfterWrite
	// WriteAfterRead is an anti dependence.
	WriteAfterRead
	// WriteAfterWrite is an output dependence.
	WriteAfterWrite
)

func (d DependenceType) String() string {
	switch d {
	case ReadAfterWrite:
		return "RAW"
	case WriteAfterRead:
		return "WAR"
	case WriteAfterWrite:
		return "WAW"
	default:
		return "none"
	}
}

// FenceKind selects what a fence orders.
type FenceKind int

const (
	// MappingFence orders mapping of later operations after mapping
	// of earlier ones.
	MappingFence FenceKind = iota
	// ExecutionFence orders execution likewise.
	ExecutionFence
)

// FenceSpec describes a fence operation.
type FenceSpec struct {
	Base
	Kind FenceKind
}

// DetachSpec describes the unbinding of previously attached
// storage.
type DetachSpec struct {
	Base
	// Flush forces dirty data back to the external resource before
	// detaching.
	Flush bool
	// Regions are the attached regions being released.
	Regions []strata.LogicalRegion
}

// DeletionSpec describes a deferred handle deletion. Deletions may
// be posted from any goroutine; they drain at fences and context
// completion.
type DeletionSpec struct {
	IndexSpace     strata.IndexSpace
	IndexPartition strata.IndexPartition
	FieldSpace     strata.FieldSpace
	Region         strata.LogicalRegion
}

// An Operation is one entry in a context's program-order stream: a
// tagged union over the launcher kinds.
type Operation struct {
	Kind Kind
	// Seq is the operation's position in its context's program
	// order, assigned at submission.
	Seq uint64

	Task        *TaskLauncher
	IndexTask   *IndexTaskLauncher
	Inline      *InlineLauncher
	Copy        *CopyLauncher
	IndexCopy   *IndexCopyLauncher
	Fill        *FillLauncher
	IndexFill   *IndexFillLauncher
	Discard     *DiscardLauncher
	Attach      *AttachLauncher
	IndexAttach *IndexAttachLauncher
	Detach      *DetachSpec
	Acquire     *AcquireLauncher
	Release     *ReleaseLauncher
	MustEpoch   *MustEpochLauncher
	Predicate   *PredicateLauncher
	Timing      *TimingLauncher
	Tunable     *TunableLauncher
	Fence       *FenceSpec
	Deletion    *DeletionSpec
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s(%d)", o.Kind, o.Seq)
}

// Common returns the operation's Base fields, or nil for kinds that
// carry none.
func (o *Operation) Common() *Base {
	switch o.Kind {
	case TaskOp:
		return &o.Task.Base
	case IndexTaskOp:
		return &o.IndexTask.Base
	case InlineOp:
		return &o.Inline.Base
	case CopyOp:
		return &o.Copy.Base
	case IndexCopyOp:
		return &o.IndexCopy.Base
	case FillOp:
		return &o.Fill.Base
	case IndexFillOp:
		return &o.IndexFill.Base
	case DiscardOp:
		return &o.Discard.Base
	case AttachOp:
		return &o.Attach.Base
	case IndexAttachOp:
		return &o.IndexAttach.Base
	case DetachOp:
		return &o.Detach.Base
	case AcquireOp:
		return &o.Acquire.Base
	case ReleaseOp:
		return &o.Release.Base
	case MustEpochOp:
		return &o.MustEpoch.Base
	case PredicateOp:
		return &o.Predicate.Base
	case TimingOp:
		return &o.Timing.Base
	case TunableOp:
		return &o.Tunable.Base
	case FenceOp:
		return &o.Fence.Base
	default:
		return nil
	}
}

// Requirements returns the operation's region requirements in a
// canonical order: for copies, sources, then destinations, then
// indirections.
func (o *Operation) Requirements() []strata.RegionRequirement {
	switch o.Kind {
	case TaskOp:
		return o.Task.Requirements
	case IndexTaskOp:
		return o.IndexTask.Requirements
	case InlineOp:
		return []strata.RegionRequirement{o.Inline.Requirement}
	case CopyOp:
		return copyRequirements(o.Copy)
	case IndexCopyOp:
		return copyRequirements(&o.IndexCopy.CopyLauncher)
	case FillOp:
		return []strata.RegionRequirement{o.Fill.Requirement}
	case IndexFillOp:
		return []strata.RegionRequirement{o.IndexFill.Requirement}
	case DiscardOp:
		return []strata.RegionRequirement{discardRequirement(o.Discard)}
	case AttachOp:
		return []strata.RegionRequirement{attachRequirement(o.Attach.Region, o.Attach.Parent, o.Attach.Fields)}
	case IndexAttachOp:
		reqs := make([]strata.RegionRequirement, len(o.IndexAttach.Regions))
		for i, r := range o.IndexAttach.Regions {
			reqs[i] = attachRequirement(r, o.IndexAttach.Parent, o.IndexAttach.Fields)
		}
		return reqs
	case AcquireOp:
		return []strata.RegionRequirement{accessRequirement(o.Acquire.Region, o.Acquire.Parent, o.Acquire.Fields)}
	case ReleaseOp:
		return []strata.RegionRequirement{accessRequirement(o.Release.Region, o.Release.Parent, o.Release.Fields)}
	default:
		return nil
	}
}

func copyRequirements(l *CopyLauncher) []strata.RegionRequirement {
	reqs := make([]strata.RegionRequirement, 0, len(l.SrcRequirements)+len(l.DstRequirements)+len(l.SrcIndirect)+len(l.DstIndirect))
	reqs = append(reqs, l.SrcRequirements...)
	reqs = append(reqs, l.DstRequirements...)
	reqs = append(reqs, l.SrcIndirect...)
	reqs = append(reqs, l.DstIndirect...)
	return reqs
}

func discardRequirement(l *DiscardLauncher) strata.RegionRequirement {
	req := strata.NewRegionRequirement(l.Region, strata.WriteDiscard, strata.Exclusive, l.Parent)
	req.AddFields(l.Fields...)
	return req
}

func attachRequirement(region, parent strata.LogicalRegion, fields []strata.FieldID) strata.RegionRequirement {
	req := strata.NewRegionRequirement(region, strata.ReadWrite, strata.Exclusive, parent)
	req.AddFields(fields...)
	return req
}

func accessRequirement(region, parent strata.LogicalRegion, fields []strata.FieldID) strata.RegionRequirement {
	req := strata.NewRegionRequirement(region, strata.ReadWrite, strata.Exclusive, parent)
	req.AddFields(fields...)
	return req
}

// LaunchDomain returns the launch domain of an index operation, or
// the zero domain for single operations.
func (o *Operation) LaunchDomain() strata.Domain {
	switch o.Kind {
	case IndexTaskOp:
		return o.IndexTask.Domain
	case IndexCopyOp:
		return o.IndexCopy.Domain
	case IndexFillOp:
		return o.IndexFill.Domain
	case MustEpochOp:
		return o.MustEpoch.Domain
	default:
		return strata.Domain{}
	}
}

// IsIndex tells whether the operation launches over a domain.
func (o *Operation) IsIndex() bool {
	switch o.Kind {
	case IndexTaskOp, IndexCopyOp, IndexFillOp, IndexAttachOp:
		return true
	}
	return false
}

// Mappable is the portion of an operation visible to a mapper.
type Mappable struct {
	Kind   Kind
	Seq    uint64
	Mapper strata.MapperID
	Tag    strata.MappingTagID

	// TaskID is set for task operations.
	TaskID strata.TaskID
	// Point is set for point tasks of an index launch.
	Point strata.DomainPoint
	// Domain is the launch domain for index operations.
	Domain strata.Domain

	Requirements []strata.RegionRequirement
}

// AsMappable returns the mapper-visible view of the operation.
func (o *Operation) AsMappable() Mappable {
	m := Mappable{
		Kind:         o.Kind,
		Seq:          o.Seq,
		Domain:       o.LaunchDomain(),
		Requirements: o.Requirements(),
	}
	if b := o.Common(); b != nil {
		m.Mapper = b.Mapper
		m.Tag = b.Tag
	}
	switch o.Kind {
	case TaskOp:
		m.TaskID = o.Task.TaskID
		m.Point = o.Task.Point
	case IndexTaskOp:
		m.TaskID = o.IndexTask.TaskID
	}
	return m
}
