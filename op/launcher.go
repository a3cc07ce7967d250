// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package op defines the descriptors ("launchers") for every
// operation the pipeline accepts, and the tagged Operation wrapper
// carrying one through analysis, mapping, and execution.
package op

import (
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/coord"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/rects"
)

// A StaticDependence is an explicit dependence edge on a prior
// operation, by relative index; used only inside static traces.
type StaticDependence struct {
	// PreviousOffset counts operations backwards from this one.
	PreviousOffset int
	// PreviousRequirement and CurrentRequirement index the two
	// operations' requirement lists.
	PreviousRequirement int
	CurrentRequirement  int
	// Type is the kind of dependence asserted.
	Type DependenceType
}

// Base carries the fields common to every launcher: predication,
// synchronization attachments, mapper selection, and static
// dependences.
type Base struct {
	Predicate            *coord.Predicate
	PredicateFalseFuture *future.Future
	PredicateFalseResult []byte

	Futures        []*future.Future
	Grants         []*coord.Grant
	WaitBarriers   []*coord.PhaseBarrier
	ArriveBarriers []*coord.PhaseBarrier

	Mapper strata.MapperID
	Tag    strata.MappingTagID

	StaticDependences []StaticDependence

	// Provenance is an optional diagnostic string recorded with the
	// operation.
	Provenance string
}

// An OutputRequirement declares a region a task will produce,
// with its extent determined by the task at runtime.
type OutputRequirement struct {
	strata.RegionRequirement
	// Global marks the output as indexed by the whole launch domain
	// rather than per-point.
	Global bool
	// FieldSizes gives the element size for each output field.
	FieldSizes map[strata.FieldID]int
}

// TaskLauncher describes a single-task launch.
type TaskLauncher struct {
	Base
	TaskID       strata.TaskID
	Args         []byte
	Requirements []strata.RegionRequirement
	Outputs      []OutputRequirement

	// Point places the task at a point of an enclosing sharding
	// space.
	Point         rects.Point
	ShardingSpace strata.IndexSpace

	EnableInlining          bool
	LocalFunctionTask       bool
	IndependentRequirements bool
	ElideFutureReturn       bool
}

// IndexTaskLauncher describes an index-space task launch: one point
// task per point of the launch domain.
type IndexTaskLauncher struct {
	Base
	TaskID       strata.TaskID
	Domain       strata.Domain
	LaunchSpace  strata.IndexSpace // alternative to Domain
	Args         []byte
	ArgMap       *ArgumentMap
	Requirements []strata.RegionRequirement
	Outputs      []OutputRequirement

	// Redop, when nonzero, reduces all point results into a single
	// future instead of a future map. OrderedReduction forces a
	// deterministic reduction order.
	Redop            strata.ReductionOpID
	OrderedReduction bool

	Sharding      strata.ShardingID
	ShardingSpace strata.IndexSpace

	MustParallelism   bool
	Concurrent        bool
	ElideFutureReturn bool
}

// InlineLauncher maps one region requirement into the caller's
// context, producing a PhysicalRegion.
type InlineLauncher struct {
	Base
	Requirement strata.RegionRequirement
	LayoutTag   strata.MappingTagID
}

// CopyLauncher describes an explicit region-to-region copy. Source
// and destination requirement lists pair up elementwise. Indirection
// requirements carry per-element index fields (gather/scatter).
type CopyLauncher struct {
	Base
	SrcRequirements []strata.RegionRequirement
	DstRequirements []strata.RegionRequirement
	SrcIndirect     []strata.RegionRequirement
	DstIndirect     []strata.RegionRequirement

	PossibleSrcIndirectOutOfRange bool
	PossibleDstIndirectOutOfRange bool
	PossibleDstIndirectAliasing   bool
}

// IndexCopyLauncher is a copy per point of a launch domain.
type IndexCopyLauncher struct {
	CopyLauncher
	Domain      strata.Domain
	LaunchSpace strata.IndexSpace

	CollectiveSrcIndirectPoints bool
	CollectiveDstIndirectPoints bool
}

// FillLauncher writes a value into fields of a region.
type FillLauncher struct {
	Base
	Requirement strata.RegionRequirement
	Fields      []strata.FieldID
	// Value and Future are mutually exclusive payloads.
	Value  []byte
	Future *future.Future
}

// IndexFillLauncher fills through a partition requirement, one fill
// per point of the launch domain.
type IndexFillLauncher struct {
	FillLauncher
	Domain      strata.Domain
	LaunchSpace strata.IndexSpace
}

// DiscardLauncher invalidates the named fields of a region without
// reading or writing data.
type DiscardLauncher struct {
	Base
	Region strata.LogicalRegion
	Parent strata.LogicalRegion
	Fields []strata.FieldID
}

// AttachLauncher binds external storage into a logical region.
type AttachLauncher struct {
	Base
	Region strata.LogicalRegion
	Parent strata.LogicalRegion
	Fields []strata.FieldID

	// Buffer is the external allocation; Layout describes its
	// element order.
	Buffer []byte
	Layout strata.LayoutOrder

	Restricted bool
	Mapped     bool

	// DeduplicateAcrossShards permits each shard of a replicated
	// task to issue the same attach once.
	DeduplicateAcrossShards bool
}

// IndexAttachLauncher binds one external resource per subregion.
type IndexAttachLauncher struct {
	Base
	Parent strata.LogicalRegion
	Fields []strata.FieldID
	Layout strata.LayoutOrder

	Regions []strata.LogicalRegion
	Buffers [][]byte

	Restricted              bool
	Mapped                  bool
	DeduplicateAcrossShards bool
}

// AcquireLauncher transitions a simultaneous-coherence region into
// user-level exclusive access.
type AcquireLauncher struct {
	Base
	Region strata.LogicalRegion
	Parent strata.LogicalRegion
	Fields []strata.FieldID
}

// ReleaseLauncher releases a prior acquire.
type ReleaseLauncher struct {
	Base
	Region strata.LogicalRegion
	Parent strata.LogicalRegion
	Fields []strata.FieldID
}

// MustEpochLauncher bundles launches that must run simultaneously.
type MustEpochLauncher struct {
	Base
	Singles []*TaskLauncher
	Indexes []*IndexTaskLauncher
	Domain  strata.Domain
}

// PredicateKind selects the combination in a PredicateLauncher.
type PredicateKind int

const (
	// PredicateAnd is true when all operands are.
	PredicateAnd PredicateKind = iota
	// PredicateOr is true when any operand is.
	PredicateOr
)

// PredicateLauncher combines predicates.
type PredicateLauncher struct {
	Base
	Kind       PredicateKind
	Predicates []*coord.Predicate
}

// TimingMeasurement selects the clock read by a TimingLauncher.
type TimingMeasurement int

const (
	// MeasureSeconds reads wall time in seconds (as a float64).
	MeasureSeconds TimingMeasurement = iota
	// MeasureMicroseconds reads wall time in microseconds.
	MeasureMicroseconds
	// MeasureNanoseconds reads wall time in nanoseconds.
	MeasureNanoseconds
)

// TimingLauncher produces a future holding a clock reading taken
// after its preconditions complete.
type TimingLauncher struct {
	Base
	Measurement   TimingMeasurement
	Preconditions []*future.Future
}

// TunableLauncher asks the mapper for a tunable value, delivered as
// a future.
type TunableLauncher struct {
	Base
	Tunable    strata.TunableID
	Args       []byte
	ReturnSize int
}

// Validate checks a copy launcher's structural invariants: paired
// source/destination lists of equal length with matching field
// counts.
func (l *CopyLauncher) Validate() error {
	if len(l.SrcRequirements) != len(l.DstRequirements) {
		return errors.E("copy.validate", errors.Invalid,
			errors.Errorf("%d sources, %d destinations", len(l.SrcRequirements), len(l.DstRequirements)))
	}
	for i := range l.SrcRequirements {
		ns, nd := len(l.SrcRequirements[i].PrivilegeFields), len(l.DstRequirements[i].PrivilegeFields)
		if ns != nd {
			return errors.E("copy.validate", errors.Invalid,
				errors.Errorf("pair %d: %d source fields, %d destination fields", i, ns, nd))
		}
	}
	return nil
}

// Validate checks a fill launcher's payload: exactly one of an
// immediate value or a future.
func (l *FillLauncher) Validate() error {
	if (l.Value == nil) == (l.Future == nil) {
		return errors.E("fill.validate", errors.Invalid,
			errors.New("exactly one of value and future must be set"))
	}
	if len(l.Fields) == 0 {
		return errors.E("fill.validate", errors.Invalid, errors.New("no fields"))
	}
	return nil
}

// Validate checks an index attach launcher's parallel lists.
func (l *IndexAttachLauncher) Validate() error {
	if len(l.Regions) != len(l.Buffers) {
		return errors.E("attach.validate", errors.Invalid,
			errors.Errorf("%d regions, %d buffers", len(l.Regions), len(l.Buffers)))
	}
	if len(l.Regions) == 0 {
		return errors.E("attach.validate", errors.Invalid, errors.New("no regions"))
	}
	return nil
}
