// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package strata

import "fmt"

// TreeID names an index tree. All index spaces and index partitions
// that belong to one tree share a TreeID.
type TreeID uint64

// RegionTreeID names a logical region tree. Each top-level region
// creation yields a fresh RegionTreeID.
type RegionTreeID uint64

// CoordKind enumerates the coordinate integral types an index space
// may be declared over. Coordinates are carried as int64 internally;
// the kind constrains the domain of valid points.
type CoordKind uint8

const (
	CoordInt64 CoordKind = iota
	CoordInt32
	CoordUint32
	CoordUint64
)

// TypeTag encodes the compile-time shape of an index space handle:
// its dimensionality and coordinate kind.
type TypeTag uint32

// MakeTypeTag packs a dimensionality and coordinate kind into a tag.
func MakeTypeTag(dim int, kind CoordKind) TypeTag {
	return TypeTag(uint32(dim)<<8 | uint32(kind))
}

// Dim returns the tag's dimensionality.
func (t TypeTag) Dim() int { return int(t >> 8) }

// Coord returns the tag's coordinate kind.
func (t TypeTag) Coord() CoordKind { return CoordKind(t & 0xff) }

// An IndexSpace names a set of points. The zero IndexSpace does not
// exist.
type IndexSpace struct {
	ID   uint64
	Tree TreeID
	Tag  TypeTag
}

// Exists tells whether the handle is non-null.
func (is IndexSpace) Exists() bool { return is.ID != 0 }

// String renders the handle for diagnostics.
func (is IndexSpace) String() string {
	return fmt.Sprintf("ispace(%d,%d)", is.ID, is.Tree)
}

// An IndexPartition names a partitioning of an index space into
// colored children. The zero IndexPartition does not exist.
type IndexPartition struct {
	ID   uint64
	Tree TreeID
	Tag  TypeTag
}

// Exists tells whether the handle is non-null.
func (ip IndexPartition) Exists() bool { return ip.ID != 0 }

func (ip IndexPartition) String() string {
	return fmt.Sprintf("ipart(%d,%d)", ip.ID, ip.Tree)
}

// A FieldSpace names a collection of fields. The zero FieldSpace
// does not exist.
type FieldSpace struct {
	ID uint64
}

// Exists tells whether the handle is non-null.
func (fs FieldSpace) Exists() bool { return fs.ID != 0 }

func (fs FieldSpace) String() string {
	return fmt.Sprintf("fspace(%d)", fs.ID)
}

// A LogicalRegion is the cross product of an index space and a field
// space within a region tree. Two logical regions are distinct if
// any component differs.
type LogicalRegion struct {
	Tree   RegionTreeID
	Index  IndexSpace
	Fields FieldSpace
}

// Exists tells whether the handle is non-null.
func (lr LogicalRegion) Exists() bool {
	return lr.Tree != 0 && lr.Index.Exists() && lr.Fields.Exists()
}

func (lr LogicalRegion) String() string {
	return fmt.Sprintf("region(%d,%s,%s)", lr.Tree, lr.Index, lr.Fields)
}

// A LogicalPartition mirrors an index partition within a region
// tree.
type LogicalPartition struct {
	Tree      RegionTreeID
	Partition IndexPartition
	Fields    FieldSpace
}

// Exists tells whether the handle is non-null.
func (lp LogicalPartition) Exists() bool {
	return lp.Tree != 0 && lp.Partition.Exists() && lp.Fields.Exists()
}

func (lp LogicalPartition) String() string {
	return fmt.Sprintf("partition(%d,%s,%s)", lp.Tree, lp.Partition, lp.Fields)
}

// LayoutOrder names an element ordering for region storage.
type LayoutOrder int

const (
	// LayoutSOA lays fields out structure-of-arrays.
	LayoutSOA LayoutOrder = iota
	// LayoutAOS lays fields out array-of-structures.
	LayoutAOS
)

// FieldID names a field within a field space.
type FieldID uint32

// NoField is the null field id.
const NoField FieldID = 0

// The remaining handle types name registered entities and runtime
// objects. Zero is the null value for each.
type (
	// TaskID names a registered task.
	TaskID uint32
	// VariantID names a variant of a registered task.
	VariantID uint32
	// MapperID names a registered mapper.
	MapperID uint32
	// MappingTagID is an opaque tag passed through to mappers.
	MappingTagID uint64
	// ProjectionID names a registered projection functor. Projection 0
	// is the identity projection.
	ProjectionID uint32
	// ShardingID names a registered sharding functor.
	ShardingID uint32
	// ReductionOpID names a registered reduction operator.
	ReductionOpID uint32
	// CustomSerdezID names a registered serializer/deserializer.
	CustomSerdezID uint32
	// TraceID names an application trace.
	TraceID uint64
	// TunableID names a tunable value, resolved by the mapper.
	TunableID uint32
	// LocalVariableID names a task-local variable slot.
	LocalVariableID uint32
	// ShardID identifies one shard of a control-replicated task.
	ShardID uint32
	// AddressSpaceID identifies a node in the substrate.
	AddressSpaceID uint32
	// SemanticTag names a slot of semantic information attached to a
	// runtime object. Tag 0 is reserved for the object's name.
	SemanticTag uint64
)
