// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package strata

import (
	"encoding/binary"
	"math"
)

// A ReductionOp combines values. Apply folds a right-hand-side value
// into a left-hand-side accumulator in place; Fold combines two
// right-hand-side values (used by reduction trees). Foldable ops
// declare that Fold is associative with Identity as its unit, which
// permits butterfly reductions.
type ReductionOp interface {
	// LHSSize is the byte size of accumulator values.
	LHSSize() int
	// RHSSize is the byte size of contributed values.
	RHSSize() int
	// Identity returns the identity accumulator value.
	Identity() []byte
	// Apply folds rhs into lhs in place.
	Apply(lhs, rhs []byte)
	// Fold combines rhs2 into rhs1 in place. Fold is only invoked on
	// foldable ops.
	Fold(rhs1, rhs2 []byte)
	// Foldable tells whether the op supports folding.
	Foldable() bool
}

// Builtin reduction operator ids, pre-registered by the runtime.
const (
	SumInt64ID ReductionOpID = 1 + iota
	MaxInt64ID
)

// SumInt64 is an addition reduction over int64 values.
type SumInt64 struct{}

// LHSSize implements ReductionOp.
func (SumInt64) LHSSize() int { return 8 }

// RHSSize implements ReductionOp.
func (SumInt64) RHSSize() int { return 8 }

// Identity implements ReductionOp.
func (SumInt64) Identity() []byte { return make([]byte, 8) }

// Apply implements ReductionOp.
func (SumInt64) Apply(lhs, rhs []byte) {
	v := int64(binary.LittleEndian.Uint64(lhs)) + int64(binary.LittleEndian.Uint64(rhs))
	binary.LittleEndian.PutUint64(lhs, uint64(v))
}

// Fold implements ReductionOp.
func (s SumInt64) Fold(rhs1, rhs2 []byte) { s.Apply(rhs1, rhs2) }

// Foldable implements ReductionOp.
func (SumInt64) Foldable() bool { return true }

// MaxInt64 is a maximum reduction over int64 values.
type MaxInt64 struct{}

// LHSSize implements ReductionOp.
func (MaxInt64) LHSSize() int { return 8 }

// RHSSize implements ReductionOp.
func (MaxInt64) RHSSize() int { return 8 }

// Identity implements ReductionOp.
func (MaxInt64) Identity() []byte {
	b := make([]byte, 8)
	v := int64(math.MinInt64)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// Apply implements ReductionOp.
func (MaxInt64) Apply(lhs, rhs []byte) {
	l := int64(binary.LittleEndian.Uint64(lhs))
	r := int64(binary.LittleEndian.Uint64(rhs))
	if r > l {
		binary.LittleEndian.PutUint64(lhs, uint64(r))
	}
}

// Fold implements ReductionOp.
func (m MaxInt64) Fold(rhs1, rhs2 []byte) { m.Apply(rhs1, rhs2) }

// Foldable implements ReductionOp.
func (MaxInt64) Foldable() bool { return true }
