// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package regiontree

import (
	"encoding/binary"

	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/rects"
)

// Domains crossing a future boundary (deferred index space domains,
// by-domain partitioning) are encoded as little-endian int64s:
// dimension, rectangle count, then lo/hi coordinates per rectangle.

// EncodeDomain serializes a point set for transport in a future
// payload.
func EncodeDomain(s rects.Set) []byte {
	rs := s.Rects()
	b := make([]byte, 16+len(rs)*16*s.Dim())
	binary.LittleEndian.PutUint64(b[0:], uint64(s.Dim()))
	binary.LittleEndian.PutUint64(b[8:], uint64(len(rs)))
	off := 16
	for _, r := range rs {
		for i := 0; i < s.Dim(); i++ {
			binary.LittleEndian.PutUint64(b[off:], uint64(r.Lo.C[i]))
			off += 8
		}
		for i := 0; i < s.Dim(); i++ {
			binary.LittleEndian.PutUint64(b[off:], uint64(r.Hi.C[i]))
			off += 8
		}
	}
	return b
}

// DecodeDomain deserializes a point set encoded by EncodeDomain.
func DecodeDomain(b []byte) (rects.Set, error) {
	if len(b) < 16 {
		return rects.Set{}, errors.E("regiontree.decodedomain", errors.Invalid, errors.New("short buffer"))
	}
	dim := int(binary.LittleEndian.Uint64(b[0:]))
	n := int(binary.LittleEndian.Uint64(b[8:]))
	if dim < 0 || dim > rects.MaxDim {
		return rects.Set{}, errors.E("regiontree.decodedomain", errors.Invalid,
			errors.Errorf("bad dimension %d", dim))
	}
	if len(b) != 16+n*16*dim {
		return rects.Set{}, errors.E("regiontree.decodedomain", errors.Invalid,
			errors.Errorf("buffer size %d does not match %d rects of dim %d", len(b), n, dim))
	}
	rs := make([]rects.Rect, n)
	off := 16
	for i := range rs {
		lo, hi := make([]int64, dim), make([]int64, dim)
		for j := 0; j < dim; j++ {
			lo[j] = int64(binary.LittleEndian.Uint64(b[off:]))
			off += 8
		}
		for j := 0; j < dim; j++ {
			hi[j] = int64(binary.LittleEndian.Uint64(b[off:]))
			off += 8
		}
		rs[i] = rects.R(rects.Pt(lo...), rects.Pt(hi...))
	}
	return rects.NewSet(rs...), nil
}
