// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package physical implements the concrete-data side of the runtime:
// instances (field storage over a domain), physical regions and
// their accessors, output regions, and attached external resources.
package physical

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/rects"
)

// An Instance is concrete storage for a set of fields over a point
// domain in one memory. Elements are addressed by point; the domain
// is indexed in lexicographic order.
type Instance struct {
	domain rects.Set
	memory strata.Memory
	index  map[rects.Point]int

	mu     sync.RWMutex
	fields map[strata.FieldID]*fieldStorage

	// external holds the attached buffer, if this instance aliases
	// external storage.
	external []byte
	layout   strata.LayoutOrder
}

type fieldStorage struct {
	size int
	// data is nil for external instances; elements then live in the
	// attached buffer at offset+i*stride.
	data   []byte
	offset int
	stride int
}

// NewInstance allocates zeroed storage for the given fields over
// domain. Fields maps each field to its element size.
func NewInstance(domain rects.Set, memory strata.Memory, fields map[strata.FieldID]int) *Instance {
	inst := &Instance{
		domain: domain,
		memory: memory,
		index:  buildIndex(domain),
		fields: make(map[strata.FieldID]*fieldStorage, len(fields)),
	}
	n := int(domain.Volume())
	for fid, size := range fields {
		inst.fields[fid] = &fieldStorage{size: size, data: make([]byte, n*size), stride: size}
	}
	return inst
}

// Attach wraps an external buffer as an instance over domain. With
// LayoutSOA the buffer holds each field's elements contiguously, in
// field-id order; with LayoutAOS elements interleave. The buffer
// must be at least volume * Σ sizes bytes.
func Attach(domain rects.Set, memory strata.Memory, fields map[strata.FieldID]int, buf []byte, layout strata.LayoutOrder) (*Instance, error) {
	n := int(domain.Volume())
	var total int
	fids := make([]strata.FieldID, 0, len(fields))
	for fid, size := range fields {
		total += size
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	if len(buf) < n*total {
		return nil, errors.E("physical.attach", errors.Invalid,
			errors.Errorf("buffer holds %d bytes, need %d", len(buf), n*total))
	}
	inst := &Instance{
		domain:   domain,
		memory:   memory,
		index:    buildIndex(domain),
		fields:   make(map[strata.FieldID]*fieldStorage, len(fields)),
		external: buf,
		layout:   layout,
	}
	offset := 0
	for _, fid := range fids {
		size := fields[fid]
		fs := &fieldStorage{size: size}
		switch layout {
		case strata.LayoutSOA:
			fs.offset = offset * n
			fs.stride = size
		case strata.LayoutAOS:
			fs.offset = offset
			fs.stride = total
		}
		offset += size
		inst.fields[fid] = fs
	}
	return inst, nil
}

func buildIndex(domain rects.Set) map[rects.Point]int {
	index := make(map[rects.Point]int, domain.Volume())
	i := 0
	domain.Each(func(p rects.Point) {
		index[p] = i
		i++
	})
	return index
}

// Domain returns the instance's point domain.
func (inst *Instance) Domain() rects.Set { return inst.domain }

// Memory returns the memory holding the instance.
func (inst *Instance) Memory() strata.Memory { return inst.memory }

// External returns the attached buffer, if any.
func (inst *Instance) External() []byte { return inst.external }

// Fields returns the instance's field ids in order.
func (inst *Instance) Fields() []strata.FieldID {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	fids := make([]strata.FieldID, 0, len(inst.fields))
	for fid := range inst.fields {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })
	return fids
}

// FieldSize returns the element size of a field.
func (inst *Instance) FieldSize(fid strata.FieldID) (int, error) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	fs, ok := inst.fields[fid]
	if !ok {
		return 0, errors.E("instance.fieldsize", errors.NotExist, errors.Errorf("field %d", fid))
	}
	return fs.size, nil
}

// ensureField allocates zeroed storage for a field the instance does
// not yet carry. External instances have a fixed field set.
func (inst *Instance) ensureField(fid strata.FieldID, size int) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if fs, ok := inst.fields[fid]; ok {
		if fs.size != size {
			return errors.E("physical.ensurefield", errors.Invalid,
				errors.Errorf("field %d registered with size %d, requested %d", fid, fs.size, size))
		}
		return nil
	}
	if inst.external != nil {
		return errors.E("physical.ensurefield", errors.NotSupported,
			errors.Errorf("field %d not present in attached buffer", fid))
	}
	n := int(inst.domain.Volume())
	inst.fields[fid] = &fieldStorage{size: size, data: make([]byte, n*size), stride: size}
	return nil
}

func (inst *Instance) element(fid strata.FieldID, p rects.Point) ([]byte, error) {
	fs, ok := inst.fields[fid]
	if !ok {
		return nil, errors.E("instance.element", errors.NotExist, errors.Errorf("field %d", fid))
	}
	i, ok := inst.index[p]
	if !ok {
		return nil, errors.E("instance.element", errors.Invalid,
			errors.Errorf("point %s outside instance domain", p))
	}
	if inst.external != nil {
		off := fs.offset + i*fs.stride
		return inst.external[off : off+fs.size], nil
	}
	return fs.data[i*fs.size : (i+1)*fs.size], nil
}

// read copies the element at p into a fresh buffer.
func (inst *Instance) read(fid strata.FieldID, p rects.Point) ([]byte, error) {
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	el, err := inst.element(fid, p)
	if err != nil {
		return nil, err
	}
	return append([]byte{}, el...), nil
}

// write stores val at p.
func (inst *Instance) write(fid strata.FieldID, p rects.Point, val []byte) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	el, err := inst.element(fid, p)
	if err != nil {
		return err
	}
	if len(val) != len(el) {
		return errors.E("instance.write", errors.Invalid,
			errors.Errorf("value is %d bytes, field element is %d", len(val), len(el)))
	}
	copy(el, val)
	return nil
}

// reduce applies op in place at p.
func (inst *Instance) reduce(fid strata.FieldID, p rects.Point, op strata.ReductionOp, rhs []byte) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	el, err := inst.element(fid, p)
	if err != nil {
		return err
	}
	op.Apply(el, rhs)
	return nil
}

// fill stores val at every point of bounds.
func (inst *Instance) fill(fid strata.FieldID, bounds rects.Set, val []byte) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	var failed error
	bounds.Each(func(p rects.Point) {
		if failed != nil {
			return
		}
		el, err := inst.element(fid, p)
		if err != nil {
			failed = err
			return
		}
		if len(val) != len(el) {
			failed = errors.E("instance.fill", errors.Invalid,
				errors.Errorf("value is %d bytes, field element is %d", len(val), len(el)))
			return
		}
		copy(el, val)
	})
	return failed
}

// Point and rectangle elements are encoded as little-endian int64
// coordinates; the element size fixes the dimensionality.

// DecodePointValue interprets an element as a point.
func DecodePointValue(b []byte) (rects.Point, error) {
	if len(b) == 0 || len(b)%8 != 0 || len(b)/8 > rects.MaxDim {
		return rects.Point{}, errors.E("physical.decodepoint", errors.Invalid,
			errors.Errorf("element of %d bytes is not a point", len(b)))
	}
	var p rects.Point
	p.Dim = len(b) / 8
	for i := 0; i < p.Dim; i++ {
		p.C[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return p, nil
}

// EncodePointValue renders a point as an element buffer.
func EncodePointValue(p rects.Point) []byte {
	b := make([]byte, p.Dim*8)
	for i := 0; i < p.Dim; i++ {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(p.C[i]))
	}
	return b
}

// DecodeRectValue interprets an element as a rectangle.
func DecodeRectValue(b []byte) (rects.Rect, error) {
	if len(b) == 0 || len(b)%16 != 0 || len(b)/16 > rects.MaxDim {
		return rects.Rect{}, errors.E("physical.decoderect", errors.Invalid,
			errors.Errorf("element of %d bytes is not a rectangle", len(b)))
	}
	dim := len(b) / 16
	lo, err := DecodePointValue(b[:dim*8])
	if err != nil {
		return rects.Rect{}, err
	}
	hi, err := DecodePointValue(b[dim*8:])
	if err != nil {
		return rects.Rect{}, err
	}
	return rects.R(lo, hi), nil
}

// EncodeRectValue renders a rectangle as an element buffer.
func EncodeRectValue(r rects.Rect) []byte {
	return append(EncodePointValue(r.Lo), EncodePointValue(r.Hi)...)
}
