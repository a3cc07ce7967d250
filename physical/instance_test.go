// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package physical

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/rects"
	"github.com/strata-lang/strata/regiontree"
)

var testMem = strata.Memory{ID: 1, Kind: strata.SysMem}

func int64le(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func TestInstanceReadWrite(t *testing.T) {
	domain := rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9)))
	inst := NewInstance(domain, testMem, map[strata.FieldID]int{1: 8})
	if err := inst.write(1, rects.Pt(3), int64le(42)); err != nil {
		t.Fatal(err)
	}
	b, err := inst.read(1, rects.Pt(3))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(42); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Untouched elements are zeroed.
	b, err = inst.read(1, rects.Pt(4))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err = inst.read(1, rects.Pt(10)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	if _, err = inst.read(2, rects.Pt(0)); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestInstanceReduce(t *testing.T) {
	domain := rects.FromRect(rects.R(rects.Pt(0), rects.Pt(3)))
	inst := NewInstance(domain, testMem, map[strata.FieldID]int{1: 8})
	op := strata.SumInt64{}
	for i := 0; i < 5; i++ {
		if err := inst.reduce(1, rects.Pt(2), op, int64le(3)); err != nil {
			t.Fatal(err)
		}
	}
	b, err := inst.read(1, rects.Pt(2))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(15); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAttachLayouts(t *testing.T) {
	domain := rects.FromRect(rects.R(rects.Pt(0), rects.Pt(2)))
	fields := map[strata.FieldID]int{1: 8, 2: 8}
	for _, layout := range []strata.LayoutOrder{strata.LayoutSOA, strata.LayoutAOS} {
		buf := make([]byte, 3*16)
		inst, err := Attach(domain, testMem, fields, buf, layout)
		if err != nil {
			t.Fatal(err)
		}
		for i := int64(0); i < 3; i++ {
			if err := inst.write(1, rects.Pt(i), int64le(i)); err != nil {
				t.Fatal(err)
			}
			if err := inst.write(2, rects.Pt(i), int64le(10*i)); err != nil {
				t.Fatal(err)
			}
		}
		for i := int64(0); i < 3; i++ {
			b, err := inst.read(2, rects.Pt(i))
			if err != nil {
				t.Fatal(err)
			}
			if got, want := int64(binary.LittleEndian.Uint64(b)), 10*i; got != want {
				t.Errorf("layout %d: got %v, want %v", layout, got, want)
			}
		}
		// Writes land in the attached buffer.
		if bytes.Equal(buf, make([]byte, len(buf))) {
			t.Errorf("layout %d: attached buffer untouched", layout)
		}
	}
	if _, err := Attach(domain, testMem, fields, make([]byte, 10), strata.LayoutSOA); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestPointRectCodecs(t *testing.T) {
	p := rects.Pt(3, -7)
	got, err := DecodePointValue(EncodePointValue(p))
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Errorf("got %v, want %v", got, p)
	}
	r := rects.R(rects.Pt(0, 1), rects.Pt(4, 5))
	gotr, err := DecodeRectValue(EncodeRectValue(r))
	if err != nil {
		t.Fatal(err)
	}
	if gotr != r {
		t.Errorf("got %v, want %v", gotr, r)
	}
	if _, err := DecodePointValue(make([]byte, 7)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestAccessorChecks(t *testing.T) {
	domain := rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9)))
	inst := NewInstance(domain, testMem, map[strata.FieldID]int{1: 8})
	region := NewRegion(strata.LogicalRegion{}, strata.ReadOnly, []strata.FieldID{1},
		rects.FromRect(rects.R(rects.Pt(0), rects.Pt(4))), inst, nil)
	region.Checks = true
	if _, err := region.Accessor(1, strata.ReadWrite); !errors.Is(errors.Privilege, err) {
		t.Errorf("got %v, want Privilege", err)
	}
	if _, err := region.Accessor(2, strata.ReadOnly); !errors.Is(errors.Privilege, err) {
		t.Errorf("got %v, want Privilege", err)
	}
	acc, err := region.Accessor(1, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := acc.Read(rects.Pt(2)); err != nil {
		t.Fatal(err)
	}
	// Region bounds, not instance bounds, limit the accessor.
	if _, err := acc.Read(rects.Pt(7)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	if err := acc.Write(rects.Pt(2), int64le(1)); !errors.Is(errors.Privilege, err) {
		t.Errorf("got %v, want Privilege", err)
	}
}

func TestOutputRegion(t *testing.T) {
	out := NewOutputRegion(testMem, map[strata.FieldID]int{1: 8, 2: 8})
	if _, err := out.Complete(); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	domain := rects.FromRect(rects.R(rects.Pt(0), rects.Pt(4)))
	inst, err := out.CreateBuffer(1, domain)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.ReturnData(1, inst); err != nil {
		t.Fatal(err)
	}
	if err := out.ReturnData(1, inst); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	other := NewInstance(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))), testMem, map[strata.FieldID]int{2: 8})
	if err := out.ReturnData(2, other); !errors.Is(errors.Invalid, err) {
		t.Errorf("extent mismatch: got %v, want Invalid", err)
	}
	inst2, err := out.CreateBuffer(2, domain)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.ReturnData(2, inst2); err != nil {
		t.Fatal(err)
	}
	got, err := out.Complete()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(domain) {
		t.Errorf("got %v, want %v", got, domain)
	}
}

func newTestRegion(t *testing.T) (*regiontree.Forest, strata.LogicalRegion, strata.FieldID) {
	t.Helper()
	f := regiontree.NewForest()
	is := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	fs := f.CreateFieldSpace()
	fid, err := f.AllocateField(fs, strata.NoField, 8, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	lr, err := f.CreateLogicalRegion(is, fs)
	if err != nil {
		t.Fatal(err)
	}
	return f, lr, fid
}

func TestManagerMapFill(t *testing.T) {
	ctx := context.Background()
	f, lr, fid := newTestRegion(t)
	m := NewManager(f, nil)
	if err := m.Fill(ctx, lr, []strata.FieldID{fid}, int64le(7)); err != nil {
		t.Fatal(err)
	}
	req := strata.NewRegionRequirement(lr, strata.ReadOnly, strata.Exclusive, lr)
	req.AddField(fid)
	region, err := m.Map(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !region.IsMapped() || !region.IsValid() {
		t.Fatal("mapped region should be valid")
	}
	acc, err := region.Accessor(fid, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	b, err := acc.Read(rects.Pt(9))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestManagerSubregionView(t *testing.T) {
	ctx := context.Background()
	f, lr, fid := newTestRegion(t)
	ip, err := f.CreateIndexPartitionExplicit(lr.Index, f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1)))),
		regiontree.DisjointKind, map[strata.DomainPoint]rects.Set{
			rects.Pt(0): rects.FromRect(rects.R(rects.Pt(0), rects.Pt(4))),
			rects.Pt(1): rects.FromRect(rects.R(rects.Pt(5), rects.Pt(9))),
		})
	if err != nil {
		t.Fatal(err)
	}
	lp, err := f.LogicalPartition(lr, ip)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := f.LogicalSubregion(ctx, lp, rects.Pt(1))
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(f, nil)
	m.Checks = true
	req := strata.NewRegionRequirement(sub, strata.ReadWrite, strata.Exclusive, lr)
	req.AddField(fid)
	region, err := m.Map(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	acc, err := region.Accessor(fid, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := acc.Write(rects.Pt(6), int64le(11)); err != nil {
		t.Fatal(err)
	}
	if err := acc.Write(rects.Pt(2), int64le(1)); !errors.Is(errors.Invalid, err) {
		t.Errorf("write outside subregion: got %v, want Invalid", err)
	}

	// The parent view observes the subregion's write: both map the
	// same backing instance.
	preq := strata.NewRegionRequirement(lr, strata.ReadOnly, strata.Exclusive, lr)
	preq.AddField(fid)
	parent, err := m.Map(ctx, preq)
	if err != nil {
		t.Fatal(err)
	}
	pacc, err := parent.Accessor(fid, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	b, err := pacc.Read(rects.Pt(6))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(11); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestManagerCopyReduce(t *testing.T) {
	ctx := context.Background()
	f, src, fid := newTestRegion(t)
	dstIs := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	dst, err := f.CreateLogicalRegion(dstIs, src.Fields)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(f, nil)
	if err := m.Fill(ctx, src, []strata.FieldID{fid}, int64le(5)); err != nil {
		t.Fatal(err)
	}
	if err := m.Fill(ctx, dst, []strata.FieldID{fid}, int64le(2)); err != nil {
		t.Fatal(err)
	}
	if err := m.Copy(ctx, src, dst, fid, fid, strata.SumInt64{}); err != nil {
		t.Fatal(err)
	}
	req := strata.NewRegionRequirement(dst, strata.ReadOnly, strata.Exclusive, dst)
	req.AddField(fid)
	region, err := m.Map(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	acc, err := region.Accessor(fid, strata.ReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	b, err := acc.Read(rects.Pt(0))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestManagerFieldReads(t *testing.T) {
	ctx := context.Background()
	f := regiontree.NewForest()
	is := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(3))))
	fs := f.CreateFieldSpace()
	pfid, err := f.AllocateField(fs, strata.NoField, 8, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	rfid, err := f.AllocateField(fs, strata.NoField, 16, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	lr, err := f.CreateLogicalRegion(is, fs)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(f, nil)
	req := strata.NewRegionRequirement(lr, strata.ReadWrite, strata.Exclusive, lr)
	req.AddFields(pfid, rfid)
	region, err := m.Map(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	pacc, err := region.Accessor(pfid, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := pacc.WritePoint(rects.Pt(1), rects.Pt(3)); err != nil {
		t.Fatal(err)
	}
	racc, err := region.Accessor(rfid, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := racc.WriteRect(rects.Pt(2), rects.R(rects.Pt(0), rects.Pt(1))); err != nil {
		t.Fatal(err)
	}

	p, err := m.ReadPoint(ctx, lr, pfid, rects.Pt(1))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := p, rects.Pt(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r, err := m.ReadRect(ctx, lr, rfid, rects.Pt(2))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r, rects.R(rects.Pt(0), rects.Pt(1)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestManagerExternal(t *testing.T) {
	ctx := context.Background()
	f, lr, fid := newTestRegion(t)
	buf := make([]byte, 10*8)
	binary.LittleEndian.PutUint64(buf[3*8:], uint64(99))
	m := NewManager(f, nil)
	region, err := m.MapExternal(ctx, lr, []strata.FieldID{fid}, testMem, buf, strata.LayoutSOA)
	if err != nil {
		t.Fatal(err)
	}
	acc, err := region.Accessor(fid, strata.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	b, err := acc.Read(rects.Pt(3))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(99); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := acc.Write(rects.Pt(0), int64le(5)); err != nil {
		t.Fatal(err)
	}
	got, err := m.Unmap(lr)
	if err != nil {
		t.Fatal(err)
	}
	if gotv, want := int64(binary.LittleEndian.Uint64(got[:8])), int64(5); gotv != want {
		t.Errorf("got %v, want %v", gotv, want)
	}
	if _, err := m.Unmap(lr); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}
