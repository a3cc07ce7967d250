// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/rects"
	"github.com/strata-lang/strata/regiontree"
)

// mapReader serves field reads out of in-memory maps.
type mapReader struct {
	points map[rects.Point]rects.Point
	rects  map[rects.Point]rects.Rect
}

func (r *mapReader) ReadPoint(_ context.Context, _ strata.LogicalRegion, _ strata.FieldID, p rects.Point) (rects.Point, error) {
	v, ok := r.points[p]
	if !ok {
		return rects.Point{}, errors.E("mapreader", errors.NotExist, p)
	}
	return v, nil
}

func (r *mapReader) ReadRect(_ context.Context, _ strata.LogicalRegion, _ strata.FieldID, p rects.Point) (rects.Rect, error) {
	v, ok := r.rects[p]
	if !ok {
		return rects.Rect{}, errors.E("mapreader", errors.NotExist, p)
	}
	return v, nil
}

func newTestEngine(r FieldReader) *Engine {
	return NewEngine(regiontree.NewForest(), r, nil)
}

func childDomain(t *testing.T, e *Engine, ip strata.IndexPartition, c rects.Point) rects.Set {
	t.Helper()
	ctx := context.Background()
	is, err := e.Forest().Subspace(ctx, ip, c)
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Forest().Domain(ctx, is)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestEqualBlocked(t *testing.T) {
	e := newTestEngine(nil)
	parent := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0, 0), rects.Pt(9, 9))))
	colors := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0, 0), rects.Pt(1, 1))))
	ip, err := e.Equal(parent, colors, 1)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []rects.Point{rects.Pt(0, 0), rects.Pt(0, 1), rects.Pt(1, 0), rects.Pt(1, 1)} {
		d := childDomain(t, e, ip, c)
		if got, want := d.Volume(), int64(25); got != want {
			t.Errorf("tile %s: got %v, want %v", c, got, want)
		}
	}
	if d := childDomain(t, e, ip, rects.Pt(1, 1)); !d.Equal(rects.FromRect(rects.R(rects.Pt(5, 5), rects.Pt(9, 9)))) {
		t.Errorf("got %s", d)
	}
	disjoint, err := e.Forest().IsDisjoint(context.Background(), ip)
	if err != nil {
		t.Fatal(err)
	}
	if !disjoint {
		t.Error("expected disjoint")
	}
	complete, err := e.Forest().IsComplete(context.Background(), ip)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Error("expected complete")
	}
}

func TestEqualLine(t *testing.T) {
	e := newTestEngine(nil)
	parent := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	colors := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(3))))
	ip, err := e.Equal(parent, colors, 1)
	if err != nil {
		t.Fatal(err)
	}
	var total int64
	for c := int64(0); c < 4; c++ {
		d := childDomain(t, e, ip, rects.Pt(c))
		if d.Volume() < 2 || d.Volume() > 3 {
			t.Errorf("color %d: got volume %v", c, d.Volume())
		}
		total += d.Volume()
	}
	if got, want := total, int64(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestByWeights(t *testing.T) {
	e := newTestEngine(nil)
	parent := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	colors := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	ip, err := e.ByWeights(parent, colors, map[strata.DomainPoint]int64{
		rects.Pt(0): 4,
		rects.Pt(1): 1,
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, ip, rects.Pt(0)).Volume(), int64(8); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := childDomain(t, e, ip, rects.Pt(1)).Volume(), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	zero, err := e.ByWeights(parent, colors, map[strata.DomainPoint]int64{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Forest().Subspace(context.Background(), zero, rects.Pt(0)); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected Invalid, got %v", err)
	}
}

func TestByWeightsFuture(t *testing.T) {
	e := newTestEngine(nil)
	parent := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	colors := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	weight := func(w int64) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(w))
		return b
	}
	fm, err := future.MapFromBuffers(strata.DomainFromRect(rects.Pt(0), rects.Pt(1)),
		map[strata.DomainPoint][]byte{
			rects.Pt(0): weight(1),
			rects.Pt(1): weight(3),
		})
	if err != nil {
		t.Fatal(err)
	}
	ip, err := e.ByWeightsFuture(parent, colors, fm, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, ip, rects.Pt(1)).Volume(), int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestZipOps(t *testing.T) {
	e := newTestEngine(nil)
	f := e.Forest()
	parent := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	p1, err := f.CreateIndexPartitionExplicit(parent, colors, regiontree.AliasedKind,
		map[strata.DomainPoint]rects.Set{
			rects.Pt(0): rects.FromRect(rects.R(rects.Pt(0), rects.Pt(5))),
			rects.Pt(1): rects.FromRect(rects.R(rects.Pt(4), rects.Pt(9))),
		})
	if err != nil {
		t.Fatal(err)
	}
	p2, err := f.CreateIndexPartitionExplicit(parent, colors, regiontree.AliasedKind,
		map[strata.DomainPoint]rects.Set{
			rects.Pt(0): rects.FromRect(rects.R(rects.Pt(3), rects.Pt(7))),
		})
	if err != nil {
		t.Fatal(err)
	}

	x, err := e.ByIntersection(parent, colors, p1, p2, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, x, rects.Pt(0)), rects.FromRect(rects.R(rects.Pt(3), rects.Pt(5))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
	// Color 1 is absent from p2, so the zipped child is absent too.
	if _, err := f.Subspace(context.Background(), x, rects.Pt(1)); err != nil {
		// Absent zipped colors materialize as empty children.
		t.Fatal(err)
	}
	if got := childDomain(t, e, x, rects.Pt(1)); !got.Empty() {
		t.Errorf("got %s, want empty", got)
	}

	d, err := e.ByDifference(parent, colors, p1, p2, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, d, rects.Pt(0)), rects.FromRect(rects.R(rects.Pt(0), rects.Pt(2))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	u, err := e.ByUnion(parent, colors, p1, p2, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, u, rects.Pt(0)).Volume(), int64(8); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestByIntersectionWithParent(t *testing.T) {
	e := newTestEngine(nil)
	f := e.Forest()
	big := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	small := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(4))))
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	src, err := f.CreateIndexPartitionExplicit(big, colors, regiontree.DisjointKind,
		map[strata.DomainPoint]rects.Set{
			rects.Pt(0): rects.FromRect(rects.R(rects.Pt(0), rects.Pt(4))),
			rects.Pt(1): rects.FromRect(rects.R(rects.Pt(5), rects.Pt(9))),
		})
	if err != nil {
		t.Fatal(err)
	}
	mirror, err := e.ByIntersectionWithParent(small, src, false, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, mirror, rects.Pt(0)).Volume(), int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := childDomain(t, e, mirror, rects.Pt(1)); !got.Empty() {
		t.Errorf("got %s, want empty", got)
	}
}

func TestCrossProduct(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(nil)
	f := e.Forest()
	parent := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	rows, err := f.CreateIndexPartitionExplicit(parent, colors, regiontree.DisjointKind,
		map[strata.DomainPoint]rects.Set{
			rects.Pt(0): rects.FromRect(rects.R(rects.Pt(0), rects.Pt(4))),
			rects.Pt(1): rects.FromRect(rects.R(rects.Pt(5), rects.Pt(9))),
		})
	if err != nil {
		t.Fatal(err)
	}
	evens, err := f.CreateIndexPartitionExplicit(parent, colors, regiontree.DisjointKind,
		map[strata.DomainPoint]rects.Set{
			rects.Pt(0): rects.FromRect(rects.R(rects.Pt(0), rects.Pt(6))),
			rects.Pt(1): rects.FromRect(rects.R(rects.Pt(7), rects.Pt(9))),
		})
	if err != nil {
		t.Fatal(err)
	}
	grid, err := e.CrossProduct(ctx, rows, evens, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(grid), 2; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	sub := grid[rects.Pt(1)]
	if got, want := childDomain(t, e, sub, rects.Pt(0)), rects.FromRect(rects.R(rects.Pt(5), rects.Pt(6))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestByRestriction(t *testing.T) {
	e := newTestEngine(nil)
	f := e.Forest()
	parent := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(2))))
	var tr Transform
	tr.Rows, tr.Cols = 1, 1
	tr.M[0][0] = 4
	// Overlapping 6-wide windows with stride 4.
	ip, err := e.ByRestriction(parent, colors, tr, rects.R(rects.Pt(0), rects.Pt(5)), regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, ip, rects.Pt(1)), rects.FromRect(rects.R(rects.Pt(4), rects.Pt(9))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
	if got, want := childDomain(t, e, ip, rects.Pt(2)), rects.FromRect(rects.R(rects.Pt(8), rects.Pt(9))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestByBlockify(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(nil)
	parent := e.Forest().CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0, 0), rects.Pt(9, 9))))
	ip, err := e.ByBlockify(ctx, parent, rects.Pt(5, 5), rects.Point{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, ip, rects.Pt(1, 0)), rects.FromRect(rects.R(rects.Pt(5, 0), rects.Pt(9, 4))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
	disjoint, err := e.Forest().IsDisjoint(ctx, ip)
	if err != nil {
		t.Fatal(err)
	}
	if !disjoint {
		t.Error("expected disjoint")
	}
}

func TestByDomainFuture(t *testing.T) {
	e := newTestEngine(nil)
	f := e.Forest()
	parent := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	fm, err := future.MapFromBuffers(strata.DomainFromRect(rects.Pt(0), rects.Pt(1)),
		map[strata.DomainPoint][]byte{
			rects.Pt(0): regiontree.EncodeDomain(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(3)))),
			rects.Pt(1): regiontree.EncodeDomain(rects.FromRect(rects.R(rects.Pt(2), rects.Pt(12)))),
		})
	if err != nil {
		t.Fatal(err)
	}
	ip, err := e.ByDomainFuture(parent, colors, fm, true, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, ip, rects.Pt(1)), rects.FromRect(rects.R(rects.Pt(2), rects.Pt(9))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestByField(t *testing.T) {
	ctx := context.Background()
	reader := &mapReader{points: make(map[rects.Point]rects.Point)}
	for i := int64(0); i < 16; i++ {
		reader.points[rects.Pt(i)] = rects.Pt(i % 4)
	}
	e := newTestEngine(reader)
	f := e.Forest()
	is := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(15))))
	fs := f.CreateFieldSpace()
	fid, err := f.AllocateField(fs, strata.NoField, 8, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	region, err := f.CreateLogicalRegion(is, fs)
	if err != nil {
		t.Fatal(err)
	}
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(3))))
	ip, err := e.ByField(region, colors, fid)
	if err != nil {
		t.Fatal(err)
	}
	for k := int64(0); k < 4; k++ {
		d := childDomain(t, e, ip, rects.Pt(k))
		if got, want := d.Volume(), int64(4); got != want {
			t.Errorf("color %d: got %v, want %v", k, got, want)
		}
		d.Each(func(p rects.Point) {
			if p.C[0]%4 != k {
				t.Errorf("point %s in child %d", p, k)
			}
		})
	}
	disjoint, err := f.IsDisjoint(ctx, ip)
	if err != nil {
		t.Fatal(err)
	}
	if !disjoint {
		t.Error("expected disjoint")
	}
	complete, err := f.IsComplete(ctx, ip)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Error("expected complete")
	}
}

func TestImagePreimageContainment(t *testing.T) {
	// Pointer field: source point i points at target point (i*2)%10.
	reader := &mapReader{points: make(map[rects.Point]rects.Point)}
	for i := int64(0); i < 10; i++ {
		reader.points[rects.Pt(i)] = rects.Pt((i * 2) % 10)
	}
	e := newTestEngine(reader)
	f := e.Forest()
	src := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	dst := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	fs := f.CreateFieldSpace()
	fid, err := f.AllocateField(fs, strata.NoField, 8, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	region, err := f.CreateLogicalRegion(src, fs)
	if err != nil {
		t.Fatal(err)
	}
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	ip, err := e.Equal(src, colors, 1)
	if err != nil {
		t.Fatal(err)
	}
	lp, err := f.LogicalPartition(region, ip)
	if err != nil {
		t.Fatal(err)
	}
	img, err := e.ByImage(dst, lp, fid, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	pre, err := e.ByPreimage(img, region, fid, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	// preimage(image(P)) contains P, color by color.
	for _, c := range []rects.Point{rects.Pt(0), rects.Pt(1)} {
		orig := childDomain(t, e, ip, c)
		back := childDomain(t, e, pre, c)
		if !back.ContainsSet(orig) {
			t.Errorf("color %s: %s does not contain %s", c, back, orig)
		}
	}
}

func TestImageRange(t *testing.T) {
	reader := &mapReader{rects: map[rects.Point]rects.Rect{
		rects.Pt(0): rects.R(rects.Pt(0), rects.Pt(2)),
		rects.Pt(1): rects.R(rects.Pt(5), rects.Pt(7)),
	}}
	e := newTestEngine(reader)
	f := e.Forest()
	src := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	dst := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	fs := f.CreateFieldSpace()
	fid, err := f.AllocateField(fs, strata.NoField, 16, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	region, err := f.CreateLogicalRegion(src, fs)
	if err != nil {
		t.Fatal(err)
	}
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(0))))
	ip, err := f.CreateIndexPartitionExplicit(src, colors, regiontree.DisjointKind,
		map[strata.DomainPoint]rects.Set{
			rects.Pt(0): rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))),
		})
	if err != nil {
		t.Fatal(err)
	}
	lp, err := f.LogicalPartition(region, ip)
	if err != nil {
		t.Fatal(err)
	}
	img, err := e.ByImageRange(dst, lp, fid, regiontree.ComputeKind)
	if err != nil {
		t.Fatal(err)
	}
	want := rects.NewSet(rects.R(rects.Pt(0), rects.Pt(2)), rects.R(rects.Pt(5), rects.Pt(7)))
	if got := childDomain(t, e, img, rects.Pt(0)); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestPending(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(nil)
	f := e.Forest()
	parent := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(9))))
	colors := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))))
	a := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(0), rects.Pt(3))))
	b := f.CreateIndexSpace(rects.FromRect(rects.R(rects.Pt(2), rects.Pt(5))))

	p, err := e.Pending(parent, colors, regiontree.AliasedKind)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetUnion(rects.Pt(0), []strata.IndexSpace{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetUnion(rects.Pt(0), []strata.IndexSpace{a}); !errors.Is(errors.DuplicateColor, err) {
		t.Errorf("expected DuplicateColor, got %v", err)
	}
	if err := p.SetDifference(rects.Pt(1), a, []strata.IndexSpace{b}); err != nil {
		t.Fatal(err)
	}
	if got, want := childDomain(t, e, p.Handle(), rects.Pt(0)), rects.FromRect(rects.R(rects.Pt(0), rects.Pt(5))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
	if got, want := childDomain(t, e, p.Handle(), rects.Pt(1)), rects.FromRect(rects.R(rects.Pt(0), rects.Pt(1))); !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}

	// An unfilled color fails materialization.
	q, err := e.Pending(parent, colors, regiontree.AliasedKind)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.SetUnion(rects.Pt(0), []strata.IndexSpace{a}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Subspace(ctx, q.Handle(), rects.Pt(0)); !errors.Is(errors.Partition, err) {
		t.Errorf("expected Partition, got %v", err)
	}
}
