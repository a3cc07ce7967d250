// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rects implements the point and rectangle algebra that
// underlies index spaces: unions of axis-aligned integer rectangles
// in up to MaxDim dimensions. Sets maintain a normalized (sorted,
// pairwise disjoint) representation so that set operations and
// equality are well defined.
package rects

import (
	"fmt"
	"sort"
	"strings"
)

// MaxDim is the maximum supported dimensionality of points and
// rectangles.
const MaxDim = 4

// A Point is an integer coordinate tuple of up to MaxDim dimensions.
// The zero Point has dimension zero and is used as a sentinel.
type Point struct {
	// Dim is the number of valid coordinates.
	Dim int
	// C holds the coordinates; entries at index >= Dim are zero.
	C [MaxDim]int64
}

// Pt constructs a point from the provided coordinates.
func Pt(coords ...int64) Point {
	if len(coords) > MaxDim {
		panic("rects: too many dimensions")
	}
	var p Point
	p.Dim = len(coords)
	copy(p.C[:], coords)
	return p
}

// Eq tells whether points p and q are equal.
func (p Point) Eq(q Point) bool {
	return p == q
}

// Less defines a total (lexicographic) order over points of equal
// dimension.
func (p Point) Less(q Point) bool {
	for i := 0; i < p.Dim; i++ {
		if p.C[i] != q.C[i] {
			return p.C[i] < q.C[i]
		}
	}
	return false
}

// Add returns the pointwise sum of p and q.
func (p Point) Add(q Point) Point {
	r := p
	for i := 0; i < p.Dim; i++ {
		r.C[i] += q.C[i]
	}
	return r
}

// Mul returns the pointwise product of p and q.
func (p Point) Mul(q Point) Point {
	r := p
	for i := 0; i < p.Dim; i++ {
		r.C[i] *= q.C[i]
	}
	return r
}

// String renders the point in the form (c0,c1,...).
func (p Point) String() string {
	parts := make([]string, p.Dim)
	for i := 0; i < p.Dim; i++ {
		parts[i] = fmt.Sprint(p.C[i])
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// A Rect is an axis-aligned rectangle with inclusive bounds. A Rect
// with any Hi coordinate smaller than the corresponding Lo coordinate
// is empty.
type Rect struct {
	Lo, Hi Point
}

// R constructs the rectangle [lo, hi] (inclusive).
func R(lo, hi Point) Rect {
	if lo.Dim != hi.Dim {
		panic("rects: mismatched dimensions")
	}
	return Rect{lo, hi}
}

// Dim returns the rectangle's dimensionality.
func (r Rect) Dim() int { return r.Lo.Dim }

// Empty tells whether the rectangle contains no points.
func (r Rect) Empty() bool {
	for i := 0; i < r.Lo.Dim; i++ {
		if r.Hi.C[i] < r.Lo.C[i] {
			return true
		}
	}
	return r.Lo.Dim == 0
}

// Volume returns the number of points in the rectangle.
func (r Rect) Volume() int64 {
	if r.Empty() {
		return 0
	}
	v := int64(1)
	for i := 0; i < r.Lo.Dim; i++ {
		v *= r.Hi.C[i] - r.Lo.C[i] + 1
	}
	return v
}

// Contains tells whether point p lies in the rectangle.
func (r Rect) Contains(p Point) bool {
	if p.Dim != r.Lo.Dim {
		return false
	}
	for i := 0; i < p.Dim; i++ {
		if p.C[i] < r.Lo.C[i] || p.C[i] > r.Hi.C[i] {
			return false
		}
	}
	return true
}

// ContainsRect tells whether rectangle s is contained in r.
func (r Rect) ContainsRect(s Rect) bool {
	if s.Empty() {
		return true
	}
	return r.Contains(s.Lo) && r.Contains(s.Hi)
}

// Intersect returns the intersection of rectangles r and s, which
// may be empty.
func (r Rect) Intersect(s Rect) Rect {
	t := r
	for i := 0; i < r.Lo.Dim; i++ {
		if s.Lo.C[i] > t.Lo.C[i] {
			t.Lo.C[i] = s.Lo.C[i]
		}
		if s.Hi.C[i] < t.Hi.C[i] {
			t.Hi.C[i] = s.Hi.C[i]
		}
	}
	return t
}

// Overlaps tells whether rectangles r and s share any point.
func (r Rect) Overlaps(s Rect) bool {
	return !r.Intersect(s).Empty()
}

// Each calls fn for every point in the rectangle in lexicographic
// order (leading dimension outermost).
func (r Rect) Each(fn func(Point)) {
	if r.Empty() {
		return
	}
	p := r.Lo
	for {
		fn(p)
		d := r.Lo.Dim - 1
		for d >= 0 {
			p.C[d]++
			if p.C[d] <= r.Hi.C[d] {
				break
			}
			p.C[d] = r.Lo.C[d]
			d--
		}
		if d < 0 {
			return
		}
	}
}

// String renders the rectangle in the form [lo-hi].
func (r Rect) String() string {
	return "[" + r.Lo.String() + "-" + r.Hi.String() + "]"
}

// subtract returns the (up to 2*dim) rectangles covering r \ s.
func (r Rect) subtract(s Rect) []Rect {
	s = r.Intersect(s)
	if s.Empty() {
		return []Rect{r}
	}
	var out []Rect
	rem := r
	for i := 0; i < r.Lo.Dim; i++ {
		if rem.Lo.C[i] < s.Lo.C[i] {
			below := rem
			below.Hi.C[i] = s.Lo.C[i] - 1
			out = append(out, below)
			rem.Lo.C[i] = s.Lo.C[i]
		}
		if rem.Hi.C[i] > s.Hi.C[i] {
			above := rem
			above.Lo.C[i] = s.Hi.C[i] + 1
			out = append(out, above)
			rem.Hi.C[i] = s.Hi.C[i]
		}
	}
	return out
}

// A Set is a union of rectangles of a single dimensionality,
// maintained in a normalized form: rectangles are non-empty,
// pairwise disjoint and sorted by their Lo points. The zero Set is
// the empty set.
type Set struct {
	dim   int
	rects []Rect
}

// NewSet constructs a set from the provided rectangles, which need
// not be disjoint.
func NewSet(rects ...Rect) Set {
	var s Set
	for _, r := range rects {
		s = s.Union(FromRect(r))
	}
	return s
}

// EmptySet returns the empty set of the given dimensionality.
func EmptySet(dim int) Set {
	if dim < 0 || dim > MaxDim {
		panic("rects: bad dimension")
	}
	return Set{dim: dim}
}

// FromRect returns the set containing exactly rectangle r.
func FromRect(r Rect) Set {
	if r.Empty() {
		return Set{dim: r.Dim()}
	}
	return Set{dim: r.Dim(), rects: []Rect{r}}
}

// FromPoints returns the set containing exactly the provided points.
func FromPoints(points ...Point) Set {
	rs := make([]Rect, len(points))
	for i, p := range points {
		rs[i] = Rect{p, p}
	}
	return NewSet(rs...)
}

// Dim returns the set's dimensionality. The empty set reports
// dimension 0.
func (s Set) Dim() int { return s.dim }

// Empty tells whether the set contains no points.
func (s Set) Empty() bool { return len(s.rects) == 0 }

// Rects returns the set's normalized rectangles. The returned slice
// must not be modified.
func (s Set) Rects() []Rect { return s.rects }

// Volume returns the number of points in the set.
func (s Set) Volume() int64 {
	var v int64
	for _, r := range s.rects {
		v += r.Volume()
	}
	return v
}

// Bounds returns the tightest rectangle containing the set. Bounds
// of the empty set is an empty rectangle.
func (s Set) Bounds() Rect {
	if len(s.rects) == 0 {
		var r Rect
		r.Lo.Dim = s.dim
		r.Hi.Dim = s.dim
		if s.dim > 0 {
			r.Hi.C[0] = -1
		}
		return r
	}
	b := s.rects[0]
	for _, r := range s.rects[1:] {
		for i := 0; i < b.Lo.Dim; i++ {
			if r.Lo.C[i] < b.Lo.C[i] {
				b.Lo.C[i] = r.Lo.C[i]
			}
			if r.Hi.C[i] > b.Hi.C[i] {
				b.Hi.C[i] = r.Hi.C[i]
			}
		}
	}
	return b
}

// Dense tells whether the set is a single rectangle, i.e., whether it
// covers its bounding rectangle exactly. The empty set is dense.
func (s Set) Dense() bool { return len(s.rects) <= 1 }

// Contains tells whether point p is in the set.
func (s Set) Contains(p Point) bool {
	for _, r := range s.rects {
		if r.Contains(p) {
			return true
		}
	}
	return false
}

// ContainsSet tells whether set t is contained in s.
func (s Set) ContainsSet(t Set) bool {
	return t.Subtract(s).Empty()
}

// Equal tells whether sets s and t contain the same points.
func (s Set) Equal(t Set) bool {
	return s.Subtract(t).Empty() && t.Subtract(s).Empty()
}

// Overlaps tells whether sets s and t share any point.
func (s Set) Overlaps(t Set) bool {
	for _, r := range s.rects {
		for _, q := range t.rects {
			if r.Overlaps(q) {
				return true
			}
		}
	}
	return false
}

// Union returns the union of sets s and t.
func (s Set) Union(t Set) Set {
	if s.Empty() {
		return t
	}
	if t.Empty() {
		return s
	}
	if s.dim != t.dim {
		panic("rects: mismatched dimensions")
	}
	// Add t's rectangles, carving each down to the part not already
	// covered so the result stays disjoint.
	rs := append([]Rect{}, s.rects...)
	pending := append([]Rect{}, t.rects...)
	for len(pending) > 0 {
		r := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		covered := false
		for _, q := range rs {
			if !r.Overlaps(q) {
				continue
			}
			if q.ContainsRect(r) {
				covered = true
				break
			}
			pending = append(pending, r.subtract(q)...)
			covered = true
			break
		}
		if !covered {
			rs = append(rs, r)
		}
	}
	return normalize(s.dim, rs)
}

// Intersect returns the intersection of sets s and t.
func (s Set) Intersect(t Set) Set {
	if s.Empty() || t.Empty() {
		dim := s.dim
		if dim == 0 {
			dim = t.dim
		}
		return Set{dim: dim}
	}
	if s.dim != t.dim {
		panic("rects: mismatched dimensions")
	}
	var rs []Rect
	for _, r := range s.rects {
		for _, q := range t.rects {
			if x := r.Intersect(q); !x.Empty() {
				rs = append(rs, x)
			}
		}
	}
	return normalize(s.dim, rs)
}

// Subtract returns the set difference s \ t.
func (s Set) Subtract(t Set) Set {
	if s.Empty() || t.Empty() {
		return s
	}
	if s.dim != t.dim {
		panic("rects: mismatched dimensions")
	}
	rs := append([]Rect{}, s.rects...)
	for _, q := range t.rects {
		var next []Rect
		for _, r := range rs {
			next = append(next, r.subtract(q)...)
		}
		rs = next
	}
	return normalize(s.dim, rs)
}

// Each calls fn for each point in the set, in order of the
// normalized rectangles and lexicographic within each.
func (s Set) Each(fn func(Point)) {
	for _, r := range s.rects {
		r.Each(fn)
	}
}

// Points returns all the points in the set. It is intended for small
// sets such as color spaces.
func (s Set) Points() []Point {
	pts := make([]Point, 0, s.Volume())
	s.Each(func(p Point) { pts = append(pts, p) })
	return pts
}

// String renders the set as a list of rectangles.
func (s Set) String() string {
	if s.Empty() {
		return "{}"
	}
	parts := make([]string, len(s.rects))
	for i, r := range s.rects {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// normalize sorts and coalesces a disjoint rectangle list.
func normalize(dim int, rs []Rect) Set {
	out := rs[:0]
	for _, r := range rs {
		if !r.Empty() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lo.Less(out[j].Lo) })
	// Coalesce rectangles that abut along the trailing dimension and
	// agree on all others.
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && mergeable(merged[n-1], r) {
			merged[n-1].Hi = r.Hi
			continue
		}
		merged = append(merged, r)
	}
	return Set{dim: dim, rects: append([]Rect{}, merged...)}
}

func mergeable(a, b Rect) bool {
	d := a.Lo.Dim
	for i := 0; i < d-1; i++ {
		if a.Lo.C[i] != b.Lo.C[i] || a.Hi.C[i] != b.Hi.C[i] {
			return false
		}
	}
	return a.Hi.C[d-1]+1 == b.Lo.C[d-1]
}
