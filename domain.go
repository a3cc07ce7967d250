// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package strata

import "github.com/strata-lang/strata/rects"

// DomainPoint is a point in a domain: an integer coordinate tuple of
// up to rects.MaxDim dimensions.
type DomainPoint = rects.Point

// Rect is an axis-aligned rectangle with inclusive bounds.
type Rect = rects.Rect

// A Domain is a possibly-sparse set of integer points, represented
// as a normalized union of rectangles over one coordinate type.
type Domain = rects.Set

// Pt constructs a DomainPoint from the provided coordinates.
func Pt(coords ...int64) DomainPoint { return rects.Pt(coords...) }

// DomainFromRect returns the dense domain covering rectangle [lo, hi].
func DomainFromRect(lo, hi DomainPoint) Domain {
	return rects.FromRect(rects.R(lo, hi))
}

// DomainFromPoints returns the sparse domain containing exactly the
// provided points.
func DomainFromPoints(points ...DomainPoint) Domain {
	return rects.FromPoints(points...)
}

// DomainFromRects returns the domain covering the union of the
// provided rectangles.
func DomainFromRects(rs ...Rect) Domain {
	return rects.NewSet(rs...)
}
