// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package future

import (
	"context"
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"golang.org/x/sync/errgroup"
)

// A Map is a mapping from domain points to futures over a known
// domain. Maps are produced by index operations, whose points fill
// their futures as they complete, or constructed explicitly from
// per-point buffers or futures.
type Map struct {
	domain strata.Domain

	mu      sync.Mutex
	futures map[strata.DomainPoint]*Future
}

// NewMap returns a future map over the provided domain. Every point
// of the domain is given a fresh pending future.
func NewMap(domain strata.Domain) *Map {
	m := &Map{
		domain:  domain,
		futures: make(map[strata.DomainPoint]*Future),
	}
	domain.Each(func(p strata.DomainPoint) {
		m.futures[p] = New()
	})
	return m
}

// MapFromBuffers constructs a ready future map from per-point
// payload buffers. Every point of the domain must be accounted for
// exactly once.
func MapFromBuffers(domain strata.Domain, buffers map[strata.DomainPoint][]byte) (*Map, error) {
	if int64(len(buffers)) != domain.Volume() {
		return nil, errors.E("futuremap.frombuffers", errors.Invalid,
			errors.Errorf("%d buffers for a domain of %d points", len(buffers), domain.Volume()))
	}
	m := &Map{domain: domain, futures: make(map[strata.DomainPoint]*Future)}
	for p, b := range buffers {
		if !domain.Contains(p) {
			return nil, errors.E("futuremap.frombuffers", errors.NotExist,
				errors.Errorf("point %s outside domain %s", p, domain))
		}
		m.futures[p] = FromValue(b)
	}
	return m, nil
}

// MapFromFutures constructs a future map from per-point futures.
// Every point of the domain must be accounted for exactly once.
func MapFromFutures(domain strata.Domain, futures map[strata.DomainPoint]*Future) (*Map, error) {
	if int64(len(futures)) != domain.Volume() {
		return nil, errors.E("futuremap.fromfutures", errors.Invalid,
			errors.Errorf("%d futures for a domain of %d points", len(futures), domain.Volume()))
	}
	m := &Map{domain: domain, futures: make(map[strata.DomainPoint]*Future)}
	for p, f := range futures {
		if !domain.Contains(p) {
			return nil, errors.E("futuremap.fromfutures", errors.NotExist,
				errors.Errorf("point %s outside domain %s", p, domain))
		}
		m.futures[p] = f
	}
	return m, nil
}

// Domain returns the map's point domain.
func (m *Map) Domain() strata.Domain { return m.domain }

// Future returns the future at point p. Lookups outside the domain
// return a NotExist error.
func (m *Map) Future(p strata.DomainPoint) (*Future, error) {
	if !m.domain.Contains(p) {
		return nil, errors.E("futuremap.future", errors.NotExist,
			errors.Errorf("point %s outside domain %s", p, m.domain))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.futures[p], nil
}

// MustFuture is Future for points known to be in the domain; it
// panics otherwise.
func (m *Map) MustFuture(p strata.DomainPoint) *Future {
	f, err := m.Future(p)
	if err != nil {
		panic(err)
	}
	return f
}

// Wait blocks until every point's future has completed or the
// context is canceled. The first point error encountered (in domain
// order) is returned.
func (m *Map) Wait(ctx context.Context) error {
	var first error
	for _, p := range m.domain.Points() {
		f := m.MustFuture(p)
		if err := f.Wait(ctx); err != nil {
			return err
		}
		if first == nil {
			first = f.Err()
		}
	}
	return first
}

// Reduce produces a single future holding the reduction of all point
// payloads with op. When ordered is set, contributions are applied in
// domain order, producing bit-identical results across shards.
// Unordered reductions require a foldable op and use a pairwise
// (butterfly) fold whose result may differ across shards for
// non-associative value types. The reduction is deferred: the
// returned future completes once every point has.
func (m *Map) Reduce(op strata.ReductionOp, ordered bool) (*Future, error) {
	if !ordered && !op.Foldable() {
		return nil, errors.E("futuremap.reduce", errors.Invalid,
			errors.New("unordered reduction requires a foldable op"))
	}
	out := New()
	go func() {
		ctx := context.Background()
		points := m.domain.Points()
		payloads := make([][]byte, len(points))
		for i, p := range points {
			b, err := m.MustFuture(p).Get(ctx, true, "reduce")
			if err != nil {
				out.SetError(errors.E("futuremap.reduce", p, err))
				return
			}
			payloads[i] = b
		}
		if ordered {
			lhs := op.Identity()
			for _, b := range payloads {
				op.Apply(lhs, b)
			}
			out.Set(lhs, nil)
			return
		}
		// Butterfly: fold pairwise until a single contribution
		// remains, then apply it to the identity.
		rhs := make([][]byte, len(payloads))
		for i, b := range payloads {
			rhs[i] = append([]byte{}, b...)
		}
		for len(rhs) > 1 {
			half := (len(rhs) + 1) / 2
			g, _ := errgroup.WithContext(ctx)
			for i := 0; i+half < len(rhs); i++ {
				i := i
				g.Go(func() error {
					op.Fold(rhs[i], rhs[i+half])
					return nil
				})
			}
			g.Wait()
			rhs = rhs[:half]
		}
		lhs := op.Identity()
		if len(rhs) == 1 {
			op.Apply(lhs, rhs[0])
		}
		out.Set(lhs, nil)
	}()
	return out, nil
}

// Transform returns a future map over a new domain whose future at
// point p is this map's future at fn(p). fn must be a bijection from
// the new domain onto the old.
func (m *Map) Transform(domain strata.Domain, fn func(strata.DomainPoint) strata.DomainPoint) (*Map, error) {
	if domain.Volume() != m.domain.Volume() {
		return nil, errors.E("futuremap.transform", errors.Invalid,
			errors.Errorf("domain volume %d != %d", domain.Volume(), m.domain.Volume()))
	}
	out := &Map{domain: domain, futures: make(map[strata.DomainPoint]*Future)}
	seen := make(map[strata.DomainPoint]bool)
	var err error
	domain.Each(func(p strata.DomainPoint) {
		if err != nil {
			return
		}
		q := fn(p)
		if !m.domain.Contains(q) {
			err = errors.E("futuremap.transform", errors.NotExist,
				errors.Errorf("transform of %s yields %s outside domain %s", p, q, m.domain))
			return
		}
		if seen[q] {
			err = errors.E("futuremap.transform", errors.Invalid,
				errors.Errorf("transform is not injective at %s", q))
			return
		}
		seen[q] = true
		out.futures[p] = m.MustFuture(q)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
