// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package coord implements the deferred synchronization primitives
// whose semantics integrate with the operation pipeline: predicates,
// locks and grants, phase barriers, dynamic collectives, and the
// external handshake.
package coord

import (
	"context"

	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
)

// A Predicate is a lazily resolved boolean used to predicate
// operations. Predicates are constructed from boolean futures and
// combined with Not, And, and Or. Resolution is deferred: probing a
// predicate never blocks, while Value waits for resolution.
type Predicate struct {
	kind predKind
	val  bool
	fut  *future.Future
	deps []*Predicate
}

type predKind int

const (
	predConst predKind = iota
	predFuture
	predNot
	predAnd
	predOr
)

// PredTrue and PredFalse are the constant predicates.
var (
	PredTrue  = &Predicate{kind: predConst, val: true}
	PredFalse = &Predicate{kind: predConst, val: false}
)

// FromFuture returns a predicate backed by a boolean future. The
// future's payload must be a single byte; nonzero is true.
func FromFuture(f *future.Future) *Predicate {
	return &Predicate{kind: predFuture, fut: f}
}

// Not returns the negation of p.
func Not(p *Predicate) *Predicate {
	return &Predicate{kind: predNot, deps: []*Predicate{p}}
}

// And returns the conjunction of the provided predicates.
func And(ps ...*Predicate) *Predicate {
	return &Predicate{kind: predAnd, deps: ps}
}

// Or returns the disjunction of the provided predicates.
func Or(ps ...*Predicate) *Predicate {
	return &Predicate{kind: predOr, deps: ps}
}

// Resolved reports the predicate's value if it is already resolved.
// ok is false if resolution would block.
func (p *Predicate) Resolved() (value, ok bool) {
	if p == nil {
		return true, true
	}
	switch p.kind {
	case predConst:
		return p.val, true
	case predFuture:
		if !p.fut.Ready() {
			return false, false
		}
		v, err := p.value(context.Background())
		return v, err == nil
	case predNot:
		v, ok := p.deps[0].Resolved()
		return !v, ok
	case predAnd:
		// Short-circuit: a single resolved false decides the
		// conjunction.
		all := true
		for _, d := range p.deps {
			v, ok := d.Resolved()
			if ok && !v {
				return false, true
			}
			all = all && ok
		}
		return true, all
	case predOr:
		any := true
		for _, d := range p.deps {
			v, ok := d.Resolved()
			if ok && v {
				return true, true
			}
			any = any && ok
		}
		return false, any
	}
	panic("bad predicate kind")
}

// Value resolves the predicate, blocking until its inputs are ready
// or the context is canceled.
func (p *Predicate) Value(ctx context.Context) (bool, error) {
	if p == nil {
		return true, nil
	}
	switch p.kind {
	case predConst:
		return p.val, nil
	case predFuture:
		return p.value(ctx)
	case predNot:
		v, err := p.deps[0].Value(ctx)
		return !v, err
	case predAnd:
		for _, d := range p.deps {
			v, err := d.Value(ctx)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil
	case predOr:
		for _, d := range p.deps {
			v, err := d.Value(ctx)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil
	}
	panic("bad predicate kind")
}

func (p *Predicate) value(ctx context.Context) (bool, error) {
	b, err := p.fut.Get(ctx, true, "predicate")
	if err != nil {
		return false, err
	}
	if len(b) != 1 {
		return false, errors.E("predicate", errors.Invalid,
			errors.Errorf("predicate future payload must be one byte, got %d", len(b)))
	}
	return b[0] != 0, nil
}
