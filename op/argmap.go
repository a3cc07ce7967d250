// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package op

import (
	"sync"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/future"
)

// An ArgumentMap supplies per-point argument buffers to an index
// launch. Copies share state.
type ArgumentMap struct {
	state *argMapState
}

type argMapState struct {
	mu      sync.Mutex
	args    map[strata.DomainPoint][]byte
	futures map[strata.DomainPoint]*future.Future
}

// NewArgumentMap returns an empty argument map.
func NewArgumentMap() *ArgumentMap {
	return &ArgumentMap{state: &argMapState{
		args:    make(map[strata.DomainPoint][]byte),
		futures: make(map[strata.DomainPoint]*future.Future),
	}}
}

// FromFutureMap returns an argument map drawing each point's
// argument from the future map's payloads.
func FromFutureMap(m *future.Map) *ArgumentMap {
	a := NewArgumentMap()
	for _, p := range m.Domain().Points() {
		a.state.futures[p] = m.MustFuture(p)
	}
	return a
}

// Set stores the argument for a point, replacing any prior value.
// Returns whether a prior value was replaced.
func (a *ArgumentMap) Set(p strata.DomainPoint, arg []byte) bool {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	_, had := a.state.args[p]
	_, hadf := a.state.futures[p]
	a.state.args[p] = append([]byte{}, arg...)
	delete(a.state.futures, p)
	return had || hadf
}

// SetFuture stores a future-carried argument for a point.
func (a *ArgumentMap) SetFuture(p strata.DomainPoint, f *future.Future) bool {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	_, had := a.state.args[p]
	_, hadf := a.state.futures[p]
	a.state.futures[p] = f
	delete(a.state.args, p)
	return had || hadf
}

// Has tells whether the point has an argument.
func (a *ArgumentMap) Has(p strata.DomainPoint) bool {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	_, had := a.state.args[p]
	_, hadf := a.state.futures[p]
	return had || hadf
}

// Get returns the point's argument buffer, resolving a future-
// carried argument through f.Err-free completion. The second return
// distinguishes an absent argument from an empty one.
func (a *ArgumentMap) Get(p strata.DomainPoint) ([]byte, *future.Future, bool) {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	if b, ok := a.state.args[p]; ok {
		return b, nil, true
	}
	if f, ok := a.state.futures[p]; ok {
		return nil, f, true
	}
	return nil, nil, false
}
