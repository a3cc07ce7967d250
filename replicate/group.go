// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package replicate implements control replication: running a single
// logical task as N cooperating shards, each an independent execution
// of the task's code that must issue an identical stream of runtime
// calls. Shards meet at collective operations, which double as
// barriers and as divergence checkpoints.
package replicate

import (
	"context"
	"sync"

	"github.com/grailbio/base/digest"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/log"
	"github.com/willf/bloom"
)

// Safety levels for dynamic divergence checking. Level 1 folds every
// recorded call into a per-shard bloom filter; level 2 keeps the full
// digest sequence and reports the first mismatching position.
const (
	SafetyOff = iota
	SafetyBloom
	SafetyFull
)

// bloomM and bloomK size the level-1 filters. The filters are
// compared for equality, so all shards must agree on the parameters.
const (
	bloomM = 1 << 16
	bloomK = 4
)

// Config configures a replication group.
type Config struct {
	// Shards is the number of shards in the group.
	Shards int
	// Safety selects the divergence-checking level.
	Safety int
	// Log receives divergence diagnostics. Nil means log.Std.
	Log *log.Logger
}

// A Group coordinates the shards of one control-replicated task.
// All shards share a single Group; each obtains its own Shard view
// by calling BeginImplicitTask.
type Group struct {
	Config

	mu     sync.Mutex
	bound  map[strata.ShardID]bool
	active int
	round  *round

	poison    chan struct{}
	poisonErr error
	poisonMu  sync.Mutex
}

// A round is one collective rendezvous: every live shard arrives
// with a contribution; when the last arrives, the round closes and
// all shards observe the full contribution vector.
type round struct {
	vals    []*contribution
	arrived int
	done    chan struct{}
}

// A contribution is one shard's input to a collective, together
// with its call log for divergence checking.
type contribution struct {
	kind    string
	calls   uint64
	filter  *bloom.BloomFilter
	digests []digest.Digest
	val     interface{}
}

// NewGroup returns a group expecting the configured number of
// shards.
func NewGroup(config Config) (*Group, error) {
	if config.Shards < 1 {
		return nil, errors.E("replicate.newgroup", errors.Invalid,
			errors.Errorf("%d shards", config.Shards))
	}
	if config.Log == nil {
		config.Log = log.Std
	}
	return &Group{
		Config: config,
		bound:  make(map[strata.ShardID]bool),
		poison: make(chan struct{}),
	}, nil
}

// Shards returns the group's shard count.
func (g *Group) Shards() int { return g.Config.Shards }

// fail poisons the group. Every blocked and future collective call
// returns the error; the first error wins.
func (g *Group) fail(err error) error {
	g.poisonMu.Lock()
	defer g.poisonMu.Unlock()
	if g.poisonErr == nil {
		g.poisonErr = err
		close(g.poison)
		g.Log.Errorf("replication group failed: %v", err)
	}
	return g.poisonErr
}

// Err returns the group's failure, if any.
func (g *Group) Err() error {
	g.poisonMu.Lock()
	defer g.poisonMu.Unlock()
	return g.poisonErr
}

// A Shard is one shard's view of the group. Shards are not safe for
// concurrent use; each belongs to a single goroutine (or a single
// external thread bound via BeginImplicitTask).
type Shard struct {
	ID    strata.ShardID
	Point strata.DomainPoint

	group   *Group
	log     *log.Logger
	calls   uint64
	filter  *bloom.BloomFilter
	digests []digest.Digest
}

// BeginImplicitTask binds the calling thread as shard id of the
// group. Each shard id may be bound once; binding more shards than
// the group expects is an error.
func (g *Group) BeginImplicitTask(id strata.ShardID, point strata.DomainPoint) (*Shard, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if int(id) >= g.Config.Shards {
		return nil, errors.E("replicate.begin", errors.Replication,
			errors.Errorf("shard %d out of range [0,%d)", id, g.Config.Shards))
	}
	if g.bound[id] {
		return nil, errors.E("replicate.begin", errors.Replication,
			errors.Errorf("shard %d already bound", id))
	}
	g.bound[id] = true
	g.active++
	s := &Shard{ID: id, Point: point, group: g, log: g.Log.Shard(int(id), g.Config.Shards)}
	if g.Safety >= SafetyBloom {
		s.filter = bloom.New(bloomM, bloomK)
	}
	return s, nil
}

// FinishImplicitTask releases the shard's binding. All shards must
// finish; a group with stragglers still bound cannot be reused.
func (s *Shard) FinishImplicitTask() error {
	g := s.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.bound[s.ID] {
		return errors.E("replicate.finish", errors.Replication,
			errors.Errorf("shard %d not bound", s.ID))
	}
	delete(g.bound, s.ID)
	g.active--
	return nil
}

// Record logs one runtime call made by the shard. Under safety
// level 1 the call is folded into the shard's bloom filter; under
// level 2 the full digest is kept. Divergence is detected at the
// next collective.
func (s *Shard) Record(call string, args ...[]byte) {
	s.calls++
	if s.group.Safety < SafetyBloom {
		return
	}
	w := strata.Digester.NewWriter()
	w.Write([]byte(call))
	for _, arg := range args {
		w.Write(arg)
	}
	d := w.Digest()
	db := d.Bytes()
	s.filter.Add(db)
	if s.group.Safety >= SafetyFull {
		s.digests = append(s.digests, d)
	}
}

// exchange is the collective rendezvous primitive: every shard
// arrives with a kind tag and a value, blocks until all shards have
// arrived, and receives the full vector of values indexed by shard
// id. Call logs ride along with each contribution and are verified
// against shard 0's before the values are released.
func (s *Shard) exchange(ctx context.Context, kind string, val interface{}) ([]interface{}, error) {
	g := s.group
	// Snapshot the call log: the shard may record more calls as soon
	// as the round completes, while peers are still verifying.
	c := &contribution{
		kind:  kind,
		calls: s.calls,
		val:   val,
	}
	if s.filter != nil {
		c.filter = s.filter.Copy()
	}
	if s.group.Safety >= SafetyFull {
		c.digests = append([]digest.Digest(nil), s.digests...)
	}
	s.log.Debugf("arrive %s (%d calls)", kind, c.calls)
	g.mu.Lock()
	r := g.round
	if r == nil {
		r = &round{vals: make([]*contribution, g.Config.Shards), done: make(chan struct{})}
		g.round = r
	}
	if r.vals[s.ID] != nil {
		g.mu.Unlock()
		return nil, g.fail(errors.E("replicate.exchange", errors.Replication,
			errors.Errorf("shard %d arrived twice at %s", s.ID, kind)))
	}
	r.vals[s.ID] = c
	r.arrived++
	last := r.arrived == g.Config.Shards
	if last {
		g.round = nil
		close(r.done)
	}
	g.mu.Unlock()

	select {
	case <-r.done:
	case <-g.poison:
		return nil, g.Err()
	case <-ctx.Done():
		return nil, errors.E("replicate.exchange", errors.Canceled, ctx.Err())
	}
	if err := g.verify(r.vals); err != nil {
		return nil, g.fail(err)
	}
	vals := make([]interface{}, len(r.vals))
	for i, c := range r.vals {
		vals[i] = c.val
	}
	return vals, nil
}

// verify checks that all contributions to a completed round agree:
// same collective kind, same call counts, and (per the safety level)
// same call contents. Shard 0 is the reference.
func (g *Group) verify(vals []*contribution) error {
	ref := vals[0]
	for i, c := range vals[1:] {
		id := i + 1
		if c.kind != ref.kind {
			return errors.E("replicate.verify", errors.Replication,
				errors.Errorf("shard %d issued %s where shard 0 issued %s", id, c.kind, ref.kind))
		}
		if c.calls != ref.calls {
			return errors.E("replicate.verify", errors.Replication,
				errors.Errorf("shard %d made %d calls, shard 0 made %d", id, c.calls, ref.calls))
		}
		switch {
		case g.Safety >= SafetyFull:
			for j := range ref.digests {
				if c.digests[j] != ref.digests[j] {
					return errors.E("replicate.verify", errors.Replication,
						errors.Errorf("shard %d diverged from shard 0 at call %d", id, j))
				}
			}
		case g.Safety >= SafetyBloom:
			if !c.filter.Equal(ref.filter) {
				return errors.E("replicate.verify", errors.Replication,
					errors.Errorf("shard %d call set diverged from shard 0", id))
			}
		}
	}
	return nil
}

// Barrier blocks until every shard has arrived. Like all
// collectives, it verifies the shards' call logs.
func (s *Shard) Barrier(ctx context.Context) error {
	_, err := s.exchange(ctx, "barrier", nil)
	return err
}
