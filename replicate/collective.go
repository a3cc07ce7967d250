// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package replicate

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/grailbio/base/digest"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
)

// CollectiveFutureMap constructs a future map over domain from
// per-shard partial contributions. Every point of the domain must be
// supplied by exactly one shard; each shard receives a complete map
// holding identical values.
func (s *Shard) CollectiveFutureMap(ctx context.Context, domain strata.Domain, parts map[strata.DomainPoint][]byte) (*future.Map, error) {
	vals, err := s.exchange(ctx, "collective_future_map", parts)
	if err != nil {
		return nil, err
	}
	merged := make(map[strata.DomainPoint][]byte)
	for id, v := range vals {
		for p, b := range v.(map[strata.DomainPoint][]byte) {
			if !domain.Contains(p) {
				return nil, s.group.fail(errors.E("replicate.futuremap", errors.Replication,
					errors.Errorf("shard %d contributed %s outside the domain", id, p)))
			}
			if _, dup := merged[p]; dup {
				return nil, s.group.fail(errors.E("replicate.futuremap", errors.Replication,
					errors.Errorf("point %s contributed by more than one shard", p)))
			}
			merged[p] = b
		}
	}
	if got, want := int64(len(merged)), domain.Volume(); got != want {
		return nil, s.group.fail(errors.E("replicate.futuremap", errors.Replication,
			errors.Errorf("%d points contributed, domain has %d", got, want)))
	}
	fm := future.NewMap(domain)
	domain.Each(func(p strata.DomainPoint) {
		fm.MustFuture(p).Set(merged[p], nil)
	})
	return fm, nil
}

// ConsensusMatch returns, in every shard, the same ordered subset of
// elements present in all shards' inputs, in shard 0's input order.
// The count of matched elements is also delivered as a little-endian
// uint64 future.
func (s *Shard) ConsensusMatch(ctx context.Context, elements [][]byte) ([][]byte, *future.Future, error) {
	vals, err := s.exchange(ctx, "consensus_match", elements)
	if err != nil {
		return nil, nil, err
	}
	// Count element occurrences per shard, keyed by digest.
	present := make(map[digest.Digest]int)
	for _, v := range vals {
		seen := make(map[digest.Digest]bool)
		for _, e := range v.([][]byte) {
			d := strata.Digester.FromBytes(e)
			if !seen[d] {
				seen[d] = true
				present[d]++
			}
		}
	}
	var matched [][]byte
	emitted := make(map[digest.Digest]bool)
	for _, e := range vals[0].([][]byte) {
		d := strata.Digester.FromBytes(e)
		if present[d] == len(vals) && !emitted[d] {
			emitted[d] = true
			matched = append(matched, append([]byte(nil), e...))
		}
	}
	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], uint64(len(matched)))
	return matched, future.FromValue(count[:]), nil
}

// Reduce reduces one value per shard with op, applying contributions
// in shard-id order so that every shard computes a bit-identical
// result.
func (s *Shard) Reduce(ctx context.Context, op strata.ReductionOp, value []byte) (*future.Future, error) {
	vals, err := s.exchange(ctx, "reduce", value)
	if err != nil {
		return nil, err
	}
	lhs := op.Identity()
	for _, v := range vals {
		op.Apply(lhs, v.([]byte))
	}
	return future.FromValue(lhs), nil
}

// Broadcast distributes the root shard's value to every shard.
func (s *Shard) Broadcast(ctx context.Context, root strata.ShardID, value []byte) ([]byte, error) {
	vals, err := s.exchange(ctx, "broadcast", value)
	if err != nil {
		return nil, err
	}
	if int(root) >= len(vals) {
		return nil, errors.E("replicate.broadcast", errors.Invalid,
			errors.Errorf("root shard %d out of range", root))
	}
	return vals[root].([]byte), nil
}

// equalAcrossShards reports whether every shard contributed the same
// bytes. Used by tests and by the runtime's replicated registration
// checks.
func equalAcrossShards(vals []interface{}) bool {
	ref := vals[0].([]byte)
	for _, v := range vals[1:] {
		if !bytes.Equal(ref, v.([]byte)) {
			return false
		}
	}
	return true
}

// Agree verifies that every shard supplies identical bytes, failing
// the group otherwise. It returns the agreed value.
func (s *Shard) Agree(ctx context.Context, what string, value []byte) ([]byte, error) {
	vals, err := s.exchange(ctx, "agree:"+what, value)
	if err != nil {
		return nil, err
	}
	if !equalAcrossShards(vals) {
		return nil, s.group.fail(errors.E("replicate.agree", errors.Replication,
			errors.Errorf("shards disagree on %s", what)))
	}
	return vals[0].([]byte), nil
}
