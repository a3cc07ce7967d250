// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtime

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/coord"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/future"
	"github.com/strata-lang/strata/op"
	"github.com/strata-lang/strata/replicate"
)

func int64le(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func newTestRuntime(t *testing.T, config Config) *Runtime {
	t.Helper()
	if config.Processors == 0 {
		config.Processors = 4
	}
	if config.Window == 0 {
		config.Window = 64
	}
	rt, err := New(config, nil)
	if err != nil {
		t.Fatal(err)
	}
	return rt
}

// runTopLevel registers body as the top-level task, runs it, and
// waits for shutdown.
func runTopLevel(t *testing.T, rt *Runtime, body TaskBody) int {
	t.Helper()
	ctx := context.Background()
	tid, err := rt.RegisterTask(0, "top_level")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.RegisterVariant(tid, 0, strata.LocProc, VariantProperties{Inner: true}, body); err != nil {
		t.Fatal(err)
	}
	if err := rt.Start(ctx, tid, nil); err != nil {
		t.Fatal(err)
	}
	code, err := rt.WaitForShutdown(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return code
}

// newRegion creates a fresh region with one 8-byte field inside a
// task body.
func newRegion(tc *Context, domain strata.Domain) (strata.LogicalRegion, strata.FieldID, error) {
	is, err := tc.CreateIndexSpace(domain)
	if err != nil {
		return strata.LogicalRegion{}, strata.NoField, err
	}
	fs, err := tc.CreateFieldSpace()
	if err != nil {
		return strata.LogicalRegion{}, strata.NoField, err
	}
	fid, err := tc.AllocateField(fs, strata.NoField, 8, 0, false)
	if err != nil {
		return strata.LogicalRegion{}, strata.NoField, err
	}
	lr, err := tc.CreateLogicalRegion(is, fs)
	return lr, fid, err
}

func TestRegistration(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	id, err := rt.RegisterTask(7, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if id != 7 {
		t.Errorf("got id %d, want 7", id)
	}
	if _, err := rt.RegisterTask(7, "alpha again"); !errors.Is(errors.Invalid, err) {
		t.Errorf("duplicate task: got %v, want Invalid", err)
	}
	fresh, err := rt.RegisterTask(0, "beta")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == 7 || fresh == 0 {
		t.Errorf("generated id %d collides", fresh)
	}
	if _, err := rt.RegisterVariant(99, 0, strata.LocProc, VariantProperties{}, nil); !errors.Is(errors.NotExist, err) {
		t.Errorf("variant of unknown task: got %v, want NotExist", err)
	}
	if _, err := rt.RegisterVariant(7, 0, strata.LocProc, VariantProperties{Leaf: true, Inner: true}, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("leaf+inner: got %v, want Invalid", err)
	}
	vid, err := rt.RegisterVariant(7, 0, strata.LocProc, VariantProperties{Leaf: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if vid == 0 {
		t.Error("variant id not generated")
	}
	vs := rt.registry.variants(7)
	if len(vs) != 1 || !vs[0].Leaf {
		t.Errorf("variants: got %+v", vs)
	}
}

func TestInitializeFlags(t *testing.T) {
	config, rest, err := Initialize([]string{
		"-window", "16", "-inorder", "-safe_ctrlrepl", "2", "-partcheck", "prog_arg",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := config.Window, 16; got != want {
		t.Errorf("window: got %d, want %d", got, want)
	}
	if !config.Inorder || !config.PartCheck {
		t.Errorf("flags not applied: %+v", config)
	}
	if got, want := config.SafeCtrlRepl, 2; got != want {
		t.Errorf("safe_ctrlrepl: got %d, want %d", got, want)
	}
	if len(rest) != 1 || rest[0] != "prog_arg" {
		t.Errorf("remaining args: got %v", rest)
	}
	if _, _, err := Initialize([]string{"-safe_ctrlrepl", "9"}); !errors.Is(errors.Invalid, err) {
		t.Errorf("bad level: got %v, want Invalid", err)
	}
}

func TestConfigYAML(t *testing.T) {
	config, err := ParseConfig([]byte("processors: 2\nsysmem: 1GiB\nwindow: 32\nsafe_ctrlrepl: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := config.Processors, 2; got != want {
		t.Errorf("processors: got %d, want %d", got, want)
	}
	mem, err := config.sysMemBytes()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := mem, int64(1<<30); got != want {
		t.Errorf("sysmem: got %d, want %d", got, want)
	}
	if _, err := ParseConfig([]byte("sysmem: alot\n")); !errors.Is(errors.Invalid, err) {
		t.Errorf("bad sysmem: got %v, want Invalid", err)
	}
}

func TestReturnCode(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	code := runTopLevel(t, rt, func(ctx context.Context, tc *Context) ([]byte, error) {
		tc.rt.SetReturnCode(3)
		tc.rt.SetReturnCode(0) // zero never wins
		tc.rt.SetReturnCode(5)
		return nil, nil
	})
	if got, want := code, 5; got != want {
		t.Errorf("got return code %d, want %d", got, want)
	}
}

func TestLeafGuard(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	ctx := context.Background()
	tid, _ := rt.RegisterTask(0, "leafy")
	var leafErr error
	rt.RegisterVariant(tid, 0, strata.LocProc, VariantProperties{Leaf: true}, func(ctx context.Context, tc *Context) ([]byte, error) {
		_, leafErr = tc.CreateIndexSpace(strata.DomainFromRect(strata.Pt(0), strata.Pt(1)))
		return nil, nil
	})
	if err := rt.Start(ctx, tid, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.WaitForShutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(errors.NotSupported, leafErr) {
		t.Errorf("got %v, want NotSupported", leafErr)
	}
}

// wholeRegion projects every launch point to a fixed region; the
// stencil test uses it to request read access to all neighbor halos.
type wholeRegion struct{ root strata.LogicalRegion }

func (wholeRegion) Depth() int      { return 0 }
func (wholeRegion) Exclusive() bool { return false }

func (w wholeRegion) Project(ctx context.Context, upper strata.UpperBound, point strata.DomainPoint, launch strata.Domain, args []byte) (strata.LogicalRegion, error) {
	return w.root, nil
}

func TestStencilHaloExchange(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	ctx := context.Background()

	tileTask, _ := rt.RegisterTask(0, "stencil_tile")

	tid, _ := rt.RegisterTask(0, "stencil_main")
	rt.RegisterVariant(tid, 0, strata.LocProc, VariantProperties{Inner: true}, func(ctx context.Context, tc *Context) ([]byte, error) {
		grid := strata.DomainFromRect(strata.Pt(0, 0), strata.Pt(9, 9))
		lr, fid, err := newRegion(tc, grid)
		if err != nil {
			return nil, err
		}
		colors, err := tc.CreateIndexSpace(strata.DomainFromRect(strata.Pt(0, 0), strata.Pt(1, 1)))
		if err != nil {
			return nil, err
		}
		ip, err := tc.Partitions().Equal(lr.Index, colors, 1)
		if err != nil {
			return nil, err
		}
		disjoint, err := tc.Forest().IsDisjoint(ctx, ip)
		if err != nil {
			return nil, err
		}
		if !disjoint {
			return nil, fmt.Errorf("equal partition not disjoint")
		}
		lp, err := tc.Forest().LogicalPartition(lr, ip)
		if err != nil {
			return nil, err
		}

		// Fill every tile with zero through the partition.
		fill := &op.IndexFillLauncher{
			FillLauncher: op.FillLauncher{
				Requirement: func() strata.RegionRequirement {
					r := strata.NewPartitionRequirement(lp, 0, strata.WriteDiscard, strata.Exclusive, lr)
					r.AddField(fid)
					return r
				}(),
				Fields: []strata.FieldID{fid},
				Value:  int64le(0),
			},
			Domain: strata.DomainFromRect(strata.Pt(0, 0), strata.Pt(1, 1)),
		}
		if err := tc.IndexFill(ctx, fill); err != nil {
			return nil, err
		}

		halo, err := tc.rt.RegisterProjection(0, wholeRegion{root: lr})
		if err != nil {
			return nil, err
		}
		own := strata.NewPartitionRequirement(lp, 0, strata.ReadWrite, strata.Exclusive, lr)
		own.AddField(fid)
		neighbors := strata.NewRegionRequirement(lr, strata.ReadOnly, strata.Simultaneous, lr)
		neighbors.Projection = halo
		neighbors.AddField(fid)
		fm, err := tc.ExecuteIndexTask(ctx, &op.IndexTaskLauncher{
			TaskID:       tileTask,
			Domain:       strata.DomainFromRect(strata.Pt(0, 0), strata.Pt(1, 1)),
			Requirements: []strata.RegionRequirement{own, neighbors},
		})
		if err != nil {
			return nil, err
		}
		if err := fm.Wait(ctx); err != nil {
			return nil, err
		}
		// Every point of the field remains zero.
		var bad error
		grid.Each(func(p strata.DomainPoint) {
			if bad != nil {
				return
			}
			got, err := tc.Data().ReadPoint(ctx, lr, fid, p)
			if err != nil {
				bad = err
				return
			}
			if got != strata.Pt(0) {
				bad = fmt.Errorf("at %s: got %v, want 0", p, got)
			}
		})
		return nil, bad
	})

	var tiles int32
	rt.RegisterVariant(tileTask, 0, strata.LocProc, VariantProperties{Leaf: true}, func(ctx context.Context, tc *Context) ([]byte, error) {
		own := tc.Call.Regions[0]
		halo := tc.Call.Regions[1]
		if got, want := own.Bounds().Volume(), int64(25); got != want {
			return nil, fmt.Errorf("tile volume: got %d, want %d", got, want)
		}
		racc, err := halo.Accessor(halo.Fields()[0], strata.ReadOnly)
		if err != nil {
			return nil, err
		}
		var bad error
		halo.Bounds().Each(func(p strata.DomainPoint) {
			if bad != nil {
				return
			}
			b, err := racc.Read(p)
			if err != nil {
				bad = err
				return
			}
			if v := int64(binary.LittleEndian.Uint64(b)); v != 0 {
				bad = fmt.Errorf("halo at %s: got %d, want 0", p, v)
			}
		})
		if bad != nil {
			return nil, bad
		}
		atomic.AddInt32(&tiles, 1)
		return nil, nil
	})

	if err := rt.Start(ctx, tid, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.WaitForShutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := atomic.LoadInt32(&tiles), int32(4); got != want {
		t.Errorf("got %d tile executions, want %d", got, want)
	}
}

func TestPredicatedUpdate(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	def := int64le(99)
	var ran int32
	work, _ := rt.RegisterTask(0, "work")
	rt.RegisterVariant(work, 0, strata.LocProc, VariantProperties{Leaf: true}, func(ctx context.Context, tc *Context) ([]byte, error) {
		atomic.AddInt32(&ran, 1)
		return int64le(1), nil
	})
	runTopLevel(t, rt, func(ctx context.Context, tc *Context) ([]byte, error) {
		cond := future.FromValue([]byte{0}) // false
		launch := &op.TaskLauncher{TaskID: work}
		launch.Predicate = coord.FromFuture(cond)
		launch.PredicateFalseResult = def
		f, err := tc.ExecuteTask(ctx, launch)
		if err != nil {
			return nil, err
		}
		empty, err := f.Empty(ctx)
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, fmt.Errorf("fallback future is empty")
		}
		b, err := f.Get(ctx, true, "fallback")
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(b, def) {
			return nil, fmt.Errorf("got %v, want %v", b, def)
		}
		return nil, nil
	})
	if atomic.LoadInt32(&ran) != 0 {
		t.Error("predicated-false task ran")
	}
}

func TestPhaseBarrierProducerConsumer(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	var produced int32
	var observed int32
	producer, _ := rt.RegisterTask(0, "producer")
	rt.RegisterVariant(producer, 0, strata.LocProc, VariantProperties{Leaf: true}, func(ctx context.Context, tc *Context) ([]byte, error) {
		atomic.AddInt32(&produced, 1)
		return nil, nil
	})
	consumer, _ := rt.RegisterTask(0, "consumer")
	rt.RegisterVariant(consumer, 0, strata.LocProc, VariantProperties{Leaf: true}, func(ctx context.Context, tc *Context) ([]byte, error) {
		atomic.StoreInt32(&observed, atomic.LoadInt32(&produced))
		return nil, nil
	})
	runTopLevel(t, rt, func(ctx context.Context, tc *Context) ([]byte, error) {
		b, err := tc.CreatePhaseBarrier(2)
		if err != nil {
			return nil, err
		}
		for i := 0; i < 2; i++ {
			launch := &op.TaskLauncher{TaskID: producer}
			launch.ArriveBarriers = []*coord.PhaseBarrier{b}
			if _, err := tc.ExecuteTask(ctx, launch); err != nil {
				return nil, err
			}
		}
		launch := &op.TaskLauncher{TaskID: consumer}
		launch.WaitBarriers = []*coord.PhaseBarrier{b}
		f, err := tc.ExecuteTask(ctx, launch)
		if err != nil {
			return nil, err
		}
		if err := f.Wait(ctx); err != nil {
			return nil, err
		}
		next := b.Advance()
		if got, want := next.Generation(), b.Generation()+1; got != want {
			return nil, fmt.Errorf("advanced generation: got %d, want %d", got, want)
		}
		if next.Triggered() {
			return nil, fmt.Errorf("advanced barrier already triggered")
		}
		return nil, nil
	})
	if got, want := atomic.LoadInt32(&observed), int32(2); got != want {
		t.Errorf("consumer observed %d producers, want %d", got, want)
	}
}

func TestPartitionByField(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	runTopLevel(t, rt, func(ctx context.Context, tc *Context) ([]byte, error) {
		domain := strata.DomainFromRect(strata.Pt(0), strata.Pt(99))
		lr, fid, err := newRegion(tc, domain)
		if err != nil {
			return nil, err
		}
		// color[i] = i % 4, written through an inline mapping.
		req := strata.NewRegionRequirement(lr, strata.WriteDiscard, strata.Exclusive, lr)
		req.AddField(fid)
		view, err := tc.MapRegion(ctx, &op.InlineLauncher{Requirement: req})
		if err != nil {
			return nil, err
		}
		if err := view.WaitUntilValid(ctx); err != nil {
			return nil, err
		}
		acc, err := view.Accessor(fid, strata.WriteDiscard)
		if err != nil {
			return nil, err
		}
		for i := int64(0); i < 100; i++ {
			if err := acc.WritePoint(strata.Pt(i), strata.Pt(i%4)); err != nil {
				return nil, err
			}
		}
		colors, err := tc.CreateIndexSpace(strata.DomainFromRect(strata.Pt(0), strata.Pt(3)))
		if err != nil {
			return nil, err
		}
		ip, err := tc.Partitions().ByField(lr, colors, fid)
		if err != nil {
			return nil, err
		}
		disjoint, err := tc.Forest().IsDisjoint(ctx, ip)
		if err != nil {
			return nil, err
		}
		complete, err := tc.Forest().IsComplete(ctx, ip)
		if err != nil {
			return nil, err
		}
		if !disjoint || !complete {
			return nil, fmt.Errorf("by-field partition: disjoint=%v complete=%v", disjoint, complete)
		}
		for k := int64(0); k < 4; k++ {
			child, err := tc.Forest().Subspace(ctx, ip, strata.Pt(k))
			if err != nil {
				return nil, err
			}
			d, err := tc.Forest().Domain(ctx, child)
			if err != nil {
				return nil, err
			}
			if got, want := d.Volume(), int64(25); got != want {
				return nil, fmt.Errorf("child %d: got %d points, want %d", k, got, want)
			}
			var bad error
			d.Each(func(p strata.DomainPoint) {
				if bad == nil && p.C[0]%4 != k {
					bad = fmt.Errorf("child %d contains %s", k, p)
				}
			})
			if bad != nil {
				return nil, bad
			}
		}
		return nil, nil
	})
}

func TestControlReplicatedLaunch(t *testing.T) {
	rt := newTestRuntime(t, Config{SafeCtrlRepl: 2})
	ctx := context.Background()
	repl, _ := rt.RegisterTask(0, "replicated_main")
	sid, err := rt.RegisterSharding(0, divByFour{})
	if err != nil {
		t.Fatal(err)
	}
	rt.RegisterVariant(repl, 0, strata.LocProc, VariantProperties{Inner: true, Replicable: true}, func(ctx context.Context, tc *Context) ([]byte, error) {
		s := tc.Shard()
		if s == nil {
			return nil, fmt.Errorf("not replicated")
		}
		launch := strata.DomainFromRect(strata.Pt(0), strata.Pt(7))
		slices, err := replicate.Slice(tc.Sharding(sid), launch, 2)
		if err != nil {
			return nil, err
		}
		mine := slices[s.ID]
		if got, want := len(mine), 4; got != want {
			return nil, fmt.Errorf("shard %d: %d points, want %d", s.ID, got, want)
		}
		parts := make(map[strata.DomainPoint][]byte)
		for _, p := range mine {
			parts[p] = int64le(p.C[0])
		}
		fm, err := s.CollectiveFutureMap(ctx, launch, parts)
		if err != nil {
			return nil, err
		}
		f, err := fm.Reduce(strata.SumInt64{}, true)
		if err != nil {
			return nil, err
		}
		return f.Get(ctx, true, "reduced")
	})
	results, err := rt.ExecuteReplicated(ctx, repl, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range results {
		if got, want := int64(binary.LittleEndian.Uint64(b)), int64(28); got != want {
			t.Errorf("shard %d: got %v, want %v", i, got, want)
		}
	}
	if !bytes.Equal(results[0], results[1]) {
		t.Error("ordered reduction differs across shards")
	}
}

type divByFour struct{}

func (divByFour) Shard(p strata.DomainPoint, launch strata.Domain, total int) strata.ShardID {
	return strata.ShardID(p.C[0] / 4)
}

func TestAttachDetachRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	buf := make([]byte, 1024) // 128 points of one 8-byte field
	binary.LittleEndian.PutUint64(buf[16:], 7)
	reader, _ := rt.RegisterTask(0, "reader")
	rt.RegisterVariant(reader, 0, strata.LocProc, VariantProperties{Leaf: true}, func(ctx context.Context, tc *Context) ([]byte, error) {
		r := tc.Call.Regions[0]
		acc, err := r.Accessor(r.Fields()[0], strata.ReadOnly)
		if err != nil {
			return nil, err
		}
		return acc.Read(strata.Pt(2))
	})
	runTopLevel(t, rt, func(ctx context.Context, tc *Context) ([]byte, error) {
		domain := strata.DomainFromRect(strata.Pt(0), strata.Pt(127))
		lr, fid, err := newRegion(tc, domain)
		if err != nil {
			return nil, err
		}
		if _, err := tc.Attach(ctx, &op.AttachLauncher{
			Region: lr, Parent: lr, Fields: []strata.FieldID{fid},
			Buffer: buf, Layout: strata.LayoutSOA,
		}); err != nil {
			return nil, err
		}
		req := strata.NewRegionRequirement(lr, strata.ReadOnly, strata.Exclusive, lr)
		req.AddField(fid)
		f, err := tc.ExecuteTask(ctx, &op.TaskLauncher{TaskID: reader, Requirements: []strata.RegionRequirement{req}})
		if err != nil {
			return nil, err
		}
		b, err := f.Get(ctx, true, "read")
		if err != nil {
			return nil, err
		}
		if got, want := int64(binary.LittleEndian.Uint64(b)), int64(7); got != want {
			return nil, fmt.Errorf("task read: got %v, want %v", got, want)
		}
		// Write through the runtime, flush on detach.
		wr := strata.NewRegionRequirement(lr, strata.WriteDiscard, strata.Exclusive, lr)
		wr.AddField(fid)
		if err := tc.Fill(ctx, &op.FillLauncher{Requirement: wr, Fields: []strata.FieldID{fid}, Value: int64le(11)}); err != nil {
			return nil, err
		}
		det, err := tc.Detach(ctx, &op.DetachSpec{Flush: true, Regions: []strata.LogicalRegion{lr}})
		if err != nil {
			return nil, err
		}
		if err := det.Wait(ctx); err != nil {
			return nil, err
		}
		return nil, det.Err()
	})
	if got, want := int64(binary.LittleEndian.Uint64(buf[:8])), int64(11); got != want {
		t.Errorf("external buffer: got %v, want %v", got, want)
	}
}

func TestDestroyDrainsAtShutdown(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	var lr strata.LogicalRegion
	runTopLevel(t, rt, func(ctx context.Context, tc *Context) ([]byte, error) {
		var err error
		lr, _, err = newRegion(tc, strata.DomainFromRect(strata.Pt(0), strata.Pt(3)))
		if err != nil {
			return nil, err
		}
		return nil, tc.Destroy(op.DeletionSpec{Region: lr})
	})
	if _, err := rt.forest.RegionTreeRoot(lr); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist after shutdown drain", err)
	}
}
