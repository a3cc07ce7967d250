// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Strata-stencil runs a one-dimensional stencil through the Strata
// runtime: it partitions a region into tiles, fills it, and then
// repeatedly launches an index-space task that sums each tile,
// reducing the per-tile results into a single future. It exists to
// exercise the runtime end to end and to demonstrate trace recording
// and replay.
//
// Usage:
//
//	strata-stencil [flags]
//
// Run with -help for the runtime flags; -record and -replay round
// trip recorded traces through a file.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/log"
	"github.com/strata-lang/strata/op"
	"github.com/strata-lang/strata/runtime"
)

const (
	mainTask strata.TaskID = 1
	sumTask  strata.TaskID = 2

	tiles = 4
)

func main() {
	var (
		fs     = flag.NewFlagSet("strata-stencil", flag.ExitOnError)
		rf     runtime.RunFlags
		config = fs.String("config", "", "YAML configuration file")
		n      = fs.Int64("n", 64, "number of region elements")
		steps  = fs.Int("steps", 4, "number of stencil steps")
		record = fs.String("record", "", "file to write recorded traces to")
	)
	rf.Flags(fs)
	fs.Parse(os.Args[1:])
	if err := rf.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	c := runtime.DefaultConfig
	if *config != "" {
		var err error
		if c, err = runtime.LoadConfig(*config); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	rf.Configure(&c)

	rt, err := runtime.New(c, log.Std)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	rt.RegisterTask(mainTask, "stencil_main")
	rt.RegisterVariant(mainTask, 0, strata.LocProc, runtime.VariantProperties{Inner: true}, stencilMain(*n, *steps))
	rt.RegisterTask(sumTask, "tile_sum")
	rt.RegisterVariant(sumTask, 0, strata.LocProc, runtime.VariantProperties{Leaf: true}, tileSum)

	ctx := context.Background()
	if err := rt.Start(ctx, mainTask, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	code, err := rt.WaitForShutdown(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code == 0 {
			code = 1
		}
	}
	if *record != "" {
		if err := rt.SaveTraces(*record); err != nil {
			fmt.Fprintln(os.Stderr, err)
			if code == 0 {
				code = 1
			}
		}
	}
	os.Exit(code)
}

// stencilMain builds a 1-D region of n elements, partitions it into
// tiles, fills it with ones, and sums it steps times under a dynamic
// trace.
func stencilMain(n int64, steps int) runtime.TaskBody {
	return func(ctx context.Context, tc *runtime.Context) ([]byte, error) {
		is, err := tc.CreateIndexSpace(strata.DomainFromRect(strata.Pt(0), strata.Pt(n-1)))
		if err != nil {
			return nil, err
		}
		fsp, err := tc.CreateFieldSpace()
		if err != nil {
			return nil, err
		}
		fid, err := tc.AllocateField(fsp, strata.NoField, 8, 0, false)
		if err != nil {
			return nil, err
		}
		lr, err := tc.CreateLogicalRegion(is, fsp)
		if err != nil {
			return nil, err
		}
		colors, err := tc.CreateIndexSpace(strata.DomainFromRect(strata.Pt(0), strata.Pt(tiles-1)))
		if err != nil {
			return nil, err
		}
		ip, err := tc.Partitions().Equal(is, colors, 1)
		if err != nil {
			return nil, err
		}
		lp, err := tc.Forest().LogicalPartition(lr, ip)
		if err != nil {
			return nil, err
		}

		one := make([]byte, 8)
		binary.LittleEndian.PutUint64(one, 1)
		fill := strata.NewRegionRequirement(lr, strata.WriteDiscard, strata.Exclusive, lr)
		fill.AddField(fid)
		if err := tc.Fill(ctx, &op.FillLauncher{Requirement: fill, Fields: []strata.FieldID{fid}, Value: one}); err != nil {
			return nil, err
		}

		launch := strata.DomainFromRect(strata.Pt(0), strata.Pt(tiles-1))
		for step := 0; step < steps; step++ {
			if err := tc.BeginTrace(1, false); err != nil {
				return nil, err
			}
			req := strata.NewPartitionRequirement(lp, 0, strata.ReadOnly, strata.Exclusive, lr)
			req.AddField(fid)
			f, err := tc.ExecuteIndexTaskReduce(ctx, &op.IndexTaskLauncher{
				TaskID:       sumTask,
				Domain:       launch,
				Requirements: []strata.RegionRequirement{req},
				Redop:        strata.SumInt64ID,
			})
			if err != nil {
				return nil, err
			}
			if err := tc.EndTrace(1); err != nil {
				return nil, err
			}
			b, err := f.Get(ctx, true, "stencil sum")
			if err != nil {
				return nil, err
			}
			fmt.Printf("step %d: sum %d\n", step, int64(binary.LittleEndian.Uint64(b)))
		}
		return nil, nil
	}
}

// tileSum reads its tile and returns the sum of its elements.
func tileSum(ctx context.Context, tc *runtime.Context) ([]byte, error) {
	r := tc.Call.Regions[0]
	acc, err := r.Accessor(r.Fields()[0], strata.ReadOnly)
	if err != nil {
		return nil, err
	}
	var sum int64
	var rerr error
	r.Bounds().Each(func(p strata.DomainPoint) {
		if rerr != nil {
			return
		}
		b, err := acc.Read(p)
		if err != nil {
			rerr = err
			return
		}
		sum += int64(binary.LittleEndian.Uint64(b))
	})
	if rerr != nil {
		return nil, rerr
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(sum))
	return out, nil
}
