// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mapper

import (
	"context"
	"testing"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/op"
)

func testInput() Input {
	return Input{
		Op: op.Mappable{Kind: op.TaskOp, TaskID: 7},
		Variants: []Variant{
			{ID: 1, Proc: strata.TocProc},
			{ID: 2, Proc: strata.LocProc, Leaf: true},
		},
		Processors: []strata.Processor{
			{ID: 1, Kind: strata.LocProc, Space: 1},
			{ID: 2, Kind: strata.LocProc, Space: 1},
			{ID: 3, Kind: strata.UtilProc, Space: 1},
		},
		Memories: []strata.Memory{{ID: 1, Kind: strata.SysMem, Space: 1}},
	}
}

func TestDefaultRoundRobin(t *testing.T) {
	ctx := context.Background()
	m := NewDefault()
	in := testInput()
	d1, err := m.MapOperation(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	// The GPU variant is skipped: the machine has no GPUs.
	if got, want := d1.Variant, strata.VariantID(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d2, err := m.MapOperation(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if d1.Target == d2.Target {
		t.Errorf("round robin mapped twice to %s", d1.Target)
	}
	d3, err := m.MapOperation(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d3.Target, d1.Target; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDefaultNoRunnableVariant(t *testing.T) {
	m := NewDefault()
	in := testInput()
	in.Variants = []Variant{{ID: 1, Proc: strata.TocProc}}
	if _, err := m.MapOperation(context.Background(), in); !errors.Is(errors.Mapper, err) {
		t.Errorf("got %v, want Mapper", err)
	}
}

func TestValidate(t *testing.T) {
	in := testInput()
	ok := Decision{Variant: 2, Target: in.Processors[0]}
	if err := Validate(in, ok); err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		name string
		d    Decision
	}{
		{"unknown variant", Decision{Variant: 9, Target: in.Processors[0]}},
		{"wrong proc kind", Decision{Variant: 1, Target: in.Processors[0]}},
		{"missing processor", Decision{Variant: 2, Target: strata.Processor{ID: 99, Kind: strata.LocProc}}},
		{"bad requirement index", Decision{Variant: 2, Target: in.Processors[0],
			Memories: map[int]strata.Memory{3: in.Memories[0]}}},
		{"unknown memory", Decision{Variant: 2, Target: in.Processors[0],
			Memories: map[int]strata.Memory{0: {ID: 42, Kind: strata.SysMem}}}},
	} {
		if c.name == "bad requirement index" || c.name == "unknown memory" {
			in.Op.Requirements = make([]strata.RegionRequirement, 1)
		}
		if err := Validate(in, c.d); !errors.Is(errors.Mapper, err) {
			t.Errorf("%s: got %v, want Mapper", c.name, err)
		}
	}
}

func TestDefaultTunables(t *testing.T) {
	m := NewDefault()
	m.Tunables = map[strata.TunableID][]byte{1: []byte("four")}
	got, err := m.SelectTunable(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := "four"; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if _, err := m.SelectTunable(context.Background(), 2, 0); !errors.Is(errors.Mapper, err) {
		t.Errorf("got %v, want Mapper", err)
	}
}
