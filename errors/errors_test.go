// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import (
	"context"
	"encoding/json"
	"testing"
)

func TestE(t *testing.T) {
	err := E("forest.subspace", "partition 3", NotExist, New("no such color"))
	e := Recover(err)
	if got, want := e.Op, "forest.subspace"; got != want {
		t.Errorf("got op %q, want %q", got, want)
	}
	if len(e.Arg) != 1 || e.Arg[0] != "partition 3" {
		t.Errorf("got args %v", e.Arg)
	}
	if got, want := e.Kind, NotExist; got != want {
		t.Errorf("got kind %v, want %v", got, want)
	}
}

func TestIs(t *testing.T) {
	err := E("pipeline.fill", Invalid, New("no fields"))
	if !Is(Invalid, err) {
		t.Error("kind not matched")
	}
	if Is(NotExist, err) {
		t.Error("wrong kind matched")
	}
	// Is follows the chain of wrapped errors.
	outer := E("runtime.runtask", Execution, err)
	if !Is(Execution, outer) {
		t.Error("outer kind not matched")
	}
	wrapped := E("context.fill", err)
	if !Is(Invalid, wrapped) {
		t.Error("inherited kind not matched through chain")
	}
}

func TestKindInheritance(t *testing.T) {
	inner := E("inner", Privilege, New("field 9 not in parent"))
	outer := Recover(E("outer", inner))
	if got, want := outer.Kind, Privilege; got != want {
		t.Errorf("got kind %v, want %v", got, want)
	}
	if got, want := Recover(E("ctx", context.Canceled)).Kind, Canceled; got != want {
		t.Errorf("got kind %v, want %v", got, want)
	}
}

func TestMatch(t *testing.T) {
	err := E("forest.subspace", NotExist)
	if !Match(E(NotExist), err) {
		t.Error("kind template not matched")
	}
	if !Match(E("forest.subspace", NotExist), err) {
		t.Error("op+kind template not matched")
	}
	if Match(E("forest.domain", NotExist), err) {
		t.Error("different op matched")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := Recover(E("partition.byfield", "region 7", Partition, New("children overlap")))
	b, err := json.Marshal(orig)
	if err != nil {
		t.Fatal(err)
	}
	back := new(Error)
	if err := json.Unmarshal(b, back); err != nil {
		t.Fatal(err)
	}
	if !Match(orig, back) {
		t.Errorf("round trip mismatch: got %v, want %v", back, orig)
	}
	if got, want := back.Kind, Partition; got != want {
		t.Errorf("got kind %v, want %v", got, want)
	}
}

func TestTransient(t *testing.T) {
	for _, c := range []struct {
		err  error
		want bool
	}{
		{E(Timeout), true},
		{E(Temporary), true},
		{E(TooManyTries), true},
		{E(Fatal), false},
		{E(Invalid), false},
	} {
		if got := Transient(c.err); got != c.want {
			t.Errorf("transient(%v): got %v, want %v", c.err, got, c.want)
		}
	}
}
