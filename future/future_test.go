// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package future

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/strata-lang/strata"
	strataerrors "github.com/strata-lang/strata/errors"
)

func int64le(v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func TestFutureCompletion(t *testing.T) {
	ctx := context.Background()
	f := New()
	if f.Ready() {
		t.Error("pending future reports ready")
	}
	go func() {
		time.Sleep(time.Millisecond)
		f.Set([]byte("payload"), []byte("meta"))
	}()
	b, err := f.Get(ctx, true, "test")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "payload"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	m, err := f.Metadata(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(m), "meta"; got != want {
		t.Errorf("metadata: got %q, want %q", got, want)
	}
	if !f.Ready() {
		t.Error("completed future not ready")
	}
	select {
	case <-f.Done():
	default:
		t.Error("done channel not closed after completion")
	}
}

func TestFutureError(t *testing.T) {
	ctx := context.Background()
	f := New()
	boom := errors.New("boom")
	f.SetError(boom)
	if _, err := f.Get(ctx, true, "test"); err != boom {
		t.Errorf("got %v, want %v", err, boom)
	}
	if f.Err() != boom {
		t.Errorf("Err: got %v, want %v", f.Err(), boom)
	}
}

func TestFutureEmpty(t *testing.T) {
	ctx := context.Background()
	f := New()
	f.SetEmpty()
	empty, err := f.Empty(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Error("empty future not reported empty")
	}
	// Silenced gets return a nil payload; unsilenced ones fail.
	b, err := f.Get(ctx, true, "test")
	if err != nil || b != nil {
		t.Errorf("silenced get: got %v, %v", b, err)
	}
	if _, err := f.Get(ctx, false, "test"); !strataerrors.Is(strataerrors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestFutureCancel(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Wait(ctx); err == nil {
		t.Error("wait on canceled context returned nil")
	}
}

func TestFromValueCopies(t *testing.T) {
	ctx := context.Background()
	buf := []byte{1, 2, 3}
	f := FromValue(buf)
	buf[0] = 9
	b, err := f.Get(ctx, true, "test")
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 1 {
		t.Error("payload aliases caller buffer")
	}
}

func TestFromExternalRelease(t *testing.T) {
	ctx := context.Background()
	var freed []byte
	buf := []byte("external")
	f := FromExternal(buf, true, func(b []byte) { freed = b })
	b, err := f.Get(ctx, true, "test")
	if err != nil {
		t.Fatal(err)
	}
	if &b[0] != &buf[0] {
		t.Error("external payload copied")
	}
	f.Release()
	if string(freed) != "external" {
		t.Error("free callback not invoked with the buffer")
	}
}

type countingFunctor struct {
	materialized int
	released     int
}

func (c *countingFunctor) Materialize() ([]byte, []byte, error) {
	c.materialized++
	return []byte("lazy"), nil, nil
}

func (c *countingFunctor) Release() { c.released++ }

func TestFunctorMaterializesOnce(t *testing.T) {
	ctx := context.Background()
	fn := new(countingFunctor)
	f := FromFunctor(fn)
	if fn.materialized != 0 {
		t.Error("materialized before demand")
	}
	for i := 0; i < 3; i++ {
		b, err := f.Get(ctx, true, "test")
		if err != nil {
			t.Fatal(err)
		}
		if got, want := string(b), "lazy"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if got, want := fn.materialized, 1; got != want {
		t.Errorf("materialized %d times, want %d", got, want)
	}
	f.Release()
	if got, want := fn.released, 1; got != want {
		t.Errorf("released %d times, want %d", got, want)
	}
}

func TestGetBuffer(t *testing.T) {
	ctx := context.Background()
	f := FromValue([]byte{42})
	host, err := f.GetBuffer(ctx, strata.SysMem, true, "test")
	if err != nil {
		t.Fatal(err)
	}
	other, err := f.GetBuffer(ctx, strata.FrameBufferMem, true, "test")
	if err != nil {
		t.Fatal(err)
	}
	if &host[0] == &other[0] {
		t.Error("non-host buffer aliases host payload")
	}
	again, err := f.GetBuffer(ctx, strata.FrameBufferMem, true, "test")
	if err != nil {
		t.Fatal(err)
	}
	if &again[0] != &other[0] {
		t.Error("per-kind buffer not cached")
	}
}

func TestMapReduceOrdered(t *testing.T) {
	domain := strata.DomainFromRect(strata.Pt(0), strata.Pt(3))
	m := NewMap(domain)
	domain.Each(func(p strata.DomainPoint) {
		m.MustFuture(p).Set(int64le(p.C[0]+1), nil)
	})
	f, err := m.Reduce(strata.SumInt64{}, true)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Get(context.Background(), true, "sum")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(10); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestMapReduceUnordered(t *testing.T) {
	domain := strata.DomainFromRect(strata.Pt(0), strata.Pt(6))
	m := NewMap(domain)
	domain.Each(func(p strata.DomainPoint) {
		m.MustFuture(p).Set(int64le(p.C[0]), nil)
	})
	f, err := m.Reduce(strata.MaxInt64{}, false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Get(context.Background(), true, "max")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(6); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

type unfoldable struct{ strata.SumInt64 }

func (unfoldable) Foldable() bool { return false }

func TestMapReduceUnorderedRequiresFoldable(t *testing.T) {
	m := NewMap(strata.DomainFromRect(strata.Pt(0), strata.Pt(1)))
	if _, err := m.Reduce(unfoldable{}, false); !strataerrors.Is(strataerrors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestMapFromBuffers(t *testing.T) {
	domain := strata.DomainFromRect(strata.Pt(0), strata.Pt(1))
	m, err := MapFromBuffers(domain, map[strata.DomainPoint][]byte{
		strata.Pt(0): {1},
		strata.Pt(1): {2},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.MustFuture(strata.Pt(1)).Get(context.Background(), true, "test")
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 2 {
		t.Errorf("got %d, want 2", b[0])
	}
	// Short and out-of-domain constructions fail.
	if _, err := MapFromBuffers(domain, map[strata.DomainPoint][]byte{strata.Pt(0): {1}}); !strataerrors.Is(strataerrors.Invalid, err) {
		t.Errorf("short: got %v, want Invalid", err)
	}
	if _, err := MapFromBuffers(domain, map[strata.DomainPoint][]byte{
		strata.Pt(0): {1},
		strata.Pt(9): {2},
	}); !strataerrors.Is(strataerrors.NotExist, err) {
		t.Errorf("outside: got %v, want NotExist", err)
	}
}

func TestMapLookupOutsideDomain(t *testing.T) {
	m := NewMap(strata.DomainFromRect(strata.Pt(0), strata.Pt(3)))
	if _, err := m.Future(strata.Pt(4)); !strataerrors.Is(strataerrors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestMapTransform(t *testing.T) {
	old := strata.DomainFromRect(strata.Pt(0), strata.Pt(3))
	m := NewMap(old)
	old.Each(func(p strata.DomainPoint) {
		m.MustFuture(p).Set(int64le(p.C[0]), nil)
	})
	// Reverse the domain.
	rev, err := m.Transform(old, func(p strata.DomainPoint) strata.DomainPoint {
		return strata.Pt(3 - p.C[0])
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := rev.MustFuture(strata.Pt(0)).Get(context.Background(), true, "test")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := int64(binary.LittleEndian.Uint64(b)), int64(3); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	// A non-injective transform is rejected.
	if _, err := m.Transform(old, func(strata.DomainPoint) strata.DomainPoint {
		return strata.Pt(0)
	}); !strataerrors.Is(strataerrors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}
