// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package substrate

import (
	"context"
	"runtime"
	"sync"

	"github.com/grailbio/base/limiter"
	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
	"github.com/strata-lang/strata/log"
)

// Local is an in-process substrate: processors are goroutine slots,
// memories are host allocations with capacity accounting. It backs
// tests and single-node runs.
type Local struct {
	procs []strata.Processor
	mems  []strata.Memory

	// One slot per processor: a processor executes one task at a
	// time.
	slots map[strata.Processor]*limiter.Limiter

	mu       sync.Mutex
	capacity map[strata.Memory]int64
	used     map[strata.Memory]int64
	draining bool
	inflight sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	Log *log.Logger
}

// LocalConfig sizes a Local substrate.
type LocalConfig struct {
	// Processors is the number of LocProc processors; zero means
	// runtime.NumCPU().
	Processors int
	// UtilityProcessors is the number of UtilProc processors used
	// for runtime-internal work; zero means 1.
	UtilityProcessors int
	// SysMemBytes is the capacity of system memory; zero means no
	// accounting limit.
	SysMemBytes int64
}

// NewLocal returns a Local substrate with the given shape.
func NewLocal(config LocalConfig) *Local {
	if config.Processors == 0 {
		config.Processors = runtime.NumCPU()
	}
	if config.UtilityProcessors == 0 {
		config.UtilityProcessors = 1
	}
	l := &Local{
		slots:    make(map[strata.Processor]*limiter.Limiter),
		capacity: make(map[strata.Memory]int64),
		used:     make(map[strata.Memory]int64),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	var id uint64
	for i := 0; i < config.Processors; i++ {
		id++
		l.addProc(strata.Processor{ID: id, Kind: strata.LocProc})
	}
	for i := 0; i < config.UtilityProcessors; i++ {
		id++
		l.addProc(strata.Processor{ID: id, Kind: strata.UtilProc})
	}
	sys := strata.Memory{ID: 1, Kind: strata.SysMem}
	l.mems = append(l.mems, sys)
	l.capacity[sys] = config.SysMemBytes
	return l
}

func (l *Local) addProc(p strata.Processor) {
	l.procs = append(l.procs, p)
	lim := limiter.New()
	lim.Release(1)
	l.slots[p] = lim
}

// AddressSpace implements Substrate.
func (l *Local) AddressSpace() strata.AddressSpaceID { return 0 }

// AddressSpaces implements Substrate.
func (l *Local) AddressSpaces() int { return 1 }

// Processors implements Substrate.
func (l *Local) Processors() []strata.Processor { return l.procs }

// Memories implements Substrate.
func (l *Local) Memories() []strata.Memory { return l.mems }

// Spawn implements Substrate: fn runs on its own goroutine once the
// processor's slot frees up.
func (l *Local) Spawn(proc strata.Processor, fn func(ctx context.Context) error, done func(error)) error {
	lim, ok := l.slots[proc]
	if !ok {
		return errors.E("local.spawn", errors.NotExist, proc)
	}
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return errors.E("local.spawn", errors.Canceled, errors.New("substrate shut down"))
	}
	l.inflight.Add(1)
	l.mu.Unlock()
	go func() {
		defer l.inflight.Done()
		if err := lim.Acquire(l.ctx, 1); err != nil {
			done(errors.E("local.spawn", proc, err))
			return
		}
		defer lim.Release(1)
		done(fn(l.ctx))
	}()
	return nil
}

// Allocate implements Substrate.
func (l *Local) Allocate(mem strata.Memory, size int64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit, ok := l.capacity[mem]
	if !ok {
		return nil, errors.E("local.allocate", errors.NotExist, mem)
	}
	if limit > 0 && l.used[mem]+size > limit {
		return nil, errors.E("local.allocate", mem, errors.ResourcesExhausted,
			errors.Errorf("%d of %d bytes in use, %d requested", l.used[mem], limit, size))
	}
	l.used[mem] += size
	return make([]byte, size), nil
}

// Release implements Substrate.
func (l *Local) Release(mem strata.Memory, buf []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.capacity[mem]; !ok {
		return
	}
	l.used[mem] -= int64(len(buf))
	if l.used[mem] < 0 {
		l.used[mem] = 0
	}
}

// Shutdown implements Substrate.
func (l *Local) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.draining = true
	l.mu.Unlock()
	c := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(c)
	}()
	select {
	case <-c:
	case <-ctx.Done():
		l.cancel()
		return ctx.Err()
	}
	l.cancel()
	return nil
}
