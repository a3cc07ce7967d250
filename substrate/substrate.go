// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package substrate abstracts the execution fabric underneath the
// runtime: the processors and memories of the machine and raw
// asynchronous task execution. The runtime never performs work
// inline; every effect is spawned onto a substrate processor.
package substrate

import (
	"context"

	"github.com/strata-lang/strata"
	"github.com/strata-lang/strata/errors"
)

// A Substrate carries out concrete work on behalf of the runtime.
type Substrate interface {
	// AddressSpace identifies this node.
	AddressSpace() strata.AddressSpaceID
	// AddressSpaces is the number of nodes in the machine.
	AddressSpaces() int

	// Processors enumerates the machine's processors. The slice is
	// stable for the substrate's lifetime.
	Processors() []strata.Processor
	// Memories enumerates the machine's memories.
	Memories() []strata.Memory

	// Spawn schedules fn on the given processor. It returns
	// immediately; fn's error is delivered to done. Spawn fails only
	// if the processor does not exist.
	Spawn(proc strata.Processor, fn func(ctx context.Context) error, done func(error)) error

	// Allocate obtains storage in the given memory. The allocation
	// counts against the memory's capacity until Release is called.
	Allocate(mem strata.Memory, size int64) ([]byte, error)
	// Release returns an allocation's bytes to its memory.
	Release(mem strata.Memory, buf []byte)

	// Shutdown stops accepting work and waits for in-flight work.
	Shutdown(ctx context.Context) error
}

// FindProcessor returns the first processor of the given kind, if
// any.
func FindProcessor(s Substrate, kind strata.ProcKind) (strata.Processor, error) {
	for _, p := range s.Processors() {
		if p.Kind == kind {
			return p, nil
		}
	}
	return strata.Processor{}, errors.E("substrate.findprocessor", errors.NotExist,
		errors.Errorf("no processor of kind %s", kind))
}

// FindMemory returns the first memory of the given kind, if any.
func FindMemory(s Substrate, kind strata.MemoryKind) (strata.Memory, error) {
	for _, m := range s.Memories() {
		if m.Kind == kind {
			return m, nil
		}
	}
	return strata.Memory{}, errors.E("substrate.findmemory", errors.NotExist,
		errors.Errorf("no memory of kind %s", kind))
}
