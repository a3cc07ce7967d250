// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package strata

import "fmt"

// ProcKind enumerates the kinds of processors the substrate exposes.
type ProcKind int

const (
	// NoProc is the null processor kind.
	NoProc ProcKind = iota
	// LocProc is a latency-optimized (CPU) processor.
	LocProc
	// TocProc is a throughput-optimized (GPU) processor.
	TocProc
	// UtilProc is a utility processor reserved for runtime work.
	UtilProc
	// IOProc is a processor dedicated to blocking I/O.
	IOProc
)

func (k ProcKind) String() string {
	switch k {
	case LocProc:
		return "cpu"
	case TocProc:
		return "gpu"
	case UtilProc:
		return "util"
	case IOProc:
		return "io"
	default:
		return "none"
	}
}

// A Processor names an execution engine in the substrate.
type Processor struct {
	ID   uint64
	Kind ProcKind
	// Space is the address space the processor belongs to.
	Space AddressSpaceID
}

// Exists tells whether the handle is non-null.
func (p Processor) Exists() bool { return p.ID != 0 }

func (p Processor) String() string {
	return fmt.Sprintf("proc(%x,%s)", p.ID, p.Kind)
}

// MemoryKind enumerates the kinds of memories the substrate exposes.
type MemoryKind int

const (
	// NoMemKind is the null memory kind.
	NoMemKind MemoryKind = iota
	// SysMem is host system memory.
	SysMem
	// SocketMem is NUMA-local host memory.
	SocketMem
	// ZeroCopyMem is host memory visible to accelerators.
	ZeroCopyMem
	// FrameBufferMem is accelerator-local memory.
	FrameBufferMem
	// DiskMem is file-backed memory.
	DiskMem
)

func (k MemoryKind) String() string {
	switch k {
	case SysMem:
		return "sysmem"
	case SocketMem:
		return "socketmem"
	case ZeroCopyMem:
		return "zerocopy"
	case FrameBufferMem:
		return "framebuffer"
	case DiskMem:
		return "disk"
	default:
		return "none"
	}
}

// A Memory names an allocation target in the substrate.
type Memory struct {
	ID    uint64
	Kind  MemoryKind
	Space AddressSpaceID
}

// Exists tells whether the handle is non-null.
func (m Memory) Exists() bool { return m.ID != 0 }

func (m Memory) String() string {
	return fmt.Sprintf("mem(%x,%s)", m.ID, m.Kind)
}
