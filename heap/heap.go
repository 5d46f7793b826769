// Package heap implements the freeing-bump allocator described in
// spec.md §4.1: a deterministic, O(1)-worst-case allocator operating
// inside a guest's WebAssembly linear memory, with per-size-class
// freelists and no coalescing.
package heap

import (
	"math/bits"

	"github.com/juniuszhou/substrate-sub003/hosterr"
)

const (
	// Alignment is the byte alignment of every allocation and of the
	// heap's starting offset.
	Alignment = 8
	// ClassCount is the number of power-of-two size classes, covering
	// 2^3 (8 bytes) through 2^24 (16 MiB) inclusive.
	ClassCount = 22
	// MaxAlloc is the largest single allocation the heap permits.
	MaxAlloc = 1 << 24
	// headerSize is the number of bookkeeping bytes preceding every
	// allocation's user pointer.
	headerSize = 8
)

// sentinel is written into heap[ptr-7:ptr] for every live allocation
// (spec.md §4.1, §9 Open Questions). Deallocate reads only the class byte
// and does not verify these bytes.
const sentinel = 0xFF

// Memory is the subset of a guest's linear memory the allocator needs.
// wazero's api.Memory satisfies this directly.
type Memory interface {
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// State is the per-call heap owned exclusively by one FunctionExecutor
// (spec.md §3 "HeapState"). It is never safe to share across calls.
type State struct {
	mem         Memory
	ptrOffset   uint32
	maxHeapSize uint32
	bumper      uint32
	totalSize   uint32
	heads       [ClassCount]uint32
}

// New creates heap state starting at ptrOffset (already 8-byte aligned by
// the caller) bounded by maxHeapSize bytes.
func New(mem Memory, ptrOffset, maxHeapSize uint32) *State {
	return &State{mem: mem, ptrOffset: ptrOffset, maxHeapSize: maxHeapSize}
}

// TotalSize returns the number of bytes currently charged against
// maxHeapSize, i.e. Σ(class_bytes + 8) over live allocations.
func (h *State) TotalSize() uint32 { return h.totalSize }

// Bumper returns the next never-allocated heap-relative offset.
func (h *State) Bumper() uint32 { return h.bumper }

// classOf returns the size class index for a requested allocation size, and
// the number of bytes that class commits (a power of two in [8, 1<<24]).
func classOf(size uint32) (class int, classBytes uint32) {
	effective := size
	if effective < 8 {
		effective = 8
	}
	classBytes = nextPowerOfTwo(effective)
	class = bits.Len32(classBytes) - 1 - 3
	return class, classBytes
}

func nextPowerOfTwo(v uint32) uint32 {
	if v&(v-1) == 0 {
		return v
	}
	return 1 << bits.Len32(v)
}

// Allocate implements spec.md §4.1 "allocate(size) → ptr | error". The
// returned pointer is an absolute offset into guest memory.
func (h *State) Allocate(size uint32) (uint32, error) {
	if size > MaxAlloc {
		return 0, hosterr.New(hosterr.KindRuntime, "requested allocation size too large")
	}

	class, classBytes := classOf(size)
	if classBytes+headerSize+h.totalSize > h.maxHeapSize {
		return 0, hosterr.New(hosterr.KindRuntime, "allocator out of space")
	}

	var headerAt uint32
	if head := h.heads[class]; head != 0 {
		headerAt = head - 1
		link, ok := h.mem.Read(h.ptrOffset+headerAt, 4)
		if !ok {
			return 0, hosterr.New(hosterr.KindInvalidMemoryReference, "free-list link out of bounds")
		}
		h.heads[class] = leUint32(link)
	} else {
		headerAt = h.bumper
		h.bumper += classBytes + headerSize
	}

	ptr := headerAt + headerSize

	header := make([]byte, headerSize)
	header[0] = byte(class)
	for i := 1; i < headerSize; i++ {
		header[i] = sentinel
	}
	if !h.mem.Write(h.ptrOffset+headerAt, header) {
		return 0, hosterr.New(hosterr.KindInvalidMemoryReference, "allocation header out of bounds")
	}

	h.totalSize += classBytes + headerSize
	return h.ptrOffset + ptr, nil
}

// Deallocate implements spec.md §4.1 "deallocate(absolute_ptr)".
func (h *State) Deallocate(absolutePtr uint32) error {
	if absolutePtr < h.ptrOffset+headerSize {
		return hosterr.New(hosterr.KindRuntime, "invalid pointer for deallocation")
	}
	ptr := absolutePtr - h.ptrOffset
	if ptr < headerSize {
		return hosterr.New(hosterr.KindRuntime, "invalid pointer for deallocation")
	}

	header, ok := h.mem.Read(h.ptrOffset+ptr-headerSize, headerSize)
	if !ok {
		return hosterr.New(hosterr.KindInvalidMemoryReference, "allocation header out of bounds")
	}
	class := int(header[0])
	if class < 0 || class >= ClassCount {
		return hosterr.New(hosterr.KindRuntime, "corrupt allocation header: bad size class")
	}

	link := make([]byte, 4)
	putLeUint32(link, h.heads[class])
	if !h.mem.Write(h.ptrOffset+ptr-headerSize, link) {
		return hosterr.New(hosterr.KindInvalidMemoryReference, "free-list link out of bounds")
	}
	// heads[class] stores (header offset + 1), never 0, so the freelist's
	// empty sentinel can't collide with a live block at header offset 0
	// (the very first allocation from a fresh State always lands there).
	h.heads[class] = (ptr - headerSize) + 1

	classBytes := uint32(1) << (uint(class) + 3)
	if h.totalSize < classBytes+headerSize {
		return hosterr.New(hosterr.KindRuntime, "underflow in heap bookkeeping")
	}
	h.totalSize -= classBytes + headerSize
	return nil
}

// Reset restores the heap to a brand-new state without touching already
// zeroed memory: the bump cursor and every freelist head go back to zero.
// wasmrun calls this (alongside zeroing guest memory) at the end of every
// top-level call, per spec.md §5's "memory cleanup invariant".
func (h *State) Reset() {
	h.bumper = 0
	h.totalSize = 0
	for i := range h.heads {
		h.heads[i] = 0
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
