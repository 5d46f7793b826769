package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/juniuszhou/substrate-sub003/heap"
	"github.com/juniuszhou/substrate-sub003/hosterr"
)

// fakeMemory is a plain growable byte slice satisfying heap.Memory.
type fakeMemory struct{ buf []byte }

func newFakeMemory(size uint32) *fakeMemory { return &fakeMemory{buf: make([]byte, size)} }

func (m *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if uint64(offset)+uint64(byteCount) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+byteCount], true
}

func (m *fakeMemory) Write(offset uint32, v []byte) bool {
	if uint64(offset)+uint64(len(v)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

func asHosterr(t *testing.T, err error) *hosterr.Error {
	t.Helper()
	he, ok := err.(*hosterr.Error)
	require.True(t, ok, "expected *hosterr.Error, got %T", err)
	return he
}

// TestAllocatorStress implements spec.md §8 scenario 1: allocate a
// geometric sequence of sizes, deallocate in reverse, and assert
// total_size returns to zero; then assert RequestedSizeTooLarge.
func TestAllocatorStress(t *testing.T) {
	mem := newFakeMemory(64 << 20)
	h := heap.New(mem, 0, 64<<20)

	sizes := []uint32{1, 8, 9, 16, 17, 32, 33, 1 << 20, heap.MaxAlloc}
	ptrs := make([]uint32, 0, len(sizes))
	seen := map[uint32]bool{}

	for _, size := range sizes {
		ptr, err := h.Allocate(size)
		require.NoError(t, err)
		require.False(t, seen[ptr], "duplicate pointer %d", ptr)
		seen[ptr] = true
		require.Zero(t, ptr%heap.Alignment, "pointer %d not 8-byte aligned", ptr)
		require.GreaterOrEqual(t, ptr, uint32(8))
		ptrs = append(ptrs, ptr)
	}

	for i := len(ptrs) - 1; i >= 0; i-- {
		require.NoError(t, h.Deallocate(ptrs[i]))
	}
	require.Zero(t, h.TotalSize())

	_, err := h.Allocate(heap.MaxAlloc + 1)
	require.Error(t, err)
	require.Equal(t, hosterr.KindRuntime, asHosterr(t, err).Kind)
}

// TestOutOfSpace implements spec.md §8 scenario 2: with a bounded heap,
// repeated 8 KiB allocations eventually fail, and total_size at that point
// equals the sum of everything allocated just before the failing call.
func TestOutOfSpace(t *testing.T) {
	const maxHeapSize = 64 * 1024
	mem := newFakeMemory(1 << 20)
	h := heap.New(mem, 0, maxHeapSize)

	const chunk = 8 * 1024
	var before uint32
	for {
		before = h.TotalSize()
		_, err := h.Allocate(chunk)
		if err != nil {
			break
		}
	}

	require.Equal(t, before, h.TotalSize())
}

// TestFreelistReuse exercises the freelist path directly: deallocating and
// reallocating the same size class reuses the freed slot instead of
// bumping further.
func TestFreelistReuse(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	h := heap.New(mem, 0, 1<<16)

	p1, err := h.Allocate(32)
	require.NoError(t, err)
	require.NoError(t, h.Deallocate(p1))

	bumperAfterFree := h.Bumper()
	p2, err := h.Allocate(32)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
	require.Equal(t, bumperAfterFree, h.Bumper())
}

// TestDeallocateInvalidPointer rejects a pointer below the header region.
func TestDeallocateInvalidPointer(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	h := heap.New(mem, 0, 1<<16)

	err := h.Deallocate(4)
	require.Error(t, err)
	require.Equal(t, hosterr.KindRuntime, asHosterr(t, err).Kind)
}

// TestResetClearsAccounting supports the per-call "zero and shrink"
// invariant (spec.md §5): after Reset, a fresh allocation behaves as if
// the heap were newly created.
func TestResetClearsAccounting(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	h := heap.New(mem, 0, 1<<16)

	_, err := h.Allocate(64)
	require.NoError(t, err)
	require.NotZero(t, h.TotalSize())

	h.Reset()
	require.Zero(t, h.TotalSize())
	require.Zero(t, h.Bumper())
}
