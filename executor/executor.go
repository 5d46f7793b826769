// Package executor implements the per-call Function Executor of
// spec.md §4.3: the glue that owns a call's guest memory, heap allocator,
// hash-lookup cache, sandbox store, indirect-function table and
// Externalities, and implements every host-callable behavior in §6.1.
package executor

import (
	"context"
	"encoding/binary"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"crypto/ed25519"

	"github.com/cespare/xxhash/v2"
	"github.com/tetratelabs/wazero/api"

	"github.com/juniuszhou/substrate-sub003/externalities"
	"github.com/juniuszhou/substrate-sub003/heap"
	"github.com/juniuszhou/substrate-sub003/hostabi"
	"github.com/juniuszhou/substrate-sub003/hosterr"
	"github.com/juniuszhou/substrate-sub003/sandbox"
	"github.com/juniuszhou/substrate-sub003/trap"
)

// notFound is the sentinel length written when a lookup misses, per
// spec.md §4.3 "Allocated-output convention" / "Write-into convention".
const notFound = ^uint32(0)

// HashLookup maps a computed digest back to its preimage, populated
// opportunistically by every hashing host function (spec.md §3). It is a
// debugging convenience only; spec.md §8 requires that removing all uses
// of it never changes externalized output, so nothing in this package
// ever reads it back to make a decision.
type HashLookup struct {
	entries map[string][]byte
}

func newHashLookup() *HashLookup {
	return &HashLookup{entries: make(map[string][]byte)}
}

func (h *HashLookup) record(digest, preimage []byte) {
	cp := make([]byte, len(preimage))
	copy(cp, preimage)
	h.entries[string(digest)] = cp
}

// Lookup returns the recorded preimage for digest, if any. Exposed for
// tests and diagnostics only.
func (h *HashLookup) Lookup(digest []byte) ([]byte, bool) {
	v, ok := h.entries[string(digest)]
	return v, ok
}

// Table is the subset of a guest's indirect function table the sandbox
// needs to resolve a dispatch thunk by value at instantiation time
// (spec.md §4.4 invariants). wasmrun supplies the concrete implementation.
type Table interface {
	Function(index uint32) (api.Function, error)
}

// FunctionExecutor is the per-call host state (spec.md §3
// "FunctionExecutor"). One instance may serve a sequence of calls against
// the same cached module, with Rebind giving each call a fresh heap,
// hash lookup, sandbox store and Externalities; it is never shared across
// goroutines.
type FunctionExecutor struct {
	mem         api.Memory
	ptrOffset   uint32
	maxHeapSize uint32
	heap        *heap.State
	ext         externalities.Externalities
	hash        *HashLookup
	table       Table
	store       *sandbox.Store
}

// New creates a FunctionExecutor with heap state starting at ptrOffset
// bounded by maxHeapSize, against ext. Guest memory is not yet known at
// this point — host function registration (hostabi.Register) must happen
// before the guest module is instantiated, but the guest's own exported
// memory only exists afterward — so callers must call BindMemory once the
// guest module is instantiated and before invoking any of its exports.
// table may be nil if the guest never uses the sandbox; sandbox_instantiate
// in that case returns the sandbox.ErrModule code.
func New(ctx context.Context, ptrOffset, maxHeapSize uint32, ext externalities.Externalities, table Table) *FunctionExecutor {
	fe := &FunctionExecutor{
		ptrOffset:   ptrOffset,
		maxHeapSize: maxHeapSize,
		ext:         ext,
		hash:        newHashLookup(),
		table:       table,
	}
	fe.store = sandbox.NewStore(ctx, fe)
	return fe
}

// BindMemory attaches the guest's exported linear memory once its module
// has been instantiated. Must be called before any host function handler
// runs; Rebind calls it again for each later call.
func (fe *FunctionExecutor) BindMemory(mem api.Memory) {
	fe.mem = mem
	fe.heap = heap.New(memoryAdapter{mem}, fe.ptrOffset, fe.maxHeapSize)
}

// BindTable attaches the guest's indirect-function-table adapter once its
// module has been instantiated, so sandbox_instantiate can resolve a
// dispatch thunk captured by value (spec.md §4.4).
func (fe *FunctionExecutor) BindTable(table Table) {
	fe.table = table
}

// Close releases the nested sandbox's runtime. runtimecache calls this when
// it discards a failed probe's executor and when the cache itself is
// closed.
func (fe *FunctionExecutor) Close(ctx context.Context) error {
	return fe.store.Close(ctx)
}

// HashLookup exposes the call's hash-lookup cache for diagnostics.
func (fe *FunctionExecutor) HashLookup() *HashLookup { return fe.hash }

// ResetHeap restores the allocator's bump cursor and freelists to their
// initial state, without touching guest memory contents. wasmrun calls this
// alongside zeroing guest memory above the heap baseline so a reused guest
// instance starts its next call with a fresh allocator (spec.md §5 "memory
// cleanup invariant").
func (fe *FunctionExecutor) ResetHeap() { fe.heap.Reset() }

// Rebind repoints fe at a new call: a fresh Externalities, a newly
// instantiated guest's memory and indirect table, and a fresh sandbox
// store (the previous call's store, and the nested runtime it owns, is
// closed first). This lets one FunctionExecutor instance — and the single
// "env" host module its closures were registered against — be reused
// across every call against a cached compiled module, instead of building
// a second, never-registered FunctionExecutor per call (spec.md §4.5:
// ModuleCache exists to reuse compiled code across many calls with
// different chain state; spec.md §3's FunctionExecutor is per-call state,
// not the host module registration, which is per-runtime).
func (fe *FunctionExecutor) Rebind(ctx context.Context, ext externalities.Externalities, mem api.Memory, table Table) error {
	if err := fe.store.Close(ctx); err != nil {
		return err
	}
	fe.ext = ext
	fe.hash = newHashLookup()
	fe.table = table
	fe.BindMemory(mem)
	fe.store = sandbox.NewStore(ctx, fe)
	return nil
}

// memoryAdapter satisfies heap.Memory against an api.Memory.
type memoryAdapter struct{ m api.Memory }

func (a memoryAdapter) Read(offset, byteCount uint32) ([]byte, bool) {
	b, ok := a.m.Read(offset, byteCount)
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, true
}

func (a memoryAdapter) Write(offset uint32, v []byte) bool { return a.m.Write(offset, v) }

// Allocate and Deallocate implement sandbox.Supervisor, so a
// FunctionExecutor's own heap is reused as the sandbox dispatch flow's
// supervisor heap (spec.md §4.4 step 3: "Allocates space for that blob in
// the supervisor's heap").
func (fe *FunctionExecutor) Allocate(size uint32) (uint32, error) { return fe.heap.Allocate(size) }
func (fe *FunctionExecutor) Deallocate(ptr uint32) error          { return fe.heap.Deallocate(ptr) }
func (fe *FunctionExecutor) Memory() api.Memory                   { return fe.mem }

func (fe *FunctionExecutor) TableFunction(index uint32) (api.Function, error) {
	if fe.table == nil {
		return nil, hosterr.New(hosterr.KindInvalidIndex, "guest has no indirect function table")
	}
	return fe.table.Function(index)
}

// readMem reads length bytes at offset, trapping on out-of-bounds
// (spec.md §4.3 "Memory reads/writes").
func (fe *FunctionExecutor) readMem(offset, length uint32) []byte {
	b, ok := fe.mem.Read(offset, length)
	if !ok {
		trap.Now("memory read out of bounds: offset=%d len=%d", offset, length)
	}
	return b
}

// writeMem writes v at offset, trapping on out-of-bounds. No partial
// writes occur: wazero's Write already fails atomically before touching
// memory when the range doesn't fit.
func (fe *FunctionExecutor) writeMem(offset uint32, v []byte) {
	if !fe.mem.Write(offset, v) {
		trap.Now("memory write out of bounds: offset=%d len=%d", offset, len(v))
	}
}

func (fe *FunctionExecutor) readU32(offset uint32) uint32 {
	b := fe.readMem(offset, 4)
	return binary.LittleEndian.Uint32(b)
}

func (fe *FunctionExecutor) writeU32(offset, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	fe.writeMem(offset, b[:])
}

// allocatedOutput implements spec.md §4.3 "Allocated-output convention":
// allocate space, copy data in, write its length into outLenPtr, and
// return the pointer. A nil data signals "not found": writes notFound to
// outLenPtr and returns 0.
func (fe *FunctionExecutor) allocatedOutput(data []byte, outLenPtr uint32) uint32 {
	if data == nil {
		fe.writeU32(outLenPtr, notFound)
		return 0
	}
	ptr, err := fe.heap.Allocate(uint32(len(data)))
	if err != nil {
		trap.Wrap(err, "allocating output buffer")
	}
	fe.writeMem(ptr, data)
	fe.writeU32(outLenPtr, uint32(len(data)))
	return ptr
}

// writeInto implements spec.md §4.3 "Write-into convention": copies data
// into the guest-provided buffer [vptr, vptr+vlen), clamped to vlen, and
// returns the number of bytes written, or notFound on a miss.
func (fe *FunctionExecutor) writeInto(data []byte, vptr, vlen, valueOffset uint32) uint32 {
	if data == nil {
		return notFound
	}
	if valueOffset > uint32(len(data)) {
		valueOffset = uint32(len(data))
	}
	src := data[valueOffset:]
	n := uint32(len(src))
	if n > vlen {
		n = vlen
	}
	fe.writeMem(vptr, src[:n])
	return n
}

func (fe *FunctionExecutor) childKey(ptr, length uint32) externalities.ChildStorageKey {
	raw := fe.readMem(ptr, length)
	key, ok := externalities.NewChildStorageKey(raw)
	if !ok {
		trap.Now("invalid child storage key")
	}
	return key
}

// Table builds the declarative host function table (spec.md §4.2) bound
// to fe's handlers. One FunctionExecutor owns exactly one such table,
// handed to hostabi.Register by wasmrun when instantiating the guest.
func (fe *FunctionExecutor) Table() []hostabi.Func {
	i32, i64 := hostabi.I32(), hostabi.I64()
	return []hostabi.Func{
		{Name: "print_utf8", Params: hostabi.P(i32, i32), Handler: fe.hPrintUTF8},
		{Name: "print_hex", Params: hostabi.P(i32, i32), Handler: fe.hPrintHex},
		{Name: "print_num", Params: hostabi.P(i64), Handler: fe.hPrintNum},

		{Name: "malloc", Params: hostabi.P(i32), Results: hostabi.R(i32), Handler: fe.hMalloc},
		{Name: "free", Params: hostabi.P(i32), Handler: fe.hFree},

		{Name: "set_storage", Params: hostabi.P(i32, i32, i32, i32), Handler: fe.hSetStorage},
		{Name: "clear_storage", Params: hostabi.P(i32, i32), Handler: fe.hClearStorage},
		{Name: "exists_storage", Params: hostabi.P(i32, i32), Results: hostabi.R(i32), Handler: fe.hExistsStorage},
		{Name: "clear_prefix", Params: hostabi.P(i32, i32), Handler: fe.hClearPrefix},
		{Name: "get_allocated_storage", Params: hostabi.P(i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hGetAllocatedStorage},
		{Name: "get_storage_into", Params: hostabi.P(i32, i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hGetStorageInto},
		{Name: "storage_root", Params: hostabi.P(i32), Handler: fe.hStorageRoot},
		{Name: "storage_changes_root", Params: hostabi.P(i32, i64, i32), Results: hostabi.R(i32), Handler: fe.hStorageChangesRoot},

		{Name: "set_child_storage", Params: hostabi.P(i32, i32, i32, i32, i32, i32), Handler: fe.hSetChildStorage},
		{Name: "clear_child_storage", Params: hostabi.P(i32, i32, i32, i32), Handler: fe.hClearChildStorage},
		{Name: "kill_child_storage", Params: hostabi.P(i32, i32), Handler: fe.hKillChildStorage},
		{Name: "exists_child_storage", Params: hostabi.P(i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hExistsChildStorage},
		{Name: "get_allocated_child_storage", Params: hostabi.P(i32, i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hGetAllocatedChildStorage},
		{Name: "get_child_storage_into", Params: hostabi.P(i32, i32, i32, i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hGetChildStorageInto},
		{Name: "child_storage_root", Params: hostabi.P(i32, i32, i32), Handler: fe.hChildStorageRoot},

		{Name: "blake2_128", Params: hostabi.P(i32, i32, i32), Handler: fe.hBlake2_128},
		{Name: "blake2_256", Params: hostabi.P(i32, i32, i32), Handler: fe.hBlake2_256},
		{Name: "twox_64", Params: hostabi.P(i32, i32, i32), Handler: fe.hTwox64},
		{Name: "twox_128", Params: hostabi.P(i32, i32, i32), Handler: fe.hTwox128},
		{Name: "twox_256", Params: hostabi.P(i32, i32, i32), Handler: fe.hTwox256},
		{Name: "keccak_256", Params: hostabi.P(i32, i32, i32), Handler: fe.hKeccak256},
		{Name: "blake2_256_enumerated_trie_root", Params: hostabi.P(i32, i32, i32, i32), Handler: fe.hEnumeratedTrieRoot},

		{Name: "ed25519_verify", Params: hostabi.P(i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hEd25519Verify},
		{Name: "sr25519_verify", Params: hostabi.P(i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hSr25519Verify},
		{Name: "secp256k1_ecdsa_recover", Params: hostabi.P(i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hEcdsaRecover},

		{Name: "chain_id", Results: hostabi.R(i64), Handler: fe.hChainID},
		{Name: "submit_extrinsic", Params: hostabi.P(i32, i32), Handler: fe.hSubmitExtrinsic},

		{Name: "sandbox_memory_new", Params: hostabi.P(i32, i32), Results: hostabi.R(i32), Handler: fe.hSandboxMemoryNew},
		{Name: "sandbox_memory_get", Params: hostabi.P(i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hSandboxMemoryGet},
		{Name: "sandbox_memory_set", Params: hostabi.P(i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hSandboxMemorySet},
		{Name: "sandbox_memory_teardown", Params: hostabi.P(i32), Handler: fe.hSandboxMemoryTeardown},
		{Name: "sandbox_instantiate", Params: hostabi.P(i32, i32, i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hSandboxInstantiate},
		{Name: "sandbox_instance_teardown", Params: hostabi.P(i32), Handler: fe.hSandboxInstanceTeardown},
		{Name: "sandbox_invoke", Params: hostabi.P(i32, i32, i32, i32, i32, i32, i32, i32), Results: hostabi.R(i32), Handler: fe.hSandboxInvoke},
	}
}

// --- Debug ---

func (fe *FunctionExecutor) hPrintUTF8(ctx context.Context, mod api.Module, stack []uint64) {
	_ = string(fe.readMem(uint32(stack[0]), uint32(stack[1])))
}

func (fe *FunctionExecutor) hPrintHex(ctx context.Context, mod api.Module, stack []uint64) {
	_ = fe.readMem(uint32(stack[0]), uint32(stack[1]))
}

func (fe *FunctionExecutor) hPrintNum(ctx context.Context, mod api.Module, stack []uint64) {
	_ = stack[0]
}

// --- Allocator ---

func (fe *FunctionExecutor) hMalloc(ctx context.Context, mod api.Module, stack []uint64) {
	ptr, err := fe.heap.Allocate(uint32(stack[0]))
	if err != nil {
		trap.Wrap(err, "malloc")
	}
	stack[0] = uint64(ptr)
}

func (fe *FunctionExecutor) hFree(ctx context.Context, mod api.Module, stack []uint64) {
	if err := fe.heap.Deallocate(uint32(stack[0])); err != nil {
		trap.Wrap(err, "free")
	}
}

// --- Storage ---

func (fe *FunctionExecutor) hSetStorage(ctx context.Context, mod api.Module, stack []uint64) {
	k := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	v := fe.readMem(uint32(stack[2]), uint32(stack[3]))
	fe.ext.SetStorage(k, v)
}

func (fe *FunctionExecutor) hClearStorage(ctx context.Context, mod api.Module, stack []uint64) {
	fe.ext.ClearStorage(fe.readMem(uint32(stack[0]), uint32(stack[1])))
}

func (fe *FunctionExecutor) hExistsStorage(ctx context.Context, mod api.Module, stack []uint64) {
	exists := fe.ext.ExistsStorage(fe.readMem(uint32(stack[0]), uint32(stack[1])))
	stack[0] = boolToU64(exists)
}

func (fe *FunctionExecutor) hClearPrefix(ctx context.Context, mod api.Module, stack []uint64) {
	fe.ext.ClearPrefix(fe.readMem(uint32(stack[0]), uint32(stack[1])))
}

func (fe *FunctionExecutor) hGetAllocatedStorage(ctx context.Context, mod api.Module, stack []uint64) {
	k := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	v, ok := fe.ext.Storage(k)
	if !ok {
		v = nil
	}
	stack[0] = uint64(fe.allocatedOutput(v, uint32(stack[2])))
}

func (fe *FunctionExecutor) hGetStorageInto(ctx context.Context, mod api.Module, stack []uint64) {
	k := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	v, ok := fe.ext.Storage(k)
	if !ok {
		v = nil
	}
	stack[0] = uint64(fe.writeInto(v, uint32(stack[2]), uint32(stack[3]), uint32(stack[4])))
}

func (fe *FunctionExecutor) hStorageRoot(ctx context.Context, mod api.Module, stack []uint64) {
	root := fe.ext.StorageRoot()
	fe.writeMem(uint32(stack[0]), root[:])
}

func (fe *FunctionExecutor) hStorageChangesRoot(ctx context.Context, mod api.Module, stack []uint64) {
	parentPtr := uint32(stack[0])
	parentNumber := stack[1]
	outPtr := uint32(stack[2])

	parentHashBytes := fe.readMem(parentPtr, 32)
	var parentHash [32]byte
	copy(parentHash[:], parentHashBytes)

	root, ok := fe.ext.StorageChangesRoot(parentHash, parentNumber)
	if !ok {
		stack[0] = 0
		return
	}
	fe.writeMem(outPtr, root[:])
	stack[0] = 1
}

// --- Child storage ---

func (fe *FunctionExecutor) hSetChildStorage(ctx context.Context, mod api.Module, stack []uint64) {
	child := fe.childKey(uint32(stack[0]), uint32(stack[1]))
	k := fe.readMem(uint32(stack[2]), uint32(stack[3]))
	v := fe.readMem(uint32(stack[4]), uint32(stack[5]))
	fe.ext.SetChildStorage(child, k, v)
}

func (fe *FunctionExecutor) hClearChildStorage(ctx context.Context, mod api.Module, stack []uint64) {
	child := fe.childKey(uint32(stack[0]), uint32(stack[1]))
	k := fe.readMem(uint32(stack[2]), uint32(stack[3]))
	fe.ext.ClearChildStorage(child, k)
}

func (fe *FunctionExecutor) hKillChildStorage(ctx context.Context, mod api.Module, stack []uint64) {
	child := fe.childKey(uint32(stack[0]), uint32(stack[1]))
	fe.ext.KillChildStorage(child)
}

func (fe *FunctionExecutor) hExistsChildStorage(ctx context.Context, mod api.Module, stack []uint64) {
	child := fe.childKey(uint32(stack[0]), uint32(stack[1]))
	k := fe.readMem(uint32(stack[2]), uint32(stack[3]))
	stack[0] = boolToU64(fe.ext.ExistsChildStorage(child, k))
}

func (fe *FunctionExecutor) hGetAllocatedChildStorage(ctx context.Context, mod api.Module, stack []uint64) {
	child := fe.childKey(uint32(stack[0]), uint32(stack[1]))
	k := fe.readMem(uint32(stack[2]), uint32(stack[3]))
	v, ok := fe.ext.ChildStorage(child, k)
	if !ok {
		v = nil
	}
	stack[0] = uint64(fe.allocatedOutput(v, uint32(stack[4])))
}

func (fe *FunctionExecutor) hGetChildStorageInto(ctx context.Context, mod api.Module, stack []uint64) {
	child := fe.childKey(uint32(stack[0]), uint32(stack[1]))
	k := fe.readMem(uint32(stack[2]), uint32(stack[3]))
	v, ok := fe.ext.ChildStorage(child, k)
	if !ok {
		v = nil
	}
	stack[0] = uint64(fe.writeInto(v, uint32(stack[4]), uint32(stack[5]), uint32(stack[6])))
}

func (fe *FunctionExecutor) hChildStorageRoot(ctx context.Context, mod api.Module, stack []uint64) {
	child := fe.childKey(uint32(stack[0]), uint32(stack[1]))
	root := fe.ext.ChildStorageRoot(child)
	fe.writeMem(uint32(stack[2]), root[:])
}

// --- Hashing ---

func (fe *FunctionExecutor) hBlake2_128(ctx context.Context, mod api.Module, stack []uint64) {
	data := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	h, err := blake2b.New(16, nil)
	if err != nil {
		trap.Wrap(err, "blake2_128")
	}
	h.Write(data)
	digest := h.Sum(nil)
	fe.hash.record(digest, data)
	fe.writeMem(uint32(stack[2]), digest)
}

func (fe *FunctionExecutor) hBlake2_256(ctx context.Context, mod api.Module, stack []uint64) {
	data := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	digest := blake2b.Sum256(data)
	fe.hash.record(digest[:], data)
	fe.writeMem(uint32(stack[2]), digest[:])
}

func (fe *FunctionExecutor) hKeccak256(ctx context.Context, mod api.Module, stack []uint64) {
	data := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	digest := h.Sum(nil)
	fe.hash.record(digest, data)
	fe.writeMem(uint32(stack[2]), digest)
}

// twox replicates the Substrate "twox" scheme: N independently-seeded
// xxHash64 passes over the same input, concatenated little-endian to
// reach the requested width. Seed i is simply i, matching the upstream
// convention of seeding round i with its own index.
func twox(data []byte, rounds int) []byte {
	out := make([]byte, 0, rounds*8)
	for i := 0; i < rounds; i++ {
		d := xxhash.NewWithSeed(uint64(i))
		d.Write(data)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], d.Sum64())
		out = append(out, buf[:]...)
	}
	return out
}

func (fe *FunctionExecutor) hTwox64(ctx context.Context, mod api.Module, stack []uint64) {
	data := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	digest := twox(data, 1)
	fe.hash.record(digest, data)
	fe.writeMem(uint32(stack[2]), digest)
}

func (fe *FunctionExecutor) hTwox128(ctx context.Context, mod api.Module, stack []uint64) {
	data := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	digest := twox(data, 2)
	fe.hash.record(digest, data)
	fe.writeMem(uint32(stack[2]), digest)
}

func (fe *FunctionExecutor) hTwox256(ctx context.Context, mod api.Module, stack []uint64) {
	data := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	digest := twox(data, 4)
	fe.hash.record(digest, data)
	fe.writeMem(uint32(stack[2]), digest)
}

// hEnumeratedTrieRoot implements spec.md §4.3 "Enumerated trie root":
// prefix-sum the length table to derive offsets into the values blob,
// then defer the actual hashing to the externalities.
func (fe *FunctionExecutor) hEnumeratedTrieRoot(ctx context.Context, mod api.Module, stack []uint64) {
	valuesPtr := uint32(stack[0])
	lensPtr := uint32(stack[1])
	lensLen := uint32(stack[2])
	outPtr := uint32(stack[3])

	if lensLen%4 != 0 {
		trap.Now("enumerated trie root: length table not a multiple of 4 bytes")
	}
	count := lensLen / 4
	lensBlob := fe.readMem(lensPtr, lensLen)

	lengths := make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		lengths[i] = binary.LittleEndian.Uint32(lensBlob[i*4 : i*4+4])
	}

	var total uint64
	for _, l := range lengths {
		total += uint64(l)
	}
	blob := fe.readMem(valuesPtr, uint32(total))

	values := make([][]byte, count)
	var offset uint32
	for i, l := range lengths {
		values[i] = blob[offset : offset+l]
		offset += l
	}

	root := fe.ext.OrderedTrieRoot(values)
	fe.writeMem(outPtr, root[:])
}

// --- Signatures ---

func (fe *FunctionExecutor) hEd25519Verify(ctx context.Context, mod api.Module, stack []uint64) {
	msg := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	sig := fe.readMem(uint32(stack[2]), 64)
	pub := fe.readMem(uint32(stack[3]), 32)

	if ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		stack[0] = 0
	} else {
		stack[0] = 5
	}
}

func (fe *FunctionExecutor) hSr25519Verify(ctx context.Context, mod api.Module, stack []uint64) {
	msg := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	sigBytes := fe.readMem(uint32(stack[2]), 64)
	pubBytes := fe.readMem(uint32(stack[3]), 32)

	var pubArr [32]byte
	copy(pubArr[:], pubBytes)
	pub := &(schnorrkel.PublicKey{})
	if err := pub.Decode(pubArr); err != nil {
		stack[0] = 5
		return
	}

	var sigArr [64]byte
	copy(sigArr[:], sigBytes)
	var sig schnorrkel.Signature
	if err := sig.Decode(sigArr); err != nil {
		stack[0] = 5
		return
	}

	transcript := schnorrkel.NewSigningContext([]byte("substrate"), msg)
	ok, err := pub.Verify(&sig, transcript)
	if err != nil || !ok {
		stack[0] = 5
		return
	}
	stack[0] = 0
}

// hEcdsaRecover implements spec.md §4.3 "ECDSA recover" exactly: r||s||v
// signature, Ethereum-style v normalization, three distinct failure codes
// (1 signature-parse, 2 recovery-id-parse, 3 recovery failure).
func (fe *FunctionExecutor) hEcdsaRecover(ctx context.Context, mod api.Module, stack []uint64) {
	msg := fe.readMem(uint32(stack[0]), 32)
	sig := fe.readMem(uint32(stack[1]), 65)
	outPtr := uint32(stack[2])

	r := new(secp256k1.ModNScalar)
	if overflow := r.SetByteSlice(sig[0:32]); overflow {
		stack[0] = 1
		return
	}
	s := new(secp256k1.ModNScalar)
	if overflow := s.SetByteSlice(sig[32:64]); overflow {
		stack[0] = 1
		return
	}

	v := sig[64]
	if v > 26 {
		v -= 27
	}
	if v > 2 {
		stack[0] = 2
		return
	}

	compact := make([]byte, 65)
	compact[0] = v + 27
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, msg)
	if err != nil {
		stack[0] = 3
		return
	}

	uncompressed := pub.SerializeUncompressed()
	fe.writeMem(outPtr, uncompressed[1:])
	stack[0] = 0
}

// --- Misc ---

func (fe *FunctionExecutor) hChainID(ctx context.Context, mod api.Module, stack []uint64) {
	stack[0] = fe.ext.ChainID()
}

func (fe *FunctionExecutor) hSubmitExtrinsic(ctx context.Context, mod api.Module, stack []uint64) {
	extrinsic := fe.readMem(uint32(stack[0]), uint32(stack[1]))
	if err := fe.ext.SubmitExtrinsic(extrinsic); err != nil {
		trap.Wrap(err, "submit_extrinsic")
	}
}

// --- Sandbox ---

func (fe *FunctionExecutor) hSandboxMemoryNew(ctx context.Context, mod api.Module, stack []uint64) {
	h, err := fe.store.NewMemory(uint32(stack[0]), uint32(stack[1]))
	if err != nil {
		trap.Wrap(err, "sandbox_memory_new")
	}
	stack[0] = uint64(h)
}

func (fe *FunctionExecutor) hSandboxMemoryGet(ctx context.Context, mod api.Module, stack []uint64) {
	status := fe.store.MemoryGet(sandbox.MemoryHandle(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]))
	stack[0] = uint64(status)
}

func (fe *FunctionExecutor) hSandboxMemorySet(ctx context.Context, mod api.Module, stack []uint64) {
	status := fe.store.MemorySet(sandbox.MemoryHandle(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]))
	stack[0] = uint64(status)
}

func (fe *FunctionExecutor) hSandboxMemoryTeardown(ctx context.Context, mod api.Module, stack []uint64) {
	if err := fe.store.MemoryTeardown(ctx, sandbox.MemoryHandle(stack[0])); err != nil {
		trap.Wrap(err, "sandbox_memory_teardown")
	}
}

func (fe *FunctionExecutor) hSandboxInstantiate(ctx context.Context, mod api.Module, stack []uint64) {
	thunkIndex := uint32(stack[0])
	wasm := fe.readMem(uint32(stack[1]), uint32(stack[2]))
	envDef := fe.readMem(uint32(stack[3]), uint32(stack[4]))
	state := uint32(stack[5])

	h, errCode := fe.store.Instantiate(ctx, thunkIndex, wasm, envDef, state)
	if errCode != sandbox.InvokeOK {
		stack[0] = uint64(errCode)
		return
	}
	stack[0] = uint64(h)
}

func (fe *FunctionExecutor) hSandboxInstanceTeardown(ctx context.Context, mod api.Module, stack []uint64) {
	if err := fe.store.InstanceTeardown(ctx, sandbox.InstanceHandle(stack[0])); err != nil {
		trap.Wrap(err, "sandbox_instance_teardown")
	}
}

func (fe *FunctionExecutor) hSandboxInvoke(ctx context.Context, mod api.Module, stack []uint64) {
	h := sandbox.InstanceHandle(stack[0])
	exportName := string(fe.readMem(uint32(stack[1]), uint32(stack[2])))
	args := fe.readMem(uint32(stack[3]), uint32(stack[4]))
	returnPtr := uint32(stack[5])
	returnLen := uint32(stack[6])
	state := uint32(stack[7])

	status, err := fe.store.Invoke(ctx, h, exportName, args, returnPtr, returnLen, state)
	if err != nil {
		trap.Wrap(err, "sandbox_invoke")
	}
	stack[0] = uint64(status)
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
