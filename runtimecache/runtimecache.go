// Package runtimecache implements the Module Cache and Native Dispatch
// Policy of spec.md §4.5: a per-goroutine cache of compiled modules keyed
// by a 32-byte code hash, with the miss-path version probe and the
// native/WASM per-call decision table. "Per-OS-thread" in the original
// design becomes "per goroutine that owns a *Cache" here, since wazero's
// compiled modules and runtimes are not safe to share (spec.md §5,
// SPEC_FULL.md §5): a Cache must not cross goroutines.
package runtimecache

import (
	"context"

	"github.com/tetratelabs/wazero"

	"github.com/juniuszhou/substrate-sub003/codec"
	"github.com/juniuszhou/substrate-sub003/executor"
	"github.com/juniuszhou/substrate-sub003/externalities"
	"github.com/juniuszhou/substrate-sub003/hosterr"
	"github.com/juniuszhou/substrate-sub003/trap"
	"github.com/juniuszhou/substrate-sub003/wasmrun"
)

// entry is one cache slot: either InvalidCode (compiled/instantiate
// failure already recorded) or ValidCode with a compiled module, an
// optional on-chain runtime version, and the still-open FunctionExecutor
// whose "env" host module registration the compiled module's every
// subsequent instantiation resolves its imports against (spec.md §3
// "ModuleCache"). fe is never closed until the Cache itself is.
type entry struct {
	invalid  bool
	compiled wazero.CompiledModule
	version  *codec.RuntimeVersion
	fe       *executor.FunctionExecutor
}

// Cache is the per-goroutine module cache. Never share a *Cache across
// goroutines.
type Cache struct {
	runtime wazero.Runtime
	entries map[[32]byte]*entry
}

// New creates an empty cache backed by its own wazero.Runtime namespace.
func New(ctx context.Context) *Cache {
	return &Cache{
		runtime: wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter()),
		entries: make(map[[32]byte]*entry),
	}
}

// Close releases every entry's FunctionExecutor (and the sandbox store it
// owns), then the cache's runtime and every module it compiled.
func (c *Cache) Close(ctx context.Context) error {
	for _, e := range c.entries {
		if e.fe != nil {
			e.fe.Close(ctx)
		}
	}
	return c.runtime.Close(ctx)
}

// VersionsCompatible reports whether a and b are call-compatible per
// spec.md §3: matching spec names and spec versions, and matching u32
// versions for every API both sides reference (SPEC_FULL.md §4.7).
func VersionsCompatible(a, b codec.RuntimeVersion) bool {
	return a.Compatible(b)
}

// NativeFunc is a statically bound native implementation of one method,
// invoked directly rather than through an encoded-bytes dispatch.
type NativeFunc func(ctx context.Context, ext externalities.Externalities) (any, error)

// NativeDispatchTable is the "plug-in lookup table" spec.md §1 calls the
// native dispatcher, in the two shapes §4.5's decision table needs
// (SPEC_FULL.md §4.7): a typed fast path keyed by method name, and a
// name+encoded-bytes path for callers without static result types.
type NativeDispatchTable interface {
	CallTyped(method string) (NativeFunc, bool)
	CallByName(method string, data []byte) ([]byte, bool)
}

// CallResult is the outcome of Call: either path's result plus whether
// the native path was taken (spec.md §4.5, §7 "used native flag").
type CallResult struct {
	NativeValue any
	WASMValue   []byte
	UsedNative  bool
}

// codeHash is whatever the externalities expose as their default hash,
// obtained via OriginalStorageHash on the well-known "code" key (spec.md
// §4.5 "Key").
func codeHash(ext externalities.Externalities) ([32]byte, bool) {
	return ext.OriginalStorageHash([]byte(externalities.CodeKey))
}

// lookupOrPopulate implements spec.md §4.5 "Miss path": on a cache miss,
// fetch the code bytes, parse, grow memory, run the start function and
// probe Core_version with an empty input (ptr 0, len 0), decoding its
// returned bytes before the probe guest is closed, then cache the outcome.
// The probing call's
// FunctionExecutor — and the "env" host module registration its Table()
// produced on c.runtime — is kept alive in the entry rather than closed:
// every later call against this code reuses it via wasmrun.Attach
// (executor.FunctionExecutor.Rebind), since c.runtime rejects registering
// a second "env" host module.
func (c *Cache) lookupOrPopulate(ctx context.Context, ext externalities.Externalities, hash [32]byte) *entry {
	if e, ok := c.entries[hash]; ok {
		return e
	}

	codeBytes, ok := ext.OriginalStorage([]byte(externalities.CodeKey))
	if !ok {
		e := &entry{invalid: true}
		c.entries[hash] = e
		return e
	}

	heapPages := wasmrun.DefaultHeapPages(ext)

	fe := executor.New(ctx, 0, defaultMaxHeapSize, ext, nil)
	guest, err := wasmrun.Load(ctx, c.runtime, codeBytes, fe, wasmrun.Config{HeapPages: heapPages})
	if err != nil {
		fe.Close(ctx)
		e := &entry{invalid: true}
		c.entries[hash] = e
		return e
	}

	var version *codec.RuntimeVersion
	if probe := guest.Module().ExportedFunction("Core_version"); probe != nil {
		if results, callErr := probe.Call(ctx, 0, 0); callErr == nil && len(results) > 0 {
			raw := decodePackedBytes(guest, results[0])
			if v, decErr := codec.DecodeRuntimeVersion(raw); decErr == nil {
				version = &v
			}
		}
	}

	compiled, compileErr := c.runtime.CompileModule(ctx, codeBytes)
	guest.Close(ctx)
	if compileErr != nil {
		fe.Close(ctx)
		e := &entry{invalid: true}
		c.entries[hash] = e
		return e
	}

	e := &entry{compiled: compiled, version: version, fe: fe}
	c.entries[hash] = e
	return e
}

// decodePackedBytes reads the byte payload a guest export points at via the
// (len<<32)|ptr convention (pointer in the low 32 bits, length in the high);
// this mirrors the sandbox dispatch thunk's return convention (spec.md
// §4.4 step 4) applied to top-level exported calls.
func decodePackedBytes(guest *wasmrun.Guest, packed uint64) []byte {
	ptr := uint32(packed)
	length := uint32(packed >> 32)
	data, ok := guest.Module().Memory().Read(ptr, length)
	if !ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}

const defaultMaxHeapSize = 1 << 24

// Call implements spec.md §4.5's per-call decision table: resolve the
// code hash, populate or reuse the cache entry, then choose native vs
// WASM execution per useNative, the cached version's presence/
// compatibility with nativeVersion, and whether native provides this
// method.
func (c *Cache) Call(ctx context.Context, ext externalities.Externalities, method string, data []byte, useNative bool, nativeVersion codec.RuntimeVersion, native NativeDispatchTable) (CallResult, error) {
	hash, ok := codeHash(ext)
	if !ok {
		return CallResult{}, hosterr.New(hosterr.KindInvalidCode, "no code installed under the well-known code key")
	}

	e := c.lookupOrPopulate(ctx, ext, hash)
	if e.invalid {
		code, _ := ext.OriginalStorage([]byte(externalities.CodeKey))
		return CallResult{}, hosterr.WithCode(hosterr.KindInvalidCode, "cached code failed to compile or instantiate", code)
	}

	compatible := useNative && e.version != nil && VersionsCompatible(*e.version, nativeVersion)

	if compatible && native != nil {
		if fn, ok := native.CallTyped(method); ok {
			value, err := c.invokeNativeTyped(ctx, ext, fn)
			if err != nil {
				return CallResult{}, err
			}
			return CallResult{NativeValue: value, UsedNative: true}, nil
		}
		if out, ok := native.CallByName(method, data); ok {
			return CallResult{WASMValue: out, UsedNative: true}, nil
		}
	}

	return c.invokeWASM(ctx, ext, e, method, data)
}

// invokeNativeTyped runs fn under a panic catcher, converting any caught
// panic into a *Runtime error (spec.md §4.5, §9 "Panic/trap boundary").
func (c *Cache) invokeNativeTyped(ctx context.Context, ext externalities.Externalities, fn NativeFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = trap.Recover(r)
		}
	}()
	return fn(ctx, ext)
}

// invokeWASM runs method through the cached WASM module, marking the
// result as not-native. It reuses e.fe — the FunctionExecutor whose
// Table() is already registered as c.runtime's "env" host module, from
// the cache-populating call — rather than building a second, unregistered
// FunctionExecutor: a guest instantiated against any other FunctionExecutor
// would resolve its "env" imports to e.fe's closures anyway, operating on
// whatever call e.fe was last bound to. wasmrun.Attach instantiates a
// fresh guest module from the cached compiled code, grows its memory to
// the configured heap-page count, and rebinds e.fe to this call's memory,
// indirect table and Externalities before any export runs.
func (c *Cache) invokeWASM(ctx context.Context, ext externalities.Externalities, e *entry, method string, data []byte) (CallResult, error) {
	heapPages := wasmrun.DefaultHeapPages(ext)

	guest, err := wasmrun.Attach(ctx, c.runtime, e.compiled, e.fe, ext, wasmrun.Config{HeapPages: heapPages})
	if err != nil {
		return CallResult{}, err
	}
	defer guest.Close(ctx)

	module := guest.Module()
	fn := module.ExportedFunction(method)
	if fn == nil {
		return CallResult{}, hosterr.New(hosterr.KindMethodNotFound, "no export named "+method)
	}

	ptr, allocErr := e.fe.Allocate(uint32(len(data)))
	if allocErr != nil {
		return CallResult{}, hosterr.Wrap(hosterr.KindRuntime, "allocating call argument buffer", allocErr)
	}
	if len(data) > 0 {
		if !module.Memory().Write(ptr, data) {
			return CallResult{}, hosterr.New(hosterr.KindInvalidMemoryReference, "writing call argument buffer")
		}
	}

	results, callErr := fn.Call(ctx, uint64(ptr), uint64(len(data)))
	if callErr != nil {
		return CallResult{}, hosterr.Wrap(hosterr.KindTrap, "guest call trapped", callErr)
	}
	if len(results) == 0 {
		return CallResult{UsedNative: false}, nil
	}

	out := decodePackedBytes(guest, results[0])
	if out == nil {
		return CallResult{}, hosterr.New(hosterr.KindInvalidMemoryReference, "reading call return buffer")
	}

	return CallResult{WASMValue: out, UsedNative: false}, nil
}
