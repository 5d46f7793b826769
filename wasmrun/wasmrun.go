// Package wasmrun implements the WASM Executor of spec.md §2/§4 component
// E: loads a compiled module, grows its memory to the configured heap-page
// count, instantiates it against the host function table, invokes exported
// entry points, and restores guest memory to its pre-call state on every
// exit path (spec.md §5 "memory cleanup invariant"), grounded on the
// teacher's examples/allocation/tinygo idiom of growing memory then
// invoking an exported function through api.Module.
package wasmrun

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/juniuszhou/substrate-sub003/executor"
	"github.com/juniuszhou/substrate-sub003/externalities"
	"github.com/juniuszhou/substrate-sub003/hostabi"
	"github.com/juniuszhou/substrate-sub003/hosterr"
)

const pageSize = 65536

// Table adapts a wazero-instantiated module's exported indirect function
// table into the executor.Table interface the nested sandbox needs to
// resolve a dispatch thunk by value (spec.md §4.4).
//
// wazero's public api.Module does not expose table access directly in the
// version this repo targets (the retrieved teacher snapshot shows this as
// an explicit unimplemented TODO); exported-function-per-slot is the
// portable workaround used here: the guest is expected to export each
// table slot it wants addressable as `__indirect_function_<index>`, the
// convention tinygo-style allocator guests already use for malloc/free
// (examples/allocation/tinygo/greet.go). This is recorded as an open
// assumption in DESIGN.md.
type Table struct {
	module api.Module
}

// NewTable wraps module's exported indirect-function convention.
func NewTable(module api.Module) *Table { return &Table{module: module} }

func (t *Table) Function(index uint32) (api.Function, error) {
	name := indirectExportName(index)
	fn := t.module.ExportedFunction(name)
	if fn == nil {
		return nil, hosterr.New(hosterr.KindInvalidIndex, "no indirect function export at index "+itoa(index))
	}
	return fn, nil
}

func indirectExportName(index uint32) string {
	return "__indirect_function_" + itoa(index)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Guest is one loaded, instantiated guest module plus the high-water marks
// needed to restore its memory after a call.
type Guest struct {
	module     api.Module
	fe         *executor.FunctionExecutor
	lowestUsed uint32
	usedSize   uint32
	heapPages  uint64
}

// Config controls how a module is loaded and instantiated.
type Config struct {
	HeapPages uint64
}

// Load compiles wasmBytes, registers the "env" host namespace built from
// fns (whose handlers close over a *executor.FunctionExecutor with memory
// not yet bound), instantiates the module (running its start function, if
// any), grows its memory to cfg.HeapPages 64 KiB pages, binds the
// executor's memory and indirect-table adapters, and records the
// resulting memory high-water mark as the call's baseline (spec.md §5).
//
// fe must be the same FunctionExecutor whose Table() produced fns;
// Load calls fe.BindMemory and fe.BindTable once the guest module exists.
// Callers that want to reuse r's compiled module across many subsequent
// calls must keep fe alive (never fe.Close it) and use Attach for those
// calls instead of calling Load again — r rejects registering a second
// "env" host module.
func Load(ctx context.Context, r wazero.Runtime, wasmBytes []byte, fe *executor.FunctionExecutor, cfg Config) (*Guest, error) {
	if _, err := hostabi.Register(ctx, r, fe.Table()); err != nil {
		return nil, hosterr.Wrap(hosterr.KindWasmi, "registering host function table", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, hosterr.WithCode(hosterr.KindInvalidCode, "compiling guest module", wasmBytes)
	}

	module, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindWasmi, "instantiating guest module", err)
	}

	if err := growMemory(module.Memory(), cfg.HeapPages); err != nil {
		return nil, err
	}

	fe.BindMemory(module.Memory())
	fe.BindTable(NewTable(module))

	return newGuest(ctx, module, fe, cfg), nil
}

// Attach instantiates an already-compiled module against fe without
// touching "env" host module registration, rebinding fe's memory,
// indirect table and Externalities to this call (executor.Rebind). Use
// this for every call after the one that populated a ModuleCache entry
// via Load: the compiled module is reused many times against different
// chain state (spec.md §4.5), but "env" — and the closures fe.Table()
// handed to it — is registered on r exactly once, at Load time.
func Attach(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule, fe *executor.FunctionExecutor, ext externalities.Externalities, cfg Config) (*Guest, error) {
	module, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, hosterr.Wrap(hosterr.KindWasmi, "instantiating cached guest module", err)
	}

	if err := growMemory(module.Memory(), cfg.HeapPages); err != nil {
		return nil, err
	}

	if err := fe.Rebind(ctx, ext, module.Memory(), NewTable(module)); err != nil {
		return nil, hosterr.Wrap(hosterr.KindRuntime, "rebinding function executor for cached call", err)
	}

	return newGuest(ctx, module, fe, cfg), nil
}

// growMemory grows mem to heapPages 64 KiB pages if it isn't already
// that large.
func growMemory(mem api.Memory, heapPages uint64) error {
	wantBytes := heapPages * pageSize
	currentPages := uint64(mem.Size()) / pageSize
	wantPages := wantBytes / pageSize
	if wantPages > currentPages {
		if _, ok := mem.Grow(uint32(wantPages - currentPages)); !ok {
			return hosterr.New(hosterr.KindRuntime, "growing guest memory to configured heap size failed")
		}
	}
	return nil
}

func newGuest(ctx context.Context, module api.Module, fe *executor.FunctionExecutor, cfg Config) *Guest {
	return &Guest{
		module:     module,
		fe:         fe,
		lowestUsed: heapBase(ctx, module),
		usedSize:   module.Memory().Size(),
		heapPages:  cfg.HeapPages,
	}
}

// heapBase returns the guest's declared start-of-heap offset, the
// toolchain convention (an exported "__heap_base" global) that marks where
// static data ends and the allocator's region begins. Bytes below it are
// the guest's own statics and must survive across calls; only bytes from
// here up are zeroed by restoreMemory. Guests that don't export it fall
// back to 0, meaning the whole linear memory is zeroed every call.
func heapBase(ctx context.Context, module api.Module) uint32 {
	g := module.ExportedGlobal("__heap_base")
	if g == nil {
		return 0
	}
	return uint32(g.Get(ctx))
}

// Module returns the underlying instantiated module, for callers needing
// to build an executor.FunctionExecutor or a sandbox Table over it.
func (g *Guest) Module() api.Module { return g.module }

// Invoke calls the named export with args and returns its single i64
// result, if any, running the memory-restore scope guard on every exit
// path regardless of success, trap, or host error (spec.md §9
// "Scope-guarded resource release").
func (g *Guest) Invoke(ctx context.Context, name string, args ...uint64) (result uint64, hasResult bool, err error) {
	defer g.restoreMemory()

	fn := g.module.ExportedFunction(name)
	if fn == nil {
		return 0, false, hosterr.New(hosterr.KindMethodNotFound, "no export named "+name)
	}

	results, callErr := fn.Call(ctx, args...)
	if callErr != nil {
		return 0, false, hosterr.Wrap(hosterr.KindTrap, "guest call trapped", callErr)
	}
	if len(results) == 0 {
		return 0, false, nil
	}
	return results[0], true, nil
}

// restoreMemory implements spec.md §5's "memory cleanup invariant": bytes
// below the call's pre-call high-water mark are left untouched; bytes
// between the pre-call and post-call marks are zeroed so a reused
// instance starts its next call with deterministic contents.
func (g *Guest) restoreMemory() {
	g.fe.ResetHeap()

	mem := g.module.Memory()
	size := mem.Size()
	if size <= g.lowestUsed {
		return
	}
	zero := make([]byte, size-g.lowestUsed)
	mem.Write(g.lowestUsed, zero)
}

// Close releases the guest module's resources.
func (g *Guest) Close(ctx context.Context) error {
	return g.module.Close(ctx)
}

// DefaultHeapPages resolves the configured heap-page count from
// externalities per spec.md §6.4, falling back to the default when the
// "heap_pages" key is absent or fails to decode.
func DefaultHeapPages(ext externalities.Externalities) uint64 {
	raw, ok := ext.Storage([]byte(externalities.HeapPagesKey))
	if !ok || len(raw) != 8 {
		return externalities.DefaultHeapPages
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}
	return v
}
