package sandbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/juniuszhou/substrate-sub003/codec"
	"github.com/juniuszhou/substrate-sub003/sandbox"
)

// fakeSupervisor is a minimal Supervisor backed by an in-process wazero
// module exporting its own memory and a one-slot indirect table holding a
// dispatch thunk, enough to drive Store.Instantiate end to end.
type fakeSupervisor struct {
	ctx      context.Context
	runtime  wazero.Runtime
	module   api.Module
	thunk    api.Function
	nextPtr  uint32
}

func (f *fakeSupervisor) Allocate(size uint32) (uint32, error) {
	p := f.nextPtr
	f.nextPtr += size + 64
	return p, nil
}

func (f *fakeSupervisor) Deallocate(uint32) error { return nil }

func (f *fakeSupervisor) Memory() api.Memory { return f.module.Memory() }

func (f *fakeSupervisor) TableFunction(index uint32) (api.Function, error) {
	return f.thunk, nil
}

func newFakeSupervisor(t *testing.T, ctx context.Context) *fakeSupervisor {
	t.Helper()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())

	// A dispatch thunk that always reports a host error, so any sandboxed
	// import dispatched through it fails; the tests using this supervisor
	// do not dispatch through it.
	_, err := r.NewHostModuleBuilder("thunkhost").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunction(func(ctx context.Context, mod api.Module, stack []uint64) {
			result := codec.Result{Ok: false, Err: codec.HostError(9)}
			encoded := codec.EncodeResult(result)
			ptr := uint32(stack[0])
			mod.Memory().Write(ptr, encoded)
			stack[0] = uint64(ptr) | uint64(len(encoded))<<32
		}), []api.ValueType{api.ValueTypeI64, api.ValueTypeI64, api.ValueTypeI64, api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
		Export("thunk").
		Instantiate(ctx)
	require.NoError(t, err)

	module, err := r.InstantiateModule(ctx, mustCompile(t, ctx, r, thunkWat), wazero.NewModuleConfig().WithName("supervisor"))
	require.NoError(t, err)

	return &fakeSupervisor{
		ctx:     ctx,
		runtime: r,
		module:  module,
		thunk:   module.ExportedFunction("thunk"),
		nextPtr: 1024,
	}
}

func mustCompile(t *testing.T, ctx context.Context, r wazero.Runtime, wat []byte) wazero.CompiledModule {
	t.Helper()
	compiled, err := r.CompileModule(ctx, wat)
	require.NoError(t, err)
	return compiled
}

// thunkWat is a supervisor module exporting its own linear memory and a
// thunk function that forwards straight into the host import, matching
// the shape dispatchClosure expects to call against.
var thunkWat = []byte(`(module
  (import "thunkhost" "thunk" (func $thunk (param i64 i64 i64 i64) (result i64)))
  (memory (export "memory") 2)
  (func (export "thunk") (param i64 i64 i64 i64) (result i64)
    local.get 0
    local.get 1
    local.get 2
    local.get 3
    call $thunk)
)`)

func TestNewMemoryRejectsInvertedBounds(t *testing.T) {
	ctx := context.Background()
	sup := newFakeSupervisor(t, ctx)
	defer sup.module.Close(ctx)

	store := sandbox.NewStore(ctx, sup)
	defer store.Close(ctx)

	require.Panics(t, func() {
		_, _ = store.NewMemory(4, 2)
	})
}

func TestMemoryGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	sup := newFakeSupervisor(t, ctx)
	defer sup.module.Close(ctx)

	store := sandbox.NewStore(ctx, sup)
	defer store.Close(ctx)

	h, err := store.NewMemory(1, sandbox.Unlimited)
	require.NoError(t, err)

	payload := []byte("hello sandbox")
	srcPtr := uint32(2048)
	require.True(t, sup.Memory().Write(srcPtr, payload))

	status := store.MemorySet(h, 0, srcPtr, uint32(len(payload)))
	require.Equal(t, sandbox.StatusOK, status)

	dstPtr := uint32(4096)
	status = store.MemoryGet(h, 0, dstPtr, uint32(len(payload)))
	require.Equal(t, sandbox.StatusOK, status)

	got, ok := sup.Memory().Read(dstPtr, uint32(len(payload)))
	require.True(t, ok)
	require.Equal(t, payload, got)
}

func TestMemoryGetOutOfBounds(t *testing.T) {
	ctx := context.Background()
	sup := newFakeSupervisor(t, ctx)
	defer sup.module.Close(ctx)

	store := sandbox.NewStore(ctx, sup)
	defer store.Close(ctx)

	h, err := store.NewMemory(1, sandbox.Unlimited)
	require.NoError(t, err)

	status := store.MemoryGet(h, 0, 0, 1<<20)
	require.Equal(t, sandbox.StatusOutOfBounds, status)
}

func TestMemoryTeardownRejectsDoubleTeardown(t *testing.T) {
	ctx := context.Background()
	sup := newFakeSupervisor(t, ctx)
	defer sup.module.Close(ctx)

	store := sandbox.NewStore(ctx, sup)
	defer store.Close(ctx)

	h, err := store.NewMemory(1, sandbox.Unlimited)
	require.NoError(t, err)

	require.NoError(t, store.MemoryTeardown(ctx, h))
	require.Error(t, store.MemoryTeardown(ctx, h))
}

func TestInstantiateUnknownImportFailsAsErrModule(t *testing.T) {
	ctx := context.Background()
	sup := newFakeSupervisor(t, ctx)
	defer sup.module.Close(ctx)

	store := sandbox.NewStore(ctx, sup)
	defer store.Close(ctx)

	sandboxed := []byte(`(module
	  (import "env" "missing" (func $missing (result i32)))
	  (func (export "run") (result i32) call $missing)
	)`)

	envDef := codec.EncodeEnvDef([]codec.EnvDefEntry{
		{ModuleName: "env", FieldName: "present_but_not_matching_signature", Kind: codec.EntityFunction, Index: 0},
	})

	_, errCode := store.Instantiate(ctx, 0, sandboxed, envDef, 0)
	require.Equal(t, sandbox.ErrModule, errCode)
}

func TestInstanceTeardownRejectsUnknownHandle(t *testing.T) {
	ctx := context.Background()
	sup := newFakeSupervisor(t, ctx)
	defer sup.module.Close(ctx)

	store := sandbox.NewStore(ctx, sup)
	defer store.Close(ctx)

	require.Error(t, store.InstanceTeardown(ctx, sandbox.InstanceHandle(7)))
}

// newEchoSupervisor builds a supervisor whose dispatch thunk decodes the
// incoming typed-value argument list, adds one to the first i32 value, and
// returns it, implementing spec.md §8 scenario 5 ("env.echo" bound to a
// dispatch thunk that returns its argument + 1).
func newEchoSupervisor(t *testing.T, ctx context.Context) *fakeSupervisor {
	t.Helper()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())

	_, err := r.NewHostModuleBuilder("thunkhost").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunction(func(ctx context.Context, mod api.Module, stack []uint64) {
			argsPtr := uint32(stack[0])
			argsLen := uint32(stack[1])

			argsBlob, ok := mod.Memory().Read(argsPtr, argsLen)
			require.True(t, ok)
			values, decErr := codec.DecodeValues(argsBlob)
			require.NoError(t, decErr)
			require.Len(t, values, 1)

			echoed := codec.Value{Type: codec.ValueTypeI32, Bits: values[0].Bits + 1}
			result := codec.Result{Ok: true, Value: &echoed}
			encoded := codec.EncodeResult(result)

			outPtr := argsPtr + argsLen + 64
			require.True(t, mod.Memory().Write(outPtr, encoded))
			stack[0] = uint64(outPtr) | uint64(len(encoded))<<32
		}), []api.ValueType{api.ValueTypeI64, api.ValueTypeI64, api.ValueTypeI64, api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
		Export("thunk").
		Instantiate(ctx)
	require.NoError(t, err)

	module, err := r.InstantiateModule(ctx, mustCompile(t, ctx, r, thunkWat), wazero.NewModuleConfig().WithName("supervisor"))
	require.NoError(t, err)

	return &fakeSupervisor{
		ctx:     ctx,
		runtime: r,
		module:  module,
		thunk:   module.ExportedFunction("thunk"),
		nextPtr: 4096,
	}
}

// TestSandboxEcho implements spec.md §8 scenario 5: a sandboxed module
// imports env.echo(i32)->i32 bound to a dispatch thunk that adds one;
// calling its exported do(41) must return 42. A memory handle left out of
// env_def must still be teardown-able once, and a second teardown must
// fail.
func TestSandboxEcho(t *testing.T) {
	ctx := context.Background()
	sup := newEchoSupervisor(t, ctx)
	defer sup.module.Close(ctx)

	store := sandbox.NewStore(ctx, sup)
	defer store.Close(ctx)

	unusedMem, err := store.NewMemory(1, sandbox.Unlimited)
	require.NoError(t, err)

	sandboxed := []byte(`(module
	  (import "env" "echo" (func $echo (param i32) (result i32)))
	  (func (export "do") (param i32) (result i32)
	    local.get 0
	    call $echo)
	)`)

	envDef := codec.EncodeEnvDef([]codec.EnvDefEntry{
		{ModuleName: "env", FieldName: "echo", Kind: codec.EntityFunction, Index: 0},
	})

	h, errCode := store.Instantiate(ctx, 0, sandboxed, envDef, 0)
	require.Equal(t, sandbox.InvokeOK, errCode)

	args := codec.EncodeValues([]codec.Value{{Type: codec.ValueTypeI32, Bits: 41}})
	argsPtr := uint32(8192)
	require.True(t, sup.Memory().Write(argsPtr, args))

	returnPtr := uint32(16384)
	status, invokeErr := store.Invoke(ctx, h, "do", args, returnPtr, 64, 0)
	require.NoError(t, invokeErr)
	require.Equal(t, sandbox.InvokeOK, status)

	encoded, ok := sup.Memory().Read(returnPtr, 64)
	require.True(t, ok)
	result, decErr := codec.DecodeResult(encoded)
	require.NoError(t, decErr)
	require.True(t, result.Ok)
	require.Equal(t, uint64(42), result.Value.Bits)

	require.NoError(t, store.MemoryTeardown(ctx, unusedMem))
	require.Error(t, store.MemoryTeardown(ctx, unusedMem))
}
