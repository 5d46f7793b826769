package wasmrun_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/juniuszhou/substrate-sub003/executor"
	"github.com/juniuszhou/substrate-sub003/externalities"
	"github.com/juniuszhou/substrate-sub003/wasmrun"
)

type noopExternalities struct{}

func (noopExternalities) SetStorage([]byte, []byte)                     {}
func (noopExternalities) ClearStorage([]byte)                           {}
func (noopExternalities) ExistsStorage([]byte) bool                     { return false }
func (noopExternalities) ClearPrefix([]byte)                            {}
func (noopExternalities) Storage([]byte) ([]byte, bool)                 { return nil, false }
func (noopExternalities) StorageRoot() [32]byte                         { return [32]byte{} }
func (noopExternalities) StorageChangesRoot([32]byte, uint64) ([32]byte, bool) {
	return [32]byte{}, false
}
func (noopExternalities) OriginalStorage([]byte) ([]byte, bool)         { return nil, false }
func (noopExternalities) OriginalStorageHash([]byte) ([32]byte, bool)   { return [32]byte{}, false }
func (noopExternalities) SetChildStorage(externalities.ChildStorageKey, []byte, []byte) {}
func (noopExternalities) ClearChildStorage(externalities.ChildStorageKey, []byte)        {}
func (noopExternalities) KillChildStorage(externalities.ChildStorageKey)                 {}
func (noopExternalities) ExistsChildStorage(externalities.ChildStorageKey, []byte) bool {
	return false
}
func (noopExternalities) ChildStorage(externalities.ChildStorageKey, []byte) ([]byte, bool) {
	return nil, false
}
func (noopExternalities) ChildStorageRoot(externalities.ChildStorageKey) [32]byte {
	return [32]byte{}
}
func (noopExternalities) OrderedTrieRoot([][]byte) [32]byte { return [32]byte{} }
func (noopExternalities) ChainID() uint64                   { return 1 }
func (noopExternalities) SubmitExtrinsic([]byte) error      { return nil }

func TestLoadGrowsMemoryToConfiguredHeapPages(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer r.Close(ctx)

	wasmBytes := []byte(`(module (memory (export "memory") 1))`)

	fe := executor.New(ctx, 0, 1<<20, noopExternalities{}, nil)
	defer fe.Close(ctx)

	guest, err := wasmrun.Load(ctx, r, wasmBytes, fe, wasmrun.Config{HeapPages: 4})
	require.NoError(t, err)
	defer guest.Close(ctx)

	require.Equal(t, uint32(4*65536), guest.Module().Memory().Size())
}

func TestInvokeZeroesMemoryAboveBaseline(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer r.Close(ctx)

	wasmBytes := []byte(`(module
	  (memory (export "memory") 1)
	  (func (export "touch") (result i32)
	    i32.const 100
	    i32.const 99
	    i32.store8
	    i32.const 0)
	)`)

	fe := executor.New(ctx, 0, 1<<20, noopExternalities{}, nil)
	defer fe.Close(ctx)

	guest, err := wasmrun.Load(ctx, r, wasmBytes, fe, wasmrun.Config{HeapPages: 1})
	require.NoError(t, err)
	defer guest.Close(ctx)

	_, _, err = guest.Invoke(ctx, "touch")
	require.NoError(t, err)

	b, ok := guest.Module().Memory().Read(100, 1)
	require.True(t, ok)
	require.Equal(t, byte(0), b[0], "memory above baseline should be zeroed after the call")
}

func TestInvokeUnknownExportReturnsMethodNotFound(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer r.Close(ctx)

	wasmBytes := []byte(`(module (memory (export "memory") 1))`)
	fe := executor.New(ctx, 0, 1<<20, noopExternalities{}, nil)
	defer fe.Close(ctx)

	guest, err := wasmrun.Load(ctx, r, wasmBytes, fe, wasmrun.Config{HeapPages: 1})
	require.NoError(t, err)
	defer guest.Close(ctx)

	_, _, err = guest.Invoke(ctx, "does_not_exist")
	require.Error(t, err)
}
