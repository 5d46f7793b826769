// Package hostabi declares the fixed "env" host function namespace
// (spec.md §4.2, §6.1) as a table of records rather than per-function
// boilerplate, mirroring the teacher's HostModuleBuilder idiom (declare
// name + signature + closure, register once) and the "declarative table"
// rendering spec.md §9 asks for of the original macro-generated dispatch.
package hostabi

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Handler services one host function call. stack holds the raw WASM
// argument/result values in wazero's positional convention: on entry,
// stack[i] holds parameter i (reinterpret per ValueType); on return,
// handlers that produce a value write it to stack[0].
type Handler func(ctx context.Context, mod api.Module, stack []uint64)

// Func is one entry in the host function table: its name within module
// "env", its signature, and the closure that services calls to it. Entries
// are built by executor.Table so the handler closures can capture a
// *executor.FunctionExecutor without this package importing it.
type Func struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Handler Handler
}

// Register instantiates every entry in fns as a single "env" host module
// on r. Import resolution (spec.md §4.2 "Import resolution contract") is
// wazero's own: a guest import whose declared signature does not match
// Params/Results fails instantiation with an Instantiation error, exactly
// as the table-driven contract requires.
func Register(ctx context.Context, r wazero.Runtime, fns []Func) (api.Module, error) {
	builder := r.NewHostModuleBuilder("env")
	for _, fn := range fns {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunction(fn.Handler), fn.Params, fn.Results).
			Export(fn.Name)
	}
	return builder.Instantiate(ctx)
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// Params/Results helpers keep the call sites in executor.Table terse and
// visually aligned with spec.md §6.1's signatures.
func P(types ...api.ValueType) []api.ValueType { return types }
func R(types ...api.ValueType) []api.ValueType { return types }

// I32 and I64 re-export the value type constants this package's callers
// need without importing the wazero api package themselves for just that.
func I32() api.ValueType { return i32 }
func I64() api.ValueType { return i64 }
