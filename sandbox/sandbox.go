// Package sandbox implements the nested sandbox subsystem of spec.md §4.4:
// a supervisor guest instantiates a second WASM module whose imports are
// resolved not by the host's own function table but by a description the
// supervisor uploads, binding each import to either a supervisor
// indirect-table function (a "dispatch thunk") or a previously created
// sandbox memory.
//
// This is the three-party call cycle spec.md §1 calls the hardest piece:
// supervisor host ⇄ guest ⇄ sandbox ⇄ guest dispatch thunk. It is built
// directly on wazero's public Runtime/HostModuleBuilder API, in the idiom
// demonstrated by the teacher's examples/allocation and builder.go: a
// sandboxed module's imports resolve against modules already registered,
// by name, in the same Runtime — exactly as any two wazero-instantiated
// modules resolve each other.
package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/juniuszhou/substrate-sub003/codec"
	"github.com/juniuszhou/substrate-sub003/hosterr"
	"github.com/juniuszhou/substrate-sub003/trap"
)

// MemoryHandle and InstanceHandle are the small integer handles the
// supervisor guest uses to refer to sandbox objects (spec.md §3
// "SandboxStore"). Handles are never reused after teardown.
type MemoryHandle uint32
type InstanceHandle uint32

// Unlimited is the sentinel maximum-pages value meaning "no upper bound"
// (spec.md §4.4 "new_memory").
const Unlimited = ^uint32(0)

const pageSize = 65536

// Status codes for memory_get/memory_set (spec.md §4.4).
const (
	StatusOK          = uint32(0)
	StatusOutOfBounds = uint32(1)
)

// Error codes for sandbox_instantiate (spec.md §4.4).
const (
	ErrModule    = ^uint32(0)     // 0xFFFFFFFF
	ErrExecution = ^uint32(0) - 1 // 0xFFFFFFFE
)

// Status codes for sandbox_invoke (spec.md §4.4).
const (
	InvokeOK                 = uint32(0)
	InvokeErrExecution       = ErrExecution
	InvokeErrReturnTooSmall  = ^uint32(0) - 2 // 0xFFFFFFFD
)

// Supervisor is the surface the sandbox needs from the outer guest's
// call: its heap, for staging dispatch-call argument/return buffers, its
// memory, and its indirect-function table, to resolve dispatch thunks by
// value at instantiation time (spec.md §4.4 invariants).
type Supervisor interface {
	Allocate(size uint32) (uint32, error)
	Deallocate(ptr uint32) error
	Memory() api.Memory
	TableFunction(index uint32) (api.Function, error)
}

// Memory is a sandbox-owned linear memory. Until it is bound into a
// sandboxed instantiation it is backed by a private Go buffer; once bound,
// memory_get/memory_set operate directly on the real wazero memory the
// bound sandboxed module shares, so reads and writes are live.
type Memory struct {
	minPages, maxPages uint32
	buf                []byte
	bound              *boundMemory
}

type boundMemory struct {
	module api.Module
	mem    api.Memory
}

func (m *Memory) size() uint32 {
	if m.bound != nil {
		return m.bound.mem.Size()
	}
	return uint32(len(m.buf))
}

func (m *Memory) read(offset, length uint32) ([]byte, bool) {
	if m.bound != nil {
		return m.bound.mem.Read(offset, length)
	}
	if uint64(offset)+uint64(length) > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[offset : offset+length], true
}

func (m *Memory) write(offset uint32, v []byte) bool {
	if m.bound != nil {
		return m.bound.mem.Write(offset, v)
	}
	if uint64(offset)+uint64(len(v)) > uint64(len(m.buf)) {
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

// Instance is a nested module instance plus the mapping from its guest
// import index to the supervisor function index that services it, and the
// dispatch thunk captured by value at instantiation time (spec.md §3
// "SandboxInstance", §4.4 invariants).
type Instance struct {
	module            api.Module
	guestToSupervisor []uint32
	thunk             api.Function

	// state is the opaque u32 forwarded verbatim to the dispatch thunk on
	// every import call. Instantiate sets it once for the start function's
	// own dispatches; Invoke overwrites it per call so each invocation can
	// supply its own disambiguating value (spec.md §4.4 invariants).
	state uint32
}

// Store owns nested instances and memories by small integer handle
// (spec.md §3 "SandboxStore"). A Store is exclusive to one top-level call,
// mirroring the FunctionExecutor it belongs to.
type Store struct {
	runtime   wazero.Runtime
	sup       Supervisor
	instances []*Instance
	memories  []*Memory
	seq       uint64
}

// NewStore creates a sandbox store backed by its own child wazero Runtime
// namespace, so sandboxed modules' synthetic import-resolution host
// modules never collide with the supervisor's own module registration.
func NewStore(ctx context.Context, sup Supervisor) *Store {
	return &Store{
		runtime: wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter()),
		sup:     sup,
	}
}

// Close tears down every live nested instance and memory, then the child
// runtime itself. FunctionExecutor.Close and FunctionExecutor.Rebind call
// this.
func (s *Store) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

func (s *Store) nextName(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s#%d", prefix, s.seq)
}

// NewMemory implements spec.md §4.4 "new_memory(initial_pages,
// maximum_pages) → handle | trap".
func (s *Store) NewMemory(initialPages, maximumPages uint32) (MemoryHandle, error) {
	if maximumPages != Unlimited && maximumPages < initialPages {
		trap.Now("sandbox memory: maximum_pages %d less than initial_pages %d", maximumPages, initialPages)
	}
	mem := &Memory{
		minPages: initialPages,
		maxPages: maximumPages,
		buf:      make([]byte, uint64(initialPages)*pageSize),
	}
	s.memories = append(s.memories, mem)
	return MemoryHandle(len(s.memories) - 1), nil
}

func (s *Store) memory(h MemoryHandle) *Memory {
	if int(h) >= len(s.memories) {
		return nil
	}
	return s.memories[h]
}

// MemoryTeardown implements spec.md §4.4 "memory_teardown(handle)": fails
// if the slot is already empty.
func (s *Store) MemoryTeardown(ctx context.Context, h MemoryHandle) error {
	mem := s.memory(h)
	if mem == nil {
		return hosterr.New(hosterr.KindRuntime, "double teardown")
	}
	s.memories[h] = nil
	if mem.bound != nil {
		return mem.bound.module.Close(ctx)
	}
	return nil
}

// MemoryGet implements spec.md §4.4 "memory_get(handle, offset, dst_ptr,
// len)": copies sandbox memory into supervisor memory.
func (s *Store) MemoryGet(h MemoryHandle, offset, dstPtr, length uint32) uint32 {
	mem := s.memory(h)
	if mem == nil {
		return StatusOutOfBounds
	}
	data, ok := mem.read(offset, length)
	if !ok {
		return StatusOutOfBounds
	}
	if !s.sup.Memory().Write(dstPtr, data) {
		return StatusOutOfBounds
	}
	return StatusOK
}

// MemorySet implements spec.md §4.4 "memory_set(handle, offset, src_ptr,
// len)": copies supervisor memory into sandbox memory.
func (s *Store) MemorySet(h MemoryHandle, offset, srcPtr, length uint32) uint32 {
	mem := s.memory(h)
	if mem == nil {
		return StatusOutOfBounds
	}
	data, ok := s.sup.Memory().Read(srcPtr, length)
	if !ok {
		return StatusOutOfBounds
	}
	if !mem.write(offset, data) {
		return StatusOutOfBounds
	}
	return StatusOK
}

// Instantiate implements spec.md §4.4 "instantiate(...)". env_def is the
// length-prefixed list of (module_name, field_name, entity) import
// resolutions described in spec.md §6.3.
func (s *Store) Instantiate(ctx context.Context, dispatchThunkTableIndex uint32, wasmBytes, envDef []byte, state uint32) (InstanceHandle, uint32) {
	thunk, err := s.sup.TableFunction(dispatchThunkTableIndex)
	if err != nil {
		return 0, ErrModule
	}

	entries, err := codec.DecodeEnvDef(envDef)
	if err != nil {
		return 0, ErrModule
	}

	compiled, err := s.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return 0, ErrModule
	}

	sigByImport := map[[2]string]api.FunctionDefinition{}
	for _, def := range compiled.ImportedFunctions() {
		modName, field, _ := def.Import()
		sigByImport[[2]string{modName, field}] = def
	}

	inst := &Instance{thunk: thunk, state: state}

	byModule := map[string][]codec.EnvDefEntry{}
	var order []string
	for _, e := range entries {
		if _, seen := byModule[e.ModuleName]; !seen {
			order = append(order, e.ModuleName)
		}
		byModule[e.ModuleName] = append(byModule[e.ModuleName], e)
	}

	for _, modName := range order {
		builder := s.runtime.NewHostModuleBuilder(modName)
		boundAny := false
		for _, e := range byModule[modName] {
			switch e.Kind {
			case codec.EntityFunction:
				def, ok := sigByImport[[2]string{e.ModuleName, e.FieldName}]
				if !ok {
					return 0, ErrModule
				}
				guestFuncIndex := uint32(len(inst.guestToSupervisor))
				inst.guestToSupervisor = append(inst.guestToSupervisor, e.Index)
				fn := s.dispatchClosure(inst, guestFuncIndex, def.ParamTypes(), def.ResultTypes())
				builder.NewFunctionBuilder().
					WithGoModuleFunction(fn, def.ParamTypes(), def.ResultTypes()).
					Export(e.FieldName)
			case codec.EntityMemory:
				mem := s.memory(MemoryHandle(e.Index))
				if mem == nil {
					return 0, ErrModule
				}
				if mem.bound != nil {
					return 0, ErrModule
				}
				maxPages := mem.maxPages
				if maxPages == Unlimited {
					builder.ExportMemory(e.FieldName, mem.minPages)
				} else {
					builder.ExportMemoryWithMax(e.FieldName, mem.minPages, maxPages)
				}
				boundAny = true
			default:
				return 0, ErrModule
			}
		}
		provider, err := builder.Instantiate(ctx)
		if err != nil {
			return 0, ErrModule
		}
		if boundAny {
			for _, e := range byModule[modName] {
				if e.Kind != codec.EntityMemory {
					continue
				}
				mem := s.memory(MemoryHandle(e.Index))
				realMem := provider.ExportedMemory(e.FieldName)
				realMem.Write(0, mem.buf)
				mem.bound = &boundMemory{module: provider, mem: realMem}
			}
		}
	}

	module, err := s.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(s.nextName("sandboxed")))
	if err != nil {
		return 0, ErrExecution
	}
	inst.module = module

	s.instances = append(s.instances, inst)
	return InstanceHandle(len(s.instances) - 1), InvokeOK
}

// dispatchClosure implements spec.md §4.4 "Call flow": serialize the
// sandboxed import's actual arguments, stage them in the supervisor's
// heap, synchronously invoke the dispatch thunk, then decode its result.
func (s *Store) dispatchClosure(inst *Instance, guestFuncIndex uint32, paramTypes, resultTypes []api.ValueType) api.GoModuleFunction {
	return api.GoModuleFunction(func(ctx context.Context, _ api.Module, stack []uint64) {
		values := make([]codec.Value, len(paramTypes))
		for i, t := range paramTypes {
			values[i] = codec.Value{Type: toCodecType(t), Bits: stack[i]}
		}
		argsBlob := codec.EncodeValues(values)

		argsPtr, err := s.sup.Allocate(uint32(len(argsBlob)))
		if err != nil {
			trap.Wrap(err, "sandbox dispatch: allocating argument buffer")
		}
		if !s.sup.Memory().Write(argsPtr, argsBlob) {
			trap.Now("sandbox dispatch: argument buffer out of bounds")
		}

		supervisorFuncIndex := inst.guestToSupervisor[guestFuncIndex]
		results, callErr := inst.thunk.Call(ctx, uint64(argsPtr), uint64(len(argsBlob)), uint64(inst.state), uint64(supervisorFuncIndex))
		_ = s.sup.Deallocate(argsPtr)
		if callErr != nil {
			trap.Wrap(callErr, "sandbox dispatch thunk trapped")
		}

		packed := results[0]
		retPtr := uint32(packed)
		retLen := uint32(packed >> 32)

		retBlob, ok := s.sup.Memory().Read(retPtr, retLen)
		if !ok {
			trap.Now("sandbox dispatch: return buffer out of bounds")
		}
		_ = s.sup.Deallocate(retPtr)

		result, err := codec.DecodeResult(retBlob)
		if err != nil {
			trap.Wrap(err, "sandbox dispatch: decoding return value")
		}
		if !result.Ok {
			trap.Now("sandbox dispatch: supervisor reported host error %d", result.Err)
		}
		if result.Value != nil && len(resultTypes) > 0 {
			stack[0] = result.Value.Bits
		}
	})
}

func toCodecType(t api.ValueType) codec.ValueType {
	switch t {
	case api.ValueTypeI32:
		return codec.ValueTypeI32
	case api.ValueTypeI64:
		return codec.ValueTypeI64
	case api.ValueTypeF32:
		return codec.ValueTypeF32
	case api.ValueTypeF64:
		return codec.ValueTypeF64
	default:
		return codec.ValueTypeI64
	}
}

func (s *Store) instance(h InstanceHandle) *Instance {
	if int(h) >= len(s.instances) {
		return nil
	}
	return s.instances[h]
}

// InstanceTeardown implements spec.md §4.4 "instance_teardown(handle)":
// fails if the slot is already empty.
func (s *Store) InstanceTeardown(ctx context.Context, h InstanceHandle) error {
	inst := s.instance(h)
	if inst == nil {
		return hosterr.New(hosterr.KindRuntime, "double teardown")
	}
	s.instances[h] = nil
	return inst.module.CloseWithExitCode(ctx, 0)
}

// Invoke implements spec.md §4.4 "invoke(...)". args is the length-prefixed
// list of typed values described in spec.md §6.3; the encoded Result is
// written to the supervisor's return buffer, truncated-checked against
// returnLen. state is opaque to the host and is what dispatchClosure
// forwards to the dispatch thunk for every import call the sandboxed export
// makes during this invocation, overriding the state captured at
// instantiation time (which only ever served the start function's own
// dispatches, spec.md §4.4 "state is forwarded verbatim").
func (s *Store) Invoke(ctx context.Context, h InstanceHandle, exportName string, args []byte, returnPtr, returnLen, state uint32) (status uint32, err error) {
	inst := s.instance(h)
	if inst == nil {
		return InvokeErrExecution, hosterr.New(hosterr.KindRuntime, "invoke: unknown sandbox instance")
	}
	inst.state = state

	values, decErr := codec.DecodeValues(args)
	if decErr != nil {
		return InvokeErrExecution, decErr
	}
	fn := inst.module.ExportedFunction(exportName)
	if fn == nil {
		return InvokeErrExecution, hosterr.New(hosterr.KindRuntime, fmt.Sprintf("invoke: no export %q", exportName))
	}

	params := make([]uint64, len(values))
	for i, v := range values {
		params[i] = v.Bits
	}

	results, callErr := fn.Call(ctx, params...)
	var result codec.Result
	if callErr != nil {
		result = codec.Result{Ok: false, Err: codec.HostError(1)}
	} else if len(results) > 0 {
		def := fn.Definition()
		v := codec.Value{Type: toCodecType(def.ResultTypes()[0]), Bits: results[0]}
		result = codec.Result{Ok: true, Value: &v}
	} else {
		result = codec.Result{Ok: true}
	}

	encoded := codec.EncodeResult(result)
	if uint32(len(encoded)) > returnLen {
		return InvokeErrReturnTooSmall, nil
	}
	if !s.sup.Memory().Write(returnPtr, encoded) {
		return InvokeErrExecution, hosterr.New(hosterr.KindInvalidMemoryReference, "invoke: return buffer out of bounds")
	}
	if callErr != nil {
		return InvokeErrExecution, nil
	}
	return InvokeOK, nil
}
