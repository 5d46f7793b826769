// Package codec implements the little-endian, length-prefixed wire formats
// named in spec.md §6.3: the on-chain RuntimeVersion record, the sandbox
// import-resolution "env def" blob, and the sandbox typed argument/return
// lists. None of the example pack's manifests pull in a generic
// length-prefixed binary codec library for this exact shape (the nearest
// neighbors, protobuf and SCALE, both assume a schema compiler this spec
// does not have), so this package is written directly against stdlib
// encoding/binary — a deliberate stdlib-only choice, justified in
// DESIGN.md.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/juniuszhou/substrate-sub003/hosterr"
)

// reader walks a byte slice, failing closed on any short read.
type reader struct {
	b   []byte
	pos int
}

func (r *reader) u8() (byte, error) {
	if r.pos+1 > len(r.b) {
		return 0, errShort()
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, errShort()
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.b) {
		return 0, errShort()
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.b) {
		return nil, errShort()
	}
	v := r.b[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// lenPrefixedBytes reads a u32-length-prefixed byte string.
func (r *reader) lenPrefixedBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

func errShort() error {
	return hosterr.New(hosterr.KindInvalidData, "unexpected end of wire payload")
}

// writer accumulates a wire payload.
type writer struct{ b []byte }

func (w *writer) u8(v byte)   { w.b = append(w.b, v) }
func (w *writer) u32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.b = append(w.b, buf[:]...)
}
func (w *writer) u64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.b = append(w.b, buf[:]...)
}
func (w *writer) bytes(v []byte) { w.b = append(w.b, v...) }
func (w *writer) lenPrefixedBytes(v []byte) {
	w.u32(uint32(len(v)))
	w.bytes(v)
}

// APIEntry is one (API-id, version) pair in a RuntimeVersion.
type APIEntry struct {
	ID      [8]byte
	Version uint32
}

// RuntimeVersion is the semantic version record described in spec.md §3
// and §6.3.
type RuntimeVersion struct {
	SpecName         string
	ImplName         string
	AuthoringVersion uint32
	SpecVersion      uint32
	ImplVersion      uint32
	APIs             []APIEntry
}

// Compatible reports whether two runtime versions are "call-compatible"
// per spec.md §3: spec names match, spec versions match, and every API
// referenced by both sides has a matching u32 version.
func (v RuntimeVersion) Compatible(other RuntimeVersion) bool {
	if v.SpecName != other.SpecName || v.SpecVersion != other.SpecVersion {
		return false
	}
	versions := make(map[[8]byte]uint32, len(other.APIs))
	for _, a := range other.APIs {
		versions[a.ID] = a.Version
	}
	for _, a := range v.APIs {
		if ov, ok := versions[a.ID]; ok && ov != a.Version {
			return false
		}
	}
	return true
}

// EncodeRuntimeVersion serializes a RuntimeVersion per spec.md §6.3.
func EncodeRuntimeVersion(v RuntimeVersion) []byte {
	w := &writer{}
	w.lenPrefixedBytes([]byte(v.SpecName))
	w.lenPrefixedBytes([]byte(v.ImplName))
	w.u32(v.AuthoringVersion)
	w.u32(v.SpecVersion)
	w.u32(v.ImplVersion)
	w.u32(uint32(len(v.APIs)))
	for _, a := range v.APIs {
		w.bytes(a.ID[:])
		w.u32(a.Version)
	}
	return w.b
}

// DecodeRuntimeVersion parses the bytes returned by a guest's exported
// Core_version function. Decode failure is reported to the caller, who
// records the cached version as unknown (spec.md §4.5 "Miss path").
func DecodeRuntimeVersion(data []byte) (RuntimeVersion, error) {
	r := &reader{b: data}
	var v RuntimeVersion

	specName, err := r.lenPrefixedBytes()
	if err != nil {
		return v, err
	}
	implName, err := r.lenPrefixedBytes()
	if err != nil {
		return v, err
	}
	v.SpecName, v.ImplName = string(specName), string(implName)

	if v.AuthoringVersion, err = r.u32(); err != nil {
		return v, err
	}
	if v.SpecVersion, err = r.u32(); err != nil {
		return v, err
	}
	if v.ImplVersion, err = r.u32(); err != nil {
		return v, err
	}
	n, err := r.u32()
	if err != nil {
		return v, err
	}
	v.APIs = make([]APIEntry, n)
	for i := range v.APIs {
		id, err := r.bytes(8)
		if err != nil {
			return v, err
		}
		copy(v.APIs[i].ID[:], id)
		if v.APIs[i].Version, err = r.u32(); err != nil {
			return v, err
		}
	}
	return v, nil
}

// EntityKind tags a sandbox env-def entry as bound to a supervisor
// function or a sandbox memory (spec.md §4.4 "instantiate").
type EntityKind byte

const (
	EntityFunction EntityKind = 0
	EntityMemory   EntityKind = 1
)

// EnvDefEntry is one (module_name, field_name, entity) triple resolving a
// single import of the module about to be sandboxed.
type EnvDefEntry struct {
	ModuleName string
	FieldName  string
	Kind       EntityKind
	Index      uint32
}

// DecodeEnvDef parses the length-prefixed list of import-resolution
// entries a supervisor uploads alongside sandboxed module bytes.
func DecodeEnvDef(data []byte) ([]EnvDefEntry, error) {
	r := &reader{b: data}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	entries := make([]EnvDefEntry, n)
	for i := range entries {
		modName, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		fieldName, err := r.lenPrefixedBytes()
		if err != nil {
			return nil, err
		}
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		idx, err := r.u32()
		if err != nil {
			return nil, err
		}
		kind := EntityKind(tag)
		if kind != EntityFunction && kind != EntityMemory {
			return nil, hosterr.New(hosterr.KindInvalidData, fmt.Sprintf("unknown env-def entity tag %d", tag))
		}
		entries[i] = EnvDefEntry{
			ModuleName: string(modName),
			FieldName:  string(fieldName),
			Kind:       kind,
			Index:      idx,
		}
	}
	return entries, nil
}

// EncodeEnvDef is the inverse of DecodeEnvDef, used by tests and by
// supervisors constructed in-process.
func EncodeEnvDef(entries []EnvDefEntry) []byte {
	w := &writer{}
	w.u32(uint32(len(entries)))
	for _, e := range entries {
		w.lenPrefixedBytes([]byte(e.ModuleName))
		w.lenPrefixedBytes([]byte(e.FieldName))
		w.u8(byte(e.Kind))
		w.u32(e.Index)
	}
	return w.b
}

// ValueType tags a sandbox argument/return value's WebAssembly type
// (spec.md §6.3).
type ValueType byte

const (
	ValueTypeI32 ValueType = 0
	ValueTypeI64 ValueType = 1
	ValueTypeF32 ValueType = 2
	ValueTypeF64 ValueType = 3
)

// Value is one typed argument or return value crossing the sandbox
// boundary. Payloads are always stored widened to 64 bits; callers convert
// per Type.
type Value struct {
	Type ValueType
	Bits uint64
}

// EncodeValues serializes a length-prefixed list of typed values.
func EncodeValues(values []Value) []byte {
	w := &writer{}
	w.u32(uint32(len(values)))
	for _, v := range values {
		w.u8(byte(v.Type))
		w.u64(v.Bits)
	}
	return w.b
}

// DecodeValues parses a length-prefixed list of typed values.
func DecodeValues(data []byte) ([]Value, error) {
	r := &reader{b: data}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	values := make([]Value, n)
	for i := range values {
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		bits, err := r.u64()
		if err != nil {
			return nil, err
		}
		values[i] = Value{Type: ValueType(tag), Bits: bits}
	}
	return values, nil
}

// HostError is the sandbox's encoded failure code, carried inside a
// Result's err arm (spec.md §6.3).
type HostError uint32

// Result is the single-byte-tagged Result<ReturnValue, HostError> spec.md
// §6.3 describes for sandbox_invoke's output buffer: tag 0 carries an
// optional Value (Unit if absent), tag 1 carries a HostError.
type Result struct {
	Ok    bool
	Value *Value
	Err   HostError
}

// EncodeResult serializes a Result.
func EncodeResult(r Result) []byte {
	w := &writer{}
	if r.Ok {
		w.u8(0)
		if r.Value == nil {
			w.u8(0) // Unit
		} else {
			w.u8(1)
			w.u8(byte(r.Value.Type))
			w.u64(r.Value.Bits)
		}
	} else {
		w.u8(1)
		w.u32(uint32(r.Err))
	}
	return w.b
}

// DecodeResult parses a Result.
func DecodeResult(data []byte) (Result, error) {
	rd := &reader{b: data}
	tag, err := rd.u8()
	if err != nil {
		return Result{}, err
	}
	if tag == 0 {
		hasValue, err := rd.u8()
		if err != nil {
			return Result{}, err
		}
		if hasValue == 0 {
			return Result{Ok: true}, nil
		}
		vt, err := rd.u8()
		if err != nil {
			return Result{}, err
		}
		bits, err := rd.u64()
		if err != nil {
			return Result{}, err
		}
		v := Value{Type: ValueType(vt), Bits: bits}
		return Result{Ok: true, Value: &v}, nil
	}
	if tag == 1 {
		code, err := rd.u32()
		if err != nil {
			return Result{}, err
		}
		return Result{Ok: false, Err: HostError(code)}, nil
	}
	return Result{}, hosterr.New(hosterr.KindInvalidData, fmt.Sprintf("unknown result tag %d", tag))
}
