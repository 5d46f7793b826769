// Package externalities defines the abstract key/value state, trie hashing
// and extrinsic submission interface the runtime host consumes, per
// spec.md §6.2. Concrete stores, trie hashers and signature schemes are
// deliberately out of scope (spec.md §1) and live behind this interface.
package externalities

// Well-known storage keys, per spec.md §6.4.
const (
	// CodeKey holds the current WASM module bytes.
	CodeKey = "code"
	// HeapPagesKey optionally holds a u64 little-endian count of 64 KiB
	// pages to allocate for the guest's heap. Default 1024 if absent or
	// undecodable.
	HeapPagesKey = "heap_pages"
)

// DefaultHeapPages is used when HeapPagesKey is absent or fails to decode.
const DefaultHeapPages uint64 = 1024

// ChildStorageKey is a validated identifier for a child trie. Construction
// is the only way to obtain one, so every child-storage Externalities
// method can assume it has already been validated (spec.md §4.3 "Child
// storage").
type ChildStorageKey struct {
	raw []byte
}

// Bytes returns the validated child storage key bytes.
func (k ChildStorageKey) Bytes() []byte { return k.raw }

// NewChildStorageKey validates raw bytes as a child storage key. The only
// structural rule imposed here is non-emptiness; concrete deployments may
// impose a required prefix, which is an Externalities-level concern since
// the key's interpretation is opaque to the host (spec.md §4.3).
func NewChildStorageKey(raw []byte) (ChildStorageKey, bool) {
	if len(raw) == 0 {
		return ChildStorageKey{}, false
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return ChildStorageKey{raw: cp}, true
}

// Externalities is the host's view of persistent chain state. Every method
// is infallible by design (spec.md §4.3, §6.2) except where the signature
// says otherwise; a guest-observable failure always flows back as a host
// trap, never as an Externalities error.
type Externalities interface {
	SetStorage(key, value []byte)
	ClearStorage(key []byte)
	ExistsStorage(key []byte) bool
	ClearPrefix(prefix []byte)
	Storage(key []byte) ([]byte, bool)
	StorageRoot() [32]byte
	StorageChangesRoot(parentHash [32]byte, parentNumber uint64) ([32]byte, bool)
	OriginalStorage(key []byte) ([]byte, bool)
	OriginalStorageHash(key []byte) ([32]byte, bool)

	SetChildStorage(child ChildStorageKey, key, value []byte)
	ClearChildStorage(child ChildStorageKey, key []byte)
	KillChildStorage(child ChildStorageKey)
	ExistsChildStorage(child ChildStorageKey, key []byte) bool
	ChildStorage(child ChildStorageKey, key []byte) ([]byte, bool)
	ChildStorageRoot(child ChildStorageKey) [32]byte

	// OrderedTrieRoot computes a trie root over an ordered sequence of
	// values, keyed by their position (spec.md §4.3 "Enumerated trie
	// root").
	OrderedTrieRoot(values [][]byte) [32]byte

	ChainID() uint64
	SubmitExtrinsic(extrinsic []byte) error
}
