// Package trap centralizes how host functions signal a guest-visible
// WebAssembly trap. spec.md §4.3: "a host trap immediately unwinds the
// guest"; wazero's Go-function ABI has no error return channel for
// api.GoModuleFunction, so a deliberate panic is the mechanism, and wazero
// recovers it at the call boundary and reports it back as the error
// returned from api.Function.Call.
package trap

import (
	"fmt"

	"github.com/juniuszhou/substrate-sub003/hosterr"
)

// Now panics with a *hosterr.Error of KindTrap carrying message, formatted
// per fmt.Sprintf. Host function handlers call this instead of returning
// an error, since the positional-argument calling convention they run
// under has no error return slot.
func Now(format string, args ...any) {
	panic(hosterr.New(hosterr.KindTrap, fmt.Sprintf(format, args...)))
}

// Wrap panics with a *hosterr.Error of KindTrap wrapping cause.
func Wrap(cause error, message string) {
	panic(hosterr.Wrap(hosterr.KindTrap, message, cause))
}

// Recover converts a recovered panic value into an error, for use in a
// deferred recover() at a call boundary, such as the native-dispatch panic
// catcher in runtimecache. Non-hosterr panic
// values are wrapped as KindRuntime, matching "a caught panic becomes a
// Runtime error" (spec.md §4.5).
func Recover(recovered any) error {
	if recovered == nil {
		return nil
	}
	if err, ok := recovered.(*hosterr.Error); ok {
		return err
	}
	if err, ok := recovered.(error); ok {
		return hosterr.Wrap(hosterr.KindRuntime, "recovered panic", err)
	}
	return hosterr.New(hosterr.KindRuntime, fmt.Sprintf("recovered panic: %v", recovered))
}
