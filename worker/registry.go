// Package worker wraps a subordinate interpreter (an internal/procrt
// child process) with the fixed entrypoint-dispatch protocol: a caller
// sends a callable name and its argument bytes, gob-encoded as one
// envelope, to the child as a "call" frame over the control channel, and
// reads the result back from the child's response frame.
package worker

import (
	"fmt"
	"sync"
)

// Func is a callable a worker can dispatch to, registered under a stable
// name both in the parent and in the child (since both run the same
// binary, registering in a shared init() covers both automatically).
type Func func(args []byte) ([]byte, error)

// registry resolves a dispatch name to a Func. This is this rework's
// substitute for the source's "ship the function's source text" fallback:
// Go has no runtime eval, so every callable a worker might run must be
// registered ahead of time, the same way a process-wide command table
// works in any RPC server.
var registry = struct {
	mu sync.RWMutex
	m  map[string]Func
}{m: make(map[string]Func)}

// Register adds fn under name. Calling Register twice with the same name
// replaces the previous entry; callers typically call this once from an
// init() function.
func Register(name string, fn Func) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.m[name] = fn
}

// Resolve looks up name, returning an error that names the missing
// registration if absent — the closest analogue of the source's "module
// not locatable" failure when a callable was never registered in the
// child.
func Resolve(name string) (Func, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	fn, ok := registry.m[name]
	if !ok {
		return nil, fmt.Errorf("worker: no callable registered under %q", name)
	}

	return fn, nil
}
