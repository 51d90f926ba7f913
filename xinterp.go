// Package xinterp provides cross-process concurrency primitives: shared
// memory buffers, an atomic byte lock, typed struct views, OS pipes, a
// slot-based mailbox board, worker interpreters, a many-to-many queue, and
// user-visible locks built on top of them.
//
// A "subordinate interpreter" in this module is a child OS process: call
// Main once, at the very top of your own main(), before touching flags or
// anything else. In a process started normally, Main returns immediately
// and the caller continues as the main interpreter. In a process started
// by worker.Start (via internal/procrt's reexec), Main never returns: it
// runs the dispatch loop and calls os.Exit when its parent goes away.
package xinterp

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/crossheap/xinterp/internal/procrt"
	"github.com/crossheap/xinterp/internal/reactor"
	"github.com/crossheap/xinterp/worker"
)

var (
	loggerMu sync.RWMutex
	logger   = mustProductionLogger()

	activeMu sync.RWMutex
	active   = DefaultConfig()
)

func init() {
	reactor.Warn = func(format string, args ...any) {
		Logger().Warn(fmt.Sprintf(format, args...))
	}
}

func mustProductionLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}

	return l
}

// SetLogger replaces the package-wide logger used by this package's exit
// hook and by the reactor callback-panic warnings it forwards. Passing nil
// installs a no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}

	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

// Logger returns the current package-wide logger.
func Logger() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()

	return logger
}

// SetActive installs cfg as the configuration Active returns. No
// constructor in this module reads it: shmbuf.New's ttl, board.New's
// capacity and worker.Start's buffer budget fall back to their own
// package constants.
func SetActive(cfg Config) {
	activeMu.Lock()
	active = cfg
	activeMu.Unlock()
}

// Active returns the currently configured defaults.
func Active() Config {
	activeMu.RLock()
	defer activeMu.RUnlock()

	return active
}

// Main is the reexec entrypoint every program built on this module must
// call first. If the current process is a worker child, Main hands off to
// worker.Dispatch and never returns. Otherwise it returns immediately.
func Main() {
	if !procrt.IsReexec() {
		return
	}

	procrt.Main(worker.Dispatch)
}

// ListInterpreters returns the opaque handles of every interpreter (worker
// child) currently live in this process, mirroring list_interpreters().
func ListInterpreters() []string {
	return procrt.List()
}

// IsRunning reports whether handle names a live interpreter.
func IsRunning(handle string) bool {
	ip, ok := procrt.Lookup(handle)
	return ok && ip.IsRunning()
}

// MainInterpreter returns the handle of the process that is not itself a
// reexec'd worker child, i.e. the root of the interpreter tree. A worker
// child has no meaningful "main interpreter" of its own to report, since
// it was launched by procrt.Spawn specifically to run worker.Dispatch.
func MainInterpreter() (handle string, ok bool) {
	if procrt.IsReexec() {
		return "", false
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "main"
	}

	return hostname + "/main", true
}

// RunExitHook walks every worker this process started and attempts to
// Close it, logging a warning for any that resist (still executing a
// synchronous Run past Close's stabilization wait). Call it once, late in
// the main interpreter's shutdown path; it is a no-op in a worker child.
func RunExitHook() {
	if procrt.IsReexec() {
		return
	}

	for _, w := range worker.Active() {
		if err := w.Close(); err != nil {
			Logger().Warn("xinterp: interpreter resisted shutdown",
				zap.String("handle", w.Handle()),
				zap.Error(err),
			)
		}
	}
}
