// Package reactor provides two readiness primitives: Selector, which
// multiplexes callbacks for many file descriptors onto a single epoll
// instance rather than spawning a goroutine-per-fd blocking read, and
// WaitReady, the single-fd poll(2) wait that pipes use. No other package
// in this module registers with a Selector.
package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/xerrors"
)

// Mask is a bitmask of readiness events, compatible with unix.EPOLLIN /
// unix.EPOLLOUT.
type Mask uint32

const (
	In  Mask = unix.EPOLLIN
	Out Mask = unix.EPOLLOUT
)

// Callback is invoked with the ready mask whenever a registered fd becomes
// ready, from inside whichever goroutine's Select call observed the
// readiness. There is no implicit background pump: a callback only fires
// as a side effect of some caller's Select, the same way the source's
// single-threaded event loop only runs callbacks while something is
// actually inside select(). Callbacks must not block, and a callback that
// calls Select itself re-enters the same pump rather than a different one.
type Callback func(ready Mask)

// Warn receives a description of a callback panic recovered during
// dispatch, so one misbehaving callback becomes a warning instead of
// bringing down whichever goroutine happened to be pumping events. The
// default discards it; callers that want these surfaced (e.g. through a
// structured logger) replace it at process start.
var Warn = func(format string, args ...any) {}

// fdEntry is the per-fd registration state: the combined event mask every
// attached callback cares about, plus the callbacks themselves, stored as
// an unordered set — multiple callbacks may attach to the same (fd, event)
// pair and all fire on readiness.
type fdEntry struct {
	mask      Mask
	callbacks []Callback
}

// Selector is an epoll instance with per-fd callbacks. Pipes and worker
// control channels are not registered with it.
type Selector struct {
	epfd int

	mu          sync.Mutex
	fds         map[int]*fdEntry
	dispatching map[int]bool // fds whose callbacks are currently executing, for re-entrance suppression

	wakeR, wakeW int // self-pipe used to unblock EpollWait on Close/Register
}

var (
	defaultOnce sync.Once
	defaultSel  *Selector
	defaultErr  error
)

// Default returns the process-wide Selector, creating it on first use.
func Default() (*Selector, error) {
	defaultOnce.Do(func() {
		defaultSel, defaultErr = New()
	})

	return defaultSel, defaultErr
}

// New creates a standalone Selector backed by its own epoll instance.
// Default returns a shared one instead.
func New() (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	fds, err := unixPipe()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	s := &Selector{
		epfd:        epfd,
		fds:         make(map[int]*fdEntry),
		dispatching: make(map[int]bool),
		wakeR:       fds[0],
		wakeW:       fds[1],
	}

	if err := s.register(s.wakeR, In); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func unixPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fds, fmt.Errorf("reactor: pipe2: %w", err)
	}

	return fds, nil
}

// Register arms fd for the given event mask and adds cb to the set of
// callbacks invoked each time fd becomes ready for any bit in mask.
// Registering the same fd again adds a second callback rather than
// replacing the first, widening the armed mask if needed.
func (s *Selector) Register(fd int, mask Mask, cb Callback) error {
	s.mu.Lock()
	entry, exists := s.fds[fd]
	if !exists {
		entry = &fdEntry{}
		s.fds[fd] = entry
	}

	widen := entry.mask&mask != mask
	entry.mask |= mask
	entry.callbacks = append(entry.callbacks, cb)
	combined := entry.mask
	s.mu.Unlock()

	if !exists {
		return s.register(fd, combined)
	}

	if widen {
		return s.modify(fd, combined)
	}

	return nil
}

func (s *Selector) register(fd int, mask Mask) error {
	ev := &unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl add: %w", err)
	}

	return nil
}

func (s *Selector) modify(fd int, mask Mask) error {
	ev := &unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl mod: %w", err)
	}

	return nil
}

// Unregister disarms fd and drops every callback attached to it. It is a
// no-op if fd was never registered.
func (s *Selector) Unregister(fd int) {
	s.mu.Lock()
	delete(s.fds, fd)
	delete(s.dispatching, fd)
	s.mu.Unlock()

	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Select blocks until targetFD becomes ready, or — when targetFD is zero —
// until any registered fd becomes ready, dispatching every callback
// attached to each ready (fd, event) pair it observes along the way, not
// just the one it is waiting on. timeout follows WaitReady's convention:
// negative waits forever, zero polls once (ErrResourceBusy if nothing is
// ready), positive bounds the wait (ErrTimeout on expiry).
//
// Select is re-entrant: a callback invoked from a dispatch may itself call
// Select, recursing on the same goroutine. The nested call skips
// callbacks already executing further up the stack (tracked per fd), so a
// slow consumer further out is never invoked twice for the same readiness
// edge.
func (s *Selector) Select(timeout time.Duration, targetFD int) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		remaining := timeout
		if timeout > 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return false, xerrors.ErrTimeout
			}
		}

		fired, err := s.pumpOnce(remaining, targetFD)
		if err != nil {
			return false, err
		}

		if fired {
			return true, nil
		}

		if timeout == 0 {
			return false, xerrors.ErrResourceBusy
		}
	}
}

func (s *Selector) pumpOnce(timeout time.Duration, targetFD int) (bool, error) {
	ms := -1

	switch {
	case timeout == 0:
		ms = 0
	case timeout > 0:
		ms = int(timeout.Milliseconds())
		if ms == 0 {
			ms = 1
		}
	}

	events := make([]unix.EpollEvent, 64)

	var n int

	for {
		var err error

		n, err = unix.EpollWait(s.epfd, events, ms)
		if err == nil {
			break
		}

		if err == unix.EINTR {
			continue
		}

		return false, fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	fired := false

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)

		if fd == s.wakeR {
			drainWake(s.wakeR)
			continue
		}

		if targetFD == 0 || fd == targetFD {
			fired = true
		}

		s.dispatch(fd, Mask(events[i].Events))
	}

	return fired, nil
}

// dispatch fires every callback attached to fd, unless fd is already being
// dispatched further up the call stack (re-entrance suppression).
func (s *Selector) dispatch(fd int, ready Mask) {
	s.mu.Lock()
	if s.dispatching[fd] {
		s.mu.Unlock()
		return
	}

	entry := s.fds[fd]
	if entry == nil {
		s.mu.Unlock()
		return
	}

	s.dispatching[fd] = true
	cbs := append([]Callback(nil), entry.callbacks...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.dispatching, fd)
		s.mu.Unlock()
	}()

	for _, cb := range cbs {
		s.invoke(fd, cb, ready)
	}
}

func (s *Selector) invoke(fd int, cb Callback, ready Mask) {
	defer func() {
		if r := recover(); r != nil {
			Warn("reactor: callback for fd %d panicked: %v", fd, r)
		}
	}()

	cb(ready)
}

func drainWake(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close tears down the selector's epoll instance and wake pipe. Registered
// callbacks stop firing; it does not close the fds callers registered.
func (s *Selector) Close() error {
	unix.Write(s.wakeW, []byte{0})
	unix.Close(s.wakeW)
	unix.Close(s.wakeR)

	return unix.Close(s.epfd)
}
