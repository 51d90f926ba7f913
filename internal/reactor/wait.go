package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/xerrors"
)

// WaitReady blocks until fd satisfies mask or timeout elapses, using a
// single-fd poll(2) rather than registering with a Selector. This is the
// primitive pipe.select / pipe.select_for_write are built on: a synchronous, call-site wait rather than a persistent
// callback.
//
//   - timeout < 0: wait forever.
//   - timeout == 0: poll once, non-blocking.
//   - timeout > 0: wait up to timeout, returning ErrTimeout on expiry.
func WaitReady(fd int, mask Mask, timeout time.Duration) error {
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

	fds := []unix.PollFd{{Fd: int32(fd), Events: int16(mask)}}

	for {
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("reactor: poll: %w", err)
		}

		if n == 0 {
			if timeout == 0 {
				return xerrors.ErrResourceBusy
			}

			return xerrors.ErrTimeout
		}

		if fds[0].Revents&int16(mask) != 0 {
			return nil
		}

		if fds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			return xerrors.ErrBrokenChannel
		}

		return xerrors.ErrTimeout
	}
}
