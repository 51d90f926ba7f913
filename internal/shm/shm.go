// Package shm wraps a single anonymous, file-descriptor-backed memory
// mapping: the substrate every cross-interpreter shared structure in this
// module is built on top of.
//
// Go has no subinterpreters, so "memory two interpreters can both see" is
// modeled as memory two OS processes can both see: a memfd_create'd region,
// mmap'd MAP_SHARED, with its file descriptor inherited by a child process
// across exec (see internal/procrt) or passed over a socketpair via
// SCM_RIGHTS to an already-running one.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a single shared memory mapping plus the file descriptor backing
// it. The zero value is not usable; construct with Create or Attach.
type Region struct {
	file *os.File
	data []byte
	size int
}

// Create allocates a new anonymous shared region of the given size, backed
// by a memfd. name is cosmetic (visible in /proc/<pid>/fd on the host) and
// need not be unique.
func Create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid size %d", size)
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}

	file := os.NewFile(uintptr(fd), name)

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: truncate: %w", err)
	}

	return mapRegion(file, size)
}

// Attach maps an already-open shared memory file descriptor, received
// either by fd inheritance (ExtraFiles) or by SCM_RIGHTS over a control
// channel. It takes ownership of fd.
func Attach(fd int, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid size %d", size)
	}

	// Clear close-on-exec: a freshly received SCM_RIGHTS fd, or one found at
	// a fixed ExtraFiles slot, must survive any further exec by this process
	// (the reexec path spawns grandchildren the same way it was spawned).
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: clear cloexec: %w", err)
	}

	file := os.NewFile(uintptr(fd), "xinterp-shm")

	return mapRegion(file, size)
}

func mapRegion(file *os.File, size int) (*Region, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	return &Region{file: file, data: data, size: size}, nil
}

// Bytes returns the mapped region. Writes through this slice are visible to
// every other process holding the same memfd.
func (r *Region) Bytes() []byte { return r.data }

// Len returns the region's size in bytes.
func (r *Region) Len() int { return r.size }

// FD returns the region's underlying file descriptor, for passing to a
// child process via ExtraFiles or over a socketpair via SCM_RIGHTS.
func (r *Region) FD() uintptr { return r.file.Fd() }

// File returns the *os.File backing the region, for use in exec.Cmd's
// ExtraFiles slice.
func (r *Region) File() *os.File { return r.file }

// Close unmaps the region and closes its file descriptor. The mapping
// becomes invalid for every process as soon as all of them have closed
// their own fd and unmapped; closing here only releases this process's
// view.
func (r *Region) Close() error {
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("shm: munmap: %w", err)
	}

	return r.file.Close()
}
