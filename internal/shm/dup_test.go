package shm_test

import "golang.org/x/sys/unix"

// dupFD duplicates fd so a test can hand shm.Attach a descriptor it owns
// independently of the original Region, mirroring how a real SCM_RIGHTS
// transfer hands the receiver its own fd.
func dupFD(fd uintptr) (int, error) {
	return unix.Dup(int(fd))
}
