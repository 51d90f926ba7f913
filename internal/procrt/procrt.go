// Package procrt is the substrate for running one interpreter's worth of
// code in isolation from the caller.
//
// The source system runs subordinate interpreters in-process, each with
// its own GIL-free heap. Go has one runtime per process and no equivalent
// isolation boundary inside it, so a "subordinate interpreter" here is a
// child OS process: spawned by re-executing the current binary with a
// sentinel environment variable, talking back to its parent over a
// socketpair control channel that also carries shared-memory file
// descriptors via SCM_RIGHTS.
package procrt

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/crossheap/xinterp/xerrors"
)

// reexecEnv is set in a child's environment to tell Main it should run the
// worker dispatch loop instead of the program's ordinary entrypoint.
const reexecEnv = "XINTERP_REEXEC"

// ctrlFD is the fixed ExtraFiles slot the control socket lands on in a
// freshly spawned child (fd 3: stdin/stdout/stderr occupy 0-2).
const ctrlFD = 3

// Frame is one request or response exchanged over an interpreter's control
// channel. A response echoes the request's Op; a non-empty Err signals
// that it failed. gob handles the recursive (De)Encoder wiring the source code
// gets from pickle for free.
type Frame struct {
	Op      string
	Payload []byte
	Err     string
}

// Interpreter is a live child process plus the control channel used to
// drive it and to pass shared-memory descriptors to it.
type Interpreter struct {
	Handle string

	cmd  *exec.Cmd
	ctrl *net.UnixConn
	enc  *gob.Encoder
	dec  *gob.Decoder

	mu      sync.Mutex
	running bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Interpreter{}
	nextID     int
)

// Spawn starts a new child process running Main's dispatch loop and
// returns a handle for driving it. extraFiles are additional shared-memory
// file descriptors (beyond the control socket) to inherit into the child,
// landing at fd 4, 5, ... in declaration order. Spawn does not pass those
// numbers to the child in any other way.
func Spawn(extraFiles ...*os.File) (*Interpreter, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("procrt: resolve self: %w", err)
	}

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("procrt: socketpair: %w", err)
	}

	parentFile := os.NewFile(uintptr(pair[0]), "xinterp-ctrl-parent")
	childFile := os.NewFile(uintptr(pair[1]), "xinterp-ctrl-child")
	defer childFile.Close()

	parentConn, err := net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return nil, fmt.Errorf("procrt: wrap control socket: %w", err)
	}

	unixConn, ok := parentConn.(*net.UnixConn)
	if !ok {
		parentConn.Close()
		return nil, fmt.Errorf("procrt: control socket is not AF_UNIX")
	}

	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Env = append(os.Environ(), reexecEnv+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append([]*os.File{childFile}, extraFiles...)

	if err := cmd.Start(); err != nil {
		unixConn.Close()
		return nil, fmt.Errorf("procrt: start child: %w", err)
	}

	registryMu.Lock()
	nextID++
	handle := fmt.Sprintf("interp-%d", nextID)
	registryMu.Unlock()

	interp := &Interpreter{
		Handle:  handle,
		cmd:     cmd,
		ctrl:    unixConn,
		enc:     gob.NewEncoder(unixConn),
		dec:     gob.NewDecoder(unixConn),
		running: true,
	}

	registryMu.Lock()
	registry[handle] = interp
	registryMu.Unlock()

	return interp, nil
}

// RunSource sends op and payload to the child and blocks for its response.
// It implements the fixed entrypoint-dispatch protocol: op names a
// callable the child resolves via its worker registry, not arbitrary
// source text.
func (ip *Interpreter) RunSource(op string, payload []byte) ([]byte, error) {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if !ip.running {
		return nil, fmt.Errorf("procrt: %s: not running", ip.Handle)
	}

	if err := ip.enc.Encode(Frame{Op: op, Payload: payload}); err != nil {
		return nil, fmt.Errorf("procrt: send frame: %w", err)
	}

	var resp Frame
	if err := ip.dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("procrt: recv frame: %w", err)
	}

	if resp.Err != "" {
		return nil, fmt.Errorf("%w: %s", xerrors.ErrChildFailure, resp.Err)
	}

	return resp.Payload, nil
}

// SendFD passes fd to the child over the control channel's ancillary data,
// alongside a small metadata payload (typically a region's size and a
// symbolic name). This is how an already-running interpreter picks up a
// SharedBuffer or Pipe end created after it was spawned.
func (ip *Interpreter) SendFD(fd int, meta []byte) error {
	rights := unix.UnixRights(fd)

	_, _, err := ip.ctrl.WriteMsgUnix(meta, rights, nil)
	if err != nil {
		return fmt.Errorf("procrt: sendmsg: %w", err)
	}

	return nil
}

// RecvFD blocks for a single file descriptor passed via SendFD, returning
// it alongside whatever metadata accompanied it.
func (ip *Interpreter) RecvFD() (fd int, meta []byte, err error) {
	buf := make([]byte, 256)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := ip.ctrl.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, fmt.Errorf("procrt: recvmsg: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, fmt.Errorf("procrt: parse cmsg: %w", err)
	}

	for _, c := range cmsgs {
		fds, err := unix.ParseUnixRights(&c)
		if err != nil {
			continue
		}

		if len(fds) > 0 {
			return fds[0], buf[:n], nil
		}
	}

	return 0, nil, fmt.Errorf("procrt: no fd received")
}

// IsRunning reports whether the child process is believed to still be
// alive. It does not block.
func (ip *Interpreter) IsRunning() bool {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	return ip.running
}

// Destroy terminates the child and releases the control channel. It is
// idempotent.
func (ip *Interpreter) Destroy() error {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if !ip.running {
		return nil
	}

	ip.running = false
	ip.ctrl.Close()

	if ip.cmd.Process != nil {
		_ = ip.cmd.Process.Kill()
		_ = ip.cmd.Wait()
	}

	registryMu.Lock()
	delete(registry, ip.Handle)
	registryMu.Unlock()

	return nil
}

// List returns the handles of every interpreter currently registered in
// this process.
func List() []string {
	registryMu.Lock()
	defer registryMu.Unlock()

	handles := make([]string, 0, len(registry))
	for h := range registry {
		handles = append(handles, h)
	}

	return handles
}

// Lookup returns the interpreter registered under handle, if any.
func Lookup(handle string) (*Interpreter, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()

	ip, ok := registry[handle]
	return ip, ok
}

// IsReexec reports whether the current process was spawned by Spawn and
// should run Main instead of its ordinary entrypoint.
func IsReexec() bool {
	return os.Getenv(reexecEnv) != ""
}
