package procrt

import (
	"encoding/gob"
	"fmt"
	"net"
	"os"
)

// Dispatcher resolves an op name to a callable and runs it against
// payload, the Go substitute for shipping interpreted source text across
// the interpreter boundary: only names already registered in the child's
// worker registry (via worker.Register) are reachable.
type Dispatcher func(op string, payload []byte) ([]byte, error)

// Main is the reexec entrypoint. A binary that wants to host worker
// children calls procrt.IsReexec() at the top of main() and, if true, hands
// off to Main instead of running its ordinary command logic.
//
// Main never returns under normal operation: it serves dispatch requests
// until the control channel closes (the parent destroyed the worker), then
// exits 0.
func Main(dispatch Dispatcher) {
	ctrlFile := os.NewFile(uintptr(ctrlFD), "xinterp-ctrl-child")

	conn, err := net.FileConn(ctrlFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xinterp: child control channel: %v\n", err)
		os.Exit(1)
	}

	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)

	for {
		var req Frame
		if err := dec.Decode(&req); err != nil {
			// Parent closed the channel: a clean shutdown, not an error.
			os.Exit(0)
		}

		payload, err := dispatch(req.Op, req.Payload)

		resp := Frame{Op: req.Op, Payload: payload}
		if err != nil {
			resp.Err = err.Error()
		}

		if err := enc.Encode(resp); err != nil {
			os.Exit(1)
		}
	}
}
