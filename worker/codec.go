package worker

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/crossheap/xinterp/internal/atomiclock"
)

const schedQuantum = atomiclock.SchedQuantum

var errStillExecuting = errors.New("worker: still executing")

func encodeCall(name string, args []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(callEnvelope{Name: name, Args: args}); err != nil {
		return nil, fmt.Errorf("worker: encode call: %w", err)
	}

	return buf.Bytes(), nil
}

func decodeCall(payload []byte) (callEnvelope, error) {
	var env callEnvelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return callEnvelope{}, fmt.Errorf("worker: decode call: %w", err)
	}

	return env, nil
}

// Dispatch resolves env.Name in the worker registry and invokes it. This is the
// function the child's procrt.Main loop wires up as its Dispatcher for the
// "call" op.
func Dispatch(op string, payload []byte) ([]byte, error) {
	if op != "call" {
		return nil, fmt.Errorf("worker: unknown op %q", op)
	}

	env, err := decodeCall(payload)
	if err != nil {
		return nil, err
	}

	fn, err := Resolve(env.Name)
	if err != nil {
		return nil, err
	}

	return fn(env.Args)
}
