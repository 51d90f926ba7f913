// Package main provides xinterp-bench, a small demo/benchmark driver that
// exercises a pool of workers through the xinterp library. It is not part of the library's public surface.
package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/crossheap/xinterp"
	"github.com/crossheap/xinterp/worker"
)

func init() {
	worker.Register("cos", func(args []byte) ([]byte, error) {
		x := math.Float64frombits(binary.LittleEndian.Uint64(args))

		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, math.Float64bits(math.Cos(x)))

		return out, nil
	})
}

func main() {
	// Every program built on this module calls xinterp.Main first: in a
	// worker child it never returns.
	xinterp.Main()

	workers := flag.IntP("workers", "n", 4, "number of worker interpreters to spawn")
	calls := flag.IntP("calls", "c", 1000, "number of cos() calls to issue per worker")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: xinterp-bench [flags]\n\n")
		fmt.Fprint(os.Stderr, "Spawns worker interpreters and times round-trip cos() calls.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if err := run(*workers, *calls); err != nil {
		fmt.Fprintf(os.Stderr, "xinterp-bench: %v\n", err)
		xinterp.RunExitHook()
		os.Exit(1)
	}

	xinterp.RunExitHook()
}

func run(numWorkers, numCalls int) error {
	pool := make([]*worker.Worker, 0, numWorkers)

	for i := 0; i < numWorkers; i++ {
		w, err := worker.Start()
		if err != nil {
			return fmt.Errorf("start worker %d: %w", i, err)
		}

		pool = append(pool, w)
	}

	arg := make([]byte, 8)
	binary.LittleEndian.PutUint64(arg, math.Float64bits(0))

	start := time.Now()

	for _, w := range pool {
		for j := 0; j < numCalls; j++ {
			if _, err := w.Run("cos", arg); err != nil {
				return fmt.Errorf("run cos on %s: %w", w.Handle(), err)
			}
		}
	}

	elapsed := time.Since(start)
	total := numWorkers * numCalls

	fmt.Printf("workers=%d calls-per-worker=%d total-calls=%d elapsed=%s avg=%s\n",
		numWorkers, numCalls, total, elapsed, elapsed/time.Duration(total))

	for _, w := range pool {
		if err := w.Close(); err != nil {
			return fmt.Errorf("close %s: %w", w.Handle(), err)
		}
	}

	return nil
}
