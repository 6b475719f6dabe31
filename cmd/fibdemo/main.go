// Command fibdemo exercises the fibril runtime from the command line: a
// naive recursive Fibonacci (many small, deeply nested join regions) and a
// parallel array sum (balanced binary forks down to a chunk size), both
// runnable at a chosen worker count so the effect of work stealing is
// visible in the printed stats.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dsnet/golib/unitconv"
	"github.com/urfave/cli/v2"

	"github.com/go-foundations/fibril"
)

func main() {
	app := &cli.App{
		Name:  "fibdemo",
		Usage: "fibril fork/join runtime demos",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "nprocs",
				Usage: "worker count (0 = FIBRIL_NPROCS, falling back to NumCPU)",
			},
		},
		Commands: []*cli.Command{
			&fibCmd,
			&sumCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var fibCmd = cli.Command{
	Name:  "fib",
	Usage: "compute fib(n) with one fork per recursive call",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "n", Value: 30},
	},
	Action: doFib,
}

func doFib(c *cli.Context) error {
	n := c.Int("n")
	nprocs := c.Int("nprocs")

	var result int
	start := time.Now()
	fibril.Run(nprocs, func(root *fibril.Frame) {
		result = fib(root, n)
	})
	elapsed := time.Since(start)

	fmt.Printf("fib(%d) = %d  (%v, %d workers)\n", n, result, elapsed, fibril.RuntimeNprocs())
	return nil
}

func fib(f *fibril.Frame, n int) int {
	if n < 2 {
		return n
	}
	x := fibril.Fork(f, func(cf *fibril.Frame) int { return fib(cf, n-1) })
	y := fib(f, n-2)
	fibril.Join(f)
	return x.Get() + y
}

var sumCmd = cli.Command{
	Name:  "sum",
	Usage: "sum N ones in parallel, forking one task per chunk",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "size", Value: 1_000_000},
		&cli.IntFlag{Name: "chunk", Value: 1024},
	},
	Action: doSum,
}

func doSum(c *cli.Context) error {
	size := c.Int("size")
	chunk := c.Int("chunk")
	nprocs := c.Int("nprocs")

	data := make([]int64, size)
	for i := range data {
		data[i] = 1
	}

	start := time.Now()
	fibril.RuntimeInit(nprocs)
	workers := fibril.RuntimeNprocs()

	root := fibril.RootFrame()
	result := parallelSum(root, data, chunk)

	elapsed := time.Since(start)
	stats := fibril.RuntimeStats()
	fibril.RuntimeExit()

	rate := float64(size) / elapsed.Seconds()
	fmt.Printf("sum(%d ones, chunk=%d) = %d  (%v, %d workers)\n", size, chunk, result, elapsed, workers)
	fmt.Printf("throughput: %s elements/s\n", unitconv.FormatPrefix(rate, unitconv.SI, 0))
	fmt.Printf("steals: %d  suspensions: %d\n", stats.Steals, stats.Suspensions)
	return nil
}

func parallelSum(f *fibril.Frame, data []int64, chunk int) int64 {
	if len(data) <= chunk {
		var sum int64
		for _, v := range data {
			sum += v
		}
		return sum
	}

	mid := len(data) / 2
	x := fibril.Fork(f, func(cf *fibril.Frame) int64 { return parallelSum(cf, data[:mid], chunk) })
	right := parallelSum(f, data[mid:], chunk)
	fibril.Join(f)
	return x.Get() + right
}
