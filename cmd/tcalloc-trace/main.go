// Command tcalloc-trace drives the allocator from a trace file, the
// external collaborator described in spec.md §6 and grounded on
// original_source/thread-caching/driver.c. It is a replaceable shell
// around the allocator: parsing and presentation live here, the
// allocator engine lives in the root package.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/spf13/cobra"

	"modernc.org/tcalloc"
	"modernc.org/tcalloc/internal/diag"
	"modernc.org/tcalloc/internal/trace"
)

func main() {
	root := &cobra.Command{
		Use:   "tcalloc-trace <tracefile>",
		Short: "Replay an allocation trace against the tcalloc allocator",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	tr, err := trace.Parse(f)
	if err != nil {
		return err
	}

	a, err := tcalloc.New(tcalloc.Options{})
	if err != nil {
		return err
	}
	c, err := a.Bind()
	if err != nil {
		return err
	}

	ptrs := make([]unsafe.Pointer, tr.NumAllocs)
	for _, act := range tr.Actions {
		switch act.Op {
		case trace.OpAlloc, trace.OpCalloc, trace.OpRealloc:
			p := c.Alloc(act.Size)
			if p == nil && act.Size != 0 {
				diag.Printf("driver: alloc failed.\n")
				os.Exit(1)
			}
			if act.ID < len(ptrs) {
				ptrs[act.ID] = p
			}
		case trace.OpFree:
			if act.ID < len(ptrs) {
				c.Free(ptrs[act.ID])
				ptrs[act.ID] = nil
			}
		}
	}

	stats := a.Stats()
	diag.Printf("Malloc arena usage: %d.\n", stats.ArenaUsage)
	return nil
}
