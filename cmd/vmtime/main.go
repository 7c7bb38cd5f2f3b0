// Command vmtime summarizes a vCPU host/guest time capture written via
// timeslice.Open during a run (internal/vmm's Vcpu.Run records the split
// across the KVM_RUN boundary with a timeslice.Recorder).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/microvm/internal/timeslice"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "timeslice capture to read")
	sums := fs.Bool("sums", false, "print total duration per kind instead of every record")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmtime: open capture: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		totals := map[string]time.Duration{}
		counts := map[string]int{}
		if err := timeslice.ReadAllRecords(f, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
			totals[id] += duration
			counts[id]++
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "vmtime: read capture: %v\n", err)
			os.Exit(1)
		}
		for id, total := range totals {
			fmt.Printf("%s total=%s count=%d avg=%s\n", id, total, counts[id], total/time.Duration(counts[id]))
		}
		return
	}

	if err := timeslice.ReadAllRecords(f, func(id string, flags timeslice.SliceFlags, duration time.Duration) error {
		fmt.Printf("%s %s %s\n", id, flags, duration)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "vmtime: read capture: %v\n", err)
		os.Exit(1)
	}
}
