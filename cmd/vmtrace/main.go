// Command vmtrace inspects a vCPU exit trace captured via debug.OpenFile
// during a run (internal/vmm's Vcpu.Run logs one entry per dispatched
// port-I/O/MMIO/halt/shutdown exit through internal/debug).
package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/microvm/internal/debug"
)

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	match := flag.String("match", "", "regex to filter messages")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vmtrace - inspect a captured vCPU exit trace

USAGE:
  vmtrace [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -range         Show earliest/latest timestamps and total duration
  -source REGEX  Only show entries where source matches regex
  -match REGEX   Only show entries where message matches regex
  -limit N       Max entries to return (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N

EXAMPLES:
  vmtrace trace.bin                           Show entries (errors if >100)
  vmtrace -tail -limit 50 trace.bin           Show last 50 entries
  vmtrace -source 'vmm.dispatch' trace.bin    Entries from the exit dispatcher
  vmtrace -match 'halted' trace.bin           Entries mentioning a halt exit
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	filename := flag.Arg(0)

	reader, closer, err := debug.NewReaderFromFile(filename)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var sourceRe, matchRe *regexp.Regexp
	if *source != "" {
		sourceRe, err = regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		matchRe, err = regexp.Compile(*match)
		if err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	type entry struct {
		ts     time.Time
		source string
		data   []byte
	}
	var entries []entry

	if err := reader.Each(func(ts time.Time, kind debug.DebugKind, src string, data []byte) error {
		if sourceRe != nil && !sourceRe.MatchString(src) {
			return nil
		}
		if matchRe != nil && !matchRe.MatchString(string(data)) {
			return nil
		}
		entries = append(entries, entry{ts: ts, source: src, data: data})
		return nil
	}); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	if *limit > 0 && len(entries) > *limit {
		if *tail {
			entries = entries[len(entries)-*limit:]
		} else {
			return fmt.Errorf("too many entries: %d (limit is %d); use -tail or -limit 0", len(entries), *limit)
		}
	}

	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.ts.Format(time.RFC3339Nano), e.source, string(e.data))
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmtrace: %v\n", err)
		os.Exit(1)
	}
}
