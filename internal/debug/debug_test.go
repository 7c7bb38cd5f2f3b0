package debug

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestTraceRoundTrip(t *testing.T) {
	buf := new(logStructuredBuffer)
	func() {
		Open(buf)
		defer Close()

		Writef("vmm.dispatch", "vcpu %d halted", 0)
	}()

	r, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	reader, err := NewReader(&r, bytes.NewReader(r))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var seen []string

	if err := reader.Each(func(ts time.Time, kind DebugKind, source string, data []byte) error {
		seen = append(seen, source)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 source, got %d", len(seen))
	}
	if seen[0] != "vmm.dispatch" {
		t.Fatalf("expected source to be 'vmm.dispatch', got %s", seen[0])
	}
}

func TestTraceTempFile(t *testing.T) {
	dir := t.TempDir()
	func() {
		OpenFile(filepath.Join(dir, "trace.bin"))
		defer Close()

		Writef("vmm.dispatch", "vcpu %d halted", 0)
	}()

	r, closer, err := NewReaderFromFile(filepath.Join(dir, "trace.bin"))
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	defer closer.Close()

	var seen []string

	if err := r.Each(func(ts time.Time, kind DebugKind, source string, data []byte) error {
		seen = append(seen, source)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 source, got %d", len(seen))
	}
	if seen[0] != "vmm.dispatch" {
		t.Fatalf("expected source to be 'vmm.dispatch', got %s", seen[0])
	}
}

func TestTraceManyEntriesSameSource(t *testing.T) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	for i := 0; i < 10; i++ {
		Writef("vmm.dispatch", "vcpu %d io-out port=0x%04x", 0, i)
	}

	r, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	reader, err := NewReader(&r, bytes.NewReader(r))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var seen []string

	if err := reader.Each(func(ts time.Time, kind DebugKind, source string, data []byte) error {
		seen = append(seen, source)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(seen))
	}
	for i := 0; i < 10; i++ {
		if seen[i] != "vmm.dispatch" {
			t.Fatalf("expected source to be 'vmm.dispatch', got %s at index %d", seen[i], i)
		}
	}
}

func TestTraceTimestampOrdering(t *testing.T) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	// Simulate several vCPU threads dispatching exits concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				time.Sleep(time.Millisecond * time.Duration(i))
				Writef("vmm.dispatch", "vcpu %d io-out", i)
			}
		}()
	}
	wg.Wait()

	r, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	reader, err := NewReader(&r, bytes.NewReader(r))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var timestamps []time.Time

	if err := reader.Each(func(ts time.Time, kind DebugKind, source string, data []byte) error {
		timestamps = append(timestamps, ts)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(timestamps) != 40 {
		t.Fatalf("expected 40 timestamps, got %d", len(timestamps))
	}
	for i := 0; i < len(timestamps)-1; i++ {
		if timestamps[i].After(timestamps[i+1]) {
			t.Fatalf("expected timestamps to be in order, got %v at index %d and %d", timestamps, i, i+1)
		}
	}
}

func TestTraceSearchBySource(t *testing.T) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	Writef("vmm.dispatch", "vcpu 0 halted")
	Writef("vmm.supervisor", "vcpu 0 exited")

	r, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	reader, err := NewReader(&r, bytes.NewReader(r))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	n, err := reader.Count(SearchOptions{Sources: []string{"vmm.dispatch"}})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count with source filter = %d, want 1", n)
	}

	var seen []string
	if err := reader.EachSource("vmm.supervisor", func(ts time.Time, kind DebugKind, data []byte) error {
		seen = append(seen, string(data))
		return nil
	}); err != nil {
		t.Fatalf("EachSource: %v", err)
	}
	if len(seen) != 1 || seen[0] != "vcpu 0 exited" {
		t.Fatalf("EachSource = %v, want [\"vcpu 0 exited\"]", seen)
	}
}

func BenchmarkWriteTraceEntry(b *testing.B) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	for i := 0; i < b.N; i++ {
		Writef("vmm.dispatch", "vcpu 0 io-out port=0x%04x", 0x3f8)
	}
}

func BenchmarkReadTraceEntries(b *testing.B) {
	buf := new(logStructuredBuffer)
	func() {
		Open(buf)
		defer Close()

		for j := 0; j < 10; j++ {
			Writef("vmm.dispatch", "vcpu 0 io-out port=0x%04x", 0x3f8)
		}
	}()

	for i := 0; i < b.N; i++ {
		r, err := buf.Compile()
		if err != nil {
			b.Fatalf("Compile: %v", err)
		}
		reader, err := NewReader(&r, bytes.NewReader(r))
		if err != nil {
			b.Fatalf("NewReader: %v", err)
		}

		if err := reader.Each(func(ts time.Time, kind DebugKind, source string, data []byte) error {
			return nil
		}); err != nil {
			b.Fatalf("Each: %v", err)
		}
	}
}
