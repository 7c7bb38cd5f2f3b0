// Package metrics is the process-global counters sink the core dispatches
// vCPU exit and failure accounting through. It exports no metrics backend
// of its own; wiring a real exporter onto the Sink interface is left to
// the embedder. Counter increments are safe under concurrent vCPU threads
// and the structured-log emission is throttled so a storm of simultaneous
// vCPU failures cannot flood stderr.
package metrics

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Sink accepts counter increments and structured failure records from any
// number of vCPU threads concurrently.
type Sink interface {
	Inc(name string)
	Add(name string, delta int64)
	ObserveFailure(vcpuID int, reason string)
}

// Registry is the default Sink: a small set of named atomic counters plus
// a rate-limited logger for failure records.
type Registry struct {
	exitIoIn      atomic.Int64
	exitIoOut     atomic.Int64
	exitMmioRead  atomic.Int64
	exitMmioWrite atomic.Int64
	vcpuFailures  atomic.Int64
	bootLatencyNs atomic.Int64

	logLimiter *rate.Limiter
	logger     *slog.Logger
}

// NewRegistry builds a Registry whose failure-log emission is capped at
// logBurst immediately and logRate per second thereafter, so N vCPUs
// failing in the same instant produce one readable burst instead of N
// interleaved log lines.
func NewRegistry(logger *slog.Logger, logRate float64, logBurst int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if logRate <= 0 {
		logRate = 5
	}
	if logBurst <= 0 {
		logBurst = 5
	}
	return &Registry{
		logLimiter: rate.NewLimiter(rate.Limit(logRate), logBurst),
		logger:     logger,
	}
}

func (r *Registry) counter(name string) *atomic.Int64 {
	switch name {
	case "exit_io_in":
		return &r.exitIoIn
	case "exit_io_out":
		return &r.exitIoOut
	case "exit_mmio_read":
		return &r.exitMmioRead
	case "exit_mmio_write":
		return &r.exitMmioWrite
	case "vcpu_failures":
		return &r.vcpuFailures
	case "boot_complete_latency_ns":
		return &r.bootLatencyNs
	default:
		return nil
	}
}

// Inc increments the named counter by one. Unknown names are ignored; a
// counter name is a programming-time contract, not user input.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add increments the named counter by delta.
func (r *Registry) Add(name string, delta int64) {
	if c := r.counter(name); c != nil {
		c.Add(delta)
	}
}

// Value returns the current value of the named counter, for tests and
// introspection.
func (r *Registry) Value(name string) int64 {
	if c := r.counter(name); c != nil {
		return c.Load()
	}
	return 0
}

// ObserveFailure bumps vcpu_failures and emits a structured log line
// identifying the failing vCPU and why, subject to the log rate limiter.
func (r *Registry) ObserveFailure(vcpuID int, reason string) {
	r.vcpuFailures.Add(1)
	if !r.logLimiter.Allow() {
		return
	}
	r.logger.Error("vcpu failed", "vcpu", vcpuID, "reason", reason)
}

// BootComplete records the boot-complete signal's latency relative to
// start, logging once per call (the dispatcher is responsible for making
// this one-shot per vCPU).
func (r *Registry) BootComplete(vcpuID int, start time.Time) {
	latency := time.Since(start)
	r.bootLatencyNs.Store(latency.Nanoseconds())
	r.logger.Info("guest boot complete", "vcpu", vcpuID, "latency", latency)
}

var _ Sink = (*Registry)(nil)
