//go:build linux

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/microvm/internal/debug"
	"github.com/tinyrange/microvm/internal/metrics"
	"github.com/tinyrange/microvm/internal/timeslice"
)

// immediateExitSignalOnce installs the process-wide handler for the signal
// RequestImmediateExit delivers to a vCPU's OS thread. Without a registered
// handler the signal's default disposition terminates the whole process on
// first delivery; registering it with signal.Notify is enough to make the
// kernel interrupt the in-flight KVM_RUN with EINTR without tearing
// anything down, so the drain loop below only exists to keep the channel
// from filling up.
var immediateExitSignalOnce sync.Once

func installImmediateExitSignalHandler() {
	immediateExitSignalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, unix.SIGUSR1)
		go func() {
			for range ch {
			}
		}()
	})
}

var (
	tsVcpuHostTime  = timeslice.RegisterKind("vcpu_host_time", 0)
	tsVcpuGuestTime = timeslice.RegisterKind("vcpu_guest_time", timeslice.SliceFlagGuestTime)
)

// ExitKind is the closed set of vCPU exit reasons the dispatch loop
// actually acts on. Exit reasons KVM can report but this module has no
// behavior for collapse into ExitOther and are fatal.
type ExitKind int

const (
	ExitIoIn ExitKind = iota
	ExitIoOut
	ExitMmioRead
	ExitMmioWrite
	ExitHlt
	ExitShutdown
	ExitFailEntry
	ExitInternalError
	ExitOther
)

// Exit is one classified vCPU exit: the dispatch loop's only view into why
// KVM_RUN returned.
type Exit struct {
	Kind ExitKind
	Port uint16
	Addr uint64
	Buf  []byte
	Raw  kvmExitReason
}

// ErrHalted is returned from Vcpu.Run when the guest halts or shuts down;
// it is the expected, non-error end of the run loop's life.
var ErrHalted = errors.New("vmm: vcpu halted")

// Vcpu is one virtual CPU: the per-vCPU fd, its mmap'd kvm_run page, the
// port-I/O and MMIO buses it dispatches to, and the bookkeeping needed to emit the
// one-shot boot-complete log.
type Vcpu struct {
	id  int
	fd  int
	vm  *VM
	run []byte

	pioBus  Bus
	mmioBus Bus
	metrics metrics.Sink

	// SeccompFilter, if set, is invoked once at the start of Run, before
	// the first KVM_RUN, on the OS thread Run executes on. The filter
	// table itself is the caller's concern; a nil hook is a no-op. A
	// failure to install the filter panics the vCPU thread: running a
	// guest without the sandbox the caller asked for is never acceptable,
	// so this is not a recoverable error.
	SeccompFilter func() error

	// ExitEventFd, if set, receives a single write of 1 when Run returns for
	// any reason (halt, shutdown, or fatal error), so a supervisor polling
	// this fd learns the vCPU thread is done without joining it directly.
	// Write failures are logged, never returned from Run.
	ExitEventFd int

	createdAt  time.Time
	bootLogged bool
	barrier    *Barrier
	rec        *timeslice.Recorder
	tid        atomic.Int64

	arch vcpuArchState
}

// ID returns the vCPU index within its VM.
func (v *Vcpu) ID() int { return v.id }

// SetBuses installs the port-I/O and MMIO buses this vCPU's exits dispatch
// to. Either may be nil to discard that class of access. Must be called
// before Run.
func (v *Vcpu) SetBuses(pio, mmio Bus) {
	if pio == nil {
		pio = nullBus{}
	}
	if mmio == nil {
		mmio = nullBus{}
	}
	v.pioBus = pio
	v.mmioBus = mmio
}

// SetMetrics installs the counters sink exits and failures are recorded
// against. A nil sink is legal: exits still dispatch, just uncounted.
func (v *Vcpu) SetMetrics(sink metrics.Sink) {
	v.metrics = sink
}

// SetBarrier installs the thread barrier this vCPU waits on between
// Configure and Run.
func (v *Vcpu) SetBarrier(b *Barrier) {
	v.barrier = b
}

func (v *Vcpu) runData() *kvmRunData {
	return runDataOverlay(v.run)
}

func (v *Vcpu) incCounter(name string) {
	if v.metrics != nil {
		v.metrics.Inc(name)
	}
}

// Tid returns the OS thread id Run is currently executing on, or 0 if Run
// is not in progress. A supervisor that needs to kick this vCPU out of
// KVM_RUN from another goroutine (e.g. in response to a rate-limiter
// unblock or a shutdown request) calls RequestImmediateExit with this value.
func (v *Vcpu) Tid() int {
	return int(v.tid.Load())
}

// RequestImmediateExit asks this vCPU's in-flight KVM_RUN to return as soon
// as possible, by setting immediate_exit on the shared run page and
// signaling the OS thread tid is bound to. It is the only supported way to
// unblock a vCPU thread that is not making progress (e.g. the rate limiter
// blocking it, or a shutdown request).
func (v *Vcpu) RequestImmediateExit(tid int) error {
	run := v.runData()
	run.immediateExit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("vmm: request immediate exit on vcpu %d: %w", v.id, err)
	}
	return nil
}

// Run blocks in KVM_RUN, dispatching exits to the buses until a fatal exit
// occurs, ctx is canceled, or an unrecoverable error is returned by the
// kernel. It absorbs EAGAIN/EINTR as the signal-driven-kick protocol
// requires: those are how RequestImmediateExit unblocks a vCPU without
// tearing it down.
func (v *Vcpu) Run(ctx context.Context) error {
	installImmediateExitSignalHandler()
	defer v.notifyExit()

	// Pin this goroutine to its OS thread for the rest of Run: the tid
	// captured below for the signal-driven kick must stay valid for as long
	// as this vCPU can be in KVM_RUN, and tgkill-ing a thread the Go
	// scheduler has since reused for something else would either miss the
	// kick or interrupt unrelated work.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if v.SeccompFilter != nil {
		if err := v.SeccompFilter(); err != nil {
			panic(fmt.Sprintf("Failed to set the requested seccomp filters on vCPU %d: Error: %v", v.id, err))
		}
	}
	if v.pioBus == nil {
		v.pioBus = nullBus{}
	}
	if v.mmioBus == nil {
		v.mmioBus = nullBus{}
	}
	if v.createdAt.IsZero() {
		v.createdAt = time.Now()
	}
	if v.barrier != nil {
		v.barrier.Wait()
	}

	tid := unix.Gettid()
	v.tid.Store(int64(tid))
	defer v.tid.Store(0)

	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	run := v.runData()
	run.immediateExit = 0

	if v.rec == nil {
		v.rec = timeslice.NewRecorder()
	}

	for {
		v.rec.Record(tsVcpuHostTime)
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		v.rec.Record(tsVcpuGuestTime)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				continue
			}
			v.observeFailure(fmt.Sprintf("KVM_RUN: %v", err))
			return newError(ErrVcpuRun, err)
		}

		exit, err := decodeExit(v.run)
		if err != nil {
			v.observeFailure(err.Error())
			return newError(ErrVcpuUnhandledKvmExit, err)
		}

		done, err := v.dispatch(exit)
		if err != nil {
			v.observeFailure(err.Error())
			return err
		}
		if done {
			return ErrHalted
		}
	}
}

// notifyExit writes 1 to ExitEventFd when Run returns, for any reason. A
// failed write is logged but never propagated: the supervisor missing one
// notification is not worth tearing down an already-finished vCPU thread for.
func (v *Vcpu) notifyExit() {
	if v.ExitEventFd == 0 {
		return
	}
	buf := [8]byte{1}
	if _, err := unix.Write(v.ExitEventFd, buf[:]); err != nil {
		slog.Error("failed signaling vcpu exit event", "vcpu", v.id, "error", err)
	}
}

func (v *Vcpu) observeFailure(reason string) {
	if v.metrics != nil {
		v.metrics.ObserveFailure(v.id, reason)
	}
}

// dispatch routes one classified exit to the bus or ends the loop. It
// returns done=true when the run loop should end (the guest halted or shut
// down), without that being an error in itself.
func (v *Vcpu) dispatch(exit Exit) (done bool, err error) {
	switch exit.Kind {
	case ExitIoIn:
		v.pioBus.Read(uint64(exit.Port), exit.Buf)
		debug.Writef("vmm.dispatch", "vcpu %d io-in port=0x%04x data=% x", v.id, exit.Port, exit.Buf)
		v.incCounter("exit_io_in")
		return false, nil

	case ExitIoOut:
		if exit.Port == magicIOPortBootComplete && len(exit.Buf) > 0 && exit.Buf[0] == magicValueBootCompleteByte {
			v.emitBootComplete()
		}
		v.pioBus.Write(uint64(exit.Port), exit.Buf)
		debug.Writef("vmm.dispatch", "vcpu %d io-out port=0x%04x data=% x", v.id, exit.Port, exit.Buf)
		v.incCounter("exit_io_out")
		return false, nil

	case ExitMmioRead:
		v.mmioBus.Read(exit.Addr, exit.Buf)
		debug.Writef("vmm.dispatch", "vcpu %d mmio-read addr=0x%016x len=%d", v.id, exit.Addr, len(exit.Buf))
		v.incCounter("exit_mmio_read")
		return false, nil

	case ExitMmioWrite:
		v.mmioBus.Write(exit.Addr, exit.Buf)
		debug.Writef("vmm.dispatch", "vcpu %d mmio-write addr=0x%016x data=% x", v.id, exit.Addr, exit.Buf)
		v.incCounter("exit_mmio_write")
		return false, nil

	case ExitHlt:
		debug.Writef("vmm.dispatch", "vcpu %d halted", v.id)
		slog.Debug("vcpu halted", "vcpu", v.id)
		return true, nil

	case ExitShutdown:
		debug.Writef("vmm.dispatch", "vcpu %d shutdown", v.id)
		slog.Debug("vcpu shutdown", "vcpu", v.id)
		return true, nil

	case ExitFailEntry, ExitInternalError, ExitOther:
		return false, fmt.Errorf("vmm: vcpu %d fatal exit %s", v.id, exit.Raw)

	default:
		return false, fmt.Errorf("vmm: vcpu %d unclassified exit %s", v.id, exit.Raw)
	}
}

// emitBootComplete logs the boot-complete signal exactly once per vCPU
// lifetime, measured against the vCPU's creation timestamp.
func (v *Vcpu) emitBootComplete() {
	if v.bootLogged {
		return
	}
	v.bootLogged = true
	if reg, ok := v.metrics.(interface {
		BootComplete(vcpuID int, start time.Time)
	}); ok {
		reg.BootComplete(v.id, v.createdAt)
		return
	}
	slog.Info("guest boot complete", "vcpu", v.id, "latency", time.Since(v.createdAt))
}

// Close unmaps the kvm_run page and releases the vCPU fd.
func (v *Vcpu) Close() error {
	if v.run != nil {
		unix.Munmap(v.run)
		v.run = nil
	}
	return unix.Close(v.fd)
}
