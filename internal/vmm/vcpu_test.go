//go:build linux

package vmm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type recordingBus struct {
	reads  []uint64
	writes []uint64
}

func (b *recordingBus) Read(addr uint64, buf []byte)  { b.reads = append(b.reads, addr) }
func (b *recordingBus) Write(addr uint64, buf []byte) { b.writes = append(b.writes, addr) }

type recordingSink struct {
	counts        map[string]int
	failures      int
	bootCompletes int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counts: make(map[string]int)}
}

func (s *recordingSink) Inc(name string)              { s.counts[name]++ }
func (s *recordingSink) Add(name string, delta int64) { s.counts[name] += int(delta) }
func (s *recordingSink) ObserveFailure(vcpuID int, reason string) {
	s.failures++
}
func (s *recordingSink) BootComplete(vcpuID int, start time.Time) {
	s.bootCompletes++
}

func TestDispatchIoRoutesToPortBus(t *testing.T) {
	pio := &recordingBus{}
	mmio := &recordingBus{}
	sink := newRecordingSink()

	v := &Vcpu{id: 0, createdAt: time.Now()}
	v.SetBuses(pio, mmio)
	v.SetMetrics(sink)

	done, err := v.dispatch(Exit{Kind: ExitIoIn, Port: 0x60, Buf: make([]byte, 1)})
	if done || err != nil {
		t.Fatalf("io-in dispatch: done=%v err=%v", done, err)
	}
	done, err = v.dispatch(Exit{Kind: ExitIoOut, Port: 0x3f8, Buf: []byte{0x41}})
	if done || err != nil {
		t.Fatalf("io-out dispatch: done=%v err=%v", done, err)
	}

	if len(pio.reads) != 1 || pio.reads[0] != 0x60 {
		t.Fatalf("port bus reads = %v, want [0x60]", pio.reads)
	}
	if len(pio.writes) != 1 || pio.writes[0] != 0x3f8 {
		t.Fatalf("port bus writes = %v, want [0x3f8]", pio.writes)
	}
	if len(mmio.reads)+len(mmio.writes) != 0 {
		t.Fatalf("mmio bus should be untouched by port I/O")
	}
	if sink.counts["exit_io_in"] != 1 || sink.counts["exit_io_out"] != 1 {
		t.Fatalf("counters = %v, want one exit_io_in and one exit_io_out", sink.counts)
	}
}

func TestDispatchMmioRoutesToMmioBus(t *testing.T) {
	pio := &recordingBus{}
	mmio := &recordingBus{}
	sink := newRecordingSink()

	v := &Vcpu{id: 0, createdAt: time.Now()}
	v.SetBuses(pio, mmio)
	v.SetMetrics(sink)

	v.dispatch(Exit{Kind: ExitMmioRead, Addr: 0xd0000000, Buf: make([]byte, 4)})
	v.dispatch(Exit{Kind: ExitMmioWrite, Addr: 0xd0000004, Buf: []byte{1, 2, 3, 4}})

	if len(mmio.reads) != 1 || mmio.reads[0] != 0xd0000000 {
		t.Fatalf("mmio bus reads = %v, want [0xd0000000]", mmio.reads)
	}
	if len(mmio.writes) != 1 || mmio.writes[0] != 0xd0000004 {
		t.Fatalf("mmio bus writes = %v, want [0xd0000004]", mmio.writes)
	}
	if sink.counts["exit_mmio_read"] != 1 || sink.counts["exit_mmio_write"] != 1 {
		t.Fatalf("counters = %v, want one exit_mmio_read and one exit_mmio_write", sink.counts)
	}
}

func TestDispatchBootCompleteMagicPortIsOneShot(t *testing.T) {
	sink := newRecordingSink()
	v := &Vcpu{id: 0, createdAt: time.Now()}
	v.SetBuses(&recordingBus{}, nil)
	v.SetMetrics(sink)

	magic := Exit{Kind: ExitIoOut, Port: magicIOPortBootComplete, Buf: []byte{magicValueBootCompleteByte}}
	v.dispatch(magic)
	v.dispatch(magic)

	if sink.bootCompletes != 1 {
		t.Fatalf("boot-complete emitted %d times, want exactly once", sink.bootCompletes)
	}
	if sink.counts["exit_io_out"] != 2 {
		t.Fatalf("exit_io_out = %d, want 2 (magic writes still reach the bus)", sink.counts["exit_io_out"])
	}
}

func TestDispatchOtherByteOnMagicPortIsNotBootComplete(t *testing.T) {
	sink := newRecordingSink()
	v := &Vcpu{id: 0, createdAt: time.Now()}
	v.SetBuses(&recordingBus{}, nil)
	v.SetMetrics(sink)

	v.dispatch(Exit{Kind: ExitIoOut, Port: magicIOPortBootComplete, Buf: []byte{0x00}})

	if sink.bootCompletes != 0 {
		t.Fatalf("unexpected boot-complete for a non-magic byte")
	}
}

func TestDispatchHltAndShutdownEndTheLoop(t *testing.T) {
	v := &Vcpu{id: 0}
	v.SetBuses(nil, nil)

	done, err := v.dispatch(Exit{Kind: ExitHlt})
	if !done || err != nil {
		t.Fatalf("hlt: done=%v err=%v, want done with no error", done, err)
	}
	done, err = v.dispatch(Exit{Kind: ExitShutdown})
	if !done || err != nil {
		t.Fatalf("shutdown: done=%v err=%v, want done with no error", done, err)
	}
}

func TestDispatchFailEntryIsFatal(t *testing.T) {
	v := &Vcpu{id: 0}
	v.SetBuses(nil, nil)

	_, err := v.dispatch(Exit{Kind: ExitFailEntry, Raw: kvmExitFailEntry})
	if err == nil {
		t.Fatalf("expected fail-entry dispatch to be fatal")
	}
}

func TestNotifyExitWritesEventFd(t *testing.T) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		t.Skipf("eventfd: %v", err)
	}
	defer unix.Close(fd)

	v := &Vcpu{id: 0, ExitEventFd: fd}
	v.notifyExit()

	buf := make([]byte, 8)
	n, err := unix.Read(fd, buf)
	if err != nil {
		t.Fatalf("read exit eventfd: %v", err)
	}
	if n != 8 {
		t.Fatalf("read %d bytes, want 8", n)
	}
}

func TestNotifyExitNoopWithoutFd(t *testing.T) {
	v := &Vcpu{id: 0}
	v.notifyExit() // must not panic or block
}

func TestRunPanicsWhenSeccompFilterFails(t *testing.T) {
	v := &Vcpu{id: 3}
	v.SeccompFilter = func() error {
		return errors.New("filter rejected by kernel")
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected Run to panic when the seccomp filter cannot be installed")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "seccomp filters on vCPU 3") {
			t.Fatalf("panic = %v, want a message naming the vCPU and the filter failure", r)
		}
	}()
	v.Run(context.Background())
}

func TestTidZeroWhenNotRunning(t *testing.T) {
	v := &Vcpu{id: 0}
	if got := v.Tid(); got != 0 {
		t.Fatalf("Tid() = %d, want 0 before Run", got)
	}
}
