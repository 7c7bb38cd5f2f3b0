//go:build linux

package vmm

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestSignalKickInterruptsBlockedThread: delivering the kick signal to a
// blocked vCPU thread must interrupt its in-flight syscall with EINTR
// without terminating the thread or the process, and a supervisor polling
// the exit eventfd must keep seeing EAGAIN because the thread is still
// alive.
func TestSignalKickInterruptsBlockedThread(t *testing.T) {
	installImmediateExitSignalHandler()

	var pipeFds [2]int
	if err := unix.Pipe(pipeFds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipeFds[0])
	defer unix.Close(pipeFds[1])

	var tid atomic.Int64
	var gotEINTR atomic.Bool
	done := make(chan struct{})

	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tid.Store(int64(unix.Gettid()))

		// poll(2) with an infinite timeout is never auto-restarted, so a
		// delivered signal surfaces as EINTR just like an interrupted
		// KVM_RUN does.
		fds := []unix.PollFd{{Fd: int32(pipeFds[0]), Events: unix.POLLIN}}
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			gotEINTR.Store(true)
		}
	}()

	for tid.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)

	sup, err := NewSupervisor(nil)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Close()

	if err := unix.Tgkill(unix.Getpid(), int(tid.Load()), unix.SIGUSR1); err != nil {
		t.Fatalf("tgkill: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("signal did not interrupt the blocked thread")
	}
	if !gotEINTR.Load() {
		t.Fatalf("blocked syscall did not observe EINTR")
	}

	// No vCPU has exited, so the nonblocking exit eventfd must read EAGAIN.
	buf := make([]byte, 8)
	_, err = unix.Read(sup.ExitEventFd(), buf)
	if !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("exit eventfd read err = %v, want EAGAIN", err)
	}
}

func TestNewSupervisorWiresBarrierAndExitFd(t *testing.T) {
	vcpus := []*Vcpu{{id: 0}, {id: 1}, {id: 2}}

	sup, err := NewSupervisor(vcpus)
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	defer sup.Close()

	for _, v := range vcpus {
		if v.barrier != sup.barrier {
			t.Fatalf("vcpu %d barrier not wired to supervisor barrier", v.id)
		}
		if v.ExitEventFd != sup.ExitEventFd() {
			t.Fatalf("vcpu %d ExitEventFd = %d, want %d", v.id, v.ExitEventFd, sup.ExitEventFd())
		}
	}
}
