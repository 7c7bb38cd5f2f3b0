//go:build linux

package vmm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ConfigureVcpus runs Configure on every vCPU concurrently and waits for
// all of them to finish, so CPUID filtering and register setup for many
// vCPUs overlaps instead of serializing. The first error from any vCPU is
// returned once every goroutine has completed; the others' errors are
// discarded.
func ConfigureVcpus(vcpus []*Vcpu, cfg func(id int) VCPUConfig) error {
	var g errgroup.Group
	for _, vcpu := range vcpus {
		vcpu := vcpu
		g.Go(func() error {
			return vcpu.Configure(cfg(vcpu.id))
		})
	}
	return g.Wait()
}

// Supervisor owns the one OS thread per vCPU the guest's dispatch loops
// run on, the thread barrier that releases them into the run loop in
// lockstep once every vCPU is configured, and the single exit eventfd
// every vCPU thread signals when its Run returns.
type Supervisor struct {
	vcpus     []*Vcpu
	barrier   *Barrier
	exitEvtFd int
}

// NewSupervisor wires barrier and exit-eventfd plumbing for vcpus. Each
// vCPU's barrier and ExitEventFd fields are set as a side effect; the
// caller still configures and runs them.
func NewSupervisor(vcpus []*Vcpu) (*Supervisor, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("vmm: create exit eventfd: %w", err)
	}

	s := &Supervisor{
		vcpus:     vcpus,
		barrier:   NewBarrier(len(vcpus)),
		exitEvtFd: fd,
	}
	for _, vcpu := range vcpus {
		vcpu.SetBarrier(s.barrier)
		vcpu.ExitEventFd = fd
	}
	return s, nil
}

// ExitEventFd returns the fd that becomes readable each time a vCPU thread's
// Run returns. A host event loop polls it; a single read drains however
// many vCPUs have exited since the last read (eventfd counters coalesce),
// so the supervisor's own poll loop should re-check vCPU liveness rather
// than assume exactly one vCPU exited per readable event.
func (s *Supervisor) ExitEventFd() int {
	return s.exitEvtFd
}

// RunAll spawns one goroutine per vCPU, each pinned to its own OS thread
// via runtime.LockOSThread inside Run, and waits for every one of them to
// return. The thread barrier inside Run ensures none of them enters the
// dispatch loop before every peer has finished Configure. The first
// non-ErrHalted error from any vCPU is returned once all goroutines have
// finished; a vCPU ending in ErrHalted is the expected, successful end of
// its life and is not propagated.
func (s *Supervisor) RunAll(ctx context.Context) error {
	var g errgroup.Group
	for _, vcpu := range s.vcpus {
		vcpu := vcpu
		g.Go(func() error {
			err := vcpu.Run(ctx)
			if err == ErrHalted {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Close releases the shared exit eventfd. Call after every vCPU thread has
// returned from RunAll.
func (s *Supervisor) Close() error {
	return unix.Close(s.exitEvtFd)
}
