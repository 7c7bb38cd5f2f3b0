//go:build linux

package ratelimiter

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// timer wraps a Linux timerfd: a file descriptor that becomes readable once
// per expiration, so it can sit in the same poll/epoll set as any other
// event source an embedder's run loop already watches.
type timer struct {
	fd int
}

func newTimer() (*timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("ratelimiter: timerfd_create: %w", err)
	}
	return &timer{fd: fd}, nil
}

// arm schedules a one-shot fire after delay then, if period is non-zero,
// repeating every period thereafter. delay of 0 disarms the timer.
func (t *timer) arm(delay, period time.Duration) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(delay.Nanoseconds()),
		Interval: unix.NsecToTimespec(period.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("ratelimiter: timerfd_settime: %w", err)
	}
	return nil
}

// disarm stops the timer from firing again.
func (t *timer) disarm() error {
	return t.arm(0, 0)
}

// drain consumes the 8-byte expiration counter so the fd stops being
// readable until the timer fires again. Returns false if the fd was not
// actually readable (EAGAIN) -- a spurious wakeup.
func (t *timer) drain() (bool, error) {
	var buf [8]byte
	_, err := unix.Read(t.fd, buf[:])
	if err == unix.EAGAIN {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ratelimiter: read timerfd: %w", err)
	}
	return true, nil
}

func (t *timer) close() error {
	return unix.Close(t.fd)
}
