// Package reactor provides the single-threaded epoll event manager and
// timerfd-backed timer source the driver multiplexes all I/O and scheduling
// through.
package reactor

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	oerrors "github.com/opd-ai/go-oniontrace/pkg/errors"
)

// TimerCallback is invoked at most once per Check call, when the timer has
// expired since it was last checked.
type TimerCallback func(ctx any)

// Timer wraps a Linux timerfd. It carries its own callback and context so a
// single generic readiness handler in the event manager can check and
// dispatch it.
type Timer struct {
	fd       int
	callback TimerCallback
	ctx      any
}

// NewTimer allocates a timer armed to nothing. Call Arm or ArmGranular before
// registering its descriptor with an event manager.
func NewTimer(callback TimerCallback, ctx any) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, oerrors.TimerError("timerfd_create failed", err)
	}
	return &Timer{fd: fd, callback: callback, ctx: ctx}, nil
}

// FD returns the descriptor that becomes readable when the timer expires.
func (t *Timer) FD() int {
	return t.fd
}

// SetCallback replaces the timer's callback and context. Useful when a
// timer is allocated before its eventual callback closure can be
// constructed (e.g. one that deregisters the timer's own fd).
func (t *Timer) SetCallback(callback TimerCallback) {
	t.callback = callback
}

// Arm arms the timer at a whole-second relative deadline. A non-zero
// intervalSeconds makes it periodic.
func (t *Timer) Arm(seconds, intervalSeconds uint32) error {
	spec := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(int64(seconds) * int64(1_000_000_000)),
		Interval: unix.NsecToTimespec(int64(intervalSeconds) * int64(1_000_000_000)),
	}
	return t.armSpec(&spec)
}

// ArmGranular arms the timer with sub-second precision, one-shot or periodic
// depending on whether spec.Interval is zero.
func (t *Timer) ArmGranular(spec *unix.ItimerSpec) error {
	return t.armSpec(spec)
}

// ArmOnce arms the timer to fire exactly once after d elapses. It is the
// idiomatic-Go convenience used by callers that think in terms of
// time.Duration rather than raw itimerspec values (e.g. the control
// client's bootstrap-status poll retry).
func (t *Timer) ArmOnce(d time.Duration) error {
	if d <= 0 {
		// A zero it_value disarms a timerfd, so a zero delay is armed at
		// the smallest non-zero deadline to make it fire right away.
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	return t.armSpec(&spec)
}

func (t *Timer) armSpec(spec *unix.ItimerSpec) error {
	if err := unix.TimerfdSettime(t.fd, 0, spec, nil); err != nil {
		return oerrors.TimerError("timerfd_settime failed", err)
	}
	return nil
}

// Check consumes pending expirations and, if the timer has expired at least
// once since the last Check, invokes the callback exactly once. It returns
// whether the callback was invoked; false means a spurious wake (EAGAIN) or
// that another reader already consumed the expiration count.
func (t *Timer) Check() bool {
	var buf [8]byte
	n, err := unix.Read(t.fd, buf[:])
	if err != nil || n != 8 {
		return false
	}
	expirations := binary.LittleEndian.Uint64(buf[:])
	if expirations == 0 {
		return false
	}
	if t.callback != nil {
		t.callback(t.ctx)
	}
	return true
}

// Free disarms and releases the timer's descriptor. The caller is
// responsible for deregistering the descriptor from the event manager before
// or after calling Free; Free itself only releases the kernel resource.
func (t *Timer) Free() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	if err != nil {
		return fmt.Errorf("closing timerfd: %w", err)
	}
	return nil
}
