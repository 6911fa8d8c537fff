package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	oerrors "github.com/opd-ai/go-oniontrace/pkg/errors"
)

// Notifier is an eventfd a background goroutine can signal to wake the
// reactor thread without performing any state mutation itself. It is the
// one cross-thread primitive in the design: everything it carries across the
// boundary is "something changed, go check the queue", never the changed
// state itself.
type Notifier struct {
	fd int
}

// NewNotifier creates an eventfd in semaphore-less counter mode.
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, oerrors.ReactorError("eventfd create failed", err)
	}
	return &Notifier{fd: fd}, nil
}

// FD returns the descriptor to register with a Manager.
func (n *Notifier) FD() int {
	return n.fd
}

// Signal wakes any goroutine blocked in the reactor's epoll_wait on this
// descriptor. Safe to call from any goroutine.
func (n *Notifier) Signal() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(n.fd, buf[:]) //nolint:errcheck // best-effort wake, EAGAIN means already pending
}

// Drain consumes the pending counter value so the descriptor stops being
// readable. Call from the reactor-thread callback after processing whatever
// the signal announced.
func (n *Notifier) Drain() {
	var buf [8]byte
	unix.Read(n.fd, buf[:]) //nolint:errcheck // EAGAIN just means nothing was pending
}

// Close releases the descriptor.
func (n *Notifier) Close() error {
	return unix.Close(n.fd)
}
