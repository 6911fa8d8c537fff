package reactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	oerrors "github.com/opd-ai/go-oniontrace/pkg/errors"
)

// Readiness selects which edge(s) a registration cares about. The driver
// only ever needs read-readiness: timers, the control connection's
// notification eventfd, and the shutdown/heartbeat timers all signal by
// becoming readable.
type Readiness uint32

const (
	// Read indicates the descriptor is ready when readable.
	Read Readiness = unix.EPOLLIN
)

// Callback is invoked when its registered descriptor becomes ready.
type Callback func(fd int, readiness Readiness)

type registration struct {
	fd        int
	readiness Readiness
	callback  Callback
}

// Manager is a single-threaded epoll reactor. All registration, dispatch,
// and deregistration happens on the goroutine that calls Run; Stop may only
// be called from within a callback running on that goroutine.
type Manager struct {
	epollFD int

	mu    sync.Mutex
	regs  map[int]*registration
	stop  atomic.Bool
	dead  map[int]bool
	ready bool
}

// NewManager creates an epoll instance. Callers must call Close when done.
func NewManager() (*Manager, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, oerrors.ReactorError("epoll_create1 failed", err)
	}
	return &Manager{
		epollFD: fd,
		regs:    make(map[int]*registration),
		dead:    make(map[int]bool),
		ready:   true,
	}, nil
}

// Register associates fd with callback for the given readiness. Idempotent
// only per (fd, readiness) pair; registering an fd twice replaces its
// callback. Registrations are rejected once Stop has been observed.
func (m *Manager) Register(fd int, readiness Readiness, callback Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ready {
		return oerrors.ReactorError("manager is stopped, registration rejected", nil)
	}

	event := unix.EpollEvent{Events: uint32(readiness), Fd: int32(fd)}

	op := unix.EPOLL_CTL_ADD
	if _, exists := m.regs[fd]; exists {
		op = unix.EPOLL_CTL_MOD
	}

	if err := unix.EpollCtl(m.epollFD, op, fd, &event); err != nil {
		return oerrors.ReactorError("epoll_ctl failed", err)
	}

	m.regs[fd] = &registration{fd: fd, readiness: readiness, callback: callback}
	delete(m.dead, fd)
	return nil
}

// Deregister removes fd from the set watched by the reactor. Safe to call
// from within a callback dispatched for any fd, including fd itself; fd is
// removed from epoll at once, and any events already returned for it in the
// current epoll_wait batch are skipped.
func (m *Manager) Deregister(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.regs[fd]; !exists {
		return nil
	}

	delete(m.regs, fd)
	m.dead[fd] = true

	if err := unix.EpollCtl(m.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return oerrors.ReactorError("epoll_ctl delete failed", err)
	}
	return nil
}

// Run blocks, dispatching callbacks as descriptors become ready, until Stop
// is invoked from any callback. Callbacks run to completion on this
// goroutine and must not block.
func (m *Manager) Run() error {
	const maxEvents = 64
	events := make([]unix.EpollEvent, maxEvents)

	for {
		if m.stop.Load() {
			return nil
		}

		n, err := unix.EpollWait(m.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return oerrors.ReactorError("epoll_wait failed", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			m.mu.Lock()
			if m.dead[fd] {
				m.mu.Unlock()
				continue
			}
			reg, ok := m.regs[fd]
			m.mu.Unlock()
			if !ok {
				continue
			}

			reg.callback(fd, Readiness(events[i].Events))

			if m.stop.Load() {
				m.mu.Lock()
				m.dead = make(map[int]bool)
				m.mu.Unlock()
				return nil
			}
		}

		m.mu.Lock()
		m.dead = make(map[int]bool)
		m.mu.Unlock()
	}
}

// Stop causes Run to unwind after completing the current callback. Must only
// be invoked from within a callback executing on Run's goroutine; no
// cross-thread wake primitive is needed because nothing outside the reactor
// thread ever calls Stop directly (the control client's reader goroutine
// signals via an eventfd and registered callback instead).
func (m *Manager) Stop() {
	m.stop.Store(true)
	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()
}

// Close releases the epoll descriptor itself. Call once Run has returned.
func (m *Manager) Close() error {
	return unix.Close(m.epollFD)
}
