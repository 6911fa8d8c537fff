// Package control implements an asynchronous client for the control
// protocol exposed by a running onion router: connect, authenticate, poll
// bootstrap status, subscribe to circuit lifecycle events, and issue
// explicit-path circuit launches. It speaks the same line-oriented wire
// protocol a Tor control port does, from the client side.
//
// All commands return immediately: a single background goroutine dials the
// connection and then runs the blocking socket read loop, handing
// completions to the reactor thread as queued closures, signalled through a
// reactor.Notifier eventfd. Commands are written to the connection on the
// calling goroutine, and Close closes it there.
package control

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	oerrors "github.com/opd-ai/go-oniontrace/pkg/errors"
	"github.com/opd-ai/go-oniontrace/pkg/logger"
	"github.com/opd-ai/go-oniontrace/pkg/reactor"
)

const bootstrapPollInterval = 250 * time.Millisecond

// replyCallback receives the status code and raw lines of one completed
// command reply.
type replyCallback func(code int, lines []string)

// Client is an asynchronous control-protocol client. Every public method
// returns immediately; results are delivered by invoking the supplied
// callback on the reactor thread.
type Client struct {
	manager     *reactor.Manager
	notifier    *reactor.Notifier
	log         *logger.Logger
	controlPort uint16

	mu             sync.Mutex
	conn           net.Conn
	writer         *bufio.Writer
	queue          []func()
	pendingReplies []replyCallback
	listeners      []CircuitEventListener
	closed         bool
}

// NewClient creates a control client and immediately begins connecting to
// 127.0.0.1:controlPort in the background. onConnected is invoked exactly
// once on the reactor thread, with a non-nil error on connection failure;
// per the control protocol's contract the Driver decides whether to
// proceed based on the result of subsequent commands, not on this error
// alone.
func NewClient(manager *reactor.Manager, controlPort uint16, onConnected func(err error), log *logger.Logger) (*Client, error) {
	notifier, err := reactor.NewNotifier()
	if err != nil {
		return nil, oerrors.ConnectionError("failed to create control client notifier", err)
	}

	c := &Client{
		manager:     manager,
		notifier:    notifier,
		log:         log.Component("control"),
		controlPort: controlPort,
	}

	if err := manager.Register(notifier.FD(), reactor.Read, func(fd int, readiness reactor.Readiness) {
		notifier.Drain()
		c.runQueued()
	}); err != nil {
		notifier.Close()
		return nil, oerrors.ReactorError("failed to register control client notifier", err)
	}

	go c.dial(onConnected)

	return c, nil
}

func (c *Client) dial(onConnected func(err error)) {
	addr := fmt.Sprintf("127.0.0.1:%d", c.controlPort)
	conn, err := net.Dial("tcp", addr)

	c.mu.Lock()
	if err == nil {
		c.conn = conn
		c.writer = bufio.NewWriter(conn)
	}
	c.mu.Unlock()

	c.enqueue(func() { onConnected(err) })

	if err != nil {
		return
	}
	c.readLoop(conn)
}

// readLoop is the one blocking-I/O goroutine in the client. It does no
// protocol-state mutation itself; it only parses wire framing and hands
// complete units (replies, events) to the reactor thread via enqueue.
func (c *Client) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	var replyLines []string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.enqueue(func() { c.handleDisconnect(err) })
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			continue
		}

		code, convErr := strconv.Atoi(line[0:3])
		if convErr != nil {
			continue
		}
		sep := line[3]
		replyLines = append(replyLines, line)

		if sep != ' ' {
			// Dash-continued multi-line reply; keep accumulating.
			continue
		}

		lines := replyLines
		replyLines = nil

		if code == 650 {
			if event := parseCircuitEvent(lines[len(lines)-1]); event != nil {
				c.enqueue(func() { c.dispatchEvent(event) })
			}
			continue
		}

		c.enqueue(func() { c.completeReply(code, lines) })
	}
}

func (c *Client) handleDisconnect(err error) {
	c.log.Warning("control connection closed", "error", err)

	c.mu.Lock()
	pending := c.pendingReplies
	c.pendingReplies = nil
	c.mu.Unlock()

	for _, cb := range pending {
		cb(0, nil)
	}
}

func (c *Client) enqueue(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	c.notifier.Signal()
}

func (c *Client) runQueued() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		fn := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		fn()
	}
}

func (c *Client) completeReply(code int, lines []string) {
	c.mu.Lock()
	if len(c.pendingReplies) == 0 {
		c.mu.Unlock()
		return
	}
	cb := c.pendingReplies[0]
	c.pendingReplies = c.pendingReplies[1:]
	c.mu.Unlock()
	cb(code, lines)
}

func (c *Client) dispatchEvent(event *CircuitEvent) {
	c.mu.Lock()
	listeners := append([]CircuitEventListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnCircuitEvent(event)
	}
}

// sendCommand writes a command and queues onReply for its matching reply.
// Commands complete in submission order per the single connection.
func (c *Client) sendCommand(cmd string, onReply replyCallback) {
	c.mu.Lock()
	if c.conn == nil || c.writer == nil || c.closed {
		c.mu.Unlock()
		c.enqueue(func() { onReply(0, nil) })
		return
	}
	c.pendingReplies = append(c.pendingReplies, onReply)
	writer := c.writer
	c.mu.Unlock()

	writer.WriteString(cmd + "\r\n")
	writer.Flush()
}

// Authenticate sends the authentication command over an open channel.
func (c *Client) Authenticate(onAuthenticated func(err error)) {
	c.sendCommand("AUTHENTICATE", func(code int, lines []string) {
		if code != 250 {
			onAuthenticated(oerrors.ProtocolError(fmt.Sprintf("AUTHENTICATE failed: %s", lastLine(lines)), nil))
			return
		}
		onAuthenticated(nil)
	})
}

// GetBootstrapStatus polls GETINFO status/bootstrap-phase until the router
// reports full bootstrap, then fires onBootstrapped exactly once.
func (c *Client) GetBootstrapStatus(onBootstrapped func(err error)) {
	c.pollBootstrap(onBootstrapped)
}

func (c *Client) pollBootstrap(onBootstrapped func(err error)) {
	c.sendCommand("GETINFO status/bootstrap-phase", func(code int, lines []string) {
		if code != 250 {
			onBootstrapped(oerrors.ProtocolError("GETINFO status/bootstrap-phase failed", nil))
			return
		}
		if bootstrapComplete(lines) {
			onBootstrapped(nil)
			return
		}

		timer, err := reactor.NewTimer(nil, nil)
		if err != nil {
			onBootstrapped(oerrors.TimerError("failed to create bootstrap poll timer", err))
			return
		}
		timer.SetCallback(func(ctx any) {
			c.manager.Deregister(timer.FD())
			timer.Free()
			c.pollBootstrap(onBootstrapped)
		})
		if err := timer.ArmOnce(bootstrapPollInterval); err != nil {
			onBootstrapped(oerrors.TimerError("failed to arm bootstrap poll timer", err))
			return
		}
		if err := c.manager.Register(timer.FD(), reactor.Read, func(fd int, readiness reactor.Readiness) {
			timer.Check()
		}); err != nil {
			onBootstrapped(oerrors.ReactorError("failed to register bootstrap poll timer", err))
		}
	})
}

// bootstrapComplete inspects a GETINFO status/bootstrap-phase reply for
// PROGRESS=100 or TAG=done.
func bootstrapComplete(lines []string) bool {
	for _, line := range lines {
		if strings.Contains(line, "PROGRESS=100") || strings.Contains(line, "TAG=done") {
			return true
		}
	}
	return false
}

// SubscribeCircuitEvents registers listener to receive circuit lifecycle
// events and, the first time it is called, issues SETEVENTS CIRC so the
// router begins emitting them.
func (c *Client) SubscribeCircuitEvents(listener CircuitEventListener) {
	c.mu.Lock()
	first := len(c.listeners) == 0
	c.listeners = append(c.listeners, listener)
	c.mu.Unlock()

	if !first {
		return
	}

	c.sendCommand("SETEVENTS CIRC", func(code int, lines []string) {
		if code != 250 {
			c.log.Warning("failed to subscribe to circuit events", "code", code)
		}
	})
}

// LaunchCircuit issues a directed circuit construction with an explicit
// relay path and purpose, yielding the router-assigned circuit id or an
// error to onResult.
func (c *Client) LaunchCircuit(path []string, purpose string, onResult func(circuitID uint32, err error)) {
	cmd := fmt.Sprintf("EXTENDCIRCUIT 0 %s PURPOSE=%s", strings.Join(path, ","), purpose)

	c.sendCommand(cmd, func(code int, lines []string) {
		if code != 250 {
			onResult(0, oerrors.ProtocolError(fmt.Sprintf("EXTENDCIRCUIT failed: %s", lastLine(lines)), nil))
			return
		}

		id, err := parseExtendedCircuitID(lines)
		if err != nil {
			onResult(0, oerrors.ProtocolError("could not parse EXTENDCIRCUIT reply", err))
			return
		}
		onResult(id, nil)
	})
}

// parseExtendedCircuitID extracts the circuit id from a
// "250 EXTENDED <CircuitID>" reply.
func parseExtendedCircuitID(lines []string) (uint32, error) {
	if len(lines) == 0 {
		return 0, fmt.Errorf("empty reply")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 3 {
		return 0, fmt.Errorf("malformed EXTENDED reply: %q", lines[len(lines)-1])
	}
	id, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed circuit id in EXTENDED reply: %w", err)
	}
	return uint32(id), nil
}

func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// LocalPort returns the local TCP port of the control connection, or 0 if
// not yet connected.
func (c *Client) LocalPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0
	}
	if addr, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close tears the connection and its reactor registration down. Safe to
// call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.manager.Deregister(c.notifier.FD())
	c.notifier.Close()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
