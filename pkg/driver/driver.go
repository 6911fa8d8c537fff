// Package driver implements the Driver state machine: it owns the control
// client and exactly one of {Recorder, Player}, advancing through
// Idle→Connecting→Authenticating→Bootstrapping→{Recording|Playing} and
// back to Idle on Stop.
package driver

import (
	"fmt"
	"sync"

	"github.com/opd-ai/go-oniontrace/pkg/config"
	"github.com/opd-ai/go-oniontrace/pkg/control"
	"github.com/opd-ai/go-oniontrace/pkg/health"
	"github.com/opd-ai/go-oniontrace/pkg/httpmetrics"
	"github.com/opd-ai/go-oniontrace/pkg/logger"
	"github.com/opd-ai/go-oniontrace/pkg/metrics"
	"github.com/opd-ai/go-oniontrace/pkg/player"
	"github.com/opd-ai/go-oniontrace/pkg/reactor"
	"github.com/opd-ai/go-oniontrace/pkg/recorder"
)

// State names the driver's position in its state machine. These exact
// strings are what heartbeat logs, the HTTP status endpoint, and the
// health checker all key off of.
type State string

const (
	StateIdle           State = "Idle"
	StateConnecting     State = "Connecting"
	StateAuthenticating State = "Authenticating"
	StateBootstrapping  State = "Bootstrapping"
	StateRecording      State = "Recording"
	StatePlaying        State = "Playing"
)

// Driver is the top-level state machine: it owns the control client,
// heartbeat and shutdown timers, and exactly one of {Recorder, Player}.
// State transitions happen only on the reactor thread; State and Stats
// are safe to call from any goroutine (the optional HTTP status server's
// handler goroutines in particular) because they take the same mutex the
// reactor-thread transitions use.
type Driver struct {
	config  *config.Config
	manager *reactor.Manager
	log     *logger.Logger
	metrics *metrics.Metrics
	id      string

	mu             sync.RWMutex
	state          State
	client         *control.Client
	recorder       *recorder.Recorder
	player         *player.Player
	heartbeatTimer *reactor.Timer
	shutdownTimer  *reactor.Timer

	healthMonitor *health.Monitor
	httpServer    *httpmetrics.Server
}

// New constructs an idle Driver. cfg and manager are borrowed and must
// outlive the Driver.
func New(cfg *config.Config, manager *reactor.Manager, log *logger.Logger) *Driver {
	return &Driver{
		config:  cfg,
		manager: manager,
		log:     log.Driver("Driver"),
		metrics: metrics.New(),
		id:      "Driver",
		state:   StateIdle,
	}
}

// State returns the driver's current state.
func (d *Driver) State() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return string(d.state)
}

// Metrics returns the driver's metrics instance for wiring into an
// httpmetrics.Server.
func (d *Driver) Metrics() *metrics.Metrics {
	return d.metrics
}

// Stats returns a health.DriverStats snapshot for a health.DriverHealthChecker.
func (d *Driver) Stats() health.DriverStats {
	d.mu.RLock()
	state := d.state
	d.mu.RUnlock()

	snap := d.metrics.Snapshot()
	return health.DriverStats{
		State:             string(state),
		CircuitsObserved:  snap.CircuitsObserved,
		CircuitsBuilt:     snap.CircuitsBuilt,
		CircuitsRemaining: snap.CircuitsRemaining,
		CircuitsFailed:    snap.CircuitsFailed,
	}
}

// subsystemStatus returns the active Recorder's or Player's to_string()
// equivalent, or "" outside Recording/Playing.
func (d *Driver) subsystemStatus() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.state {
	case StateRecording:
		if d.recorder != nil {
			return d.recorder.ToString()
		}
	case StatePlaying:
		if d.player != nil {
			return d.player.ToString()
		}
	}
	return ""
}

// Start begins the connect→authenticate→bootstrap sequence. Precondition:
// state = Idle. Returns an error (and leaves state unchanged) if the
// driver is already running.
func (d *Driver) Start() error {
	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()
		d.log.Message(fmt.Sprintf("%s: can't start driver because it is not idle", d.id))
		return fmt.Errorf("driver is not idle")
	}
	d.mu.Unlock()

	d.log.Message(fmt.Sprintf("%s: creating control client to connect to Tor", d.id))

	client, err := control.NewClient(d.manager, d.config.TorControlPort, d.onConnected, d.log)
	if err != nil {
		d.log.Message(fmt.Sprintf("%s: error creating tor controller instance", d.id))
		return err
	}

	d.mu.Lock()
	d.client = client
	d.state = StateConnecting
	d.mu.Unlock()

	d.log.Message(fmt.Sprintf("%s: created tor controller instance, connecting to port %d", d.id, d.config.TorControlPort))

	d.registerHeartbeat()

	if d.config.RunTimeSeconds > 0 {
		if err := d.registerShutdown(d.config.RunTimeSeconds); err != nil {
			d.log.Warning("failed to register shutdown timer", "error", err)
		}
	}

	if d.config.EnableMetrics {
		d.startMetricsServer()
	}

	return nil
}

// onConnected logs the handshake attempt and unconditionally proceeds to
// authenticate: per the control protocol's design, connection failures
// surface as subsequent command failures rather than at this callback.
func (d *Driver) onConnected(err error) {
	port := d.client.LocalPort()
	d.log.Message(fmt.Sprintf("%s: connection attempt finished on client port %d to Tor control server port %d",
		d.id, port, d.config.TorControlPort))
	if err != nil {
		d.log.Warning("connection attempt reported an error; proceeding to authenticate anyway", "error", err)
	}

	d.log.Message(fmt.Sprintf("%s: attempting to authenticate on client port %d", d.id, port))

	d.mu.Lock()
	d.state = StateAuthenticating
	d.mu.Unlock()

	d.client.Authenticate(d.onAuthenticated)
}

func (d *Driver) onAuthenticated(err error) {
	port := d.client.LocalPort()
	d.log.Message(fmt.Sprintf("%s: successfully authenticated client port %d", d.id, port))
	if err != nil {
		d.log.Warning("authenticate reported an error; proceeding to bootstrap anyway", "error", err)
	}

	d.log.Message(fmt.Sprintf("%s: bootstrapping on client port %d", d.id, port))

	d.mu.Lock()
	d.state = StateBootstrapping
	d.mu.Unlock()

	d.client.GetBootstrapStatus(d.onBootstrapped)
}

func (d *Driver) onBootstrapped(err error) {
	port := d.client.LocalPort()
	if err != nil {
		d.log.Critical(fmt.Sprintf("%s: error waiting for bootstrap, cannot proceed", d.id), "error", err)
		d.mu.Lock()
		d.state = StateIdle
		d.mu.Unlock()
		d.manager.Stop()
		return
	}

	d.log.Message(fmt.Sprintf("%s: successfully bootstrapped client port %d", d.id, port))

	if d.config.Mode == config.ModeRecord {
		rec, err := recorder.New(d.client, d.config.TraceFileName, d.metrics, d.log)
		if err != nil {
			d.log.Critical(fmt.Sprintf("%s: Error creating recorder instance, cannot proceed", d.id), "error", err)
			d.mu.Lock()
			d.state = StateIdle
			d.mu.Unlock()
			d.manager.Stop()
			return
		}
		d.mu.Lock()
		d.recorder = rec
		d.state = StateRecording
		d.mu.Unlock()
		return
	}

	p, err := player.New(d.client, d.config.TraceFileName, d.metrics, d.log)
	if err != nil {
		d.log.Critical(fmt.Sprintf("%s: Error creating player instance, cannot proceed", d.id), "error", err)
		d.mu.Lock()
		d.state = StateIdle
		d.mu.Unlock()
		d.manager.Stop()
		return
	}

	d.mu.Lock()
	d.player = p
	d.state = StatePlaying
	d.mu.Unlock()

	d.registerPlayTimer()
}

// registerPlayTimer asks the Player for the delay to the next launch, and
// if one exists, arms a one-shot timer at that delay whose callback
// launches the circuit and re-registers itself (I5: the Play-timer's
// lifetime is strictly one scheduling step).
func (d *Driver) registerPlayTimer() {
	d.mu.RLock()
	p := d.player
	d.mu.RUnlock()
	if p == nil {
		return
	}

	delay, hasCircuits := p.GetNextLaunchTime()
	if !hasCircuits {
		return
	}

	timer, err := reactor.NewTimer(nil, nil)
	if err != nil {
		d.log.Warning("failed to create play timer", "error", err)
		return
	}
	timer.SetCallback(func(ctx any) {
		p.LaunchNextCircuit()
		d.registerPlayTimer()
	})

	if err := timer.ArmOnce(delay); err != nil {
		d.log.Warning("failed to arm play timer", "error", err)
		return
	}

	if err := d.manager.Register(timer.FD(), reactor.Read, func(fd int, readiness reactor.Readiness) {
		calledNotify := timer.Check()
		d.manager.Deregister(timer.FD())
		timer.Free()
		if !calledNotify {
			d.log.Warning("play timer fired without a valid expiration")
		}
	}); err != nil {
		d.log.Warning("failed to register play timer", "error", err)
	}
}

func (d *Driver) registerHeartbeat() {
	timer, err := reactor.NewTimer(nil, nil)
	if err != nil {
		d.log.Warning("failed to create heartbeat timer", "error", err)
		return
	}
	timer.SetCallback(func(ctx any) { d.heartbeat() })

	interval := d.config.HeartbeatIntervalSeconds
	if err := timer.Arm(interval, interval); err != nil {
		d.log.Warning("failed to arm heartbeat timer", "error", err)
		return
	}

	if err := d.manager.Register(timer.FD(), reactor.Read, func(fd int, readiness reactor.Readiness) {
		if !timer.Check() {
			d.log.Warning("driver unable to execute heartbeat callback function")
		}
	}); err != nil {
		d.log.Warning("failed to register heartbeat timer", "error", err)
		return
	}

	d.mu.Lock()
	d.heartbeatTimer = timer
	d.mu.Unlock()
}

func (d *Driver) heartbeat() {
	d.metrics.UpdateUptime()
	status := d.subsystemStatus()

	msg := fmt.Sprintf("%s: heartbeat: state=%s", d.id, d.State())
	if status != "" {
		msg += " " + status
	}
	d.log.Message(msg)
}

func (d *Driver) registerShutdown(seconds uint32) error {
	timer, err := reactor.NewTimer(nil, nil)
	if err != nil {
		return err
	}
	timer.SetCallback(func(ctx any) { d.manager.Stop() })

	if err := timer.Arm(seconds, 0); err != nil {
		return err
	}

	if err := d.manager.Register(timer.FD(), reactor.Read, func(fd int, readiness reactor.Readiness) {
		if !timer.Check() {
			d.log.Warning("driver unable to execute shutdown callback function; it might trigger again since we did not delete it")
		}
	}); err != nil {
		return err
	}

	d.mu.Lock()
	d.shutdownTimer = timer
	d.mu.Unlock()
	return nil
}

func (d *Driver) startMetricsServer() {
	d.healthMonitor = health.NewMonitor()
	d.healthMonitor.RegisterChecker(health.NewDriverHealthChecker(d.Stats))

	addr := fmt.Sprintf("127.0.0.1:%d", d.config.MetricsPort)
	d.httpServer = httpmetrics.NewServer(addr, d, d.metrics, d.healthMonitor, d.log)
	if err := d.httpServer.Start(); err != nil {
		d.log.Warning("failed to start status server", "error", err)
		d.httpServer = nil
	}
}

// Stop tears the driver down in the order the teardown contract requires:
// the optional status server, Recorder/Player, heartbeat timer, shutdown
// timer, control client. Idempotent rejection if already Idle.
func (d *Driver) Stop() error {
	d.mu.Lock()
	if d.state == StateIdle {
		d.mu.Unlock()
		d.log.Message(fmt.Sprintf("%s: can't stop driver because it is already idle", d.id))
		return fmt.Errorf("driver is already idle")
	}

	rec := d.recorder
	p := d.player
	heartbeatTimer := d.heartbeatTimer
	shutdownTimer := d.shutdownTimer
	client := d.client
	httpServer := d.httpServer

	d.recorder = nil
	d.player = nil
	d.heartbeatTimer = nil
	d.shutdownTimer = nil
	d.client = nil
	d.httpServer = nil
	d.state = StateIdle
	d.mu.Unlock()

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			d.log.Warning("failed to stop status server", "error", err)
		}
	}

	if rec != nil {
		if err := rec.Close(); err != nil {
			d.log.Warning("failed to close recorder", "error", err)
		}
	}

	if p != nil {
		if err := p.Close(); err != nil {
			d.log.Warning("failed to close player", "error", err)
		}
	}

	if heartbeatTimer != nil {
		d.manager.Deregister(heartbeatTimer.FD())
		heartbeatTimer.Free()
	}

	if shutdownTimer != nil {
		d.manager.Deregister(shutdownTimer.FD())
		shutdownTimer.Free()
	}

	if client != nil {
		if err := client.Close(); err != nil {
			d.log.Warning("failed to close control client", "error", err)
		}
	}

	return nil
}

// Free performs Stop if the driver is not Idle and otherwise returns nil,
// so unlike Stop it is safe to call more than once. Go's GC makes a
// distinct deallocation step unnecessary.
func (d *Driver) Free() error {
	d.mu.RLock()
	idle := d.state == StateIdle
	d.mu.RUnlock()
	if idle {
		return nil
	}
	return d.Stop()
}
