// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"opensocdebug.org/osd/internal/command"
	"opensocdebug.org/osd/internal/config"
	"opensocdebug.org/osd/internal/hostctrl"
	logpkg "opensocdebug.org/osd/internal/log"
	"opensocdebug.org/osd/internal/metrics"
	"opensocdebug.org/osd/internal/tap"
)

// Version is reported by daemon_status.
var Version = "0.1.0"

// Daemon manages the osd daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	logCloser     io.Closer
	metricsServer *metrics.Server // nil if metrics disabled
	tap           *tap.Tap        // nil if tap disabled
	hostctrl      *hostctrl.Controller
	gateways      []*managedGateway
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	group        *errgroup.Group
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	stopOnce     sync.Once
	stopErr      error
}

// New creates a daemon from the config file at configPath; an empty path
// selects the built-in defaults. Non-empty socketPath and pidFile override
// the configured control settings.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	var (
		cfg *config.GlobalConfig
		err error
	)
	if configPath == "" {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if socketPath != "" {
		cfg.Control.Socket = socketPath
	}
	if pidFile != "" {
		cfg.Control.PIDFile = pidFile
	}
	d := NewWithConfig(cfg)
	d.configPath = configPath
	return d, nil
}

// NewWithConfig creates a daemon from an already validated configuration.
func NewWithConfig(cfg *config.GlobalConfig) *Daemon {
	d := &Daemon{
		config:       cfg,
		socketPath:   cfg.Control.Socket,
		pidFile:      cfg.Control.PIDFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all daemon components. On failure the
// components started so far are stopped again.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting osd daemon",
		"version", Version,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	err := d.start()
	if err != nil {
		err = multierr.Append(err, d.Stop())
	}
	return err
}

func (d *Daemon) start() error {
	// 2. Write PID file
	if err := writePIDFile(d.pidFile); err != nil {
		return err
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Traffic tap, used by the host controller
	if err := d.startTap(); err != nil {
		return fmt.Errorf("failed to start traffic tap: %w", err)
	}

	// 5. Host controller before the gateways that register with it
	if err := d.startHostCtrl(); err != nil {
		return fmt.Errorf("failed to start host controller: %w", err)
	}

	d.group, d.ctx = errgroup.WithContext(d.ctx)

	// 6. Gateways, each under supervision
	d.startGateways()

	// 7. Command handler and UDS server for CLI control
	d.cmdHandler = command.NewCommandHandler(d)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)

	d.group.Go(func() error {
		return d.udsServer.Start(d.ctx)
	})

	select {
	case <-d.udsServer.Ready():
	case <-d.ctx.Done():
		return fmt.Errorf("uds server failed: %w", d.group.Wait())
	}

	slog.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call Stop more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.stopErr = d.stop()
	})
	return d.stopErr
}

func (d *Daemon) stop() error {
	slog.Info("initiating graceful shutdown")
	var errs error

	// 1. Stop the UDS server and gateway supervisors
	d.cancel()
	if d.group != nil {
		if err := d.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = multierr.Append(errs, err)
		}
	}

	// 2. Gateways unregister while the host controller still runs
	for _, mg := range d.gateways {
		errs = multierr.Append(errs, mg.close())
	}

	// 3. Host controller
	if d.hostctrl != nil {
		errs = multierr.Append(errs, d.hostctrl.Stop())
		errs = multierr.Append(errs, d.hostctrl.Close())
	}

	// 4. Flush mirrored traffic
	errs = multierr.Append(errs, d.tap.Close())

	// 5. Metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, d.metricsServer.Stop(shutdownCtx))
		cancel()
	}

	// 6. Remove PID file
	errs = multierr.Append(errs, removePIDFile(d.pidFile))

	if errs != nil {
		slog.Error("daemon stopped with errors", "error", errs)
	} else {
		slog.Info("daemon stopped gracefully")
	}

	// 7. Release the log file last
	if d.logCloser != nil {
		errs = multierr.Append(errs, d.logCloser.Close())
	}
	return errs
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, the
// daemon_shutdown command or a failing service, then stops the daemon.
func (d *Daemon) Run() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	slog.Info("daemon running, waiting for signals or commands")

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-d.shutdownChan:
		slog.Info("shutdown triggered by command")
	case <-d.ctx.Done():
		// A service returned early
		if d.group != nil {
			runErr = d.group.Wait()
		}
		slog.Error("daemon service failed", "error", runErr)
	}

	return multierr.Append(runErr, d.Stop())
}

// TriggerShutdown makes Run return. Safe to call more than once.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() {
		close(d.shutdownChan)
	})
}

// Status implements command.Controller.
func (d *Daemon) Status() command.DaemonStatus {
	status := command.DaemonStatus{
		Version: Version,
		PID:     os.Getpid(),
		HostCtrl: command.HostCtrlStatus{
			Enabled: d.config.HostCtrl.Enabled,
			Subnet:  d.config.HostCtrl.Subnet,
		},
		Gateways: d.Gateways(),
	}
	if d.hostctrl != nil {
		status.HostCtrl.Running = d.hostctrl.Running()
		status.HostCtrl.Listen = d.hostctrl.Addr()
	}
	return status
}

// Routes implements command.Controller.
func (d *Daemon) Routes() (hostctrl.Routes, bool) {
	if d.hostctrl == nil {
		return hostctrl.Routes{}, false
	}
	return d.hostctrl.Routes(), true
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	closer, err := logpkg.Init(d.config.Log)
	if err != nil {
		return err
	}
	d.logCloser = closer

	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	s := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := s.Start(d.ctx); err != nil {
		return err
	}
	d.metricsServer = s
	return nil
}

// startTap creates the traffic tap sink if enabled.
func (d *Daemon) startTap() error {
	tc := d.config.Tap
	if !tc.Enabled {
		return nil
	}

	var w tap.Writer
	switch tc.Type {
	case "kafka":
		kw, err := tap.NewKafkaWriter(tap.KafkaConfig{
			Brokers:      tc.Kafka.Brokers,
			Topic:        tc.Kafka.Topic,
			BatchSize:    tc.Kafka.BatchSize,
			BatchTimeout: tc.Kafka.BatchTimeout,
			Compression:  tc.Kafka.Compression,
		})
		if err != nil {
			return err
		}
		w = kw
	default:
		cw, err := tap.NewConsoleWriter(os.Stdout, tc.Format)
		if err != nil {
			return err
		}
		w = cw
	}

	d.tap = tap.New(w, tc.QueueSize)
	return nil
}

// startHostCtrl starts the embedded host controller if enabled.
func (d *Daemon) startHostCtrl() error {
	hc := d.config.HostCtrl
	if !hc.Enabled {
		slog.Info("embedded host controller disabled")
		return nil
	}

	ctrl, err := hostctrl.New(hostctrl.Config{
		Listen:  hc.Listen,
		Subnet:  hc.Subnet,
		Timeout: hc.Timeout,
		Tap:     d.tap,
		Logger:  slog.Default(),
	})
	if err != nil {
		return err
	}
	if err := ctrl.Start(); err != nil {
		_ = ctrl.Close()
		return err
	}
	d.hostctrl = ctrl
	return nil
}
