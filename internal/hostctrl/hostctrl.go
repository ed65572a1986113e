// Package hostctrl implements the host controller: the router that allocates
// addresses in its own subnet, keeps track of the gateways serving remote
// subnets, and forwards data packets between all connected peers.
package hostctrl

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/tap"
	"opensocdebug.org/osd/internal/worker"
)

// Control messages between the owner and the router goroutine.
const (
	statusStart     = "I-START"
	statusStartDone = "I-START-DONE"
	statusStop      = "I-STOP"
	statusStopDone  = "I-STOP-DONE"
)

// Config configures a Controller.
type Config struct {
	// Listen is the ZeroMQ address to bind, e.g. tcp://0.0.0.0:9537.
	Listen string
	// Subnet is the subnet served by this controller.
	Subnet uint
	// Timeout bounds start/stop handshakes.
	Timeout time.Duration
	// Tap optionally mirrors every routed packet.
	Tap    *tap.Tap
	Logger *slog.Logger
}

// Routes is a point-in-time copy of the routing tables. Keys are local
// addresses (Modules) and subnets (Gateways), values peer identities.
type Routes struct {
	Modules  map[uint]string `json:"modules"`
	Gateways map[uint]string `json:"gateways"`
}

// Controller is the owner-side handle of a host controller.
// Its methods must not be called concurrently.
type Controller struct {
	cfg     Config
	w       *worker.Worker
	running bool

	mu     sync.RWMutex
	addr   string
	routes Routes

	log *slog.Logger
}

// New creates a controller in the stopped state.
func New(cfg Config) (*Controller, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("%w: hostctrl listen address required", core.ErrConfigInvalid)
	}
	if cfg.Subnet > core.MaxSubnet {
		return nil, fmt.Errorf("%w: subnet %d out of range", core.ErrConfigInvalid, cfg.Subnet)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = worker.DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hostctrl", "subnet", cfg.Subnet)

	c := &Controller{
		cfg: cfg,
		log: logger,
		routes: Routes{
			Modules:  map[uint]string{},
			Gateways: map[uint]string{},
		},
	}

	w, err := worker.New(newRouter(c), worker.Options{
		Name:    "hostctrl",
		Timeout: cfg.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hostctrl worker: %w", err)
	}
	c.w = w
	return c, nil
}

// Start binds the listening endpoint and starts routing.
func (c *Controller) Start() error {
	if c.running {
		return nil
	}
	if _, err := c.w.Call(worker.Message{Name: statusStart}, statusStartDone); err != nil {
		return fmt.Errorf("hostctrl start: %w: %w", core.ErrConnectionFailed, err)
	}
	c.running = true
	c.log.Info("host controller started", "addr", c.Addr())
	return nil
}

// Stop unbinds the listening endpoint. The routing tables are kept.
func (c *Controller) Stop() error {
	if !c.running {
		return nil
	}
	if _, err := c.w.Call(worker.Message{Name: statusStop}, statusStopDone); err != nil {
		return fmt.Errorf("hostctrl stop: %w: %w", core.ErrConnectionFailed, err)
	}
	c.running = false
	c.log.Info("host controller stopped")
	return nil
}

// Running reports whether the controller is started.
func (c *Controller) Running() bool {
	return c.running
}

// Close releases the controller. Closing a running controller is a
// programming error.
func (c *Controller) Close() error {
	if c.running {
		panic("hostctrl: Close called on a running controller")
	}
	return c.w.Close()
}

// Addr returns the bound address, with the actual port for tcp listeners.
// It is empty while the controller is stopped.
func (c *Controller) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// Routes returns a copy of the routing tables.
func (c *Controller) Routes() Routes {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := Routes{
		Modules:  make(map[uint]string, len(c.routes.Modules)),
		Gateways: make(map[uint]string, len(c.routes.Gateways)),
	}
	for k, v := range c.routes.Modules {
		r.Modules[k] = v
	}
	for k, v := range c.routes.Gateways {
		r.Gateways[k] = v
	}
	return r
}

// publish is called from the router goroutine after every table change.
func (c *Controller) publish(addr string, modules, gateways map[uint]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
	c.routes.Modules = make(map[uint]string, len(modules))
	for k, v := range modules {
		c.routes.Modules[k] = v
	}
	c.routes.Gateways = make(map[uint]string, len(gateways))
	for k, v := range gateways {
		c.routes.Gateways[k] = v
	}
}
