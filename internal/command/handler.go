// Package command implements the local control channel.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opensocdebug.org/osd/internal/core"
	"opensocdebug.org/osd/internal/hostctrl"
)

// Control methods.
const (
	MethodDaemonStatus      = "daemon_status"
	MethodHostCtrlRoutes    = "hostctrl_routes"
	MethodGatewayList       = "gateway_list"
	MethodGatewayConnect    = "gateway_connect"
	MethodGatewayDisconnect = "gateway_disconnect"
	MethodDaemonShutdown    = "daemon_shutdown"
)

// Controller is the daemon surface the handler operates on.
type Controller interface {
	Status() DaemonStatus
	// Routes returns false when no host controller runs in this daemon.
	Routes() (hostctrl.Routes, bool)
	Gateways() []GatewayStatus
	ConnectGateway(ctx context.Context, name string) error
	DisconnectGateway(ctx context.Context, name string) error
}

// DaemonStatus is the result of daemon_status.
type DaemonStatus struct {
	Version   string          `json:"version" yaml:"version"`
	PID       int             `json:"pid" yaml:"pid"`
	UptimeSec int64           `json:"uptime_sec" yaml:"uptime_sec"`
	HostCtrl  HostCtrlStatus  `json:"hostctrl" yaml:"hostctrl"`
	Gateways  []GatewayStatus `json:"gateways" yaml:"gateways"`
}

// HostCtrlStatus describes the embedded host controller.
type HostCtrlStatus struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Running bool   `json:"running" yaml:"running"`
	Listen  string `json:"listen,omitempty" yaml:"listen,omitempty"`
	Subnet  uint   `json:"subnet" yaml:"subnet"`
}

// GatewayStatus describes one configured gateway.
type GatewayStatus struct {
	Name      string `json:"name" yaml:"name"`
	Subnet    uint   `json:"subnet" yaml:"subnet"`
	HostCtrl  string `json:"hostctrl" yaml:"hostctrl"`
	Device    string `json:"device" yaml:"device"`
	Connected bool   `json:"connected" yaml:"connected"`
	// Supervised gateways are reconnected by the daemon after a loss.
	Supervised bool `json:"supervised" yaml:"supervised"`
}

// GatewayParams names the gateway of gateway_connect and gateway_disconnect.
type GatewayParams struct {
	Name string `json:"name"`
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	ctrl         Controller
	shutdownFunc func() // Called by daemon_shutdown to trigger graceful stop
	startTime    time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(ctrl Controller) *CommandHandler {
	return &CommandHandler{
		ctrl:      ctrl,
		startTime: time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	// Application codes
	ErrCodeNotFound         = -32001 // No such gateway
	ErrCodeNotConnected     = -32002
	ErrCodeConnectionFailed = -32003
	ErrCodeUnavailable      = -32004 // Feature not running in this daemon
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodDaemonStatus:
		return h.handleDaemonStatus(cmd)
	case MethodHostCtrlRoutes:
		return h.handleHostCtrlRoutes(cmd)
	case MethodGatewayList:
		return Response{ID: cmd.ID, Result: h.ctrl.Gateways()}
	case MethodGatewayConnect:
		return h.handleGateway(ctx, cmd, h.ctrl.ConnectGateway, "connected")
	case MethodGatewayDisconnect:
		return h.handleGateway(ctx, cmd, h.ctrl.DisconnectGateway, "disconnected")
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	status := h.ctrl.Status()
	status.UptimeSec = int64(time.Since(h.startTime).Seconds())
	return Response{ID: cmd.ID, Result: status}
}

func (h *CommandHandler) handleHostCtrlRoutes(cmd Command) Response {
	routes, ok := h.ctrl.Routes()
	if !ok {
		return errorResponse(cmd.ID, ErrCodeUnavailable, "host controller is not running in this daemon")
	}
	return Response{ID: cmd.ID, Result: routes}
}

func (h *CommandHandler) handleGateway(ctx context.Context, cmd Command, op func(context.Context, string) error, done string) Response {
	var params GatewayParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Name == "" {
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "invalid params: name is required")
	}

	if err := op(ctx, params.Name); err != nil {
		return errorResponse(cmd.ID, errorCode(err), fmt.Sprintf("%s %s: %v", cmd.Method, params.Name, err))
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"name":   params.Name,
			"status": done,
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // Non-blocking: let the response be sent first

	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"status": "shutting_down",
		},
	}
}

// ErrGatewayNotFound is returned by controllers for an unknown gateway name.
var ErrGatewayNotFound = errors.New("gateway not found")

func errorCode(err error) int {
	switch {
	case errors.Is(err, ErrGatewayNotFound):
		return ErrCodeNotFound
	case errors.Is(err, core.ErrNotConnected):
		return ErrCodeNotConnected
	case errors.Is(err, core.ErrConnectionFailed):
		return ErrCodeConnectionFailed
	default:
		return ErrCodeInternalError
	}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}
