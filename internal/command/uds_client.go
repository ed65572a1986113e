package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"opensocdebug.org/osd/internal/hostctrl"
)

var requestSeq atomic.Uint64

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Call sends a command and decodes its result into out, which may be nil.
// A server-side failure is returned as *ErrorInfo.
func (c *UDSClient) Call(ctx context.Context, method string, params, out interface{}) error {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", requestSeq.Add(1))
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxRequestSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return fmt.Errorf("connection closed without response")
	}

	var resp rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if id := fmt.Sprintf("%v", resp.ID); id != reqID {
		return fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, id)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// DaemonStatus calls daemon_status.
func (c *UDSClient) DaemonStatus(ctx context.Context) (*DaemonStatus, error) {
	var status DaemonStatus
	if err := c.Call(ctx, MethodDaemonStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// HostCtrlRoutes calls hostctrl_routes.
func (c *UDSClient) HostCtrlRoutes(ctx context.Context) (hostctrl.Routes, error) {
	var routes hostctrl.Routes
	err := c.Call(ctx, MethodHostCtrlRoutes, nil, &routes)
	return routes, err
}

// GatewayList calls gateway_list.
func (c *UDSClient) GatewayList(ctx context.Context) ([]GatewayStatus, error) {
	var gws []GatewayStatus
	err := c.Call(ctx, MethodGatewayList, nil, &gws)
	return gws, err
}

// GatewayConnect calls gateway_connect.
func (c *UDSClient) GatewayConnect(ctx context.Context, name string) error {
	return c.Call(ctx, MethodGatewayConnect, GatewayParams{Name: name}, nil)
}

// GatewayDisconnect calls gateway_disconnect.
func (c *UDSClient) GatewayDisconnect(ctx context.Context, name string) error {
	return c.Call(ctx, MethodGatewayDisconnect, GatewayParams{Name: name}, nil)
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodDaemonShutdown, nil, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.DaemonStatus(ctx)
	return err
}
