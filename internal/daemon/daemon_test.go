package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opensocdebug.org/osd/internal/command"
	"opensocdebug.org/osd/internal/config"
	"opensocdebug.org/osd/internal/gateway"
)

func testConfig(t *testing.T) *config.GlobalConfig {
	t.Helper()
	dir, err := os.MkdirTemp("", "osd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Log.Level = "debug"
	cfg.Log.Format = "text"
	cfg.Metrics.Enabled = false
	cfg.Control.Socket = filepath.Join(dir, "ctl.sock")
	cfg.Control.PIDFile = filepath.Join(dir, "osd.pid")
	cfg.HostCtrl.Listen = "tcp://127.0.0.1:0"
	cfg.Gateways = []config.GatewayConfig{{
		Subnet:            0,
		ReconnectInterval: 100 * time.Millisecond,
		Device: config.DeviceConfig{
			Type:    "loopback",
			Options: map[string]string{"modules": "3"},
		},
	}}
	require.NoError(t, cfg.ValidateAndApplyDefaults())
	return cfg
}

func startDaemon(t *testing.T, cfg *config.GlobalConfig) (*Daemon, *command.UDSClient) {
	t.Helper()
	d := NewWithConfig(cfg)
	require.NoError(t, d.Start())
	t.Cleanup(func() { _ = d.Stop() })
	return d, command.NewUDSClient(cfg.Control.Socket, 5*time.Second)
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d, client := startDaemon(t, cfg)
	ctx := context.Background()

	data, err := os.ReadFile(cfg.Control.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	status, err := client.DaemonStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, Version, status.Version)
	assert.True(t, status.HostCtrl.Running)
	assert.True(t, strings.HasPrefix(status.HostCtrl.Listen, "tcp://127.0.0.1:"))
	require.Len(t, status.Gateways, 1)
	assert.Equal(t, "gw-0", status.Gateways[0].Name)
	assert.True(t, status.Gateways[0].Connected)

	routes, err := client.HostCtrlRoutes(ctx)
	require.NoError(t, err)
	assert.Contains(t, routes.Gateways, uint(0))

	start := time.Now()
	require.NoError(t, d.Stop())
	assert.Less(t, time.Since(start), gateway.ReaderStopTimeout)
	require.NoError(t, d.Stop())

	_, err = os.Stat(cfg.Control.PIDFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.Control.Socket)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonGatewayCommands(t *testing.T) {
	cfg := testConfig(t)
	d, client := startDaemon(t, cfg)
	ctx := context.Background()

	require.NoError(t, client.GatewayDisconnect(ctx, "gw-0"))
	gws, err := client.GatewayList(ctx)
	require.NoError(t, err)
	require.Len(t, gws, 1)
	assert.False(t, gws[0].Connected)
	assert.False(t, gws[0].Supervised)

	require.Eventually(t, func() bool {
		routes, _ := d.Routes()
		_, ok := routes.Gateways[0]
		return !ok
	}, 2*time.Second, 20*time.Millisecond)

	// Not reconnected by supervision while disconnected on request.
	time.Sleep(300 * time.Millisecond)
	gws, err = client.GatewayList(ctx)
	require.NoError(t, err)
	assert.False(t, gws[0].Connected)

	require.NoError(t, client.GatewayConnect(ctx, "gw-0"))
	gws, err = client.GatewayList(ctx)
	require.NoError(t, err)
	assert.True(t, gws[0].Connected)
	assert.True(t, gws[0].Supervised)

	err = client.GatewayDisconnect(ctx, "nope")
	require.Error(t, err)
	var info *command.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, command.ErrCodeNotFound, info.Code)
}

func TestDaemonReconnectsLostGateway(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg)

	mg := d.gateways[0]
	mg.mu.Lock()
	lost := mg.link
	mg.mu.Unlock()
	require.NoError(t, lost.Close())

	require.Eventually(t, func() bool {
		mg.mu.Lock()
		defer mg.mu.Unlock()
		return mg.link != nil && mg.link != lost && mg.gw.IsConnected()
	}, 5*time.Second, 50*time.Millisecond)

	routes, ok := d.Routes()
	require.True(t, ok)
	assert.Contains(t, routes.Gateways, uint(0))
}

func TestDaemonShutdownCommand(t *testing.T) {
	cfg := testConfig(t)
	d, client := startDaemon(t, cfg)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()

	require.NoError(t, client.Shutdown(context.Background()))
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

func TestDaemonStartFailureCleansUp(t *testing.T) {
	cfg := testConfig(t)
	cfg.HostCtrl.Listen = "bogus://nowhere"
	cfg.Gateways = nil

	d := NewWithConfig(cfg)
	require.Error(t, d.Start())

	_, err := os.Stat(cfg.Control.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestNewOverridesControlPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "osd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("osd:\n  control:\n    socket: /tmp/a.sock\n"), 0644))

	d, err := New(path, filepath.Join(dir, "b.sock"), filepath.Join(dir, "b.pid"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.sock"), d.socketPath)
	assert.Equal(t, filepath.Join(dir, "b.pid"), d.pidFile)

	d, err = New(path, "", "")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.sock", d.socketPath)

	_, err = New(filepath.Join(dir, "missing.yaml"), "", "")
	assert.Error(t, err)
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "osd.pid")
	require.NoError(t, writePIDFile(path))

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, removePIDFile(path))
	require.NoError(t, removePIDFile(path))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)
	assert.Error(t, StopByPID(path, time.Second))
}
