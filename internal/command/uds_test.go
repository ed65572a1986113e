package command

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPath returns a short path; unix socket paths are length limited.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "osd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func startServer(t *testing.T, ctrl Controller) (*UDSClient, string, chan error, context.CancelFunc) {
	t.Helper()
	path := socketPath(t)
	server := NewUDSServer(path, NewCommandHandler(ctrl))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-server.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("server failed: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("server did not start")
	}
	t.Cleanup(cancel)
	return NewUDSClient(path, 5*time.Second), path, errCh, cancel
}

func TestUDSServerClient(t *testing.T) {
	ctrl := newFakeController()
	client, path, errCh, cancel := startServer(t, ctrl)
	ctx := context.Background()

	t.Run("daemon_status", func(t *testing.T) {
		status, err := client.DaemonStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42, status.PID)
		assert.Equal(t, uint(1), status.HostCtrl.Subnet)
		require.Len(t, status.Gateways, 1)
		assert.Equal(t, "gw-0", status.Gateways[0].Name)
	})

	t.Run("hostctrl_routes", func(t *testing.T) {
		routes, err := client.HostCtrlRoutes(ctx)
		require.NoError(t, err)
		assert.Equal(t, ctrl.routes, routes)
	})

	t.Run("gateway commands", func(t *testing.T) {
		require.NoError(t, client.GatewayConnect(ctx, "gw-0"))
		gws, err := client.GatewayList(ctx)
		require.NoError(t, err)
		require.Len(t, gws, 1)
		assert.True(t, gws[0].Connected)

		require.NoError(t, client.GatewayDisconnect(ctx, "gw-0"))
		gws, err = client.GatewayList(ctx)
		require.NoError(t, err)
		assert.False(t, gws[0].Connected)

		err = client.GatewayConnect(ctx, "missing")
		var info *ErrorInfo
		require.True(t, errors.As(err, &info))
		assert.Equal(t, ErrCodeNotFound, info.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		err := client.Call(ctx, "unknown.method", nil, nil)
		var info *ErrorInfo
		require.True(t, errors.As(err, &info))
		assert.Equal(t, ErrCodeMethodNotFound, info.Code)
	})

	t.Run("malformed request", func(t *testing.T) {
		conn, err := net.Dial("unix", path)
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte("{not json\n"))
		require.NoError(t, err)

		buf := make([]byte, 512)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		assert.Contains(t, string(buf[:n]), "parse error")
	})

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server didn't stop in time")
	}

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file not removed after server stop")
}

func TestUDSClientConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	assert.Error(t, client.Ping(context.Background()))
}

func TestUDSServerMultipleConnections(t *testing.T) {
	client, _, _, _ := startServer(t, newFakeController())

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.GatewayList(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestNewUDSClientDefaultTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second, NewUDSClient("/tmp/x.sock", 0).timeout)
	assert.Equal(t, 5*time.Second, NewUDSClient("/tmp/x.sock", 5*time.Second).timeout)
}
