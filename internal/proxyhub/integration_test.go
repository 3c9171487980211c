package proxyhub_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reverseproxy/internal/device"
	"github.com/reverseproxy/internal/proxyhub"
	"github.com/stretchr/testify/require"
)

// _start_proxy creates and starts a proxy server for testing.
func _start_proxy(t *testing.T, secret string) (addr string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = listener.Addr().String()
	listener.Close()

	cfg := &proxyhub.Config{
		ListenAddr:             addr,
		DeviceToken:            secret,
		TunnelPath:             "/api/tunnel",
		HeartbeatTimeoutS:      5,
		RequestDeadlineS:       5,
		ChunkSizeBytes:         4096,
		MaxPageSize:            100,
		MaxConcurrentPerDevice: 4,
	}

	srv := proxyhub.NewServer(cfg)
	go srv.Run()
	time.Sleep(100 * time.Millisecond)
	return addr
}

// _start_device writes a fixture recording under root and starts a
// device agent pointed at the given proxy address.
func _start_device(t *testing.T, proxyAddr, secret, deviceID, cameraID string, content []byte) (ctx context.Context, root string) {
	t.Helper()
	root = t.TempDir()
	mergedDir := filepath.Join(root, cameraID, "merged")
	require.NoError(t, os.MkdirAll(mergedDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(mergedDir, "20260101_10:00.mp4"), content, 0o644))

	cfg := &device.Config{
		ProxyURL:           fmt.Sprintf("ws://%s/api/tunnel", proxyAddr),
		DeviceID:           deviceID,
		DeviceToken:        secret,
		CameraIDs:          []string{cameraID},
		RecordingsRoot:     root,
		ChunkSizeBytes:     1024,
		ReconnectDelayS:    1,
		MaxReconnectDelayS: 5,
		PingIntervalS:      5,
	}

	a, err := device.New(cfg)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(runCtx)

	return runCtx, root
}

func Test_integration_end_to_end(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	const secret = "integration-test-secret"
	content := make([]byte, 10*1024+37) // spans several chunk boundaries
	for i := range content {
		content[i] = byte(i % 251)
	}

	proxyAddr := _start_proxy(t, secret)
	_start_device(t, proxyAddr, secret, "device-1", "cam1", content)

	// give the device time to connect and register
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/api/cameras", proxyAddr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	baseURL := fmt.Sprintf("http://%s", proxyAddr)

	t.Run("list cameras", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/cameras")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("list videos", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/devices/device-1/videos")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "20260101_10:00.mp4")
	})

	t.Run("full stream", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/devices/device-1/videos/20260101_10:00.mp4")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, fmt.Sprintf("%d", len(content)), resp.Header.Get("Content-Length"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, content, body)
	})

	t.Run("ranged stream", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/api/devices/device-1/videos/20260101_10:00.mp4", nil)
		require.NoError(t, err)
		req.Header.Set("Range", "bytes=100-199")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusPartialContent, resp.StatusCode)
		require.Equal(t, fmt.Sprintf("bytes 100-199/%d", len(content)), resp.Header.Get("Content-Range"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, content[100:200], body)
	})

	t.Run("bad filename rejected", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/devices/device-1/videos/..%2Fsecret")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.NotEqual(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("unknown file maps to 404", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/devices/device-1/videos/20990101_00:00.mp4")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown device maps to 404", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/devices/no-such-device/videos")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func Test_integration_device_supersession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	const secret = "integration-test-secret"
	content := []byte("short clip")

	proxyAddr := _start_proxy(t, secret)
	_start_device(t, proxyAddr, secret, "device-1", "cam1", content)

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/api/devices/device-1/videos", proxyAddr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	// a second agent registering the same device id supersedes the first;
	// the device id must keep resolving to a single live session.
	_start_device(t, proxyAddr, secret, "device-1", "cam1", content)

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/api/devices/device-1/videos", proxyAddr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)
}
