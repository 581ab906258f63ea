package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vea-project/runtime/pkg/deps"
	"github.com/vea-project/runtime/pkg/engine"
	"github.com/vea-project/runtime/pkg/events"
	"github.com/vea-project/runtime/pkg/output"
	"github.com/vea-project/runtime/pkg/runtime"
	"github.com/vea-project/runtime/pkg/signal"
	"github.com/vea-project/runtime/pkg/storage"
	"nhooyr.io/websocket"
)

func newTestDispatcher(t *testing.T, sharedSecret string) (*Dispatcher, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	driver := runtime.NewLocalDriver()
	dir := t.TempDir()

	installer := deps.New(store, func(appID string) string { return filepath.Join(dir, "deps", appID) })
	broker := events.NewBroker(nil)
	broker.Start()
	t.Cleanup(broker.Stop)
	pipeline := output.New(store, broker)

	cfg := engine.Config{
		ScriptImage:      "vea/script:test",
		BinaryImage:      "vea/binary:test",
		DefaultMemory:    64 * 1024 * 1024,
		DefaultCPUQuota:  50000,
		DefaultCPUPeriod: 100000,
		TmpfsBytes:       1024 * 1024,
		RuntimeID:        "test-runtime",
	}
	gateway := signal.NewUnavailable()
	eng := engine.New(store, driver, installer, pipeline, broker, nil, gateway, cfg,
		func(appID string) string { return filepath.Join(dir, "deps", appID) },
		func(appID string) string { return filepath.Join(dir, "src", appID) })

	d := New(eng, store, broker, gateway, "test-runtime", sharedSecret)
	return d, store
}

func dialTestServer(t *testing.T, srv *httptest.Server, headers http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{HTTPHeader: headers})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendAndRecv(t *testing.T, conn *websocket.Conn, req map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, payload))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestPingRoundtrip(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	defer srv.Close()

	conn := dialTestServer(t, srv, nil)
	resp := sendAndRecv(t, conn, map[string]any{"type": "ping", "id": "1"})

	require.Equal(t, "pong", resp["type"])
	require.Equal(t, "1", resp["id"])
}

func TestUnknownMessageTypeReturnsError(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	defer srv.Close()

	conn := dialTestServer(t, srv, nil)
	resp := sendAndRecv(t, conn, map[string]any{"type": "bogus_request", "id": "2"})

	require.Equal(t, "error", resp["type"])
	require.Equal(t, "2", resp["id"])
	require.Contains(t, resp["error"], "Unknown message type")
}

func TestDeployRunStopLifecycle(t *testing.T) {
	d, store := newTestDispatcher(t, "")
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	defer srv.Close()

	conn := dialTestServer(t, srv, nil)

	deployResp := sendAndRecv(t, conn, map[string]any{
		"type":   "deploy_request",
		"id":     "3",
		"app_id": "wired-app",
		"code":   "#!/bin/sh\nsleep 5\n",
	})
	require.Equal(t, "ok", deployResp["status"])
	require.Equal(t, "wired-app", deployResp["app_id"])
	require.NotEmpty(t, deployResp["execution_id"])

	require.Eventually(t, func() bool {
		app, err := store.GetApplication("wired-app")
		return err == nil && app.Status == "running"
	}, time.Second, 10*time.Millisecond)

	stopResp := sendAndRecv(t, conn, map[string]any{
		"type":   "stop_app",
		"id":     "4",
		"app_id": "wired-app",
	})
	require.Equal(t, "ok", stopResp["status"])

	listResp := sendAndRecv(t, conn, map[string]any{"type": "list_deployed_apps", "id": "5"})
	apps, ok := listResp["applications"].([]any)
	require.True(t, ok)
	require.Len(t, apps, 1)
}

func TestGetRuntimeInfo(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	defer srv.Close()

	conn := dialTestServer(t, srv, nil)
	resp := sendAndRecv(t, conn, map[string]any{"type": "get_runtime_info", "id": "6"})

	require.Equal(t, "test-runtime", resp["runtime_id"])
	require.Equal(t, Version, resp["version"])
}

func TestGetSignalsValueSurfacesUnavailable(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	defer srv.Close()

	conn := dialTestServer(t, srv, nil)
	resp := sendAndRecv(t, conn, map[string]any{
		"type":  "get_signals_value",
		"id":    "7",
		"paths": []string{"vehicle.speed"},
	})
	require.Equal(t, "error", resp["type"])
	require.Contains(t, resp["error"], "Unavailable")
}

func TestSharedSecretRejectsMissingHeader(t *testing.T) {
	d, _ := newTestDispatcher(t, "top-secret")
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.Dial(context.Background(), url, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestSharedSecretAcceptsCorrectHeader(t *testing.T) {
	d, _ := newTestDispatcher(t, "top-secret")
	srv := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("X-VEA-Shared-Secret", "top-secret")
	conn := dialTestServer(t, srv, headers)
	resp := sendAndRecv(t, conn, map[string]any{"type": "ping", "id": "8"})
	require.Equal(t, "pong", resp["type"])
}

func TestHealthHandlerReturnsOK(t *testing.T) {
	d, _ := newTestDispatcher(t, "")
	srv := httptest.NewServer(d.HealthHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "test-runtime", body.RuntimeID)
}
