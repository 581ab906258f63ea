package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vea-project/runtime/pkg/deps"
	"github.com/vea-project/runtime/pkg/events"
	"github.com/vea-project/runtime/pkg/output"
	"github.com/vea-project/runtime/pkg/runtime"
	"github.com/vea-project/runtime/pkg/security"
	"github.com/vea-project/runtime/pkg/signal"
	"github.com/vea-project/runtime/pkg/storage"
	"github.com/vea-project/runtime/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *storage.MemStore, *runtime.LocalDriver) {
	t.Helper()
	store := storage.NewMemStore()
	driver := runtime.NewLocalDriver()
	dir := t.TempDir()

	installer := deps.New(store, func(appID string) string { return filepath.Join(dir, appID) })
	broker := events.NewBroker(nil)
	broker.Start()
	t.Cleanup(broker.Stop)
	pipeline := output.New(store, broker)

	cfg := Config{
		ScriptImage:      "vea/script:test",
		BinaryImage:      "vea/binary:test",
		DefaultMemory:    64 * 1024 * 1024,
		DefaultCPUQuota:  50000,
		DefaultCPUPeriod: 100000,
		TmpfsBytes:       1024 * 1024,
		RuntimeID:        "test-runtime",
	}

	eng := New(store, driver, installer, pipeline, broker, nil, nil, cfg,
		func(appID string) string { return filepath.Join(dir, "deps", appID) },
		func(appID string) string { return filepath.Join(dir, "src", appID) })
	return eng, store, driver
}

func installedApp(id string) *types.Application {
	return &types.Application{
		ID:         id,
		Kind:       types.AppKindBinary,
		EntryPoint: "/bin/sleep",
		Args:       []string{"2"},
	}
}

func TestInstallThenStartThenStop(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	app := installedApp("app1")
	require.NoError(t, eng.Install(ctx, app))

	got, err := store.GetApplication("app1")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusInstalled, got.Status)

	execID, err := eng.Start(ctx, "app1")
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	// allow the Start-time transition to land
	require.Eventually(t, func() bool {
		got, _ := store.GetApplication("app1")
		return got.Status == types.AppStatusRunning
	}, time.Second, 10*time.Millisecond)

	_, err = eng.Stop(ctx, "app1")
	require.NoError(t, err)

	got, err = store.GetApplication("app1")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusStopped, got.Status)
}

func TestStopIsIdempotentAfterTermination(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	app := installedApp("app10")
	require.NoError(t, eng.Install(ctx, app))
	_, err := eng.Start(ctx, "app10")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := store.GetApplication("app10")
		return got.Status == types.AppStatusRunning
	}, time.Second, 10*time.Millisecond)

	firstCode, err := eng.Stop(ctx, "app10")
	require.NoError(t, err)

	got, err := store.GetApplication("app10")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusStopped, got.Status)
	updatedAt := got.UpdatedAt

	secondCode, err := eng.Stop(ctx, "app10")
	require.NoError(t, err)
	require.Equal(t, firstCode, secondCode)

	got, err = store.GetApplication("app10")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusStopped, got.Status)
	require.Equal(t, updatedAt, got.UpdatedAt, "second Stop must not transition state again")
}

func TestStartIsIdempotentDuringInProgress(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	app := installedApp("app2")
	require.NoError(t, eng.Install(ctx, app))

	eng.liveMu.Lock()
	eng.live["app2"] = "fake-exec-id"
	eng.liveMu.Unlock()

	got, err := eng.Start(ctx, "app2")
	require.NoError(t, err)
	require.Equal(t, "fake-exec-id", got)
}

func TestStartRejectsWrongState(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	app := installedApp("app3")
	require.NoError(t, eng.Install(ctx, app))
	_, err := eng.Start(ctx, "app3")
	require.NoError(t, err)

	// app3 is now "running"; Start again once live marker is cleared
	// should reject because status isn't installed/stopped/error.
	eng.clearLive("app3")
	_, err = eng.Start(ctx, "app3")
	require.Error(t, err)
}

func TestResolveFallsBackToApplicationID(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	app := installedApp("app4")
	require.NoError(t, store.CreateApplication(app))

	resolved, err := eng.resolve("app4")
	require.NoError(t, err)
	require.Equal(t, "app4", resolved)
}

func TestResolveUnknownIDFails(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	_, err := eng.resolve("nope")
	require.Error(t, err)
}

func TestPauseResumeRoundtrip(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	app := installedApp("app5")
	require.NoError(t, eng.Install(ctx, app))
	_, err := eng.Start(ctx, "app5")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := store.GetApplication("app5")
		return got.Status == types.AppStatusRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Pause(ctx, "app5"))
	got, err := store.GetApplication("app5")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusPaused, got.Status)

	require.NoError(t, eng.Resume(ctx, "app5"))
	got, err = store.GetApplication("app5")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusRunning, got.Status)

	_, err = eng.Stop(ctx, "app5")
	require.NoError(t, err)
}

func TestUninstallDeletesCatalogRow(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	ctx := context.Background()

	app := installedApp("app6")
	require.NoError(t, eng.Install(ctx, app))

	require.NoError(t, eng.Uninstall(ctx, "app6", func(appID string) error { return nil }))

	_, err := store.GetApplication("app6")
	require.Error(t, err)
}

func TestInstallEncryptsSecretEnvAtRest(t *testing.T) {
	store := storage.NewMemStore()
	driver := runtime.NewLocalDriver()
	dir := t.TempDir()

	installer := deps.New(store, func(appID string) string { return filepath.Join(dir, appID) })
	broker := events.NewBroker(nil)
	broker.Start()
	t.Cleanup(broker.Stop)
	pipeline := output.New(store, broker)
	secrets, err := security.NewManager(make([]byte, 32))
	require.NoError(t, err)

	cfg := Config{ScriptImage: "vea/script:test", BinaryImage: "vea/binary:test", RuntimeID: "test-runtime"}
	eng := New(store, driver, installer, pipeline, broker, secrets, nil, cfg,
		func(appID string) string { return filepath.Join(dir, "deps", appID) },
		func(appID string) string { return filepath.Join(dir, "src", appID) })

	app := installedApp("app7")
	app.Env = map[string]string{"secret:TOKEN": "super-secret", "PATH": "/usr/bin"}
	require.NoError(t, eng.Install(context.Background(), app))

	got, err := store.GetApplication("app7")
	require.NoError(t, err)
	require.NotEqual(t, "super-secret", got.Env["secret:TOKEN"])
	require.Equal(t, "/usr/bin", got.Env["PATH"])

	decrypted, err := secrets.DecryptEnv(got.Env)
	require.NoError(t, err)
	require.Equal(t, "super-secret", decrypted["secret:TOKEN"])
}

func TestMaterializeSourceWritesEntryPoint(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	app := &types.Application{
		ID:         "app8",
		Kind:       types.AppKindScript,
		EntryPoint: "main.py",
		Source:     []byte("print('hello')\n"),
	}
	require.NoError(t, eng.materializeSource(app))

	data, err := os.ReadFile(filepath.Join(eng.sourceDir(app.ID), "main.py"))
	require.NoError(t, err)
	require.Equal(t, "print('hello')\n", string(data))
}

func TestBuildSpecMountsSourceDirForScriptKind(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	app := &types.Application{
		ID:         "app9",
		Kind:       types.AppKindScript,
		EntryPoint: "main.py",
	}
	spec := eng.buildSpec(app, "vea-app9", "exec-1")

	require.Contains(t, spec.Command, "./main.py")
	require.Equal(t, eng.sourceDir(app.ID), spec.WorkingDir)

	var found bool
	for _, m := range spec.Mounts {
		if m.Target == eng.sourceDir(app.ID) && m.Source == eng.sourceDir(app.ID) {
			found = true
		}
	}
	require.True(t, found, "expected a mount targeting the app's source dir")
}

// fakeGateway implements signal.Gateway with a fixed ConnectionInfo; every
// other method panics because buildSpec never calls them.
type fakeGateway struct{ info signal.ConnectionInfo }

func (fakeGateway) Read(context.Context, []string) (map[string]signal.Value, error) {
	panic("not implemented")
}
func (fakeGateway) Write(context.Context, map[string]signal.Value) ([]signal.Result, error) {
	panic("not implemented")
}
func (fakeGateway) Subscribe(context.Context, []string, signal.Sink) (signal.SubscriptionHandle, error) {
	panic("not implemented")
}
func (fakeGateway) Unsubscribe(context.Context, signal.SubscriptionHandle) error {
	panic("not implemented")
}
func (fakeGateway) Tree(context.Context) (signal.Schema, error) { panic("not implemented") }
func (g fakeGateway) ConnectionInfo() signal.ConnectionInfo     { return g.info }

func TestBuildSpecInjectsSignalGatewayEnv(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.signals = fakeGateway{info: signal.ConnectionInfo{Host: "127.0.0.1", Port: 9000, Credentials: "tok"}}

	app := installedApp("app11")
	spec := eng.buildSpec(app, "vea-app11", "exec-1")

	require.Contains(t, spec.Env, "VEA_SIGNAL_HOST=127.0.0.1")
	require.Contains(t, spec.Env, "VEA_SIGNAL_PORT=9000")
	require.Contains(t, spec.Env, "VEA_SIGNAL_CREDENTIALS=tok")
}
