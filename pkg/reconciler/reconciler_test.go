package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vea-project/runtime/pkg/runtime"
	"github.com/vea-project/runtime/pkg/storage"
	"github.com/vea-project/runtime/pkg/types"
)

func TestReconcileMarksMissingContainerAsError(t *testing.T) {
	store := storage.NewMemStore()
	driver := runtime.NewLocalDriver()

	app := &types.Application{ID: "app1", Kind: types.AppKindBinary, Status: types.AppStatusRunning}
	require.NoError(t, store.CreateApplication(app))
	require.NoError(t, store.UpsertExecution(&types.Execution{
		ID: "exec1", AppID: "app1", Handle: "VEA-app1-missing", State: types.RuntimeStateRunning,
	}))

	r := New(store, driver, nil, "test-runtime", time.Minute)
	r.reconcile(context.Background())

	got, err := store.GetApplication("app1")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusError, got.Status)

	exec, err := store.GetExecutionByAppID("app1")
	require.NoError(t, err)
	require.Equal(t, types.RuntimeStateError, exec.State)
}

func TestReconcileConfirmsRunningContainer(t *testing.T) {
	store := storage.NewMemStore()
	driver := runtime.NewLocalDriver()

	app := &types.Application{ID: "app2", Kind: types.AppKindBinary, Status: types.AppStatusRunning}
	require.NoError(t, store.CreateApplication(app))

	handle, err := driver.Create(context.Background(), runtime.Spec{
		Name:    "VEA-app2",
		Command: []string{"/bin/sleep", "5"},
		Labels:  map[string]string{runtime.NameLabel: "test-runtime", runtime.AppLabel: "app2"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.Start(context.Background(), handle))
	defer driver.Remove(context.Background(), handle, true)

	require.NoError(t, store.UpsertExecution(&types.Execution{
		ID: "exec2", AppID: "app2", Handle: handle, State: types.RuntimeStateRunning,
	}))

	r := New(store, driver, nil, "test-runtime", time.Minute)
	r.reconcile(context.Background())

	got, err := store.GetApplication("app2")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusRunning, got.Status)

	exec, err := store.GetExecutionByAppID("app2")
	require.NoError(t, err)
	require.False(t, exec.LastHeartbeat.IsZero())
}

func TestReconcilePrunesOrphanContainer(t *testing.T) {
	store := storage.NewMemStore()
	driver := runtime.NewLocalDriver()

	handle, err := driver.Create(context.Background(), runtime.Spec{
		Name:    "VEA-orphan",
		Command: []string{"/bin/sleep", "5"},
		Labels:  map[string]string{runtime.NameLabel: "test-runtime", runtime.AppLabel: "ghost-app"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.Start(context.Background(), handle))

	r := New(store, driver, nil, "test-runtime", time.Minute)
	r.reconcile(context.Background())

	_, err = driver.Inspect(context.Background(), handle)
	insp, _ := driver.Inspect(context.Background(), handle)
	require.Equal(t, runtime.StatusMissing, insp.Status)
}

func TestReconcileMarksExitedContainerStoppedOnZeroExit(t *testing.T) {
	store := storage.NewMemStore()
	driver := runtime.NewLocalDriver()

	app := &types.Application{ID: "app3", Kind: types.AppKindBinary, Status: types.AppStatusRunning}
	require.NoError(t, store.CreateApplication(app))

	handle, err := driver.Create(context.Background(), runtime.Spec{
		Name:    "VEA-app3",
		Command: []string{"/bin/true"},
		Labels:  map[string]string{runtime.NameLabel: "test-runtime", runtime.AppLabel: "app3"},
	})
	require.NoError(t, err)
	require.NoError(t, driver.Start(context.Background(), handle))
	_, _ = driver.Wait(context.Background(), handle)

	require.NoError(t, store.UpsertExecution(&types.Execution{
		ID: "exec3", AppID: "app3", Handle: handle, State: types.RuntimeStateRunning,
	}))

	r := New(store, driver, nil, "test-runtime", time.Minute)
	r.reconcile(context.Background())

	got, err := store.GetApplication("app3")
	require.NoError(t, err)
	require.Equal(t, types.AppStatusStopped, got.Status)
}
