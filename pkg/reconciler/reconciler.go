// Package reconciler is the Reconciler (spec.md C6): a startup-plus-ticker
// sweep that aligns catalog state with observed container-driver state and
// prunes orphaned containers. Grounded on the teacher's
// pkg/reconciler/reconciler.go ticker-loop shape, generalized from node/
// container cluster reconciliation to Application/Execution reconciliation.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vea-project/runtime/pkg/engine"
	"github.com/vea-project/runtime/pkg/log"
	"github.com/vea-project/runtime/pkg/metrics"
	"github.com/vea-project/runtime/pkg/runtime"
	"github.com/vea-project/runtime/pkg/storage"
	"github.com/vea-project/runtime/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is spec.md §4.6's default tick period.
const DefaultInterval = 30 * time.Second

// Reconciler aligns the catalog's Application/Execution rows with the
// Container Driver's observed state.
type Reconciler struct {
	store    storage.Store
	driver   runtime.Driver
	engine   *engine.Engine
	runtimeID string
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Reconciler. interval <= 0 falls back to DefaultInterval.
func New(store storage.Store, driver runtime.Driver, eng *engine.Engine, runtimeID string, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		store:     store,
		driver:    driver,
		engine:    eng,
		runtimeID: runtimeID,
		interval:  interval,
		logger:    log.WithComponent("reconciler"),
	}
}

// Start runs one reconciliation pass immediately (spec.md §4.6 "runs at
// startup") and then begins the periodic tick loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	r.reconcile(ctx)
	go r.run(ctx)
}

// Stop halts the tick loop and waits for any in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile(ctx)
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	apps, err := r.store.ListApplications(types.AppFilter{})
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list applications for reconciliation")
		return
	}

	counts := make(map[types.AppStatus]int)
	for _, app := range apps {
		counts[app.Status]++
	}
	for _, status := range types.AllAppStatuses {
		metrics.ApplicationsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	live := make(map[string]bool, len(apps))
	for _, app := range apps {
		live[app.ID] = true
		if app.Status != types.AppStatusRunning && app.Status != types.AppStatusPaused {
			continue
		}
		if err := r.reconcileApplication(ctx, app); err != nil {
			r.logger.Error().Err(err).Str("app_id", app.ID).Msg("failed to reconcile application")
		}
	}

	if err := r.pruneOrphans(ctx, live); err != nil {
		r.logger.Error().Err(err).Msg("failed to prune orphan containers")
	}
}

// reconcileApplication implements spec.md §4.6's per-Application rule:
// inspect its Execution's container and correct the catalog to match.
func (r *Reconciler) reconcileApplication(ctx context.Context, app *types.Application) error {
	exec, err := r.store.GetExecutionByAppID(app.ID)
	if err != nil {
		return fmt.Errorf("no execution row for %s in state %s: %w", app.ID, app.Status, err)
	}

	inspection, err := r.driver.Inspect(ctx, exec.Handle)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", exec.Handle, err)
	}

	switch inspection.Status {
	case runtime.StatusMissing:
		return r.correct(app, exec, types.AppStatusError, types.RuntimeStateError, intPtr(-1))

	case runtime.StatusExited:
		code := inspection.ExitCode
		finalApp := types.AppStatusStopped
		finalExec := types.RuntimeStateStopped
		if code != 0 {
			finalApp = types.AppStatusError
			finalExec = types.RuntimeStateError
		}
		return r.correct(app, exec, finalApp, finalExec, &code)

	case runtime.StatusPaused:
		if app.Status != types.AppStatusPaused {
			return r.correct(app, exec, types.AppStatusPaused, types.RuntimeStatePaused, nil)
		}
		return nil

	case runtime.StatusRunning:
		exec.LastHeartbeat = time.Now()
		if err := r.store.UpsertExecution(exec); err != nil {
			return err
		}
		if app.Status != types.AppStatusRunning {
			return r.correct(app, exec, types.AppStatusRunning, types.RuntimeStateRunning, nil)
		}
		return nil
	}

	return nil
}

func (r *Reconciler) correct(app *types.Application, exec *types.Execution, newAppStatus types.AppStatus, newExecState types.RuntimeState, exitCode *int) error {
	if exitCode != nil {
		exec.ExitCode = exitCode
		exec.FinishedAt = time.Now()
	}
	exec.State = newExecState
	if err := r.store.UpsertExecution(exec); err != nil {
		return err
	}

	oldStatus := app.Status
	if err := r.store.UpdateApplication(app.ID, func(a *types.Application) error {
		a.Status = newAppStatus
		a.UpdatedAt = time.Now()
		return nil
	}); err != nil {
		return err
	}

	metrics.ReconciliationCorrectionsTotal.WithLabelValues(string(oldStatus), string(newAppStatus)).Inc()
	r.logger.Warn().
		Str("app_id", app.ID).
		Str("from", string(oldStatus)).
		Str("to", string(newAppStatus)).
		Msg("reconciler corrected application status")

	if r.engine != nil {
		_ = r.engine.TransitionState(app.ID, newAppStatus)
	}
	return nil
}

// pruneOrphans implements spec.md §4.6's second sweep: any runtime-labeled
// container whose appId label has no matching Application row is removed.
func (r *Reconciler) pruneOrphans(ctx context.Context, liveAppIDs map[string]bool) error {
	containers, err := r.driver.ListByLabel(ctx, runtime.NameLabel, r.runtimeID)
	if err != nil {
		return fmt.Errorf("failed to list runtime-labeled containers: %w", err)
	}

	for _, c := range containers {
		appID := c.Labels[runtime.AppLabel]
		if appID != "" && liveAppIDs[appID] {
			continue
		}
		r.logger.Info().Str("container", c.Name).Str("app_id", appID).Msg("removing orphan container")
		if err := r.driver.Remove(ctx, c.Handle, true); err != nil {
			r.logger.Error().Err(err).Str("container", c.Name).Msg("failed to remove orphan container")
			continue
		}
		metrics.ReconciliationOrphansRemovedTotal.Inc()
	}
	return nil
}

func intPtr(v int) *int { return &v }
