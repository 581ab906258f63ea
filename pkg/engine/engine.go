// Package engine is the Execution Engine (spec.md C4): it owns the
// per-Application finite state machine and orchestrates the Catalog Store,
// Container Driver, and Dependency Installer. Grounded on the teacher's
// pkg/worker/worker.go, generalized from its single containersMu
// sync.RWMutex to a per-appId keyed mutex (spec.md §5 "the engine
// serializes per-appId via a keyed mutex map").
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vea-project/runtime/pkg/deps"
	"github.com/vea-project/runtime/pkg/events"
	"github.com/vea-project/runtime/pkg/log"
	"github.com/vea-project/runtime/pkg/metrics"
	"github.com/vea-project/runtime/pkg/output"
	"github.com/vea-project/runtime/pkg/runtime"
	"github.com/vea-project/runtime/pkg/security"
	"github.com/vea-project/runtime/pkg/signal"
	"github.com/vea-project/runtime/pkg/storage"
	"github.com/vea-project/runtime/pkg/types"
	"github.com/vea-project/runtime/pkg/verrors"
)

// StopGracePeriod is how long Stop waits after SIGTERM before force-killing
// (spec.md §4.4).
const StopGracePeriod = 10 * time.Second


// Config carries the per-container defaults an Install/Start composes a
// Spec from (spec.md §5 resource caps, §6 images).
type Config struct {
	ScriptImage    string
	BinaryImage    string
	DefaultMemory  int64
	DefaultCPUQuota int64
	DefaultCPUPeriod int64
	TmpfsBytes     int64
	RuntimeID      string
}

// Engine implements the Execution Engine.
type Engine struct {
	store   storage.Store
	driver  runtime.Driver
	deps    *deps.Installer
	output  *output.Pipeline
	broker  *events.Broker
	secrets *security.Manager
	signals signal.Gateway
	cfg       Config
	depsDir   func(appID string) string
	sourceDir func(appID string) string

	keyMu sync.Mutex
	locks map[string]*sync.Mutex

	liveMu   sync.Mutex
	live     map[string]string // appId -> executionId, in-progress or running
	stopping map[string]bool   // appId -> an explicit Stop/Uninstall owns the exit, monitor should not
}

// New constructs an Engine. secrets may be nil, in which case "secret:"
// prefixed env values are passed through unencrypted (no shared secret
// configured). signals may be nil, in which case no signal-gateway
// credentials are injected into a container's environment (spec.md §4.4
// Start step 5 is then a no-op).
func New(store storage.Store, driver runtime.Driver, installer *deps.Installer, pipeline *output.Pipeline, broker *events.Broker, secrets *security.Manager, signals signal.Gateway, cfg Config, depsDir, sourceDir func(string) string) *Engine {
	return &Engine{
		store:     store,
		driver:    driver,
		deps:      installer,
		output:    pipeline,
		broker:    broker,
		secrets:   secrets,
		signals:   signals,
		cfg:       cfg,
		depsDir:   depsDir,
		sourceDir: sourceDir,
		locks:    make(map[string]*sync.Mutex),
		live:     make(map[string]string),
		stopping: make(map[string]bool),
	}
}

func (e *Engine) lockFor(appID string) *sync.Mutex {
	e.keyMu.Lock()
	defer e.keyMu.Unlock()
	m, ok := e.locks[appID]
	if !ok {
		m = &sync.Mutex{}
		e.locks[appID] = m
	}
	return m
}

// resolve implements spec.md §4.4's id-resolution rule: try the live
// Execution index, then the catalog's Executions table, then treat id as an
// appId, else NotFound.
func (e *Engine) resolve(id string) (string, error) {
	e.liveMu.Lock()
	for appID, execID := range e.live {
		if execID == id || appID == id {
			e.liveMu.Unlock()
			return appID, nil
		}
	}
	e.liveMu.Unlock()

	if exec, err := e.store.GetExecutionByExecutionID(id); err == nil {
		return exec.AppID, nil
	}

	if _, err := e.store.GetApplication(id); err == nil {
		return id, nil
	}

	return "", verrors.NotFound(id, "unknown appId or executionId")
}

// TransitionState atomically writes the new status to the catalog and
// publishes exactly one state_changed DomainEvent (design notes §9).
func (e *Engine) TransitionState(appID string, newState types.AppStatus) error {
	err := e.store.UpdateApplication(appID, func(app *types.Application) error {
		app.Status = newState
		app.UpdatedAt = timeNow()
		if newState == types.AppStatusRunning {
			app.LastStartAt = timeNow()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if e.broker != nil {
		e.broker.Publish(&types.DomainEvent{
			Type:  "state_changed",
			AppID: appID,
			State: newState,
		})
	}
	return nil
}

// timeNow is indirected so tests can't accidentally depend on wall clock
// ordering across fast successive transitions.
var timeNow = time.Now

// Install materializes storage, resolves dependencies, and records
// `installed` (spec.md §4.4 Install transition).
func (e *Engine) Install(ctx context.Context, app *types.Application) error {
	mu := e.lockFor(app.ID)
	mu.Lock()
	defer mu.Unlock()

	if app.ID == "" {
		return verrors.ValidationError("", "appId is required")
	}
	if app.Kind != types.AppKindScript && app.Kind != types.AppKindBinary {
		return verrors.ValidationError(app.ID, "kind must be script or binary")
	}

	app.Status = types.AppStatusInstalling
	app.CreatedAt = timeNow()
	app.UpdatedAt = timeNow()
	if app.Resources == nil {
		defaults := types.DefaultResourceLimits()
		if e.cfg.DefaultMemory > 0 {
			defaults.MemoryBytes = e.cfg.DefaultMemory
		}
		if e.cfg.DefaultCPUQuota > 0 {
			defaults.CPUQuotaUs = e.cfg.DefaultCPUQuota
		}
		if e.cfg.DefaultCPUPeriod > 0 {
			defaults.CPUPeriodUs = e.cfg.DefaultCPUPeriod
		}
		if e.cfg.TmpfsBytes > 0 {
			defaults.TmpfsBytes = e.cfg.TmpfsBytes
		}
		app.Resources = defaults
	}

	if e.secrets != nil && len(app.Env) > 0 {
		if err := e.secrets.EncryptEnv(app.Env); err != nil {
			return verrors.Internal(app.ID, "failed to encrypt secret env values", err)
		}
	}

	if err := e.store.CreateApplication(app); err != nil {
		return err
	}

	if e.deps != nil && len(app.Dependencies) > 0 {
		if err := e.deps.Resolve(ctx, app.ID, app.Dependencies); err != nil {
			_ = e.TransitionState(app.ID, types.AppStatusError)
			return err
		}
	}

	if err := e.TransitionState(app.ID, types.AppStatusInstalled); err != nil {
		return err
	}
	log.WithAppID(app.ID).Info().Msg("application installed")
	return nil
}

// Start implements spec.md §4.4's ten-step Start algorithm. It is
// idempotent against a concurrent Start for the same appId: a caller that
// arrives while a Start is already in flight receives the in-progress
// executionId instead of racing a second container into existence.
func (e *Engine) Start(ctx context.Context, appID string) (executionID string, err error) {
	e.liveMu.Lock()
	if existing, inProgress := e.live[appID]; inProgress {
		e.liveMu.Unlock()
		return existing, nil
	}
	e.liveMu.Unlock()

	mu := e.lockFor(appID)
	mu.Lock()
	defer mu.Unlock()

	// Re-check after acquiring the lock: another Start may have completed
	// or begun between the optimistic check above and here.
	e.liveMu.Lock()
	if existing, inProgress := e.live[appID]; inProgress {
		e.liveMu.Unlock()
		return existing, nil
	}
	e.liveMu.Unlock()

	app, err := e.store.GetApplication(appID)
	if err != nil {
		return "", err
	}
	if app.Status != types.AppStatusInstalled && app.Status != types.AppStatusStopped && app.Status != types.AppStatusError {
		return "", verrors.InvalidState(appID, fmt.Sprintf("cannot start application in state %s", app.Status))
	}

	executionID = uuid.NewString()
	e.liveMu.Lock()
	e.live[appID] = executionID
	e.liveMu.Unlock()

	if err := e.TransitionState(appID, types.AppStatusStarting); err != nil {
		e.clearLive(appID)
		return "", err
	}
	_ = e.store.UpdateApplication(appID, func(a *types.Application) error {
		a.LastStartAt = timeNow()
		return nil
	})

	if app.Kind == types.AppKindScript {
		if err := e.materializeSource(app); err != nil {
			e.clearLive(appID)
			_ = e.TransitionState(appID, types.AppStatusError)
			return "", verrors.Internal(appID, "failed to materialize source", err)
		}
	}

	containerName := runtime.SanitizeContainerName(appID)

	if prior, err := e.driver.Inspect(ctx, containerName); err == nil {
		switch prior.Status {
		case runtime.StatusExited:
			_ = e.driver.Remove(ctx, containerName, true)
		case runtime.StatusRunning, runtime.StatusPaused:
			e.clearLive(appID)
			_ = e.TransitionState(appID, types.AppStatusError)
			return "", verrors.Conflict(appID, "container with derived name already running")
		}
	}

	spec := e.buildSpec(app, containerName, executionID)

	if _, err := e.driver.EnsureImage(ctx, spec.Image); err != nil {
		e.clearLive(appID)
		_ = e.TransitionState(appID, types.AppStatusError)
		return "", verrors.Unavailable(appID, "container image unavailable", err)
	}

	createTimer := metrics.NewTimer()
	handle, err := e.driver.Create(ctx, spec)
	createTimer.ObserveDuration(metrics.ContainerCreateDuration)
	if err != nil {
		e.clearLive(appID)
		_ = e.TransitionState(appID, types.AppStatusError)
		return "", verrors.Internal(appID, "failed to create container", err)
	}

	startTimer := metrics.NewTimer()
	err = e.driver.Start(ctx, handle)
	startTimer.ObserveDuration(metrics.ContainerStartDuration)
	if err != nil {
		_ = e.driver.Remove(ctx, handle, true)
		e.clearLive(appID)
		_ = e.TransitionState(appID, types.AppStatusError)
		return "", verrors.Internal(appID, "failed to start container", err)
	}

	attachment, err := e.driver.Attach(ctx, handle)
	if err != nil {
		log.WithAppID(appID).Warn().Err(err).Msg("attach failed; continuing without live stream capture")
	}

	exec := &types.Execution{
		ID:            executionID,
		AppID:         appID,
		Handle:        handle,
		State:         types.RuntimeStateRunning,
		LastHeartbeat: timeNow(),
		Resources:     app.Resources,
		StartedAt:     timeNow(),
	}
	if err := e.store.UpsertExecution(exec); err != nil {
		e.clearLive(appID)
		return "", verrors.Internal(appID, "failed to persist execution", err)
	}

	if err := e.TransitionState(appID, types.AppStatusRunning); err != nil {
		e.clearLive(appID)
		return "", err
	}

	if attachment != nil && e.output != nil {
		if attachment.Stdout != nil {
			go e.output.ForwardStdout(appID, executionID, attachment.Stdout)
		}
		if attachment.Stderr != nil {
			go e.output.ForwardStderr(appID, executionID, attachment.Stderr)
		}
	}

	go e.monitor(appID, executionID, handle)

	return executionID, nil
}

// materializeSource writes app.Source to app.EntryPoint under this
// Application's per-app source directory (spec.md §4.4 Start step 4).
func (e *Engine) materializeSource(app *types.Application) error {
	if e.sourceDir == nil || app.EntryPoint == "" {
		return nil
	}
	dir := e.sourceDir(app.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create source dir: %w", err)
	}
	target := filepath.Join(dir, app.EntryPoint)
	if err := os.WriteFile(target, app.Source, 0o755); err != nil {
		return fmt.Errorf("write source file: %w", err)
	}
	return nil
}

func (e *Engine) clearLive(appID string) {
	e.liveMu.Lock()
	delete(e.live, appID)
	e.liveMu.Unlock()
}

func (e *Engine) markStopping(appID string) {
	e.liveMu.Lock()
	e.stopping[appID] = true
	e.liveMu.Unlock()
}

func (e *Engine) unmarkStopping(appID string) {
	e.liveMu.Lock()
	delete(e.stopping, appID)
	e.liveMu.Unlock()
}

func (e *Engine) isStopping(appID string) bool {
	e.liveMu.Lock()
	defer e.liveMu.Unlock()
	return e.stopping[appID]
}

// monitor awaits container exit and updates state accordingly (spec.md
// §4.4 step 9). The Reconciler is the authoritative backstop if this
// goroutine's process dies before the wait returns. If an explicit Stop or
// Uninstall already owns this exit, monitor records nothing: the explicit
// caller's own Wait+TransitionState is authoritative.
func (e *Engine) monitor(appID, executionID, handle string) {
	defer e.clearLive(appID)

	exitCode, err := e.driver.Wait(context.Background(), handle)

	if e.isStopping(appID) {
		return
	}

	finalState := types.AppStatusStopped
	if err != nil || exitCode != 0 {
		finalState = types.AppStatusError
	}

	code := exitCode
	_ = e.store.UpdateApplication(appID, func(a *types.Application) error {
		return nil
	})
	if exec, gerr := e.store.GetExecutionByExecutionID(executionID); gerr == nil {
		exec.State = types.RuntimeStateStopped
		if finalState == types.AppStatusError {
			exec.State = types.RuntimeStateError
		}
		exec.ExitCode = &code
		exec.FinishedAt = timeNow()
		_ = e.store.UpsertExecution(exec)
	}

	_ = e.TransitionState(appID, finalState)
	metrics.ExecutionsTotal.WithLabelValues(string(finalState)).Inc()
	log.WithAppID(appID).Info().Int("exit_code", exitCode).Str("state", string(finalState)).Msg("execution finished")
}

func (e *Engine) buildSpec(app *types.Application, containerName, executionID string) runtime.Spec {
	env := []string{"APP_ID=" + app.ID, "EXECUTION_ID=" + executionID}

	appEnv := app.Env
	if e.secrets != nil && len(appEnv) > 0 {
		if decrypted, err := e.secrets.DecryptEnv(appEnv); err == nil {
			appEnv = decrypted
		} else {
			log.WithAppID(app.ID).Error().Err(err).Msg("failed to decrypt secret env values; passing through as-is")
		}
	}
	for k, v := range appEnv {
		env = append(env, k+"="+v)
	}

	if e.signals != nil {
		env = append(env, e.signals.ConnectionInfo().EnvVars()...)
	}

	resources := app.Resources
	if resources == nil {
		resources = types.DefaultResourceLimits()
	}

	var mounts []runtime.Mount
	var command []string
	image := e.cfg.BinaryImage
	workingDir := app.WorkingDir

	switch app.Kind {
	case types.AppKindScript:
		image = e.cfg.ScriptImage
		if e.sourceDir != nil {
			// Bind-mounted at its own host path (not a fixed container
			// path) so a driver that does not virtualize a mount
			// namespace, such as the LocalDriver used in tests, can
			// still resolve the entry point by chdir-ing into the same
			// real directory the Container Driver binds the container
			// to.
			srcDir := e.sourceDir(app.ID)
			workingDir = srcDir
			mounts = append(mounts, runtime.Mount{
				Source:   srcDir,
				Target:   srcDir,
				ReadOnly: false,
			})
		}
		if len(app.Dependencies) > 0 {
			mounts = append(mounts, runtime.Mount{
				Source:   e.depsDir(app.ID),
				Target:   "/opt/vea/deps",
				ReadOnly: true,
			})
		}
		command = append([]string{"./" + app.EntryPoint}, app.Args...)
	case types.AppKindBinary:
		command = append([]string{app.EntryPoint}, app.Args...)
	}

	return runtime.Spec{
		Name:        containerName,
		Image:       image,
		WorkingDir:  workingDir,
		Command:     command,
		Env:         env,
		Mounts:      mounts,
		MemoryBytes: resources.MemoryBytes,
		CPUQuotaUs:  resources.CPUQuotaUs,
		CPUPeriodUs: resources.CPUPeriodUs,
		NetworkMode: resources.NetworkMode,
		Tmpfs: []runtime.Tmpfs{
			{Target: "/tmp", SizeBytes: resources.TmpfsBytes, NoExec: true, NoSuid: true},
		},
		Labels: map[string]string{
			runtime.NameLabel: e.cfg.RuntimeID,
			runtime.AppLabel:  app.ID,
		},
	}
}

// Pause transitions a running Application to paused.
func (e *Engine) Pause(ctx context.Context, id string) error {
	appID, err := e.resolve(id)
	if err != nil {
		return err
	}
	mu := e.lockFor(appID)
	mu.Lock()
	defer mu.Unlock()

	app, err := e.store.GetApplication(appID)
	if err != nil {
		return err
	}
	if app.Status != types.AppStatusRunning {
		return verrors.InvalidState(appID, "cannot pause application that is not running")
	}

	exec, err := e.store.GetExecutionByAppID(appID)
	if err != nil {
		return err
	}
	if err := e.driver.Pause(ctx, exec.Handle); err != nil {
		return verrors.Internal(appID, "failed to pause container", err)
	}

	exec.State = types.RuntimeStatePaused
	if err := e.store.UpsertExecution(exec); err != nil {
		return err
	}
	return e.TransitionState(appID, types.AppStatusPaused)
}

// Resume transitions a paused Application back to running.
func (e *Engine) Resume(ctx context.Context, id string) error {
	appID, err := e.resolve(id)
	if err != nil {
		return err
	}
	mu := e.lockFor(appID)
	mu.Lock()
	defer mu.Unlock()

	app, err := e.store.GetApplication(appID)
	if err != nil {
		return err
	}
	if app.Status != types.AppStatusPaused {
		return verrors.InvalidState(appID, "cannot resume application that is not paused")
	}

	exec, err := e.store.GetExecutionByAppID(appID)
	if err != nil {
		return err
	}
	if err := e.driver.Resume(ctx, exec.Handle); err != nil {
		return verrors.Internal(appID, "failed to resume container", err)
	}

	exec.State = types.RuntimeStateRunning
	if err := e.store.UpsertExecution(exec); err != nil {
		return err
	}
	return e.TransitionState(appID, types.AppStatusRunning)
}

// Stop gracefully stops a running or paused Application, escalating to a
// force-kill after StopGracePeriod (spec.md §4.4). Per spec.md §8's
// Idempotence law, a second Stop against an Application already in a
// terminal state (Stopped or Error) does not transition state again; it
// returns the exit code recorded by whichever call actually stopped it.
func (e *Engine) Stop(ctx context.Context, id string) (int, error) {
	appID, err := e.resolve(id)
	if err != nil {
		return 0, err
	}
	mu := e.lockFor(appID)
	mu.Lock()
	defer mu.Unlock()

	app, err := e.store.GetApplication(appID)
	if err != nil {
		return 0, err
	}

	if app.Status == types.AppStatusStopped || app.Status == types.AppStatusError {
		if exec, gerr := e.store.GetExecutionByAppID(appID); gerr == nil && exec.ExitCode != nil {
			return *exec.ExitCode, nil
		}
		return 0, nil
	}

	if app.Status != types.AppStatusRunning && app.Status != types.AppStatusPaused {
		return 0, verrors.InvalidState(appID, "cannot stop application that is not running or paused")
	}

	exec, err := e.store.GetExecutionByAppID(appID)
	if err != nil {
		return 0, err
	}

	e.markStopping(appID)
	defer e.unmarkStopping(appID)

	stopTimer := metrics.NewTimer()
	err = e.driver.Stop(ctx, exec.Handle, StopGracePeriod)
	stopTimer.ObserveDuration(metrics.ContainerStopDuration)
	if err != nil {
		_ = e.TransitionState(appID, types.AppStatusError)
		return 0, verrors.Internal(appID, "failed to stop container", err)
	}

	exitCode, _ := e.driver.Wait(ctx, exec.Handle)
	code := exitCode
	exec.ExitCode = &code
	exec.State = types.RuntimeStateStopped
	exec.FinishedAt = timeNow()
	if err := e.store.UpsertExecution(exec); err != nil {
		return 0, err
	}

	e.clearLive(appID)
	if err := e.TransitionState(appID, types.AppStatusStopped); err != nil {
		return 0, err
	}
	metrics.ExecutionsTotal.WithLabelValues(string(types.AppStatusStopped)).Inc()
	return code, nil
}

// Uninstall stops a live Application if needed, removes its container and
// storage, and deletes its catalog row. Per spec.md §4.4, partial cleanup
// failures are logged but the catalog row is still deleted if possible.
func (e *Engine) Uninstall(ctx context.Context, id string, removeStorage func(appID string) error) error {
	appID, err := e.resolve(id)
	if err != nil {
		return err
	}
	mu := e.lockFor(appID)
	mu.Lock()
	defer mu.Unlock()

	app, err := e.store.GetApplication(appID)
	if err != nil {
		return err
	}

	_ = e.TransitionState(appID, types.AppStatusUninstalling)

	e.markStopping(appID)
	defer e.unmarkStopping(appID)

	if app.Status == types.AppStatusRunning || app.Status == types.AppStatusPaused {
		if exec, gerr := e.store.GetExecutionByAppID(appID); gerr == nil {
			if err := e.driver.Stop(ctx, exec.Handle, StopGracePeriod); err != nil {
				log.WithAppID(appID).Warn().Err(err).Msg("stop during uninstall failed, continuing cleanup")
			}
			_ = e.driver.Remove(ctx, exec.Handle, true)
		}
	}

	containerName := runtime.SanitizeContainerName(appID)
	if err := e.driver.Remove(ctx, containerName, true); err != nil {
		log.WithAppID(appID).Warn().Err(err).Msg("container remove during uninstall failed, continuing cleanup")
	}

	if removeStorage != nil {
		if err := removeStorage(appID); err != nil {
			log.WithAppID(appID).Warn().Err(err).Msg("storage cleanup during uninstall failed, continuing cleanup")
		}
	}

	_ = e.store.DeleteExecutionsForApp(appID)
	e.clearLive(appID)

	if err := e.store.DeleteApplication(appID); err != nil {
		return err
	}
	return nil
}
