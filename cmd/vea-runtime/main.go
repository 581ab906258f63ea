package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vea-project/runtime/pkg/config"
	"github.com/vea-project/runtime/pkg/deps"
	"github.com/vea-project/runtime/pkg/dispatcher"
	"github.com/vea-project/runtime/pkg/engine"
	"github.com/vea-project/runtime/pkg/events"
	"github.com/vea-project/runtime/pkg/fleet"
	"github.com/vea-project/runtime/pkg/log"
	"github.com/vea-project/runtime/pkg/metrics"
	"github.com/vea-project/runtime/pkg/output"
	"github.com/vea-project/runtime/pkg/paths"
	"github.com/vea-project/runtime/pkg/reconciler"
	"github.com/vea-project/runtime/pkg/runtime"
	"github.com/vea-project/runtime/pkg/security"
	"github.com/vea-project/runtime/pkg/signal"
	"github.com/vea-project/runtime/pkg/storage"
	"github.com/vea-project/runtime/pkg/types"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

// exitError tags a runServe failure with the process exit code spec.md §6
// assigns to its category: 1 fatal config, 2 catalog/storage failure, 3
// container engine unavailable.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:   "vea-runtime",
	Short: "VEA Runtime - vehicle edge application runtime",
	Long: `vea-runtime hosts and supervises Applications on a single vehicle
ECU: it installs dependencies, starts and stops script and binary
workloads in isolated containers, streams their output, and exposes a
WebSocket dispatcher for fleet-side orchestration.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"vea-runtime version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the VEA runtime daemon",
	Long:  `Load the runtime configuration, wire every component, and serve the dispatcher and health endpoints until interrupted.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML runtime manifest (spec.md §6)")
	serveCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the health port")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

	cfg, err := config.Load(configPath)
	if err != nil {
		return exitCode(1, fmt.Errorf("load config: %w", err))
	}

	layout := paths.New(cfg.DataDir)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return exitCode(2, fmt.Errorf("create data dir: %w", err))
	}

	store, err := storage.NewBoltStore(cfg.DataDir, cfg.LogRetentionPerAppBytes)
	if err != nil {
		return exitCode(2, fmt.Errorf("open catalog: %w", err))
	}
	defer store.Close()

	var driver runtime.Driver
	if cfg.ContainerdSocket != "" {
		cdDriver, err := runtime.NewContainerdDriver(cfg.ContainerdSocket)
		if err != nil {
			return exitCode(3, fmt.Errorf("connect to containerd: %w", err))
		}
		driver = cdDriver
		log.Logger.Info().Str("socket", cfg.ContainerdSocket).Msg("using containerd driver")
	} else {
		driver = runtime.NewLocalDriver()
		log.Logger.Warn().Msg("no containerd socket configured, running applications as local processes")
	}
	defer driver.Close()

	var secrets *security.Manager
	if cfg.SharedSecret != "" {
		secrets, err = security.NewManagerFromPassphrase(cfg.SharedSecret)
		if err != nil {
			return fmt.Errorf("init secrets manager: %w", err)
		}
	} else {
		log.Logger.Warn().Msg("no shared secret configured, secret: env values will be stored unencrypted")
	}

	installer := deps.New(store, layout.Dependencies)

	var gateway signal.Gateway
	if cfg.SignalGatewayEnabled {
		log.Logger.Warn().Msg("signal_gateway_enabled is set but no concrete gateway is compiled in, falling back to unavailable")
	}
	gateway = signal.NewUnavailable()

	// pipeline is assigned after broker because output.New needs the
	// broker it publishes through; onDrop closes over this variable so it
	// can still reach EmitDropWarning once pipeline exists (spec.md §4.5).
	var pipeline *output.Pipeline
	broker := events.NewBroker(func(appID string) {
		log.Logger.Warn().Str("app_id", appID).Msg("dropped event: subscriber too slow")
		if pipeline != nil {
			pipeline.EmitDropWarning(appID)
		}
	})
	broker.Start()
	defer broker.Stop()

	pipeline = output.New(store, broker)

	engCfg := engine.Config{
		ScriptImage:      cfg.ContainerImageScript,
		BinaryImage:      cfg.ContainerImageBinary,
		DefaultMemory:    cfg.DefaultMemoryBytes,
		DefaultCPUQuota:  cfg.DefaultCPUQuota,
		DefaultCPUPeriod: 100000,
		TmpfsBytes:       100 * 1024 * 1024,
		RuntimeID:        cfg.RuntimeID,
	}
	eng := engine.New(store, driver, installer, pipeline, broker, secrets, gateway, engCfg, layout.Dependencies, layout.ScriptSource)

	var fleetClient fleet.Client
	if cfg.FleetClientEnabled && cfg.FleetClientURL != "" {
		fleetClient = fleet.NewHTTPClient(cfg.FleetClientURL)
	} else {
		fleetClient = fleet.NewNoop()
	}
	defer fleetClient.Close()

	recon := reconciler.New(store, driver, eng, cfg.RuntimeID, time.Duration(cfg.ReconcilerIntervalSeconds)*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	recon.Start(ctx)
	defer recon.Stop()

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go fleet.Ticker(heartbeatCtx, fleetClient, 30*time.Second, func() fleet.HeartbeatInfo {
		apps, _ := store.ListApplications(types.AppFilter{})
		return fleet.HeartbeatInfo{RuntimeID: cfg.RuntimeID, Timestamp: time.Now(), ApplicationCount: len(apps)}
	}, func(err error) {
		log.Logger.Warn().Err(err).Msg("fleet heartbeat failed")
	})

	if err := fleetClient.Register(ctx, fleet.RegistrationInfo{RuntimeID: cfg.RuntimeID, Version: Version}); err != nil {
		log.Logger.Warn().Err(err).Msg("fleet registration failed")
	}

	disp := dispatcher.New(eng, store, broker, gateway, cfg.RuntimeID, cfg.SharedSecret)

	mux := http.NewServeMux()
	mux.HandleFunc("/dispatch", disp.ServeWS)
	dispatchSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}

	healthMux := http.NewServeMux()
	healthMux.Handle("/health", disp.HealthHandler())
	healthMux.Handle("/metrics", metrics.Handler())
	if pprofEnabled {
		healthMux.Handle("/debug/pprof/", http.DefaultServeMux)
	}
	healthSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HealthPort), Handler: healthMux}

	errCh := make(chan error, 2)
	go func() {
		log.Logger.Info().Int("port", cfg.Port).Msg("dispatcher listening")
		if err := dispatchSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("dispatcher server: %w", err)
		}
	}()
	go func() {
		log.Logger.Info().Int("port", cfg.HealthPort).Msg("health endpoint listening")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	osignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = dispatchSrv.Shutdown(shutdownCtx)
	_ = healthSrv.Shutdown(shutdownCtx)

	return nil
}
