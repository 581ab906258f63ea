package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vea-project/runtime/pkg/metrics"
	"github.com/vea-project/runtime/pkg/signal"
	"github.com/vea-project/runtime/pkg/types"
)

// inbound is the flattened union of every request payload shape in
// spec.md §4.8's request table; each handler reads only the fields it
// needs.
type inbound struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	AppID       string `json:"app_id"`
	ExecutionID string `json:"execution_id"`

	ClientInfo map[string]any `json:"client_info"`

	Code         string                `json:"code"`
	Language     string                `json:"language"`
	Prototype    string                `json:"prototype"`
	Dependencies []types.DependencyRef `json:"dependencies"`

	Paths  []string       `json:"paths"`
	Values map[string]any `json:"values"`
}

// route dispatches req to its handler and returns a response envelope
// (spec.md §4.8). Every branch is responsible for setting "type"/"id" on
// its own response unless it returns an error envelope via errResp.
func (d *Dispatcher) route(ctx context.Context, c *client, req inbound) map[string]any {
	switch req.Type {
	case "register_client":
		return d.handleRegisterClient(req)
	case "deploy_request":
		return d.handleDeployRequest(ctx, req)
	case "run_app":
		return d.handleRunApp(ctx, req)
	case "stop_app":
		return d.handleStopApp(ctx, req)
	case "pause_app":
		return d.handleLifecycle(ctx, req, "pause_app", d.engine.Pause)
	case "resume_app":
		return d.handleLifecycle(ctx, req, "resume_app", d.engine.Resume)
	case "uninstall_app":
		return d.handleUninstallApp(ctx, req)
	case "list_deployed_apps":
		return d.handleListDeployedApps(req)
	case "get_signals_value":
		return d.handleGetSignalsValue(ctx, req)
	case "write_signals_value":
		return d.handleWriteSignalsValue(ctx, req)
	case "subscribe_apis":
		return d.handleSubscribeAPIs(ctx, c, req)
	case "get_runtime_info":
		return d.handleGetRuntimeInfo(req)
	case "ping":
		return d.handlePing(req)
	default:
		return errResp(req, "", fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func errResp(req inbound, appID, message string) map[string]any {
	if appID == "" {
		appID = req.AppID
	}
	return errorEnvelope(req.ID, appID, message)
}

func lifecycleResp(req inbound, result, state string) map[string]any {
	return map[string]any{
		"type":   req.Type + "-response",
		"id":     req.ID,
		"status": "ok",
		"result": result,
		"state":  state,
	}
}

func (d *Dispatcher) handleRegisterClient(req inbound) map[string]any {
	return map[string]any{
		"type":         "register_client-response",
		"id":           req.ID,
		"status":       "ok",
		"result":       "registered",
		"runtime_id":   d.runtimeID,
		"capabilities": capabilities,
	}
}

func (d *Dispatcher) handleDeployRequest(ctx context.Context, req inbound) map[string]any {
	appID := req.AppID
	if appID == "" {
		appID = uuid.NewString()
	}

	app := &types.Application{
		ID:           appID,
		Kind:         types.AppKindScript,
		EntryPoint:   entryPointFor(req.Language),
		Source:       []byte(req.Code),
		Dependencies: req.Dependencies,
	}

	if _, err := d.store.GetApplication(appID); err != nil {
		if err := d.engine.Install(ctx, app); err != nil {
			return errResp(req, appID, err.Error())
		}
	}

	executionID, err := d.engine.Start(ctx, appID)
	if err != nil {
		return errResp(req, appID, err.Error())
	}

	return map[string]any{
		"type":         "deploy_request-response",
		"id":           req.ID,
		"status":       "ok",
		"result":       "deployed",
		"state":        string(types.AppStatusRunning),
		"app_id":       appID,
		"execution_id": executionID,
	}
}

// entryPointFor picks a conventional entry filename by declared language
// so a deployed script has somewhere to land on disk (spec.md §4.4 Start
// step 4 materializes "source file(s)"; the dispatcher owns naming them
// since the wire protocol carries only a language tag, not a filename).
func entryPointFor(language string) string {
	switch language {
	case "python", "py":
		return "main.py"
	case "node", "javascript", "js":
		return "main.js"
	default:
		return "main"
	}
}

func (d *Dispatcher) handleRunApp(ctx context.Context, req inbound) map[string]any {
	executionID, err := d.engine.Start(ctx, req.AppID)
	if err != nil {
		return errResp(req, req.AppID, err.Error())
	}
	resp := lifecycleResp(req, "started", string(types.AppStatusRunning))
	resp["app_id"] = req.AppID
	resp["execution_id"] = executionID
	return resp
}

func (d *Dispatcher) handleLifecycle(ctx context.Context, req inbound, typ string, op func(context.Context, string) error) map[string]any {
	id := req.AppID
	if id == "" {
		id = req.ExecutionID
	}
	if err := op(ctx, id); err != nil {
		return errResp(req, req.AppID, err.Error())
	}

	state := map[string]string{
		"pause_app":  string(types.AppStatusPaused),
		"resume_app": string(types.AppStatusRunning),
	}[typ]
	resp := lifecycleResp(req, typ, state)
	resp["app_id"] = req.AppID
	return resp
}

// handleStopApp has its own handler rather than reusing handleLifecycle
// because Stop, unlike Pause/Resume, surfaces an exit code (spec.md §8's
// Idempotence law: a repeated stop_app returns the same exit code).
func (d *Dispatcher) handleStopApp(ctx context.Context, req inbound) map[string]any {
	id := req.AppID
	if id == "" {
		id = req.ExecutionID
	}
	exitCode, err := d.engine.Stop(ctx, id)
	if err != nil {
		return errResp(req, req.AppID, err.Error())
	}

	resp := lifecycleResp(req, "stop_app", string(types.AppStatusStopped))
	resp["app_id"] = req.AppID
	resp["exit_code"] = exitCode
	return resp
}

func (d *Dispatcher) handleUninstallApp(ctx context.Context, req inbound) map[string]any {
	if err := d.engine.Uninstall(ctx, req.AppID, nil); err != nil {
		return errResp(req, req.AppID, err.Error())
	}
	resp := lifecycleResp(req, "uninstalled", string(types.AppStatusAbsent))
	resp["app_id"] = req.AppID
	return resp
}

func (d *Dispatcher) handleListDeployedApps(req inbound) map[string]any {
	apps, err := d.store.ListApplications(types.AppFilter{})
	if err != nil {
		return errResp(req, "", err.Error())
	}

	out := make([]map[string]any, 0, len(apps))
	for _, app := range apps {
		out = append(out, map[string]any{
			"app_id":  app.ID,
			"name":    app.Name,
			"kind":    app.Kind,
			"status":  app.Status,
			"version": app.Version,
		})
	}

	return map[string]any{
		"type":         "list_deployed_apps-response",
		"id":           req.ID,
		"status":       "ok",
		"applications": out,
	}
}

func (d *Dispatcher) handleGetSignalsValue(ctx context.Context, req inbound) map[string]any {
	values, err := d.signals.Read(ctx, req.Paths)
	if err != nil {
		return errResp(req, "", signalErrorMessage(err))
	}
	return map[string]any{
		"type":   "get_signals_value-response",
		"id":     req.ID,
		"status": "ok",
		"values": values,
	}
}

func (d *Dispatcher) handleWriteSignalsValue(ctx context.Context, req inbound) map[string]any {
	values := make(map[string]signal.Value, len(req.Values))
	for k, v := range req.Values {
		values[k] = v
	}

	results, err := d.signals.Write(ctx, values)
	if err != nil {
		return errResp(req, "", signalErrorMessage(err))
	}

	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{"path": r.Path}
		if r.Error != nil {
			entry["error"] = r.Error.Error()
		}
		out = append(out, entry)
	}

	return map[string]any{
		"type":    "write_signals_value-response",
		"id":      req.ID,
		"status":  "ok",
		"results": out,
	}
}

func (d *Dispatcher) handleSubscribeAPIs(ctx context.Context, c *client, req inbound) map[string]any {
	sink := func(path string, value signal.Value) {
		_ = c.writeJSON(ctx, map[string]any{
			"type":      "signal_update",
			"path":      path,
			"value":     value,
			"timestamp": time.Now(),
		})
	}

	handle, err := d.signals.Subscribe(ctx, req.Paths, sink)
	if err != nil {
		return errResp(req, "", signalErrorMessage(err))
	}

	c.subsMu.Lock()
	c.subs[req.ID] = handle
	c.subsMu.Unlock()
	metrics.SignalSubscriptionsActive.Inc()

	return map[string]any{
		"type":            "subscribe_apis-response",
		"id":              req.ID,
		"status":          "ok",
		"result":          "subscribed",
		"subscription_id": string(handle),
	}
}

func signalErrorMessage(err error) string {
	var sigErr *signal.Error
	if errors.As(err, &sigErr) {
		return fmt.Sprintf("%s: %s", sigErr.Kind, sigErr.Path)
	}
	return err.Error()
}

func (d *Dispatcher) handleGetRuntimeInfo(req inbound) map[string]any {
	return map[string]any{
		"type":         "get_runtime_info-response",
		"id":           req.ID,
		"status":       "ok",
		"runtime_id":   d.runtimeID,
		"version":      Version,
		"capabilities": capabilities,
	}
}

func (d *Dispatcher) handlePing(req inbound) map[string]any {
	return map[string]any{
		"type":        "pong",
		"id":          req.ID,
		"status":      "ok",
		"result":      "pong",
		"server_time": time.Now(),
	}
}

var capabilities = []string{"script", "binary", "signals"}
