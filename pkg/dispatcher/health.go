package dispatcher

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vea-project/runtime/pkg/types"
)

// healthResponse is the health endpoint's JSON body (spec.md §6).
type healthResponse struct {
	Status    string `json:"status"`
	RuntimeID string `json:"runtime_id"`
	UptimeMS  int64  `json:"uptime_ms"`
}

// HealthHandler returns an http.Handler for GET /health: 200 when the
// catalog can list its Applications, 503 otherwise. Only the catalog is
// probed; the engine's health is not checked.
func (d *Dispatcher) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK

		if _, err := d.store.ListApplications(types.AppFilter{}); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(healthResponse{
			Status:    status,
			RuntimeID: d.runtimeID,
			UptimeMS:  time.Since(d.startedAt).Milliseconds(),
		})
	})
}
