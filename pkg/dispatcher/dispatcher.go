// Package dispatcher is the Request Dispatcher (spec.md C8): a persistent
// bidirectional message channel over WebSocket, framed JSON, routing
// requests into the Execution Engine and Signal Gateway and streaming
// catalog/driver events back out. Grounded on the teacher's pkg/api
// server (request/response plus streaming pattern) but carrying
// nhooyr.io/websocket framing instead of the teacher's mTLS gRPC
// transport, and on battlewithbytes-pve-appstore's terminal.go for the
// accept/read-loop/write-loop shape around that library.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vea-project/runtime/pkg/engine"
	"github.com/vea-project/runtime/pkg/events"
	"github.com/vea-project/runtime/pkg/metrics"
	"github.com/vea-project/runtime/pkg/signal"
	"github.com/vea-project/runtime/pkg/storage"
	"nhooyr.io/websocket"
)

// Version is surfaced to dispatcher clients via get_runtime_info.
const Version = "1.0.0"

// Dispatcher owns every connected client and routes its requests into the
// engine, catalog, and signal gateway.
type Dispatcher struct {
	engine       *engine.Engine
	store        storage.Store
	broker       *events.Broker
	signals      signal.Gateway
	runtimeID    string
	sharedSecret string
	startedAt    time.Time

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

// New constructs a Dispatcher. signals may be signal.NewUnavailable() when
// no gateway is configured.
func New(eng *engine.Engine, store storage.Store, broker *events.Broker, signals signal.Gateway, runtimeID, sharedSecret string) *Dispatcher {
	return &Dispatcher{
		engine:       eng,
		store:        store,
		broker:       broker,
		signals:      signals,
		runtimeID:    runtimeID,
		sharedSecret: sharedSecret,
		startedAt:    time.Now(),
		clients:      make(map[*client]struct{}),
	}
}

// client is one connected dispatcher session.
type client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]signal.SubscriptionHandle // arbitrary local key -> gateway handle

	eventSub events.Subscriber
}

func (c *client) writeJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// authorized reports whether r carries the configured shared secret. No
// secret configured means authentication is disabled (spec.md Non-goal:
// "authentication beyond a simple shared-secret header").
func (d *Dispatcher) authorized(r *http.Request) bool {
	if d.sharedSecret == "" {
		return true
	}
	return r.Header.Get("X-VEA-Shared-Secret") == d.sharedSecret
}

// ServeWS upgrades r to a WebSocket connection and serves dispatcher
// requests on it until the client disconnects.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !d.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "dispatcher closing")

	c := &client{
		conn: conn,
		subs: make(map[string]signal.SubscriptionHandle),
	}
	if d.broker != nil {
		c.eventSub = d.broker.Subscribe()
		defer d.broker.Unsubscribe(c.eventSub)
	}

	d.clientsMu.Lock()
	d.clients[c] = struct{}{}
	metrics.DispatcherClientsConnected.Set(float64(len(d.clients)))
	d.clientsMu.Unlock()
	defer func() {
		d.clientsMu.Lock()
		delete(d.clients, c)
		metrics.DispatcherClientsConnected.Set(float64(len(d.clients)))
		d.clientsMu.Unlock()
	}()

	ctx := r.Context()

	var wg sync.WaitGroup
	if c.eventSub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.forwardEvents(ctx, c)
		}()
	}

	d.readLoop(ctx, c)
	wg.Wait()

	c.subsMu.Lock()
	for _, handle := range c.subs {
		_ = d.signals.Unsubscribe(context.Background(), handle)
		metrics.SignalSubscriptionsActive.Dec()
	}
	c.subsMu.Unlock()
}

// forwardEvents streams state_changed/console_output DomainEvents
// published by the broker to this client as unsolicited messages
// (spec.md §4.8 streaming events).
func (d *Dispatcher) forwardEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.eventSub:
			if !ok {
				return
			}
			msg := map[string]any{
				"type":         event.Type,
				"app_id":       event.AppID,
				"execution_id": event.ExecutionID,
				"timestamp":    event.Timestamp,
			}
			if event.State != "" {
				msg["state"] = event.State
			}
			if event.Stream != "" {
				msg["stream"] = event.Stream
				msg["payload"] = string(event.Payload)
			}
			if err := c.writeJSON(ctx, msg); err != nil {
				return
			}
		}
	}
}

// readLoop reads framed JSON requests until the connection closes,
// dispatching each to a handler and writing back the response envelope.
func (d *Dispatcher) readLoop(ctx context.Context, c *client) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		resp := d.handle(ctx, c, data)
		if err := c.writeJSON(ctx, resp); err != nil {
			return
		}
	}
}

// handle decodes one request frame and routes it, recovering the request
// id and type even when routing fails so the error envelope can still
// echo them (spec.md §4.8).
func (d *Dispatcher) handle(ctx context.Context, c *client, data []byte) map[string]any {
	var req inbound
	if err := json.Unmarshal(data, &req); err != nil {
		return errorEnvelope("", "", fmt.Sprintf("invalid request: %v", err))
	}

	timer := metrics.NewTimer()
	resp := d.route(ctx, c, req)
	timer.ObserveDurationVec(metrics.DispatcherRequestDuration, req.Type)

	status := "ok"
	if _, isErr := resp["error"]; isErr {
		status = "error"
	}
	metrics.DispatcherRequestsTotal.WithLabelValues(req.Type, status).Inc()

	return resp
}

func errorEnvelope(id, appID, message string) map[string]any {
	return map[string]any{
		"type":   "error",
		"id":     id,
		"error":  message,
		"app_id": nullableString(appID),
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
