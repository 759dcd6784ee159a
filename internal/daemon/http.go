// internal/daemon/http.go
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/colebrumley/tripwire/internal/mqttbridge"
	"github.com/colebrumley/tripwire/internal/state"
	"github.com/colebrumley/tripwire/internal/trigger"
)

const (
	maxBodyBytes     = 1 << 20
	apiRatePerMin    = 120
	healthRatePerMin = 60
	maxHistoryLimit  = 500

	// HeaderWebhookSecret carries the shared secret checked by webhook conditions.
	HeaderWebhookSecret = "X-Tripwire-Secret"
)

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	api := perMinute(apiRatePerMin, apiRatePerMin/4)

	mux.HandleFunc("GET /health", rateLimitHandler(perMinute(healthRatePerMin, 10), d.handleHealth))

	mux.HandleFunc("GET /api/triggers", rateLimitHandler(api, d.handleListTriggers))
	mux.HandleFunc("POST /api/triggers", rateLimitHandler(api, d.handleCreateTrigger))
	mux.HandleFunc("GET /api/triggers/{id}", rateLimitHandler(api, d.handleGetTrigger))
	mux.HandleFunc("PATCH /api/triggers/{id}", rateLimitHandler(api, d.handleUpdateTrigger))
	mux.HandleFunc("DELETE /api/triggers/{id}", rateLimitHandler(api, d.handleDeleteTrigger))
	mux.HandleFunc("POST /api/events/{type}", rateLimitHandler(api, d.handlePublishEvent))
	mux.HandleFunc("POST /api/metrics/{name}", rateLimitHandler(api, d.handlePublishMetric))
	mux.HandleFunc("GET /api/history", rateLimitHandler(api, d.handleHistory))

	mux.Handle("GET /metrics", promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{}))

	if d.mcp != nil {
		mux.Handle("/mcp", d.mcp.Handler())
	}

	hooks := perMinute(d.config.Daemon.WebhookRatePerMinute, d.config.Daemon.WebhookBurst)
	mux.HandleFunc(trigger.WebhookPathPrefix, rateLimitHandler(hooks, d.handleWebhook))

	return mux
}

// perMinute returns a token bucket refilling n tokens per minute.
func perMinute(n, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60), burst)
}

// rateLimitHandler rejects requests once limiter is exhausted.
func rateLimitHandler(limiter *rate.Limiter, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		handler(w, r)
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	triggers := d.registry.List()
	active := 0
	for _, t := range triggers {
		if t.Active() {
			active++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         Version,
		"uptime":          d.now().Sub(d.startTime).Truncate(time.Second).String(),
		"triggers_loaded": len(triggers),
		"triggers_active": active,
		"listeners":       d.registry.Listeners(),
	})
}

// triggerStatus is a trigger plus its most recent dispatch state.
type triggerStatus struct {
	*trigger.Trigger
	LastState string `json:"last_state,omitempty"`
}

func (d *Daemon) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	var triggers []*trigger.Trigger
	if guild := r.URL.Query().Get("guild_id"); guild != "" {
		triggers = d.registry.ListByGuild(guild)
	} else {
		triggers = d.registry.List()
	}

	out := make([]triggerStatus, 0, len(triggers))
	for _, t := range triggers {
		st := triggerStatus{Trigger: t}
		if last, err := d.db.GetLastState(r.Context(), t.ID); err == nil {
			st.LastState = last
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Daemon) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var def trigger.Definition
	if err := decodeBody(r, &def); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// Definition files own the file: namespace.
	def.Source = ""

	t, err := d.registry.CreateTrigger(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (d *Daemon) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := d.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (d *Daemon) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var upd trigger.Update
	if err := decodeBody(r, &upd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := d.registry.UpdateTrigger(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (d *Daemon) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	if err := d.registry.DeleteTrigger(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("type")
	var fields map[string]any
	if r.ContentLength != 0 {
		if err := decodeBody(r, &fields); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	sample := trigger.NewEventSample(eventType, fields, d.now())
	n := d.bus.Publish(context.WithoutCancel(r.Context()), trigger.EventTopic(eventType), sample)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (d *Daemon) handlePublishMetric(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	value, at, err := mqttbridge.ParseMetricPayload(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if at.IsZero() {
		at = d.now()
	}

	n := d.bus.Publish(context.WithoutCancel(r.Context()), trigger.MetricTopic(name), trigger.NewMetricSample(name, value, at))
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (d *Daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := state.HistoryFilter{
		TriggerID: q.Get("trigger_id"),
		State:     q.Get("state"),
		Limit:     50,
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = min(n, maxHistoryLimit)
	}

	records, err := d.db.GetHistory(r.Context(), f)
	if err != nil {
		http.Error(w, fmt.Sprintf("querying history: %v", err), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []state.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleWebhook turns an inbound request into a webhook sample on
// webhook:<path>. Paths nobody listens on get a 404.
func (d *Daemon) handleWebhook(w http.ResponseWriter, r *http.Request) {
	topic := trigger.WebhookTopic(r.URL.Path)
	if !d.bus.HasSubscribers(topic) {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if strings.EqualFold(k, HeaderWebhookSecret) || strings.EqualFold(k, "Authorization") {
			continue
		}
		headers[k] = strings.Join(v, ", ")
	}

	sample := trigger.NewWebhookSample(r.URL.Path, r.Method, string(body), headers, d.now())
	sample.Secret = r.Header.Get(HeaderWebhookSecret)

	// Dispatches run to completion even if the sender hangs up.
	n := d.bus.Publish(context.WithoutCancel(r.Context()), topic, sample)
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps registry errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, trigger.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, trigger.ErrNotFound):
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
