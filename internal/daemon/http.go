package daemon

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nous-labs/autoreply/internal/admin"
	"github.com/nous-labs/autoreply/pkg/onboarding"
	"github.com/nous-labs/autoreply/pkg/supervisor"
)

// recentEvents is how many buffered events a new SSE client receives.
const recentEvents = 50

// Handler returns the admin HTTP API.
//
// Endpoints:
//   - GET  /health
//   - GET  /v1/events                    SSE stream of decisions and changes
//   - GET  /v1/owners
//   - GET  /v1/owners/{id}/status
//   - POST /v1/owners/{id}/command       {"command": "/pause 30m"}
//   - GET  /v1/owners/{id}/onboarding
//   - POST /v1/owners/{id}/onboarding    {"input": "..."} or {"action": "cancel"}
//   - POST /v1/owners/{id}/start
//   - POST /v1/owners/{id}/stop
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /v1/events", d.handleEvents)
	mux.HandleFunc("GET /v1/owners", d.handleOwners)
	mux.HandleFunc("GET /v1/owners/{id}/status", d.handleStatus)
	mux.HandleFunc("POST /v1/owners/{id}/command", d.handleCommand)
	mux.HandleFunc("GET /v1/owners/{id}/onboarding", d.handleOnboardingState)
	mux.HandleFunc("POST /v1/owners/{id}/onboarding", d.handleOnboarding)
	mux.HandleFunc("POST /v1/owners/{id}/start", d.handleStart)
	mux.HandleFunc("POST /v1/owners/{id}/stop", d.handleStop)

	var h http.Handler = mux
	h = requireToken(d.cfg.Admin.Token, h)
	h = throttle(d.cfg.Admin.RequestsPerSecond, d.cfg.Admin.Burst, h)
	return h
}

// requireToken checks a bearer token on everything but /health. An empty
// token disables the check.
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte("Bearer " + token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// throttle limits the API to rps requests per second. A non-positive rps
// disables it.
func throttle(rps float64, burst int, next http.Handler) http.Handler {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	retry := strconv.Itoa(int(math.Ceil(1 / rps)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", retry)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func ownerID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return 0, false
	}
	return id, true
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !d.healthy.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(d.startedAt).Round(time.Second).String(),
		"running": len(d.sup.Owners()),
	})
}

// handleEvents streams bus events as SSE, starting with the recent buffer.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, done := d.bus.Subscribe()
	defer d.bus.Unsubscribe(done)
	d.logger.Info("SSE client connected", "subscribers", d.bus.SubscriberCount())

	for _, e := range d.bus.Recent(recentEvents) {
		fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			d.logger.Info("SSE client disconnected")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
			flusher.Flush()
		}
	}
}

type ownerView struct {
	ID           int64     `json:"id"`
	State        string    `json:"state"`
	Running      bool      `json:"running"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity,omitempty"`
}

func (d *Daemon) handleOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := d.admin.Owners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]ownerView, 0, len(owners))
	for _, o := range owners {
		out = append(out, ownerView{
			ID:           o.ID,
			State:        o.State,
			Running:      d.sup.Running(o.ID),
			CreatedAt:    o.CreatedAt,
			LastActivity: o.LastActivity,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	st, err := d.admin.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type commandRequest struct {
	Command string `json:"command"`
}

func (d *Daemon) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "missing or invalid command field")
		return
	}
	reply, err := d.admin.Execute(r.Context(), id, req.Command)
	switch {
	case errors.Is(err, admin.ErrUnknownCommand):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

type onboardingRequest struct {
	Input  string `json:"input"`
	Action string `json:"action,omitempty"` // "cancel"
}

type onboardingResponse struct {
	State  onboarding.State `json:"state"`
	Prompt string           `json:"prompt"`
}

func (d *Daemon) handleOnboardingState(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	state, err := d.onboarding.State(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, onboardingResponse{State: state, Prompt: onboarding.Prompt(state)})
}

func (d *Daemon) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	var req onboardingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var state onboarding.State
	var err error
	switch req.Action {
	case "cancel":
		err = d.onboarding.Cancel(r.Context(), id)
		state = onboarding.New
	case "":
		state, err = d.onboarding.Advance(r.Context(), id, req.Input)
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}
	switch {
	case errors.Is(err, onboarding.ErrInvalidTransition), errors.Is(err, onboarding.ErrChallengeExpired):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, onboardingResponse{State: state, Prompt: onboarding.Prompt(state)})
}

func (d *Daemon) handleStart(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := d.sup.Start(r.Context(), id); err != nil {
		var se *supervisor.StartError
		if errors.As(err, &se) {
			writeError(w, http.StatusConflict, se.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (d *Daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := ownerID(w, r)
	if !ok {
		return
	}
	if err := d.sup.Stop(id); err != nil {
		if errors.Is(err, supervisor.ErrNotRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}
