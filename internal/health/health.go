// Package health serves the process liveness and readiness probes.
//
// /healthz reports liveness and always answers 200: a process that can serve
// HTTP is alive. /readyz answers 200 only while every registered [Checker]
// passes, so a lost database or event broker flips the process out of the
// load balancer without killing in-flight sessions.
//
// Both endpoints respond with a JSON object carrying a top-level "status"
// ("ok" or "fail") and, for readiness, a "checks" map with one entry per
// named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds each individual readiness check so one hung dependency
// cannot stall the probe past the kubelet's patience.
const checkTimeout = 5 * time.Second

// Checker is one named readiness check. Check returns nil while the
// dependency is usable and an error describing the failure otherwise.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "database", "events").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Ping wraps a bare ping function as a named [Checker]. Useful for adapting
// client Ping methods (database pools, redis clients) without boilerplate.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}

// report is the JSON body written by both probes.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler evaluates readiness checks and serves the probe endpoints. The
// checker list is fixed at construction, so the handler needs no locking.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] over the given checkers. /readyz evaluates them
// sequentially in the order given.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz is the readiness probe. Every checker runs on each request with its
// own [checkTimeout] deadline derived from the request context; any failure
// turns the response into a 503 with the failing checks named.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := report{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
