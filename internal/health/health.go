// Package health serves the liveness and readiness probes for the capture
// service.
//
// GET /healthz answers 200 whenever the process can serve HTTP at all.
// GET /readyz runs every registered probe (uplink session state, archive
// connectivity) and answers 503 as soon as one reports a failure, so an
// orchestrator stops routing relay clients to a daemon that cannot deliver.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe. The archive ping crosses the
// network, so a wedged pool must not hold the whole /readyz response hostage.
const probeTimeout = 3 * time.Second

// Check is one named readiness probe.
type Check struct {
	// Name labels the probe in the /readyz report, e.g. "uplink" or "archive".
	Name string

	// Probe reports nil while the dependency can do its job. It must honor
	// ctx; the handler cancels it after probeTimeout.
	Probe func(ctx context.Context) error
}

// checkReport is the per-probe entry in the /readyz body.
type checkReport struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Took    string `json:"took"`
}

type report struct {
	Ready  bool          `json:"ready"`
	Checks []checkReport `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The probe list is fixed at
// construction, so the handler needs no locking.
type Handler struct {
	checks []Check
}

// New builds a Handler over the given probes. They run in registration order
// on every /readyz request.
func New(checks ...Check) *Handler {
	c := make([]Check, len(checks))
	copy(c, checks)
	return &Handler{checks: c}
}

// Register mounts the probe routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, report{Ready: true})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Ready: true, Checks: make([]checkReport, 0, len(h.checks))}

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		start := time.Now()
		err := c.Probe(ctx)
		took := time.Since(start)
		cancel()

		cr := checkReport{Name: c.Name, Healthy: err == nil, Took: took.Round(time.Microsecond).String()}
		if err != nil {
			cr.Error = err.Error()
			rep.Ready = false
		}
		rep.Checks = append(rep.Checks, cr)
	}

	status := http.StatusOK
	if !rep.Ready {
		status = http.StatusServiceUnavailable
	}
	writeReport(w, status, rep)
}

func writeReport(w http.ResponseWriter, status int, rep report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		http.Error(w, `{"ready":false}`, http.StatusInternalServerError)
	}
}
