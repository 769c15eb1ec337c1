// Package health exposes the probe endpoints for the chat backend:
// process liveness, readiness to accept completion traffic, and
// connectivity to the database behind the chat store.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

const dbPingTimeout = 2 * time.Second

// Pinger is the slice of *sql.DB the database probe needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Serving phases. New completion requests are admitted only while
// serving; draining lets in-flight generations stream to their done
// event while load balancers route new requests elsewhere.
const (
	phaseBooting int32 = iota
	phaseServing
	phaseDraining
)

// Checker reports whether the backend should receive completion traffic.
// Readiness covers both the serving phase and, when the chat store is
// database-backed, connectivity to it. Safe for concurrent use.
type Checker struct {
	phase atomic.Int32
	db    Pinger // nil with in-memory persistence
}

// NewChecker creates a Checker in the booting phase. db may be nil when
// no database is configured.
func NewChecker(db Pinger) *Checker {
	return &Checker{db: db}
}

// SetServing marks the backend ready to accept completion requests.
func (c *Checker) SetServing() {
	c.phase.Store(phaseServing)
}

// SetDraining marks the backend as shutting down.
func (c *Checker) SetDraining() {
	c.phase.Store(phaseDraining)
}

// Serving reports whether new completion requests are admitted.
func (c *Checker) Serving() bool {
	return c.phase.Load() == phaseServing
}

// Phase returns the current phase name.
func (c *Checker) Phase() string {
	switch c.phase.Load() {
	case phaseServing:
		return "serving"
	case phaseDraining:
		return "draining"
	default:
		return "booting"
	}
}

type probeResponse struct {
	Status string `json:"status"`
}

// LivenessHandler always responds 200: the process is up even while
// booting or draining. Wire to /healthz.
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, probeResponse{Status: "ok"})
	}
}

// ReadinessHandler responds 200 only while serving with a reachable
// database, otherwise 503 naming the blocking condition. Wire to /readyz.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.Serving() {
			writeJSON(w, http.StatusServiceUnavailable, probeResponse{Status: c.Phase()})
			return
		}
		if err := c.pingDB(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, probeResponse{Status: "database unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, probeResponse{Status: "serving"})
	}
}

// DatabaseHandler probes database connectivity alone, independent of the
// serving phase. With in-memory persistence it always reports healthy.
func (c *Checker) DatabaseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := c.pingDB(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, probeResponse{Status: "database unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, probeResponse{Status: "ok"})
	}
}

func (c *Checker) pingDB(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	return c.db.PingContext(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v probeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
