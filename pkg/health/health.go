// Package health tracks the readiness of the sync agent and serves it over
// HTTP. The agent is ready while the realtime channel is connected and
// degraded while it falls back to polling the HTTP API.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/txn2/stocksync/pkg/realtime"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDegraded
	stateDraining
)

// Checker tracks the readiness state of the agent.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDegraded transitions to the Degraded state.
func (c *Checker) SetDegraded() {
	c.state.Store(stateDegraded)
}

// SetDraining transitions to the Draining state. Draining is terminal for
// Follow: later realtime statuses no longer change the state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// IsServing returns true when the agent serves data, over realtime or HTTP.
func (c *Checker) IsServing() bool {
	s := c.state.Load()
	return s == stateReady || s == stateDegraded
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDegraded:
		return "degraded"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// Follow maps realtime statuses onto the checker until statuses is closed.
// Connected means ready; connecting, disconnected and error mean the agent
// is polling over HTTP and is degraded.
func (c *Checker) Follow(statuses <-chan realtime.Status) {
	for st := range statuses {
		c.Observe(st)
	}
}

// Observe applies a single realtime status.
func (c *Checker) Observe(st realtime.Status) {
	next := stateDegraded
	if st == realtime.StatusConnected {
		next = stateReady
	}
	for {
		cur := c.state.Load()
		if cur == stateDraining || cur == next {
			return
		}
		if c.state.CompareAndSwap(cur, next) {
			return
		}
	}
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string `json:"status"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// or degraded and 503 when starting or draining.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.IsServing() {
			writeJSON(w, http.StatusOK, healthResponse{Status: c.State()})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
	}
}

// Handler returns a mux serving /healthz and /readyz.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", c.LivenessHandler())
	mux.Handle("GET /readyz", c.ReadinessHandler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
