// Package healthserver exposes the ambient ops-only HTTP surface:
// GET /healthz (process liveness) and GET /metrics (aggregate operational
// counters). No device, interface, or alarm data is served here — this
// is not the "interactive query surface" spec.md's Non-goals exclude.
// Modeled on the teacher's internal/server chi wiring, trimmed to two
// unauthenticated routes.
package healthserver

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Counters are the aggregate operational counts /metrics reports. The Main
// Controller updates the device counts and tick duration; nothing in the
// daemon calls the IncAlarm* methods, so the alarm counters stay at zero.
type Counters struct {
	mu sync.Mutex

	DevicesEnabled     int
	DevicesUnreachable int
	AlarmsFired        int64
	AlarmsConfirmed    int64
	AlarmsDropped      int64
	LastTickDuration   time.Duration
	lastTickAt         time.Time
}

func (c *Counters) SetDeviceCounts(enabled, unreachable int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DevicesEnabled = enabled
	c.DevicesUnreachable = unreachable
}

func (c *Counters) RecordTick(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastTickDuration = d
	c.lastTickAt = time.Now()
}

func (c *Counters) IncAlarmFired()     { c.mu.Lock(); c.AlarmsFired++; c.mu.Unlock() }
func (c *Counters) IncAlarmConfirmed() { c.mu.Lock(); c.AlarmsConfirmed++; c.mu.Unlock() }
func (c *Counters) IncAlarmDropped()   { c.mu.Lock(); c.AlarmsDropped++; c.mu.Unlock() }

func (c *Counters) snapshot() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counters{
		DevicesEnabled:     c.DevicesEnabled,
		DevicesUnreachable: c.DevicesUnreachable,
		AlarmsFired:        c.AlarmsFired,
		AlarmsConfirmed:    c.AlarmsConfirmed,
		AlarmsDropped:      c.AlarmsDropped,
		LastTickDuration:   c.LastTickDuration,
		lastTickAt:         c.lastTickAt,
	}
}

// Server wraps a chi router over Counters plus a staleness threshold for
// /healthz.
type Server struct {
	counters    *Counters
	maxTickGap  time.Duration
	router      chi.Router
}

// New builds a Server. maxTickGap is the staleness budget for /healthz:
// the Main Controller is expected to tick at least that often.
func New(counters *Counters, maxTickGap time.Duration) *Server {
	s := &Server{counters: counters, maxTickGap: maxTickGap}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.counters.snapshot()
	if snap.lastTickAt.IsZero() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok: starting up")
		return
	}
	if time.Since(snap.lastTickAt) > s.maxTickGap {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "stale: last tick %s ago\n", time.Since(snap.lastTickAt))
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.counters.snapshot()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "loopd_devices_enabled %d\n", snap.DevicesEnabled)
	fmt.Fprintf(w, "loopd_devices_unreachable %d\n", snap.DevicesUnreachable)
	fmt.Fprintf(w, "loopd_alarms_fired_total %d\n", snap.AlarmsFired)
	fmt.Fprintf(w, "loopd_alarms_confirmed_total %d\n", snap.AlarmsConfirmed)
	fmt.Fprintf(w, "loopd_alarms_dropped_total %d\n", snap.AlarmsDropped)
	fmt.Fprintf(w, "loopd_last_tick_duration_seconds %f\n", snap.LastTickDuration.Seconds())
}
