package healthserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthzOKWhenFresh(t *testing.T) {
	c := &Counters{}
	c.RecordTick(5 * time.Millisecond)
	s := New(c, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealthzStaleWhenTickOld(t *testing.T) {
	c := &Counters{}
	c.RecordTick(5 * time.Millisecond)
	c.lastTickAt = time.Now().Add(-time.Hour)
	s := New(c, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsReportsCounters(t *testing.T) {
	c := &Counters{}
	c.SetDeviceCounts(3, 1)
	c.IncAlarmFired()
	c.IncAlarmConfirmed()
	s := New(c, time.Minute)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"loopd_devices_enabled 3",
		"loopd_devices_unreachable 1",
		"loopd_alarms_fired_total 1",
		"loopd_alarms_confirmed_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics body missing %q:\n%s", want, body)
		}
	}
}
