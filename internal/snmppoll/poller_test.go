package snmppoll

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/devicemodel"
	"github.com/loopd/loopd/internal/runtime"
)

func testRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	cfg := &config.Config{}
	cfg.Poller.MaxHosts = 4
	cfg.Poller.BcMax = 1000
	cfg.Poller.MavMax = 500
	cfg.Poller.MavLow = 50
	cfg.Poller.MavWindow = 5
	cfg.Poller.RecoverRatio = 0.5
	cfg.Poller.CounterCutoff = 500000
	cfg.SNMP.DefaultCommunity = "public"
	cfg.SNMP.Port = 161
	cfg.SNMP.TimeoutMS = 50
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return runtime.New(cfg, logger)
}

func TestTrimLeadingDot(t *testing.T) {
	cases := map[string]string{
		".1.3.6.1.2.1.1.3.0": "1.3.6.1.2.1.1.3.0",
		"1.3.6.1.2.1.1.3.0":  "1.3.6.1.2.1.1.3.0",
	}
	for in, want := range cases {
		if got := trimLeadingDot(in); got != want {
			t.Errorf("trimLeadingDot(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCountToUint64(t *testing.T) {
	v := gosnmp.SnmpPDU{Type: gosnmp.Counter32, Value: uint(42)}
	got, ok := countToUint64(v)
	if !ok || got != 42 {
		t.Errorf("countToUint64 = (%v, %v), want (42, true)", got, ok)
	}

	bad := gosnmp.SnmpPDU{Type: gosnmp.OctetString, Value: "not a number"}
	if _, ok := countToUint64(bad); ok {
		t.Error("expected countToUint64 to reject OctetString")
	}
}

func TestTickSkipsDeleteMarkedAndUnreachable(t *testing.T) {
	rt := testRuntime(t)
	p := New(rt)
	ds := devicemodel.NewDataset()

	marked := &devicemodel.Device{Host: "10.0.0.1", DeleteMark: true, State: devicemodel.StateEnabled, Interfaces: map[int]*devicemodel.Interface{}}
	unreachable := &devicemodel.Device{Host: "10.0.0.2", State: devicemodel.StateUnreachable, Interfaces: map[int]*devicemodel.Interface{}}
	ds.Set(marked.Host, marked)
	ds.Set(unreachable.Host, unreachable)

	// Neither device has interfaces, and both are skipped before any
	// network I/O is attempted, so Tick must return promptly.
	done := make(chan struct{})
	go func() {
		p.Tick(context.Background(), ds)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tick did not return")
	}
}
