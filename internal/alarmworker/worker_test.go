package alarmworker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loopd/loopd/internal/alertmail"
	"github.com/loopd/loopd/internal/anomaly"
	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/devicemodel"
	"github.com/loopd/loopd/internal/runtime"
)

type fakeStore struct {
	closed bool
}

func (f *fakeStore) Update(t time.Time, broadcast, maverage float64) error { return nil }
func (f *fakeStore) Close() error                                         { f.closed = true; return nil }

func testRuntime() *runtime.Runtime {
	cfg := &config.Config{}
	cfg.Poller.MaxHosts = 4
	cfg.Poller.BcMax = 1000
	cfg.Poller.MavMax = 500
	cfg.Poller.MavLow = 50
	cfg.Poller.MavWindow = 5
	cfg.Poller.RecoverRatio = 0.5
	cfg.Poller.CounterCutoff = 500000
	cfg.Notifier.RecheckIntervalMS = 10
	cfg.Notifier.RetryIntervalS = 1
	cfg.Notifier.MaxBackoffS = 8
	cfg.SNMP.DefaultCommunity = "public"
	cfg.SNMP.Port = 161
	cfg.SNMP.TimeoutMS = 50
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return runtime.New(cfg, logger)
}

func TestHandleReturnClosesStoreAndRemovesInterface(t *testing.T) {
	rt := testRuntime()
	ds := devicemodel.NewDataset()
	store := &fakeStore{}
	dev := &devicemodel.Device{
		Host:       "switch1",
		Interfaces: map[int]*devicemodel.Interface{1: {Index: 1, Name: "eth0", Store: store}},
	}
	ds.Set(dev.Host, dev)

	w := New(rt, ds, alertmail.New("localhost:25", "loopd@example.com", []string{"ops@example.com"}, nil))
	w.handleReturn(devicemodel.ReturnRequest{Host: "switch1", IfIndex: 1})

	if !store.closed {
		t.Error("expected store to be closed")
	}
	if _, ok := dev.Interfaces[1]; ok {
		t.Error("expected interface to be removed from device")
	}
}

func TestRunDrainsReturnQueueOnCancel(t *testing.T) {
	rt := testRuntime()
	ds := devicemodel.NewDataset()
	store := &fakeStore{}
	dev := &devicemodel.Device{
		Host:       "switch1",
		Interfaces: map[int]*devicemodel.Interface{2: {Index: 2, Name: "eth1", Store: store}},
	}
	ds.Set(dev.Host, dev)

	w := New(rt, ds, alertmail.New("localhost:25", "loopd@example.com", []string{"ops@example.com"}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	rt.ReturnQueue <- devicemodel.ReturnRequest{Host: "switch1", IfIndex: 2}

	// Give the pump+dispatch loop a moment to process the item before
	// cancelling, since Run only exits once the queue is empty.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}

	if !store.closed {
		t.Error("expected queued return item to be processed before shutdown")
	}
}

func TestLastOIDComponent(t *testing.T) {
	cases := map[string]int{
		".1.3.6.1.2.1.2.2.1.3.5": 5,
		"1.3.6.1.2.1.2.2.1.3.12": 12,
	}
	for oid, want := range cases {
		got, ok := lastOIDComponent(oid)
		if !ok || got != want {
			t.Errorf("lastOIDComponent(%q) = (%d, %v), want (%d, true)", oid, got, ok, want)
		}
	}

	if _, ok := lastOIDComponent(""); ok {
		t.Error("expected empty OID to fail")
	}
}

func TestMonitoredIfTypesFiltersToEthernet(t *testing.T) {
	if !monitoredIfTypes[6] {
		t.Error("expected ethernetCsmacd (6) to be monitored")
	}
	if !monitoredIfTypes[117] {
		t.Error("expected gigabitEthernet (117) to be monitored")
	}
	if monitoredIfTypes[24] {
		t.Error("expected softwareLoopback (24) not to be monitored")
	}
}

func TestConfirmThresholdPerKind(t *testing.T) {
	th := anomaly.Thresholds{BcMax: 1000, MavMax: 500}

	if got := confirmThreshold(devicemodel.AlarmBcMax, th, 0); got != 800 {
		t.Errorf("bcmax confirm threshold = %v, want 800", got)
	}
	if got := confirmThreshold(devicemodel.AlarmMavMax, th, 0); got != 400 {
		t.Errorf("mavmax confirm threshold = %v, want 400", got)
	}
	if got := confirmThreshold(devicemodel.AlarmSpike, th, 200); got != 100 {
		t.Errorf("spike confirm threshold = %v, want 100 (half of lastmav)", got)
	}
	if got := confirmThreshold(devicemodel.AlarmNone, th, 200); got != 0 {
		t.Errorf("none confirm threshold = %v, want 0", got)
	}
}

func TestScheduleRetryDoublesBackoffUpToMax(t *testing.T) {
	rt := testRuntime()
	ds := devicemodel.NewDataset()
	w := New(rt, ds, alertmail.New("localhost:25", "loopd@example.com", []string{"ops@example.com"}, nil))
	dev := &devicemodel.Device{Host: "switch1"}

	w.scheduleRetry(dev)
	first := w.backoff["switch1"]
	if first != rt.Config.Notifier.RetryIntervalS {
		t.Errorf("first backoff = %d, want %d", first, rt.Config.Notifier.RetryIntervalS)
	}

	w.scheduleRetry(dev)
	second := w.backoff["switch1"]
	if second != first*2 {
		t.Errorf("second backoff = %d, want %d", second, first*2)
	}

	for i := 0; i < 10; i++ {
		w.scheduleRetry(dev)
	}
	if w.backoff["switch1"] > rt.Config.Notifier.MaxBackoffS {
		t.Errorf("backoff exceeded max: %d > %d", w.backoff["switch1"], rt.Config.Notifier.MaxBackoffS)
	}
}
