// Package alarmworker implements the Worker subsystem: device reinit with
// exponential backoff, alarm secondary confirmation, alert rendering and
// delivery, and interface return-queue cleanup. Items arrive over the
// Runtime's three channels and are funneled into a single condition-
// variable-guarded queue so the dispatch loop parks exactly the way the
// original's workloop does (statelock + sleeping flag + wake.wait),
// rather than a bare channel select (SPEC_FULL.md §5).
package alarmworker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/loopd/loopd/internal/alertmail"
	"github.com/loopd/loopd/internal/anomaly"
	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/devicemodel"
	"github.com/loopd/loopd/internal/errs"
	"github.com/loopd/loopd/internal/rrdstore"
	"github.com/loopd/loopd/internal/runtime"
)

// SNMP OIDs the Worker's reinit flow walks to enumerate a device's
// interface table, beyond the sysObjectID/sysUpTime/broadcast-counter OIDs
// devicemodel already names.
const (
	oidIfName       = "1.3.6.1.2.1.31.1.1.1.1"
	oidIfAlias      = "1.3.6.1.2.1.31.1.1.1.18"
	oidIfType       = "1.3.6.1.2.1.2.2.1.3"
	oidIfOperStatus = "1.3.6.1.2.1.2.2.1.8"
	oidIfHighSpeed  = "1.3.6.1.2.1.31.1.1.1.15"

	operStatusUp = 1
)

// monitoredIfTypes restricts interface enumeration to Ethernet-family
// ports (ifType ethernetCsmacd and gigabitEthernet); a broadcast storm on a
// loopback or tunnel interface isn't a loop symptom worth tracking.
var monitoredIfTypes = map[int]bool{6: true, 117: true}

type itemKind int

const (
	kindAction itemKind = iota
	kindAlarm
	kindReturn
)

type workItem struct {
	kind   itemKind
	action devicemodel.ActionRequest
	alarm  devicemodel.AlarmRequest
	ret    devicemodel.ReturnRequest
}

// Worker drains the Runtime's action/alarm/return queues through a single
// condition-variable-parked dispatch loop.
type Worker struct {
	rt     *runtime.Runtime
	ds     *devicemodel.Dataset
	mailer *alertmail.Mailer
	logger *slog.Logger
	th     anomaly.Thresholds

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []workItem
	shuttingDown bool

	backoffMu sync.Mutex
	backoff   map[string]int // host -> current backoff seconds

	// swapBarrier serializes handler bodies that touch live Device/
	// Interface records (RLock) against the Controller's transfer_data
	// swap (Lock), so the swap is never interleaved with a reinit/alarm/
	// return handler that's mid-mutation of the same records (spec.md
	// §4.F/§5: "Worker is joined before swap").
	swapBarrier sync.RWMutex
}

// Join blocks until every handler currently in flight has returned, and
// prevents new ones from proceeding, until the returned func is called to
// release the barrier. The Controller calls this around its transfer_data
// swap.
func (w *Worker) Join() func() {
	w.swapBarrier.Lock()
	return w.swapBarrier.Unlock
}

// New builds a Worker bound to rt's queues, ds (the live dataset, used to
// resolve stable host/ifindex identifiers back to live records), and
// mailer for alert delivery.
func New(rt *runtime.Runtime, ds *devicemodel.Dataset, mailer *alertmail.Mailer) *Worker {
	w := &Worker{
		rt:      rt,
		ds:      ds,
		mailer:  mailer,
		logger:  rt.With("alarmworker"),
		backoff: make(map[string]int),
		th: anomaly.Thresholds{
			BcMax:         rt.Config.Poller.BcMax,
			MavMax:        rt.Config.Poller.MavMax,
			MavLow:        rt.Config.Poller.MavLow,
			MavWindow:     rt.Config.Poller.MavWindow,
			RecoverRatio:  rt.Config.Poller.RecoverRatio,
			CounterCutoff: rt.Config.Poller.CounterCutoff,
		},
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Run pumps the Runtime's channels into the local queue and dispatches
// until ctx is cancelled and the queue drains.
func (w *Worker) Run(ctx context.Context) {
	go w.pump(ctx)

	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.shuttingDown {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.shuttingDown {
			w.mu.Unlock()
			return
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		switch item.kind {
		case kindAction:
			w.handleReinit(ctx, item.action)
		case kindAlarm:
			w.handleAlarm(ctx, item.alarm)
		case kindReturn:
			w.handleReturn(item.ret)
		}
	}
}

func (w *Worker) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.shuttingDown = true
			w.mu.Unlock()
			w.cond.Broadcast()
			return
		case a := <-w.rt.ActionQueue:
			w.enqueue(workItem{kind: kindAction, action: a})
		case a := <-w.rt.AlarmQueue:
			w.enqueue(workItem{kind: kindAlarm, alarm: a})
		case r := <-w.rt.ReturnQueue:
			w.enqueue(workItem{kind: kindReturn, ret: r})
		}
	}
}

func (w *Worker) enqueue(item workItem) {
	w.mu.Lock()
	w.queue = append(w.queue, item)
	w.mu.Unlock()
	w.cond.Signal()
}

// handleReinit probes a device's sysObjectID, retrying once with the
// default community if the device's own community times out, then walks
// its interface table and activates it. A probe failure on both
// communities schedules a backed-off retry instead, matching
// worker.cpp process_devices's retry constants (retry_interval=10s
// doubling to max_backoff=1024s).
func (w *Worker) handleReinit(ctx context.Context, a devicemodel.ActionRequest) {
	w.swapBarrier.RLock()
	defer w.swapBarrier.RUnlock()

	dev, ok := w.ds.Get(a.Host)
	if !ok {
		return
	}

	cfg := w.rt.Config
	dev.Lock()
	community := dev.Community
	dev.Unlock()

	objID, err := probeSysObjectID(ctx, dev.Host, community, cfg)
	if err != nil && community != cfg.SNMP.DefaultCommunity {
		w.logger.Warn("reinit probe failed with device community, retrying with default", "host", dev.Host, "error", err)
		if objID2, err2 := probeSysObjectID(ctx, dev.Host, cfg.SNMP.DefaultCommunity, cfg); err2 == nil {
			community = cfg.SNMP.DefaultCommunity
			objID, err = objID2, nil
		}
	}
	if err != nil {
		w.logger.Warn("reinit probe failed, backing off", "host", dev.Host, "reason", a.Reason, "error", err)
		w.scheduleRetry(dev)
		return
	}

	ifaces, err := enumerateInterfaces(ctx, dev.Host, community, cfg)
	if err != nil {
		w.logger.Warn("interface enumeration failed, backing off", "host", dev.Host, "error", err)
		w.scheduleRetry(dev)
		return
	}

	dev.Lock()
	dev.Community = community
	dev.Unlock()

	w.activate(dev, objID, ifaces)

	w.backoffMu.Lock()
	delete(w.backoff, dev.Host)
	w.backoffMu.Unlock()
}

// activate merges freshly enumerated interfaces into dev, delete-marking
// any existing interface absent from the walk, resets the device's
// timeticks baseline, and flips it to enabled. This is the only path
// through which a device leaves StateInit (spec.md §4.A/§4.E).
func (w *Worker) activate(dev *devicemodel.Device, objID string, discovered map[int]*devicemodel.Interface) {
	step := w.rt.Config.Poller.GetTickInterval()

	dev.Lock()
	defer dev.Unlock()

	dev.ObjID = objID

	for idx, fresh := range discovered {
		if existing, ok := dev.Interfaces[idx]; ok {
			existing.Name = fresh.Name
			existing.Alias = fresh.Alias
			existing.HighSpeed = fresh.HighSpeed
			existing.DeleteMark = false
			continue
		}
		store, err := rrdstore.Open(w.rt.Config.Store.DataDir, dev.Host, idx, step)
		if err != nil {
			w.logger.Warn("failed to open rrdstore for interface, skipping interface", "host", dev.Host, "ifindex", idx, "error", err)
			continue
		}
		fresh.Store = store
		dev.Interfaces[idx] = fresh
	}

	for idx, existing := range dev.Interfaces {
		if _, ok := discovered[idx]; !ok {
			existing.DeleteMark = true
		}
	}

	dev.TimeTicks = 0
	dev.HaveTicks = false
	dev.State = devicemodel.StateEnabled

	w.logger.Info("device activated", "host", dev.Host, "objid", dev.ObjID, "interfaces", len(discovered))
}

func (w *Worker) scheduleRetry(dev *devicemodel.Device) {
	cfg := w.rt.Config.Notifier

	w.backoffMu.Lock()
	cur := w.backoff[dev.Host]
	if cur == 0 {
		cur = cfg.RetryIntervalS
	} else {
		cur *= 2
	}
	if cur > cfg.MaxBackoffS {
		cur = cfg.MaxBackoffS
	}
	w.backoff[dev.Host] = cur
	w.backoffMu.Unlock()

	delay := time.Duration(cur) * time.Second
	time.AfterFunc(delay, func() {
		select {
		case w.rt.ActionQueue <- devicemodel.ActionRequest{Host: dev.Host, Reason: "retry"}:
		default:
			w.logger.Warn("action queue full during retry, dropping", "host", dev.Host)
		}
	})
}

// probeSysObjectID issues a bare sysObjectID GET against host, used both to
// confirm a device is reachable and to detect mid-stream sysObjectID
// drift (device.cpp init_device's bootstrap probe).
func probeSysObjectID(ctx context.Context, host, community string, cfg *config.Config) (string, error) {
	snmp := &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(cfg.SNMP.Port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   cfg.SNMP.GetTimeout(),
		Retries:   cfg.SNMP.Retries,
		Context:   ctx,
	}
	if err := snmp.Connect(); err != nil {
		return "", fmt.Errorf("%w: connect %s: %w", errs.ErrTimeout, host, err)
	}
	defer snmp.Conn.Close()

	result, err := snmp.Get([]string{devicemodel.OIDSysObjectID})
	if err != nil || len(result.Variables) == 0 {
		return "", fmt.Errorf("%w: sysObjectID probe %s: %w", errs.ErrSNMPPacket, host, err)
	}
	return pduString(result.Variables[0]), nil
}

// enumerateInterfaces walks ifType/ifOperStatus/ifName/ifAlias/ifHighSpeed
// and returns the subset of interfaces that are Ethernet-family
// (monitoredIfTypes) and currently up (ifOperStatus == 1) — "only active
// interfaces are monitored" (spec.md §4.A).
func enumerateInterfaces(ctx context.Context, host, community string, cfg *config.Config) (map[int]*devicemodel.Interface, error) {
	snmp := &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(cfg.SNMP.Port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   cfg.SNMP.GetTimeout(),
		Retries:   cfg.SNMP.Retries,
		Context:   ctx,
	}
	if err := snmp.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", errs.ErrTimeout, host, err)
	}
	defer snmp.Conn.Close()

	ifTypes := make(map[int]int)
	if err := snmp.BulkWalk(oidIfType, func(pdu gosnmp.SnmpPDU) error {
		idx, ok := lastOIDComponent(pdu.Name)
		if !ok {
			return nil
		}
		if n, ok := countToInt(pdu); ok {
			ifTypes[idx] = n
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: ifType walk %s: %w", errs.ErrSNMPPacket, host, err)
	}

	operStatus := make(map[int]int)
	if err := snmp.BulkWalk(oidIfOperStatus, func(pdu gosnmp.SnmpPDU) error {
		idx, ok := lastOIDComponent(pdu.Name)
		if !ok {
			return nil
		}
		if n, ok := countToInt(pdu); ok {
			operStatus[idx] = n
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: ifOperStatus walk %s: %w", errs.ErrSNMPPacket, host, err)
	}

	names := make(map[int]string)
	_ = snmp.BulkWalk(oidIfName, func(pdu gosnmp.SnmpPDU) error {
		if idx, ok := lastOIDComponent(pdu.Name); ok {
			names[idx] = pduString(pdu)
		}
		return nil
	})

	aliases := make(map[int]string)
	_ = snmp.BulkWalk(oidIfAlias, func(pdu gosnmp.SnmpPDU) error {
		if idx, ok := lastOIDComponent(pdu.Name); ok {
			aliases[idx] = pduString(pdu)
		}
		return nil
	})

	highSpeed := make(map[int]int)
	_ = snmp.BulkWalk(oidIfHighSpeed, func(pdu gosnmp.SnmpPDU) error {
		if idx, ok := lastOIDComponent(pdu.Name); ok {
			if n, ok := countToInt(pdu); ok {
				highSpeed[idx] = n
			}
		}
		return nil
	})

	out := make(map[int]*devicemodel.Interface)
	for idx, kind := range ifTypes {
		if !monitoredIfTypes[kind] {
			continue
		}
		if operStatus[idx] != operStatusUp {
			continue
		}
		out[idx] = &devicemodel.Interface{
			Index:     idx,
			Name:      names[idx],
			Alias:     aliases[idx],
			HighSpeed: highSpeed[idx],
		}
	}
	return out, nil
}

// lastOIDComponent extracts the trailing integer index from a walked OID,
// e.g. ".1.3.6.1.2.1.2.2.1.3.5" -> 5.
func lastOIDComponent(oid string) (int, bool) {
	oid = strings.TrimPrefix(oid, ".")
	parts := strings.Split(oid, ".")
	if len(parts) == 0 {
		return 0, false
	}
	var idx int
	if _, err := fmt.Sscanf(parts[len(parts)-1], "%d", &idx); err != nil {
		return 0, false
	}
	return idx, true
}

// countToInt extracts an integer-valued gosnmp PDU (Integer/Counter32/Gauge32).
func countToInt(pdu gosnmp.SnmpPDU) (int, bool) {
	switch n := pdu.Value.(type) {
	case int:
		return n, true
	case uint:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	default:
		return 0, false
	}
}

// pduString extracts a printable value from an SNMP PDU regardless of
// whether the agent encoded it as an OctetString or an OID.
func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// handleAlarm re-measures an interface's broadcast rate from two direct
// GETs taken notifier.recheck_interval_ms apart and only escalates to an
// email if the rate is still above the kind's secondary-confirm threshold,
// matching worker.cpp check_bc_rate's two-sample confirmation before
// process_alarms renders and sends. This never touches the live
// Interface's moving-average state (MavVals/LastMav/Counter): that state
// belongs to the Poller goroutine, which is concurrently ticking the same
// interface under dev.Lock(). handleAlarm only reads a LastMav snapshot
// and takes its own two samples, so the two never race.
func (w *Worker) handleAlarm(ctx context.Context, a devicemodel.AlarmRequest) {
	w.swapBarrier.RLock()
	defer w.swapBarrier.RUnlock()

	dev, ok := w.ds.Get(a.Host)
	if !ok {
		return
	}
	dev.Lock()
	iface, ok := dev.Interfaces[a.IfIndex]
	community := dev.Community
	host := dev.Host
	var lastMav float64
	if ok {
		lastMav = iface.LastMav
	}
	dev.Unlock()
	if !ok {
		return
	}

	baselineCounter, err := w.secondarySample(ctx, host, community, a.IfIndex)
	if err != nil {
		w.logger.Warn("secondary confirm probe failed, dropping alarm", "host", host, "ifindex", a.IfIndex, "error", err)
		return
	}

	recheck := w.rt.Config.Notifier.GetRecheckInterval()
	select {
	case <-ctx.Done():
		return
	case <-time.After(recheck):
	}

	raw, err := w.secondarySample(ctx, host, community, a.IfIndex)
	if err != nil {
		w.logger.Warn("secondary confirm probe failed, dropping alarm", "host", host, "ifindex", a.IfIndex, "error", err)
		return
	}

	observedRate := float64(anomaly.Delta64(baselineCounter, raw)) / recheck.Seconds()
	threshold := confirmThreshold(a.Kind, w.th, lastMav)
	if threshold > 0 && observedRate < threshold {
		w.logger.Info("alarm did not reconfirm, dropping", "host", host, "ifindex", a.IfIndex, "kind", a.Kind, "rate", observedRate, "threshold", threshold)
		return
	}

	sample := devicemodel.PollData{Timestamp: time.Now(), Broadcast: observedRate, Maverage: lastMav}
	w.sendAlert(host, iface, sample, a.Kind)
}

// confirmThreshold returns the secondary-confirm floor for kind: bcmax and
// mavmax confirm at 0.8 of their configured ceiling, spike confirms at
// half of the moving average captured just before the recheck sleep
// (spec.md §4.E).
func confirmThreshold(kind devicemodel.AlarmKind, th anomaly.Thresholds, lastMav float64) float64 {
	switch kind {
	case devicemodel.AlarmBcMax:
		return 0.8 * th.BcMax
	case devicemodel.AlarmMavMax:
		return 0.8 * th.MavMax
	case devicemodel.AlarmSpike:
		return 0.5 * lastMav
	default:
		return 0
	}
}

func (w *Worker) secondarySample(ctx context.Context, host, community string, ifIndex int) (uint64, error) {
	cfg := w.rt.Config
	snmp := &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(cfg.SNMP.Port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   cfg.SNMP.GetTimeout(),
		Retries:   cfg.SNMP.Retries,
		Context:   ctx,
	}
	if err := snmp.Connect(); err != nil {
		return 0, fmt.Errorf("%w: %w", errs.ErrTimeout, err)
	}
	defer snmp.Conn.Close()

	oid := devicemodel.IfHCInBroadcastPktsOID(ifIndex)
	result, err := snmp.Get([]string{oid})
	if err != nil || len(result.Variables) == 0 {
		return 0, fmt.Errorf("%w: secondary get: %w", errs.ErrSNMPPacket, err)
	}

	v := result.Variables[0]
	switch n := v.Value.(type) {
	case uint:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: unexpected secondary sample type %T", errs.ErrInvalidData, v.Value)
	}
}

func (w *Worker) sendAlert(host string, iface *devicemodel.Interface, sample devicemodel.PollData, kind devicemodel.AlarmKind) {
	var png []byte
	if iface.Store != nil {
		if rendered, err := renderGraph(iface, fmt.Sprintf("%s / %s", host, iface.Name)); err != nil {
			w.logger.Warn("graph render failed, sending alert without attachment", "host", host, "ifindex", iface.Index, "error", err)
		} else {
			png = rendered
		}
	}

	alert := alertmail.Alert{
		Host:      host,
		IfaceName: iface.Name,
		Kind:      kind,
		Rate:      sample.Broadcast,
		Mav:       sample.Maverage,
		FiredAt:   time.Now(),
		GraphPNG:  png,
	}

	if err := w.mailer.Send(alert); err != nil {
		w.logger.Error("alert email send failed", "host", host, "ifindex", iface.Index, "error", err)
		return
	}
	w.logger.Info("alert sent", "host", host, "ifindex", iface.Index, "kind", kind)
}

// handleReturn closes a delete-marked interface's store and removes it
// from its device, completing the cleanup side of a reconcile sweep
// (original return_dev).
func (w *Worker) handleReturn(r devicemodel.ReturnRequest) {
	w.swapBarrier.RLock()
	defer w.swapBarrier.RUnlock()

	dev, ok := w.ds.Get(r.Host)
	if !ok {
		return
	}
	dev.Lock()
	defer dev.Unlock()

	iface, ok := dev.Interfaces[r.IfIndex]
	if !ok {
		return
	}
	if iface.Store != nil {
		if err := iface.Store.Close(); err != nil {
			w.logger.Warn("failed to close rrdstore on interface removal", "host", r.Host, "ifindex", r.IfIndex, "error", err)
		}
	}
	delete(dev.Interfaces, r.IfIndex)
}

// renderGraph is a small seam so graph rendering can be swapped/mocked in
// tests without depending on rrdstore's concrete type.
func renderGraph(iface *devicemodel.Interface, title string) ([]byte, error) {
	renderer, ok := iface.Store.(interface{ Render(string) ([]byte, error) })
	if !ok {
		return nil, fmt.Errorf("interface store does not support rendering")
	}
	return renderer.Render(title)
}
