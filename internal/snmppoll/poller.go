// Package snmppoll implements the Multiplex Poller: one composite SNMP
// GET per device per tick, fanned out across a bounded pool of goroutines
// instead of the original's single-threaded select() reactor (see
// SPEC_FULL.md §4.D REDESIGN FLAG resolution — the Go netpoller already is
// the readiness loop the original hand-rolls).
package snmppoll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/loopd/loopd/internal/anomaly"
	"github.com/loopd/loopd/internal/devicemodel"
	"github.com/loopd/loopd/internal/errs"
	"github.com/loopd/loopd/internal/runtime"
)

// Poller drives one polling tick across the live dataset.
type Poller struct {
	rt     *runtime.Runtime
	logger *slog.Logger
	th     anomaly.Thresholds
}

// New constructs a Poller bound to rt's configuration and queues.
func New(rt *runtime.Runtime) *Poller {
	cfg := rt.Config.Poller
	return &Poller{
		rt:     rt,
		logger: rt.With("snmppoll"),
		th: anomaly.Thresholds{
			BcMax:         cfg.BcMax,
			MavMax:        cfg.MavMax,
			MavLow:        cfg.MavLow,
			MavWindow:     cfg.MavWindow,
			RecoverRatio:  cfg.RecoverRatio,
			CounterCutoff: cfg.CounterCutoff,
		},
	}
}

// Tick polls every enabled, non-delete-marked device in ds once,
// bounding in-flight sessions to Poller.MaxHosts. Each goroutine owns
// exactly one device's session for the lifetime of its single composite
// GET, satisfying the "at most one in-flight request per session, poller
// closes the session" invariant trivially. Devices still in StateInit are
// skipped here: the init→enabled transition belongs exclusively to the
// Worker's reinit flow (enumerate interfaces, then activate).
func (p *Poller) Tick(ctx context.Context, ds *devicemodel.Dataset) {
	devices := ds.Snapshot()
	sem := make(chan struct{}, p.rt.Config.Poller.MaxHosts)
	var wg sync.WaitGroup

	for _, d := range devices {
		d.Lock()
		skip := d.DeleteMark || d.State != devicemodel.StateEnabled
		d.Unlock()
		if skip {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(dev *devicemodel.Device) {
			defer wg.Done()
			defer func() { <-sem }()
			p.pollOne(ctx, dev)
		}(d)
	}

	wg.Wait()
}

func (p *Poller) pollOne(ctx context.Context, dev *devicemodel.Device) {
	req := devicemodel.PrepareRequest(dev)
	if len(req.OIDs) == 0 {
		return
	}

	community := req.Community
	if community == "" {
		community = p.rt.Config.SNMP.DefaultCommunity
	}

	snmp := &gosnmp.GoSNMP{
		Target:    req.Host,
		Port:      uint16(p.rt.Config.SNMP.Port),
		Community: community,
		Version:   gosnmp.Version2c,
		Timeout:   p.rt.Config.SNMP.GetTimeout(),
		Retries:   p.rt.Config.SNMP.Retries,
		Context:   ctx,
	}

	if err := snmp.Connect(); err != nil {
		p.handleFailure(dev, fmt.Errorf("connect %s: %w: %w", req.Host, errs.ErrTimeout, err))
		return
	}
	defer snmp.Conn.Close()

	result, err := snmp.Get(req.OIDs)
	if err != nil {
		p.handleFailure(dev, fmt.Errorf("get %s: %w: %w", req.Host, errs.ErrSNMPPacket, err))
		return
	}

	now := time.Now()

	var (
		newTicks  uint32
		haveTicks bool
		objID     string
	)
	for _, v := range result.Variables {
		switch trimLeadingDot(v.Name) {
		case devicemodel.OIDSysUpTime:
			if raw, ok := countToUint64(v); ok {
				newTicks = uint32(raw)
				haveTicks = true
			}
		case devicemodel.OIDSysObjectID:
			objID = pduString(v)
		}
	}

	dev.Lock()
	var elapsed float64
	if haveTicks {
		if dev.HaveTicks {
			elapsed = anomaly.TickDelta(dev.TimeTicks, newTicks)
		}
		dev.TimeTicks = newTicks
		dev.HaveTicks = true
	}
	objIDChanged := objID != "" && dev.ObjID != "" && objID != dev.ObjID
	dev.Unlock()

	if objIDChanged {
		// sysObjectID drifted mid-stream: the device was likely replaced or
		// reflashed under the same address. Force re-enumeration through
		// the Worker instead of continuing to poll against a stale
		// interface table.
		p.logger.Warn("sysObjectID changed, forcing reinit", "host", dev.Host, "old", dev.ObjID, "new", objID)
		select {
		case p.rt.ActionQueue <- devicemodel.ActionRequest{Host: dev.Host, Reason: "sysObjectID changed"}:
		default:
			p.logger.Warn("action queue full, dropping reinit request", "host", dev.Host)
		}
		return
	}

	for _, v := range result.Variables {
		ifIndex, ok := req.IfIndexByOID[trimLeadingDot(v.Name)]
		if !ok {
			continue // sysUpTime/sysObjectID, or an OID we didn't ask to correlate
		}

		raw, ok := countToUint64(v)
		if !ok {
			p.logger.Warn("unexpected SNMP variable type", "host", req.Host, "ifindex", ifIndex, "type", v.Type)
			continue
		}

		dev.Lock()
		iface, ok := dev.Interfaces[ifIndex]
		if !ok {
			dev.Unlock()
			continue
		}
		res := anomaly.Observe(iface, p.th, raw, elapsed, now)
		dev.Unlock()

		if res.Fired {
			select {
			case p.rt.AlarmQueue <- devicemodel.AlarmRequest{
				Host:    dev.Host,
				IfIndex: ifIndex,
				Kind:    res.CurrentAlarm,
				FiredAt: now,
			}:
			default:
				p.logger.Warn("alarm queue full, dropping alert", "host", dev.Host, "ifindex", ifIndex, "kind", res.CurrentAlarm)
			}
		}
	}
}

// pduString extracts a printable value from an SNMP PDU regardless of
// whether the agent encoded it as an OctetString or an OID (sysObjectID is
// itself an OID value).
func pduString(v gosnmp.SnmpPDU) string {
	switch val := v.Value.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (p *Poller) handleFailure(dev *devicemodel.Device, err error) {
	p.logger.Error("poll failed", "host", dev.Host, "error", err)

	dev.Lock()
	dev.State = devicemodel.StateUnreachable
	dev.Unlock()

	select {
	case p.rt.ActionQueue <- devicemodel.ActionRequest{Host: dev.Host, Reason: err.Error()}:
	default:
		p.logger.Warn("action queue full, dropping reinit request", "host", dev.Host)
	}
}

// trimLeadingDot normalizes gosnmp's leading-dot OID names to match the
// unprefixed form devicemodel.IfHCInBroadcastPktsOID produces.
func trimLeadingDot(oid string) string {
	if len(oid) > 0 && oid[0] == '.' {
		return oid[1:]
	}
	return oid
}

// countToUint64 extracts a gosnmp Counter32/Counter64/Gauge32 value.
func countToUint64(v gosnmp.SnmpPDU) (uint64, bool) {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks:
		if n, ok := v.Value.(uint); ok {
			return uint64(n), true
		}
		if n, ok := v.Value.(uint32); ok {
			return uint64(n), true
		}
		if n, ok := v.Value.(int); ok && n >= 0 {
			return uint64(n), true
		}
	case gosnmp.Counter64:
		if n, ok := v.Value.(uint64); ok {
			return n, true
		}
	}
	return 0, false
}
