// Package controller implements the Main Controller: the tick loop that
// drives the Multiplex Poller, the periodic Inventory Reconciler spawn
// and dataset swap, and the delete-mark sweep that hands cleanup to the
// Worker's return queue (original main.cpp mainloop / prepare_data).
package controller

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopd/loopd/internal/alarmworker"
	"github.com/loopd/loopd/internal/devicemodel"
	"github.com/loopd/loopd/internal/healthserver"
	"github.com/loopd/loopd/internal/inventory"
	"github.com/loopd/loopd/internal/runtime"
	"github.com/loopd/loopd/internal/snmppoll"
)

// Controller owns the live dataset and drives every periodic activity.
type Controller struct {
	rt         *runtime.Runtime
	ds         *devicemodel.Dataset
	poller     *snmppoll.Poller
	reconciler *inventory.Reconciler
	worker     *alarmworker.Worker
	counters   *healthserver.Counters
	logger     *slog.Logger
}

// New builds a Controller. ds is the live dataset, typically started
// empty; the first reconcile populates it. worker is joined around every
// transfer_data swap so the swap never interleaves with an in-flight
// reinit/alarm/return handler touching the same Device/Interface records.
func New(rt *runtime.Runtime, ds *devicemodel.Dataset, poller *snmppoll.Poller, reconciler *inventory.Reconciler, worker *alarmworker.Worker, counters *healthserver.Counters) *Controller {
	return &Controller{
		rt:         rt,
		ds:         ds,
		poller:     poller,
		reconciler: reconciler,
		worker:     worker,
		counters:   counters,
		logger:     rt.With("controller"),
	}
}

// Run drives the tick loop and reconcile cadence until ctx is cancelled.
// A reconcile pass runs once immediately so the dataset is non-empty
// before the first poll tick.
func (c *Controller) Run(ctx context.Context) error {
	c.reconcileOnce(ctx)

	tickInterval := c.rt.Config.Poller.GetTickInterval()
	reconcileInterval := c.rt.Config.Zabbix.GetReconcileInterval()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	reconcileTicker := time.NewTicker(reconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("main controller shutting down")
			return ctx.Err()

		case <-ticker.C:
			start := time.Now()
			c.poller.Tick(ctx, c.ds)
			c.counters.RecordTick(time.Since(start))
			c.updateDeviceCounts()

		case <-reconcileTicker.C:
			go c.reconcileOnce(ctx)
		}
	}
}

func (c *Controller) reconcileOnce(ctx context.Context) {
	fresh, err := c.reconciler.Reconcile(ctx)
	if err != nil {
		c.logger.Error("reconcile failed, keeping current dataset", "error", err)
		return
	}

	release := c.worker.Join()
	devicemodel.TransferData(c.ds, fresh)
	release()

	c.sweepDeleteMarked()
	c.triggerInitialReinit()
}

// triggerInitialReinit pushes a reinit request for every device still in
// StateInit, since the Reconciler never probes devices itself (spec.md
// §4.A/§4.E) — without this, a newly discovered device would sit in
// StateInit forever, as only the Worker's reinit flow can activate it.
func (c *Controller) triggerInitialReinit() {
	for _, dev := range c.ds.Snapshot() {
		dev.Lock()
		isInit := dev.State == devicemodel.StateInit && !dev.DeleteMark
		host := dev.Host
		dev.Unlock()
		if !isInit {
			continue
		}

		select {
		case c.rt.ActionQueue <- devicemodel.ActionRequest{Host: host, Reason: "newly discovered"}:
		default:
			c.logger.Warn("action queue full, dropping initial reinit request", "host", host)
		}
	}
}

// sweepDeleteMarked hands every delete-marked interface to the Worker's
// return queue for cleanup, and drops any device whose every interface
// has been returned and which is itself delete-marked (original
// return_dev / the delete-mark half of update_devices).
func (c *Controller) sweepDeleteMarked() {
	for _, dev := range c.ds.Snapshot() {
		dev.Lock()
		markedIfaces := make([]int, 0)
		for idx, iface := range dev.Interfaces {
			if iface.DeleteMark || dev.DeleteMark {
				markedIfaces = append(markedIfaces, idx)
			}
		}
		deviceGone := dev.DeleteMark
		dev.Unlock()

		for _, idx := range markedIfaces {
			select {
			case c.rt.ReturnQueue <- devicemodel.ReturnRequest{Host: dev.Host, IfIndex: idx}:
			default:
				c.logger.Warn("return queue full, deferring interface cleanup", "host", dev.Host, "ifindex", idx)
			}
		}

		if deviceGone {
			dev.Lock()
			empty := len(dev.Interfaces) == 0
			dev.Unlock()
			if empty {
				c.ds.Delete(dev.Host)
			}
		}
	}
}

func (c *Controller) updateDeviceCounts() {
	enabled, unreachable := 0, 0
	for _, dev := range c.ds.Snapshot() {
		dev.Lock()
		switch dev.State {
		case devicemodel.StateEnabled:
			enabled++
		case devicemodel.StateUnreachable:
			unreachable++
		}
		dev.Unlock()
	}
	c.counters.SetDeviceCounts(enabled, unreachable)
}
