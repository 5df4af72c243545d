// Package inventory implements the Inventory Reconciler: fetch the
// current device/interface set from the Zabbix-style provider and hand a
// fresh dataset back to the Main Controller for a transfer_data swap
// against the live dataset (original device.cpp update_devices /
// parse_zbxdata). The Reconciler is JSON-RPC-only: it never opens an SNMP
// session itself. Newly discovered hosts land in StateInit with an empty
// interface map; sysObjectID probing and interface enumeration are the
// Worker's job, driven off the action queue once the Controller notices a
// StateInit device (spec.md §4.A/§4.E).
package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loopd/loopd/internal/devicemodel"
	"github.com/loopd/loopd/internal/errs"
	"github.com/loopd/loopd/internal/runtime"
	"github.com/loopd/loopd/internal/zabbixapi"
)

const communityMacro = "{$SNMP_COMMUNITY}"

// Reconciler owns one reconcile pass: fetch from the provider and
// assemble a fresh Dataset.
type Reconciler struct {
	rt     *runtime.Runtime
	zbx    *zabbixapi.Client
	logger *slog.Logger
}

// New builds a Reconciler bound to rt's configuration and a zabbixapi
// client for the inventory provider.
func New(rt *runtime.Runtime, zbx *zabbixapi.Client) *Reconciler {
	return &Reconciler{rt: rt, zbx: zbx, logger: rt.With("inventory")}
}

// Reconcile fetches hosts in the configured device groups and returns a
// fresh dataset ready to be merged into the live one via
// devicemodel.TransferData. Runs as a detached goroutine from the Main
// Controller's perspective; a host with no usable address is logged and
// skipped rather than aborting the whole pass.
func (r *Reconciler) Reconcile(ctx context.Context) (*devicemodel.Dataset, error) {
	hosts, err := r.zbx.HostsByGroups(ctx, r.rt.Config.Zabbix.DeviceGroups)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrInventoryFetch, err)
	}
	defer func() {
		if err := r.zbx.Logout(ctx); err != nil {
			r.logger.Warn("inventory provider logout failed", "error", err)
		}
	}()

	fresh := devicemodel.NewDataset()
	for _, h := range hosts {
		addr := primaryAddress(h)
		if addr == "" {
			r.logger.Warn("host has no usable interface address, skipping", "host", h.Host)
			continue
		}

		community := h.Macros[communityMacro]
		if community == "" {
			community = r.rt.Config.SNMP.DefaultCommunity
		}

		fresh.Set(addr, &devicemodel.Device{
			Host:       addr,
			Name:       h.Name,
			Community:  community,
			State:      devicemodel.StateInit,
			Interfaces: make(map[int]*devicemodel.Interface),
		})
	}

	return fresh, nil
}

func primaryAddress(h zabbixapi.Host) string {
	if len(h.Interfaces) == 0 {
		return ""
	}
	return h.Interfaces[0].IP
}
