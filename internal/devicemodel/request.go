package devicemodel

import "fmt"

// SNMP OIDs used by the Multiplex Poller's composite GET and by the
// Worker's reinit/secondary-confirm probes (original data.cpp
// prepare_request / device.cpp init_device).
const (
	OIDSysUpTime            = "1.3.6.1.2.1.1.3.0"
	OIDSysObjectID          = "1.3.6.1.2.1.1.2.0"
	OIDIfHCInBroadcastPkts  = "1.3.6.1.2.1.31.1.1.1.9" // IF-MIB ifHCInBroadcastPkts (Counter64), suffix .<ifIndex>
)

// IfHCInBroadcastPktsOID returns the fully indexed OID for an interface.
func IfHCInBroadcastPktsOID(ifIndex int) string {
	return fmt.Sprintf("%s.%d", OIDIfHCInBroadcastPkts, ifIndex)
}

// PollRequest is the composite GET the Multiplex Poller issues for one
// device per tick: sysObjectID and sysUpTime plus one ifHCInBroadcastPkts
// OID per enabled, non-delete-marked interface (original prepare_request).
type PollRequest struct {
	Host      string
	Community string
	OIDs      []string
	// IfIndexByOID maps each broadcast-counter OID back to its interface
	// index, since gosnmp returns variables in OID order but callers need
	// the interface identity to update the right Interface record.
	IfIndexByOID map[string]int
}

// PrepareRequest builds the composite poll request for a device, skipping
// any interface currently delete-marked (original prepare_request, which
// excludes interfaces pending removal from the next round's GET). The
// request always carries exactly 2 + |active interfaces| bindings:
// sysObjectID and sysUpTime, plus one counter per monitored interface.
func PrepareRequest(d *Device) PollRequest {
	d.Lock()
	defer d.Unlock()

	req := PollRequest{
		Host:         d.Host,
		Community:    d.Community,
		OIDs:         []string{OIDSysObjectID, OIDSysUpTime},
		IfIndexByOID: make(map[string]int, len(d.Interfaces)),
	}

	for idx, iface := range d.Interfaces {
		if iface.DeleteMark {
			continue
		}
		oid := IfHCInBroadcastPktsOID(idx)
		req.OIDs = append(req.OIDs, oid)
		req.IfIndexByOID[oid] = idx
	}

	return req
}

// Reset clears a device's transient poll state ahead of a reinit probe,
// preserving identity (Host/Name/Community/RRDPath) and interface history
// (original dev.reset(), which zeroes timeticks/generic_req but leaves
// int_info's moving-average state untouched across a reinit).
func Reset(d *Device) {
	d.Lock()
	defer d.Unlock()

	d.TimeTicks = 0
	d.HaveTicks = false
	d.State = StateInit
}
