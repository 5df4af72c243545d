package devicemodel

import "testing"

func newTestDevice(host string) *Device {
	return &Device{
		Host:       host,
		Name:       host,
		Community:  "public",
		State:      StateEnabled,
		Interfaces: make(map[int]*Interface),
	}
}

func TestPrepareRequestExcludesDeleteMarked(t *testing.T) {
	d := newTestDevice("switch1")
	d.Interfaces[1] = &Interface{Index: 1, Name: "eth0"}
	d.Interfaces[2] = &Interface{Index: 2, Name: "eth1", DeleteMark: true}

	req := PrepareRequest(d)

	if len(req.OIDs) != 3 { // sysObjectID + sysUpTime + one active interface
		t.Fatalf("len(OIDs) = %d, want 3", len(req.OIDs))
	}
	wantOID := IfHCInBroadcastPktsOID(1)
	if _, ok := req.IfIndexByOID[wantOID]; !ok {
		t.Errorf("expected OID %s present in request", wantOID)
	}
	if _, ok := req.IfIndexByOID[IfHCInBroadcastPktsOID(2)]; ok {
		t.Errorf("delete-marked interface 2 should not appear in request")
	}
}

func TestResetClearsTransientState(t *testing.T) {
	d := newTestDevice("switch1")
	d.TimeTicks = 12345
	d.HaveTicks = true
	d.State = StateUnreachable

	Reset(d)

	if d.TimeTicks != 0 {
		t.Errorf("TimeTicks = %d, want 0", d.TimeTicks)
	}
	if d.HaveTicks {
		t.Error("expected HaveTicks to be cleared")
	}
	if d.State != StateInit {
		t.Errorf("State = %v, want StateInit", d.State)
	}
	if d.Name != "switch1" {
		t.Errorf("Reset must preserve identity fields, Name = %q", d.Name)
	}
}

func TestTransferDataRefreshesIdentityLeavesInterfacesAlone(t *testing.T) {
	// The Reconciler is JSON-RPC-only and never reports interfaces, so a
	// fresh device always carries an empty Interfaces map. TransferData
	// must not delete-mark (or otherwise touch) a live device's existing
	// interfaces on the strength of that absence — only Name/Community
	// identity is refreshed; interface lifecycle belongs to the Worker's
	// activate().
	live := NewDataset()
	d := newTestDevice("switch1")
	d.Name = "old-name"
	d.Interfaces[1] = &Interface{Index: 1, Name: "eth0", LastMav: 42}
	live.Set("switch1", d)

	fresh := NewDataset()
	fd := newTestDevice("switch1")
	fd.Name = "new-name"
	fresh.Set("switch1", fd)

	TransferData(live, fresh)

	got, ok := live.Get("switch1")
	if !ok {
		t.Fatal("expected switch1 to remain in live dataset")
	}
	if got.Name != "new-name" {
		t.Errorf("Name = %q, want identity refreshed to new-name", got.Name)
	}
	if got.Interfaces[1].LastMav != 42 {
		t.Errorf("LastMav history lost across transfer: got %v", got.Interfaces[1].LastMav)
	}
	if got.Interfaces[1].DeleteMark {
		t.Error("existing interface must not be delete-marked just because the Reconciler doesn't report interfaces")
	}
}

func TestTransferDataMarksVanishedDevice(t *testing.T) {
	live := NewDataset()
	live.Set("gone", newTestDevice("gone"))

	fresh := NewDataset()

	TransferData(live, fresh)

	d, ok := live.Get("gone")
	if !ok {
		t.Fatal("device should still be present, pending cleanup")
	}
	if !d.DeleteMark {
		t.Error("expected vanished device to be delete-marked")
	}
}
