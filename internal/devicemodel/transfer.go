package devicemodel

// TransferData merges a freshly reconciled dataset into the live one and
// delete-marks devices absent from the new set; they stay in the live
// dataset until the Controller's delete-mark sweep removes them (original main.cpp
// prepare_data's device-identity half of update_devices). The Reconciler
// is JSON-RPC-only and never reports interfaces (spec.md §4.A/§4.E), so
// fresh devices always carry an empty Interfaces map; TransferData
// refreshes only device identity (Name/Community) and leaves a live
// device's Interfaces untouched — interface enumeration and delete-mark
// are the Worker's activate() responsibility exclusively.
func TransferData(live, fresh *Dataset) {
	live.Lock()
	defer live.Unlock()
	fresh.RLock()
	defer fresh.RUnlock()

	for host, freshDev := range fresh.Devices {
		liveDev, exists := live.Devices[host]
		if !exists {
			live.Devices[host] = freshDev
			continue
		}

		liveDev.Lock()
		liveDev.Name = freshDev.Name
		liveDev.Community = freshDev.Community
		liveDev.DeleteMark = false
		liveDev.Unlock()
	}

	for host, liveDev := range live.Devices {
		if _, stillPresent := fresh.Devices[host]; !stillPresent {
			liveDev.Lock()
			liveDev.DeleteMark = true
			liveDev.Unlock()
		}
	}
}
