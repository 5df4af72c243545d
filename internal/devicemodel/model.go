// Package devicemodel implements the Device/Interface data model: the
// in-memory live dataset the Main Controller owns, the per-interface
// sample history the Anomaly Engine updates, and the stable-identifier
// queue records components hand off to each other instead of raw
// pointers (spec.md DESIGN NOTE "Pointer queues").
package devicemodel

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HostState is the device-level lifecycle state named in spec.md §3.
type HostState int

const (
	StateInit HostState = iota
	StateEnabled
	StateUnreachable
)

func (s HostState) String() string {
	switch s {
	case StateEnabled:
		return "enabled"
	case StateUnreachable:
		return "unreachable"
	default:
		return "init"
	}
}

// AlarmKind identifies which clause of the Anomaly Engine's classification
// is currently firing for an interface, or AlarmNone when clear.
type AlarmKind int

const (
	AlarmNone AlarmKind = iota
	AlarmBcMax
	AlarmMavMax
	AlarmSpike
)

func (k AlarmKind) String() string {
	switch k {
	case AlarmBcMax:
		return "bcmax"
	case AlarmMavMax:
		return "mavmax"
	case AlarmSpike:
		return "spike"
	default:
		return "none"
	}
}

// Interface is the per-port record (original int_info): broadcast/maverage
// moving-average state, the delete-mark used for reconcile sweeps, and
// the round-robin store handle backing its graph history.
type Interface struct {
	Index      int
	Name       string
	Alias      string
	HighSpeed  int // ifHighSpeed, Mbit/s
	DeleteMark bool

	Alarmed AlarmKind

	// Counter is the last raw ifHCInBroadcastPkts value observed, used to
	// compute the delta on the next sample and to detect counter
	// wrap/reset (process_intdata).
	Counter uint64
	HaveLast bool

	LastMav float64
	PrevMav float64
	MavVals []float64 // bounded window, oldest first, matches mav_vals deque

	LastSample time.Time

	// Store is the rrdstore handle for this interface's history files,
	// created on first enumeration and released on delete.
	Store interface {
		Update(t time.Time, broadcast, maverage float64) error
		Close() error
	}
}

// PollData is one tick's computed sample for an interface, returned by the
// Anomaly Engine's Observe (Result.Sample); Observe persists the same rate
// and average via Interface.Store.Update.
type PollData struct {
	Timestamp time.Time
	Broadcast float64 // packets/sec this tick
	Maverage  float64 // moving average after this tick
}

// Device is the per-host record (original struct device).
type Device struct {
	Host      string
	Name      string
	ObjID     string
	Community string
	RRDPath   string

	State      HostState
	DeleteMark bool

	Interfaces map[int]*Interface

	// RequestID is a correlation slot for an in-flight composite poll
	// (mirrors globals.PollTask.RequestID). No component assigns or logs
	// it, so it holds the zero UUID.
	RequestID uuid.UUID

	// TimeTicks is the device uptime counter from the last successful
	// poll; the poller derives each tick's elapsed seconds from it
	// (anomaly.TickDelta).
	TimeTicks uint32
	// HaveTicks is false until the first real sysUpTime sample lands,
	// distinguishing "no baseline yet" from a zero TimeTicks value.
	HaveTicks bool

	// BackoffSeconds and NextRetryAt are not written by any component: the
	// Worker keeps each host's current reinit retry backoff in its own map
	// (worker.cpp process_devices: retry_interval doubling to max_backoff).
	BackoffSeconds int
	NextRetryAt    time.Time

	mu sync.Mutex
}

// Lock/Unlock expose the per-device mutex so callers can serialize
// concurrent Interface map mutation from the poller goroutine and the
// controller's reconcile pass (spec.md §5 per-device lock).
func (d *Device) Lock()   { d.mu.Lock() }
func (d *Device) Unlock() { d.mu.Unlock() }

// Dataset is the live in-memory collection the Main Controller owns and
// swaps on reconcile (prepare_data / transfer_data).
type Dataset struct {
	mu      sync.RWMutex
	Devices map[string]*Device // keyed by host
}

// NewDataset returns an empty Dataset.
func NewDataset() *Dataset {
	return &Dataset{Devices: make(map[string]*Device)}
}

// Snapshot returns the devices currently in the dataset as a new slice, so
// callers can iterate without holding the dataset lock. The Device records
// themselves are shared with the live map, not copied.
func (ds *Dataset) Snapshot() []*Device {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	out := make([]*Device, 0, len(ds.Devices))
	for _, d := range ds.Devices {
		out = append(out, d)
	}
	return out
}

func (ds *Dataset) Get(host string) (*Device, bool) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	d, ok := ds.Devices[host]
	return d, ok
}

func (ds *Dataset) Set(host string, d *Device) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.Devices[host] = d
}

func (ds *Dataset) Delete(host string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	delete(ds.Devices, host)
}

func (ds *Dataset) Lock()    { ds.mu.Lock() }
func (ds *Dataset) Unlock()  { ds.mu.Unlock() }
func (ds *Dataset) RLock()   { ds.mu.RLock() }
func (ds *Dataset) RUnlock() { ds.mu.RUnlock() }

// ActionRequest is a stable-identifier queue record asking the Worker to
// reinitialize a device (original action_data).
type ActionRequest struct {
	Host      string
	RequestID uuid.UUID
	Reason    string
}

// AlarmRequest is a stable-identifier queue record asking the Worker to
// secondary-confirm and (if still anomalous) render and send an alert.
type AlarmRequest struct {
	Host      string
	IfIndex   int
	Kind      AlarmKind
	FiredAt   time.Time
	RequestID uuid.UUID
}

// ReturnRequest asks the Worker to clean up a delete-marked interface
// (close its store and remove it from its device); the Main Controller's
// delete-mark sweep queues it (original return_data).
type ReturnRequest struct {
	Host    string
	IfIndex int
}
