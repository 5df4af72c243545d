// Package anomaly implements the moving-average broadcast-rate model: the
// counter wrap/reset guard, the sliding-window moving-average update, and
// the tiered bcmax/mavmax/spike alarm classification with per-kind clear
// conditions (original data.cpp process_intdata / calculate_datamav /
// check_alarm). Pure computation over devicemodel.Interface state plus one
// persistence call; no network I/O.
package anomaly

import (
	"time"

	"github.com/loopd/loopd/internal/devicemodel"
)

// Thresholds carries the tunables read from config.PollerConfig so this
// package has no import-time dependency on internal/config.
type Thresholds struct {
	BcMax         float64
	MavMax        float64
	MavLow        float64 // spike classification gate: mav must clear this floor before a jump counts
	MavWindow     int
	RecoverRatio  float64 // fraction in (0,1], e.g. 0.5; gates the spike clear condition only
	CounterCutoff float64 // pkt/s; a wrap-branch rate above this means reset, not real traffic
}

// Result describes what Observe did to one interface's state this tick.
type Result struct {
	Sample  devicemodel.PollData
	Skipped bool // no rate could be computed this tick; no sample was recorded

	PreviousAlarm devicemodel.AlarmKind
	CurrentAlarm  devicemodel.AlarmKind
	Fired         bool // CurrentAlarm became active this tick, from none or by re-arming right after Cleared (possibly the same kind)
	Cleared       bool // PreviousAlarm's own clear condition was met this tick
}

// Observe runs one tick of the anomaly model for a single interface. elapsed
// is the Δt in seconds since the previous tick, derived by the caller from
// the device's sysUpTime timeticks (spec: "Δt, the elapsed seconds since
// the previous tick, from device timeticks, hundredths-of-seconds divided
// by 100") — Observe never touches wall-clock time for the rate
// computation itself, only for the persisted sample's timestamp.
func Observe(iface *devicemodel.Interface, th Thresholds, rawCounter uint64, elapsed float64, now time.Time) Result {
	res := Result{PreviousAlarm: iface.Alarmed}

	if !iface.HaveLast {
		// First sample for this interface: nothing to delta against yet,
		// just seed the counter (original: first poll after init_device
		// primes int_info.counter with no rate computed).
		iface.Counter = rawCounter
		iface.HaveLast = true
		iface.LastSample = now
		res.Skipped = true
		res.CurrentAlarm = iface.Alarmed
		return res
	}

	if elapsed <= 0 {
		// No valid device-clock baseline for this tick (e.g. the device
		// was just reinitialized and its timeticks haven't been sampled
		// twice yet): resync the counter without computing a rate.
		iface.Counter = rawCounter
		iface.LastSample = now
		res.Skipped = true
		res.CurrentAlarm = iface.Alarmed
		return res
	}

	wrapped := rawCounter < iface.Counter
	delta := Delta64(iface.Counter, rawCounter)
	rate := float64(delta) / elapsed

	if wrapped && rate > th.CounterCutoff {
		// A pseudo-rate this high after an apparent wrap is a counter
		// reset artifact (device reboot), not real traffic
		// (process_intdata's cutoff guard applies only to the wrap
		// branch — a genuinely high non-wrapped rate must still be able
		// to fire bcmax).
		iface.Counter = rawCounter
		iface.LastSample = now
		res.Skipped = true
		res.CurrentAlarm = iface.Alarmed
		return res
	}

	iface.Counter = rawCounter
	iface.LastSample = now

	window := th.MavWindow
	if window < 1 {
		window = 1
	}

	if iface.Alarmed == devicemodel.AlarmNone {
		// Snapshot the pre-event baseline before this tick's recompute,
		// per calculate_datamav's prevmav semantics.
		iface.PrevMav = iface.LastMav
	}
	updateMovingAverage(iface, rate, window)

	res.Sample = devicemodel.PollData{Timestamp: now, Broadcast: rate, Maverage: iface.LastMav}

	if iface.Store != nil {
		_ = iface.Store.Update(now, rate, iface.LastMav) // best-effort; persistence failure doesn't block alarm evaluation
	}

	fired, cleared := evaluateAlarm(iface, rate, th)
	res.Cleared = cleared
	res.CurrentAlarm = iface.Alarmed
	res.Fired = fired

	return res
}

// Delta64 computes the forward distance from prev to cur over the 64-bit
// counter space used by ifHCInBroadcastPkts. Unsigned subtraction already
// wraps modulo 2^64 in Go, so cur-prev is correct whether or not the
// counter actually wrapped; callers distinguish the wrap case (cur < prev)
// separately when they need to apply wrap-only guards.
func Delta64(prev, cur uint64) uint64 {
	return cur - prev
}

// TickDelta converts the elapsed hundredths-of-seconds between two
// sysUpTime TimeTicks readings into seconds. TimeTicks is a 32-bit counter
// that wraps roughly every 497 days; unsigned subtraction wraps modulo
// 2^32 the same way Delta64 wraps modulo 2^64.
func TickDelta(prevTicks, curTicks uint32) float64 {
	return float64(curTicks-prevTicks) / 100.0
}

// updateMovingAverage applies one tick's sample to the bounded window: push
// the new rate, and if the window is now over capacity, evict the oldest
// sample and recompute lastmav incrementally; otherwise recompute as a
// simple mean over everything held so far (calculate_datamav's dual path:
// full-mean while filling, incremental once full).
func updateMovingAverage(iface *devicemodel.Interface, rate float64, window int) {
	vals := append(iface.MavVals, rate)

	if len(vals) > window {
		back := vals[0]
		iface.LastMav = iface.LastMav - back/float64(window) + rate/float64(window)
		vals = vals[1:]
	} else {
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		iface.LastMav = sum / float64(len(vals))
	}

	iface.MavVals = vals
}

// spikeRatio returns the fraction of the pre-event baseline (prevmav) by
// which the moving average must rise above that baseline to classify as a
// spike: 0.8 at cold start (windowLen
// 0, maximally conservative), shrinking linearly toward 0.1 as the window
// fills (Open Question (b)).
func spikeRatio(windowLen, window int) float64 {
	if window < 1 {
		window = 1
	}
	return 0.8 - 0.7*(float64(windowLen)/float64(window))
}

// evaluateAlarm applies step 5/6 of the engine: if no alarm is currently
// firing, classify fresh against rate/lastmav; if one is firing, check only
// its own clear condition (Open Question (c)) and, on clear, reset the
// window and re-classify immediately so a different kind can fire in the
// same tick.
func evaluateAlarm(iface *devicemodel.Interface, rate float64, th Thresholds) (fired, cleared bool) {
	if iface.Alarmed == devicemodel.AlarmNone {
		iface.Alarmed = classify(rate, iface, th)
		return iface.Alarmed != devicemodel.AlarmNone, false
	}

	if !ownClearConditionMet(iface, rate, th) {
		return false, false
	}

	iface.Alarmed = devicemodel.AlarmNone
	iface.LastMav = rate
	iface.PrevMav = 0
	iface.MavVals = iface.MavVals[:0]

	iface.Alarmed = classify(rate, iface, th)
	return iface.Alarmed != devicemodel.AlarmNone, true
}

// ownClearConditionMet checks the currently-firing kind's own recovery
// condition: bcmax against the raw per-tick rate, mavmax against the
// moving average, spike against the pre-event baseline scaled by the
// configured recover ratio. recover_ratio gates only the spike clear;
// bcmax and mavmax clear at their plain thresholds.
func ownClearConditionMet(iface *devicemodel.Interface, rate float64, th Thresholds) bool {
	switch iface.Alarmed {
	case devicemodel.AlarmBcMax:
		return rate < th.BcMax
	case devicemodel.AlarmMavMax:
		return iface.LastMav < th.MavMax
	case devicemodel.AlarmSpike:
		return rate < iface.PrevMav*th.RecoverRatio
	default:
		return true
	}
}

func classify(rate float64, iface *devicemodel.Interface, th Thresholds) devicemodel.AlarmKind {
	switch {
	case rate > th.BcMax:
		return devicemodel.AlarmBcMax
	case iface.LastMav > th.MavMax:
		return devicemodel.AlarmMavMax
	case iface.PrevMav != 0 && iface.LastMav > th.MavLow &&
		iface.LastMav-iface.PrevMav > iface.PrevMav*spikeRatio(len(iface.MavVals), th.MavWindow):
		return devicemodel.AlarmSpike
	default:
		return devicemodel.AlarmNone
	}
}
