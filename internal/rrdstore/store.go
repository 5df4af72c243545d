// Package rrdstore implements the per-interface round-robin time-series
// store. The original links against rrdtool, which has no Go binding
// anywhere in the retrieval pack; go-graphite/go-whisper is the closest
// available analogue (a fixed-retention circular time-series format) and
// is paired with gosnmp in the pack's networkables-mason manifest for
// exactly this kind of "poll a counter, keep its history" job. Whisper
// stores one series per file, so each interface gets two files instead of
// RRD's two data-sources-in-one-file layout (SPEC_FULL.md §6).
package rrdstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	whisper "github.com/go-graphite/go-whisper"
)

const retentionPadding = 10 // spec's "retention count" headroom beyond one day of samples

// Handle is the round-robin history for one interface: a broadcast-rate
// gauge file and a moving-average gauge file, opened together and always
// updated together.
type Handle struct {
	mu        sync.Mutex
	broadcast *whisper.Whisper
	maverage  *whisper.Whisper

	broadcastPath string
	maveragePath  string
}

// Open creates (if absent) or opens the two whisper files backing host's
// ifIndex interface under dataDir, sized for one high-resolution archive
// at the given step with one day of retention plus padding.
func Open(dataDir, host string, ifIndex int, step time.Duration) (*Handle, error) {
	dir := filepath.Join(dataDir, host)
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("provision rrdstore dir %s: %w", dir, err)
	}

	stepSeconds := int(step.Seconds())
	if stepSeconds < 1 {
		stepSeconds = 1
	}
	points := 86400/stepSeconds + retentionPadding

	retentions, err := whisper.ParseRetentionDefs(fmt.Sprintf("%d:%d", stepSeconds, points))
	if err != nil {
		return nil, fmt.Errorf("parse retention for step %ds: %w", stepSeconds, err)
	}

	h := &Handle{
		broadcastPath: filepath.Join(dir, fmt.Sprintf("%d-broadcast.wsp", ifIndex)),
		maveragePath:  filepath.Join(dir, fmt.Sprintf("%d-maverage.wsp", ifIndex)),
	}

	h.broadcast, err = openOrCreate(h.broadcastPath, retentions)
	if err != nil {
		return nil, err
	}
	h.maverage, err = openOrCreate(h.maveragePath, retentions)
	if err != nil {
		h.broadcast.Close()
		return nil, err
	}

	return h, nil
}

func openOrCreate(path string, retentions whisper.Retentions) (*whisper.Whisper, error) {
	if _, err := os.Stat(path); err == nil {
		w, err := whisper.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open whisper file %s: %w", path, err)
		}
		return w, nil
	}

	w, err := whisper.Create(path, retentions, whisper.Average, 0.5)
	if err != nil {
		return nil, fmt.Errorf("create whisper file %s: %w", path, err)
	}
	return w, nil
}

// Update writes one tick's broadcast rate and moving average.
func (h *Handle) Update(t time.Time, broadcast, maverage float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ts := int(t.Unix())
	if err := h.broadcast.Update(broadcast, ts); err != nil {
		return fmt.Errorf("update broadcast series %s: %w", h.broadcastPath, err)
	}
	if err := h.maverage.Update(maverage, ts); err != nil {
		return fmt.Errorf("update maverage series %s: %w", h.maveragePath, err)
	}
	return nil
}

// Close releases both whisper file handles.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	errB := h.broadcast.Close()
	errM := h.maverage.Close()
	if errB != nil {
		return errB
	}
	return errM
}

// series is the fetched window from one whisper file, timestamps aligned
// with values (missing points included as NaN, matching whisper's TimeSeries).
type series struct {
	from, until, step int
	values            []float64
}

// fetchWindow pulls the last window's worth of samples from both series.
func (h *Handle) fetchWindow(window time.Duration) (bc, mav series, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	until := int(time.Now().Unix())
	from := until - int(window.Seconds())

	bcTS, err := h.broadcast.Fetch(from, until)
	if err != nil {
		return series{}, series{}, fmt.Errorf("fetch broadcast series %s: %w", h.broadcastPath, err)
	}
	mavTS, err := h.maverage.Fetch(from, until)
	if err != nil {
		return series{}, series{}, fmt.Errorf("fetch maverage series %s: %w", h.maveragePath, err)
	}

	return series{from: bcTS.FromTime(), until: bcTS.UntilTime(), step: bcTS.Step(), values: bcTS.Values()},
		series{from: mavTS.FromTime(), until: mavTS.UntilTime(), step: mavTS.Step(), values: mavTS.Values()},
		nil
}
