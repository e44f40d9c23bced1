package anomaly

import (
	"math"
	"sync"

	"go.uber.org/atomic"

	"github.com/sluiceproject/sluice/pkg/util"
)

// Severity labels attached to emitted events.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// criticalZ is the |z| above which an event escalates to critical.
const criticalZ = 4.0

// minSamples is the population required before scoring starts.
const minSamples = 10

// Event describes one sample whose z-score crossed the detector threshold.
// Scores and moments are rounded to three decimals.
type Event struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	ZScore    float64 `json:"z_score"`
	Mean      float64 `json:"mean"`
	Std       float64 `json:"std"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
	Timestamp float64 `json:"timestamp"`
}

// Detector keeps a bounded ring of recent values per key and flags samples
// whose z-score against that ring exceeds the threshold. Safe for
// concurrent use.
type Detector struct {
	mtx       sync.Mutex
	threshold float64
	size      int
	maxKeys   int
	rings     map[string]*ring
	dropped   atomic.Uint64
}

// New returns a Detector flagging samples beyond threshold standard
// deviations, scored against the last size values per key. maxKeys bounds
// the number of distinct keys tracked; 0 means unbounded.
func New(threshold float64, size, maxKeys int) *Detector {
	return &Detector{
		threshold: threshold,
		size:      size,
		maxKeys:   maxKeys,
		rings:     make(map[string]*ring),
	}
}

// Check records value for key and returns an Event when its z-score crosses
// the threshold, nil otherwise. The value itself is part of the population
// it is scored against. Values for new keys are dropped once the key cap is
// reached.
func (d *Detector) Check(key string, value, tsMs float64) *Event {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	r, ok := d.rings[key]
	if !ok {
		if d.maxKeys > 0 && len(d.rings) >= d.maxKeys {
			d.dropped.Inc()
			return nil
		}
		r = newRing(d.size)
		d.rings[key] = r
	}
	r.add(value)

	if r.len() < minSamples {
		return nil
	}

	mean, std := r.stats()
	if std < 1e-10 {
		return nil
	}

	z := (value - mean) / std
	if math.Abs(z) <= d.threshold {
		return nil
	}

	severity := SeverityWarning
	if math.Abs(z) > criticalZ {
		severity = SeverityCritical
	}

	return &Event{
		Key:       key,
		Value:     value,
		ZScore:    util.RoundTo(z, 3),
		Mean:      util.RoundTo(mean, 3),
		Std:       util.RoundTo(std, 3),
		Threshold: d.threshold,
		Severity:  severity,
		Timestamp: tsMs,
	}
}

// TrackedKeys reports how many keys currently hold a ring.
func (d *Detector) TrackedKeys() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return len(d.rings)
}

// DroppedSamples reports how many values were dropped by the key cap.
func (d *Detector) DroppedSamples() uint64 {
	return d.dropped.Load()
}

// ring is a fixed-capacity buffer that overwrites its oldest value once
// full.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]float64, size)}
}

func (r *ring) add(v float64) {
	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// stats returns the mean and sample standard deviation of the held values.
func (r *ring) stats() (mean, std float64) {
	n := r.len()
	values := r.buf[:n]

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(n-1))
	return mean, std
}
