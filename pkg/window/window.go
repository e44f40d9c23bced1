package window

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Result is the computed aggregate over one window of a single key.
// Window bounds are milliseconds since the Unix epoch.
type Result struct {
	Key         string  `json:"key"`
	WindowStart float64 `json:"window_start"`
	WindowEnd   float64 `json:"window_end"`
	Count       int     `json:"count"`
	Total       float64 `json:"total"`
	Avg         float64 `json:"avg"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	P99         float64 `json:"p99"`
}

// Aggregator maintains a tumbling and a sliding window per key. Tumbling
// windows accumulate until FlushTumbling resets them; sliding windows keep
// the trailing horizon and evict as time advances. All methods are safe for
// concurrent use.
type Aggregator struct {
	mtx       sync.Mutex
	slidingMs float64
	maxKeys   int
	tumbling  map[string]*tumblingWindow
	sliding   map[string]*slidingWindow
	dropped   atomic.Uint64

	now func() float64
}

type tumblingWindow struct {
	start  float64
	values []float64
}

type sample struct {
	ts float64
	v  float64
}

type slidingWindow struct {
	samples []sample
}

// New returns an Aggregator with the given sliding horizon. maxKeys bounds
// the number of distinct keys tracked; 0 means unbounded.
func New(sliding time.Duration, maxKeys int) *Aggregator {
	return &Aggregator{
		slidingMs: float64(sliding.Milliseconds()),
		maxKeys:   maxKeys,
		tumbling:  make(map[string]*tumblingWindow),
		sliding:   make(map[string]*slidingWindow),
		now:       nowMs,
	}
}

func nowMs() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}

// Add records one sample into both windows for key. Samples for new keys
// are dropped once the key cap is reached.
func (a *Aggregator) Add(key string, value, tsMs float64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	tw, ok := a.tumbling[key]
	if !ok {
		if a.maxKeys > 0 && len(a.tumbling) >= a.maxKeys {
			a.dropped.Inc()
			return
		}
		tw = &tumblingWindow{start: a.now()}
		a.tumbling[key] = tw
	}
	tw.values = append(tw.values, value)

	sw, ok := a.sliding[key]
	if !ok {
		sw = &slidingWindow{}
		a.sliding[key] = sw
	}
	sw.samples = append(sw.samples, sample{ts: tsMs, v: value})
	sw.evict(tsMs - a.slidingMs)
}

// FlushTumbling computes results for all tumbling windows holding at least
// one sample and resets every window so the next interval starts empty.
// Results are ordered by key.
func (a *Aggregator) FlushTumbling() []Result {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	now := a.now()
	results := make([]Result, 0, len(a.tumbling))
	for key, tw := range a.tumbling {
		if len(tw.values) > 0 {
			results = append(results, compute(key, tw.values, tw.start, now))
		}
		tw.values = tw.values[:0]
		tw.start = now
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results
}

// QuerySliding returns the aggregate over the trailing horizon for key, or
// nil when the key is unknown or every sample has aged out.
func (a *Aggregator) QuerySliding(key string) *Result {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.querySlidingLocked(key)
}

// AllSliding returns the sliding aggregate for every key with live samples,
// ordered by key.
func (a *Aggregator) AllSliding() []Result {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	results := make([]Result, 0, len(a.sliding))
	for key := range a.sliding {
		if r := a.querySlidingLocked(key); r != nil {
			results = append(results, *r)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results
}

// ActiveKeys returns every tracked key, ordered.
func (a *Aggregator) ActiveKeys() []string {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	keys := make([]string, 0, len(a.tumbling))
	for key := range a.tumbling {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DroppedSamples reports how many samples were dropped by the key cap.
func (a *Aggregator) DroppedSamples() uint64 {
	return a.dropped.Load()
}

func (a *Aggregator) querySlidingLocked(key string) *Result {
	sw, ok := a.sliding[key]
	if !ok {
		return nil
	}

	now := a.now()
	sw.evict(now - a.slidingMs)
	if len(sw.samples) == 0 {
		return nil
	}

	values := make([]float64, len(sw.samples))
	for i, s := range sw.samples {
		values[i] = s.v
	}
	r := compute(key, values, sw.samples[0].ts, now)
	return &r
}

// evict drops samples strictly older than the cutoff. Samples are appended
// in arrival order, so eviction only ever trims the front.
func (sw *slidingWindow) evict(cutoff float64) {
	i := 0
	for i < len(sw.samples) && sw.samples[i].ts < cutoff {
		i++
	}
	if i > 0 {
		sw.samples = sw.samples[i:]
	}
}

func compute(key string, values []float64, startMs, endMs float64) Result {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	total := 0.0
	for _, v := range sorted {
		total += v
	}

	n := len(sorted)
	p99Idx := int(float64(n)*0.99) - 1
	if p99Idx < 0 {
		p99Idx = 0
	}

	return Result{
		Key:         key,
		WindowStart: startMs,
		WindowEnd:   endMs,
		Count:       n,
		Total:       total,
		Avg:         total / float64(n),
		Min:         sorted[0],
		Max:         sorted[n-1],
		P99:         sorted[p99Idx],
	}
}
