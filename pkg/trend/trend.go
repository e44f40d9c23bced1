package trend

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/sluiceproject/sluice/pkg/util"
)

// Direction labels.
const (
	DirectionRising  = "rising"
	DirectionFalling = "falling"
	DirectionStable  = "stable"
)

// minPoints is the series length required before a fit is attempted.
const minPoints = 20

// slopeEpsilon separates rising and falling from flat.
const slopeEpsilon = 0.001

// weakFit is the r-squared below which the direction is reported stable
// regardless of slope.
const weakFit = 0.1

// Result is a least-squares fit over one key's recent points. Slope is in
// value units per timestamp unit, rounded to six decimals; RSquared and
// Confidence to four.
type Result struct {
	Key        string  `json:"key"`
	Slope      float64 `json:"slope"`
	RSquared   float64 `json:"r_squared"`
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	DataPoints int     `json:"data_points"`
}

// Analyzer keeps a bounded ring of timestamped points per key and fits a
// least-squares line over them on demand. Safe for concurrent use.
type Analyzer struct {
	mtx     sync.Mutex
	size    int
	maxKeys int
	series  map[string]*ring
	dropped atomic.Uint64
}

type point struct {
	ts float64
	v  float64
}

// New returns an Analyzer fitting over the last size points per key.
// maxKeys bounds the number of distinct keys tracked; 0 means unbounded.
func New(size, maxKeys int) *Analyzer {
	return &Analyzer{
		size:    size,
		maxKeys: maxKeys,
		series:  make(map[string]*ring),
	}
}

// Add records one point for key. Points for new keys are dropped once the
// key cap is reached.
func (a *Analyzer) Add(key string, tsMs, value float64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	r, ok := a.series[key]
	if !ok {
		if a.maxKeys > 0 && len(a.series) >= a.maxKeys {
			a.dropped.Inc()
			return
		}
		r = newRing(a.size)
		a.series[key] = r
	}
	r.add(point{ts: tsMs, v: value})
}

// Trend fits the key's series, or returns nil when it holds fewer points
// than the fit requires.
func (a *Analyzer) Trend(key string) *Result {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.trendLocked(key)
}

// AllTrends returns a fit for every key with enough points, ordered by key.
func (a *Analyzer) AllTrends() []Result {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	keys := make([]string, 0, len(a.series))
	for key := range a.series {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	results := make([]Result, 0, len(keys))
	for _, key := range keys {
		if r := a.trendLocked(key); r != nil {
			results = append(results, *r)
		}
	}
	return results
}

// DroppedSamples reports how many points were dropped by the key cap.
func (a *Analyzer) DroppedSamples() uint64 {
	return a.dropped.Load()
}

func (a *Analyzer) trendLocked(key string) *Result {
	r, ok := a.series[key]
	if !ok {
		return nil
	}

	pts := r.ordered()
	n := len(pts)
	if n < minPoints {
		return nil
	}

	// Translate x by the first timestamp to keep the normal equations
	// well conditioned for epoch-scale values.
	t0 := pts[0].ts
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range pts {
		x := p.ts - t0
		sumX += x
		sumY += p.v
		sumXY += x * p.v
		sumXX += x * x
	}

	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if math.Abs(denom) < 1e-10 {
		return &Result{Key: key, Direction: DirectionStable, DataPoints: n}
	}

	slope := (nf*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / nf

	mean := sumY / nf
	var ssRes, ssTot float64
	for _, p := range pts {
		x := p.ts - t0
		res := p.v - (slope*x + intercept)
		ssRes += res * res
		d := p.v - mean
		ssTot += d * d
	}

	rsq := 0.0
	if math.Abs(ssTot) >= 1e-10 {
		rsq = 1 - ssRes/ssTot
		if rsq < 0 {
			rsq = 0
		}
	}

	direction := DirectionStable
	switch {
	case rsq < weakFit:
	case slope > slopeEpsilon:
		direction = DirectionRising
	case slope < -slopeEpsilon:
		direction = DirectionFalling
	}

	rsq = util.RoundTo(rsq, 4)
	return &Result{
		Key:        key,
		Slope:      util.RoundTo(slope, 6),
		RSquared:   rsq,
		Direction:  direction,
		Confidence: rsq,
		DataPoints: n,
	}
}

// ring is a fixed-capacity buffer that overwrites its oldest point once
// full.
type ring struct {
	buf  []point
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]point, size)}
}

func (r *ring) add(p point) {
	r.buf[r.next] = p
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// ordered returns the held points oldest first.
func (r *ring) ordered() []point {
	if !r.full {
		return r.buf[:r.next]
	}
	out := make([]point, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
