package extraction

import (
	"math"
	"sync"
)

// Stage identifies the pipeline step a progress event belongs to
type Stage string

const (
	StageRasterizing Stage = "rasterizing"
	StageRecognizing Stage = "recognizing"
	StageParsing     Stage = "parsing"
	StageDone        Stage = "done"
)

// Share of the overall range reserved for rasterizing paginated documents
const rasterShare = 30.0

// Progress is one observation of a pipeline run
type Progress struct {
	Percent     int   `json:"percentage"`
	Stage       Stage `json:"stage,omitempty"`
	CurrentPage int   `json:"currentPage,omitempty"`
	TotalPages  int   `json:"totalPages,omitempty"`
}

// ProgressFunc receives progress events. Calls for one run are serialized.
type ProgressFunc func(Progress)

// tracker owns the progress state of exactly one run. Percentages never go
// backwards and anything reported after close is dropped.
type tracker struct {
	mu     sync.Mutex
	fn     ProgressFunc
	state  Progress
	closed bool
}

func newTracker(fn ProgressFunc) *tracker {
	return &tracker{fn: fn}
}

func (t *tracker) report(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	p.Percent = max(0, min(100, p.Percent))
	if p.Percent < t.state.Percent {
		p.Percent = t.state.Percent
	}
	t.state = p
	if t.fn != nil {
		t.fn(p)
	}
}

func (t *tracker) snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// close resets the state and detaches the callback
func (t *tracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.state = Progress{}
}

// window maps a fraction in [0,1] onto a slice of the overall percentage range
type window struct {
	start, end float64
}

func (w window) at(fraction float64) int {
	fraction = math.Max(0, math.Min(1, fraction))
	return int(math.Round(w.start + (w.end-w.start)*fraction))
}

// pageWindow returns the recognition slice for a 1-based page of a paginated document
func pageWindow(page, total int) window {
	span := (100 - rasterShare) / float64(total)
	return window{
		start: rasterShare + span*float64(page-1),
		end:   rasterShare + span*float64(page),
	}
}

var (
	rasterWindow = window{start: 0, end: rasterShare}
	imageWindow  = window{start: 0, end: 100}
)

// fractionReporter forwards monotonic fractions in [0,1]; it is safe for concurrent use
type fractionReporter struct {
	mu   sync.Mutex
	last float64
	fn   func(float64)
}

func newFractionReporter(fn func(float64)) *fractionReporter {
	return &fractionReporter{last: -1, fn: fn}
}

func (r *fractionReporter) report(f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f = math.Max(0, math.Min(1, f))
	if f <= r.last {
		return
	}
	r.last = f
	if r.fn != nil {
		r.fn(f)
	}
}

func (r *fractionReporter) current() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(r.last, 0)
}
