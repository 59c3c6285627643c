// Package metrics keeps a bounded in-memory history of invocation
// outcomes for the status surface. It is not a general metrics pipeline;
// the buffer exists so operators can ask "what just happened" without
// scraping logs.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity is the ring size when none is configured.
const DefaultCapacity = 100

// Entry is one recorded invocation attempt.
type Entry struct {
	Timestamp     time.Time     `json:"timestamp"`
	Duration      time.Duration `json:"duration"`
	Success       bool          `json:"success"`
	SourcesFailed []string      `json:"sources_failed,omitempty"`
}

// Summary aggregates the buffered entries.
type Summary struct {
	TotalRequests int           `json:"total_requests"`
	SuccessCount  int           `json:"success_count"`
	FailureCount  int           `json:"failure_count"`
	AvgDuration   time.Duration `json:"avg_duration"`
	P95Duration   time.Duration `json:"p95_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	Recent        []Entry       `json:"recent"`
}

// Recorder is a fixed-capacity ring buffer of invocation outcomes.
// Oldest entries are evicted first. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRecorder creates a Recorder holding at most capacity entries.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{entries: make([]Entry, capacity)}
}

// Record appends one attempt outcome, evicting the oldest when full.
func (r *Recorder) Record(duration time.Duration, success bool, sourcesFailed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = Entry{
		Timestamp:     time.Now(),
		Duration:      duration,
		Success:       success,
		SourcesFailed: sourcesFailed,
	}
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Summary aggregates the buffer: counts, average, p95 and max durations,
// and the five most recent entries (newest last).
func (r *Recorder) Summary() Summary {
	snapshot := r.snapshot()
	if len(snapshot) == 0 {
		return Summary{}
	}

	durations := make([]time.Duration, len(snapshot))
	var total time.Duration
	successes := 0
	for i, e := range snapshot {
		durations[i] = e.Duration
		total += e.Duration
		if e.Success {
			successes++
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	p95 := int(math.Floor(float64(len(durations)) * 0.95))
	if p95 >= len(durations) {
		p95 = len(durations) - 1
	}

	recent := snapshot
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}

	return Summary{
		TotalRequests: len(snapshot),
		SuccessCount:  successes,
		FailureCount:  len(snapshot) - successes,
		AvgDuration:   total / time.Duration(len(snapshot)),
		P95Duration:   durations[p95],
		MaxDuration:   durations[len(durations)-1],
		Recent:        recent,
	}
}

// snapshot returns buffered entries oldest first.
func (r *Recorder) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]Entry, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]Entry, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}
