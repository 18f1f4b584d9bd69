// Package registry tracks the executions running in this process, indexed by fingerprint.
package registry

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/engine"
	"github.com/streamcache/streamcache/pkg/query"
)

var (
	// ErrAlreadyRunning is returned by TryRegister when the fingerprint is already executing here.
	ErrAlreadyRunning = errors.New("execution already running")

	// ErrFull is returned by TryRegister when the registry holds its maximum number of records.
	ErrFull = errors.New("execution registry full")
)

// Record is the in-process bookkeeping of one execution.
type Record struct {
	ID          ulid.ULID
	Fingerprint keys.Fingerprint
	Kind        query.Kind
	Collection  string
	Filter      query.Filter
	StartedAt   time.Time
	Deadline    time.Time

	scanned    atomic.Int64
	results    atomic.Int64
	errors     atomic.Int64
	abort      atomic.Bool
	stopReason atomic.Value

	settleOnce sync.Once
	done       chan struct{}
	values     []any
	err        error
}

var _ engine.Progress = (*Record)(nil)

// NewRecord creates the record of an execution of d starting now.
func NewRecord(fp keys.Fingerprint, d query.Descriptor, timeout time.Duration) *Record {
	now := time.Now()
	return &Record{
		ID:          ulid.Make(),
		Fingerprint: fp,
		Kind:        d.Kind,
		Collection:  d.Collection,
		Filter:      d.Filter.Clone(),
		StartedAt:   now,
		Deadline:    now.Add(timeout),
		done:        make(chan struct{}),
	}
}

func (r *Record) AbortRequested() bool {
	return r.abort.Load()
}

// RequestAbort flags the record; the execution observes it on its next sync.
func (r *Record) RequestAbort() {
	r.abort.Store(true)
}

func (r *Record) AddScanned(n int64) {
	r.scanned.Add(n)
}

func (r *Record) AddResults(n int64) {
	r.results.Add(n)
}

func (r *Record) AddErrors(n int64) {
	r.errors.Add(n)
}

func (r *Record) SetStopReason(reason engine.StopReason) {
	r.stopReason.Store(reason)
}

func (r *Record) StopReason() engine.StopReason {
	reason, _ := r.stopReason.Load().(engine.StopReason)
	return reason
}

// Settle publishes the outcome of the execution to every Wait caller. Only the first call
// has an effect.
func (r *Record) Settle(values []any, err error) {
	r.settleOnce.Do(func() {
		r.values = values
		r.err = err
		close(r.done)
	})
}

// Wait blocks until the execution settles or ctx is done. Every caller receives its own copy of
// the values.
func (r *Record) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-r.done:
		return cloneValues(r.values), r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot is a point-in-time copy of a Record.
type Snapshot struct {
	ID             string            `json:"id"`
	Fingerprint    keys.Fingerprint  `json:"fingerprint,string"`
	Kind           query.Kind        `json:"kind"`
	Collection     string            `json:"collection"`
	Filter         query.Filter      `json:"filter,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	Deadline       time.Time         `json:"deadline"`
	Scanned        int64             `json:"scanned"`
	Results        int64             `json:"results"`
	Errors         int64             `json:"errors"`
	AbortRequested bool              `json:"abort_requested"`
	StopReason     engine.StopReason `json:"stop_reason,omitempty"`
}

// Snapshot copies the record, including a deep copy of its filter.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		ID:             r.ID.String(),
		Fingerprint:    r.Fingerprint,
		Kind:           r.Kind,
		Collection:     r.Collection,
		Filter:         r.Filter.Clone(),
		StartedAt:      r.StartedAt,
		Deadline:       r.Deadline,
		Scanned:        r.scanned.Load(),
		Results:        r.results.Load(),
		Errors:         r.errors.Load(),
		AbortRequested: r.abort.Load(),
		StopReason:     r.StopReason(),
	}
}

// Registry indexes the running records of this process by fingerprint.
type Registry struct {
	mu      sync.RWMutex
	records map[keys.Fingerprint]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		records: make(map[keys.Fingerprint]*Record),
	}
}

// TryRegister adds rec unless its fingerprint is already running, in which case the running
// record is returned with ErrAlreadyRunning, or the registry already holds limit records.
// A limit of zero or less means unbounded.
func (r *Registry) TryRegister(rec *Record, limit int) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if running, ok := r.records[rec.Fingerprint]; ok {
		return running, ErrAlreadyRunning
	}

	if limit > 0 && len(r.records) >= limit {
		return nil, ErrFull
	}

	r.records[rec.Fingerprint] = rec
	return rec, nil
}

// Deregister removes rec. A newer record registered under the same fingerprint is kept.
func (r *Registry) Deregister(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.records[rec.Fingerprint] == rec {
		delete(r.records, rec.Fingerprint)
	}
}

// Get returns the running record of fp.
func (r *Registry) Get(fp keys.Fingerprint) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[fp]
	return rec, ok
}

// RequestAbort flags the running record of fp and reports whether there was one.
func (r *Registry) RequestAbort(fp keys.Fingerprint) bool {
	rec, ok := r.Get(fp)
	if !ok {
		return false
	}

	rec.RequestAbort()
	return true
}

// Snapshots returns a copy of every running record, oldest first.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Snapshot())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	return out
}

func cloneValues(values []any) []any {
	if values == nil {
		return nil
	}

	out := make([]any, len(values))
	for i, v := range values {
		out[i] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies the JSON-shaped values produced by document operations. Other values
// are returned as they are.
func cloneValue(v any) any {
	switch v := v.(type) {
	case []any:
		return cloneValues(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
