// Package refresh drives one guide refresh across all configured sources:
// conditional download, indexing, per-source persistence, then the combined
// index and merged guide.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/snapetech/epgmux/internal/epgstore"
	"github.com/snapetech/epgmux/internal/fetch"
	"github.com/snapetech/epgmux/internal/safeurl"
)

// DefaultWorkers is the pool width when Config.Workers is unset.
const DefaultWorkers = 4

// ErrRefreshInProgress is returned by Refresh while another run holds the flag.
var ErrRefreshInProgress = errors.New("refresh: already in progress")

// StructuralError aborts a whole run (shared metadata, combined index or merged
// guide could not be written, or a worker panicked). It is the only kind of
// failure recorded as Status lastError.
type StructuralError struct {
	Op  string
	Err error
}

func (e *StructuralError) Error() string { return "refresh: " + e.Op + ": " + e.Err.Error() }
func (e *StructuralError) Unwrap() error { return e.Err }

// Source is one configured guide feed.
type Source struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// Outcome of one source in one run.
type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeChanged   Outcome = "changed"
	OutcomeError     Outcome = "error"
)

type SourceResult struct {
	Name     string        `json:"name"`
	Key      string        `json:"key"`
	Outcome  Outcome       `json:"outcome"`
	Bytes    int64         `json:"bytes,omitempty"`
	IDs      int           `json:"ids,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Result lists one entry per source, in source order.
type Result struct {
	RunID      string         `json:"runId"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Sources    []SourceResult `json:"sources"`
	Changed    bool           `json:"changed"`
	Merged     bool           `json:"merged"`
	IDs        int            `json:"ids"`
}

// Counts tallies the per-source outcomes.
func (r *Result) Counts() (unchanged, changed, failed int) {
	for _, s := range r.Sources {
		switch s.Outcome {
		case OutcomeUnchanged:
			unchanged++
		case OutcomeChanged:
			changed++
		case OutcomeError:
			failed++
		}
	}
	return
}

type Config struct {
	Workers int
	Fetch   fetch.Options
	Metrics *Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the store files for the duration of a run. Status is the
// single-flight guard; share it with pollers, never with a second orchestrator.
type Orchestrator struct {
	store  *epgstore.Store
	status *Status
	cfg    Config

	metaMu sync.Mutex
	meta   epgstore.Meta
}

func New(store *epgstore.Store, status *Status, cfg Config) *Orchestrator {
	if status == nil {
		status = NewStatus()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{store: store, status: status, cfg: cfg}
}

func (o *Orchestrator) Status() *Status { return o.status }

// Refresh runs synchronously. It returns ErrRefreshInProgress without touching
// anything when another run is active. Per-source failures are reported in the
// result; the returned error is non-nil only for structural failures.
func (o *Orchestrator) Refresh(ctx context.Context, sources []Source) (*Result, error) {
	if !o.status.begin(len(sources)) {
		o.cfg.Metrics.suppressed()
		return nil, ErrRefreshInProgress
	}
	return o.runClaimed(ctx, sources)
}

// Trigger starts a run in the background and reports whether it did. ctx must
// outlive the run; an HTTP handler should pass a server-scoped context rather
// than its request context.
func (o *Orchestrator) Trigger(ctx context.Context, sources []Source) bool {
	if !o.status.begin(len(sources)) {
		o.cfg.Metrics.suppressed()
		log.Printf("refresh: trigger ignored, a run is in progress")
		return false
	}
	go func() {
		_, _ = o.runClaimed(ctx, sources)
	}()
	return true
}

func (o *Orchestrator) runClaimed(ctx context.Context, sources []Source) (*Result, error) {
	started := o.cfg.Now()
	res := &Result{
		RunID:     uuid.NewString(),
		StartedAt: started,
		Sources:   make([]SourceResult, len(sources)),
	}
	log.Printf("refresh: run %s started (%d sources, %d workers)", res.RunID, len(sources), o.workers(len(sources)))

	err := o.run(ctx, sources, res)
	res.FinishedAt = o.cfg.Now()
	o.status.finish(res.FinishedAt, err)
	o.cfg.Metrics.observeRun(started, err)

	unchanged, changed, failed := res.Counts()
	if err != nil {
		log.Printf("refresh: run %s failed after %s: %v", res.RunID, res.FinishedAt.Sub(started).Round(time.Millisecond), err)
		return res, err
	}
	log.Printf("refresh: run %s done in %s: unchanged=%d changed=%d failed=%d merged=%v ids=%d",
		res.RunID, res.FinishedAt.Sub(started).Round(time.Millisecond), unchanged, changed, failed, res.Merged, res.IDs)
	return res, nil
}

func (o *Orchestrator) workers(n int) int {
	return min(o.cfg.Workers, n)
}

func (o *Orchestrator) run(ctx context.Context, sources []Source, res *Result) error {
	meta, err := o.store.LoadMeta()
	if err != nil {
		return &StructuralError{Op: "load meta", Err: err}
	}
	o.metaMu.Lock()
	o.meta = meta
	o.metaMu.Unlock()

	var (
		cursor atomic.Int64
		wg     conc.WaitGroup
	)
	for w := 0; w < o.workers(len(sources)); w++ {
		wg.Go(func() {
			for {
				i := int(cursor.Add(1)) - 1
				if i >= len(sources) {
					return
				}
				o.status.downloading(i + 1)
				res.Sources[i] = o.refreshSource(ctx, sources[i])
			}
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		return &StructuralError{Op: "worker", Err: r.AsError()}
	}

	for _, s := range res.Sources {
		if s.Outcome == OutcomeChanged {
			res.Changed = true
		}
	}

	o.metaMu.Lock()
	err = o.store.SaveMeta(o.meta)
	o.metaMu.Unlock()
	if err != nil {
		return &StructuralError{Op: "save meta", Err: err}
	}

	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name
	}
	combined, err := o.store.Combine(names)
	if err != nil {
		return &StructuralError{Op: "combine", Err: err}
	}
	res.IDs = len(combined.IDToNames)

	if res.Changed || !o.store.MergedExists() {
		o.status.setPhase(PhaseMerge)
		ch, pr, err := o.store.Merge(names)
		if err != nil {
			return &StructuralError{Op: "merge", Err: err}
		}
		res.Merged = true
		log.Printf("refresh: merged guide rebuilt (%d channels, %d programmes)", ch, pr)
	}
	return nil
}

// refreshSource never returns an error: every failure becomes an error
// outcome so siblings keep going and the source's previous files stay intact.
func (o *Orchestrator) refreshSource(ctx context.Context, src Source) (r SourceResult) {
	start := time.Now()
	key := epgstore.SourceKey(src.Name)
	r = SourceResult{Name: src.Name, Key: key}
	defer func() {
		r.Duration = time.Since(start)
		o.cfg.Metrics.observeSource(r.Outcome, r.Bytes)
	}()
	fail := func(err error) SourceResult {
		log.Printf("refresh[%s]: %v", src.Name, err)
		r.Outcome = OutcomeError
		r.Error = err.Error()
		return r
	}

	if err := safeurl.Check(src.URL); err != nil {
		return fail(err)
	}

	o.metaMu.Lock()
	prev := o.meta[key]
	o.metaMu.Unlock()

	body, got, err := fetch.ConditionalGetStream(ctx, src.URL, prev.ETag, prev.LastModified, o.cfg.Fetch)
	if errors.Is(err, fetch.ErrNotModified) {
		log.Printf("refresh[%s]: not modified", src.Name)
		r.Outcome = OutcomeUnchanged
		return r
	}
	if err != nil {
		return fail(err)
	}
	staged, n, err := o.store.StageRaw(src.Name, body)
	body.Close()
	r.Bytes = n
	if err != nil {
		return fail(err)
	}

	o.status.setPhase(PhaseIndex)
	idx, err := o.store.IndexFile(staged)
	if err != nil {
		o.store.Discard(staged)
		return fail(fmt.Errorf("index: %w", err))
	}
	if err := o.store.SaveSourceIndex(src.Name, idx); err != nil {
		o.store.Discard(staged)
		return fail(err)
	}
	if err := o.store.CommitRaw(src.Name, staged); err != nil {
		return fail(err)
	}

	o.metaMu.Lock()
	o.meta[key] = epgstore.CacheEntry{
		ETag:         got.ETag,
		LastModified: got.LastModified,
		UpdatedAt:    o.cfg.Now(),
	}
	o.metaMu.Unlock()

	r.Outcome = OutcomeChanged
	r.IDs = len(idx.IDToNames)
	o.cfg.Metrics.observeIndex(key, r.IDs)
	log.Printf("refresh[%s]: %d bytes, %d ids, %d names", src.Name, n, len(idx.IDToNames), len(idx.NameToID))
	return r
}
