package refresh

import (
	"sync"
	"sync/atomic"
	"time"
)

// Phase of the current or last refresh.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStart    Phase = "start"
	PhaseDownload Phase = "download"
	PhaseIndex    Phase = "index"
	PhaseMerge    Phase = "merge"
)

// Snapshot is a point-in-time copy of Status for pollers.
type Snapshot struct {
	Running   bool       `json:"running"`
	Phase     Phase      `json:"phase"`
	Current   int        `json:"current"`
	Total     int        `json:"total"`
	LastRun   *time.Time `json:"lastRun"`
	LastError *string    `json:"lastError"`
}

// Status is the progress record of one orchestrator. Only the orchestrator
// mutates it; anyone holding it may call Snapshot.
type Status struct {
	running atomic.Bool

	mu        sync.RWMutex
	phase     Phase
	current   int
	total     int
	lastRun   time.Time
	lastError string
}

func NewStatus() *Status {
	return &Status{phase: PhaseIdle}
}

// begin claims the single-flight flag. False means a run is already active.
func (s *Status) begin(total int) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.mu.Lock()
	s.phase = PhaseStart
	s.current = 0
	s.total = total
	s.lastError = ""
	s.mu.Unlock()
	return true
}

func (s *Status) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// downloading records that the n-th source (1-based) was picked up.
func (s *Status) downloading(n int) {
	s.mu.Lock()
	s.phase = PhaseDownload
	if n > s.current {
		s.current = n
	}
	s.mu.Unlock()
}

// finish releases the flag and records structuralErr, if any, as lastError.
func (s *Status) finish(at time.Time, structuralErr error) {
	s.mu.Lock()
	s.phase = PhaseIdle
	s.lastRun = at
	if structuralErr != nil {
		s.lastError = structuralErr.Error()
	}
	s.mu.Unlock()
	s.running.Store(false)
}

// Running reports whether a refresh holds the flag.
func (s *Status) Running() bool { return s.running.Load() }

func (s *Status) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Running: s.running.Load(),
		Phase:   s.phase,
		Current: s.current,
		Total:   s.total,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		snap.LastRun = &t
	}
	if s.lastError != "" {
		e := s.lastError
		snap.LastError = &e
	}
	return snap
}
