// Package connect decides which pair of minima the next connect job targets and
// tracks the lifecycle of every attempted pair.
package connect

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/graph"
	"github.com/hpungsan/landscape/internal/landscape"
	"github.com/hpungsan/landscape/internal/logging"
)

// PairState is the lifecycle state of a minimum pair.
type PairState int

const (
	Untried PairState = iota
	InFlight
	Connected
	FailedRetryable
)

func (s PairState) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Connected:
		return "connected"
	case FailedRetryable:
		return "failed_retryable"
	default:
		return "untried"
	}
}

// ConnectJobSpec is the work handed to a connect-capable worker.
type ConnectJobSpec struct {
	JobID string
	Pair  graph.Pair
	Min1  landscape.Minimum
	Min2  landscape.Minimum
}

// Outcome is the result of a connect attempt. Min1 and Min2 are the endpoints as
// reported; they must match the attempted pair in either order.
type Outcome struct {
	Failed bool
	Reason string

	Energy float64
	Coords landscape.Coords
	Min1   int64
	Min2   int64
}

// Stats summarises the manager's bookkeeping.
type Stats struct {
	InFlight   int `json:"in_flight"`
	BackingOff int `json:"backing_off"`
	Failed     int `json:"failed_pairs"`
}

type failure struct {
	count   int
	retryAt time.Time
}

// Options configures a Manager.
type Options struct {
	Policy      graph.PairPolicy
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Now         func() time.Time
	Logger      *zap.Logger
}

// Manager selects connect targets. Pairs that never failed are preferred; failed
// pairs come back after an exponential backoff, fewest failures first.
type Manager struct {
	mu sync.Mutex

	db     *landscape.Database
	graph  *graph.Graph
	policy graph.PairPolicy

	inFlight map[graph.Pair]string // pair -> job id
	failures map[graph.Pair]*failure

	backoffBase time.Duration
	backoffMax  time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewManager creates a Manager over db and g.
func NewManager(db *landscape.Database, g *graph.Graph, opts Options) *Manager {
	policy := opts.Policy
	if policy == nil {
		policy = graph.EnergyGapPolicy{Width: 2}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	base := opts.BackoffBase
	if base <= 0 {
		base = 10 * time.Second
	}
	maxBackoff := opts.BackoffMax
	if maxBackoff < base {
		maxBackoff = base
	}
	return &Manager{
		db:          db,
		graph:       g,
		policy:      policy,
		inFlight:    make(map[graph.Pair]string),
		failures:    make(map[graph.Pair]*failure),
		backoffBase: base,
		backoffMax:  maxBackoff,
		now:         now,
		logger:      logging.OrNop(opts.Logger),
	}
}

// NextConnectJob picks a disconnected pair, reserves it for jobID and returns the
// spec. It returns false when every candidate is connected, in flight or backing off.
func (m *Manager) NextConnectJob(jobID string) (*ConnectJobSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.graph.PickDisconnectedPair(m.policy, func(p graph.Pair) bool {
		_, busy := m.inFlight[p]
		_, failed := m.failures[p]
		return !busy && !failed
	})
	if !ok {
		pair, ok = m.retryCandidate()
	}
	if !ok {
		return nil, false
	}

	min1, ok1 := m.db.Minimum(pair.A)
	min2, ok2 := m.db.Minimum(pair.B)
	if !ok1 || !ok2 {
		// The graph only holds ids taken from the database, so this is a bug.
		m.logger.Error("connect pair references unknown minimum",
			zap.Int64("min1", pair.A), zap.Int64("min2", pair.B))
		return nil, false
	}

	m.inFlight[pair] = jobID
	m.logger.Debug("connect pair reserved",
		zap.String("job_id", jobID),
		zap.Int64("min1", pair.A),
		zap.Int64("min2", pair.B))
	return &ConnectJobSpec{JobID: jobID, Pair: pair, Min1: min1, Min2: min2}, true
}

// retryCandidate returns the failed pair with the fewest failures whose backoff
// has expired. Caller holds the lock.
func (m *Manager) retryCandidate() (graph.Pair, bool) {
	now := m.now()
	var (
		best    graph.Pair
		bestCnt int
		found   bool
	)
	for p, f := range m.failures {
		if _, busy := m.inFlight[p]; busy || f.retryAt.After(now) {
			continue
		}
		if m.graph.AreConnected(p.A, p.B) {
			delete(m.failures, p)
			continue
		}
		if !found || f.count < bestCnt || (f.count == bestCnt && lessPair(p, best)) {
			best, bestCnt, found = p, f.count, true
		}
	}
	return best, found
}

func lessPair(a, b graph.Pair) bool {
	if c := cmp.Compare(a.A+a.B, b.A+b.B); c != 0 {
		return c < 0
	}
	return a.A < b.A
}

// Reserve marks pair in flight for jobID. It fails when the pair is already
// connected, in flight, backing off or references an unknown minimum.
func (m *Manager) Reserve(pair graph.Pair, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair = graph.NewPair(pair.A, pair.B)
	if pair.A == pair.B || !m.graph.HasNode(pair.A) || !m.graph.HasNode(pair.B) {
		return false
	}
	if m.stateLocked(pair) != Untried {
		return false
	}
	m.inFlight[pair] = jobID
	return true
}

// OnJobResult applies the outcome of the job holding pair. Success stores the
// transition state and adds the edge; failure schedules a retry with backoff.
// Either way the pair leaves the in-flight set. Invalid input leaves all state unchanged.
func (m *Manager) OnJobResult(pair graph.Pair, outcome Outcome) (landscape.TransitionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair = graph.NewPair(pair.A, pair.B)
	if outcome.Failed {
		delete(m.inFlight, pair)
		f := m.failures[pair]
		if f == nil {
			f = &failure{}
			m.failures[pair] = f
		}
		f.count++
		delay := m.backoff(f.count)
		f.retryAt = m.now().Add(delay)
		m.logger.Info("connect attempt failed",
			zap.Int64("min1", pair.A),
			zap.Int64("min2", pair.B),
			zap.Int("failures", f.count),
			zap.Duration("retry_in", delay),
			zap.String("reason", outcome.Reason))
		return landscape.TransitionState{}, false, nil
	}

	if graph.NewPair(outcome.Min1, outcome.Min2) != pair {
		e := errors.NewInvalidInput("transition state endpoints do not match the job's pair")
		e.Details = map[string]any{
			"want_min1": pair.A, "want_min2": pair.B,
			"got_min1": outcome.Min1, "got_min2": outcome.Min2,
		}
		return landscape.TransitionState{}, false, e
	}

	ts, isNew, err := m.store(outcome)
	if err != nil {
		return landscape.TransitionState{}, false, err
	}
	delete(m.inFlight, pair)
	delete(m.failures, pair)
	return ts, isNew, nil
}

// ApplyLateResult stores the result of an abandoned job through the normal dedup
// path. The in-flight set is left alone: the pair may already be held by the requeued job.
func (m *Manager) ApplyLateResult(outcome Outcome) (landscape.TransitionState, bool, error) {
	if outcome.Failed {
		return landscape.TransitionState{}, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store(outcome)
}

// store adds the transition state and, when new, the graph edge. Caller holds the lock.
func (m *Manager) store(outcome Outcome) (landscape.TransitionState, bool, error) {
	ts, isNew, err := m.db.AddTransitionState(outcome.Energy, outcome.Coords, outcome.Min1, outcome.Min2)
	if err != nil {
		return landscape.TransitionState{}, false, err
	}
	if isNew {
		if err := m.graph.ApplyEdge(ts.Min1, ts.Min2); err != nil {
			return ts, isNew, err
		}
	}
	return ts, isNew, nil
}

// Release returns pair to Untried without counting a failure.
func (m *Manager) Release(pair graph.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, graph.NewPair(pair.A, pair.B))
}

// State returns the lifecycle state of pair.
func (m *Manager) State(pair graph.Pair) PairState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(graph.NewPair(pair.A, pair.B))
}

func (m *Manager) stateLocked(pair graph.Pair) PairState {
	if m.graph.AreConnected(pair.A, pair.B) {
		return Connected
	}
	if _, ok := m.inFlight[pair]; ok {
		return InFlight
	}
	if f, ok := m.failures[pair]; ok && f.retryAt.After(m.now()) {
		return FailedRetryable
	}
	return Untried
}

// Failures returns how many times pair has failed since it was last connected.
func (m *Manager) Failures(pair graph.Pair) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.failures[graph.NewPair(pair.A, pair.B)]; ok {
		return f.count
	}
	return 0
}

// InFlight returns the reserved pairs ordered by id.
func (m *Manager) InFlight() []graph.Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]graph.Pair, 0, len(m.inFlight))
	for p := range m.inFlight {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b graph.Pair) int {
		if c := cmp.Compare(a.A, b.A); c != 0 {
			return c
		}
		return cmp.Compare(a.B, b.B)
	})
	return out
}

// Stats returns in-flight and failure counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := Stats{InFlight: len(m.inFlight), Failed: len(m.failures)}
	for _, f := range m.failures {
		if f.retryAt.After(now) {
			s.BackingOff++
		}
	}
	return s
}

// backoff returns base*2^(n-1) capped at the maximum.
func (m *Manager) backoff(n int) time.Duration {
	d := m.backoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= m.backoffMax {
			return m.backoffMax
		}
	}
	return min(d, m.backoffMax)
}
