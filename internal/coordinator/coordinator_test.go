package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/landscape/internal/connect"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/graph"
	"github.com/hpungsan/landscape/internal/landscape"
	"github.com/hpungsan/landscape/internal/metrics"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	coord *Coordinator
	db    *landscape.Database
	graph *graph.Graph
	mgr   *connect.Manager
	clock *testClock
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	db := landscape.NewDatabase(landscape.Options{
		EnergyTolerance: 1e-3,
		Comparer:        landscape.DistanceComparer{Tolerance: 1e-2},
		Now:             clock.Now,
	})
	g := graph.New()
	mgr := connect.NewManager(db, g, connect.Options{
		Policy:      graph.EnergyGapPolicy{Width: 1},
		BackoffBase: 10 * time.Second,
		BackoffMax:  time.Minute,
		Now:         clock.Now,
	})
	opts := Options{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		ReapInterval:      5 * time.Second,
		JobRetention:      time.Hour,
		Params:            GlobalMinimumSeed{Steps: 100, Temperature: 1, StepSize: 0.5},
		Metrics:           metrics.New("test"),
	}
	for _, m := range mutate {
		m(&opts)
	}
	coord := New(db, g, mgr, opts, WithClock(clock.Now))
	return &harness{coord: coord, db: db, graph: g, mgr: mgr, clock: clock}
}

// seed adds A(E=1.0), B(E=1.2), C(E=0.9) as ids 1, 2, 3.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	w := h.register(t, CapBasinHopping)
	for _, m := range []NewMinimum{
		{Energy: 1.0, Coords: landscape.Coords{0, 0}},
		{Energy: 1.2, Coords: landscape.Coords{1, 0}},
		{Energy: 0.9, Coords: landscape.Coords{2, 0}},
	} {
		job, err := h.coord.RequestJob(w.ID)
		require.NoError(t, err)
		require.NotNil(t, job)
		out, err := h.coord.SubmitResult(w.ID, job.ID, m)
		require.NoError(t, err)
		require.Equal(t, OutcomeNew, out.Outcome)
	}
}

func (h *harness) register(t *testing.T, caps ...Capability) Worker {
	t.Helper()
	w, err := h.coord.RegisterWorker(caps)
	require.NoError(t, err)
	return w
}

func connectResult(job *Job, energy float64) NewTransitionState {
	cp := job.Params.(ConnectParams)
	return NewTransitionState{
		Energy: energy,
		Coords: landscape.Coords{float64(cp.Min1.ID), float64(cp.Min2.ID)},
		Min1:   cp.Min1.ID,
		Min2:   cp.Min2.ID,
	}
}

func TestRegisterWorker(t *testing.T) {
	h := newHarness(t)

	w, err := h.coord.RegisterWorker([]Capability{"Connect", CapBasinHopping, CapConnect})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, []Capability{CapBasinHopping, CapConnect}, w.Capabilities)
	assert.Equal(t, WorkerActive, w.State)

	_, err = h.coord.RegisterWorker(nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	_, err = h.coord.RegisterWorker([]Capability{"optimize"})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestRequestJob_ConnectFirstForDualWorkers(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	w := h.register(t, CapBasinHopping, CapConnect)
	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, CapConnect, job.Kind)
	cp := job.Params.(ConnectParams)
	assert.Equal(t, graph.Pair{A: 1, B: 3}, cp.Pair())
	assert.Equal(t, landscape.Coords{0, 0}, cp.Min1.Coords)
	assert.Equal(t, connect.InFlight, h.mgr.State(cp.Pair()))
}

func TestRequestJob_BasinHoppingFirst(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BasinHoppingFirst = true })
	h.seed(t)

	w := h.register(t, CapBasinHopping, CapConnect)
	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, CapBasinHopping, job.Kind)
	bh := job.Params.(BasinHoppingParams)
	assert.Equal(t, int64(3), bh.SeedMinimumID, "seeded from the global minimum")
	assert.Equal(t, 100, bh.Steps)
}

func TestRequestJob_RedeliversCurrentJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	w := h.register(t, CapConnect)

	first, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	again, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestRequestJob_NoWorkAvailable(t *testing.T) {
	h := newHarness(t)
	w := h.register(t, CapConnect)

	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRequestJob_UnknownWorker(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.RequestJob("nope")
	assert.True(t, errors.Is(err, errors.ErrUnknownWorker))
	assert.True(t, errors.Is(h.coord.Heartbeat("nope"), errors.ErrUnknownWorker))
}

func TestSubmitResult_ConnectSuccessThenDuplicateSubmission(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	w := h.register(t, CapConnect)

	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)

	out, err := h.coord.SubmitResult(w.ID, job.ID, connectResult(job, 2.0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, out.Outcome)
	assert.NotZero(t, out.TransitionStateID)
	assert.True(t, h.graph.AreConnected(1, 3))

	stored, ok := h.coord.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, JobCompleted, stored.Status)

	out, err = h.coord.SubmitResult(w.ID, job.ID, connectResult(job, 2.0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	_, tss := h.db.Counts()
	assert.Equal(t, 1, tss)
}

func TestSubmitResult_ConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	w := h.register(t, CapConnect)

	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	pair := job.Params.(ConnectParams).Pair()

	out, err := h.coord.SubmitResult(w.ID, job.ID, Failure{Reason: "no saddle"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out.Outcome)
	assert.Equal(t, connect.FailedRetryable, h.mgr.State(pair))

	stored, _ := h.coord.Job(job.ID)
	assert.Equal(t, JobFailed, stored.Status)
	assert.Equal(t, "no saddle", stored.Reason)
}

func TestSubmitResult_UnknownJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	a := h.register(t, CapConnect)
	b := h.register(t, CapConnect)

	_, err := h.coord.SubmitResult(a.ID, "01FORGED", Failure{})
	assert.True(t, errors.Is(err, errors.ErrUnknownJob))

	job, err := h.coord.RequestJob(a.ID)
	require.NoError(t, err)
	_, err = h.coord.SubmitResult(b.ID, job.ID, connectResult(job, 2.0))
	assert.True(t, errors.Is(err, errors.ErrUnknownJob), "job owned by another worker")
}

func TestSubmitResult_KindMismatchLeavesJobUnchanged(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	w := h.register(t, CapConnect)

	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)

	_, err = h.coord.SubmitResult(w.ID, job.ID, NewMinimum{Energy: 5, Coords: landscape.Coords{9, 9}})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	stored, _ := h.coord.Job(job.ID)
	assert.Equal(t, JobDispatched, stored.Status)
}

func TestSubmitResult_FinishedJobIgnoresAnyKind(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	w := h.register(t, CapConnect)

	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	_, err = h.coord.SubmitResult(w.ID, job.ID, connectResult(job, 2.0))
	require.NoError(t, err)
	minima, _ := h.db.Counts()

	out, err := h.coord.SubmitResult(w.ID, job.ID, NewMinimum{Energy: 5, Coords: landscape.Coords{9, 9}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)

	stored, _ := h.coord.Job(job.ID)
	assert.Equal(t, JobCompleted, stored.Status)
	after, _ := h.db.Counts()
	assert.Equal(t, minima, after)

	hopper := h.register(t, CapBasinHopping)
	failed, err := h.coord.RequestJob(hopper.ID)
	require.NoError(t, err)
	require.NotNil(t, failed)
	_, err = h.coord.SubmitResult(hopper.ID, failed.ID, Failure{Reason: "diverged"})
	require.NoError(t, err)

	out, err = h.coord.SubmitResult(hopper.ID, failed.ID, connectResult(job, 3.0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	stored, _ = h.coord.Job(failed.ID)
	assert.Equal(t, JobFailed, stored.Status)
}

func TestSubmitResult_InvalidCoordsLeavesJobUnchanged(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	w := h.register(t, CapBasinHopping)

	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	_, err = h.coord.SubmitResult(w.ID, job.ID, NewMinimum{Energy: 1, Coords: landscape.Coords{1, 2, 3}})
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))

	stored, _ := h.coord.Job(job.ID)
	assert.Equal(t, JobDispatched, stored.Status)
}

func TestConcurrentIdenticalMinima(t *testing.T) {
	h := newHarness(t)
	a := h.register(t, CapBasinHopping)
	b := h.register(t, CapBasinHopping)

	jobA, err := h.coord.RequestJob(a.ID)
	require.NoError(t, err)
	jobB, err := h.coord.RequestJob(b.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([]SubmitOutcome, 2)
	for i, sub := range []struct{ worker, job string }{{a.ID, jobA.ID}, {b.ID, jobB.ID}} {
		wg.Add(1)
		go func(i int, worker, job string) {
			defer wg.Done()
			out, err := h.coord.SubmitResult(worker, job, NewMinimum{Energy: -4.2, Coords: landscape.Coords{1, 1, 1}})
			if err != nil {
				t.Errorf("SubmitResult() error = %v", err)
			}
			outs[i] = out
		}(i, sub.worker, sub.job)
	}
	wg.Wait()

	minima, _ := h.db.Counts()
	assert.Equal(t, 1, minima)
	assert.Equal(t, outs[0].MinimumID, outs[1].MinimumID)
	assert.ElementsMatch(t, []Outcome{OutcomeNew, OutcomeDuplicate}, []Outcome{outs[0].Outcome, outs[1].Outcome})
	assert.Equal(t, 1, h.graph.Stats().Nodes)
}

func TestReap_TimeoutRequeuesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	w := h.register(t, CapConnect)

	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	pair := job.Params.(ConnectParams).Pair()

	h.clock.Advance(10 * time.Second)
	report := h.coord.Reap(h.clock.Now())
	assert.Contains(t, report.Stale, w.ID)
	assert.Empty(t, report.Reaped)

	h.clock.Advance(20 * time.Second)
	report = h.coord.Reap(h.clock.Now())
	assert.Contains(t, report.Reaped, w.ID)
	require.Len(t, report.Requeued, 1)
	assert.Equal(t, connect.Untried, h.mgr.State(pair), "pair eligible again")

	report = h.coord.Reap(h.clock.Now())
	assert.Empty(t, report.Requeued, "no second requeue")

	old, _ := h.coord.Job(job.ID)
	assert.Equal(t, JobAbandoned, old.Status)

	pending := 0
	for _, j := range h.coord.Jobs() {
		if j.RequeuedFrom == job.ID {
			pending++
			assert.Equal(t, JobPending, j.Status)
		}
	}
	assert.Equal(t, 1, pending)

	assert.True(t, errors.Is(h.coord.Heartbeat(w.ID), errors.ErrWorkerTimeout))
	_, err = h.coord.RequestJob(w.ID)
	assert.True(t, errors.Is(err, errors.ErrWorkerTimeout))

	// The pair is handed out again, through the requeued job
	other := h.register(t, CapConnect)
	next, err := h.coord.RequestJob(other.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ID, next.RequeuedFrom)
	assert.Equal(t, pair, next.Params.(ConnectParams).Pair())
}

func TestHeartbeat_KeepsWorkerAlive(t *testing.T) {
	h := newHarness(t)
	w := h.register(t, CapBasinHopping)

	for i := 0; i < 5; i++ {
		h.clock.Advance(9 * time.Second)
		require.NoError(t, h.coord.Heartbeat(w.ID))
		report := h.coord.Reap(h.clock.Now())
		assert.Empty(t, report.Stale)
		assert.Empty(t, report.Reaped)
	}

	h.clock.Advance(15 * time.Second)
	report := h.coord.Reap(h.clock.Now())
	assert.Equal(t, []string{w.ID}, report.Stale)
	require.NoError(t, h.coord.Heartbeat(w.ID))
	assert.Equal(t, WorkerActive, h.coord.Workers()[0].State, "stale worker recovers on heartbeat")
}

func TestLateResult_AcceptedOnlyIfNovel(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	slow := h.register(t, CapConnect)

	job, err := h.coord.RequestJob(slow.ID)
	require.NoError(t, err)

	h.clock.Advance(31 * time.Second)
	h.coord.Reap(h.clock.Now())

	// The requeued job is picked up and finished first
	fast := h.register(t, CapConnect)
	redo, err := h.coord.RequestJob(fast.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, redo.RequeuedFrom)
	out, err := h.coord.SubmitResult(fast.ID, redo.ID, connectResult(redo, 2.0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, out.Outcome)

	// The original worker reports the same saddle late
	out, err = h.coord.SubmitResult(slow.ID, job.ID, connectResult(job, 2.0))
	require.NoError(t, err)
	assert.True(t, out.Late)
	assert.Equal(t, OutcomeDuplicate, out.Outcome)
	_, tss := h.db.Counts()
	assert.Equal(t, 1, tss)

	// A different saddle is still novel
	novel := connectResult(job, 3.0)
	novel.Coords = landscape.Coords{7, 7}
	out, err = h.coord.SubmitResult(slow.ID, job.ID, novel)
	require.NoError(t, err)
	assert.True(t, out.Late)
	assert.Equal(t, OutcomeNew, out.Outcome)
}

func TestLateResult_DiscardsStaleRequeuedJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	slow := h.register(t, CapConnect)

	job, err := h.coord.RequestJob(slow.ID)
	require.NoError(t, err)
	pair := job.Params.(ConnectParams).Pair()

	h.clock.Advance(31 * time.Second)
	report := h.coord.Reap(h.clock.Now())
	require.Len(t, report.Requeued, 1)

	out, err := h.coord.SubmitResult(slow.ID, job.ID, connectResult(job, 2.0))
	require.NoError(t, err)
	assert.True(t, out.Late)
	assert.Equal(t, OutcomeNew, out.Outcome)
	assert.Equal(t, connect.Connected, h.mgr.State(pair))

	// The requeued copy is no longer useful and is dropped at dispatch
	other := h.register(t, CapConnect)
	next, err := h.coord.RequestJob(other.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Empty(t, next.RequeuedFrom)
	assert.NotEqual(t, pair, next.Params.(ConnectParams).Pair())

	requeued, _ := h.coord.Job(report.Requeued[0])
	assert.Equal(t, JobFailed, requeued.Status)
}

func TestReap_PrunesFinishedJobs(t *testing.T) {
	h := newHarness(t)
	w := h.register(t, CapBasinHopping)

	job, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)
	_, err = h.coord.SubmitResult(w.ID, job.ID, NewMinimum{Energy: 1, Coords: landscape.Coords{0}})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		h.clock.Advance(9 * time.Minute)
		require.NoError(t, h.coord.Heartbeat(w.ID))
		h.coord.Reap(h.clock.Now())
	}
	_, ok := h.coord.Job(job.ID)
	assert.False(t, ok)

	_, err = h.coord.SubmitResult(w.ID, job.ID, NewMinimum{Energy: 1, Coords: landscape.Coords{0}})
	assert.True(t, errors.Is(err, errors.ErrUnknownJob))
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	w := h.register(t, CapConnect)
	_, err := h.coord.RequestJob(w.ID)
	require.NoError(t, err)

	s := h.coord.Stats()
	assert.Equal(t, 3, s.Minima)
	assert.Equal(t, 3, s.Graph.Components)
	assert.Equal(t, 2, s.WorkersActive)
	assert.Equal(t, 1, s.JobsDispatched)
	assert.Equal(t, 3, s.JobsCompleted)
	assert.Equal(t, 1, s.PairsInFlight)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ReapInterval = 5 * time.Millisecond })
	w := h.register(t, CapBasinHopping)

	h.coord.Start(context.Background())
	defer h.coord.Stop()

	h.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		return len(h.coord.Workers()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, errors.Is(h.coord.Heartbeat(w.ID), errors.ErrWorkerTimeout))
}
