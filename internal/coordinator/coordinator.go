// Package coordinator dispatches basin-hopping and connect jobs to an elastic pool
// of workers and feeds their results into the landscape.
package coordinator

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/connect"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/graph"
	"github.com/hpungsan/landscape/internal/landscape"
	"github.com/hpungsan/landscape/internal/logging"
	"github.com/hpungsan/landscape/internal/metrics"
)

// Options configures a Coordinator.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReapInterval      time.Duration
	JobRetention      time.Duration

	// BasinHoppingFirst gives dual-capability workers basin-hopping work first.
	// By default they get connect work first.
	BasinHoppingFirst bool

	Params  ParamsSource
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// OptionsFromConfig maps configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		ReapInterval:      cfg.ReapInterval(),
		JobRetention:      cfg.JobRetention(),
		BasinHoppingFirst: cfg.BasinHoppingFirst,
		Params: GlobalMinimumSeed{
			Steps:       cfg.BasinHoppingSteps,
			Temperature: cfg.BasinHoppingTemperature,
			StepSize:    cfg.BasinHoppingStepSize,
		},
	}
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now. Tests use it to drive timeouts.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator owns jobs and worker handles. One mutex serialises every mutation,
// including the database, graph and manager updates it triggers.
type Coordinator struct {
	mu sync.Mutex

	db      *landscape.Database
	graph   *graph.Graph
	manager *connect.Manager

	opts    Options
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	workers map[string]*Worker
	reaped  map[string]int64 // worker id -> reaped at
	jobs    map[string]*Job
	pending []string // requeued job ids, FIFO

	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

// New creates a Coordinator over an existing database, graph and manager.
func New(db *landscape.Database, g *graph.Graph, mgr *connect.Manager, opts Options, options ...Option) *Coordinator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.HeartbeatTimeout < opts.HeartbeatInterval {
		opts.HeartbeatTimeout = 6 * opts.HeartbeatInterval
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = opts.HeartbeatInterval / 2
	}
	if opts.JobRetention <= 0 {
		opts.JobRetention = time.Hour
	}
	if opts.Params == nil {
		opts.Params = GlobalMinimumSeed{Steps: 1000, Temperature: 1.0, StepSize: 0.3}
	}

	c := &Coordinator{
		db:      db,
		graph:   g,
		manager: mgr,
		opts:    opts,
		now:     time.Now,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		workers: make(map[string]*Worker),
		reaped:  make(map[string]int64),
		jobs:    make(map[string]*Job),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Database returns the landscape database.
func (c *Coordinator) Database() *landscape.Database { return c.db }

// Graph returns the connectivity graph.
func (c *Coordinator) Graph() *graph.Graph { return c.graph }

// Manager returns the connect manager.
func (c *Coordinator) Manager() *connect.Manager { return c.manager }

// HeartbeatInterval is the interval workers are asked to heartbeat at.
func (c *Coordinator) HeartbeatInterval() time.Duration { return c.opts.HeartbeatInterval }

// HeartbeatTimeout is the silence after which a worker is reaped.
func (c *Coordinator) HeartbeatTimeout() time.Duration { return c.opts.HeartbeatTimeout }

// RegisterWorker admits a worker. There is no authentication beyond whatever the
// transport provides.
func (c *Coordinator) RegisterWorker(capabilities []Capability) (Worker, error) {
	caps, err := normalizeCapabilities(capabilities)
	if err != nil {
		return Worker{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	w := &Worker{
		ID:            uuid.NewString(),
		Capabilities:  caps,
		State:         WorkerActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	c.workers[w.ID] = w
	c.updateWorkerGauges()

	c.logger.Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.Strings("capabilities", capabilityStrings(caps)))
	return *w, nil
}

func normalizeCapabilities(in []Capability) ([]Capability, error) {
	var out []Capability
	for _, c := range in {
		c = Capability(strings.ToLower(strings.TrimSpace(string(c))))
		if !c.Valid() {
			return nil, errors.NewInvalidInput("unknown capability: " + string(c))
		}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, errors.NewInvalidInput("at least one capability is required")
	}
	slices.Sort(out)
	return out, nil
}

func capabilityStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// Heartbeat refreshes a worker's liveness.
func (c *Coordinator) Heartbeat(workerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.touch(workerID)
	return err
}

// touch refreshes liveness and returns the live worker. Caller holds the lock.
func (c *Coordinator) touch(workerID string) (*Worker, error) {
	w, ok := c.workers[workerID]
	if !ok {
		if _, gone := c.reaped[workerID]; gone {
			return nil, errors.NewWorkerTimeout(workerID)
		}
		return nil, errors.NewUnknownWorker(workerID)
	}
	w.LastHeartbeat = c.now().Unix()
	if w.State == WorkerStale {
		w.State = WorkerActive
		c.updateWorkerGauges()
		c.logger.Info("worker recovered", zap.String("worker_id", workerID))
	}
	return w, nil
}

// RequestJob hands the worker its next job, or nil when no work is available.
// A worker that already holds a dispatched job gets that job again.
func (c *Coordinator) RequestJob(workerID string) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.touch(workerID)
	if err != nil {
		return nil, err
	}

	if w.JobID != "" {
		if j, ok := c.jobs[w.JobID]; ok && j.Status == JobDispatched {
			out := *j
			return &out, nil
		}
		w.JobID = ""
	}

	order := []Capability{CapConnect, CapBasinHopping}
	if c.opts.BasinHoppingFirst {
		order = []Capability{CapBasinHopping, CapConnect}
	}
	for _, kind := range order {
		if !w.Can(kind) {
			continue
		}
		if j := c.nextJob(kind); j != nil {
			c.dispatch(j, w)
			out := *j
			return &out, nil
		}
	}

	c.metrics.NoWork()
	return nil, nil
}

// nextJob returns a pending requeued job of kind, or a fresh one. Caller holds the lock.
func (c *Coordinator) nextJob(kind JobKind) *Job {
	for i := 0; i < len(c.pending); i++ {
		j := c.jobs[c.pending[i]]
		if j == nil || j.Kind != kind {
			continue
		}
		c.pending = slices.Delete(c.pending, i, i+1)
		i--

		if cp, ok := j.Params.(ConnectParams); ok {
			if !c.manager.Reserve(cp.Pair(), j.ID) {
				j.Status = JobFailed
				j.Reason = "pair no longer eligible"
				j.FinishedAt = c.now().Unix()
				c.logger.Info("requeued connect job discarded",
					zap.String("job_id", j.ID),
					zap.Int64("min1", cp.Min1.ID),
					zap.Int64("min2", cp.Min2.ID))
				continue
			}
		}
		return j
	}

	switch kind {
	case CapConnect:
		id := ulid.Make().String()
		spec, ok := c.manager.NextConnectJob(id)
		if !ok {
			return nil
		}
		return c.newJob(id, ConnectParams{Min1: spec.Min1, Min2: spec.Min2})
	case CapBasinHopping:
		params, ok := c.opts.Params.BasinHoppingParams(c.db)
		if !ok {
			return nil
		}
		return c.newJob(ulid.Make().String(), params)
	}
	return nil
}

func (c *Coordinator) newJob(id string, params JobParams) *Job {
	j := &Job{
		ID:        id,
		Kind:      params.Kind(),
		Params:    params,
		Status:    JobPending,
		CreatedAt: c.now().Unix(),
	}
	c.jobs[id] = j
	return j
}

func (c *Coordinator) dispatch(j *Job, w *Worker) {
	j.Status = JobDispatched
	j.WorkerID = w.ID
	j.DispatchedAt = c.now().Unix()
	w.JobID = j.ID

	c.metrics.Dispatched(string(j.Kind))
	c.updateJobGauges()
	c.logger.Info("job dispatched",
		zap.String("job_id", j.ID),
		zap.String("kind", string(j.Kind)),
		zap.String("worker_id", w.ID),
		zap.String("requeued_from", j.RequeuedFrom))
}

// SubmitResult applies a worker's result. Results for finished jobs are accepted
// and ignored whatever their kind; results for abandoned jobs are applied only
// if they are novel.
func (c *Coordinator) SubmitResult(workerID, jobID string, result Result) (SubmitOutcome, error) {
	if result == nil {
		return SubmitOutcome{}, errors.NewInvalidInput("result is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w, err := c.touch(workerID)
	if err != nil && !errors.Is(err, errors.ErrWorkerTimeout) {
		return SubmitOutcome{}, err
	}

	j, ok := c.jobs[jobID]
	if !ok || j.WorkerID != workerID {
		return SubmitOutcome{}, errors.NewUnknownJob(jobID)
	}
	if j.Status == JobCompleted || j.Status == JobFailed {
		c.logger.Info("result for finished job ignored",
			zap.String("job_id", j.ID),
			zap.String("worker_id", workerID),
			zap.String("status", string(j.Status)))
		c.metrics.Result(string(j.Kind), string(OutcomeIgnored))
		return SubmitOutcome{Outcome: OutcomeIgnored}, nil
	}
	if err := checkResultKind(j, result); err != nil {
		return SubmitOutcome{}, err
	}

	switch j.Status {
	case JobAbandoned:
		return c.applyLate(j, result)
	case JobDispatched:
		// handled below
	default:
		return SubmitOutcome{}, errors.NewUnknownJob(jobID)
	}

	out, err := c.apply(j, result)
	if err != nil {
		return SubmitOutcome{}, err
	}

	j.FinishedAt = c.now().Unix()
	if out.Outcome == OutcomeFailed {
		j.Status = JobFailed
		if f, ok := result.(Failure); ok {
			j.Reason = f.Reason
		}
	} else {
		j.Status = JobCompleted
	}
	if w != nil && w.JobID == j.ID {
		w.JobID = ""
	}

	c.metrics.Result(string(j.Kind), string(out.Outcome))
	c.updateJobGauges()
	c.logger.Info("job finished",
		zap.String("job_id", j.ID),
		zap.String("kind", string(j.Kind)),
		zap.String("worker_id", workerID),
		zap.String("outcome", string(out.Outcome)))
	return out, nil
}

func checkResultKind(j *Job, result Result) error {
	switch result.(type) {
	case Failure:
		return nil
	case NewMinimum:
		if j.Kind == CapBasinHopping {
			return nil
		}
	case NewTransitionState:
		if j.Kind == CapConnect {
			return nil
		}
	}
	e := errors.NewInvalidInput("result kind does not match job kind")
	e.Details = map[string]any{"job_id": j.ID, "job_kind": string(j.Kind)}
	return e
}

// apply routes a result for a dispatched job. Caller holds the lock.
// On error nothing has changed.
func (c *Coordinator) apply(j *Job, result Result) (SubmitOutcome, error) {
	switch r := result.(type) {
	case NewMinimum:
		return c.addMinimum(r)

	case NewTransitionState:
		cp := j.Params.(ConnectParams)
		ts, isNew, err := c.manager.OnJobResult(cp.Pair(), connect.Outcome{
			Energy: r.Energy, Coords: r.Coords, Min1: r.Min1, Min2: r.Min2,
		})
		if err != nil {
			return SubmitOutcome{}, err
		}
		c.refreshLandscapeGauges()
		return SubmitOutcome{Outcome: outcomeFor(isNew), TransitionStateID: ts.ID}, nil

	case Failure:
		if cp, ok := j.Params.(ConnectParams); ok {
			if _, _, err := c.manager.OnJobResult(cp.Pair(), connect.Outcome{Failed: true, Reason: r.Reason}); err != nil {
				return SubmitOutcome{}, err
			}
		}
		return SubmitOutcome{Outcome: OutcomeFailed}, nil
	}
	return SubmitOutcome{}, errors.NewInvalidInput("unsupported result")
}

// applyLate handles a result for an abandoned job through the normal dedup path.
func (c *Coordinator) applyLate(j *Job, result Result) (SubmitOutcome, error) {
	var (
		out SubmitOutcome
		err error
	)
	switch r := result.(type) {
	case NewMinimum:
		out, err = c.addMinimum(r)
	case NewTransitionState:
		cp := j.Params.(ConnectParams)
		if graph.NewPair(r.Min1, r.Min2) != cp.Pair() {
			return SubmitOutcome{}, errors.NewInvalidInput("transition state endpoints do not match the job's pair")
		}
		var (
			ts    landscape.TransitionState
			isNew bool
		)
		ts, isNew, err = c.manager.ApplyLateResult(connect.Outcome{
			Energy: r.Energy, Coords: r.Coords, Min1: r.Min1, Min2: r.Min2,
		})
		if err == nil {
			c.refreshLandscapeGauges()
			out = SubmitOutcome{Outcome: outcomeFor(isNew), TransitionStateID: ts.ID}
		}
	case Failure:
		out = SubmitOutcome{Outcome: OutcomeIgnored}
	}
	if err != nil {
		return SubmitOutcome{}, err
	}

	out.Late = true
	c.metrics.Result(string(j.Kind), string(out.Outcome))
	c.logger.Info("late result for abandoned job",
		zap.String("job_id", j.ID),
		zap.String("worker_id", j.WorkerID),
		zap.String("outcome", string(out.Outcome)))
	return out, nil
}

func (c *Coordinator) addMinimum(r NewMinimum) (SubmitOutcome, error) {
	m, isNew, err := c.db.AddTaggedMinimum(r.Energy, r.Coords, r.Tag)
	if err != nil {
		return SubmitOutcome{}, err
	}
	if isNew {
		c.graph.AddNode(m.ID, m.Energy)
	}
	c.refreshLandscapeGauges()
	return SubmitOutcome{Outcome: outcomeFor(isNew), MinimumID: m.ID}, nil
}

func outcomeFor(isNew bool) Outcome {
	if isNew {
		return OutcomeNew
	}
	return OutcomeDuplicate
}

// Job returns a copy of the job with the given id.
func (c *Coordinator) Job(id string) (Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Jobs returns copies of all retained jobs, oldest first.
func (c *Coordinator) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, *j)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Workers returns copies of all live workers, oldest first.
func (c *Coordinator) Workers() []Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Worker, 0, len(c.workers))
	for _, w := range c.workers {
		cp := *w
		cp.Capabilities = slices.Clone(w.Capabilities)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b Worker) int {
		if a.RegisteredAt != b.RegisteredAt {
			return int(a.RegisteredAt - b.RegisteredAt)
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Stats summarises the coordinator, database, graph and manager.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	s.Minima, s.TransitionStates = c.db.Counts()
	s.Graph = c.graph.Stats()
	for _, w := range c.workers {
		switch w.State {
		case WorkerActive:
			s.WorkersActive++
		case WorkerStale:
			s.WorkersStale++
		}
	}
	for _, j := range c.jobs {
		switch j.Status {
		case JobPending:
			s.JobsPending++
		case JobDispatched:
			s.JobsDispatched++
		case JobCompleted:
			s.JobsCompleted++
		case JobFailed:
			s.JobsFailed++
		case JobAbandoned:
			s.JobsAbandoned++
		}
	}
	ms := c.manager.Stats()
	s.PairsInFlight = ms.InFlight
	s.PairsBackingOff = ms.BackingOff
	return s
}

func (c *Coordinator) refreshLandscapeGauges() {
	if c.metrics == nil {
		return
	}
	minima, tss := c.db.Counts()
	c.metrics.SetLandscape(minima, tss, c.graph.Stats().Components)
}

func (c *Coordinator) updateWorkerGauges() {
	if c.metrics == nil {
		return
	}
	var active, stale int
	for _, w := range c.workers {
		if w.State == WorkerStale {
			stale++
		} else {
			active++
		}
	}
	c.metrics.SetWorkers(active, stale)
}

func (c *Coordinator) updateJobGauges() {
	if c.metrics == nil {
		return
	}
	n := 0
	for _, j := range c.jobs {
		if j.Status == JobDispatched {
			n++
		}
	}
	c.metrics.SetInFlight(n)
}
