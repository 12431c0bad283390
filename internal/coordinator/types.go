package coordinator

import (
	"github.com/hpungsan/landscape/internal/graph"
	"github.com/hpungsan/landscape/internal/landscape"
)

// Capability is a kind of work a worker can run.
type Capability string

const (
	CapBasinHopping Capability = "basinhopping"
	CapConnect      Capability = "connect"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c == CapBasinHopping || c == CapConnect
}

// JobKind mirrors Capability: a job of kind K needs a worker with capability K.
type JobKind = Capability

// WorkerState is the liveness state of a worker.
type WorkerState string

const (
	WorkerActive WorkerState = "active"
	WorkerStale  WorkerState = "stale"
	WorkerReaped WorkerState = "reaped"
)

// Worker is the coordinator-side handle of a remote worker process.
type Worker struct {
	ID            string       `json:"id"`
	Capabilities  []Capability `json:"capabilities"`
	JobID         string       `json:"job_id,omitempty"`
	State         WorkerState  `json:"state"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	RegisteredAt  int64        `json:"registered_at"`
}

// Can reports whether the worker has capability c.
func (w *Worker) Can(c Capability) bool {
	for _, have := range w.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobDispatched JobStatus = "dispatched"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobAbandoned  JobStatus = "abandoned"
)

// Finished reports whether no further result will be applied normally.
func (s JobStatus) Finished() bool {
	return s == JobCompleted || s == JobFailed || s == JobAbandoned
}

// JobParams is BasinHoppingParams or ConnectParams.
type JobParams interface {
	Kind() JobKind
	sealedParams()
}

// BasinHoppingParams configures a basin-hopping search. The numerics run on the worker.
type BasinHoppingParams struct {
	// SeedMinimumID is the minimum the search starts from, 0 for none.
	SeedMinimumID int64            `json:"seed_minimum_id,omitempty"`
	Seed          landscape.Coords `json:"seed,omitempty"`
	Steps         int              `json:"steps"`
	Temperature   float64          `json:"temperature"`
	StepSize      float64          `json:"stepsize"`
}

// ConnectParams names the two minima to connect, with their coordinates.
type ConnectParams struct {
	Min1 landscape.Minimum `json:"min1"`
	Min2 landscape.Minimum `json:"min2"`
}

// Pair returns the unordered pair of minimum ids.
func (p ConnectParams) Pair() graph.Pair {
	return graph.NewPair(p.Min1.ID, p.Min2.ID)
}

func (BasinHoppingParams) Kind() JobKind { return CapBasinHopping }
func (ConnectParams) Kind() JobKind      { return CapConnect }
func (BasinHoppingParams) sealedParams() {}
func (ConnectParams) sealedParams()      {}

// Job is one unit of work handed to a worker.
type Job struct {
	ID       string    `json:"id"`
	Kind     JobKind   `json:"kind"`
	Params   JobParams `json:"params"`
	WorkerID string    `json:"worker_id,omitempty"`
	Status   JobStatus `json:"status"`

	// RequeuedFrom is the abandoned job this one replaces.
	RequeuedFrom string `json:"requeued_from,omitempty"`

	// Reason explains a failed or discarded job.
	Reason string `json:"reason,omitempty"`

	CreatedAt    int64 `json:"created_at"`
	DispatchedAt int64 `json:"dispatched_at,omitempty"`
	FinishedAt   int64 `json:"finished_at,omitempty"`
}

// Result is NewMinimum, NewTransitionState or Failure.
type Result interface {
	sealedResult()
}

// NewMinimum reports a minimum found by a basin-hopping job.
type NewMinimum struct {
	Energy float64          `json:"energy"`
	Coords landscape.Coords `json:"coords"`
	Tag    string           `json:"tag,omitempty"`
}

// NewTransitionState reports a transition state found by a connect job.
type NewTransitionState struct {
	Energy float64          `json:"energy"`
	Coords landscape.Coords `json:"coords"`
	Min1   int64            `json:"min1_id"`
	Min2   int64            `json:"min2_id"`
}

// Failure reports that a job ran but found nothing.
type Failure struct {
	Reason string `json:"reason,omitempty"`
}

func (NewMinimum) sealedResult()         {}
func (NewTransitionState) sealedResult() {}
func (Failure) sealedResult()            {}

// Outcome labels how a submitted result was applied.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// SubmitOutcome is the reply to SubmitResult.
type SubmitOutcome struct {
	Outcome Outcome `json:"outcome"`

	// Late is set when the job had been abandoned before the result arrived.
	Late bool `json:"late"`

	MinimumID         int64 `json:"minimum_id,omitempty"`
	TransitionStateID int64 `json:"transition_state_id,omitempty"`
}

// Stats is a point-in-time summary for monitoring.
type Stats struct {
	Minima           int `json:"minima"`
	TransitionStates int `json:"transition_states"`

	Graph graph.Stats `json:"graph"`

	WorkersActive int `json:"workers_active"`
	WorkersStale  int `json:"workers_stale"`

	JobsPending    int `json:"jobs_pending"`
	JobsDispatched int `json:"jobs_dispatched"`
	JobsCompleted  int `json:"jobs_completed"`
	JobsFailed     int `json:"jobs_failed"`
	JobsAbandoned  int `json:"jobs_abandoned"`

	PairsInFlight   int `json:"pairs_in_flight"`
	PairsBackingOff int `json:"pairs_backing_off"`
}
