package transport

import (
	"encoding/json"

	"github.com/hpungsan/landscape/internal/coordinator"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/landscape"
)

// RegisterRequest is the body of POST /v1/workers.
type RegisterRequest struct {
	Capabilities []string `json:"capabilities" validate:"required,min=1,dive,oneof=basinhopping connect"`
}

// RegisterResponse tells a new worker its id and heartbeat cadence.
type RegisterResponse struct {
	WorkerID            string `json:"worker_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int64  `json:"heartbeat_timeout_ms"`
}

// JobResponse is the reply to POST /v1/workers/{id}/jobs.
type JobResponse struct {
	Available    bool        `json:"available"`
	Job          *JobPayload `json:"job,omitempty"`
	RetryAfterMS int64       `json:"retry_after_ms,omitempty"`
}

// JobPayload is a job on the wire. Params decode according to Kind.
type JobPayload struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	RequeuedFrom string          `json:"requeued_from,omitempty"`
	Params       json.RawMessage `json:"params"`
}

func jobPayload(j *coordinator.Job) (*JobPayload, error) {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return nil, err
	}
	return &JobPayload{
		ID:           j.ID,
		Kind:         string(j.Kind),
		RequeuedFrom: j.RequeuedFrom,
		Params:       params,
	}, nil
}

// Job decodes the payload back into a coordinator job.
func (p *JobPayload) Job() (*coordinator.Job, error) {
	j := &coordinator.Job{
		ID:           p.ID,
		Kind:         coordinator.JobKind(p.Kind),
		RequeuedFrom: p.RequeuedFrom,
		Status:       coordinator.JobDispatched,
	}
	switch j.Kind {
	case coordinator.CapBasinHopping:
		var bh coordinator.BasinHoppingParams
		if err := json.Unmarshal(p.Params, &bh); err != nil {
			return nil, err
		}
		j.Params = bh
	case coordinator.CapConnect:
		var cp coordinator.ConnectParams
		if err := json.Unmarshal(p.Params, &cp); err != nil {
			return nil, err
		}
		j.Params = cp
	default:
		return nil, errors.NewInvalidInput("unknown job kind: " + p.Kind)
	}
	return j, nil
}

// SubmitRequest carries exactly one of NewMinimum, NewTransitionState or Failure.
type SubmitRequest struct {
	NewMinimum         *MinimumPayload         `json:"new_minimum,omitempty"`
	NewTransitionState *TransitionStatePayload `json:"new_transition_state,omitempty"`
	Failure            *FailurePayload         `json:"failure,omitempty"`
}

// MinimumPayload is a reported minimum.
type MinimumPayload struct {
	Energy *float64  `json:"energy" validate:"required"`
	Coords []float64 `json:"coords" validate:"required,min=1"`
	Tag    string    `json:"tag,omitempty" validate:"max=128"`
}

// TransitionStatePayload is a reported transition state.
type TransitionStatePayload struct {
	Energy *float64  `json:"energy" validate:"required"`
	Coords []float64 `json:"coords" validate:"required,min=1"`
	Min1   int64     `json:"min1_id" validate:"gt=0"`
	Min2   int64     `json:"min2_id" validate:"gt=0,nefield=Min1"`
}

// FailurePayload reports a job that found nothing.
type FailurePayload struct {
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

// Result converts the request into a coordinator result.
func (r *SubmitRequest) Result() (coordinator.Result, error) {
	n := 0
	for _, set := range []bool{r.NewMinimum != nil, r.NewTransitionState != nil, r.Failure != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return nil, errors.NewInvalidInput("exactly one of new_minimum, new_transition_state or failure is required")
	}

	switch {
	case r.NewMinimum != nil:
		return coordinator.NewMinimum{
			Energy: *r.NewMinimum.Energy,
			Coords: landscape.Coords(r.NewMinimum.Coords),
			Tag:    r.NewMinimum.Tag,
		}, nil
	case r.NewTransitionState != nil:
		return coordinator.NewTransitionState{
			Energy: *r.NewTransitionState.Energy,
			Coords: landscape.Coords(r.NewTransitionState.Coords),
			Min1:   r.NewTransitionState.Min1,
			Min2:   r.NewTransitionState.Min2,
		}, nil
	default:
		return coordinator.Failure{Reason: r.Failure.Reason}, nil
	}
}

// submitRequestFor builds the wire form of a result.
func submitRequestFor(result coordinator.Result) (*SubmitRequest, error) {
	switch r := result.(type) {
	case coordinator.NewMinimum:
		e := r.Energy
		return &SubmitRequest{NewMinimum: &MinimumPayload{Energy: &e, Coords: r.Coords, Tag: r.Tag}}, nil
	case coordinator.NewTransitionState:
		e := r.Energy
		return &SubmitRequest{NewTransitionState: &TransitionStatePayload{
			Energy: &e, Coords: r.Coords, Min1: r.Min1, Min2: r.Min2,
		}}, nil
	case coordinator.Failure:
		return &SubmitRequest{Failure: &FailurePayload{Reason: r.Reason}}, nil
	}
	return nil, errors.NewInvalidInput("result is required")
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody mirrors errors.LandscapeError without internal details.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// ListResponse wraps a page of items.
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ConnectedResponse is the reply to GET /v1/landscape/connected.
type ConnectedResponse struct {
	Min1      int64 `json:"min1"`
	Min2      int64 `json:"min2"`
	Connected bool  `json:"connected"`
}

// PathResponse is the reply to GET /v1/landscape/path.
type PathResponse struct {
	From  int64   `json:"from"`
	To    int64   `json:"to"`
	Found bool    `json:"found"`
	Path  []int64 `json:"path,omitempty"`
}
