package transport

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hpungsan/landscape/internal/coordinator"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/landscape"
)

const maxBodyBytes = 4 << 20

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// register handles POST /v1/workers.
func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caps := make([]coordinator.Capability, len(req.Capabilities))
	for i, c := range req.Capabilities {
		caps[i] = coordinator.Capability(c)
	}

	worker, err := s.coord.RegisterWorker(caps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{
		WorkerID:            worker.ID,
		HeartbeatIntervalMS: s.coord.HeartbeatInterval().Milliseconds(),
		HeartbeatTimeoutMS:  s.coord.HeartbeatTimeout().Milliseconds(),
	})
}

// requestJob handles POST /v1/workers/{workerID}/jobs.
func (s *Server) requestJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.coord.RequestJob(chi.URLParam(r, "workerID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, JobResponse{RetryAfterMS: s.retryAfter.Milliseconds()})
		return
	}

	payload, err := jobPayload(job)
	if err != nil {
		s.writeError(w, r, errors.NewInternal(err))
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Available: true, Job: payload})
}

// submitResult handles POST /v1/workers/{workerID}/jobs/{jobID}/result.
func (s *Server) submitResult(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := req.Result()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out, err := s.coord.SubmitResult(chi.URLParam(r, "workerID"), chi.URLParam(r, "jobID"), result)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// heartbeat handles POST /v1/workers/{workerID}/heartbeat.
func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Heartbeat(chi.URLParam(r, "workerID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writePage(w, r, s.coord.Workers())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.coord.Jobs()
	if status := r.URL.Query().Get("status"); status != "" {
		jobs = slices.DeleteFunc(jobs, func(j coordinator.Job) bool {
			return string(j.Status) != status
		})
	}
	writePage(w, r, jobs)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Stats())
}

// listMinima handles GET /v1/landscape/minima. sort=energy orders by energy, then id.
func (s *Server) listMinima(w http.ResponseWriter, r *http.Request) {
	minima := slices.Collect(s.coord.Database().Minima())
	if r.URL.Query().Get("sort") == "energy" {
		slices.SortStableFunc(minima, func(a, b landscape.Minimum) int {
			return cmp.Compare(a.Energy, b.Energy)
		})
	}
	writePage(w, r, minima)
}

// listTransitionStates handles GET /v1/landscape/transition-states.
// With min1 and min2 only the transition states between them are listed.
func (s *Server) listTransitionStates(w http.ResponseWriter, r *http.Request) {
	db := s.coord.Database()
	q := r.URL.Query()
	if q.Has("min1") || q.Has("min2") {
		a, b, err := parsePair(r, "min1", "min2")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writePage(w, r, db.TransitionStatesBetween(a, b))
		return
	}
	writePage(w, r, slices.Collect(db.TransitionStates()))
}

func (s *Server) components(w http.ResponseWriter, r *http.Request) {
	writePage(w, r, s.coord.Graph().Components())
}

// connected handles GET /v1/landscape/connected?min1=&min2=.
func (s *Server) connected(w http.ResponseWriter, r *http.Request) {
	a, b, err := parsePair(r, "min1", "min2")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectedResponse{
		Min1:      a,
		Min2:      b,
		Connected: s.coord.Graph().AreConnected(a, b),
	})
}

// path handles GET /v1/landscape/path?from=&to=.
func (s *Server) path(w http.ResponseWriter, r *http.Request) {
	from, to, err := parsePair(r, "from", "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path, ok := s.coord.Graph().ShortestPath(from, to)
	writeJSON(w, http.StatusOK, PathResponse{From: from, To: to, Found: ok, Path: path})
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errors.NewInvalidInput("invalid request body: " + err.Error())
	}
	return validateStruct(into)
}

func parsePair(r *http.Request, first, second string) (int64, int64, error) {
	a, err := parseIDParam(r, first)
	if err != nil {
		return 0, 0, err
	}
	b, err := parseIDParam(r, second)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, errors.NewInvalidInput(name + " is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewInvalidInput(name + " must be a positive integer")
	}
	return id, nil
}

// parseIntParam extracts an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}

// writePage writes items[offset:offset+limit] with the total count.
func writePage[T any](w http.ResponseWriter, r *http.Request, items []T) {
	limit := min(parseIntParam(r, "limit", 100), 1000)
	if limit == 0 {
		limit = 100
	}
	offset := min(parseIntParam(r, "offset", 0), len(items))
	end := min(offset+limit, len(items))

	page := items[offset:end]
	if page == nil {
		page = []T{}
	}
	writeJSON(w, http.StatusOK, ListResponse[T]{
		Items:  page,
		Total:  len(items),
		Limit:  limit,
		Offset: offset,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError renders err as {"error":{...}}. Internal details are logged, never sent.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	lErr := errors.As(err)
	if lErr.Code == errors.ErrInternal {
		s.logger.Error("internal error",
			zap.String("path", r.URL.Path),
			zap.Any("details", lErr.Details))
	}
	writeJSON(w, lErr.Status, ErrorResponse{Error: ErrorBody{
		Code:    string(lErr.Code),
		Message: lErr.Message,
		Status:  lErr.Status,
	}})
}

func notFoundRoute(r *http.Request) error {
	return errors.NewNotFound("route", r.URL.Path)
}
