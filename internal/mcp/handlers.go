package mcp

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/coordinator"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/graph"
	"github.com/hpungsan/landscape/internal/landscape"
	"github.com/hpungsan/landscape/internal/ops"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	coord *coordinator.Coordinator
	cfg   *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(coord *coordinator.Coordinator, cfg *config.Config) *Handlers {
	return &Handlers{coord: coord, cfg: cfg}
}

// PageRequest carries the paging arguments shared by list tools.
type PageRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// MinimaRequest represents the arguments for landscape_minima.
type MinimaRequest struct {
	PageRequest
	Sort string `json:"sort,omitempty"`
}

// TransitionStatesRequest represents the arguments for landscape_transition_states.
type TransitionStatesRequest struct {
	PageRequest
	Min1 int64 `json:"min1,omitempty"`
	Min2 int64 `json:"min2,omitempty"`
}

// ConnectedRequest represents the arguments for landscape_connected.
type ConnectedRequest struct {
	Min1 int64 `json:"min1"`
	Min2 int64 `json:"min2"`
}

// PathRequest represents the arguments for landscape_path.
type PathRequest struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// ExportRequest represents the arguments for landscape_export.
type ExportRequest struct {
	Path   string `json:"path,omitempty"`
	Format string `json:"format,omitempty"`
	Label  string `json:"label,omitempty"`
}

// JobsRequest represents the arguments for jobs_list.
type JobsRequest struct {
	PageRequest
	Status string `json:"status,omitempty"`
}

// Pagination contains pagination metadata for list tools.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// ListOutput is one page of a list tool.
type ListOutput[T any] struct {
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// ConnectedOutput is the result of landscape_connected.
type ConnectedOutput struct {
	Min1      int64 `json:"min1"`
	Min2      int64 `json:"min2"`
	Connected bool  `json:"connected"`
}

// PathOutput is the result of landscape_path.
type PathOutput struct {
	From  int64   `json:"from"`
	To    int64   `json:"to"`
	Found bool    `json:"found"`
	Path  []int64 `json:"path"`
}

// HandleStats handles the landscape_stats tool call.
func (h *Handlers) HandleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(h.coord.Stats())
}

// HandleMinima handles the landscape_minima tool call.
func (h *Handlers) HandleMinima(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MinimaRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	minima := slices.Collect(h.coord.Database().Minima())
	switch input.Sort {
	case "", "id":
	case "energy":
		slices.SortStableFunc(minima, func(a, b landscape.Minimum) int {
			return cmp.Compare(a.Energy, b.Energy)
		})
	default:
		return errorResult(errors.NewInvalidInput("sort must be id or energy")), nil
	}

	return pageResult(minima, input.PageRequest)
}

// HandleTransitionStates handles the landscape_transition_states tool call.
func (h *Handlers) HandleTransitionStates(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[TransitionStatesRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	db := h.coord.Database()
	if input.Min1 == 0 && input.Min2 == 0 {
		return pageResult(slices.Collect(db.TransitionStates()), input.PageRequest)
	}
	if err := validatePair("min1", input.Min1, "min2", input.Min2); err != nil {
		return errorResult(err), nil
	}
	return pageResult(db.TransitionStatesBetween(input.Min1, input.Min2), input.PageRequest)
}

// HandleComponents handles the landscape_components tool call.
func (h *Handlers) HandleComponents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PageRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	comps := h.coord.Graph().Components()
	slices.SortStableFunc(comps, func(a, b graph.Component) int {
		return cmp.Compare(len(b.Members), len(a.Members))
	})
	return pageResult(comps, input)
}

// HandleConnected handles the landscape_connected tool call.
func (h *Handlers) HandleConnected(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ConnectedRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}
	if err := validatePair("min1", input.Min1, "min2", input.Min2); err != nil {
		return errorResult(err), nil
	}

	return successResult(ConnectedOutput{
		Min1:      input.Min1,
		Min2:      input.Min2,
		Connected: h.coord.Graph().AreConnected(input.Min1, input.Min2),
	})
}

// HandlePath handles the landscape_path tool call.
func (h *Handlers) HandlePath(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PathRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}
	if err := validatePair("from", input.From, "to", input.To); err != nil {
		return errorResult(err), nil
	}

	path, ok := h.coord.Graph().ShortestPath(input.From, input.To)
	if path == nil {
		path = []int64{}
	}
	return successResult(PathOutput{From: input.From, To: input.To, Found: ok, Path: path})
}

// HandleExport handles the landscape_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	result, err := ops.Export(ctx, h.coord.Database(), h.cfg, ops.ExportInput{
		Path:   input.Path,
		Format: input.Format,
		Label:  input.Label,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleJobsList handles the jobs_list tool call.
func (h *Handlers) HandleJobsList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[JobsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidInput(err.Error())), nil
	}

	jobs := h.coord.Jobs()
	if input.Status != "" {
		status := coordinator.JobStatus(input.Status)
		if !slices.Contains(jobStatuses, status) {
			return errorResult(errors.NewInvalidInput("status must be one of: pending, dispatched, completed, failed, abandoned")), nil
		}
		jobs = slices.DeleteFunc(jobs, func(j coordinator.Job) bool { return j.Status != status })
	}
	return pageResult(jobs, input.PageRequest)
}

// HandleWorkersList handles the workers_list tool call.
func (h *Handlers) HandleWorkersList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(map[string]any{"items": h.coord.Workers()})
}

var jobStatuses = []coordinator.JobStatus{
	coordinator.JobPending,
	coordinator.JobDispatched,
	coordinator.JobCompleted,
	coordinator.JobFailed,
	coordinator.JobAbandoned,
}

func validatePair(firstName string, first int64, secondName string, second int64) error {
	if first <= 0 {
		return errors.NewInvalidInput(firstName + " must be a positive integer")
	}
	if second <= 0 {
		return errors.NewInvalidInput(secondName + " must be a positive integer")
	}
	return nil
}

// pageResult returns items[offset:offset+limit] with pagination metadata.
func pageResult[T any](items []T, p PageRequest) (*mcp.CallToolResult, error) {
	if p.Limit < 0 || p.Offset < 0 {
		return errorResult(errors.NewInvalidInput("limit and offset must not be negative")), nil
	}
	limit := p.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := min(p.Offset, len(items))
	end := min(offset+limit, len(items))

	page := items[offset:end]
	if page == nil {
		page = []T{}
	}
	return successResult(ListOutput[T]{
		Items: page,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: end < len(items),
			Total:   len(items),
		},
	})
}

// Result helpers

// errorResult creates an MCP error result from any error, with IsError set.
// INTERNAL errors carry a generic message and no details.
func errorResult(err error) *mcp.CallToolResult {
	lErr := errors.As(err)

	errorObj := map[string]any{
		"code":    lErr.Code,
		"message": lErr.Message,
		"status":  lErr.Status,
	}
	if lErr.Code == errors.ErrInternal {
		errorObj["message"] = "an internal error occurred"
	} else if lErr.Details != nil {
		errorObj["details"] = lErr.Details
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
