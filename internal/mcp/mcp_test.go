package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/connect"
	"github.com/hpungsan/landscape/internal/coordinator"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/graph"
	"github.com/hpungsan/landscape/internal/landscape"
)

// testSetup creates a coordinator over a landscape with four minima and
// transition states 1-2 and 2-3; minimum 4 is isolated.
func testSetup(t *testing.T) (*coordinator.Coordinator, *config.Config) {
	t.Helper()

	db := landscape.NewDatabase(landscape.Options{EnergyTolerance: 1e-3})
	g := graph.New()
	for i, e := range []float64{-1.0, -3.0, -2.0, -0.5} {
		m, _, err := db.AddMinimum(e, landscape.Coords{float64(i), 0})
		if err != nil {
			t.Fatalf("AddMinimum failed: %v", err)
		}
		g.AddNode(m.ID, m.Energy)
	}
	for _, pair := range [][2]int64{{1, 2}, {2, 3}} {
		if _, _, err := db.AddTransitionState(1.0, landscape.Coords{float64(pair[0]) - 0.5, 1}, pair[0], pair[1]); err != nil {
			t.Fatalf("AddTransitionState failed: %v", err)
		}
		if err := g.ApplyEdge(pair[0], pair[1]); err != nil {
			t.Fatalf("ApplyEdge failed: %v", err)
		}
	}

	mgr := connect.NewManager(db, g, connect.Options{})
	coord := coordinator.New(db, g, mgr, coordinator.Options{})

	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true // Allow temp dirs in tests
	return coord, cfg
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func TestHandleStats(t *testing.T) {
	coord, cfg := testSetup(t)
	h := NewHandlers(coord, cfg)

	result, err := h.HandleStats(context.Background(), makeRequest(nil))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	output := parseOutput(t, result)

	if output["minima"] != float64(4) {
		t.Errorf("minima = %v, want 4", output["minima"])
	}
	if output["transition_states"] != float64(2) {
		t.Errorf("transition_states = %v, want 2", output["transition_states"])
	}
	g := output["graph"].(map[string]any)
	if g["components"] != float64(2) {
		t.Errorf("components = %v, want 2", g["components"])
	}
}

func TestHandleMinima(t *testing.T) {
	coord, cfg := testSetup(t)
	h := NewHandlers(coord, cfg)
	ctx := context.Background()

	t.Run("sorted by energy", func(t *testing.T) {
		result, _ := h.HandleMinima(ctx, makeRequest(map[string]any{"sort": "energy", "limit": 2}))
		output := parseOutput(t, result)

		items := output["items"].([]any)
		if len(items) != 2 {
			t.Fatalf("items = %d, want 2", len(items))
		}
		if id := items[0].(map[string]any)["id"]; id != float64(2) {
			t.Errorf("first id = %v, want 2 (lowest energy)", id)
		}
		page := output["pagination"].(map[string]any)
		if page["has_more"] != true || page["total"] != float64(4) {
			t.Errorf("pagination = %v", page)
		}
	})

	t.Run("offset past end", func(t *testing.T) {
		result, _ := h.HandleMinima(ctx, makeRequest(map[string]any{"offset": 10}))
		output := parseOutput(t, result)
		if items := output["items"].([]any); len(items) != 0 {
			t.Errorf("items = %d, want 0", len(items))
		}
	})

	t.Run("bad sort", func(t *testing.T) {
		result, _ := h.HandleMinima(ctx, makeRequest(map[string]any{"sort": "hits"}))
		if !result.IsError {
			t.Fatal("expected error result")
		}
		assertErrorCode(t, result, string(errors.ErrInvalidInput))
	})

	t.Run("negative limit", func(t *testing.T) {
		result, _ := h.HandleMinima(ctx, makeRequest(map[string]any{"limit": -1}))
		assertErrorCode(t, result, string(errors.ErrInvalidInput))
	})

	t.Run("wrong argument type", func(t *testing.T) {
		result, _ := h.HandleMinima(ctx, makeRequest(map[string]any{"limit": "ten"}))
		assertErrorCode(t, result, string(errors.ErrInvalidInput))
	})
}

func TestHandleTransitionStates(t *testing.T) {
	coord, cfg := testSetup(t)
	h := NewHandlers(coord, cfg)
	ctx := context.Background()

	result, _ := h.HandleTransitionStates(ctx, makeRequest(nil))
	if items := parseOutput(t, result)["items"].([]any); len(items) != 2 {
		t.Errorf("all items = %d, want 2", len(items))
	}

	result, _ = h.HandleTransitionStates(ctx, makeRequest(map[string]any{"min1": 3, "min2": 2}))
	items := parseOutput(t, result)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items between 3 and 2 = %d, want 1", len(items))
	}
	if id := items[0].(map[string]any)["id"]; id != float64(2) {
		t.Errorf("id = %v, want 2", id)
	}

	result, _ = h.HandleTransitionStates(ctx, makeRequest(map[string]any{"min1": 1}))
	assertErrorCode(t, result, string(errors.ErrInvalidInput))
}

func TestHandleComponents(t *testing.T) {
	coord, cfg := testSetup(t)
	h := NewHandlers(coord, cfg)

	result, _ := h.HandleComponents(context.Background(), makeRequest(nil))
	items := parseOutput(t, result)["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("components = %d, want 2", len(items))
	}
	members := items[0].(map[string]any)["members"].([]any)
	if len(members) != 3 {
		t.Errorf("largest component size = %d, want 3", len(members))
	}
}

func TestHandleConnected(t *testing.T) {
	coord, cfg := testSetup(t)
	h := NewHandlers(coord, cfg)
	ctx := context.Background()

	tests := []struct {
		min1, min2 int64
		want       bool
	}{
		{1, 3, true},
		{1, 4, false},
		{2, 2, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-%d", tt.min1, tt.min2), func(t *testing.T) {
			result, _ := h.HandleConnected(ctx, makeRequest(map[string]any{"min1": tt.min1, "min2": tt.min2}))
			output := parseOutput(t, result)
			if output["connected"] != tt.want {
				t.Errorf("connected = %v, want %v", output["connected"], tt.want)
			}
		})
	}

	result, _ := h.HandleConnected(ctx, makeRequest(map[string]any{"min1": 1}))
	assertErrorCode(t, result, string(errors.ErrInvalidInput))
}

func TestHandlePath(t *testing.T) {
	coord, cfg := testSetup(t)
	h := NewHandlers(coord, cfg)
	ctx := context.Background()

	result, _ := h.HandlePath(ctx, makeRequest(map[string]any{"from": 3, "to": 1}))
	output := parseOutput(t, result)
	if output["found"] != true {
		t.Fatalf("found = %v, want true", output["found"])
	}
	path := output["path"].([]any)
	want := []float64{3, 2, 1}
	if len(path) != len(want) {
		t.Fatalf("path = %v, want %v", path, want)
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("path[%d] = %v, want %v", i, path[i], want[i])
		}
	}

	result, _ = h.HandlePath(ctx, makeRequest(map[string]any{"from": 1, "to": 4}))
	output = parseOutput(t, result)
	if output["found"] != false {
		t.Errorf("found = %v, want false", output["found"])
	}
	if p := output["path"].([]any); len(p) != 0 {
		t.Errorf("path = %v, want empty", p)
	}
}

func TestHandleExport(t *testing.T) {
	coord, cfg := testSetup(t)
	h := NewHandlers(coord, cfg)
	ctx := context.Background()

	exportPath := filepath.Join(t.TempDir(), "export.jsonl.zst")
	result, err := h.HandleExport(ctx, makeRequest(map[string]any{"path": exportPath}))
	if err != nil {
		t.Fatalf("export handler returned error: %v", err)
	}
	output := parseOutput(t, result)

	if output["minima"] != float64(4) || output["transition_states"] != float64(2) {
		t.Errorf("counts = %v/%v, want 4/2", output["minima"], output["transition_states"])
	}
	if output["format"] != "jsonl.zst" {
		t.Errorf("format = %v, want jsonl.zst", output["format"])
	}
	if _, err := os.Stat(exportPath); os.IsNotExist(err) {
		t.Fatal("export file not created")
	}

	result, _ = h.HandleExport(ctx, makeRequest(map[string]any{"path": filepath.Join(t.TempDir(), "x.csv")}))
	assertErrorCode(t, result, string(errors.ErrInvalidInput))
}

func TestHandleJobsAndWorkers(t *testing.T) {
	coord, cfg := testSetup(t)
	h := NewHandlers(coord, cfg)
	ctx := context.Background()

	w, err := coord.RegisterWorker([]coordinator.Capability{coordinator.CapBasinHopping})
	if err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}
	if _, err := coord.RequestJob(w.ID); err != nil {
		t.Fatalf("RequestJob failed: %v", err)
	}

	result, _ := h.HandleWorkersList(ctx, makeRequest(nil))
	workers := parseOutput(t, result)["items"].([]any)
	if len(workers) != 1 || workers[0].(map[string]any)["id"] != w.ID {
		t.Errorf("workers = %v", workers)
	}

	result, _ = h.HandleJobsList(ctx, makeRequest(map[string]any{"status": "dispatched"}))
	jobs := parseOutput(t, result)["items"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("dispatched jobs = %d, want 1", len(jobs))
	}
	if jobs[0].(map[string]any)["worker_id"] != w.ID {
		t.Errorf("job worker = %v, want %s", jobs[0].(map[string]any)["worker_id"], w.ID)
	}

	result, _ = h.HandleJobsList(ctx, makeRequest(map[string]any{"status": "completed"}))
	if jobs := parseOutput(t, result)["items"].([]any); len(jobs) != 0 {
		t.Errorf("completed jobs = %d, want 0", len(jobs))
	}

	result, _ = h.HandleJobsList(ctx, makeRequest(map[string]any{"status": "lost"}))
	assertErrorCode(t, result, string(errors.ErrInvalidInput))
}

func TestServerRegistration(t *testing.T) {
	coord, cfg := testSetup(t)

	s := NewServer(coord, cfg, "test")
	tools := s.ListTools()
	if tools == nil {
		t.Fatal("expected tools to be registered, got nil")
	}

	expectedTools := []string{
		"landscape_stats",
		"landscape_minima",
		"landscape_transition_states",
		"landscape_components",
		"landscape_connected",
		"landscape_path",
		"landscape_export",
		"jobs_list",
		"workers_list",
	}

	if len(tools) != len(expectedTools) {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(expectedTools))
	}
	for _, name := range expectedTools {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	coord, cfg := testSetup(t)

	cfg.DisabledTools = []string{"landscape_export", "landscape_export"}
	s := NewServer(coord, cfg, "test")
	tools := s.ListTools()

	if len(tools) != 8 {
		t.Errorf("registered tool count = %d, want 8", len(tools))
	}
	if _, ok := tools["landscape_export"]; ok {
		t.Error("disabled tool landscape_export should not be registered")
	}
}

func TestServerRegistration_WithDisabledTypes(t *testing.T) {
	coord, cfg := testSetup(t)

	cfg.DisabledTypes = []string{"jobs", "workers"}
	s := NewServer(coord, cfg, "test")
	tools := s.ListTools()

	if len(tools) != 7 {
		t.Errorf("registered tool count = %d, want 7", len(tools))
	}
	for _, name := range []string{"jobs_list", "workers_list"} {
		if _, ok := tools[name]; ok {
			t.Errorf("tool %q of a disabled type should not be registered", name)
		}
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	coord, cfg := testSetup(t)

	cfg.DisabledTools = AllToolNames()
	s := NewServer(coord, cfg, "test")
	if tools := s.ListTools(); len(tools) != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", len(tools))
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{"all valid", []string{"landscape_export", "jobs_list"}, 0},
		{"one unknown", []string{"landscape_export", "landscape_import"}, 1},
		{"all unknown", []string{"foo", "bar", "baz"}, 3},
		{"empty list", []string{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unknown := ValidateDisabledTools(tt.input)
			if len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestValidateDisabledTypes(t *testing.T) {
	if unknown := ValidateDisabledTypes([]string{"landscape", "jobs", "workers"}); len(unknown) != 0 {
		t.Errorf("unexpected unknown types: %v", unknown)
	}
	if unknown := ValidateDisabledTypes([]string{"minima"}); len(unknown) != 1 {
		t.Errorf("unknown = %v, want [minima]", unknown)
	}
}

func TestGetTypeForTool(t *testing.T) {
	tests := map[string]string{
		"landscape_transition_states": "landscape",
		"jobs_list":                   "jobs",
		"noprefix":                    "",
		"_leading":                    "",
	}
	for tool, want := range tests {
		if got := GetTypeForTool(tool); got != want {
			t.Errorf("GetTypeForTool(%q) = %q, want %q", tool, got, want)
		}
	}
}

func TestAllToolNames(t *testing.T) {
	names := AllToolNames()
	if len(names) != 9 {
		t.Errorf("AllToolNames() returned %d names, want 9", len(names))
	}
	if unknown := ValidateDisabledTools(names); len(unknown) != 0 {
		t.Errorf("AllToolNames() returned invalid names: %v", unknown)
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(errors.NewInternal(fmt.Errorf("sql error: open /tmp/secret.db: permission denied")))
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}

	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
	if errObj["message"] != "an internal error occurred" {
		t.Errorf("message = %v", errObj["message"])
	}
}

func TestErrorResult_WrappedErrorKeepsCode(t *testing.T) {
	r := errorResult(fmt.Errorf("items[2]: %w", errors.NewUnknownJob("01J")))

	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrUnknownJob) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrUnknownJob)
	}
}

func TestErrorResult_NonInternalIncludesDetails(t *testing.T) {
	r := errorResult(errors.NewNotFound("minimum", 7))

	errObj := errorObject(t, r)
	if errObj["code"] != string(errors.ErrNotFound) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrNotFound)
	}
	if _, ok := errObj["details"]; !ok {
		t.Fatal("expected non-INTERNAL errors to include details when present")
	}
}

// Helper functions

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func errorObject(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	errObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error object in payload: %v", payload)
	}
	return errObj
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()

	if !result.IsError {
		t.Errorf("expected error result, got: %s", extractErrorMessage(result))
		return
	}
	if len(result.Content) == 0 {
		t.Errorf("no content in error result")
		return
	}
	if _, ok := result.Content[0].(mcp.TextContent); !ok {
		t.Errorf("content is not TextContent")
		return
	}

	code, ok := errorObject(t, result)["code"].(string)
	if !ok {
		t.Errorf("no code in error object")
		return
	}
	if code != expectedCode {
		t.Errorf("got error code %q, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}

	return text.Text
}
