package mcp

import (
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/landscape/internal/config"
	"github.com/hpungsan/landscape/internal/coordinator"
)

// KnownTypes lists all valid type names.
var KnownTypes = []string{"landscape", "jobs", "workers"}

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"landscape_stats": {
		def:     statsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStats },
	},
	"landscape_minima": {
		def:     minimaToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleMinima },
	},
	"landscape_transition_states": {
		def:     transitionStatesToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleTransitionStates },
	},
	"landscape_components": {
		def:     componentsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleComponents },
	},
	"landscape_connected": {
		def:     connectedToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleConnected },
	},
	"landscape_path": {
		def:     pathToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePath },
	},
	"landscape_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"jobs_list": {
		def:     jobsListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleJobsList },
	},
	"workers_list": {
		def:     workersListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleWorkersList },
	},
}

// AllToolNames returns all valid tool names, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ValidateDisabledTools returns the unknown tool names in names.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// ValidateDisabledTypes returns the unknown type names in names.
func ValidateDisabledTypes(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if !slices.Contains(KnownTypes, name) {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// GetTypeForTool extracts the type name from a tool name
// ("landscape_stats" → "landscape").
func GetTypeForTool(toolName string) string {
	if idx := strings.Index(toolName, "_"); idx > 0 {
		return toolName[:idx]
	}
	return ""
}

// ExpandTypesToTools returns all tool names belonging to the given types.
func ExpandTypesToTools(types []string) []string {
	if len(types) == 0 {
		return nil
	}

	tools := make([]string, 0)
	for name := range toolRegistry {
		if slices.Contains(types, GetTypeForTool(name)) {
			tools = append(tools, name)
		}
	}
	return tools
}

// NewServer creates an MCP server exposing the coordinator's landscape, jobs
// and workers. Tools in cfg.DisabledTools or of a type in cfg.DisabledTypes are
// not registered.
func NewServer(coord *coordinator.Coordinator, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"landscape",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(coord, cfg)

	disabled := make(map[string]bool)
	for _, tool := range ExpandTypesToTools(cfg.DisabledTypes) {
		disabled[tool] = true
	}
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run serves MCP over stdio until stdin closes.
func Run(coord *coordinator.Coordinator, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(coord, cfg, version))
}
