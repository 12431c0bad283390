package mcp

import "github.com/mark3labs/mcp-go/mcp"

func withPaging() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
		mcp.WithNumber("offset", mcp.Description("Number of items to skip")),
	}
}

var statsToolDef = mcp.NewTool("landscape_stats",
	mcp.WithDescription("Summary of the landscape: minima, transition states, connected components, workers and jobs."),
)

var minimaToolDef = mcp.NewTool("landscape_minima", append([]mcp.ToolOption{
	mcp.WithDescription("List discovered minima. Coordinates are included."),
	mcp.WithString("sort", mcp.Description("Order by id (default) or energy"), mcp.Enum("id", "energy")),
}, withPaging()...)...)

var transitionStatesToolDef = mcp.NewTool("landscape_transition_states", append([]mcp.ToolOption{
	mcp.WithDescription("List transition states. With min1 and min2, only those joining that pair."),
	mcp.WithNumber("min1", mcp.Description("Minimum id (requires min2)")),
	mcp.WithNumber("min2", mcp.Description("Minimum id (requires min1)")),
}, withPaging()...)...)

var componentsToolDef = mcp.NewTool("landscape_components", append([]mcp.ToolOption{
	mcp.WithDescription("List connected components of the minima graph, largest first."),
}, withPaging()...)...)

var connectedToolDef = mcp.NewTool("landscape_connected",
	mcp.WithDescription("Report whether two minima are joined by a chain of transition states."),
	mcp.WithNumber("min1", mcp.Required(), mcp.Description("First minimum id")),
	mcp.WithNumber("min2", mcp.Required(), mcp.Description("Second minimum id")),
)

var pathToolDef = mcp.NewTool("landscape_path",
	mcp.WithDescription("Shortest chain of minima joined by transition states, from one minimum to another."),
	mcp.WithNumber("from", mcp.Required(), mcp.Description("Start minimum id")),
	mcp.WithNumber("to", mcp.Required(), mcp.Description("End minimum id")),
)

var exportToolDef = mcp.NewTool("landscape_export",
	mcp.WithDescription("Write a checkpoint of all minima and transition states. "+
		"Paths must be directly inside ~/.landscape/exports or a configured allowed path."),
	mcp.WithString("path", mcp.Description("Destination ending in .jsonl, .jsonl.zst or .parquet (default: generated in ~/.landscape/exports)")),
	mcp.WithString("format", mcp.Description("Checkpoint format when path is omitted"), mcp.Enum("jsonl", "jsonl.zst", "parquet")),
	mcp.WithString("label", mcp.Description("File name stem for the generated path")),
)

var jobsListToolDef = mcp.NewTool("jobs_list", append([]mcp.ToolOption{
	mcp.WithDescription("List jobs the coordinator knows about, oldest first."),
	mcp.WithString("status", mcp.Description("Filter by status"),
		mcp.Enum("pending", "dispatched", "completed", "failed", "abandoned")),
}, withPaging()...)...)

var workersListToolDef = mcp.NewTool("workers_list",
	mcp.WithDescription("List registered workers with their state and current job."),
)
