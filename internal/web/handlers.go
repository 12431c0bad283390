package web

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/landscape/internal/coordinator"
	"github.com/hpungsan/landscape/internal/errors"
	"github.com/hpungsan/landscape/internal/graph"
)

// Handlers contains HTTP route handlers for the status page.
type Handlers struct {
	coord    *coordinator.Coordinator
	renderer *Renderer
	now      func() time.Time
}

// HandleStatus handles GET /status. format=md returns the Markdown source.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 20)
	md := h.statusMarkdown(limit)

	switch r.URL.Query().Get("format") {
	case "", "html":
		h.renderer.renderPage(w, http.StatusOK, PageData{
			Title:     "Status",
			Generated: h.now().Unix(),
			Refresh:   refreshSeconds(h.coord.HeartbeatInterval()),
		}, md)
	case "md", "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(md))
	default:
		h.renderer.renderError(w, r, errors.NewInvalidInput("format must be html or md"))
	}
}

func (h *Handlers) statusMarkdown(limit int) string {
	stats := h.coord.Stats()
	var b strings.Builder

	b.WriteString("# Landscape\n\n")
	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Minima | %s |\n", formatCount(stats.Minima))
	fmt.Fprintf(&b, "| Transition states | %s |\n", formatCount(stats.TransitionStates))
	fmt.Fprintf(&b, "| Connected components | %s |\n", formatCount(stats.Graph.Components))
	fmt.Fprintf(&b, "| Largest component | %s |\n", formatCount(stats.Graph.LargestComponent))
	if gmin, ok := h.coord.Database().GlobalMinimum(); ok {
		fmt.Fprintf(&b, "| Global minimum | #%d at %.6f |\n", gmin.ID, gmin.Energy)
	}
	b.WriteString("\n")

	h.writeComponents(&b, limit)
	h.writeWorkers(&b, stats)
	h.writeJobs(&b, stats, limit)
	return b.String()
}

func (h *Handlers) writeComponents(b *strings.Builder, limit int) {
	comps := h.coord.Graph().Components()
	if len(comps) == 0 {
		return
	}
	slices.SortStableFunc(comps, func(x, y graph.Component) int {
		return cmp.Compare(len(y.Members), len(x.Members))
	})

	b.WriteString("## Components\n\n")
	b.WriteString("| Size | Lowest minimum | Energy |\n|---:|---:|---:|\n")
	for _, c := range comps[:min(limit, len(comps))] {
		low := c.Lowest()
		fmt.Fprintf(b, "| %d | #%d | %.6f |\n", len(c.Members), low.ID, low.Energy)
	}
	if len(comps) > limit {
		fmt.Fprintf(b, "\n%d more not shown.\n", len(comps)-limit)
	}
	b.WriteString("\n")
}

func (h *Handlers) writeWorkers(b *strings.Builder, stats coordinator.Stats) {
	fmt.Fprintf(b, "## Workers\n\n%d active, %d stale.\n\n", stats.WorkersActive, stats.WorkersStale)
	workers := h.coord.Workers()
	if len(workers) == 0 {
		return
	}
	b.WriteString("| Worker | Capabilities | State | Job | Last heartbeat |\n|---|---|---|---|---|\n")
	for _, w := range workers {
		caps := make([]string, len(w.Capabilities))
		for i, c := range w.Capabilities {
			caps[i] = string(c)
		}
		job := w.JobID
		if job == "" {
			job = "-"
		}
		fmt.Fprintf(b, "| `%s` | %s | %s | `%s` | %s |\n",
			escapeCell(w.ID), strings.Join(caps, ", "), w.State, escapeCell(job), formatTime(w.LastHeartbeat))
	}
	b.WriteString("\n")
}

func (h *Handlers) writeJobs(b *strings.Builder, stats coordinator.Stats, limit int) {
	fmt.Fprintf(b, "## Jobs\n\n%d pending, %d dispatched, %d completed, %d failed, %d abandoned. "+
		"%d pairs in flight, %d backing off.\n\n",
		stats.JobsPending, stats.JobsDispatched, stats.JobsCompleted, stats.JobsFailed, stats.JobsAbandoned,
		stats.PairsInFlight, stats.PairsBackingOff)

	jobs := h.coord.Jobs()
	if len(jobs) == 0 {
		return
	}
	// Newest first; ulids sort by creation time.
	slices.Reverse(jobs)
	b.WriteString("| Job | Kind | Status | Worker | Detail |\n|---|---|---|---|---|\n")
	for _, j := range jobs[:min(limit, len(jobs))] {
		detail := j.Reason
		if cp, ok := j.Params.(coordinator.ConnectParams); ok {
			detail = strings.TrimSpace(fmt.Sprintf("#%d ↔ #%d %s", cp.Min1.ID, cp.Min2.ID, j.Reason))
		}
		if j.RequeuedFrom != "" {
			detail = strings.TrimSpace(detail + " (requeued)")
		}
		worker := j.WorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Fprintf(b, "| `%s` | %s | %s | `%s` | %s |\n",
			escapeCell(j.ID), j.Kind, j.Status, escapeCell(worker), escapeCell(detail))
	}
	b.WriteString("\n")
}

func refreshSeconds(heartbeat time.Duration) int {
	return max(int(heartbeat.Seconds()), 5)
}

// parseIntParam extracts a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
