package coordinator

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ReapReport lists what one liveness sweep changed.
type ReapReport struct {
	Stale    []string `json:"stale"`
	Reaped   []string `json:"reaped"`
	Requeued []string `json:"requeued"` // ids of the new pending jobs
	Pruned   int      `json:"pruned"`
}

// Reap runs one liveness sweep at now. Workers silent for HeartbeatInterval become
// stale; workers silent for HeartbeatTimeout are reaped. A reaped worker's
// dispatched job is abandoned and requeued once as a new pending job, and its
// connect pair returns to untried. Finished jobs older than JobRetention are dropped.
func (c *Coordinator) Reap(now time.Time) ReapReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report ReapReport
	nowUnix := now.Unix()

	for id, w := range c.workers {
		silent := now.Sub(time.Unix(w.LastHeartbeat, 0))
		switch {
		case silent >= c.opts.HeartbeatTimeout:
			delete(c.workers, id)
			c.reaped[id] = nowUnix
			report.Reaped = append(report.Reaped, id)
			c.metrics.Reaped()
			c.logger.Warn("worker reaped",
				zap.String("worker_id", id),
				zap.Duration("silent", silent),
				zap.String("job_id", w.JobID))
			if newID := c.abandon(w.JobID, nowUnix); newID != "" {
				report.Requeued = append(report.Requeued, newID)
			}
		case silent >= c.opts.HeartbeatInterval && w.State == WorkerActive:
			w.State = WorkerStale
			report.Stale = append(report.Stale, id)
			c.logger.Info("worker stale",
				zap.String("worker_id", id),
				zap.Duration("silent", silent))
		}
	}

	cutoff := now.Add(-c.opts.JobRetention).Unix()
	for id, j := range c.jobs {
		if j.Status.Finished() && j.FinishedAt <= cutoff {
			delete(c.jobs, id)
			report.Pruned++
		}
	}
	for id, at := range c.reaped {
		if at <= cutoff {
			delete(c.reaped, id)
		}
	}

	c.updateWorkerGauges()
	c.updateJobGauges()
	return report
}

// abandon marks a dispatched job abandoned and queues its replacement.
// It returns the replacement's id, or "" when nothing was requeued.
func (c *Coordinator) abandon(jobID string, now int64) string {
	j, ok := c.jobs[jobID]
	if !ok || j.Status != JobDispatched {
		return ""
	}
	j.Status = JobAbandoned
	j.FinishedAt = now

	if cp, ok := j.Params.(ConnectParams); ok {
		c.manager.Release(cp.Pair())
	}

	replacement := &Job{
		ID:           ulid.Make().String(),
		Kind:         j.Kind,
		Params:       j.Params,
		Status:       JobPending,
		RequeuedFrom: j.ID,
		CreatedAt:    now,
	}
	c.jobs[replacement.ID] = replacement
	c.pending = append(c.pending, replacement.ID)

	c.metrics.Requeued(string(j.Kind))
	c.logger.Info("job requeued",
		zap.String("job_id", j.ID),
		zap.String("new_job_id", replacement.ID),
		zap.String("kind", string(j.Kind)))
	return replacement.ID
}

// Start runs Reap every ReapInterval until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	c.stopCh = make(chan struct{})
	c.stoppedCh = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("starting reaper",
		zap.Duration("interval", c.opts.ReapInterval),
		zap.Duration("heartbeat_timeout", c.opts.HeartbeatTimeout))
	go c.reapLoop(ctx)
}

// Stop halts the reaper started by Start and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stopCh, stoppedCh := c.stopCh, c.stoppedCh
	c.mu.Unlock()
	if stopCh == nil {
		return
	}
	c.stopOnce.Do(func() { close(stopCh) })
	<-stoppedCh
	c.logger.Info("reaper stopped")
}

func (c *Coordinator) reapLoop(ctx context.Context) {
	defer close(c.stoppedCh)

	ticker := time.NewTicker(c.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			report := c.Reap(c.now())
			if len(report.Reaped) > 0 || report.Pruned > 0 {
				c.logger.Debug("reap sweep",
					zap.Int("reaped", len(report.Reaped)),
					zap.Int("requeued", len(report.Requeued)),
					zap.Int("pruned", report.Pruned))
			}
		}
	}
}
