// Package scheduler runs the periodic reconciliation passes spec.md
// §4.8 C8 describes: bot-flow timeouts, stalled-queue escalation,
// orphaned session cleanup, and an invariant checker over the
// bot-ownership rule in model.Conversation.ReconciliationViolation.
// Each pass is driven off a cron expression (github.com/adhocore/gronx)
// evaluated on a short poll tick, the same way the teacher drives its
// periodic maintenance loops off an interval ticker — only here the
// interval is expressed declaratively per job instead of hardcoded.
package scheduler

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/wadesk/pkg/logger"
)

// Job is one named unit of recurring work, due according to expr.
type Job struct {
	Name string
	Expr string
	Run  func() error
}

// Scheduler evaluates a fixed set of cron-scheduled jobs against a
// poll tick, running whichever are due.
type Scheduler struct {
	gron gronx.Gronx
	jobs []Job
}

func New() *Scheduler {
	return &Scheduler{gron: gronx.New()}
}

// Register adds a job. Not safe to call once Start has begun polling.
func (s *Scheduler) Register(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start polls every interval until ctx is canceled, running each
// registered job whose cron expression is due at that tick. Blocking;
// callers run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := time.Now().UTC()
	for _, job := range s.jobs {
		due, err := s.gron.IsDue(job.Expr, now)
		if err != nil {
			logger.ErrorCF("scheduler", "invalid cron expression", map[string]interface{}{
				"job": job.Name, "expr": job.Expr, "error": err.Error(),
			})
			continue
		}
		if !due {
			continue
		}
		if err := job.Run(); err != nil {
			logger.ErrorCF("scheduler", "job failed", map[string]interface{}{
				"job": job.Name, "error": err.Error(),
			})
		}
	}
}
