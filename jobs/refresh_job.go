package jobs

import (
	"context"
	"sync"
	"time"

	"nps-dashboard-server/logger"
)

// Task is one unit of periodic work. Errors are logged and the next tick retries.
type Task func(ctx context.Context) error

// RefreshJob runs a task on a fixed interval until stopped.
type RefreshJob struct {
	name     string
	interval time.Duration
	task     Task
	log      *logger.Logger

	stopChan chan struct{}
	done     chan struct{}
	startOne sync.Once
	stopOne  sync.Once
}

// NewRefreshJob creates a job; nothing runs until Start.
func NewRefreshJob(name string, interval time.Duration, task Task, log *logger.Logger) *RefreshJob {
	return &RefreshJob{
		name:     name,
		interval: interval,
		task:     task,
		log:      log.With("job", name),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins ticking. The first run happens one interval after Start.
func (j *RefreshJob) Start(ctx context.Context) {
	j.startOne.Do(func() {
		go j.run(ctx)
		j.log.Info("job started", "interval", j.interval.String())
	})
}

// Stop halts the job and waits for an in-flight run to return. Safe to call more than once.
func (j *RefreshJob) Stop() {
	j.stopOne.Do(func() {
		close(j.stopChan)
	})
	// a job that never started has no goroutine to close done
	j.startOne.Do(func() {
		close(j.done)
	})
	<-j.done
	j.log.Info("job stopped")
}

// Done is closed once the job goroutine has exited.
func (j *RefreshJob) Done() <-chan struct{} {
	return j.done
}

func (j *RefreshJob) run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.runOnce(ctx)
		case <-j.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (j *RefreshJob) runOnce(ctx context.Context) {
	start := time.Now()
	if err := j.task(ctx); err != nil {
		j.log.Warn("job run failed", "error", err, "duration", time.Since(start).String())
		return
	}
	j.log.Debug("job run finished", "duration", time.Since(start).String())
}
