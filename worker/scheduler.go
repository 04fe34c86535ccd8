package worker

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

type scheduledTask struct {
	name     string
	interval time.Duration
	task     Task
	running  atomic.Bool
}

// Scheduler submits named tasks to an executor periodically
// a run is skipped while the previous run of the same task is still in progress
type Scheduler struct {
	executor Executor
	tasks    map[string]*scheduledTask
	stopCh   chan struct{}
	wait     sync.WaitGroup
	stopped  bool
	mutex    sync.Mutex
}

// NewScheduler creates a new Scheduler
func NewScheduler(executor Executor) *Scheduler {
	return &Scheduler{
		executor: executor,
		tasks:    map[string]*scheduledTask{},
		stopCh:   make(chan struct{}),
	}
}

// Schedule registers a periodic task
func (scheduler *Scheduler) Schedule(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return xerrors.Errorf("failed to schedule task %s, invalid interval %v", name, interval)
	}

	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	if scheduler.stopped {
		return xerrors.Errorf("failed to schedule task %s: %w", name, ErrPoolStopped)
	}

	if _, ok := scheduler.tasks[name]; ok {
		return xerrors.Errorf("task %s is already scheduled", name)
	}

	st := &scheduledTask{
		name:     name,
		interval: interval,
		task:     task,
	}
	scheduler.tasks[name] = st

	scheduler.wait.Add(1)
	go scheduler.loop(st)
	return nil
}

// GetTaskNames returns names of scheduled tasks
func (scheduler *Scheduler) GetTaskNames() []string {
	scheduler.mutex.Lock()
	defer scheduler.mutex.Unlock()

	names := []string{}
	for name := range scheduler.tasks {
		names = append(names, name)
	}
	return names
}

// Stop stops all tickers, running tasks are not interrupted
func (scheduler *Scheduler) Stop() {
	scheduler.mutex.Lock()
	if scheduler.stopped {
		scheduler.mutex.Unlock()
		return
	}
	scheduler.stopped = true
	close(scheduler.stopCh)
	scheduler.mutex.Unlock()

	scheduler.wait.Wait()
}

func (scheduler *Scheduler) loop(st *scheduledTask) {
	logger := log.WithFields(log.Fields{
		"package":  "worker",
		"struct":   "Scheduler",
		"function": "loop",
	})

	defer scheduler.wait.Done()

	ticker := time.NewTicker(st.interval)
	defer ticker.Stop()

	for {
		select {
		case <-scheduler.stopCh:
			return
		case <-ticker.C:
			if !st.running.CompareAndSwap(false, true) {
				logger.Debugf("Skipping task %s, previous run is in progress", st.name)
				continue
			}

			err := scheduler.executor.Submit(PriorityLow, st.name, func() {
				defer st.running.Store(false)
				st.task()
			})
			if err != nil {
				st.running.Store(false)
				logger.WithError(err).Warnf("failed to submit scheduled task %s", st.name)
			}
		}
	}
}
