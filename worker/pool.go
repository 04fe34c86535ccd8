package worker

import (
	"sync"

	"github.com/cyverse/imagecache-common/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const (
	defaultQueueSize int = 4096
)

// Priority is a hint for scheduling a task
type Priority int

const (
	// PriorityNormal is for tasks triggered by requests, e.g., uploads
	PriorityNormal Priority = iota
	// PriorityLow is for maintenance tasks, e.g., sweeps and async deletes
	PriorityLow
)

var (
	// ErrPoolStopped is returned when a task is submitted after Stop
	ErrPoolStopped = xerrors.New("worker pool is stopped")
	// ErrQueueFull is returned when the queue of the priority is full
	ErrQueueFull = xerrors.New("worker queue is full")
)

// Task is a unit of work
type Task func()

// Executor runs tasks in background
type Executor interface {
	Submit(priority Priority, name string, task Task) error
}

type job struct {
	name string
	task Task
}

// Pool is a fixed size worker pool, normal priority tasks are picked before low priority tasks
type Pool struct {
	workers     int
	normalQueue chan *job
	lowQueue    chan *job
	stopCh      chan struct{}
	workerWait  sync.WaitGroup

	stopped bool
	mutex   sync.RWMutex

	pendingCount int
	pendingMutex sync.Mutex
	pendingCond  *sync.Cond
}

// NewPool creates a new Pool and starts workers
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	pool := &Pool{
		workers:     workers,
		normalQueue: make(chan *job, defaultQueueSize),
		lowQueue:    make(chan *job, defaultQueueSize),
		stopCh:      make(chan struct{}),
	}
	pool.pendingCond = sync.NewCond(&pool.pendingMutex)

	for i := 0; i < workers; i++ {
		pool.workerWait.Add(1)
		go pool.work()
	}

	return pool
}

// GetWorkers returns the number of workers
func (pool *Pool) GetWorkers() int {
	return pool.workers
}

// GetPendingTasks returns the number of tasks submitted but not finished
func (pool *Pool) GetPendingTasks() int {
	pool.pendingMutex.Lock()
	defer pool.pendingMutex.Unlock()

	return pool.pendingCount
}

// Submit queues a task, never blocks
func (pool *Pool) Submit(priority Priority, name string, task Task) error {
	pool.mutex.RLock()
	defer pool.mutex.RUnlock()

	if pool.stopped {
		return xerrors.Errorf("failed to submit task %s: %w", name, ErrPoolStopped)
	}

	queue := pool.normalQueue
	if priority == PriorityLow {
		queue = pool.lowQueue
	}

	pool.addPending(1)

	select {
	case queue <- &job{name: name, task: task}:
		return nil
	default:
		pool.addPending(-1)
		return xerrors.Errorf("failed to submit task %s: %w", name, ErrQueueFull)
	}
}

// Flush waits until all submitted tasks are done
func (pool *Pool) Flush() {
	pool.pendingMutex.Lock()
	defer pool.pendingMutex.Unlock()

	for pool.pendingCount > 0 {
		pool.pendingCond.Wait()
	}
}

// Stop stops accepting new tasks, runs queued tasks and stops workers
func (pool *Pool) Stop() {
	pool.mutex.Lock()
	if pool.stopped {
		pool.mutex.Unlock()
		return
	}
	pool.stopped = true
	pool.mutex.Unlock()

	pool.Flush()

	close(pool.stopCh)
	pool.workerWait.Wait()
}

func (pool *Pool) addPending(delta int) {
	pool.pendingMutex.Lock()
	defer pool.pendingMutex.Unlock()

	pool.pendingCount += delta
	if pool.pendingCount <= 0 {
		pool.pendingCount = 0
		pool.pendingCond.Broadcast()
	}
}

func (pool *Pool) work() {
	defer pool.workerWait.Done()

	for {
		// normal first
		select {
		case j := <-pool.normalQueue:
			pool.run(j)
			continue
		default:
		}

		select {
		case j := <-pool.normalQueue:
			pool.run(j)
		case j := <-pool.lowQueue:
			pool.run(j)
		case <-pool.stopCh:
			return
		}
	}
}

func (pool *Pool) run(j *job) {
	logger := log.WithFields(log.Fields{
		"package":  "worker",
		"struct":   "Pool",
		"function": "run",
	})

	defer pool.addPending(-1)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("task %s panicked: %v", j.name, r)
		}
	}()

	defer utils.StackTraceFromPanic(logger)

	logger.Debugf("Running task %s", j.name)
	j.task()
}
