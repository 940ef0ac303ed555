// Package workerpool provides a bounded goroutine pool. RPC handlers
// that must take locks already held transitively by the inbound thread
// (chunk connect, chord notify integration) post their lock-taking step
// here instead of detaching unbounded goroutines; chunk triggers run
// here as well.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be executed.
type Task struct {
	ID      string
	Fn      func(context.Context) error
	Context context.Context
}

// Pool manages a bounded set of workers executing tasks.
type Pool struct {
	name       string
	maxWorkers int
	taskQueue  chan Task
	logger     *zap.Logger
	wg         sync.WaitGroup
	pending    sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration.
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates a worker pool and starts its workers.
func New(cfg *Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	pool := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *Pool) executeTask(workerID int, task Task) {
	defer p.pending.Done()
	start := time.Now()
	err := p.safeExecute(task)
	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completedTasks, 1)
}

func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	if task.Context == nil {
		task.Context = context.Background()
	}
	return task.Fn(task.Context)
}

// Submit enqueues a task, blocking while the queue is full. Returns an
// error once the pool is stopped.
func (p *Pool) Submit(task Task) error {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	default:
	}
	p.pending.Add(1)
	select {
	case <-p.stopChan:
		p.pending.Done()
		atomic.AddUint64(&p.rejectedTasks, 1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	case p.taskQueue <- task:
		return nil
	}
}

// TrySubmit enqueues a task without blocking. Reports false if the
// queue is full or the pool is stopped.
func (p *Pool) TrySubmit(task Task) bool {
	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejectedTasks, 1)
		return false
	default:
	}
	p.pending.Add(1)
	select {
	case p.taskQueue <- task:
		return true
	default:
		p.pending.Done()
		atomic.AddUint64(&p.rejectedTasks, 1)
		return false
	}
}

// Drain blocks until every task submitted so far has finished.
func (p *Pool) Drain() {
	p.pending.Wait()
}

// Stop stops the pool, waiting up to timeout for workers to finish
// their current tasks.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats reports task counters.
func (p *Pool) Stats() (completed, failed, rejected uint64) {
	return atomic.LoadUint64(&p.completedTasks),
		atomic.LoadUint64(&p.failedTasks),
		atomic.LoadUint64(&p.rejectedTasks)
}
