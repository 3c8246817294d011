// Package workerpool runs fire-and-forget jobs on a bounded set of workers.
// Submitting never blocks: a full queue rejects the job.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the job queue has no capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pool is shutting down")
)

// Job is a unit of work.
type Job struct {
	ID      string
	Payload any
	Context context.Context
}

// HandlerFunc processes a job. Returned errors are retried up to MaxRetries.
type HandlerFunc func(ctx context.Context, job *Job) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int `mapstructure:"workers"`
	// QueueSize is the size of the job queue
	QueueSize int `mapstructure:"queue_size"`
	// MaxRetries is the maximum number of retries for failed jobs
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base delay between retries
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// GracefulShutdownTimeout bounds how long Stop waits for queued jobs
	GracefulShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DefaultConfig returns defaults sized for notification fan-out.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               1024,
		MaxRetries:              2,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

// Pool manages a pool of workers
type Pool struct {
	config  Config
	handler HandlerFunc
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool
	jobs    chan *Job
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	jobsSubmitted int64
	jobsCompleted int64
	jobsFailed    int64
	jobsRetried   int64
	jobsRejected  int64
	activeWorkers int64
	queueDepth    int64
}

// New creates a new worker pool
func New(cfg Config, fn HandlerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:  cfg,
		handler: fn,
		logger:  logger,
		jobs:    make(chan *Job, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a job without blocking.
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.jobsSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	default:
		atomic.AddInt64(&p.jobsRejected, 1)
		return ErrQueueFull
	}
}

// Stop rejects new jobs and waits for queued ones up to the shutdown timeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
	p.cancel()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for job := range p.jobs {
		atomic.AddInt64(&p.queueDepth, -1)
		p.process(id, job)
	}
}

func (p *Pool) process(workerID int, job *Job) {
	ctx := job.Context
	if ctx == nil {
		ctx = p.ctx
	}

	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err = p.run(ctx, job); err == nil {
			atomic.AddInt64(&p.jobsCompleted, 1)
			return
		}
		if attempt == p.config.MaxRetries {
			break
		}

		atomic.AddInt64(&p.jobsRetried, 1)
		p.logger.Debug("retrying job",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		select {
		case <-ctx.Done():
			p.fail(workerID, job, ctx.Err())
			return
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	p.fail(workerID, job, err)
}

func (p *Pool) fail(workerID int, job *Job, err error) {
	atomic.AddInt64(&p.jobsFailed, 1)
	p.logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.Int("worker_id", workerID),
		zap.Error(err))
}

// run invokes the handler, converting a panic into an error.
func (p *Pool) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// Stats holds pool counters.
type Stats struct {
	JobsSubmitted int64
	JobsCompleted int64
	JobsFailed    int64
	JobsRetried   int64
	JobsRejected  int64
	ActiveWorkers int64
	QueueDepth    int64
	QueueCapacity int
	Workers       int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		JobsSubmitted: atomic.LoadInt64(&p.jobsSubmitted),
		JobsCompleted: atomic.LoadInt64(&p.jobsCompleted),
		JobsFailed:    atomic.LoadInt64(&p.jobsFailed),
		JobsRetried:   atomic.LoadInt64(&p.jobsRetried),
		JobsRejected:  atomic.LoadInt64(&p.jobsRejected),
		ActiveWorkers: atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:    atomic.LoadInt64(&p.queueDepth),
		QueueCapacity: p.config.QueueSize,
		Workers:       p.config.Workers,
	}
}

// IsHealthy returns true if the queue isn't backing up significantly
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
