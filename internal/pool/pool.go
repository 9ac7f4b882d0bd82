// Package pool runs load tasks on a bounded set of goroutines fed from an
// unbounded FIFO queue.
package pool

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/panjf2000/ants/v2"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/config"
)

// Options sizes a Pool.
type Options struct {
	// CoreWorkers is the capacity kept while the queue is empty.
	CoreWorkers int
	// MaxWorkers is the capacity the pool may grow to while tasks are waiting.
	MaxWorkers int
	// KeepAlive is how long an idle worker goroutine survives.
	KeepAlive time.Duration
	// Name labels log lines.
	Name string
}

// DefaultOptions sizes the pool from the number of CPUs: CPU+1 core
// workers, 2*CPU+1 at most, and a 10s keep-alive.
func DefaultOptions() Options {
	cpus := runtime.NumCPU()
	return Options{
		CoreWorkers: cpus + 1,
		MaxWorkers:  cpus*2 + 1,
		KeepAlive:   10 * time.Second,
		Name:        "loads",
	}
}

// OptionsFromConfig applies cfg.Workers over DefaultOptions.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg.Workers.Core > 0 {
		opts.CoreWorkers = cfg.Workers.Core
	}
	if cfg.Workers.Max > 0 {
		opts.MaxWorkers = cfg.Workers.Max
	}
	opts.KeepAlive = config.ParseDuration(cfg.Workers.KeepAlive, opts.KeepAlive)
	return opts
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.CoreWorkers <= 0 {
		o.CoreWorkers = def.CoreWorkers
	}
	if o.MaxWorkers < o.CoreWorkers {
		o.MaxWorkers = o.CoreWorkers
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = def.KeepAlive
	}
	if o.Name == "" {
		o.Name = def.Name
	}
	return o
}

// Pool accepts tasks without blocking and runs them in FIFO order.
type Pool struct {
	workers *ants.Pool
	opts    Options

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
	stop   chan struct{}
}

// New starts a Pool.
func New(opts Options) (*Pool, error) {
	opts = opts.normalize()
	name := opts.Name

	workers, err := ants.NewPool(opts.CoreWorkers, ants.WithOptions(ants.Options{
		ExpiryDuration:   opts.KeepAlive, // worker lifespan when unused
		PreAlloc:         false,
		MaxBlockingTasks: 0, // the feeder is the only blocked submitter
		Nonblocking:      false,
		PanicHandler: func(p interface{}) {
			logger := config.GetLogger()
			logger.Error().Str("pool", name).Interface("panic", p).Msg("Panic from worker pool task")
			//goland:noinspection GoTypeAssertionOnErrors
			if e, ok := p.(error); ok {
				sentry.CaptureException(e)
			} else {
				sentry.CaptureException(fmt.Errorf("panic in pool %s: %v", name, p))
			}
		},
		Logger:       debugLogger{},
		DisablePurge: false,
	}))
	if err != nil {
		return nil, err
	}

	p := &Pool{
		workers: workers,
		opts:    opts,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.feed()
	go p.shrink()
	return p, nil
}

// Submit queues task. It never blocks; it fails only once the pool is closed.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return apperrors.ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// next blocks until a task is queued or the pool closes.
func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil, false
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return task, true
}

// feed hands queued tasks to the workers in order. When every worker is
// busy the capacity grows by one, up to MaxWorkers.
func (p *Pool) feed() {
	defer close(p.done)
	logger := config.GetLogger()

	for {
		task, ok := p.next()
		if !ok {
			return
		}

		if capacity := p.workers.Cap(); p.workers.Free() <= 0 && capacity < p.opts.MaxWorkers {
			p.workers.Tune(capacity + 1)
		}

		if err := p.workers.Submit(task); err != nil {
			logger.Error().Err(err).Str("pool", p.opts.Name).Msg("Failed to hand task to a worker")
			return
		}
	}
}

// shrink returns the capacity to CoreWorkers once the pool has been idle
// for a keep-alive period.
func (p *Pool) shrink() {
	ticker := time.NewTicker(p.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			queued := len(p.queue)
			p.mu.Unlock()
			if queued == 0 && p.workers.Running() <= p.opts.CoreWorkers && p.workers.Cap() > p.opts.CoreWorkers {
				p.workers.Tune(p.opts.CoreWorkers)
			}
		}
	}
}

// Waiting returns the number of tasks not yet running.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	queued := len(p.queue)
	p.mu.Unlock()
	return queued + p.workers.Waiting()
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return p.workers.Running()
}

// Cap returns the current worker capacity.
func (p *Pool) Cap() int {
	return p.workers.Cap()
}

// Close stops accepting tasks, drops those still queued and waits up to
// timeout for running tasks to finish. It returns the number of dropped tasks.
func (p *Pool) Close(timeout time.Duration) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.closed = true
	dropped := len(p.queue)
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	if err := p.workers.ReleaseTimeout(timeout); err != nil {
		logger := config.GetLogger()
		logger.Warn().Err(err).Str("pool", p.opts.Name).Msg("Worker pool did not stop in time")
	}
	return dropped
}

// debugLogger sends ants diagnostics to the debug level.
type debugLogger struct{}

func (debugLogger) Printf(format string, args ...interface{}) {
	logger := config.GetLogger()
	logger.Debug().Msgf(format, args...)
}
