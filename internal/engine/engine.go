// Package engine orchestrates the image cache: memory, then disk, then
// network, with loads running on a worker pool and results applied to
// sinks by a single dispatch loop.
package engine

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/config"
	"github.com/Belphemur/ImageCache/internal/downsample"
	"github.com/Belphemur/ImageCache/internal/fetcher"
	"github.com/Belphemur/ImageCache/internal/keyhash"
	"github.com/Belphemur/ImageCache/internal/memcache"
	"github.com/Belphemur/ImageCache/internal/metrics"
	"github.com/Belphemur/ImageCache/internal/models"
	"github.com/Belphemur/ImageCache/internal/pool"
	"github.com/Belphemur/ImageCache/internal/store"
)

const (
	defaultResultBuffer = 64
	closeTimeout        = 10 * time.Second
)

// Options holds the collaborators of an Engine. Nil collaborators are
// replaced with defaults. The engine owns them and closes them in Close.
type Options struct {
	Memory  *memcache.Cache
	Store   store.Store
	Fetcher fetcher.Fetcher
	Decoder *downsample.Decoder
	Hasher  *keyhash.Hasher
	Pool    pool.Options
	// ResultBuffer is the capacity of the result channel.
	ResultBuffer int
	// FallbackOnDiskError makes a load whose disk read fails with an I/O
	// error fetch and decode directly from the network instead of giving up.
	FallbackOnDiskError bool
}

type binding struct {
	identifier string
	width      int
	height     int
	generation uint64
}

// Engine is safe for concurrent use, except that Deliver (and Run, which
// calls it) must be used from a single goroutine: the one that owns the sinks.
type Engine struct {
	memory   *memcache.Cache
	store    store.Store
	fetcher  fetcher.Fetcher
	decoder  *downsample.Decoder
	hasher   *keyhash.Hasher
	workers  *pool.Pool
	fallback bool

	results chan models.LoadResult
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	bindings map[models.Sink]*binding
	pending  map[models.Sink]struct{}
	paused   bool
	closed   bool
}

// New creates an Engine and starts its worker pool.
func New(opts Options) (*Engine, error) {
	if opts.Decoder == nil {
		opts.Decoder = downsample.NewDecoder(0)
	}
	if opts.Memory == nil {
		opts.Memory = memcache.New(memcache.Options{})
	}
	if opts.Store == nil {
		s, err := store.New(store.DisabledProvider, store.ProviderConfig{})
		if err != nil {
			return nil, err
		}
		opts.Store = s
	}
	if opts.Fetcher == nil {
		opts.Fetcher = fetcher.New(fetcher.Options{Decoder: opts.Decoder})
	}
	if opts.Hasher == nil {
		opts.Hasher = keyhash.New()
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = defaultResultBuffer
	}

	workers, err := pool.New(opts.Pool)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		memory:   opts.Memory,
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		decoder:  opts.Decoder,
		hasher:   opts.Hasher,
		workers:  workers,
		fallback: opts.FallbackOnDiskError,
		results:  make(chan models.LoadResult, opts.ResultBuffer),
		ctx:      ctx,
		cancel:   cancel,
		bindings: make(map[models.Sink]*binding),
		pending:  make(map[models.Sink]struct{}),
	}, nil
}

// NewFromConfig assembles the default stack described by cfg.
func NewFromConfig(cfg *config.Config) (*Engine, error) {
	logger := config.GetLogger()
	decoder := downsample.NewFromConfig(cfg)

	memoryBudget, err := cfg.MemoryCacheMaxBytes()
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid memory cache size, deriving it from available memory")
		memoryBudget = 0
	}
	if memoryBudget == 0 {
		memoryBudget = memcache.DefaultMaxBytes(cfg.MemoryCache.Fraction)
	}

	return New(Options{
		Memory:              memcache.New(memcache.Options{MaxBytes: memoryBudget, Group: "memory"}),
		Store:               store.OpenFromConfig(cfg, nil),
		Fetcher:             fetcher.NewFromConfig(cfg, decoder),
		Decoder:             decoder,
		Hasher:              keyhash.New(),
		Pool:                pool.OptionsFromConfig(cfg),
		ResultBuffer:        cfg.Workers.ResultBuffer,
		FallbackOnDiskError: cfg.Engine.FallbackOnDiskError,
	})
}

// Key returns the cache key for identifier.
func (e *Engine) Key(identifier string) string {
	return e.hasher.Key(identifier)
}

// Bind asks for identifier to be shown in sink at roughly width x height.
// The sink's interest tag is set immediately. A memory hit is applied
// before Bind returns; otherwise the load is scheduled, or deferred until
// Refresh while the engine is paused. Sinks are compared by identity and
// must be comparable, typically pointers.
func (e *Engine) Bind(identifier string, sink models.Sink, width, height int) {
	sink.SetInterestTag(identifier)

	e.mu.Lock()
	b, ok := e.bindings[sink]
	if !ok {
		b = &binding{}
		e.bindings[sink] = b
	}
	b.generation++
	b.identifier, b.width, b.height = identifier, width, height
	req := models.Request{Identifier: identifier, Sink: sink, Width: width, Height: height, Generation: b.generation}
	paused := e.paused
	delete(e.pending, sink)
	e.mu.Unlock()

	if img, ok := e.memory.Get(e.hasher.Key(identifier)); ok {
		metrics.ImageLoadsTotal.WithLabelValues(models.SourceMemory.String()).Inc()
		sink.SetContent(img)
		return
	}

	if paused {
		e.mu.Lock()
		// A newer Bind may have replaced this one meanwhile.
		if cur := e.bindings[sink]; cur != nil && cur.generation == req.Generation {
			e.pending[sink] = struct{}{}
		}
		e.mu.Unlock()
		return
	}

	e.schedule(req)
}

// Unbind forgets sink. Results still in flight for it are discarded.
func (e *Engine) Unbind(sink models.Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.bindings, sink)
	delete(e.pending, sink)
}

// SetPaused turns scheduling of new loads off or on. Turning it off does
// not schedule deferred bindings; call Refresh for that.
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = paused
}

// Paused reports whether scheduling is suspended.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Refresh schedules every binding deferred while paused and returns how
// many there were. Memory hits are applied before it returns, like in Bind,
// so it must be called from the goroutine that owns the sinks. It does
// nothing while the engine is still paused.
func (e *Engine) Refresh() int {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return 0
	}
	reqs := make([]models.Request, 0, len(e.pending))
	for sink := range e.pending {
		b := e.bindings[sink]
		if b == nil {
			continue
		}
		reqs = append(reqs, models.Request{
			Identifier: b.identifier,
			Sink:       sink,
			Width:      b.width,
			Height:     b.height,
			Generation: b.generation,
		})
	}
	clear(e.pending)
	e.mu.Unlock()

	for _, req := range reqs {
		if img, ok := e.memory.Get(e.hasher.Key(req.Identifier)); ok {
			metrics.ImageLoadsTotal.WithLabelValues(models.SourceMemory.String()).Inc()
			e.Deliver(models.LoadResult{
				Sink:       req.Sink,
				Identifier: req.Identifier,
				Generation: req.Generation,
				Image:      img,
				Source:     models.SourceMemory,
			})
			continue
		}
		e.schedule(req)
	}
	return len(reqs)
}

func (e *Engine) schedule(req models.Request) {
	err := e.workers.Submit(func() {
		img, source, err := e.Load(e.ctx, req.Identifier, req.Width, req.Height)
		e.post(models.LoadResult{
			Sink:       req.Sink,
			Identifier: req.Identifier,
			Generation: req.Generation,
			Image:      img,
			Source:     source,
			Err:        err,
		})
	})
	if err != nil {
		logger := config.GetLogger()
		logger.Debug().Err(err).Str("identifier", req.Identifier).Msg("Load not scheduled")
	}
}

// post hands a result to the dispatch loop. It blocks the worker while the
// result channel is full and gives up once the engine closes.
func (e *Engine) post(res models.LoadResult) {
	select {
	case e.results <- res:
	case <-e.ctx.Done():
	}
}

// Results returns the channel of completed loads. It is never closed; stop
// reading once Close has been called.
func (e *Engine) Results() <-chan models.LoadResult {
	return e.results
}

// Deliver applies res to its sink when it is still wanted: the sink has not
// been rebound or unbound since the request, its interest tag still names
// the identifier, and an image was produced. It reports whether the image
// was applied.
func (e *Engine) Deliver(res models.LoadResult) bool {
	if res.Sink == nil {
		return false
	}

	e.mu.Lock()
	b := e.bindings[res.Sink]
	current := b != nil && b.generation == res.Generation
	e.mu.Unlock()

	if !current || res.Sink.InterestTag() != res.Identifier {
		metrics.StaleResultsTotal.Inc()
		return false
	}
	if res.Image == nil {
		// The caller keeps its placeholder.
		return false
	}
	res.Sink.SetContent(res.Image)
	return true
}

// Run is the dispatch loop: it delivers results until ctx ends or the
// engine closes.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case res := <-e.results:
			e.Deliver(res)
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return nil
		}
	}
}

// PutMemoryCache stores img for identifier unless an image is already cached.
func (e *Engine) PutMemoryCache(identifier string, img image.Image) bool {
	return e.memory.Put(e.hasher.Key(identifier), img)
}

// GetMemoryCache returns the cached image for identifier.
func (e *Engine) GetMemoryCache(identifier string) (image.Image, bool) {
	return e.memory.Get(e.hasher.Key(identifier))
}

// Stats returns a snapshot of cache and worker state.
func (e *Engine) Stats() models.Stats {
	e.mu.Lock()
	paused := e.paused
	pending := len(e.pending)
	e.mu.Unlock()

	return models.Stats{
		MemoryEntries:  e.memory.Len(),
		MemoryBytes:    e.memory.Size(),
		MemoryMaxBytes: e.memory.MaxSize(),
		DiskEntries:    e.store.Len(),
		DiskBytes:      e.store.Size(),
		DiskMaxBytes:   e.store.MaxSize(),
		DiskDisabled:   e.store.Disabled(),
		RunningWorkers: e.workers.Running(),
		WaitingTasks:   e.workers.Waiting(),
		Paused:         paused,
		PendingBinds:   pending,
	}
}

// Close cancels in-flight loads, drops queued ones, waits for the workers,
// then flushes and closes the store and the memory cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	logger := config.GetLogger()
	e.cancel()
	if dropped := e.workers.Close(closeTimeout); dropped > 0 {
		logger.Debug().Int("dropped", dropped).Msg("Dropped queued loads on close")
	}

	var errs []error
	if err := e.store.Flush(); err != nil && !errors.Is(err, apperrors.ErrStoreDisabled) {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.memory.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
