package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/getsentry/sentry-go"

	"github.com/Belphemur/ImageCache/internal/config"
)

// ProviderConfig holds the configuration needed to create a store instance.
type ProviderConfig struct {
	// Dir is the directory used by the disk provider.
	Dir string
	// MaxSize is the byte budget.
	MaxSize int64
	// ValueCount is the number of streams per entry. Defaults to 1.
	ValueCount int
	// OnEvict is called when an entry is evicted. Not all providers support this.
	OnEvict EvictCallback
	// RedisAddress is the Redis/Valkey server address (e.g., "localhost:6379").
	RedisAddress string
	// RedisPassword is the password for the Redis/Valkey server.
	RedisPassword string
	// RedisDB is the Redis/Valkey database number.
	RedisDB int
	// Group is an optional label value used to namespace Prometheus metrics.
	// When non-empty the store is automatically wrapped with metric instrumentation.
	Group string
}

// Provider is a constructor function that creates a Store from config.
type Provider func(cfg ProviderConfig) (Store, error)

var (
	mu        sync.RWMutex
	providers = make(map[string]Provider)
)

// Register registers a store provider under the given name.
// It panics if the name is already registered or the provider is nil.
func Register(name string, p Provider) {
	mu.Lock()
	defer mu.Unlock()

	if p == nil {
		panic("store: Register provider is nil")
	}
	if _, exists := providers[name]; exists {
		panic(fmt.Sprintf("store: provider %q already registered", name))
	}
	providers[name] = p
}

// New creates a new Store using the named provider and the given config.
// When cfg.Group is non-empty the resulting store is wrapped with metric
// instrumentation.
func New(name string, cfg ProviderConfig) (Store, error) {
	mu.RLock()
	p, ok := providers[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("store: unknown provider %q (registered: %v)", name, RegisteredProviders())
	}
	if cfg.ValueCount <= 0 {
		cfg.ValueCount = 1
	}

	if cfg.Group == "" {
		return p(cfg)
	}

	group := cfg.Group
	original := cfg.OnEvict
	cfg.OnEvict = func(key string, size int64) {
		onEvictMetric(group)
		if original != nil {
			original(key, size)
		}
	}

	inner, err := p(cfg)
	if err != nil {
		return nil, err
	}
	return newInstrumentedStore(inner, group), nil
}

// Open is New that never fails: when the provider cannot open, the failure
// is logged and reported and a disabled store is returned instead, so the
// caller keeps working without persistence for the rest of the process.
func Open(name string, cfg ProviderConfig) Store {
	s, err := New(name, cfg)
	if err == nil {
		return s
	}

	logger := config.GetLogger()
	logger.Error().
		Err(err).
		Str("provider", name).
		Str("dir", cfg.Dir).
		Msg("Cache store unavailable, continuing with the store disabled")
	sentry.CaptureException(err)

	disabled, _ := New(DisabledProvider, ProviderConfig{MaxSize: cfg.MaxSize, Group: cfg.Group})
	return disabled
}

// RegisteredProviders returns a sorted list of registered provider names.
func RegisteredProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
