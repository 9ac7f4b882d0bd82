package store

import (
	"os"
	"path/filepath"

	gap "github.com/muesli/go-app-paths"

	"github.com/Belphemur/ImageCache/internal/config"
)

const (
	appName   = "imagecache"
	uniqueDir = "image"
)

// ResolveDir returns the directory holding the disk store. A configured
// directory wins; otherwise the per-user cache directory is used, falling
// back to the system temporary directory. The unique "image" subdirectory is
// always appended.
func ResolveDir(configured string) string {
	if configured != "" {
		return filepath.Join(configured, uniqueDir)
	}

	scope := gap.NewScope(gap.User, appName)
	base, err := scope.CacheDir()
	if err != nil || base == "" {
		logger := config.GetLogger()
		logger.Warn().Err(err).Msg("Could not find the user cache directory, using the temporary directory")
		base = filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(base, uniqueDir)
}

// OpenFromConfig opens the store described by cfg.DiskCache. It never fails:
// an unusable store comes back disabled.
func OpenFromConfig(cfg *config.Config, onEvict EvictCallback) Store {
	provider := cfg.DiskCache.Provider
	if provider == "" {
		provider = DiskProvider
	}

	maxSize, err := cfg.DiskCacheMaxBytes()
	if err != nil {
		logger := config.GetLogger()
		logger.Warn().Err(err).Str("max_size", cfg.DiskCache.MaxSize).Msg("Invalid disk cache size, using the default")
		maxSize = config.DefaultDiskCacheSize
	}

	return Open(provider, ProviderConfig{
		Dir:           ResolveDir(cfg.DiskCache.Dir),
		MaxSize:       maxSize,
		ValueCount:    1,
		OnEvict:       onEvict,
		RedisAddress:  cfg.DiskCache.Redis.Address,
		RedisPassword: cfg.DiskCache.Redis.Password,
		RedisDB:       cfg.DiskCache.Redis.DB,
		Group:         provider,
	})
}
