package engine

import (
	"context"
	"errors"
	"image"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/config"
	"github.com/Belphemur/ImageCache/internal/metrics"
	"github.com/Belphemur/ImageCache/internal/models"
)

// Load produces the image for identifier at roughly width x height. It
// consults the memory cache, then the store, and finally streams the bytes
// from the network into the store before decoding them from there. When
// the store is disabled the network bytes are decoded directly. A nil
// image with SourceNone means the image is absent; err says why.
func (e *Engine) Load(ctx context.Context, identifier string, width, height int) (image.Image, models.Source, error) {
	img, source, err := e.load(ctx, identifier, width, height)
	metrics.ImageLoadsTotal.WithLabelValues(source.String()).Inc()
	if err != nil {
		logger := config.GetLogger()
		logger.Debug().Err(err).Str("identifier", identifier).Msg("Image load failed")
	}
	return img, source, err
}

func (e *Engine) load(ctx context.Context, identifier string, width, height int) (image.Image, models.Source, error) {
	key := e.hasher.Key(identifier)

	if img, ok := e.memory.Get(key); ok {
		return img, models.SourceMemory, nil
	}
	if e.store.Disabled() {
		return e.loadDirect(ctx, key, identifier, width, height)
	}

	img, err := e.loadFromStore(key, width, height)
	switch {
	case err == nil:
		e.memory.Put(key, img)
		return img, models.SourceDisk, nil
	case errors.Is(err, &apperrors.ErrNotFound{}):
	case errors.Is(err, &apperrors.ErrDecodeFailed{}):
		return nil, models.SourceNone, err
	case errors.Is(err, apperrors.ErrStoreDisabled):
		return e.loadDirect(ctx, key, identifier, width, height)
	default:
		if !e.fallback {
			return nil, models.SourceNone, err
		}
		logger := config.GetLogger()
		logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, fetching from the network")
		return e.loadDirect(ctx, key, identifier, width, height)
	}

	if err := e.fetchIntoStore(ctx, key, identifier); err != nil {
		switch {
		case errors.Is(err, &apperrors.ErrEditInProgress{}):
			// Another load is writing this key; fetch our own copy.
			return e.loadDirect(ctx, key, identifier, width, height)
		case errors.Is(err, apperrors.ErrStoreDisabled):
			return e.loadDirect(ctx, key, identifier, width, height)
		default:
			return nil, models.SourceNone, err
		}
	}

	img, err = e.loadFromStore(key, width, height)
	if err != nil {
		return nil, models.SourceNone, err
	}
	e.memory.Put(key, img)
	return img, models.SourceNetwork, nil
}

// loadFromStore decodes the committed entry for key. An entry that does
// not decode is removed.
func (e *Engine) loadFromStore(key string, width, height int) (image.Image, error) {
	snap, err := e.store.Get(key)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	r, err := snap.Reader(0)
	if err != nil {
		return nil, err
	}
	img, err := e.decoder.DecodeBounded(r, width, height)
	if err != nil {
		logger := config.GetLogger()
		logger.Warn().Err(err).Str("key", key).Msg("Removing undecodable cache entry")
		if rmErr := e.store.Remove(key); rmErr != nil {
			logger.Error().Err(rmErr).Str("key", key).Msg("Failed to remove undecodable cache entry")
		}
		return nil, err
	}
	return img, nil
}

// fetchIntoStore streams identifier into a write transaction for key,
// committing on success and aborting on failure. The store is flushed
// either way.
func (e *Engine) fetchIntoStore(ctx context.Context, key, identifier string) error {
	ed, err := e.store.Edit(key)
	if err != nil {
		return err
	}
	defer e.flush()

	w, err := ed.Writer(0)
	if err != nil {
		_ = ed.Abort()
		return err
	}
	if err := e.fetcher.Stream(ctx, identifier, w); err != nil {
		if abortErr := ed.Abort(); abortErr != nil {
			logger := config.GetLogger()
			logger.Error().Err(abortErr).Str("key", key).Msg("Failed to abort cache write")
		}
		return err
	}
	return ed.Commit()
}

func (e *Engine) flush() {
	if err := e.store.Flush(); err != nil {
		logger := config.GetLogger()
		logger.Error().Err(err).Msg("Failed to flush cache store")
	}
}

func (e *Engine) loadDirect(ctx context.Context, key, identifier string, width, height int) (image.Image, models.Source, error) {
	img, err := e.fetcher.FetchDecoded(ctx, identifier, width, height)
	if err != nil {
		return nil, models.SourceNone, err
	}
	e.memory.Put(key, img)
	return img, models.SourceDirect, nil
}
