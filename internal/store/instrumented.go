package store

import (
	"errors"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/metrics"
)

// instrumentedStore wraps a Store and records Prometheus metrics for hits,
// misses, evictions, write outcomes and size under the given group label.
type instrumentedStore struct {
	inner Store
	group string
}

// newInstrumentedStore registers lazy size collectors that query the inner
// store at scrape time.
func newInstrumentedStore(inner Store, group string) *instrumentedStore {
	metrics.RegisterCacheSize(group, inner.Len, inner.Size)
	return &instrumentedStore{inner: inner, group: group}
}

func onEvictMetric(group string) {
	metrics.CacheEvictionsTotal.WithLabelValues(group).Inc()
}

func (s *instrumentedStore) Edit(key string) (Editor, error) {
	ed, err := s.inner.Edit(key)
	if err != nil {
		return nil, err
	}
	return &instrumentedEditor{Editor: ed, group: s.group}, nil
}

func (s *instrumentedStore) Get(key string) (Snapshot, error) {
	snap, err := s.inner.Get(key)
	switch {
	case err == nil:
		metrics.CacheHitsTotal.WithLabelValues(s.group).Inc()
	case errors.Is(err, &apperrors.ErrNotFound{}):
		metrics.CacheMissesTotal.WithLabelValues(s.group).Inc()
	}
	return snap, err
}

func (s *instrumentedStore) Remove(key string) error { return s.inner.Remove(key) }
func (s *instrumentedStore) Flush() error            { return s.inner.Flush() }
func (s *instrumentedStore) Size() int64             { return s.inner.Size() }
func (s *instrumentedStore) MaxSize() int64          { return s.inner.MaxSize() }
func (s *instrumentedStore) Len() int                { return s.inner.Len() }
func (s *instrumentedStore) Disabled() bool          { return s.inner.Disabled() }

// Close unregisters the size collectors and closes the underlying store.
func (s *instrumentedStore) Close() error {
	metrics.UnregisterCacheSize(s.group)
	return s.inner.Close()
}

type instrumentedEditor struct {
	Editor
	group string
}

func (e *instrumentedEditor) Commit() error {
	err := e.Editor.Commit()
	outcome := "commit"
	if err != nil {
		outcome = "error"
	}
	metrics.CacheWritesTotal.WithLabelValues(e.group, outcome).Inc()
	return err
}

func (e *instrumentedEditor) Abort() error {
	metrics.CacheWritesTotal.WithLabelValues(e.group, "abort").Inc()
	return e.Editor.Abort()
}
