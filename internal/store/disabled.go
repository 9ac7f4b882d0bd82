package store

import "github.com/Belphemur/ImageCache/internal/apperrors"

// DisabledProvider is the name of the provider used when persistence is off
// or a real store failed to open.
const DisabledProvider = "disabled"

func init() {
	Register(DisabledProvider, newDisabledStore)
}

// disabledStore reports every lookup and edit as unavailable.
type disabledStore struct {
	maxSize int64
}

func newDisabledStore(cfg ProviderConfig) (Store, error) {
	return &disabledStore{maxSize: cfg.MaxSize}, nil
}

func (d *disabledStore) Edit(string) (Editor, error)  { return nil, apperrors.ErrStoreDisabled }
func (d *disabledStore) Get(string) (Snapshot, error) { return nil, apperrors.ErrStoreDisabled }
func (d *disabledStore) Remove(string) error          { return nil }
func (d *disabledStore) Flush() error                 { return nil }
func (d *disabledStore) Size() int64                  { return 0 }
func (d *disabledStore) MaxSize() int64               { return d.maxSize }
func (d *disabledStore) Len() int                     { return 0 }
func (d *disabledStore) Disabled() bool               { return true }
func (d *disabledStore) Close() error                 { return nil }
