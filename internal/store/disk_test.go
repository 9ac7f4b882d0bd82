package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Belphemur/ImageCache/internal/apperrors"
)

func newTestDiskStore(t *testing.T, dir string, maxSize int64, onEvict EvictCallback) Store {
	t.Helper()
	s, err := New(DiskProvider, ProviderConfig{Dir: dir, MaxSize: maxSize, OnEvict: onEvict})
	if err != nil {
		t.Fatalf("New disk store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeEntry(t *testing.T, s Store, key, value string) {
	t.Helper()
	ed, err := s.Edit(key)
	if err != nil {
		t.Fatalf("Edit(%s): %v", key, err)
	}
	w, err := ed.Writer(0)
	if err != nil {
		t.Fatalf("Writer(%s): %v", key, err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		t.Fatalf("Write(%s): %v", key, err)
	}
	if err := ed.Commit(); err != nil {
		t.Fatalf("Commit(%s): %v", key, err)
	}
}

func readEntry(t *testing.T, s Store, key string) (string, bool) {
	t.Helper()
	snap, err := s.Get(key)
	if errors.Is(err, &apperrors.ErrNotFound{}) {
		return "", false
	}
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	defer snap.Close()
	r, err := snap.Reader(0)
	if err != nil {
		t.Fatalf("Reader(%s): %v", key, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll(%s): %v", key, err)
	}
	return string(data), true
}

func TestDiskStore_CommitAndGet(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 1024, nil)

	if _, ok := readEntry(t, s, "abc"); ok {
		t.Fatal("Expected miss for new key")
	}

	writeEntry(t, s, "abc", "hello")

	val, ok := readEntry(t, s, "abc")
	if !ok {
		t.Fatal("Expected hit after Commit")
	}
	if val != "hello" {
		t.Fatalf("Expected 'hello', got %q", val)
	}
	if s.Len() != 1 {
		t.Errorf("Expected Len 1, got %d", s.Len())
	}
	if s.Size() != 5 {
		t.Errorf("Expected Size 5, got %d", s.Size())
	}
	if s.Disabled() {
		t.Error("Expected disk store not to be disabled")
	}
}

func TestDiskStore_SnapshotLengthAndSeek(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 1024, nil)
	writeEntry(t, s, "abc", "0123456789")

	snap, err := s.Get("abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer snap.Close()

	if snap.Length(0) != 10 {
		t.Errorf("Expected length 10, got %d", snap.Length(0))
	}
	if snap.Key() != "abc" {
		t.Errorf("Expected key abc, got %s", snap.Key())
	}

	r, _ := snap.Reader(0)
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	all, _ := io.ReadAll(r)
	if string(all) != "0123456789" {
		t.Errorf("Expected full content after seek, got %q", string(all))
	}

	if _, err := snap.Reader(1); err == nil {
		t.Error("Expected error for out of range index")
	}
}

func TestDiskStore_EditInProgress(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 1024, nil)

	ed, err := s.Edit("abc")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}

	_, err = s.Edit("abc")
	if !errors.Is(err, &apperrors.ErrEditInProgress{}) {
		t.Fatalf("Expected ErrEditInProgress, got %v", err)
	}

	if err := s.Remove("abc"); !errors.Is(err, &apperrors.ErrEditInProgress{}) {
		t.Fatalf("Expected ErrEditInProgress from Remove, got %v", err)
	}

	if err := ed.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if _, err := s.Edit("abc"); err != nil {
		t.Fatalf("Expected Edit to succeed after Abort, got %v", err)
	}
}

func TestDiskStore_AbortNewEntry(t *testing.T) {
	dir := t.TempDir()
	s := newTestDiskStore(t, dir, 1024, nil)

	ed, err := s.Edit("abc")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	w, _ := ed.Writer(0)
	_, _ = io.WriteString(w, "partial")
	if err := ed.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	if _, ok := readEntry(t, s, "abc"); ok {
		t.Fatal("Expected aborted entry to be absent")
	}
	if s.Len() != 0 || s.Size() != 0 {
		t.Errorf("Expected empty store, got Len %d Size %d", s.Len(), s.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "abc.0.tmp")); !os.IsNotExist(err) {
		t.Errorf("Expected temp file to be removed, got %v", err)
	}
	if err := ed.Abort(); err != nil {
		t.Errorf("Expected second Abort to be a no-op, got %v", err)
	}
}

func TestDiskStore_AbortKeepsPreviousValue(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 1024, nil)
	writeEntry(t, s, "abc", "old")

	ed, err := s.Edit("abc")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	w, _ := ed.Writer(0)
	_, _ = io.WriteString(w, "new value")
	_ = ed.Abort()

	if val, _ := readEntry(t, s, "abc"); val != "old" {
		t.Fatalf("Expected 'old' after abort, got %q", val)
	}

	writeEntry(t, s, "abc", "newer")
	if val, _ := readEntry(t, s, "abc"); val != "newer" {
		t.Fatalf("Expected 'newer', got %q", val)
	}
	if s.Size() != 5 {
		t.Errorf("Expected Size 5 after overwrite, got %d", s.Size())
	}
	if s.Len() != 1 {
		t.Errorf("Expected Len 1 after overwrite, got %d", s.Len())
	}
}

func TestDiskStore_CommitWithoutValueFails(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 1024, nil)

	ed, err := s.Edit("abc")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := ed.Commit(); err == nil {
		t.Fatal("Expected Commit of an empty new entry to fail")
	}
	if _, ok := readEntry(t, s, "abc"); ok {
		t.Fatal("Expected entry to be absent after failed commit")
	}
	if _, err := s.Edit("abc"); err != nil {
		t.Fatalf("Expected key to be editable after failed commit, got %v", err)
	}
}

func TestDiskStore_InvalidKey(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 1024, nil)

	for _, key := range []string{"", "UPPER", "with space", "../escape", strings.Repeat("a", 121)} {
		if _, err := s.Edit(key); err == nil {
			t.Errorf("Expected error for key %q", key)
		}
	}
}

func TestDiskStore_Remove(t *testing.T) {
	dir := t.TempDir()
	s := newTestDiskStore(t, dir, 1024, nil)
	writeEntry(t, s, "abc", "hello")

	if err := s.Remove("abc"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := readEntry(t, s, "abc"); ok {
		t.Fatal("Expected miss after Remove")
	}
	if s.Size() != 0 {
		t.Errorf("Expected Size 0 after Remove, got %d", s.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "abc.0")); !os.IsNotExist(err) {
		t.Errorf("Expected data file to be deleted, got %v", err)
	}
	if err := s.Remove("missing"); err != nil {
		t.Errorf("Expected Remove of a missing key to succeed, got %v", err)
	}
}

func TestDiskStore_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	s := newTestDiskStore(t, t.TempDir(), 10, func(key string, size int64) {
		evicted = append(evicted, key)
		if size != 4 {
			t.Errorf("Expected evicted size 4, got %d", size)
		}
	})

	writeEntry(t, s, "a", "aaaa")
	writeEntry(t, s, "b", "bbbb")
	readEntry(t, s, "a") // a is now most recently used
	writeEntry(t, s, "c", "cccc")

	if _, ok := readEntry(t, s, "b"); ok {
		t.Error("Expected b to be evicted")
	}
	if _, ok := readEntry(t, s, "a"); !ok {
		t.Error("Expected a to survive")
	}
	if _, ok := readEntry(t, s, "c"); !ok {
		t.Error("Expected c to survive")
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("Expected evicted [b], got %v", evicted)
	}
	if s.Size() > s.MaxSize() {
		t.Errorf("Expected Size %d <= MaxSize %d", s.Size(), s.MaxSize())
	}
}

func TestDiskStore_OpenSnapshotIsNotEvicted(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 10, nil)
	writeEntry(t, s, "a", "aaaaaa")

	snap, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	writeEntry(t, s, "b", "bbbbbb")

	r, _ := snap.Reader(0)
	data, _ := io.ReadAll(r)
	if string(data) != "aaaaaa" {
		t.Errorf("Expected pinned entry to stay readable, got %q", string(data))
	}
	_ = snap.Close()

	if _, ok := readEntry(t, s, "a"); !ok {
		t.Error("Expected pinned entry a to survive trimming")
	}
	if s.Size() > s.MaxSize() {
		t.Errorf("Expected Size %d <= MaxSize %d after snapshot close", s.Size(), s.MaxSize())
	}
}

func TestDiskStore_SizeStaysWithinBudget(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 100, nil)

	for i := 0; i < 50; i++ {
		writeEntry(t, s, "k"+strings.Repeat("x", i%7)+string(rune('a'+i%26)), strings.Repeat("v", 1+i%13))
		if s.Size() > s.MaxSize() {
			t.Fatalf("Size %d exceeded MaxSize %d after write %d", s.Size(), s.MaxSize(), i)
		}
	}
}

func TestDiskStore_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := New(DiskProvider, ProviderConfig{Dir: dir, MaxSize: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writeEntry(t, s, "a", "aaaa")
	writeEntry(t, s, "b", "bbbb")
	readEntry(t, s, "a")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newTestDiskStore(t, dir, 10, nil)
	if reopened.Len() != 2 {
		t.Fatalf("Expected 2 entries after restart, got %d", reopened.Len())
	}
	if reopened.Size() != 8 {
		t.Fatalf("Expected Size 8 after restart, got %d", reopened.Size())
	}

	// Recency survives the restart: b is the least recently used entry.
	writeEntry(t, reopened, "c", "cccc")
	if _, ok := readEntry(t, reopened, "b"); ok {
		t.Error("Expected b to be evicted after restart")
	}
	if val, ok := readEntry(t, reopened, "a"); !ok || val != "aaaa" {
		t.Errorf("Expected a='aaaa' after restart, got %q (hit=%v)", val, ok)
	}
}

func TestDiskStore_ReopenWithSmallerBudgetTrims(t *testing.T) {
	dir := t.TempDir()

	s, err := New(DiskProvider, ProviderConfig{Dir: dir, MaxSize: 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writeEntry(t, s, "a", "aaaa")
	writeEntry(t, s, "b", "bbbb")
	writeEntry(t, s, "c", "cccc")
	readEntry(t, s, "a")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var evicted []string
	shrunk, err := New(DiskProvider, ProviderConfig{
		Dir:     dir,
		MaxSize: 6,
		OnEvict: func(key string, _ int64) { evicted = append(evicted, key) },
	})
	if err != nil {
		t.Fatalf("New with smaller budget: %v", err)
	}
	if shrunk.Size() > shrunk.MaxSize() {
		t.Fatalf("Expected Size within %d after reopen, got %d", shrunk.MaxSize(), shrunk.Size())
	}
	if shrunk.Len() != 1 {
		t.Fatalf("Expected 1 entry after reopen, got %d", shrunk.Len())
	}
	if len(evicted) != 2 || evicted[0] != "b" || evicted[1] != "c" {
		t.Errorf("Expected b and c evicted, got %v", evicted)
	}
	if val, ok := readEntry(t, shrunk, "a"); !ok || val != "aaaa" {
		t.Errorf("Expected the most recent entry a to survive, got %q (hit=%v)", val, ok)
	}
	if err := shrunk.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The evictions were journaled.
	again := newTestDiskStore(t, dir, 6, nil)
	if again.Len() != 1 || again.Size() != 4 {
		t.Errorf("Expected Len 1 Size 4 after a second reopen, got Len %d Size %d", again.Len(), again.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "b.0")); !os.IsNotExist(err) {
		t.Errorf("Expected the evicted file to be deleted, got %v", err)
	}
}

func TestDiskStore_FailedEditReleasesKey(t *testing.T) {
	s := newTestDiskStore(t, t.TempDir(), 1024, nil)
	writeEntry(t, s, "kept", "old")

	ds := s.(*diskStore)
	// Journal writes fail from here on.
	_ = ds.journal.Close()

	if _, err := s.Edit("kept"); err == nil {
		t.Fatal("Expected Edit to fail when the journal cannot be written")
	}
	if _, err := s.Edit("fresh"); err == nil {
		t.Fatal("Expected Edit to fail when the journal cannot be written")
	}
	if _, ok := ds.entries.Peek("fresh"); ok {
		t.Error("Expected the failed new entry not to be tracked")
	}

	if err := ds.openJournal(); err != nil {
		t.Fatalf("openJournal: %v", err)
	}
	for _, key := range []string{"kept", "fresh"} {
		ed, err := s.Edit(key)
		if err != nil {
			t.Fatalf("Expected Edit(%s) to succeed after the journal recovered, got %v", key, err)
		}
		if err := ed.Abort(); err != nil {
			t.Fatalf("Abort(%s): %v", key, err)
		}
	}
	if val, ok := readEntry(t, s, "kept"); !ok || val != "old" {
		t.Errorf("Expected kept='old', got %q (hit=%v)", val, ok)
	}
	if err := s.Remove("kept"); err != nil {
		t.Errorf("Expected Remove to succeed, got %v", err)
	}
}

func TestDiskStore_UncommittedEditDroppedOnReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := New(DiskProvider, ProviderConfig{Dir: dir, MaxSize: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ed, err := s.Edit("abc")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	w, _ := ed.Writer(0)
	_, _ = io.WriteString(w, "partial")

	// Simulate a crash: drop the journal handle without aborting or closing.
	crashed := s.(*diskStore)
	_ = crashed.journal.Close()
	crashed.closed = true

	reopened := newTestDiskStore(t, dir, 1024, nil)
	if _, ok := readEntry(t, reopened, "abc"); ok {
		t.Fatal("Expected uncommitted entry to be absent after reopen")
	}
	if _, err := os.Stat(filepath.Join(dir, "abc.0.tmp")); !os.IsNotExist(err) {
		t.Errorf("Expected temp file to be cleaned up, got %v", err)
	}
}

func TestDiskStore_CorruptJournalResets(t *testing.T) {
	dir := t.TempDir()

	s, err := New(DiskProvider, ProviderConfig{Dir: dir, MaxSize: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writeEntry(t, s, "abc", "hello")
	_ = s.Close()

	if err := os.WriteFile(filepath.Join(dir, journalFile), []byte("not a journal\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reopened := newTestDiskStore(t, dir, 1024, nil)
	if reopened.Len() != 0 {
		t.Fatalf("Expected empty store after corrupt journal, got %d entries", reopened.Len())
	}
	if _, err := os.Stat(filepath.Join(dir, "abc.0")); !os.IsNotExist(err) {
		t.Errorf("Expected stale data file to be removed, got %v", err)
	}

	writeEntry(t, reopened, "abc", "again")
	if val, _ := readEntry(t, reopened, "abc"); val != "again" {
		t.Errorf("Expected store to be usable after reset, got %q", val)
	}
}

func TestDiskStore_TruncatedRecordIgnored(t *testing.T) {
	dir := t.TempDir()

	s, err := New(DiskProvider, ProviderConfig{Dir: dir, MaxSize: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writeEntry(t, s, "abc", "hello")
	_ = s.Close()

	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	_, _ = f.WriteString("REMOVE ab")
	_ = f.Close()

	reopened := newTestDiskStore(t, dir, 1024, nil)
	if val, ok := readEntry(t, reopened, "abc"); !ok || val != "hello" {
		t.Fatalf("Expected abc='hello' after truncated record, got %q (hit=%v)", val, ok)
	}

	data, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "REMOVE ab\n") || !strings.HasSuffix(string(data), "\n") {
		t.Errorf("Expected journal to be rewritten without the truncated record, got %q", string(data))
	}
}

func TestDiskStore_CompactsJournal(t *testing.T) {
	dir := t.TempDir()
	s := newTestDiskStore(t, dir, 1024, nil)
	writeEntry(t, s, "abc", "hello")

	for i := 0; i < redundantRecordLimit+100; i++ {
		readEntry(t, s, "abc")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, journalFile))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Count(string(data), "\n")
	if lines >= redundantRecordLimit {
		t.Errorf("Expected compacted journal, got %d lines", lines)
	}
	if val, _ := readEntry(t, s, "abc"); val != "hello" {
		t.Errorf("Expected entry to survive compaction, got %q", val)
	}
}

func TestDiskStore_LowSpaceIsUnavailable(t *testing.T) {
	original := usableSpace
	usableSpace = func(string) (uint64, error) { return 100, nil }
	t.Cleanup(func() { usableSpace = original })

	_, err := New(DiskProvider, ProviderConfig{Dir: t.TempDir(), MaxSize: 1000})
	if !errors.Is(err, &apperrors.ErrStoreUnavailable{}) {
		t.Fatalf("Expected ErrStoreUnavailable, got %v", err)
	}

	s := Open(DiskProvider, ProviderConfig{Dir: t.TempDir(), MaxSize: 1000})
	defer s.Close()
	if !s.Disabled() {
		t.Fatal("Expected Open to fall back to a disabled store")
	}
	if _, err := s.Edit("abc"); !errors.Is(err, apperrors.ErrStoreDisabled) {
		t.Errorf("Expected ErrStoreDisabled from Edit, got %v", err)
	}
	if _, err := s.Get("abc"); !errors.Is(err, apperrors.ErrStoreDisabled) {
		t.Errorf("Expected ErrStoreDisabled from Get, got %v", err)
	}
}

func TestDiskStore_ClosedStoreRejectsOperations(t *testing.T) {
	s, err := New(DiskProvider, ProviderConfig{Dir: t.TempDir(), MaxSize: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ed, _ := s.Edit("open")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := ed.Commit(); err == nil {
		t.Error("Expected Commit on an editor aborted by Close to fail")
	}
	if _, err := s.Edit("abc"); !errors.Is(err, &apperrors.ErrStoreUnavailable{}) {
		t.Errorf("Expected ErrStoreUnavailable after Close, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Expected second Close to be a no-op, got %v", err)
	}
}

func TestDiskStore_RequiresDirectory(t *testing.T) {
	_, err := New(DiskProvider, ProviderConfig{MaxSize: 1024})
	if !errors.Is(err, &apperrors.ErrStoreUnavailable{}) {
		t.Fatalf("Expected ErrStoreUnavailable without a directory, got %v", err)
	}
}
