package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/Belphemur/ImageCache/internal/apperrors"
	"github.com/Belphemur/ImageCache/internal/config"
	"github.com/Belphemur/ImageCache/internal/sysinfo"
)

// DiskProvider is the name of the journal-backed filesystem provider.
const DiskProvider = "disk"

const (
	journalFile    = "journal"
	journalTmpFile = "journal.tmp"
	journalMagic   = "imagecache.store"
	journalVersion = "1"

	recordClean  = "CLEAN"
	recordDirty  = "DIRTY"
	recordRemove = "REMOVE"
	recordRead   = "READ"

	// Journal is rewritten once it holds this many redundant records and at
	// least as many redundant records as live entries.
	redundantRecordLimit = 2000
)

var validKey = regexp.MustCompile(`^[a-z0-9_-]{1,120}$`)

// usableSpace is swapped in tests.
var usableSpace = sysinfo.UsableSpace

func init() {
	Register(DiskProvider, newDiskStore)
}

type diskEntry struct {
	key      string
	lengths  []int64
	readable bool
	editor   *diskEditor
	readers  int
	// pending marks an entry whose DIRTY record had no matching CLEAN or
	// REMOVE when the journal was replayed.
	pending bool
}

func (e *diskEntry) size() int64 {
	var total int64
	for _, l := range e.lengths {
		total += l
	}
	return total
}

// diskStore keeps entries as plain files under dir and records every
// transition in an append-only journal so the LRU order and sizes survive
// restarts.
type diskStore struct {
	mu         sync.Mutex
	dir        string
	maxSize    int64
	valueCount int
	onEvict    EvictCallback

	entries   *simplelru.LRU[string, *diskEntry]
	size      int64
	readable  int
	redundant int

	journal *os.File
	writer  *bufio.Writer
	closed  bool
}

func newDiskStore(cfg ProviderConfig) (Store, error) {
	logger := config.GetLogger()

	if cfg.Dir == "" {
		return nil, &apperrors.ErrStoreUnavailable{Reason: "no cache directory configured"}
	}
	if cfg.MaxSize <= 0 {
		return nil, &apperrors.ErrStoreUnavailable{Dir: cfg.Dir, Reason: "max size must be positive"}
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, &apperrors.ErrStoreUnavailable{Dir: cfg.Dir, Reason: "cannot create directory", Err: err}
	}

	space, err := usableSpace(cfg.Dir)
	switch {
	case err != nil:
		logger.Warn().Err(err).Str("dir", cfg.Dir).Msg("Unable to determine usable disk space")
	case space <= uint64(cfg.MaxSize):
		return nil, &apperrors.ErrStoreUnavailable{
			Dir:    cfg.Dir,
			Reason: fmt.Sprintf("usable space %d bytes does not exceed budget %d bytes", space, cfg.MaxSize),
		}
	}

	s := &diskStore{
		dir:        cfg.Dir,
		maxSize:    cfg.MaxSize,
		valueCount: cfg.ValueCount,
		onEvict:    cfg.OnEvict,
	}
	s.entries, _ = simplelru.NewLRU[string, *diskEntry](math.MaxInt, nil)

	rebuild, err := s.readJournal()
	if err != nil {
		var corrupt *journalError
		if !errors.As(err, &corrupt) {
			return nil, &apperrors.ErrStoreUnavailable{Dir: cfg.Dir, Reason: "cannot read journal", Err: err}
		}
		logger.Warn().Err(err).Str("dir", cfg.Dir).Msg("Cache journal is corrupt, resetting the cache directory")
		if err := s.reset(); err != nil {
			return nil, &apperrors.ErrStoreUnavailable{Dir: cfg.Dir, Reason: "cannot reset directory", Err: err}
		}
		rebuild = true
	}
	s.processJournal()

	if rebuild {
		err = s.rebuildJournal()
	} else {
		err = s.openJournal()
	}
	if err != nil {
		return nil, &apperrors.ErrStoreUnavailable{Dir: cfg.Dir, Reason: "cannot write journal", Err: err}
	}

	// The budget may have shrunk since the journal was written.
	s.mu.Lock()
	s.trim()
	err = s.writer.Flush()
	s.mu.Unlock()
	if err != nil {
		_ = s.journal.Close()
		return nil, &apperrors.ErrStoreUnavailable{Dir: cfg.Dir, Reason: "cannot write journal", Err: err}
	}

	logger.Debug().
		Str("dir", cfg.Dir).
		Int("entries", s.readable).
		Int64("bytes", s.size).
		Int64("max_bytes", s.maxSize).
		Msg("Disk cache store opened")
	return s, nil
}

type journalError struct {
	line   string
	reason string
}

func (e *journalError) Error() string {
	return fmt.Sprintf("corrupt journal (%s): %q", e.reason, e.line)
}

// readJournal replays the journal into s.entries. It reports whether the
// journal must be rewritten because it does not exist or ends mid-record.
func (s *diskStore) readJournal() (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, journalFile))
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	lines := bytes.Split(data, []byte("\n"))
	// A journal ending with a newline leaves an empty final element; anything
	// else is a record cut short by a crash.
	truncated := len(lines[len(lines)-1]) != 0
	lines = lines[:len(lines)-1]

	if len(lines) < 4 {
		return false, &journalError{reason: "missing header"}
	}
	header := []string{journalMagic, journalVersion, strconv.Itoa(s.valueCount), ""}
	for i, want := range header {
		if got := string(lines[i]); got != want {
			return false, &journalError{line: got, reason: "unexpected header"}
		}
	}

	records := 0
	for _, raw := range lines[4:] {
		if err := s.replay(string(raw)); err != nil {
			return false, err
		}
		records++
	}
	s.redundant = records - s.entries.Len()
	return truncated, nil
}

func (s *diskStore) replay(line string) error {
	fields := strings.Split(line, " ")
	if len(fields) < 2 {
		return &journalError{line: line, reason: "too few fields"}
	}
	op, key := fields[0], fields[1]

	if op == recordRemove {
		if len(fields) != 2 {
			return &journalError{line: line, reason: "unexpected fields"}
		}
		s.entries.Remove(key)
		return nil
	}

	entry, ok := s.entries.Get(key)
	if !ok {
		entry = &diskEntry{key: key, lengths: make([]int64, s.valueCount)}
		s.entries.Add(key, entry)
	}

	switch {
	case op == recordClean && len(fields) == 2+s.valueCount:
		for i, f := range fields[2:] {
			n, err := strconv.ParseInt(f, 10, 64)
			if err != nil || n < 0 {
				return &journalError{line: line, reason: "invalid length"}
			}
			entry.lengths[i] = n
		}
		entry.readable = true
		entry.pending = false
	case op == recordDirty && len(fields) == 2:
		entry.pending = true
	case op == recordRead && len(fields) == 2:
	default:
		return &journalError{line: line, reason: "unknown record"}
	}
	return nil
}

// processJournal drops entries left half-written by a crash and computes the
// total size.
func (s *diskStore) processJournal() {
	_ = os.Remove(filepath.Join(s.dir, journalTmpFile))
	for _, key := range s.entries.Keys() {
		entry, _ := s.entries.Peek(key)
		if entry.pending {
			for i := 0; i < s.valueCount; i++ {
				_ = os.Remove(s.cleanPath(key, i))
				_ = os.Remove(s.dirtyPath(key, i))
			}
			s.entries.Remove(key)
			continue
		}
		if !entry.readable {
			s.entries.Remove(key)
			continue
		}
		s.size += entry.size()
		s.readable++
	}
}

// reset empties the cache directory.
func (s *diskStore) reset() error {
	items, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := os.RemoveAll(filepath.Join(s.dir, item.Name())); err != nil {
			return err
		}
	}
	s.entries.Purge()
	s.size, s.readable, s.redundant = 0, 0, 0
	return nil
}

func (s *diskStore) openJournal() error {
	f, err := os.OpenFile(filepath.Join(s.dir, journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.journal = f
	s.writer = bufio.NewWriter(f)
	return nil
}

// rebuildJournal writes a compact journal holding one record per entry and
// atomically replaces the current one.
func (s *diskStore) rebuildJournal() error {
	if s.writer != nil {
		_ = s.writer.Flush()
		_ = s.journal.Close()
		s.writer, s.journal = nil, nil
	}

	tmpPath := filepath.Join(s.dir, journalTmpFile)
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s\n%s\n%d\n\n", journalMagic, journalVersion, s.valueCount)
	for _, key := range s.entries.Keys() {
		entry, _ := s.entries.Peek(key)
		if entry.editor != nil {
			fmt.Fprintf(w, "%s %s\n", recordDirty, key)
		} else {
			fmt.Fprintf(w, "%s %s%s\n", recordClean, key, formatLengths(entry.lengths))
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, journalFile)); err != nil {
		return err
	}
	s.redundant = 0
	return s.openJournal()
}

func formatLengths(lengths []int64) string {
	var b strings.Builder
	for _, l := range lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(l, 10))
	}
	return b.String()
}

func (s *diskStore) cleanPath(key string, index int) string {
	return filepath.Join(s.dir, key+"."+strconv.Itoa(index))
}

func (s *diskStore) dirtyPath(key string, index int) string {
	return filepath.Join(s.dir, key+"."+strconv.Itoa(index)+".tmp")
}

// record appends one journal line. Callers hold s.mu.
func (s *diskStore) record(op, key, suffix string) error {
	if _, err := s.writer.WriteString(op + " " + key + suffix + "\n"); err != nil {
		return err
	}
	return nil
}

func (s *diskStore) checkOpen() error {
	if s.closed {
		return &apperrors.ErrStoreUnavailable{Dir: s.dir, Reason: "store is closed"}
	}
	return nil
}

func checkKey(key string) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("store: invalid key %q", key)
	}
	return nil
}

// Edit implements Store.
func (s *diskStore) Edit(key string) (Editor, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	entry, ok := s.entries.Peek(key)
	if ok && entry.editor != nil {
		return nil, &apperrors.ErrEditInProgress{Key: key}
	}
	if !ok {
		entry = &diskEntry{key: key, lengths: make([]int64, s.valueCount)}
		s.entries.Add(key, entry)
	}

	ed := &diskEditor{
		store:   s,
		entry:   entry,
		written: make([]*faultWriter, s.valueCount),
	}
	entry.editor = ed

	// Flushed immediately so a crash never leaves a data file without its DIRTY record.
	err := s.record(recordDirty, key, "")
	if err == nil {
		err = s.writer.Flush()
	}
	if err != nil {
		entry.editor = nil
		if !ok {
			s.entries.Remove(key)
		}
		return nil, err
	}
	return ed, nil
}

// Get implements Store.
func (s *diskStore) Get(key string) (Snapshot, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	entry, ok := s.entries.Peek(key)
	if !ok || !entry.readable {
		return nil, apperrors.NewEntryNotFoundError(key)
	}

	files := make([]*os.File, s.valueCount)
	for i := range files {
		f, err := os.Open(s.cleanPath(key, i))
		if err != nil {
			for _, opened := range files[:i] {
				_ = opened.Close()
			}
			if errors.Is(err, os.ErrNotExist) {
				// Deleted behind our back: forget the entry.
				s.removeEntry(entry)
				return nil, apperrors.NewEntryNotFoundError(key)
			}
			return nil, err
		}
		files[i] = f
	}

	s.entries.Get(key)
	entry.readers++
	s.redundant++
	if err := s.record(recordRead, key, ""); err != nil {
		entry.readers--
		for _, f := range files {
			_ = f.Close()
		}
		return nil, err
	}
	s.compactIfNeeded()

	lengths := make([]int64, len(entry.lengths))
	copy(lengths, entry.lengths)
	return &diskSnapshot{store: s, entry: entry, files: files, lengths: lengths}, nil
}

// Remove implements Store.
func (s *diskStore) Remove(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	entry, ok := s.entries.Peek(key)
	if !ok {
		return nil
	}
	if entry.editor != nil {
		return &apperrors.ErrEditInProgress{Key: key}
	}
	if err := s.removeEntry(entry); err != nil {
		return err
	}
	s.compactIfNeeded()
	return nil
}

// removeEntry deletes the files of a committed entry and journals the
// removal. Open snapshots keep reading the unlinked files. Callers hold s.mu.
func (s *diskStore) removeEntry(entry *diskEntry) error {
	for i := 0; i < s.valueCount; i++ {
		if err := os.Remove(s.cleanPath(entry.key, i)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if entry.readable {
		s.size -= entry.size()
		s.readable--
	}
	entry.readable = false
	s.entries.Remove(entry.key)
	s.redundant++
	return s.record(recordRemove, entry.key, "")
}

// trim evicts least recently used entries until the store fits its budget.
// Entries being edited or read are skipped. Callers hold s.mu.
func (s *diskStore) trim() {
	if s.size <= s.maxSize {
		return
	}
	logger := config.GetLogger()
	for _, key := range s.entries.Keys() {
		if s.size <= s.maxSize {
			return
		}
		entry, _ := s.entries.Peek(key)
		if !entry.readable || entry.editor != nil || entry.readers > 0 {
			continue
		}
		size := entry.size()
		if err := s.removeEntry(entry); err != nil {
			logger.Warn().Err(err).Str("key", key).Msg("Failed to evict cache entry")
			continue
		}
		if s.onEvict != nil {
			s.onEvict(key, size)
		}
	}
}

func (s *diskStore) compactIfNeeded() {
	if s.redundant < redundantRecordLimit || s.redundant < s.entries.Len() {
		return
	}
	if err := s.rebuildJournal(); err != nil {
		logger := config.GetLogger()
		logger.Warn().Err(err).Str("dir", s.dir).Msg("Failed to compact cache journal")
	}
}

// Flush implements Store.
func (s *diskStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	s.trim()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.journal.Sync()
}

// Size implements Store.
func (s *diskStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// MaxSize implements Store.
func (s *diskStore) MaxSize() int64 {
	return s.maxSize
}

// Len implements Store.
func (s *diskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readable
}

// Disabled implements Store.
func (s *diskStore) Disabled() bool {
	return false
}

// Close aborts open editors, trims to budget and closes the journal.
func (s *diskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	for _, key := range s.entries.Keys() {
		if entry, ok := s.entries.Peek(key); ok && entry.editor != nil {
			_ = entry.editor.abortLocked()
		}
	}
	s.trim()
	s.closed = true

	flushErr := s.writer.Flush()
	closeErr := s.journal.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// faultWriter remembers the first write error so Commit can refuse to
// publish a partially written stream.
type faultWriter struct {
	f   *os.File
	err error
}

func (w *faultWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

type diskEditor struct {
	store   *diskStore
	entry   *diskEntry
	written []*faultWriter
	done    bool
}

func (e *diskEditor) Key() string {
	return e.entry.key
}

// Writer implements Editor.
func (e *diskEditor) Writer(index int) (io.Writer, error) {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.done {
		return nil, fmt.Errorf("store: editor for %s is finished", e.entry.key)
	}
	if index < 0 || index >= s.valueCount {
		return nil, fmt.Errorf("store: index %d out of range [0,%d)", index, s.valueCount)
	}
	if w := e.written[index]; w != nil {
		return w, nil
	}

	f, err := os.Create(s.dirtyPath(e.entry.key, index))
	if err != nil {
		return nil, err
	}
	w := &faultWriter{f: f}
	e.written[index] = w
	return w, nil
}

// Commit implements Editor.
func (e *diskEditor) Commit() error {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.done {
		return fmt.Errorf("store: editor for %s is finished", e.entry.key)
	}

	var failure error
	for i, w := range e.written {
		if w == nil {
			if !e.entry.readable {
				failure = fmt.Errorf("store: new entry %s has no value for index %d", e.entry.key, i)
			}
			continue
		}
		if err := w.f.Close(); err != nil && failure == nil {
			failure = err
		}
		if w.err != nil && failure == nil {
			failure = w.err
		}
	}
	if failure != nil {
		_ = e.abortLocked()
		return failure
	}

	entry := e.entry
	oldSize := entry.size()
	for i, w := range e.written {
		if w == nil {
			continue
		}
		clean := s.cleanPath(entry.key, i)
		if err := os.Rename(s.dirtyPath(entry.key, i), clean); err != nil {
			_ = e.abortLocked()
			return err
		}
		info, err := os.Stat(clean)
		if err != nil {
			_ = e.abortLocked()
			return err
		}
		entry.lengths[i] = info.Size()
	}

	e.done = true
	entry.editor = nil
	if entry.readable {
		s.size -= oldSize
	} else {
		s.readable++
	}
	entry.readable = true
	s.size += entry.size()
	s.entries.Get(entry.key)
	s.redundant++

	if err := s.record(recordClean, entry.key, formatLengths(entry.lengths)); err != nil {
		return err
	}
	s.trim()
	s.compactIfNeeded()
	return nil
}

// Abort implements Editor.
func (e *diskEditor) Abort() error {
	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return e.abortLocked()
}

func (e *diskEditor) abortLocked() error {
	if e.done {
		return nil
	}
	e.done = true

	s := e.store
	entry := e.entry
	for i, w := range e.written {
		if w == nil {
			continue
		}
		_ = w.f.Close()
		_ = os.Remove(s.dirtyPath(entry.key, i))
	}
	entry.editor = nil
	s.redundant++

	if entry.readable {
		return s.record(recordClean, entry.key, formatLengths(entry.lengths))
	}
	s.entries.Remove(entry.key)
	return s.record(recordRemove, entry.key, "")
}

type diskSnapshot struct {
	store   *diskStore
	entry   *diskEntry
	files   []*os.File
	lengths []int64
	once    sync.Once
}

func (sn *diskSnapshot) Key() string {
	return sn.entry.key
}

// Reader implements Snapshot.
func (sn *diskSnapshot) Reader(index int) (io.ReadSeeker, error) {
	if index < 0 || index >= len(sn.files) {
		return nil, fmt.Errorf("store: index %d out of range [0,%d)", index, len(sn.files))
	}
	f := sn.files[index]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

// Length implements Snapshot.
func (sn *diskSnapshot) Length(index int) int64 {
	if index < 0 || index >= len(sn.lengths) {
		return 0
	}
	return sn.lengths[index]
}

// Close releases the files and unpins the entry.
func (sn *diskSnapshot) Close() error {
	var err error
	sn.once.Do(func() {
		for _, f := range sn.files {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}

		s := sn.store
		s.mu.Lock()
		defer s.mu.Unlock()
		sn.entry.readers--
		if !s.closed {
			s.trim()
		}
	})
	return err
}
