package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"genie/internal/errs"
	"genie/internal/normalize"
)

const fileBackend = "file"

// FileStore keeps one JSON document per snapshot in a directory and serves
// every tier from in-process indices.
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	index  *Index
	engine *Engine

	// mu serializes writers; the index has its own lock for readers.
	mu          sync.Mutex
	initialized atomic.Bool
	loadErrors  int
}

func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	index := NewIndex()
	return &FileStore{
		dir:    dir,
		logger: logger.With("backend", fileBackend),
		now:    time.Now,
		index:  index,
		engine: NewEngine(index, nil),
	}
}

func (f *FileStore) Backend() string { return fileBackend }

func (f *FileStore) Initialize(ctx context.Context) (err error) {
	defer track(fileBackend, "initialize")(&err)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized.Load() {
		return nil
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var loaded []*Snapshot
	f.loadErrors = 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := f.readFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			f.loadErrors++
			f.logger.Warn("skipping unreadable snapshot", "file", entry.Name(), "error", err)
			continue
		}
		loaded = append(loaded, s)
	}

	sort.Slice(loaded, func(i, j int) bool {
		if !loaded[i].CreatedDate.Equal(loaded[j].CreatedDate) {
			return loaded[i].CreatedDate.Before(loaded[j].CreatedDate)
		}
		return loaded[i].IDHash < loaded[j].IDHash
	})

	f.index.Reset()
	for _, s := range loaded {
		f.index.Put(s)
	}
	f.initialized.Store(true)
	f.logger.Info("snapshot store initialized", "dir", f.dir, "snapshots", len(loaded), "load_errors", f.loadErrors)
	return nil
}

func (f *FileStore) readFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.QuestionNormalized == "" {
		s.QuestionNormalized = normalize.Normalize(s.Question)
	}
	if s.IDHash == "" {
		s.IDHash = HashQuestion(s.QuestionNormalized)
	}
	if s.QuestionGist == "" {
		s.QuestionGist = s.QuestionNormalized
	}
	s.canonicalize()
	return &s, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// writeFile replaces the snapshot document atomically.
func (f *FileStore) writeFile(s *Snapshot) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, "."+s.IDHash+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(s.IDHash)); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

func (f *FileStore) Add(ctx context.Context, s *Snapshot) (stored *Snapshot, err error) {
	defer track(fileBackend, "add")(&err)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized.Load() {
		return nil, errs.NewNotInitialized(fileBackend)
	}

	var prev *Snapshot
	if s != nil {
		prev, _ = f.index.Get(normalize.Normalize(s.Question))
	}
	next, err := upsert(s, prev, f.now())
	if err != nil {
		return nil, err
	}
	if err := f.writeFile(next); err != nil {
		return nil, err
	}
	f.index.Put(next)
	return next.Copy(), nil
}

func (f *FileStore) Delete(ctx context.Context, question string, deletePhysical bool) (err error) {
	defer track(fileBackend, "delete")(&err)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.initialized.Load() {
		return errs.NewNotInitialized(fileBackend)
	}

	normalized := normalize.Normalize(question)
	existing, ok := f.index.Get(normalized)
	if !ok {
		return errs.NewNotFound(question)
	}
	path := f.path(existing.IDHash)
	if deletePhysical {
		err = os.Remove(path)
	} else {
		// tombstoned files are kept for operators but skipped on load
		err = os.Rename(path, path+".deleted")
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot file: %w", err)
	}
	f.index.Remove(normalized)
	f.logger.Info("snapshot deleted", "id_hash", existing.IDHash, "physical", deletePhysical)
	return nil
}

func (f *FileStore) ready() error {
	if !f.initialized.Load() {
		return errs.NewNotInitialized(fileBackend)
	}
	return nil
}

func (f *FileStore) Get(ctx context.Context, question string) (*Snapshot, error) {
	if err := f.ready(); err != nil {
		return nil, err
	}
	s, ok := f.index.Get(normalize.Normalize(question))
	if !ok {
		return nil, errs.NewNotFound(question)
	}
	return s.Copy(), nil
}

func (f *FileStore) Search(ctx context.Context, q Query) (matches []Match, err error) {
	defer track(fileBackend, "search")(&err)
	if err := f.ready(); err != nil {
		return nil, err
	}
	return f.engine.Search(ctx, q)
}

func (f *FileStore) SearchCode(ctx context.Context, exemplar *Snapshot, threshold float64, limit int) (matches []Match, err error) {
	defer track(fileBackend, "search_code")(&err)
	if err := f.ready(); err != nil {
		return nil, err
	}
	return f.engine.SearchCode(ctx, exemplar, threshold, limit)
}

// Stats works before Initialize; counts then reflect only the directory.
func (f *FileStore) Stats(ctx context.Context) (Stats, error) {
	initialized := f.initialized.Load()
	st := Stats{Backend: fileBackend, Initialized: initialized, StorageLocation: f.dir}
	entries, err := os.ReadDir(f.dir)
	if err != nil && !os.IsNotExist(err) {
		return st, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	files := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files++
		st.StorageBytes += info.Size()
	}

	if initialized {
		indexStats(&st, f.index)
	} else {
		st.Snapshots = files
	}
	return st, nil
}

func (f *FileStore) HealthCheck(ctx context.Context) Health {
	h := Health{Backend: fileBackend, CheckedAt: f.now()}

	info, err := os.Stat(f.dir)
	switch {
	case err != nil:
		h.Status = Unhealthy
		h.Message = fmt.Sprintf("snapshot directory is not accessible: %v", err)
		return h
	case !info.IsDir():
		h.Status = Unhealthy
		h.Message = "snapshot path is not a directory"
		return h
	}

	f.mu.Lock()
	loadErrors := f.loadErrors
	f.mu.Unlock()
	initialized := f.initialized.Load()

	switch {
	case !initialized:
		h.Status = Degraded
		h.Message = "store is not initialized"
	case loadErrors > 0:
		h.Status = Degraded
		h.Message = fmt.Sprintf("%d snapshot files could not be loaded", loadErrors)
	default:
		h.Status = Healthy
	}
	return h
}

func (f *FileStore) Close() error {
	return nil
}
