package governance

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	stackFilename   = "governance.yaml"
	snapshotDirname = "snapshots"
)

// Store persists the governance stack under a run directory.
type Store struct {
	dir          string
	catalogueDir string
	logger       *zap.Logger
	newID        func() string

	mu       sync.Mutex
	snapshot int
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore returns a store writing to dir and reading type catalogues from
// catalogueDir.
func NewStore(dir, catalogueDir string, opts ...Option) *Store {
	s := &Store{
		dir:          dir,
		catalogueDir: catalogueDir,
		logger:       zap.NewNop(),
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the stack document path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, stackFilename)
}

// SnapshotDir returns where numbered PNG snapshots are written.
func (s *Store) SnapshotDir() string {
	return filepath.Join(s.dir, snapshotDirname)
}

// Current returns the active stack, creating an empty document when none
// exists yet.
func (s *Store) Current() (Stack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() (Stack, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		empty := Stack{Modules: []Module{}}
		if err := s.writeLocked(empty); err != nil {
			return Stack{}, err
		}
		return empty, nil
	}
	if err != nil {
		return Stack{}, fmt.Errorf("governance: read %s: %w", s.Path(), err)
	}
	var stack Stack
	if err := yaml.Unmarshal(data, &stack); err != nil {
		return Stack{}, fmt.Errorf("governance: parse %s: %w", s.Path(), err)
	}
	if stack.Modules == nil {
		stack.Modules = []Module{}
	}
	return stack, nil
}

func (s *Store) writeLocked(stack Stack) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("governance: create %s: %w", s.dir, err)
	}
	data, err := yaml.Marshal(stack)
	if err != nil {
		return fmt.Errorf("governance: encode stack: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, stackFilename+".*.tmp")
	if err != nil {
		return fmt.Errorf("governance: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("governance: write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("governance: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, s.Path()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("governance: replace %s: %w", s.Path(), err)
	}
	return nil
}

// Add assigns m a fresh id, replaces any module of the same type, persists the
// stack and renders a snapshot. It returns the stored module and the snapshot
// path.
func (s *Store) Add(m Module) (Module, string, error) {
	m = m.Normalized()
	if err := m.Validate(); err != nil {
		return Module{}, "", err
	}
	m.UniqueID = s.newID()

	s.mu.Lock()
	defer s.mu.Unlock()
	stack, err := s.readLocked()
	if err != nil {
		return Module{}, "", err
	}
	stack = stack.Replace(m)
	if err := s.writeLocked(stack); err != nil {
		return Module{}, "", err
	}
	s.logger.Info("governance module added",
		zap.String("type", string(m.Type)),
		zap.String("name", m.Name),
		zap.String("id", m.UniqueID),
	)
	path, err := s.snapshotLocked(stack)
	if err != nil {
		return m, "", err
	}
	return m, path, nil
}

// Snapshot renders the current stack to the next numbered PNG.
func (s *Store) Snapshot() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack, err := s.readLocked()
	if err != nil {
		return "", err
	}
	return s.snapshotLocked(stack)
}

// Latest returns the newest snapshot. Snapshots are only numbered per change,
// so a new one is rendered only when none exists yet.
func (s *Store) Latest() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := highestSnapshot(s.SnapshotDir()); n > 0 {
		return s.snapshotPath(n), nil
	}
	stack, err := s.readLocked()
	if err != nil {
		return "", err
	}
	return s.snapshotLocked(stack)
}

func (s *Store) snapshotPath(n int) string {
	return filepath.Join(s.SnapshotDir(), fmt.Sprintf("snapshot_%03d.png", n))
}

func (s *Store) snapshotLocked(stack Stack) (string, error) {
	dir := s.SnapshotDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("governance: create %s: %w", dir, err)
	}
	if s.snapshot == 0 {
		s.snapshot = highestSnapshot(dir)
	}
	s.snapshot++
	path := s.snapshotPath(s.snapshot)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("governance: create %s: %w", path, err)
	}
	defer file.Close()
	if err := RenderPNG(file, stack); err != nil {
		return "", fmt.Errorf("governance: render %s: %w", path, err)
	}
	return path, nil
}

// Snapshots lists snapshot files in order.
func (s *Store) Snapshots() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.SnapshotDir(), "snapshot_*.png"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// Cleanup removes the stack document and every snapshot.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("governance: remove %s: %w", s.Path(), err)
	}
	if err := os.RemoveAll(s.SnapshotDir()); err != nil {
		return fmt.Errorf("governance: remove %s: %w", s.SnapshotDir(), err)
	}
	s.snapshot = 0
	return nil
}

func highestSnapshot(dir string) int {
	matches, _ := filepath.Glob(filepath.Join(dir, "snapshot_*.png"))
	highest := 0
	for _, match := range matches {
		var n int
		if _, err := fmt.Sscanf(filepath.Base(match), "snapshot_%d.png", &n); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}
