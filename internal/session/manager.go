package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"nbpilot/internal/assets"
	"nbpilot/internal/sanitize"
)

// Manager owns all sessions: exactly one per normalized notebook path. It
// is constructed by the process entry point and passed explicitly to the
// request handlers; there is no ambient global registry.
type Manager struct {
	cfg       Config
	docs      Documents
	store     *assets.Store
	san       *sanitize.Sanitizer
	newKernel KernelFactory
	logger    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	creating singleflight.Group
}

// NewManager wires the shared collaborators into a session registry.
func NewManager(cfg Config, docs Documents, store *assets.Store, san *sanitize.Sanitizer, factory KernelFactory, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		docs:      docs,
		store:     store,
		san:       san,
		newKernel: factory,
		logger:    logger.Named("manager"),
		sessions:  make(map[string]*Session),
	}
}

// Normalize resolves a caller-supplied notebook path to the session key.
// The notebook must exist: sessions are created lazily but never for
// documents that are not there.
func (m *Manager) Normalize(path string) (string, error) {
	if path == "" {
		return "", newError(KindValidation, "notebook path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", wrapError(KindValidation, err, "resolve path %q", path)
	}
	abs = filepath.Clean(abs)
	info, err := os.Stat(abs)
	if err != nil {
		return "", wrapError(KindValidation, err, "notebook %q", path)
	}
	if info.IsDir() {
		return "", newError(KindValidation, "%q is a directory, not a notebook", path)
	}
	return abs, nil
}

// GetOrCreate returns the session for a path, creating it on first use.
// Concurrent calls for the same path coalesce into one creation, so a
// second session for the same document can never exist.
func (m *Manager) GetOrCreate(path string) (*Session, error) {
	key, err := m.Normalize(path)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	s := m.sessions[key]
	m.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := m.creating.Do(key, func() (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s := m.sessions[key]; s != nil {
			return s, nil
		}
		s := newSession(key, filepath.Dir(key), m.cfg, m.docs, m.san, m.newKernel, m.logger)
		if w, err := newWatcher(s); err != nil {
			s.logger.Warn("disk watcher unavailable", zap.Error(err))
		} else {
			s.watcher = w
		}
		m.sessions[key] = s
		m.logger.Info("session created", zap.String("notebook", key))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns an existing session without creating one.
func (m *Manager) Get(path string) (*Session, error) {
	key, err := m.Normalize(path)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[key]
	if s == nil {
		return nil, newError(KindValidation, "no session for %s", key)
	}
	return s, nil
}

// Run enqueues one execution, creating the session if needed, and returns
// the execution id without waiting for completion.
func (m *Manager) Run(path, cellRef, codeOverride string) (string, error) {
	s, err := m.GetOrCreate(path)
	if err != nil {
		return "", err
	}
	return s.Run(cellRef, codeOverride)
}

// Status returns the full snapshot of one execution.
func (m *Manager) Status(path, execID string) (Snapshot, error) {
	s, err := m.Get(path)
	if err != nil {
		return Snapshot{}, err
	}
	ex, err := s.Execution(execID)
	if err != nil {
		return Snapshot{}, err
	}
	return ex.Snapshot(), nil
}

// Stream returns the fragments appended since cursor plus the next cursor.
func (m *Manager) Stream(path, execID string, cursor int) ([]sanitize.Output, int, Status, error) {
	s, err := m.Get(path)
	if err != nil {
		return nil, 0, "", err
	}
	ex, err := s.Execution(execID)
	if err != nil {
		return nil, 0, "", err
	}
	outputs, next, status := ex.StreamSince(cursor)
	return outputs, next, status, nil
}

// GarbageCollect removes assets no longer referenced by the on-disk
// notebook. Triggered explicitly after structural edits, not continuously.
func (m *Manager) GarbageCollect(path string) (int, error) {
	key, err := m.Normalize(path)
	if err != nil {
		return 0, err
	}
	live, err := m.docs.AssetRefs(key)
	if err != nil {
		return 0, wrapError(KindAssetIO, err, "scan notebook for asset references")
	}
	removed, err := m.store.GarbageCollect(key, live)
	if err != nil {
		return removed, wrapError(KindAssetIO, err, "garbage collect")
	}
	return removed, nil
}

// ReadAsset fetches an offloaded output, optionally sliced or searched.
func (m *Manager) ReadAsset(path, id string, opts assets.ReadOptions) ([]byte, assets.Ref, error) {
	key, err := m.Normalize(path)
	if err != nil {
		return nil, assets.Ref{}, err
	}
	data, ref, err := m.store.Read(key, id, opts)
	if err != nil {
		return nil, ref, wrapError(KindAssetIO, err, "read asset %q", id)
	}
	return data, ref, nil
}

// SessionInfo is the read-only view used by list_sessions.
type SessionInfo struct {
	Path          string `json:"path"`
	KernelAlive   bool   `json:"kernel_alive"`
	Executions    int    `json:"executions"`
	PossiblyStale bool   `json:"possibly_stale"`
}

// List describes all live sessions, sorted by path.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		n := len(s.order)
		s.mu.Unlock()
		infos = append(infos, SessionInfo{
			Path:          s.Path,
			KernelAlive:   s.KernelAlive(),
			Executions:    n,
			PossiblyStale: s.PossiblyStale(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// Shutdown tears down the session for one path.
func (m *Manager) Shutdown(ctx context.Context, path string) error {
	key, err := m.Normalize(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	s := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown(ctx)
}

// ShutdownAll stops every session concurrently; sessions are independent,
// so their kernels can be torn down in parallel.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown %s: %w", s.Path, err)
			}
			return nil
		})
	}
	return g.Wait()
}
