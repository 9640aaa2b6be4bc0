// Package assets persists offloaded outputs: payloads too large to inline
// in a tool response are written here and replaced by an asset reference.
//
// Layout: <root>/<namespace>/<id> plus <id>.meta.json, where the namespace
// is derived from the owning notebook path. Assets are immutable per id, so
// concurrent saves from different sessions never need coordination; only
// garbage collection is serialized against saves for the same document.
package assets

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ref identifies one stored asset.
type Ref struct {
	ID   string `json:"id"`
	Doc  string `json:"doc"` // owning notebook path (absolute)
	Mime string `json:"mime"`
	Size int64  `json:"size"`
	// Lines is the newline count for text payloads, 0 otherwise.
	Lines int `json:"lines,omitempty"`
}

// String renders the reference in the form embedded into outputs and
// scanned back out of notebooks during garbage collection.
func (r Ref) String() string {
	return fmt.Sprintf("asset://%s/%s", Namespace(r.Doc), r.ID)
}

// Namespace maps a document path to its directory under the store root.
func Namespace(docPath string) string {
	sum := sha256.Sum256([]byte(docPath))
	return hex.EncodeToString(sum[:6])
}

// Store is the shared, concurrency-safe asset store.
type Store struct {
	root   string
	logger *zap.Logger

	mu       sync.Mutex
	docLocks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{
		root:     dir,
		logger:   logger.Named("assets"),
		docLocks: make(map[string]*sync.Mutex),
	}
}

// docLock returns the per-document mutex serializing GC against saves.
func (s *Store) docLock(docPath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := Namespace(docPath)
	if l, ok := s.docLocks[ns]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.docLocks[ns] = l
	return l
}

// Save writes one payload under the document's namespace and returns its
// reference. Ids are random, so concurrent saves never clobber each other.
func (s *Store) Save(docPath, mime string, data []byte) (Ref, error) {
	lock := s.docLock(docPath)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(s.root, Namespace(docPath))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("asset dir: %w", err)
	}
	ref := Ref{
		ID:   uuid.New().String(),
		Doc:  docPath,
		Mime: mime,
		Size: int64(len(data)),
	}
	if strings.HasPrefix(mime, "text/") || mime == "application/json" {
		ref.Lines = bytes.Count(data, []byte("\n")) + 1
	}
	if err := os.WriteFile(filepath.Join(dir, ref.ID), data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("asset write: %w", err)
	}
	meta, err := json.Marshal(ref)
	if err != nil {
		return Ref{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, ref.ID+".meta.json"), meta, 0o644); err != nil {
		return Ref{}, fmt.Errorf("asset meta write: %w", err)
	}
	s.logger.Debug("asset saved",
		zap.String("id", ref.ID), zap.String("mime", mime), zap.Int64("size", ref.Size))
	return ref, nil
}

// ReadOptions narrows a Read to a slice or to matching lines.
type ReadOptions struct {
	// Offset/Limit slice the payload by bytes. Limit 0 means to the end.
	Offset int64
	Limit  int64
	// Search, when set, returns only lines containing the substring.
	Search string
}

// Read returns an asset's content, optionally sliced or searched.
func (s *Store) Read(docPath, id string, opts ReadOptions) ([]byte, Ref, error) {
	dir := filepath.Join(s.root, Namespace(docPath))
	meta, err := s.readMeta(dir, id)
	if err != nil {
		return nil, Ref{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, id))
	if err != nil {
		return nil, Ref{}, fmt.Errorf("asset %s: %w", id, err)
	}
	if opts.Search != "" {
		var matched []string
		for _, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, opts.Search) {
				matched = append(matched, line)
			}
		}
		return []byte(strings.Join(matched, "\n")), meta, nil
	}
	if opts.Offset > int64(len(data)) {
		return nil, meta, nil
	}
	data = data[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < int64(len(data)) {
		data = data[:opts.Limit]
	}
	return data, meta, nil
}

func (s *Store) readMeta(dir, id string) (Ref, error) {
	raw, err := os.ReadFile(filepath.Join(dir, id+".meta.json"))
	if err != nil {
		return Ref{}, fmt.Errorf("asset %s: %w", id, err)
	}
	var ref Ref
	if err := json.Unmarshal(raw, &ref); err != nil {
		return Ref{}, fmt.Errorf("asset %s meta: %w", id, err)
	}
	return ref, nil
}

// List returns all assets stored under a document's namespace, sorted by id.
func (s *Store) List(docPath string) ([]Ref, error) {
	dir := filepath.Join(s.root, Namespace(docPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var refs []Ref
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".meta.json")
		ref, err := s.readMeta(dir, id)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// GarbageCollect removes every asset in the document's namespace whose id is
// not in the live set. The caller derives the live set by scanning the
// current on-disk notebook. The per-document lock keeps the scan-and-delete
// step from racing a concurrent Save.
func (s *Store) GarbageCollect(docPath string, live map[string]bool) (int, error) {
	lock := s.docLock(docPath)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(s.root, Namespace(docPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".meta.json")
		if live[id] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, id)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("asset gc remove failed", zap.String("id", id), zap.Error(err))
			continue
		}
		_ = os.Remove(filepath.Join(dir, id+".meta.json"))
		removed++
	}
	if removed > 0 {
		s.logger.Info("asset gc", zap.String("doc", docPath), zap.Int("removed", removed))
	}
	return removed, nil
}
