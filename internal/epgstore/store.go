// Package epgstore persists per-source guide documents, their cache
// validators and identity indexes, and builds the combined index and merged
// guide from them.
//
// Layout under the store directory:
//
//	meta.json            cache entry per source key
//	<key>.xml            last good raw document of a source
//	<key>.index.json     identity index of that document
//	name_index.json      combined name -> id
//	id_names.json        combined id -> names
//	merged.xml           merged guide
//
// Every file is replaced via temp file + rename; readers never see a partial write.
package epgstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/snapetech/epgmux/internal/xmltv"
)

const (
	metaFile      = "meta.json"
	nameIndexFile = "name_index.json"
	idNamesFile   = "id_names.json"
	mergedFile    = "merged.xml"
)

// CacheEntry holds the validators of the last successful download of a source.
type CacheEntry struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"lastModified,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Meta maps source keys to cache entries.
type Meta map[string]CacheEntry

// Store is safe for concurrent use by the refresh workers: each worker only
// touches the files of its own source key, and combined files are written
// after the workers finish.
type Store struct {
	fs  afero.Fs
	dir string

	mu sync.Mutex // serialises meta.json writes
}

func New(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: filepath.Clean(dir)}
}

// NewOS returns a store on the host filesystem.
func NewOS(dir string) *Store {
	return New(afero.NewOsFs(), dir)
}

// Init creates the store directory.
func (s *Store) Init() error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("epgstore: mkdir %s: %w", s.dir, err)
	}
	return nil
}

func (s *Store) Dir() string { return s.dir }

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SourceKey turns a source name into a filesystem-safe key by replacing every
// character outside [A-Za-z0-9_-] with '_'. Names that differ only in those
// characters share a key ("My EPG" and "My.EPG" both become "My_EPG").
func SourceKey(name string) string {
	key := unsafeKeyChars.ReplaceAllString(name, "_")
	if key == "" {
		return "_"
	}
	return key
}

func (s *Store) path(file string) string { return filepath.Join(s.dir, file) }

// RawPath is the raw document path for a source name.
func (s *Store) RawPath(name string) string { return s.path(SourceKey(name) + ".xml") }

func (s *Store) indexPath(name string) string { return s.path(SourceKey(name) + ".index.json") }

// MergedPath is where the merged guide lives.
func (s *Store) MergedPath() string { return s.path(mergedFile) }

// ─── cache metadata ──────────────────────────────────────────────────────────

// LoadMeta reads meta.json. A missing or unreadable-as-JSON file yields an
// empty map so every source is fetched unconditionally.
func (s *Store) LoadMeta() (Meta, error) {
	meta := Meta{}
	data, err := afero.ReadFile(s.fs, s.path(metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return nil, fmt.Errorf("epgstore: read meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Printf("epgstore: meta.json is corrupt, starting fresh: %v", err)
		return Meta{}, nil
	}
	return meta, nil
}

// SaveMeta replaces meta.json.
func (s *Store) SaveMeta(meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta == nil {
		meta = Meta{}
	}
	if err := s.writeJSON(metaFile, meta); err != nil {
		return fmt.Errorf("epgstore: save meta: %w", err)
	}
	return nil
}

// ─── raw documents ───────────────────────────────────────────────────────────

// StageRaw copies r into a temp file next to the source's raw document and
// returns the temp path. The live document is untouched until CommitRaw.
func (s *Store) StageRaw(name string, r io.Reader) (staged string, n int64, err error) {
	tmp, err := afero.TempFile(s.fs, s.dir, "."+SourceKey(name)+"-*.xml.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("epgstore: stage %s: %w", name, err)
	}
	staged = tmp.Name()
	n, werr := io.Copy(tmp, r)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = s.fs.Remove(staged)
		if werr != nil {
			return "", n, fmt.Errorf("epgstore: stage %s: write: %w", name, werr)
		}
		return "", n, fmt.Errorf("epgstore: stage %s: close: %w", name, cerr)
	}
	return staged, n, nil
}

// IndexFile streams a document from the store filesystem through the indexer.
func (s *Store) IndexFile(path string) (*xmltv.Index, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return xmltv.BuildIndex(f)
}

// CommitRaw moves a staged document over the source's raw document.
func (s *Store) CommitRaw(name, staged string) error {
	if err := s.fs.Rename(staged, s.RawPath(name)); err != nil {
		_ = s.fs.Remove(staged)
		return fmt.Errorf("epgstore: commit %s: %w", name, err)
	}
	return nil
}

// Discard removes a staged document.
func (s *Store) Discard(staged string) {
	if staged != "" {
		_ = s.fs.Remove(staged)
	}
}

// RawExists reports whether a source has a committed raw document.
func (s *Store) RawExists(name string) bool {
	ok, _ := afero.Exists(s.fs, s.RawPath(name))
	return ok
}

// ─── per-source index ────────────────────────────────────────────────────────

// SaveSourceIndex replaces the identity index of a source in one write.
func (s *Store) SaveSourceIndex(name string, idx *xmltv.Index) error {
	if err := s.writeJSON(filepath.Base(s.indexPath(name)), idx); err != nil {
		return fmt.Errorf("epgstore: save index %s: %w", name, err)
	}
	return nil
}

// LoadSourceIndex returns the persisted index of a source; ok is false when
// the source has never been indexed.
func (s *Store) LoadSourceIndex(name string) (idx *xmltv.Index, ok bool, err error) {
	data, err := afero.ReadFile(s.fs, s.indexPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("epgstore: read index %s: %w", name, err)
	}
	idx = xmltv.NewIndex()
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, false, fmt.Errorf("epgstore: decode index %s: %w", name, err)
	}
	if idx.NameToID == nil {
		idx.NameToID = map[string]string{}
	}
	if idx.IDToNames == nil {
		idx.IDToNames = map[string][]string{}
	}
	return idx, true, nil
}

// ─── source listing ──────────────────────────────────────────────────────────

const (
	StatusActive  = "active"
	StatusPending = "pending"
)

// SourceState is what the source listing shows per source.
type SourceState struct {
	Key       string     `json:"key"`
	Status    string     `json:"status"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

// SourceStatus reports "active" once a source has a raw document, "pending"
// before that, plus the time of its last successful download.
func (s *Store) SourceStatus(name string, meta Meta) SourceState {
	st := SourceState{Key: SourceKey(name), Status: StatusPending}
	if s.RawExists(name) {
		st.Status = StatusActive
	}
	if e, ok := meta[st.Key]; ok && !e.UpdatedAt.IsZero() {
		t := e.UpdatedAt
		st.UpdatedAt = &t
	}
	return st
}

// ─── atomic writes ───────────────────────────────────────────────────────────

func (s *Store) writeJSON(file string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeAtomic(file, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (s *Store) writeAtomic(file string, write func(io.Writer) error) error {
	tmp, err := afero.TempFile(s.fs, s.dir, "."+file+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	werr := write(tmp)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = s.fs.Remove(name)
		if werr != nil {
			return fmt.Errorf("write: %w", werr)
		}
		return fmt.Errorf("close: %w", cerr)
	}
	if err := s.fs.Rename(name, s.path(file)); err != nil {
		_ = s.fs.Remove(name)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
