package epgstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/afero"

	"github.com/snapetech/epgmux/internal/xmltv"
)

// Placeholder pair present in every combined index, whatever the sources.
const (
	PlaceholderID   = "DUMMY_CH"
	PlaceholderName = "dummy channel"
)

// Combine rebuilds the combined index from the persisted per-source indexes of
// names, in order, and replaces name_index.json and id_names.json. Sources
// without an index file, or whose index cannot be read, are skipped so one bad
// file never hides the other sources. On a name claimed by several sources the
// earliest source wins; name lists of an id are unioned without duplicates.
func (s *Store) Combine(names []string) (*xmltv.Index, error) {
	out := xmltv.NewIndex()
	seen := map[string]map[string]struct{}{}
	for _, name := range names {
		idx, ok, err := s.LoadSourceIndex(name)
		if err != nil {
			log.Printf("epgstore[%s]: index skipped: %v", name, err)
			continue
		}
		if !ok {
			continue
		}
		for n, id := range idx.NameToID {
			if _, taken := out.NameToID[n]; !taken {
				out.NameToID[n] = id
			}
		}
		for id, list := range idx.IDToNames {
			have, ok := seen[id]
			if !ok {
				have = map[string]struct{}{}
				seen[id] = have
				out.IDToNames[id] = []string{}
			}
			for _, n := range list {
				if _, dup := have[n]; dup {
					continue
				}
				have[n] = struct{}{}
				out.IDToNames[id] = append(out.IDToNames[id], n)
			}
		}
	}
	out.NameToID[PlaceholderName] = PlaceholderID
	out.IDToNames[PlaceholderID] = []string{PlaceholderName}

	if err := s.writeJSON(nameIndexFile, out.NameToID); err != nil {
		return nil, fmt.Errorf("epgstore: save %s: %w", nameIndexFile, err)
	}
	if err := s.writeJSON(idNamesFile, out.IDToNames); err != nil {
		return nil, fmt.Errorf("epgstore: save %s: %w", idNamesFile, err)
	}
	return out, nil
}

// CombinedIDNames reads the committed id -> names index. Before the first
// combine it returns only the placeholder.
func (s *Store) CombinedIDNames() (map[string][]string, error) {
	out := map[string][]string{}
	ok, err := s.readJSON(idNamesFile, &out)
	if err != nil {
		return nil, err
	}
	if !ok {
		out[PlaceholderID] = []string{PlaceholderName}
	}
	return out, nil
}

// CombinedNameIndex reads the committed name -> id index.
func (s *Store) CombinedNameIndex() (map[string]string, error) {
	out := map[string]string{}
	ok, err := s.readJSON(nameIndexFile, &out)
	if err != nil {
		return nil, err
	}
	if !ok {
		out[PlaceholderName] = PlaceholderID
	}
	return out, nil
}

func (s *Store) readJSON(file string, v any) (bool, error) {
	data, err := afero.ReadFile(s.fs, s.path(file))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("epgstore: read %s: %w", file, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("epgstore: decode %s: %w", file, err)
	}
	return true, nil
}

// ─── merged guide ────────────────────────────────────────────────────────────

// MergedExists reports whether a merged guide has been written.
func (s *Store) MergedExists() bool {
	ok, _ := afero.Exists(s.fs, s.MergedPath())
	return ok
}

// Merge rebuilds merged.xml from the raw documents of names that exist.
func (s *Store) Merge(names []string) (channels, programmes int, err error) {
	var m xmltv.Merger
	done := map[string]bool{}
	for _, name := range names {
		p := s.RawPath(name)
		if done[p] {
			continue
		}
		done[p] = true
		doc, err := afero.ReadFile(s.fs, p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("epgstore: merge: read %s: %w", name, err)
		}
		m.Add(doc)
	}
	if err := s.writeAtomic(mergedFile, func(w io.Writer) error {
		_, err := m.WriteTo(w)
		return err
	}); err != nil {
		return 0, 0, fmt.Errorf("epgstore: merge: %w", err)
	}
	channels, programmes = m.Counts()
	return channels, programmes, nil
}

// OpenMerged opens the committed merged guide for reading.
func (s *Store) OpenMerged() (afero.File, error) {
	return s.fs.Open(s.MergedPath())
}
