package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SeedSource is one entry of the sources seed file.
type SeedSource struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type sourcesFile struct {
	Sources []SeedSource `yaml:"sources"`
}

// LoadSourcesFile reads a YAML seed of guide sources:
//
//	sources:
//	  - name: Example
//	    url: https://example.com/guide.xml.gz
//
// Entries missing a name or url are dropped; a later entry with the same name
// replaces an earlier one.
func LoadSourcesFile(path string) ([]SeedSource, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	out := make([]SeedSource, 0, len(f.Sources))
	pos := map[string]int{}
	for _, s := range f.Sources {
		s.Name, s.URL = strings.TrimSpace(s.Name), strings.TrimSpace(s.URL)
		if s.Name == "" || s.URL == "" {
			continue
		}
		if i, ok := pos[s.Name]; ok {
			out[i] = s
			continue
		}
		pos[s.Name] = len(out)
		out = append(out, s)
	}
	return out, nil
}
