// Package xmltv extracts channel identity from XMLTV guide documents and
// merges several documents into one.
package xmltv

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// ErrMalformed wraps any tokenizer failure. A document that fails to tokenize
// yields no index at all.
var ErrMalformed = errors.New("xmltv: malformed document")

// Index maps lowercased display names to channel ids and back for one document.
type Index struct {
	NameToID  map[string]string   `json:"nameToId"`
	IDToNames map[string][]string `json:"idToNames"`
}

// NewIndex returns an empty, non-nil index.
func NewIndex() *Index {
	return &Index{NameToID: map[string]string{}, IDToNames: map[string][]string{}}
}

type parseState int

const (
	stateOutside parseState = iota
	stateChannel
	stateDisplayName
	stateProgramme
	stateTitle
)

// nameSet keeps insertion order so idToNames is stable across runs.
type nameSet struct {
	order []string
	seen  map[string]struct{}
}

func (s *nameSet) add(name string) {
	if _, ok := s.seen[name]; ok {
		return
	}
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	s.seen[name] = struct{}{}
	s.order = append(s.order, name)
}

type indexer struct {
	state   parseState
	current string
	text    strings.Builder
	ids     []string
	names   map[string]*nameSet
}

func (ix *indexer) register(id string) *nameSet {
	if set, ok := ix.names[id]; ok {
		return set
	}
	set := &nameSet{}
	ix.names[id] = set
	ix.ids = append(ix.ids, id)
	return set
}

func (ix *indexer) start(se xml.StartElement) {
	switch ix.state {
	case stateOutside:
		switch se.Name.Local {
		case "channel":
			ix.current = attr(se.Attr, "id")
			if ix.current != "" {
				ix.register(ix.current)
			}
			ix.state = stateChannel
		case "programme":
			ix.current = attr(se.Attr, "channel")
			if ix.current != "" {
				ix.register(ix.current)
			}
			ix.state = stateProgramme
		}
	case stateChannel:
		if se.Name.Local == "display-name" {
			ix.text.Reset()
			ix.state = stateDisplayName
		}
	case stateProgramme:
		if se.Name.Local == "title" {
			ix.text.Reset()
			ix.state = stateTitle
		}
	}
}

func (ix *indexer) end(ee xml.EndElement) {
	switch ix.state {
	case stateDisplayName:
		if ee.Name.Local != "display-name" {
			return
		}
		if name := normalizeText(ix.text.String()); name != "" && ix.current != "" {
			ix.register(ix.current).add(name)
		}
		ix.state = stateChannel
	case stateTitle:
		if ee.Name.Local != "title" {
			return
		}
		// Titles only name an id nothing else has named.
		if name := normalizeText(ix.text.String()); name != "" && ix.current != "" {
			if set := ix.register(ix.current); len(set.order) == 0 {
				set.add(name)
			}
		}
		ix.state = stateProgramme
	case stateChannel:
		if ee.Name.Local == "channel" {
			ix.current = ""
			ix.state = stateOutside
		}
	case stateProgramme:
		if ee.Name.Local == "programme" {
			ix.current = ""
			ix.state = stateOutside
		}
	}
}

func (ix *indexer) result() *Index {
	out := NewIndex()
	for _, id := range ix.ids {
		set := ix.names[id]
		names := make([]string, len(set.order))
		copy(names, set.order)
		out.IDToNames[id] = names
		for _, n := range names {
			if _, taken := out.NameToID[n]; !taken {
				out.NameToID[n] = id
			}
		}
	}
	return out
}

// BuildIndex tokenizes an XMLTV document from r without loading it whole.
//
// Every channel id and every programme channel reference becomes a key of
// IDToNames. Display names are lowercased and trimmed; a programme title is
// used as the name of an id only while that id has no name yet. NameToID maps
// each name to the first id (in document order) that carries it.
//
// Non-UTF-8 documents are decoded via their XML declaration's encoding.
func BuildIndex(r io.Reader) (*Index, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel
	dec.Entity = xml.HTMLEntity

	ix := &indexer{names: map[string]*nameSet{}}
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			ix.start(t)
		case xml.EndElement:
			ix.end(t)
		case xml.CharData:
			if ix.state == stateDisplayName || ix.state == stateTitle {
				ix.text.Write(t)
			}
		}
	}
	return ix.result(), nil
}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func attr(attrs []xml.Attr, key string) string {
	for _, a := range attrs {
		if a.Name.Local == key {
			return a.Value
		}
	}
	return ""
}
