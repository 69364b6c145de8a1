package xmltv

import (
	"bufio"
	"io"
	"regexp"
)

var (
	channelFragment   = regexp.MustCompile(`(?s)<channel\b.*?</channel>`)
	programmeFragment = regexp.MustCompile(`(?s)<programme\b.*?</programme>`)
)

// fragmentSet is an insertion-ordered set of byte-exact fragments.
type fragmentSet struct {
	order []string
	seen  map[string]struct{}
}

func (s *fragmentSet) addAll(frags [][]byte) {
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	for _, f := range frags {
		k := string(f)
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		s.order = append(s.order, k)
	}
}

// Merger collects <channel> and <programme> fragments from several documents.
// Matching is textual: identical fragments collapse, fragments that differ in
// any byte (whitespace included) are kept separately.
type Merger struct {
	channels   fragmentSet
	programmes fragmentSet
}

// Add extracts the fragments of one raw document.
func (m *Merger) Add(doc []byte) {
	m.channels.addAll(channelFragment.FindAll(doc, -1))
	m.programmes.addAll(programmeFragment.FindAll(doc, -1))
}

// Counts returns the number of distinct channel and programme fragments.
func (m *Merger) Counts() (channels, programmes int) {
	return len(m.channels.order), len(m.programmes.order)
}

// WriteTo writes <tv>, every channel fragment, every programme fragment, then
// </tv>. No XML declaration is emitted.
func (m *Merger) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	write := func(s string) error {
		c, err := bw.WriteString(s)
		n += int64(c)
		return err
	}
	if err := write("<tv>"); err != nil {
		return n, err
	}
	for _, f := range m.channels.order {
		if err := write(f); err != nil {
			return n, err
		}
	}
	for _, f := range m.programmes.order {
		if err := write(f); err != nil {
			return n, err
		}
	}
	if err := write("</tv>"); err != nil {
		return n, err
	}
	return n, bw.Flush()
}
