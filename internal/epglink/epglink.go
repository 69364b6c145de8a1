// Package epglink proposes guide identifiers for channels that have none, by
// lexical similarity between the channel name and every known guide name.
package epglink

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMinScore = 0.6
	MaxSamples      = 10
	prefixBonus     = 0.1
)

// Channel is the matcher's view of a user channel.
type Channel struct {
	ID        int64
	Name      string
	TVGID     string
	EPGSource string
}

// Assigner persists a chosen identifier and source label onto a channel.
type Assigner interface {
	AssignEPG(ctx context.Context, channelID int64, tvgID, label string) error
}

type Options struct {
	// MinScore gates assignment: the best score must reach it. Zero accepts
	// any candidate with a positive score; callers resolve DefaultMinScore.
	MinScore float64
	DryRun   bool
	// LabelOverride is stored as the source label; empty keeps the channel's own.
	LabelOverride string
}

type Sample struct {
	Channel string  `json:"channel"`
	Match   string  `json:"match"`
	TVGID   string  `json:"tvg_id"`
	Score   float64 `json:"score"`
}

type Report struct {
	Updated  int      `json:"updated"`
	Skipped  int      `json:"skipped"`
	MinScore float64  `json:"minScore"`
	DryRun   bool     `json:"dryRun"`
	Samples  []Sample `json:"sample"`
}

func (r Report) SummaryString() string {
	total := r.Updated + r.Skipped
	mode := "applied"
	if r.DryRun {
		mode = "dry run"
	}
	return fmt.Sprintf("EPG auto-map (%s, min %.2f): %d/%d matched (%.1f%%), %d skipped",
		mode, r.MinScore, r.Updated, total, pct(r.Updated, total), r.Skipped)
}

var stripMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// NormalizeName lowercases, decomposes and drops combining marks, turns
// anything but letters, digits, '_' and whitespace into spaces, then collapses
// runs of whitespace.
func NormalizeName(s string) string {
	s = strings.ToLower(s)
	if folded, _, err := transform.String(stripMarks, s); err == nil {
		s = folded
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// candidate is a guide name prepared once for scoring.
type candidate struct {
	id    string
	name  string
	norm  string
	words map[string]struct{}
}

func prepare(s string) (string, map[string]struct{}) {
	n := NormalizeName(s)
	words := map[string]struct{}{}
	for _, w := range strings.Fields(n) {
		words[w] = struct{}{}
	}
	return n, words
}

func score(aNorm string, aWords map[string]struct{}, bNorm string, bWords map[string]struct{}) float64 {
	if len(aWords) == 0 || len(bWords) == 0 {
		return 0
	}
	inter := 0
	for w := range aWords {
		if _, ok := bWords[w]; ok {
			inter++
		}
	}
	s := float64(inter) / float64(len(aWords)+len(bWords)-inter)
	if strings.HasPrefix(aNorm, bNorm) || strings.HasPrefix(bNorm, aNorm) {
		s += prefixBonus
	}
	return math.Min(1, s)
}

// Similarity is the Jaccard index of the normalized word sets plus 0.1 when
// one normalized string is a prefix of the other, capped at 1. Empty names
// score 0.
func Similarity(a, b string) float64 {
	an, aw := prepare(a)
	bn, bw := prepare(b)
	return score(an, aw, bn, bw)
}

func candidates(idToNames map[string][]string) []candidate {
	ids := make([]string, 0, len(idToNames))
	for id := range idToNames {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []candidate
	for _, id := range ids {
		for _, name := range idToNames[id] {
			n, w := prepare(name)
			out = append(out, candidate{id: id, name: name, norm: n, words: w})
		}
	}
	return out
}

// AutoMap scores every channel without an identifier against every guide
// name. The best candidate (strictly higher score replaces, so ties keep the
// earliest id in sorted order) is assigned when it reaches MinScore, unless
// DryRun. Channels that already carry an identifier are counted as skipped and
// never touched. An Assigner error stops the run and is returned with the
// report so far.
func AutoMap(ctx context.Context, channels []Channel, idToNames map[string][]string, opts Options, sink Assigner) (Report, error) {
	rep := Report{MinScore: opts.MinScore, DryRun: opts.DryRun, Samples: []Sample{}}
	cands := candidates(idToNames)

	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if strings.TrimSpace(ch.TVGID) != "" {
			rep.Skipped++
			continue
		}
		chNorm, chWords := prepare(ch.Name)
		var best *candidate
		bestScore := 0.0
		for i := range cands {
			c := &cands[i]
			if s := score(chNorm, chWords, c.norm, c.words); s > bestScore {
				best, bestScore = c, s
			}
		}
		if best == nil || bestScore < opts.MinScore {
			rep.Skipped++
			continue
		}
		if !opts.DryRun && sink != nil {
			label := opts.LabelOverride
			if label == "" {
				label = ch.EPGSource
			}
			if err := sink.AssignEPG(ctx, ch.ID, best.id, label); err != nil {
				return rep, fmt.Errorf("epglink: assign channel %d: %w", ch.ID, err)
			}
		}
		rep.Updated++
		if len(rep.Samples) < MaxSamples {
			rep.Samples = append(rep.Samples, Sample{
				Channel: ch.Name,
				Match:   best.name,
				TVGID:   best.id,
				Score:   math.Round(bestScore*1000) / 1000,
			})
		}
	}
	return rep, nil
}

func pct(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) * 100 / float64(b)
}
