// Package narrative produces storyrunner turns from a Markdown script.
//
// A script is plain Markdown. Headings of the form "## Chapter 3" open a
// chapter section; paragraphs (blank-line separated) become passages of the
// current chapter. Table rows are flattened into one passage per row so that
// tabular lore reads like prose. Passages before the first chapter heading
// belong to chapter 0 and are used as a fallback for every chapter.
//
// Matching uses Jaccard similarity between the query token set and each
// passage token set: score = |Q ∩ P| / |Q ∪ P|. A Script is immutable after
// parsing and safe for concurrent use.
package narrative

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Passage is one paragraph of a chapter.
type Passage struct {
	Chapter int
	Text    string

	tokens map[string]struct{}
}

// Match is a ranked passage with its similarity score.
type Match struct {
	Passage Passage
	Score   float64
}

// Option configures script parsing.
type Option func(*config)

type config struct {
	minPassageRunes int
	stopwords       map[string]struct{}
}

func defaultConfig() config {
	return config{minPassageRunes: 20}
}

// WithMinPassageRunes drops paragraphs shorter than n runes. Negative n is ignored.
func WithMinPassageRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minPassageRunes = n
		}
	}
}

// WithStopwords excludes words from matching.
func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// Script is a parsed, chapter-indexed narrative.
type Script struct {
	cfg       config
	passages  []Passage
	byChapter map[int][]int
}

// LoadScript parses the Markdown file at path.
func LoadScript(path string, opts ...Option) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(bytes.NewReader(b), opts...)
}

var chapterHeadingRE = regexp.MustCompile(`(?i)^#{1,6}\s*chapter\s+(\d+)\b`)

// ParseScript reads a Markdown script from r.
func ParseScript(r io.Reader, opts ...Option) (*Script, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	s := &Script{cfg: cfg, byChapter: map[int][]int{}}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	chapter := 0
	var para []string
	flush := func() {
		if len(para) > 0 {
			s.add(chapter, strings.Join(para, " "))
			para = para[:0]
		}
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			flush()
		case chapterHeadingRE.MatchString(line):
			flush()
			n, _ := strconv.Atoi(chapterHeadingRE.FindStringSubmatch(line)[1])
			chapter = n
		case strings.HasPrefix(line, "#"):
			// Other headings are structure only.
			flush()
		case strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|"):
			flush()
			if row := flattenTableRow(line); row != "" {
				s.add(chapter, row)
			}
		default:
			para = append(para, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return s, nil
}

func (s *Script) add(chapter int, raw string) {
	t := strings.TrimSpace(normalizeWhitespace(raw))
	if t == "" {
		return
	}
	if s.cfg.minPassageRunes > 0 && utf8.RuneCountInString(t) < s.cfg.minPassageRunes {
		return
	}
	toks := tokenize(t, s.cfg.stopwords)
	if len(toks) == 0 {
		return
	}
	s.byChapter[chapter] = append(s.byChapter[chapter], len(s.passages))
	s.passages = append(s.passages, Passage{Chapter: chapter, Text: t, tokens: toks})
}

// Len returns the number of passages.
func (s *Script) Len() int {
	if s == nil {
		return 0
	}
	return len(s.passages)
}

// Chapter returns the passages of a chapter in script order, falling back to
// the preamble (chapter 0) when the chapter has none.
func (s *Script) Chapter(n int) []Passage {
	if s == nil {
		return nil
	}
	ids := s.byChapter[n]
	if len(ids) == 0 {
		ids = s.byChapter[0]
	}
	out := make([]Passage, len(ids))
	for i, id := range ids {
		out[i] = s.passages[id]
	}
	return out
}

// TopK ranks the passages of chapter n against query. Passages with no
// overlap are omitted. Ties keep the shorter passage first, then text order.
func (s *Script) TopK(n int, query string, k int) []Match {
	if s == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	q := tokenize(query, s.cfg.stopwords)
	if len(q) == 0 {
		return nil
	}

	var out []Match
	for _, p := range s.Chapter(n) {
		over := overlap(q, p.tokens)
		if over == 0 {
			continue
		}
		union := float64(len(q) + len(p.tokens) - over)
		out = append(out, Match{Passage: p, Score: float64(over) / union})
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		la, lb := utf8.RuneCountInString(out[a].Passage.Text), utf8.RuneCountInString(out[b].Passage.Text)
		if la != lb {
			return la < lb
		}
		return out[a].Passage.Text < out[b].Passage.Text
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, skip := stop[w]; skip {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// flattenTableRow joins the non-empty cells of a Markdown table row.
// Separator rows ("|---|:--:|") yield "".
func flattenTableRow(line string) string {
	cells := strings.Split(strings.Trim(line, "|"), "|")
	kept := make([]string, 0, len(cells))
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if strings.Trim(c, ":- ") == "" {
			continue
		}
		kept = append(kept, c)
	}
	return strings.Join(kept, " ")
}
