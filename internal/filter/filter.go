// Package filter redacts contact details and denylisted words from chat
// messages before they are stored.
package filter

import (
	"bufio"
	"embed"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
	"golang.org/x/text/cases"
)

// Sentinel replaces every redacted substring.
const Sentinel = "[redacted]"

const minPhoneDigits = 7

var ErrFilterFailed = errors.New("content filter failed")

//go:embed denylist/*.txt
var bundled embed.FS

var (
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?\(?\d[\d\s().\-]{5,}\d`)
	socialPattern = regexp.MustCompile(`(?i)\b(?:https?://)?(?:www\.|m\.)?` +
		`(?:facebook\.com|fb\.com|fb\.me|instagram\.com|instagr\.am|twitter\.com|x\.com|` +
		`linkedin\.com|tiktok\.com|snapchat\.com|youtube\.com|youtu\.be|t\.me|telegram\.me|` +
		`wa\.me|whatsapp\.com|discord\.gg|discord\.com)\b(?:/\S*)?`)
	handlePattern = regexp.MustCompile(`(^|\s)@[A-Za-z0-9_.]{2,}`)
)

type stage func(string) string

// Filter is safe for concurrent use.
type Filter struct {
	matcher *goahocorasick.Machine
	stages  []stage
}

// NewFilter builds a filter whose denylist holds the given words and
// phrases. Matching is case-insensitive and whole-word.
func NewFilter(words []string) (*Filter, error) {
	fold := cases.Fold()
	patterns := lo.Uniq(lo.FilterMap(words, func(w string, _ int) (string, bool) {
		w = strings.TrimSpace(w)
		if w == "" {
			return "", false
		}
		return fold.String(w), true
	}))
	slices.Sort(patterns)

	f := &Filter{}
	if len(patterns) > 0 {
		keywords := make([][]rune, len(patterns))
		for i, p := range patterns {
			keywords[i] = []rune(p)
		}

		m := new(goahocorasick.Machine)
		if err := m.Build(keywords); err != nil {
			return nil, fmt.Errorf("build denylist: %w", err)
		}
		f.matcher = m
	}

	f.stages = []stage{
		redactEmails,
		redactPhones,
		redactSocial,
		f.redactDenylisted,
	}

	return f, nil
}

// NewDefaultFilter builds a filter from the bundled English and Spanish
// word lists.
func NewDefaultFilter() (*Filter, error) {
	words, err := BundledWords()
	if err != nil {
		return nil, err
	}
	return NewFilter(words)
}

// BundledWords returns the embedded denylist.
func BundledWords() ([]string, error) {
	entries, err := bundled.ReadDir("denylist")
	if err != nil {
		return nil, err
	}

	var words []string
	for _, e := range entries {
		f, err := bundled.Open("denylist/" + e.Name())
		if err != nil {
			return nil, err
		}
		w, err := ReadWords(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		words = append(words, w...)
	}

	return words, nil
}

// ReadWords reads one word or phrase per line. Blank lines and lines
// starting with '#' are skipped.
func ReadWords(r io.Reader) ([]string, error) {
	var words []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	return words, sc.Err()
}

// Sanitize returns text with every sensitive substring replaced by
// Sentinel. If filtering fails the original text is returned together with
// an error wrapping ErrFilterFailed.
func (f *Filter) Sanitize(text string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = text
			err = fmt.Errorf("%w: %v", ErrFilterFailed, r)
		}
	}()

	out = text
	for _, s := range f.stages {
		out = s(out)
	}

	return out, nil
}

func redactEmails(s string) string {
	return emailPattern.ReplaceAllLiteralString(s, Sentinel)
}

func redactPhones(s string) string {
	return phonePattern.ReplaceAllStringFunc(s, func(m string) string {
		var digits int
		for _, r := range m {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < minPhoneDigits {
			return m
		}
		return Sentinel
	})
}

func redactSocial(s string) string {
	s = socialPattern.ReplaceAllLiteralString(s, Sentinel)
	return handlePattern.ReplaceAllString(s, "${1}"+Sentinel)
}

type span struct {
	start, end int
}

func (f *Filter) redactDenylisted(s string) string {
	if f.matcher == nil || s == "" {
		return s
	}

	orig := []rune(s)
	hits := f.matcher.MultiPatternSearch(foldRunes(orig), false)
	if len(hits) == 0 {
		return s
	}

	spans := make([]span, 0, len(hits))
	for _, h := range hits {
		start, end := h.Pos, h.Pos+len(h.Word)
		if start < 0 || end > len(orig) {
			continue
		}
		if start > 0 && isWordRune(orig[start-1]) {
			continue
		}
		if end < len(orig) && isWordRune(orig[end]) {
			continue
		}
		spans = append(spans, span{start, end})
	}
	if len(spans) == 0 {
		return s
	}

	slices.SortFunc(spans, func(a, b span) int {
		if a.start != b.start {
			return a.start - b.start
		}
		return b.end - a.end
	})

	var b strings.Builder
	pos := 0
	for _, sp := range spans {
		if sp.start < pos {
			// overlaps a span that was already redacted
			if sp.end > pos {
				pos = sp.end
			}
			continue
		}
		b.WriteString(string(orig[pos:sp.start]))
		b.WriteString(Sentinel)
		pos = sp.end
	}
	b.WriteString(string(orig[pos:]))

	return b.String()
}

// foldRunes case-folds text rune by rune so that positions in the result
// line up with positions in the input.
func foldRunes(in []rune) []rune {
	fold := cases.Fold()
	out := make([]rune, len(in))
	for i, r := range in {
		folded := []rune(fold.String(string(r)))
		if len(folded) == 1 {
			out[i] = folded[0]
		} else {
			out[i] = unicode.ToLower(r)
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
