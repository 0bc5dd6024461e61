package enrich

import (
	"regexp"
	"strings"
)

var (
	yearSuffix = regexp.MustCompile(`^(.*?)\s*\((\d{4})\)$`)
	bracketTag = regexp.MustCompile(`\[[^\]]*\]`)
)

// Normalize maps a title to its subject key: lowercased, trimmed, inner
// whitespace collapsed, a trailing "(YYYY)" removed and a leading "the " or
// "a " dropped. Titles differing only in those respects share one cache
// entry and one lookup.
func Normalize(title string) string {
	s := strings.Join(strings.Fields(strings.ToLower(title)), " ")
	if m := yearSuffix.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	for _, article := range []string{"the ", "a "} {
		if rest, ok := strings.CutPrefix(s, article); ok {
			s = rest
			break
		}
	}
	return s
}

// SplitYear separates a trailing "(YYYY)" from a title.
func SplitYear(title string) (string, string) {
	t := strings.TrimSpace(title)
	if m := yearSuffix.FindStringSubmatch(t); m != nil {
		return strings.TrimSpace(m[1]), m[2]
	}
	return t, ""
}

// ExtractSubject pulls the likely film or show title out of an article
// headline: bracketed tags are dropped and only the part before a " / "
// or " | " separator is kept.
func ExtractSubject(headline string) string {
	s := bracketTag.ReplaceAllString(headline, " ")
	for _, sep := range []string{" / ", " | "} {
		if i := strings.Index(s, sep); i >= 0 {
			s = s[:i]
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
