package scraper

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pagewatch/pkg/watch"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// SelectorError indicates a selector that can never match because it does not parse.
type SelectorError struct {
	Err      error
	Selector string
}

func (e *SelectorError) Error() string {
	return fmt.Sprintf("invalid selector %q: %v", e.Selector, e.Err)
}

func (e *SelectorError) Unwrap() error {
	return e.Err
}

// IsSelectorError checks if an error is an invalid selector.
func IsSelectorError(err error) bool {
	var s *SelectorError
	return errors.As(err, &s)
}

// compiled pairs the selector as the owner wrote it with its matchers.
// alt is the normalized form, tried when css matches nothing. id is set
// for bare #id selectors, which also get the lenient id lookup.
type compiled struct {
	css      cascadia.Selector
	alt      cascadia.Selector
	raw      string
	id       string
	fallback bool
}

var (
	hexEscape  = regexp.MustCompile(`\\([A-Fa-f0-9]{2})`)
	charEscape = regexp.MustCompile(`\\([^A-Fa-f0-9])`)
)

// unescape undoes CSS backslash escapes: `\:` becomes ":" and `\3a` becomes the byte 0x3a.
func unescape(sel string) string {
	sel = hexEscape.ReplaceAllStringFunc(sel, func(m string) string {
		n, err := strconv.ParseUint(m[1:], 16, 8)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
	return charEscape.ReplaceAllString(sel, "$1")
}

// normalize rewrites a compound class selector pasted with a space:
// ".price now" becomes ".price.now". Anything else is returned trimmed.
func normalize(sel string) string {
	sel = strings.TrimSpace(sel)
	parts := strings.Fields(sel)
	if len(parts) == 2 && strings.HasPrefix(parts[0], ".") && !strings.HasPrefix(parts[0], "..") && isBareName(parts[1]) {
		return parts[0] + "." + parts[1]
	}
	return sel
}

func isBareName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '-' || r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// bareID returns the id named by a "#id" selector without combinators.
func bareID(sel string) (string, bool) {
	if !strings.HasPrefix(sel, "#") || len(sel) < 2 {
		return "", false
	}
	if strings.ContainsAny(sel[1:], " \t\n>+~[,") {
		return "", false
	}
	return unescape(sel[1:]), true
}

func compileOne(sel string) (compiled, error) {
	c := compiled{raw: sel}
	id, isID := bareID(sel)
	css, err := cascadia.Compile(sel)
	switch {
	case err == nil:
		c.css = css
	case isID:
		// Ids such as "#2col" are valid in HTML but not as CSS identifiers.
	default:
		return c, &SelectorError{Selector: sel, Err: err}
	}
	if norm := normalize(sel); norm != sel {
		if alt, err := cascadia.Compile(norm); err == nil {
			c.alt = alt
		}
	}
	if isID {
		c.id = id
		c.fallback = true
	}
	return c, nil
}

func compileAll(selectors []string) ([]compiled, error) {
	out := make([]compiled, 0, len(selectors))
	for _, sel := range selectors {
		c, err := compileOne(sel)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// extract maps each selector to the collapsed text of its first match.
func extract(doc *goquery.Document, selectors []compiled) watch.Snapshot {
	snap := make(watch.Snapshot, len(selectors))
	for _, c := range selectors {
		sel := find(doc, c)
		if sel.Length() == 0 {
			continue
		}
		snap[c.raw] = collapse(sel.First().Text())
	}
	return snap
}

func find(doc *goquery.Document, c compiled) *goquery.Selection {
	for _, m := range []cascadia.Selector{c.css, c.alt} {
		if m == nil {
			continue
		}
		if sel := doc.FindMatcher(m); sel.Length() > 0 {
			return sel
		}
	}
	if !c.fallback {
		return doc.Selection.Slice(0, 0)
	}
	return findByID(doc, c.id)
}

// findByID tries an exact id, then a case-insensitive one, then an id that
// contains or is contained in the wanted one.
func findByID(doc *goquery.Document, want string) *goquery.Selection {
	withID := doc.Find("[id]")
	lower := strings.ToLower(want)

	tests := []func(id string) bool{
		func(id string) bool { return id == want },
		func(id string) bool { return strings.ToLower(id) == lower },
		func(id string) bool {
			l := strings.ToLower(id)
			return strings.Contains(l, lower) || strings.Contains(lower, l)
		},
	}
	for _, test := range tests {
		sel := withID.FilterFunction(func(_ int, s *goquery.Selection) bool {
			id, _ := s.Attr("id")
			return strings.TrimSpace(id) != "" && test(id)
		})
		if sel.Length() > 0 {
			return sel
		}
	}
	return withID.Slice(0, 0)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
