// Package text turns raw chapter text into narration-ready chunks.
//
// The three stages are independent pure functions: Normalize cleans extracted
// text, a Chunker splits it into synthesis-sized pieces along sentence
// boundaries, and an Estimator predicts how long the narration will run.
package text

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	urlPattern     = regexp.MustCompile(`https?://[^\s<>"]+`)
	ellipsisRun    = regexp.MustCompile(`\.{4,}`)
	exclamationRun = regexp.MustCompile(`!{2,}`)
	questionRun    = regexp.MustCompile(`\?{2,}`)
)

var typography = strings.NewReplacer(
	"\u201c", `"`,
	"\u201d", `"`,
	"\u201e", `"`,
	"\u2018", "'",
	"\u2019", "'",
	"\u2013", "-",
	"\u2014", "-",
	"\u2026", "...",
	"\u00a0", " ",
)

// blockElements end a paragraph when stripping markup.
var blockElements = map[atom.Atom]bool{
	atom.P:          true,
	atom.Div:        true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Li:         true,
	atom.Tr:         true,
	atom.Blockquote: true,
	atom.Section:    true,
	atom.Article:    true,
	atom.Aside:      true,
	atom.Header:     true,
	atom.Footer:     true,
	atom.Pre:        true,
	atom.Hr:         true,
	atom.Table:      true,
	atom.Ul:         true,
	atom.Ol:         true,
	atom.Dd:         true,
	atom.Dt:         true,
	atom.Figcaption: true,
}

// Normalize cleans raw chapter text. Paragraphs in the result are separated
// by a single newline and all other whitespace runs are single spaces.
// It never fails: bytes that are not valid UTF-8 are dropped and everything
// else is passed through on a best-effort basis.
func Normalize(raw string) string {
	s := strings.ToValidUTF8(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	if looksLikeMarkup(s) {
		s = stripMarkup(s)
	} else {
		s = html.UnescapeString(s)
	}

	s = urlPattern.ReplaceAllString(s, "")
	s = typography.Replace(s)
	s = ellipsisRun.ReplaceAllString(s, "...")
	s = exclamationRun.ReplaceAllString(s, "!")
	s = questionRun.ReplaceAllString(s, "?")
	s = strings.Map(dropControl, s)

	var paragraphs []string
	for _, block := range splitParagraphs(s) {
		if p := strings.Join(strings.Fields(block), " "); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return strings.Join(paragraphs, "\n")
}

func dropControl(r rune) rune {
	switch {
	case r == '\n':
		return r
	case r == '\t':
		return ' '
	case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
		return -1
	}
	return r
}

// splitParagraphs breaks text on blank lines. Single newlines stay inside the
// paragraph and are later collapsed into spaces.
func splitParagraphs(s string) []string {
	var (
		out     []string
		current strings.Builder
	)
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			if current.Len() > 0 {
				out = append(out, current.String())
				current.Reset()
			}
			continue
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}

// looksLikeMarkup reports whether s holds at least one HTML element or
// comment. Angle brackets in prose, such as "a<b and c>d", do not count.
func looksLikeMarkup(s string) bool {
	if !strings.Contains(s, "<") {
		return false
	}
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.CommentToken, html.DoctypeToken:
			return true
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			if _, ok := element(z); ok {
				return true
			}
		}
	}
}

// element resolves the current tag token. It is not an element when the
// name is unknown or an attribute is neither known, namespaced nor valued.
func element(z *html.Tokenizer) (atom.Atom, bool) {
	name, more := z.TagName()
	a := atom.Lookup(name)
	if a == 0 {
		return 0, false
	}
	for more {
		var key, val []byte
		key, val, more = z.TagAttr()
		if len(val) == 0 && atom.Lookup(key) == 0 && !bytes.ContainsAny(key, ":-") && string(key) != "xmlns" {
			return a, false
		}
	}
	return a, true
}

// stripMarkup keeps the text content of an HTML fragment. Entities are
// decoded by the tokenizer; block elements become blank lines. Tags that are
// not elements are kept as text.
func stripMarkup(s string) string {
	var (
		b    strings.Builder
		skip int
	)
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			a, ok := element(z)
			switch {
			case !ok:
				if skip == 0 {
					b.Write(z.Raw())
				}
			case a == atom.Script || a == atom.Style || a == atom.Head:
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
			case a == atom.Br:
				b.WriteByte('\n')
			case blockElements[a]:
				b.WriteString("\n\n")
			}
		}
	}
}
