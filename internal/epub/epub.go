// Package epub reads chapters and metadata from EPUB containers.
package epub

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/loqalabs/loqa-narrator/internal/book"
)

// DefaultMinChars is the shortest document, in characters of visible text,
// that is kept as a chapter. Cover pages and separators fall below it.
const DefaultMinChars = 50

const unknownDefault = "Unknown"

var (
	ErrNotEPUB    = errors.New("input is not an .epub file")
	ErrNoReadable = errors.New("no readable content found in epub")
	errNoRootfile = errors.New("container.xml lists no rootfile")
)

type container struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfPackage struct {
	Metadata struct {
		Titles    []string `xml:"title"`
		Creators  []string `xml:"creator"`
		Languages []string `xml:"language"`
	} `xml:"metadata"`
	Manifest []struct {
		ID         string `xml:"id,attr"`
		Href       string `xml:"href,attr"`
		MediaType  string `xml:"media-type,attr"`
		Properties string `xml:"properties,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// Parser implements book.Parser for EPUB 2 and 3 files.
type Parser struct {
	MinChars int
	logger   *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		MinChars: DefaultMinChars,
		logger:   logger.With(slog.String("component", "epub")),
	}
}

var _ book.Parser = (*Parser)(nil)

// Parse walks the package spine in reading order. Documents whose visible
// text is shorter than MinChars are skipped and the remaining chapters are
// numbered from 1.
func (p *Parser) Parse(ctx context.Context, file string) (book.Book, error) {
	if !strings.EqualFold(filepath.Ext(file), ".epub") {
		return book.Book{}, fmt.Errorf("%w: %s", ErrNotEPUB, file)
	}
	zr, err := zip.OpenReader(file)
	if err != nil {
		return book.Book{}, fmt.Errorf("open epub: %w", err)
	}
	defer zr.Close()

	opfPath, err := rootfile(zr)
	if err != nil {
		return book.Book{}, err
	}
	var pkg opfPackage
	if err := decodeXML(zr, opfPath, &pkg); err != nil {
		return book.Book{}, fmt.Errorf("parse package document: %w", err)
	}

	b := book.Book{
		Title:    first(pkg.Metadata.Titles, unknownDefault),
		Author:   first(pkg.Metadata.Creators, unknownDefault),
		Language: first(pkg.Metadata.Languages, "en"),
	}

	type item struct{ href, mediaType, properties string }
	manifest := make(map[string]item, len(pkg.Manifest))
	for _, it := range pkg.Manifest {
		manifest[it.ID] = item{it.Href, it.MediaType, it.Properties}
	}

	base := path.Dir(opfPath)
	for i, ref := range pkg.Spine {
		if err := ctx.Err(); err != nil {
			return book.Book{}, err
		}
		it, ok := manifest[ref.IDRef]
		if !ok {
			p.logger.Warn("spine item missing from manifest", slog.String("idref", ref.IDRef))
			continue
		}
		if !isDocument(it.mediaType) || strings.Contains(it.properties, "nav") {
			continue
		}
		name, err := resolve(base, it.href)
		if err != nil {
			p.logger.Warn("bad manifest href", slog.String("href", it.href), slog.String("error", err.Error()))
			continue
		}
		data, err := fs.ReadFile(zr, name)
		if err != nil {
			p.logger.Warn("unreadable spine item", slog.Int("item", i), slog.String("path", name), slog.String("error", err.Error()))
			continue
		}

		doc := extract(bytes.NewReader(data))
		if utf8.RuneCountInString(strings.Join(strings.Fields(doc.text), " ")) < p.MinChars {
			continue
		}
		index := len(b.Chapters) + 1
		title := doc.title
		if title == "" {
			title = fmt.Sprintf("Chapter %d", index)
		}
		b.Chapters = append(b.Chapters, book.Chapter{Index: index, Title: title, RawText: doc.text})
		p.logger.Debug("extracted chapter", slog.Int("chapter", index), slog.String("title", title), slog.Int("chars", len(doc.text)))
	}

	if len(b.Chapters) == 0 {
		return book.Book{}, ErrNoReadable
	}
	p.logger.Info("parsed epub",
		slog.String("title", b.Title),
		slog.String("author", b.Author),
		slog.Int("chapters", len(b.Chapters)),
	)
	return b, nil
}

func rootfile(fsys fs.FS) (string, error) {
	var c container
	if err := decodeXML(fsys, "META-INF/container.xml", &c); err != nil {
		return "", fmt.Errorf("parse container.xml: %w", err)
	}
	for _, rf := range c.Rootfiles {
		if rf.FullPath != "" {
			return path.Clean(rf.FullPath), nil
		}
	}
	return "", errNoRootfile
}

func decodeXML(fsys fs.FS, name string, v any) error {
	f, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := xml.NewDecoder(f)
	dec.Strict = false
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	return dec.Decode(v)
}

func resolve(base, href string) (string, error) {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	unescaped, err := url.PathUnescape(href)
	if err != nil {
		return "", err
	}
	name := path.Join(base, unescaped)
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("path %q escapes the archive", name)
	}
	return name, nil
}

func isDocument(mediaType string) bool {
	return mediaType == "application/xhtml+xml" || mediaType == "text/html"
}

func first(values []string, fallback string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}

type document struct {
	text  string
	title string
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Tr: true, atom.Blockquote: true, atom.Pre: true,
	atom.Header: true, atom.Footer: true, atom.Aside: true, atom.Figcaption: true,
	atom.Dt: true, atom.Dd: true, atom.Hr: true,
}

var titleOrder = []atom.Atom{atom.H1, atom.H2, atom.H3, atom.Title}

// extract returns the visible text of an (X)HTML document with blank lines
// between blocks, and its title taken from the first h1, h2, h3 or title
// element in that order of preference.
func extract(r io.Reader) document {
	z := html.NewTokenizer(r)
	var (
		body      strings.Builder
		capture   strings.Builder
		capturing atom.Atom
		skip      int
		inHead    bool
	)
	headings := make(map[atom.Atom]string, len(titleOrder))

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			doc := document{text: strings.TrimSpace(body.String())}
			for _, a := range titleOrder {
				if h := headings[a]; h != "" {
					doc.title = h
					break
				}
			}
			return doc
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch a {
			case atom.Script, atom.Style:
				if tt == html.StartTagToken {
					skip++
				}
			case atom.Head:
				inHead = true
			case atom.Br:
				body.WriteByte('\n')
			case atom.H1, atom.H2, atom.H3, atom.Title:
				if capturing == 0 && headings[a] == "" && tt == html.StartTagToken {
					capturing = a
					capture.Reset()
				}
			}
			if blockElements[a] {
				body.WriteString("\n\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch a {
			case atom.Script, atom.Style:
				if skip > 0 {
					skip--
				}
			case atom.Head:
				inHead = false
			}
			if a != 0 && a == capturing {
				headings[a] = strings.Join(strings.Fields(capture.String()), " ")
				capturing = 0
			}
			if blockElements[a] {
				body.WriteString("\n\n")
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			txt := string(z.Text())
			if capturing != 0 {
				capture.WriteString(txt)
			}
			if !inHead {
				body.WriteString(txt)
			}
		}
	}
}
