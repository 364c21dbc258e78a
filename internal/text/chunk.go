package text

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkChars matches what most local TTS models accept comfortably.
const DefaultMaxChunkChars = 500

// ErrEmptyInput is matched by every EmptyInputError.
var ErrEmptyInput = errors.New("no narratable text")

// EmptyInputError reports a chapter with nothing to narrate after
// normalization. The chapter is skipped; the book continues.
type EmptyInputError struct {
	ChapterIndex int
}

func (e *EmptyInputError) Error() string {
	return fmt.Sprintf("chapter %d: %s", e.ChapterIndex, ErrEmptyInput)
}

func (e *EmptyInputError) Is(target error) bool { return target == ErrEmptyInput }

// Chunk is one synthesis call worth of chapter text.
type Chunk struct {
	ChapterIndex     int
	Sequence         int
	Text             string
	EstimatedSeconds float64
}

// Chunker splits normalized text into chunks of at most MaxChars runes.
type Chunker struct {
	MaxChars  int
	Estimator Estimator
}

// Split chunks normalized chapter text with the default estimator.
func Split(normalized string, chapterIndex, maxChars int) ([]Chunk, error) {
	return Chunker{MaxChars: maxChars}.Split(normalized, chapterIndex)
}

// Split collects All into a slice. It fails with *EmptyInputError when the
// text holds no letters or digits.
func (c Chunker) Split(normalized string, chapterIndex int) ([]Chunk, error) {
	if !narratable(normalized) {
		return nil, &EmptyInputError{ChapterIndex: chapterIndex}
	}
	var chunks []Chunk
	for chunk := range c.All(normalized, chapterIndex) {
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return nil, &EmptyInputError{ChapterIndex: chapterIndex}
	}
	return chunks, nil
}

// All lazily yields the chunks of normalized. Each paragraph is chunked on
// its own: sentences are accumulated greedily and a chunk is closed when the
// next sentence would push it past MaxChars. A sentence that reaches the limit
// exactly still fits. A sentence longer than the limit closes the open chunk
// and is packed word by word with the same rule; its last piece stays open for
// the sentences that follow. A single word longer than the limit is yielded on
// its own.
func (c Chunker) All(normalized string, chapterIndex int) iter.Seq[Chunk] {
	limit := c.MaxChars
	if limit <= 0 {
		limit = DefaultMaxChunkChars
	}
	return func(yield func(Chunk) bool) {
		acc := accumulator{limit: limit, emit: func(s string, seq int) bool {
			return yield(Chunk{
				ChapterIndex:     chapterIndex,
				Sequence:         seq,
				Text:             s,
				EstimatedSeconds: c.Estimator.Estimate(s),
			})
		}}
		for _, paragraph := range strings.Split(normalized, "\n") {
			for _, sentence := range splitSentences(paragraph) {
				if utf8.RuneCountInString(sentence) <= limit {
					if !acc.add(sentence) {
						return
					}
					continue
				}
				if !acc.flush() {
					return
				}
				for _, word := range strings.Fields(sentence) {
					if !acc.add(word) {
						return
					}
				}
			}
			if !acc.flush() {
				return
			}
		}
	}
}

type accumulator struct {
	limit int
	emit  func(text string, seq int) bool
	buf   strings.Builder
	n     int
	seq   int
}

// add appends piece to the open chunk, closing it first if piece does not fit.
func (a *accumulator) add(piece string) bool {
	n := utf8.RuneCountInString(piece)
	if a.n > 0 && a.n+1+n > a.limit {
		if !a.flush() {
			return false
		}
	}
	if a.n > 0 {
		a.buf.WriteByte(' ')
		a.n++
	}
	a.buf.WriteString(piece)
	a.n += n
	return true
}

func (a *accumulator) flush() bool {
	if a.n == 0 {
		return true
	}
	s := a.buf.String()
	a.buf.Reset()
	a.n = 0
	seq := a.seq
	a.seq++
	return a.emit(s, seq)
}

// Reassemble joins chunk texts with newlines, one paragraph per chunk.
// Chunking the result again with the same limit yields the same chunks.
func Reassemble(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, "\n")
}

// splitSentences cuts a paragraph after terminal punctuation (plus any
// closing quotes or brackets) followed by whitespace or the end of the text.
func splitSentences(paragraph string) []string {
	var out []string
	rs := []rune(paragraph)
	start := 0
	for i := 0; i < len(rs); i++ {
		if !isTerminal(rs[i]) {
			continue
		}
		wide := isWideTerminal(rs[i])
		j := i + 1
		for j < len(rs) && (isTerminal(rs[j]) || isCloser(rs[j])) {
			wide = wide || isWideTerminal(rs[j])
			j++
		}
		if j < len(rs) && !unicode.IsSpace(rs[j]) && !wide {
			i = j - 1
			continue
		}
		if s := strings.TrimSpace(string(rs[start:j])); s != "" {
			out = append(out, s)
		}
		start = j
		i = j - 1
	}
	if s := strings.TrimSpace(string(rs[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?':
		return true
	}
	return isWideTerminal(r)
}

func isWideTerminal(r rune) bool {
	switch r {
	case '。', '！', '？':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '»', '」', '』', '）':
		return true
	}
	return false
}

func narratable(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}
