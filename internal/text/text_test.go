package text

import (
	"errors"
	"math"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestNormalizeCollapsesWhitespaceAndParagraphs(t *testing.T) {
	raw := "  First   line\nstill first.\r\n\r\n\n Second\tparagraph.  \n\n\n"
	got := Normalize(raw)
	want := "First line still first.\nSecond paragraph."
	if got != want {
		t.Fatalf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeStripsMarkup(t *testing.T) {
	raw := `<html><head><title>x</title><style>p{}</style></head><body>
<h1>Chapter One</h1><p>It was &amp; is <em>dark</em>.</p><script>alert(1)</script><p>Next.</p></body></html>`
	got := Normalize(raw)
	want := "Chapter One\nIt was & is dark.\nNext."
	if got != want {
		t.Fatalf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeKeepsAngleBracketProse(t *testing.T) {
	cases := map[string]string{
		"If a<b and c>d then stop.":          "If a<b and c>d then stop.",
		"Use <widget> here.":                 "Use <widget> here.",
		"<p>If a<b and c>d then stop.</p>":   "If a<b and c>d then stop.",
		`<p class="x">Real <b>bold</b>.</p>`: "Real bold.",
		"x <!-- note --> y":                  "x y",
	}
	for raw, want := range cases {
		if got := Normalize(raw); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeCleanup(t *testing.T) {
	cases := map[string]string{
		"Wait.... what??":                     "Wait... what?",
		"See https://example.com/x now!!":     "See now!",
		"\u201cQuoted\u201d \u2014 it\u2019s": `"Quoted" - it's`,
		"a\x00b\u200bc":                       "abc",
		"Tom &amp; Jerry":                     "Tom & Jerry",
		"bad \xff\xfe bytes":                  "bad bytes",
	}
	for raw, want := range cases {
		if got := Normalize(raw); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSplitScenarioA(t *testing.T) {
	chunks, err := Split("Hello world. This is a test.", 1, 15)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"Hello world.", "This is a test."}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %+v", len(want), len(chunks), chunks)
	}
	for i, c := range chunks {
		if c.Text != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, c.Text, want[i])
		}
		if c.Sequence != i || c.ChapterIndex != 1 {
			t.Fatalf("chunk %d has sequence %d chapter %d", i, c.Sequence, c.ChapterIndex)
		}
	}
}

func TestSplitExactLimitIsKept(t *testing.T) {
	chunks, err := Split("Hi. Yo.", 1, 7)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "Hi. Yo." {
		t.Fatalf("expected single chunk at the limit, got %+v", chunks)
	}
}

func TestSplitForcesLongSentence(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  []string
	}{
		{"Aa. bbb ccc ddd eee. F.", 8, []string{"Aa.", "bbb ccc", "ddd eee.", "F."}},
		{"Hi. aaaa bbbb cccc dddd eeee ffff.", 10, []string{"Hi.", "aaaa bbbb", "cccc dddd", "eeee ffff."}},
		{"aa bb cc dd ee. Go.", 8, []string{"aa bb cc", "dd ee.", "Go."}},
		{"aa bb cc dd. Go.", 9, []string{"aa bb cc", "dd. Go."}},
	}
	for _, tc := range cases {
		chunks, err := Split(tc.in, 1, tc.limit)
		if err != nil {
			t.Fatalf("Split(%q): %v", tc.in, err)
		}
		var got []string
		for _, c := range chunks {
			got = append(got, c.Text)
		}
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Errorf("Split(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
		}
	}
}

func TestSplitKeepsParagraphsApart(t *testing.T) {
	chunks, err := Split("One. Two.\nThree.", 1, 100)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "One. Two." || chunks[1].Text != "Three." {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestSplitDoesNotEndAtSemicolon(t *testing.T) {
	chunks, err := Split("Wait; then go. Stop.", 1, 10)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 2 || chunks[0].Text != "Wait; then" || chunks[1].Text != "go. Stop." {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestSplitOversizedWordStandsAlone(t *testing.T) {
	chunks, err := Split("a supercalifragilistic b", 1, 5)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 || chunks[1].Text != "supercalifragilistic" {
		t.Fatalf("unexpected chunks %+v", chunks)
	}
}

func TestSplitEmptyInput(t *testing.T) {
	for _, in := range []string{"", "   ", "... !!! ---"} {
		_, err := Split(in, 4, 100)
		if !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("Split(%q) error = %v, want ErrEmptyInput", in, err)
		}
		var empty *EmptyInputError
		if !errors.As(err, &empty) || empty.ChapterIndex != 4 {
			t.Fatalf("expected EmptyInputError for chapter 4, got %v", err)
		}
	}
}

func TestSentenceBoundaries(t *testing.T) {
	got := splitSentences(`He said "Stop!" and left. Pi is 3.14 today? Yes; no`)
	got = append(got, splitSentences("最初。次！")...)
	want := []string{`He said "Stop!"`, "and left.", "Pi is 3.14 today?", "Yes; no", "最初。", "次！"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("Sentences = %q, want %q", got, want)
	}
}

const sample = `It was the best of times, it was the worst of times. It was the age of wisdom; it was the age of foolishness.
Short one. Another short one! A question? And then a rather long sentence that keeps going well beyond any reasonable chunk limit without a single terminal mark to stop it in its tracks
Final paragraph here. 終わり。本当に！`

func TestChunkProperties(t *testing.T) {
	for _, limit := range []int{1, 8, 15, 40, 80, 500} {
		chunks, err := Split(sample, 2, limit)
		if err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}

		var joined []string
		for i, c := range chunks {
			if c.Sequence != i {
				t.Fatalf("limit %d: sequence %d at position %d", limit, c.Sequence, i)
			}
			n := utf8.RuneCountInString(c.Text)
			if n > limit && len(strings.Fields(c.Text)) != 1 {
				t.Fatalf("limit %d: chunk %q has %d runes", limit, c.Text, n)
			}
			joined = append(joined, c.Text)
		}

		// Reconstruction modulo whitespace.
		if strings.Join(strings.Fields(strings.Join(joined, " ")), "") != strings.Join(strings.Fields(sample), "") {
			t.Fatalf("limit %d: chunks do not reconstruct the input", limit)
		}

		again, err := Split(Reassemble(chunks), 2, limit)
		if err != nil {
			t.Fatalf("limit %d: rechunk: %v", limit, err)
		}
		if len(again) != len(chunks) {
			t.Fatalf("limit %d: rechunk produced %d chunks, want %d", limit, len(again), len(chunks))
		}
		for i := range chunks {
			if again[i].Text != chunks[i].Text {
				t.Fatalf("limit %d: rechunk chunk %d = %q, want %q", limit, i, again[i].Text, chunks[i].Text)
			}
		}
	}
}

func TestChunkerAllStopsEarly(t *testing.T) {
	c := Chunker{MaxChars: 10}
	count := 0
	for range c.All("One. Two. Three. Four. Five. Six.", 1) {
		count++
		if count == 2 {
			break
		}
	}
	if count != 2 {
		t.Fatalf("expected iteration to stop at 2, got %d", count)
	}
}

func TestEstimator(t *testing.T) {
	est := Estimator{}
	if got := est.Estimate("one two three"); math.Abs(got-1.2) > 1e-9 {
		t.Fatalf("Estimate = %v, want 1.2", got)
	}
	fast := Estimator{WordsPerMinute: 300}
	if got := fast.Estimate("one two three"); math.Abs(got-0.6) > 1e-9 {
		t.Fatalf("Estimate = %v, want 0.6", got)
	}
	chunks, err := Chunker{MaxChars: 12, Estimator: est}.Split("One two. Three four.", 1)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if got := est.EstimateChunks(chunks); math.Abs(got-1.6) > 1e-9 {
		t.Fatalf("EstimateChunks = %v, want 1.6", got)
	}
}

func TestDeviation(t *testing.T) {
	if d := Deviation(10, 15); math.Abs(d-0.5) > 1e-9 {
		t.Fatalf("Deviation = %v", d)
	}
	if d := Deviation(0, 0); d != 0 {
		t.Fatalf("Deviation(0,0) = %v", d)
	}
	if d := Deviation(0, 1); !math.IsInf(d, 1) {
		t.Fatalf("Deviation(0,1) = %v", d)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[float64]string{
		0:      "0s",
		45:     "45s",
		60:     "1m",
		5025.7: "1h 23m 45s",
		3600:   "1h",
	}
	for in, want := range cases {
		if got := FormatDuration(in); got != want {
			t.Errorf("FormatDuration(%v) = %q, want %q", in, got, want)
		}
	}
}
