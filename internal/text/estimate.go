package text

import (
	"fmt"
	"math"
	"strings"
)

// DefaultWordsPerMinute is an average audiobook narration pace.
const DefaultWordsPerMinute = 150

// Estimator predicts narration length from word counts. It is a static
// heuristic used before any audio exists.
type Estimator struct {
	WordsPerMinute float64
}

// Estimate returns the predicted narration time of s in seconds.
func (e Estimator) Estimate(s string) float64 {
	wpm := e.WordsPerMinute
	if wpm <= 0 {
		wpm = DefaultWordsPerMinute
	}
	words := len(strings.Fields(s))
	return float64(words) / wpm * 60
}

// EstimateChunks sums the per-chunk estimates.
func (e Estimator) EstimateChunks(chunks []Chunk) float64 {
	var total float64
	for _, c := range chunks {
		total += c.EstimatedSeconds
	}
	return total
}

// Deviation is the relative difference between an estimate and a measured
// duration.
func Deviation(expected, actual float64) float64 {
	if expected <= 0 {
		if actual <= 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(actual-expected) / expected
}

// FormatDuration renders seconds as "1h 23m 45s".
func FormatDuration(seconds float64) string {
	total := int(seconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	secs := total % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if secs > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", secs))
	}
	return strings.Join(parts, " ")
}
