package emotion

import (
	"math"
	"sort"
)

// Undetected is the sentinel label used whenever classification could not
// produce a label for an image.
const Undetected = "undetected"

// Labels is the canonical label set in DeepFace order. It also breaks
// ties between equal scores.
var Labels = []string{"angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"}

var labelRank = func() map[string]int {
	m := make(map[string]int, len(Labels))
	for i, l := range Labels {
		m[l] = i
	}
	return m
}()

// Result is the classification of one image.
type Result struct {
	Dominant string             `json:"dominant_emotion"`
	Scores   map[string]float64 `json:"scores"`
}

// UndetectedResult returns the sentinel result.
func UndetectedResult() Result {
	return Result{Dominant: Undetected, Scores: map[string]float64{}}
}

func (r Result) IsUndetected() bool { return r.Dominant == Undetected }

// Argmax returns the label with the highest score. Ties go to the label
// that comes first in Labels, then to the lexically smaller label. It
// returns "" for an empty map.
func Argmax(scores map[string]float64) string {
	best := ""
	bestScore := math.Inf(-1)
	for label, score := range scores {
		if best == "" || score > bestScore || (score == bestScore && before(label, best)) {
			best, bestScore = label, score
		}
	}
	return best
}

func before(a, b string) bool {
	ra, aKnown := labelRank[a]
	rb, bKnown := labelRank[b]
	switch {
	case aKnown && bKnown:
		return ra < rb
	case aKnown != bKnown:
		return aKnown
	default:
		return a < b
	}
}

// TallyEntry is one bar of the emotion chart.
type TallyEntry struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Tally counts dominant labels, including the sentinel, across results.
func Tally(results []Result) map[string]int {
	counts := make(map[string]int)
	for _, r := range results {
		label := r.Dominant
		if label == "" {
			label = Undetected
		}
		counts[label]++
	}
	return counts
}

// Entries orders a tally for display: highest count first, then by label.
func Entries(counts map[string]int) []TallyEntry {
	entries := make([]TallyEntry, 0, len(counts))
	for label, count := range counts {
		entries = append(entries, TallyEntry{Label: label, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Label < entries[j].Label
	})
	return entries
}
