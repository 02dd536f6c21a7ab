package quality

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var wordRE = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// SegmentMetrics are the per-segment transcript measurements.
type SegmentMetrics struct {
	WordCount       int     `json:"word_count"`
	CharCount       int     `json:"char_count"`
	DevanagariRatio float64 `json:"devanagari_ratio"`
	RepeatRatio     float64 `json:"repeat_ratio"`
	UniqueRatio     float64 `json:"unique_ratio"`
	DensityScore    float64 `json:"density_score"`
	LengthScore     float64 `json:"length_score"`
}

func words(text string) []string {
	return wordRE.FindAllString(text, -1)
}

func devanagariRatio(text string) float64 {
	letters, dev := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if r >= 0x0900 && r <= 0x097F {
			dev++
		}
	}
	if letters == 0 {
		return 0
	}
	return clamp01(float64(dev) / float64(letters))
}

func repeatRatio(ws []string) float64 {
	if len(ws) < 2 {
		return 0
	}
	repeats := 0
	for i := 1; i < len(ws); i++ {
		if strings.EqualFold(ws[i], ws[i-1]) {
			repeats++
		}
	}
	return clamp01(float64(repeats) / float64(len(ws)-1))
}

// ScoreSegment scores one transcript segment and returns hints for weak
// text regions.
func ScoreSegment(text string) (float64, SegmentMetrics, []string) {
	ws := words(text)
	wordCount := len(ws)
	charCount := len([]rune(strings.TrimSpace(text)))

	dev := devanagariRatio(text)
	rep := repeatRatio(ws)
	unique := 0.0
	if wordCount > 0 {
		distinct := make(map[string]bool, wordCount)
		for _, w := range ws {
			distinct[strings.ToLower(w)] = true
		}
		unique = float64(len(distinct)) / float64(wordCount)
	}
	density := clamp01(float64(wordCount) / 80.0)
	length := clamp01(float64(charCount) / 450.0)

	score := clamp01(0.28*density + 0.22*length + 0.22*dev + 0.18*unique + 0.10*(1.0-rep))

	var hints []string
	if wordCount < 8 {
		hints = append(hints, "Very short segment text")
	}
	if dev < 0.45 {
		hints = append(hints, "Low Hindi-script ratio")
	}
	if rep > 0.20 {
		hints = append(hints, "High repeated-word ratio")
	}
	if unique < 0.35 && wordCount >= 8 {
		hints = append(hints, "Low vocabulary variety")
	}

	m := SegmentMetrics{
		WordCount:       wordCount,
		CharCount:       charCount,
		DevanagariRatio: round4(dev),
		RepeatRatio:     round4(rep),
		UniqueRatio:     round4(unique),
		DensityScore:    round4(density),
		LengthScore:     round4(length),
	}
	return score, m, hints
}

// SegmentRow is one scored segment as carried through the pipeline.
// Index is 1-based.
type SegmentRow struct {
	Index int
	Score float64
	Hint  string
}

// SummarizeSegments averages segment scores (4 decimals), lists the
// indices below the low threshold and returns up to 10 per-segment hints.
func SummarizeSegments(rows []SegmentRow, lowThreshold float64) (float64, []int, []string) {
	if len(rows) == 0 {
		return 0, nil, nil
	}
	sum := 0.0
	var low []int
	var hints []string
	for _, row := range rows {
		sum += row.Score
		if row.Score < lowThreshold && row.Index > 0 {
			low = append(low, row.Index)
			if h := strings.TrimSpace(row.Hint); h != "" && len(hints) < 10 {
				hints = append(hints, fmt.Sprintf("Segment %d: %s", row.Index, h))
			}
		}
	}
	return round4(clamp01(sum / float64(len(rows)))), low, hints
}
