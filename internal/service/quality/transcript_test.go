package quality

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScoreSegment_EmptyText(t *testing.T) {
	score, m, hints := ScoreSegment("")
	require.InDelta(t, 0.10, score, 1e-9) // only the repeat term survives
	require.Zero(t, m.WordCount)
	require.Zero(t, m.CharCount)
	require.Contains(t, hints, "Very short segment text")
	require.Contains(t, hints, "Low Hindi-script ratio")
}

func TestScoreSegment_HealthyHindiText(t *testing.T) {
	var sb strings.Builder
	base := []string{"कथा", "सुनो", "राजा", "बोला", "मंत्री", "आया", "नगर", "गया", "वचन", "दिया"}
	for i := 0; i < 9; i++ {
		for _, w := range base {
			sb.WriteString(w)
			sb.WriteString(" ")
		}
	}
	score, m, hints := ScoreSegment(sb.String())
	require.Equal(t, 90, m.WordCount)
	require.Equal(t, 1.0, m.DensityScore)
	require.Equal(t, 1.0, m.DevanagariRatio)
	require.Equal(t, 0.0, m.RepeatRatio)
	require.Greater(t, score, 0.75)
	require.NotContains(t, hints, "Very short segment text")
	require.NotContains(t, hints, "Low Hindi-script ratio")
}

func TestScoreSegment_RepetitiveText(t *testing.T) {
	score, m, hints := ScoreSegment(strings.Repeat("वही ", 40))
	require.Greater(t, m.RepeatRatio, 0.9)
	require.Less(t, m.UniqueRatio, 0.1)
	require.Contains(t, hints, "High repeated-word ratio")
	require.Contains(t, hints, "Low vocabulary variety")
	require.Less(t, score, 0.6)
}

func TestScoreSegment_UnicodeTokenizer(t *testing.T) {
	_, m, _ := ScoreSegment("कथा one_two 42")
	require.Equal(t, 3, m.WordCount)
}

func TestSummarizeSegments(t *testing.T) {
	avg, low, hints := SummarizeSegments(nil, 0.60)
	require.Equal(t, 0.0, avg)
	require.Empty(t, low)
	require.Empty(t, hints)

	rows := []SegmentRow{
		{Index: 1, Score: 0.80},
		{Index: 2, Score: 0.40, Hint: "Very short segment text"},
		{Index: 3, Score: 0.55, Hint: ""},
	}
	avg, low, hints = SummarizeSegments(rows, 0.60)
	require.InDelta(t, 0.5833, avg, 1e-4)
	require.Equal(t, []int{2, 3}, low)
	require.Equal(t, []string{"Segment 2: Very short segment text"}, hints)
}

func TestSummarizeSegments_SingleSegment(t *testing.T) {
	avg, low, hints := SummarizeSegments([]SegmentRow{{Index: 1, Score: 0.9}}, 0.60)
	require.Equal(t, 0.9, avg)
	require.Empty(t, low)
	require.Empty(t, hints)

	avg, low, hints = SummarizeSegments([]SegmentRow{{Index: 1, Score: 0.2, Hint: "Very short segment text"}}, 0.60)
	require.Equal(t, 0.2, avg)
	require.Equal(t, []int{1}, low)
	require.Equal(t, []string{"Segment 1: Very short segment text"}, hints)
}

func TestSummarizeSegments_HintCap(t *testing.T) {
	rows := make([]SegmentRow, 15)
	for i := range rows {
		rows[i] = SegmentRow{Index: i + 1, Score: 0.1, Hint: "Very short segment text"}
	}
	_, low, hints := SummarizeSegments(rows, 0.60)
	require.Len(t, low, 15)
	require.Len(t, hints, 10)
}
