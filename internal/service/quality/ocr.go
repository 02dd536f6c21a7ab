// Package quality computes deterministic quality scores for OCR pages and
// transcription segments. No model calls; same input always yields the
// same score.
package quality

import (
	"image"
	"math"
	"regexp"
	"strings"
)

var noiseCharRE = regexp.MustCompile(`[^a-zA-Z0-9` + "ऀ-ॿ" + `\s.,;:!?()"\-]`)

// Weights blends the five OCR page metrics. Blur and noise enter as
// qualities, i.e. (1 - blur_score) and (1 - garbage_ratio).
type Weights struct {
	CharConf     float64 `json:"char_conf" yaml:"char_conf"`
	Density      float64 `json:"density" yaml:"density"`
	Contrast     float64 `json:"contrast" yaml:"contrast"`
	BlurQuality  float64 `json:"blur_quality" yaml:"blur_quality"`
	NoiseQuality float64 `json:"noise_quality" yaml:"noise_quality"`
}

// DefaultWeights returns the calibrated production weights.
func DefaultWeights() Weights {
	return Weights{CharConf: 0.34, Density: 0.12, Contrast: 0.20, BlurQuality: 0.18, NoiseQuality: 0.16}
}

func (w Weights) sum() float64 {
	return w.CharConf + w.Density + w.Contrast + w.BlurQuality + w.NoiseQuality
}

// Normalize scales the weights to sum to 1. Non-positive sums fall back
// to defaults.
func (w Weights) Normalize() Weights {
	s := w.sum()
	if s <= 0 {
		return DefaultWeights()
	}
	return Weights{
		CharConf:     w.CharConf / s,
		Density:      w.Density / s,
		Contrast:     w.Contrast / s,
		BlurQuality:  w.BlurQuality / s,
		NoiseQuality: w.NoiseQuality / s,
	}
}

// Guards holds the threshold bundles for the post-score adjustment rules.
type Guards struct {
	CleanTextMinChars   int
	CleanGarbageMax     float64
	CleanConfMin        float64
	CleanTextFloor      float64
	HintStripDensityMin float64

	CleanProxyFloor     float64
	ProxyDensityMin     float64
	SparseDensityMax    float64
	SparseCleanBonus    float64

	DenseCleanConfMin    float64
	DenseCleanGarbageMax float64
	DenseCleanDensityMin float64
	DenseCleanBonus      float64

	DenseBlurDensityMin float64
	DenseBlurMin        float64
	DenseBlurGarbageMin float64
	DenseBlurPenalty    float64
}

// DefaultGuards returns the production guard thresholds.
func DefaultGuards() Guards {
	return Guards{
		CleanTextMinChars:   80,
		CleanGarbageMax:     0.12,
		CleanConfMin:        0.78,
		CleanTextFloor:      0.65,
		HintStripDensityMin: 0.35,

		CleanProxyFloor:  0.62,
		ProxyDensityMin:  0.04,
		SparseDensityMax: 0.25,
		SparseCleanBonus: 0.08,

		DenseCleanConfMin:    0.90,
		DenseCleanGarbageMax: 0.05,
		DenseCleanDensityMin: 0.15,
		DenseCleanBonus:      0.08,

		DenseBlurDensityMin: 0.70,
		DenseBlurMin:        0.80,
		DenseBlurGarbageMin: 0.08,
		DenseBlurPenalty:    0.10,
	}
}

// PageMetrics are the five per-page measurements, each in [0,1].
type PageMetrics struct {
	CharConfProxy    float64 `json:"char_conf_proxy"`
	ContrastScore    float64 `json:"contrast_score"`
	BlurScore        float64 `json:"blur_score"`
	TextDensityScore float64 `json:"text_density_score"`
	GarbageRatio     float64 `json:"garbage_ratio"`
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

// GarbageRatio is the fraction of characters outside the accepted set
// (latin alphanumerics, Devanagari, whitespace, common punctuation).
// Empty text counts as fully noisy.
func GarbageRatio(text string) float64 {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return 1.0
	}
	noisy := len(noiseCharRE.FindAllString(clean, -1))
	total := len([]rune(clean))
	if total < 1 {
		total = 1
	}
	return float64(noisy) / float64(total)
}

// CharConfProxy stands in for engine confidence, which the model does not
// report: clean text scores high, noisy text collapses quickly.
func CharConfProxy(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return clamp01(1.0 - GarbageRatio(text)*1.5)
}

// TextDensityScore estimates text sufficiency relative to page area.
func TextDensityScore(text string, width, height int) float64 {
	chars := len([]rune(strings.TrimSpace(text)))
	area := width * height
	if area < 1 {
		area = 1
	}
	return clamp01(float64(chars) / float64(area) * 8000.0)
}

// ContrastScore estimates page contrast from the grayscale stddev.
func ContrastScore(img image.Image) float64 {
	px := grayPixels(img)
	return clamp01(stddev(px) / 64.0)
}

// BlurScore estimates blur from edge energy; higher means more blurry.
func BlurScore(img image.Image) float64 {
	gray := grayPixels(img)
	b := img.Bounds()
	edgeMean := edgeFilterMean(gray, b.Dx(), b.Dy())
	return clamp01(1.0 - clamp01(edgeMean/32.0))
}

// MeasurePage computes all five metrics for one page.
func MeasurePage(text string, img image.Image) PageMetrics {
	b := img.Bounds()
	return PageMetrics{
		CharConfProxy:    CharConfProxy(text),
		ContrastScore:    ContrastScore(img),
		BlurScore:        BlurScore(img),
		TextDensityScore: TextDensityScore(text, b.Dx(), b.Dy()),
		GarbageRatio:     GarbageRatio(text),
	}
}

// ScoreFromMetrics applies the weight blend to precomputed metrics.
func ScoreFromMetrics(m PageMetrics, w Weights) float64 {
	score := w.CharConf*m.CharConfProxy +
		w.Density*m.TextDensityScore +
		w.Contrast*m.ContrastScore +
		w.BlurQuality*(1.0-m.BlurScore) +
		w.NoiseQuality*(1.0-m.GarbageRatio)
	return clamp01(score)
}

// ScorePage scores one OCR page: weighted metric blend, base hints, then
// the guard rules in fixed order. Returned metrics are rounded to 2
// decimals; the guard rules run on the unrounded values.
func ScorePage(text string, img image.Image, w Weights, g Guards) (float64, PageMetrics, []string) {
	m := MeasurePage(text, img)
	score := ScoreFromMetrics(m, w)

	var hints []string
	if m.BlurScore > 0.60 {
		hints = append(hints, "Image appears blurry")
	}
	if m.ContrastScore < 0.40 {
		hints = append(hints, "Low contrast detected")
	}
	if m.TextDensityScore < 0.20 {
		hints = append(hints, "Very little readable text found")
	}
	if m.GarbageRatio > 0.25 {
		hints = append(hints, "OCR output appears noisy")
	}

	score, hints = ApplyGuardRules(score, text, m, g, hints)

	rounded := PageMetrics{
		CharConfProxy:    round2(m.CharConfProxy),
		ContrastScore:    round2(m.ContrastScore),
		BlurScore:        round2(m.BlurScore),
		TextDensityScore: round2(m.TextDensityScore),
		GarbageRatio:     round2(m.GarbageRatio),
	}
	return round2(score), rounded, hints
}

// ApplyGuardRules runs the five post-score adjustments in their fixed
// order, carrying the running score, and returns the adjusted score plus
// the de-duplicated hint list.
func ApplyGuardRules(score float64, text string, m PageMetrics, g Guards, hints []string) (float64, []string) {
	chars := len([]rune(strings.TrimSpace(text)))

	// 1. Clean-text floor: long clean text cannot score below the floor
	// on visual metrics alone.
	cleanText := chars >= g.CleanTextMinChars &&
		m.GarbageRatio <= g.CleanGarbageMax &&
		m.CharConfProxy >= g.CleanConfMin
	if cleanText {
		if score < g.CleanTextFloor {
			score = g.CleanTextFloor
		}
		if m.TextDensityScore >= g.HintStripDensityMin {
			hints = dropHints(hints, "Image appears blurry", "Low contrast detected")
		}
	}

	// 2. Clean-proxy floor.
	cleanProxy := m.CharConfProxy >= g.CleanConfMin &&
		m.GarbageRatio <= g.CleanGarbageMax &&
		m.TextDensityScore >= g.ProxyDensityMin
	if cleanProxy && score < g.CleanProxyFloor {
		score = g.CleanProxyFloor
	}

	// 3. Sparse-clean bonus.
	if cleanProxy && m.TextDensityScore <= g.SparseDensityMax {
		score += g.SparseCleanBonus
	}

	// 4. Dense-clean bonus.
	denseClean := m.CharConfProxy >= g.DenseCleanConfMin &&
		m.GarbageRatio <= g.DenseCleanGarbageMax &&
		m.TextDensityScore >= g.DenseCleanDensityMin
	if denseClean {
		score += g.DenseCleanBonus
	}

	// 5. Dense-blur penalty, suppressed for dense-clean pages.
	if !denseClean &&
		m.TextDensityScore >= g.DenseBlurDensityMin &&
		m.BlurScore >= g.DenseBlurMin &&
		m.GarbageRatio >= g.DenseBlurGarbageMin {
		score -= g.DenseBlurPenalty
	}

	return clamp01(score), dedupeHints(hints)
}

func dropHints(hints []string, drop ...string) []string {
	out := hints[:0]
	for _, h := range hints {
		keep := true
		for _, d := range drop {
			if h == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, h)
		}
	}
	return out
}

func dedupeHints(hints []string) []string {
	seen := make(map[string]bool, len(hints))
	out := make([]string, 0, len(hints))
	for _, h := range hints {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// SummarizeDocumentQuality averages page scores (2 decimals) and lists the
// 1-based indices of pages under the low-confidence threshold.
func SummarizeDocumentQuality(pageScores []float64, lowThreshold float64) (float64, []int) {
	if len(pageScores) == 0 {
		return 0, nil
	}
	sum := 0.0
	var low []int
	for i, s := range pageScores {
		sum += s
		if s < lowThreshold {
			low = append(low, i+1)
		}
	}
	return round2(sum / float64(len(pageScores))), low
}

// Sample pairs measured metrics with a target score for recalibration.
type Sample struct {
	Metrics PageMetrics `json:"metrics" yaml:"metrics"`
	Target  float64     `json:"target_score" yaml:"target_score"`
}

var recalDeltas = []float64{-0.10, -0.05, 0, 0.05, 0.10}

// RecalibrateWeights grid-searches small additive deltas per weight,
// renormalizes each candidate to sum 1 and returns the vector minimizing
// mean absolute error against the sample targets. Without valid samples
// the base weights are returned unchanged.
func RecalibrateWeights(base Weights, samples []Sample) Weights {
	valid := samples[:0:0]
	for _, s := range samples {
		if s.Target >= 0 && s.Target <= 1 {
			valid = append(valid, s)
		}
	}
	if len(valid) == 0 {
		return base
	}

	best := base.Normalize()
	bestMAE := meanAbsError(best, valid)
	for _, dc := range recalDeltas {
		for _, dd := range recalDeltas {
			for _, dt := range recalDeltas {
				for _, db := range recalDeltas {
					for _, dn := range recalDeltas {
						cand := Weights{
							CharConf:     base.CharConf + dc,
							Density:      base.Density + dd,
							Contrast:     base.Contrast + dt,
							BlurQuality:  base.BlurQuality + db,
							NoiseQuality: base.NoiseQuality + dn,
						}
						if cand.CharConf < 0 || cand.Density < 0 || cand.Contrast < 0 ||
							cand.BlurQuality < 0 || cand.NoiseQuality < 0 || cand.sum() <= 0 {
							continue
						}
						cand = cand.Normalize()
						if mae := meanAbsError(cand, valid); mae < bestMAE {
							bestMAE = mae
							best = cand
						}
					}
				}
			}
		}
	}
	return best
}

func meanAbsError(w Weights, samples []Sample) float64 {
	total := 0.0
	for _, s := range samples {
		total += math.Abs(ScoreFromMetrics(s.Metrics, w) - s.Target)
	}
	return total / float64(len(samples))
}

func stddev(px []float64) float64 {
	if len(px) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range px {
		mean += v
	}
	mean /= float64(len(px))
	variance := 0.0
	for _, v := range px {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(px)))
}

// grayPixels converts an image to 8-bit luminance values using the usual
// integer Rec.601 blend.
func grayPixels(img image.Image) []float64 {
	b := img.Bounds()
	px := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			l := (299*(r>>8) + 587*(g>>8) + 114*(bl>>8)) / 1000
			px = append(px, float64(l))
		}
	}
	return px
}

// edgeFilterMean convolves a 3x3 edge kernel over the interior and
// returns the mean of the clamped result. Border pixels keep their
// original values, matching the filter the calibration corpus used.
func edgeFilterMean(gray []float64, w, h int) float64 {
	if w < 3 || h < 3 {
		return 0
	}
	total := 0.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x == 0 || y == 0 || x == w-1 || y == h-1 {
				total += gray[y*w+x]
				continue
			}
			center := gray[y*w+x]
			sum := 8*center -
				gray[(y-1)*w+x-1] - gray[(y-1)*w+x] - gray[(y-1)*w+x+1] -
				gray[y*w+x-1] - gray[y*w+x+1] -
				gray[(y+1)*w+x-1] - gray[(y+1)*w+x] - gray[(y+1)*w+x+1]
			if sum < 0 {
				sum = 0
			} else if sum > 255 {
				sum = 255
			}
			total += sum
		}
	}
	return total / float64(w*h)
}
