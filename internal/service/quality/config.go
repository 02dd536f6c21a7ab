package quality

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the optional quality config file.
type FileConfig struct {
	OCRWeights       *Weights `yaml:"ocr_weights"`
	OCRLowThreshold  *float64 `yaml:"ocr_low_threshold"`
	SegmentThreshold *float64 `yaml:"segment_low_threshold"`
	Samples          []Sample `yaml:"recalibration_samples"`
}

// Settings is the resolved quality configuration used by the pipelines.
type Settings struct {
	Weights          Weights
	Guards           Guards
	OCRLowThreshold  float64
	SegmentThreshold float64
}

// LoadSettings resolves quality settings in precedence order: defaults,
// then the YAML config file, then the weights JSON override. When the
// file supplies recalibration samples, the weights are recalibrated
// against them before the JSON override applies.
func LoadSettings(configFile, weightsJSON string, ocrLow, segLow float64) (Settings, error) {
	s := Settings{
		Weights:          DefaultWeights(),
		Guards:           DefaultGuards(),
		OCRLowThreshold:  ocrLow,
		SegmentThreshold: segLow,
	}

	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return Settings{}, fmt.Errorf("op=quality.LoadSettings path=%s: %w", configFile, err)
		}
		var fc FileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Settings{}, fmt.Errorf("op=quality.LoadSettings path=%s: %w", configFile, err)
		}
		if fc.OCRWeights != nil {
			s.Weights = fc.OCRWeights.Normalize()
		}
		if len(fc.Samples) > 0 {
			s.Weights = RecalibrateWeights(s.Weights, fc.Samples)
		}
		if fc.OCRLowThreshold != nil {
			s.OCRLowThreshold = *fc.OCRLowThreshold
		}
		if fc.SegmentThreshold != nil {
			s.SegmentThreshold = *fc.SegmentThreshold
		}
	}

	if weightsJSON != "" {
		var w Weights
		if err := json.Unmarshal([]byte(weightsJSON), &w); err != nil {
			return Settings{}, fmt.Errorf("op=quality.LoadSettings weights json: %w", err)
		}
		s.Weights = w.Normalize()
	}

	return s, nil
}
