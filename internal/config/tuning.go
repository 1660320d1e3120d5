// Package config loads the tuning defaults file. The file provides the
// fallback values for the CLI flags, so a pipeline deployment can carry
// its preferred weights and model settings without repeating them on
// every invocation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for tuning defaults.
// All fields are optional; omitted fields fall back to built-in values
// through the Get* accessors, so partial configs are safe.
type TuningConfig struct {
	// Evaluation weighting
	WeightAuto   *float64 `json:"weight_auto,omitempty"`
	WeightManual *float64 `json:"weight_manual,omitempty"`

	// Manual rating
	RatingThreshold *int `json:"rating_threshold,omitempty"`

	// Optimiser params
	MaxIterations *int     `json:"max_iterations,omitempty"`
	LengthScale   *float64 `json:"length_scale,omitempty"`
	Alpha         *float64 `json:"alpha,omitempty"`
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must
// have a .json extension and stay under the max file size.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &TuningConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.WeightAuto != nil && (*c.WeightAuto < 0 || *c.WeightAuto > 100) {
		return fmt.Errorf("weight_auto must be between 0 and 100, got %g", *c.WeightAuto)
	}
	if c.WeightManual != nil && (*c.WeightManual < 0 || *c.WeightManual > 100) {
		return fmt.Errorf("weight_manual must be between 0 and 100, got %g", *c.WeightManual)
	}
	if c.RatingThreshold != nil && *c.RatingThreshold <= 0 {
		return fmt.Errorf("rating_threshold must be positive, got %d", *c.RatingThreshold)
	}
	if c.MaxIterations != nil && *c.MaxIterations < 2 {
		return fmt.Errorf("max_iterations must be at least 2, got %d", *c.MaxIterations)
	}
	if c.LengthScale != nil && *c.LengthScale <= 0 {
		return fmt.Errorf("length_scale must be positive, got %g", *c.LengthScale)
	}
	if c.Alpha != nil && *c.Alpha < 0 {
		return fmt.Errorf("alpha must be non-negative, got %g", *c.Alpha)
	}
	return nil
}

// GetWeightAuto returns the weight_auto value or the default.
func (c *TuningConfig) GetWeightAuto() float64 {
	if c.WeightAuto == nil {
		return 50
	}
	return *c.WeightAuto
}

// GetWeightManual returns the weight_manual value or the default.
func (c *TuningConfig) GetWeightManual() float64 {
	if c.WeightManual == nil {
		return 50
	}
	return *c.WeightManual
}

// GetRatingThreshold returns the rating_threshold value or the default.
func (c *TuningConfig) GetRatingThreshold() int {
	if c.RatingThreshold == nil {
		return 9
	}
	return *c.RatingThreshold
}

// GetMaxIterations returns the max_iterations value or the default.
func (c *TuningConfig) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 150
	}
	return *c.MaxIterations
}

// GetLengthScale returns the length_scale value or the default.
func (c *TuningConfig) GetLengthScale() float64 {
	if c.LengthScale == nil {
		return 1.0
	}
	return *c.LengthScale
}

// GetAlpha returns the alpha value or the default.
func (c *TuningConfig) GetAlpha() float64 {
	if c.Alpha == nil {
		return 0.01
	}
	return *c.Alpha
}
