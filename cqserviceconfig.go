package cqcorex

import (
	"gopkg.in/yaml.v3"
)

const defaultCqNamePrefix = "GgCq"

// CqServiceConfig holds the service tunables. Zero values are replaced by
// defaults; the struct is loadable from YAML for server-side deployments.
type CqServiceConfig struct {
	// NamePrefix is the prefix for generated CQ names.
	NamePrefix string `yaml:"name_prefix"`

	// EvaluateDuringExecute marks the seeded result-key cache as complete:
	// a cache miss on an event's old value then means non-membership. When
	// false, a miss falls back to evaluating the old value.
	EvaluateDuringExecute bool `yaml:"evaluate_during_execute"`

	// CompressionMinSize is the smallest value, in bytes, worth compressing
	// for client delivery.
	CompressionMinSize int `yaml:"compression_min_size"`

	// CompressionMinRatio is the largest compressed:original ratio still
	// worth keeping.
	CompressionMinRatio float64 `yaml:"compression_min_ratio"`
}

func DefaultCqServiceConfig() CqServiceConfig {
	return CqServiceConfig{
		NamePrefix:            defaultCqNamePrefix,
		EvaluateDuringExecute: true,
		CompressionMinSize:    defaultCompressionMinSize,
		CompressionMinRatio:   defaultCompressionMinRatio,
	}
}

// ParseCqServiceConfig unmarshals YAML over the defaults, so absent keys
// keep their default values.
func ParseCqServiceConfig(data []byte) (CqServiceConfig, error) {
	config := DefaultCqServiceConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return CqServiceConfig{}, err
	}
	if config.NamePrefix == "" {
		config.NamePrefix = defaultCqNamePrefix
	}
	return config, nil
}
