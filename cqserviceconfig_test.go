package cqcorex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCqServiceConfigDefaults(t *testing.T) {
	config, err := ParseCqServiceConfig([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultCqServiceConfig(), config)
}

func TestParseCqServiceConfigOverrides(t *testing.T) {
	config, err := ParseCqServiceConfig([]byte(`
name_prefix: MyCq
evaluate_during_execute: false
compression_min_size: 64
`))
	require.NoError(t, err)

	assert.Equal(t, "MyCq", config.NamePrefix)
	assert.False(t, config.EvaluateDuringExecute)
	assert.Equal(t, 64, config.CompressionMinSize)

	// Absent keys keep their defaults.
	assert.Equal(t, defaultCompressionMinRatio, config.CompressionMinRatio)
}

func TestParseCqServiceConfigInvalid(t *testing.T) {
	_, err := ParseCqServiceConfig([]byte("name_prefix: [not, a, string"))
	assert.Error(t, err)
}
