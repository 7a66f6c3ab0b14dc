package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("5s")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDuration("2d")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	_, err = ParseDuration("soon")
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"1GB":    1073741824,
		"512MB":  512 << 20,
		"1.5KB":  1536,
		"100":    100,
		" 10 b ": 10,
		"2tb":    2 << 40,
	}
	for in, want := range tests {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSize("-1")
	assert.Error(t, err)
	_, err = ParseSize("lots")
	assert.Error(t, err)
}
