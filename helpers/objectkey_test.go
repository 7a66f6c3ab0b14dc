package helpers

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewObjectKey(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	tests := []struct {
		name    string
		input   string
		pattern string
	}{
		{"with extension", "report.pdf", `^user-7/report_1700000000123_[0-9a-f]{8}\.pdf$`},
		{"multiple dots", "archive.tar.gz", `^user-7/archive\.tar_1700000000123_[0-9a-f]{8}\.gz$`},
		{"no extension", "README", `^user-7/README_1700000000123_[0-9a-f]{8}$`},
		{"dotfile", ".env", `^user-7/env_1700000000123_[0-9a-f]{8}$`},
		{"empty name", "  ", `^user-7/unnamed_1700000000123_1700000000123_[0-9a-f]{8}$`},
		{"path separators", "reports/q3.pdf", `^user-7/reports_q3_1700000000123_[0-9a-f]{8}\.pdf$`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := NewObjectKey(7, tt.input, now)
			assert.Regexp(t, regexp.MustCompile(tt.pattern), key)
			assert.Equal(t, 1, strings.Count(key, "/"))
		})
	}
}

func TestNewObjectKeyUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := NewObjectKey(1, "a.txt", now)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func TestOwnerFromObjectKey(t *testing.T) {
	id, ok := OwnerFromObjectKey("user-7/report_1700000000_ab12cd34.pdf")
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	for _, key := range []string{"", "user-/x", "user-abc/x", "user-7", "users-7/x", "user-0/x", "user--1/x"} {
		_, ok := OwnerFromObjectKey(key)
		assert.False(t, ok, key)
	}

	id, ok = OwnerFromObjectKey(NewObjectKey(123, "f.bin", time.Now()))
	assert.True(t, ok)
	assert.Equal(t, int64(123), id)
}
