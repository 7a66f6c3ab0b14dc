package helpers

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "Valid UTF-8 string",
			input:    "Hello, World!",
			expected: "Hello, World!",
		},
		{
			name:     "UTF-8 with emoji",
			input:    "Hello 👋 World 🌍",
			expected: "Hello 👋 World 🌍",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "String with NULL byte in middle",
			input:    "Hello\x00World",
			expected: "HelloWorld",
		},
		{
			name:     "String with only NULL bytes",
			input:    "\x00\x00\x00",
			expected: "",
		},
		{
			name:     "String with invalid UTF-8 sequences",
			input:    "Hello\xFFWorld",
			expected: "HelloWorld",
		},
		{
			name:     "String with NULL bytes and invalid UTF-8",
			input:    "Hello\x00\xFFWorld\x00",
			expected: "HelloWorld",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeUTF8(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
			if strings.ContainsRune(result, '\x00') {
				t.Errorf("Result still contains NULL bytes: %q", result)
			}
		})
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"spaces kept inside", " annual report.pdf ", "annual report.pdf"},
		{"slashes", "a/b\\c.txt", "a_b_c.txt"},
		{"control characters", "bad\nname\t.txt", "badname.txt"},
		{"leading dots", "..hidden", "hidden"},
		{"only dots", "...", ""},
		{"unicode", "résumé.docx", "résumé.docx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeFileName(tt.input); got != tt.expected {
				t.Errorf("SanitizeFileName(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeFileNameTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("é", 200) // 400 bytes
	got := SanitizeFileName(long)
	if len(got) > MaxFileNameLength {
		t.Fatalf("length %d exceeds %d", len(got), MaxFileNameLength)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
}
