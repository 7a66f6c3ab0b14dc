package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJob(t *testing.T) {
	job, err := DecodeJob([]byte(`{"resourceId":42,"objectKey":"user-7/report_1700000000_ab12cd34.pdf","fileSize":2048,"timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), job.ResourceID)
	assert.Equal(t, "user-7/report_1700000000_ab12cd34.pdf", job.ObjectKey)
	assert.Equal(t, int64(2048), job.FileSize)
	assert.Equal(t, time.UnixMilli(1700000000000), job.EnqueuedAt())
}

func TestDecodeJobTolerantFields(t *testing.T) {
	job, err := DecodeJob([]byte(`{"resourceId":5,"objectKey":"user-1/a_1_00000000.txt","extra":{"x":1}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(0), job.FileSize)
	assert.True(t, job.EnqueuedAt().IsZero())
}

func TestDecodeJobRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"resourceId":`},
		{"zero id", `{"resourceId":0,"objectKey":"k"}`},
		{"negative id", `{"resourceId":-3,"objectKey":"k"}`},
		{"missing key", `{"resourceId":3}`},
		{"negative size", `{"resourceId":3,"objectKey":"k","fileSize":-1}`},
		{"wrong type", `{"resourceId":"3","objectKey":"k"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJob([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestJobEncodeUsesWireNames(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	body, err := NewJob(42, "user-7/x.pdf", 10, now).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceId":42,"objectKey":"user-7/x.pdf","fileSize":10,"timestamp":1700000000000}`, string(body))
}
