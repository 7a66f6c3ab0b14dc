package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "valetkey_backup", sanitizeName("ValetKey/Backup"))
	assert.Equal(t, "backup_success", sanitizeName("Backup Success"))
	assert.Equal(t, "a1", sanitizeName("9a1"))
	assert.Equal(t, "valetkey", sanitizeName("///"))
}

func TestPromEmitterBackupSamples(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := NewPromEmitter("ValetKey/Backup", reg)
	require.NoError(t, err)

	e.Emit(BackupSuccess, 1, UnitCount, map[string]string{"status": "COMPLETED", "objectKey": "user-7/a.pdf"})
	e.Emit(BackupSuccess, 1, UnitCount, map[string]string{"status": "COMPLETED", "objectKey": "user-7/b.pdf"})
	e.Emit(BackupSuccess, 0, UnitCount, map[string]string{"status": "FAILED", "objectKey": "user-7/c.pdf"})
	e.Emit(BackupLatency, 0.5, UnitSeconds, map[string]string{"status": "COMPLETED"})
	e.Emit(BackupThroughput, 4096, UnitBytesPerSecond, map[string]string{"status": "COMPLETED"})

	assert.Equal(t, 2.0, testutil.ToFloat64(e.success.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.success.WithLabelValues("FAILED")))

	families, err := reg.Gather()
	require.NoError(t, err)

	var latency *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "valetkey_backup_latency_seconds" {
			latency = f
		}
		// objectKey must never become a label
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				assert.NotEqual(t, "objectKey", lp.GetName())
			}
		}
	}
	require.NotNil(t, latency)
	require.Len(t, latency.GetMetric(), 1)
	assert.Equal(t, uint64(1), latency.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 0.5, latency.GetMetric()[0].GetHistogram().GetSampleSum())
}

func TestPromEmitterCustomGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := NewPromEmitter("test", reg)
	require.NoError(t, err)

	e.Emit("QueueLag", 12, UnitSeconds, nil)
	e.Emit("QueueLag", 3, UnitSeconds, nil)

	g, err := e.gauge("QueueLag")
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(g.WithLabelValues("")))
}

func TestPromEmitterNeverPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := NewPromEmitter("dup", reg)
	require.NoError(t, err)

	// a name colliding with an already registered collector is dropped, not fatal
	assert.NotPanics(t, func() {
		e.Emit("success_total", 1, UnitCount, nil)
	})
}

func TestDuplicateNamespaceRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPromEmitter("same", reg)
	require.NoError(t, err)
	_, err = NewPromEmitter("same", reg)
	assert.Error(t, err)
}

func TestNopEmitter(t *testing.T) {
	assert.NotPanics(t, func() {
		NopEmitter{}.Emit(BackupSuccess, 1, UnitCount, nil)
	})
}
