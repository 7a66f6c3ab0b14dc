package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nguyentanjr/file-storage-based-aws/logger"
)

// Unit describes the unit of an emitted sample.
type Unit string

const (
	UnitCount          Unit = "Count"
	UnitSeconds        Unit = "Seconds"
	UnitBytesPerSecond Unit = "Bytes/Second"
)

// Sample names emitted by the replication worker.
const (
	BackupSuccess    = "BackupSuccess"
	BackupLatency    = "BackupLatency"
	BackupThroughput = "BackupThroughput"
)

// Emitter records a named numeric sample. Implementations must never fail the
// caller: problems are logged and dropped.
type Emitter interface {
	Emit(name string, value float64, unit Unit, dims map[string]string)
}

// NopEmitter discards every sample.
type NopEmitter struct{}

func (NopEmitter) Emit(string, float64, Unit, map[string]string) {}

// labelDims are the dimensions turned into Prometheus labels. Anything else
// (objectKey in particular) is only logged, since per-object labels would
// grow the series count without bound.
var labelDims = []string{"status"}

// PromEmitter maps emitted samples onto Prometheus collectors registered
// under a namespace.
type PromEmitter struct {
	namespace string
	reg       prometheus.Registerer

	success    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throughput *prometheus.HistogramVec

	mu     sync.Mutex
	gauges map[string]*prometheus.GaugeVec
}

// NewPromEmitter registers the emitter's collectors with reg. A nil reg uses
// the default registerer.
func NewPromEmitter(namespace string, reg prometheus.Registerer) (*PromEmitter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := sanitizeName(namespace)

	e := &PromEmitter{
		namespace: ns,
		reg:       reg,
		success: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "success_total",
			Help:      "Replication outcomes; value 1 for success and 0 for failure, counted per status",
		}, labelDims),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "latency_seconds",
			Help:      "End-to-end replication latency of successful jobs",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, labelDims),
		throughput: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "throughput_bytes_per_second",
			Help:      "Replication throughput of successful jobs",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 10),
		}, labelDims),
		gauges: make(map[string]*prometheus.GaugeVec),
	}

	for _, c := range []prometheus.Collector{e.success, e.latency, e.throughput} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Emit implements Emitter.
func (e *PromEmitter) Emit(name string, value float64, unit Unit, dims map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Metrics: failed to emit sample", "name", name, "panic", r)
		}
	}()

	labels := prometheus.Labels{"status": dims["status"]}
	logger.Debug("Metrics: sample", "name", name, "value", value, "unit", string(unit), "object_key", dims["objectKey"])

	switch name {
	case BackupSuccess:
		// the outcome is carried by the status label; value distinguishes 1/0
		e.success.With(labels).Inc()
	case BackupLatency:
		e.latency.With(labels).Observe(value)
	case BackupThroughput:
		e.throughput.With(labels).Observe(value)
	default:
		g, err := e.gauge(name)
		if err != nil {
			logger.Warn("Metrics: failed to register sample", "name", name, "error", err)
			return
		}
		g.With(labels).Set(value)
	}
}

func (e *PromEmitter) gauge(name string) (*prometheus.GaugeVec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if g, ok := e.gauges[name]; ok {
		return g, nil
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: e.namespace,
		Name:      sanitizeName(name),
		Help:      "Last emitted value of " + name,
	}, labelDims)
	if err := e.reg.Register(g); err != nil {
		return nil, err
	}
	e.gauges[name] = g
	return g, nil
}

// sanitizeName turns "ValetKey/Backup" into "valetkey_backup".
func sanitizeName(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9' && len(out) > 0:
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		case len(out) > 0 && out[len(out)-1] != '_':
			out = append(out, '_')
		}
	}
	for len(out) > 0 && out[len(out)-1] == '_' {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "valetkey"
	}
	return string(out)
}
