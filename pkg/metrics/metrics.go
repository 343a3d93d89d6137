// Package metrics exports gateway telemetry to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver records upload, download, delete and cache-write
// activity.
type PrometheusObserver struct {
	duration     *prometheus.HistogramVec
	errors       *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	deleteFailed prometheus.Counter
	uploadBytes  prometheus.Counter
}

// NewPrometheusObserver registers the gateway metrics with reg. A nil reg
// uses the default registerer; collectors that already exist are reused.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "assetgw"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of gateway operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Count of failed gateway operations.",
		}, []string{"operation"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		deleteFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delete_failures_total",
			Help:      "Asset ids that could not be deleted.",
		}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Cumulative payload size successfully stored.",
		}),
	}
	var err error
	if o.duration, err = register(reg, o.duration); err != nil {
		return nil, err
	}
	if o.errors, err = register(reg, o.errors); err != nil {
		return nil, err
	}
	if o.cacheLookups, err = register(reg, o.cacheLookups); err != nil {
		return nil, err
	}
	if o.deleteFailed, err = register(reg, o.deleteFailed); err != nil {
		return nil, err
	}
	if o.uploadBytes, err = register(reg, o.uploadBytes); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

func (o *PrometheusObserver) RecordUpload(duration time.Duration, sizeBytes int64, err error) {
	if o == nil {
		return
	}
	o.record("upload", duration, err)
	if err == nil {
		o.uploadBytes.Add(float64(sizeBytes))
	}
}

func (o *PrometheusObserver) RecordDownload(duration time.Duration, cacheHit bool, err error) {
	if o == nil {
		return
	}
	o.record("download", duration, err)
	if cacheHit {
		o.cacheLookups.WithLabelValues("hit").Inc()
	} else {
		o.cacheLookups.WithLabelValues("miss").Inc()
	}
}

func (o *PrometheusObserver) RecordDelete(duration time.Duration, failed int, err error) {
	if o == nil {
		return
	}
	o.record("delete", duration, err)
	o.deleteFailed.Add(float64(failed))
}

func (o *PrometheusObserver) RecordCacheWrite(duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.record("cache_write", duration, err)
}

func (o *PrometheusObserver) record(op string, duration time.Duration, err error) {
	o.duration.WithLabelValues(op).Observe(duration.Seconds())
	if err != nil {
		o.errors.WithLabelValues(op).Inc()
	}
}
