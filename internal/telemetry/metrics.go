package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName  = "github.com/wolfeidau/nebula-enroll"
	tracerName = "github.com/wolfeidau/nebula-enroll"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// CA lifecycle
	CARotationsTotal        metric.Int64Counter
	CARotationFailuresTotal metric.Int64Counter

	// Host certificates
	CertsIssuedTotal         metric.Int64Counter
	CertsReusedTotal         metric.Int64Counter
	CertVerifyFailuresTotal  metric.Int64Counter
	CertIssueFailuresTotal   metric.Int64Counter
	ConfigRequestsTotal      metric.Int64Counter
	ConfigRequestErrorsTotal metric.Int64Counter

	// External tool
	CertToolDuration metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments created before InitTelemetry delegate to the provider installed later.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.CARotationsTotal, _ = meter.Int64Counter(
		"nebula.ca.rotations.total",
		metric.WithDescription("Total number of CAs generated, including the first CA of a rotation group"),
		metric.WithUnit("{ca}"),
	)

	m.CARotationFailuresTotal, _ = meter.Int64Counter(
		"nebula.ca.rotation.failures.total",
		metric.WithDescription("Total number of failed CA generation attempts"),
		metric.WithUnit("{error}"),
	)

	m.CertsIssuedTotal, _ = meter.Int64Counter(
		"nebula.certs.issued.total",
		metric.WithDescription("Total number of host certificates signed"),
		metric.WithUnit("{certificate}"),
	)

	m.CertsReusedTotal, _ = meter.Int64Counter(
		"nebula.certs.reused.total",
		metric.WithDescription("Total number of presented certificates that verified and were reused"),
		metric.WithUnit("{certificate}"),
	)

	m.CertVerifyFailuresTotal, _ = meter.Int64Counter(
		"nebula.certs.verify_failures.total",
		metric.WithDescription("Total number of presented certificates that failed verification"),
		metric.WithUnit("{certificate}"),
	)

	m.CertIssueFailuresTotal, _ = meter.Int64Counter(
		"nebula.certs.issue_failures.total",
		metric.WithDescription("Total number of failed host certificate signings"),
		metric.WithUnit("{error}"),
	)

	m.ConfigRequestsTotal, _ = meter.Int64Counter(
		"nebula.config.requests.total",
		metric.WithDescription("Total number of configuration requests"),
		metric.WithUnit("{request}"),
	)

	m.ConfigRequestErrorsTotal, _ = meter.Int64Counter(
		"nebula.config.request_errors.total",
		metric.WithDescription("Total number of configuration requests that failed, by error kind"),
		metric.WithUnit("{error}"),
	)

	m.CertToolDuration, _ = meter.Float64Histogram(
		"nebula.cert_tool.duration",
		metric.WithDescription("Duration of nebula-cert invocations"),
		metric.WithUnit("ms"),
	)

	return m
}
