package observability

// Metric names exported by the collector. Counter and gauge label sets are
// fixed per name; callers must pass the same label keys on every call.
const (
	MetricEventsTotal      = "events_total"       // labels: channel, inst_id
	MetricReconnectsTotal  = "reconnects_total"   // no labels
	MetricChecksumFails    = "cs_fail_total"      // labels: inst_id
	MetricGapsTotal        = "gaps_total"         // labels: inst_id, channel
	MetricStalenessMs      = "staleness_ms"       // labels: channel, inst_id
	MetricParseErrorsTotal = "parse_errors_total" // labels: channel
	MetricWriteErrorsTotal = "write_errors_total" // labels: kind
	MetricFlushedRowsTotal = "flushed_rows_total" // labels: kind
)

// Metrics provides counter and gauge recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the
// collector. Passing nil restores the no-op sink.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)   {}
