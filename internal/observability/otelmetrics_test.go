package observability

import (
	"testing"
)

// noopMetrics must satisfy MetricsSink so callers that never enable
// OTEL_ENABLED can record against it without a nil check.
func TestNoopMetrics_SatisfiesMetricsSink(t *testing.T) {
	var sink MetricsSink = noopMetrics{}
	sink.RecordRun("tspjob_prune_runs", "succeeded", 1)
	sink.RecordQueueDepth(42)
}
