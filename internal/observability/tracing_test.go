package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOtelEnabled(t *testing.T) {
	cases := map[string]bool{
		"":      false,
		"0":     false,
		"false": false,
		"1":     true,
		"true":  true,
		"YES":   true,
		"on":    true,
	}
	for v, want := range cases {
		t.Setenv("OTEL_ENABLED", v)
		assert.Equal(t, want, otelEnabled(), "OTEL_ENABLED=%q", v)
	}
}

func TestOtelSampleRatio_DefaultsAndClamps(t *testing.T) {
	t.Setenv("OTEL_SAMPLER_RATIO", "")
	assert.Equal(t, 0.1, otelSampleRatio())

	t.Setenv("OTEL_SAMPLER_RATIO", "0.5")
	assert.Equal(t, 0.5, otelSampleRatio())

	t.Setenv("OTEL_SAMPLER_RATIO", "2")
	assert.Equal(t, 1.0, otelSampleRatio())

	t.Setenv("OTEL_SAMPLER_RATIO", "-1")
	assert.Equal(t, 0.0, otelSampleRatio())

	t.Setenv("OTEL_SAMPLER_RATIO", "not-a-number")
	assert.Equal(t, 0.1, otelSampleRatio())
}

func TestOtelHeaders_ParsesCommaSeparatedPairs(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-api-key=abc123, x-tenant=tspjob")
	got := otelHeaders()
	assert.Equal(t, map[string]string{"x-api-key": "abc123", "x-tenant": "tspjob"}, got)
}

func TestOtelHeaders_EmptyWhenUnset(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "")
	assert.Nil(t, otelHeaders())
}

func TestOtelHeaders_SkipsMalformedEntries(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "no-equals-sign, =novalue, novalue=, ok=1")
	assert.Equal(t, map[string]string{"ok": "1"}, otelHeaders())
}

func TestOtelInsecure(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "true")
	assert.True(t, otelInsecure())
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "")
	assert.False(t, otelInsecure())
}
