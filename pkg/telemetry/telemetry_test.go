package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		mutate func(c *Config)
		expErr bool
	}{
		"Default config should be valid.": {
			mutate: func(c *Config) {},
		},
		"An unknown log level should fail.": {
			mutate: func(c *Config) { c.Logging.Level = "loud" },
			expErr: true,
		},
		"An unknown log format should fail.": {
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			expErr: true,
		},
		"An unknown exporter should fail when tracing is enabled.": {
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "jaeger"
			},
			expErr: true,
		},
		"An out of range sampling rate should fail.": {
			mutate: func(c *Config) { c.Tracing.SamplingRate = 2 },
			expErr: true,
		},
		"Enabled metrics without address should fail.": {
			mutate: func(c *Config) { c.Metrics.ListenAddress = "" },
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggerLevelCanChangeAtRuntime(t *testing.T) {
	assert := assert.New(t)

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info"})
	child := logger.NewComponentLogger("engine").WithTaskID(7)

	child.Debug("hidden")
	assert.Empty(buf.String())

	logger.SetLevel("debug")
	child.Debug("visible")
	assert.Contains(buf.String(), `"message":"visible"`)
	assert.Contains(buf.String(), `"component":"engine"`)
	assert.Contains(buf.String(), `"task_id":7`)
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, LoggingConfig{Level: "info"})

	ctx := logger.WithContext(context.Background())
	FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), "hello")

	// Missing logger falls back to a no-op one.
	assert.NotPanics(t, func() { FromContext(context.Background()).Info("nothing") })
}

func TestMetricsHandlerExposesRecordedValues(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	require.NoError(err)

	m.RecordCommandStarted("terraform")
	m.RecordCommandFinished("terraform", "succeeded", 2*time.Second)
	m.RecordTerraformOperation("apply", "confirmed")
	m.RecordHookFailure("inventory-sync")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(body, `deployd_commands_started_total{tool="terraform"} 1`)
	assert.Contains(body, `deployd_commands_finished_total{state="succeeded",tool="terraform"} 1`)
	assert.Contains(body, `deployd_terraform_operations_total{operation="apply",outcome="confirmed"} 1`)
	assert.Contains(body, `deployd_completion_hook_failures_total{hook="inventory-sync"} 1`)
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.RecordCommandStarted("bash")
		m.RecordTaskFinished("bash", "completed")
	})

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordError("x") })
}

func TestNopTracerSpans(t *testing.T) {
	tel := Nop()
	ctx, span := tel.Tracer.StartTaskSpan(context.Background(), 1, "bash")
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() { EndSpan(span, errors.New("boom")) })

	var nilTracer *Tracer
	_, span = nilTracer.StartCommandSpan(context.Background(), "ssh", []string{"ssh", "host"})
	assert.NotPanics(t, func() { EndSpan(span, nil) })
	assert.Empty(t, TraceID(context.Background()))
}
