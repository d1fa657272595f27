package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestRedactingHandler(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		shouldRedact bool
	}{
		{"password is redacted", "password", "mysecret", true},
		{"redis_password is redacted", "redis_password", "redispass", true},
		{"postgres dsn is redacted", "postgres_dsn", "postgres://u:p@db/heartline", true},
		{"authorization is redacted", "authorization", "Bearer xyz", true},
		{"user_id not redacted", "user_id", "42", false},
		{"session_id not redacted", "session_id", "5f1c", false},
		{"error not redacted", "error", "something failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(NewRedactingHandler(&buf, nil))

			logger.Info("test", tt.key, tt.value)
			output := buf.String()

			if tt.shouldRedact {
				assert.Contains(t, output, "[REDACTED]")
				assert.NotContains(t, output, tt.value)
			} else {
				assert.Contains(t, output, tt.value)
				assert.NotContains(t, output, "[REDACTED]")
			}
		})
	}
}

func TestInitLoggerAddsServiceContext(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := initLogger(&buf, LogConfig{
		Level:       "warn",
		Format:      "json",
		ServiceName: "heartline-realtime",
		Environment: "test",
		ServerName:  "ws-7",
	})

	logger.Info("dropped")
	logger.Warn("kept")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "exactly one JSON line expected")
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "heartline-realtime", entry["service"])
	assert.Equal(t, "ws-7", entry["server"])
	assert.Same(t, logger, slog.Default())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestInitTracerNoEndpoint(t *testing.T) {
	tp, err := InitTracer(context.Background(), TracerConfig{
		ServiceName:    "test-service",
		ServiceVersion: "0.0.1",
		Environment:    "test",
	})
	require.NoError(t, err)
	require.NotNil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestShutdownNilProvider(t *testing.T) {
	assert.NoError(t, (&TracerProvider{}).Shutdown(context.Background()))
}

func TestTraceIDFromContext(t *testing.T) {
	assert.Empty(t, TraceIDFromContext(context.Background()))

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	id := TraceIDFromContext(ctx)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), id)

	var buf bytes.Buffer
	WithTraceID(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("traced")
	assert.Contains(t, buf.String(), id)
}
