package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotagate/pkg/logger"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("production preset writes json", func(t *testing.T) {
		t.Parallel()

		buf := &bytes.Buffer{}
		log := logger.New(logger.WithEnvironment("prod", "quotagate"), logger.WithOutput(buf))
		log.Debug("hidden")
		assert.Zero(t, buf.Len())

		log.Info("visible")
		entry := decode(t, buf)
		assert.Equal(t, "quotagate", entry["service"])
		assert.Equal(t, logger.EnvProduction, entry["env"])
	})

	t.Run("development preset writes text at debug", func(t *testing.T) {
		t.Parallel()

		buf := &bytes.Buffer{}
		log := logger.New(logger.WithEnvironment("anything", "svc"), logger.WithOutput(buf))
		log.Debug("msg")
		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.Contains(t, buf.String(), "service=svc")
		assert.Contains(t, buf.String(), "env=development")
	})

	t.Run("invalid format panics", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() { logger.New(logger.WithFormat("xml")) })
	})

	t.Run("context extractors", func(t *testing.T) {
		t.Parallel()

		type key struct{}
		buf := &bytes.Buffer{}
		log := logger.New(
			logger.WithOutput(buf),
			logger.WithContextExtractors(nil, func(ctx context.Context) (slog.Attr, bool) {
				v, ok := ctx.Value(key{}).(string)
				if !ok {
					return slog.Attr{}, false
				}
				return slog.String("tenant_id", v), true
			}),
		)

		log.InfoContext(context.WithValue(context.Background(), key{}, "t-1"), "msg")
		assert.Equal(t, "t-1", decode(t, buf)["tenant_id"])

		buf.Reset()
		log.InfoContext(context.Background(), "msg")
		assert.NotContains(t, decode(t, buf), "tenant_id")
	})
}

func TestAttrs(t *testing.T) {
	t.Parallel()

	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
	assert.Equal(t, "error", logger.Error(errors.New("boom")).Key)
	assert.True(t, logger.UserID(nil).Equal(slog.Attr{}))
	assert.Equal(t, "tenant_id", logger.TenantID("x").Key)
	assert.Equal(t, "feature", logger.Feature("text").Key)

	g := logger.Group("req", slog.String("id", "1"))
	require.Equal(t, slog.KindGroup, g.Value.Kind())
	assert.Len(t, g.Value.Group(), 1)
}
