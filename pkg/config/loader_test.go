package config_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotagate/pkg/config"
)

type serverConfig struct {
	Addr    string `env:"QG_TEST_ADDR" envDefault:":8080"`
	Workers int    `env:"QG_TEST_WORKERS" envDefault:"4"`
}

type cachedConfig struct {
	Value string `env:"QG_TEST_CACHED" envDefault:"first"`
}

type requiredConfig struct {
	Secret string `env:"QG_TEST_REQUIRED_SECRET,required"`
}

type validatedConfig struct {
	Limit int `env:"QG_TEST_LIMIT" envDefault:"-1"`
}

func (c *validatedConfig) Validate() error {
	if c.Limit < 0 {
		return errors.New("limit must not be negative")
	}
	return nil
}

func TestLoad(t *testing.T) {
	t.Run("parses environment with defaults", func(t *testing.T) {
		t.Setenv("QG_TEST_WORKERS", "16")

		var cfg serverConfig
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, ":8080", cfg.Addr)
		assert.Equal(t, 16, cfg.Workers)
	})

	t.Run("caches per type", func(t *testing.T) {
		var first cachedConfig
		require.NoError(t, config.Load(&first))
		assert.Equal(t, "first", first.Value)

		t.Setenv("QG_TEST_CACHED", "second")

		var second cachedConfig
		require.NoError(t, config.Load(&second))
		assert.Equal(t, "first", second.Value)
	})

	t.Run("missing required variable", func(t *testing.T) {
		var cfg requiredConfig
		err := config.Load(&cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrParsingConfig)

		t.Setenv("QG_TEST_REQUIRED_SECRET", "s3cret")
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, "s3cret", cfg.Secret)
	})

	t.Run("runs Validate", func(t *testing.T) {
		var cfg validatedConfig
		err := config.Load(&cfg)
		require.Error(t, err)
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("nil pointer", func(t *testing.T) {
		var cfg *serverConfig
		assert.ErrorIs(t, config.Load(cfg), config.ErrNilPointer)
	})
}

func TestMustLoad(t *testing.T) {
	t.Setenv("QG_TEST_LIMIT", "-5")

	assert.Panics(t, func() {
		var cfg validatedConfig
		config.MustLoad(&cfg)
	})
}
