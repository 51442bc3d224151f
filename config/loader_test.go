/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type queueConfig struct {
	Backend      string
	PollInterval time.Duration
	Addresses    []string
	MaxBody      ByteSize
}

func (c *queueConfig) KeyPrefix() string { return "queue" }

func (c *queueConfig) SetProviderDefaults(dp DataProvider) {
	dp.SetDefault("backend", "memory")
	dp.SetDefault("pollInterval", "50ms")
}

func (c *queueConfig) Set(dp DataProvider) (err error) {
	if c.Backend, err = dp.GetStringFromSet("backend", []string{"memory", "redis", "mongo"}, true); err != nil {
		return err
	}
	if c.PollInterval, err = dp.GetDuration("pollInterval"); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return dp.WrapKeyErr("pollInterval", errors.New("must be positive"))
	}
	if c.Addresses, err = dp.GetStringSlice("addresses"); err != nil {
		return err
	}
	if c.MaxBody, err = dp.GetSizeInBytes("maxBody"); err != nil {
		return err
	}
	return nil
}

func TestLoader_LoadFromReader(t *testing.T) {
	t.Run("defaults are applied", func(t *testing.T) {
		cfg := &queueConfig{}
		err := NewDefaultLoader("ADMISSIONTEST").LoadFromReader(bytes.NewBufferString("other: 1"), DataTypeYAML, cfg)
		require.NoError(t, err)
		require.Equal(t, "memory", cfg.Backend)
		require.Equal(t, 50*time.Millisecond, cfg.PollInterval)
		require.Empty(t, cfg.Addresses)
	})

	t.Run("values from yaml", func(t *testing.T) {
		data := `
queue:
  backend: redis
  pollInterval: 1s
  addresses: [a, b]
  maxBody: 1M
`
		cfg := &queueConfig{}
		require.NoError(t, NewDefaultLoader("ADMISSIONTEST").LoadFromReader(bytes.NewBufferString(data), DataTypeYAML, cfg))
		require.Equal(t, "redis", cfg.Backend)
		require.Equal(t, time.Second, cfg.PollInterval)
		require.Equal(t, []string{"a", "b"}, cfg.Addresses)
		require.Equal(t, ByteSize(1024*1024), cfg.MaxBody)
	})

	t.Run("invalid value is reported with key", func(t *testing.T) {
		cfg := &queueConfig{}
		err := NewDefaultLoader("ADMISSIONTEST").LoadFromReader(
			bytes.NewBufferString("queue:\n  backend: kafka\n"), DataTypeYAML, cfg)
		require.ErrorContains(t, err, "queue.backend")
	})

	t.Run("env vars override file", func(t *testing.T) {
		t.Setenv("ADMISSIONTEST_QUEUE_BACKEND", "mongo")
		cfg := &queueConfig{}
		require.NoError(t, NewDefaultLoader("ADMISSIONTEST").LoadFromReader(
			bytes.NewBufferString("queue:\n  backend: redis\n"), DataTypeYAML, cfg))
		require.Equal(t, "mongo", cfg.Backend)
	})
}

func TestLoader_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"queue":{"backend":"redis","pollInterval":"10ms"}}`), 0o600))
	cfg := &queueConfig{}
	require.NoError(t, NewDefaultLoader("ADMISSIONTEST").LoadFromFile(path, DataTypeJSON, cfg))
	require.Equal(t, "redis", cfg.Backend)
	require.Equal(t, 10*time.Millisecond, cfg.PollInterval)
}

func TestKeyPrefixedDataProvider(t *testing.T) {
	va := NewViperAdapter()
	va.Set("admission.rateLimit.capacity", 100)
	dp := NewKeyPrefixedDataProvider(va, "admission")
	require.True(t, dp.IsSet("rateLimit.capacity"))
	capacity, err := dp.GetInt("rateLimit.capacity")
	require.NoError(t, err)
	require.Equal(t, 100, capacity)
	require.EqualError(t, dp.WrapKeyErr("rateLimit.capacity", errors.New("boom")), "admission.rateLimit.capacity: boom")

	var rl struct {
		Capacity int `mapstructure:"capacity"`
	}
	require.NoError(t, dp.UnmarshalKey("rateLimit", &rl))
	require.Equal(t, 100, rl.Capacity)
}
