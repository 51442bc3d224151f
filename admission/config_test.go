/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/ratelimit"
)

func loadConfig(data string) (*Config, error) {
	cfg := NewConfig()
	err := config.NewDefaultLoader("ADMISSIONTEST").LoadFromReader(bytes.NewBufferString(data), config.DataTypeYAML, cfg)
	return cfg, err
}

func TestConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := NewConfig()
		require.NoError(t, config.NewDefaultLoader("ADMISSIONTEST").LoadDefaults(cfg))
		require.Equal(t, NewDefaultConfig(), cfg)
	})

	t.Run("from yaml", func(t *testing.T) {
		cfg, err := loadConfig(`
admission:
  errorDomain: Clinic
  queueing:
    enabled: false
  exemptPaths: [/healthz]
  identity:
    userHeader: X-Auth-User
    trustedProxies: [10.0.0.0/8, 192.168.1.1]
  elevatedRoles: [admin]
  rolePriorities:
    Admin: 5
    nurse: 2
  rateLimit:
    alg: sliding_window
    capacity: 50
    refillRate: 2.5
  classes:
    - name: auth
      maxConcurrent: 2
      timeout: 5s
      priority: 10
      routes:
        - path: /api/v1/auth/*
          methods: [POST]
    - name: reports
      maxConcurrent: 1
      timeout: 1m
      maxAttempts: 5
      retryInitialInterval: 500ms
      routes:
        - path: /api/v1/reports*
  maxBodySize: 2M
`)
		require.NoError(t, err)
		require.Equal(t, "Clinic", cfg.ErrorDomain)
		require.False(t, cfg.QueueingEnabled)
		require.Equal(t, []string{"/healthz"}, cfg.ExemptPaths)
		require.Equal(t, IdentityConfig{
			UserHeader:     "X-Auth-User",
			RoleHeader:     defaultRoleHeader,
			TrustedProxies: []string{"10.0.0.0/8", "192.168.1.1"},
		}, cfg.Identity)
		require.Equal(t, []string{"admin"}, cfg.ElevatedRoles)
		require.Equal(t, map[string]int{"admin": 5, "nurse": 2}, cfg.RolePriorities)
		require.Equal(t, ratelimit.RegistryConfig{
			Alg:           ratelimit.AlgSlidingWindow,
			Capacity:      50,
			RefillRate:    2.5,
			ElevatedRatio: ratelimit.DefaultElevatedRatio,
		}, cfg.RateLimit)
		require.Equal(t, []ClassConfig{
			{
				Name:          "auth",
				MaxConcurrent: 2,
				Timeout:       5 * time.Second,
				Priority:      10,
				Routes:        []RouteConfig{{Path: "/api/v1/auth/*", Methods: []string{"POST"}}},
			},
			{
				Name:                 "reports",
				MaxConcurrent:        1,
				Timeout:              time.Minute,
				MaxAttempts:          5,
				RetryInitialInterval: 500 * time.Millisecond,
				Routes:               []RouteConfig{{Path: "/api/v1/reports*"}},
			},
		}, cfg.Classes)
		require.Equal(t, config.ByteSize(2<<20), cfg.MaxBodySize)
	})

	t.Run("invalid rate limit is a configuration error", func(t *testing.T) {
		for _, data := range []string{
			"admission:\n  rateLimit:\n    capacity: 0\n",
			"admission:\n  rateLimit:\n    refillRate: -1\n",
			"admission:\n  rateLimit:\n    elevatedRatio: 0\n",
			"admission:\n  rateLimit:\n    alg: fixed_window\n",
		} {
			_, err := loadConfig(data)
			var cfgErr *ratelimit.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "%q: %v", data, err)
		}
	})

	t.Run("invalid trusted proxy", func(t *testing.T) {
		_, err := loadConfig("admission:\n  identity:\n    trustedProxies: [gateway]\n")
		require.ErrorContains(t, err, "admission.identity.trustedProxies")
	})

	t.Run("invalid classes", func(t *testing.T) {
		tests := []struct {
			data    string
			wantErr string
		}{
			{
				data:    "admission:\n  classes:\n    - {name: auth, maxConcurrent: 0, timeout: 1s}\n",
				wantErr: "admission.classes[0]",
			},
			{
				data:    "admission:\n  classes:\n    - {name: auth, maxConcurrent: 1}\n",
				wantErr: "timeout must be positive",
			},
			{
				data: "admission:\n  classes:\n    - {name: auth, maxConcurrent: 1, timeout: 1s}\n" +
					"    - {name: auth, maxConcurrent: 1, timeout: 1s}\n",
				wantErr: `duplicate class "auth"`,
			},
			{
				data:    "admission:\n  classes:\n    - {name: auth, maxConcurrent: 1, timeout: 1s, routes: [{methods: [GET]}]}\n",
				wantErr: "admission.classes[0].routes[0].path",
			},
		}
		for _, tt := range tests {
			_, err := loadConfig(tt.data)
			require.ErrorContains(t, err, tt.wantErr, tt.data)
		}
	})

	t.Run("zero max body size", func(t *testing.T) {
		_, err := loadConfig("admission:\n  maxBodySize: 0\n")
		require.ErrorContains(t, err, "admission.maxBodySize")
	})
}
