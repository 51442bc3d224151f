/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"fmt"
	"strings"
	"time"

	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/queue"
	"github.com/acronis/go-admission/ratelimit"
)

const cfgKeyPrefix = "admission"

const (
	cfgKeyErrorDomain            = "errorDomain"
	cfgKeyQueueingEnabled        = "queueing.enabled"
	cfgKeyExemptPaths            = "exemptPaths"
	cfgKeyStaticAssetSuffixes    = "staticAssetSuffixes"
	cfgKeyIdentityUserHeader     = "identity.userHeader"
	cfgKeyIdentityRoleHeader     = "identity.roleHeader"
	cfgKeyIdentityTrustedProxies = "identity.trustedProxies"
	cfgKeyElevatedRoles          = "elevatedRoles"
	cfgKeyAdminRoles             = "adminRoles"
	cfgKeyRolePriorities         = "rolePriorities"
	cfgKeyRateLimitAlg           = "rateLimit.alg"
	cfgKeyRateLimitCapacity      = "rateLimit.capacity"
	cfgKeyRateLimitRefillRate    = "rateLimit.refillRate"
	cfgKeyRateLimitElevatedRatio = "rateLimit.elevatedRatio"
	cfgKeyClasses                = "classes"
	cfgKeyMaxBodySize            = "maxBodySize"
)

const (
	defaultErrorDomain         = "Admission"
	defaultUserHeader          = "X-User-ID"
	defaultRoleHeader          = "X-User-Role"
	defaultRateLimitCapacity   = 100
	defaultRateLimitRefillRate = 10
	defaultMaxBodySize         = 1 << 20
)

var (
	defaultExemptPaths         = []string{"/healthz", "/metrics", "/static/*"}
	defaultStaticAssetSuffixes = []string{".css", ".js", ".png", ".jpg", ".svg", ".ico", ".woff2"}
	defaultElevatedRoles       = []string{"admin", "doctor"}
	defaultAdminRoles          = []string{"admin"}
)

// Config represents a set of configuration parameters of admission control.
type Config struct {
	ErrorDomain         string
	QueueingEnabled     bool
	ExemptPaths         []string
	StaticAssetSuffixes []string
	Identity            IdentityConfig
	ElevatedRoles       []string
	AdminRoles          []string
	// RolePriorities are added to the class priority of tickets enqueued by callers with the role.
	// Role names are case-insensitive.
	RolePriorities map[string]int
	RateLimit      ratelimit.RegistryConfig
	Classes        []ClassConfig
	MaxBodySize    config.ByteSize
}

// IdentityConfig names the headers set by the identity layer in front of the service.
type IdentityConfig struct {
	UserHeader string
	RoleHeader string
	// TrustedProxies lists addresses and CIDR blocks of proxies whose X-Forwarded-For and X-Real-IP
	// headers identify anonymous callers. Without it anonymous callers are keyed by the peer address.
	TrustedProxies []string
}

// ClassConfig configures a queue class and the routes served through it.
type ClassConfig struct {
	Name                 string        `mapstructure:"name"`
	MaxConcurrent        int           `mapstructure:"maxConcurrent"`
	Timeout              time.Duration `mapstructure:"timeout"`
	Priority             int           `mapstructure:"priority"`
	MaxAttempts          int           `mapstructure:"maxAttempts"`
	RetryInitialInterval time.Duration `mapstructure:"retryInitialInterval"`
	Routes               []RouteConfig `mapstructure:"routes"`
}

// RouteConfig matches requests by a glob path pattern and an optional set of methods.
type RouteConfig struct {
	Path    string   `mapstructure:"path"`
	Methods []string `mapstructure:"methods"`
}

// QueueClassConfig returns the queue part of the class configuration.
func (c ClassConfig) QueueClassConfig() queue.ClassConfig {
	return queue.ClassConfig{
		Name:                 c.Name,
		MaxConcurrent:        c.MaxConcurrent,
		Timeout:              c.Timeout,
		Priority:             c.Priority,
		MaxAttempts:          c.MaxAttempts,
		RetryInitialInterval: c.RetryInitialInterval,
	}
}

// DefaultClasses returns the classes used when none are configured:
// a latency-sensitive lane for authentication, a data-heavy lane for records and a best-effort lane for reports.
func DefaultClasses() []ClassConfig {
	return []ClassConfig{
		{
			Name:                 "auth",
			MaxConcurrent:        2,
			Timeout:              5 * time.Second,
			Priority:             10,
			RetryInitialInterval: time.Second,
			Routes:               []RouteConfig{{Path: "/api/v1/auth/*"}},
		},
		{
			Name:          "records",
			MaxConcurrent: 10,
			Timeout:       30 * time.Second,
			Priority:      5,
			Routes: []RouteConfig{
				{Path: "/api/v1/patients*"},
				{Path: "/api/v1/appointments*"},
				{Path: "/api/v1/billing*"},
			},
		},
		{
			Name:          "reports",
			MaxConcurrent: 2,
			Timeout:       time.Minute,
			Priority:      0,
			Routes:        []RouteConfig{{Path: "/api/v1/reports*", Methods: []string{"GET"}}},
		},
	}
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return &Config{}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		ErrorDomain:         defaultErrorDomain,
		QueueingEnabled:     true,
		ExemptPaths:         append([]string(nil), defaultExemptPaths...),
		StaticAssetSuffixes: append([]string(nil), defaultStaticAssetSuffixes...),
		Identity:            IdentityConfig{UserHeader: defaultUserHeader, RoleHeader: defaultRoleHeader},
		ElevatedRoles:       append([]string(nil), defaultElevatedRoles...),
		AdminRoles:          append([]string(nil), defaultAdminRoles...),
		RolePriorities:      map[string]int{},
		RateLimit: ratelimit.RegistryConfig{
			Alg:           ratelimit.AlgTokenBucket,
			Capacity:      defaultRateLimitCapacity,
			RefillRate:    defaultRateLimitRefillRate,
			ElevatedRatio: ratelimit.DefaultElevatedRatio,
		},
		Classes:     DefaultClasses(),
		MaxBodySize: defaultMaxBodySize,
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return cfgKeyPrefix
}

// SetProviderDefaults is part of config interface implementation.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyErrorDomain, defaultErrorDomain)
	dp.SetDefault(cfgKeyQueueingEnabled, true)
	dp.SetDefault(cfgKeyExemptPaths, defaultExemptPaths)
	dp.SetDefault(cfgKeyStaticAssetSuffixes, defaultStaticAssetSuffixes)
	dp.SetDefault(cfgKeyIdentityUserHeader, defaultUserHeader)
	dp.SetDefault(cfgKeyIdentityRoleHeader, defaultRoleHeader)
	dp.SetDefault(cfgKeyElevatedRoles, defaultElevatedRoles)
	dp.SetDefault(cfgKeyAdminRoles, defaultAdminRoles)
	dp.SetDefault(cfgKeyRateLimitAlg, string(ratelimit.AlgTokenBucket))
	dp.SetDefault(cfgKeyRateLimitCapacity, defaultRateLimitCapacity)
	dp.SetDefault(cfgKeyRateLimitRefillRate, defaultRateLimitRefillRate)
	dp.SetDefault(cfgKeyRateLimitElevatedRatio, ratelimit.DefaultElevatedRatio)
	dp.SetDefault(cfgKeyMaxBodySize, defaultMaxBodySize)
}

// Set is part of config interface implementation.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.ErrorDomain, err = dp.GetString(cfgKeyErrorDomain); err != nil {
		return err
	}
	if c.QueueingEnabled, err = dp.GetBool(cfgKeyQueueingEnabled); err != nil {
		return err
	}
	if c.ExemptPaths, err = dp.GetStringSlice(cfgKeyExemptPaths); err != nil {
		return err
	}
	if c.StaticAssetSuffixes, err = dp.GetStringSlice(cfgKeyStaticAssetSuffixes); err != nil {
		return err
	}
	if err = c.setIdentity(dp); err != nil {
		return err
	}
	if err = c.setRateLimit(dp); err != nil {
		return err
	}
	if err = c.setClasses(dp); err != nil {
		return err
	}
	if c.MaxBodySize, err = dp.GetSizeInBytes(cfgKeyMaxBodySize); err != nil {
		return err
	}
	if c.MaxBodySize == 0 {
		return dp.WrapKeyErr(cfgKeyMaxBodySize, fmt.Errorf("must be positive"))
	}
	return nil
}

func (c *Config) setIdentity(dp config.DataProvider) error {
	var err error
	if c.Identity.UserHeader, err = dp.GetString(cfgKeyIdentityUserHeader); err != nil {
		return err
	}
	if c.Identity.RoleHeader, err = dp.GetString(cfgKeyIdentityRoleHeader); err != nil {
		return err
	}
	if c.Identity.TrustedProxies, err = dp.GetStringSlice(cfgKeyIdentityTrustedProxies); err != nil {
		return err
	}
	if _, err = parseTrustedProxies(c.Identity.TrustedProxies); err != nil {
		return dp.WrapKeyErr(cfgKeyIdentityTrustedProxies, err)
	}
	if c.ElevatedRoles, err = dp.GetStringSlice(cfgKeyElevatedRoles); err != nil {
		return err
	}
	if c.AdminRoles, err = dp.GetStringSlice(cfgKeyAdminRoles); err != nil {
		return err
	}
	rolePriorities := map[string]int{}
	if dp.IsSet(cfgKeyRolePriorities) {
		if err = dp.UnmarshalKey(cfgKeyRolePriorities, &rolePriorities); err != nil {
			return err
		}
	}
	c.RolePriorities = make(map[string]int, len(rolePriorities))
	for role, bonus := range rolePriorities {
		c.RolePriorities[strings.ToLower(role)] = bonus
	}
	return nil
}

func (c *Config) setRateLimit(dp config.DataProvider) error {
	alg, err := dp.GetString(cfgKeyRateLimitAlg)
	if err != nil {
		return err
	}
	if c.RateLimit.Alg, err = ratelimit.ParseAlg(alg); err != nil {
		return dp.WrapKeyErr(cfgKeyRateLimitAlg, err)
	}
	if c.RateLimit.Capacity, err = dp.GetInt(cfgKeyRateLimitCapacity); err != nil {
		return err
	}
	if c.RateLimit.RefillRate, err = dp.GetFloat64(cfgKeyRateLimitRefillRate); err != nil {
		return err
	}
	if c.RateLimit.ElevatedRatio, err = dp.GetFloat64(cfgKeyRateLimitElevatedRatio); err != nil {
		return err
	}
	// Returned as is, *ratelimit.ConfigurationError must stay detectable with errors.As.
	return c.RateLimit.Validate()
}

func (c *Config) setClasses(dp config.DataProvider) error {
	if !dp.IsSet(cfgKeyClasses) {
		c.Classes = DefaultClasses()
		return nil
	}
	var classes []ClassConfig
	if err := dp.UnmarshalKey(cfgKeyClasses, &classes, config.WithDecodeHook(config.DefaultDecodeHook())); err != nil {
		return err
	}
	seen := make(map[string]bool, len(classes))
	for i := range classes {
		cls := &classes[i]
		if err := cls.QueueClassConfig().Validate(); err != nil {
			return dp.WrapKeyErr(fmt.Sprintf("%s[%d]", cfgKeyClasses, i), err)
		}
		if seen[cls.Name] {
			return dp.WrapKeyErr(fmt.Sprintf("%s[%d].name", cfgKeyClasses, i), fmt.Errorf("duplicate class %q", cls.Name))
		}
		seen[cls.Name] = true
		for j, route := range cls.Routes {
			if route.Path == "" {
				return dp.WrapKeyErr(fmt.Sprintf("%s[%d].routes[%d].path", cfgKeyClasses, i, j), fmt.Errorf("must not be empty"))
			}
		}
	}
	c.Classes = classes
	return nil
}
