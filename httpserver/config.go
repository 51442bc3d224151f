/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package httpserver

import (
	"fmt"
	"time"

	"github.com/acronis/go-admission/config"
)

const cfgKeyPrefix = "server"

const (
	cfgKeyAddress                 = "address"
	cfgKeyTLSEnabled              = "tls.enabled"
	cfgKeyTLSCert                 = "tls.cert"
	cfgKeyTLSKey                  = "tls.key"
	cfgKeyTimeoutsWrite           = "timeouts.write"
	cfgKeyTimeoutsRead            = "timeouts.read"
	cfgKeyTimeoutsReadHeader      = "timeouts.readHeader"
	cfgKeyTimeoutsIdle            = "timeouts.idle"
	cfgKeyTimeoutsShutdown        = "timeouts.shutdown"
	cfgKeyLogRequestStart         = "log.requestStart"
	cfgKeyLogExcludedEndpoints    = "log.excludedEndpoints"
	cfgKeyLogSecretQueryParams    = "log.secretQueryParams" // nolint:gosec // not a credential
	cfgKeyLogSlowRequestThreshold = "log.slowRequestThreshold"
)

const (
	defaultAddress              = ":8080"
	defaultTimeoutsWrite        = time.Minute
	defaultTimeoutsRead         = 15 * time.Second
	defaultTimeoutsReadHeader   = 10 * time.Second
	defaultTimeoutsIdle         = time.Minute
	defaultTimeoutsShutdown     = 5 * time.Second
	defaultSlowRequestThreshold = time.Second
)

// Config represents a set of configuration parameters for HTTPServer.
type Config struct {
	Address  string         `mapstructure:"address" yaml:"address" json:"address"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Log      LogConfig      `mapstructure:"log" yaml:"log" json:"log"`
	TLS      TLSConfig      `mapstructure:"tls" yaml:"tls" json:"tls"`
}

// TimeoutsConfig represents timeouts of the HTTP server.
type TimeoutsConfig struct {
	Write      config.TimeDuration `mapstructure:"write" yaml:"write" json:"write"`
	Read       config.TimeDuration `mapstructure:"read" yaml:"read" json:"read"`
	ReadHeader config.TimeDuration `mapstructure:"readHeader" yaml:"readHeader" json:"readHeader"`
	Idle       config.TimeDuration `mapstructure:"idle" yaml:"idle" json:"idle"`
	Shutdown   config.TimeDuration `mapstructure:"shutdown" yaml:"shutdown" json:"shutdown"`
}

// LogConfig represents parameters of request logging.
type LogConfig struct {
	RequestStart         bool                `mapstructure:"requestStart" yaml:"requestStart" json:"requestStart"`
	ExcludedEndpoints    []string            `mapstructure:"excludedEndpoints" yaml:"excludedEndpoints" json:"excludedEndpoints"`
	SecretQueryParams    []string            `mapstructure:"secretQueryParams" yaml:"secretQueryParams" json:"secretQueryParams"`
	SlowRequestThreshold config.TimeDuration `mapstructure:"slowRequestThreshold" yaml:"slowRequestThreshold" json:"slowRequestThreshold"`
}

// TLSConfig contains parameters of a secure server.
type TLSConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Certificate string `mapstructure:"cert" yaml:"cert" json:"cert"`
	Key         string `mapstructure:"key" yaml:"key" json:"key"`
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
		Address: defaultAddress,
		Timeouts: TimeoutsConfig{
			Write:      config.TimeDuration(defaultTimeoutsWrite),
			Read:       config.TimeDuration(defaultTimeoutsRead),
			ReadHeader: config.TimeDuration(defaultTimeoutsReadHeader),
			Idle:       config.TimeDuration(defaultTimeoutsIdle),
			Shutdown:   config.TimeDuration(defaultTimeoutsShutdown),
		},
		Log: LogConfig{SlowRequestThreshold: config.TimeDuration(defaultSlowRequestThreshold)},
	}
}

// KeyPrefix implements config.KeyPrefixProvider.
func (c *Config) KeyPrefix() string {
	return cfgKeyPrefix
}

// SetProviderDefaults implements config.Config.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAddress, defaultAddress)
	dp.SetDefault(cfgKeyTimeoutsWrite, defaultTimeoutsWrite)
	dp.SetDefault(cfgKeyTimeoutsRead, defaultTimeoutsRead)
	dp.SetDefault(cfgKeyTimeoutsReadHeader, defaultTimeoutsReadHeader)
	dp.SetDefault(cfgKeyTimeoutsIdle, defaultTimeoutsIdle)
	dp.SetDefault(cfgKeyTimeoutsShutdown, defaultTimeoutsShutdown)
	dp.SetDefault(cfgKeyLogRequestStart, false)
	dp.SetDefault(cfgKeyLogSlowRequestThreshold, defaultSlowRequestThreshold)
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.Address == "" {
		return dp.WrapKeyErr(cfgKeyAddress, fmt.Errorf("cannot be empty"))
	}
	if err = c.setTimeouts(dp); err != nil {
		return err
	}
	if err = c.setLog(dp); err != nil {
		return err
	}
	return c.setTLS(dp)
}

func (c *Config) setTimeouts(dp config.DataProvider) error {
	for key, dst := range map[string]*config.TimeDuration{
		cfgKeyTimeoutsWrite:      &c.Timeouts.Write,
		cfgKeyTimeoutsRead:       &c.Timeouts.Read,
		cfgKeyTimeoutsReadHeader: &c.Timeouts.ReadHeader,
		cfgKeyTimeoutsIdle:       &c.Timeouts.Idle,
		cfgKeyTimeoutsShutdown:   &c.Timeouts.Shutdown,
	} {
		dur, err := dp.GetDuration(key)
		if err != nil {
			return err
		}
		if dur < 0 {
			return dp.WrapKeyErr(key, fmt.Errorf("cannot be negative"))
		}
		*dst = config.TimeDuration(dur)
	}
	return nil
}

func (c *Config) setLog(dp config.DataProvider) error {
	var err error
	if c.Log.RequestStart, err = dp.GetBool(cfgKeyLogRequestStart); err != nil {
		return err
	}
	if c.Log.ExcludedEndpoints, err = dp.GetStringSlice(cfgKeyLogExcludedEndpoints); err != nil {
		return err
	}
	if c.Log.SecretQueryParams, err = dp.GetStringSlice(cfgKeyLogSecretQueryParams); err != nil {
		return err
	}
	dur, err := dp.GetDuration(cfgKeyLogSlowRequestThreshold)
	if err != nil {
		return err
	}
	c.Log.SlowRequestThreshold = config.TimeDuration(dur)
	return nil
}

func (c *Config) setTLS(dp config.DataProvider) error {
	var err error
	if c.TLS.Enabled, err = dp.GetBool(cfgKeyTLSEnabled); err != nil {
		return err
	}
	if c.TLS.Certificate, err = dp.GetString(cfgKeyTLSCert); err != nil {
		return err
	}
	if c.TLS.Key, err = dp.GetString(cfgKeyTLSKey); err != nil {
		return err
	}
	if c.TLS.Enabled && (c.TLS.Certificate == "" || c.TLS.Key == "") {
		return dp.WrapKeyErr(cfgKeyTLSKey, fmt.Errorf("both cert and key should be set"))
	}
	return nil
}
