/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package stats

import (
	"fmt"
	"time"

	"github.com/acronis/go-admission/config"
)

const cfgKeyPrefix = "metrics"

const (
	cfgKeySampleInterval    = "sampleInterval"
	cfgKeyLatencyBufferSize = "latencyBufferSize"
	cfgKeySystemBufferSize  = "systemBufferSize"
	cfgKeyNamespace         = "namespace"
)

// Config represents a set of configuration parameters for metrics collection.
type Config struct {
	SampleInterval    time.Duration
	LatencyBufferSize int
	SystemBufferSize  int
	Namespace         string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new Config.
func NewConfig() *Config {
	return &Config{}
}

// KeyPrefix implements config.KeyPrefixProvider.
func (c *Config) KeyPrefix() string {
	return cfgKeyPrefix
}

// SetProviderDefaults implements config.Config.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeySampleInterval, DefaultSampleInterval.String())
	dp.SetDefault(cfgKeyLatencyBufferSize, DefaultLatencyBufferSize)
	dp.SetDefault(cfgKeySystemBufferSize, DefaultSystemBufferSize)
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) (err error) {
	if c.SampleInterval, err = dp.GetDuration(cfgKeySampleInterval); err != nil {
		return err
	}
	if c.SampleInterval <= 0 {
		return dp.WrapKeyErr(cfgKeySampleInterval, fmt.Errorf("must be positive"))
	}
	if c.LatencyBufferSize, err = dp.GetInt(cfgKeyLatencyBufferSize); err != nil {
		return err
	}
	if c.LatencyBufferSize <= 0 {
		return dp.WrapKeyErr(cfgKeyLatencyBufferSize, fmt.Errorf("must be positive"))
	}
	if c.SystemBufferSize, err = dp.GetInt(cfgKeySystemBufferSize); err != nil {
		return err
	}
	if c.SystemBufferSize <= 0 {
		return dp.WrapKeyErr(cfgKeySystemBufferSize, fmt.Errorf("must be positive"))
	}
	if c.Namespace, err = dp.GetString(cfgKeyNamespace); err != nil {
		return err
	}
	return nil
}
