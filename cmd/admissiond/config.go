/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"github.com/acronis/go-admission/admission"
	"github.com/acronis/go-admission/config"
	"github.com/acronis/go-admission/httpserver"
	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/profserver"
	"github.com/acronis/go-admission/queue"
	"github.com/acronis/go-admission/stats"
)

// AppConfig aggregates configurations of all application parts.
type AppConfig struct {
	Log       *log.Config
	Server    *httpserver.Config
	Queue     *queue.Config
	Metrics   *stats.Config
	Admission *admission.Config
	Profiling *profserver.Config
}

var _ config.Config = (*AppConfig)(nil)

// NewAppConfig creates a new AppConfig.
func NewAppConfig() *AppConfig {
	return &AppConfig{
		Log:       log.NewDefaultConfig(),
		Server:    httpserver.NewConfig(),
		Queue:     queue.NewConfig(),
		Metrics:   stats.NewConfig(),
		Admission: admission.NewConfig(),
		Profiling: profserver.NewConfig(),
	}
}

// SetProviderDefaults implements config.Config.
func (c *AppConfig) SetProviderDefaults(dp config.DataProvider) {
	config.CallSetProviderDefaultsForFields(c, dp)
}

// Set implements config.Config.
func (c *AppConfig) Set(dp config.DataProvider) error {
	return config.CallSetForFields(c, dp)
}

// loadAppConfig reads the YAML file at path, if any, and environment variables.
func loadAppConfig(path string) (*AppConfig, error) {
	cfg := NewAppConfig()
	loader := config.NewDefaultLoader(envVarsPrefix)
	if path == "" {
		return cfg, loader.LoadDefaults(cfg)
	}
	return cfg, loader.LoadFromFile(path, config.DataTypeYAML, cfg)
}
