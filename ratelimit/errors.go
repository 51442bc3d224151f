/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"fmt"
)

// ErrRateLimited is returned (wrapped) when a caller's bucket has no tokens left.
var ErrRateLimited = errors.New("rate limit exceeded")

// ConfigurationError describes an invalid rate limiting parameter. It is fatal at startup.
type ConfigurationError struct {
	Param  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid rate limit configuration: %s %s, got %v", e.Param, e.Reason, e.Value)
}

func newNonPositiveError(param string, value interface{}) *ConfigurationError {
	return &ConfigurationError{Param: param, Value: value, Reason: "must be positive"}
}
