/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package stats

import (
	"context"
	"time"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/service"
)

// DefaultSampleInterval is how often the system sample is taken.
const DefaultSampleInterval = 5 * time.Second

// NewSamplerUnit returns a unit that calls c.Sample every interval while the service runs.
func NewSamplerUnit(c *Collector, interval time.Duration, logger log.FieldLogger) *service.WorkerUnit {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	worker := service.WorkerFunc(func(context.Context) error {
		c.Sample()
		return nil
	})
	return service.NewWorkerUnit(
		service.NewPeriodicWorker(worker, interval, logger, service.PeriodicWorkerOpts{Name: "system sampler"}),
		service.WorkerUnitOpts{GracefulStopTimeout: 5 * time.Second},
	)
}
