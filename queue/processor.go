/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/service"
)

// DefaultPollInterval is how often idle workers poll the backend for delayed tickets
// and tickets enqueued by other processes.
const DefaultPollInterval = 50 * time.Millisecond

// ErrUnknownKind is returned by KindMux for payloads without a registered handler.
var ErrUnknownKind = errors.New("no handler for payload kind")

// Handler executes a ticket payload.
type Handler interface {
	Handle(ctx context.Context, p Payload) (Result, error)
}

// HandlerFunc is an adapter to allow the use of ordinary functions as Handler.
type HandlerFunc func(ctx context.Context, p Payload) (Result, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, p Payload) (Result, error) {
	return f(ctx, p)
}

// KindMux dispatches payloads to handlers by Payload.Kind.
type KindMux map[string]Handler

// Handle implements Handler.
func (m KindMux) Handle(ctx context.Context, p Payload) (Result, error) {
	h, ok := m[p.Kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, p.Kind)
	}
	return h.Handle(ctx, p)
}

// ProcessorOpts contains optional parameters for constructing Processor.
type ProcessorOpts struct {
	PollInterval time.Duration
	Logger       log.FieldLogger
}

// Processor runs exactly MaxConcurrent workers claiming tickets of a single class.
// In-flight handlers are never interrupted by ticket expiry.
type Processor struct {
	class        *Class
	handler      Handler
	pollInterval time.Duration
	logger       log.FieldLogger
	// backendDown is shared by the workers, so an outage is reported once and not on every poll.
	backendDown atomic.Bool
}

var _ service.Worker = (*Processor)(nil)

// NewProcessor creates a new Processor.
func NewProcessor(class *Class, handler Handler, opts ProcessorOpts) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = class.logger
	} else {
		logger = logger.With(log.String("queue_class", class.Name()))
	}
	return &Processor{class: class, handler: handler, pollInterval: opts.PollInterval, logger: logger}
}

// Run starts the workers and blocks until ctx is done and all of them have returned.
// Enqueueing into the class fails with ErrClassStopped afterwards.
func (p *Processor) Run(ctx context.Context) error {
	p.class.stopped.Store(false)
	defer p.class.stopped.Store(true)

	p.logger.Info("starting queue processor", log.Int("workers", p.class.cfg.MaxConcurrent))
	var wg sync.WaitGroup
	for i := 0; i < p.class.cfg.MaxConcurrent; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			p.runWorker(ctx, workerNum)
		}(i)
	}
	wg.Wait()
	p.logger.Info("queue processor stopped")
	return nil
}

func (p *Processor) runWorker(ctx context.Context, workerNum int) {
	logger := p.logger.With(log.Int("worker", workerNum))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		rec, err := p.class.backend.Dequeue(ctx, p.class.queueKey)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if p.backendDown.CompareAndSwap(false, true) {
				logger.Warn("failed to dequeue ticket, polling until the queue backend recovers", log.Error(err))
			}
		} else if p.backendDown.CompareAndSwap(true, false) {
			logger.Info("queue backend recovered")
		}
		if rec != nil {
			p.process(ctx, logger, rec)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.pollInterval)
		select {
		case <-ctx.Done():
			return
		case <-p.class.wake:
		case <-timer.C:
		}
	}
}

func (p *Processor) process(ctx context.Context, logger log.FieldLogger, rec *TicketRecord) {
	logger = logger.With(log.String("ticket_id", rec.ID))
	pt := p.class.lookup(rec.ID)
	if pt == nil {
		// The queue is scoped to this instance, so the ticket was enqueued by a previous process
		// running with the same instance id. Its payload and its caller are gone.
		logger.Warn("dropping ticket without local payload")
		p.ack(ctx, logger, rec.ID)
		return
	}

	if !p.class.claim(pt, rec) {
		logger.Debug("dropping expired ticket")
		p.ack(ctx, logger, rec.ID)
		p.class.forget(rec.ID)
		return
	}

	attempt := rec.Attempts + 1
	result, err := p.execute(ctx, logger, pt.payload)
	if err == nil {
		p.ack(ctx, logger, rec.ID)
		p.class.forget(rec.ID)
		p.class.finish(pt, StateSucceeded, result, nil)
		return
	}

	if attempt < p.class.cfg.MaxAttempts {
		if delay := p.class.retryDelay(attempt); delay != backoff.Stop {
			if !p.class.retry(pt) {
				logger.Debug("ticket processing failed, not retrying since the ticket has expired",
					log.Int("attempt", attempt), log.Error(err))
				p.ack(ctx, logger, rec.ID)
				p.class.forget(rec.ID)
				return
			}
			logger.Warn("ticket processing failed, will retry",
				log.Int("attempt", attempt), log.Duration("retry_delay", delay), log.Error(err))
			nackErr := p.class.backend.Nack(context.WithoutCancel(ctx), rec.ID, delay)
			if nackErr == nil {
				return
			}
			logger.Error("failed to nack ticket, giving up", log.Error(nackErr))
		}
	}

	logger.Error("ticket processing failed", log.Int("attempt", attempt), log.Error(err))
	p.ack(ctx, logger, rec.ID)
	p.class.forget(rec.ID)
	p.class.finish(pt, StateFailed, nil, &ProcessingError{Class: p.class.cfg.Name, Attempts: attempt, Cause: err})
}

func (p *Processor) execute(ctx context.Context, logger log.FieldLogger, payload Payload) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			const logStackSize = 8192
			stack := make([]byte, logStackSize)
			stack = stack[:runtime.Stack(stack, false)]
			logger.Error(fmt.Sprintf("handler panic: %+v", r), log.String("stack", string(stack)))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	// The handler is not bound to the ticket deadline, a late result is discarded instead.
	return p.handler.Handle(context.WithoutCancel(ctx), payload)
}

func (p *Processor) ack(ctx context.Context, logger log.FieldLogger, ticketID string) {
	if err := p.class.backend.Ack(context.WithoutCancel(ctx), ticketID); err != nil {
		logger.Error("failed to ack ticket", log.Error(err))
	}
}
