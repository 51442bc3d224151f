/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-admission/log"
	"github.com/acronis/go-admission/retry"
)

// Class defaults.
const (
	DefaultMaxAttempts          = 3
	DefaultRetryInitialInterval = 2 * time.Second
)

// ClassConfig is a static configuration of a queue class.
type ClassConfig struct {
	Name                 string
	MaxConcurrent        int
	Timeout              time.Duration
	Priority             int
	MaxAttempts          int
	RetryInitialInterval time.Duration
}

// Validate checks the configuration.
func (c ClassConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("queue class name cannot be empty")
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("queue class %q: maxConcurrent must be positive, got %d", c.Name, c.MaxConcurrent)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("queue class %q: timeout must be positive, got %s", c.Name, c.Timeout)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("queue class %q: maxAttempts cannot be negative, got %d", c.Name, c.MaxAttempts)
	}
	if c.RetryInitialInterval < 0 {
		return fmt.Errorf("queue class %q: retryInitialInterval cannot be negative, got %s", c.Name, c.RetryInitialInterval)
	}
	return nil
}

// RetryBudget returns the sum of delays between all attempts of a ticket with the class defaults applied.
// A ticket cannot use all of its attempts unless the budget is less than the timeout.
func (c ClassConfig) RetryBudget() time.Duration {
	c = c.withDefaults()
	policy := retry.NewExponentialBackoffPolicy(c.RetryInitialInterval, 0)
	var budget time.Duration
	for attempt := 1; attempt < c.MaxAttempts; attempt++ {
		budget += retry.DelayBeforeRetry(policy, attempt)
	}
	return budget
}

func (c ClassConfig) withDefaults() ClassConfig {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	return c
}

// QueueKey names the queue of the class instance in a Backend.
func QueueKey(class, instanceID string) string {
	return class + "@" + instanceID
}

// Counts holds counters of a class.
// Waiting and Active are current values, the others are totals of terminal states.
type Counts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Expired   int64
}

// pendingTicket is the process-local part of a ticket. It is the only place the payload is kept.
type pendingTicket struct {
	mu       sync.Mutex
	state    State
	discard  bool // the caller gave up while the ticket was being executed
	payload  Payload
	deadline time.Time
	future   *Future
}

// ClassOpts contains optional parameters for constructing Class.
type ClassOpts struct {
	Logger log.FieldLogger
	Clock  func() time.Time
	// InstanceID scopes the class queue in a shared backend to this process, since payloads never leave it.
	// A random id is generated if empty. A stable id lets a restarted process drain the tickets of its predecessor.
	InstanceID string
}

// Class is a lane of tickets sharing a concurrency budget, a timeout and a retry policy.
type Class struct {
	cfg        ClassConfig
	instanceID string
	queueKey   string
	backend    Backend
	policy  retry.Policy
	logger  log.FieldLogger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingTicket
	wake    chan struct{}
	stopped atomic.Bool

	waiting   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
}

// NewClass creates a new Class.
func NewClass(cfg ClassConfig, backend Backend, opts ClassOpts) (*Class, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.InstanceID == "" {
		opts.InstanceID = xid.New().String()
	}
	c := &Class{
		cfg:        cfg,
		instanceID: opts.InstanceID,
		queueKey:   QueueKey(cfg.Name, opts.InstanceID),
		backend:    backend,
		policy:     retry.NewExponentialBackoffPolicy(cfg.RetryInitialInterval, 0),
		logger:     opts.Logger.With(log.String("queue_class", cfg.Name)),
		now:        opts.Clock,
		pending:    make(map[string]*pendingTicket),
		wake:       make(chan struct{}, cfg.MaxConcurrent),
	}
	if budget := cfg.RetryBudget(); budget >= cfg.Timeout {
		c.logger.Warn("retries cannot complete within the class timeout, tickets will time out before the last attempt",
			log.Int("max_attempts", cfg.MaxAttempts),
			log.Duration("retry_budget", budget),
			log.Duration("timeout", cfg.Timeout),
		)
	}
	return c, nil
}

// Name returns the class name.
func (c *Class) Name() string {
	return c.cfg.Name
}

// Config returns the class configuration with defaults applied.
func (c *Class) Config() ClassConfig {
	return c.cfg
}

// InstanceID returns the id of the process instance owning the class queue.
func (c *Class) InstanceID() string {
	return c.instanceID
}

// QueueKey returns the name of the class queue in the backend.
func (c *Class) QueueKey() string {
	return c.queueKey
}

// Enqueue submits a payload. The returned Future is resolved by the class processor,
// or with ErrQueueTimeout once the class timeout elapses.
// Backend connectivity errors are returned wrapping ErrQueueUnavailable.
func (c *Class) Enqueue(ctx context.Context, payload Payload, priority int) (*Future, error) {
	if c.stopped.Load() {
		return nil, ErrClassStopped
	}
	if payload.Kind == "" {
		payload.Kind = c.cfg.Name
	}
	rec := NewTicketRecord(c.cfg.Name, payload.Kind, priority, c.now(), c.cfg.Timeout)
	pt := &pendingTicket{state: StateQueued, payload: payload, deadline: rec.Deadline}
	pt.future = newFuture(rec.ID, rec.Deadline, func() { c.cancel(pt) })

	// The ticket becomes visible to workers of other goroutines as soon as the backend has it,
	// so the payload must be registered first.
	c.mu.Lock()
	c.pending[rec.ID] = pt
	c.mu.Unlock()
	c.waiting.Inc()

	if _, err := c.backend.Enqueue(ctx, c.queueKey, rec, priority); err != nil {
		c.mu.Lock()
		delete(c.pending, rec.ID)
		c.mu.Unlock()
		c.waiting.Dec()
		return nil, fmt.Errorf("enqueue ticket into class %q: %w", c.cfg.Name, err)
	}

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return pt.future, nil
}

// Counts returns the class counters.
func (c *Class) Counts() Counts {
	return Counts{
		Waiting:   c.waiting.Load(),
		Active:    c.active.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Expired:   c.expired.Load(),
	}
}

func (c *Class) lookup(ticketID string) *pendingTicket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[ticketID]
}

func (c *Class) forget(ticketID string) {
	c.mu.Lock()
	delete(c.pending, ticketID)
	c.mu.Unlock()
}

// cancel is called when the caller stops waiting.
func (c *Class) cancel(pt *pendingTicket) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	switch pt.state {
	case StateQueued, StateRetrying:
		// The ticket stays in the backend and is acked without execution once claimed.
		pt.state = StateExpired
		c.waiting.Dec()
		c.expired.Inc()
	case StateClaimed:
		pt.discard = true
	}
}

// claim moves a waiting ticket to Claimed. It returns false if the ticket must not be executed.
func (c *Class) claim(pt *pendingTicket, rec *TicketRecord) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.state == StateExpired {
		return false
	}
	if rec.Expired(c.now()) {
		c.waiting.Dec()
		c.expire(pt)
		return false
	}
	pt.state = StateClaimed
	c.waiting.Dec()
	c.active.Inc()
	return true
}

// retry moves a claimed ticket to Retrying before it is nacked, so that it is never claimed
// again while still counted as active. It returns false if the caller is no longer waiting.
func (c *Class) retry(pt *pendingTicket) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.state != StateClaimed {
		return false
	}
	c.active.Dec()
	if pt.discard || c.pastDeadline(pt) {
		c.expire(pt)
		return false
	}
	pt.state = StateRetrying
	c.waiting.Inc()
	return true
}

// finish records the outcome of an execution. A ticket whose caller has gone away
// or whose deadline has passed ends up Expired and its result is discarded.
func (c *Class) finish(pt *pendingTicket, state State, result Result, err error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	switch pt.state {
	case StateClaimed:
		c.active.Dec()
	case StateRetrying:
		c.waiting.Dec()
	default:
		return
	}
	if pt.discard || c.pastDeadline(pt) {
		c.expire(pt)
		return
	}
	pt.state = state
	if state == StateSucceeded {
		c.completed.Inc()
	} else {
		c.failed.Inc()
	}
	pt.future.resolve(result, err)
}

func (c *Class) pastDeadline(pt *pendingTicket) bool {
	return !c.now().Before(pt.deadline)
}

// expire must be called with pt.mu held.
func (c *Class) expire(pt *pendingTicket) {
	pt.state = StateExpired
	c.expired.Inc()
	pt.future.resolve(nil, ErrQueueTimeout)
}

func (c *Class) retryDelay(attempts int) time.Duration {
	return retry.DelayBeforeRetry(c.policy, attempts)
}

// Future is the pending result of an enqueued ticket.
type Future struct {
	ticketID string
	deadline time.Time
	done     chan struct{}
	once     sync.Once
	result   Result
	err      error
	onCancel func()
}

func newFuture(ticketID string, deadline time.Time, onCancel func()) *Future {
	return &Future{ticketID: ticketID, deadline: deadline, done: make(chan struct{}), onCancel: onCancel}
}

// TicketID returns the id of the ticket.
func (f *Future) TicketID() string {
	return f.ticketID
}

// Done is closed when the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) resolve(result Result, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

// Wait blocks until the ticket is resolved, its deadline passes or ctx is done.
// When the deadline passes first, the ticket is cancelled and ErrQueueTimeout is returned.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	timer := time.NewTimer(time.Until(f.deadline))
	defer timer.Stop()
	select {
	case <-f.done:
		return f.result, f.err
	case <-timer.C:
		f.Cancel()
	case <-ctx.Done():
		f.Cancel()
		if f.err == ErrQueueTimeout { //nolint:errorlint // sentinel set by this package
			return nil, ctx.Err()
		}
	}
	<-f.done
	return f.result, f.err
}

// Cancel marks the ticket expired and resolves the future with ErrQueueTimeout.
// A ticket that is already being executed is not interrupted, its result is discarded.
func (f *Future) Cancel() {
	f.onCancel()
	f.resolve(nil, ErrQueueTimeout)
}
