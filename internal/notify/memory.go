package notify

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"jobfleet/internal/observability"
	"jobfleet/pkg/backoff"
	"jobfleet/pkg/circuitbreaker"
	"jobfleet/pkg/cloudevent"
	"jobfleet/pkg/retry"
)

// Memory is an in-memory notifier. Events wait in a bounded channel and are
// delivered by a worker pool; a full buffer drops the event.
type Memory struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	policy   retry.Policy
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewMemory starts an in-memory notifier. metrics may be nil.
func NewMemory(cfg Config, metrics *observability.Metrics) *Memory {
	cfg = cfg.withDefaults()

	n := &Memory{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(nil, cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		}),
		cfg:      cfg,
		logger:   slog.With("component", "notifier"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	n.policy = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff: func(attempt int) time.Duration {
			return backoff.Exponential(attempt+1, &backoff.Config{Initial: defaultInitialBackoff, Max: defaultMaxBackoff})
		},
		Retryable: func(err error) bool { return !cloudevent.IsPermanent(err) },
		OnRetry: func(int, error, time.Duration) {
			n.retriesTotal.Add(1)
		},
	}

	n.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go n.worker()
	}
	if metrics != nil {
		go n.reportQueueSize()
	}

	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

func (n *Memory) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdown:
			return
		case <-ticker.C:
			n.metrics.RecordNotifierQueueSize(context.Background(), int64(len(n.queue)))
		}
	}
}

// Notify queues an event for delivery.
func (n *Memory) Notify(event *Event) error {
	if n.closed.Load() {
		return ErrClosed
	}

	select {
	case n.queue <- event:
		n.queued.Add(1)
		return nil
	default:
		n.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current counters.
func (n *Memory) Stats() Stats {
	return Stats{
		QueueDepth:   len(n.queue),
		Queued:       n.queued.Load(),
		Delivered:    n.delivered.Load(),
		Failed:       n.failed.Load(),
		Dropped:      n.dropped.Load(),
		Requeued:     n.requeued.Load(),
		RetriesTotal: n.retriesTotal.Load(),
		BreakersOpen: n.breakers.Stats().Open,
	}
}

// Close stops the workers after they drain the queue.
func (n *Memory) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Memory) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdown:
			n.drain()
			return
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

func (n *Memory) drain() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return
		}
	}
}

// deliver sends one event with retry, guarded by the destination's breaker.
func (n *Memory) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := n.breakers.Get(host)

	if !breaker.Allow() {
		n.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	_, err := n.policy.Do(ctx, func(ctx context.Context) error {
		return n.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
	})
	if err != nil {
		breaker.RecordFailure()
		n.failed.Add(1)
		n.metrics.RecordNotifierFailed(ctx)
		n.logger.Warn("Delivery failed", "destination", host, "type", event.Payload.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	n.delivered.Add(1)
	n.metrics.RecordNotifierDelivered(ctx, time.Since(start).Seconds())
}

// requeue puts an event back after the breaker cooldown.
func (n *Memory) requeue(event *Event, host string) {
	if event.Requeues >= defaultMaxRequeues {
		n.drop(event, "max requeues reached")
		return
	}

	event.Requeues++
	n.requeued.Add(1)
	n.metrics.RecordNotifierRequeued(context.Background())

	go func() {
		select {
		case <-n.shutdown:
			return
		case <-time.After(n.cfg.BreakerCooldown):
		}

		select {
		case n.queue <- event:
			n.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", event.Requeues)
		case <-n.shutdown:
		default:
			n.drop(event, "buffer full on requeue")
		}
	}()
}

func (n *Memory) drop(event *Event, reason string) {
	n.dropped.Add(1)
	n.metrics.RecordNotifierDropped(context.Background())
	n.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
	)
}

// extractHost keys circuit breakers by destination host.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Notifier = (*Memory)(nil)
