// Package notify delivers batch progress webhooks asynchronously.
package notify

import (
	"context"
	"errors"

	"jobfleet/pkg/cloudevent"
)

// ErrBufferFull is returned when the queue is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("notifier is closed")

// Notifier delivers events without blocking the caller.
type Notifier interface {
	// Notify queues an event. Returns ErrBufferFull if it cannot be queued.
	Notify(event *Event) error

	// Stats returns delivery counters.
	Stats() Stats

	// Close stops accepting events and delivers what is queued. The context
	// deadline bounds the drain.
	Close(ctx context.Context) error
}

// Event is a CloudEvent bound for one webhook.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key, empty = unsigned
	Requeues    int    // times requeued while the destination's breaker was open
}

// Stats holds notifier counters.
type Stats struct {
	QueueDepth   int   `json:"queueDepth"`
	Queued       int64 `json:"queued"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
	Requeued     int64 `json:"requeued"`
	RetriesTotal int64 `json:"retriesTotal"`
	BreakersOpen int   `json:"breakersOpen"`
}
