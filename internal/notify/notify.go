// README: Fire-and-forget notifications delivered after commits by a background worker.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rideflow/internal/observability"
	"rideflow/internal/types"
)

const (
	KindDriver   = "driver"
	KindRider    = "rider"
	KindOperator = "operator"
)

const (
	EventRideMatched      = "ride_matched"
	EventRideAccepted     = "ride_accepted"
	EventRideStarted      = "ride_started"
	EventRideCancelled    = "ride_cancelled"
	EventRideDeclined     = "ride_declined"
	EventNoDriver         = "no_driver_available"
	EventRideSettled      = "ride_settled"
	EventPaymentFailed    = "payment_failed"
	EventPaymentConfirmed = "payment_confirmed"
	EventCancellationFee  = "cancellation_fee"
	EventPricingAnomaly   = "pricing_anomaly"
)

type Notification struct {
	Recipient     types.ID       `json:"recipient"`
	RecipientKind string         `json:"recipient_kind"`
	Event         string         `json:"event"`
	RideID        types.ID       `json:"ride_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	At            time.Time      `json:"at"`
}

// Notifier must never block the caller's transaction.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Sender delivers one notification over a transport.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	Close() error
}

// Async queues notifications and delivers them on one worker goroutine.
// When the queue is full the notification is dropped and counted.
type Async struct {
	sender  Sender
	logger  *slog.Logger
	queue   chan Notification
	timeout time.Duration
	once    sync.Once
	done    chan struct{}
}

func NewAsync(sender Sender, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sender:  sender,
		logger:  logger,
		queue:   make(chan Notification, buffer),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(_ context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	select {
	case a.queue <- n:
	default:
		observability.NotificationsDropped.Inc()
		a.logger.Warn("notification queue full; dropping", "event", n.Event, "recipient", n.Recipient)
	}
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sender.Send(ctx, n); err != nil {
			observability.NotificationsDropped.Inc()
			a.logger.Warn("notification send failed", "event", n.Event, "recipient", n.Recipient, "error", err)
		}
		cancel()
	}
}

// Close drains the queue and closes the sender.
func (a *Async) Close() error {
	a.once.Do(func() { close(a.queue) })
	<-a.done
	return a.sender.Close()
}

// Recorder keeps notifications in memory. Tests and the memory backend use it.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *Recorder) Send(ctx context.Context, n Notification) error {
	r.Notify(ctx, n)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Events returns the event names sent to recipient, in order.
func (r *Recorder) Events(recipient types.ID) []string {
	var out []string
	for _, n := range r.Sent() {
		if n.Recipient == recipient {
			out = append(out, n.Event)
		}
	}
	return out
}
