package location

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"rideflow/internal/modules/matching"
	"rideflow/internal/observability"
)

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type Consumer struct {
	reader     Reader
	svc        *Service
	logger     *slog.Logger
	maxBackoff time.Duration
}

func NewConsumer(reader Reader, svc *Service, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: reader, svc: svc, logger: logger, maxBackoff: 30 * time.Second}
}

// Run reads until ctx is cancelled, backing off on read errors.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.Handle(ctx, m)
	}
}

func (c *Consumer) Handle(ctx context.Context, m kafka.Message) {
	var u Update
	if err := json.Unmarshal(m.Value, &u); err != nil {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "error", err)
		return
	}
	res, err := c.svc.Apply(ctx, u)
	switch {
	case errors.Is(err, matching.ErrUnknownDriver):
		c.logger.Debug("location for offline driver", "driver_id", u.DriverID)
	case err != nil:
		c.logger.Warn("location update failed", "driver_id", u.DriverID, "error", err)
	case !res.Accepted:
		c.logger.Debug("location update dropped", "driver_id", u.DriverID, "reason", res.Reason)
	}
}
