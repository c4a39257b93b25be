// README: Location service applies driver position reports to the availability registry.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rideflow/internal/modules/matching"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

var ErrInvalidUpdate = errors.New("invalid location update")

type seen struct {
	seq  int64
	tsMs int64
}

type Service struct {
	registry    matching.Registry
	minInterval time.Duration
	attempts    int
	backoff     time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	last map[types.ID]seen
}

// NewService drops reports closer than minInterval to the last accepted one
// for the same driver, unless they change availability.
func NewService(registry matching.Registry, minInterval time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:    registry,
		minInterval: minInterval,
		attempts:    3,
		backoff:     200 * time.Millisecond,
		logger:      logger,
		last:        make(map[types.ID]seen),
	}
}

func (s *Service) Apply(ctx context.Context, u Update) (Result, error) {
	if u.DriverID == "" || !u.Point().Valid() {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		return Result{}, ErrInvalidUpdate
	}
	if res, ok := s.admit(u); !ok {
		observability.LocationUpdates.WithLabelValues(res.Reason).Inc()
		return res, nil
	}
	err := s.withRetry(ctx, func() error {
		if u.Online != nil {
			return s.registry.SetAvailability(ctx, u.DriverID, *u.Online, u.Point())
		}
		return s.registry.UpdateLocation(ctx, u.DriverID, u.Point())
	})
	if err != nil {
		observability.LocationUpdates.WithLabelValues("error").Inc()
		return Result{}, err
	}
	observability.LocationUpdates.WithLabelValues("applied").Inc()
	return Result{Accepted: true}, nil
}

// admit records u as the latest report when it is newer than the previous
// one and outside the throttle window.
func (s *Service) admit(u Update) (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.last[u.DriverID]
	if ok {
		if u.Seq <= prev.seq {
			return Result{Reason: ReasonStale}, false
		}
		gap := time.Duration(u.TsMs-prev.tsMs) * time.Millisecond
		if u.Online == nil && gap < s.minInterval {
			return Result{Reason: ReasonThrottled}, false
		}
	}
	s.last[u.DriverID] = seen{seq: u.Seq, tsMs: u.TsMs}
	return Result{Accepted: true}, true
}

func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	delay := s.backoff
	var err error
	for i := 0; i < s.attempts; i++ {
		if err = fn(); err == nil || errors.Is(err, matching.ErrUnknownDriver) {
			return err
		}
		if i == s.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
