// README: Dispatch coordinator drives a ride from intake to settlement across matching, ride, settlement and notify.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rideflow/internal/config"
	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/settlement"
	"rideflow/internal/modules/wallet"
	"rideflow/internal/notify"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

var ErrNotFallbackEligible = errors.New("ride is not awaiting a failed wallet payment")

type Coordinator struct {
	rides      *ride.Service
	matcher    *matching.Service
	pricing    *pricing.Service
	settlement *settlement.Service
	notifier   notify.Notifier
	cfg        config.MatchingConfig
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	declined map[types.ID]map[types.ID]bool
}

func NewCoordinator(
	rides *ride.Service,
	matcher *matching.Service,
	pricing *pricing.Service,
	settlement *settlement.Service,
	notifier notify.Notifier,
	cfg config.MatchingConfig,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rides:      rides,
		matcher:    matcher,
		pricing:    pricing,
		settlement: settlement,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		declined:   make(map[types.ID]map[types.ID]bool),
	}
}

// Estimate prices a ride before it is requested.
func (c *Coordinator) Estimate(ctx context.Context, in pricing.Input) (pricing.Breakdown, error) {
	return c.pricing.Estimate(ctx, in)
}

// Submit stores the fare estimate on a new ride and tries to match it right
// away. A ride without a driver stays searching and is picked up by the
// rematch loop.
func (c *Coordinator) Submit(ctx context.Context, cmd ride.CreateCommand) (*ride.Ride, error) {
	at := cmd.DepartureAt
	if at.IsZero() {
		at = c.now()
	}
	est, err := c.pricing.Estimate(ctx, pricing.Input{
		Pickup:        cmd.Pickup,
		Drop:          cmd.Dropoff,
		City:          cmd.City,
		VehicleType:   cmd.VehicleType,
		At:            at,
		PaymentMethod: string(cmd.PaymentMethod),
	})
	if err != nil {
		return nil, err
	}
	cmd.EstimatedFare = est.Fare
	r, err := c.rides.Create(ctx, cmd)
	if err != nil {
		return nil, err
	}
	c.logger.Info("ride submitted", "ride_id", r.ID, "rider_id", r.RiderID, "estimated_fare", est.Fare.String(), "scheduled", r.Scheduled)
	return c.match(ctx, r)
}

// Rematch runs one matching attempt for a searching ride.
func (c *Coordinator) Rematch(ctx context.Context, rideID types.ID) (*ride.Ride, error) {
	r, err := c.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != ride.StatusSearching {
		return r, ride.ErrInvalidState
	}
	return c.match(ctx, r)
}

func (c *Coordinator) Accept(ctx context.Context, rideID, driverID types.ID) (*ride.Ride, error) {
	r, err := c.rides.Accept(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	c.forget(r.ID)
	c.notify(ctx, r.RiderID, notify.KindRider, notify.EventRideAccepted, r.ID, map[string]any{"driver_id": string(driverID)})
	return r, nil
}

// Decline returns the ride to searching, frees the driver and looks for
// another one. The declining driver is not offered the ride again.
func (c *Coordinator) Decline(ctx context.Context, rideID, driverID types.ID) (*ride.Ride, error) {
	r, err := c.rides.Decline(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	c.release(ctx, driverID, r.ID)
	c.mu.Lock()
	set, ok := c.declined[r.ID]
	if !ok {
		set = make(map[types.ID]bool)
		c.declined[r.ID] = set
	}
	set[driverID] = true
	c.mu.Unlock()

	c.logger.Info("ride declined", "ride_id", r.ID, "driver_id", driverID)
	c.notify(ctx, r.RiderID, notify.KindRider, notify.EventRideDeclined, r.ID, nil)
	return c.match(ctx, r)
}

func (c *Coordinator) Start(ctx context.Context, rideID, driverID types.ID) (*ride.Ride, error) {
	r, err := c.rides.Start(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	c.notify(ctx, r.RiderID, notify.KindRider, notify.EventRideStarted, r.ID, nil)
	return r, nil
}

// Complete finishes the trip, stores tel on the ride, frees the driver and
// settles the fare. Later settlement attempts price the stored trip. When
// the rider's wallet cannot cover the fare the ride is returned together
// with wallet.ErrInsufficientBalance and stays completed_unsettled.
func (c *Coordinator) Complete(ctx context.Context, rideID, driverID types.ID, tel *settlement.Telemetry) (*ride.Ride, settlement.Result, error) {
	r, err := c.rides.Complete(ctx, rideID, driverID, tel)
	if err != nil {
		return nil, settlement.Result{}, err
	}
	c.release(ctx, driverID, r.ID)
	c.forget(r.ID)

	res, serr := c.settlement.Settle(ctx, r.ID, tel)
	if serr != nil && !errors.Is(serr, wallet.ErrInsufficientBalance) {
		// the retry loop owns the ride from here
		c.logger.Warn("settlement deferred", "ride_id", r.ID, "error", serr)
	}
	latest, err := c.rides.Get(ctx, r.ID)
	if err != nil {
		return r, res, err
	}
	if errors.Is(serr, wallet.ErrInsufficientBalance) {
		return latest, res, serr
	}
	return latest, res, nil
}

// Cancel ends a ride before completion. Rider cancellations after a driver
// was assigned and admin cancellations of a started trip are charged the
// cancellation fee.
func (c *Coordinator) Cancel(ctx context.Context, cmd ride.CancelCommand) (*ride.Ride, error) {
	r, err := c.rides.Cancel(ctx, cmd)
	if err != nil {
		return nil, err
	}
	c.forget(r.ID)
	if r.DriverOfRecord != nil {
		driverID := *r.DriverOfRecord
		c.release(ctx, driverID, r.ID)
		if cmd.ActorType != ride.ActorDriver {
			c.notify(ctx, driverID, notify.KindDriver, notify.EventRideCancelled, r.ID, map[string]any{"by": cmd.ActorType})
		}
	}
	if cmd.ActorType != ride.ActorRider {
		c.notify(ctx, r.RiderID, notify.KindRider, notify.EventRideCancelled, r.ID, map[string]any{"by": cmd.ActorType})
	}
	c.logger.Info("ride cancelled", "ride_id", r.ID, "status", r.Status, "actor", cmd.ActorType)

	if settlement.FeeApplies(r) {
		if _, err := c.settlement.SettleCancellation(ctx, r.ID); err != nil {
			level := slog.LevelError
			if errors.Is(err, wallet.ErrInsufficientBalance) {
				level = slog.LevelInfo
			}
			c.logger.Log(ctx, level, "cancellation fee not collected", "ride_id", r.ID, "error", err)
		}
		return c.rides.Get(ctx, r.ID)
	}
	return r, nil
}

// FallbackToCash switches a ride whose wallet payment failed to cash and
// settles it again.
func (c *Coordinator) FallbackToCash(ctx context.Context, rideID, riderID types.ID) (*ride.Ride, settlement.Result, error) {
	r, err := c.rides.Get(ctx, rideID)
	if err != nil {
		return nil, settlement.Result{}, err
	}
	if r.RiderID != riderID {
		return nil, settlement.Result{}, ride.ErrForbidden
	}
	if r.Status != ride.StatusCompletedUnsettled || r.PaymentMethod != ride.PaymentWallet || r.PaymentStatus != ride.PaymentFailed {
		return nil, settlement.Result{}, ErrNotFallbackEligible
	}
	if err := c.rides.SetPayment(ctx, r.ID, ride.PaymentCash, ride.PaymentUnpaid, ""); err != nil {
		return nil, settlement.Result{}, err
	}
	c.logger.Info("payment switched to cash", "ride_id", r.ID, "rider_id", riderID)
	res, err := c.settlement.Settle(ctx, r.ID, nil)
	if err != nil {
		return nil, res, err
	}
	latest, err := c.rides.Get(ctx, r.ID)
	return latest, res, err
}

// RunRematchLoop sweeps searching rides on every tick.
func (c *Coordinator) RunRematchLoop(ctx context.Context, tick time.Duration, batch int) {
	if tick <= 0 {
		tick = c.cfg.RematchTick()
	}
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepOnce(ctx, batch)
		}
	}
}

// SweepOnce retries matching for searching rides and fails the ones whose
// search window has closed. The window starts at the later of creation and
// departure time.
func (c *Coordinator) SweepOnce(ctx context.Context, batch int) (matched, failed int) {
	rides, err := c.rides.ListByStatus(ctx, ride.StatusSearching, batch)
	if err != nil {
		c.logger.Error("list searching rides", "error", err)
		return 0, 0
	}
	timeout := c.cfg.SearchTimeout()
	now := c.now()
	for _, r := range rides {
		if ctx.Err() != nil {
			return matched, failed
		}
		start := r.CreatedAt
		if r.DepartureAt.After(start) {
			start = r.DepartureAt
		}
		if timeout > 0 && now.After(start.Add(timeout)) {
			if c.failNoDriver(ctx, r) {
				failed++
			}
			continue
		}
		got, err := c.match(ctx, r)
		if err != nil {
			c.logger.Warn("rematch failed", "ride_id", r.ID, "error", err)
			continue
		}
		if got.Status == ride.StatusMatched {
			matched++
		}
	}
	return matched, failed
}

func (c *Coordinator) failNoDriver(ctx context.Context, r *ride.Ride) bool {
	if _, err := c.rides.FailNoDriver(ctx, r.ID); err != nil {
		if !errors.Is(err, ride.ErrConflict) && !errors.Is(err, ride.ErrInvalidState) {
			c.logger.Error("fail ride without driver", "ride_id", r.ID, "error", err)
		}
		return false
	}
	c.forget(r.ID)
	observability.MatchesTotal.WithLabelValues("timed_out").Inc()
	c.logger.Info("search window closed", "ride_id", r.ID)
	c.notify(ctx, r.RiderID, notify.KindRider, notify.EventNoDriver, r.ID, nil)
	return true
}

func (c *Coordinator) match(ctx context.Context, r *ride.Ride) (*ride.Ride, error) {
	res, err := c.matcher.MatchExcluding(ctx, r, c.excluded(r.ID))
	switch {
	case errors.Is(err, matching.ErrNoDriverAvailable):
		c.logger.Debug("no driver yet", "ride_id", r.ID)
		return r, nil
	case errors.Is(err, ride.ErrInvalidState):
		// matched or cancelled concurrently
		return c.rides.Get(ctx, r.ID)
	case err != nil:
		return r, err
	}
	payload := map[string]any{"score": res.Score}
	c.notify(ctx, res.DriverID, notify.KindDriver, notify.EventRideMatched, r.ID, payload)
	c.notify(ctx, r.RiderID, notify.KindRider, notify.EventRideMatched, r.ID, map[string]any{"driver_id": string(res.DriverID)})
	return c.rides.Get(ctx, r.ID)
}

func (c *Coordinator) excluded(rideID types.ID) map[types.ID]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.declined[rideID]
	if len(set) == 0 {
		return nil
	}
	out := make(map[types.ID]bool, len(set))
	for id := range set {
		out[id] = true
	}
	return out
}

func (c *Coordinator) forget(rideID types.ID) {
	c.mu.Lock()
	delete(c.declined, rideID)
	c.mu.Unlock()
}

func (c *Coordinator) release(ctx context.Context, driverID, rideID types.ID) {
	if err := c.matcher.Release(ctx, driverID, rideID); err != nil {
		c.logger.Warn("driver release failed", "driver_id", driverID, "ride_id", rideID, "error", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, to types.ID, kind, event string, rideID types.ID, payload map[string]any) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, notify.Notification{
		Recipient:     to,
		RecipientKind: kind,
		Event:         event,
		RideID:        rideID,
		Payload:       payload,
		At:            c.now(),
	})
}
