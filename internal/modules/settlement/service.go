// README: Settlement posts the fare split of a finished ride to the wallet ledger exactly once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/wallet"
	"rideflow/internal/notify"
	"rideflow/internal/observability"
	"rideflow/internal/types"
)

var (
	ErrNotSettleable    = errors.New("ride is not awaiting settlement")
	ErrNoDriverOfRecord = errors.New("ride has no driver of record")
	ErrNotGatewayRide   = errors.New("ride is not awaiting a gateway result")
)

type FareCalculator interface {
	Estimate(ctx context.Context, in pricing.Input) (pricing.Breakdown, error)
	CancellationFee(ctx context.Context, city, vehicleType string, driverRides int) (pricing.Breakdown, error)
}

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	RecordSettlement(ctx context.Context, u ride.SettlementUpdate) error
	SetPayment(ctx context.Context, id types.ID, method ride.PaymentMethod, status ride.PaymentStatus, gatewayRef string) error
	ListByStatus(ctx context.Context, status ride.Status, limit int) ([]*ride.Ride, error)
	CompletedRides(ctx context.Context, driverID types.ID) (int, error)
}

type Ledger interface {
	Post(ctx context.Context, entries []wallet.Entry) ([]wallet.Transaction, error)
	HasReference(ctx context.Context, owner wallet.Owner, reference string) (bool, error)
	Transactions(ctx context.Context, owner wallet.Owner, limit int) ([]wallet.Transaction, error)
}

type ScheduleEarnings interface {
	AddEarnings(ctx context.Context, scheduleID types.ID, amount types.Money) error
}

// Telemetry is the measured trip. Zero values fall back to the planned route.
type Telemetry = ride.Trip

type Result struct {
	RideID        types.ID
	Breakdown     pricing.Breakdown
	PaymentStatus ride.PaymentStatus
	Duplicate     bool
	Transactions  []wallet.Transaction
}

type GatewayResult struct {
	Success        bool
	TransactionRef string
	Amount         types.Money
}

func SettlementReference(rideID types.ID) string {
	return string(rideID) + ":settlement"
}

func CancellationReference(rideID types.ID) string {
	return string(rideID) + ":cancellation"
}

type Service struct {
	rides     Rides
	pricing   FareCalculator
	ledger    Ledger
	schedules ScheduleEarnings
	notifier  notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(rides Rides, pricing FareCalculator, ledger Ledger, schedules ScheduleEarnings, notifier notify.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rides:     rides,
		pricing:   pricing,
		ledger:    ledger,
		schedules: schedules,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Settle prices a completed_unsettled ride and posts the driver credit and,
// for wallet payments, the rider debit as one ledger unit. Calling it again
// for the same ride is a no-op.
func (s *Service) Settle(ctx context.Context, rideID types.ID, tel *Telemetry) (Result, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	if r.Status == ride.StatusCompleted {
		observability.SettlementsTotal.WithLabelValues("ride", "duplicate").Inc()
		s.logger.Warn("duplicate settlement trigger", "ride_id", r.ID)
		return storedResult(r), nil
	}
	if r.Status != ride.StatusCompletedUnsettled {
		return Result{}, fmt.Errorf("%w: status %s", ErrNotSettleable, r.Status)
	}
	if r.DriverOfRecord == nil {
		s.logger.Error("completed ride without driver of record", "ride_id", r.ID)
		return Result{}, ErrNoDriverOfRecord
	}
	driverID := *r.DriverOfRecord

	b, err := s.price(ctx, r, driverID, tel)
	if err != nil {
		observability.SettlementsTotal.WithLabelValues("ride", "pricing_error").Inc()
		return Result{}, err
	}

	ref := SettlementReference(r.ID)
	driverWallet := wallet.Driver(driverID)
	posted, err := s.ledger.HasReference(ctx, driverWallet, ref)
	if err != nil {
		return Result{}, err
	}
	if !posted {
		s.reportAnomalies(ctx, r, b)
	}

	status := ride.PaymentPaid
	if r.PaymentMethod == ride.PaymentCard {
		status = ride.PaymentPendingGateway
	}
	res := Result{RideID: r.ID, Breakdown: b, PaymentStatus: status}

	if posted {
		res.Duplicate = true
		s.logger.Warn("settlement already posted; finalising ride", "ride_id", r.ID, "reference", ref)
		if b, err = s.postedBreakdown(ctx, r, driverID, ref, b); err != nil {
			return Result{}, err
		}
		res.Breakdown = b
	} else {
		entries := []wallet.Entry{{
			Owner:       driverWallet,
			Amount:      b.DriverShare,
			Type:        wallet.TxRideEarning,
			Reference:   ref,
			Description: fmt.Sprintf("earning for ride %s", r.ID),
		}}
		if r.PaymentMethod == ride.PaymentWallet {
			entries = append(entries, wallet.Entry{
				Owner:       wallet.Rider(r.RiderID),
				Amount:      b.Fare.Neg(),
				Type:        wallet.TxRidePayment,
				Reference:   ref,
				Description: fmt.Sprintf("payment for ride %s", r.ID),
			})
		}
		txs, err := s.ledger.Post(ctx, entries)
		switch {
		case errors.Is(err, wallet.ErrInsufficientBalance):
			return res, s.paymentFailed(ctx, r, b)
		case errors.Is(err, wallet.ErrDuplicateReference):
			res.Duplicate = true
			s.logger.Warn("concurrent settlement absorbed", "ride_id", r.ID, "reference", ref)
			if b, err = s.postedBreakdown(ctx, r, driverID, ref, b); err != nil {
				return Result{}, err
			}
			res.Breakdown = b
		case err != nil:
			observability.SettlementsTotal.WithLabelValues("ride", "error").Inc()
			return Result{}, fmt.Errorf("post settlement: %w", err)
		default:
			res.Transactions = txs
		}
	}

	err = s.rides.RecordSettlement(ctx, ride.SettlementUpdate{
		RideID:        r.ID,
		ActualFare:    b.Fare,
		Commission:    b.Commission,
		DriverShare:   b.DriverShare,
		PaymentStatus: status,
		Complete:      true,
		SettledAt:     s.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("record settlement: %w", err)
	}
	if r.ScheduleID != nil && s.schedules != nil && !res.Duplicate {
		if err := s.schedules.AddEarnings(ctx, *r.ScheduleID, b.DriverShare); err != nil {
			s.logger.Warn("schedule earnings update failed", "schedule_id", *r.ScheduleID, "error", err)
		}
	}

	outcome := "settled"
	if res.Duplicate {
		outcome = "duplicate"
	}
	observability.SettlementsTotal.WithLabelValues("ride", outcome).Inc()
	s.logger.Info("ride settled", "ride_id", r.ID, "fare", b.Fare.String(), "commission", b.Commission.String(),
		"driver_share", b.DriverShare.String(), "payment_status", status, "duplicate", res.Duplicate)

	payload := map[string]any{"fare": b.Fare.String(), "payment_status": string(status)}
	s.notify(ctx, driverID, notify.KindDriver, notify.EventRideSettled, r.ID, map[string]any{"driver_share": b.DriverShare.String()})
	s.notify(ctx, r.RiderID, notify.KindRider, notify.EventRideSettled, r.ID, payload)
	return res, nil
}

// SettleCancellation charges the cancellation fee of a ride the rider
// cancelled after a driver had been assigned, or that an admin cancelled
// while the trip was in progress.
func (s *Service) SettleCancellation(ctx context.Context, rideID types.ID) (Result, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return Result{}, err
	}
	if !r.Status.Cancelled() {
		return Result{}, fmt.Errorf("%w: status %s", ErrNotSettleable, r.Status)
	}
	res := Result{RideID: r.ID, PaymentStatus: r.PaymentStatus}
	if !FeeApplies(r) {
		return res, nil
	}
	driverID := *r.DriverOfRecord
	ref := CancellationReference(r.ID)
	driverWallet := wallet.Driver(driverID)
	if posted, err := s.ledger.HasReference(ctx, driverWallet, ref); err != nil {
		return Result{}, err
	} else if posted {
		observability.SettlementsTotal.WithLabelValues("cancellation", "duplicate").Inc()
		s.logger.Warn("duplicate cancellation settlement", "ride_id", r.ID)
		res.Duplicate = true
		return res, nil
	}

	rides, err := s.rides.CompletedRides(ctx, driverID)
	if err != nil {
		return Result{}, err
	}
	b, err := s.pricing.CancellationFee(ctx, r.City, r.VehicleType, rides)
	if err != nil {
		return Result{}, err
	}
	res.Breakdown = b
	if !b.Fare.IsPositive() {
		return res, nil
	}
	s.reportAnomalies(ctx, r, b)

	entries := []wallet.Entry{{
		Owner:       driverWallet,
		Amount:      b.DriverShare,
		Type:        wallet.TxCancellationEarning,
		Reference:   ref,
		Description: fmt.Sprintf("cancellation fee share for ride %s", r.ID),
	}}
	status := ride.PaymentUnpaid
	switch r.PaymentMethod {
	case ride.PaymentWallet:
		status = ride.PaymentPaid
		entries = append(entries, wallet.Entry{
			Owner:       wallet.Rider(r.RiderID),
			Amount:      b.Fare.Neg(),
			Type:        wallet.TxCancellationFee,
			Reference:   ref,
			Description: fmt.Sprintf("cancellation fee for ride %s", r.ID),
		})
	case ride.PaymentCard:
		status = ride.PaymentPendingGateway
	}

	txs, err := s.ledger.Post(ctx, entries)
	switch {
	case errors.Is(err, wallet.ErrInsufficientBalance):
		res.PaymentStatus = ride.PaymentFailed
		observability.SettlementsTotal.WithLabelValues("cancellation", "insufficient_balance").Inc()
		if err := s.rides.SetPayment(ctx, r.ID, "", ride.PaymentFailed, ""); err != nil {
			return res, err
		}
		s.notify(ctx, r.RiderID, notify.KindRider, notify.EventPaymentFailed, r.ID, map[string]any{"fee": b.Fare.String()})
		return res, wallet.ErrInsufficientBalance
	case errors.Is(err, wallet.ErrDuplicateReference):
		res.Duplicate = true
		return res, nil
	case err != nil:
		return Result{}, fmt.Errorf("post cancellation fee: %w", err)
	}
	res.Transactions = txs
	res.PaymentStatus = status

	err = s.rides.RecordSettlement(ctx, ride.SettlementUpdate{
		RideID:        r.ID,
		ActualFare:    b.Fare,
		Commission:    b.Commission,
		DriverShare:   b.DriverShare,
		PaymentStatus: status,
		SettledAt:     s.now(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("record cancellation fee: %w", err)
	}
	observability.SettlementsTotal.WithLabelValues("cancellation", "settled").Inc()
	s.logger.Info("cancellation fee settled", "ride_id", r.ID, "fee", b.Fare.String(), "payment_status", status)
	s.notify(ctx, r.RiderID, notify.KindRider, notify.EventCancellationFee, r.ID, map[string]any{"fee": b.Fare.String()})
	return res, nil
}

// ApplyGatewayResult records the terminal outcome of a card payment.
func (s *Service) ApplyGatewayResult(ctx context.Context, rideID types.ID, g GatewayResult) (ride.PaymentStatus, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return "", err
	}
	if r.PaymentMethod != ride.PaymentCard {
		return "", ErrNotGatewayRide
	}
	if r.PaymentStatus == ride.PaymentPaid && r.GatewayRef == g.TransactionRef {
		return ride.PaymentPaid, nil
	}
	if r.PaymentStatus != ride.PaymentPendingGateway && r.PaymentStatus != ride.PaymentFailed {
		return "", ErrNotGatewayRide
	}
	if r.ActualFare == nil {
		return "", ErrNotSettleable
	}

	status := ride.PaymentFailed
	if g.Success && g.Amount.GreaterThanOrEqual(*r.ActualFare) {
		status = ride.PaymentPaid
	}
	if err := s.rides.SetPayment(ctx, r.ID, "", status, g.TransactionRef); err != nil {
		return "", err
	}
	event := notify.EventPaymentConfirmed
	if status == ride.PaymentFailed {
		event = notify.EventPaymentFailed
		s.logger.Warn("gateway payment failed", "ride_id", r.ID, "success", g.Success,
			"amount", g.Amount.String(), "fare", r.ActualFare.String())
	}
	observability.SettlementsTotal.WithLabelValues("gateway", string(status)).Inc()
	s.notify(ctx, r.RiderID, notify.KindRider, event, r.ID, map[string]any{"transaction_ref": g.TransactionRef})
	return status, nil
}

// RunRetryLoop re-attempts every completed_unsettled ride on each tick.
func (s *Service) RunRetryLoop(ctx context.Context, tick time.Duration, batch int) {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RetryPending(ctx, batch)
		}
	}
}

// RetryPending runs one retry pass and returns the number of rides settled.
func (s *Service) RetryPending(ctx context.Context, batch int) int {
	pending, err := s.rides.ListByStatus(ctx, ride.StatusCompletedUnsettled, batch)
	if err != nil {
		s.logger.Error("list unsettled rides", "error", err)
		return 0
	}
	settled := 0
	for _, r := range pending {
		if ctx.Err() != nil {
			return settled
		}
		if _, err := s.Settle(ctx, r.ID, nil); err != nil {
			level := slog.LevelWarn
			if errors.Is(err, wallet.ErrInsufficientBalance) {
				level = slog.LevelDebug
			}
			s.logger.Log(ctx, level, "settlement retry failed", "ride_id", r.ID, "error", err)
			continue
		}
		settled++
	}
	return settled
}

// FeeApplies reports whether a cancelled ride owes the cancellation fee.
func FeeApplies(r *ride.Ride) bool {
	if r.DriverOfRecord == nil {
		return false
	}
	switch r.Status {
	case ride.StatusCancelledByRider:
		return true
	case ride.StatusCancelledByAdmin:
		return r.StartedAt != nil
	}
	return false
}

// price uses tel when given, else the trip stored at completion.
func (s *Service) price(ctx context.Context, r *ride.Ride, driverID types.ID, tel *Telemetry) (pricing.Breakdown, error) {
	rides, err := s.rides.CompletedRides(ctx, driverID)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	at := r.DepartureAt
	if r.StartedAt != nil {
		at = *r.StartedAt
	}
	in := pricing.Input{
		Pickup:        r.Pickup,
		Drop:          r.Dropoff,
		City:          r.City,
		VehicleType:   r.VehicleType,
		At:            at,
		DriverRides:   rides,
		PaymentMethod: string(r.PaymentMethod),
	}
	if tel == nil {
		tel = r.Trip
	}
	if tel != nil {
		in.DistanceKm = tel.DistanceKm
		in.DurationMin = tel.DurationMin
		if tel.Dropoff != nil {
			in.Drop = *tel.Dropoff
		}
	}
	return s.pricing.Estimate(ctx, in)
}

// postedBreakdown rebuilds the split from the rows already posted under ref.
// The driver row fixes the share. The fare comes from the rider debit, then
// from a fare already recorded on the ride, then from the repriced fallback.
func (s *Service) postedBreakdown(ctx context.Context, r *ride.Ride, driverID types.ID, ref string, fallback pricing.Breakdown) (pricing.Breakdown, error) {
	share, ok, err := s.postedAmount(ctx, wallet.Driver(driverID), ref)
	if err != nil {
		return pricing.Breakdown{}, err
	}
	if !ok {
		return pricing.Breakdown{}, fmt.Errorf("settlement %s: driver row missing", ref)
	}
	b := fallback
	b.Anomalies = nil
	b.DriverShare = share
	switch paid, ok, err := s.postedAmount(ctx, wallet.Rider(r.RiderID), ref); {
	case err != nil:
		return pricing.Breakdown{}, err
	case ok:
		b.Fare = paid.Neg()
	case r.ActualFare != nil:
		b.Fare = *r.ActualFare
	}
	b.Commission = b.Fare.Sub(share)
	if !b.Fare.Equal(fallback.Fare) || !share.Equal(fallback.DriverShare) {
		s.logger.Warn("recorded split taken from ledger", "ride_id", r.ID, "reference", ref,
			"fare", b.Fare.String(), "driver_share", share.String(), "repriced_share", fallback.DriverShare.String())
	}
	return b, nil
}

func (s *Service) postedAmount(ctx context.Context, owner wallet.Owner, ref string) (types.Money, bool, error) {
	txs, err := s.ledger.Transactions(ctx, owner, 0)
	if errors.Is(err, wallet.ErrWalletNotFound) {
		return types.Money{}, false, nil
	}
	if err != nil {
		return types.Money{}, false, err
	}
	for _, tx := range txs {
		if tx.ReferenceID == ref {
			return tx.Amount, true, nil
		}
	}
	return types.Money{}, false, nil
}

func (s *Service) paymentFailed(ctx context.Context, r *ride.Ride, b pricing.Breakdown) error {
	observability.SettlementsTotal.WithLabelValues("ride", "insufficient_balance").Inc()
	s.logger.Info("rider wallet cannot cover fare", "ride_id", r.ID, "rider_id", r.RiderID, "fare", b.Fare.String())
	if err := s.rides.SetPayment(ctx, r.ID, "", ride.PaymentFailed, ""); err != nil {
		return err
	}
	s.notify(ctx, r.RiderID, notify.KindRider, notify.EventPaymentFailed, r.ID, map[string]any{"fare": b.Fare.String()})
	return wallet.ErrInsufficientBalance
}

func (s *Service) reportAnomalies(ctx context.Context, r *ride.Ride, b pricing.Breakdown) {
	for _, a := range b.Anomalies {
		observability.PricingAnomalies.WithLabelValues(string(a)).Inc()
		s.logger.Warn("pricing anomaly", "ride_id", r.ID, "anomaly", a, "fare", b.Fare.String(),
			"commission", b.Commission.String(), "rule", b.CommissionRule)
		s.notify(ctx, "", notify.KindOperator, notify.EventPricingAnomaly, r.ID, map[string]any{"anomaly": string(a)})
	}
}

func (s *Service) notify(ctx context.Context, to types.ID, kind, event string, rideID types.ID, payload map[string]any) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, notify.Notification{
		Recipient:     to,
		RecipientKind: kind,
		Event:         event,
		RideID:        rideID,
		Payload:       payload,
		At:            s.now(),
	})
}

func storedResult(r *ride.Ride) Result {
	res := Result{RideID: r.ID, PaymentStatus: r.PaymentStatus, Duplicate: true}
	if r.ActualFare != nil {
		res.Breakdown.Fare = *r.ActualFare
	}
	if r.CommissionAmount != nil {
		res.Breakdown.Commission = *r.CommissionAmount
	}
	if r.DriverShare != nil {
		res.Breakdown.DriverShare = *r.DriverShare
	}
	return res
}
