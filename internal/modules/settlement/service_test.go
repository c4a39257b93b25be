// README: Settlement tests on in-memory rides, pricing tables and ledger.
package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"rideflow/internal/modules/matching"
	"rideflow/internal/modules/pricing"
	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/wallet"
	"rideflow/internal/notify"
	"rideflow/internal/types"
)

func money(v string) types.Money { return decimal.RequireFromString(v) }

func floatPtr(f float64) *float64 { return &f }

type fixture struct {
	rides     *ride.Service
	prices    *pricing.MemoryStore
	ledger    *wallet.Ledger
	schedules *matching.MemoryStore
	notes     *notify.Recorder
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prices := pricing.NewMemoryStore()
	prices.PutFare(pricing.FareSetting{
		City:            "metro",
		VehicleType:     "sedan",
		BaseFare:        money("50"),
		PerKmRate:       money("25"),
		PerMinuteRate:   money("0"),
		MinimumFare:     money("80"),
		BookingFee:      money("0"),
		CancellationFee: money("30"),
		Active:          true,
	})
	prices.AddCommission(pricing.CommissionSetting{
		ID: "default", Type: pricing.CommissionPercentage, Value: money("20"), Active: true,
	})
	f := &fixture{
		rides:     ride.NewService(ride.NewMemoryStore(), nil),
		prices:    prices,
		ledger:    wallet.NewLedger(wallet.NewMemoryStore(), nil),
		schedules: matching.NewMemoryStore(),
		notes:     &notify.Recorder{},
	}
	f.svc = NewService(f.rides, pricing.NewService(prices), f.ledger, f.schedules, f.notes, nil)
	return f
}

func (f *fixture) topUp(t *testing.T, rider types.ID, amount string) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), wallet.CreditCommand{
		Owner: wallet.Rider(rider), Amount: money(amount), Type: wallet.TxTopUp, Reference: "topup-" + types.NewID().String(),
	})
	if err != nil {
		t.Fatalf("top up: %v", err)
	}
}

// finishedRide drives a ride through the lifecycle to completed_unsettled.
func (f *fixture) finishedRide(t *testing.T, rider, driver types.ID, method ride.PaymentMethod, schedule *types.ID) *ride.Ride {
	t.Helper()
	return f.finishedTrip(t, rider, driver, method, schedule, nil)
}

func (f *fixture) finishedTrip(t *testing.T, rider, driver types.ID, method ride.PaymentMethod, schedule *types.ID, trip *ride.Trip) *ride.Ride {
	t.Helper()
	ctx := context.Background()
	r, err := f.rides.Create(ctx, ride.CreateCommand{
		RiderID:       rider,
		Pickup:        types.Point{Lat: 1.30, Lng: 103.80},
		Dropoff:       types.Point{Lat: 1.31, Lng: 103.81},
		City:          "metro",
		VehicleType:   "sedan",
		PaymentMethod: method,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.rides.Assign(ctx, ride.Assignment{RideID: r.ID, DriverID: driver, ScheduleID: schedule}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.rides.Accept(ctx, r.ID, driver); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.rides.Start(ctx, r.ID, driver); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := f.rides.Complete(ctx, r.ID, driver, trip)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return done
}

func (f *fixture) driverTxs(t *testing.T, driver types.ID) []wallet.Transaction {
	t.Helper()
	txs, err := f.ledger.Transactions(context.Background(), wallet.Driver(driver), 0)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	return txs
}

func (f *fixture) assertConsistent(t *testing.T, owners ...wallet.Owner) {
	t.Helper()
	for _, o := range owners {
		rec, err := f.ledger.Verify(context.Background(), o)
		if err != nil {
			t.Fatalf("verify %s: %v", o, err)
		}
		if !rec.Consistent {
			t.Fatalf("ledger of %s inconsistent: %+v", o, rec)
		}
	}
}

func TestSettleWalletRideSplitsTwentyPercent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topUp(t, "rider-1", "150")
	r := f.finishedRide(t, "rider-1", "driver-1", ride.PaymentWallet, nil)

	res, err := f.svc.Settle(ctx, r.ID, &Telemetry{DistanceKm: 2, DurationMin: floatPtr(6)})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	b := res.Breakdown
	if !b.Fare.Equal(money("100")) || !b.Commission.Equal(money("20")) || !b.DriverShare.Equal(money("80")) {
		t.Fatalf("breakdown = %+v", b)
	}
	if res.Duplicate || len(res.Transactions) != 2 || res.PaymentStatus != ride.PaymentPaid {
		t.Fatalf("result = %+v", res)
	}

	dw, _ := f.ledger.Wallet(ctx, wallet.Driver("driver-1"))
	if !dw.Balance.Equal(money("80")) || !dw.TotalEarned.Equal(money("80")) {
		t.Fatalf("driver wallet = %+v", dw)
	}
	rw, _ := f.ledger.Wallet(ctx, wallet.Rider("rider-1"))
	if !rw.Balance.Equal(money("50")) || !rw.TotalSpent.Equal(money("100")) {
		t.Fatalf("rider wallet = %+v", rw)
	}

	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCompleted || got.PaymentStatus != ride.PaymentPaid {
		t.Fatalf("ride = %s/%s", got.Status, got.PaymentStatus)
	}
	if got.ActualFare == nil || !got.ActualFare.Equal(money("100")) || !got.CommissionAmount.Equal(money("20")) {
		t.Fatalf("ride amounts not recorded: %+v", got)
	}
	if ev := f.notes.Events("driver-1"); len(ev) != 1 || ev[0] != notify.EventRideSettled {
		t.Fatalf("driver notifications = %v", ev)
	}
	f.assertConsistent(t, wallet.Driver("driver-1"), wallet.Rider("rider-1"))
}

func TestSettleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topUp(t, "rider-1", "500")
	r := f.finishedRide(t, "rider-1", "driver-1", ride.PaymentWallet, nil)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.svc.Settle(ctx, r.ID, nil); err != nil {
				t.Errorf("settle: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	res, err := f.svc.Settle(ctx, r.ID, nil)
	if err != nil {
		t.Fatalf("settle again: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("second settlement should be a no-op")
	}
	if n := len(f.driverTxs(t, "driver-1")); n != 1 {
		t.Fatalf("driver transactions = %d, want 1", n)
	}
	riderTxs, _ := f.ledger.Transactions(ctx, wallet.Rider("rider-1"), 0)
	if len(riderTxs) != 2 { // top-up + one payment
		t.Fatalf("rider transactions = %d, want 2", len(riderTxs))
	}
	f.assertConsistent(t, wallet.Driver("driver-1"), wallet.Rider("rider-1"))
}

func TestSettleInsufficientRiderBalanceIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topUp(t, "rider-1", "50")
	r := f.finishedRide(t, "rider-1", "driver-1", ride.PaymentWallet, nil)

	_, err := f.svc.Settle(ctx, r.ID, &Telemetry{DistanceKm: 1, DurationMin: floatPtr(1.5)})
	if !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCompletedUnsettled || got.PaymentStatus != ride.PaymentFailed {
		t.Fatalf("ride = %s/%s", got.Status, got.PaymentStatus)
	}
	if _, err := f.ledger.Wallet(ctx, wallet.Driver("driver-1")); !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatalf("driver wallet touched: %v", err)
	}
	rw, _ := f.ledger.Wallet(ctx, wallet.Rider("rider-1"))
	if !rw.Balance.Equal(money("50")) {
		t.Fatalf("rider balance = %s", rw.Balance)
	}
	if ev := f.notes.Events("rider-1"); len(ev) != 1 || ev[0] != notify.EventPaymentFailed {
		t.Fatalf("rider notifications = %v", ev)
	}

	// the background retry settles once the rider can pay
	f.topUp(t, "rider-1", "50")
	if n := f.svc.RetryPending(ctx, 10); n != 1 {
		t.Fatalf("retry settled %d rides, want 1", n)
	}
	got, _ = f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCompleted || got.PaymentStatus != ride.PaymentPaid {
		t.Fatalf("ride after retry = %s/%s", got.Status, got.PaymentStatus)
	}
	f.assertConsistent(t, wallet.Driver("driver-1"), wallet.Rider("rider-1"))
}

func TestSettleCashRideCreditsDriverOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sched := types.ID("sched-1")
	f.schedules.PutSchedule(matching.Schedule{ID: sched, DriverID: "driver-1", Active: true})
	r := f.finishedRide(t, "rider-1", "driver-1", ride.PaymentCash, &sched)

	res, err := f.svc.Settle(ctx, r.ID, &Telemetry{DistanceKm: 2})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(res.Transactions) != 1 || res.Transactions[0].Owner != wallet.Driver("driver-1") {
		t.Fatalf("transactions = %+v", res.Transactions)
	}
	if _, err := f.ledger.Wallet(ctx, wallet.Rider("rider-1")); !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatalf("rider wallet touched: %v", err)
	}
	sc, _ := f.schedules.Schedule(sched)
	if !sc.TotalEarnings.Equal(money("80")) {
		t.Fatalf("schedule earnings = %s", sc.TotalEarnings)
	}
}

func TestSettleCardRideWaitsForGateway(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.finishedRide(t, "rider-1", "driver-1", ride.PaymentCard, nil)

	res, err := f.svc.Settle(ctx, r.ID, &Telemetry{DistanceKm: 2})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.PaymentStatus != ride.PaymentPendingGateway {
		t.Fatalf("payment status = %s", res.PaymentStatus)
	}

	status, err := f.svc.ApplyGatewayResult(ctx, r.ID, GatewayResult{Success: true, TransactionRef: "gw-1", Amount: money("90")})
	if err != nil || status != ride.PaymentFailed {
		t.Fatalf("short payment: %s %v", status, err)
	}
	status, err = f.svc.ApplyGatewayResult(ctx, r.ID, GatewayResult{Success: true, TransactionRef: "gw-2", Amount: money("100")})
	if err != nil || status != ride.PaymentPaid {
		t.Fatalf("full payment: %s %v", status, err)
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.GatewayRef != "gw-2" || got.PaymentStatus != ride.PaymentPaid {
		t.Fatalf("ride payment = %s/%s", got.GatewayRef, got.PaymentStatus)
	}
	// replayed callback
	if status, err := f.svc.ApplyGatewayResult(ctx, r.ID, GatewayResult{Success: true, TransactionRef: "gw-2", Amount: money("100")}); err != nil || status != ride.PaymentPaid {
		t.Fatalf("replayed callback: %s %v", status, err)
	}

	cash := f.finishedRide(t, "rider-2", "driver-2", ride.PaymentCash, nil)
	if _, err := f.svc.ApplyGatewayResult(ctx, cash.ID, GatewayResult{Success: true}); !errors.Is(err, ErrNotGatewayRide) {
		t.Fatalf("cash ride gateway result: %v", err)
	}
}

func TestCommissionExceedingFareClampsDriverShare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.prices.AddCommission(pricing.CommissionSetting{
		ID: "metro-sedan", City: "metro", VehicleType: "sedan", Type: pricing.CommissionFixed, Value: money("500"), Active: true,
	})
	r := f.finishedRide(t, "rider-1", "driver-1", ride.PaymentCash, nil)

	res, err := f.svc.Settle(ctx, r.ID, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Breakdown.DriverShare.IsZero() || !res.Breakdown.HasAnomaly(pricing.AnomalyCommissionExceedsFare) {
		t.Fatalf("breakdown = %+v", res.Breakdown)
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCompleted {
		t.Fatalf("anomaly blocked settlement: %s", got.Status)
	}
	var alerted bool
	for _, n := range f.notes.Sent() {
		if n.RecipientKind == notify.KindOperator && n.Event == notify.EventPricingAnomaly {
			alerted = true
		}
	}
	if !alerted {
		t.Fatal("operators not alerted")
	}
}

func TestSettleFinalisesAlreadyPostedRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.finishedRide(t, "rider-1", "driver-1", ride.PaymentCash, nil)
	_, err := f.ledger.Credit(ctx, wallet.CreditCommand{
		Owner: wallet.Driver("driver-1"), Amount: money("64"), Type: wallet.TxRideEarning, Reference: SettlementReference(r.ID),
	})
	if err != nil {
		t.Fatalf("pre-post: %v", err)
	}
	res, err := f.svc.Settle(ctx, r.ID, nil)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate")
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if n := len(f.driverTxs(t, "driver-1")); n != 1 {
		t.Fatalf("driver transactions = %d", n)
	}
	if !res.Breakdown.DriverShare.Equal(money("64")) || got.DriverShare == nil || !got.DriverShare.Equal(money("64")) {
		t.Fatalf("recorded share = %v, ledger holds 64", got.DriverShare)
	}
	if !got.CommissionAmount.Add(*got.DriverShare).Equal(*got.ActualFare) {
		t.Fatalf("fare %s != commission %s + share %s", got.ActualFare, got.CommissionAmount, got.DriverShare)
	}
}

func TestSettleAlreadyPostedWalletRideRecordsLedgerAmounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topUp(t, "rider-1", "200")
	r := f.finishedRide(t, "rider-1", "driver-1", ride.PaymentWallet, nil)
	ref := SettlementReference(r.ID)
	_, err := f.ledger.Post(ctx, []wallet.Entry{
		{Owner: wallet.Driver("driver-1"), Amount: money("96"), Type: wallet.TxRideEarning, Reference: ref},
		{Owner: wallet.Rider("rider-1"), Amount: money("-120"), Type: wallet.TxRidePayment, Reference: ref},
	})
	if err != nil {
		t.Fatalf("pre-post: %v", err)
	}

	res, err := f.svc.Settle(ctx, r.ID, &Telemetry{DistanceKm: 2})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate")
	}
	got, _ := f.rides.Get(ctx, r.ID)
	tests := []struct {
		name string
		got  *types.Money
		want string
	}{
		{"fare", got.ActualFare, "120"},
		{"commission", got.CommissionAmount, "24"},
		{"driver share", got.DriverShare, "96"},
	}
	for _, tt := range tests {
		if tt.got == nil || !tt.got.Equal(money(tt.want)) {
			t.Errorf("%s = %v, want %s", tt.name, tt.got, tt.want)
		}
	}
	rw, _ := f.ledger.Wallet(ctx, wallet.Rider("rider-1"))
	if !rw.Balance.Equal(money("80")) {
		t.Fatalf("rider charged twice: balance %s", rw.Balance)
	}
}

func TestRetryPricesTripStoredAtCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topUp(t, "rider-1", "150")
	minutes := 30.0
	r := f.finishedTrip(t, "rider-1", "driver-1", ride.PaymentWallet, nil, &ride.Trip{DistanceKm: 10, DurationMin: &minutes})

	if _, err := f.svc.Settle(ctx, r.ID, nil); !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	f.topUp(t, "rider-1", "500")
	if n := f.svc.RetryPending(ctx, 10); n != 1 {
		t.Fatalf("retry settled %d rides, want 1", n)
	}

	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCompleted || got.ActualFare == nil || !got.ActualFare.Equal(money("300")) {
		t.Fatalf("ride after retry = %s fare %v, want 300", got.Status, got.ActualFare)
	}
	rw, _ := f.ledger.Wallet(ctx, wallet.Rider("rider-1"))
	if !rw.Balance.Equal(money("350")) {
		t.Fatalf("rider balance = %s, want 350", rw.Balance)
	}
	dw, _ := f.ledger.Wallet(ctx, wallet.Driver("driver-1"))
	if !dw.Balance.Equal(money("240")) {
		t.Fatalf("driver balance = %s, want 240", dw.Balance)
	}
}

func TestSettleRejectsUnfinishedRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, _ := f.rides.Create(ctx, ride.CreateCommand{RiderID: "rider-1", City: "metro", VehicleType: "sedan"})
	if _, err := f.svc.Settle(ctx, r.ID, nil); !errors.Is(err, ErrNotSettleable) {
		t.Fatalf("err = %v, want ErrNotSettleable", err)
	}
	if _, err := f.svc.SettleCancellation(ctx, r.ID); !errors.Is(err, ErrNotSettleable) {
		t.Fatalf("cancellation err = %v, want ErrNotSettleable", err)
	}
}

func TestSettleCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topUp(t, "rider-1", "100")
	r, _ := f.rides.Create(ctx, ride.CreateCommand{RiderID: "rider-1", City: "metro", VehicleType: "sedan", PaymentMethod: ride.PaymentWallet})
	_ = f.rides.Assign(ctx, ride.Assignment{RideID: r.ID, DriverID: "driver-1"})
	if _, err := f.rides.Cancel(ctx, ride.CancelCommand{RideID: r.ID, ActorType: ride.ActorRider, Reason: "late"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	res, err := f.svc.SettleCancellation(ctx, r.ID)
	if err != nil {
		t.Fatalf("settle cancellation: %v", err)
	}
	if !res.Breakdown.Fare.Equal(money("30")) || !res.Breakdown.DriverShare.Equal(money("24")) {
		t.Fatalf("breakdown = %+v", res.Breakdown)
	}
	dw, _ := f.ledger.Wallet(ctx, wallet.Driver("driver-1"))
	rw, _ := f.ledger.Wallet(ctx, wallet.Rider("rider-1"))
	if !dw.Balance.Equal(money("24")) || !rw.Balance.Equal(money("70")) {
		t.Fatalf("balances driver=%s rider=%s", dw.Balance, rw.Balance)
	}
	again, err := f.svc.SettleCancellation(ctx, r.ID)
	if err != nil || !again.Duplicate {
		t.Fatalf("second cancellation settlement: %+v %v", again, err)
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCancelledByRider || got.PaymentStatus != ride.PaymentPaid {
		t.Fatalf("ride = %s/%s", got.Status, got.PaymentStatus)
	}
	f.assertConsistent(t, wallet.Driver("driver-1"), wallet.Rider("rider-1"))
}

func TestSettleCancellationSkipsDriverCancellation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r, _ := f.rides.Create(ctx, ride.CreateCommand{RiderID: "rider-1", City: "metro", VehicleType: "sedan"})
	_ = f.rides.Assign(ctx, ride.Assignment{RideID: r.ID, DriverID: "driver-1"})
	driver := types.ID("driver-1")
	if _, err := f.rides.Cancel(ctx, ride.CancelCommand{RideID: r.ID, ActorType: ride.ActorDriver, ActorID: &driver}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	res, err := f.svc.SettleCancellation(ctx, r.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if len(res.Transactions) != 0 {
		t.Fatalf("driver cancellation charged a fee: %+v", res)
	}
}

func TestSettleCancellationOfStartedTripByAdmin(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		start   bool
		charged bool
	}{
		{"in progress", true, true},
		{"accepted only", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.topUp(t, "rider-1", "100")
			r, _ := f.rides.Create(ctx, ride.CreateCommand{
				RiderID: "rider-1", City: "metro", VehicleType: "sedan", PaymentMethod: ride.PaymentWallet,
				Pickup: types.Point{Lat: 1.30, Lng: 103.80}, Dropoff: types.Point{Lat: 1.31, Lng: 103.81},
			})
			_ = f.rides.Assign(ctx, ride.Assignment{RideID: r.ID, DriverID: "driver-1"})
			_, _ = f.rides.Accept(ctx, r.ID, "driver-1")
			if tt.start {
				_, _ = f.rides.Start(ctx, r.ID, "driver-1")
			}
			if _, err := f.rides.Cancel(ctx, ride.CancelCommand{RideID: r.ID, ActorType: ride.ActorAdmin, Reason: "safety"}); err != nil {
				t.Fatalf("cancel: %v", err)
			}

			res, err := f.svc.SettleCancellation(ctx, r.ID)
			if err != nil {
				t.Fatalf("settle cancellation: %v", err)
			}
			if charged := len(res.Transactions) == 2; charged != tt.charged {
				t.Fatalf("charged = %v, want %v (%+v)", charged, tt.charged, res)
			}
			if !tt.charged {
				return
			}
			dw, _ := f.ledger.Wallet(ctx, wallet.Driver("driver-1"))
			rw, _ := f.ledger.Wallet(ctx, wallet.Rider("rider-1"))
			if !dw.Balance.Equal(money("24")) || !rw.Balance.Equal(money("70")) {
				t.Fatalf("balances driver=%s rider=%s", dw.Balance, rw.Balance)
			}
			got, _ := f.rides.Get(ctx, r.ID)
			if got.Status != ride.StatusCancelledByAdmin || got.PaymentStatus != ride.PaymentPaid {
				t.Fatalf("ride = %s/%s", got.Status, got.PaymentStatus)
			}
		})
	}
}

func TestSettleCancellationInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.topUp(t, "rider-1", "10")
	r, _ := f.rides.Create(ctx, ride.CreateCommand{RiderID: "rider-1", City: "metro", VehicleType: "sedan", PaymentMethod: ride.PaymentWallet})
	_ = f.rides.Assign(ctx, ride.Assignment{RideID: r.ID, DriverID: "driver-1"})
	_, _ = f.rides.Cancel(ctx, ride.CancelCommand{RideID: r.ID, ActorType: ride.ActorRider})

	if _, err := f.svc.SettleCancellation(ctx, r.ID); !errors.Is(err, wallet.ErrInsufficientBalance) {
		t.Fatalf("err = %v", err)
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusCancelledByRider || got.PaymentStatus != ride.PaymentFailed {
		t.Fatalf("ride = %s/%s", got.Status, got.PaymentStatus)
	}
	if _, err := f.ledger.Wallet(ctx, wallet.Driver("driver-1")); !errors.Is(err, wallet.ErrWalletNotFound) {
		t.Fatal("driver credited without rider debit")
	}
}
