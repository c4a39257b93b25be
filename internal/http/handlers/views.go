package handlers

import (
	"time"

	"rideflow/internal/modules/ride"
	"rideflow/internal/modules/wallet"
	"rideflow/internal/types"
)

type rideView struct {
	ID             types.ID           `json:"id"`
	RiderID        types.ID           `json:"rider_id"`
	DriverID       *types.ID          `json:"driver_id,omitempty"`
	DriverOfRecord *types.ID          `json:"driver_of_record,omitempty"`
	ScheduleID     *types.ID          `json:"schedule_id,omitempty"`
	Status         ride.Status        `json:"status"`
	Pickup         types.Point        `json:"pickup"`
	Dropoff        types.Point        `json:"dropoff"`
	PickupAddress  string             `json:"pickup_address,omitempty"`
	DropoffAddress string             `json:"dropoff_address,omitempty"`
	City           string             `json:"city"`
	VehicleType    string             `json:"vehicle_type"`
	Seats          int                `json:"seats"`
	DepartureAt    time.Time          `json:"departure_at"`
	Scheduled      bool               `json:"scheduled"`
	MatchScore     float64            `json:"match_score,omitempty"`
	EstimatedFare  string             `json:"estimated_fare"`
	ActualFare     *string            `json:"actual_fare,omitempty"`
	Commission     *string            `json:"commission,omitempty"`
	DriverShare    *string            `json:"driver_share,omitempty"`
	PaymentMethod  ride.PaymentMethod `json:"payment_method"`
	PaymentStatus  ride.PaymentStatus `json:"payment_status"`
	CreatedAt      time.Time          `json:"created_at"`
	MatchedAt      *time.Time         `json:"matched_at,omitempty"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
	SettledAt      *time.Time         `json:"settled_at,omitempty"`
	CancelledAt    *time.Time         `json:"cancelled_at,omitempty"`
	CancelReason   *string            `json:"cancel_reason,omitempty"`
}

func moneyString(m *types.Money) *string {
	if m == nil {
		return nil
	}
	s := m.StringFixed(2)
	return &s
}

func toRideView(r *ride.Ride) rideView {
	return rideView{
		ID:             r.ID,
		RiderID:        r.RiderID,
		DriverID:       r.DriverID,
		DriverOfRecord: r.DriverOfRecord,
		ScheduleID:     r.ScheduleID,
		Status:         r.Status,
		Pickup:         r.Pickup,
		Dropoff:        r.Dropoff,
		PickupAddress:  r.PickupAddress,
		DropoffAddress: r.DropoffAddress,
		City:           r.City,
		VehicleType:    r.VehicleType,
		Seats:          r.Seats,
		DepartureAt:    r.DepartureAt,
		Scheduled:      r.Scheduled,
		MatchScore:     r.MatchScore,
		EstimatedFare:  r.EstimatedFare.StringFixed(2),
		ActualFare:     moneyString(r.ActualFare),
		Commission:     moneyString(r.CommissionAmount),
		DriverShare:    moneyString(r.DriverShare),
		PaymentMethod:  r.PaymentMethod,
		PaymentStatus:  r.PaymentStatus,
		CreatedAt:      r.CreatedAt,
		MatchedAt:      r.MatchedAt,
		FinishedAt:     r.FinishedAt,
		SettledAt:      r.SettledAt,
		CancelledAt:    r.CancelledAt,
		CancelReason:   r.CancelReason,
	}
}

type walletView struct {
	OwnerKind      wallet.OwnerKind `json:"owner_kind"`
	OwnerID        types.ID         `json:"owner_id"`
	Currency       string           `json:"currency"`
	Balance        string           `json:"balance"`
	Held           string           `json:"held"`
	TotalEarned    string           `json:"total_earned"`
	TotalSpent     string           `json:"total_spent"`
	TotalWithdrawn string           `json:"total_withdrawn"`
	TotalToppedUp  string           `json:"total_topped_up"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func toWalletView(w wallet.Wallet) walletView {
	return walletView{
		OwnerKind:      w.Owner.Kind,
		OwnerID:        w.Owner.ID,
		Currency:       w.Currency,
		Balance:        w.Balance.StringFixed(2),
		Held:           w.Held.StringFixed(2),
		TotalEarned:    w.TotalEarned.StringFixed(2),
		TotalSpent:     w.TotalSpent.StringFixed(2),
		TotalWithdrawn: w.TotalWithdrawn.StringFixed(2),
		TotalToppedUp:  w.TotalToppedUp.StringFixed(2),
		UpdatedAt:      w.UpdatedAt,
	}
}

type transactionView struct {
	ID           types.ID        `json:"id"`
	Seq          int64           `json:"seq"`
	Amount       string          `json:"amount"`
	BalanceAfter string          `json:"balance_after"`
	Type         wallet.TxType   `json:"type"`
	Status       wallet.TxStatus `json:"status"`
	Reference    string          `json:"reference_id"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func toTransactionView(tx wallet.Transaction) transactionView {
	return transactionView{
		ID:           tx.ID,
		Seq:          tx.Seq,
		Amount:       tx.Amount.StringFixed(2),
		BalanceAfter: tx.BalanceAfter.StringFixed(2),
		Type:         tx.Type,
		Status:       tx.Status,
		Reference:    tx.ReferenceID,
		Description:  tx.Description,
		CreatedAt:    tx.CreatedAt,
	}
}

type reservationView struct {
	ID        types.ID                `json:"id"`
	Amount    string                  `json:"amount"`
	Reference string                  `json:"reference_id"`
	State     wallet.ReservationState `json:"state"`
	Payout    *payoutView             `json:"payout,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	ClosedAt  *time.Time              `json:"closed_at,omitempty"`
}

type payoutView struct {
	Method  wallet.PayoutMethod `json:"method"`
	Account string              `json:"account"`
}

func toReservationView(r wallet.Reservation) reservationView {
	v := reservationView{
		ID:        r.ID,
		Amount:    r.Amount.StringFixed(2),
		Reference: r.Reference,
		State:     r.State,
		CreatedAt: r.CreatedAt,
		ClosedAt:  r.ClosedAt,
	}
	if r.Account != nil {
		v.Payout = &payoutView{Method: r.Account.Method, Account: r.Account.Masked()}
	}
	return v
}
