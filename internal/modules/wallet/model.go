// README: Wallets, immutable ledger transactions and withdrawal holds.
package wallet

import (
	"fmt"
	"time"

	"rideflow/internal/types"
)

type OwnerKind string

const (
	OwnerDriver OwnerKind = "driver"
	OwnerRider  OwnerKind = "rider"
)

func (k OwnerKind) Valid() bool {
	return k == OwnerDriver || k == OwnerRider
}

// Owner identifies one wallet.
type Owner struct {
	Kind OwnerKind
	ID   types.ID
}

func Driver(id types.ID) Owner { return Owner{Kind: OwnerDriver, ID: id} }
func Rider(id types.ID) Owner  { return Owner{Kind: OwnerRider, ID: id} }

func (o Owner) String() string {
	return fmt.Sprintf("%s:%s", o.Kind, o.ID)
}

func (o Owner) Less(other Owner) bool {
	if o.Kind != other.Kind {
		return o.Kind < other.Kind
	}
	return o.ID < other.ID
}

type Wallet struct {
	Owner          Owner
	Currency       string
	Balance        types.Money
	Held           types.Money
	TotalEarned    types.Money
	TotalSpent     types.Money
	TotalWithdrawn types.Money
	TotalToppedUp  types.Money
	UpdatedAt      time.Time
}

type TxType string

const (
	TxRideEarning         TxType = "ride_earning"
	TxRidePayment         TxType = "ride_payment"
	TxCancellationEarning TxType = "cancellation_earning"
	TxCancellationFee     TxType = "cancellation_fee"
	TxTopUp               TxType = "topup"
	TxWithdrawalHold      TxType = "withdrawal_hold"
	TxWithdrawalRelease   TxType = "withdrawal_release"
	TxWithdrawal          TxType = "withdrawal"
	TxAdjustment          TxType = "adjustment"
	TxRefund              TxType = "refund"
)

type TxStatus string

const (
	TxCompleted TxStatus = "completed"
	TxHeld      TxStatus = "held"
)

// Transaction is an append-only ledger row. Amount is signed.
type Transaction struct {
	ID           types.ID
	Seq          int64
	Owner        Owner
	Amount       types.Money
	BalanceAfter types.Money
	Type         TxType
	Description  string
	ReferenceID  string
	Status       TxStatus
	CreatedAt    time.Time
}

type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationReleased ReservationState = "released"
	ReservationCaptured ReservationState = "captured"
)

// Reservation is a withdrawal hold awaiting approval.
type Reservation struct {
	ID        types.ID
	Owner     Owner
	Amount    types.Money
	Reference string
	Account   *PayoutAccount
	State     ReservationState
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Entry is one requested balance change. Hold moves money into (positive)
// or out of (negative) the held bucket alongside Amount.
type Entry struct {
	Owner          Owner
	Amount         types.Money
	Hold           types.Money
	Type           TxType
	Reference      string
	Description    string
	AllowOverdraft bool
}

// Reconciliation is the outcome of replaying a wallet's ledger.
type Reconciliation struct {
	Owner        Owner
	Balance      types.Money
	Replayed     types.Money
	Transactions int
	Mismatches   []int64
	Consistent   bool
}
