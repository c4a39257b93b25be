package wallet

import (
	"errors"
	"strings"
)

var ErrInvalidAccount = errors.New("invalid payout account")

type PayoutMethod string

const (
	PayoutBankTransfer PayoutMethod = "bank_transfer"
	PayoutMobileMoney  PayoutMethod = "mobile_money"
)

// PayoutAccount is where a captured withdrawal is paid out. Bank transfers
// use BankCode, AccountNumber and HolderName; mobile money uses Phone only.
type PayoutAccount struct {
	Method        PayoutMethod
	BankCode      string
	AccountNumber string
	HolderName    string
	Phone         string
}

func (a PayoutAccount) Validate() error {
	switch a.Method {
	case PayoutBankTransfer:
		if strings.TrimSpace(a.BankCode) == "" || strings.TrimSpace(a.HolderName) == "" {
			return ErrInvalidAccount
		}
		if !digits(a.AccountNumber, 6, 20) || a.Phone != "" {
			return ErrInvalidAccount
		}
	case PayoutMobileMoney:
		if !digits(strings.TrimPrefix(a.Phone, "+"), 8, 15) {
			return ErrInvalidAccount
		}
		if a.BankCode != "" || a.AccountNumber != "" {
			return ErrInvalidAccount
		}
	default:
		return ErrInvalidAccount
	}
	return nil
}

// Masked keeps the last four digits of the account number or phone.
func (a PayoutAccount) Masked() string {
	v := a.AccountNumber
	if a.Method == PayoutMobileMoney {
		v = strings.TrimPrefix(a.Phone, "+")
	}
	if len(v) <= 4 {
		return v
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}

func digits(s string, min, max int) bool {
	if len(s) < min || len(s) > max {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
