// README: Wallet handlers: balances, history, top-ups and the withdrawal hold flow.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"rideflow/internal/http/middleware"
	"rideflow/internal/modules/wallet"
	"rideflow/internal/types"
)

type WalletHandler struct {
	ledger *wallet.Ledger
}

func NewWalletHandler(ledger *wallet.Ledger) *WalletHandler {
	return &WalletHandler{ledger: ledger}
}

type amountReq struct {
	Amount      string `json:"amount"`
	Reference   string `json:"reference_id"`
	Description string `json:"description"`
}

type accountReq struct {
	Method        string `json:"method"`
	BankCode      string `json:"bank_code"`
	AccountNumber string `json:"account_number"`
	HolderName    string `json:"holder_name"`
	Phone         string `json:"phone"`
}

type reserveReq struct {
	amountReq
	Account *accountReq `json:"account"`
}

func (r amountReq) parse() (types.Money, bool) {
	amt, err := decimal.NewFromString(r.Amount)
	if err != nil || !amt.IsPositive() || r.Reference == "" {
		return types.Money{}, false
	}
	return amt, true
}

// owner resolves the wallet in the path. Non-admin callers may only touch
// their own wallet.
func (h *WalletHandler) owner(c *gin.Context) (wallet.Owner, bool) {
	kind := wallet.OwnerKind(c.Param("kind"))
	id := c.Param("id")
	if !kind.Valid() || !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid wallet")
		return wallet.Owner{}, false
	}
	role := middleware.CallerRole(c)
	if role != middleware.RoleAdmin && (role != string(kind) || middleware.CallerID(c) != id) {
		writeError(c, http.StatusForbidden, "forbidden")
		return wallet.Owner{}, false
	}
	return wallet.Owner{Kind: kind, ID: types.ID(id)}, true
}

func (h *WalletHandler) Get(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	w, err := h.ledger.Wallet(c.Request.Context(), owner)
	if err != nil {
		writeWalletError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toWalletView(w))
}

func (h *WalletHandler) Transactions(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	txs, err := h.ledger.Transactions(c.Request.Context(), owner, queryInt(c, "limit", 50))
	if err != nil {
		writeWalletError(c, err)
		return
	}
	out := make([]transactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionView(tx))
	}
	writeJSON(c, http.StatusOK, map[string]any{"transactions": out})
}

func (h *WalletHandler) TopUp(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	var req amountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	amt, ok := req.parse()
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid amount or reference")
		return
	}
	tx, err := h.ledger.Credit(c.Request.Context(), wallet.CreditCommand{
		Owner:       owner,
		Amount:      amt,
		Type:        wallet.TxTopUp,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		writeWalletError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, toTransactionView(tx))
}

// Reserve places a withdrawal hold on a driver wallet.
func (h *WalletHandler) Reserve(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	var req reserveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	amt, ok := req.parse()
	if !ok {
		writeError(c, http.StatusBadRequest, "invalid amount or reference")
		return
	}
	var (
		res wallet.Reservation
		tx  wallet.Transaction
		err error
	)
	if req.Account != nil {
		res, tx, err = h.ledger.RequestWithdrawal(c.Request.Context(), owner, amt, req.Reference, wallet.PayoutAccount{
			Method:        wallet.PayoutMethod(req.Account.Method),
			BankCode:      req.Account.BankCode,
			AccountNumber: req.Account.AccountNumber,
			HolderName:    req.Account.HolderName,
			Phone:         req.Account.Phone,
		})
	} else {
		res, tx, err = h.ledger.Reserve(c.Request.Context(), owner, amt, req.Reference)
	}
	if err != nil {
		writeWalletError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"reservation": toReservationView(res), "transaction": toTransactionView(tx)})
}

func (h *WalletHandler) Release(c *gin.Context) {
	h.closeReservation(c, h.ledger.Release)
}

func (h *WalletHandler) Capture(c *gin.Context) {
	h.closeReservation(c, h.ledger.Capture)
}

func (h *WalletHandler) Verify(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	rec, err := h.ledger.Verify(c.Request.Context(), owner)
	if err != nil {
		writeWalletError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"balance":      rec.Balance.StringFixed(2),
		"replayed":     rec.Replayed.StringFixed(2),
		"transactions": rec.Transactions,
		"mismatches":   rec.Mismatches,
		"consistent":   rec.Consistent,
	})
}

func (h *WalletHandler) closeReservation(c *gin.Context, op func(ctx context.Context, id types.ID) (wallet.Reservation, wallet.Transaction, error)) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid reservation id")
		return
	}
	res, tx, err := op(c.Request.Context(), types.ID(id))
	if err != nil {
		writeWalletError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"reservation": toReservationView(res), "transaction": toTransactionView(tx)})
}
