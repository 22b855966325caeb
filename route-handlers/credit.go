package routehandlers

import (
	"net/http"

	"github.com/capsulenote/capsule/ledger"
	"github.com/capsulenote/capsule/webutil"
)

type CreditHandler struct {
	Ledger *ledger.Ledger
}

func NewCreditHandler(creditLedger *ledger.Ledger) *CreditHandler {
	return &CreditHandler{Ledger: creditLedger}
}

type creditBalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int    `json:"balance"`
}

func (h *CreditHandler) HandleGetBalance(w http.ResponseWriter, r *http.Request) error {
	userID := webutil.AuthenticatedUserID(r)
	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		return err
	}
	webutil.RespondWithJSON(w, http.StatusOK, creditBalanceResponse{
		UserID:  balance.UserID,
		Balance: balance.Balance,
	})
	return nil
}
