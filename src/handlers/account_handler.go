package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/username/landlordly/backend/src/services"
	"github.com/username/landlordly/backend/src/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type AccountHandler struct {
	accounts *services.AccountService
}

func NewAccountHandler(accounts *services.AccountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

func (h *AccountHandler) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		sendServiceError(w, r, err, "Failed to list accounts")
		return
	}
	utils.WriteJSON(w, http.StatusOK, accounts)
}

func (h *AccountHandler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err, "Failed to load account")
		return
	}
	utils.WriteJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) HandleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SyncEnabled  *bool   `json:"syncEnabled"`
		SyncFromDate *string `json:"syncFromDate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var from *time.Time
	if body.SyncFromDate != nil {
		t, err := utils.ParseDate(*body.SyncFromDate)
		if err != nil {
			utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		from = &t
	}
	account, err := h.accounts.UpdateSettings(r.Context(), r.PathValue("id"), body.SyncEnabled, from)
	if err != nil {
		sendServiceError(w, r, err, "Failed to update account")
		return
	}
	utils.WriteJSON(w, http.StatusOK, account)
}

func (h *AccountHandler) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Delete(r.Context(), r.PathValue("id")); err != nil {
		sendServiceError(w, r, err, "Failed to delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountHandler) HandleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.accounts.ListSyncRuns(r.Context(), r.PathValue("id"), listLimit(r))
	if err != nil {
		sendServiceError(w, r, err, "Failed to list sync runs")
		return
	}
	utils.WriteJSON(w, http.StatusOK, runs)
}

func (h *AccountHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.accounts.ListTransactions(r.Context(), r.PathValue("id"), listLimit(r))
	if err != nil {
		sendServiceError(w, r, err, "Failed to list transactions")
		return
	}
	utils.WriteJSON(w, http.StatusOK, txs)
}

// listLimit reads ?limit=, clamped to (0, maxListLimit].
func listLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
