package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/username/landlordly/backend/src/logger"
	"github.com/username/landlordly/backend/src/model"
	"github.com/username/landlordly/backend/src/services"
	"github.com/username/landlordly/backend/src/utils"
)

type PropertyHandler struct {
	ledger *services.LedgerService
}

func NewPropertyHandler(ledger *services.LedgerService) *PropertyHandler {
	return &PropertyHandler{ledger: ledger}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// parseOptionalDate defaults to today when the field is omitted.
func parseOptionalDate(w http.ResponseWriter, field, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Now().UTC().Truncate(24 * time.Hour), true
	}
	d, err := utils.ParseDate(raw)
	if err != nil {
		utils.SendJSONError(w, fmt.Sprintf("%s: %v", field, err), http.StatusBadRequest)
		return time.Time{}, false
	}
	return d, true
}

func (h *PropertyHandler) HandleCreateProperty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := h.ledger.CreateProperty(r.Context(), req.Name, req.Address)
	if err != nil {
		sendServiceError(w, r, err, "Failed to create property")
		return
	}
	utils.WriteJSON(w, http.StatusCreated, p)
}

func (h *PropertyHandler) HandleListProperties(w http.ResponseWriter, r *http.Request) {
	props, err := h.ledger.ListProperties(r.Context())
	if err != nil {
		sendServiceError(w, r, err, "Failed to list properties")
		return
	}
	if props == nil {
		props = []model.Property{}
	}
	utils.WriteJSON(w, http.StatusOK, props)
}

func (h *PropertyHandler) HandleGetProperty(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.GetProperty(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err, "Failed to load property")
		return
	}
	utils.WriteJSON(w, http.StatusOK, p)
}

// --- ownership

func (h *PropertyHandler) HandleListOwnership(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.ListOwnership(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err, "Failed to list ownership")
		return
	}
	if records == nil {
		records = []model.OwnershipRecord{}
	}
	utils.WriteJSON(w, http.StatusOK, records)
}

// HandleReplaceOwnership sets the full owner list of a property in one request.
func (h *PropertyHandler) HandleReplaceOwnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owners []services.OwnerShare `json:"owners"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	records, err := h.ledger.SetPropertyOwnership(r.Context(), r.PathValue("id"), req.Owners)
	if err != nil {
		sendServiceError(w, r, err, "Failed to update ownership")
		return
	}
	utils.WriteJSON(w, http.StatusOK, records)
}

type ownershipRequest struct {
	UserID     string          `json:"userId"`
	Percentage decimal.Decimal `json:"percentage"`
}

func (h *PropertyHandler) HandleAddOwner(w http.ResponseWriter, r *http.Request) {
	var req ownershipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.ledger.SetOwnership(r.Context(), services.OwnershipInput{
		PropertyID: r.PathValue("id"),
		UserID:     req.UserID,
		Percentage: req.Percentage,
	})
	if err != nil {
		sendServiceError(w, r, err, "Failed to add owner")
		return
	}
	utils.WriteJSON(w, http.StatusCreated, rec)
}

func (h *PropertyHandler) HandleUpdateOwnership(w http.ResponseWriter, r *http.Request) {
	var req ownershipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.ledger.SetOwnership(r.Context(), services.OwnershipInput{
		RecordID:   r.PathValue("recordId"),
		PropertyID: r.PathValue("id"),
		UserID:     req.UserID,
		Percentage: req.Percentage,
	})
	if err != nil {
		sendServiceError(w, r, err, "Failed to update ownership")
		return
	}
	utils.WriteJSON(w, http.StatusOK, rec)
}

func (h *PropertyHandler) HandleRemoveOwner(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.RemoveOwnership(r.Context(), r.PathValue("id"), r.PathValue("userId")); err != nil {
		sendServiceError(w, r, err, "Failed to remove owner")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- transactions

type transactionRequest struct {
	LeaseID     *string               `json:"leaseId"`
	Type        string                `json:"type"`
	Category    string                `json:"category"`
	Amount      decimal.Decimal       `json:"amount"`
	Currency    string                `json:"currency"`
	Date        string                `json:"date"`
	Description string                `json:"description"`
	PayerUserID *string               `json:"payerUserId"`
	Splits      []services.SplitInput `json:"splits"`
}

func (h *PropertyHandler) HandleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	date, ok := parseOptionalDate(w, "date", req.Date)
	if !ok {
		return
	}
	tx, err := h.ledger.RecordTransaction(r.Context(), services.TransactionInput{
		PropertyID:  r.PathValue("id"),
		LeaseID:     req.LeaseID,
		Type:        req.Type,
		Category:    req.Category,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Date:        date,
		Description: req.Description,
		PayerUserID: req.PayerUserID,
		Splits:      req.Splits,
	})
	if err != nil {
		sendServiceError(w, r, err, "Failed to record transaction")
		return
	}
	utils.WriteJSON(w, http.StatusCreated, tx)
}

func (h *PropertyHandler) HandleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.ledger.ListTransactions(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err, "Failed to list transactions")
		return
	}
	if txs == nil {
		txs = []model.LedgerTransaction{}
	}
	utils.WriteJSON(w, http.StatusOK, txs)
}

// --- settlements

func (h *PropertyHandler) HandleRecordSettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromUserID string          `json:"fromUserId"`
		ToUserID   string          `json:"toUserId"`
		Amount     decimal.Decimal `json:"amount"`
		Date       string          `json:"date"`
		Notes      string          `json:"notes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	date, ok := parseOptionalDate(w, "date", req.Date)
	if !ok {
		return
	}
	res, err := h.ledger.RecordSettlement(r.Context(), services.SettlementInput{
		PropertyID: r.PathValue("id"),
		FromUserID: req.FromUserID,
		ToUserID:   req.ToUserID,
		Amount:     req.Amount,
		Date:       date,
		Notes:      req.Notes,
	})
	if err != nil {
		sendServiceError(w, r, err, "Failed to record settlement")
		return
	}
	utils.WriteJSON(w, http.StatusCreated, res)
}

func (h *PropertyHandler) HandleListSettlements(w http.ResponseWriter, r *http.Request) {
	settlements, err := h.ledger.ListSettlements(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err, "Failed to list settlements")
		return
	}
	if settlements == nil {
		settlements = []model.Settlement{}
	}
	utils.WriteJSON(w, http.StatusOK, settlements)
}

// --- balances

// HandleGetBalances returns who owes whom on a property. Responses carry an ETag so
// clients polling the dashboard get 304 until a transaction or settlement changes it.
func (h *PropertyHandler) HandleGetBalances(w http.ResponseWriter, r *http.Request) {
	propertyID := r.PathValue("id")
	l := logger.FromContext(r.Context())

	balances, err := h.ledger.GetPropertyBalances(r.Context(), propertyID)
	if err != nil {
		sendServiceError(w, r, err, "Failed to calculate balances")
		return
	}
	if balances == nil {
		balances = []services.PairBalance{}
	}

	w.Header().Set("Cache-Control", "no-cache, private")

	etag, etagErr := utils.GenerateETag(balances)
	if etagErr != nil {
		l.Warn("Proceeding without ETag check", "propertyID", propertyID, "error", etagErr)
	} else {
		w.Header().Set("ETag", fmt.Sprintf("%q", etag))
		if utils.ETagMatches(r, etag) {
			l.Debug("ETag match for balances", "propertyID", propertyID)
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, balances)
}

func (h *PropertyHandler) HandleGetPairBalance(w http.ResponseWriter, r *http.Request) {
	userA, userB := r.PathValue("userA"), r.PathValue("userB")
	balance, err := h.ledger.CalculatePairwiseBalance(r.Context(), r.PathValue("id"), userA, userB)
	if err != nil {
		sendServiceError(w, r, err, "Failed to calculate balance")
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"userA":   userA,
		"userB":   userB,
		"balance": balance,
	})
}
