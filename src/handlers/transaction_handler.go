package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/username/landlordly/backend/src/services"
	"github.com/username/landlordly/backend/src/utils"
)

// TransactionHandler serves classification and ledger import of raw bank transactions.
type TransactionHandler struct {
	classifier *services.ClassificationService
}

func NewTransactionHandler(classifier *services.ClassificationService) *TransactionHandler {
	return &TransactionHandler{classifier: classifier}
}

func (h *TransactionHandler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	res, err := h.classifier.Classify(r.Context(), r.PathValue("id"))
	if err != nil {
		sendServiceError(w, r, err, "Failed to classify transaction")
		return
	}
	utils.WriteJSON(w, http.StatusOK, res)
}

// HandleImport promotes a bank transaction into the ledger. Fields omitted from the body
// are inferred by the matching rules; payerUserId is only set when given.
func (h *TransactionHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	var in services.ImportInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	tx, err := h.classifier.ImportBankTransaction(r.Context(), r.PathValue("id"), in)
	if err != nil {
		sendServiceError(w, r, err, "Failed to import transaction")
		return
	}
	utils.WriteJSON(w, http.StatusCreated, tx)
}
