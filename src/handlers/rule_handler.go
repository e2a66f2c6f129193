package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/username/landlordly/backend/src/services"
	"github.com/username/landlordly/backend/src/utils"
)

type RuleHandler struct {
	classifier *services.ClassificationService
}

func NewRuleHandler(classifier *services.ClassificationService) *RuleHandler {
	return &RuleHandler{classifier: classifier}
}

func (h *RuleHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.classifier.ListRules(r.Context())
	if err != nil {
		sendServiceError(w, r, err, "Failed to list rules")
		return
	}
	utils.WriteJSON(w, http.StatusOK, rules)
}

// HandleRuleErrors lists enabled rules skipped because their conditions do not parse.
func (h *RuleHandler) HandleRuleErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := h.classifier.RuleErrors(r.Context())
	if err != nil {
		sendServiceError(w, r, err, "Failed to load rule errors")
		return
	}
	utils.WriteJSON(w, http.StatusOK, errs)
}

func (h *RuleHandler) HandleCreateRule(w http.ResponseWriter, r *http.Request) {
	var in services.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rule, err := h.classifier.CreateRule(r.Context(), in)
	if err != nil {
		sendServiceError(w, r, err, "Failed to create rule")
		return
	}
	utils.WriteJSON(w, http.StatusCreated, rule)
}

func (h *RuleHandler) HandleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var in services.RuleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rule, err := h.classifier.UpdateRule(r.Context(), r.PathValue("id"), in)
	if err != nil {
		sendServiceError(w, r, err, "Failed to update rule")
		return
	}
	utils.WriteJSON(w, http.StatusOK, rule)
}

func (h *RuleHandler) HandleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.classifier.DeleteRule(r.Context(), r.PathValue("id")); err != nil {
		sendServiceError(w, r, err, "Failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
