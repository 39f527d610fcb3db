package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tunerhub/models"
	"tunerhub/services/guide"
	"tunerhub/services/hdhr"
)

type ruleBroker interface {
	Rules(ctx context.Context) ([]models.RecordingRule, error)
	AddRule(ctx context.Context, change hdhr.RuleChange) ([]models.RecordingRule, error)
	ChangeRule(ctx context.Context, change hdhr.RuleChange) ([]models.RecordingRule, error)
	DeleteRule(ctx context.Context, ruleID string) error
}

// RulesHandler exposes recording-rule CRUD. Mutations go to the vendor
// cloud first; appliances are told to resync after the cloud accepts.
type RulesHandler struct {
	rules ruleBroker
}

var _ ruleBroker = (*guide.Service)(nil)

func NewRulesHandler(rules ruleBroker) *RulesHandler {
	return &RulesHandler{rules: rules}
}

// ruleChangeRequest mirrors the vendor cloud's field names so clients can
// submit exactly what the cloud documents. Timestamps are epoch seconds,
// the cloud's wire convention.
type ruleChangeRequest struct {
	SeriesID                 string `json:"SeriesID"`
	ChannelOnly              string `json:"ChannelOnly"`
	TeamOnly                 string `json:"TeamOnly"`
	RecentOnly               bool   `json:"RecentOnly"`
	AfterOriginalAirdateOnly int64  `json:"AfterOriginalAirdateOnly"`
	DateTimeOnly             int64  `json:"DateTimeOnly"`
	Priority                 int    `json:"Priority"`
	StartPadding             int    `json:"StartPadding"`
	EndPadding               int    `json:"EndPadding"`
	AfterRecordingRuleID     string `json:"AfterRecordingRuleID"`
}

func (req ruleChangeRequest) change() hdhr.RuleChange {
	change := hdhr.RuleChange{
		SeriesID:             req.SeriesID,
		ChannelOnly:          req.ChannelOnly,
		TeamOnly:             req.TeamOnly,
		RecentOnly:           req.RecentOnly,
		Priority:             req.Priority,
		StartPadding:         req.StartPadding,
		EndPadding:           req.EndPadding,
		AfterRecordingRuleID: req.AfterRecordingRuleID,
	}
	if req.AfterOriginalAirdateOnly > 0 {
		change.AfterOriginalAirdateOnly = time.Unix(req.AfterOriginalAirdateOnly, 0).UTC()
	}
	if req.DateTimeOnly > 0 {
		change.DateTimeOnly = time.Unix(req.DateTimeOnly, 0).UTC()
	}
	return change
}

// List returns the mirrored rule set, reconciled against the cloud.
func (h *RulesHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.Rules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

// Add creates a rule and returns the refreshed rule set.
func (h *RulesHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req ruleChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SeriesID == "" {
		writeError(w, fmt.Errorf("%w: SeriesID is required", models.ErrInvalidArgument))
		return
	}

	rules, err := h.rules.AddRule(r.Context(), req.change())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rules)
}

// Change updates the rule named in the path and returns the refreshed set.
func (h *RulesHandler) Change(w http.ResponseWriter, r *http.Request) {
	var req ruleChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	change := req.change()
	change.RecordingRuleID = mux.Vars(r)["ruleID"]

	rules, err := h.rules.ChangeRule(r.Context(), change)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rules)
}

// Delete removes a rule from the cloud and the local mirror.
func (h *RulesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.DeleteRule(r.Context(), mux.Vars(r)["ruleID"]); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
