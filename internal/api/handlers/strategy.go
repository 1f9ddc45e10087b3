package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wonny/factorscreen/internal/contracts"
	"github.com/wonny/factorscreen/internal/requirement"
	"github.com/wonny/factorscreen/pkg/logger"
)

// StrategyCatalog lists and loads strategies
type StrategyCatalog interface {
	Load(ctx context.Context, id string) (*contracts.Strategy, error)
	List(ctx context.Context) ([]string, error)
}

// StrategyHandler serves strategy inspection endpoints
type StrategyHandler struct {
	catalog  StrategyCatalog
	analyzer *requirement.Analyzer
	logger   *logger.Logger
}

// NewStrategyHandler creates a new strategy handler
func NewStrategyHandler(catalog StrategyCatalog, analyzer *requirement.Analyzer, log *logger.Logger) *StrategyHandler {
	return &StrategyHandler{catalog: catalog, analyzer: analyzer, logger: log}
}

// List returns the strategy ids
// GET /api/strategies
func (h *StrategyHandler) List(w http.ResponseWriter, r *http.Request) {
	ids, err := h.catalog.List(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list strategies")
		respondError(w, http.StatusInternalServerError, "Failed to list strategies")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": ids,
		"count":      len(ids),
	})
}

// Requirements returns the data a strategy needs, without fetching anything
// GET /api/strategies/{id}/requirements
func (h *StrategyHandler) Requirements(w http.ResponseWriter, r *http.Request) {
	s, err := h.catalog.Load(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	analysis := h.analyzer.Analyze(s.Factors)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"strategy_id":   s.ID,
		"requirement":   analysis.Requirement,
		"per_factor":    analysis.PerFactor,
		"warnings":      analysis.Warnings,
		"lookback_days": s.MaxLookback(),
	})
}
