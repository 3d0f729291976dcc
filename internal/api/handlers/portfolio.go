package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/optconfig"
	"github.com/wonny/allocator/internal/portfolio"
	"github.com/wonny/allocator/pkg/logger"
)

// ResultStore persists calculated portfolios
type ResultStore interface {
	SaveResult(ctx context.Context, settingsID string, result *contracts.PortfolioResult) (string, error)
	SaveSweep(ctx context.Context, settingsID string, points []portfolio.SweepPoint) (string, error)
	GetLatestResult(ctx context.Context, settingsID string) (*contracts.PortfolioResult, error)
}

// PortfolioHandler handles portfolio calculation endpoints
// ⭐ SSOT: 포트폴리오 API 핸들러는 이 구조체에서만
type PortfolioHandler struct {
	universe UniverseSource
	data     contracts.DataProvider
	calc     *portfolio.Calculator
	results  ResultStore
	logger   *logger.Logger
}

// NewPortfolioHandler creates a new portfolio handler
func NewPortfolioHandler(
	universe UniverseSource,
	data contracts.DataProvider,
	calc *portfolio.Calculator,
	results ResultStore,
	log *logger.Logger,
) *PortfolioHandler {
	return &PortfolioHandler{
		universe: universe,
		data:     data,
		calc:     calc,
		results:  results,
		logger:   log,
	}
}

// CalculateRequest represents a portfolio calculation request
type CalculateRequest struct {
	Settings *contracts.Settings `json:"settings"`
	Budget   float64             `json:"budget"`
	Save     bool                `json:"save"` // Optional: persist the result
}

// CalculateResponse is a calculated portfolio with its stored id
type CalculateResponse struct {
	ID     string                     `json:"id,omitempty"`
	Result *contracts.PortfolioResult `json:"result"`
}

// SweepPointResponse is one risk score of a sweep
type SweepPointResponse struct {
	RiskScore float64                    `json:"risk_score"`
	Feasible  bool                       `json:"feasible"`
	Result    *contracts.PortfolioResult `json:"result,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

// SweepResponse is the full 0.00 ~ 1.00 sweep
type SweepResponse struct {
	ID     string               `json:"id,omitempty"`
	Points []SweepPointResponse `json:"points"`
}

func (req *CalculateRequest) validate() error {
	if req.Settings == nil {
		return optconfig.ValidationError{Field: "settings", Message: "required"}
	}
	if req.Budget < 0 {
		return optconfig.ValidationError{Field: "budget", Message: "must be >= 0"}
	}
	return optconfig.ValidateSettings(req.Settings)
}

// Calculate returns the orderable portfolio for the given settings
// POST /api/portfolios/calculate
func (h *PortfolioHandler) Calculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CalculateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondEngineError(w, err)
		return
	}

	u, err := h.universe.Instruments(ctx, h.data)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get universe")
		respondEngineError(w, err)
		return
	}

	result, err := h.calc.Calculate(ctx, req.Settings, u, req.Budget, h.data)
	if err != nil {
		h.logger.WithError(err).WithField("settings", req.Settings.ID).Warn("Calculation failed")
		respondEngineError(w, err)
		return
	}

	resp := CalculateResponse{Result: result}
	if req.Save {
		resp.ID, err = h.results.SaveResult(ctx, req.Settings.ID, result)
		if err != nil {
			h.logger.WithError(err).Error("Failed to save result")
			respondError(w, http.StatusInternalServerError, "Failed to save result")
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// Sweep calculates the portfolio for every risk score 0.00 ~ 1.00
// POST /api/portfolios/sweep
func (h *PortfolioHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CalculateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondEngineError(w, err)
		return
	}

	u, err := h.universe.Instruments(ctx, h.data)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get universe")
		respondEngineError(w, err)
		return
	}

	points, err := h.calc.Sweep(ctx, req.Settings, u, req.Budget, h.data)
	if err != nil {
		h.logger.WithError(err).WithField("settings", req.Settings.ID).Warn("Sweep failed")
		respondEngineError(w, err)
		return
	}

	resp := SweepResponse{Points: make([]SweepPointResponse, len(points))}
	for i, p := range points {
		resp.Points[i] = SweepPointResponse{RiskScore: p.RiskScore, Feasible: p.Feasible(), Result: p.Result}
		if p.Err != nil {
			resp.Points[i].Error = p.Err.Error()
		}
	}

	if req.Save {
		resp.ID, err = h.results.SaveSweep(ctx, req.Settings.ID, points)
		if err != nil {
			h.logger.WithError(err).Error("Failed to save sweep")
			respondError(w, http.StatusInternalServerError, "Failed to save sweep")
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetLatest returns the last saved portfolio of a settings id
// GET /api/portfolios/{settingsID}/latest
func (h *PortfolioHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	settingsID := mux.Vars(r)["settingsID"]

	result, err := h.results.GetLatestResult(r.Context(), settingsID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// GetUniverse returns today's universe snapshot
// GET /api/universe
func (h *PortfolioHandler) GetUniverse(w http.ResponseWriter, r *http.Request) {
	u, err := h.universe.Instruments(r.Context(), h.data)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get universe")
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, u)
}
