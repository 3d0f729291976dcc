package handlers

import (
	"net/http"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/markowitz"
	"github.com/wonny/allocator/pkg/logger"
)

// MarkowitzHandler exposes the λ scale calibration
type MarkowitzHandler struct {
	universe   UniverseSource
	data       contracts.DataProvider
	calibrator *markowitz.Calibrator
	logger     *logger.Logger
}

// NewMarkowitzHandler creates a new calibration handler
func NewMarkowitzHandler(universe UniverseSource, data contracts.DataProvider, calibrator *markowitz.Calibrator, log *logger.Logger) *MarkowitzHandler {
	return &MarkowitzHandler{universe: universe, data: data, calibrator: calibrator, logger: log}
}

// GetScale returns the stored scale
// GET /api/markowitz/scale
func (h *MarkowitzHandler) GetScale(w http.ResponseWriter, r *http.Request) {
	scale, err := h.data.GetMarkowitzScale(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, scale)
}

// Calibrate recomputes and stores the scale for today's universe
// POST /api/markowitz/calibrate
func (h *MarkowitzHandler) Calibrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	u, err := h.universe.Instruments(ctx, h.data)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get universe")
		respondEngineError(w, err)
		return
	}

	scale, err := h.calibrator.Run(ctx, u, h.data)
	if err != nil {
		h.logger.WithError(err).Error("Calibration failed")
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, scale)
}
