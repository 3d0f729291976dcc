package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/wonny/allocator/internal/contracts"
	"github.com/wonny/allocator/internal/rebalance"
	"github.com/wonny/allocator/pkg/logger"
)

// GoalHandler handles rebalance endpoints of existing goals
type GoalHandler struct {
	universe UniverseSource
	data     contracts.DataProvider
	exec     contracts.ExecutionProvider
	policy   *rebalance.Policy
	logger   *logger.Logger
}

// NewGoalHandler creates a new goal handler
func NewGoalHandler(
	universe UniverseSource,
	data contracts.DataProvider,
	exec contracts.ExecutionProvider,
	policy *rebalance.Policy,
	log *logger.Logger,
) *GoalHandler {
	return &GoalHandler{
		universe: universe,
		data:     data,
		exec:     exec,
		policy:   policy,
		logger:   log,
	}
}

// RemovalResponse is a lot released from the held floors
type RemovalResponse struct {
	LotID        string                 `json:"lot_id"`
	InstrumentID contracts.InstrumentID `json:"instrument_id"`
	Units        int64                  `json:"units"`
	Bucket       string                 `json:"bucket"`
}

// PlanResponse is a rebalance plan, with the recorded order when not a dry run
type PlanResponse struct {
	GoalID   string                             `json:"goal_id"`
	Reason   contracts.RebalanceReason          `json:"reason"`
	Value    float64                            `json:"value"`
	DryRun   bool                               `json:"dry_run"`
	Result   *contracts.PortfolioResult         `json:"result,omitempty"`
	Weights  map[contracts.InstrumentID]float64 `json:"weights"`
	Removed  []RemovalResponse                  `json:"removed,omitempty"`
	Requests []contracts.ExecutionRequest       `json:"requests"`
	Order    *contracts.MarketOrder             `json:"order,omitempty"`
}

func newPlanResponse(plan *rebalance.Plan, dryRun bool) PlanResponse {
	resp := PlanResponse{
		GoalID:   plan.GoalID,
		Reason:   plan.Reason,
		Value:    plan.Value,
		DryRun:   dryRun,
		Result:   plan.Result,
		Weights:  plan.Weights,
		Requests: plan.Requests,
		Order:    plan.Order,
	}
	if resp.Requests == nil {
		resp.Requests = []contracts.ExecutionRequest{}
	}
	for _, r := range plan.Removed {
		resp.Removed = append(resp.Removed, RemovalResponse{
			LotID:        r.LotID,
			InstrumentID: r.InstrumentID,
			Units:        r.Units,
			Bucket:       r.Bucket.String(),
		})
	}
	return resp
}

// Rebalance plans a goal and records the orders unless dry_run is set
// POST /api/goals/{goalID}/rebalance?dry_run=true
func (h *GoalHandler) Rebalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	goalID := mux.Vars(r)["goalID"]

	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		dryRun = parsed
	}

	goal, err := h.exec.GetGoal(ctx, goalID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	u, err := h.universe.Instruments(ctx, h.data)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get universe")
		respondEngineError(w, err)
		return
	}

	var plan *rebalance.Plan
	if dryRun {
		plan, err = h.policy.Plan(ctx, goal, u)
	} else {
		plan, err = h.policy.Rebalance(ctx, goal, u)
	}
	if err != nil {
		h.logger.WithError(err).WithField("goal", goalID).Warn("Rebalance failed")
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, newPlanResponse(plan, dryRun))
}
