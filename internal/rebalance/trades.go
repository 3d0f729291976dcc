package rebalance

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/wonny/allocator/internal/contracts"
)

// targetUnits converts target weights into whole units. A position whose
// weight did not fall below its held weight keeps at least its held units.
func targetUnits(h *holdings, weights map[contracts.InstrumentID]float64) map[contracts.InstrumentID]int64 {
	out := make(map[contracts.InstrumentID]int64, len(weights))
	for id, w := range weights {
		price := h.prices[id]
		if w <= 0 || price <= 0 {
			continue
		}
		units := int64(math.Floor(h.value*w/price + 1e-6))
		if held := h.units[id]; held > units && w >= h.weight(id, held)-1e-9 {
			units = held
		}
		if units > 0 {
			out[id] = units
		}
	}
	return out
}

// trades turns target weights into sell then buy requests. Buys are trimmed
// one unit at a time, largest amount first, until they fit in cash plus
// sell proceeds.
func trades(h *holdings, weights map[contracts.InstrumentID]float64) ([]contracts.ExecutionRequest, error) {
	target := targetUnits(h, weights)

	ids := make([]contracts.InstrumentID, 0, len(target)+len(h.units))
	seen := make(map[contracts.InstrumentID]bool)
	for _, m := range []map[contracts.InstrumentID]int64{h.units, target} {
		for id := range m {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sells, buys []contracts.ExecutionRequest
	for _, id := range ids {
		delta := target[id] - h.units[id]
		if delta == 0 {
			continue
		}
		req := contracts.ExecutionRequest{
			InstrumentID: id,
			Side:         contracts.OrderSideBuy,
			Units:        delta,
			LimitPrice:   decimal.NewFromFloat(h.prices[id]),
			Status:       contracts.StatusPending,
		}
		if delta < 0 {
			req.Side = contracts.OrderSideSell
			req.Units = -delta
			sells = append(sells, req)
		} else {
			buys = append(buys, req)
		}
	}

	// 매도 대금 + 현금 안에서만 매수
	available := decimal.NewFromFloat(h.goal.Cash)
	for i := range sells {
		available = available.Add(sells[i].Amount())
	}
	spent := decimal.Zero
	for i := range buys {
		spent = spent.Add(buys[i].Amount())
	}
	for spent.GreaterThan(available) {
		k := -1
		for i := range buys {
			if buys[i].Units > 0 && (k < 0 || buys[i].Amount().GreaterThan(buys[k].Amount())) {
				k = i
			}
		}
		if k < 0 {
			break
		}
		buys[k].Units--
		spent = spent.Sub(buys[k].LimitPrice)
	}

	out := sells
	for _, b := range buys {
		if b.Units > 0 {
			out = append(out, b)
		}
	}
	if spent.GreaterThan(available) {
		// 매수를 모두 지워도 출금액을 못 맞춤
		short, _ := spent.Sub(available).Float64()
		return nil, contracts.NewUnsatisfiable("sells leave the goal %.2f short of its pending withdrawal", short)
	}
	return out, nil
}
