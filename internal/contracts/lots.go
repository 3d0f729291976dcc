package contracts

import (
	"sort"
	"time"
)

// Lot is a tax lot: units of one instrument bought together
type Lot struct {
	ID           string       `json:"id"`
	GoalID       string       `json:"goal_id"`
	InstrumentID InstrumentID `json:"instrument_id"`
	Quantity     int64        `json:"quantity"`
	Price        float64      `json:"price"` // 취득 단가
	AcquiredAt   time.Time    `json:"acquired_at"`
}

// ShortTerm reports whether the lot was bought less than holding ago
func (l Lot) ShortTerm(asOf time.Time, holding time.Duration) bool {
	return asOf.Sub(l.AcquiredAt) < holding
}

// UnitsByInstrument sums lot quantities per instrument
func UnitsByInstrument(lots []Lot) map[InstrumentID]int64 {
	out := make(map[InstrumentID]int64)
	for _, l := range lots {
		out[l.InstrumentID] += l.Quantity
	}
	return out
}

// WeightsHeldSince returns, per instrument, the value share of units acquired
// after cutoff relative to goalValue.
func WeightsHeldSince(lots []Lot, prices map[InstrumentID]float64, goalValue float64, cutoff time.Time) map[InstrumentID]float64 {
	out := make(map[InstrumentID]float64)
	if goalValue <= 0 {
		return out
	}
	for _, l := range lots {
		if !l.AcquiredAt.After(cutoff) || l.Quantity <= 0 {
			continue
		}
		out[l.InstrumentID] += float64(l.Quantity) * prices[l.InstrumentID] / goalValue
	}
	return out
}

// SellFIFO removes qty units of an instrument oldest lot first. Lots are never
// driven negative and emptied lots are dropped. The input is not modified.
func SellFIFO(lots []Lot, id InstrumentID, qty int64) []Lot {
	out := make([]Lot, len(lots))
	copy(out, lots)

	order := make([]int, 0)
	for i, l := range out {
		if l.InstrumentID == id {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		la, lb := out[order[a]], out[order[b]]
		if !la.AcquiredAt.Equal(lb.AcquiredAt) {
			return la.AcquiredAt.Before(lb.AcquiredAt)
		}
		return la.ID < lb.ID
	})

	for _, i := range order {
		if qty <= 0 {
			break
		}
		take := out[i].Quantity
		if take > qty {
			take = qty
		}
		out[i].Quantity -= take
		qty -= take
	}

	kept := out[:0]
	for _, l := range out {
		if l.Quantity > 0 {
			kept = append(kept, l)
		}
	}
	return kept
}
