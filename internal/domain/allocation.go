package domain

import (
	"sort"
	"time"
)

// BackorderLine is the slice of an order line the allocation planner needs:
// outstanding backorder demand plus its ordering keys.
type BackorderLine struct {
	LineID            int64
	OrderID           int64
	StoreID           int64
	VariantID         int64
	Priority          Priority
	OrderCreatedAt    time.Time
	Quantity          int
	FulfilledQuantity int
}

func (l BackorderLine) Outstanding() int {
	remaining := l.Quantity - l.FulfilledQuantity
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Allocation is one planner decision: award Quantity units to the line,
// marking it fulfilled when its demand is met.
type Allocation struct {
	LineID    int64
	OrderID   int64
	Quantity  int
	Fulfilled bool
}

// PlanAllocation walks outstanding backorder demand in priority order,
// awarding min(remaining demand, remaining supply) to each line until supply
// runs out. Ordering: priority tier descending, then order creation time
// ascending, then line id ascending as a stable final tie-break. The walk is
// pure; persisting the plan atomically is the store's job.
func PlanAllocation(lines []BackorderLine, supply int) []Allocation {
	if supply <= 0 || len(lines) == 0 {
		return nil
	}

	ordered := make([]BackorderLine, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority.Rank() != ordered[j].Priority.Rank() {
			return ordered[i].Priority.Rank() > ordered[j].Priority.Rank()
		}
		if !ordered[i].OrderCreatedAt.Equal(ordered[j].OrderCreatedAt) {
			return ordered[i].OrderCreatedAt.Before(ordered[j].OrderCreatedAt)
		}
		return ordered[i].LineID < ordered[j].LineID
	})

	remaining := supply
	plan := make([]Allocation, 0, len(ordered))
	for _, line := range ordered {
		if remaining == 0 {
			break
		}
		demand := line.Outstanding()
		if demand == 0 {
			continue
		}
		award := demand
		if award > remaining {
			award = remaining
		}
		plan = append(plan, Allocation{
			LineID:    line.LineID,
			OrderID:   line.OrderID,
			Quantity:  award,
			Fulfilled: line.FulfilledQuantity+award >= line.Quantity,
		})
		remaining -= award
	}
	return plan
}

// AllocationLineReport summarizes one purchase line after completion.
type AllocationLineReport struct {
	VariantID int64        `json:"variant_id"`
	StoreID   int64        `json:"store_id"`
	Received  int          `json:"received"`
	Allocated int          `json:"allocated"`
	Free      int          `json:"free"`
	Awards    []Allocation `json:"awards,omitempty"`
}

// AllocationReport is the synchronous result of completing a purchase.
type AllocationReport struct {
	PurchaseID int64                  `json:"purchase_id"`
	Lines      []AllocationLineReport `json:"lines"`
}
