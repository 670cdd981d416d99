package domain

import (
	"testing"
	"time"
)

func backorder(lineID int64, priority Priority, createdAt time.Time, qty int, fulfilled int) BackorderLine {
	return BackorderLine{
		LineID:            lineID,
		OrderID:           lineID * 10,
		StoreID:           1,
		VariantID:         7,
		Priority:          priority,
		OrderCreatedAt:    createdAt,
		Quantity:          qty,
		FulfilledQuantity: fulfilled,
	}
}

func TestPlanAllocationPriorityBeatsAge(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lines := []BackorderLine{
		backorder(1, PriorityNormal, base, 8, 0),
		backorder(2, PriorityUrgent, base.Add(48*time.Hour), 5, 0),
	}

	plan := PlanAllocation(lines, 10)
	if len(plan) != 2 {
		t.Fatalf("expected 2 awards, got %d", len(plan))
	}
	if plan[0].LineID != 2 || plan[0].Quantity != 5 || !plan[0].Fulfilled {
		t.Fatalf("urgent line should be served first and fully: %+v", plan[0])
	}
	if plan[1].LineID != 1 || plan[1].Quantity != 5 || plan[1].Fulfilled {
		t.Fatalf("older normal line should get the remainder partially: %+v", plan[1])
	}
}

func TestPlanAllocationAgeBreaksPriorityTie(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lines := []BackorderLine{
		backorder(5, PriorityHigh, base.Add(time.Hour), 4, 0),
		backorder(3, PriorityHigh, base, 4, 0),
	}

	plan := PlanAllocation(lines, 4)
	if len(plan) != 1 {
		t.Fatalf("expected 1 award, got %d", len(plan))
	}
	if plan[0].LineID != 3 {
		t.Fatalf("older order must win the tie, got line %d", plan[0].LineID)
	}
}

func TestPlanAllocationLineIDBreaksFullTie(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lines := []BackorderLine{
		backorder(9, PriorityNormal, base, 2, 0),
		backorder(4, PriorityNormal, base, 2, 0),
	}

	plan := PlanAllocation(lines, 2)
	if plan[0].LineID != 4 {
		t.Fatalf("lower line id must win the full tie, got %d", plan[0].LineID)
	}
}

func TestPlanAllocationSkipsSatisfiedDemand(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lines := []BackorderLine{
		backorder(1, PriorityUrgent, base, 3, 3),
		backorder(2, PriorityNormal, base, 5, 2),
	}

	plan := PlanAllocation(lines, 10)
	if len(plan) != 1 {
		t.Fatalf("expected 1 award, got %d", len(plan))
	}
	if plan[0].LineID != 2 || plan[0].Quantity != 3 || !plan[0].Fulfilled {
		t.Fatalf("partially fulfilled line should receive its outstanding 3: %+v", plan[0])
	}
}

func TestPlanAllocationNeverOverAllocates(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lines := []BackorderLine{
		backorder(1, PriorityUrgent, base, 6, 0),
		backorder(2, PriorityHigh, base, 6, 0),
		backorder(3, PriorityNormal, base, 6, 0),
	}

	plan := PlanAllocation(lines, 10)
	total := 0
	for _, award := range plan {
		total += award.Quantity
	}
	if total != 10 {
		t.Fatalf("awards must sum to supply, got %d", total)
	}
	if plan[0].Quantity != 6 || plan[1].Quantity != 4 {
		t.Fatalf("unexpected awards %+v", plan)
	}
}

func TestPlanAllocationEmptyInputs(t *testing.T) {
	if plan := PlanAllocation(nil, 5); plan != nil {
		t.Fatalf("no demand should produce no plan")
	}
	base := time.Now().UTC()
	if plan := PlanAllocation([]BackorderLine{backorder(1, PriorityNormal, base, 2, 0)}, 0); plan != nil {
		t.Fatalf("no supply should produce no plan")
	}
}
