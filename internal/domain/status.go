package domain

import (
	"fmt"
	"strings"
)

type PurchaseStatus string

const (
	PurchasePending           PurchaseStatus = "pending"
	PurchaseConfirmed         PurchaseStatus = "confirmed"
	PurchaseInTransit         PurchaseStatus = "in_transit"
	PurchaseReceived          PurchaseStatus = "received"
	PurchasePartiallyReceived PurchaseStatus = "partially_received"
	PurchaseCompleted         PurchaseStatus = "completed"
	PurchaseCancelled         PurchaseStatus = "cancelled"
)

// purchaseTransitions is the full legality table for purchase statuses.
// completed and cancelled are terminal. If a transition out of completed is
// ever added it must symmetrically reverse the ledger additions made when
// completing.
var purchaseTransitions = map[PurchaseStatus][]PurchaseStatus{
	PurchasePending:           {PurchaseConfirmed, PurchaseCancelled},
	PurchaseConfirmed:         {PurchaseInTransit, PurchaseCancelled},
	PurchaseInTransit:         {PurchaseReceived, PurchasePartiallyReceived},
	PurchasePartiallyReceived: {PurchaseReceived},
	PurchaseReceived:          {PurchaseCompleted},
	PurchaseCompleted:         {},
	PurchaseCancelled:         {},
}

func (s PurchaseStatus) Valid() bool {
	_, ok := purchaseTransitions[s]
	return ok
}

func (s PurchaseStatus) CanTransition(to PurchaseStatus) bool {
	for _, next := range purchaseTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func AllowedTransitions(s PurchaseStatus) []PurchaseStatus {
	next := purchaseTransitions[s]
	out := make([]PurchaseStatus, len(next))
	copy(out, next)
	return out
}

// TransitionError reports an illegal purchase status transition together
// with the states that would have been legal.
type TransitionError struct {
	From    PurchaseStatus
	To      PurchaseStatus
	Allowed []PurchaseStatus
}

func (e *TransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("illegal status transition %s -> %s: %s is terminal", e.From, e.To, e.From)
	}
	names := make([]string, 0, len(e.Allowed))
	for _, s := range e.Allowed {
		names = append(names, string(s))
	}
	return fmt.Sprintf("illegal status transition %s -> %s: allowed next states are %s", e.From, e.To, strings.Join(names, ", "))
}

func NewTransitionError(from, to PurchaseStatus) *TransitionError {
	return &TransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
}
