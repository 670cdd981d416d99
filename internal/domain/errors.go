package domain

import "fmt"

// InsufficientStockError carries the machine-readable shortfall list so the
// caller can offer a remedy (transfer or purchase decision) instead of a bare
// message.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	if len(e.Shortfalls) == 1 {
		s := e.Shortfalls[0]
		return fmt.Sprintf("insufficient stock: variant %d requested %d, available %d", s.VariantID, s.Requested, s.Available)
	}
	return fmt.Sprintf("insufficient stock for %d variants", len(e.Shortfalls))
}
