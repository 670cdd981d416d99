package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
	"github.com/lomismoney/Mir01-sub000/internal/money"
	"github.com/lomismoney/Mir01-sub000/internal/store"
	"github.com/lomismoney/Mir01-sub000/internal/xid"
)

type PurchaseLineInput struct {
	VariantID int64 `json:"variant_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
	CostCents int64 `json:"cost_cents" validate:"gte=0"`
}

type CreatePurchaseInput struct {
	StoreID       int64               `json:"store_id"`
	ShippingCents int64               `json:"shipping_cents" validate:"gte=0"`
	Lines         []PurchaseLineInput `json:"lines" validate:"required,min=1,dive"`
}

// CreatePurchase records a pending purchase. Shipping cost is spread across
// lines proportionally to line value (cost times quantity); the remainder
// lands on the last weighted line so the parts always sum to the total.
func (s *Service) CreatePurchase(ctx context.Context, input CreatePurchaseInput) (*domain.Purchase, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, store.ErrInvalidInput
	}
	storeID, err := s.resolveStore(ctx, input.StoreID)
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	weights := make([]int64, len(input.Lines))
	var total int64
	for i, line := range input.Lines {
		if _, err := s.repo.GetVariant(ctx, line.VariantID); err != nil {
			return nil, err
		}
		// Shipping follows line value, not unit count.
		weights[i] = int64(line.Quantity) * line.CostCents
		total += int64(line.Quantity) * line.CostCents
	}
	shippingShares := money.Allocate(input.ShippingCents, weights)

	purchase := domain.Purchase{
		OrderNumber:   xid.New("PO"),
		StoreID:       storeID,
		Status:        domain.PurchasePending,
		ShippingCents: input.ShippingCents,
		TotalCents:    total + input.ShippingCents,
		CreatedBy:     actor.Name,
		PurchasedAt:   time.Now().UTC(),
	}
	for i, line := range input.Lines {
		purchase.Lines = append(purchase.Lines, domain.PurchaseLine{
			VariantID:              line.VariantID,
			Quantity:               line.Quantity,
			CostCents:              line.CostCents,
			AllocatedShippingCents: shippingShares[i],
		})
	}

	created, err := s.repo.CreatePurchase(ctx, purchase)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"event":        "purchase.created",
		"order_number": created.OrderNumber,
		"store":        created.StoreID,
		"total_cents":  created.TotalCents,
		"actor":        actor.Name,
	}).Info("purchase created")
	return created, nil
}

func (s *Service) GetPurchase(ctx context.Context, id int64) (*domain.Purchase, error) {
	return s.repo.GetPurchase(ctx, id)
}

func (s *Service) ListPurchases(ctx context.Context, storeID int64, status domain.PurchaseStatus, limit int) ([]domain.Purchase, error) {
	if status != "" && !status.Valid() {
		return nil, store.ErrInvalidInput
	}
	return s.repo.ListPurchases(ctx, storeID, status, limit)
}

// TransitionPurchase moves a purchase through its status machine. The
// received -> completed transition triggers backorder allocation and is
// serialized across processes with a distributed lock; everything else is a
// plain guarded status write.
func (s *Service) TransitionPurchase(ctx context.Context, id int64, to domain.PurchaseStatus) (*domain.Purchase, *domain.AllocationReport, error) {
	if !to.Valid() {
		return nil, nil, store.ErrInvalidInput
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, nil, err
	}
	if to != domain.PurchaseCompleted {
		p, err := s.repo.TransitionPurchase(ctx, id, to, time.Now().UTC())
		if err != nil {
			return nil, nil, err
		}
		return p, nil, nil
	}

	release, err := s.locker.Acquire(ctx, fmt.Sprintf("alloc:purchase:%d", id), 30*time.Second)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	purchase, report, err := s.repo.CompletePurchase(ctx, id, actor.Name, s.opts.AllocationCrossStore, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}

	for _, line := range report.Lines {
		s.invalidateTimeSeries(ctx, line.StoreID, line.VariantID)
		s.log.WithFields(logrus.Fields{
			"event":     "purchase.allocated",
			"purchase":  purchase.OrderNumber,
			"variant":   line.VariantID,
			"received":  line.Received,
			"allocated": line.Allocated,
			"free":      line.Free,
			"actor":     actor.Name,
		}).Info("backorder allocation")
	}
	return purchase, report, nil
}
