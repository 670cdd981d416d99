package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
	"github.com/lomismoney/Mir01-sub000/internal/optlock"
	"github.com/lomismoney/Mir01-sub000/internal/store"
	"github.com/lomismoney/Mir01-sub000/internal/xid"
)

type OrderLineInput struct {
	VariantID      *int64 `json:"variant_id,omitempty"`
	SKU            string `json:"sku,omitempty"`
	Description    string `json:"description,omitempty"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"gte=0"`
	DiscountCents  int64  `json:"discount_cents" validate:"gte=0"`
}

type CreateOrderInput struct {
	StoreID       int64                  `json:"store_id"`
	CustomerName  string                 `json:"customer_name,omitempty"`
	Priority      domain.Priority        `json:"priority,omitempty"`
	ShippingCents int64                  `json:"shipping_cents" validate:"gte=0"`
	TaxCents      int64                  `json:"tax_cents" validate:"gte=0"`
	DiscountCents int64                  `json:"discount_cents" validate:"gte=0"`
	Lines         []OrderLineInput       `json:"lines" validate:"required,min=1,dive"`
	Decisions     []domain.StockDecision `json:"decisions,omitempty" validate:"dive"`
	// Force turns every uncovered stocked line into a backorder instead of
	// failing the order.
	Force bool `json:"force,omitempty"`
}

// CreateOrder classifies each line, applies stock decisions, and persists the
// order together with all its ledger writes in one transaction.
//
// Classification: a line without a variant is custom and never touches stock.
// A line whose variant is fully covered is a stocked sale and deducts
// immediately. An uncovered line needs a transfer decision, a purchase
// decision, or Force; otherwise the whole order fails with the complete
// shortfall list and nothing is persisted.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*domain.Order, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, store.ErrInvalidInput
	}
	if input.Priority == "" {
		input.Priority = domain.PriorityNormal
	}
	if !input.Priority.Valid() {
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

	decisions := make(map[int64]domain.StockDecision, len(input.Decisions))
	for _, d := range input.Decisions {
		if err := s.validate.Struct(d); err != nil {
			return nil, store.ErrInvalidInput
		}
		decisions[d.VariantID] = d
	}

	orderNumber := xid.New("SO")
	var created *domain.Order
	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		lines := make([]domain.OrderLine, 0, len(input.Lines))
		changes := make([]domain.StockChange, 0, len(input.Lines))
		shortfalls := make([]domain.Shortfall, 0)
		var subtotal int64

		for _, in := range input.Lines {
			line := domain.OrderLine{
				VariantID:      in.VariantID,
				SKU:            in.SKU,
				Description:    in.Description,
				Quantity:       in.Quantity,
				UnitPriceCents: in.UnitPriceCents,
				DiscountCents:  in.DiscountCents,
			}
			subtotal += int64(in.Quantity)*in.UnitPriceCents - in.DiscountCents

			if in.VariantID == nil {
				line.Kind = domain.LineCustom
				lines = append(lines, line)
				continue
			}
			variantID := *in.VariantID
			if _, err := s.repo.GetVariant(ctx, variantID); err != nil {
				return err
			}

			available := 0
			var version int64
			rec, err := s.repo.GetInventory(ctx, storeID, variantID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if rec != nil {
				available = rec.Quantity
				version = rec.Version
			}

			if available >= in.Quantity {
				line.Kind = domain.LineStockedSale
				lines = append(lines, line)
				changes = append(changes, domain.StockChange{
					StoreID:         storeID,
					VariantID:       variantID,
					Delta:           -in.Quantity,
					Type:            domain.TxReduction,
					Actor:           actor.Name,
					Note:            "order " + orderNumber,
					Metadata:        map[string]string{"order_number": orderNumber},
					BeforeQuantity:  available,
					ExpectedVersion: version,
				})
				continue
			}

			decision, decided := decisions[variantID]
			switch {
			case decided && decision.Action == domain.DecisionTransfer:
				transferred := 0
				for i, src := range decision.Transfers {
					// The first incoming transfer may create the record at
					// version 0; every transfer after that bumps it once.
					destVersion := version + int64(i)
					if rec == nil {
						destVersion = int64(i) - 1
					}
					transferChanges, err := s.buildTransferPair(ctx, src.FromStoreID, storeID, variantID, src.Quantity, destVersion, available+transferred, actor.Name, orderNumber)
					if err != nil {
						return err
					}
					changes = append(changes, transferChanges...)
					transferred += src.Quantity
				}
				if available+transferred < in.Quantity {
					shortfalls = append(shortfalls, domain.Shortfall{
						VariantID: variantID,
						Requested: in.Quantity,
						Available: available + transferred,
					})
					continue
				}
				line.Kind = domain.LineStockedSale
				lines = append(lines, line)
				deductVersion := version + int64(len(decision.Transfers))
				if rec == nil {
					deductVersion = int64(len(decision.Transfers)) - 1
				}
				changes = append(changes, domain.StockChange{
					StoreID:         storeID,
					VariantID:       variantID,
					Delta:           -in.Quantity,
					Type:            domain.TxReduction,
					Actor:           actor.Name,
					Note:            "order " + orderNumber,
					Metadata:        map[string]string{"order_number": orderNumber},
					BeforeQuantity:  available + transferred,
					ExpectedVersion: deductVersion,
				})
			case decided && decision.Action == domain.DecisionPurchase:
				line.Kind = domain.LineBackorder
				lines = append(lines, line)
			case input.Force:
				line.Kind = domain.LineBackorder
				lines = append(lines, line)
			default:
				shortfalls = append(shortfalls, domain.Shortfall{
					VariantID: variantID,
					Requested: in.Quantity,
					Available: available,
				})
			}
		}

		if len(shortfalls) > 0 {
			return &domain.InsufficientStockError{Shortfalls: shortfalls}
		}

		order := domain.Order{
			OrderNumber:     orderNumber,
			StoreID:         storeID,
			CustomerName:    input.CustomerName,
			Priority:        input.Priority,
			Status:          domain.OrderStatusOpen,
			SubtotalCents:   subtotal,
			ShippingCents:   input.ShippingCents,
			TaxCents:        input.TaxCents,
			DiscountCents:   input.DiscountCents,
			GrandTotalCents: subtotal + input.ShippingCents + input.TaxCents - input.DiscountCents,
			CreatedBy:       actor.Name,
			Lines:           lines,
		}
		created, err = s.repo.CreateOrder(ctx, order, changes)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, line := range created.Lines {
		if line.VariantID != nil && line.Kind == domain.LineStockedSale {
			s.invalidateTimeSeries(ctx, created.StoreID, *line.VariantID)
		}
	}
	s.log.WithFields(logrus.Fields{
		"event":        "order.created",
		"order_number": created.OrderNumber,
		"store":        created.StoreID,
		"priority":     created.Priority,
		"lines":        len(created.Lines),
		"actor":        actor.Name,
	}).Info("order created")
	return created, nil
}

// buildTransferPair produces the version-guarded out/in change pair for one
// transfer decision. destVersion -1 means the destination record does not
// exist yet and the incoming change creates it. A source with too little
// stock fails the whole order.
func (s *Service) buildTransferPair(ctx context.Context, fromStoreID int64, toStoreID int64, variantID int64, quantity int, destVersion int64, destQuantity int, actorName string, orderNumber string) ([]domain.StockChange, error) {
	if quantity <= 0 || fromStoreID == toStoreID {
		return nil, store.ErrInvalidInput
	}
	source, err := s.repo.GetInventory(ctx, fromStoreID, variantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
			VariantID: variantID,
			Requested: quantity,
			Available: 0,
		}}}
	}
	if err != nil {
		return nil, err
	}
	if source.Quantity < quantity {
		return nil, &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
			VariantID: variantID,
			Requested: quantity,
			Available: source.Quantity,
		}}}
	}

	metadata := map[string]string{
		"order_number": orderNumber,
		"from_store":   strconv.FormatInt(fromStoreID, 10),
		"to_store":     strconv.FormatInt(toStoreID, 10),
	}
	in := domain.StockChange{
		StoreID:         toStoreID,
		VariantID:       variantID,
		Delta:           quantity,
		Type:            domain.TxTransferIn,
		Actor:           actorName,
		Note:            "order " + orderNumber,
		Metadata:        metadata,
		CreateIfMissing: true,
	}
	if destVersion >= 0 {
		in.BeforeQuantity = destQuantity
		in.ExpectedVersion = destVersion
	}

	out := domain.StockChange{
		StoreID:         fromStoreID,
		VariantID:       variantID,
		Delta:           -quantity,
		Type:            domain.TxTransferOut,
		Actor:           actorName,
		Note:            "order " + orderNumber,
		Metadata:        metadata,
		BeforeQuantity:  source.Quantity,
		ExpectedVersion: source.Version,
	}
	return []domain.StockChange{out, in}, nil
}

func (s *Service) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// CancelOrder returns deducted stock to the ledger and marks the order
// cancelled, atomically. Stocked lines return their full quantity; backorder
// lines return only what allocation already fulfilled. Quantity that came in
// by transfer for this order is reversed as transfer_cancel.
func (s *Service) CancelOrder(ctx context.Context, orderID int64, reason string) (*domain.Order, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	var cancelled *domain.Order
	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusCancelled {
			return store.ErrInvalidInput
		}

		// Quantity that arrived by transfer for this order, per variant,
		// recovered from the transaction log so its reversal carries the
		// transfer provenance instead of a plain addition.
		transferIn := make(map[int64]int)
		type stagedRec struct {
			known    bool
			version  int64
			quantity int
		}
		staged := make(map[int64]*stagedRec)

		changes := make([]domain.StockChange, 0, len(order.Lines))
		appendReturn := func(variantID int64, qty int, txType domain.TransactionType) {
			rec := staged[variantID]
			change := domain.StockChange{
				StoreID:         order.StoreID,
				VariantID:       variantID,
				Delta:           qty,
				Type:            txType,
				Actor:           actor.Name,
				Note:            "order " + order.OrderNumber + " cancelled",
				Metadata:        map[string]string{"order_number": order.OrderNumber},
				CreateIfMissing: true,
			}
			if rec.known {
				change.BeforeQuantity = rec.quantity
				change.ExpectedVersion = rec.version
				rec.version++
			} else {
				// First change creates the record at version 0; later
				// changes in this batch guard against it.
				rec.known = true
				rec.version = 0
			}
			rec.quantity += qty
			changes = append(changes, change)
		}

		for _, line := range order.Lines {
			if line.VariantID == nil {
				continue
			}
			variantID := *line.VariantID
			returnQty := 0
			switch line.Kind {
			case domain.LineStockedSale:
				returnQty = line.Quantity
			case domain.LineBackorder:
				returnQty = line.FulfilledQuantity
			}
			if returnQty == 0 {
				continue
			}

			if _, ok := staged[variantID]; !ok {
				rec := &stagedRec{}
				if current, err := s.repo.GetInventory(ctx, order.StoreID, variantID); err == nil {
					rec.known = true
					rec.version = current.Version
					rec.quantity = current.Quantity
				} else if !errors.Is(err, store.ErrNotFound) {
					return err
				}
				staged[variantID] = rec

				txns, err := s.repo.ListInventoryTransactions(ctx, order.StoreID, variantID, time.Time{}, time.Time{})
				if err != nil {
					return err
				}
				for _, txn := range txns {
					if txn.Type == domain.TxTransferIn && txn.Metadata["order_number"] == order.OrderNumber {
						transferIn[variantID] += txn.Quantity
					}
				}
			}

			cancelQty := returnQty
			if transferIn[variantID] < cancelQty {
				cancelQty = transferIn[variantID]
			}
			transferIn[variantID] -= cancelQty
			if cancelQty > 0 {
				appendReturn(variantID, cancelQty, domain.TxTransferCancel)
			}
			if returnQty > cancelQty {
				appendReturn(variantID, returnQty-cancelQty, domain.TxAddition)
			}
		}

		cancelled, err = s.repo.CancelOrder(ctx, orderID, reason, time.Now().UTC(), changes)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, line := range cancelled.Lines {
		if line.VariantID != nil {
			s.invalidateTimeSeries(ctx, cancelled.StoreID, *line.VariantID)
		}
	}
	s.log.WithFields(logrus.Fields{
		"event":        "order.cancelled",
		"order_number": cancelled.OrderNumber,
		"reason":       reason,
		"actor":        actor.Name,
	}).Info("order cancelled")
	return cancelled, nil
}
