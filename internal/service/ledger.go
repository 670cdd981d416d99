package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
	"github.com/lomismoney/Mir01-sub000/internal/optlock"
	"github.com/lomismoney/Mir01-sub000/internal/store"
)

type StockMutation struct {
	StoreID   int64             `json:"store_id"`
	VariantID int64             `json:"variant_id" validate:"required,gt=0"`
	Quantity  int               `json:"quantity" validate:"required,gt=0"`
	Note      string            `json:"note,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CheckStock reports whether the store can cover quantity units right now.
// A missing inventory record counts as zero available.
func (s *Service) CheckStock(ctx context.Context, storeID int64, variantID int64, quantity int) (bool, int, error) {
	if variantID <= 0 || quantity <= 0 {
		return false, 0, store.ErrInvalidInput
	}
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return false, 0, err
	}
	rec, err := s.repo.GetInventory(ctx, storeID, variantID)
	if errors.Is(err, store.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return rec.Quantity >= quantity, rec.Quantity, nil
}

// BatchCheckStock checks every item and returns the full shortfall list.
// An empty result means all items are covered.
func (s *Service) BatchCheckStock(ctx context.Context, storeID int64, items []domain.StockCheckItem) ([]domain.Shortfall, error) {
	if len(items) == 0 {
		return nil, store.ErrInvalidInput
	}
	for _, item := range items {
		if err := s.validate.Struct(item); err != nil {
			return nil, store.ErrInvalidInput
		}
	}
	items = mergeBatchItems(items)
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.VariantID)
	}
	available, err := s.repo.GetInventoryMap(ctx, storeID, ids)
	if err != nil {
		return nil, err
	}

	shortfalls := make([]domain.Shortfall, 0)
	for _, item := range items {
		if available[item.VariantID] < item.Quantity {
			shortfalls = append(shortfalls, domain.Shortfall{
				VariantID: item.VariantID,
				Requested: item.Quantity,
				Available: available[item.VariantID],
			})
		}
	}
	return shortfalls, nil
}

// DeductStock removes quantity units under the version guard. Deducting from
// a missing record fails the same way as deducting past zero.
func (s *Service) DeductStock(ctx context.Context, input StockMutation) (*domain.InventoryRecord, error) {
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

	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		rec, err := s.repo.GetInventory(ctx, storeID, input.VariantID)
		if errors.Is(err, store.ErrNotFound) {
			return &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
				VariantID: input.VariantID,
				Requested: input.Quantity,
				Available: 0,
			}}}
		}
		if err != nil {
			return err
		}
		if rec.Quantity < input.Quantity {
			return &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
				VariantID: input.VariantID,
				Requested: input.Quantity,
				Available: rec.Quantity,
			}}}
		}
		return s.repo.CommitStockChanges(ctx, []domain.StockChange{{
			StoreID:         storeID,
			VariantID:       input.VariantID,
			Delta:           -input.Quantity,
			Type:            domain.TxReduction,
			Actor:           actor.Name,
			Note:            input.Note,
			Metadata:        input.Metadata,
			BeforeQuantity:  rec.Quantity,
			ExpectedVersion: rec.Version,
		}})
	})
	if err != nil {
		return nil, err
	}

	s.invalidateTimeSeries(ctx, storeID, input.VariantID)
	s.logStockEvent(ctx, "stock.deduct", storeID, input.VariantID, -input.Quantity)
	return s.repo.GetInventory(ctx, storeID, input.VariantID)
}

// ReturnStock adds quantity units back, creating the inventory record when
// the variant has never been stocked at this store.
func (s *Service) ReturnStock(ctx context.Context, input StockMutation) (*domain.InventoryRecord, error) {
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

	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		change := domain.StockChange{
			StoreID:         storeID,
			VariantID:       input.VariantID,
			Delta:           input.Quantity,
			Type:            domain.TxAddition,
			Actor:           actor.Name,
			Note:            input.Note,
			Metadata:        input.Metadata,
			CreateIfMissing: true,
		}
		rec, err := s.repo.GetInventory(ctx, storeID, input.VariantID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if rec != nil {
			change.BeforeQuantity = rec.Quantity
			change.ExpectedVersion = rec.Version
		}
		return s.repo.CommitStockChanges(ctx, []domain.StockChange{change})
	})
	if err != nil {
		return nil, err
	}

	s.invalidateTimeSeries(ctx, storeID, input.VariantID)
	s.logStockEvent(ctx, "stock.return", storeID, input.VariantID, input.Quantity)
	return s.repo.GetInventory(ctx, storeID, input.VariantID)
}

// AdjustStock sets the quantity to an absolute target, recording the signed
// difference as an adjustment.
func (s *Service) AdjustStock(ctx context.Context, storeID int64, variantID int64, newQuantity int, note string) (*domain.InventoryRecord, error) {
	if variantID <= 0 || newQuantity < 0 {
		return nil, store.ErrInvalidInput
	}
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		change := domain.StockChange{
			StoreID:   storeID,
			VariantID: variantID,
			Type:      domain.TxAdjustment,
			Actor:     actor.Name,
			Note:      note,
		}
		rec, err := s.repo.GetInventory(ctx, storeID, variantID)
		if errors.Is(err, store.ErrNotFound) {
			if newQuantity == 0 {
				return store.ErrNotFound
			}
			change.Delta = newQuantity
			change.CreateIfMissing = true
			return s.repo.CommitStockChanges(ctx, []domain.StockChange{change})
		}
		if err != nil {
			return err
		}
		change.Delta = newQuantity - rec.Quantity
		change.BeforeQuantity = rec.Quantity
		change.ExpectedVersion = rec.Version
		return s.repo.CommitStockChanges(ctx, []domain.StockChange{change})
	})
	if err != nil {
		return nil, err
	}

	s.invalidateTimeSeries(ctx, storeID, variantID)
	s.logStockEvent(ctx, "stock.adjust", storeID, variantID, newQuantity)
	return s.repo.GetInventory(ctx, storeID, variantID)
}

type TransferInput struct {
	FromStoreID int64  `json:"from_store_id" validate:"required,gt=0"`
	ToStoreID   int64  `json:"to_store_id" validate:"required,gt=0"`
	VariantID   int64  `json:"variant_id" validate:"required,gt=0"`
	Quantity    int    `json:"quantity" validate:"required,gt=0"`
	Note        string `json:"note,omitempty"`
}

// TransferStock moves quantity between stores as one atomic pair of ledger
// writes: transfer_out at the source, transfer_in at the destination.
func (s *Service) TransferStock(ctx context.Context, input TransferInput) error {
	if err := s.validate.Struct(input); err != nil {
		return store.ErrInvalidInput
	}
	if input.FromStoreID == input.ToStoreID {
		return store.ErrInvalidInput
	}
	if _, err := s.repo.GetStoreByID(ctx, input.FromStoreID); err != nil {
		return err
	}
	if _, err := s.repo.GetStoreByID(ctx, input.ToStoreID); err != nil {
		return err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	metadata := map[string]string{
		"from_store": strconv.FormatInt(input.FromStoreID, 10),
		"to_store":   strconv.FormatInt(input.ToStoreID, 10),
	}

	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		source, err := s.repo.GetInventory(ctx, input.FromStoreID, input.VariantID)
		if errors.Is(err, store.ErrNotFound) {
			return &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
				VariantID: input.VariantID,
				Requested: input.Quantity,
				Available: 0,
			}}}
		}
		if err != nil {
			return err
		}
		if source.Quantity < input.Quantity {
			return &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
				VariantID: input.VariantID,
				Requested: input.Quantity,
				Available: source.Quantity,
			}}}
		}

		in := domain.StockChange{
			StoreID:         input.ToStoreID,
			VariantID:       input.VariantID,
			Delta:           input.Quantity,
			Type:            domain.TxTransferIn,
			Actor:           actor.Name,
			Note:            input.Note,
			Metadata:        metadata,
			CreateIfMissing: true,
		}
		if dest, err := s.repo.GetInventory(ctx, input.ToStoreID, input.VariantID); err == nil {
			in.BeforeQuantity = dest.Quantity
			in.ExpectedVersion = dest.Version
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		out := domain.StockChange{
			StoreID:         input.FromStoreID,
			VariantID:       input.VariantID,
			Delta:           -input.Quantity,
			Type:            domain.TxTransferOut,
			Actor:           actor.Name,
			Note:            input.Note,
			Metadata:        metadata,
			BeforeQuantity:  source.Quantity,
			ExpectedVersion: source.Version,
		}
		return s.repo.CommitStockChanges(ctx, []domain.StockChange{out, in})
	})
	if err != nil {
		return err
	}

	s.invalidateTimeSeries(ctx, input.FromStoreID, input.VariantID)
	s.invalidateTimeSeries(ctx, input.ToStoreID, input.VariantID)
	s.logStockEvent(ctx, "stock.transfer", input.FromStoreID, input.VariantID, input.Quantity)
	return nil
}

// CancelTransfer reverses a prior transfer: the destination gives the units
// back to the source. Fails when the destination has already sold them.
func (s *Service) CancelTransfer(ctx context.Context, input TransferInput) error {
	if err := s.validate.Struct(input); err != nil {
		return store.ErrInvalidInput
	}
	if input.FromStoreID == input.ToStoreID {
		return store.ErrInvalidInput
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	metadata := map[string]string{
		"from_store": strconv.FormatInt(input.FromStoreID, 10),
		"to_store":   strconv.FormatInt(input.ToStoreID, 10),
	}

	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		dest, err := s.repo.GetInventory(ctx, input.ToStoreID, input.VariantID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && dest.Quantity < input.Quantity) {
			available := 0
			if dest != nil {
				available = dest.Quantity
			}
			return &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
				VariantID: input.VariantID,
				Requested: input.Quantity,
				Available: available,
			}}}
		}
		if err != nil {
			return err
		}

		back := domain.StockChange{
			StoreID:         input.FromStoreID,
			VariantID:       input.VariantID,
			Delta:           input.Quantity,
			Type:            domain.TxTransferCancel,
			Actor:           actor.Name,
			Note:            input.Note,
			Metadata:        metadata,
			CreateIfMissing: true,
		}
		if source, err := s.repo.GetInventory(ctx, input.FromStoreID, input.VariantID); err == nil {
			back.BeforeQuantity = source.Quantity
			back.ExpectedVersion = source.Version
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		out := domain.StockChange{
			StoreID:         input.ToStoreID,
			VariantID:       input.VariantID,
			Delta:           -input.Quantity,
			Type:            domain.TxTransferCancel,
			Actor:           actor.Name,
			Note:            input.Note,
			Metadata:        metadata,
			BeforeQuantity:  dest.Quantity,
			ExpectedVersion: dest.Version,
		}
		return s.repo.CommitStockChanges(ctx, []domain.StockChange{out, back})
	})
	if err != nil {
		return err
	}

	s.invalidateTimeSeries(ctx, input.FromStoreID, input.VariantID)
	s.invalidateTimeSeries(ctx, input.ToStoreID, input.VariantID)
	return nil
}

// BatchDeductStock deducts every item or none. The error carries the full
// shortfall list so the caller sees everything wrong at once.
// mergeBatchItems folds repeated variants into one line so a batch carries at
// most one change per record. Two changes against the same record would share
// an expected version and the second could never commit.
func mergeBatchItems(items []domain.StockCheckItem) []domain.StockCheckItem {
	merged := make([]domain.StockCheckItem, 0, len(items))
	index := make(map[int64]int, len(items))
	for _, item := range items {
		if at, ok := index[item.VariantID]; ok {
			merged[at].Quantity += item.Quantity
			continue
		}
		index[item.VariantID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func (s *Service) BatchDeductStock(ctx context.Context, storeID int64, items []domain.StockCheckItem, note string) error {
	if len(items) == 0 {
		return store.ErrInvalidInput
	}
	for _, item := range items {
		if err := s.validate.Struct(item); err != nil {
			return store.ErrInvalidInput
		}
	}
	items = mergeBatchItems(items)
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}

	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		changes := make([]domain.StockChange, 0, len(items))
		shortfalls := make([]domain.Shortfall, 0)
		for _, item := range items {
			rec, err := s.repo.GetInventory(ctx, storeID, item.VariantID)
			if errors.Is(err, store.ErrNotFound) {
				shortfalls = append(shortfalls, domain.Shortfall{VariantID: item.VariantID, Requested: item.Quantity})
				continue
			}
			if err != nil {
				return err
			}
			if rec.Quantity < item.Quantity {
				shortfalls = append(shortfalls, domain.Shortfall{
					VariantID: item.VariantID,
					Requested: item.Quantity,
					Available: rec.Quantity,
				})
				continue
			}
			changes = append(changes, domain.StockChange{
				StoreID:         storeID,
				VariantID:       item.VariantID,
				Delta:           -item.Quantity,
				Type:            domain.TxReduction,
				Actor:           actor.Name,
				Note:            note,
				BeforeQuantity:  rec.Quantity,
				ExpectedVersion: rec.Version,
			})
		}
		if len(shortfalls) > 0 {
			return &domain.InsufficientStockError{Shortfalls: shortfalls}
		}
		return s.repo.CommitStockChanges(ctx, changes)
	})
	if err != nil {
		return err
	}

	for _, item := range items {
		s.invalidateTimeSeries(ctx, storeID, item.VariantID)
	}
	return nil
}

// BatchReturnStock adds every item back in one transaction.
func (s *Service) BatchReturnStock(ctx context.Context, storeID int64, items []domain.StockCheckItem, note string) error {
	if len(items) == 0 {
		return store.ErrInvalidInput
	}
	for _, item := range items {
		if err := s.validate.Struct(item); err != nil {
			return store.ErrInvalidInput
		}
	}
	items = mergeBatchItems(items)
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}

	err = optlock.Retry(ctx, s.opts.MaxRetryAttempts, func(ctx context.Context) error {
		changes := make([]domain.StockChange, 0, len(items))
		for _, item := range items {
			change := domain.StockChange{
				StoreID:         storeID,
				VariantID:       item.VariantID,
				Delta:           item.Quantity,
				Type:            domain.TxAddition,
				Actor:           actor.Name,
				Note:            note,
				CreateIfMissing: true,
			}
			rec, err := s.repo.GetInventory(ctx, storeID, item.VariantID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if rec != nil {
				change.BeforeQuantity = rec.Quantity
				change.ExpectedVersion = rec.Version
			}
			changes = append(changes, change)
		}
		return s.repo.CommitStockChanges(ctx, changes)
	})
	if err != nil {
		return err
	}

	for _, item := range items {
		s.invalidateTimeSeries(ctx, storeID, item.VariantID)
	}
	return nil
}

func (s *Service) GetInventory(ctx context.Context, storeID int64, variantID int64) (*domain.InventoryRecord, error) {
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return s.repo.GetInventory(ctx, storeID, variantID)
}

func (s *Service) ListLowStock(ctx context.Context, storeID int64) ([]domain.InventoryRecord, error) {
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLowStock(ctx, storeID)
}

func (s *Service) ListTransactions(ctx context.Context, storeID int64, variantID int64, from time.Time, to time.Time) ([]domain.InventoryTransaction, error) {
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListInventoryTransactions(ctx, storeID, variantID, from, to)
}

// GetInventoryTimeSeries returns one point per day with the closing quantity,
// carrying the last known balance across days without movement. Results are
// cached; any ledger write for the pair invalidates them.
func (s *Service) GetInventoryTimeSeries(ctx context.Context, storeID int64, variantID int64, from time.Time, to time.Time) ([]domain.TimeSeriesPoint, error) {
	if variantID <= 0 || from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, store.ErrInvalidInput
	}
	storeID, err := s.resolveStore(ctx, storeID)
	if err != nil {
		return nil, err
	}

	key := timeSeriesKey(storeID, variantID, from, to)
	if cached, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		return cached, nil
	}

	txns, err := s.repo.ListInventoryTransactions(ctx, storeID, variantID, time.Time{}, to)
	if err != nil {
		return nil, err
	}

	points := buildDailySeries(txns, from, to)
	if err := s.cache.Set(ctx, key, points, s.opts.TimeSeriesTTL); err != nil {
		s.log.WithError(err).Warn("time series cache write failed")
	}
	return points, nil
}

func buildDailySeries(txns []domain.InventoryTransaction, from time.Time, to time.Time) []domain.TimeSeriesPoint {
	fromDay := from.UTC().Truncate(24 * time.Hour)
	toDay := to.UTC().Truncate(24 * time.Hour)

	points := make([]domain.TimeSeriesPoint, 0, int(toDay.Sub(fromDay).Hours()/24)+1)
	idx := 0
	balance := 0
	for day := fromDay; !day.After(toDay); day = day.Add(24 * time.Hour) {
		dayEnd := day.Add(24 * time.Hour)
		for idx < len(txns) && txns[idx].CreatedAt.Before(dayEnd) {
			balance = txns[idx].AfterQuantity
			idx++
		}
		points = append(points, domain.TimeSeriesPoint{
			Date:     day.Format("2006-01-02"),
			Quantity: balance,
		})
	}
	return points
}

func timeSeriesKey(storeID int64, variantID int64, from time.Time, to time.Time) string {
	return fmt.Sprintf("ts:%d:%d:%s:%s", storeID, variantID, from.UTC().Format("20060102"), to.UTC().Format("20060102"))
}

func (s *Service) invalidateTimeSeries(ctx context.Context, storeID int64, variantID int64) {
	pattern := fmt.Sprintf("ts:%d:%d:*", storeID, variantID)
	if err := s.cache.Invalidate(ctx, pattern); err != nil {
		s.log.WithError(err).Warn("time series cache invalidation failed")
	}
}

func (s *Service) logStockEvent(ctx context.Context, event string, storeID int64, variantID int64, quantity int) {
	actor := ActorFromContext(ctx)
	s.log.WithFields(logrus.Fields{
		"event":    event,
		"store":    storeID,
		"variant":  variantID,
		"quantity": quantity,
		"actor":    actor.Name,
	}).Info("stock ledger write")
}
