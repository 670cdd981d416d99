package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
	"github.com/lomismoney/Mir01-sub000/internal/optlock"
)

func TestVersionGuardedCommitAgainstPostgres(t *testing.T) {
	databaseURL := os.Getenv("INVENTORY_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set INVENTORY_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	st, err := s.CreateStore(ctx, domain.Store{Name: fmt.Sprintf("it-store-%d", stamp)})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	variant, err := s.CreateVariant(ctx, domain.ProductVariant{
		SKU:        fmt.Sprintf("SKU-IT-%d", stamp),
		Name:       "Integration Variant",
		PriceCents: 9900,
	})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_transactions WHERE inventory_id IN (SELECT id FROM inventories WHERE store_id = $1)`, st.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventories WHERE store_id = $1`, st.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM product_variants WHERE id = $1`, variant.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stores WHERE id = $1`, st.ID)
	})

	err = s.CommitStockChanges(ctx, []domain.StockChange{{
		StoreID:         st.ID,
		VariantID:       variant.ID,
		Delta:           10,
		Type:            domain.TxAddition,
		Actor:           "integration",
		CreateIfMissing: true,
	}})
	if err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	rec, err := s.GetInventory(ctx, st.ID, variant.ID)
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.Quantity != 10 || rec.Version != 0 {
		t.Fatalf("expected quantity 10 version 0, got %d/%d", rec.Quantity, rec.Version)
	}

	change := domain.StockChange{
		StoreID:         st.ID,
		VariantID:       variant.ID,
		Delta:           -4,
		Type:            domain.TxReduction,
		Actor:           "integration",
		BeforeQuantity:  rec.Quantity,
		ExpectedVersion: rec.Version,
	}
	if err := s.CommitStockChanges(ctx, []domain.StockChange{change}); err != nil {
		t.Fatalf("guarded commit: %v", err)
	}

	// Replaying with the stale version must be rejected without moving stock.
	err = s.CommitStockChanges(ctx, []domain.StockChange{change})
	if !errors.Is(err, optlock.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale version, got %v", err)
	}

	rec, err = s.GetInventory(ctx, st.ID, variant.ID)
	if err != nil {
		t.Fatalf("get inventory after conflict: %v", err)
	}
	if rec.Quantity != 6 || rec.Version != 1 {
		t.Fatalf("expected quantity 6 version 1, got %d/%d", rec.Quantity, rec.Version)
	}

	var txns int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM inventory_transactions
		WHERE inventory_id = $1
	`, rec.ID).Scan(&txns); err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txns != 2 {
		t.Fatalf("expected 2 audit rows, got %d", txns)
	}
}
