package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
	"github.com/lomismoney/Mir01-sub000/internal/optlock"
	"github.com/lomismoney/Mir01-sub000/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateStore(ctx context.Context, st domain.Store) (*domain.Store, error) {
	name := strings.TrimSpace(st.Name)
	if name == "" {
		return nil, store.ErrInvalidInput
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO stores (name, address, phone, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, created_at
	`, name, nullIfEmpty(st.Address), nullIfEmpty(st.Phone)).Scan(&st.ID, &st.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	st.Name = name
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *Store) ListStores(ctx context.Context) ([]domain.Store, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(address, ''), COALESCE(phone, ''), created_at
		FROM stores
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Store, 0, 8)
	for rows.Next() {
		var st domain.Store
		if err := rows.Scan(&st.ID, &st.Name, &st.Address, &st.Phone, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.CreatedAt = st.CreatedAt.UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) GetStoreByID(ctx context.Context, id int64) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(address, ''), COALESCE(phone, ''), created_at
		FROM stores
		WHERE id = $1
	`, id).Scan(&st.ID, &st.Name, &st.Address, &st.Phone, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *Store) DefaultStore(ctx context.Context) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(address, ''), COALESCE(phone, ''), created_at
		FROM stores
		ORDER BY id ASC
		LIMIT 1
	`).Scan(&st.ID, &st.Name, &st.Address, &st.Phone, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNoStoreConfigured
		}
		return nil, err
	}
	st.CreatedAt = st.CreatedAt.UTC()
	return &st, nil
}

func (s *Store) CreateVariant(ctx context.Context, v domain.ProductVariant) (*domain.ProductVariant, error) {
	v.SKU = strings.ToUpper(strings.TrimSpace(v.SKU))
	if v.SKU == "" || strings.TrimSpace(v.Name) == "" || v.PriceCents < 0 {
		return nil, store.ErrInvalidInput
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO product_variants (sku, name, price_cents, cost_cents, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, created_at
	`, v.SKU, v.Name, v.PriceCents, v.CostCents).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func (s *Store) GetVariant(ctx context.Context, id int64) (*domain.ProductVariant, error) {
	var v domain.ProductVariant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, price_cents, cost_cents, created_at
		FROM product_variants
		WHERE id = $1
	`, id).Scan(&v.ID, &v.SKU, &v.Name, &v.PriceCents, &v.CostCents, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func (s *Store) ListVariants(ctx context.Context) ([]domain.ProductVariant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, price_cents, cost_cents, created_at
		FROM product_variants
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ProductVariant, 0, 32)
	for rows.Next() {
		var v domain.ProductVariant
		if err := rows.Scan(&v.ID, &v.SKU, &v.Name, &v.PriceCents, &v.CostCents, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.CreatedAt = v.CreatedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) GetInventory(ctx context.Context, storeID int64, variantID int64) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, store_id, product_variant_id, quantity, low_stock_threshold, version, created_at, updated_at
		FROM inventories
		WHERE store_id = $1 AND product_variant_id = $2
	`, storeID, variantID).Scan(
		&rec.ID, &rec.StoreID, &rec.VariantID, &rec.Quantity,
		&rec.LowStockThreshold, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (s *Store) GetInventoryMap(ctx context.Context, storeID int64, variantIDs []int64) (map[int64]int, error) {
	result := make(map[int64]int, len(variantIDs))
	for _, id := range variantIDs {
		result[id] = 0
	}
	if len(variantIDs) == 0 {
		return result, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_variant_id, quantity
		FROM inventories
		WHERE store_id = $1 AND product_variant_id = ANY($2)
	`, storeID, variantIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		result[id] = qty
	}
	return result, rows.Err()
}

func (s *Store) ListLowStock(ctx context.Context, storeID int64) ([]domain.InventoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, product_variant_id, quantity, low_stock_threshold, version, created_at, updated_at
		FROM inventories
		WHERE store_id = $1 AND low_stock_threshold > 0 AND quantity <= low_stock_threshold
		ORDER BY product_variant_id ASC
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.InventoryRecord, 0, 8)
	for rows.Next() {
		var rec domain.InventoryRecord
		if err := rows.Scan(
			&rec.ID, &rec.StoreID, &rec.VariantID, &rec.Quantity,
			&rec.LowStockThreshold, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CommitStockChanges(ctx context.Context, changes []domain.StockChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := applyStockChanges(ctx, tx, changes, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// applyStockChanges runs each change's version-guarded write inside tx. The
// caller's expected version is checked against the row even though the row is
// locked, because the read that produced the change happened outside this
// transaction.
func applyStockChanges(ctx context.Context, tx *sql.Tx, changes []domain.StockChange, now time.Time) error {
	for _, change := range changes {
		if change.Delta == 0 && change.Type != domain.TxAdjustment {
			return store.ErrInvalidInput
		}

		var (
			inventoryID int64
			qty         int
			version     int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, quantity, version
			FROM inventories
			WHERE store_id = $1 AND product_variant_id = $2
			FOR UPDATE
		`, change.StoreID, change.VariantID).Scan(&inventoryID, &qty, &version)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if !change.CreateIfMissing || change.Delta <= 0 {
				return store.ErrNotFound
			}
			err = tx.QueryRowContext(ctx, `
				INSERT INTO inventories (store_id, product_variant_id, quantity, low_stock_threshold, version, created_at, updated_at)
				VALUES ($1, $2, $3, $4, 0, $5, $5)
				ON CONFLICT (store_id, product_variant_id) DO NOTHING
				RETURNING id
			`, change.StoreID, change.VariantID, change.Delta, change.LowStockThreshold, now).Scan(&inventoryID)
			if errors.Is(err, sql.ErrNoRows) {
				// Lost the insert race; the reader's version 0 is stale.
				return optlock.ErrConflict
			}
			if err != nil {
				return err
			}
			if err := insertTransaction(ctx, tx, inventoryID, change, 0, change.Delta, now); err != nil {
				return err
			}
			continue
		case err != nil:
			return err
		}

		if version != change.ExpectedVersion {
			return optlock.ErrConflict
		}
		after := qty + change.Delta
		if after < 0 {
			return &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
				VariantID: change.VariantID,
				Requested: -change.Delta,
				Available: qty,
			}}}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE inventories
			SET quantity = $2, version = version + 1, updated_at = $3
			WHERE id = $1 AND version = $4
		`, inventoryID, after, now, change.ExpectedVersion)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return optlock.ErrConflict
		}
		if err := insertTransaction(ctx, tx, inventoryID, change, qty, after, now); err != nil {
			return err
		}
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, inventoryID int64, change domain.StockChange, before int, after int, now time.Time) error {
	var metadata any
	if len(change.Metadata) > 0 {
		raw, err := json.Marshal(change.Metadata)
		if err != nil {
			return err
		}
		metadata = raw
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_transactions (inventory_id, type, quantity, before_quantity, after_quantity, actor, notes, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, inventoryID, string(change.Type), change.Delta, before, after, nullIfEmpty(change.Actor), nullIfEmpty(change.Note), metadata, now)
	return err
}

func (s *Store) ListInventoryTransactions(ctx context.Context, storeID int64, variantID int64, from time.Time, to time.Time) ([]domain.InventoryTransaction, error) {
	query := `
		SELECT t.id, t.inventory_id, t.type, t.quantity, t.before_quantity, t.after_quantity,
			COALESCE(t.actor, ''), COALESCE(t.notes, ''), t.metadata, t.created_at
		FROM inventory_transactions t
		JOIN inventories i ON i.id = t.inventory_id
		WHERE i.store_id = $1 AND i.product_variant_id = $2
	`
	args := []any{storeID, variantID}
	if !from.IsZero() {
		args = append(args, from)
		query += ` AND t.created_at >= $3`
	}
	if !to.IsZero() {
		args = append(args, to)
		if from.IsZero() {
			query += ` AND t.created_at <= $3`
		} else {
			query += ` AND t.created_at <= $4`
		}
	}
	query += ` ORDER BY t.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.InventoryTransaction, 0, 32)
	for rows.Next() {
		var txn domain.InventoryTransaction
		var metadata []byte
		if err := rows.Scan(
			&txn.ID, &txn.InventoryID, &txn.Type, &txn.Quantity,
			&txn.BeforeQuantity, &txn.AfterQuantity, &txn.Actor, &txn.Note,
			&metadata, &txn.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &txn.Metadata)
		}
		txn.CreatedAt = txn.CreatedAt.UTC()
		out = append(out, txn)
	}
	return out, rows.Err()
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, changes []domain.StockChange) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusOpen
	}

	if err := applyStockChanges(ctx, tx, changes, now); err != nil {
		return nil, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (order_number, store_id, customer_name, priority, status, subtotal_cents, shipping_cents, tax_cents, discount_cents, grand_total_cents, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, order.OrderNumber, order.StoreID, nullIfEmpty(order.CustomerName), string(order.Priority), order.Status,
		order.SubtotalCents, order.ShippingCents, order.TaxCents, order.DiscountCents, order.GrandTotalCents,
		nullIfEmpty(order.CreatedBy), order.CreatedAt,
	).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_variant_id, kind, sku, description, quantity, unit_price_cents, discount_cents, fulfilled_quantity, is_fulfilled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, order.ID, nullInt64(line.VariantID), string(line.Kind), nullIfEmpty(line.SKU), nullIfEmpty(line.Description),
			line.Quantity, line.UnitPriceCents, line.DiscountCents, line.FulfilledQuantity, line.IsFulfilled,
		).Scan(&line.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*domain.Order, error) {
	var order domain.Order
	var priority string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, store_id, COALESCE(customer_name, ''), priority, status,
			subtotal_cents, shipping_cents, tax_cents, discount_cents, grand_total_cents,
			COALESCE(created_by, ''), COALESCE(cancel_reason, ''), cancelled_at, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(
		&order.ID, &order.OrderNumber, &order.StoreID, &order.CustomerName, &priority, &order.Status,
		&order.SubtotalCents, &order.ShippingCents, &order.TaxCents, &order.DiscountCents, &order.GrandTotalCents,
		&order.CreatedBy, &order.CancelReason, &order.CancelledAt, &order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.Priority = domain.Priority(priority)
	order.CreatedAt = order.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_variant_id, kind, COALESCE(sku, ''), COALESCE(description, ''),
			quantity, unit_price_cents, discount_cents, fulfilled_quantity, is_fulfilled, fulfilled_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.OrderLine
		var kind string
		var variantID sql.NullInt64
		if err := rows.Scan(
			&line.ID, &line.OrderID, &variantID, &kind, &line.SKU, &line.Description,
			&line.Quantity, &line.UnitPriceCents, &line.DiscountCents, &line.FulfilledQuantity, &line.IsFulfilled, &line.FulfilledAt,
		); err != nil {
			return nil, err
		}
		line.Kind = domain.LineKind(kind)
		if variantID.Valid {
			v := variantID.Int64
			line.VariantID = &v
		}
		order.Lines = append(order.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID int64, reason string, at time.Time, changes []domain.StockChange) (*domain.Order, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE id = $1 FOR UPDATE
	`, orderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if status == domain.OrderStatusCancelled {
		return nil, store.ErrInvalidInput
	}

	if err := applyStockChanges(ctx, tx, changes, at); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, cancel_reason = $3, cancelled_at = $4
		WHERE id = $1
	`, orderID, domain.OrderStatusCancelled, nullIfEmpty(reason), at)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

const backorderLinesQuery = `
	SELECT l.id, l.order_id, o.store_id, l.product_variant_id, o.priority, o.created_at, l.quantity, l.fulfilled_quantity
	FROM order_items l
	JOIN orders o ON o.id = l.order_id
	WHERE o.status = 'open'
		AND l.kind = 'backorder'
		AND l.product_variant_id = $1
		AND l.fulfilled_quantity < l.quantity
`

func (s *Store) ListBackorderLines(ctx context.Context, variantID int64, storeID int64, crossStore bool) ([]domain.BackorderLine, error) {
	query := backorderLinesQuery
	args := []any{variantID}
	if !crossStore {
		query += ` AND o.store_id = $2`
		args = append(args, storeID)
	}
	query += ` ORDER BY l.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBackorderLines(rows)
}

func scanBackorderLines(rows *sql.Rows) ([]domain.BackorderLine, error) {
	out := make([]domain.BackorderLine, 0, 8)
	for rows.Next() {
		var line domain.BackorderLine
		var priority string
		if err := rows.Scan(
			&line.LineID, &line.OrderID, &line.StoreID, &line.VariantID,
			&priority, &line.OrderCreatedAt, &line.Quantity, &line.FulfilledQuantity,
		); err != nil {
			return nil, err
		}
		line.Priority = domain.Priority(priority)
		line.OrderCreatedAt = line.OrderCreatedAt.UTC()
		out = append(out, line)
	}
	return out, rows.Err()
}

func (s *Store) CreatePurchase(ctx context.Context, p domain.Purchase) (*domain.Purchase, error) {
	if len(p.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if p.Status == "" {
		p.Status = domain.PurchasePending
	}
	if !p.Status.Valid() {
		return nil, store.ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if p.PurchasedAt.IsZero() {
		p.PurchasedAt = time.Now().UTC()
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO purchases (order_number, store_id, status, shipping_cents, total_cents, created_by, purchased_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, p.OrderNumber, p.StoreID, string(p.Status), p.ShippingCents, p.TotalCents, nullIfEmpty(p.CreatedBy), p.PurchasedAt).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	for i := range p.Lines {
		line := &p.Lines[i]
		line.PurchaseID = p.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO purchase_items (purchase_id, product_variant_id, quantity, cost_cents, allocated_shipping_cents)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, p.ID, line.VariantID, line.Quantity, line.CostCents, line.AllocatedShippingCents).Scan(&line.ID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPurchase(ctx context.Context, id int64) (*domain.Purchase, error) {
	p, err := s.getPurchase(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getPurchase(ctx context.Context, q queryer, id int64) (*domain.Purchase, error) {
	var p domain.Purchase
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT id, order_number, store_id, status, shipping_cents, total_cents, COALESCE(created_by, ''), purchased_at, completed_at
		FROM purchases
		WHERE id = $1
	`, id).Scan(&p.ID, &p.OrderNumber, &p.StoreID, &status, &p.ShippingCents, &p.TotalCents, &p.CreatedBy, &p.PurchasedAt, &p.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.Status = domain.PurchaseStatus(status)
	p.PurchasedAt = p.PurchasedAt.UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT id, purchase_id, product_variant_id, quantity, cost_cents, allocated_shipping_cents
		FROM purchase_items
		WHERE purchase_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.PurchaseLine
		if err := rows.Scan(&line.ID, &line.PurchaseID, &line.VariantID, &line.Quantity, &line.CostCents, &line.AllocatedShippingCents); err != nil {
			return nil, err
		}
		p.Lines = append(p.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPurchases(ctx context.Context, storeID int64, status domain.PurchaseStatus, limit int) ([]domain.Purchase, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, order_number, store_id, status, shipping_cents, total_cents, COALESCE(created_by, ''), purchased_at, completed_at
		FROM purchases
		WHERE 1=1
	`
	args := []any{}
	if storeID != 0 {
		args = append(args, storeID)
		query += ` AND store_id = $1`
	}
	if status != "" {
		args = append(args, string(status))
		if storeID != 0 {
			query += ` AND status = $2`
		} else {
			query += ` AND status = $1`
		}
	}
	args = append(args, limit)
	query += ` ORDER BY id ASC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Purchase, 0, 16)
	for rows.Next() {
		var p domain.Purchase
		var st string
		if err := rows.Scan(&p.ID, &p.OrderNumber, &p.StoreID, &st, &p.ShippingCents, &p.TotalCents, &p.CreatedBy, &p.PurchasedAt, &p.CompletedAt); err != nil {
			return nil, err
		}
		p.Status = domain.PurchaseStatus(st)
		p.PurchasedAt = p.PurchasedAt.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) TransitionPurchase(ctx context.Context, id int64, to domain.PurchaseStatus, at time.Time) (*domain.Purchase, error) {
	// The completed transition must go through CompletePurchase so the
	// allocation side effects cannot be skipped.
	if to == domain.PurchaseCompleted {
		return nil, store.ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM purchases WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	from := domain.PurchaseStatus(current)
	if !from.CanTransition(to) {
		return nil, domain.NewTransitionError(from, to)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE purchases SET status = $2 WHERE id = $1
	`, id, string(to))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetPurchase(ctx, id)
}

func (s *Store) CompletePurchase(ctx context.Context, id int64, actor string, crossStore bool, at time.Time) (*domain.Purchase, *domain.AllocationReport, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "system"
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM purchases WHERE id = $1 FOR UPDATE
	`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	from := domain.PurchaseStatus(current)
	if !from.CanTransition(domain.PurchaseCompleted) {
		return nil, nil, domain.NewTransitionError(from, domain.PurchaseCompleted)
	}

	p, err := s.getPurchase(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}

	report := &domain.AllocationReport{PurchaseID: p.ID}
	for _, line := range p.Lines {
		var inventoryID int64
		var before, after int
		err = tx.QueryRowContext(ctx, `
			INSERT INTO inventories (store_id, product_variant_id, quantity, low_stock_threshold, version, created_at, updated_at)
			VALUES ($1, $2, $3, 0, 0, $4, $4)
			ON CONFLICT (store_id, product_variant_id)
			DO UPDATE SET quantity = inventories.quantity + EXCLUDED.quantity,
				version = inventories.version + 1, updated_at = EXCLUDED.updated_at
			RETURNING id, quantity - $3, quantity
		`, p.StoreID, line.VariantID, line.Quantity, at).Scan(&inventoryID, &before, &after)
		if err != nil {
			return nil, nil, err
		}
		change := domain.StockChange{
			StoreID:   p.StoreID,
			VariantID: line.VariantID,
			Delta:     line.Quantity,
			Type:      domain.TxAddition,
			Actor:     actor,
			Note:      "purchase " + p.OrderNumber + " completed",
			Metadata:  map[string]string{"purchase_id": strconv.FormatInt(p.ID, 10)},
		}
		if err := insertTransaction(ctx, tx, inventoryID, change, before, after, at); err != nil {
			return nil, nil, err
		}

		query := backorderLinesQuery
		args := []any{line.VariantID}
		if !crossStore {
			query += ` AND o.store_id = $2`
			args = append(args, p.StoreID)
		}
		query += ` ORDER BY l.id ASC FOR UPDATE OF l`
		demandRows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, nil, err
		}
		demand, err := scanBackorderLines(demandRows)
		_ = demandRows.Close()
		if err != nil {
			return nil, nil, err
		}

		plan := domain.PlanAllocation(demand, line.Quantity)
		allocated := 0
		for _, award := range plan {
			var fulfilledAt any
			if award.Fulfilled {
				fulfilledAt = at
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE order_items
				SET fulfilled_quantity = fulfilled_quantity + $2,
					is_fulfilled = $3,
					fulfilled_at = COALESCE($4, fulfilled_at)
				WHERE id = $1
			`, award.LineID, award.Quantity, award.Fulfilled, fulfilledAt)
			if err != nil {
				return nil, nil, err
			}
			allocated += award.Quantity
		}
		report.Lines = append(report.Lines, domain.AllocationLineReport{
			VariantID: line.VariantID,
			StoreID:   p.StoreID,
			Received:  line.Quantity,
			Allocated: allocated,
			Free:      line.Quantity - allocated,
			Awards:    plan,
		})
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE purchases
		SET status = 'completed', completed_at = $2
		WHERE id = $1 AND status = 'received'
	`, id, at)
	if err != nil {
		return nil, nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, err
	}
	if affected == 0 {
		return nil, nil, domain.NewTransitionError(from, domain.PurchaseCompleted)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	p.Status = domain.PurchaseCompleted
	completed := at
	p.CompletedAt = &completed
	return p, report, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.TrimSpace(user.Username)
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

