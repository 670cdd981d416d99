package store

import (
	"context"
	"errors"
	"time"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoStoreConfigured is fatal: default-store resolution found no store
	// at all, so no ledger operation can proceed.
	ErrNoStoreConfigured = errors.New("no store configured")
)

// Repository is the storage contract for the ledger core. Multi-row methods
// (CommitStockChanges, CreateOrder, CancelOrder, CompletePurchase) are
// all-or-nothing: one storage transaction, full rollback on any error.
// Version-guarded writes fail with optlock.ErrConflict when the expected
// version no longer matches; callers retry with reloaded state.
type Repository interface {
	CreateStore(ctx context.Context, s domain.Store) (*domain.Store, error)
	ListStores(ctx context.Context) ([]domain.Store, error)
	GetStoreByID(ctx context.Context, id int64) (*domain.Store, error)
	// DefaultStore resolves the fallback store: the lowest-id store in the
	// system. No store at all yields ErrNoStoreConfigured.
	DefaultStore(ctx context.Context) (*domain.Store, error)

	CreateVariant(ctx context.Context, v domain.ProductVariant) (*domain.ProductVariant, error)
	GetVariant(ctx context.Context, id int64) (*domain.ProductVariant, error)
	ListVariants(ctx context.Context) ([]domain.ProductVariant, error)

	GetInventory(ctx context.Context, storeID int64, variantID int64) (*domain.InventoryRecord, error)
	GetInventoryMap(ctx context.Context, storeID int64, variantIDs []int64) (map[int64]int, error)
	ListLowStock(ctx context.Context, storeID int64) ([]domain.InventoryRecord, error)
	CommitStockChanges(ctx context.Context, changes []domain.StockChange) error
	ListInventoryTransactions(ctx context.Context, storeID int64, variantID int64, from time.Time, to time.Time) ([]domain.InventoryTransaction, error)

	CreateOrder(ctx context.Context, order domain.Order, changes []domain.StockChange) (*domain.Order, error)
	GetOrder(ctx context.Context, id int64) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID int64, reason string, at time.Time, changes []domain.StockChange) (*domain.Order, error)
	ListBackorderLines(ctx context.Context, variantID int64, storeID int64, crossStore bool) ([]domain.BackorderLine, error)

	CreatePurchase(ctx context.Context, p domain.Purchase) (*domain.Purchase, error)
	GetPurchase(ctx context.Context, id int64) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, storeID int64, status domain.PurchaseStatus, limit int) ([]domain.Purchase, error)
	TransitionPurchase(ctx context.Context, id int64, to domain.PurchaseStatus, at time.Time) (*domain.Purchase, error)
	// CompletePurchase performs the received -> completed transition and the
	// backorder allocation it triggers inside one transaction: ledger
	// additions, the priority-ordered allocation walk, and order-line
	// fulfillment updates all commit together or not at all.
	CompletePurchase(ctx context.Context, id int64, actor string, crossStore bool, at time.Time) (*domain.Purchase, *domain.AllocationReport, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
