package domain

import "time"

type Store struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ProductVariant struct {
	ID         int64     `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	PriceCents int64     `json:"price_cents"`
	CostCents  int64     `json:"cost_cents"`
	CreatedAt  time.Time `json:"created_at"`
}

// InventoryRecord is the authoritative quantity row for one (store, variant)
// pair. Quantity never goes below zero; Version increments by one on every
// successful mutating write and is never bumped on creation.
type InventoryRecord struct {
	ID                int64     `json:"id"`
	StoreID           int64     `json:"store_id"`
	VariantID         int64     `json:"product_variant_id"`
	Quantity          int       `json:"quantity"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	Version           int64     `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type TransactionType string

const (
	TxAddition       TransactionType = "addition"
	TxReduction      TransactionType = "reduction"
	TxAdjustment     TransactionType = "adjustment"
	TxTransferIn     TransactionType = "transfer_in"
	TxTransferOut    TransactionType = "transfer_out"
	TxTransferCancel TransactionType = "transfer_cancel"
)

// InventoryTransaction is an append-only audit row. AfterQuantity is always
// BeforeQuantity + Quantity; rows are never updated or deleted.
type InventoryTransaction struct {
	ID             int64             `json:"id"`
	InventoryID    int64             `json:"inventory_id"`
	Type           TransactionType   `json:"type"`
	Quantity       int               `json:"quantity"`
	BeforeQuantity int               `json:"before_quantity"`
	AfterQuantity  int               `json:"after_quantity"`
	Actor          string            `json:"actor"`
	Note           string            `json:"note"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// StockChange is one version-guarded ledger mutation. The service reads the
// record, decides the delta, and hands the expected version to the store; the
// store's conditional write either applies the change together with its audit
// transaction or fails with no effect.
type StockChange struct {
	StoreID         int64
	VariantID       int64
	Delta           int
	Type            TransactionType
	Actor           string
	Note            string
	Metadata        map[string]string
	BeforeQuantity  int
	ExpectedVersion int64
	// CreateIfMissing lazily creates the record with quantity = Delta and
	// version 0. Only positive deltas may create records.
	CreateIfMissing   bool
	LowStockThreshold int
}

// LineKind is the closed classification of an order line. Exactly one kind
// applies at creation and the kind never changes afterward.
type LineKind string

const (
	LineStockedSale LineKind = "stocked_sale"
	LineBackorder   LineKind = "backorder"
	LineCustom      LineKind = "custom"
)

type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities for allocation: higher rank is served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

type OrderLine struct {
	ID                int64      `json:"id"`
	OrderID           int64      `json:"order_id"`
	VariantID         *int64     `json:"product_variant_id,omitempty"`
	Kind              LineKind   `json:"kind"`
	SKU               string     `json:"sku,omitempty"`
	Description       string     `json:"description,omitempty"`
	Quantity          int        `json:"quantity"`
	UnitPriceCents    int64      `json:"unit_price_cents"`
	DiscountCents     int64      `json:"discount_cents"`
	FulfilledQuantity int        `json:"fulfilled_quantity"`
	IsFulfilled       bool       `json:"is_fulfilled"`
	FulfilledAt       *time.Time `json:"fulfilled_at,omitempty"`
}

func (l OrderLine) IsStockedSale() bool { return l.Kind == LineStockedSale }
func (l OrderLine) IsBackorder() bool   { return l.Kind == LineBackorder }

const (
	OrderStatusOpen      = "open"
	OrderStatusCancelled = "cancelled"
)

type Order struct {
	ID              int64       `json:"id"`
	OrderNumber     string      `json:"order_number"`
	StoreID         int64       `json:"store_id"`
	CustomerName    string      `json:"customer_name,omitempty"`
	Priority        Priority    `json:"priority"`
	Status          string      `json:"status"`
	SubtotalCents   int64       `json:"subtotal_cents"`
	ShippingCents   int64       `json:"shipping_cents"`
	TaxCents        int64       `json:"tax_cents"`
	DiscountCents   int64       `json:"discount_cents"`
	GrandTotalCents int64       `json:"grand_total_cents"`
	CreatedBy       string      `json:"created_by"`
	CancelReason    string      `json:"cancel_reason,omitempty"`
	CancelledAt     *time.Time  `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	Lines           []OrderLine `json:"lines"`
}

type PurchaseLine struct {
	ID                     int64 `json:"id"`
	PurchaseID             int64 `json:"purchase_id"`
	VariantID              int64 `json:"product_variant_id"`
	Quantity               int   `json:"quantity"`
	CostCents              int64 `json:"cost_price_cents"`
	AllocatedShippingCents int64 `json:"allocated_shipping_cents"`
}

type Purchase struct {
	ID            int64          `json:"id"`
	OrderNumber   string         `json:"order_number"`
	StoreID       int64          `json:"store_id"`
	Status        PurchaseStatus `json:"status"`
	ShippingCents int64          `json:"shipping_cost_cents"`
	TotalCents    int64          `json:"total_cents"`
	CreatedBy     string         `json:"created_by"`
	PurchasedAt   time.Time      `json:"purchased_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Lines         []PurchaseLine `json:"lines"`
}

type StockDecisionAction string

const (
	DecisionTransfer StockDecisionAction = "transfer"
	DecisionPurchase StockDecisionAction = "purchase"
)

type StockTransferSource struct {
	FromStoreID int64 `json:"from_store_id" validate:"required,gt=0"`
	Quantity    int   `json:"quantity" validate:"required,gt=0"`
}

// StockDecision is the operator's remedy for a stocked-sale line the ordering
// store cannot satisfy: move quantity from other stores, or defer to a
// purchase raised later.
type StockDecision struct {
	VariantID        int64                 `json:"variant_id" validate:"required,gt=0"`
	Action           StockDecisionAction   `json:"action" validate:"required,oneof=transfer purchase"`
	Transfers        []StockTransferSource `json:"transfers,omitempty" validate:"dive"`
	PurchaseQuantity int                   `json:"purchase_quantity,omitempty"`
}

type Shortfall struct {
	VariantID int64 `json:"variant"`
	Requested int   `json:"requested"`
	Available int   `json:"available"`
}

type StockCheckItem struct {
	VariantID int64 `json:"variant_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type Actor struct {
	Name string
	Role string
}

type TimeSeriesPoint struct {
	Date     string `json:"date"`
	Quantity int    `json:"quantity"`
}
