package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lomismoney/Mir01-sub000/internal/domain"
	"github.com/lomismoney/Mir01-sub000/internal/optlock"
	"github.com/lomismoney/Mir01-sub000/internal/store"
)

// Store is the in-memory Repository used for dev mode and tests. It keeps the
// same semantics as the postgres store: version-guarded stock writes,
// all-or-nothing batches, append-only transaction log.
type Store struct {
	mu           sync.RWMutex
	stores       map[int64]domain.Store
	variants     map[int64]domain.ProductVariant
	inventory    map[string]*domain.InventoryRecord
	transactions map[int64][]domain.InventoryTransaction
	orders       map[int64]*domain.Order
	purchases    map[int64]*domain.Purchase
	users        map[string]domain.UserAccount

	nextStoreID     int64
	nextVariantID   int64
	nextInventoryID int64
	nextTxnID       int64
	nextOrderID     int64
	nextLineID      int64
	nextPurchaseID  int64
	nextPLineID     int64
}

func invKey(storeID, variantID int64) string {
	return fmt.Sprintf("%d:%d", storeID, variantID)
}

func New() *Store {
	return &Store{
		stores:       make(map[int64]domain.Store),
		variants:     make(map[int64]domain.ProductVariant),
		inventory:    make(map[string]*domain.InventoryRecord),
		transactions: make(map[int64][]domain.InventoryTransaction),
		orders:       make(map[int64]*domain.Order),
		purchases:    make(map[int64]*domain.Purchase),
		users:        seedUsers(),
	}
}

// NewSeeded returns a store pre-loaded with two stores and a small variant
// catalog for dev/demo mode.
func NewSeeded() *Store {
	s := New()
	ctx := context.Background()

	_, _ = s.CreateStore(ctx, domain.Store{Name: "Main Store"})
	_, _ = s.CreateStore(ctx, domain.Store{Name: "East Branch"})

	variants := []domain.ProductVariant{
		{SKU: "SOFA-3S-GRY", Name: "Three-Seat Sofa Grey", PriceCents: 1299900, CostCents: 712000},
		{SKU: "TABLE-DIN-OAK", Name: "Dining Table Oak", PriceCents: 859900, CostCents: 430000},
		{SKU: "CHAIR-DIN-OAK", Name: "Dining Chair Oak", PriceCents: 129900, CostCents: 52000},
		{SKU: "LAMP-FLR-BLK", Name: "Floor Lamp Black", PriceCents: 89900, CostCents: 31000},
		{SKU: "BED-Q-WHT", Name: "Queen Bed Frame White", PriceCents: 1599900, CostCents: 880000},
	}
	for _, v := range variants {
		created, err := s.CreateVariant(ctx, v)
		if err != nil {
			continue
		}
		_ = s.CommitStockChanges(ctx, []domain.StockChange{{
			StoreID:           1,
			VariantID:         created.ID,
			Delta:             20,
			Type:              domain.TxAddition,
			Actor:             "seed",
			Note:              "initial stock",
			CreateIfMissing:   true,
			LowStockThreshold: 5,
		}})
	}

	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD; unset
// variables fall back to dev defaults with a warning. Production deployments
// use PostgreSQL and never touch these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateStore(_ context.Context, st domain.Store) (*domain.Store, error) {
	if strings.TrimSpace(st.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextStoreID++
	st.ID = s.nextStoreID
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.stores[st.ID] = st
	created := st
	return &created, nil
}

func (s *Store) ListStores(_ context.Context) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Store, 0, len(s.stores))
	for _, st := range s.stores {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetStoreByID(_ context.Context, id int64) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stores[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := st
	return &found, nil
}

func (s *Store) DefaultStore(_ context.Context) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lowest *domain.Store
	for id := range s.stores {
		st := s.stores[id]
		if lowest == nil || st.ID < lowest.ID {
			copied := st
			lowest = &copied
		}
	}
	if lowest == nil {
		return nil, store.ErrNoStoreConfigured
	}
	return lowest, nil
}

func (s *Store) CreateVariant(_ context.Context, v domain.ProductVariant) (*domain.ProductVariant, error) {
	v.SKU = strings.ToUpper(strings.TrimSpace(v.SKU))
	if v.SKU == "" || strings.TrimSpace(v.Name) == "" || v.PriceCents < 0 {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.variants {
		if existing.SKU == v.SKU {
			return nil, store.ErrInvalidInput
		}
	}
	s.nextVariantID++
	v.ID = s.nextVariantID
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	s.variants[v.ID] = v
	created := v
	return &created, nil
}

func (s *Store) GetVariant(_ context.Context, id int64) (*domain.ProductVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := v
	return &found, nil
}

func (s *Store) ListVariants(_ context.Context) ([]domain.ProductVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ProductVariant, 0, len(s.variants))
	for _, v := range s.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetInventory(_ context.Context, storeID int64, variantID int64) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.inventory[invKey(storeID, variantID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := *rec
	return &found, nil
}

func (s *Store) GetInventoryMap(_ context.Context, storeID int64, variantIDs []int64) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]int, len(variantIDs))
	for _, id := range variantIDs {
		if rec, ok := s.inventory[invKey(storeID, id)]; ok {
			out[id] = rec.Quantity
		} else {
			out[id] = 0
		}
	}
	return out, nil
}

func (s *Store) ListLowStock(_ context.Context, storeID int64) ([]domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InventoryRecord, 0)
	for _, rec := range s.inventory {
		if rec.StoreID != storeID {
			continue
		}
		if rec.LowStockThreshold > 0 && rec.Quantity <= rec.LowStockThreshold {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out, nil
}

func (s *Store) CommitStockChanges(_ context.Context, changes []domain.StockChange) error {
	if len(changes) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(changes, time.Now().UTC())
}

// commitLocked validates every change against a staged copy first, so a
// failing line leaves no line applied.
func (s *Store) commitLocked(changes []domain.StockChange, now time.Time) error {
	type staged struct {
		rec    domain.InventoryRecord
		exists bool
	}
	stage := make(map[string]*staged, len(changes))
	var txns []domain.InventoryTransaction

	load := func(key string) *staged {
		if st, ok := stage[key]; ok {
			return st
		}
		st := &staged{}
		if rec, ok := s.inventory[key]; ok {
			st.rec = *rec
			st.exists = true
		}
		stage[key] = st
		return st
	}

	for _, change := range changes {
		if change.Delta == 0 && change.Type != domain.TxAdjustment {
			return store.ErrInvalidInput
		}
		key := invKey(change.StoreID, change.VariantID)
		st := load(key)

		if !st.exists {
			if !change.CreateIfMissing || change.Delta <= 0 {
				return store.ErrNotFound
			}
			st.rec = domain.InventoryRecord{
				StoreID:           change.StoreID,
				VariantID:         change.VariantID,
				Quantity:          change.Delta,
				LowStockThreshold: change.LowStockThreshold,
				Version:           0,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			st.exists = true
			txns = append(txns, domain.InventoryTransaction{
				Type:           change.Type,
				Quantity:       change.Delta,
				BeforeQuantity: 0,
				AfterQuantity:  change.Delta,
				Actor:          change.Actor,
				Note:           change.Note,
				Metadata:       change.Metadata,
				CreatedAt:      now,
			})
			continue
		}

		if st.rec.Version != change.ExpectedVersion {
			return optlock.ErrConflict
		}
		before := st.rec.Quantity
		after := before + change.Delta
		if after < 0 {
			return &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
				VariantID: change.VariantID,
				Requested: -change.Delta,
				Available: before,
			}}}
		}
		st.rec.Quantity = after
		st.rec.Version++
		st.rec.UpdatedAt = now
		txns = append(txns, domain.InventoryTransaction{
			Type:           change.Type,
			Quantity:       change.Delta,
			BeforeQuantity: before,
			AfterQuantity:  after,
			Actor:          change.Actor,
			Note:           change.Note,
			Metadata:       change.Metadata,
			CreatedAt:      now,
		})
	}

	// Everything validated; write back.
	for key, st := range stage {
		if existing, ok := s.inventory[key]; ok {
			id := existing.ID
			*existing = st.rec
			existing.ID = id
		} else {
			s.nextInventoryID++
			st.rec.ID = s.nextInventoryID
			copied := st.rec
			s.inventory[key] = &copied
		}
	}
	for i, change := range changes {
		rec := s.inventory[invKey(change.StoreID, change.VariantID)]
		s.nextTxnID++
		txns[i].ID = s.nextTxnID
		txns[i].InventoryID = rec.ID
		s.transactions[rec.ID] = append(s.transactions[rec.ID], txns[i])
	}
	return nil
}

func (s *Store) ListInventoryTransactions(_ context.Context, storeID int64, variantID int64, from time.Time, to time.Time) ([]domain.InventoryTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.inventory[invKey(storeID, variantID)]
	if !ok {
		return []domain.InventoryTransaction{}, nil
	}
	out := make([]domain.InventoryTransaction, 0, len(s.transactions[rec.ID]))
	for _, txn := range s.transactions[rec.ID] {
		if !from.IsZero() && txn.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && txn.CreatedAt.After(to) {
			continue
		}
		out = append(out, txn)
	}
	return out, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, changes []domain.StockChange) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.commitLocked(changes, now); err != nil {
		return nil, err
	}

	s.nextOrderID++
	order.ID = s.nextOrderID
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusOpen
	}
	lines := make([]domain.OrderLine, len(order.Lines))
	copy(lines, order.Lines)
	for i := range lines {
		s.nextLineID++
		lines[i].ID = s.nextLineID
		lines[i].OrderID = order.ID
	}
	order.Lines = lines
	copied := cloneOrder(&order)
	s.orders[order.ID] = copied

	result := cloneOrder(copied)
	return result, nil
}

func (s *Store) GetOrder(_ context.Context, id int64) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) CancelOrder(_ context.Context, orderID int64, reason string, at time.Time, changes []domain.StockChange) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status == domain.OrderStatusCancelled {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.commitLocked(changes, at); err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatusCancelled
	order.CancelReason = reason
	order.CancelledAt = &at
	return cloneOrder(order), nil
}

func (s *Store) ListBackorderLines(_ context.Context, variantID int64, storeID int64, crossStore bool) ([]domain.BackorderLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.backorderLinesLocked(variantID, storeID, crossStore), nil
}

func (s *Store) backorderLinesLocked(variantID int64, storeID int64, crossStore bool) []domain.BackorderLine {
	out := make([]domain.BackorderLine, 0)
	for _, order := range s.orders {
		if order.Status != domain.OrderStatusOpen {
			continue
		}
		if !crossStore && order.StoreID != storeID {
			continue
		}
		for _, line := range order.Lines {
			if line.Kind != domain.LineBackorder {
				continue
			}
			if line.VariantID == nil || *line.VariantID != variantID {
				continue
			}
			if line.FulfilledQuantity >= line.Quantity {
				continue
			}
			out = append(out, domain.BackorderLine{
				LineID:            line.ID,
				OrderID:           order.ID,
				StoreID:           order.StoreID,
				VariantID:         variantID,
				Priority:          order.Priority,
				OrderCreatedAt:    order.CreatedAt,
				Quantity:          line.Quantity,
				FulfilledQuantity: line.FulfilledQuantity,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LineID < out[j].LineID })
	return out
}

func (s *Store) CreatePurchase(_ context.Context, p domain.Purchase) (*domain.Purchase, error) {
	if len(p.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if p.Status == "" {
		p.Status = domain.PurchasePending
	}
	if !p.Status.Valid() {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPurchaseID++
	p.ID = s.nextPurchaseID
	if p.PurchasedAt.IsZero() {
		p.PurchasedAt = time.Now().UTC()
	}
	lines := make([]domain.PurchaseLine, len(p.Lines))
	copy(lines, p.Lines)
	for i := range lines {
		s.nextPLineID++
		lines[i].ID = s.nextPLineID
		lines[i].PurchaseID = p.ID
	}
	p.Lines = lines
	copied := clonePurchase(&p)
	s.purchases[p.ID] = copied
	return clonePurchase(copied), nil
}

func (s *Store) GetPurchase(_ context.Context, id int64) (*domain.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.purchases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePurchase(p), nil
}

func (s *Store) ListPurchases(_ context.Context, storeID int64, status domain.PurchaseStatus, limit int) ([]domain.Purchase, error) {
	if limit < 1 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Purchase, 0)
	for _, p := range s.purchases {
		if storeID != 0 && p.StoreID != storeID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *clonePurchase(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionPurchase(_ context.Context, id int64, to domain.PurchaseStatus, at time.Time) (*domain.Purchase, error) {
	// The completed transition must go through CompletePurchase so the
	// allocation side effects cannot be skipped.
	if to == domain.PurchaseCompleted {
		return nil, store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !p.Status.CanTransition(to) {
		return nil, domain.NewTransitionError(p.Status, to)
	}
	p.Status = to
	return clonePurchase(p), nil
}

func (s *Store) CompletePurchase(_ context.Context, id int64, actor string, crossStore bool, at time.Time) (*domain.Purchase, *domain.AllocationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if !p.Status.CanTransition(domain.PurchaseCompleted) {
		return nil, nil, domain.NewTransitionError(p.Status, domain.PurchaseCompleted)
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	report := &domain.AllocationReport{PurchaseID: p.ID}
	for _, line := range p.Lines {
		change := domain.StockChange{
			StoreID:         p.StoreID,
			VariantID:       line.VariantID,
			Delta:           line.Quantity,
			Type:            domain.TxAddition,
			Actor:           actor,
			Note:            fmt.Sprintf("purchase %s completed", p.OrderNumber),
			Metadata:        map[string]string{"purchase_id": fmt.Sprintf("%d", p.ID)},
			CreateIfMissing: true,
		}
		if rec, exists := s.inventory[invKey(p.StoreID, line.VariantID)]; exists {
			change.ExpectedVersion = rec.Version
		}
		if err := s.commitLocked([]domain.StockChange{change}, at); err != nil {
			return nil, nil, err
		}

		demand := s.backorderLinesLocked(line.VariantID, p.StoreID, crossStore)
		plan := domain.PlanAllocation(demand, line.Quantity)
		allocated := 0
		for _, award := range plan {
			order := s.orders[award.OrderID]
			if order == nil {
				continue
			}
			for i := range order.Lines {
				if order.Lines[i].ID != award.LineID {
					continue
				}
				order.Lines[i].FulfilledQuantity += award.Quantity
				if award.Fulfilled {
					order.Lines[i].IsFulfilled = true
					stamped := at
					order.Lines[i].FulfilledAt = &stamped
				}
				break
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

	p.Status = domain.PurchaseCompleted
	completed := at
	p.CompletedAt = &completed
	return clonePurchase(p), report, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.TrimSpace(user.Username)
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func cloneOrder(order *domain.Order) *domain.Order {
	copied := *order
	copied.Lines = make([]domain.OrderLine, len(order.Lines))
	copy(copied.Lines, order.Lines)
	for i := range copied.Lines {
		if order.Lines[i].VariantID != nil {
			v := *order.Lines[i].VariantID
			copied.Lines[i].VariantID = &v
		}
		if order.Lines[i].FulfilledAt != nil {
			t := *order.Lines[i].FulfilledAt
			copied.Lines[i].FulfilledAt = &t
		}
	}
	if order.CancelledAt != nil {
		t := *order.CancelledAt
		copied.CancelledAt = &t
	}
	return &copied
}

func clonePurchase(p *domain.Purchase) *domain.Purchase {
	copied := *p
	copied.Lines = make([]domain.PurchaseLine, len(p.Lines))
	copy(copied.Lines, p.Lines)
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		copied.CompletedAt = &t
	}
	return &copied
}
