package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lakupos/internal/domain"
	"lakupos/internal/store"
	"lakupos/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	stockLevels     map[string]map[string]int
	ledger          []domain.StockLedgerEntry
	ledgerByID      map[string]int
	salesByID       map[string]*domain.Sale
	salesByIdem     map[string]*domain.Sale
	nextInvoice     int64
	customersByID   map[string]domain.Customer
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
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

func NewSeeded() *Store {
	products := []domain.Product{
		{SKU: "SKU-MIE-01", Name: "Mie Goreng Instan", PriceCents: 3500, Active: true},
		{SKU: "SKU-TELUR-01", Name: "Telur 10 Butir", PriceCents: 26500, Active: true},
		{SKU: "SKU-SUSU-01", Name: "Susu UHT 1L", PriceCents: 18900, Active: true},
		{SKU: "SKU-ROTI-01", Name: "Roti Tawar", PriceCents: 17800, Active: true},
		{SKU: "SKU-KOPI-01", Name: "Kopi Sachet", PriceCents: 2600, Active: true},
		{SKU: "SKU-GULA-01", Name: "Gula 1kg", PriceCents: 17400, Active: true},
		{SKU: "SKU-TEH-01", Name: "Teh Celup", PriceCents: 9800, Active: true},
		{SKU: "SKU-AIR-01", Name: "Air Mineral 600ml", PriceCents: 3900, Active: true},
		{SKU: "SKU-KERIPIK-01", Name: "Keripik Singkong", PriceCents: 12800, Active: true},
		{SKU: "SKU-COKLAT-01", Name: "Coklat Batang", PriceCents: 8600, Active: true},
		{SKU: "SKU-SABUN-01", Name: "Sabun Mandi", PriceCents: 7400, Active: true},
		{SKU: "SKU-SHAMPOO-01", Name: "Shampoo Sachet", PriceCents: 3200, Active: true},
	}

	productMap := make(map[string]domain.Product, len(products))
	stockLevels := make(map[string]map[string]int)
	stockLevels["main-branch"] = make(map[string]int)
	for _, p := range products {
		productMap[p.SKU] = p
		stockLevels["main-branch"][p.SKU] = 120
	}

	return &Store{
		products:        productMap,
		stockLevels:     stockLevels,
		ledger:          make([]domain.StockLedgerEntry, 0, 256),
		ledgerByID:      make(map[string]int),
		salesByID:       make(map[string]*domain.Sale),
		salesByIdem:     make(map[string]*domain.Sale),
		nextInvoice:     1,
		customersByID:   make(map[string]domain.Customer),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpString(a.SKU, b.SKU)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}
	if _, exists := s.products[product.SKU]; exists {
		return nil, store.ErrInvalidSale
	}

	product.Active = true
	s.products[product.SKU] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[sku]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}
	if _, exists := s.products[product.SKU]; !exists {
		return nil, store.ErrNotFound
	}

	s.products[product.SKU] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok && p.Active {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) GetStockMap(_ context.Context, branchID string, skus []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stockMap := make(map[string]int, len(skus))
	branchStock := s.stockLevels[branchID]
	for _, sku := range skus {
		if branchStock == nil {
			stockMap[sku] = 0
			continue
		}
		stockMap[sku] = branchStock[sku]
	}
	return stockMap, nil
}

func (s *Store) SetStock(_ context.Context, branchID string, sku string, qty int) error {
	if sku == "" || qty < 0 {
		return store.ErrInvalidSale
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[sku]; !exists {
		return fmt.Errorf("sku %s unavailable", sku)
	}
	branchStock, ok := s.stockLevels[branchID]
	if !ok {
		branchStock = make(map[string]int)
		s.stockLevels[branchID] = branchStock
	}
	branchStock[sku] = qty
	return nil
}

func (s *Store) ApplyStockDelta(_ context.Context, delta store.StockDelta) (*domain.StockLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.applyDeltaLocked(delta, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	copyEntry := *entry
	return &copyEntry, nil
}

// applyDeltaLocked mutates the level and appends the ledger entry under an
// already held write lock. Negative resulting levels are allowed and flagged.
func (s *Store) applyDeltaLocked(delta store.StockDelta, at time.Time) (*domain.StockLedgerEntry, error) {
	if delta.SKU == "" || delta.Delta == 0 || delta.BranchID == "" {
		return nil, store.ErrInvalidSale
	}
	if _, exists := s.products[delta.SKU]; !exists {
		return nil, fmt.Errorf("sku %s unavailable", delta.SKU)
	}

	branchStock, ok := s.stockLevels[delta.BranchID]
	if !ok {
		branchStock = make(map[string]int)
		s.stockLevels[delta.BranchID] = branchStock
	}
	branchStock[delta.SKU] += delta.Delta
	resulting := branchStock[delta.SKU]

	entry := domain.StockLedgerEntry{
		ID:                 xid.New("sle"),
		BranchID:           delta.BranchID,
		SKU:                delta.SKU,
		Delta:              delta.Delta,
		CauseType:          delta.CauseType,
		CauseID:            delta.CauseID,
		ResultingLevel:     resulting,
		FlaggedDiscrepancy: resulting < 0,
		CreatedAt:          at,
	}
	s.ledger = append(s.ledger, entry)
	s.ledgerByID[entry.ID] = len(s.ledger) - 1
	return &s.ledger[len(s.ledger)-1], nil
}

func (s *Store) ListStockLedger(_ context.Context, branchID string, sku string, limit int) ([]domain.StockLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockLedgerEntry, 0, 64)
	for _, entry := range s.ledger {
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if sku != "" && entry.SKU != sku {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.StockLedgerEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListFlaggedDiscrepancies(_ context.Context, branchID string, limit int) ([]domain.StockLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockLedgerEntry, 0, 16)
	for _, entry := range s.ledger {
		if !entry.FlaggedDiscrepancy {
			continue
		}
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.StockLedgerEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ClearDiscrepancyFlag(_ context.Context, entryID string) (*domain.StockLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, exists := s.ledgerByID[entryID]
	if !exists {
		return nil, store.ErrNotFound
	}
	s.ledger[idx].FlaggedDiscrepancy = false
	copyEntry := s.ledger[idx]
	return &copyEntry, nil
}

func (s *Store) CommitSale(_ context.Context, commit store.SaleCommit) (*domain.Sale, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale := commit.Sale
	if sale.IdempotencyKey == "" || len(sale.Lines) == 0 {
		return nil, false, store.ErrInvalidSale
	}

	if existing, ok := s.salesByIdem[sale.IdempotencyKey]; ok {
		return cloneSale(existing), true, nil
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.InvoiceNumber = s.nextInvoice
	s.nextInvoice++

	for _, delta := range commit.Deltas {
		if _, err := s.applyDeltaLocked(delta, sale.CreatedAt); err != nil {
			return nil, false, err
		}
	}

	saleCopy := cloneSale(&sale)
	s.salesByID[sale.ID] = saleCopy
	s.salesByIdem[sale.IdempotencyKey] = saleCopy

	return cloneSale(saleCopy), false, nil
}

func (s *Store) FindSaleByIdempotencyKey(_ context.Context, key string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, branchID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 64)
	for _, sale := range s.salesByID {
		if branchID != "" && sale.BranchID != branchID {
			continue
		}
		result = append(result, *cloneSale(sale))
	}

	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.InvoiceNumber == b.InvoiceNumber {
			return cmpString(a.ID, b.ID)
		}
		if a.InvoiceNumber > b.InvoiceNumber {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) VoidSale(_ context.Context, id string, reason string, voidedBy string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Voided {
		return nil, store.ErrAlreadyVoided
	}

	for _, line := range sale.Lines {
		delta := store.StockDelta{
			BranchID:  sale.BranchID,
			SKU:       line.SKU,
			Delta:     line.Qty,
			CauseType: domain.LedgerCauseVoid,
			CauseID:   sale.ID,
		}
		if _, err := s.applyDeltaLocked(delta, at); err != nil {
			return nil, err
		}
	}

	sale.Voided = true
	sale.VoidReason = reason
	sale.VoidedBy = voidedBy
	sale.VoidedAt = &at

	return cloneSale(sale), nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.customersByID[customer.ID] = customer
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customersByID))
	for _, customer := range s.customersByID {
		customers = append(customers, customer)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(customers) > limit {
		customers = customers[:limit]
	}
	return customers, nil
}

func (s *Store) AddCustomerSpend(_ context.Context, customerID string, deltaCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return store.ErrNotFound
	}
	customer.TotalSpentCents += deltaCents
	if customer.TotalSpentCents < 0 {
		customer.TotalSpentCents = 0
	}
	s.customersByID[customerID] = customer
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if branchID != "" && entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidSale
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dupLines := make([]domain.SaleLine, len(src.Lines))
	copy(dupLines, src.Lines)
	dup.Lines = dupLines
	if src.VoidedAt != nil {
		at := *src.VoidedAt
		dup.VoidedAt = &at
	}
	return &dup
}
