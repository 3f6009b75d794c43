package store

import (
	"context"
	"errors"
	"time"

	"lakupos/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyVoided = errors.New("sale already voided")
	ErrInvalidSale   = errors.New("invalid sale")
)

// SaleCommit carries everything CommitSale must persist atomically: the
// sale row, its per-line stock deltas, and the customer spend increment.
type SaleCommit struct {
	Sale   domain.Sale
	Deltas []StockDelta
}

// StockDelta is one signed adjustment applied to a materialized stock level
// together with the ledger entry that records it.
type StockDelta struct {
	BranchID  string
	SKU       string
	Delta     int
	CauseType string
	CauseID   string
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)

	GetStockMap(ctx context.Context, branchID string, skus []string) (map[string]int, error)
	SetStock(ctx context.Context, branchID string, sku string, qty int) error
	// ApplyStockDelta adjusts one materialized level and appends the matching
	// ledger entry in a single atomic step. Oversell is never rejected; a
	// negative resulting level flags the entry instead.
	ApplyStockDelta(ctx context.Context, delta StockDelta) (*domain.StockLedgerEntry, error)
	ListStockLedger(ctx context.Context, branchID string, sku string, limit int) ([]domain.StockLedgerEntry, error)
	ListFlaggedDiscrepancies(ctx context.Context, branchID string, limit int) ([]domain.StockLedgerEntry, error)
	ClearDiscrepancyFlag(ctx context.Context, entryID string) (*domain.StockLedgerEntry, error)

	// CommitSale persists the sale and applies every stock delta atomically.
	// When a sale with the same idempotency key already exists, the existing
	// sale is returned with duplicate=true and nothing is written.
	CommitSale(ctx context.Context, commit SaleCommit) (*domain.Sale, bool, error)
	FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error)
	// VoidSale marks the sale voided and applies the inverse deltas in the
	// same atomic step. A second void returns ErrAlreadyVoided.
	VoidSale(ctx context.Context, id string, reason string, voidedBy string, at time.Time) (*domain.Sale, error)

	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error)
	AddCustomerSpend(ctx context.Context, customerID string, deltaCents int64) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
