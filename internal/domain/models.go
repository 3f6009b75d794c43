package domain

import "time"

type Product struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Active     bool   `json:"active"`
}

type ProductCreateRequest struct {
	BranchID     string `json:"branch_id"`
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Active     *bool   `json:"active,omitempty"`
}

// SaleLine is one line item of a commit request. Unit price and discount
// values sent by the terminal are advisory; committed totals are always
// recomputed from the catalog on the server.
type SaleLine struct {
	SKU            string `json:"sku"`
	Qty            int    `json:"qty"`
	UnitPriceCents int64  `json:"unit_price_cents,omitempty"`
	DiscountType   string `json:"discount_type,omitempty"`
	DiscountValue  int64  `json:"discount_value,omitempty"`
	LineTotalCents int64  `json:"line_total_cents,omitempty"`
}

const (
	DiscountTypeFlat    = "flat"
	DiscountTypePercent = "percent"
)

// CommitRequest is the payload a terminal sends, or queues while offline,
// for one sale. IdempotencyKey is generated once at point of sale and stays
// stable across every retry of the same logical transaction.
type CommitRequest struct {
	IdempotencyKey string     `json:"idempotency_key"`
	BranchID       string     `json:"branch_id"`
	TerminalID     string     `json:"terminal_id"`
	CustomerID     string     `json:"customer_id,omitempty"`
	PaymentMethod  string     `json:"payment_method"`
	Lines          []SaleLine `json:"lines"`
	ClientTime     time.Time  `json:"client_time"`
}

// Sale is the committed record. At most one exists per idempotency key.
// Once voided it never changes again apart from the void audit fields.
type Sale struct {
	ID             string     `json:"id"`
	InvoiceNumber  int64      `json:"invoice_number"`
	IdempotencyKey string     `json:"idempotency_key"`
	BranchID       string     `json:"branch_id"`
	TerminalID     string     `json:"terminal_id"`
	CustomerID     string     `json:"customer_id,omitempty"`
	PaymentMethod  string     `json:"payment_method"`
	Lines          []SaleLine `json:"lines"`
	SubtotalCents  int64      `json:"subtotal_cents"`
	DiscountCents  int64      `json:"discount_cents"`
	TaxCents       int64      `json:"tax_cents"`
	TotalCents     int64      `json:"total_cents"`
	Voided         bool       `json:"voided"`
	VoidReason     string     `json:"void_reason,omitempty"`
	VoidedBy       string     `json:"voided_by,omitempty"`
	VoidedAt       *time.Time `json:"voided_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type CommitResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

// StockLedgerEntry is one signed append-only stock adjustment. The sum of
// deltas for a SKU equals its materialized level; the level is a projection,
// not a second source of truth.
type StockLedgerEntry struct {
	ID                 string    `json:"id"`
	BranchID           string    `json:"branch_id"`
	SKU                string    `json:"sku"`
	Delta              int       `json:"delta"`
	CauseType          string    `json:"cause_type"`
	CauseID            string    `json:"cause_id"`
	ResultingLevel     int       `json:"resulting_level"`
	FlaggedDiscrepancy bool      `json:"flagged_discrepancy"`
	CreatedAt          time.Time `json:"created_at"`
}

const (
	LedgerCauseSale    = "sale"
	LedgerCauseVoid    = "void"
	LedgerCauseRestock = "restock"
)

type StockLevel struct {
	BranchID string `json:"branch_id"`
	SKU      string `json:"sku"`
	Qty      int    `json:"qty"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

type VoidResponse struct {
	Sale Sale `json:"sale"`
}

type SaleLookupResponse struct {
	Found bool  `json:"found"`
	Sale  *Sale `json:"sale,omitempty"`
}

type Customer struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone,omitempty"`
	TotalSpentCents int64     `json:"total_spent_cents"`
	CreatedAt       time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type RestockRequest struct {
	BranchID string `json:"branch_id"`
	SKU      string `json:"sku"`
	Qty      int    `json:"qty"`
}

// QueuedTransaction is the terminal-side unit of work in the durable queue.
// The terminal owns it exclusively; the server never sees this shape.
type QueuedTransaction struct {
	Seq           uint64        `json:"seq"`
	Key           string        `json:"key"`
	Payload       CommitRequest `json:"payload"`
	Status        QueueStatus   `json:"status"`
	Attempts      int           `json:"attempts"`
	FailReason    string        `json:"fail_reason,omitempty"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	LastAttemptAt time.Time     `json:"last_attempt_at"`
}

type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueInFlight QueueStatus = "in_flight"
	QueueFailed   QueueStatus = "failed"
)

// QueueCounts is the aggregate indicator surfaced on the terminal instead
// of per-transaction errors. Committed is a running total of synced entries;
// acknowledged entries leave the queue, so it only ever grows.
type QueueCounts struct {
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	BranchID      string    `json:"branch_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type InvoiceResponse struct {
	SaleID        string `json:"sale_id"`
	InvoiceNumber int64  `json:"invoice_number"`
	EscposBase64  string `json:"escpos_base64"`
	PreviewText   string `json:"preview_text"`
	FileName      string `json:"file_name"`
}

const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQR       = "qr"
	PaymentTransfer = "transfer"
)
