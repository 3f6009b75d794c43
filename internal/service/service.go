package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"lakupos/internal/cache"
	"lakupos/internal/domain"
	"lakupos/internal/invoice"
	"lakupos/internal/store"
	"lakupos/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const saleCacheTTL = 24 * time.Hour

type Service struct {
	repo            store.Repository
	sales           cache.SaleCache
	defaultBranchID string
	taxRatePercent  float64
}

func New(repo store.Repository, sales cache.SaleCache, defaultBranchID string, taxRatePercent float64) *Service {
	if defaultBranchID == "" {
		defaultBranchID = "main-branch"
	}
	if sales == nil {
		sales = cache.NoopSaleCache{}
	}
	if taxRatePercent < 0 || taxRatePercent > 100 {
		taxRatePercent = 0
	}

	return &Service{
		repo:            repo,
		sales:           sales,
		defaultBranchID: defaultBranchID,
		taxRatePercent:  taxRatePercent,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)

	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidSale
	}
	if req.PriceCents < 1 || req.InitialStock < 0 {
		return domain.Product{}, store.ErrInvalidSale
	}

	product := domain.Product{
		SKU:        req.SKU,
		Name:       req.Name,
		PriceCents: req.PriceCents,
		Active:     true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if req.InitialStock > 0 {
		_, err := s.repo.ApplyStockDelta(ctx, store.StockDelta{
			BranchID:  req.BranchID,
			SKU:       created.SKU,
			Delta:     req.InitialStock,
			CauseType: domain.LedgerCauseRestock,
			CauseID:   "initial-stock",
		})
		if err != nil {
			return domain.Product{}, err
		}
	}

	s.logAudit(ctx, req.BranchID, "product_create", "product", created.SKU, fmt.Sprintf("name=%s,price=%d,stock=%d", created.Name, created.PriceCents, req.InitialStock))

	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, sku string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return domain.Product{}, store.ErrInvalidSale
	}

	existing, err := s.repo.GetProductBySKU(ctx, sku)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.Name = name
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrInvalidSale
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, s.defaultBranchID, "product_update", "product", saved.SKU, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.PriceCents))

	return *saved, nil
}

// CommitSale is the idempotent server-side commit. The first call with a
// given idempotency key writes the sale and its stock deltas atomically;
// every later call with the same key returns the stored sale with the
// duplicate marker set and writes nothing.
func (s *Service) CommitSale(ctx context.Context, req domain.CommitRequest) (domain.CommitResponse, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return domain.CommitResponse{}, fmt.Errorf("%w: idempotency key required", store.ErrInvalidSale)
	}
	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.CommitResponse{}, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidSale, req.PaymentMethod)
	}

	if cached, hit, err := s.sales.Get(ctx, req.IdempotencyKey); err == nil && hit {
		return domain.CommitResponse{Sale: *cached, Duplicate: true}, nil
	} else if err != nil {
		log.Printf("[service] WARN: sale cache lookup failed key=%s: %v", req.IdempotencyKey, err)
	}

	if existing, err := s.repo.FindSaleByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		s.cacheSale(ctx, existing)
		return domain.CommitResponse{Sale: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.CommitResponse{}, err
	}

	lines, err := normalizeLines(req.Lines)
	if err != nil {
		return domain.CommitResponse{}, err
	}

	skus := make([]string, 0, len(lines))
	for _, line := range lines {
		skus = append(skus, line.SKU)
	}
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return domain.CommitResponse{}, err
	}

	subtotal := int64(0)
	discountTotal := int64(0)
	priced := make([]domain.SaleLine, 0, len(lines))
	deltas := make([]store.StockDelta, 0, len(lines))
	for _, line := range lines {
		product, exists := products[line.SKU]
		if !exists {
			return domain.CommitResponse{}, fmt.Errorf("%w: sku %s unavailable", store.ErrInvalidSale, line.SKU)
		}

		gross := int64(line.Qty) * product.PriceCents
		discount, err := lineDiscountCents(line, gross)
		if err != nil {
			return domain.CommitResponse{}, err
		}

		line.UnitPriceCents = product.PriceCents
		line.LineTotalCents = gross - discount
		priced = append(priced, line)
		subtotal += gross
		discountTotal += discount
	}

	taxBase := subtotal - discountTotal
	taxCents := int64(math.Round(float64(taxBase) * s.taxRatePercent / 100))

	sale := domain.Sale{
		ID:             xid.New("sale"),
		IdempotencyKey: req.IdempotencyKey,
		BranchID:       req.BranchID,
		TerminalID:     req.TerminalID,
		CustomerID:     req.CustomerID,
		PaymentMethod:  req.PaymentMethod,
		Lines:          priced,
		SubtotalCents:  subtotal,
		DiscountCents:  discountTotal,
		TaxCents:       taxCents,
		TotalCents:     taxBase + taxCents,
		CreatedAt:      time.Now().UTC(),
	}
	for _, line := range priced {
		deltas = append(deltas, store.StockDelta{
			BranchID:  req.BranchID,
			SKU:       line.SKU,
			Delta:     -line.Qty,
			CauseType: domain.LedgerCauseSale,
			CauseID:   sale.ID,
		})
	}

	committed, duplicate, err := s.repo.CommitSale(ctx, store.SaleCommit{Sale: sale, Deltas: deltas})
	if err != nil {
		return domain.CommitResponse{}, err
	}

	if !duplicate {
		if committed.CustomerID != "" {
			if err := s.repo.AddCustomerSpend(ctx, committed.CustomerID, committed.TotalCents); err != nil {
				log.Printf("[service] WARN: failed to add customer spend customer=%s sale=%s: %v", committed.CustomerID, committed.ID, err)
			}
		}
		s.logAudit(ctx, committed.BranchID, "sale_commit", "sale", committed.ID,
			fmt.Sprintf("invoice=%d,total=%d,payment=%s,terminal=%s,client_time=%s",
				committed.InvoiceNumber, committed.TotalCents, committed.PaymentMethod, committed.TerminalID, req.ClientTime.UTC().Format(time.RFC3339)))
	}
	s.cacheSale(ctx, committed)

	return domain.CommitResponse{Sale: *committed, Duplicate: duplicate}, nil
}

func (s *Service) LookupSaleByIdempotencyKey(ctx context.Context, key string) (domain.SaleLookupResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.SaleLookupResponse{}, store.ErrInvalidSale
	}

	sale, err := s.repo.FindSaleByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleLookupResponse{Found: false}, nil
		}
		return domain.SaleLookupResponse{}, err
	}
	return domain.SaleLookupResponse{Found: true, Sale: sale}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Sale{}, store.ErrInvalidSale
	}
	sale, err := s.repo.FindSaleByID(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, branchID, limit)
}

// VoidSale marks a committed sale void exactly once. The inverse stock
// deltas land atomically with the status flip; the customer aggregate
// rollback is best effort and never unwinds the void.
func (s *Service) VoidSale(ctx context.Context, saleID string, req domain.VoidRequest) (domain.VoidResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.VoidResponse{}, fmt.Errorf("admin role required")
	}

	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.VoidResponse{}, store.ErrInvalidSale
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "unspecified"
	}

	voidedAt := time.Now().UTC()
	sale, err := s.repo.VoidSale(ctx, saleID, req.Reason, actor.Username, voidedAt)
	if err != nil {
		return domain.VoidResponse{}, err
	}

	if sale.CustomerID != "" {
		if err := s.repo.AddCustomerSpend(ctx, sale.CustomerID, -sale.TotalCents); err != nil {
			log.Printf("[service] WARN: failed to roll back customer spend customer=%s sale=%s: %v", sale.CustomerID, sale.ID, err)
		}
	}
	if err := s.sales.Delete(ctx, sale.IdempotencyKey); err != nil {
		log.Printf("[service] WARN: failed to drop cached sale key=%s: %v", sale.IdempotencyKey, err)
	}

	s.logAudit(ctx, sale.BranchID, "sale_void", "sale", sale.ID, req.Reason)

	return domain.VoidResponse{Sale: *sale}, nil
}

func (s *Service) Restock(ctx context.Context, req domain.RestockRequest) (domain.StockLedgerEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockLedgerEntry{}, fmt.Errorf("admin role required")
	}

	if req.BranchID == "" {
		req.BranchID = s.defaultBranchID
	}
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.SKU == "" || req.Qty < 1 {
		return domain.StockLedgerEntry{}, store.ErrInvalidSale
	}
	if _, err := s.repo.GetProductBySKU(ctx, req.SKU); err != nil {
		return domain.StockLedgerEntry{}, err
	}

	entry, err := s.repo.ApplyStockDelta(ctx, store.StockDelta{
		BranchID:  req.BranchID,
		SKU:       req.SKU,
		Delta:     req.Qty,
		CauseType: domain.LedgerCauseRestock,
		CauseID:   "manual-restock",
	})
	if err != nil {
		return domain.StockLedgerEntry{}, err
	}

	s.logAudit(ctx, req.BranchID, "stock_restock", "stock", req.SKU, fmt.Sprintf("qty=%d,level=%d", req.Qty, entry.ResultingLevel))

	return *entry, nil
}

func (s *Service) GetStockLevels(ctx context.Context, branchID string, skus []string) (map[string]int, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if len(skus) == 0 {
		products, err := s.repo.ListProducts(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			skus = append(skus, p.SKU)
		}
	}
	return s.repo.GetStockMap(ctx, branchID, skus)
}

func (s *Service) StockLedger(ctx context.Context, branchID string, sku string, limit int) ([]domain.StockLedgerEntry, error) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListStockLedger(ctx, branchID, sku, limit)
}

func (s *Service) ListDiscrepancies(ctx context.Context, branchID string, limit int) ([]domain.StockLedgerEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListFlaggedDiscrepancies(ctx, branchID, limit)
}

// ClearDiscrepancy is the only way a flag goes away. An incoming restock
// never clears it implicitly; a person has to look at the shelf first.
func (s *Service) ClearDiscrepancy(ctx context.Context, entryID string) (domain.StockLedgerEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockLedgerEntry{}, fmt.Errorf("admin role required")
	}

	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return domain.StockLedgerEntry{}, store.ErrInvalidSale
	}

	entry, err := s.repo.ClearDiscrepancyFlag(ctx, entryID)
	if err != nil {
		return domain.StockLedgerEntry{}, err
	}

	s.logAudit(ctx, entry.BranchID, "discrepancy_clear", "stock_ledger", entry.ID, fmt.Sprintf("sku=%s,level=%d", entry.SKU, entry.ResultingLevel))

	return *entry, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, store.ErrInvalidSale
	}

	customer := domain.Customer{
		ID:        xid.New("cust"),
		Name:      req.Name,
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: time.Now().UTC(),
	}
	saved, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, s.defaultBranchID, "customer_create", "customer", saved.ID, saved.Name)

	return *saved, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Customer{}, store.ErrInvalidSale
	}
	customer, err := s.repo.GetCustomerByID(ctx, id)
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 200
	}
	return s.repo.ListCustomers(ctx, limit)
}

func (s *Service) RenderInvoice(ctx context.Context, saleID string) (domain.InvoiceResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.InvoiceResponse{}, store.ErrInvalidSale
	}
	sale, err := s.repo.FindSaleByID(ctx, saleID)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	return invoice.Render(*sale), nil
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	if branchID == "" {
		branchID = s.defaultBranchID
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidSale
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, branchID, from, to, limit)
}

func (s *Service) cacheSale(ctx context.Context, sale *domain.Sale) {
	if sale == nil || sale.Voided {
		return
	}
	if err := s.sales.Set(ctx, sale.IdempotencyKey, sale, saleCacheTTL); err != nil {
		log.Printf("[service] WARN: failed to cache sale key=%s: %v", sale.IdempotencyKey, err)
	}
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	if branchID == "" {
		branchID = s.defaultBranchID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

func normalizeLines(lines []domain.SaleLine) ([]domain.SaleLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line required", store.ErrInvalidSale)
	}

	normalized := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		line.SKU = strings.ToUpper(strings.TrimSpace(line.SKU))
		if line.SKU == "" {
			return nil, fmt.Errorf("%w: line sku required", store.ErrInvalidSale)
		}
		if line.Qty < 1 {
			return nil, fmt.Errorf("%w: line qty must be positive", store.ErrInvalidSale)
		}
		normalized = append(normalized, line)
	}
	return normalized, nil
}

func lineDiscountCents(line domain.SaleLine, grossCents int64) (int64, error) {
	switch line.DiscountType {
	case "":
		return 0, nil
	case domain.DiscountTypeFlat:
		if line.DiscountValue < 0 || line.DiscountValue > grossCents {
			return 0, fmt.Errorf("%w: flat discount out of range for sku %s", store.ErrInvalidSale, line.SKU)
		}
		return line.DiscountValue, nil
	case domain.DiscountTypePercent:
		if line.DiscountValue < 0 || line.DiscountValue > 100 {
			return 0, fmt.Errorf("%w: percent discount out of range for sku %s", store.ErrInvalidSale, line.SKU)
		}
		return int64(math.Round(float64(grossCents) * float64(line.DiscountValue) / 100)), nil
	default:
		return 0, fmt.Errorf("%w: unknown discount type %q", store.ErrInvalidSale, line.DiscountType)
	}
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentQR, domain.PaymentTransfer:
		return true
	}
	return false
}
