package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"lakupos/internal/domain"
	"lakupos/internal/store"
	"lakupos/internal/xid"
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

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, price_cents, active
		FROM products
		WHERE active = true
		ORDER BY sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, price_cents, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,now(),now())
	`, product.SKU, product.Name, product.PriceCents, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, price_cents, active
		FROM products
		WHERE sku = $1
	`, sku).Scan(&product.SKU, &product.Name, &product.PriceCents, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, price_cents = $3, active = $4, updated_at = now()
		WHERE sku = $1
	`, product.SKU, product.Name, product.PriceCents, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := product
	return &updated, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, price_cents, active
		FROM products
		WHERE active = true AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		result[p.SKU] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) GetStockMap(ctx context.Context, branchID string, skus []string) (map[string]int, error) {
	stockMap := make(map[string]int, len(skus))
	if len(skus) == 0 {
		return stockMap, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, qty
		FROM stock_levels
		WHERE branch_id = $1 AND sku = ANY($2)
	`, branchID, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var sku string
		var qty int
		if err := rows.Scan(&sku, &qty); err != nil {
			return nil, err
		}
		stockMap[sku] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sku := range skus {
		if _, ok := stockMap[sku]; !ok {
			stockMap[sku] = 0
		}
	}

	return stockMap, nil
}

func (s *Store) SetStock(ctx context.Context, branchID string, sku string, qty int) error {
	if sku == "" || qty < 0 {
		return store.ErrInvalidSale
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_levels (branch_id, sku, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (branch_id, sku)
		DO UPDATE SET qty = EXCLUDED.qty, updated_at = now()
	`, branchID, sku, qty)
	return err
}

func (s *Store) ApplyStockDelta(ctx context.Context, delta store.StockDelta) (*domain.StockLedgerEntry, error) {
	var entry *domain.StockLedgerEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = applyDeltaTx(ctx, tx, delta, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// applyDeltaTx adjusts one materialized level and appends the matching
// ledger row inside the caller's transaction. A negative resulting level is
// recorded and flagged, never rejected.
func applyDeltaTx(ctx context.Context, tx *sql.Tx, delta store.StockDelta, at time.Time) (*domain.StockLedgerEntry, error) {
	if delta.BranchID == "" || delta.SKU == "" || delta.Delta == 0 {
		return nil, store.ErrInvalidSale
	}

	var resulting int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO stock_levels (branch_id, sku, qty, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (branch_id, sku)
		DO UPDATE SET qty = stock_levels.qty + EXCLUDED.qty, updated_at = now()
		RETURNING qty
	`, delta.BranchID, delta.SKU, delta.Delta).Scan(&resulting)
	if err != nil {
		return nil, err
	}

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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (
			id, branch_id, sku, delta, cause_type, cause_id,
			resulting_level, flagged_discrepancy, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.SKU, entry.Delta, entry.CauseType, nullIfEmpty(entry.CauseID), entry.ResultingLevel, entry.FlaggedDiscrepancy, entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) ListStockLedger(ctx context.Context, branchID string, sku string, limit int) ([]domain.StockLedgerEntry, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, sku, delta, cause_type, COALESCE(cause_id,''),
			resulting_level, flagged_discrepancy, created_at
		FROM stock_ledger
		WHERE ($1 = '' OR branch_id = $1)
			AND ($2 = '' OR sku = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, branchID, sku, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerRows(rows, limit)
}

func (s *Store) ListFlaggedDiscrepancies(ctx context.Context, branchID string, limit int) ([]domain.StockLedgerEntry, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, sku, delta, cause_type, COALESCE(cause_id,''),
			resulting_level, flagged_discrepancy, created_at
		FROM stock_ledger
		WHERE flagged_discrepancy = true
			AND ($1 = '' OR branch_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerRows(rows, limit)
}

func scanLedgerRows(rows *sql.Rows, limit int) ([]domain.StockLedgerEntry, error) {
	entries := make([]domain.StockLedgerEntry, 0, limit)
	for rows.Next() {
		var entry domain.StockLedgerEntry
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.SKU, &entry.Delta, &entry.CauseType, &entry.CauseID, &entry.ResultingLevel, &entry.FlaggedDiscrepancy, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ClearDiscrepancyFlag(ctx context.Context, entryID string) (*domain.StockLedgerEntry, error) {
	var entry domain.StockLedgerEntry
	err := s.db.QueryRowContext(ctx, `
		UPDATE stock_ledger
		SET flagged_discrepancy = false
		WHERE id = $1
		RETURNING id, branch_id, sku, delta, cause_type, COALESCE(cause_id,''),
			resulting_level, flagged_discrepancy, created_at
	`, entryID).Scan(&entry.ID, &entry.BranchID, &entry.SKU, &entry.Delta, &entry.CauseType, &entry.CauseID, &entry.ResultingLevel, &entry.FlaggedDiscrepancy, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

func (s *Store) CommitSale(ctx context.Context, commit store.SaleCommit) (*domain.Sale, bool, error) {
	sale := commit.Sale
	if sale.IdempotencyKey == "" || len(sale.Lines) == 0 {
		return nil, false, store.ErrInvalidSale
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	var committed domain.Sale
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := sale
		err := tx.QueryRowContext(ctx, `
			INSERT INTO sales (
				id, invoice_number, idempotency_key, branch_id, terminal_id, customer_id,
				payment_method, subtotal_cents, discount_cents, tax_cents, total_cents,
				voided, void_reason, voided_by, voided_at, created_at
			)
			VALUES ($1, nextval('sale_invoice_seq'), $2, $3, $4, $5, $6, $7, $8, $9, $10, false, NULL, NULL, NULL, $11)
			RETURNING invoice_number
		`, row.ID, row.IdempotencyKey, row.BranchID, row.TerminalID, nullIfEmpty(row.CustomerID),
			row.PaymentMethod, row.SubtotalCents, row.DiscountCents, row.TaxCents, row.TotalCents,
			row.CreatedAt).Scan(&row.InvoiceNumber)
		if err != nil {
			return err
		}

		for _, line := range row.Lines {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO sale_lines (sale_id, sku, qty, unit_price_cents, discount_type, discount_value, line_total_cents)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`, row.ID, line.SKU, line.Qty, line.UnitPriceCents, nullIfEmpty(line.DiscountType), line.DiscountValue, line.LineTotalCents)
			if err != nil {
				return err
			}
		}

		for _, delta := range commit.Deltas {
			if _, err := applyDeltaTx(ctx, tx, delta, row.CreatedAt); err != nil {
				return err
			}
		}

		committed = row
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindSaleByIdempotencyKey(ctx, sale.IdempotencyKey)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	return &committed, false, nil
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, key string) (*domain.Sale, error) {
	return s.findSale(ctx, "idempotency_key", key)
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, "id", id)
}

func (s *Store) findSale(ctx context.Context, column string, value string) (*domain.Sale, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var sale domain.Sale
	var customerID sql.NullString
	var voidReason sql.NullString
	var voidedBy sql.NullString
	var voidedAt sql.NullTime

	query := fmt.Sprintf(`
		SELECT id, invoice_number, idempotency_key, branch_id, terminal_id, customer_id,
			payment_method, subtotal_cents, discount_cents, tax_cents, total_cents,
			voided, void_reason, voided_by, voided_at, created_at
		FROM sales
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&sale.ID,
		&sale.InvoiceNumber,
		&sale.IdempotencyKey,
		&sale.BranchID,
		&sale.TerminalID,
		&customerID,
		&sale.PaymentMethod,
		&sale.SubtotalCents,
		&sale.DiscountCents,
		&sale.TaxCents,
		&sale.TotalCents,
		&sale.Voided,
		&voidReason,
		&voidedBy,
		&voidedAt,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if customerID.Valid {
		sale.CustomerID = customerID.String
	}
	if voidReason.Valid {
		sale.VoidReason = voidReason.String
	}
	if voidedBy.Valid {
		sale.VoidedBy = voidedBy.String
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	lines, err := s.fetchSaleLines(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines

	return &sale, nil
}

func (s *Store) fetchSaleLines(ctx context.Context, saleID string) ([]domain.SaleLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, qty, unit_price_cents, COALESCE(discount_type,''), discount_value, line_total_cents
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.SKU, &line.Qty, &line.UnitPriceCents, &line.DiscountType, &line.DiscountValue, &line.LineTotalCents); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_number, idempotency_key, branch_id, terminal_id, customer_id,
			payment_method, subtotal_cents, discount_cents, tax_cents, total_cents,
			voided, void_reason, voided_by, voided_at, created_at
		FROM sales
		WHERE ($1 = '' OR branch_id = $1)
		ORDER BY invoice_number DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		var customerID sql.NullString
		var voidReason sql.NullString
		var voidedBy sql.NullString
		var voidedAt sql.NullTime
		if err := rows.Scan(
			&sale.ID,
			&sale.InvoiceNumber,
			&sale.IdempotencyKey,
			&sale.BranchID,
			&sale.TerminalID,
			&customerID,
			&sale.PaymentMethod,
			&sale.SubtotalCents,
			&sale.DiscountCents,
			&sale.TaxCents,
			&sale.TotalCents,
			&sale.Voided,
			&voidReason,
			&voidedBy,
			&voidedAt,
			&sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		if customerID.Valid {
			sale.CustomerID = customerID.String
		}
		if voidReason.Valid {
			sale.VoidReason = voidReason.String
		}
		if voidedBy.Valid {
			sale.VoidedBy = voidedBy.String
		}
		if voidedAt.Valid {
			at := voidedAt.Time.UTC()
			sale.VoidedAt = &at
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	lineRows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, sku, qty, unit_price_cents, COALESCE(discount_type,''), discount_value, line_total_cents
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()

	lineMap := make(map[string][]domain.SaleLine, len(ids))
	for lineRows.Next() {
		var saleID string
		var line domain.SaleLine
		if err := lineRows.Scan(&saleID, &line.SKU, &line.Qty, &line.UnitPriceCents, &line.DiscountType, &line.DiscountValue, &line.LineTotalCents); err != nil {
			return nil, err
		}
		lineMap[saleID] = append(lineMap[saleID], line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		sales[i].Lines = lineMap[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) VoidSale(ctx context.Context, id string, reason string, voidedBy string, at time.Time) (*domain.Sale, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var branchID string
		var voided bool
		err := tx.QueryRowContext(ctx, `
			SELECT branch_id, voided
			FROM sales
			WHERE id = $1
			FOR UPDATE
		`, id).Scan(&branchID, &voided)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if voided {
			return store.ErrAlreadyVoided
		}

		lineRows, err := tx.QueryContext(ctx, `
			SELECT sku, qty
			FROM sale_lines
			WHERE sale_id = $1
		`, id)
		if err != nil {
			return err
		}
		type voidLine struct {
			sku string
			qty int
		}
		lines := make([]voidLine, 0, 8)
		for lineRows.Next() {
			var line voidLine
			if err := lineRows.Scan(&line.sku, &line.qty); err != nil {
				_ = lineRows.Close()
				return err
			}
			lines = append(lines, line)
		}
		if err := lineRows.Err(); err != nil {
			_ = lineRows.Close()
			return err
		}
		_ = lineRows.Close()

		_, err = tx.ExecContext(ctx, `
			UPDATE sales
			SET voided = true, void_reason = $2, voided_by = $3, voided_at = $4
			WHERE id = $1 AND voided = false
		`, id, reason, voidedBy, at)
		if err != nil {
			return err
		}

		for _, line := range lines {
			delta := store.StockDelta{
				BranchID:  branchID,
				SKU:       line.sku,
				Delta:     line.qty,
				CauseType: domain.LedgerCauseVoid,
				CauseID:   id,
			}
			if _, err := applyDeltaTx(ctx, tx, delta, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.FindSaleByID(ctx, id)
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	customer.Phone = strings.TrimSpace(customer.Phone)
	if customer.Name == "" {
		return nil, store.ErrInvalidSale
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, total_spent_cents, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), customer.TotalSpentCents, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidSale
		}
		return nil, err
	}
	saved := customer
	return &saved, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(phone,''), total_spent_cents, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.TotalSpentCents, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone,''), total_spent_cents, created_at
		FROM customers
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, limit)
	for rows.Next() {
		var customer domain.Customer
		if err := rows.Scan(&customer.ID, &customer.Name, &customer.Phone, &customer.TotalSpentCents, &customer.CreatedAt); err != nil {
			return nil, err
		}
		customer.CreatedAt = customer.CreatedAt.UTC()
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) AddCustomerSpend(ctx context.Context, customerID string, deltaCents int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET total_spent_cents = GREATEST(0, total_spent_cents + $2)
		WHERE id = $1
	`, customerID, deltaCents)
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

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE branch_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidSale
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidSale
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidSale
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
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

const txAttempts = 3

// withTx runs fn in a transaction and retries serialization or deadlock
// aborts with a fresh transaction, up to txAttempts times. The row-level
// upsert in applyDeltaTx keeps concurrent level updates correct at the
// default isolation level, so aborts here are rare.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isRetryableTxError(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
