package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"lakupos/internal/domain"
	"lakupos/internal/store"
)

func TestCommitReplayAndVoidLifecycle(t *testing.T) {
	databaseURL := os.Getenv("LAKUPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LAKUPOS_TEST_DATABASE_URL to run postgres integration test")
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
	sku := fmt.Sprintf("SKU-VOID-IT-%d", stamp)
	saleID := fmt.Sprintf("sale-void-it-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-void-it-%d", stamp)
	branchID := "main-branch"

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sale_id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, saleID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_ledger WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_levels WHERE branch_id = $1 AND sku = $2`, branchID, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE sku = $1`, sku)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{
		SKU:        sku,
		Name:       "Produk Void IT",
		PriceCents: 6000,
		Active:     true,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.ApplyStockDelta(ctx, store.StockDelta{
		BranchID:  branchID,
		SKU:       sku,
		Delta:     10,
		CauseType: domain.LedgerCauseRestock,
		CauseID:   "integration-seed",
	}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	commit := store.SaleCommit{
		Sale: domain.Sale{
			ID:             saleID,
			IdempotencyKey: idempotencyKey,
			BranchID:       branchID,
			TerminalID:     "T-VOID-IT",
			PaymentMethod:  "cash",
			Lines: []domain.SaleLine{
				{SKU: sku, Qty: 2, UnitPriceCents: 6000, LineTotalCents: 12000},
			},
			SubtotalCents: 12000,
			TotalCents:    12000,
			CreatedAt:     time.Now().UTC(),
		},
		Deltas: []store.StockDelta{
			{BranchID: branchID, SKU: sku, Delta: -2, CauseType: domain.LedgerCauseSale, CauseID: saleID},
		},
	}

	committed, duplicate, err := s.CommitSale(ctx, commit)
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if duplicate {
		t.Fatalf("first commit must not be a duplicate")
	}
	if committed.InvoiceNumber < 1 {
		t.Fatalf("expected assigned invoice number, got %d", committed.InvoiceNumber)
	}

	replayed, duplicate, err := s.CommitSale(ctx, commit)
	if err != nil {
		t.Fatalf("replay commit: %v", err)
	}
	if !duplicate || replayed.ID != committed.ID {
		t.Fatalf("expected replay to return the stored sale")
	}

	levels, err := s.GetStockMap(ctx, branchID, []string{sku})
	if err != nil {
		t.Fatalf("stock map: %v", err)
	}
	if levels[sku] != 8 {
		t.Fatalf("expected stock 8 after single commit, got %d", levels[sku])
	}

	voided, err := s.VoidSale(ctx, saleID, "integration test void", "admin", time.Now().UTC())
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if !voided.Voided || voided.VoidReason != "integration test void" {
		t.Fatalf("expected voided sale, got %+v", voided)
	}

	if _, err := s.VoidSale(ctx, saleID, "again", "admin", time.Now().UTC()); err == nil {
		t.Fatalf("expected second void to fail")
	}

	levels, err = s.GetStockMap(ctx, branchID, []string{sku})
	if err != nil {
		t.Fatalf("stock map after void: %v", err)
	}
	if levels[sku] != 10 {
		t.Fatalf("expected stock restored to 10, got %d", levels[sku])
	}
}

func TestConcurrentCommitsAgainstOneSKU(t *testing.T) {
	databaseURL := os.Getenv("LAKUPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LAKUPOS_TEST_DATABASE_URL to run postgres integration test")
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
	sku := fmt.Sprintf("SKU-CONC-IT-%d", stamp)
	branchID := "main-branch"
	const workers = 6

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sale_lines WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id LIKE $1`, fmt.Sprintf("sale-conc-it-%d-%%", stamp))
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_ledger WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_levels WHERE branch_id = $1 AND sku = $2`, branchID, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE sku = $1`, sku)
	})

	if _, err := s.CreateProduct(ctx, domain.Product{
		SKU:        sku,
		Name:       "Produk Concurrent IT",
		PriceCents: 2500,
		Active:     true,
	}); err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := s.ApplyStockDelta(ctx, store.StockDelta{
		BranchID:  branchID,
		SKU:       sku,
		Delta:     workers * 2,
		CauseType: domain.LedgerCauseRestock,
		CauseID:   "integration-seed",
	}); err != nil {
		t.Fatalf("seed stock: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			saleID := fmt.Sprintf("sale-conc-it-%d-%d", stamp, i)
			_, duplicate, err := s.CommitSale(ctx, store.SaleCommit{
				Sale: domain.Sale{
					ID:             saleID,
					IdempotencyKey: fmt.Sprintf("idem-conc-it-%d-%d", stamp, i),
					BranchID:       branchID,
					TerminalID:     "T-CONC-IT",
					PaymentMethod:  "cash",
					Lines: []domain.SaleLine{
						{SKU: sku, Qty: 2, UnitPriceCents: 2500, LineTotalCents: 5000},
					},
					SubtotalCents: 5000,
					TotalCents:    5000,
					CreatedAt:     time.Now().UTC(),
				},
				Deltas: []store.StockDelta{
					{BranchID: branchID, SKU: sku, Delta: -2, CauseType: domain.LedgerCauseSale, CauseID: saleID},
				},
			})
			if err == nil && duplicate {
				err = fmt.Errorf("sale %s reported as duplicate", saleID)
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent commit: %v", err)
		}
	}

	levels, err := s.GetStockMap(ctx, branchID, []string{sku})
	if err != nil {
		t.Fatalf("stock map: %v", err)
	}
	if levels[sku] != 0 {
		t.Fatalf("expected level 0 after %d commits, got %d", workers, levels[sku])
	}
}
