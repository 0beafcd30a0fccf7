package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

func newIntegrationStore(t *testing.T) (*Store, domain.Scope) {
	t.Helper()
	databaseURL := os.Getenv("PHARMALEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set PHARMALEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	stamp := time.Now().UnixNano()
	scope := domain.Scope{
		OrganizationID: fmt.Sprintf("org-it-%d", stamp),
		BranchID:       "branch-it",
		UserID:         "integration",
	}
	t.Cleanup(func() {
		for _, table := range []string{
			"purchase_returns", "sales_returns", "sales", "supplier_payments", "purchases",
			"medicine_batches", "medicines", "suppliers", "tax_profiles", "idempotency_keys",
		} {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE organization_id = $1`, scope.OrganizationID)
		}
		_ = s.Close()
	})
	return s, scope
}

func seed(t *testing.T, s *Store, scope domain.Scope) {
	t.Helper()
	now := time.Now().UTC()
	err := s.RunInTx(context.Background(), scope, func(_ context.Context, tx store.Tx) error {
		if err := tx.PutSupplier(domain.Supplier{ID: "SUP-1", Name: "Acme", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if err := tx.PutMedicine(domain.Medicine{ID: "MED-1", Name: "Paracetamol", CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		for i, expiry := range []time.Time{now.AddDate(1, 0, 0), now.AddDate(0, 6, 0)} {
			if err := tx.PutBatch(domain.MedicineBatch{
				ID:                fmt.Sprintf("BAT-%d", i+1),
				MedicineID:        "MED-1",
				BatchNo:           fmt.Sprintf("B%d", i+1),
				ExpiryDate:        expiry,
				QuantityAvailable: 10,
				UnitCost:          decimal.RequireFromString("1.25"),
				MRP:               decimal.RequireFromString("2.00"),
				ReceivedAt:        now,
			}); err != nil {
				return err
			}
		}
		if err := tx.AdjustMedicineStock("MED-1", 20); err != nil {
			return err
		}
		return tx.AdjustSupplierBalance("SUP-1", decimal.RequireFromString("25.00"))
	})
	require.NoError(t, err)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s, scope := newIntegrationStore(t)
	ctx := context.Background()
	seed(t, s, scope)

	err := s.View(ctx, scope, func(ctx context.Context, r store.Reader) error {
		meds, err := r.GetMedicines(ctx, []string{"MED-1"})
		require.NoError(t, err)
		assert.Equal(t, 20, meds["MED-1"].Stock)

		supplier, err := r.GetSupplier(ctx, "SUP-1")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("25").Equal(supplier.Balance))

		batches, err := r.ListBatchesByMedicine(ctx, []string{"MED-1"})
		require.NoError(t, err)
		require.Len(t, batches["MED-1"], 2)
		assert.Equal(t, "B2", batches["MED-1"][0].BatchNo)
		assert.True(t, decimal.RequireFromString("1.25").Equal(batches["MED-1"][0].UnitCost))

		_, err = r.GetMedicines(ctx, []string{"MED-1", "MED-404"})
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresStockNeverGoesNegative(t *testing.T) {
	s, scope := newIntegrationStore(t)
	ctx := context.Background()
	seed(t, s, scope)

	err := s.RunInTx(ctx, scope, func(_ context.Context, tx store.Tx) error {
		if err := tx.AdjustSupplierBalance("SUP-1", decimal.NewFromInt(-5)); err != nil {
			return err
		}
		return tx.AdjustMedicineStock("MED-1", -21)
	})
	var short *store.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 20, short.Available)

	// the balance change staged before the failure was rolled back
	err = s.View(ctx, scope, func(ctx context.Context, r store.Reader) error {
		supplier, err := r.GetSupplier(ctx, "SUP-1")
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("25").Equal(supplier.Balance))
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresDocumentsAndTenantIsolation(t *testing.T) {
	s, scope := newIntegrationStore(t)
	ctx := context.Background()
	seed(t, s, scope)

	purchase := domain.Purchase{
		ID:          "PUR-1",
		SupplierID:  "SUP-1",
		InvoiceNo:   "INV-1",
		InvoiceDate: time.Now().UTC().Truncate(time.Second),
		GSTType:     domain.GSTNone,
		GrandTotal:  decimal.RequireFromString("25.00"),
		DueAmount:   decimal.RequireFromString("25.00"),
		Items:       []domain.PurchaseItem{{MedicineID: "MED-1", BatchNo: "B1", BatchID: "BAT-1", TotalReceived: 10}},
	}
	require.NoError(t, s.RunInTx(ctx, scope, func(_ context.Context, tx store.Tx) error {
		return tx.PutPurchase(purchase)
	}))

	err := s.View(ctx, scope, func(ctx context.Context, r store.Reader) error {
		got, err := r.GetPurchase(ctx, "PUR-1")
		require.NoError(t, err)
		assert.Equal(t, "INV-1", got.InvoiceNo)
		assert.Equal(t, "BAT-1", got.Items[0].BatchID)

		bySupplier, err := r.ListPurchasesBySupplier(ctx, "SUP-1")
		require.NoError(t, err)
		assert.Len(t, bySupplier, 1)
		return nil
	})
	require.NoError(t, err)

	otherBranch := scope
	otherBranch.BranchID = "branch-other"
	err = s.View(ctx, otherBranch, func(ctx context.Context, r store.Reader) error {
		_, err := r.GetPurchase(ctx, "PUR-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		// suppliers are shared by every branch of the organization
		_, err = r.GetSupplier(ctx, "SUP-1")
		assert.NoError(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestPostgresReadAfterWriteIsRejected(t *testing.T) {
	s, scope := newIntegrationStore(t)
	ctx := context.Background()
	seed(t, s, scope)

	err := s.RunInTx(ctx, scope, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AdjustMedicineStock("MED-1", 1); err != nil {
			return err
		}
		_, err := tx.GetMedicines(ctx, []string{"MED-1"})
		return err
	})
	assert.ErrorIs(t, err, store.ErrReadAfterWrite)
}

func TestPostgresTaxProfileUsageAndIdempotencyKeys(t *testing.T) {
	s, scope := newIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	branch2 := scope
	branch2.BranchID = "branch-it-2"

	err := s.RunInTx(ctx, branch2, func(_ context.Context, tx store.Tx) error {
		return tx.PutMedicine(domain.Medicine{ID: "MED-9", Name: "Syrup", TaxProfileID: "TAX-1", CreatedAt: now, UpdatedAt: now})
	})
	require.NoError(t, err)

	err = s.RunInTx(ctx, scope, func(_ context.Context, tx store.Tx) error {
		return tx.PutIdempotencyRecord(domain.IdempotencyRecord{Key: "sale:till-1", Kind: "sale", EntityID: "SALE-1", CreatedBy: scope.UserID, CreatedAt: now})
	})
	require.NoError(t, err)

	err = s.View(ctx, scope, func(ctx context.Context, r store.Reader) error {
		n, err := r.CountMedicinesByTaxProfile(ctx, "TAX-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := r.GetIdempotencyRecord(ctx, "sale:till-1")
		require.NoError(t, err)
		assert.Equal(t, "SALE-1", rec.EntityID)

		_, err = r.GetIdempotencyRecord(ctx, "sale:till-2")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}
