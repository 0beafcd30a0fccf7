package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

// twoBatches stocks 10 units of B1 and 20 units of the later-expiring B2.
func (f *fixture) twoBatches(t *testing.T) {
	t.Helper()
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "B2", expiryIn(12), 2, 10))
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "B1", expiryIn(6), 1, 10))
}

func TestCreateSaleDrawsEarliestExpiryFirst(t *testing.T) {
	f := newTestService(t)
	f.twoBatches(t)

	sale, err := f.svc.CreateSale(context.Background(), testScope, f.otcSale(f.para.ID, 4))
	require.NoError(t, err)

	require.Len(t, sale.Items, 1)
	require.Len(t, sale.Items[0].Allocations, 1)
	assert.Equal(t, "B1", sale.Items[0].Allocations[0].BatchNo)
	assert.Equal(t, 4, sale.Items[0].Allocations[0].QuantityTaken)
	assert.Equal(t, map[string]int{"B1": 6, "B2": 20}, f.batchQty(t, f.para.ID))
	assert.Equal(t, 26, f.stock(t, f.para.ID))
	assertMoney(t, "8.00", sale.GrandTotal)
}

func TestCreateSaleSpillsIntoNextBatch(t *testing.T) {
	f := newTestService(t)
	f.twoBatches(t)

	sale, err := f.svc.CreateSale(context.Background(), testScope, f.otcSale(f.para.ID, 15))
	require.NoError(t, err)

	allocs := sale.Items[0].Allocations
	require.Len(t, allocs, 2)
	assert.Equal(t, "B1", allocs[0].BatchNo)
	assert.Equal(t, 10, allocs[0].QuantityTaken)
	assert.Equal(t, "B2", allocs[1].BatchNo)
	assert.Equal(t, 5, allocs[1].QuantityTaken)
	assert.Equal(t, expiryIn(6), allocs[0].ExpiryDate)

	// B1 is exhausted and no longer listed
	assert.Equal(t, map[string]int{"B2": 15}, f.batchQty(t, f.para.ID))
	assert.Equal(t, 15, f.stock(t, f.para.ID))
}

func TestCreateSaleOversellLeavesStockUntouched(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.twoBatches(t)

	_, err := f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 31))
	var short *store.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, f.para.ID, short.MedicineID)
	assert.Equal(t, 31, short.Requested)
	assert.Equal(t, 30, short.Available)

	// two lines of the same medicine are checked together
	req := f.otcSale(f.para.ID, 20)
	req.Items = append(req.Items, domain.SaleItemRequest{MedicineID: f.para.ID, Quantity: 15, MRP: dec("2.00")})
	_, err = f.svc.CreateSale(ctx, testScope, req)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	assert.Equal(t, map[string]int{"B1": 10, "B2": 20}, f.batchQty(t, f.para.ID))
	assert.Equal(t, 30, f.stock(t, f.para.ID))
}

func TestUpdateSaleReallocatesFromScratch(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.twoBatches(t)

	sale, err := f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 4))
	require.NoError(t, err)

	updated, err := f.svc.UpdateSale(ctx, testScope, sale.ID, f.otcSale(f.para.ID, 12))
	require.NoError(t, err)
	assert.Equal(t, sale.ID, updated.ID)
	assert.Equal(t, testScope.UserID, updated.UpdatedBy)

	allocs := updated.Items[0].Allocations
	require.Len(t, allocs, 2)
	assert.Equal(t, 10, allocs[0].QuantityTaken)
	assert.Equal(t, 2, allocs[1].QuantityTaken)
	assert.Equal(t, map[string]int{"B2": 18}, f.batchQty(t, f.para.ID))
	assert.Equal(t, 18, f.stock(t, f.para.ID))
	assertMoney(t, "24.00", updated.GrandTotal)

	// shrinking again hands the exhausted batch its units back
	_, err = f.svc.UpdateSale(ctx, testScope, sale.ID, f.otcSale(f.para.ID, 1))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"B1": 9, "B2": 20}, f.batchQty(t, f.para.ID))
	assert.Equal(t, 29, f.stock(t, f.para.ID))
}

func TestUpdateSaleFailureKeepsOriginal(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.twoBatches(t)

	sale, err := f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 4))
	require.NoError(t, err)

	_, err = f.svc.UpdateSale(ctx, testScope, sale.ID, f.otcSale(f.para.ID, 31))
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	stored, err := f.svc.GetSale(ctx, testScope, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Items[0].Quantity)
	assert.Equal(t, map[string]int{"B1": 6, "B2": 20}, f.batchQty(t, f.para.ID))
	assert.Equal(t, 26, f.stock(t, f.para.ID))
}

func TestDeleteSaleRestoresBatches(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.twoBatches(t)

	sale, err := f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 15))
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteSale(ctx, testScope, sale.ID))

	assert.Equal(t, map[string]int{"B1": 10, "B2": 20}, f.batchQty(t, f.para.ID))
	assert.Equal(t, 30, f.stock(t, f.para.ID))
	_, err = f.svc.GetSale(ctx, testScope, sale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = f.svc.DeleteSale(ctx, testScope, sale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateSaleSkipsExpiredBatches(t *testing.T) {
	expired := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	f := newTestService(t)
	ctx := context.Background()
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "OLD", expired, 1, 10))
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "B1", expiryIn(6), 1, 10))

	_, err := f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 12))
	var short *store.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 10, short.Available)

	sale, err := f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 5))
	require.NoError(t, err)
	assert.Equal(t, "B1", sale.Items[0].Allocations[0].BatchNo)

	lenient := newTestService(t, WithExpiredSales(true))
	lenient.mustPurchase(t, lenient.purchaseOf(lenient.para.ID, "OLD", expired, 1, 10))
	lenient.mustPurchase(t, lenient.purchaseOf(lenient.para.ID, "B1", expiryIn(6), 1, 10))
	sale, err = lenient.svc.CreateSale(ctx, testScope, lenient.otcSale(lenient.para.ID, 12))
	require.NoError(t, err)
	assert.Equal(t, "OLD", sale.Items[0].Allocations[0].BatchNo)
	assert.Equal(t, map[string]int{"B1": 8}, lenient.batchQty(t, lenient.para.ID))
}

func TestCreateSaleInclusiveTaxAndDefaults(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.mustPurchase(t, f.gstPurchase())

	req := domain.SaleRequest{
		Type:        domain.SalePrescription,
		SaleDate:    testNow,
		PatientName: "R. Iyer",
		DoctorName:  "Dr. Menon",
		GSTType:     domain.GSTInclusive,
		Items:       []domain.SaleItemRequest{{MedicineID: f.para.ID, Quantity: 1, MRP: dec("112")}},
	}
	sale, err := f.svc.CreateSale(ctx, testScope, req)
	require.NoError(t, err)
	item := sale.Items[0]
	assert.Equal(t, f.gst12.ID, item.TaxProfileID)
	assertMoney(t, "100.00", item.TaxableAmount)
	assertMoney(t, "12.00", item.TaxAmount)
	assertMoney(t, "112.00", item.LineTotal)
	assertMoney(t, "112.00", sale.GrandTotal)

	// a zero MRP falls back to the first drawn batch
	req = f.otcSale(f.para.ID, 2)
	req.Items[0].MRP = dec("0")
	sale, err = f.svc.CreateSale(ctx, testScope, req)
	require.NoError(t, err)
	assertMoney(t, "12.00", sale.Items[0].MRP)
	assertMoney(t, "24.00", sale.GrandTotal)
}

func TestCreateSaleAdjustments(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.twoBatches(t)

	req := f.otcSale(f.para.ID, 4)
	req.Adjustment = &domain.Adjustment{Type: domain.AdjustmentFixedDiscount, Value: dec("1.00")}
	sale, err := f.svc.CreateSale(ctx, testScope, req)
	require.NoError(t, err)
	assertMoney(t, "7.00", sale.GrandTotal)

	req.Adjustment = &domain.Adjustment{Type: domain.AdjustmentAdditionalCharge, Value: dec("0.50")}
	sale, err = f.svc.CreateSale(ctx, testScope, req)
	require.NoError(t, err)
	assertMoney(t, "8.50", sale.GrandTotal)

	req.Adjustment = &domain.Adjustment{Type: domain.AdjustmentFixedDiscount, Value: dec("100")}
	_, err = f.svc.CreateSale(ctx, testScope, req)
	assert.ErrorIs(t, err, store.ErrInvalidRequest)
	assert.Equal(t, 22, f.stock(t, f.para.ID))
}

func TestCreateSaleValidation(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.twoBatches(t)

	req := f.otcSale(f.para.ID, 1)
	req.Type = domain.SalePrescription
	_, err := f.svc.CreateSale(ctx, testScope, req)
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	_, err = f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 0))
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	f.mustPurchase(t, f.purchaseOf(f.ors.ID, "ORS1", expiryIn(6), 1, 10))
	req = f.otcSale(f.ors.ID, 1)
	req.GSTType = domain.GSTExclusive
	_, err = f.svc.CreateSale(ctx, testScope, req)
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	_, err = f.svc.CreateSale(ctx, testScope, f.otcSale("MED-missing", 1))
	assert.ErrorIs(t, err, store.ErrNotFound)

	otherBranch := domain.Scope{OrganizationID: testScope.OrganizationID, BranchID: "branch-2", UserID: "pharmacist-2"}
	_, err = f.svc.CreateSale(ctx, otherBranch, f.otcSale(f.para.ID, 1))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.CreateSale(ctx, domain.Scope{OrganizationID: "org-1"}, f.otcSale(f.para.ID, 1))
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	assert.Equal(t, 30, f.stock(t, f.para.ID))
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.twoBatches(t)

	const workers = 12
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		sold   int
		failed []error
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 3))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, err)
				return
			}
			sold += 3
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, sold)
	require.Len(t, failed, 2)
	for _, err := range failed {
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
	}
	assert.Equal(t, 0, f.stock(t, f.para.ID))
	assert.Empty(t, f.batchQty(t, f.para.ID))
}
