package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store/memory"
	"pharmaledger/internal/txn"
)

var (
	testScope = domain.Scope{OrganizationID: "org-1", BranchID: "branch-1", UserID: "pharmacist-1"}
	testNow   = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc      *Service
	store    *memory.Store
	gst12    domain.TaxProfile
	supplier domain.Supplier
	para     domain.Medicine
	ors      domain.Medicine
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got, fmt.Sprint(msgAndArgs...))
}

func sequentialIDs() func(prefix string) string {
	var n atomic.Int64
	return func(prefix string) string {
		return fmt.Sprintf("%s-%04d", prefix, n.Add(1))
	}
}

func newTestService(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := memory.New()
	coord := txn.New(st, txn.WithMaxAttempts(50), txn.WithBackoff(time.Millisecond, 5*time.Millisecond))
	base := []Option{WithClock(func() time.Time { return testNow }), WithIDGenerator(sequentialIDs())}
	svc := New(coord, append(base, opts...)...)

	ctx := context.Background()
	gst12, err := svc.CreateTaxProfile(ctx, testScope, domain.TaxProfileCreateRequest{
		Name:      "GST 12%",
		TotalRate: dec("12"),
		Components: []domain.TaxComponent{
			{Name: "CGST", Rate: dec("6")},
			{Name: "SGST", Rate: dec("6")},
		},
	})
	require.NoError(t, err)
	supplier, err := svc.CreateSupplier(ctx, testScope, domain.SupplierCreateRequest{Name: "Acme Pharma"})
	require.NoError(t, err)
	para, err := svc.CreateMedicine(ctx, testScope, domain.MedicineCreateRequest{
		Name:              "Paracetamol 500mg",
		TaxProfileID:      gst12.ID,
		LowStockThreshold: 10,
	})
	require.NoError(t, err)
	ors, err := svc.CreateMedicine(ctx, testScope, domain.MedicineCreateRequest{Name: "ORS Sachet"})
	require.NoError(t, err)

	return &fixture{svc: svc, store: st, gst12: gst12, supplier: supplier, para: para, ors: ors}
}

func expiryIn(months int) time.Time {
	return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, months, 0)
}

// purchaseOf builds a single-line NON_GST purchase of packs*perPack units at 10.00 a pack.
func (f *fixture) purchaseOf(medicineID string, batchNo string, expiry time.Time, packs int, perPack int) domain.PurchaseRequest {
	return domain.PurchaseRequest{
		SupplierID:  f.supplier.ID,
		InvoiceNo:   "INV-" + batchNo,
		InvoiceDate: testNow,
		GSTType:     domain.GSTNone,
		Items: []domain.PurchaseItemRequest{{
			MedicineID:          medicineID,
			BatchNo:             batchNo,
			ExpiryDate:          expiry,
			PackQuantity:        packs,
			ItemsPerPack:        perPack,
			PurchaseCostPerPack: dec("10.00"),
			MRPPerItem:          dec("2.00"),
		}},
	}
}

func (f *fixture) mustPurchase(t *testing.T, req domain.PurchaseRequest) domain.Purchase {
	t.Helper()
	p, err := f.svc.CreatePurchase(context.Background(), testScope, req)
	require.NoError(t, err)
	return p
}

func (f *fixture) otcSale(medicineID string, qty int) domain.SaleRequest {
	return domain.SaleRequest{
		Type:     domain.SaleOTC,
		SaleDate: testNow,
		GSTType:  domain.GSTNone,
		Items:    []domain.SaleItemRequest{{MedicineID: medicineID, Quantity: qty, MRP: dec("2.00")}},
	}
}

func (f *fixture) stock(t *testing.T, medicineID string) int {
	t.Helper()
	m, err := f.svc.GetMedicine(context.Background(), testScope, medicineID)
	require.NoError(t, err)
	return m.Stock
}

func (f *fixture) balance(t *testing.T, supplierID string) decimal.Decimal {
	t.Helper()
	s, err := f.svc.GetSupplier(context.Background(), testScope, supplierID)
	require.NoError(t, err)
	return s.Balance
}

// batchQty maps batch number to available quantity for a medicine.
func (f *fixture) batchQty(t *testing.T, medicineID string) map[string]int {
	t.Helper()
	batches, err := f.svc.ListStock(context.Background(), testScope, medicineID)
	require.NoError(t, err)
	out := make(map[string]int, len(batches))
	for _, b := range batches {
		out[b.BatchNo] = b.QuantityAvailable
	}
	return out
}
