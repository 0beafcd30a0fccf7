package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

func TestCreateTaxProfileValidatesComponents(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	_, err := f.svc.CreateTaxProfile(ctx, testScope, domain.TaxProfileCreateRequest{
		Name:       "GST 18%",
		TotalRate:  dec("18"),
		Components: []domain.TaxComponent{{Name: "CGST", Rate: dec("9")}, {Name: "SGST", Rate: dec("8")}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	_, err = f.svc.CreateTaxProfile(ctx, testScope, domain.TaxProfileCreateRequest{Name: "Bad", TotalRate: dec("101")})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	_, err = f.svc.CreateTaxProfile(ctx, testScope, domain.TaxProfileCreateRequest{Name: "  ", TotalRate: dec("5")})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	profile, err := f.svc.CreateTaxProfile(ctx, testScope, domain.TaxProfileCreateRequest{Name: "IGST 5%", TotalRate: dec("5")})
	require.NoError(t, err)
	assert.Equal(t, testScope.OrganizationID, profile.OrganizationID)
}

func TestDeleteTaxProfileInUse(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	err := f.svc.DeleteTaxProfile(ctx, testScope, f.gst12.ID)
	var conflict *store.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, f.gst12.ID, conflict.ID)

	unused, err := f.svc.CreateTaxProfile(ctx, testScope, domain.TaxProfileCreateRequest{Name: "Zero", TotalRate: dec("0")})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteTaxProfile(ctx, testScope, unused.ID))
	assert.ErrorIs(t, f.svc.DeleteTaxProfile(ctx, testScope, unused.ID), store.ErrNotFound)
}

func TestDeleteTaxProfileUsedInAnotherBranch(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	branch2 := domain.Scope{OrganizationID: testScope.OrganizationID, BranchID: "branch-2", UserID: "pharmacist-2"}

	profile, err := f.svc.CreateTaxProfile(ctx, testScope, domain.TaxProfileCreateRequest{Name: "GST 5%", TotalRate: dec("5")})
	require.NoError(t, err)
	_, err = f.svc.CreateMedicine(ctx, branch2, domain.MedicineCreateRequest{Name: "Cough Syrup", TaxProfileID: profile.ID})
	require.NoError(t, err)

	err = f.svc.DeleteTaxProfile(ctx, testScope, profile.ID)
	var conflict *store.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, profile.ID, conflict.ID)
}

func TestUpdateTaxProfile(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	_, err := f.svc.UpdateTaxProfile(ctx, testScope, f.gst12.ID, domain.TaxProfileCreateRequest{
		Name:       "GST 18%",
		TotalRate:  dec("18"),
		Components: []domain.TaxComponent{{Name: "CGST", Rate: dec("9")}, {Name: "SGST", Rate: dec("6")}},
	})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	_, err = f.svc.UpdateTaxProfile(ctx, testScope, "TAX-missing", domain.TaxProfileCreateRequest{Name: "GST 5%", TotalRate: dec("5")})
	assert.ErrorIs(t, err, store.ErrNotFound)

	updated, err := f.svc.UpdateTaxProfile(ctx, testScope, f.gst12.ID, domain.TaxProfileCreateRequest{
		Name:       " GST 18% ",
		TotalRate:  dec("18"),
		Components: []domain.TaxComponent{{Name: "CGST", Rate: dec("9")}, {Name: "SGST", Rate: dec("9")}},
	})
	require.NoError(t, err)
	assert.Equal(t, f.gst12.ID, updated.ID)
	assert.Equal(t, "GST 18%", updated.Name)
	assertMoney(t, "18.00", updated.TotalRate)
	assert.Equal(t, f.gst12.CreatedAt, updated.CreatedAt)

	// new sales of medicines on the profile are taxed at the new rate
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "B1", expiryIn(6), 1, 10))
	req := f.otcSale(f.para.ID, 1)
	req.GSTType = domain.GSTExclusive
	sale, err := f.svc.CreateSale(ctx, testScope, req)
	require.NoError(t, err)
	assertMoney(t, "18.00", sale.Items[0].TaxRate)
}

func TestCreateMedicineNeedsKnownTaxProfile(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()

	_, err := f.svc.CreateMedicine(ctx, testScope, domain.MedicineCreateRequest{Name: "Cetirizine", TaxProfileID: "TAX-missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.svc.CreateMedicine(ctx, testScope, domain.MedicineCreateRequest{Name: "Cetirizine", LowStockThreshold: -1})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)

	m, err := f.svc.CreateMedicine(ctx, testScope, domain.MedicineCreateRequest{Name: " Cetirizine ", TaxProfileID: f.gst12.ID})
	require.NoError(t, err)
	assert.Equal(t, "Cetirizine", m.Name)
	assert.Equal(t, testScope.BranchID, m.BranchID)
	assert.Equal(t, 0, m.Stock)
}

func TestUpdateMedicineKeepsStock(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "B1", expiryIn(6), 1, 10))

	_, err := f.svc.UpdateMedicine(ctx, testScope, f.para.ID, domain.MedicineCreateRequest{Name: "Paracetamol", TaxProfileID: "TAX-missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.UpdateMedicine(ctx, testScope, f.para.ID, domain.MedicineCreateRequest{Name: " "})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)
	_, err = f.svc.UpdateMedicine(ctx, testScope, "MED-missing", domain.MedicineCreateRequest{Name: "Ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	m, err := f.svc.UpdateMedicine(ctx, testScope, f.para.ID, domain.MedicineCreateRequest{
		Name:              "Paracetamol 650",
		HSNCode:           "30049099",
		TaxProfileID:      f.gst12.ID,
		LowStockThreshold: 25,
	})
	require.NoError(t, err)
	assert.Equal(t, "Paracetamol 650", m.Name)
	assert.Equal(t, "30049099", m.HSNCode)
	assert.Equal(t, 25, m.LowStockThreshold)
	assert.Equal(t, 10, m.Stock)
	assert.Equal(t, f.para.CreatedAt, m.CreatedAt)

	stored, err := f.svc.GetMedicine(ctx, testScope, f.para.ID)
	require.NoError(t, err)
	assert.Equal(t, "Paracetamol 650", stored.Name)
	assert.Equal(t, 10, stored.Stock)
	assert.Equal(t, map[string]int{"B1": 10}, f.batchQty(t, f.para.ID))
}

func TestUpdateSupplierKeepsBalance(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "B1", expiryIn(6), 1, 10))

	_, err := f.svc.UpdateSupplier(ctx, testScope, f.supplier.ID, domain.SupplierCreateRequest{Name: ""})
	assert.ErrorIs(t, err, store.ErrInvalidRequest)
	_, err = f.svc.UpdateSupplier(ctx, testScope, "SUP-missing", domain.SupplierCreateRequest{Name: "Ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	s, err := f.svc.UpdateSupplier(ctx, testScope, f.supplier.ID, domain.SupplierCreateRequest{Name: "Acme Pharma Ltd", GSTIN: "27AAACA1234A1Z5", Phone: "022-5550101"})
	require.NoError(t, err)
	assert.Equal(t, "Acme Pharma Ltd", s.Name)
	assert.Equal(t, "27AAACA1234A1Z5", s.GSTIN)
	assertMoney(t, "10.00", s.Balance)
	assertMoney(t, "10.00", f.balance(t, f.supplier.ID))
}

func TestDeleteMedicineWithStock(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "B1", expiryIn(6), 1, 10))

	assert.ErrorIs(t, f.svc.DeleteMedicine(ctx, testScope, f.para.ID), store.ErrConflict)
	require.NoError(t, f.svc.DeleteMedicine(ctx, testScope, f.ors.ID))

	_, err := f.svc.GetMedicine(ctx, testScope, f.ors.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMedicineRemovesEmptyBatches(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	f.mustPurchase(t, f.purchaseOf(f.para.ID, "B1", expiryIn(6), 1, 10))
	_, err := f.svc.CreateSale(ctx, testScope, f.otcSale(f.para.ID, 10))
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteMedicine(ctx, testScope, f.para.ID))

	err = f.store.RunInTx(ctx, testScope, func(ctx context.Context, tx store.Tx) error {
		batches, err := tx.ListMedicineBatches(ctx, f.para.ID)
		require.NoError(t, err)
		assert.Empty(t, batches)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteSupplierWithBalance(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	p := f.mustPurchase(t, f.purchaseOf(f.para.ID, "B1", expiryIn(6), 1, 10))

	assert.ErrorIs(t, f.svc.DeleteSupplier(ctx, testScope, f.supplier.ID), store.ErrConflict)

	_, err := f.svc.RecordSupplierPayment(ctx, testScope, domain.SupplierPaymentRequest{PurchaseID: p.ID, Amount: p.DueAmount})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteSupplier(ctx, testScope, f.supplier.ID))
}

func TestSuppliersAreSharedAcrossBranches(t *testing.T) {
	f := newTestService(t)
	ctx := context.Background()
	branch2 := domain.Scope{OrganizationID: testScope.OrganizationID, BranchID: "branch-2", UserID: "pharmacist-2"}

	s, err := f.svc.GetSupplier(ctx, branch2, f.supplier.ID)
	require.NoError(t, err)
	assert.Equal(t, f.supplier.Name, s.Name)

	_, err = f.svc.GetMedicine(ctx, branch2, f.para.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	otherOrg := domain.Scope{OrganizationID: "org-2", BranchID: "branch-1", UserID: "pharmacist-1"}
	_, err = f.svc.GetSupplier(ctx, otherOrg, f.supplier.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
