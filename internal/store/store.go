package store

import (
	"context"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
)

// Reader is the read side of a ledger transaction. Bulk getters return an
// entry for every requested id or fail with a NotFoundError naming the first
// missing one; GetBatches is the exception and omits missing batches.
type Reader interface {
	GetSupplier(ctx context.Context, id string) (*domain.Supplier, error)
	GetMedicines(ctx context.Context, ids []string) (map[string]domain.Medicine, error)
	GetTaxProfiles(ctx context.Context, ids []string) (map[string]domain.TaxProfile, error)
	GetBatches(ctx context.Context, ids []string) (map[string]domain.MedicineBatch, error)
	// ListBatchesByMedicine returns batches with stock left, in FEFO order.
	ListBatchesByMedicine(ctx context.Context, medicineIDs []string) (map[string][]domain.MedicineBatch, error)
	// ListMedicineBatches returns every batch of a medicine, empty ones included.
	ListMedicineBatches(ctx context.Context, medicineID string) ([]domain.MedicineBatch, error)
	// CountMedicinesByTaxProfile counts across every branch of the organization.
	CountMedicinesByTaxProfile(ctx context.Context, taxProfileID string) (int, error)
	GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	GetPurchase(ctx context.Context, id string) (*domain.Purchase, error)
	ListPaymentsByPurchase(ctx context.Context, purchaseID string) ([]domain.SupplierPayment, error)
	ListPurchasesBySupplier(ctx context.Context, supplierID string) ([]domain.Purchase, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	GetSalesReturn(ctx context.Context, id string) (*domain.SalesReturn, error)
	GetPurchaseReturn(ctx context.Context, id string) (*domain.PurchaseReturn, error)
	ListPurchaseReturnsBySupplier(ctx context.Context, supplierID string) ([]domain.PurchaseReturn, error)
}

// Writer stages mutations. Nothing is visible until the transaction commits.
type Writer interface {
	PutTaxProfile(p domain.TaxProfile) error
	DeleteTaxProfile(id string) error
	PutMedicine(m domain.Medicine) error
	DeleteMedicine(id string) error
	PutSupplier(s domain.Supplier) error
	DeleteSupplier(id string) error

	PutBatch(b domain.MedicineBatch) error
	DeleteBatch(id string) error
	AdjustMedicineStock(medicineID string, delta int) error
	AdjustSupplierBalance(supplierID string, delta decimal.Decimal) error

	PutPurchase(p domain.Purchase) error
	DeletePurchase(id string) error
	PutPayment(p domain.SupplierPayment) error
	DeletePayment(id string) error
	PutSale(s domain.Sale) error
	DeleteSale(id string) error
	PutSalesReturn(r domain.SalesReturn) error
	PutPurchaseReturn(r domain.PurchaseReturn) error
	PutIdempotencyRecord(r domain.IdempotencyRecord) error
}

type Tx interface {
	Reader
	Writer
}

// Transactor runs single-attempt transactions bound to one tenant scope.
// RunInTx commits when fn returns nil and discards every staged write otherwise.
type Transactor interface {
	RunInTx(ctx context.Context, scope domain.Scope, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, scope domain.Scope, fn func(ctx context.Context, r Reader) error) error
}
