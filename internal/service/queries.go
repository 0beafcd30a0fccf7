package service

import (
	"context"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
	"pharmaledger/internal/txn"
)

func view[T any](ctx context.Context, s *Service, scope domain.Scope, fn func(ctx context.Context, r store.Reader) (T, error)) (T, error) {
	var out T
	if err := checkScope(scope); err != nil {
		return out, err
	}
	err := txn.View(ctx, s.coord, scope, func(ctx context.Context, r store.Reader) error {
		var err error
		out, err = fn(ctx, r)
		return err
	})
	return out, err
}

func (s *Service) GetPurchase(ctx context.Context, scope domain.Scope, id string) (domain.Purchase, error) {
	return view(ctx, s, scope, func(ctx context.Context, r store.Reader) (domain.Purchase, error) {
		p, err := r.GetPurchase(ctx, id)
		if err != nil {
			return domain.Purchase{}, err
		}
		return *p, nil
	})
}

func (s *Service) GetSale(ctx context.Context, scope domain.Scope, id string) (domain.Sale, error) {
	return view(ctx, s, scope, func(ctx context.Context, r store.Reader) (domain.Sale, error) {
		sale, err := r.GetSale(ctx, id)
		if err != nil {
			return domain.Sale{}, err
		}
		return *sale, nil
	})
}

func (s *Service) GetMedicine(ctx context.Context, scope domain.Scope, id string) (domain.Medicine, error) {
	return view(ctx, s, scope, func(ctx context.Context, r store.Reader) (domain.Medicine, error) {
		meds, err := r.GetMedicines(ctx, []string{id})
		if err != nil {
			return domain.Medicine{}, err
		}
		return meds[id], nil
	})
}

func (s *Service) GetSupplier(ctx context.Context, scope domain.Scope, id string) (domain.Supplier, error) {
	return view(ctx, s, scope, func(ctx context.Context, r store.Reader) (domain.Supplier, error) {
		supplier, err := r.GetSupplier(ctx, id)
		if err != nil {
			return domain.Supplier{}, err
		}
		return *supplier, nil
	})
}

// ListStock returns a medicine's batches that still hold stock, in FEFO order.
func (s *Service) ListStock(ctx context.Context, scope domain.Scope, medicineID string) ([]domain.MedicineBatch, error) {
	return view(ctx, s, scope, func(ctx context.Context, r store.Reader) ([]domain.MedicineBatch, error) {
		batches, err := r.ListBatchesByMedicine(ctx, []string{medicineID})
		if err != nil {
			return nil, err
		}
		return batches[medicineID], nil
	})
}

func (s *Service) ListPayments(ctx context.Context, scope domain.Scope, purchaseID string) ([]domain.SupplierPayment, error) {
	return view(ctx, s, scope, func(ctx context.Context, r store.Reader) ([]domain.SupplierPayment, error) {
		return r.ListPaymentsByPurchase(ctx, purchaseID)
	})
}

// SupplierStatement is everything that moves a supplier's balance in one branch.
type SupplierStatement struct {
	Supplier        domain.Supplier
	Purchases       []domain.Purchase
	PurchaseReturns []domain.PurchaseReturn
}

func (s *Service) GetSupplierStatement(ctx context.Context, scope domain.Scope, supplierID string) (SupplierStatement, error) {
	return view(ctx, s, scope, func(ctx context.Context, r store.Reader) (SupplierStatement, error) {
		supplier, err := r.GetSupplier(ctx, supplierID)
		if err != nil {
			return SupplierStatement{}, err
		}
		purchases, err := r.ListPurchasesBySupplier(ctx, supplierID)
		if err != nil {
			return SupplierStatement{}, err
		}
		returns, err := r.ListPurchaseReturnsBySupplier(ctx, supplierID)
		if err != nil {
			return SupplierStatement{}, err
		}
		return SupplierStatement{Supplier: *supplier, Purchases: purchases, PurchaseReturns: returns}, nil
	})
}
