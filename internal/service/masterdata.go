package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
	"pharmaledger/internal/txn"
	"pharmaledger/internal/xid"
)

func (s *Service) CreateTaxProfile(ctx context.Context, scope domain.Scope, req domain.TaxProfileCreateRequest) (domain.TaxProfile, error) {
	if err := checkScope(scope); err != nil {
		return domain.TaxProfile{}, err
	}
	if err := validateTaxProfile(&req); err != nil {
		return domain.TaxProfile{}, err
	}

	profile := domain.TaxProfile{
		ID:             s.newID(xid.TaxProfile),
		OrganizationID: scope.OrganizationID,
		Name:           req.Name,
		TotalRate:      req.TotalRate,
		Components:     req.Components,
		CreatedAt:      s.clock(),
	}
	return txn.Run(ctx, s.coord, scope, "create tax profile", func(_ context.Context, tx store.Tx) (domain.TaxProfile, error) {
		return profile, tx.PutTaxProfile(profile)
	})
}

// UpdateTaxProfile replaces the name, rate and components of a profile.
// Medicines keep pointing at it and pick up the new rate on their next sale.
func (s *Service) UpdateTaxProfile(ctx context.Context, scope domain.Scope, id string, req domain.TaxProfileCreateRequest) (domain.TaxProfile, error) {
	if err := checkScope(scope); err != nil {
		return domain.TaxProfile{}, err
	}
	if err := validateTaxProfile(&req); err != nil {
		return domain.TaxProfile{}, err
	}
	return txn.Run(ctx, s.coord, scope, "update tax profile", func(ctx context.Context, tx store.Tx) (domain.TaxProfile, error) {
		profiles, err := tx.GetTaxProfiles(ctx, []string{id})
		if err != nil {
			return domain.TaxProfile{}, err
		}
		profile := profiles[id]
		profile.Name = req.Name
		profile.TotalRate = req.TotalRate
		profile.Components = req.Components
		return profile, tx.PutTaxProfile(profile)
	})
}

func validateTaxProfile(req *domain.TaxProfileCreateRequest) error {
	trimmed(&req.Name)
	if req.Name == "" {
		return store.Invalid("tax profile name is required")
	}
	if req.TotalRate.IsNegative() || req.TotalRate.GreaterThan(hundred) {
		return store.Invalid("tax rate %s out of range", req.TotalRate)
	}
	if len(req.Components) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, c := range req.Components {
		if c.Rate.IsNegative() {
			return store.Invalid("component %s has a negative rate", c.Name)
		}
		sum = sum.Add(c.Rate)
	}
	if !sum.Equal(req.TotalRate) {
		return store.Invalid("components sum to %s, not %s", sum, req.TotalRate)
	}
	return nil
}

// DeleteTaxProfile refuses while any medicine still points at the profile.
func (s *Service) DeleteTaxProfile(ctx context.Context, scope domain.Scope, id string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	_, err := txn.Run(ctx, s.coord, scope, "delete tax profile", func(ctx context.Context, tx store.Tx) (struct{}, error) {
		if _, err := tx.GetTaxProfiles(ctx, []string{id}); err != nil {
			return struct{}{}, err
		}
		inUse, err := tx.CountMedicinesByTaxProfile(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		if inUse > 0 {
			return struct{}{}, store.Conflict("tax profile", id, fmt.Sprintf("used by %d medicines", inUse))
		}
		return struct{}{}, tx.DeleteTaxProfile(id)
	})
	return err
}

func (s *Service) CreateMedicine(ctx context.Context, scope domain.Scope, req domain.MedicineCreateRequest) (domain.Medicine, error) {
	if err := checkScope(scope); err != nil {
		return domain.Medicine{}, err
	}
	if err := validateMedicine(&req); err != nil {
		return domain.Medicine{}, err
	}

	now := s.clock()
	medicine := domain.Medicine{
		ID:                s.newID(xid.Medicine),
		OrganizationID:    scope.OrganizationID,
		BranchID:          scope.BranchID,
		Name:              req.Name,
		GenericName:       req.GenericName,
		HSNCode:           req.HSNCode,
		TaxProfileID:      req.TaxProfileID,
		LowStockThreshold: req.LowStockThreshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return txn.Run(ctx, s.coord, scope, "create medicine", func(ctx context.Context, tx store.Tx) (domain.Medicine, error) {
		if medicine.TaxProfileID != "" {
			if _, err := tx.GetTaxProfiles(ctx, []string{medicine.TaxProfileID}); err != nil {
				return domain.Medicine{}, err
			}
		}
		return medicine, tx.PutMedicine(medicine)
	})
}

// UpdateMedicine edits the descriptive fields of a medicine. Stock is owned by
// purchases, sales and returns and is never touched here.
func (s *Service) UpdateMedicine(ctx context.Context, scope domain.Scope, id string, req domain.MedicineCreateRequest) (domain.Medicine, error) {
	if err := checkScope(scope); err != nil {
		return domain.Medicine{}, err
	}
	if err := validateMedicine(&req); err != nil {
		return domain.Medicine{}, err
	}
	return txn.Run(ctx, s.coord, scope, "update medicine", func(ctx context.Context, tx store.Tx) (domain.Medicine, error) {
		meds, err := tx.GetMedicines(ctx, []string{id})
		if err != nil {
			return domain.Medicine{}, err
		}
		if req.TaxProfileID != "" {
			if _, err := tx.GetTaxProfiles(ctx, []string{req.TaxProfileID}); err != nil {
				return domain.Medicine{}, err
			}
		}
		medicine := meds[id]
		medicine.Name = req.Name
		medicine.GenericName = req.GenericName
		medicine.HSNCode = req.HSNCode
		medicine.TaxProfileID = req.TaxProfileID
		medicine.LowStockThreshold = req.LowStockThreshold
		medicine.UpdatedAt = s.clock()
		return medicine, tx.PutMedicine(medicine)
	})
}

func validateMedicine(req *domain.MedicineCreateRequest) error {
	trimmed(&req.Name, &req.GenericName, &req.HSNCode, &req.TaxProfileID)
	if req.Name == "" {
		return store.Invalid("medicine name is required")
	}
	if req.LowStockThreshold < 0 {
		return store.Invalid("low stock threshold cannot be negative")
	}
	return nil
}

// DeleteMedicine is only allowed once no stock is left. Its emptied batches go
// with it.
func (s *Service) DeleteMedicine(ctx context.Context, scope domain.Scope, id string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	_, err := txn.Run(ctx, s.coord, scope, "delete medicine", func(ctx context.Context, tx store.Tx) (struct{}, error) {
		meds, err := tx.GetMedicines(ctx, []string{id})
		if err != nil {
			return struct{}{}, err
		}
		if stock := meds[id].Stock; stock > 0 {
			return struct{}{}, store.Conflict("medicine", id, fmt.Sprintf("%d units still in stock", stock))
		}
		batches, err := tx.ListMedicineBatches(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		for _, b := range batches {
			if err := tx.DeleteBatch(b.ID); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, tx.DeleteMedicine(id)
	})
	return err
}

func (s *Service) CreateSupplier(ctx context.Context, scope domain.Scope, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if err := checkScope(scope); err != nil {
		return domain.Supplier{}, err
	}
	if err := validateSupplier(&req); err != nil {
		return domain.Supplier{}, err
	}

	now := s.clock()
	supplier := domain.Supplier{
		ID:             s.newID(xid.Supplier),
		OrganizationID: scope.OrganizationID,
		Name:           req.Name,
		GSTIN:          req.GSTIN,
		Phone:          req.Phone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return txn.Run(ctx, s.coord, scope, "create supplier", func(_ context.Context, tx store.Tx) (domain.Supplier, error) {
		return supplier, tx.PutSupplier(supplier)
	})
}

// UpdateSupplier edits contact details. The balance only moves through
// purchases, payments and purchase returns.
func (s *Service) UpdateSupplier(ctx context.Context, scope domain.Scope, id string, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	if err := checkScope(scope); err != nil {
		return domain.Supplier{}, err
	}
	if err := validateSupplier(&req); err != nil {
		return domain.Supplier{}, err
	}
	return txn.Run(ctx, s.coord, scope, "update supplier", func(ctx context.Context, tx store.Tx) (domain.Supplier, error) {
		supplier, err := tx.GetSupplier(ctx, id)
		if err != nil {
			return domain.Supplier{}, err
		}
		supplier.Name = req.Name
		supplier.GSTIN = req.GSTIN
		supplier.Phone = req.Phone
		supplier.UpdatedAt = s.clock()
		return *supplier, tx.PutSupplier(*supplier)
	})
}

func validateSupplier(req *domain.SupplierCreateRequest) error {
	trimmed(&req.Name, &req.GSTIN, &req.Phone)
	if req.Name == "" {
		return store.Invalid("supplier name is required")
	}
	return nil
}

// DeleteSupplier refuses while the supplier balance is not settled to zero.
func (s *Service) DeleteSupplier(ctx context.Context, scope domain.Scope, id string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	_, err := txn.Run(ctx, s.coord, scope, "delete supplier", func(ctx context.Context, tx store.Tx) (struct{}, error) {
		supplier, err := tx.GetSupplier(ctx, id)
		if err != nil {
			return struct{}{}, err
		}
		if !supplier.Balance.IsZero() {
			return struct{}{}, store.Conflict("supplier", id, fmt.Sprintf("outstanding balance %s", supplier.Balance))
		}
		return struct{}{}, tx.DeleteSupplier(id)
	})
	return err
}
