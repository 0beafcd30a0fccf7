package memory

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

// NewSeeded returns a store holding demo master data for one branch: two tax
// profiles, a supplier and three medicines without stock.
func NewSeeded(scope domain.Scope) *Store {
	s := New()
	now := time.Now().UTC()

	gst := func(id string, name string, rate int64) domain.TaxProfile {
		half := decimal.NewFromInt(rate).Div(decimal.NewFromInt(2))
		return domain.TaxProfile{
			ID:             id,
			OrganizationID: scope.OrganizationID,
			Name:           name,
			TotalRate:      decimal.NewFromInt(rate),
			Components: []domain.TaxComponent{
				{Name: "CGST", Rate: half},
				{Name: "SGST", Rate: half},
			},
			CreatedAt: now,
		}
	}
	medicine := func(id string, name string, generic string, taxProfileID string, threshold int) domain.Medicine {
		return domain.Medicine{
			ID:                id,
			OrganizationID:    scope.OrganizationID,
			BranchID:          scope.BranchID,
			Name:              name,
			GenericName:       generic,
			TaxProfileID:      taxProfileID,
			LowStockThreshold: threshold,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
	}

	err := s.RunInTx(context.Background(), scope, func(_ context.Context, tx store.Tx) error {
		for _, p := range []domain.TaxProfile{
			gst("TAX-GST5", "GST 5%", 5),
			gst("TAX-GST12", "GST 12%", 12),
		} {
			if err := tx.PutTaxProfile(p); err != nil {
				return err
			}
		}
		if err := tx.PutSupplier(domain.Supplier{
			ID:             "SUP-DEMO",
			OrganizationID: scope.OrganizationID,
			Name:           "Demo Pharma Distributors",
			GSTIN:          "29ABCDE1234F1Z5",
			CreatedAt:      now,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		for _, m := range []domain.Medicine{
			medicine("MED-PARA500", "Paracetamol 500mg", "Paracetamol", "TAX-GST12", 50),
			medicine("MED-AMOX250", "Amoxicillin 250mg", "Amoxicillin", "TAX-GST12", 20),
			medicine("MED-ORS", "ORS Sachet", "Oral rehydration salts", "TAX-GST5", 30),
		} {
			if err := tx.PutMedicine(m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("[memory-store] WARN: seeding failed: %v", err)
	}
	return s
}
