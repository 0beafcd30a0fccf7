package service

import (
	"context"
	"time"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/fefo"
	"pharmaledger/internal/finance"
	"pharmaledger/internal/store"
	"pharmaledger/internal/txn"
	"pharmaledger/internal/xid"
)

func (s *Service) CreateSale(ctx context.Context, scope domain.Scope, req domain.SaleRequest) (domain.Sale, error) {
	if err := checkScope(scope); err != nil {
		return domain.Sale{}, err
	}
	if err := normalizeSaleRequest(&req); err != nil {
		return domain.Sale{}, err
	}

	return createOnce(ctx, s, scope, "sale", req.IdempotencyKey, loadSale, func() (domain.Sale, string, error) {
		sale, err := s.createSale(ctx, scope, req)
		return sale, sale.ID, err
	})
}

func loadSale(ctx context.Context, r store.Reader, id string) (*domain.Sale, error) {
	return r.GetSale(ctx, id)
}

func (s *Service) createSale(ctx context.Context, scope domain.Scope, req domain.SaleRequest) (domain.Sale, error) {
	saleID := s.newID(xid.Sale)

	var alerts []lowStockAlert
	sale, err := txn.Run(ctx, s.coord, scope, "create sale", func(ctx context.Context, tx store.Tx) (domain.Sale, error) {
		if prior, ok, err := priorResult(ctx, tx, "sale", req.IdempotencyKey, loadSale); err != nil || ok {
			return prior, err
		}
		refs, err := readSaleRefs(ctx, tx, req, nil)
		if err != nil {
			return domain.Sale{}, err
		}

		now := s.clock()
		pool := fefo.NewPool(refs.available, s.saleCutoff(req.SaleDate))
		cnt := newCounters()
		sale, err := buildSale(scope, saleID, req, refs, pool, cnt)
		if err != nil {
			return domain.Sale{}, err
		}
		if err := cnt.checkStock(refs.medicines); err != nil {
			return domain.Sale{}, err
		}
		sale.CreatedBy = scope.UserID
		sale.CreatedAt = now
		sale.UpdatedAt = now
		alerts = cnt.lowStock(refs.medicines)

		if err := s.claimKey(tx, scope, "sale", req.IdempotencyKey, saleID); err != nil {
			return domain.Sale{}, err
		}
		if err := writeSale(tx, sale, pool, cnt); err != nil {
			return domain.Sale{}, err
		}
		return sale, nil
	})
	if err != nil {
		return domain.Sale{}, err
	}
	logLowStock("sale", alerts)
	return sale, nil
}

// UpdateSale gives back every existing allocation and allocates the new item
// list from scratch, so the same lots may be drawn again.
func (s *Service) UpdateSale(ctx context.Context, scope domain.Scope, saleID string, req domain.SaleRequest) (domain.Sale, error) {
	if err := checkScope(scope); err != nil {
		return domain.Sale{}, err
	}
	if saleID == "" {
		return domain.Sale{}, store.Invalid("sale id is required")
	}
	if err := normalizeSaleRequest(&req); err != nil {
		return domain.Sale{}, err
	}

	var alerts []lowStockAlert
	sale, err := txn.Run(ctx, s.coord, scope, "update sale", func(ctx context.Context, tx store.Tx) (domain.Sale, error) {
		original, err := tx.GetSale(ctx, saleID)
		if err != nil {
			return domain.Sale{}, err
		}
		allocated, err := tx.GetBatches(ctx, allocationBatchIDs(*original))
		if err != nil {
			return domain.Sale{}, err
		}
		refs, err := readSaleRefs(ctx, tx, req, saleMedicineIDs(*original))
		if err != nil {
			return domain.Sale{}, err
		}

		if original.HasReturns() {
			return domain.Sale{}, store.Conflict("sale", original.ID, "items were already returned")
		}
		pool := fefo.NewPool(append(batchList(allocated), refs.available...), s.saleCutoff(req.SaleDate))
		cnt := newCounters()
		if err := reverseSale(*original, pool, cnt); err != nil {
			return domain.Sale{}, err
		}
		sale, err := buildSale(scope, original.ID, req, refs, pool, cnt)
		if err != nil {
			return domain.Sale{}, err
		}
		if err := cnt.checkStock(refs.medicines); err != nil {
			return domain.Sale{}, err
		}
		sale.CreatedBy = original.CreatedBy
		sale.CreatedAt = original.CreatedAt
		sale.UpdatedBy = scope.UserID
		sale.UpdatedAt = s.clock()
		alerts = cnt.lowStock(refs.medicines)

		if err := writeSale(tx, sale, pool, cnt); err != nil {
			return domain.Sale{}, err
		}
		return sale, nil
	})
	if err != nil {
		return domain.Sale{}, err
	}
	logLowStock("sale update", alerts)
	return sale, nil
}

// DeleteSale returns every allocated unit to the batch it came from.
func (s *Service) DeleteSale(ctx context.Context, scope domain.Scope, saleID string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	if saleID == "" {
		return store.Invalid("sale id is required")
	}

	_, err := txn.Run(ctx, s.coord, scope, "delete sale", func(ctx context.Context, tx store.Tx) (struct{}, error) {
		original, err := tx.GetSale(ctx, saleID)
		if err != nil {
			return struct{}{}, err
		}
		allocated, err := tx.GetBatches(ctx, allocationBatchIDs(*original))
		if err != nil {
			return struct{}{}, err
		}
		meds, err := tx.GetMedicines(ctx, saleMedicineIDs(*original))
		if err != nil {
			return struct{}{}, err
		}

		if original.HasReturns() {
			return struct{}{}, store.Conflict("sale", original.ID, "items were already returned")
		}
		pool := fefo.NewPool(batchList(allocated), time.Time{})
		cnt := newCounters()
		if err := reverseSale(*original, pool, cnt); err != nil {
			return struct{}{}, err
		}
		if err := cnt.checkStock(meds); err != nil {
			return struct{}{}, err
		}

		for _, b := range pool.Changed() {
			if err := tx.PutBatch(b); err != nil {
				return struct{}{}, err
			}
		}
		if err := tx.DeleteSale(original.ID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, cnt.stage(tx)
	})
	return err
}

type saleRefs struct {
	medicines map[string]domain.Medicine
	profiles  map[string]domain.TaxProfile
	available []domain.MedicineBatch
}

func readSaleRefs(ctx context.Context, r store.Reader, req domain.SaleRequest, extraMedicines []string) (saleRefs, error) {
	ids := make([]string, 0, len(req.Items)+len(extraMedicines))
	for _, item := range req.Items {
		ids = append(ids, item.MedicineID)
	}
	meds, err := r.GetMedicines(ctx, append(ids, extraMedicines...))
	if err != nil {
		return saleRefs{}, err
	}

	profiles := map[string]domain.TaxProfile{}
	if req.GSTType != domain.GSTNone {
		profileIDs := make([]string, 0, len(req.Items))
		for _, item := range req.Items {
			profileIDs = append(profileIDs, effectiveProfile(item.TaxProfileID, meds[item.MedicineID]))
		}
		profiles, err = r.GetTaxProfiles(ctx, profileIDs)
		if err != nil {
			return saleRefs{}, err
		}
	}

	byMedicine, err := r.ListBatchesByMedicine(ctx, ids)
	if err != nil {
		return saleRefs{}, err
	}
	var available []domain.MedicineBatch
	for _, id := range store.UniqueIDs(ids) {
		available = append(available, byMedicine[id]...)
	}
	return saleRefs{medicines: meds, profiles: profiles, available: available}, nil
}

// saleCutoff is the first day a batch must still be valid on to be sold.
func (s *Service) saleCutoff(saleDate time.Time) time.Time {
	if s.allowExpiredSales {
		return time.Time{}
	}
	d := saleDate.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

// buildSale allocates and prices every line. Each medicine's whole quantity is
// checked against the pool before any batch in it is decremented.
func buildSale(scope domain.Scope, id string, req domain.SaleRequest, refs saleRefs, pool *fefo.Pool, cnt *counters) (domain.Sale, error) {
	items := make([]domain.SaleItem, 0, len(req.Items))
	lines := make([]finance.Line, 0, len(req.Items))

	wanted := make(map[string]int, len(req.Items))
	for _, in := range req.Items {
		wanted[in.MedicineID] += in.Quantity
	}
	for _, medicineID := range sortedKeys(wanted) {
		if available := pool.Available(medicineID); available < wanted[medicineID] {
			return domain.Sale{}, &store.InsufficientStockError{MedicineID: medicineID, Requested: wanted[medicineID], Available: available}
		}
	}

	for i, in := range req.Items {
		med := refs.medicines[in.MedicineID]
		profileID := effectiveProfile(in.TaxProfileID, med)
		rate, err := taxRate(req.GSTType, profileID, refs.profiles, med.ID)
		if err != nil {
			return domain.Sale{}, err
		}
		if req.GSTType == domain.GSTNone {
			profileID = ""
		}

		allocations, err := pool.Take(med.ID, in.Quantity)
		if err != nil {
			return domain.Sale{}, err
		}
		cnt.addStock(med.ID, -in.Quantity)

		mrp := in.MRP
		if !mrp.IsPositive() {
			first, _ := pool.Batch(allocations[0].BatchID)
			mrp = first.MRP
		}
		line, err := finance.ComputeLine(req.GSTType, finance.LineInput{
			UnitPrice:       mrp,
			Quantity:        in.Quantity,
			DiscountPercent: in.DiscountPercentage,
			TaxRate:         rate,
		})
		if err != nil {
			return domain.Sale{}, store.Invalid("item %d: %v", i+1, err)
		}
		lines = append(lines, line)

		items = append(items, domain.SaleItem{
			MedicineID:         med.ID,
			MedicineName:       med.Name,
			Quantity:           in.Quantity,
			MRP:                mrp,
			DiscountPercentage: in.DiscountPercentage,
			TaxProfileID:       profileID,
			TaxRate:            rate,
			GrossAmount:        line.Gross,
			DiscountAmount:     line.Discount,
			TaxableAmount:      line.Taxable,
			TaxAmount:          line.Tax,
			LineTotal:          line.Total,
			Allocations:        allocations,
		})
	}

	totals, err := finance.Summarize(lines, req.Adjustment)
	if err != nil {
		return domain.Sale{}, store.Invalid("%v", err)
	}
	if totals.GrandTotal.IsNegative() {
		return domain.Sale{}, store.Invalid("adjustment exceeds invoice subtotal %s", totals.Subtotal)
	}

	return domain.Sale{
		ID:                   id,
		OrganizationID:       scope.OrganizationID,
		BranchID:             scope.BranchID,
		Type:                 req.Type,
		SaleDate:             req.SaleDate,
		PatientID:            req.PatientID,
		PatientName:          req.PatientName,
		DoctorName:           req.DoctorName,
		WalkInCustomerName:   req.WalkInCustomerName,
		WalkInCustomerMobile: req.WalkInCustomerMobile,
		GSTType:              req.GSTType,
		Items:                items,
		TotalGross:           totals.Gross,
		TotalDiscount:        totals.Discount,
		TotalTaxable:         totals.Taxable,
		TotalTax:             totals.Tax,
		Adjustment:           req.Adjustment,
		AdjustmentAmount:     totals.AdjustmentAmount,
		GrandTotal:           totals.GrandTotal,
		PaymentMode:          req.PaymentMode,
		PaymentReference:     req.PaymentReference,
	}, nil
}

func reverseSale(sale domain.Sale, pool *fefo.Pool, cnt *counters) error {
	for _, item := range sale.Items {
		if err := pool.Restore(item.MedicineID, item.Allocations); err != nil {
			return err
		}
		cnt.addStock(item.MedicineID, item.AllocatedQuantity())
	}
	return nil
}

func writeSale(tx store.Writer, sale domain.Sale, pool *fefo.Pool, cnt *counters) error {
	for _, b := range pool.Changed() {
		if err := tx.PutBatch(b); err != nil {
			return err
		}
	}
	if err := tx.PutSale(sale); err != nil {
		return err
	}
	return cnt.stage(tx)
}

func allocationBatchIDs(sale domain.Sale) []string {
	var ids []string
	for _, item := range sale.Items {
		for _, a := range item.Allocations {
			ids = append(ids, a.BatchID)
		}
	}
	return store.UniqueIDs(ids)
}

func saleMedicineIDs(sale domain.Sale) []string {
	ids := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		ids = append(ids, item.MedicineID)
	}
	return ids
}

func batchList(m map[string]domain.MedicineBatch) []domain.MedicineBatch {
	out := make([]domain.MedicineBatch, 0, len(m))
	for _, id := range sortedKeys(m) {
		out = append(out, m[id])
	}
	return out
}

func normalizeSaleRequest(req *domain.SaleRequest) error {
	trimmed(&req.IdempotencyKey, &req.PatientID, &req.PatientName, &req.DoctorName,
		&req.WalkInCustomerName, &req.WalkInCustomerMobile, &req.PaymentMode, &req.PaymentReference)

	switch req.Type {
	case domain.SalePrescription:
		if req.PatientID == "" && req.PatientName == "" && req.DoctorName == "" {
			return store.Invalid("prescription sale needs a patient or doctor")
		}
	case domain.SaleOTC:
	default:
		return store.Invalid("unknown sale type %q", req.Type)
	}
	if !req.GSTType.Valid() {
		return store.Invalid("unknown gst type %q", req.GSTType)
	}
	if req.SaleDate.IsZero() {
		return store.Invalid("sale date is required")
	}
	if len(req.Items) == 0 {
		return store.Invalid("sale needs at least one item")
	}
	for i := range req.Items {
		item := &req.Items[i]
		trimmed(&item.MedicineID, &item.TaxProfileID)
		switch {
		case item.MedicineID == "":
			return store.Invalid("item %d: medicine id is required", i+1)
		case item.Quantity < 1:
			return store.Invalid("item %d: quantity must be positive", i+1)
		case item.MRP.IsNegative():
			return store.Invalid("item %d: mrp cannot be negative", i+1)
		}
	}
	return nil
}
