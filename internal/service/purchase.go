package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/finance"
	"pharmaledger/internal/store"
	"pharmaledger/internal/txn"
	"pharmaledger/internal/xid"
)

func (s *Service) CreatePurchase(ctx context.Context, scope domain.Scope, req domain.PurchaseRequest) (domain.Purchase, error) {
	if err := checkScope(scope); err != nil {
		return domain.Purchase{}, err
	}
	if err := normalizePurchaseRequest(&req); err != nil {
		return domain.Purchase{}, err
	}

	return createOnce(ctx, s, scope, "purchase", req.IdempotencyKey, loadPurchase, func() (domain.Purchase, string, error) {
		p, err := s.createPurchase(ctx, scope, req)
		return p, p.ID, err
	})
}

func loadPurchase(ctx context.Context, r store.Reader, id string) (*domain.Purchase, error) {
	return r.GetPurchase(ctx, id)
}

func (s *Service) createPurchase(ctx context.Context, scope domain.Scope, req domain.PurchaseRequest) (domain.Purchase, error) {
	purchaseID := s.newID(xid.Purchase)

	return txn.Run(ctx, s.coord, scope, "create purchase", func(ctx context.Context, tx store.Tx) (domain.Purchase, error) {
		if prior, ok, err := priorResult(ctx, tx, "purchase", req.IdempotencyKey, loadPurchase); err != nil || ok {
			return prior, err
		}
		refs, err := readPurchaseRefs(ctx, tx, req, nil)
		if err != nil {
			return domain.Purchase{}, err
		}

		now := s.clock()
		draft, err := s.buildPurchase(scope, purchaseID, req, refs, now)
		if err != nil {
			return domain.Purchase{}, err
		}
		draft.purchase.CreatedBy = scope.UserID
		draft.purchase.CreatedAt = now

		cnt := newCounters()
		draft.addEffects(cnt)

		for _, b := range draft.batches {
			if err := tx.PutBatch(b); err != nil {
				return domain.Purchase{}, err
			}
		}
		if err := tx.PutPurchase(draft.purchase); err != nil {
			return domain.Purchase{}, err
		}
		if draft.payment != nil {
			if err := tx.PutPayment(*draft.payment); err != nil {
				return domain.Purchase{}, err
			}
		}
		if err := s.claimKey(tx, scope, "purchase", req.IdempotencyKey, purchaseID); err != nil {
			return domain.Purchase{}, err
		}
		if err := cnt.stage(tx); err != nil {
			return domain.Purchase{}, err
		}
		return draft.purchase, nil
	})
}

// UpdatePurchase replaces a purchase's contents. The batches it created are
// deleted and recreated, which is refused once any of their stock has moved.
func (s *Service) UpdatePurchase(ctx context.Context, scope domain.Scope, purchaseID string, req domain.PurchaseRequest) (domain.Purchase, error) {
	if err := checkScope(scope); err != nil {
		return domain.Purchase{}, err
	}
	if purchaseID == "" {
		return domain.Purchase{}, store.Invalid("purchase id is required")
	}
	if err := normalizePurchaseRequest(&req); err != nil {
		return domain.Purchase{}, err
	}

	var alerts []lowStockAlert
	purchase, err := txn.Run(ctx, s.coord, scope, "update purchase", func(ctx context.Context, tx store.Tx) (domain.Purchase, error) {
		original, err := tx.GetPurchase(ctx, purchaseID)
		if err != nil {
			return domain.Purchase{}, err
		}
		oldBatches, err := tx.GetBatches(ctx, purchaseBatchIDs(*original))
		if err != nil {
			return domain.Purchase{}, err
		}
		payments, err := tx.ListPaymentsByPurchase(ctx, purchaseID)
		if err != nil {
			return domain.Purchase{}, err
		}
		refs, err := readPurchaseRefs(ctx, tx, req, purchaseMedicineIDs(*original))
		if err != nil {
			return domain.Purchase{}, err
		}

		if err := checkUnusedStock(*original, oldBatches); err != nil {
			return domain.Purchase{}, err
		}
		now := s.clock()
		draft, err := s.buildPurchase(scope, original.ID, req, refs, now)
		if err != nil {
			return domain.Purchase{}, err
		}
		draft.purchase.CreatedBy = original.CreatedBy
		draft.purchase.CreatedAt = original.CreatedAt
		draft.purchase.UpdatedBy = scope.UserID

		cnt := newCounters()
		reversePurchaseEffects(*original, cnt)
		draft.addEffects(cnt)
		if err := cnt.checkStock(refs.medicines); err != nil {
			return domain.Purchase{}, err
		}
		alerts = cnt.lowStock(refs.medicines)

		for _, id := range purchaseBatchIDs(*original) {
			if err := tx.DeleteBatch(id); err != nil {
				return domain.Purchase{}, err
			}
		}
		for _, b := range draft.batches {
			if err := tx.PutBatch(b); err != nil {
				return domain.Purchase{}, err
			}
		}
		for _, p := range payments {
			if err := tx.DeletePayment(p.ID); err != nil {
				return domain.Purchase{}, err
			}
		}
		if draft.payment != nil {
			if err := tx.PutPayment(*draft.payment); err != nil {
				return domain.Purchase{}, err
			}
		}
		if err := tx.PutPurchase(draft.purchase); err != nil {
			return domain.Purchase{}, err
		}
		if err := cnt.stage(tx); err != nil {
			return domain.Purchase{}, err
		}
		return draft.purchase, nil
	})
	if err != nil {
		return domain.Purchase{}, err
	}
	logLowStock("purchase update", alerts)
	return purchase, nil
}

// DeletePurchase removes a purchase with its batches and payments and takes
// its due amount back off the supplier balance.
func (s *Service) DeletePurchase(ctx context.Context, scope domain.Scope, purchaseID string) error {
	if err := checkScope(scope); err != nil {
		return err
	}
	if purchaseID == "" {
		return store.Invalid("purchase id is required")
	}

	var alerts []lowStockAlert
	_, err := txn.Run(ctx, s.coord, scope, "delete purchase", func(ctx context.Context, tx store.Tx) (struct{}, error) {
		original, err := tx.GetPurchase(ctx, purchaseID)
		if err != nil {
			return struct{}{}, err
		}
		batches, err := tx.GetBatches(ctx, purchaseBatchIDs(*original))
		if err != nil {
			return struct{}{}, err
		}
		payments, err := tx.ListPaymentsByPurchase(ctx, purchaseID)
		if err != nil {
			return struct{}{}, err
		}
		meds, err := tx.GetMedicines(ctx, purchaseMedicineIDs(*original))
		if err != nil {
			return struct{}{}, err
		}

		if err := checkUnusedStock(*original, batches); err != nil {
			return struct{}{}, err
		}
		cnt := newCounters()
		reversePurchaseEffects(*original, cnt)
		if err := cnt.checkStock(meds); err != nil {
			return struct{}{}, err
		}
		alerts = cnt.lowStock(meds)

		for _, id := range purchaseBatchIDs(*original) {
			if err := tx.DeleteBatch(id); err != nil {
				return struct{}{}, err
			}
		}
		for _, p := range payments {
			if err := tx.DeletePayment(p.ID); err != nil {
				return struct{}{}, err
			}
		}
		if err := tx.DeletePurchase(original.ID); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, cnt.stage(tx)
	})
	if err != nil {
		return err
	}
	logLowStock("purchase delete", alerts)
	return nil
}

// RecordSupplierPayment settles part of a purchase's due amount after the fact.
func (s *Service) RecordSupplierPayment(ctx context.Context, scope domain.Scope, req domain.SupplierPaymentRequest) (domain.SupplierPayment, error) {
	if err := checkScope(scope); err != nil {
		return domain.SupplierPayment{}, err
	}
	trimmed(&req.PurchaseID, &req.Mode, &req.Reference)
	if req.PurchaseID == "" {
		return domain.SupplierPayment{}, store.Invalid("purchase id is required")
	}
	if !req.Amount.IsPositive() {
		return domain.SupplierPayment{}, store.Invalid("payment amount must be positive")
	}
	paymentID := s.newID(xid.Payment)

	return txn.Run(ctx, s.coord, scope, "record supplier payment", func(ctx context.Context, tx store.Tx) (domain.SupplierPayment, error) {
		purchase, err := tx.GetPurchase(ctx, req.PurchaseID)
		if err != nil {
			return domain.SupplierPayment{}, err
		}

		amount := finance.Round(req.Amount)
		if amount.GreaterThan(purchase.DueAmount) {
			return domain.SupplierPayment{}, store.Invalid("payment %s exceeds due amount %s of purchase %s", amount, purchase.DueAmount, purchase.ID)
		}
		now := s.clock()
		settled := finance.Settle(purchase.GrandTotal, purchase.AmountPaid.Add(amount))
		purchase.AmountPaid = settled.AmountPaid
		purchase.DueAmount = settled.Due
		purchase.PaymentStatus = settled.Status
		purchase.UpdatedBy = scope.UserID
		purchase.UpdatedAt = now

		paidAt := req.PaidAt
		if paidAt.IsZero() {
			paidAt = now
		}
		payment := domain.SupplierPayment{
			ID:         paymentID,
			SupplierID: purchase.SupplierID,
			PurchaseID: purchase.ID,
			Amount:     amount,
			Mode:       req.Mode,
			Reference:  req.Reference,
			PaidAt:     paidAt,
			RecordedBy: scope.UserID,
		}
		cnt := newCounters()
		cnt.addBalance(purchase.SupplierID, amount.Neg())

		if err := tx.PutPurchase(*purchase); err != nil {
			return domain.SupplierPayment{}, err
		}
		if err := tx.PutPayment(payment); err != nil {
			return domain.SupplierPayment{}, err
		}
		if err := cnt.stage(tx); err != nil {
			return domain.SupplierPayment{}, err
		}
		return payment, nil
	})
}

type purchaseRefs struct {
	supplier  domain.Supplier
	medicines map[string]domain.Medicine
	profiles  map[string]domain.TaxProfile
}

// readPurchaseRefs loads the supplier, medicines and tax profiles a purchase
// request needs. extraMedicines are read too so reversals can check stock.
func readPurchaseRefs(ctx context.Context, r store.Reader, req domain.PurchaseRequest, extraMedicines []string) (purchaseRefs, error) {
	supplier, err := r.GetSupplier(ctx, req.SupplierID)
	if err != nil {
		return purchaseRefs{}, err
	}

	ids := make([]string, 0, len(req.Items)+len(extraMedicines))
	for _, item := range req.Items {
		ids = append(ids, item.MedicineID)
	}
	meds, err := r.GetMedicines(ctx, append(ids, extraMedicines...))
	if err != nil {
		return purchaseRefs{}, err
	}

	profiles := map[string]domain.TaxProfile{}
	if req.GSTType != domain.GSTNone {
		profileIDs := make([]string, 0, len(req.Items))
		for _, item := range req.Items {
			profileIDs = append(profileIDs, effectiveProfile(item.TaxProfileID, meds[item.MedicineID]))
		}
		profiles, err = r.GetTaxProfiles(ctx, profileIDs)
		if err != nil {
			return purchaseRefs{}, err
		}
	}
	return purchaseRefs{supplier: *supplier, medicines: meds, profiles: profiles}, nil
}

func effectiveProfile(requested string, med domain.Medicine) string {
	if requested != "" {
		return requested
	}
	return med.TaxProfileID
}

// taxRate resolves the rate for one line; GST invoices need a profile.
func taxRate(gst domain.GSTType, profileID string, profiles map[string]domain.TaxProfile, medicineID string) (decimal.Decimal, error) {
	if gst == domain.GSTNone {
		return decimal.Zero, nil
	}
	if profileID == "" {
		return decimal.Zero, store.Invalid("medicine %s has no tax profile for a %s invoice", medicineID, gst)
	}
	profile, ok := profiles[profileID]
	if !ok {
		return decimal.Zero, store.NotFound("tax profile", profileID)
	}
	return profile.TotalRate, nil
}

type purchaseDraft struct {
	purchase domain.Purchase
	batches  []domain.MedicineBatch
	payment  *domain.SupplierPayment
}

func (d purchaseDraft) addEffects(cnt *counters) {
	for _, item := range d.purchase.Items {
		if item.BatchID != "" {
			cnt.addStock(item.MedicineID, item.TotalReceived)
		}
	}
	cnt.addBalance(d.purchase.SupplierID, d.purchase.DueAmount)
}

func reversePurchaseEffects(p domain.Purchase, cnt *counters) {
	for _, item := range p.Items {
		if item.BatchID != "" {
			cnt.addStock(item.MedicineID, -item.TotalReceived)
		}
	}
	cnt.addBalance(p.SupplierID, p.DueAmount.Neg())
}

func (s *Service) buildPurchase(scope domain.Scope, id string, req domain.PurchaseRequest, refs purchaseRefs, now time.Time) (purchaseDraft, error) {
	items := make([]domain.PurchaseItem, 0, len(req.Items))
	lines := make([]finance.Line, 0, len(req.Items))
	batches := make([]domain.MedicineBatch, 0, len(req.Items))

	for i, in := range req.Items {
		med := refs.medicines[in.MedicineID]
		profileID := effectiveProfile(in.TaxProfileID, med)
		rate, err := taxRate(req.GSTType, profileID, refs.profiles, med.ID)
		if err != nil {
			return purchaseDraft{}, err
		}
		if req.GSTType == domain.GSTNone {
			profileID = ""
		}

		line, err := finance.ComputeLine(req.GSTType, finance.LineInput{
			UnitPrice:       in.PurchaseCostPerPack,
			Quantity:        in.PackQuantity,
			DiscountPercent: in.DiscountPercentage,
			TaxRate:         rate,
		})
		if err != nil {
			return purchaseDraft{}, store.Invalid("item %d: %v", i+1, err)
		}
		lines = append(lines, line)

		item := domain.PurchaseItem{
			MedicineID:          med.ID,
			MedicineName:        med.Name,
			BatchNo:             in.BatchNo,
			ExpiryDate:          in.ExpiryDate,
			HSNCode:             med.HSNCode,
			PackQuantity:        in.PackQuantity,
			FreePackQuantity:    in.FreePackQuantity,
			ItemsPerPack:        in.ItemsPerPack,
			TotalReceived:       (in.PackQuantity + in.FreePackQuantity) * in.ItemsPerPack,
			PurchaseCostPerPack: in.PurchaseCostPerPack,
			MRPPerItem:          in.MRPPerItem,
			DiscountPercentage:  in.DiscountPercentage,
			TaxProfileID:        profileID,
			TaxRate:             rate,
			GrossAmount:         line.Gross,
			DiscountAmount:      line.Discount,
			TaxableAmount:       line.Taxable,
			TaxAmount:           line.Tax,
			LineTotal:           line.Total,
		}
		if item.TotalReceived > 0 {
			batch := domain.MedicineBatch{
				ID:                s.newID(xid.Batch),
				MedicineID:        med.ID,
				BatchNo:           in.BatchNo,
				ExpiryDate:        in.ExpiryDate,
				QuantityAvailable: item.TotalReceived,
				UnitCost:          in.PurchaseCostPerPack.DivRound(decimal.NewFromInt(int64(in.ItemsPerPack)), 2),
				MRP:               in.MRPPerItem,
				PurchaseID:        id,
				ReceivedAt:        now,
			}
			item.BatchID = batch.ID
			batches = append(batches, batch)
		}
		items = append(items, item)
	}

	totals, err := finance.Summarize(lines, req.Adjustment)
	if err != nil {
		return purchaseDraft{}, store.Invalid("%v", err)
	}
	if totals.GrandTotal.IsNegative() {
		return purchaseDraft{}, store.Invalid("adjustment exceeds invoice subtotal %s", totals.Subtotal)
	}
	if req.AmountPaid.GreaterThan(totals.GrandTotal) {
		return purchaseDraft{}, store.Invalid("amount paid %s exceeds grand total %s", req.AmountPaid, totals.GrandTotal)
	}
	settled := finance.Settle(totals.GrandTotal, req.AmountPaid)

	purchase := domain.Purchase{
		ID:               id,
		OrganizationID:   scope.OrganizationID,
		BranchID:         scope.BranchID,
		SupplierID:       refs.supplier.ID,
		SupplierName:     refs.supplier.Name,
		InvoiceNo:        req.InvoiceNo,
		InvoiceDate:      req.InvoiceDate,
		GSTType:          req.GSTType,
		Items:            items,
		TotalGross:       totals.Gross,
		TotalDiscount:    totals.Discount,
		TotalTaxable:     totals.Taxable,
		TotalTax:         totals.Tax,
		Adjustment:       req.Adjustment,
		AdjustmentAmount: totals.AdjustmentAmount,
		GrandTotal:       totals.GrandTotal,
		AmountPaid:       settled.AmountPaid,
		DueAmount:        settled.Due,
		PaymentStatus:    settled.Status,
		PaymentMode:      req.PaymentMode,
		PaymentReference: req.PaymentReference,
		UpdatedAt:        now,
	}

	draft := purchaseDraft{purchase: purchase, batches: batches}
	if settled.AmountPaid.IsPositive() {
		draft.payment = &domain.SupplierPayment{
			ID:         s.newID(xid.Payment),
			SupplierID: purchase.SupplierID,
			PurchaseID: purchase.ID,
			Amount:     settled.AmountPaid,
			Mode:       req.PaymentMode,
			Reference:  req.PaymentReference,
			PaidAt:     now,
			RecordedBy: scope.UserID,
		}
	}
	return draft, nil
}

// checkUnusedStock refuses to reverse a purchase whose batches lost stock to
// sales or returns since it was recorded.
func checkUnusedStock(p domain.Purchase, batches map[string]domain.MedicineBatch) error {
	for _, item := range p.Items {
		if item.BatchID == "" {
			continue
		}
		b, ok := batches[item.BatchID]
		if !ok {
			return store.Conflict("purchase", p.ID, fmt.Sprintf("batch %s no longer exists", item.BatchID))
		}
		if b.QuantityAvailable < item.TotalReceived {
			return store.Conflict("purchase", p.ID, fmt.Sprintf(
				"stock of batch %s already consumed (%d of %d left)", b.BatchNo, b.QuantityAvailable, item.TotalReceived))
		}
	}
	return nil
}

func purchaseBatchIDs(p domain.Purchase) []string {
	ids := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		if item.BatchID != "" {
			ids = append(ids, item.BatchID)
		}
	}
	return ids
}

func purchaseMedicineIDs(p domain.Purchase) []string {
	ids := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		ids = append(ids, item.MedicineID)
	}
	return ids
}

func normalizePurchaseRequest(req *domain.PurchaseRequest) error {
	trimmed(&req.IdempotencyKey, &req.SupplierID, &req.InvoiceNo, &req.PaymentMode, &req.PaymentReference)
	if req.SupplierID == "" {
		return store.Invalid("supplier id is required")
	}
	if !req.GSTType.Valid() {
		return store.Invalid("unknown gst type %q", req.GSTType)
	}
	if len(req.Items) == 0 {
		return store.Invalid("purchase needs at least one item")
	}
	if req.AmountPaid.IsNegative() {
		return store.Invalid("amount paid cannot be negative")
	}
	if req.InvoiceDate.IsZero() {
		return store.Invalid("invoice date is required")
	}

	for i := range req.Items {
		item := &req.Items[i]
		trimmed(&item.MedicineID, &item.BatchNo, &item.TaxProfileID)
		switch {
		case item.MedicineID == "":
			return store.Invalid("item %d: medicine id is required", i+1)
		case item.BatchNo == "":
			return store.Invalid("item %d: batch number is required", i+1)
		case item.ExpiryDate.IsZero():
			return store.Invalid("item %d: expiry date is required", i+1)
		case item.PackQuantity < 0 || item.FreePackQuantity < 0:
			return store.Invalid("item %d: pack quantities cannot be negative", i+1)
		case item.ItemsPerPack < 1:
			return store.Invalid("item %d: items per pack must be at least 1", i+1)
		case item.PurchaseCostPerPack.IsNegative() || item.MRPPerItem.IsNegative():
			return store.Invalid("item %d: prices cannot be negative", i+1)
		}
	}
	return nil
}
