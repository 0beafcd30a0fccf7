package service

import (
	"context"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/finance"
	"pharmaledger/internal/store"
	"pharmaledger/internal/txn"
	"pharmaledger/internal/xid"
)

const salesReturnBatchPrefix = "SRET-"

var hundred = decimal.NewFromInt(100)

// CreateSalesReturn takes units back from a customer. Refunds use the sale's
// own price, discount and tax rate; the units go into a fresh batch.
func (s *Service) CreateSalesReturn(ctx context.Context, scope domain.Scope, req domain.SalesReturnRequest) (domain.SalesReturn, error) {
	if err := checkScope(scope); err != nil {
		return domain.SalesReturn{}, err
	}
	if err := normalizeSalesReturnRequest(&req); err != nil {
		return domain.SalesReturn{}, err
	}

	return createOnce(ctx, s, scope, "sales_return", req.IdempotencyKey, loadSalesReturn, func() (domain.SalesReturn, string, error) {
		r, err := s.createSalesReturn(ctx, scope, req)
		return r, r.ID, err
	})
}

func loadSalesReturn(ctx context.Context, r store.Reader, id string) (*domain.SalesReturn, error) {
	return r.GetSalesReturn(ctx, id)
}

func (s *Service) createSalesReturn(ctx context.Context, scope domain.Scope, req domain.SalesReturnRequest) (domain.SalesReturn, error) {
	returnID := s.newID(xid.SalesReturn)

	return txn.Run(ctx, s.coord, scope, "create sales return", func(ctx context.Context, tx store.Tx) (domain.SalesReturn, error) {
		if prior, ok, err := priorResult(ctx, tx, "sales_return", req.IdempotencyKey, loadSalesReturn); err != nil || ok {
			return prior, err
		}
		sale, err := tx.GetSale(ctx, req.OriginalSaleID)
		if err != nil {
			return domain.SalesReturn{}, err
		}
		meds, err := tx.GetMedicines(ctx, salesReturnMedicineIDs(req))
		if err != nil {
			return domain.SalesReturn{}, err
		}
		origins, err := tx.GetBatches(ctx, allocationBatchIDs(*sale))
		if err != nil {
			return domain.SalesReturn{}, err
		}

		now := s.clock()
		returnDate := req.ReturnDate
		if returnDate.IsZero() {
			returnDate = now
		}
		cnt := newCounters()
		items := make([]domain.SalesReturnItem, 0, len(req.Items))
		batches := make([]domain.MedicineBatch, 0, len(req.Items))
		total := decimal.Zero

		for _, in := range req.Items {
			idx, err := returnableSaleItem(*sale, in)
			if err != nil {
				return domain.SalesReturn{}, err
			}
			item := &sale.Items[idx]
			shares, err := returnShares(*sale, *item, in)
			if err != nil {
				return domain.SalesReturn{}, err
			}

			// one restocked batch per source lot, so each keeps its own expiry
			for _, share := range shares {
				alloc := &item.Allocations[share.allocation]
				line, err := finance.ComputeLine(sale.GSTType, finance.LineInput{
					UnitPrice:       item.MRP,
					Quantity:        share.quantity,
					DiscountPercent: item.DiscountPercentage,
					TaxRate:         item.TaxRate,
				})
				if err != nil {
					return domain.SalesReturn{}, store.Invalid("medicine %s: %v", in.MedicineID, err)
				}

				batch := domain.MedicineBatch{
					ID:                s.newID(xid.Batch),
					MedicineID:        item.MedicineID,
					BatchNo:           salesReturnBatchPrefix + alloc.BatchNo,
					ExpiryDate:        alloc.ExpiryDate,
					QuantityAvailable: share.quantity,
					MRP:               item.MRP,
					SalesReturnID:     returnID,
					ReceivedAt:        now,
				}
				if origin, ok := origins[alloc.BatchID]; ok {
					batch.UnitCost = origin.UnitCost
				}
				batches = append(batches, batch)

				alloc.ReturnedQuantity += share.quantity
				total = total.Add(line.Total)
				items = append(items, domain.SalesReturnItem{
					MedicineID:      item.MedicineID,
					MedicineName:    meds[item.MedicineID].Name,
					OriginalBatchNo: alloc.BatchNo,
					NewBatchID:      batch.ID,
					ReturnQuantity:  share.quantity,
					MRP:             item.MRP,
					DiscountAmount:  line.Discount,
					TaxableAmount:   line.Taxable,
					TaxAmount:       line.Tax,
					ReturnValue:     line.Total,
				})
			}
			item.ReturnedQuantity += in.ReturnQuantity
			cnt.addStock(item.MedicineID, in.ReturnQuantity)
		}

		overall := finance.Round(total.Mul(req.OverallDiscountPercentage).Div(hundred))
		sr := domain.SalesReturn{
			ID:                     returnID,
			OrganizationID:         scope.OrganizationID,
			BranchID:               scope.BranchID,
			OriginalSaleID:         sale.ID,
			ReturnDate:             returnDate,
			Reason:                 req.Reason,
			Items:                  items,
			TotalReturnedAmount:    total,
			OverallDiscountPercent: req.OverallDiscountPercentage,
			OverallDiscountAmount:  overall,
			NetRefundAmount:        total.Sub(overall),
			CreatedBy:              scope.UserID,
			CreatedAt:              now,
		}
		sale.UpdatedBy = scope.UserID
		sale.UpdatedAt = now

		for _, b := range batches {
			if err := tx.PutBatch(b); err != nil {
				return domain.SalesReturn{}, err
			}
		}
		if err := tx.PutSale(*sale); err != nil {
			return domain.SalesReturn{}, err
		}
		if err := tx.PutSalesReturn(sr); err != nil {
			return domain.SalesReturn{}, err
		}
		if err := s.claimKey(tx, scope, "sales_return", req.IdempotencyKey, returnID); err != nil {
			return domain.SalesReturn{}, err
		}
		if err := cnt.stage(tx); err != nil {
			return domain.SalesReturn{}, err
		}
		return sr, nil
	})
}

// returnableSaleItem finds the first line of the medicine with enough units
// left to return.
func returnableSaleItem(sale domain.Sale, in domain.SalesReturnItemRequest) (int, error) {
	found := false
	for i, item := range sale.Items {
		if item.MedicineID != in.MedicineID {
			continue
		}
		found = true
		if item.Quantity-item.ReturnedQuantity >= in.ReturnQuantity {
			return i, nil
		}
	}
	if !found {
		return 0, store.NotFound("sale item", sale.ID+"/"+in.MedicineID)
	}
	return 0, store.Invalid("return of %d units of %s exceeds what is left on sale %s", in.ReturnQuantity, in.MedicineID, sale.ID)
}

type returnShare struct {
	allocation int
	quantity   int
}

// returnShares decides which lots the returned units came from. A named batch
// must cover the whole quantity on its own. Otherwise units are assigned to the
// allocations in the order they were drawn, which is earliest expiry first.
func returnShares(sale domain.Sale, item domain.SaleItem, in domain.SalesReturnItemRequest) ([]returnShare, error) {
	if len(item.Allocations) == 0 {
		return nil, store.NotFound("batch allocation", sale.ID+"/"+item.MedicineID)
	}
	if in.BatchNo != "" {
		for i, a := range item.Allocations {
			if a.BatchNo != in.BatchNo {
				continue
			}
			if left := a.QuantityTaken - a.ReturnedQuantity; in.ReturnQuantity > left {
				return nil, store.Invalid("return of %d units of batch %s exceeds the %d sold from it and not yet returned", in.ReturnQuantity, a.BatchNo, left)
			}
			return []returnShare{{allocation: i, quantity: in.ReturnQuantity}}, nil
		}
		return nil, store.NotFound("batch allocation", sale.ID+"/"+in.BatchNo)
	}

	remaining := in.ReturnQuantity
	var shares []returnShare
	for i, a := range item.Allocations {
		if remaining == 0 {
			break
		}
		left := a.QuantityTaken - a.ReturnedQuantity
		if left < 1 {
			continue
		}
		take := min(remaining, left)
		shares = append(shares, returnShare{allocation: i, quantity: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, store.Invalid("return of %d units of %s exceeds what its batches still owe", in.ReturnQuantity, item.MedicineID)
	}
	return shares, nil
}

// CreatePurchaseReturn sends units of a received batch back to the supplier
// and credits the supplier balance at the purchase's taxable cost per unit.
func (s *Service) CreatePurchaseReturn(ctx context.Context, scope domain.Scope, req domain.PurchaseReturnRequest) (domain.PurchaseReturn, error) {
	if err := checkScope(scope); err != nil {
		return domain.PurchaseReturn{}, err
	}
	if err := normalizePurchaseReturnRequest(&req); err != nil {
		return domain.PurchaseReturn{}, err
	}

	return createOnce(ctx, s, scope, "purchase_return", req.IdempotencyKey, loadPurchaseReturn, func() (domain.PurchaseReturn, string, error) {
		r, err := s.createPurchaseReturn(ctx, scope, req)
		return r, r.ID, err
	})
}

func loadPurchaseReturn(ctx context.Context, r store.Reader, id string) (*domain.PurchaseReturn, error) {
	return r.GetPurchaseReturn(ctx, id)
}

func (s *Service) createPurchaseReturn(ctx context.Context, scope domain.Scope, req domain.PurchaseReturnRequest) (domain.PurchaseReturn, error) {
	returnID := s.newID(xid.PurchaseReturn)

	var alerts []lowStockAlert
	pr, err := txn.Run(ctx, s.coord, scope, "create purchase return", func(ctx context.Context, tx store.Tx) (domain.PurchaseReturn, error) {
		if prior, ok, err := priorResult(ctx, tx, "purchase_return", req.IdempotencyKey, loadPurchaseReturn); err != nil || ok {
			return prior, err
		}
		purchase, err := tx.GetPurchase(ctx, req.OriginalPurchaseID)
		if err != nil {
			return domain.PurchaseReturn{}, err
		}
		batchIDs := make([]string, 0, len(req.Items))
		for _, in := range req.Items {
			if idx, ok := findPurchaseItem(*purchase, in); ok {
				batchIDs = append(batchIDs, purchase.Items[idx].BatchID)
			}
		}
		batches, err := tx.GetBatches(ctx, batchIDs)
		if err != nil {
			return domain.PurchaseReturn{}, err
		}
		meds, err := tx.GetMedicines(ctx, purchaseMedicineIDs(*purchase))
		if err != nil {
			return domain.PurchaseReturn{}, err
		}

		now := s.clock()
		returnDate := req.ReturnDate
		if returnDate.IsZero() {
			returnDate = now
		}
		cnt := newCounters()
		items := make([]domain.PurchaseReturnItem, 0, len(req.Items))
		total := decimal.Zero

		for _, in := range req.Items {
			idx, ok := findPurchaseItem(*purchase, in)
			if !ok {
				return domain.PurchaseReturn{}, store.NotFound("purchase item", purchase.ID+"/"+in.MedicineID+"/"+in.BatchNo)
			}
			item := &purchase.Items[idx]
			if left := item.TotalReceived - item.ReturnedQuantity; in.ReturnQuantity > left {
				return domain.PurchaseReturn{}, store.Invalid("return of %d units of batch %s exceeds the %d received and not yet returned", in.ReturnQuantity, item.BatchNo, left)
			}
			batch, ok := batches[item.BatchID]
			if !ok {
				return domain.PurchaseReturn{}, store.NotFound("batch", item.BatchID)
			}
			if batch.QuantityAvailable < in.ReturnQuantity {
				return domain.PurchaseReturn{}, &store.InsufficientStockError{MedicineID: batch.MedicineID, Requested: in.ReturnQuantity, Available: batch.QuantityAvailable}
			}
			batch.QuantityAvailable -= in.ReturnQuantity
			batches[item.BatchID] = batch

			value, err := finance.Prorate(item.TaxableAmount, in.ReturnQuantity, item.TotalReceived)
			if err != nil {
				return domain.PurchaseReturn{}, store.Invalid("batch %s: %v", item.BatchNo, err)
			}
			item.ReturnedQuantity += in.ReturnQuantity
			cnt.addStock(item.MedicineID, -in.ReturnQuantity)
			total = total.Add(value)
			items = append(items, domain.PurchaseReturnItem{
				MedicineID:     item.MedicineID,
				MedicineName:   item.MedicineName,
				BatchID:        batch.ID,
				BatchNo:        batch.BatchNo,
				ReturnQuantity: in.ReturnQuantity,
				CostPerUnit:    item.TaxableAmount.DivRound(decimal.NewFromInt(int64(item.TotalReceived)), 4),
				ReturnValue:    value,
			})
		}
		cnt.addBalance(purchase.SupplierID, total.Neg())
		if err := cnt.checkStock(meds); err != nil {
			return domain.PurchaseReturn{}, err
		}
		alerts = cnt.lowStock(meds)

		pr := domain.PurchaseReturn{
			ID:                 returnID,
			OrganizationID:     scope.OrganizationID,
			BranchID:           scope.BranchID,
			OriginalPurchaseID: purchase.ID,
			SupplierID:         purchase.SupplierID,
			ReturnDate:         returnDate,
			Reason:             req.Reason,
			Items:              items,
			TotalReturnValue:   total,
			CreatedBy:          scope.UserID,
			CreatedAt:          now,
		}
		purchase.UpdatedBy = scope.UserID
		purchase.UpdatedAt = now

		for _, id := range sortedKeys(batches) {
			if err := tx.PutBatch(batches[id]); err != nil {
				return domain.PurchaseReturn{}, err
			}
		}
		if err := tx.PutPurchase(*purchase); err != nil {
			return domain.PurchaseReturn{}, err
		}
		if err := tx.PutPurchaseReturn(pr); err != nil {
			return domain.PurchaseReturn{}, err
		}
		if err := s.claimKey(tx, scope, "purchase_return", req.IdempotencyKey, returnID); err != nil {
			return domain.PurchaseReturn{}, err
		}
		if err := cnt.stage(tx); err != nil {
			return domain.PurchaseReturn{}, err
		}
		return pr, nil
	})
	if err != nil {
		return domain.PurchaseReturn{}, err
	}
	logLowStock("purchase return", alerts)
	return pr, nil
}

func findPurchaseItem(p domain.Purchase, in domain.PurchaseReturnItemRequest) (int, bool) {
	for i, item := range p.Items {
		if item.MedicineID == in.MedicineID && item.BatchNo == in.BatchNo && item.BatchID != "" {
			return i, true
		}
	}
	return 0, false
}

func salesReturnMedicineIDs(req domain.SalesReturnRequest) []string {
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.MedicineID)
	}
	return ids
}

func normalizeSalesReturnRequest(req *domain.SalesReturnRequest) error {
	trimmed(&req.IdempotencyKey, &req.OriginalSaleID, &req.Reason)
	if req.OriginalSaleID == "" {
		return store.Invalid("original sale id is required")
	}
	if req.OverallDiscountPercentage.IsNegative() || req.OverallDiscountPercentage.GreaterThan(hundred) {
		return store.Invalid("overall discount percentage %s out of range", req.OverallDiscountPercentage)
	}
	if len(req.Items) == 0 {
		return store.Invalid("return needs at least one item")
	}
	for i := range req.Items {
		item := &req.Items[i]
		trimmed(&item.MedicineID, &item.BatchNo)
		if item.MedicineID == "" {
			return store.Invalid("item %d: medicine id is required", i+1)
		}
		if item.ReturnQuantity < 1 {
			return store.Invalid("item %d: return quantity must be positive", i+1)
		}
	}
	return nil
}

func normalizePurchaseReturnRequest(req *domain.PurchaseReturnRequest) error {
	trimmed(&req.IdempotencyKey, &req.OriginalPurchaseID, &req.Reason)
	if req.OriginalPurchaseID == "" {
		return store.Invalid("original purchase id is required")
	}
	if len(req.Items) == 0 {
		return store.Invalid("return needs at least one item")
	}
	for i := range req.Items {
		item := &req.Items[i]
		trimmed(&item.MedicineID, &item.BatchNo)
		if item.MedicineID == "" || item.BatchNo == "" {
			return store.Invalid("item %d: medicine id and batch number are required", i+1)
		}
		if item.ReturnQuantity < 1 {
			return store.Invalid("item %d: return quantity must be positive", i+1)
		}
	}
	return nil
}
