package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

type op func(ctx context.Context, q *sql.Tx) error

type tx struct {
	q     *sql.Tx
	scope domain.Scope
	guard store.PhaseGuard
	ops   []op
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (t *tx) read() error {
	return t.guard.BeforeRead()
}

func (t *tx) stage(fn op) error {
	if err := t.guard.BeforeWrite(); err != nil {
		return err
	}
	t.ops = append(t.ops, fn)
	return nil
}

// stageExec stages a statement that must touch at least one row, failing
// with NotFound when it touches none.
func (t *tx) stageExec(kind string, id string, query string, args ...any) error {
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.NotFound(kind, id)
		}
		return nil
	})
}

// Reader

const supplierColumns = `id, organization_id, name, gstin, phone, balance, created_at, updated_at`

func scanSupplier(row rowScanner) (domain.Supplier, error) {
	var s domain.Supplier
	err := row.Scan(&s.ID, &s.OrganizationID, &s.Name, &s.GSTIN, &s.Phone, &s.Balance, &s.CreatedAt, &s.UpdatedAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, err
}

func (t *tx) GetSupplier(ctx context.Context, id string) (*domain.Supplier, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	s, err := scanSupplier(t.q.QueryRowContext(ctx, `
		SELECT `+supplierColumns+`
		FROM suppliers
		WHERE id = $1 AND organization_id = $2
	`, id, t.scope.OrganizationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("supplier", id)
		}
		return nil, err
	}
	return &s, nil
}

const medicineColumns = `id, organization_id, branch_id, name, generic_name, hsn_code, tax_profile_id, low_stock_threshold, stock, created_at, updated_at`

func (t *tx) GetMedicines(ctx context.Context, ids []string) (map[string]domain.Medicine, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	ids = store.UniqueIDs(ids)
	result := make(map[string]domain.Medicine, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := t.q.QueryContext(ctx, `
		SELECT `+medicineColumns+`
		FROM medicines
		WHERE organization_id = $1 AND branch_id = $2 AND id = ANY($3)
	`, t.scope.OrganizationID, t.scope.BranchID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.Medicine
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.BranchID, &m.Name, &m.GenericName, &m.HSNCode,
			&m.TaxProfileID, &m.LowStockThreshold, &m.Stock, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.UpdatedAt = m.UpdatedAt.UTC()
		result[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, requireAll("medicine", ids, result)
}

func (t *tx) GetTaxProfiles(ctx context.Context, ids []string) (map[string]domain.TaxProfile, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	ids = store.UniqueIDs(ids)
	result := make(map[string]domain.TaxProfile, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := t.q.QueryContext(ctx, `
		SELECT id, organization_id, name, total_rate, components, created_at
		FROM tax_profiles
		WHERE organization_id = $1 AND id = ANY($2)
	`, t.scope.OrganizationID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.TaxProfile
		var components []byte
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.TotalRate, &components, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(components, &p.Components); err != nil {
			return nil, fmt.Errorf("decode components of tax profile %s: %w", p.ID, err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, requireAll("tax profile", ids, result)
}

func requireAll[V any](kind string, ids []string, found map[string]V) error {
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return store.NotFound(kind, id)
		}
	}
	return nil
}

const batchColumns = `id, medicine_id, batch_no, expiry_date, quantity_available, unit_cost, mrp, purchase_id, sales_return_id, received_at`

func scanBatch(row rowScanner) (domain.MedicineBatch, error) {
	var b domain.MedicineBatch
	err := row.Scan(&b.ID, &b.MedicineID, &b.BatchNo, &b.ExpiryDate, &b.QuantityAvailable, &b.UnitCost, &b.MRP,
		&b.PurchaseID, &b.SalesReturnID, &b.ReceivedAt)
	b.ExpiryDate = b.ExpiryDate.UTC()
	b.ReceivedAt = b.ReceivedAt.UTC()
	return b, err
}

func (t *tx) GetBatches(ctx context.Context, ids []string) (map[string]domain.MedicineBatch, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	ids = store.UniqueIDs(ids)
	result := make(map[string]domain.MedicineBatch, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := t.q.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM medicine_batches
		WHERE organization_id = $1 AND branch_id = $2 AND id = ANY($3)
	`, t.scope.OrganizationID, t.scope.BranchID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result[b.ID] = b
	}
	return result, rows.Err()
}

func (t *tx) ListBatchesByMedicine(ctx context.Context, medicineIDs []string) (map[string][]domain.MedicineBatch, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	medicineIDs = store.UniqueIDs(medicineIDs)
	result := make(map[string][]domain.MedicineBatch, len(medicineIDs))
	if len(medicineIDs) == 0 {
		return result, nil
	}

	rows, err := t.q.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM medicine_batches
		WHERE organization_id = $1 AND branch_id = $2 AND medicine_id = ANY($3) AND quantity_available > 0
		ORDER BY expiry_date, received_at, id
	`, t.scope.OrganizationID, t.scope.BranchID, medicineIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result[b.MedicineID] = append(result[b.MedicineID], b)
	}
	return result, rows.Err()
}

func (t *tx) CountMedicinesByTaxProfile(ctx context.Context, taxProfileID string) (int, error) {
	if err := t.read(); err != nil {
		return 0, err
	}
	var n int
	err := t.q.QueryRowContext(ctx, `
		SELECT count(*)
		FROM medicines
		WHERE organization_id = $1 AND tax_profile_id = $2
	`, t.scope.OrganizationID, taxProfileID).Scan(&n)
	return n, err
}

func (t *tx) ListMedicineBatches(ctx context.Context, medicineID string) ([]domain.MedicineBatch, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM medicine_batches
		WHERE organization_id = $1 AND branch_id = $2 AND medicine_id = $3
		ORDER BY expiry_date, received_at, id
	`, t.scope.OrganizationID, t.scope.BranchID, medicineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.MedicineBatch, 0, 4)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (t *tx) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	var r domain.IdempotencyRecord
	err := t.q.QueryRowContext(ctx, `
		SELECT key, kind, entity_id, created_by, created_at
		FROM idempotency_keys
		WHERE organization_id = $1 AND branch_id = $2 AND key = $3
	`, t.scope.OrganizationID, t.scope.BranchID, key).Scan(&r.Key, &r.Kind, &r.EntityID, &r.CreatedBy, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound("idempotency key", key)
		}
		return nil, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

// getDoc loads one JSONB document from a branch-scoped table.
func getDoc[T any](ctx context.Context, t *tx, table string, kind string, id string) (*T, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	var raw []byte
	err := t.q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1 AND organization_id = $2 AND branch_id = $3`, table),
		id, t.scope.OrganizationID, t.scope.BranchID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound(kind, id)
		}
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return &out, nil
}

// listDocs loads the JSONB documents whose column equals value, ordered by id.
func listDocs[T any](ctx context.Context, t *tx, table string, column string, value string) ([]T, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE organization_id = $1 AND branch_id = $2 AND %s = $3 ORDER BY id`, table, column),
		t.scope.OrganizationID, t.scope.BranchID, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]T, 0, 8)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *tx) GetPurchase(ctx context.Context, id string) (*domain.Purchase, error) {
	return getDoc[domain.Purchase](ctx, t, "purchases", "purchase", id)
}

func (t *tx) ListPaymentsByPurchase(ctx context.Context, purchaseID string) ([]domain.SupplierPayment, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	rows, err := t.q.QueryContext(ctx, `
		SELECT id, supplier_id, purchase_id, amount, mode, reference, paid_at, recorded_by
		FROM supplier_payments
		WHERE organization_id = $1 AND branch_id = $2 AND purchase_id = $3
		ORDER BY id
	`, t.scope.OrganizationID, t.scope.BranchID, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.SupplierPayment, 0, 4)
	for rows.Next() {
		var p domain.SupplierPayment
		if err := rows.Scan(&p.ID, &p.SupplierID, &p.PurchaseID, &p.Amount, &p.Mode, &p.Reference, &p.PaidAt, &p.RecordedBy); err != nil {
			return nil, err
		}
		p.PaidAt = p.PaidAt.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (t *tx) ListPurchasesBySupplier(ctx context.Context, supplierID string) ([]domain.Purchase, error) {
	return listDocs[domain.Purchase](ctx, t, "purchases", "supplier_id", supplierID)
}

func (t *tx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getDoc[domain.Sale](ctx, t, "sales", "sale", id)
}

func (t *tx) GetSalesReturn(ctx context.Context, id string) (*domain.SalesReturn, error) {
	return getDoc[domain.SalesReturn](ctx, t, "sales_returns", "sales return", id)
}

func (t *tx) GetPurchaseReturn(ctx context.Context, id string) (*domain.PurchaseReturn, error) {
	return getDoc[domain.PurchaseReturn](ctx, t, "purchase_returns", "purchase return", id)
}

func (t *tx) ListPurchaseReturnsBySupplier(ctx context.Context, supplierID string) ([]domain.PurchaseReturn, error) {
	return listDocs[domain.PurchaseReturn](ctx, t, "purchase_returns", "supplier_id", supplierID)
}

// Writer

func (t *tx) PutTaxProfile(p domain.TaxProfile) error {
	components, err := json.Marshal(p.Components)
	if err != nil {
		return err
	}
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO tax_profiles (id, organization_id, name, total_rate, components, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id)
			DO UPDATE SET name = EXCLUDED.name, total_rate = EXCLUDED.total_rate, components = EXCLUDED.components
			WHERE tax_profiles.organization_id = EXCLUDED.organization_id
		`, p.ID, t.scope.OrganizationID, p.Name, p.TotalRate, string(components), p.CreatedAt)
		return err
	})
}

func (t *tx) DeleteTaxProfile(id string) error {
	return t.stageExec("tax profile", id, `
		DELETE FROM tax_profiles WHERE id = $1 AND organization_id = $2
	`, id, t.scope.OrganizationID)
}

func (t *tx) PutMedicine(m domain.Medicine) error {
	if m.Stock < 0 {
		return &store.InsufficientStockError{MedicineID: m.ID, Available: m.Stock}
	}
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO medicines (`+medicineColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (id)
			DO UPDATE SET name = EXCLUDED.name, generic_name = EXCLUDED.generic_name, hsn_code = EXCLUDED.hsn_code,
				tax_profile_id = EXCLUDED.tax_profile_id, low_stock_threshold = EXCLUDED.low_stock_threshold,
				stock = EXCLUDED.stock, updated_at = EXCLUDED.updated_at
			WHERE medicines.organization_id = EXCLUDED.organization_id AND medicines.branch_id = EXCLUDED.branch_id
		`, m.ID, t.scope.OrganizationID, t.scope.BranchID, m.Name, m.GenericName, m.HSNCode, m.TaxProfileID,
			m.LowStockThreshold, m.Stock, m.CreatedAt, m.UpdatedAt)
		return err
	})
}

func (t *tx) DeleteMedicine(id string) error {
	return t.stageExec("medicine", id, `
		DELETE FROM medicines WHERE id = $1 AND organization_id = $2 AND branch_id = $3
	`, id, t.scope.OrganizationID, t.scope.BranchID)
}

func (t *tx) PutSupplier(s domain.Supplier) error {
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO suppliers (`+supplierColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id)
			DO UPDATE SET name = EXCLUDED.name, gstin = EXCLUDED.gstin, phone = EXCLUDED.phone,
				balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at
			WHERE suppliers.organization_id = EXCLUDED.organization_id
		`, s.ID, t.scope.OrganizationID, s.Name, s.GSTIN, s.Phone, s.Balance, s.CreatedAt, s.UpdatedAt)
		return err
	})
}

func (t *tx) DeleteSupplier(id string) error {
	return t.stageExec("supplier", id, `
		DELETE FROM suppliers WHERE id = $1 AND organization_id = $2
	`, id, t.scope.OrganizationID)
}

func (t *tx) PutBatch(b domain.MedicineBatch) error {
	if b.QuantityAvailable < 0 {
		return &store.InsufficientStockError{MedicineID: b.MedicineID, Available: b.QuantityAvailable}
	}
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO medicine_batches (
				id, organization_id, branch_id, medicine_id, batch_no, expiry_date, quantity_available,
				unit_cost, mrp, purchase_id, sales_return_id, received_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (id)
			DO UPDATE SET quantity_available = EXCLUDED.quantity_available, batch_no = EXCLUDED.batch_no,
				expiry_date = EXCLUDED.expiry_date, unit_cost = EXCLUDED.unit_cost, mrp = EXCLUDED.mrp
			WHERE medicine_batches.organization_id = EXCLUDED.organization_id
				AND medicine_batches.branch_id = EXCLUDED.branch_id
		`, b.ID, t.scope.OrganizationID, t.scope.BranchID, b.MedicineID, b.BatchNo, b.ExpiryDate, b.QuantityAvailable,
			b.UnitCost, b.MRP, b.PurchaseID, b.SalesReturnID, b.ReceivedAt)
		return err
	})
}

func (t *tx) DeleteBatch(id string) error {
	return t.stageExec("batch", id, `
		DELETE FROM medicine_batches WHERE id = $1 AND organization_id = $2 AND branch_id = $3
	`, id, t.scope.OrganizationID, t.scope.BranchID)
}

// AdjustMedicineStock applies a relative change in SQL so the counter never
// goes below zero, whatever other writers did.
func (t *tx) AdjustMedicineStock(medicineID string, delta int) error {
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		res, err := q.ExecContext(ctx, `
			UPDATE medicines
			SET stock = stock + $4, updated_at = now()
			WHERE id = $1 AND organization_id = $2 AND branch_id = $3 AND stock + $4 >= 0
		`, medicineID, t.scope.OrganizationID, t.scope.BranchID, delta)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}

		var stock int
		err = q.QueryRowContext(ctx, `
			SELECT stock FROM medicines WHERE id = $1 AND organization_id = $2 AND branch_id = $3
		`, medicineID, t.scope.OrganizationID, t.scope.BranchID).Scan(&stock)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFound("medicine", medicineID)
		}
		if err != nil {
			return err
		}
		return &store.InsufficientStockError{MedicineID: medicineID, Requested: -delta, Available: stock}
	})
}

func (t *tx) AdjustSupplierBalance(supplierID string, delta decimal.Decimal) error {
	return t.stageExec("supplier", supplierID, `
		UPDATE suppliers
		SET balance = balance + $3, updated_at = now()
		WHERE id = $1 AND organization_id = $2
	`, supplierID, t.scope.OrganizationID, delta)
}

func (t *tx) PutPurchase(p domain.Purchase) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO purchases (id, organization_id, branch_id, supplier_id, invoice_date, doc)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (id)
			DO UPDATE SET supplier_id = EXCLUDED.supplier_id, invoice_date = EXCLUDED.invoice_date, doc = EXCLUDED.doc
			WHERE purchases.organization_id = EXCLUDED.organization_id AND purchases.branch_id = EXCLUDED.branch_id
		`, p.ID, t.scope.OrganizationID, t.scope.BranchID, p.SupplierID, p.InvoiceDate, string(doc))
		return err
	})
}

func (t *tx) DeletePurchase(id string) error {
	return t.stageExec("purchase", id, `
		DELETE FROM purchases WHERE id = $1 AND organization_id = $2 AND branch_id = $3
	`, id, t.scope.OrganizationID, t.scope.BranchID)
}

func (t *tx) PutPayment(p domain.SupplierPayment) error {
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO supplier_payments (
				id, organization_id, branch_id, supplier_id, purchase_id, amount, mode, reference, paid_at, recorded_by
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, p.ID, t.scope.OrganizationID, t.scope.BranchID, p.SupplierID, p.PurchaseID, p.Amount, p.Mode, p.Reference,
			p.PaidAt, p.RecordedBy)
		return err
	})
}

func (t *tx) DeletePayment(id string) error {
	return t.stageExec("payment", id, `
		DELETE FROM supplier_payments WHERE id = $1 AND organization_id = $2 AND branch_id = $3
	`, id, t.scope.OrganizationID, t.scope.BranchID)
}

func (t *tx) PutSale(s domain.Sale) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sales (id, organization_id, branch_id, sale_date, doc)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (id)
			DO UPDATE SET sale_date = EXCLUDED.sale_date, doc = EXCLUDED.doc
			WHERE sales.organization_id = EXCLUDED.organization_id AND sales.branch_id = EXCLUDED.branch_id
		`, s.ID, t.scope.OrganizationID, t.scope.BranchID, s.SaleDate, string(doc))
		return err
	})
}

func (t *tx) DeleteSale(id string) error {
	return t.stageExec("sale", id, `
		DELETE FROM sales WHERE id = $1 AND organization_id = $2 AND branch_id = $3
	`, id, t.scope.OrganizationID, t.scope.BranchID)
}

func (t *tx) PutSalesReturn(r domain.SalesReturn) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sales_returns (id, organization_id, branch_id, original_sale_id, doc)
			VALUES ($1,$2,$3,$4,$5)
		`, r.ID, t.scope.OrganizationID, t.scope.BranchID, r.OriginalSaleID, string(doc))
		return err
	})
}

func (t *tx) PutPurchaseReturn(r domain.PurchaseReturn) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO purchase_returns (id, organization_id, branch_id, original_purchase_id, supplier_id, doc)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, r.ID, t.scope.OrganizationID, t.scope.BranchID, r.OriginalPurchaseID, r.SupplierID, string(doc))
		return err
	})
}

// PutIdempotencyRecord upserts so that a key whose entity was deleted can be
// claimed again. Two transactions racing for a fresh key both read it absent;
// under SERIALIZABLE the loser fails with 40001 and retries into the winner.
func (t *tx) PutIdempotencyRecord(r domain.IdempotencyRecord) error {
	return t.stage(func(ctx context.Context, q *sql.Tx) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO idempotency_keys (organization_id, branch_id, key, kind, entity_id, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (organization_id, branch_id, key)
			DO UPDATE SET kind = EXCLUDED.kind, entity_id = EXCLUDED.entity_id,
				created_by = EXCLUDED.created_by, created_at = EXCLUDED.created_at
		`, t.scope.OrganizationID, t.scope.BranchID, r.Key, r.Kind, r.EntityID, r.CreatedBy, r.CreatedAt)
		return err
	})
}
