package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/fefo"
	"pharmaledger/internal/store"
)

const (
	kindTaxProfile     = "tax_profile"
	kindSupplier       = "supplier"
	kindMedicine       = "medicine"
	kindBatch          = "batch"
	kindPurchase       = "purchase"
	kindPayment        = "payment"
	kindSale           = "sale"
	kindSalesReturn    = "sales_return"
	kindPurchaseReturn = "purchase_return"
	kindIdempotency    = "idempotency"
)

type docKey struct {
	kind   string
	tenant string
	id     string
}

// groupKey identifies a secondary index bucket, e.g. all batches of one medicine.
type groupKey struct {
	kind   string
	tenant string
	group  string
}

type document struct {
	version uint64
	group   string
	data    []byte
}

// Store is an optimistic document store. Transactions read committed state,
// remember the version of everything they saw, and fail at commit with
// ErrConcurrentModification if any of it moved.
type Store struct {
	mu     sync.Mutex
	clock  uint64
	docs   map[docKey]document
	groups map[groupKey]uint64
}

func New() *Store {
	return &Store{
		docs:   make(map[docKey]document),
		groups: make(map[groupKey]uint64),
	}
}

func tenantFor(kind string, scope domain.Scope) string {
	switch kind {
	case kindTaxProfile, kindSupplier:
		return scope.OrganizationID
	default:
		return scope.OrganizationID + "/" + scope.BranchID
	}
}

// indexTenant is the tenant a secondary index bucket is kept under. Medicines
// are indexed by tax profile, and tax profiles span every branch of the
// organization.
func indexTenant(kind string, tenant string) string {
	if kind == kindMedicine {
		org, _, _ := strings.Cut(tenant, "/")
		return org
	}
	return tenant
}

func (s *Store) RunInTx(ctx context.Context, scope domain.Scope, fn func(ctx context.Context, tx store.Tx) error) error {
	if !scope.Valid() {
		return store.Invalid("incomplete tenant scope")
	}
	t := newTx(s, scope)
	defer t.guard.Close()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) View(ctx context.Context, scope domain.Scope, fn func(ctx context.Context, r store.Reader) error) error {
	if !scope.Valid() {
		return store.Invalid("incomplete tenant scope")
	}
	t := newTx(s, scope)
	defer t.guard.Close()
	return fn(ctx, t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, seen := range t.reads {
		if s.docs[key].version != seen {
			return fmt.Errorf("%s %s changed: %w", key.kind, key.id, store.ErrConcurrentModification)
		}
	}
	for key, seen := range t.groupReads {
		if s.groups[key] != seen {
			return fmt.Errorf("%s index %s changed: %w", key.kind, key.group, store.ErrConcurrentModification)
		}
	}

	ov := &overlay{base: s, changes: make(map[docKey]*document)}
	for _, op := range t.ops {
		if err := op(ov); err != nil {
			return err
		}
	}

	s.clock++
	for key, doc := range ov.changes {
		old, existed := s.docs[key]
		moved := doc == nil || !existed || old.group != doc.group
		indexed := indexTenant(key.kind, key.tenant)
		if existed && moved {
			s.groups[groupKey{kind: key.kind, tenant: indexed, group: old.group}] = s.clock
		}
		if doc == nil {
			delete(s.docs, key)
			continue
		}
		if moved {
			s.groups[groupKey{kind: key.kind, tenant: indexed, group: doc.group}] = s.clock
		}
		doc.version = s.clock
		s.docs[key] = *doc
	}
	return nil
}

// overlay holds the pending result of a commit so that a failing op leaves
// the store untouched.
type overlay struct {
	base    *Store
	changes map[docKey]*document
}

func (o *overlay) get(key docKey) (document, bool) {
	if doc, ok := o.changes[key]; ok {
		if doc == nil {
			return document{}, false
		}
		return *doc, true
	}
	doc, ok := o.base.docs[key]
	return doc, ok
}

func (o *overlay) put(key docKey, group string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	o.changes[key] = &document{group: group, data: data}
	return nil
}

func (o *overlay) delete(key docKey) {
	o.changes[key] = nil
}

type op func(o *overlay) error

type tx struct {
	s          *Store
	scope      domain.Scope
	guard      store.PhaseGuard
	reads      map[docKey]uint64
	groupReads map[groupKey]uint64
	ops        []op
}

func newTx(s *Store, scope domain.Scope) *tx {
	return &tx{
		s:          s,
		scope:      scope,
		reads:      make(map[docKey]uint64),
		groupReads: make(map[groupKey]uint64),
	}
}

func (t *tx) key(kind string, id string) docKey {
	return docKey{kind: kind, tenant: tenantFor(kind, t.scope), id: id}
}

func (t *tx) get(kind string, id string, out any) (bool, error) {
	if err := t.guard.BeforeRead(); err != nil {
		return false, err
	}
	key := t.key(kind, id)

	t.s.mu.Lock()
	doc, ok := t.s.docs[key]
	t.s.mu.Unlock()

	t.reads[key] = doc.version
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(doc.data, out)
}

// query returns the raw documents of one index bucket, ordered by id. For
// medicines the bucket covers the whole organization.
func (t *tx) query(kind string, group string) ([][]byte, error) {
	if err := t.guard.BeforeRead(); err != nil {
		return nil, err
	}
	gk := groupKey{kind: kind, tenant: indexTenant(kind, tenantFor(kind, t.scope)), group: group}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.groupReads[gk] = t.s.groups[gk]
	keys := make([]docKey, 0, 8)
	for key, doc := range t.s.docs {
		if key.kind == kind && indexTenant(kind, key.tenant) == gk.tenant && doc.group == group {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].id != keys[j].id {
			return keys[i].id < keys[j].id
		}
		return keys[i].tenant < keys[j].tenant
	})

	out := make([][]byte, 0, len(keys))
	for _, key := range keys {
		doc := t.s.docs[key]
		t.reads[key] = doc.version
		out = append(out, doc.data)
	}
	return out, nil
}

func (t *tx) stage(fn op) error {
	if err := t.guard.BeforeWrite(); err != nil {
		return err
	}
	t.ops = append(t.ops, fn)
	return nil
}

func (t *tx) stagePut(kind string, id string, group string, value any) error {
	if id == "" {
		return store.Invalid("%s without id", kind)
	}
	key := t.key(kind, id)
	return t.stage(func(o *overlay) error {
		return o.put(key, group, value)
	})
}

func (t *tx) stageDelete(kind string, id string) error {
	key := t.key(kind, id)
	return t.stage(func(o *overlay) error {
		if _, ok := o.get(key); !ok {
			return store.NotFound(kind, id)
		}
		o.delete(key)
		return nil
	})
}

func decodeAll[T any](raw [][]byte) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Reader

func (t *tx) GetSupplier(_ context.Context, id string) (*domain.Supplier, error) {
	var s domain.Supplier
	ok, err := t.get(kindSupplier, id, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.NotFound("supplier", id)
	}
	return &s, nil
}

func (t *tx) GetMedicines(_ context.Context, ids []string) (map[string]domain.Medicine, error) {
	out := make(map[string]domain.Medicine, len(ids))
	for _, id := range store.UniqueIDs(ids) {
		var m domain.Medicine
		ok, err := t.get(kindMedicine, id, &m)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, store.NotFound("medicine", id)
		}
		out[id] = m
	}
	return out, nil
}

func (t *tx) GetTaxProfiles(_ context.Context, ids []string) (map[string]domain.TaxProfile, error) {
	out := make(map[string]domain.TaxProfile, len(ids))
	for _, id := range store.UniqueIDs(ids) {
		var p domain.TaxProfile
		ok, err := t.get(kindTaxProfile, id, &p)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, store.NotFound("tax profile", id)
		}
		out[id] = p
	}
	return out, nil
}

func (t *tx) GetBatches(_ context.Context, ids []string) (map[string]domain.MedicineBatch, error) {
	out := make(map[string]domain.MedicineBatch, len(ids))
	for _, id := range store.UniqueIDs(ids) {
		var b domain.MedicineBatch
		ok, err := t.get(kindBatch, id, &b)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = b
		}
	}
	return out, nil
}

func (t *tx) ListBatchesByMedicine(_ context.Context, medicineIDs []string) (map[string][]domain.MedicineBatch, error) {
	out := make(map[string][]domain.MedicineBatch, len(medicineIDs))
	for _, medicineID := range store.UniqueIDs(medicineIDs) {
		raw, err := t.query(kindBatch, medicineID)
		if err != nil {
			return nil, err
		}
		batches, err := decodeAll[domain.MedicineBatch](raw)
		if err != nil {
			return nil, err
		}
		available := batches[:0]
		for _, b := range batches {
			if b.QuantityAvailable > 0 {
				available = append(available, b)
			}
		}
		fefo.Sort(available)
		out[medicineID] = available
	}
	return out, nil
}

func (t *tx) ListMedicineBatches(_ context.Context, medicineID string) ([]domain.MedicineBatch, error) {
	raw, err := t.query(kindBatch, medicineID)
	if err != nil {
		return nil, err
	}
	batches, err := decodeAll[domain.MedicineBatch](raw)
	if err != nil {
		return nil, err
	}
	fefo.Sort(batches)
	return batches, nil
}

func (t *tx) CountMedicinesByTaxProfile(_ context.Context, taxProfileID string) (int, error) {
	raw, err := t.query(kindMedicine, taxProfileID)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}

func (t *tx) GetPurchase(_ context.Context, id string) (*domain.Purchase, error) {
	var p domain.Purchase
	ok, err := t.get(kindPurchase, id, &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.NotFound("purchase", id)
	}
	return &p, nil
}

func (t *tx) ListPaymentsByPurchase(_ context.Context, purchaseID string) ([]domain.SupplierPayment, error) {
	raw, err := t.query(kindPayment, purchaseID)
	if err != nil {
		return nil, err
	}
	return decodeAll[domain.SupplierPayment](raw)
}

func (t *tx) ListPurchasesBySupplier(_ context.Context, supplierID string) ([]domain.Purchase, error) {
	raw, err := t.query(kindPurchase, supplierID)
	if err != nil {
		return nil, err
	}
	return decodeAll[domain.Purchase](raw)
}

func (t *tx) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	var s domain.Sale
	ok, err := t.get(kindSale, id, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.NotFound("sale", id)
	}
	return &s, nil
}

func (t *tx) GetSalesReturn(_ context.Context, id string) (*domain.SalesReturn, error) {
	var r domain.SalesReturn
	ok, err := t.get(kindSalesReturn, id, &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.NotFound("sales return", id)
	}
	return &r, nil
}

func (t *tx) GetPurchaseReturn(_ context.Context, id string) (*domain.PurchaseReturn, error) {
	var r domain.PurchaseReturn
	ok, err := t.get(kindPurchaseReturn, id, &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.NotFound("purchase return", id)
	}
	return &r, nil
}

func (t *tx) ListPurchaseReturnsBySupplier(_ context.Context, supplierID string) ([]domain.PurchaseReturn, error) {
	raw, err := t.query(kindPurchaseReturn, supplierID)
	if err != nil {
		return nil, err
	}
	return decodeAll[domain.PurchaseReturn](raw)
}

func (t *tx) GetIdempotencyRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	var r domain.IdempotencyRecord
	ok, err := t.get(kindIdempotency, key, &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.NotFound("idempotency key", key)
	}
	return &r, nil
}

// Writer

func (t *tx) PutTaxProfile(p domain.TaxProfile) error {
	return t.stagePut(kindTaxProfile, p.ID, "", p)
}

func (t *tx) DeleteTaxProfile(id string) error {
	return t.stageDelete(kindTaxProfile, id)
}

func (t *tx) PutMedicine(m domain.Medicine) error {
	if m.Stock < 0 {
		return &store.InsufficientStockError{MedicineID: m.ID, Available: m.Stock}
	}
	return t.stagePut(kindMedicine, m.ID, m.TaxProfileID, m)
}

func (t *tx) DeleteMedicine(id string) error {
	return t.stageDelete(kindMedicine, id)
}

func (t *tx) PutSupplier(s domain.Supplier) error {
	return t.stagePut(kindSupplier, s.ID, "", s)
}

func (t *tx) DeleteSupplier(id string) error {
	return t.stageDelete(kindSupplier, id)
}

func (t *tx) PutBatch(b domain.MedicineBatch) error {
	if b.QuantityAvailable < 0 {
		return &store.InsufficientStockError{MedicineID: b.MedicineID, Available: b.QuantityAvailable}
	}
	return t.stagePut(kindBatch, b.ID, b.MedicineID, b)
}

func (t *tx) DeleteBatch(id string) error {
	return t.stageDelete(kindBatch, id)
}

func (t *tx) AdjustMedicineStock(medicineID string, delta int) error {
	key := t.key(kindMedicine, medicineID)
	return t.stage(func(o *overlay) error {
		doc, ok := o.get(key)
		if !ok {
			return store.NotFound("medicine", medicineID)
		}
		var m domain.Medicine
		if err := json.Unmarshal(doc.data, &m); err != nil {
			return err
		}
		if m.Stock+delta < 0 {
			return &store.InsufficientStockError{MedicineID: medicineID, Requested: -delta, Available: m.Stock}
		}
		m.Stock += delta
		return o.put(key, doc.group, m)
	})
}

func (t *tx) AdjustSupplierBalance(supplierID string, delta decimal.Decimal) error {
	key := t.key(kindSupplier, supplierID)
	return t.stage(func(o *overlay) error {
		doc, ok := o.get(key)
		if !ok {
			return store.NotFound("supplier", supplierID)
		}
		var s domain.Supplier
		if err := json.Unmarshal(doc.data, &s); err != nil {
			return err
		}
		s.Balance = s.Balance.Add(delta)
		return o.put(key, doc.group, s)
	})
}

func (t *tx) PutPurchase(p domain.Purchase) error {
	return t.stagePut(kindPurchase, p.ID, p.SupplierID, p)
}

func (t *tx) DeletePurchase(id string) error {
	return t.stageDelete(kindPurchase, id)
}

func (t *tx) PutPayment(p domain.SupplierPayment) error {
	return t.stagePut(kindPayment, p.ID, p.PurchaseID, p)
}

func (t *tx) DeletePayment(id string) error {
	return t.stageDelete(kindPayment, id)
}

func (t *tx) PutSale(s domain.Sale) error {
	return t.stagePut(kindSale, s.ID, "", s)
}

func (t *tx) DeleteSale(id string) error {
	return t.stageDelete(kindSale, id)
}

func (t *tx) PutSalesReturn(r domain.SalesReturn) error {
	return t.stagePut(kindSalesReturn, r.ID, r.OriginalSaleID, r)
}

func (t *tx) PutPurchaseReturn(r domain.PurchaseReturn) error {
	return t.stagePut(kindPurchaseReturn, r.ID, r.SupplierID, r)
}

func (t *tx) PutIdempotencyRecord(r domain.IdempotencyRecord) error {
	return t.stagePut(kindIdempotency, r.Key, "", r)
}
