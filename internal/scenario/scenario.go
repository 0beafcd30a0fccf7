// Package scenario replays a scripted sequence of ledger operations and then
// checks the denormalized counters against values recomputed from the records.
package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/service"
	"pharmaledger/internal/store"
)

const (
	ActionCreatePurchase = "create_purchase"
	ActionUpdatePurchase = "update_purchase"
	ActionDeletePurchase = "delete_purchase"
	ActionRecordPayment  = "record_payment"
	ActionCreateSale     = "create_sale"
	ActionUpdateSale     = "update_sale"
	ActionDeleteSale     = "delete_sale"
	ActionSalesReturn    = "sales_return"
	ActionPurchaseReturn = "purchase_return"
)

// Script is a replayable list of steps. A step's Ref names the label of an
// earlier step whose entity it acts on.
type Script struct {
	Steps []Step `json:"steps"`
}

type Step struct {
	Label  string          `json:"label"`
	Action string          `json:"action"`
	Ref    string          `json:"ref,omitempty"`
	Expect string          `json:"expect,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

func Parse(r io.Reader) (Script, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var script Script
	if err := dec.Decode(&script); err != nil {
		return Script{}, fmt.Errorf("parse scenario: %w", err)
	}
	seen := make(map[string]struct{}, len(script.Steps))
	for i, step := range script.Steps {
		if step.Action == "" {
			return Script{}, fmt.Errorf("step %d: action is required", i+1)
		}
		if step.Label == "" {
			continue
		}
		if _, dup := seen[step.Label]; dup {
			return Script{}, fmt.Errorf("step %d: duplicate label %q", i+1, step.Label)
		}
		seen[step.Label] = struct{}{}
	}
	return script, nil
}

func Load(path string) (Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return Script{}, err
	}
	defer f.Close()
	return Parse(f)
}

// ErrorClass names the kind of a ledger error the way scripts spell it in
// Step.Expect. nil maps to "".
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	case errors.Is(err, store.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConcurrentModification):
		return "concurrent_modification"
	default:
		return "error"
	}
}

type StepResult struct {
	Label    string
	Action   string
	EntityID string
	Err      error
	// OK is true when the outcome matched the step's expectation.
	OK bool
}

type BalanceCheck struct {
	SupplierID string
	Stored     decimal.Decimal
	Recomputed decimal.Decimal
}

func (c BalanceCheck) Matches() bool {
	return c.Stored.Equal(c.Recomputed)
}

type StockCheck struct {
	MedicineID string
	Stored     int
	InBatches  int
}

func (c StockCheck) Matches() bool {
	return c.Stored == c.InBatches
}

type Report struct {
	Steps    []StepResult
	Balances []BalanceCheck
	Stock    []StockCheck
}

// OK reports whether every step behaved as expected and every counter reconciles.
func (r Report) OK() bool {
	for _, s := range r.Steps {
		if !s.OK {
			return false
		}
	}
	for _, b := range r.Balances {
		if !b.Matches() {
			return false
		}
	}
	for _, c := range r.Stock {
		if !c.Matches() {
			return false
		}
	}
	return true
}

type Runner struct {
	svc       *service.Service
	scope     domain.Scope
	ids       map[string]string
	suppliers map[string]struct{}
	medicines map[string]struct{}
}

func NewRunner(svc *service.Service, scope domain.Scope) *Runner {
	return &Runner{
		svc:       svc,
		scope:     scope,
		ids:       make(map[string]string),
		suppliers: make(map[string]struct{}),
		medicines: make(map[string]struct{}),
	}
}

// Run executes every step in order. Step failures are recorded in the report
// rather than stopping the run; the returned error is reserved for problems
// that make the report meaningless, such as a cancelled context.
func (r *Runner) Run(ctx context.Context, script Script) (Report, error) {
	var report Report
	for i, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id, err := r.apply(ctx, step)
		if err == nil && step.Label != "" && id != "" {
			r.ids[step.Label] = id
		}

		result := StepResult{Label: step.Label, Action: step.Action, EntityID: id, Err: err}
		result.OK = ErrorClass(err) == step.Expect
		if !result.OK {
			log.Printf("[replay] step %d %s (%s): expected %q, got %v", i+1, step.Action, step.Label, step.Expect, err)
		}
		report.Steps = append(report.Steps, result)
	}

	balances, err := r.reconcileBalances(ctx)
	if err != nil {
		return report, err
	}
	report.Balances = balances
	stock, err := r.reconcileStock(ctx)
	if err != nil {
		return report, err
	}
	report.Stock = stock
	return report, nil
}

func (r *Runner) ref(step Step) (string, error) {
	if step.Ref == "" {
		return "", store.Invalid("%s needs a ref to an earlier step", step.Action)
	}
	id, ok := r.ids[step.Ref]
	if !ok {
		return "", store.Invalid("ref %q does not name an earlier successful step", step.Ref)
	}
	return id, nil
}

func decodeInput(step Step, out any) error {
	if len(step.Input) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(step.Input))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return store.Invalid("step %s input: %v", step.Label, err)
	}
	return nil
}

func (r *Runner) notePurchase(req domain.PurchaseRequest) {
	r.suppliers[req.SupplierID] = struct{}{}
	for _, item := range req.Items {
		r.medicines[item.MedicineID] = struct{}{}
	}
}

func (r *Runner) noteSale(req domain.SaleRequest) {
	for _, item := range req.Items {
		r.medicines[item.MedicineID] = struct{}{}
	}
}

func (r *Runner) apply(ctx context.Context, step Step) (string, error) {
	switch step.Action {
	case ActionCreatePurchase:
		var req domain.PurchaseRequest
		if err := decodeInput(step, &req); err != nil {
			return "", err
		}
		r.notePurchase(req)
		p, err := r.svc.CreatePurchase(ctx, r.scope, req)
		return p.ID, err

	case ActionUpdatePurchase:
		id, err := r.ref(step)
		if err != nil {
			return "", err
		}
		var req domain.PurchaseRequest
		if err := decodeInput(step, &req); err != nil {
			return "", err
		}
		r.notePurchase(req)
		p, err := r.svc.UpdatePurchase(ctx, r.scope, id, req)
		return p.ID, err

	case ActionDeletePurchase:
		id, err := r.ref(step)
		if err != nil {
			return "", err
		}
		return id, r.svc.DeletePurchase(ctx, r.scope, id)

	case ActionRecordPayment:
		id, err := r.ref(step)
		if err != nil {
			return "", err
		}
		var req domain.SupplierPaymentRequest
		if err := decodeInput(step, &req); err != nil {
			return "", err
		}
		req.PurchaseID = id
		payment, err := r.svc.RecordSupplierPayment(ctx, r.scope, req)
		return payment.ID, err

	case ActionCreateSale:
		var req domain.SaleRequest
		if err := decodeInput(step, &req); err != nil {
			return "", err
		}
		r.noteSale(req)
		sale, err := r.svc.CreateSale(ctx, r.scope, req)
		return sale.ID, err

	case ActionUpdateSale:
		id, err := r.ref(step)
		if err != nil {
			return "", err
		}
		var req domain.SaleRequest
		if err := decodeInput(step, &req); err != nil {
			return "", err
		}
		r.noteSale(req)
		sale, err := r.svc.UpdateSale(ctx, r.scope, id, req)
		return sale.ID, err

	case ActionDeleteSale:
		id, err := r.ref(step)
		if err != nil {
			return "", err
		}
		return id, r.svc.DeleteSale(ctx, r.scope, id)

	case ActionSalesReturn:
		id, err := r.ref(step)
		if err != nil {
			return "", err
		}
		var req domain.SalesReturnRequest
		if err := decodeInput(step, &req); err != nil {
			return "", err
		}
		req.OriginalSaleID = id
		ret, err := r.svc.CreateSalesReturn(ctx, r.scope, req)
		return ret.ID, err

	case ActionPurchaseReturn:
		id, err := r.ref(step)
		if err != nil {
			return "", err
		}
		var req domain.PurchaseReturnRequest
		if err := decodeInput(step, &req); err != nil {
			return "", err
		}
		req.OriginalPurchaseID = id
		ret, err := r.svc.CreatePurchaseReturn(ctx, r.scope, req)
		return ret.ID, err
	}
	return "", store.Invalid("unknown action %q", step.Action)
}

// reconcileBalances recomputes each touched supplier's balance as the open
// due of its purchases less the credit of its purchase returns.
func (r *Runner) reconcileBalances(ctx context.Context) ([]BalanceCheck, error) {
	ids := make([]string, 0, len(r.suppliers))
	for id := range r.suppliers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	checks := make([]BalanceCheck, 0, len(ids))
	for _, id := range ids {
		statement, err := r.svc.GetSupplierStatement(ctx, r.scope, id)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("statement for supplier %s: %w", id, err)
		}
		recomputed := decimal.Zero
		for _, p := range statement.Purchases {
			recomputed = recomputed.Add(p.DueAmount)
		}
		for _, pr := range statement.PurchaseReturns {
			recomputed = recomputed.Sub(pr.TotalReturnValue)
		}
		checks = append(checks, BalanceCheck{SupplierID: id, Stored: statement.Supplier.Balance, Recomputed: recomputed})
	}
	return checks, nil
}

// reconcileStock compares each touched medicine's stock counter with the sum
// of its batch quantities.
func (r *Runner) reconcileStock(ctx context.Context) ([]StockCheck, error) {
	ids := make([]string, 0, len(r.medicines))
	for id := range r.medicines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	checks := make([]StockCheck, 0, len(ids))
	for _, id := range ids {
		med, err := r.svc.GetMedicine(ctx, r.scope, id)
		if store.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("medicine %s: %w", id, err)
		}
		batches, err := r.svc.ListStock(ctx, r.scope, id)
		if err != nil {
			return nil, fmt.Errorf("stock of medicine %s: %w", id, err)
		}
		total := 0
		for _, b := range batches {
			total += b.QuantityAvailable
		}
		checks = append(checks, StockCheck{MedicineID: id, Stored: med.Stock, InBatches: total})
	}
	return checks, nil
}
