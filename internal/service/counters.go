package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

// counters accumulates the denormalized deltas of one ledger mutation so that
// each medicine stock and supplier balance is written once per transaction.
type counters struct {
	stock   map[string]int
	balance map[string]decimal.Decimal
}

func newCounters() *counters {
	return &counters{
		stock:   make(map[string]int),
		balance: make(map[string]decimal.Decimal),
	}
}

func (c *counters) addStock(medicineID string, delta int) {
	c.stock[medicineID] += delta
}

func (c *counters) addBalance(supplierID string, delta decimal.Decimal) {
	c.balance[supplierID] = c.balance[supplierID].Add(delta)
}

func (c *counters) stage(w store.Writer) error {
	for _, id := range sortedKeys(c.stock) {
		if delta := c.stock[id]; delta != 0 {
			if err := w.AdjustMedicineStock(id, delta); err != nil {
				return err
			}
		}
	}
	for _, id := range sortedKeys(c.balance) {
		if delta := c.balance[id]; !delta.IsZero() {
			if err := w.AdjustSupplierBalance(id, delta); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkStock fails when applying the stock deltas would drive a medicine's
// counter negative. meds must hold every medicine with a delta.
func (c *counters) checkStock(meds map[string]domain.Medicine) error {
	for _, id := range sortedKeys(c.stock) {
		m, ok := meds[id]
		if !ok {
			return store.NotFound("medicine", id)
		}
		if after := m.Stock + c.stock[id]; after < 0 {
			return &store.InsufficientStockError{MedicineID: id, Requested: -c.stock[id], Available: m.Stock}
		}
	}
	return nil
}

type lowStockAlert struct {
	MedicineID string
	Name       string
	Stock      int
	Threshold  int
}

// lowStock lists medicines that drop to or below their threshold with this mutation.
func (c *counters) lowStock(meds map[string]domain.Medicine) []lowStockAlert {
	var alerts []lowStockAlert
	for _, id := range sortedKeys(c.stock) {
		m, ok := meds[id]
		delta := c.stock[id]
		if !ok || delta >= 0 || m.LowStockThreshold <= 0 {
			continue
		}
		after := m.Stock + delta
		if after <= m.LowStockThreshold && m.Stock > m.LowStockThreshold {
			alerts = append(alerts, lowStockAlert{MedicineID: id, Name: m.Name, Stock: after, Threshold: m.LowStockThreshold})
		}
	}
	return alerts
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
