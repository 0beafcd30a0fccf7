// Package fefo draws sale quantities from medicine batches, earliest expiry first.
package fefo

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

// Compare orders batches by expiry, then receipt time, then id.
func Compare(a domain.MedicineBatch, b domain.MedicineBatch) int {
	if c := a.ExpiryDate.Compare(b.ExpiryDate); c != 0 {
		return c
	}
	if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func Sort(batches []domain.MedicineBatch) {
	slices.SortFunc(batches, Compare)
}

// Allocate decides how much of qty to take from each batch in the given order.
// It checks the total first and never returns a partial allocation.
func Allocate(medicineID string, qty int, ordered []domain.MedicineBatch) ([]domain.BatchAllocation, error) {
	if qty <= 0 {
		return nil, store.Invalid("quantity for medicine %s must be positive", medicineID)
	}

	available := 0
	for _, b := range ordered {
		if b.QuantityAvailable > 0 {
			available += b.QuantityAvailable
		}
	}
	if available < qty {
		return nil, &store.InsufficientStockError{MedicineID: medicineID, Requested: qty, Available: available}
	}

	remaining := qty
	allocations := make([]domain.BatchAllocation, 0, 2)
	for _, b := range ordered {
		if remaining == 0 {
			break
		}
		if b.QuantityAvailable < 1 {
			continue
		}
		take := min(remaining, b.QuantityAvailable)
		allocations = append(allocations, domain.BatchAllocation{
			BatchID:       b.ID,
			BatchNo:       b.BatchNo,
			QuantityTaken: take,
			ExpiryDate:    b.ExpiryDate,
		})
		remaining -= take
	}
	return allocations, nil
}

// Pool is the in-memory view of the batches read by one transaction. Sales
// take from it and reversals restore into it; Changed lists what to write back.
type Pool struct {
	batches    map[string]*domain.MedicineBatch
	byMedicine map[string][]string
	touched    map[string]struct{}
	notBefore  time.Time
}

// NewPool builds a pool. Batches expiring before notBefore are never drawn;
// a zero notBefore allows every batch.
func NewPool(batches []domain.MedicineBatch, notBefore time.Time) *Pool {
	p := &Pool{
		batches:    make(map[string]*domain.MedicineBatch, len(batches)),
		byMedicine: make(map[string][]string),
		touched:    make(map[string]struct{}),
		notBefore:  notBefore,
	}
	for _, b := range batches {
		if _, ok := p.batches[b.ID]; ok {
			continue
		}
		batch := b
		p.batches[b.ID] = &batch
		p.byMedicine[b.MedicineID] = append(p.byMedicine[b.MedicineID], b.ID)
	}
	return p
}

func (p *Pool) ordered(medicineID string) []domain.MedicineBatch {
	ids := p.byMedicine[medicineID]
	out := make([]domain.MedicineBatch, 0, len(ids))
	for _, id := range ids {
		b := p.batches[id]
		if !p.notBefore.IsZero() && b.ExpiryDate.Before(p.notBefore) {
			continue
		}
		out = append(out, *b)
	}
	Sort(out)
	return out
}

// Available is the drawable quantity for a medicine.
func (p *Pool) Available(medicineID string) int {
	total := 0
	for _, b := range p.ordered(medicineID) {
		total += b.QuantityAvailable
	}
	return total
}

// Take allocates qty of a medicine and decrements the pooled batches.
func (p *Pool) Take(medicineID string, qty int) ([]domain.BatchAllocation, error) {
	allocations, err := Allocate(medicineID, qty, p.ordered(medicineID))
	if err != nil {
		return nil, err
	}
	for _, a := range allocations {
		p.batches[a.BatchID].QuantityAvailable -= a.QuantityTaken
		p.touched[a.BatchID] = struct{}{}
	}
	return allocations, nil
}

// Restore gives back previously allocated quantities to their batches.
func (p *Pool) Restore(medicineID string, allocations []domain.BatchAllocation) error {
	for _, a := range allocations {
		b, ok := p.batches[a.BatchID]
		if !ok {
			return store.NotFound("batch", a.BatchID)
		}
		if b.MedicineID != medicineID {
			return fmt.Errorf("batch %s belongs to medicine %s, not %s", b.ID, b.MedicineID, medicineID)
		}
		if a.QuantityTaken < 0 {
			return fmt.Errorf("allocation on batch %s has negative quantity", b.ID)
		}
		b.QuantityAvailable += a.QuantityTaken
		p.touched[a.BatchID] = struct{}{}
	}
	return nil
}

// Changed returns the batches whose quantity moved, sorted by id.
func (p *Pool) Changed() []domain.MedicineBatch {
	out := make([]domain.MedicineBatch, 0, len(p.touched))
	for id := range p.touched {
		out = append(out, *p.batches[id])
	}
	slices.SortFunc(out, func(a, b domain.MedicineBatch) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Batch returns the pooled state of one batch.
func (p *Pool) Batch(id string) (domain.MedicineBatch, bool) {
	b, ok := p.batches[id]
	if !ok {
		return domain.MedicineBatch{}, false
	}
	return *b, true
}
