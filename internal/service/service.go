package service

import (
	"context"
	"log"
	"strings"
	"time"

	"pharmaledger/internal/cache"
	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
	"pharmaledger/internal/txn"
	"pharmaledger/internal/xid"
)

// Service is the ledger engine: every mutating method runs as one coordinated
// transaction that reads first, computes in memory, then stages its writes.
type Service struct {
	coord             *txn.Coordinator
	idempotency       cache.IdempotencyCache
	idempotencyTTL    time.Duration
	allowExpiredSales bool
	now               func() time.Time
	newID             func(prefix string) string
}

type Option func(*Service)

func WithIdempotencyCache(c cache.IdempotencyCache, ttl time.Duration) Option {
	return func(s *Service) {
		if c != nil {
			s.idempotency = c
			s.idempotencyTTL = ttl
		}
	}
}

// WithExpiredSales lets FEFO draw from batches already past expiry.
func WithExpiredSales(allow bool) Option {
	return func(s *Service) { s.allowExpiredSales = allow }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func(prefix string) string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func New(coord *txn.Coordinator, opts ...Option) *Service {
	s := &Service{
		coord:          coord,
		idempotency:    cache.NoopIdempotencyCache{},
		idempotencyTTL: 24 * time.Hour,
		now:            time.Now,
		newID:          xid.New,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func checkScope(scope domain.Scope) error {
	if !scope.Valid() {
		return store.Invalid("organization, branch and user are required")
	}
	return nil
}

func idempotencyKey(scope domain.Scope, kind string, key string) string {
	return strings.Join([]string{scope.OrganizationID, scope.BranchID, kind, key}, ":")
}

// createOnce consults the idempotency cache before running create and fills
// it afterwards. The cache only saves work: create itself must check the key
// with priorResult and claim it with claimKey inside its transaction.
func createOnce[T any](
	ctx context.Context,
	s *Service,
	scope domain.Scope,
	kind string,
	key string,
	load func(ctx context.Context, r store.Reader, id string) (*T, error),
	create func() (T, string, error),
) (T, error) {
	var zero T
	key = strings.TrimSpace(key)
	if key == "" {
		out, _, err := create()
		return out, err
	}

	cacheKey := idempotencyKey(scope, kind, key)
	if id, ok, err := s.idempotency.Lookup(ctx, cacheKey); err != nil {
		log.Printf("[service] WARN: idempotency lookup failed key=%s: %v", cacheKey, err)
	} else if ok {
		var existing *T
		err := txn.View(ctx, s.coord, scope, func(ctx context.Context, r store.Reader) error {
			var err error
			existing, err = load(ctx, r, id)
			return err
		})
		if err == nil {
			return *existing, nil
		}
		if !store.IsNotFound(err) {
			return zero, err
		}
		// the remembered entity was deleted since; treat the request as new
	}

	out, id, err := create()
	if err != nil {
		return zero, err
	}
	if err := s.idempotency.Remember(ctx, cacheKey, id, s.idempotencyTTL); err != nil {
		log.Printf("[service] WARN: idempotency remember failed key=%s id=%s: %v", cacheKey, id, err)
	}
	return out, nil
}

func recordKey(kind string, key string) string {
	return kind + ":" + key
}

// priorResult looks key up inside the transaction. ok is false for a blank
// key, an unseen key, or a key whose entity has been deleted since.
func priorResult[T any](ctx context.Context, r store.Reader, kind string, key string, load func(ctx context.Context, r store.Reader, id string) (*T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		return zero, false, nil
	}
	rec, err := r.GetIdempotencyRecord(ctx, recordKey(kind, key))
	if store.IsNotFound(err) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	out, err := load(ctx, r, rec.EntityID)
	if store.IsNotFound(err) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	return *out, true, nil
}

// claimKey stages the idempotency record next to the entity it points at, so
// a concurrent request with the same key aborts at commit and, on retry,
// finds this entity through priorResult.
func (s *Service) claimKey(w store.Writer, scope domain.Scope, kind string, key string, entityID string) error {
	if key == "" {
		return nil
	}
	return w.PutIdempotencyRecord(domain.IdempotencyRecord{
		Key:       recordKey(kind, key),
		Kind:      kind,
		EntityID:  entityID,
		CreatedBy: scope.UserID,
		CreatedAt: s.clock(),
	})
}

func logLowStock(op string, alerts []lowStockAlert) {
	for _, a := range alerts {
		log.Printf("[service] WARN: low stock after %s medicine=%s name=%q stock=%d threshold=%d", op, a.MedicineID, a.Name, a.Stock, a.Threshold)
	}
}

func trimmed(values ...*string) {
	for _, v := range values {
		*v = strings.TrimSpace(*v)
	}
}
