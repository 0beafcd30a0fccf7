package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
	"pharmaledger/internal/store/memory"
)

var scope = domain.Scope{OrganizationID: "org-1", BranchID: "branch-1", UserID: "user-1"}

func noSleep(recorded *[]time.Duration) Option {
	return WithSleep(func(_ context.Context, d time.Duration) error {
		*recorded = append(*recorded, d)
		return nil
	})
}

func seed(t *testing.T, s *memory.Store) {
	t.Helper()
	err := s.RunInTx(context.Background(), scope, func(_ context.Context, tx store.Tx) error {
		return tx.PutMedicine(domain.Medicine{ID: "MED-1", Stock: 1})
	})
	require.NoError(t, err)
}

func TestRunRetriesConcurrentModificationFromFirstRead(t *testing.T) {
	s := memory.New()
	seed(t, s)
	var waits []time.Duration
	c := New(s, noSleep(&waits))

	attempts := 0
	stock, err := Run(context.Background(), c, scope, "bump", func(ctx context.Context, tx store.Tx) (int, error) {
		attempts++
		meds, err := tx.GetMedicines(ctx, []string{"MED-1"})
		if err != nil {
			return 0, err
		}
		if attempts == 1 {
			// a competing writer lands before this attempt commits
			if err := s.RunInTx(ctx, scope, func(_ context.Context, other store.Tx) error {
				return other.AdjustMedicineStock("MED-1", 10)
			}); err != nil {
				return 0, err
			}
		}
		return meds["MED-1"].Stock, tx.AdjustMedicineStock("MED-1", 1)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 11, stock, "second attempt must observe the competing write")
	assert.Len(t, waits, 1)
}

func TestRunDoesNotRetryBusinessErrors(t *testing.T) {
	s := memory.New()
	var waits []time.Duration
	c := New(s, noSleep(&waits))

	attempts := 0
	_, err := Run(context.Background(), c, scope, "missing", func(ctx context.Context, tx store.Tx) (struct{}, error) {
		attempts++
		_, err := tx.GetSupplier(ctx, "SUP-X")
		return struct{}{}, err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, waits)
}

func TestRunSurfacesExhaustionAsRetryable(t *testing.T) {
	s := memory.New()
	var waits []time.Duration
	c := New(s, WithMaxAttempts(3), WithBackoff(10*time.Millisecond, 25*time.Millisecond), noSleep(&waits))

	attempts := 0
	_, err := Run(context.Background(), c, scope, "contended", func(context.Context, store.Tx) (int, error) {
		attempts++
		return 0, store.ErrConcurrentModification
	})
	require.Error(t, err)
	assert.True(t, store.IsRetryable(err))
	assert.Equal(t, 3, attempts)
	require.Len(t, waits, 2)
	for _, w := range waits {
		assert.LessOrEqual(t, w, 25*time.Millisecond+25*time.Millisecond/2)
		assert.GreaterOrEqual(t, w, 5*time.Millisecond)
	}
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	c := New(s, WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := Run(ctx, c, scope, "cancelled", func(context.Context, store.Tx) (int, error) {
		return 0, store.ErrConcurrentModification
	})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	c := New(memory.New(), WithBackoff(10*time.Millisecond, 40*time.Millisecond))
	for i := 0; i < 50; i++ {
		first := c.backoff(1)
		assert.GreaterOrEqual(t, first, 5*time.Millisecond)
		assert.LessOrEqual(t, first, 15*time.Millisecond)

		capped := c.backoff(10)
		assert.GreaterOrEqual(t, capped, 20*time.Millisecond)
		assert.LessOrEqual(t, capped, 60*time.Millisecond)
	}
}
