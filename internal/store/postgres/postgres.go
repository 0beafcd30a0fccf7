package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmaledger/internal/domain"
	"pharmaledger/internal/store"
)

//go:embed schema.sql
var schema string

// Store keeps the ledger in PostgreSQL. Every RunInTx is one SERIALIZABLE
// transaction: reads go straight to the database, staged writes are applied
// just before commit, and serialization failures surface as
// store.ErrConcurrentModification for the coordinator to retry.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) RunInTx(ctx context.Context, scope domain.Scope, fn func(ctx context.Context, tx store.Tx) error) error {
	if !scope.Valid() {
		return store.Invalid("incomplete tenant scope")
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	t := &tx{q: pgTx, scope: scope}
	defer t.guard.Close()

	if err := fn(ctx, t); err != nil {
		return mapError(err)
	}
	for _, apply := range t.ops {
		if err := apply(ctx, pgTx); err != nil {
			return mapError(err)
		}
	}
	if err := pgTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, scope domain.Scope, fn func(ctx context.Context, r store.Reader) error) error {
	if !scope.Valid() {
		return store.Invalid("incomplete tenant scope")
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	t := &tx{q: pgTx, scope: scope}
	defer t.guard.Close()
	return mapError(fn(ctx, t))
}

// mapError turns the SQLSTATEs the ledger cares about into store errors and
// passes everything else through.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%s: %w", pgErr.Message, store.ErrConcurrentModification)
	case "23505":
		return store.Conflict(pgErr.TableName, pgErr.ConstraintName, pgErr.Detail)
	case "23514":
		return fmt.Errorf("%s: %w", pgErr.Message, store.ErrInsufficientStock)
	}
	return err
}
