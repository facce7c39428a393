// Package pgstore persists saga state in PostgreSQL.
//
// Each saga is one row. The full record lives in a JSONB column while the
// fields used for listing are mirrored into plain columns. Mutations lock the
// row with SELECT ... FOR UPDATE so concurrent writers serialize per saga.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/yieldsaga"
	"github.com/lib/pq"
)

// Schema creates the sagas table and its indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS yieldsaga_sagas (
	id           TEXT PRIMARY KEY,
	workflow     TEXT NOT NULL,
	status       TEXT NOT NULL,
	user_address TEXT NOT NULL,
	data         JSONB NOT NULL,
	version      BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS yieldsaga_sagas_status_idx ON yieldsaga_sagas (status);
CREATE INDEX IF NOT EXISTS yieldsaga_sagas_user_idx ON yieldsaga_sagas (user_address);
`

const uniqueViolation = "23505"

const (
	insertQuery = `INSERT INTO yieldsaga_sagas (id, workflow, status, user_address, data, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	loadQuery   = `SELECT data FROM yieldsaga_sagas WHERE id = $1`
	lockQuery   = `SELECT data FROM yieldsaga_sagas WHERE id = $1 FOR UPDATE`
	updateQuery = `UPDATE yieldsaga_sagas SET status = $2, data = $3, version = $4, updated_at = $5 WHERE id = $1`
	listQuery   = `SELECT data FROM yieldsaga_sagas`
)

// Backend implements yieldsaga.Backend on a database/sql handle using the
// lib/pq driver.
type Backend struct {
	db *sql.DB
}

// New returns a backend using db. The schema must already exist; see Migrate.
func New(db *sql.DB) *Backend {
	return &Backend{db: db}
}

// NewStore returns a saga store backed by db.
func NewStore(db *sql.DB) *yieldsaga.StateStore {
	return yieldsaga.NewStore(New(db))
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (b *Backend) Insert(ctx context.Context, state *yieldsaga.TransactionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode saga: %w", err)
	}
	_, err = b.db.ExecContext(ctx, insertQuery,
		state.ID, string(state.Workflow), string(state.Status), state.UserAddress,
		string(data), state.Version, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", yieldsaga.ErrStateExists, state.ID)
		}
		return fmt.Errorf("failed to insert saga %s: %w", state.ID, err)
	}
	return nil
}

func (b *Backend) Load(ctx context.Context, id string) (*yieldsaga.TransactionState, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, loadQuery, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, yieldsaga.NewStateNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga %s: %w", id, err)
	}
	return yieldsaga.UnmarshalState(data)
}

// Mutate runs fn inside a transaction holding the row lock. The transaction
// is rolled back when fn fails, so nothing is persisted.
func (b *Backend) Mutate(ctx context.Context, id string, fn func(*yieldsaga.TransactionState) error) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var data []byte
	err = tx.QueryRowContext(ctx, lockQuery, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return yieldsaga.NewStateNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock saga %s: %w", id, err)
	}
	state, err := yieldsaga.UnmarshalState(data)
	if err != nil {
		return err
	}
	if err = fn(state); err != nil {
		return err
	}
	next, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode saga: %w", err)
	}
	if _, err = tx.ExecContext(ctx, updateQuery,
		id, string(state.Status), string(next), state.Version, state.UpdatedAt); err != nil {
		return fmt.Errorf("failed to update saga %s: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit saga %s: %w", id, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context, filter yieldsaga.ListFilter) ([]*yieldsaga.TransactionState, error) {
	query, args := listStatement(filter)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	defer rows.Close()

	var out []*yieldsaga.TransactionState
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		state, err := yieldsaga.UnmarshalState(data)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	return out, nil
}

func listStatement(filter yieldsaga.ListFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.UserAddress != "" {
		add("user_address", filter.UserAddress)
	}
	if filter.Workflow != "" {
		add("workflow", string(filter.Workflow))
	}
	query := listQuery
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return query + " ORDER BY created_at DESC", args
}
