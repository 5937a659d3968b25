package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pocketwiki/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureAccount finds or creates the account record for a wiki user name.
func (s *PostgresStore) EnsureAccount(ctx context.Context, name string) (Account, error) {
	const findAccount = `SELECT id, name, cohort, created_at FROM accounts WHERE name = $1`
	var account Account
	err := s.db.QueryRowContext(ctx, findAccount, name).
		Scan(&account.ID, &account.Name, &account.Cohort, &account.CreatedAt)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Account{}, fmt.Errorf("lookup account: %w", err)
	}

	const insertAccount = `
		INSERT INTO accounts (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, cohort, created_at
	`
	err = s.db.QueryRowContext(ctx, insertAccount, util.NewID("acct"), name).
		Scan(&account.ID, &account.Name, &account.Cohort, &account.CreatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

// EditCount returns how many saves the account has made through this
// surface.
func (s *PostgresStore) EditCount(ctx context.Context, accountID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracked_edits WHERE account_id = $1`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count edits: %w", err)
	}
	return count, nil
}

// RecordEdit appends a successful save and returns the account's new edit
// count.
func (s *PostgresStore) RecordEdit(ctx context.Context, edit TrackedEdit) (int, error) {
	if edit.ID == "" {
		edit.ID = util.NewID("edit")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_edits (id, account_id, title, section, summary)
		VALUES ($1, $2, $3, $4, $5)
	`, edit.ID, edit.AccountID, edit.Title, edit.Section, edit.Summary)
	if err != nil {
		return 0, fmt.Errorf("insert tracked edit: %w", err)
	}
	return s.EditCount(ctx, edit.AccountID)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
