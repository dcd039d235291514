// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/modelchain/pkg/errors"
)

var _ Ledger = (*SQLiteLedger)(nil)

// SQLiteLedger stores balances, receipts and trial markers in SQLite. It
// shares the handle opened by the storage backend.
type SQLiteLedger struct {
	db       *sql.DB
	starting int64
}

// NewSQLiteLedger creates the ledger tables if needed.
func NewSQLiteLedger(ctx context.Context, db *sql.DB, starting int64) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, starting: starting}
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS balances (
			user_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			amount INTEGER NOT NULL,
			balance INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_user ON receipts(user_id)`,
		`CREATE TABLE IF NOT EXISTS trials (
			identity TEXT PRIMARY KEY,
			claimed_at TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return nil, fmt.Errorf("billing migration failed: %w", err)
		}
	}
	return l, nil
}

func (l *SQLiteLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := l.db.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&bal)
	if err == sql.ErrNoRows {
		return l.starting, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return bal, nil
}

func (l *SQLiteLedger) ensureRow(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, balance) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, l.starting)
	return err
}

func (l *SQLiteLedger) Deduct(ctx context.Context, userID, workflowID string, amount int64) (*Receipt, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := l.ensureRow(ctx, tx, userID); err != nil {
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET balance = balance - ? WHERE user_id = ? AND balance >= ?`,
		amount, userID, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to deduct: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to deduct: %w", err)
	}

	var bal int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM balances WHERE user_id = ?`, userID).Scan(&bal); err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if n == 0 {
		return nil, &errors.BalanceError{UserID: userID, Required: amount, Available: bal}
	}

	r := &Receipt{
		ID:         uuid.NewString(),
		UserID:     userID,
		WorkflowID: workflowID,
		Amount:     amount,
		Balance:    bal,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO receipts (id, user_id, workflow_id, amount, balance, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.WorkflowID, r.Amount, r.Balance, r.CreatedAt.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("failed to record receipt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deduction: %w", err)
	}
	return r, nil
}

func (l *SQLiteLedger) Credit(ctx context.Context, userID string, amount int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := l.ensureRow(ctx, tx, userID); err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE balances SET balance = balance + ? WHERE user_id = ?`, amount, userID); err != nil {
		return fmt.Errorf("failed to credit: %w", err)
	}
	return tx.Commit()
}

func (l *SQLiteLedger) ClaimTrial(ctx context.Context, identity string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO trials (identity, claimed_at) VALUES (?, ?) ON CONFLICT(identity) DO NOTHING`,
		identity, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("failed to claim trial: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim trial: %w", err)
	}
	return n == 1, nil
}
