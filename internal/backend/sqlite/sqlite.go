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

// Package sqlite provides a SQLite backend implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/modelchain/internal/backend"
	"github.com/tombee/modelchain/pkg/workflow"
)

// Compile-time interface assertions.
var (
	_ backend.WorkflowStore   = (*Backend)(nil)
	_ backend.WorkflowWriter  = (*Backend)(nil)
	_ backend.ExecutionStore  = (*Backend)(nil)
	_ backend.ExecutionLister = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// timeLayout has a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

// DB exposes the handle so the billing ledger can share the database file.
func (b *Backend) DB() *sql.DB {
	return b.db
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			user_id TEXT,
			anonymous INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			results TEXT NOT NULL,
			final_output TEXT,
			final_files TEXT,
			final_cost INTEGER NOT NULL DEFAULT 0,
			billing_error TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_user ON executions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (b *Backend) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var def string
	err := b.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&def)
	if err == sql.ErrNoRows {
		return nil, backend.ErrWorkflowNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var wf workflow.Workflow
	if err := json.Unmarshal([]byte(def), &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}
	wf.SortSteps()
	return &wf, nil
}

// SaveWorkflow creates or replaces a workflow.
func (b *Backend) SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO workflows (id, definition, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at
	`, wf.ID, string(def), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// ListWorkflows returns all workflows sorted by ID.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var wf workflow.Workflow
		if err := json.Unmarshal([]byte(def), &wf); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
		}
		wf.SortSteps()
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// SaveExecution creates or replaces an execution record.
func (b *Backend) SaveExecution(ctx context.Context, rec *workflow.ExecutionRecord) error {
	resultsJSON, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	filesJSON, err := json.Marshal(rec.FinalFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal final files: %w", err)
	}

	query := `
		INSERT INTO executions (id, workflow_id, user_id, anonymous, status, results,
			final_output, final_files, final_cost, billing_error, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, results = excluded.results,
			final_output = excluded.final_output, final_files = excluded.final_files,
			final_cost = excluded.final_cost, billing_error = excluded.billing_error,
			error = excluded.error,
			finished_at = excluded.finished_at
	`
	_, err = b.db.ExecContext(ctx, query,
		rec.ID, rec.WorkflowID, nullString(rec.UserID), boolToInt(rec.Anonymous), string(rec.Status),
		string(resultsJSON), nullString(rec.FinalOutput), string(filesJSON), rec.FinalCost,
		nullString(rec.BillingError), nullString(rec.Error), rec.StartedAt.UTC().Format(timeLayout), formatTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

const executionColumns = `id, workflow_id, user_id, anonymous, status, results,
	final_output, final_files, final_cost, billing_error, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*workflow.ExecutionRecord, error) {
	var (
		rec                        workflow.ExecutionRecord
		userID, output, errStr     sql.NullString
		filesJSON, finishedAt      sql.NullString
		billingErr                 sql.NullString
		resultsJSON, status, start string
		anonymous                  int
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &userID, &anonymous, &status, &resultsJSON,
		&output, &filesJSON, &rec.FinalCost, &billingErr, &errStr, &start, &finishedAt); err != nil {
		return nil, err
	}

	rec.UserID = userID.String
	rec.Anonymous = anonymous != 0
	rec.Status = workflow.ExecutionStatus(status)
	rec.FinalOutput = output.String
	rec.Error = errStr.String
	rec.BillingError = billingErr.String

	if err := json.Unmarshal([]byte(resultsJSON), &rec.Results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal results: %w", err)
	}
	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &rec.FinalFiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal final files: %w", err)
		}
	}

	rec.StartedAt, _ = time.Parse(timeLayout, start)
	if finishedAt.Valid {
		t, _ := time.Parse(timeLayout, finishedAt.String)
		rec.FinishedAt = &t
	}
	return &rec, nil
}

// GetExecution retrieves an execution record by ID.
func (b *Backend) GetExecution(ctx context.Context, id string) (*workflow.ExecutionRecord, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, backend.ErrExecutionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions lists records matching filter, newest first.
func (b *Backend) ListExecutions(ctx context.Context, filter backend.ExecutionFilter) ([]*workflow.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	if filter.WorkflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []*workflow.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
