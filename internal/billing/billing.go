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

// Package billing holds caller balances, the per-execution deduction and
// the anonymous trial marker.
package billing

import (
	"context"
	"time"

	"github.com/tombee/modelchain/pkg/workflow"
)

// Receipt records one deduction.
type Receipt struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	WorkflowID string    `json:"workflow_id"`
	Amount     int64     `json:"amount"`
	Balance    int64     `json:"balance"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ledger tracks credit balances. Users without a row start at the ledger's
// starting balance.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)

	// Deduct removes amount from the user's balance. It fails with a
	// BalanceError, leaving the balance unchanged, when funds are short.
	Deduct(ctx context.Context, userID, workflowID string, amount int64) (*Receipt, error)

	Credit(ctx context.Context, userID string, amount int64) error

	// ClaimTrial atomically marks identity's anonymous trial as used. It
	// returns true only for the first claim.
	ClaimTrial(ctx context.Context, identity string) (bool, error)
}

// HasBalance reports whether userID can afford cost.
func HasBalance(ctx context.Context, l Ledger, userID string, cost int64) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	bal, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal >= cost, nil
}

// CostEstimator prices a list of steps.
type CostEstimator interface {
	EstimateCost(steps []workflow.Step) int64
}

// EstimateCost returns the workflow's declared price when set, otherwise
// the estimator's sum over its steps.
func EstimateCost(wf *workflow.Workflow, est CostEstimator) int64 {
	if wf.DeclaredPrice > 0 {
		return wf.DeclaredPrice
	}
	if est == nil {
		return 0
	}
	return est.EstimateCost(wf.Steps)
}
