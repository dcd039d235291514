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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/modelchain/pkg/errors"
)

var _ Ledger = (*MemoryLedger)(nil)

// MemoryLedger is an in-process ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	starting int64
	balances map[string]int64
	trials   map[string]time.Time
	receipts []Receipt
}

// NewMemoryLedger returns a ledger where unknown users hold starting
// credits.
func NewMemoryLedger(starting int64) *MemoryLedger {
	return &MemoryLedger{
		starting: starting,
		balances: make(map[string]int64),
		trials:   make(map[string]time.Time),
	}
}

func (m *MemoryLedger) balance(userID string) int64 {
	if b, ok := m.balances[userID]; ok {
		return b
	}
	return m.starting
}

func (m *MemoryLedger) Balance(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance(userID), nil
}

func (m *MemoryLedger) Deduct(ctx context.Context, userID, workflowID string, amount int64) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balance(userID)
	if amount > bal {
		return nil, &errors.BalanceError{UserID: userID, Required: amount, Available: bal}
	}
	bal -= amount
	m.balances[userID] = bal

	r := Receipt{
		ID:         uuid.NewString(),
		UserID:     userID,
		WorkflowID: workflowID,
		Amount:     amount,
		Balance:    bal,
		CreatedAt:  time.Now().UTC(),
	}
	m.receipts = append(m.receipts, r)
	return &r, nil
}

func (m *MemoryLedger) Credit(ctx context.Context, userID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = m.balance(userID) + amount
	return nil
}

func (m *MemoryLedger) ClaimTrial(ctx context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, used := m.trials[identity]; used {
		return false, nil
	}
	m.trials[identity] = time.Now().UTC()
	return true, nil
}

// Receipts returns a copy of all deductions in order.
func (m *MemoryLedger) Receipts() []Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Receipt(nil), m.receipts...)
}
