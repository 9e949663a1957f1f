package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger for demo/development mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	payments    map[string]*Payment
	withdrawals map[string]*Withdrawal
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:    make(map[string]*Payment),
		withdrawals: make(map[string]*Withdrawal),
		now:         time.Now,
	}
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *Payment) error {
	defer observeOp(storeMemory, "create_payment")()
	if err := ValidatePayment(p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; ok {
		return ErrInvalidRecord
	}
	for _, existing := range m.payments {
		if existing.JobID == p.JobID && isActive(existing.Status) {
			return ErrActivePaymentExists
		}
	}
	now := m.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	stored := copyPayment(p)
	stored.ClientSecret = ""
	m.payments[p.ID] = stored
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (m *MemoryStore) GetActivePaymentForJob(ctx context.Context, jobID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.JobID == jobID && isActive(p.Status) {
			return copyPayment(p), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) UpdatePaymentStatus(ctx context.Context, id string, from, to PaymentStatus, mutate func(*Payment)) (*Payment, error) {
	defer observeOp(storeMemory, "update_payment_status")()
	if !from.CanTransition(to) {
		return nil, ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if cur.Status != from {
		conflict(storeMemory, "payment")
		return nil, ErrConflict
	}

	next := copyPayment(cur)
	if mutate != nil {
		mutate(next)
	}
	// Identity and amounts are immutable.
	next.ID, next.JobID, next.FreelancerID, next.BusinessID = cur.ID, cur.JobID, cur.FreelancerID, cur.BusinessID
	next.GrossAmount, next.PlatformFee, next.NetAmount = cur.GrossAmount, cur.PlatformFee, cur.NetAmount
	next.CreatedAt = cur.CreatedAt
	next.ClientSecret = ""
	next.Status = to
	now := m.now()
	next.UpdatedAt = now
	if next.ResolvedAt == nil {
		next.ResolvedAt = &now
	}

	m.payments[id] = next
	return copyPayment(next), nil
}

func (m *MemoryStore) MarkDisputed(ctx context.Context, id, reason string) (*Payment, error) {
	defer observeOp(storeMemory, "mark_disputed")()
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if cur.Status != PaymentPending || cur.DisputeReason != "" {
		conflict(storeMemory, "payment")
		return nil, ErrConflict
	}
	cur.DisputeReason = reason
	cur.UpdatedAt = m.now()
	return copyPayment(cur), nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if !matchPayment(p, f) {
			continue
		}
		result = append(result, copyPayment(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit := clampLimit(f.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListCompletedPayments(ctx context.Context, freelancerID string) ([]*Payment, error) {
	defer observeOp(storeMemory, "list_completed_payments")()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.FreelancerID == freelancerID && p.Status == PaymentCompleted {
			result = append(result, copyPayment(p))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error) {
	return m.pendingPayments(limit, func(p *Payment) bool { return p.CreatedAt.Before(createdBefore) })
}

func (m *MemoryStore) ListDuePayments(ctx context.Context, deadlineBefore time.Time, after DueCursor, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status != PaymentPending || p.DisputeReason != "" || p.ReviewDeadline.IsZero() {
			continue
		}
		if p.ReviewDeadline.Before(deadlineBefore) && after.Precedes(p) {
			result = append(result, copyPayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.ReviewDeadline.Equal(b.ReviewDeadline) {
			return a.ReviewDeadline.Before(b.ReviewDeadline)
		}
		return a.ID < b.ID
	})
	if limit = clampLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) pendingPayments(limit int, keep func(*Payment) bool) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status == PaymentPending && keep(p) {
			result = append(result, copyPayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit = clampLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	defer observeOp(storeMemory, "create_withdrawal")()
	if err := ValidateWithdrawal(w); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.withdrawals[w.ID]; ok {
		return ErrInvalidRecord
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = m.now()
	}
	w.UpdatedAt = w.CreatedAt
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) UpdateWithdrawalStatus(ctx context.Context, id string, from, to WithdrawalStatus, mutate func(*Withdrawal)) (*Withdrawal, error) {
	defer observeOp(storeMemory, "update_withdrawal_status")()
	if !from.CanTransition(to) {
		return nil, ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	if cur.Status != from {
		conflict(storeMemory, "withdrawal")
		return nil, ErrConflict
	}

	next := *cur
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.FreelancerID, next.Amount, next.CreatedAt = cur.ID, cur.FreelancerID, cur.Amount, cur.CreatedAt
	next.Status = to
	next.UpdatedAt = m.now()
	if to == WithdrawalCompleted && next.CompletedAt == nil {
		t := next.UpdatedAt
		next.CompletedAt = &t
	}

	m.withdrawals[id] = &next
	out := next
	return &out, nil
}

func (m *MemoryStore) ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if f.FreelancerID != "" && w.FreelancerID != f.FreelancerID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit := clampLimit(f.Limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListCompletedWithdrawals(ctx context.Context, freelancerID string) ([]*Withdrawal, error) {
	defer observeOp(storeMemory, "list_completed_withdrawals")()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if w.FreelancerID == freelancerID && w.Status == WithdrawalCompleted {
			cp := *w
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPendingWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if w.Status == WithdrawalPending && w.CreatedAt.Before(createdBefore) {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit = clampLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func matchPayment(p *Payment, f PaymentFilter) bool {
	if f.ParticipantID != "" && p.FreelancerID != f.ParticipantID && p.BusinessID != f.ParticipantID {
		return false
	}
	if f.FreelancerID != "" && p.FreelancerID != f.FreelancerID {
		return false
	}
	if f.BusinessID != "" && p.BusinessID != f.BusinessID {
		return false
	}
	if f.JobID != "" && p.JobID != f.JobID {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	return true
}

// isActive is true for statuses that block a second payment on the job.
func isActive(s PaymentStatus) bool {
	return s == PaymentPending || s == PaymentCompleted
}

func copyPayment(p *Payment) *Payment {
	cp := *p
	if p.ResolvedAt != nil {
		t := *p.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
