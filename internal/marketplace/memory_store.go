package marketplace

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Jobs and Profiles implementation for
// development and tests. Every stored payout account counts as verified.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*memJob
	profiles map[string]*memProfile
}

type memJob struct {
	businessID   string
	status       string
	freelancerID string
	amount       decimal.Decimal
	accepted     bool
}

type memProfile struct {
	email         string
	payoutAccount string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*memJob),
		profiles: make(map[string]*memProfile),
	}
}

// AddProfile registers a user. An empty payoutAccount means not onboarded.
func (m *MemoryStore) AddProfile(userID, email, payoutAccount string) {
	m.mu.Lock()
	m.profiles[userID] = &memProfile{email: email, payoutAccount: payoutAccount}
	m.mu.Unlock()
}

// AddJob registers an open job without an accepted bid.
func (m *MemoryStore) AddJob(jobID, businessID string) {
	m.mu.Lock()
	m.jobs[jobID] = &memJob{businessID: businessID, status: "open"}
	m.mu.Unlock()
}

// AcceptBid records the freelancer and amount the business agreed to.
func (m *MemoryStore) AcceptBid(jobID, freelancerID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		j = &memJob{status: "open"}
		m.jobs[jobID] = j
	}
	j.freelancerID = freelancerID
	j.amount = amount
	j.accepted = true
	j.status = "in_progress"
}

// JobStatus returns the job's status, or "" when unknown.
func (m *MemoryStore) JobStatus(jobID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if j, ok := m.jobs[jobID]; ok {
		return j.status
	}
	return ""
}

func (m *MemoryStore) GetAcceptedBid(ctx context.Context, jobID string) (*AcceptedBid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	if !j.accepted {
		return nil, ErrNoAcceptedBid
	}
	return &AcceptedBid{
		JobID:        jobID,
		BusinessID:   j.businessID,
		FreelancerID: j.freelancerID,
		Amount:       j.amount,
	}, nil
}

func (m *MemoryStore) MarkJobCompleted(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.status = JobStatusCompleted
	return nil
}

func (m *MemoryStore) GetPayoutAccount(ctx context.Context, userID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return "", false, ErrProfileNotFound
	}
	return p.payoutAccount, p.payoutAccount != "", nil
}

func (m *MemoryStore) HasVerifiedPayoutAccount(ctx context.Context, userID string) (bool, error) {
	_, ok, err := m.GetPayoutAccount(ctx, userID)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (m *MemoryStore) SetPayoutAccount(ctx context.Context, userID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return ErrProfileNotFound
	}
	p.payoutAccount = accountID
	return nil
}

func (m *MemoryStore) GetEmail(ctx context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return "", ErrProfileNotFound
	}
	return p.email, nil
}

var (
	_ Jobs     = (*MemoryStore)(nil)
	_ Profiles = (*MemoryStore)(nil)
)
