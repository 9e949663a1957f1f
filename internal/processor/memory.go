package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/trackerjam/escrow/internal/idgen"
)

// MemoryGateway is an in-process Processor for development and tests. It
// honours idempotency keys and supports fault injection.
type MemoryGateway struct {
	mu sync.Mutex

	holds         map[string]*memHold
	holdsByKey    map[string]string
	transfers     map[string]*memTransfer
	transfersByID map[string]string // idempotency key -> transfer ref
	accounts      map[string]bool   // account -> payouts enabled
	// availableMinor is the platform balance for transfers; negative means unlimited.
	availableMinor int64

	requireConfirmation bool

	faults map[string][]error
	calls  map[string]int
}

type memHold struct {
	req   HoldRequest
	state HoldState
}

type memTransfer struct {
	ref string
	req TransferRequest
}

// NewMemoryGateway creates a gateway with unlimited platform funds where
// holds are immediately confirmed.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		holds:          make(map[string]*memHold),
		holdsByKey:     make(map[string]string),
		transfers:      make(map[string]*memTransfer),
		transfersByID:  make(map[string]string),
		accounts:       make(map[string]bool),
		availableMinor: -1,
		faults:         make(map[string][]error),
		calls:          make(map[string]int),
	}
}

// RequireConfirmation makes new holds start awaiting payer confirmation.
func (m *MemoryGateway) RequireConfirmation(on bool) {
	m.mu.Lock()
	m.requireConfirmation = on
	m.mu.Unlock()
}

// Confirm simulates the payer confirming a hold.
func (m *MemoryGateway) Confirm(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[ref]; ok && h.state == HoldAwaitingConfirmation {
		h.state = HoldHeld
	}
}

// SetPayee registers an account and whether it can receive payouts.
func (m *MemoryGateway) SetPayee(accountID string, payoutsEnabled bool) {
	m.mu.Lock()
	m.accounts[accountID] = payoutsEnabled
	m.mu.Unlock()
}

// SetAvailable sets the platform balance available for transfers.
func (m *MemoryGateway) SetAvailable(minor int64) {
	m.mu.Lock()
	m.availableMinor = minor
	m.mu.Unlock()
}

// Expire simulates the processor canceling an uncaptured hold.
func (m *MemoryGateway) Expire(ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[ref]; ok && h.state != HoldCaptured {
		h.state = HoldVoided
	}
}

// ForceState sets a hold's state directly, as if changed out of band.
func (m *MemoryGateway) ForceState(ref string, state HoldState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holds[ref]; ok {
		h.state = state
	}
}

// FailNext queues errs to be returned by the next calls to op, one per call.
// op is one of create_hold, capture_hold, void_hold, hold_state, transfer,
// find_transfer, payee_verified.
func (m *MemoryGateway) FailNext(op string, errs ...error) {
	m.mu.Lock()
	m.faults[op] = append(m.faults[op], errs...)
	m.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (m *MemoryGateway) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TransferCount returns the number of distinct transfers executed.
func (m *MemoryGateway) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

// State reports a hold's state; ok is false for unknown references.
func (m *MemoryGateway) State(ref string) (HoldState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holds[ref]
	if !ok {
		return "", false
	}
	return h.state, true
}

// enter records the call and pops a queued fault. Caller holds m.mu.
func (m *MemoryGateway) enter(op string) error {
	m.calls[op]++
	if q := m.faults[op]; len(q) > 0 {
		m.faults[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *MemoryGateway) CreateHold(ctx context.Context, req HoldRequest) (*Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create_hold"); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		if ref, ok := m.holdsByKey[req.IdempotencyKey]; ok {
			h := m.holds[ref]
			return &Hold{Reference: ref, ClientSecret: ref + "_secret", State: h.state}, nil
		}
	}
	if enabled, ok := m.accounts[req.PayeeAccountID]; !ok || !enabled {
		return nil, fmt.Errorf("%w: %s", ErrPayeeAccountInvalid, req.PayeeAccountID)
	}
	if req.AmountMinor <= 0 || req.FeeMinor < 0 || req.FeeMinor > req.AmountMinor {
		return nil, fmt.Errorf("%w: bad amount", ErrDeclined)
	}

	ref := idgen.WithPrefix("pi_")
	state := HoldHeld
	if m.requireConfirmation {
		state = HoldAwaitingConfirmation
	}
	m.holds[ref] = &memHold{req: req, state: state}
	if req.IdempotencyKey != "" {
		m.holdsByKey[req.IdempotencyKey] = ref
	}
	return &Hold{Reference: ref, ClientSecret: ref + "_secret", State: state}, nil
}

func (m *MemoryGateway) CaptureHold(ctx context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("capture_hold"); err != nil {
		return err
	}
	h, ok := m.holds[reference]
	if !ok {
		return ErrHoldNotFound
	}
	switch h.state {
	case HoldHeld:
		h.state = HoldCaptured
		return nil
	case HoldCaptured:
		return ErrHoldAlreadyCaptured
	case HoldVoided:
		return ErrHoldExpired
	default:
		return ErrHoldNotReady
	}
}

func (m *MemoryGateway) VoidHold(ctx context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("void_hold"); err != nil {
		return err
	}
	h, ok := m.holds[reference]
	if !ok {
		return ErrHoldNotFound
	}
	if h.state == HoldCaptured {
		return ErrHoldAlreadyCaptured
	}
	h.state = HoldVoided
	return nil
}

func (m *MemoryGateway) HoldState(ctx context.Context, reference string) (HoldState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("hold_state"); err != nil {
		return "", err
	}
	h, ok := m.holds[reference]
	if !ok {
		return "", ErrHoldNotFound
	}
	return h.state, nil
}

func (m *MemoryGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("transfer"); err != nil {
		return "", err
	}

	if req.IdempotencyKey != "" {
		if ref, ok := m.transfersByID[req.IdempotencyKey]; ok {
			return ref, nil
		}
	}
	if enabled, ok := m.accounts[req.PayeeAccountID]; !ok || !enabled {
		return "", fmt.Errorf("%w: %s", ErrPayeeAccountInvalid, req.PayeeAccountID)
	}
	if req.AmountMinor <= 0 {
		return "", fmt.Errorf("%w: bad amount", ErrDeclined)
	}
	if m.availableMinor >= 0 {
		if req.AmountMinor > m.availableMinor {
			return "", ErrInsufficientGatewayFunds
		}
		m.availableMinor -= req.AmountMinor
	}

	ref := idgen.WithPrefix("tr_")
	m.transfers[ref] = &memTransfer{ref: ref, req: req}
	if req.IdempotencyKey != "" {
		m.transfersByID[req.IdempotencyKey] = ref
	}
	return ref, nil
}

func (m *MemoryGateway) FindTransfer(ctx context.Context, group string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("find_transfer"); err != nil {
		return "", false, err
	}
	for ref, t := range m.transfers {
		if t.req.Group == group {
			return ref, true, nil
		}
	}
	return "", false, nil
}

func (m *MemoryGateway) PayeeVerified(ctx context.Context, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("payee_verified"); err != nil {
		return false, err
	}
	return m.accounts[accountID], nil
}

// CreatePayeeAccount registers an account that becomes payout-enabled
// immediately, standing in for a completed onboarding.
func (m *MemoryGateway) CreatePayeeAccount(ctx context.Context, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create_payee_account"); err != nil {
		return "", err
	}
	id := idgen.WithPrefix("acct_")
	m.accounts[id] = true
	return id, nil
}

func (m *MemoryGateway) OnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("onboarding_link"); err != nil {
		return "", err
	}
	if _, ok := m.accounts[accountID]; !ok {
		return "", ErrPayeeAccountInvalid
	}
	return returnURL + "?account=" + accountID, nil
}

var _ Processor = (*MemoryGateway)(nil)
