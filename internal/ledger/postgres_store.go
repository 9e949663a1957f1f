package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// activePaymentIndex is the partial unique index allowing one pending or
// completed payment per job.
const activePaymentIndex = "payments_one_active_per_job"

// PostgresStore persists ledger records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, job_id, freelancer_id, business_id,
		       gross_amount, platform_fee, net_amount, currency, status,
		       hold_reference, idempotency_key, dispute_reason, failure_reason,
		       review_deadline, created_at, updated_at, resolved_at`

const withdrawalColumns = `id, freelancer_id, amount, currency, status,
		       transfer_reference, failure_reason, created_at, updated_at, completed_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	defer observeOp(storePostgres, "create_payment")()
	if err := ValidatePayment(pay); err != nil {
		return err
	}
	if pay.CreatedAt.IsZero() {
		pay.CreatedAt = time.Now().UTC()
	}
	pay.UpdatedAt = pay.CreatedAt

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, job_id, freelancer_id, business_id,
			gross_amount, platform_fee, net_amount, currency, status,
			hold_reference, idempotency_key, review_deadline, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(20,2), $6::NUMERIC(20,2), $7::NUMERIC(20,2), $8, $9,
			$10, $11, $12, $13, $14
		)`,
		pay.ID, pay.JobID, pay.FreelancerID, pay.BusinessID,
		pay.GrossAmount.StringFixed(2), pay.PlatformFee.StringFixed(2), pay.NetAmount.StringFixed(2),
		pay.Currency, string(pay.Status),
		nullString(pay.HoldReference), nullString(pay.IdempotencyKey), nullTimeValue(pay.ReviewDeadline),
		pay.CreatedAt, pay.UpdatedAt,
	)
	if isUniqueViolation(err, activePaymentIndex) {
		return ErrActivePaymentExists
	}
	return err
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetActivePaymentForJob(ctx context.Context, jobID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE job_id = $1 AND status IN ('pending', 'completed')`, jobID)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

// UpdatePaymentStatus locks the row, checks the current status, applies
// mutate and writes back, all in one transaction.
func (p *PostgresStore) UpdatePaymentStatus(ctx context.Context, id string, from, to PaymentStatus, mutate func(*Payment)) (*Payment, error) {
	defer observeOp(storePostgres, "update_payment_status")()
	if !from.CanTransition(to) {
		return nil, ErrInvalidTransition
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		conflict(storePostgres, "payment")
		return nil, ErrConflict
	}

	next := copyPayment(cur)
	if mutate != nil {
		mutate(next)
	}
	now := time.Now().UTC()
	next.Status = to
	next.UpdatedAt = now
	if next.ResolvedAt == nil {
		next.ResolvedAt = &now
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, hold_reference = $2, dispute_reason = $3, failure_reason = $4,
			updated_at = $5, resolved_at = $6
		WHERE id = $7 AND status = $8`,
		string(to), nullString(next.HoldReference), nullString(next.DisputeReason), nullString(next.FailureReason),
		next.UpdatedAt, nullTime(next.ResolvedAt),
		id, string(from),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		conflict(storePostgres, "payment")
		return nil, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	next.ID, next.JobID, next.FreelancerID, next.BusinessID = cur.ID, cur.JobID, cur.FreelancerID, cur.BusinessID
	next.GrossAmount, next.PlatformFee, next.NetAmount = cur.GrossAmount, cur.PlatformFee, cur.NetAmount
	next.CreatedAt = cur.CreatedAt
	next.ClientSecret = ""
	return next, nil
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, id, reason string) (*Payment, error) {
	defer observeOp(storePostgres, "mark_disputed")()
	row := p.db.QueryRowContext(ctx, `
		UPDATE payments SET dispute_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND dispute_reason IS NULL
		RETURNING `+paymentColumns, id, reason)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetPayment(ctx, id); gerr != nil {
			return nil, gerr
		}
		conflict(storePostgres, "payment")
		return nil, ErrConflict
	}
	return pay, err
}

func (p *PostgresStore) ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ParticipantID != "" {
		args = append(args, f.ParticipantID)
		n := len(args)
		where = append(where, fmt.Sprintf("(freelancer_id = $%d OR business_id = $%d)", n, n))
	}
	if f.FreelancerID != "" {
		add("freelancer_id = $%d", f.FreelancerID)
	}
	if f.BusinessID != "" {
		add("business_id = $%d", f.BusinessID)
	}
	if f.JobID != "" {
		add("job_id = $%d", f.JobID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) ListCompletedPayments(ctx context.Context, freelancerID string) ([]*Payment, error) {
	defer observeOp(storePostgres, "list_completed_payments")()
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE freelancer_id = $1 AND status = 'completed'
		ORDER BY created_at`, freelancerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) ListPendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) ListDuePayments(ctx context.Context, deadlineBefore time.Time, after DueCursor, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'pending'
		  AND dispute_reason IS NULL
		  AND review_deadline < $1
		  AND (review_deadline, id) > ($2::timestamptz, $3::text)
		ORDER BY review_deadline, id
		LIMIT $4`, deadlineBefore, after.Deadline, after.ID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) error {
	defer observeOp(storePostgres, "create_withdrawal")()
	if err := ValidateWithdrawal(w); err != nil {
		return err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	w.UpdatedAt = w.CreatedAt

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, freelancer_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7)`,
		w.ID, w.FreelancerID, w.Amount.StringFixed(2), w.Currency, string(w.Status), w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (p *PostgresStore) UpdateWithdrawalStatus(ctx context.Context, id string, from, to WithdrawalStatus, mutate func(*Withdrawal)) (*Withdrawal, error) {
	defer observeOp(storePostgres, "update_withdrawal_status")()
	if !from.CanTransition(to) {
		return nil, ErrInvalidTransition
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanWithdrawal(tx.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		conflict(storePostgres, "withdrawal")
		return nil, ErrConflict
	}

	next := *cur
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.FreelancerID, next.Amount, next.CreatedAt = cur.ID, cur.FreelancerID, cur.Amount, cur.CreatedAt
	next.Status = to
	next.UpdatedAt = time.Now().UTC()
	if to == WithdrawalCompleted && next.CompletedAt == nil {
		t := next.UpdatedAt
		next.CompletedAt = &t
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals SET
			status = $1, transfer_reference = $2, failure_reason = $3,
			updated_at = $4, completed_at = $5
		WHERE id = $6 AND status = $7`,
		string(to), nullString(next.TransferReference), nullString(next.FailureReason),
		next.UpdatedAt, nullTime(next.CompletedAt),
		id, string(from),
	)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		conflict(storePostgres, "withdrawal")
		return nil, ErrConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &next, nil
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, f WithdrawalFilter) ([]*Withdrawal, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.FreelancerID != "" {
		args = append(args, f.FreelancerID)
		where = append(where, fmt.Sprintf("freelancer_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListCompletedWithdrawals(ctx context.Context, freelancerID string) ([]*Withdrawal, error) {
	defer observeOp(storePostgres, "list_completed_withdrawals")()
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE freelancer_id = $1 AND status = 'completed'
		ORDER BY created_at`, freelancerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListPendingWithdrawals(ctx context.Context, createdBefore time.Time, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, createdBefore, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWithdrawals(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	p := &Payment{}
	var (
		status, gross, fee, net string
		holdRef, idemKey        sql.NullString
		disputeReason, failure  sql.NullString
		reviewDeadline          sql.NullTime
		resolvedAt              sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.JobID, &p.FreelancerID, &p.BusinessID,
		&gross, &fee, &net, &p.Currency, &status,
		&holdRef, &idemKey, &disputeReason, &failure,
		&reviewDeadline, &p.CreatedAt, &p.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if p.GrossAmount, err = parseNumeric(gross); err != nil {
		return nil, err
	}
	if p.PlatformFee, err = parseNumeric(fee); err != nil {
		return nil, err
	}
	if p.NetAmount, err = parseNumeric(net); err != nil {
		return nil, err
	}
	p.Status = PaymentStatus(status)
	p.HoldReference = holdRef.String
	p.IdempotencyKey = idemKey.String
	p.DisputeReason = disputeReason.String
	p.FailureReason = failure.String
	if reviewDeadline.Valid {
		p.ReviewDeadline = reviewDeadline.Time
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.Time
	}
	return p, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		status, amount string
		transferRef    sql.NullString
		failure        sql.NullString
		completedAt    sql.NullTime
	)
	err := s.Scan(
		&w.ID, &w.FreelancerID, &amount, &w.Currency, &status,
		&transferRef, &failure, &w.CreatedAt, &w.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if w.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	w.Status = WithdrawalStatus(status)
	w.TransferReference = transferRef.String
	w.FailureReason = failure.String
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	return w, nil
}

func scanWithdrawals(rows *sql.Rows) ([]*Withdrawal, error) {
	var result []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func parseNumeric(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: bad numeric %q: %w", s, err)
	}
	return d, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && (constraint == "" || pqErr.Constraint == constraint)
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeValue(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
