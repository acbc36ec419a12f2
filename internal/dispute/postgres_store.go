package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/tradesafe/internal/money"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, transaction_id, buyer_id, seller_id, opened_by, respondent_id,
	       reason, description,
	       status, resolution, resolved_by, refund_amount,
	       respond_by, responded_at,
	       seller_refund_deadline, seller_refund_confirmed_at, seller_refund_late,
	       escalated_at, resolved_at, closed_at, created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, transaction_id, buyer_id, seller_id, opened_by, respondent_id,
			reason, description,
			status, resolution, resolved_by, refund_amount,
			respond_by, responded_at,
			seller_refund_deadline, seller_refund_confirmed_at, seller_refund_late,
			escalated_at, resolved_at, closed_at, created_at, updated_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			$9, $10, $11, $12,
			$13, $14,
			$15, $16, $17,
			$18, $19, $20, $21, $22, $23
		)`,
		d.ID, d.TransactionID, d.BuyerID, d.SellerID, d.OpenedBy, d.RespondentID,
		d.Reason, d.Description,
		string(d.Status), string(d.Resolution), nullStr(d.ResolvedBy), int64(d.RefundAmount),
		nullTm(d.RespondBy), nullTm(d.RespondedAt),
		nullTm(d.SellerRefundDeadline), nullTm(d.SellerRefundConfirmedAt), d.SellerRefundLate,
		nullTm(d.EscalatedAt), nullTm(d.ResolvedAt), nullTm(d.ClosedAt), d.CreatedAt, d.UpdatedAt, d.Version,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes WHERE transaction_id = $1
		ORDER BY created_at DESC LIMIT 1`, transactionID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, resolved_by = $3, refund_amount = $4,
			respond_by = $5, responded_at = $6,
			seller_refund_deadline = $7, seller_refund_confirmed_at = $8, seller_refund_late = $9,
			escalated_at = $10, resolved_at = $11, closed_at = $12, updated_at = $13,
			version = version + 1
		WHERE id = $14 AND version = $15`,
		string(d.Status), string(d.Resolution), nullStr(d.ResolvedBy), int64(d.RefundAmount),
		nullTm(d.RespondBy), nullTm(d.RespondedAt),
		nullTm(d.SellerRefundDeadline), nullTm(d.SellerRefundConfirmedAt), d.SellerRefundLate,
		nullTm(d.EscalatedAt), nullTm(d.ResolvedAt), nullTm(d.ClosedAt), d.UpdatedAt,
		d.ID, d.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) ListResponseOverdue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = $1 AND respond_by <= $2
		ORDER BY respond_by
		LIMIT $3`, string(StatusPending), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDisputes(rows)
}

func (p *PostgresStore) AddComment(ctx context.Context, c *Comment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_comments (id, dispute_id, author_id, role, type, body, attachments, internal, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.DisputeID, nullStr(c.AuthorID), c.Role, c.Type, c.Body, pq.Array(c.Attachments), c.Internal, c.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Comments(ctx context.Context, disputeID string, includeInternal bool) ([]*Comment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, author_id, role, type, body, attachments, internal, created_at
		FROM dispute_comments
		WHERE dispute_id = $1 AND (internal = FALSE OR $2)
		ORDER BY created_at`, disputeID, includeInternal)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Comment
	for rows.Next() {
		c := &Comment{}
		var authorID sql.NullString
		if err := rows.Scan(&c.ID, &c.DisputeID, &authorID, &c.Role, &c.Type, &c.Body, pq.Array(&c.Attachments), &c.Internal, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.AuthorID = authorID.String
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s rowScanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status, resolution      string
		resolvedBy              sql.NullString
		refundAmount            int64
		respondBy, respondedAt  sql.NullTime
		refundDeadline          sql.NullTime
		refundConfirmedAt       sql.NullTime
		escalatedAt, resolvedAt sql.NullTime
		closedAt                sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.TransactionID, &d.BuyerID, &d.SellerID, &d.OpenedBy, &d.RespondentID,
		&d.Reason, &d.Description,
		&status, &resolution, &resolvedBy, &refundAmount,
		&respondBy, &respondedAt,
		&refundDeadline, &refundConfirmedAt, &d.SellerRefundLate,
		&escalatedAt, &resolvedAt, &closedAt, &d.CreatedAt, &d.UpdatedAt, &d.Version,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Resolution = Resolution(resolution)
	d.ResolvedBy = resolvedBy.String
	d.RefundAmount = money.Amount(refundAmount)
	d.RespondBy = tmPtr(respondBy)
	d.RespondedAt = tmPtr(respondedAt)
	d.SellerRefundDeadline = tmPtr(refundDeadline)
	d.SellerRefundConfirmedAt = tmPtr(refundConfirmedAt)
	d.EscalatedAt = tmPtr(escalatedAt)
	d.ResolvedAt = tmPtr(resolvedAt)
	d.ClosedAt = tmPtr(closedAt)
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTm(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func tmPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
