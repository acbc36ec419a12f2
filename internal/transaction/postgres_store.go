package transaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/tradesafe/internal/money"
	"github.com/mbd888/tradesafe/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, reference, listing_id, buyer_id, seller_id,
	       item_price, shipping_cost, platform_fee, protection_fee, vat_amount,
	       total_amount, seller_net,
	       status, dispute_id, settlement_ref, payout_account, payout_id,
	       created_at, paid_at, buyer_confirmed_at, auto_release_at,
	       released_at, refunded_at, canceled_at,
	       contacted_at, payment_deadline, reminder_count, last_reminder_at, deadline_missed,
	       version, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, reference, listing_id, buyer_id, seller_id,
			item_price, shipping_cost, platform_fee, protection_fee, vat_amount,
			total_amount, seller_net,
			status, dispute_id, settlement_ref, payout_account, payout_id,
			created_at, paid_at, buyer_confirmed_at, auto_release_at,
			released_at, refunded_at, canceled_at,
			contacted_at, payment_deadline, reminder_count, last_reminder_at, deadline_missed,
			version, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24,
			$25, $26, $27, $28, $29,
			$30, $31
		)`,
		t.ID, t.Reference, t.ListingID, t.BuyerID, t.SellerID,
		int64(t.ItemPrice), int64(t.ShippingCost), int64(t.PlatformFee), int64(t.ProtectionFee), int64(t.VATAmount),
		int64(t.TotalAmount), int64(t.SellerNet),
		string(t.Status), nullString(t.DisputeID), nullString(t.SettlementRef), nullString(t.PayoutAccount), nullString(t.PayoutID),
		t.CreatedAt, nullTime(t.PaidAt), nullTime(t.BuyerConfirmedAt), nullTime(t.AutoReleaseAt),
		nullTime(t.ReleasedAt), nullTime(t.RefundedAt), nullTime(t.CanceledAt),
		nullTime(t.ContactedAt), nullTime(t.PaymentDeadline), t.ReminderCount, nullTime(t.LastReminderAt), t.DeadlineMissed,
		t.Version, t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) GetOpenByBuyerListing(ctx context.Context, buyerID, listingID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE buyer_id = $1 AND listing_id = $2
		  AND released_at IS NULL AND refunded_at IS NULL AND canceled_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`, buyerID, listingID)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, dispute_id = $2, settlement_ref = $3, payout_account = $4, payout_id = $5,
			paid_at = $6, buyer_confirmed_at = $7, auto_release_at = $8,
			released_at = $9, refunded_at = $10, canceled_at = $11,
			contacted_at = $12, payment_deadline = $13, reminder_count = $14,
			last_reminder_at = $15, deadline_missed = $16,
			updated_at = $17, version = version + 1
		WHERE id = $18 AND version = $19`,
		string(t.Status), nullString(t.DisputeID), nullString(t.SettlementRef), nullString(t.PayoutAccount), nullString(t.PayoutID),
		nullTime(t.PaidAt), nullTime(t.BuyerConfirmedAt), nullTime(t.AutoReleaseAt),
		nullTime(t.ReleasedAt), nullTime(t.RefundedAt), nullTime(t.CanceledAt),
		nullTime(t.ContactedAt), nullTime(t.PaymentDeadline), t.ReminderCount,
		nullTime(t.LastReminderAt), t.DeadlineMissed,
		t.UpdatedAt, t.ID, t.Version,
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
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}
	t.Version++
	return nil
}

func (p *PostgresStore) MarkReleased(ctx context.Context, id string, version int64, at time.Time, payoutID string) error {
	// The WHERE clause re-checks the dispute pointer at write time: a
	// dispute opened between the sweep's read and this write makes the
	// update match zero rows.
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			released_at = $1, payout_id = $2, status = $3, updated_at = $1, version = version + 1
		WHERE id = $4 AND version = $5
		  AND dispute_id IS NULL
		  AND released_at IS NULL AND refunded_at IS NULL AND canceled_at IS NULL`,
		at, nullString(payoutID), string(StatusReleased), id, version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConcurrentModification
	}
	return nil
}

func (p *PostgresStore) ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE paid_at IS NOT NULL
		  AND dispute_id IS NULL
		  AND released_at IS NULL AND refunded_at IS NULL AND canceled_at IS NULL
		  AND (auto_release_at <= $1 OR buyer_confirmed_at IS NOT NULL)
		ORDER BY auto_release_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListDeferredUnpaid(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE contacted_at IS NOT NULL
		  AND paid_at IS NULL AND canceled_at IS NULL
		ORDER BY contacted_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	query := `
		SELECT ` + txnColumns + `
		FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT ` + fmt.Sprintf("$%d", len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListNeedingAttention(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM transactions
		WHERE released_at IS NULL AND refunded_at IS NULL AND canceled_at IS NULL
		  AND (
			dispute_id IS NOT NULL
			OR deadline_missed
			OR (paid_at IS NOT NULL AND auto_release_at < $1)
			OR (paid_at IS NOT NULL AND settlement_ref IS NULL)
		  )
		ORDER BY updated_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) NextReference(ctx context.Context) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('transaction_reference_seq')`).Scan(&seq)
	return seq, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status        string
		disputeID     sql.NullString
		settlementRef sql.NullString
		payoutAccount sql.NullString
		payoutID      sql.NullString

		itemPrice, shippingCost, platformFee, protectionFee int64
		vatAmount, totalAmount, sellerNet                   int64

		paidAt, buyerConfirmedAt, autoReleaseAt sql.NullTime
		releasedAt, refundedAt, canceledAt      sql.NullTime
		contactedAt, paymentDeadline            sql.NullTime
		lastReminderAt                          sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.Reference, &t.ListingID, &t.BuyerID, &t.SellerID,
		&itemPrice, &shippingCost, &platformFee, &protectionFee, &vatAmount,
		&totalAmount, &sellerNet,
		&status, &disputeID, &settlementRef, &payoutAccount, &payoutID,
		&t.CreatedAt, &paidAt, &buyerConfirmedAt, &autoReleaseAt,
		&releasedAt, &refundedAt, &canceledAt,
		&contactedAt, &paymentDeadline, &t.ReminderCount, &lastReminderAt, &t.DeadlineMissed,
		&t.Version, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ItemPrice = money.Amount(itemPrice)
	t.ShippingCost = money.Amount(shippingCost)
	t.PlatformFee = money.Amount(platformFee)
	t.ProtectionFee = money.Amount(protectionFee)
	t.VATAmount = money.Amount(vatAmount)
	t.TotalAmount = money.Amount(totalAmount)
	t.SellerNet = money.Amount(sellerNet)

	t.Status = Status(status)
	t.DisputeID = disputeID.String
	t.SettlementRef = settlementRef.String
	t.PayoutAccount = payoutAccount.String
	t.PayoutID = payoutID.String

	t.PaidAt = timePtr(paidAt)
	t.BuyerConfirmedAt = timePtr(buyerConfirmedAt)
	t.AutoReleaseAt = timePtr(autoReleaseAt)
	t.ReleasedAt = timePtr(releasedAt)
	t.RefundedAt = timePtr(refundedAt)
	t.CanceledAt = timePtr(canceledAt)
	t.ContactedAt = timePtr(contactedAt)
	t.PaymentDeadline = timePtr(paymentDeadline)
	t.LastReminderAt = timePtr(lastReminderAt)

	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
