package repositories

import (
	"context"
	"time"

	"bookly/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type PendingPaymentRepository interface {
	Create(ctx context.Context, payment *models.PendingPayment) error
	CreateIfAbsent(ctx context.Context, payment *models.PendingPayment) (bool, error)
	GetByReference(ctx context.Context, reference string) (*models.PendingPayment, error)
	CompletePending(ctx context.Context, reference, status string, completedAt time.Time) (*models.PendingPayment, error)
	SetSubscriber(ctx context.Context, reference string, subscriberID uuid.UUID) (int64, error)
	SetGatewayPaymentID(ctx context.Context, reference, gatewayPaymentID string) error
	SetGatewayTransactionID(ctx context.Context, reference, transactionID string) error
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.PendingPayment, error)
}

const pendingPaymentColumns = `reference, subscriber_id, plan_id, amount, currency, notifications_requested,
		customer_email, gateway_payment_id, gateway_transaction_id, status, created_at, completed_at`

type pendingPaymentRepo struct {
	db DBTX
}

func NewPendingPaymentRepo(db DBTX) PendingPaymentRepository {
	return &pendingPaymentRepo{db: db}
}

func scanPendingPayment(row pgx.Row) (*models.PendingPayment, error) {
	p := &models.PendingPayment{}
	err := row.Scan(&p.Reference, &p.SubscriberID, &p.PlanID, &p.Amount, &p.Currency, &p.NotificationsRequested,
		&p.CustomerEmail, &p.GatewayPaymentID, &p.GatewayTransactionID, &p.Status, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *pendingPaymentRepo) Create(ctx context.Context, payment *models.PendingPayment) error {
	query := `
		INSERT INTO pending_payments (reference, subscriber_id, plan_id, amount, currency, notifications_requested,
			customer_email, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query, payment.Reference, payment.SubscriberID, payment.PlanID, payment.Amount,
		payment.Currency, payment.NotificationsRequested, payment.CustomerEmail, payment.Status, payment.CreatedAt)
	return err
}

func (r *pendingPaymentRepo) CreateIfAbsent(ctx context.Context, payment *models.PendingPayment) (bool, error) {
	query := `
		INSERT INTO pending_payments (reference, subscriber_id, plan_id, amount, currency, notifications_requested,
			customer_email, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (reference) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, payment.Reference, payment.SubscriberID, payment.PlanID, payment.Amount,
		payment.Currency, payment.NotificationsRequested, payment.CustomerEmail, payment.Status, payment.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pendingPaymentRepo) GetByReference(ctx context.Context, reference string) (*models.PendingPayment, error) {
	query := `SELECT ` + pendingPaymentColumns + ` FROM pending_payments WHERE reference = $1`
	return scanPendingPayment(r.db.QueryRow(ctx, query, reference))
}

// CompletePending moves a pending row to a terminal status. It returns
// pgx.ErrNoRows when the row is missing or no longer pending.
func (r *pendingPaymentRepo) CompletePending(ctx context.Context, reference, status string, completedAt time.Time) (*models.PendingPayment, error) {
	query := `
		UPDATE pending_payments
		SET status = $2, completed_at = $3
		WHERE reference = $1 AND status = 'pending'
		RETURNING ` + pendingPaymentColumns
	return scanPendingPayment(r.db.QueryRow(ctx, query, reference, status, completedAt))
}

func (r *pendingPaymentRepo) SetSubscriber(ctx context.Context, reference string, subscriberID uuid.UUID) (int64, error) {
	query := `
		UPDATE pending_payments
		SET subscriber_id = $2
		WHERE reference = $1 AND status = 'pending' AND subscriber_id IS NULL
	`
	tag, err := r.db.Exec(ctx, query, reference, subscriberID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *pendingPaymentRepo) SetGatewayPaymentID(ctx context.Context, reference, gatewayPaymentID string) error {
	query := `UPDATE pending_payments SET gateway_payment_id = $2 WHERE reference = $1`
	_, err := r.db.Exec(ctx, query, reference, gatewayPaymentID)
	return err
}

func (r *pendingPaymentRepo) SetGatewayTransactionID(ctx context.Context, reference, transactionID string) error {
	query := `
		UPDATE pending_payments
		SET gateway_transaction_id = $2
		WHERE reference = $1 AND gateway_transaction_id IS NULL
	`
	_, err := r.db.Exec(ctx, query, reference, transactionID)
	return err
}

func (r *pendingPaymentRepo) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.PendingPayment, error) {
	query := `
		SELECT ` + pendingPaymentColumns + `
		FROM pending_payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*models.PendingPayment
	for rows.Next() {
		p, err := scanPendingPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
