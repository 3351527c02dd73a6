package repositories

import (
	"context"
	"errors"
	"strings"
	"time"

	"bookly/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type SubscriberRepository interface {
	Create(ctx context.Context, subscriber *models.Subscriber) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error)
	GetByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	ApplyRenewal(ctx context.Context, w RenewalWrite) (*models.Subscriber, bool, error)
	IsReferenceApplied(ctx context.Context, reference string) (bool, error)
	SetState(ctx context.Context, id uuid.UUID, state, accountStatus string, changedAt time.Time) (*models.Subscriber, error)
	ExpireLapsed(ctx context.Context, today, changedAt time.Time) (int64, error)
}

// RenewalWrite is a compare-and-swap activation of one subscriber row. It
// only applies while the row still carries ExpectedVersion and Reference
// has never been applied to any subscriber.
type RenewalWrite struct {
	SubscriberID         uuid.UUID
	ExpectedVersion      int64
	PlanID               string
	ExpiresAt            time.Time
	NotificationsEnabled bool
	Reference            *string
	ChangedAt            time.Time
}

const subscriberColumns = `id, email, business_name, subscription_state, plan_id, subscription_expires_at,
		notifications_enabled, account_status, last_state_change_at, last_payment_reference, version, created_at`

type subscriberRepo struct {
	db DBTX
}

func NewSubscriberRepo(db DBTX) SubscriberRepository {
	return &subscriberRepo{db: db}
}

func scanSubscriber(row pgx.Row) (*models.Subscriber, error) {
	s := &models.Subscriber{}
	err := row.Scan(&s.ID, &s.Email, &s.BusinessName, &s.SubscriptionState, &s.PlanID, &s.SubscriptionExpiresAt,
		&s.NotificationsEnabled, &s.AccountStatus, &s.LastStateChangeAt, &s.LastPaymentReference, &s.Version, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *subscriberRepo) Create(ctx context.Context, subscriber *models.Subscriber) error {
	query := `
		INSERT INTO subscribers (id, email, business_name, subscription_state, plan_id, subscription_expires_at,
			notifications_enabled, account_status, last_state_change_at, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), 1, NOW())
	`
	_, err := r.db.Exec(ctx, query, subscriber.ID, strings.ToLower(subscriber.Email), subscriber.BusinessName,
		subscriber.SubscriptionState, subscriber.PlanID, subscriber.SubscriptionExpiresAt,
		subscriber.NotificationsEnabled, subscriber.AccountStatus)
	return err
}

func (r *subscriberRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE id = $1`
	return scanSubscriber(r.db.QueryRow(ctx, query, id))
}

func (r *subscriberRepo) GetByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE email = $1`
	return scanSubscriber(r.db.QueryRow(ctx, query, strings.ToLower(strings.TrimSpace(email))))
}

// ApplyRenewal returns applied=false (and no error) when the CAS guard did
// not match, so the caller can re-read and decide. The reference is recorded
// in applied_payment_references by the same statement, so the row update and
// the record commit together or not at all.
func (r *subscriberRepo) ApplyRenewal(ctx context.Context, w RenewalWrite) (*models.Subscriber, bool, error) {
	query := `
		WITH renewed AS (
			UPDATE subscribers
			SET subscription_state = 'active', plan_id = $3, subscription_expires_at = $4, notifications_enabled = $5,
				account_status = 'Active', last_state_change_at = $6,
				last_payment_reference = COALESCE($7, last_payment_reference), version = version + 1
			WHERE id = $1 AND version = $2
				AND ($7::text IS NULL OR NOT EXISTS (SELECT 1 FROM applied_payment_references WHERE reference = $7))
			RETURNING ` + subscriberColumns + `
		), recorded AS (
			INSERT INTO applied_payment_references (reference, subscriber_id, applied_at)
			SELECT $7, id, $6 FROM renewed WHERE $7::text IS NOT NULL
		)
		SELECT ` + subscriberColumns + ` FROM renewed`
	s, err := scanSubscriber(r.db.QueryRow(ctx, query, w.SubscriberID, w.ExpectedVersion, w.PlanID, w.ExpiresAt,
		w.NotificationsEnabled, w.ChangedAt, w.Reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// IsReferenceApplied reports whether a payment reference has ever extended
// a subscription.
func (r *subscriberRepo) IsReferenceApplied(ctx context.Context, reference string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM applied_payment_references WHERE reference = $1)`
	var applied bool
	if err := r.db.QueryRow(ctx, query, reference).Scan(&applied); err != nil {
		return false, err
	}
	return applied, nil
}

func (r *subscriberRepo) SetState(ctx context.Context, id uuid.UUID, state, accountStatus string, changedAt time.Time) (*models.Subscriber, error) {
	query := `
		UPDATE subscribers
		SET subscription_state = $2, account_status = $3, last_state_change_at = $4, version = version + 1
		WHERE id = $1
		RETURNING ` + subscriberColumns
	return scanSubscriber(r.db.QueryRow(ctx, query, id, state, accountStatus, changedAt))
}

func (r *subscriberRepo) ExpireLapsed(ctx context.Context, today, changedAt time.Time) (int64, error) {
	query := `
		UPDATE subscribers
		SET subscription_state = $3, account_status = $4, last_state_change_at = $2, version = version + 1
		WHERE subscription_state = $5 AND subscription_expires_at < $1
	`
	tag, err := r.db.Exec(ctx, query, today, changedAt, models.SubscriptionExpired,
		models.AccountStatusFor(models.SubscriptionExpired), models.SubscriptionActive)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
