package repositories

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"bookly/internal/models"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var pendingPaymentColumnNames = []string{"reference", "subscriber_id", "plan_id", "amount", "currency", "notifications_requested",
	"customer_email", "gateway_payment_id", "gateway_transaction_id", "status", "created_at", "completed_at"}

func pendingPaymentRows(payments ...*models.PendingPayment) *pgxmock.Rows {
	rows := pgxmock.NewRows(pendingPaymentColumnNames)
	for _, p := range payments {
		rows.AddRow(p.Reference, p.SubscriberID, p.PlanID, p.Amount, p.Currency, p.NotificationsRequested,
			p.CustomerEmail, p.GatewayPaymentID, p.GatewayTransactionID, p.Status, p.CreatedAt, p.CompletedAt)
	}
	return rows
}

type PendingPaymentRepoTestSuite struct {
	suite.Suite
	mock    pgxmock.PgxPoolIface
	repo    PendingPaymentRepository
	context context.Context
	payment *models.PendingPayment
}

func (suite *PendingPaymentRepoTestSuite) SetupTest() {
	mock, err := pgxmock.NewPool()
	require.NoError(suite.T(), err)
	suite.mock = mock
	suite.repo = NewPendingPaymentRepo(mock)
	suite.context = context.Background()

	subscriberID := uuid.New()
	email := "owner@salon.example"
	suite.payment = &models.PendingPayment{
		Reference:              "bk1.0123.basic.lx1.abc",
		SubscriberID:           &subscriberID,
		PlanID:                 "basic",
		Amount:                 4990000,
		Currency:               "COP",
		NotificationsRequested: false,
		CustomerEmail:          &email,
		Status:                 models.PaymentPending,
		CreatedAt:              time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC),
	}
}

func (suite *PendingPaymentRepoTestSuite) TearDownTest() {
	assert.NoError(suite.T(), suite.mock.ExpectationsWereMet())
	suite.mock.Close()
}

func TestPendingPaymentRepoTestSuite(t *testing.T) {
	suite.Run(t, new(PendingPaymentRepoTestSuite))
}

func (suite *PendingPaymentRepoTestSuite) insertArgs() []interface{} {
	p := suite.payment
	return []interface{}{p.Reference, p.SubscriberID, p.PlanID, p.Amount, p.Currency, p.NotificationsRequested,
		p.CustomerEmail, p.Status, p.CreatedAt}
}

func (suite *PendingPaymentRepoTestSuite) TestCreate() {
	suite.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO pending_payments")).
		WithArgs(suite.insertArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	assert.NoError(suite.T(), suite.repo.Create(suite.context, suite.payment))
}

func (suite *PendingPaymentRepoTestSuite) TestCreateIfAbsent() {
	suite.mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (reference) DO NOTHING")).
		WithArgs(suite.insertArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	suite.mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (reference) DO NOTHING")).
		WithArgs(suite.insertArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	created, err := suite.repo.CreateIfAbsent(suite.context, suite.payment)
	require.NoError(suite.T(), err)
	assert.True(suite.T(), created)

	created, err = suite.repo.CreateIfAbsent(suite.context, suite.payment)
	require.NoError(suite.T(), err)
	assert.False(suite.T(), created)
}

func (suite *PendingPaymentRepoTestSuite) TestGetByReference() {
	suite.mock.ExpectQuery(regexp.QuoteMeta("FROM pending_payments WHERE reference = $1")).
		WithArgs(suite.payment.Reference).
		WillReturnRows(pendingPaymentRows(suite.payment))

	got, err := suite.repo.GetByReference(suite.context, suite.payment.Reference)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), *suite.payment.SubscriberID, *got.SubscriberID)
	assert.Equal(suite.T(), int64(4990000), got.Amount)
	assert.Equal(suite.T(), models.PaymentPending, got.Status)
	assert.Nil(suite.T(), got.CompletedAt)
}

func (suite *PendingPaymentRepoTestSuite) TestCompletePending_Transitions() {
	completedAt := time.Date(2025, 6, 10, 15, 5, 0, 0, time.UTC)
	approved := *suite.payment
	approved.Status = models.PaymentApproved
	approved.CompletedAt = &completedAt

	suite.mock.ExpectQuery(regexp.QuoteMeta("WHERE reference = $1 AND status = 'pending'")).
		WithArgs(suite.payment.Reference, models.PaymentApproved, completedAt).
		WillReturnRows(pendingPaymentRows(&approved))

	got, err := suite.repo.CompletePending(suite.context, suite.payment.Reference, models.PaymentApproved, completedAt)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.PaymentApproved, got.Status)
	assert.Equal(suite.T(), completedAt, *got.CompletedAt)
}

func (suite *PendingPaymentRepoTestSuite) TestCompletePending_AlreadyTerminal() {
	completedAt := time.Date(2025, 6, 10, 15, 5, 0, 0, time.UTC)

	suite.mock.ExpectQuery(regexp.QuoteMeta("WHERE reference = $1 AND status = 'pending'")).
		WithArgs(suite.payment.Reference, models.PaymentFailed, completedAt).
		WillReturnRows(pendingPaymentRows())

	_, err := suite.repo.CompletePending(suite.context, suite.payment.Reference, models.PaymentFailed, completedAt)

	assert.ErrorIs(suite.T(), err, pgx.ErrNoRows)
}

func (suite *PendingPaymentRepoTestSuite) TestSetSubscriber() {
	subscriberID := uuid.New()

	suite.mock.ExpectExec(regexp.QuoteMeta("AND subscriber_id IS NULL")).
		WithArgs(suite.payment.Reference, subscriberID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	n, err := suite.repo.SetSubscriber(suite.context, suite.payment.Reference, subscriberID)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(0), n)
}

func (suite *PendingPaymentRepoTestSuite) TestSetGatewayIDs() {
	suite.mock.ExpectExec(regexp.QuoteMeta("SET gateway_payment_id = $2")).
		WithArgs(suite.payment.Reference, "pi_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	suite.mock.ExpectExec(regexp.QuoteMeta("AND gateway_transaction_id IS NULL")).
		WithArgs(suite.payment.Reference, "tx-1").
		WillReturnError(errors.New("connection reset"))

	assert.NoError(suite.T(), suite.repo.SetGatewayPaymentID(suite.context, suite.payment.Reference, "pi_1"))
	assert.Error(suite.T(), suite.repo.SetGatewayTransactionID(suite.context, suite.payment.Reference, "tx-1"))
}

func (suite *PendingPaymentRepoTestSuite) TestListPendingBefore() {
	cutoff := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	second := *suite.payment
	second.Reference = "bk1.anon.pro.lx2.def"
	second.SubscriberID = nil
	second.PlanID = "pro"

	suite.mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at ASC")).
		WithArgs(cutoff, 50).
		WillReturnRows(pendingPaymentRows(suite.payment, &second))

	payments, err := suite.repo.ListPendingBefore(suite.context, cutoff, 50)

	require.NoError(suite.T(), err)
	require.Len(suite.T(), payments, 2)
	assert.Equal(suite.T(), suite.payment.Reference, payments[0].Reference)
	assert.Nil(suite.T(), payments[1].SubscriberID)
	assert.Equal(suite.T(), "pro", payments[1].PlanID)
}
