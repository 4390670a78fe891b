package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/audit"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/database/dbtest"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/jobqueue"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/mail"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/usage"
)

type funcSender struct {
	calls int32
	fn    func(models.ScheduledDelivery) error
}

func (s *funcSender) Send(_ context.Context, d models.ScheduledDelivery) error {
	atomic.AddInt32(&s.calls, 1)
	if s.fn == nil {
		return nil
	}
	return s.fn(d)
}

type workerFixture struct {
	worker   *Worker
	db       *gorm.DB
	ledger   *usage.Ledger
	message  *funcSender
	physical *funcSender
	sink     *audit.MemorySink
}

func newTestWorker(t *testing.T, physicalCredits int) workerFixture {
	t.Helper()
	db := dbtest.New(t)
	require.NoError(t, db.Create(&models.User{ID: "u1", Email: "u1@example.com"}).Error)
	ledger := usage.NewLedger(db)
	if physicalCredits > 0 {
		_, err := ledger.Grant(context.Background(), "u1", models.CreditTypePhysical, physicalCredits, "seed")
		require.NoError(t, err)
	}
	f := workerFixture{
		db:       db,
		ledger:   ledger,
		message:  &funcSender{},
		physical: &funcSender{},
		sink:     audit.NewMemorySink(),
	}
	f.worker = NewWorker(db, ledger, f.sink, map[string]Sender{
		models.DeliveryChannelMessage:      f.message,
		models.DeliveryChannelPhysicalMail: f.physical,
	})
	f.worker.now = func() time.Time { return sweepNow }
	return f
}

func (f workerFixture) balance(t *testing.T) int {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), "u1", models.CreditTypePhysical)
	require.NoError(t, err)
	return b
}

func TestWorker_DeliverMessage(t *testing.T) {
	f := newTestWorker(t, 0)
	insertDelivery(t, f.db, deliveryFixture{id: "d1", deliverIn: -time.Minute, touched: time.Minute})

	require.NoError(t, f.worker.Deliver(context.Background(), "d1"))

	d := loadDelivery(t, f.db, "d1")
	assert.Equal(t, models.DeliveryStatusSent, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	require.NotNil(t, d.SentAt)
	assert.Equal(t, int32(1), f.message.calls)

	var period models.UsagePeriod
	require.NoError(t, f.db.Where("user_id = ?", "u1").First(&period).Error)
	assert.Equal(t, 1, period.MessagesSent)
	assert.Zero(t, period.MailsSent)
	assert.Equal(t, 1, f.sink.Count(audit.EventDeliverySent))
}

func TestWorker_DeliverPhysicalMailConsumesCredit(t *testing.T) {
	f := newTestWorker(t, 2)
	insertDelivery(t, f.db, deliveryFixture{id: "d1", channel: models.DeliveryChannelPhysicalMail, deliverIn: -time.Minute, touched: time.Minute})
	insertDelivery(t, f.db, deliveryFixture{id: "d2", channel: models.DeliveryChannelPhysicalMail, deliverIn: -time.Minute, touched: time.Minute})

	require.NoError(t, f.worker.Deliver(context.Background(), "d1"))
	require.NoError(t, f.worker.Deliver(context.Background(), "d2"))
	assert.Equal(t, 0, f.balance(t))

	var period models.UsagePeriod
	require.NoError(t, f.db.Where("user_id = ?", "u1").First(&period).Error)
	assert.Equal(t, 2, period.MailsSent)

	ok, err := f.ledger.Verify(context.Background(), "u1", models.CreditTypePhysical)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorker_InsufficientCreditsFails(t *testing.T) {
	f := newTestWorker(t, 0)
	insertDelivery(t, f.db, deliveryFixture{id: "d1", channel: models.DeliveryChannelPhysicalMail, deliverIn: -time.Minute, touched: time.Minute})

	err := f.worker.Deliver(context.Background(), "d1")
	require.Error(t, err)
	assert.False(t, retry.Classify(err).Retryable)
	assert.ErrorIs(t, err, usage.ErrInsufficientCredits)

	assert.Equal(t, models.DeliveryStatusFailed, loadDelivery(t, f.db, "d1").Status)
	assert.Zero(t, f.physical.calls)
}

func TestWorker_RetryableFailureReschedules(t *testing.T) {
	f := newTestWorker(t, 1)
	f.physical.fn = func(models.ScheduledDelivery) error {
		return &retry.HTTPError{StatusCode: 502, Channel: models.DeliveryChannelPhysicalMail}
	}
	insertDelivery(t, f.db, deliveryFixture{id: "d1", channel: models.DeliveryChannelPhysicalMail, deliverIn: -time.Minute, touched: time.Minute})

	err := f.worker.Deliver(context.Background(), "d1")
	require.Error(t, err)
	classified := retry.Classify(err)
	assert.True(t, classified.Retryable)
	assert.Equal(t, retry.CodeTemporaryProviderError, classified.Code)

	d := loadDelivery(t, f.db, "d1")
	assert.Equal(t, models.DeliveryStatusScheduled, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	assert.NotEmpty(t, d.LastError)
	// The credit stays deducted while a retry is pending.
	assert.Equal(t, 0, f.balance(t))
	assert.Equal(t, 1, f.sink.Count(audit.EventDeliveryRetrying))

	// The retry reuses the deduction instead of charging again.
	f.physical.fn = nil
	require.NoError(t, f.worker.Deliver(context.Background(), "d1"))
	assert.Equal(t, 0, f.balance(t))
	assert.Equal(t, 2, loadDelivery(t, f.db, "d1").AttemptCount)
}

func TestWorker_ExhaustedAttemptsFailAndRefund(t *testing.T) {
	f := newTestWorker(t, 1)
	f.physical.fn = func(models.ScheduledDelivery) error {
		return &retry.HTTPError{StatusCode: 503}
	}
	insertDelivery(t, f.db, deliveryFixture{id: "d1", channel: models.DeliveryChannelPhysicalMail, deliverIn: -time.Minute, touched: time.Minute, attempts: retry.MaxAttempts - 1})

	err := f.worker.Deliver(context.Background(), "d1")
	require.Error(t, err)
	assert.False(t, retry.Classify(err).Retryable)

	d := loadDelivery(t, f.db, "d1")
	assert.Equal(t, models.DeliveryStatusFailed, d.Status)
	assert.Equal(t, retry.MaxAttempts, d.AttemptCount)
	assert.Equal(t, 1, f.balance(t))
	assert.Equal(t, 1, f.sink.Count(audit.EventDeliveryFailed))
}

func TestWorker_NonRetryableFailure(t *testing.T) {
	f := newTestWorker(t, 0)
	f.message.fn = func(models.ScheduledDelivery) error {
		return retry.NewInvalidEmail("mailbox does not exist", nil)
	}
	insertDelivery(t, f.db, deliveryFixture{id: "d1", deliverIn: -time.Minute, touched: time.Minute})

	err := f.worker.Deliver(context.Background(), "d1")
	require.Error(t, err)
	assert.Equal(t, retry.CodeInvalidEmail, retry.Classify(err).Code)
	assert.Equal(t, models.DeliveryStatusFailed, loadDelivery(t, f.db, "d1").Status)
}

func TestWorker_PhysicalMailWithoutProviderFailsAndRefunds(t *testing.T) {
	f := newTestWorker(t, 1)
	unconfigured := NewPhysicalMailSender(nil, "")
	f.physical.fn = func(d models.ScheduledDelivery) error {
		return unconfigured.Send(context.Background(), d)
	}
	insertDelivery(t, f.db, deliveryFixture{id: "d1", channel: models.DeliveryChannelPhysicalMail, recipient: "adr_home", deliverIn: -time.Minute, touched: time.Minute})

	err := f.worker.Deliver(context.Background(), "d1")
	require.Error(t, err)
	assert.Equal(t, retry.CodeConfigurationError, retry.Classify(err).Code)

	d := loadDelivery(t, f.db, "d1")
	assert.Equal(t, models.DeliveryStatusFailed, d.Status)
	assert.Nil(t, d.SentAt)
	assert.Equal(t, 1, f.balance(t))
}

func TestWorker_SkipsTerminalAndMissing(t *testing.T) {
	f := newTestWorker(t, 0)
	insertDelivery(t, f.db, deliveryFixture{id: "sent", status: models.DeliveryStatusSent, deliverIn: -time.Hour, touched: time.Hour})
	insertDelivery(t, f.db, deliveryFixture{id: "canceled", status: models.DeliveryStatusCanceled, deliverIn: -time.Hour, touched: time.Hour})

	assert.NoError(t, f.worker.Deliver(context.Background(), "sent"))
	assert.NoError(t, f.worker.Deliver(context.Background(), "canceled"))
	assert.Zero(t, f.message.calls)

	err := f.worker.Deliver(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, retry.CodeNotFound, retry.Classify(err).Code)
}

func TestWorker_UnknownChannel(t *testing.T) {
	f := newTestWorker(t, 0)
	insertDelivery(t, f.db, deliveryFixture{id: "d1", channel: "pigeon", deliverIn: -time.Minute, touched: time.Minute})

	err := f.worker.Deliver(context.Background(), "d1")
	require.Error(t, err)
	assert.Equal(t, retry.CodeConfigurationError, retry.Classify(err).Code)
	assert.Equal(t, models.DeliveryStatusFailed, loadDelivery(t, f.db, "d1").Status)
}

func TestWorker_ConcurrentDeliverSendsOnce(t *testing.T) {
	f := newTestWorker(t, 0)
	insertDelivery(t, f.db, deliveryFixture{id: "d1", deliverIn: -time.Minute, touched: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.worker.Deliver(context.Background(), "d1")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.message.calls))
	assert.Equal(t, models.DeliveryStatusSent, loadDelivery(t, f.db, "d1").Status)
}

func TestWorker_HandleJob(t *testing.T) {
	f := newTestWorker(t, 0)
	insertDelivery(t, f.db, deliveryFixture{id: "d1", deliverIn: -time.Minute, touched: time.Minute})

	job := &jobqueue.Job{
		Type:    jobqueue.JobTypeDeliveryScheduled,
		Payload: jobqueue.DeliveryPayload{DeliveryID: "d1", UserID: "u1", Attempt: 1}.ToMap(),
	}
	require.NoError(t, f.worker.HandleJob(context.Background(), job))
	assert.Equal(t, models.DeliveryStatusSent, loadDelivery(t, f.db, "d1").Status)

	err := f.worker.HandleJob(context.Background(), &jobqueue.Job{Payload: map[string]interface{}{}})
	require.Error(t, err)
	assert.False(t, retry.Classify(err).Retryable)
}

func TestSenders(t *testing.T) {
	ctx := context.Background()

	var sentTo string
	mailer := mailerFunc(func(_ context.Context, to, _, body string) error {
		sentTo = to
		assert.Contains(t, body, "https://capsule.test/deliveries/d1")
		return nil
	})
	msg := NewMessageSender(mailer, "https://capsule.test/")
	require.NoError(t, msg.Send(ctx, models.ScheduledDelivery{ID: "d1", Recipient: " me@future.test "}))
	assert.Equal(t, "me@future.test", sentTo)

	err := msg.Send(ctx, models.ScheduledDelivery{ID: "d2", Recipient: "nobody"})
	assert.Equal(t, retry.CodeInvalidEmail, retry.Classify(err).Code)

	var letters []mail.Letter
	provider := letterFunc(func(_ context.Context, l mail.Letter) (mail.SentLetter, error) {
		letters = append(letters, l)
		return mail.SentLetter{ID: "ltr_1", ExpectedDeliveryDate: "2026-05-14"}, nil
	})
	physical := NewPhysicalMailSender(provider, "https://capsule.test")
	require.NoError(t, physical.Send(ctx, models.ScheduledDelivery{ID: "d3", Recipient: "adr_home", MailClass: models.MailClassStandard}))
	require.Len(t, letters, 1)
	assert.Equal(t, "adr_home", letters[0].To)
	assert.Equal(t, "usps_standard", letters[0].MailType)
	assert.Equal(t, "delivery-d3", letters[0].IdempotencyKey)
	assert.Contains(t, letters[0].HTML, "https://capsule.test/deliveries/d3")

	err = physical.Send(ctx, models.ScheduledDelivery{ID: "d4"})
	assert.Equal(t, retry.CodeInvalidAddress, retry.Classify(err).Code)

	err = physical.Send(ctx, models.ScheduledDelivery{ID: "d5", Recipient: "adr_home", MailClass: "overnight"})
	assert.Equal(t, retry.CodeInvalidDelivery, retry.Classify(err).Code)
	assert.Len(t, letters, 1)

	err = NewPhysicalMailSender(nil, "").Send(ctx, models.ScheduledDelivery{ID: "d7", Recipient: "adr_home"})
	classified := retry.Classify(err)
	assert.Equal(t, retry.CodeConfigurationError, classified.Code)
	assert.False(t, classified.Retryable)

	mailerErr := errors.New("smtp down")
	failing := NewMessageSender(mailerFunc(func(context.Context, string, string, string) error { return mailerErr }), "")
	assert.ErrorIs(t, failing.Send(ctx, models.ScheduledDelivery{ID: "d6", Recipient: "a@b.test"}), mailerErr)
}

type letterFunc func(ctx context.Context, l mail.Letter) (mail.SentLetter, error)

func (f letterFunc) SendLetter(ctx context.Context, l mail.Letter) (mail.SentLetter, error) {
	return f(ctx, l)
}

type mailerFunc func(ctx context.Context, to, subject, body string) error

func (f mailerFunc) Send(ctx context.Context, to, subject, body string) error {
	return f(ctx, to, subject, body)
}
