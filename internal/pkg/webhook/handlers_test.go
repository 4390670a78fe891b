package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

const subscriptionPayload = `{
  "id": "evt_sub",
  "type": "customer.subscription.updated",
  "data": {"object": {
    "id": "sub_1",
    "status": "active",
    "current_period_start": 1780000000,
    "current_period_end": 1782592000,
    "metadata": {"userId": "u1", "plan": "PAPER_PIXELS"}
  }}
}`

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(subscriptionPayload))
	require.NoError(t, err)
	assert.Equal(t, "evt_sub", env.ID)
	assert.Equal(t, TypeSubscriptionUpdated, env.Type)

	_, err = ParseEnvelope([]byte(`not json`))
	require.Error(t, err)
	assert.False(t, retry.Classify(err).Retryable)

	_, err = ParseEnvelope([]byte(`{"id":"evt"}`))
	assert.Error(t, err)
}

func TestSubscriptionHandlers(t *testing.T) {
	store, db, registry, _, _ := newTestStore(t)
	RegisterSubscriptionHandlers(registry, db)
	ctx := context.Background()

	_, err := store.Claim(ctx, ClaimInput{EventID: "evt_sub", Type: TypeSubscriptionUpdated, Payload: subscriptionPayload})
	require.NoError(t, err)
	outcome, err := store.Process(ctx, "evt_sub")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	var sub models.Subscription
	require.NoError(t, db.Where("id = ?", "sub_1").First(&sub).Error)
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, models.PlanPaperPixels, sub.Plan)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(1782592000), sub.CurrentPeriodEnd.Unix())

	_, err = store.Claim(ctx, ClaimInput{EventID: "evt_del", Type: TypeSubscriptionDeleted, Payload: subscriptionPayload})
	require.NoError(t, err)
	_, err = store.Process(ctx, "evt_del")
	require.NoError(t, err)

	require.NoError(t, db.Where("id = ?", "sub_1").First(&sub).Error)
	assert.Equal(t, models.SubscriptionStatusCanceled, sub.Status)
}

func TestSubscriptionHandlers_MissingUserFails(t *testing.T) {
	store, db, registry, _, _ := newTestStore(t)
	RegisterSubscriptionHandlers(registry, db)
	ctx := context.Background()

	payload := `{"id":"evt_bad","type":"customer.subscription.created","data":{"object":{"id":"sub_2","status":"active"}}}`
	_, err := store.Claim(ctx, ClaimInput{EventID: "evt_bad", Type: TypeSubscriptionCreated, Payload: payload})
	require.NoError(t, err)

	outcome, err := store.Process(ctx, "evt_bad")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}
