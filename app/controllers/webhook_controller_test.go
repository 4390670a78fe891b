package controllers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/webhook"
)

const testWebhookSecret = "whsec_test"

type fakeClaimer struct {
	claimed map[string]bool
	inputs  []webhook.ClaimInput
	err     error
}

func (f *fakeClaimer) Claim(_ context.Context, in webhook.ClaimInput) (webhook.ClaimResult, error) {
	if f.err != nil {
		return webhook.ClaimResult{}, f.err
	}
	f.inputs = append(f.inputs, in)
	if f.claimed[in.EventID] {
		return webhook.ClaimResult{Created: false, Event: &models.WebhookEvent{ID: in.EventID}}, nil
	}
	f.claimed[in.EventID] = true
	return webhook.ClaimResult{Created: true, Event: &models.WebhookEvent{ID: in.EventID}}, nil
}

type fakeDispatcher struct {
	events []string
	err    error
}

func (f *fakeDispatcher) Schedule(_ context.Context, eventName string, _ map[string]interface{}) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.events = append(f.events, eventName)
	return "job-1", nil
}

func newWebhookTestApp(claimer *fakeClaimer, dispatcher *fakeDispatcher, secret string) *fiber.App {
	wc := NewWebhookController(claimer, dispatcher, secret)
	app := fiber.New()
	app.Post("/webhooks/stripe", wc.HandleStripeWebhook)
	return app
}

func signedRequest(body, secret string) *http.Request {
	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", webhook.SignPayload([]byte(body), secret, time.Now()))
	return req
}

const invoicePaid = `{"id":"evt_1","type":"invoice.paid","data":{"object":{}}}`

func TestWebhookController_ClaimsAndDispatches(t *testing.T) {
	claimer := &fakeClaimer{claimed: map[string]bool{}}
	dispatcher := &fakeDispatcher{}
	app := newWebhookTestApp(claimer, dispatcher, testWebhookSecret)

	resp, err := app.Test(signedRequest(invoicePaid, testWebhookSecret), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp.Body)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, []string{webhook.EventProcess}, dispatcher.events)

	require.Len(t, claimer.inputs, 1)
	assert.Equal(t, "evt_1", claimer.inputs[0].EventID)
	assert.Equal(t, "invoice.paid", claimer.inputs[0].Type)
	assert.True(t, claimer.inputs[0].SignatureValid)

	// A redelivery is acknowledged without a second dispatch.
	resp, err = app.Test(signedRequest(invoicePaid, testWebhookSecret), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp.Body)["duplicate"])
	assert.Len(t, dispatcher.events, 1)
}

func TestWebhookController_RejectsBadSignature(t *testing.T) {
	claimer := &fakeClaimer{claimed: map[string]bool{}}
	app := newWebhookTestApp(claimer, &fakeDispatcher{}, testWebhookSecret)

	resp, err := app.Test(signedRequest(invoicePaid, "wrong"), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, claimer.inputs, "forged events are never claimed")
}

func TestWebhookController_SecretNotConfigured(t *testing.T) {
	app := newWebhookTestApp(&fakeClaimer{claimed: map[string]bool{}}, &fakeDispatcher{}, "")
	resp, err := app.Test(signedRequest(invoicePaid, "anything"), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebhookController_InvalidPayload(t *testing.T) {
	app := newWebhookTestApp(&fakeClaimer{claimed: map[string]bool{}}, &fakeDispatcher{}, testWebhookSecret)
	resp, err := app.Test(signedRequest(`{"type":"invoice.paid"}`, testWebhookSecret), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestWebhookController_DispatchFailureStillAcknowledges(t *testing.T) {
	claimer := &fakeClaimer{claimed: map[string]bool{}}
	dispatcher := &fakeDispatcher{err: retry.NewNetworkError("redis down", nil)}
	app := newWebhookTestApp(claimer, dispatcher, testWebhookSecret)

	resp, err := app.Test(signedRequest(invoicePaid, testWebhookSecret), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody(t, resp.Body)["queued"])
	assert.True(t, claimer.claimed["evt_1"])
}

func TestWebhookController_ClaimFailure(t *testing.T) {
	claimer := &fakeClaimer{claimed: map[string]bool{}, err: retry.WrapDB("claim", retry.NewDatabaseConnectionError("db down", nil))}
	app := newWebhookTestApp(claimer, &fakeDispatcher{}, testWebhookSecret)

	resp, err := app.Test(signedRequest(invoicePaid, testWebhookSecret), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
