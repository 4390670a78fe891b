package mail

import (
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

func TestSMTPMailer_Send(t *testing.T) {
	m := NewSMTPMailer(config.SMTP{Host: "smtp.test", Port: "2525", Sender: "letters@capsule.test"})

	var gotAddr string
	var gotMsg []byte
	m.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, "letters@capsule.test", from)
		assert.Equal(t, []string{"future@me.test"}, to)
		return nil
	}

	require.NoError(t, m.Send(context.Background(), "future@me.test", "A letter", "<p>hi</p>"))
	assert.Equal(t, "smtp.test:2525", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: A letter\r\n")
	assert.Contains(t, string(gotMsg), "<p>hi</p>")
}

func TestSMTPMailer_DefaultSender(t *testing.T) {
	m := NewSMTPMailer(config.SMTP{Host: "smtp.test", Port: "25"})
	assert.Equal(t, "no-reply@localhost", m.cfg.Sender)
}

func TestSMTPMailer_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code retry.Code
	}{
		{"mailbox unavailable", &textproto.Error{Code: 550, Msg: "no such user"}, retry.CodeInvalidEmail},
		{"policy rejection", &textproto.Error{Code: 554, Msg: "rejected"}, retry.CodeProviderRejection},
		{"greylisted", &textproto.Error{Code: 451, Msg: "try later"}, retry.CodeTemporaryProviderError},
		{"unknown", errors.New("weird"), retry.CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewSMTPMailer(config.SMTP{Host: "smtp.test", Port: "25", Sender: "a@b.test"})
			m.send = func(string, smtp.Auth, string, []string, []byte) error { return tt.err }

			err := m.Send(context.Background(), "x@y.test", "s", "b")
			require.Error(t, err)
			assert.Equal(t, tt.code, retry.Classify(err).Code)
		})
	}
}

func TestSMTPMailer_NotConfigured(t *testing.T) {
	m := NewSMTPMailer(config.SMTP{})
	err := m.Send(context.Background(), "x@y.test", "s", "b")
	require.Error(t, err)
	assert.Equal(t, retry.CodeConfigurationError, retry.Classify(err).Code)
}

func TestSMTPMailer_ContextCancelled(t *testing.T) {
	m := NewSMTPMailer(config.SMTP{Host: "smtp.test", Port: "25", Sender: "a@b.test"})
	release := make(chan struct{})
	defer close(release)
	m.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Send(ctx, "x@y.test", "s", "b")
	require.Error(t, err)
	assert.Equal(t, retry.CodeProviderTimeout, retry.Classify(err).Code)
}
