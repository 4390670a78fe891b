package mail

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"

	"github.com/gofiber/fiber/v2/log"

	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends emails via SMTP
type SMTPMailer struct {
	cfg  config.SMTP
	send sendFunc
}

func NewSMTPMailer(cfg config.SMTP) *SMTPMailer {
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Send delivers an HTML message. SMTP replies are translated into classified
// errors: 5xx on the recipient is permanent, 4xx is temporary.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.cfg.Host == "" {
		return retry.NewConfigurationError("SMTP_HOST is not configured", nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)

	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.Sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)

	// net/smtp has no context support; run the exchange so a cancelled
	// context releases the caller.
	done := make(chan error, 1)
	go func() { done <- m.send(addr, auth, m.cfg.Sender, []string{to}, msg) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return retry.NewProviderTimeout("smtp send to "+addr, ctx.Err())
	}
	if err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
		return classifySMTP(err)
	}
	log.Infof("[Mail] Email sent to %s via %s", to, addr)
	return nil
}

func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return err
	}
	switch {
	case tpErr.Code == 550 || tpErr.Code == 553 || tpErr.Code == 501:
		return retry.NewInvalidEmail(tpErr.Msg, err).WithMetadata("smtp_code", tpErr.Code)
	case tpErr.Code >= 500:
		return retry.NewProviderRejection(tpErr.Msg, err).WithMetadata("smtp_code", tpErr.Code)
	case tpErr.Code >= 400:
		return retry.NewTemporaryProviderError(tpErr.Msg, err).WithMetadata("smtp_code", tpErr.Code)
	}
	return err
}
