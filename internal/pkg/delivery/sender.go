package delivery

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/mail"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/transit"
)

// Sender performs the actual transmission of one delivery.
type Sender interface {
	Send(ctx context.Context, d models.ScheduledDelivery) error
}

// Mailer is the subset of the SMTP mailer the message sender needs.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// MessageSender delivers a letter notification by email.
type MessageSender struct {
	mailer  Mailer
	baseURL string
}

func NewMessageSender(mailer Mailer, baseURL string) *MessageSender {
	return &MessageSender{mailer: mailer, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *MessageSender) Send(ctx context.Context, d models.ScheduledDelivery) error {
	to := strings.TrimSpace(d.Recipient)
	if to == "" || !strings.Contains(to, "@") {
		return retry.NewInvalidEmail(fmt.Sprintf("delivery %s has no valid recipient email", d.ID), nil)
	}
	link := fmt.Sprintf("%s/deliveries/%s", s.baseURL, d.ID)
	body := fmt.Sprintf(
		"<p>A letter you wrote to your future self has arrived.</p><p><a href=\"%s\">Open your letter</a></p>",
		html.EscapeString(link),
	)
	return s.mailer.Send(ctx, to, "Your letter has arrived", body)
}

// LetterProvider prints and posts a letter.
type LetterProvider interface {
	SendLetter(ctx context.Context, letter mail.Letter) (mail.SentLetter, error)
}

// PhysicalMailSender hands letters to the print and post provider. The
// recipient of a physical-mail delivery is the provider's address id.
type PhysicalMailSender struct {
	provider LetterProvider
	baseURL  string
}

func NewPhysicalMailSender(provider LetterProvider, baseURL string) *PhysicalMailSender {
	return &PhysicalMailSender{provider: provider, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *PhysicalMailSender) Send(ctx context.Context, d models.ScheduledDelivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.provider == nil {
		return retry.NewConfigurationError("no physical mail provider configured", nil)
	}
	to := strings.TrimSpace(d.Recipient)
	if to == "" {
		return retry.NewInvalidAddress(fmt.Sprintf("delivery %s has no mailing address", d.ID), nil)
	}
	class := d.MailClass
	if class == "" {
		class = models.MailClassFirstClass
	}
	if !transit.ValidMailClass(class) {
		return retry.NewInvalidDelivery(fmt.Sprintf("delivery %s has unknown mail class %q", d.ID, d.MailClass), nil)
	}

	link := fmt.Sprintf("%s/deliveries/%s", s.baseURL, d.ID)
	sent, err := s.provider.SendLetter(ctx, mail.Letter{
		// One letter per delivery, however often the job is retried.
		IdempotencyKey: "delivery-" + d.ID,
		Description:    "Letter to Future Self",
		To:             to,
		HTML: fmt.Sprintf(
			"<html><body><p>A letter you wrote to your future self.</p><p>%s</p></body></html>",
			html.EscapeString(link),
		),
		MailType: "usps_" + class,
	})
	if err != nil {
		return err
	}
	log.Infof("[PhysicalMail] Delivery %s for user %s submitted as %s (%s, expected %s)",
		d.ID, d.UserID, sent.ID, class, sent.ExpectedDeliveryDate)
	return nil
}
