package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/config"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/retry"
)

const lobTimeout = 30 * time.Second

// Letter is one printed letter handed to Lob. To and From are Lob address ids.
type Letter struct {
	IdempotencyKey string
	Description    string
	To             string
	HTML           string
	// MailType is usps_first_class or usps_standard.
	MailType string
}

// SentLetter is what Lob reports back for an accepted letter.
type SentLetter struct {
	ID                   string `json:"id"`
	ExpectedDeliveryDate string `json:"expected_delivery_date"`
	Carrier              string `json:"carrier"`
	TrackingNumber       string `json:"tracking_number"`
}

type lobLetterRequest struct {
	Description      string `json:"description"`
	To               string `json:"to"`
	From             string `json:"from"`
	File             string `json:"file"`
	Color            bool   `json:"color"`
	DoubleSided      bool   `json:"double_sided"`
	AddressPlacement string `json:"address_placement"`
	MailType         string `json:"mail_type"`
	UseType          string `json:"use_type"`
}

type lobErrorBody struct {
	Error struct {
		Message    string `json:"message"`
		StatusCode int    `json:"status_code"`
	} `json:"error"`
}

// LobClient creates letters through the Lob print and mail API.
type LobClient struct {
	cfg        config.Lob
	httpClient *http.Client
}

func NewLobClient(cfg config.Lob) *LobClient {
	if cfg.APIKey == "" {
		log.Warn("[Lob] LOB_API_KEY not set, physical mail deliveries will fail")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &LobClient{cfg: cfg, httpClient: &http.Client{Timeout: lobTimeout}}
}

// SendLetter creates the letter. Non-2xx answers come back as *retry.HTTPError
// so the classifier can tell a rejected address from a provider outage.
func (c *LobClient) SendLetter(ctx context.Context, letter Letter) (SentLetter, error) {
	var sent SentLetter
	if c.cfg.APIKey == "" {
		return sent, retry.NewConfigurationError("LOB_API_KEY is not configured", nil)
	}

	mailType := letter.MailType
	if mailType == "" {
		mailType = "usps_first_class"
	}
	body, err := json.Marshal(lobLetterRequest{
		Description:      letter.Description,
		To:               letter.To,
		From:             c.cfg.FromAddressID,
		File:             letter.HTML,
		Color:            c.cfg.Color,
		AddressPlacement: "top_first_page",
		MailType:         mailType,
		UseType:          "operational",
	})
	if err != nil {
		return sent, fmt.Errorf("marshal letter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/letters", bytes.NewReader(body))
	if err != nil {
		return sent, retry.NewConfigurationError("build lob request", err)
	}
	req.SetBasicAuth(c.cfg.APIKey, "")
	req.Header.Set("Content-Type", "application/json")
	if letter.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", letter.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return sent, retry.NewProviderTimeout("lob create letter", err)
		}
		return sent, fmt.Errorf("lob create letter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr lobErrorBody
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		log.Errorf("[Lob] Create letter %s failed: %d %s", letter.IdempotencyKey, resp.StatusCode, msg)
		return sent, &retry.HTTPError{StatusCode: resp.StatusCode, Message: msg, Channel: models.DeliveryChannelPhysicalMail}
	}

	if err := json.NewDecoder(resp.Body).Decode(&sent); err != nil {
		return sent, fmt.Errorf("decode lob letter: %w", err)
	}
	log.Infof("[Lob] Letter %s created, expected %s", sent.ID, sent.ExpectedDeliveryDate)
	return sent, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
