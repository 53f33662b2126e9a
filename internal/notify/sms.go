// sms.go - Twilio SMS delivery.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioConfig holds account credentials and the sending number.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
}

// Configured reports whether every credential is present.
func (c TwilioConfig) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.From != ""
}

// TwilioSender posts messages to the Twilio Messages API.
type TwilioSender struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilioSender(cfg TwilioConfig, client *http.Client) *TwilioSender {
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TwilioSender{cfg: cfg, client: client}
}

func (s *TwilioSender) Send(ctx context.Context, to, message string) error {
	if !s.cfg.Configured() {
		return fmt.Errorf("twilio credentials not configured")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.From)
	form.Set("Body", message)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimRight(s.cfg.BaseURL, "/"), url.PathEscape(s.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("twilio returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
