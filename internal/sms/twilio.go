package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diagnosis/phoneauth/pkg/config"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

type TwilioGateway struct {
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

func NewTwilioGateway(cfg config.TwilioConfig) *TwilioGateway {
	return &TwilioGateway{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.From,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (g *TwilioGateway) Send(ctx context.Context, phone, body string) (string, error) {
	form := url.Values{}
	form.Set("To", phone)
	form.Set("From", g.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", twilioAPIBase, g.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(g.accountSID, g.authToken)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("twilio returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		SID string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return result.SID, nil
}
