/**
 * @description
 * This package provides a client for the transactional email service used to
 * tell a customer about an issued reward. Notification is fire-and-forget
 * from the core's perspective: callers log failures and move on, they never
 * fail a ledger or issuance operation because an email could not be sent.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package mailerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a client for the mailer API.
type Client struct {
	BaseURL    string
	APIKey     string
	From       string
	HTTPClient *http.Client
}

// NewClient creates a new mailer API client.
func NewClient(baseURL, apiKey, from string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		From:    from,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type rewardNoticeRequest struct {
	From       string `json:"from"`
	CustomerID string `json:"customer_id"`
	Template   string `json:"template"`
	Subject    string `json:"subject"`
	RewardKind string `json:"reward_kind"`
	Reward     string `json:"reward"`
	Code       string `json:"code,omitempty"`
}

// Notify sends a reward notice to a customer. Resending the same
// already-issued code is harmless, so callers may retry freely.
func (c *Client) Notify(ctx context.Context, customerID, rewardKind, rewardLabel, code string) error {
	payload := rewardNoticeRequest{
		From:       c.From,
		CustomerID: customerID,
		Template:   "loyalty_reward_notice",
		Subject:    fmt.Sprintf("You've Earned a %s!", rewardLabel),
		RewardKind: rewardKind,
		Reward:     rewardLabel,
		Code:       code,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("mailer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mailer returned status %d", resp.StatusCode)
	}
	return nil
}
