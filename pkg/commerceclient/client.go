/**
 * @description
 * This package provides a client for the commerce platform's admin API. The
 * loyalty-service uses it for two collaborator operations: creating discount
 * codes / entitlements when a reward tier is unlocked, and resolving a
 * customer's identity from an email address when an inbound event carries no
 * customer id.
 *
 * Reward issuance carries an Idempotency-Key header so that a retried call
 * after a timeout cannot mint a second code for the same (customer, tier)
 * pair. A timeout is an unknown outcome, not a failure; the key makes the
 * retry safe.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 * - internal/domain: The unknown-customer sentinel.
 */
package commerceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/perkline/loyalty-service/internal/domain"
)

// ErrCustomerNotFound is returned when an email resolves to no customer. It
// matches domain.ErrUnknownCustomer so callers can classify the lookup as
// terminally failed without importing this package.
var ErrCustomerNotFound = fmt.Errorf("commerce customer not found: %w", domain.ErrUnknownCustomer)

// Client is a client for the commerce platform admin API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new commerce API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// IssueRewardRequest is the payload for the reward issuance endpoint.
type IssueRewardRequest struct {
	CustomerID string `json:"customer_id"`
	TierID     string `json:"tier_id"`
	RewardKind string `json:"reward_kind"`
	Value      int    `json:"value"`
}

// IssueRewardResponse is the expected response from the issuance endpoint.
type IssueRewardResponse struct {
	Data struct {
		Code string `json:"code"`
	} `json:"data"`
}

type customerLookupResponse struct {
	Data struct {
		CustomerID string `json:"customer_id"`
	} `json:"data"`
}

// ErrorResponse represents an error returned by the commerce API.
type ErrorResponse struct {
	StatusCode int
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("commerce api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("commerce api error: status %d", e.StatusCode)
}

// IsExplicitRejection reports whether the API definitively rejected the call,
// as opposed to a transport failure or timeout where the outcome is unknown.
func (e *ErrorResponse) IsExplicitRejection() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IssueReward creates a discount code or entitlement for an unlocked tier.
// The idempotencyKey must be stable per (customer, tier) so retries cannot
// produce a duplicate reward.
func (c *Client) IssueReward(ctx context.Context, customerID, tierID, rewardKind string, rewardValue int, idempotencyKey string) (string, error) {
	payload := IssueRewardRequest{
		CustomerID: customerID,
		TierID:     tierID,
		RewardKind: rewardKind,
		Value:      rewardValue,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/admin/loyalty/discounts", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("commerce issue reward request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}

	var out IssueRewardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode issue reward response: %w", err)
	}
	return out.Data.Code, nil
}

// ResolveCustomerIdentity resolves an email address to a customer id.
func (c *Client) ResolveCustomerIdentity(ctx context.Context, email string) (string, error) {
	endpoint := fmt.Sprintf("%s/admin/customers/lookup?email=%s", c.BaseURL, url.QueryEscape(email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("commerce customer lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrCustomerNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}

	var out customerLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode customer lookup response: %w", err)
	}
	if out.Data.CustomerID == "" {
		return "", ErrCustomerNotFound
	}
	return out.Data.CustomerID, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &ErrorResponse{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil {
		_ = json.Unmarshal(raw, apiErr)
	}
	return apiErr
}
