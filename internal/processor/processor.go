// Package processor talks to the external fiat payment processor. Only the
// outbound charge initialization lives here; inbound webhooks are verified
// and applied by the reconciler.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUpstreamUnavailable marks failures that are safe to retry with the same
// reference.
var ErrUpstreamUnavailable = errors.New("payment processor unavailable")

// Client abstracts the processor's charge initialization.
type Client interface {
	InitializeCharge(ctx context.Context, req InitializeChargeRequest) (InitializeChargeResponse, error)
}

type InitializeChargeRequest struct {
	Email       string
	AmountMinor int64 // minor units (kobo)
	Currency    string
	Reference   string
}

type InitializeChargeResponse struct {
	Reference   string
	CheckoutURL string
	AccessCode  string
}

// HTTPClient calls the processor's REST API. Every call is bounded by the
// configured timeout; a timed-out call is treated as failed and retried by
// the caller under the same reference.
type HTTPClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

func NewHTTPClient(baseURL, secret string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

type initializeBody struct {
	Email     string `json:"email"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency,omitempty"`
	Reference string `json:"reference"`
}

type initializeReply struct {
	Status bool   `json:"status"`
	Msg    string `json:"message"`
	Data   struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

func (c *HTTPClient) InitializeCharge(ctx context.Context, req InitializeChargeRequest) (InitializeChargeResponse, error) {
	if req.Email == "" {
		return InitializeChargeResponse{}, fmt.Errorf("email is required")
	}
	if req.AmountMinor <= 0 {
		return InitializeChargeResponse{}, fmt.Errorf("amount must be positive")
	}
	if req.Reference == "" {
		return InitializeChargeResponse{}, fmt.Errorf("reference is required")
	}

	body, err := json.Marshal(initializeBody{
		Email:     req.Email,
		Amount:    req.AmountMinor,
		Currency:  req.Currency,
		Reference: req.Reference,
	})
	if err != nil {
		return InitializeChargeResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return InitializeChargeResponse{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return InitializeChargeResponse{}, fmt.Errorf("initialize charge: %v: %w", err, ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return InitializeChargeResponse{}, fmt.Errorf("initialize charge: status %d: %w", resp.StatusCode, ErrUpstreamUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return InitializeChargeResponse{}, fmt.Errorf("initialize charge: status %d", resp.StatusCode)
	}

	var reply initializeReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return InitializeChargeResponse{}, fmt.Errorf("decode reply: %w", err)
	}
	if !reply.Status {
		return InitializeChargeResponse{}, fmt.Errorf("initialize charge rejected: %s", reply.Msg)
	}

	return InitializeChargeResponse{
		Reference:   reply.Data.Reference,
		CheckoutURL: reply.Data.AuthorizationURL,
		AccessCode:  reply.Data.AccessCode,
	}, nil
}
