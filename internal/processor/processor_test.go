package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientInitializeCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))

		var body struct {
			Email     string `json:"email"`
			Amount    int64  `json:"amount"`
			Reference string `json:"reference"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(500000), body.Amount)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]string{
				"authorization_url": "https://checkout.example/abc",
				"access_code":       "abc",
				"reference":         body.Reference,
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk_test", time.Second)
	resp, err := c.InitializeCharge(context.Background(), InitializeChargeRequest{
		Email: "buyer@example.com", AmountMinor: 500000, Currency: "NGN", Reference: "dep-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "dep-1", resp.Reference)
	assert.Equal(t, "https://checkout.example/abc", resp.CheckoutURL)
}

func TestHTTPClientServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk_test", time.Second)
	_, err := c.InitializeCharge(context.Background(), InitializeChargeRequest{
		Email: "buyer@example.com", AmountMinor: 100, Reference: "dep-2",
	})
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestHTTPClientRateLimitIsRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data":   map[string]string{"reference": "dep-7"},
		})
	}))
	defer srv.Close()

	c := WithRetry(NewHTTPClient(srv.URL, "sk_test", time.Second), RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	resp, err := c.InitializeCharge(context.Background(), InitializeChargeRequest{
		Email: "buyer@example.com", AmountMinor: 100, Reference: "dep-7",
	})
	require.NoError(t, err)
	assert.Equal(t, "dep-7", resp.Reference)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientRejectionIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "sk_test", time.Second)
	_, err := c.InitializeCharge(context.Background(), InitializeChargeRequest{
		Email: "buyer@example.com", AmountMinor: 100, Reference: "dep-3",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
}

type flakyClient struct {
	failures int32
	calls    int32
}

func (f *flakyClient) InitializeCharge(_ context.Context, req InitializeChargeRequest) (InitializeChargeResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failures {
		return InitializeChargeResponse{}, ErrUpstreamUnavailable
	}
	return InitializeChargeResponse{Reference: req.Reference}, nil
}

func TestRetryClientRecoversFromTransientFailure(t *testing.T) {
	inner := &flakyClient{failures: 2}
	c := WithRetry(inner, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2})

	resp, err := c.InitializeCharge(context.Background(), InitializeChargeRequest{Reference: "dep-4"})
	require.NoError(t, err)
	assert.Equal(t, "dep-4", resp.Reference)
	assert.Equal(t, int32(3), atomic.LoadInt32(&inner.calls))
}

func TestRetryClientGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyClient{failures: 10}
	c := WithRetry(inner, RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	_, err := c.InitializeCharge(context.Background(), InitializeChargeRequest{Reference: "dep-5"})
	require.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&inner.calls))
}

func TestFakeClientDeterministic(t *testing.T) {
	c := FakeClient{}
	req := InitializeChargeRequest{Email: "buyer@example.com", AmountMinor: 100, Reference: "dep-6"}

	a, err := c.InitializeCharge(context.Background(), req)
	require.NoError(t, err)
	b, err := c.InitializeCharge(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
