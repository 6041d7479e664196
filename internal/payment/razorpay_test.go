package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-poster/internal/resilience"
)

func newRazorpay(srv *httptest.Server) Razorpay {
	return Razorpay{
		KeyID:     "rzp_test_key",
		KeySecret: "rzp_test_secret",
		BaseURL:   srv.URL,
		HTTP:      resilience.HTTPClient{Client: srv.Client(), Timeout: 200 * time.Millisecond},
	}
}

func TestRazorpayCreateOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "rzp_test_key", user)
		require.Equal(t, "rzp_test_secret", pass)

		var body razorpayOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, int64(24900), body.Amount)
		require.Equal(t, "INR", body.Currency)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(razorpayOrder{ID: "order_Nx1", Amount: body.Amount, Currency: body.Currency, Status: "created"})
	}))
	defer srv.Close()

	got, err := newRazorpay(srv).CreateOrder(context.Background(), OrderRequest{AmountMinor: 24900, Currency: "INR", Receipt: "rcpt_1"})
	require.NoError(t, err)
	require.Equal(t, "order_Nx1", got.ID)
	require.Equal(t, int64(24900), got.AmountMinor)
}

func TestRazorpayFailuresAreRetryableAndNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newRazorpay(srv).CreateOrder(context.Background(), OrderRequest{AmountMinor: 900, Currency: "INR"})
	require.Error(t, err)
	require.True(t, IsRetryable(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRazorpayBadCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"Authentication failed"}}`))
	}))
	defer srv.Close()

	_, err := newRazorpay(srv).CreateOrder(context.Background(), OrderRequest{AmountMinor: 900, Currency: "INR"})
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	require.Equal(t, http.StatusUnauthorized, gwErr.StatusCode)
	require.Contains(t, gwErr.Error(), "Authentication failed")
	require.True(t, gwErr.Retryable)
}

func TestRazorpayTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := newRazorpay(srv).CreateOrder(context.Background(), OrderRequest{AmountMinor: 900, Currency: "INR"})
	require.True(t, IsRetryable(err))
}

func TestRazorpayAmountEchoMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(razorpayOrder{ID: "order_x", Amount: 1, Currency: "INR"})
	}))
	defer srv.Close()

	_, err := newRazorpay(srv).CreateOrder(context.Background(), OrderRequest{AmountMinor: 900, Currency: "INR"})
	require.Error(t, err)
}

func TestRazorpayMissingCredentials(t *testing.T) {
	_, err := Razorpay{}.CreateOrder(context.Background(), OrderRequest{AmountMinor: 900, Currency: "INR"})
	require.True(t, IsRetryable(err))
}
