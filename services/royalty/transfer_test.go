package royalty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vortex-royalty/pkg/config"
	"vortex-royalty/pkg/money"

	"github.com/stretchr/testify/require"
)

func testTransferRequest() TransferRequest {
	return TransferRequest{
		Destination:      "wallet-a",
		Amount:           usd("25.00"),
		Currency:         money.USD,
		IdempotencyToken: "tok-1",
		PlanID:           "plan-1",
		BeneficiaryID:    "a",
	}
}

func TestHTTPTransferrer_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfers", r.URL.Path)
		require.Equal(t, "tok-1", r.Header.Get("Idempotency-Key"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body transferPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "wallet-a", body.Destination)
		require.Equal(t, int64(2500), body.Amount)
		require.Equal(t, "USD", body.Currency)
		require.Equal(t, "plan-1:a", body.Reference)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"tx-99","status":"completed"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPTransferrer(srv.URL+"/", "secret", time.Second).Transfer(context.Background(), testTransferRequest())
	require.NoError(t, err)
	require.Equal(t, "tx-99", res.TransactionRef)
}

func TestHTTPTransferrer_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests},
		{name: "conflict", status: http.StatusConflict},
		{name: "server error", status: http.StatusBadGateway},
		{name: "unavailable", status: http.StatusServiceUnavailable},
		{name: "bad request", status: http.StatusBadRequest, body: `{"code":"invalid_destination","message":"unknown wallet"}`, permanent: true},
		{name: "forbidden", status: http.StatusForbidden, permanent: true},
		{name: "accepted without id", status: http.StatusOK, body: `{"status":"processing"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewHTTPTransferrer(srv.URL, "", time.Second).Transfer(context.Background(), testTransferRequest())
			require.Error(t, err)
			require.Equal(t, tc.permanent, IsPermanent(err), err.Error())
			require.Equal(t, !tc.permanent, IsTransient(err), err.Error())
		})
	}
}

func TestHTTPTransferrer_GatewayMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_destination","message":"unknown wallet"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPTransferrer(srv.URL, "", time.Second).Transfer(context.Background(), testTransferRequest())
	require.True(t, IsPermanent(err))
	require.Contains(t, err.Error(), "invalid_destination")
	require.Contains(t, err.Error(), "unknown wallet")
}

func TestHTTPTransferrer_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewHTTPTransferrer(srv.URL, "", time.Second).Transfer(ctx, testTransferRequest())
	require.True(t, IsTransient(err))
	require.Equal(t, "timeout", errorKind(err))
}

func TestHTTPTransferrer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransferrer(url, "", time.Second).Transfer(context.Background(), testTransferRequest())
	require.True(t, IsTransient(err))
}

func TestDryRunTransferrer(t *testing.T) {
	res, err := NewDryRunTransferrer().Transfer(context.Background(), testTransferRequest())
	require.NoError(t, err)
	require.Equal(t, "dryrun-tok-1", res.TransactionRef)
}

func TestNewTransferrer(t *testing.T) {
	tr, err := NewTransferrer(config.Transfer{})
	require.NoError(t, err)
	require.IsType(t, &DryRunTransferrer{}, tr)

	tr, err = NewTransferrer(config.Transfer{Mode: "HTTP", BaseURL: "http://gateway.local", Timeout: time.Second})
	require.NoError(t, err)
	require.IsType(t, &HTTPTransferrer{}, tr)
	require.Equal(t, time.Second, tr.(*HTTPTransferrer).HTTPClient.Timeout)

	_, err = NewTransferrer(config.Transfer{Mode: "http"})
	require.Error(t, err)

	_, err = NewTransferrer(config.Transfer{Mode: "carrier-pigeon"})
	require.Error(t, err)
}
