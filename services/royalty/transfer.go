package royalty

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"vortex-royalty/pkg/config"
	"vortex-royalty/pkg/money"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

//go:generate mockgen -destination=transfer_mock_test.go -package=royalty . Transferrer

// TransferRequest asks the funds-transfer collaborator to move Amount to
// Destination. IdempotencyToken is identical on every retry.
type TransferRequest struct {
	Destination      string
	Amount           money.Amount
	Currency         money.Currency
	IdempotencyToken string
	PlanID           string
	BeneficiaryID    string
}

type TransferResult struct {
	TransactionRef string
}

// Transferrer returns *TransientError or *PermanentError on failure. Other
// errors are treated as transient.
type Transferrer interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// FuncTransferrer adapts a function to Transferrer.
type FuncTransferrer func(ctx context.Context, req TransferRequest) (*TransferResult, error)

func (f FuncTransferrer) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	return f(ctx, req)
}

// NewTransferrer picks the collaborator named by TRANSFER.MODE.
func NewTransferrer(cfg config.Transfer) (Transferrer, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", "dryrun":
		zap.L().Warn("transfer mode is dryrun, no funds will move")
		return NewDryRunTransferrer(), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, errors.New("TRANSFER.BASE_URL is required in http mode")
		}
		return NewHTTPTransferrer(cfg.BaseURL, cfg.ApiKey, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown transfer mode %q", cfg.Mode)
	}
}

// DryRunTransferrer accepts every transfer and derives the reference from
// the idempotency token.
type DryRunTransferrer struct{}

func NewDryRunTransferrer() *DryRunTransferrer {
	return &DryRunTransferrer{}
}

func (DryRunTransferrer) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	zap.L().Info("dryrun transfer",
		zap.String("plan_id", req.PlanID),
		zap.String("beneficiary_id", req.BeneficiaryID),
		zap.String("destination", req.Destination),
		zap.String("amount", req.Amount.Format(req.Currency)),
	)
	return &TransferResult{TransactionRef: "dryrun-" + req.IdempotencyToken}, nil
}

// HTTPTransferrer talks to a payment gateway exposing POST /v1/transfers.
type HTTPTransferrer struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPTransferrer(baseURL, apiKey string, timeout time.Duration) *HTTPTransferrer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransferrer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type transferPayload struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPTransferrer) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	body, err := json.Marshal(transferPayload{
		Destination: req.Destination,
		Amount:      int64(req.Amount),
		Currency:    req.Currency.Code,
		Reference:   req.PlanID + ":" + req.BeneficiaryID,
	})
	if err != nil {
		return nil, &PermanentError{Reason: "encode transfer request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Reason: "build transfer request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyToken)
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Reason: "read gateway response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out transferResponse
		if err := json.Unmarshal(raw, &out); err != nil || out.ID == "" {
			// the gateway accepted the transfer; retrying with the same key
			// returns the stored result
			return nil, &TransientError{Reason: "unreadable gateway response", Err: err}
		}
		return &TransferResult{TransactionRef: out.ID}, nil
	}

	var gwErr gatewayError
	_ = json.Unmarshal(raw, &gwErr)
	reason := fmt.Sprintf("gateway status %d", resp.StatusCode)
	if gwErr.Code != "" || gwErr.Message != "" {
		reason = fmt.Sprintf("%s: %s %s", reason, gwErr.Code, gwErr.Message)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode >= 500:
		return nil, &TransientError{Reason: strings.TrimSpace(reason)}
	default:
		return nil, &PermanentError{Reason: strings.TrimSpace(reason)}
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransientError{Reason: "gateway timeout", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransientError{Reason: "gateway timeout", Err: err}
	}
	return &TransientError{Reason: "gateway unreachable", Err: err}
}
