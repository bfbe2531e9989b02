package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/weighted-stake-ledger/internal/model"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
)

// RemoteBank talks to an external token service over HTTP. Transfers carry
// an idempotency key so that transport-level retries never move funds twice.
type RemoteBank struct {
	baseURL    string
	apiKey     string
	custody    types.Address
	httpClient *retryablehttp.Client
}

// RemoteOptions configures a RemoteBank
type RemoteOptions struct {
	BaseURL    string
	APIKey     string
	Custody    types.Address
	RetryMax   int
	RetryWait  time.Duration
	HTTPClient *http.Client
}

// NewRemoteBank creates a client for the token service at opts.BaseURL
func NewRemoteBank(opts RemoteOptions) *RemoteBank {
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWait
	c.RetryWaitMax = 4 * opts.RetryWait
	c.Logger = nil
	if opts.HTTPClient != nil {
		c.HTTPClient = opts.HTTPClient
	}

	return &RemoteBank{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		custody:    opts.Custody,
		httpClient: c,
	}
}

// Custody returns the ledger's custody account
func (b *RemoteBank) Custody() types.Address { return b.custody }

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// TransferIn asks the service to pull amount from an account into custody
func (b *RemoteBank) TransferIn(ctx context.Context, from types.Address, amount *uint256.Int) error {
	err := b.transfer(ctx, "/v1/transfers/in", transferRequest{
		From:   from.Hex(),
		To:     b.custody.Hex(),
		Amount: model.FormatAmount(amount),
	})
	if err != nil {
		return fmt.Errorf("transfer in from %s: %w", from.Hex(), err)
	}
	return nil
}

// TransferOut asks the service to pay amount out of custody
func (b *RemoteBank) TransferOut(ctx context.Context, to types.Address, amount *uint256.Int) error {
	err := b.transfer(ctx, "/v1/transfers/out", transferRequest{
		From:   b.custody.Hex(),
		To:     to.Hex(),
		Amount: model.FormatAmount(amount),
	})
	if err != nil {
		return fmt.Errorf("%w: transfer out to %s: %v", ErrFault, to.Hex(), err)
	}
	return nil
}

// BalanceOf fetches the balance of an account
func (b *RemoteBank) BalanceOf(ctx context.Context, account types.Address) (*uint256.Int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/v1/balances/"+account.Hex(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	b.authorize(req)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching balance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("token service error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Balance string `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	return model.ParseAmount(response.Balance)
}

func (b *RemoteBank) transfer(ctx context.Context, path string, body transferRequest) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	b.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	logrus.WithFields(logrus.Fields{
		"path":   path,
		"from":   body.From,
		"to":     body.To,
		"amount": body.Amount,
	}).Debug("Submitting transfer")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusConflict:
		return ErrInsufficientFunds
	default:
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("token service error: status %d, body: %s", resp.StatusCode, string(msg))
	}
}

func (b *RemoteBank) authorize(req *retryablehttp.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}
