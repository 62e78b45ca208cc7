// Package moyasar is a client for the Moyasar invoices API.
package moyasar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/baseera/internal/payment"
)

const (
	DefaultBaseURL = "https://api.moyasar.com/v1"

	// Amounts travel in halalas.
	minorUnitExp = 2
	maxErrorBody = 4 << 10
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

var _ payment.Provider = (*Client)(nil)

func New(c Config) *Client {
	cl := &Client{
		baseURL: c.BaseURL,
		apiKey:  c.APIKey,
		hc:      c.HTTPClient,
	}
	if cl.baseURL == "" {
		cl.baseURL = DefaultBaseURL
	}
	if cl.hc == nil {
		cl.hc = &http.Client{Timeout: 30 * time.Second}
	}
	return cl
}

type invoice struct {
	ID          string            `json:"id,omitempty"`
	Status      string            `json:"status,omitempty"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	CallbackURL string            `json:"callback_url,omitempty"`
	URL         string            `json:"url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (inv invoice) transaction() payment.Transaction {
	return payment.Transaction{
		ID:       inv.ID,
		Status:   payment.TransactionStatus(inv.Status),
		Amount:   decimal.New(inv.Amount, -minorUnitExp),
		Currency: inv.Currency,
		URL:      inv.URL,
	}
}

// CreateInvoice opens a hosted payment page for inv.
func (c *Client) CreateInvoice(ctx context.Context, inv payment.Invoice) (payment.Transaction, error) {
	minor := inv.Amount.Shift(minorUnitExp)
	if !minor.IsInteger() {
		return payment.Transaction{}, fmt.Errorf("moyasar: amount %s has sub-halala precision", inv.Amount)
	}

	body, err := json.Marshal(invoice{
		Amount:      minor.IntPart(),
		Currency:    inv.Currency,
		Description: inv.Description,
		CallbackURL: inv.CallbackURL,
		Metadata:    inv.Metadata,
	})
	if err != nil {
		return payment.Transaction{}, fmt.Errorf("moyasar: encode invoice: %w", err)
	}

	var out invoice
	if err := c.do(ctx, http.MethodPost, "/invoices", body, &out); err != nil {
		return payment.Transaction{}, err
	}

	return out.transaction(), nil
}

// FetchTransactionStatus fetches the invoice identified by ref.
func (c *Client) FetchTransactionStatus(ctx context.Context, ref string) (payment.Transaction, error) {
	var out invoice
	if err := c.do(ctx, http.MethodGet, "/invoices/"+url.PathEscape(ref), nil, &out); err != nil {
		return payment.Transaction{}, err
	}

	return out.transaction(), nil
}

// APIError is a non 2xx answer of the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("moyasar: status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("moyasar: new request: %w", err)
	}
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("moyasar: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("moyasar: decode response: %w", err)
	}

	return nil
}
