// Package broker talks to the brokerage OpenAPI: it opens a sandbox session,
// lists instruments per asset class and fetches historical candles.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/navid-fn/tickhouse/configs"
	"github.com/navid-fn/tickhouse/internal/failure"
)

const statusOK = "Ok"

// envelope is the common response wrapper of the OpenAPI.
type envelope struct {
	TrackingID string          `json:"trackingId"`
	Status     string          `json:"status"`
	Payload    json.RawMessage `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type registerPayload struct {
	BrokerAccountType string `json:"brokerAccountType"`
	BrokerAccountID   string `json:"brokerAccountId"`
}

type balanceRequest struct {
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
}

// apiError is a non-Ok answer from the broker.
type apiError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("broker answered %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("broker answered %d: %s", e.StatusCode, e.Message)
}

// Client is a sandbox session. It is safe for concurrent use.
type Client struct {
	cfg        configs.BrokerConfig
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Entry
	now        func() time.Time

	// requestLimiter caps single HTTP calls, instrumentLimiter paces instruments.
	requestLimiter    *rate.Limiter
	instrumentLimiter *rate.Limiter

	accountID string
}

// NewClient builds a client without opening a session.
func NewClient(cfg configs.BrokerConfig, logger logrus.FieldLogger) *Client {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	requestLimit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		requestLimit = rate.Limit(cfg.RequestsPerSecond)
	}
	instrumentLimit := rate.Inf
	if cfg.InstrumentInterval > 0 {
		instrumentLimit = rate.Every(cfg.InstrumentInterval)
	}

	return &Client{
		cfg:               cfg,
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:        &http.Client{Timeout: cfg.Timeout},
		logger:            logger.WithField("component", "broker"),
		now:               time.Now,
		requestLimiter:    rate.NewLimiter(requestLimit, 1),
		instrumentLimiter: rate.NewLimiter(instrumentLimit, 1),
	}
}

// Connect opens a sandbox session: register, clear, then seed the currency
// balance. A failure of any step is returned as a *failure.ConnectionError
// and no client is handed out.
func Connect(ctx context.Context, cfg configs.BrokerConfig, logger logrus.FieldLogger) (*Client, error) {
	c := NewClient(cfg, logger)
	if cfg.Token == "" {
		return nil, c.connectionError(fmt.Errorf("empty API token"))
	}

	var reg registerPayload
	if _, err := c.do(ctx, http.MethodPost, "/sandbox/register", nil, map[string]string{"brokerAccountType": "Tinkoff"}, &reg); err != nil {
		return nil, c.connectionError(fmt.Errorf("register: %w", err))
	}
	c.accountID = reg.BrokerAccountID

	if _, err := c.do(ctx, http.MethodPost, "/sandbox/clear", c.accountQuery(), nil, nil); err != nil {
		return nil, c.connectionError(fmt.Errorf("clear: %w", err))
	}

	seed := balanceRequest{Currency: cfg.SandboxCurrency, Balance: cfg.SandboxBalance}
	if _, err := c.do(ctx, http.MethodPost, "/sandbox/currencies/balance", c.accountQuery(), seed, nil); err != nil {
		return nil, c.connectionError(fmt.Errorf("seed balance: %w", err))
	}

	c.logger.WithFields(logrus.Fields{
		"account":  c.accountID,
		"currency": seed.Currency,
		"balance":  seed.Balance,
	}).Info("sandbox session is ready")
	return c, nil
}

// AccountID returns the sandbox account of the session.
func (c *Client) AccountID() string { return c.accountID }

func (c *Client) connectionError(err error) error {
	c.logger.WithError(err).Error("sandbox session failed")
	return &failure.ConnectionError{Stage: failure.StageBrokerConnect, Address: c.baseURL, Err: err}
}

func (c *Client) accountQuery() url.Values {
	if c.accountID == "" {
		return nil
	}
	return url.Values{"brokerAccountId": {c.accountID}}
}

// do performs one API call and decodes the payload into out. It returns the
// HTTP status code, zero when no response arrived.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	if err := c.requestLimiter.Wait(ctx); err != nil {
		return 0, err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, &apiError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || env.Status != statusOK {
		var p errorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return resp.StatusCode, &apiError{StatusCode: resp.StatusCode, Code: p.Code, Message: p.Message}
	}

	if out != nil && len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode payload: %w", err)
		}
	}
	return resp.StatusCode, nil
}
