// Package resource fetches tender data from the upstream procurement API.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Scandie/openprocurement.auction.dutch/internal/config"
)

// ErrNotFound is returned when the upstream API no longer has the tender.
var ErrNotFound = errors.New("tender not found")

// MaxRetries bounds the retries of one upstream call, whatever the
// elapsed-time limit.
const MaxRetries = 3

// RequestIDHeader carries the id used to correlate a call and its retries.
const RequestIDHeader = "X-Request-ID"

// Tender is the subset of an upstream tender the auction is built from.
type Tender struct {
	ID          string
	Status      string
	StartDate   time.Time
	Value       decimal.Decimal
	Currency    string
	BidderCount int
	// Raw is the upstream "data" object as received.
	Raw json.RawMessage
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type tenderData struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	AuctionPeriod *struct {
		StartDate *time.Time `json:"startDate"`
	} `json:"auctionPeriod"`
	Value *struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	} `json:"value"`
	Bids []json.RawMessage `json:"bids"`
}

// Client reads one tender and its auction sub-resource.
type Client struct {
	http       *http.Client
	tenderURL  string
	token      string
	timeout    time.Duration
	maxElapsed time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewClient returns a Client for tenderID. All calls share one
// instrumented *http.Client.
func NewClient(cfg config.ResourceAPIConfig, tenderID string, logger *slog.Logger, tp trace.TracerProvider) *Client {
	return &Client{
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport, otelhttp.WithTracerProvider(tp)),
		},
		tenderURL:  cfg.TenderURL(tenderID),
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		maxElapsed: cfg.MaxElapsed,
		logger:     logger,
		tracer:     tp.Tracer("github.com/Scandie/openprocurement.auction.dutch/internal/resource"),
	}
}

// Tender fetches the tender itself. No credentials are sent.
func (c *Client) Tender(ctx context.Context, requestID string) (*Tender, error) {
	return c.fetch(ctx, "Client.Tender", c.tenderURL, false, requestID)
}

// Auction fetches the auction sub-resource using the API token.
func (c *Client) Auction(ctx context.Context, requestID string) (*Tender, error) {
	return c.fetch(ctx, "Client.Auction", c.tenderURL+"/auction", true, requestID)
}

func (c *Client) fetch(ctx context.Context, op, url string, auth bool, requestID string) (*Tender, error) {
	ctx, span := c.tracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("http.url", url),
			attribute.String("request_id", requestID),
		),
	)
	defer span.End()

	var body []byte
	attempt := func() error {
		b, err := c.get(ctx, url, auth, requestID)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = c.maxElapsed
	b := backoff.WithMaxRetries(eb, MaxRetries)
	notify := func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "retrying upstream request",
			slog.String("url", url),
			slog.String("request_id", requestID),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
	}
	if err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}

	t, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", url, err)
	}
	return t, nil
}

// get performs one attempt. Errors that must not be retried are wrapped
// with backoff.Permanent.
func (c *Client) get(ctx context.Context, url string, auth bool, requestID string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if auth {
		req.SetBasicAuth(c.token, "")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%s: %w", url, ErrNotFound))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: upstream status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("%s: upstream status %d: %s", url, resp.StatusCode, body))
	}
	return body, nil
}

func decode(body []byte) (*Tender, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, errors.New("response has no data")
	}

	var d tenderData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, err
	}

	t := &Tender{
		ID:          d.ID,
		Status:      d.Status,
		BidderCount: len(d.Bids),
		Raw:         append(json.RawMessage(nil), env.Data...),
	}
	if d.AuctionPeriod != nil && d.AuctionPeriod.StartDate != nil {
		t.StartDate = *d.AuctionPeriod.StartDate
	}
	if d.Value != nil {
		t.Value = d.Value.Amount
		t.Currency = d.Value.Currency
	}
	return t, nil
}
