// Package api is the client for the telemetry collection service.
package api

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/serena/serena-cli/internal/config"
	"github.com/serena/serena-cli/internal/logging"
	"github.com/serena/serena-cli/internal/models"
)

// NDJSONContentType is the media type of ingest request bodies.
const NDJSONContentType = "application/x-ndjson"

// IdempotencyHeader carries a batch id so re-delivered batches can be
// recognized.
const IdempotencyHeader = "Idempotency-Key"

// Option customizes a Client.
type Option func(*Client)

// WithTokenSource authenticates every request with tokens from src.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) { c.tokens = src }
}

// Client talks to the collection service. Requests that get no response
// or a 5xx answer are retried with exponential backoff; 4xx answers are
// returned at once.
type Client struct {
	http         *resty.Client
	probe        *resty.Client
	log          *zap.Logger
	tokens       TokenSource
	reachability *Reachability
	baseDelay    time.Duration
}

// New builds a client from cfg. Authentication comes from cfg.Token, or a
// JWT minted from cfg.JWTSecret for deviceID, unless an option overrides it.
func New(cfg config.APIConfig, deviceID string, log *zap.Logger, opts ...Option) *Client {
	log = logging.OrNop(log).Named("api")

	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	c := &Client{
		log:          log,
		reachability: newReachability(log),
		baseDelay:    base,
	}
	c.tokens = TokenSourceFor(cfg, deviceID)

	c.http = resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")+cfg.Prefix).
		SetTimeout(cfg.Timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(base).
		SetRetryMaxWaitTime(backoff(base, retries)).
		SetRetryAfter(c.retryAfter).
		AddRetryCondition(shouldRetry).
		AddRetryHook(c.logRetry).
		OnBeforeRequest(c.authorize).
		OnAfterResponse(c.observe).
		SetHeader("Accept", "application/json").
		SetLogger(log.Sugar())
	c.probe = c.http.Clone().SetRetryCount(0)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reachability fires after every successful response.
func (c *Client) Reachability() *Reachability {
	return c.reachability
}

// backoff is the delay before retry number attempt, counting from 1.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
}

// shouldRetry retries when nothing came back or the service failed.
func shouldRetry(resp *resty.Response, err error) bool {
	if resp == nil {
		return false
	}
	if resp.RawResponse == nil {
		return err != nil
	}
	status := resp.StatusCode()
	return status >= 500 && status <= 599
}

func (c *Client) retryAfter(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
	return backoff(c.baseDelay, resp.Request.Attempt), nil
}

func (c *Client) logRetry(resp *resty.Response, err error) {
	fields := []zap.Field{zap.Int("attempt", resp.Request.Attempt), zap.String("url", resp.Request.URL)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	} else {
		fields = append(fields, zap.Int("status", resp.StatusCode()))
	}
	c.log.Warn("retrying request", fields...)
}

func (c *Client) authorize(_ *resty.Client, req *resty.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	if token != "" {
		req.SetAuthToken(token)
	}
	return nil
}

func (c *Client) observe(_ *resty.Client, resp *resty.Response) error {
	if resp.IsSuccess() {
		c.reachability.Emit()
	}
	return nil
}

// request starts a request bound to ctx.
func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx)
}

// do finishes a request and converts failures to *Error.
func (c *Client) do(req *resty.Request, method, path string) error {
	resp, err := req.Execute(method, path)
	if apiErr := errorFromResponse(resp, err); apiErr != nil {
		c.log.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(apiErr))
		return apiErr
	}
	return nil
}

// Ingest sends records as one NDJSON request.
func (c *Client) Ingest(ctx context.Context, records []models.IngestRecord) (models.IngestResponse, error) {
	return c.ingest(ctx, records, "")
}

// IngestBatch is Ingest with an idempotency key identifying the batch.
func (c *Client) IngestBatch(ctx context.Context, batchID string, records []models.IngestRecord) (models.IngestResponse, error) {
	return c.ingest(ctx, records, batchID)
}

func (c *Client) ingest(ctx context.Context, records []models.IngestRecord, key string) (models.IngestResponse, error) {
	var out models.IngestResponse
	body, err := models.EncodeNDJSON(records)
	if err != nil {
		return out, &Error{Kind: KindRequest, Message: err.Error(), Err: err}
	}

	req := c.request(ctx).
		SetHeader("Content-Type", NDJSONContentType).
		SetBody(body).
		SetResult(&out)
	if key != "" {
		req.SetHeader(IdempotencyHeader, key)
	}
	if err := c.do(req, http.MethodPost, "/ingest"); err != nil {
		return out, err
	}
	c.log.Debug("ingested", zap.Int("records", len(records)), zap.Int("count", out.Count()))
	return out, nil
}
