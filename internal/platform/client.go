// Package platform is the HTTP client for the insurance platform API, the
// source of truth for application and step state.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/pitabwire/casedesk/internal/config"
	"github.com/pitabwire/casedesk/internal/extract"
	"github.com/pitabwire/casedesk/internal/observability"
	"github.com/pitabwire/casedesk/model"
)

// maxResponseBytes caps how much of a platform response is read.
const maxResponseBytes = 10 << 20

// Recorder receives per-call platform metrics.
type Recorder interface {
	RecordPlatformRequest(operation string, status int, duration time.Duration)
	RecordPlatformRetry(operation string)
	SetPlatformBreakerState(state string)
}

// Client calls the platform with retries, a circuit breaker and trace
// propagation. It implements model.Platform.
type Client struct {
	baseURL     string
	contract    *Contract
	http        *http.Client
	breaker     *Breaker
	retry       config.RetryConfig
	forwardAuth bool
	logger      *zap.Logger
	recorder    Recorder
}

var _ model.Platform = (*Client)(nil)

// NewClient creates a platform client. contract may be nil to use the
// built-in endpoints; recorder may be nil.
func NewClient(cfg config.PlatformConfig, contract *Contract, logger *zap.Logger, recorder Recorder) *Client {
	if contract == nil {
		contract = DefaultContract()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		contract:    contract,
		retry:       cfg.Retry,
		forwardAuth: cfg.ForwardAuth,
		logger:      logger,
		recorder:    recorder,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}

	cb := cfg.CircuitBreaker
	c.breaker = NewBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout,
		cb.ErrorRateThreshold, cb.ErrorRateWindow,
		WithStateListener(c.onBreakerChange),
	)
	if recorder != nil {
		recorder.SetPlatformBreakerState(BreakerClosed.String())
	}
	return c
}

func (c *Client) onBreakerChange(state BreakerState) {
	if state == BreakerOpen {
		c.logger.Warn("platform circuit breaker opened", zap.String("base_url", c.baseURL))
	} else {
		c.logger.Info("platform circuit breaker state changed", zap.String("state", state.String()))
	}
	if c.recorder != nil {
		c.recorder.SetPlatformBreakerState(state.String())
	}
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// HealthCheck fails while the circuit breaker is open.
func (c *Client) HealthCheck(_ context.Context) error {
	if s := c.breaker.State(); s == BreakerOpen {
		return fmt.Errorf("platform: circuit breaker %s", s)
	}
	return nil
}

// GetApplication fetches one application record.
func (c *Client) GetApplication(ctx context.Context, applicationID string) (model.Application, error) {
	data, err := c.call(ctx, OpGetApplication, []string{applicationID}, nil)
	if err != nil {
		return model.Application{}, err
	}
	app, err := decodeApplication(data)
	if err != nil {
		return model.Application{}, fmt.Errorf("platform: decoding application %s: %w", applicationID, err)
	}
	return app, nil
}

// ListApplications fetches every application and keeps those in status when
// status is set.
func (c *Client) ListApplications(ctx context.Context, status string) ([]model.Application, error) {
	data, err := c.call(ctx, OpListApplications, nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(data, "applications")
	if err != nil {
		return nil, fmt.Errorf("platform: decoding applications: %w", err)
	}

	apps := make([]model.Application, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			continue
		}
		app, err := decodeApplication(raw)
		if err != nil {
			c.logger.Debug("skipping undecodable application",
				zap.Any("record", observability.RedactRecord(item)),
				zap.Error(err),
			)
			continue
		}
		if status != "" && app.Status != status {
			continue
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// ListClaims fetches the raw claim documents.
func (c *Client) ListClaims(ctx context.Context) ([]map[string]any, error) {
	data, err := c.call(ctx, OpListClaims, nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(data, "claims")
	if err != nil {
		return nil, fmt.Errorf("platform: decoding claims: %w", err)
	}
	docs := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			docs = append(docs, m)
		}
	}
	return docs, nil
}

// SubmitReview sends an operator review action.
func (c *Client) SubmitReview(ctx context.Context, req model.ReviewRequest) error {
	_, err := c.call(ctx, OpSubmitReview, nil, req)
	return err
}

// CompleteStep manually completes a step and returns the updated record.
func (c *Client) CompleteStep(ctx context.Context, req model.StepCompletionRequest) (model.Application, error) {
	data, err := c.call(ctx, OpCompleteStep, nil, req)
	if err != nil {
		return model.Application{}, err
	}
	app, err := decodeApplication(data)
	if err != nil {
		return model.Application{}, fmt.Errorf("platform: decoding completion response: %w", err)
	}
	return app, nil
}

// call resolves the operation, checks the body against the contract and
// executes the request.
func (c *Client) call(ctx context.Context, opID string, pathValues []string, body any) (data []byte, err error) {
	op, ok := c.contract.Operation(opID)
	if !ok {
		return nil, fmt.Errorf("platform: operation %s not in contract %s", opID, c.contract.Source())
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("platform: marshal body: %w", err)
		}
		var fields map[string]any
		if json.Unmarshal(bodyBytes, &fields) == nil {
			if ferrs := c.contract.CheckBody(opID, fields); len(ferrs) > 0 {
				return nil, model.NewValidationError(ferrs)
			}
		}
	}

	ctx, span := observability.StartSpan(ctx, "platform."+opID,
		observability.AttrOperation.String(opID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	reqURL := c.baseURL + op.BuildPath(url.PathEscape, pathValues...)
	headers := c.buildHeaders(ctx, op.Method)

	start := time.Now()
	status, data, err := c.executeWithRetry(ctx, opID, op.Method, reqURL, headers, bodyBytes)
	if c.recorder != nil {
		c.recorder.RecordPlatformRequest(opID, status, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	if err := statusError(status, data); err != nil {
		return nil, err
	}
	return data, nil
}

// executeWithRetry wraps executeOnce with retry logic and exponential backoff.
func (c *Client) executeWithRetry(
	ctx context.Context,
	opID, method, reqURL string,
	headers http.Header,
	bodyBytes []byte,
) (int, []byte, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !c.retry.IdempotentOnly

	var (
		lastStatus int
		lastBody   []byte
		lastErr    error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if c.recorder != nil {
				c.recorder.RecordPlatformRetry(opID)
			}
			select {
			case <-ctx.Done():
				return 0, nil, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		status, data, err := c.executeOnce(ctx, method, reqURL, headers, bodyBytes)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return 0, nil, err
			}
			c.logger.Debug("platform call failed, retrying",
				zap.String("operation", opID),
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.Error(err),
			)
			continue
		}

		if isRetryableStatus(status) && canRetry && attempt < maxAttempts-1 {
			lastStatus, lastBody, lastErr = status, data, nil
			c.logger.Debug("platform returned retryable status",
				zap.String("operation", opID),
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
			)
			continue
		}
		return status, data, nil
	}

	if lastErr != nil {
		return 0, nil, lastErr
	}
	return lastStatus, lastBody, nil
}

// executeOnce performs a single request with circuit breaker protection.
func (c *Client) executeOnce(ctx context.Context, method, reqURL string, headers http.Header, bodyBytes []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", err, model.NewBackendUnavailableError())
	}

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("platform: build request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.Failure()
		return 0, nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.Failure()
		return 0, nil, classifyTransportError(ctx, err)
	}

	// 4xx are the caller's problem, not the platform's health.
	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure()
	case resp.StatusCode < 400:
		c.breaker.Success()
	}
	return resp.StatusCode, data, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return model.NewBackendTimeoutError()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.NewBackendTimeoutError()
	}
	if isConnectionError(err) {
		return model.NewBackendUnavailableError()
	}
	return fmt.Errorf("platform: request failed: %w", err)
}

func (c *Client) buildHeaders(ctx context.Context, method string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}

	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if c.forwardAuth && rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		if rctx.SubjectID != "" {
			h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		}
	}

	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

var errorDetail = extract.Chain[string]{
	extract.StringAt("detail"),
	func(payload any) (string, bool) {
		// Validation failures carry a list of {loc, msg} objects.
		items, ok := extract.ListAt("detail")(payload)
		if !ok {
			return "", false
		}
		return extract.StringAt("msg")(items[0])
	},
	extract.StringAt("message"),
	extract.StringAt("error"),
}

// statusError maps a non-2xx platform status to an error envelope.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var payload any
	_ = json.Unmarshal(body, &payload)
	detail := errorDetail.Extract(payload, "")

	switch {
	case status == http.StatusNotFound:
		if detail == "" {
			detail = "Application not found on the insurance platform"
		}
		return model.NewNotFoundError(detail)
	case status >= 400 && status < 500:
		return model.NewBackendRejectedError(status, detail)
	default:
		return model.NewBackendUnavailableError()
	}
}

var listKeys = []string{"items", "data", "results"}

// decodeList accepts a bare JSON array or an object wrapping one.
func decodeList(data []byte, key string) ([]any, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	if arr, ok := payload.([]any); ok {
		return arr, nil
	}
	chain := extract.Chain[[]any]{extract.ListAt(key)}
	for _, k := range listKeys {
		chain = append(chain, extract.ListAt(k))
	}
	if items := chain.Extract(payload, nil); items != nil {
		return items, nil
	}
	if _, ok := payload.(map[string]any); ok {
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected %T payload", payload)
}

// decodeApplication decodes a record, tolerating malformed step entries.
func decodeApplication(data []byte) (model.Application, error) {
	var app model.Application
	if err := json.Unmarshal(data, &app); err == nil {
		return app, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.Application{}, err
	}
	history, _ := raw["stepHistory"].([]any)
	delete(raw, "stepHistory")

	stripped, err := json.Marshal(raw)
	if err != nil {
		return model.Application{}, err
	}
	if err := json.Unmarshal(stripped, &app); err != nil {
		return model.Application{}, err
	}
	app.StepHistory = extract.DecodeSteps(history)
	return app, nil
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError reports whether a transport error is worth another
// attempt. An open breaker or an expired context is final.
func isRetryableError(err error) bool {
	if errors.Is(err, ErrBreakerOpen) {
		return false
	}
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return true
	}
	return ee.Code == model.ErrBackendUnavailable
}

// isConnectionError includes a connection the platform closed mid-response.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
