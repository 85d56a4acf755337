// Package integration provides a reusable test harness for end-to-end
// integration testing of the casedesk server. It starts a full HTTP server
// against a mock insurance platform, in-memory stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/casedesk/internal/audit"
	"github.com/pitabwire/casedesk/internal/capability"
	"github.com/pitabwire/casedesk/internal/config"
	"github.com/pitabwire/casedesk/internal/definition"
	"github.com/pitabwire/casedesk/internal/observability"
	"github.com/pitabwire/casedesk/internal/platform"
	"github.com/pitabwire/casedesk/internal/review"
	"github.com/pitabwire/casedesk/internal/session"
	"github.com/pitabwire/casedesk/internal/transport"
	"github.com/pitabwire/casedesk/model"
)

// TestHarness encapsulates a fully wired casedesk instance with a mock
// platform for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Client      *platform.Client
	Sessions    *session.Manager
	Audit       *audit.MemoryStore
	Tokens      *review.MemoryTokenStore
	Publisher   *RecordingPublisher
	CapResolver model.CapabilityResolver

	platform *MockBackend
	cfg      *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definition      *model.WorkflowDefinition
	policyFile      string
	handlerTimeout  time.Duration
	platformTimeout time.Duration
	circuitBreaker  *config.CircuitBreakerConfig
	retry           *config.RetryConfig
	caseInterval    time.Duration
	confirmationTTL time.Duration
}

// WithDefinition replaces the built-in underwriting workflow.
func WithDefinition(def model.WorkflowDefinition) HarnessOption {
	return func(c *harnessConfig) {
		c.definition = &def
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithPlatformTimeout sets the HTTP timeout of platform calls.
func WithPlatformTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.platformTimeout = d
	}
}

// WithCircuitBreaker configures the platform circuit breaker.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.circuitBreaker = &cb
	}
}

// WithRetry configures platform retries.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = &r
	}
}

// WithCaseInterval sets how often tracked applications are refreshed.
func WithCaseInterval(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.caseInterval = d
	}
}

// NewTestHarness creates and starts a full casedesk test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:  10 * time.Second,
		platformTimeout: 5 * time.Second,
		caseInterval:    time.Hour,
		confirmationTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Mock platform.
	h.platform = newMockBackend(t, "platform", DefaultPlatformRoutes())

	// Step 2: Workflow definition.
	def := model.DefaultWorkflowDefinition()
	if hc.definition != nil {
		def = *hc.definition
	}
	def.Checksum = definition.Checksum(def)
	h.Registry = definition.NewRegistry(def)

	// Step 3: JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 4: Config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Platform.BaseURL = h.platform.URL()
	h.cfg.Platform.Timeout = hc.platformTimeout
	h.cfg.Platform.Retry = config.RetryConfig{MaxAttempts: 1, IdempotentOnly: true}
	if hc.retry != nil {
		h.cfg.Platform.Retry = *hc.retry
	}
	if hc.circuitBreaker != nil {
		h.cfg.Platform.CircuitBreaker = *hc.circuitBreaker
	}
	h.cfg.Observability.Metrics.Enabled = false

	// Step 5: Platform client, sessions and caches.
	h.Client = platform.NewClient(h.cfg.Platform, nil, nil, nil)

	h.Sessions = session.NewManager(session.Config{
		Platform:       h.Client,
		Definition:     h.Registry,
		CaseInterval:   hc.caseInterval,
		RequestTimeout: hc.platformTimeout,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Sessions.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	queue, err := session.NewQueueCache(h.Client, time.Hour, hc.platformTimeout, nil, nil)
	if err != nil {
		t.Fatalf("queue cache: %v", err)
	}
	claims, err := session.NewClaimsCache(h.Client, time.Hour, hc.platformTimeout, nil, nil)
	if err != nil {
		t.Fatalf("claims cache: %v", err)
	}

	// Step 6: Capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0, nil) // no caching in tests

	// Step 7: Review flows with in-memory stores.
	h.Audit = audit.NewMemoryStore()
	h.Tokens = review.NewMemoryTokenStore()
	h.Publisher = &RecordingPublisher{}

	completer := review.NewCompleter(review.CompleterConfig{
		Platform:   h.Client,
		Definition: h.Registry,
		Sessions:   h.Sessions,
		Tokens:     h.Tokens,
		Audit:      h.Audit,
		Publisher:  h.Publisher,
		TTL:        hc.confirmationTTL,
	})
	reviewer := review.NewReviewer(review.ReviewerConfig{
		Platform:        h.Client,
		Sessions:        h.Sessions,
		Audit:           h.Audit,
		Publisher:       h.Publisher,
		SeniorReviewers: h.cfg.Review.SeniorReviewers,
		Documents:       h.cfg.Review.Documents,
	})

	// Step 8: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour)
	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: h.CapResolver,
		Definition:         h.Registry,
		Sessions:           h.Sessions,
		Completer:          completer,
		Reviewer:           reviewer,
		Audit:              h.Audit,
		Queue:              queue,
		Claims:             claims,
		Readiness: &observability.ReadinessChecks{
			DefinitionLoaded: func() bool { return len(h.Registry.Stages()) > 0 },
			Platform:         h.Client,
			AuditStore:       h.Audit,
			TokenStore:       h.Tokens,
		},
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Platform returns the mock insurance platform.
func (h *TestHarness) Platform() *MockBackend {
	return h.platform
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) model.ErrorEnvelope {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
	return body.Error
}

// --- Recording publisher ---

// RecordingPublisher keeps published events in memory.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

// PublishedEvent is one recorded publish.
type PublishedEvent struct {
	Subject string
	Payload any
}

// Publish records the event.
func (p *RecordingPublisher) Publish(_ context.Context, subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Subject: subject, Payload: payload})
	return nil
}

// Subjects returns the subjects published so far.
func (p *RecordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Subject
	}
	return out
}

// --- Default test claims ---

// ViewerClaims returns TestClaims for a read-only operator.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		Email:     "viewer@insurer.example.com",
		Name:      "Vera Viewer",
		Roles:     []string{"viewer"},
	}
}

// UnderwriterClaims returns TestClaims for an underwriter.
func UnderwriterClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-underwriter",
		Email:     "uw@insurer.example.com",
		Name:      "Uma Underwriter",
		Roles:     []string{"underwriter"},
	}
}

// SeniorClaims returns TestClaims for a senior underwriter.
func SeniorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-senior",
		Email:     "senior@insurer.example.com",
		Name:      "Sam Senior",
		Roles:     []string{"senior_underwriter"},
	}
}

// --- Fixtures ---

// ApplicationFixture returns a platform record whose leading steps carry
// statuses in underwriting order; the remaining steps are pending.
func ApplicationFixture(id, status string, statuses ...string) map[string]any {
	def := model.DefaultWorkflowDefinition()
	steps := make([]any, 0, len(def.StageOrder))
	for i, name := range def.StageOrder {
		st := "pending"
		if i < len(statuses) {
			st = statuses[i]
		}
		steps = append(steps, map[string]any{
			"id":     i + 1,
			"name":   name,
			"status": st,
		})
	}
	return map[string]any{
		"id":            1,
		"applicationId": id,
		"status":        status,
		"currentStep":   def.StageOrder[0],
		"customerId":    42,
		"startTime":     "2026-03-01",
		"lastUpdated":   "2026-03-01",
		"agentData": map[string]any{
			"ingest_llm": map[string]any{
				"normalized_application": map[string]any{
					"personal_details": map[string]any{"fullName": "Asha Rao"},
				},
			},
		},
		"stepHistory": steps,
		"auditTrail": []any{
			map[string]any{"timestamp": "2026-03-01T08:00:00Z", "actor": "AI Agent", "message": "Application received"},
		},
	}
}

// MarkStep returns a copy of app with the named step set to status and
// completed_by set when status is completed.
func MarkStep(app map[string]any, name, status, completedBy string) map[string]any {
	out := make(map[string]any, len(app))
	for k, v := range app {
		out[k] = v
	}
	steps := app["stepHistory"].([]any)
	copied := make([]any, len(steps))
	for i, s := range steps {
		step := s.(map[string]any)
		c := make(map[string]any, len(step))
		for k, v := range step {
			c[k] = v
		}
		if c["name"] == name {
			c["status"] = status
			if completedBy != "" {
				c["completed_by"] = completedBy
			}
		}
		copied[i] = c
	}
	out["stepHistory"] = copied
	return out
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
