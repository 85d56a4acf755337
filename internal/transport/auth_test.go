package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/casedesk/internal/config"
	"github.com/pitabwire/casedesk/model"
)

// --- test helpers ---

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.Bytes()),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.Bytes()),
	}
}

func startJWKSServer(t *testing.T, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "casedesk",
		Algorithms: []string{"RS256", "ES256"},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-1",
		"email": "ada@example.com",
		"name":  "Ada Reviewer",
		"roles": []string{"underwriter"},
		"iss":   "https://auth.example.com",
		"aud":   "casedesk",
		"exp":   jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

func decodeErrorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Message
}

// --- JWKSClient tests ---

func TestJWKSClient_GetKey(t *testing.T) {
	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t)
	jwks := startJWKSServer(t,
		rsaKeyToJWK("rsa-key-1", &rsaKey.PublicKey),
		ecKeyToJWK("ec-key-1", &ecKey.PublicKey),
		map[string]any{"kid": "oct-key", "kty": "oct", "k": "c2VjcmV0"},
	)
	client := NewJWKSClient(jwks.URL, time.Hour)

	key, err := client.GetKey(context.Background(), "rsa-key-1")
	if err != nil {
		t.Fatalf("GetKey(rsa): %v", err)
	}
	if pub, ok := key.(*rsa.PublicKey); !ok || pub.N.Cmp(rsaKey.N) != 0 {
		t.Errorf("rsa key = %T, want the published modulus", key)
	}

	key, err = client.GetKey(context.Background(), "ec-key-1")
	if err != nil {
		t.Fatalf("GetKey(ec): %v", err)
	}
	if pub, ok := key.(*ecdsa.PublicKey); !ok || pub.X.Cmp(ecKey.X) != 0 {
		t.Errorf("ec key = %T, want the published point", key)
	}

	if _, err := client.GetKey(context.Background(), "oct-key"); err == nil {
		t.Error("symmetric keys should be skipped")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	callCount := 0
	rsaKey := generateRSAKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		keys := []map[string]any{rsaKeyToJWK("cached-key", &rsaKey.PublicKey)}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Hour)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	_, _ = client.GetKey(context.Background(), "cached-key")
	_, _ = client.GetKey(context.Background(), "cached-key")
	if callCount != 1 {
		t.Fatalf("JWKS fetched %d times, want 1 (should be cached)", callCount)
	}

	// Unknown kids inside the refresh window do not hit the provider.
	if _, err := client.GetKey(context.Background(), "other-key"); err == nil {
		t.Error("unknown kid should fail")
	}
	if callCount != 1 {
		t.Errorf("JWKS fetched %d times, want 1 inside the refresh window", callCount)
	}

	now = now.Add(2 * time.Hour)
	_, _ = client.GetKey(context.Background(), "cached-key")
	if callCount != 2 {
		t.Errorf("JWKS fetched %d times, want 2 after the TTL", callCount)
	}
}

func TestJWKSClient_staleKeyOnFailure(t *testing.T) {
	rsaKey := generateRSAKey(t)
	fail := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		keys := []map[string]any{rsaKeyToJWK("key-1", &rsaKey.PublicKey)}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	if _, err := client.GetKey(context.Background(), "key-1"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	fail = true
	now = now.Add(time.Hour)
	if _, err := client.GetKey(context.Background(), "key-1"); err != nil {
		t.Errorf("GetKey after failed refresh = %v, want the cached key", err)
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should report the failing provider")
	}
}

// --- JWTAuthenticator tests ---

func TestJWTAuthenticator_validToken(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwksSrv := startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey))

	cfg := testIdentityCfg()
	jwksClient := NewJWKSClient(jwksSrv.URL, time.Hour)

	tokenStr := signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", validClaims())

	handler := JWTAuthenticator(cfg, jwksClient)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if sub, _ := claims["sub"].(string); sub != "user-1" {
			t.Errorf("sub = %q, want user-1", sub)
		}
		if got := bearerTokenFrom(r.Context()); got != tokenStr {
			t.Error("raw token should be kept for forwarding")
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestJWTAuthenticator_validToken_EC(t *testing.T) {
	ecKey := generateECKey(t)
	jwksSrv := startJWKSServer(t, ecKeyToJWK("ec-key", &ecKey.PublicKey))

	handler := JWTAuthenticator(testIdentityCfg(), NewJWKSClient(jwksSrv.URL, time.Hour))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, ecKey, jwt.SigningMethodES256, "ec-key", validClaims()))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwksSrv := startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey))

	sign := func(kid string, mutate func(jwt.MapClaims)) string {
		claims := validClaims()
		if mutate != nil {
			mutate(claims)
		}
		return signJWT(t, rsaKey, jwt.SigningMethodRS256, kid, claims)
	}

	tests := []struct {
		name       string
		header     string
		algorithms []string
		want       string
	}{
		{"missing header", "", nil, "Missing authorization header"},
		{"basic scheme", "Basic dXNlcjpwYXNz", nil, "Invalid authorization header format"},
		{"empty bearer", "Bearer ", nil, "Invalid authorization header format"},
		{"garbage", "Bearer not-a-jwt", nil, "Invalid token"},
		{"expired", "Bearer " + sign("test-key", func(c jwt.MapClaims) {
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		}), nil, "Token expired"},
		{"wrong issuer", "Bearer " + sign("test-key", func(c jwt.MapClaims) {
			c["iss"] = "https://evil.example.com"
		}), nil, "Invalid token issuer"},
		{"wrong audience", "Bearer " + sign("test-key", func(c jwt.MapClaims) {
			c["aud"] = "another-service"
		}), nil, "Invalid token audience"},
		{"missing exp", "Bearer " + sign("test-key", func(c jwt.MapClaims) {
			delete(c, "exp")
		}), nil, "Token is missing a required claim"},
		{"unknown kid", "Bearer " + sign("unknown-key", nil), nil, "Unknown signing key"},
		{"disallowed algorithm", "Bearer " + sign("test-key", nil), []string{"ES256"}, "Disallowed signing algorithm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIdentityCfg()
			if tt.algorithms != nil {
				cfg.Algorithms = tt.algorithms
			}
			handler := JWTAuthenticator(cfg, NewJWKSClient(jwksSrv.URL, time.Hour))(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					t.Error("handler should not be called")
				}))

			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != 401 {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if got := decodeErrorMessage(t, w); got != tt.want {
				t.Errorf("message = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwksSrv := startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey))

	handler := JWTAuthenticator(testIdentityCfg(), NewJWKSClient(jwksSrv.URL, time.Hour))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	// Expired 15 seconds ago, inside the 30s leeway.
	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", claims))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200 (token within clock skew tolerance)", w.Code)
	}
}

func TestJWTAuthenticator_websocketQueryToken(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwksSrv := startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey))
	handler := JWTAuthenticator(testIdentityCfg(), NewJWKSClient(jwksSrv.URL, time.Hour))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))

	token := signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", validClaims())

	plain := httptest.NewRequest("GET", "/api/cases/APP-1/stream?access_token="+token, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, plain)
	if w.Code != 401 {
		t.Errorf("plain request status = %d, want 401 (query tokens only on upgrades)", w.Code)
	}

	upgrade := httptest.NewRequest("GET", "/api/cases/APP-1/stream?access_token="+token, nil)
	upgrade.Header.Set("Connection", "Upgrade")
	upgrade.Header.Set("Upgrade", "websocket")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, upgrade)
	if w.Code != 200 {
		t.Errorf("upgrade status = %d, want 200", w.Code)
	}
}
