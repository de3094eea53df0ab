package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://bazaar.example.com", want: "wss://bazaar.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateSecurityConfig(Config{RequireAuth: false}))
	assert.Error(t, ValidateSecurityConfig(Config{RequireAuth: true}))
	assert.Error(t, ValidateSecurityConfig(Config{RequireAuth: true, JWTSecret: "short"}))
	assert.NoError(t, ValidateSecurityConfig(Config{RequireAuth: true, JWTSecret: strings.Repeat("k", 32)}))
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("BAZAAR_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("BAZAAR_REQUIRE_AUTH", "false")
	t.Setenv("BAZAAR_WS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("BAZAAR_DB_MAX_CONNS", "-3")

	cfg := LoadConfig()
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	assert.False(t, cfg.RequireAuth)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WSAllowedOrigins)
	assert.EqualValues(t, 10, cfg.DBMaxConns)
	assert.Equal(t, "bazaar", cfg.DBSchema)
	assert.True(t, cfg.MetricsEnabled)
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	cfg := Config{
		HTTPAddr:         "127.0.0.1:0",
		RequireAuth:      false,
		WSAllowedOrigins: []string{"*"},
		MetricsEnabled:   true,
	}
	a, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(a.closeResources)
	return a
}

func TestNew_RejectsInsecureConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{RequireAuth: true}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}

func TestApp_InMemoryEndToEnd(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		res, err := srv.Client().Get(srv.URL + path)
		require.NoError(t, err)
		defer func() { _ = res.Body.Close() }()
		b, _ := io.ReadAll(res.Body)
		return res.StatusCode, string(b)
	}

	status, _ := get("/healthz")
	assert.Equal(t, http.StatusOK, status)
	status, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, status)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/conversations", strings.NewReader(`{"listing_id":"l1","seller_id":"s1"}`))
	require.NoError(t, err)
	req.Header.Set("X-Bazaar-User", "b1")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))

	var body struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.NotEmpty(t, body.Conversation.ID)

	status, metrics := get("/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, metrics, "bazaar_messaging_conversations_created_total 1")
}

func TestReadyz_RequireDB(t *testing.T) {
	t.Parallel()

	a := newTestApp(t)
	a.cfg.ReadinessRequireDB = true

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestApp_BoltStoreSurvivesRestart(t *testing.T) {
	t.Parallel()

	cfg := Config{
		HTTPAddr:         "127.0.0.1:0",
		BoltPath:         filepath.Join(t.TempDir(), "bazaar.bolt"),
		WSAllowedOrigins: []string{"*"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	create := func(a *App) string {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/conversations", strings.NewReader(`{"listing_id":"l1","seller_id":"s1"}`))
		req.Header.Set("X-Bazaar-User", "b1")
		a.Handler().ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var body struct {
			Conversation struct {
				ID string `json:"id"`
			} `json:"conversation"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		return body.Conversation.ID
	}

	first, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	id := create(first)
	first.closeResources()

	second, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(second.closeResources)
	assert.Equal(t, id, create(second))
}
