package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"inkwell/api/internal/config"
	"inkwell/api/internal/store"
)

// fakeStore is the in-memory store with an overridable ping.
type fakeStore struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{MemoryStore: store.NewMemoryStore()}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.pingFn(ctx)
}

// fakeResolver knows example.com and example.org; every other domain is NXDOMAIN.
type fakeResolver struct{}

func (fakeResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	switch name {
	case "example.com", "example.org":
		return []*net.MX{{Host: "mx." + name + ".", Pref: 10}}, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:       "test-secret",
		CredentialTTL:   time.Hour,
		CORSOrigin:      "*",
		PublicURL:       "http://localhost:3000",
		AdminEmails:     []string{"admin@example.com"},
		GateTimeout:     time.Second,
		TrustedProxies:  []string{"127.0.0.1"},
		ShieldMode:      "ENFORCE",
		ShieldThreshold: 5,
		GlobalLimit:     config.BucketLimit{Capacity: 200, RefillRate: 50, Interval: time.Minute},
		RegisterLimit:   config.BucketLimit{Capacity: 5, RefillRate: 5, Interval: time.Minute},
		LoginLimit:      config.BucketLimit{Capacity: 5, RefillRate: 5, Interval: time.Minute},
		PostLimit:       config.BucketLimit{Capacity: 10, RefillRate: 5, Interval: time.Minute},
		CommentLimit:    config.BucketLimit{Capacity: 2, RefillRate: 2, Interval: 2 * time.Minute},
		RepairBatchSize: 100,
	}
}

func newTestService(fs *fakeStore) *Service {
	return New(testConfig(), fs, Options{Resolver: fakeResolver{}})
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		cache      Pinger
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "database only",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok"},
		},
		{
			name:       "database down",
			pingErr:    errors.New("connection refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "error"},
		},
		{
			name:       "cache healthy",
			cache:      &fakePinger{pingFn: func(context.Context) error { return nil }},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"database": "ok", "cache": "ok"},
		},
		{
			name:       "cache down",
			cache:      &fakePinger{pingFn: func(context.Context) error { return errors.New("dial tcp: refused") }},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"database": "ok", "cache": "error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.pingFn = func(context.Context) error { return tt.pingErr }
			svc := New(testConfig(), fs, Options{Resolver: fakeResolver{}, Cache: tt.cache})
			server := NewHTTPServer(svc, "*")

			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d body=%s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			var response struct {
				OK     bool                         `json:"ok"`
				Status string                       `json:"status"`
				Checks map[string]map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if response.OK != (tt.wantStatus == http.StatusOK) {
				t.Errorf("unexpected ok=%v", response.OK)
			}
			if len(response.Checks) != len(tt.wantChecks) {
				t.Fatalf("expected checks %v, got %v", tt.wantChecks, response.Checks)
			}
			for name, status := range tt.wantChecks {
				if got := response.Checks[name]["status"]; got != status {
					t.Errorf("check %s: expected %s, got %s", name, status, got)
				}
			}
			if tt.pingErr != nil && response.Checks["database"]["error"] != tt.pingErr.Error() {
				t.Errorf("expected database error %q, got %q", tt.pingErr, response.Checks["database"]["error"])
			}
		})
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	for _, path := range []string{"/api/health", "/api/posts/pst_1/comments"} {
		req := httptest.NewRequest(http.MethodOptions, path, nil)
		rr := httptest.NewRecorder()

		server.Handler().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("%s: expected status 204 for OPTIONS, got %d", path, rr.Code)
		}
	}
}

func TestHealthEndpoint_CORSHeaders(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewHTTPServer(newTestService(newFakeStore()), "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/nope", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeError(t, rr).Code; code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
}

func TestPingMethod(t *testing.T) {
	tests := []struct {
		name      string
		pingError error
		wantError bool
	}{
		{
			name:      "healthy database",
			pingError: nil,
			wantError: false,
		},
		{
			name:      "unhealthy database",
			pingError: errors.New("connection failed"),
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStore()
			fs.pingFn = func(context.Context) error {
				return tt.pingError
			}
			svc := newTestService(fs)

			err := svc.Ping(context.Background())
			if (err != nil) != tt.wantError {
				t.Errorf("Ping() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}
