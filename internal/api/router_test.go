package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/audit-ledger/audit-ledger/internal/auth"
	"github.com/audit-ledger/audit-ledger/internal/config"
	"github.com/audit-ledger/audit-ledger/internal/db/models"
	"github.com/audit-ledger/audit-ledger/internal/query"
	"github.com/audit-ledger/audit-ledger/internal/ratelimit"
	"github.com/audit-ledger/audit-ledger/internal/services"
	"github.com/audit-ledger/audit-ledger/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "router-test-jwt-secret-32-characters!"

// ---------------------------------------------------------------------------
// minimal storage.Storage mock for readiness tests
// ---------------------------------------------------------------------------

type readinessMockStorage struct{ existsErr error }

func (m *readinessMockStorage) Upload(context.Context, string, io.Reader, storage.UploadOptions) (*storage.UploadResult, error) {
	return nil, nil
}
func (m *readinessMockStorage) Download(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrNotFound
}
func (m *readinessMockStorage) Delete(context.Context, string) error { return nil }
func (m *readinessMockStorage) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", storage.ErrSigningUnsupported
}
func (m *readinessMockStorage) Exists(context.Context, string) (bool, error) {
	return false, m.existsErr
}

// stubLedger answers every read with an empty result
type stubLedger struct{}

func (stubLedger) Record(_ context.Context, id auth.Identity, in services.NewEvent) (*models.AuditEvent, error) {
	return &models.AuditEvent{ID: "evt-1", OrgID: id.OrgID, Action: in.Action}, nil
}
func (stubLedger) List(context.Context, auth.Identity, services.PageRequest) (*services.Page, error) {
	return &services.Page{Data: []*models.AuditEvent{}}, nil
}
func (stubLedger) Count(context.Context, auth.Identity, query.FilterSpec, bool) (int64, error) {
	return 3, nil
}
func (stubLedger) ExportCSV(_ context.Context, _ auth.Identity, _ query.FilterSpec, w io.Writer) (int64, error) {
	_, err := io.WriteString(w, "id\n")
	return 0, err
}
func (stubLedger) ExportJSON(_ context.Context, _ auth.Identity, _ query.FilterSpec, w io.Writer) (int64, error) {
	_, err := io.WriteString(w, "[]")
	return 0, err
}

type nopArchiveStore struct{}

func (nopArchiveStore) Create(context.Context, *models.ExportArchive) error { return nil }
func (nopArchiveStore) Get(context.Context, string, string) (*models.ExportArchive, error) {
	return nil, nil
}

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Security.CORS.AllowedOrigins = []string{"https://console.example.com"}
	cfg.Ledger.MaxFilterValues = 50
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, limiter ratelimit.Limiter) (*gin.Engine, *auth.TokenManager) {
	t.Helper()
	tokens, err := auth.NewTokenManager(testSecret, "audit-ledger", time.Hour, false)
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	deps := Dependencies{
		Ledger:   stubLedger{},
		Archives: nopArchiveStore{},
		Storage:  &readinessMockStorage{},
		Limiter:  limiter,
		Tokens:   tokens,
	}
	return NewEngine(cfg, deps), tokens
}

func bearer(t *testing.T, tokens *auth.TokenManager, id auth.Identity) string {
	t.Helper()
	token, _, err := tokens.Issue(id)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return "Bearer " + token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v; body: %s", err, w.Body.String())
	}
	return body
}

// ---------------------------------------------------------------------------
// healthCheckHandler
// ---------------------------------------------------------------------------

func TestHealthCheckHandler_Healthy(t *testing.T) {
	db := newHealthDB(t, true)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestHealthCheckHandler_Unhealthy(t *testing.T) {
	db := newHealthDB(t, false)

	r := gin.New()
	r.GET("/health", healthCheckHandler(db))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if body := decode(t, w); body["status"] != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", body["status"])
	}
}

// ---------------------------------------------------------------------------
// readinessHandler
// ---------------------------------------------------------------------------

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name      string
		pingOK    bool
		existsErr error
		want      int
	}{
		{"ready", true, nil, http.StatusOK},
		{"database down", false, nil, http.StatusServiceUnavailable},
		{"storage down", true, io.ErrUnexpectedEOF, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newHealthDB(t, tt.pingOK)

			r := gin.New()
			r.GET("/ready", readinessHandler(db, &readinessMockStorage{existsErr: tt.existsErr}))

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if body := decode(t, w); body["ready"] != (tt.want == http.StatusOK) {
				t.Errorf("ready = %v", body["ready"])
			}
		})
	}
}

// ---------------------------------------------------------------------------
// versionHandler
// ---------------------------------------------------------------------------

func TestVersionHandler(t *testing.T) {
	r := gin.New()
	r.GET("/version", versionHandler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["version"] != Version {
		t.Errorf("version = %v, want %s", body["version"], Version)
	}
}

// ---------------------------------------------------------------------------
// NewEngine
// ---------------------------------------------------------------------------

func TestEngine_EventsRequireIdentity(t *testing.T) {
	r, _ := newTestEngine(t, testConfig(), nil)

	for _, path := range []string{"/api/v1/events", "/api/v1/events/count", "/api/v1/events/export.csv"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, w.Code)
		}
	}
}

func TestEngine_AuthenticatedRequest(t *testing.T) {
	r, tokens := newTestEngine(t, testConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/count?action=login", nil)
	req.Header.Set("Authorization", bearer(t, tokens, auth.Identity{OrgID: "org-1", UserID: "u-1", Role: auth.RoleAdmin}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	if body := decode(t, w); body["count"] != float64(3) {
		t.Errorf("count = %v, want 3", body["count"])
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
}

func TestEngine_RateLimitedPerUser(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Rules{
		ratelimit.AuditQuery: {Window: time.Minute, MaxRequests: 2},
	}, 0)
	defer limiter.Stop()

	r, tokens := newTestEngine(t, testConfig(), limiter)
	alice := bearer(t, tokens, auth.Identity{OrgID: "org-1", UserID: "alice", Role: auth.RoleUser})
	bob := bearer(t, tokens, auth.Identity{OrgID: "org-1", UserID: "bob", Role: auth.RoleUser})

	get := func(authz string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.Header.Set("Authorization", authz)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := get(alice); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, w.Code)
		}
	}
	w := get(alice)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if w := get(bob); w.Code != http.StatusOK {
		t.Errorf("other user status = %d, want 200", w.Code)
	}
}

func TestEngine_UnauthenticatedRequestsSpendIPBudget(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Rules{
		ratelimit.AuditQuery: {Window: time.Minute, MaxRequests: 2},
	}, 0)
	defer limiter.Stop()

	r, tokens := newTestEngine(t, testConfig(), limiter)

	get := func(ip, authz string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.RemoteAddr = ip + ":4000"
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := get("198.51.100.7", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", w.Code)
	}
	if w := get("198.51.100.7", "Bearer forged"); w.Code != http.StatusUnauthorized {
		t.Fatalf("invalid token status = %d, want 401", w.Code)
	}
	w := get("198.51.100.7", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third anonymous request status = %d, want 429", w.Code)
	}

	// A valid token from the same address is keyed by user, not by IP
	alice := bearer(t, tokens, auth.Identity{OrgID: "org-1", UserID: "alice", Role: auth.RoleUser})
	if w := get("198.51.100.7", alice); w.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", w.Code)
	}
	if w := get("203.0.113.9", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("other address status = %d, want 401", w.Code)
	}
}

func TestEngine_DevTokenEndpoint(t *testing.T) {
	body := `{"orgId":"org-1","userId":"u-1","role":"admin"}`

	t.Run("disabled", func(t *testing.T) {
		r, _ := newTestEngine(t, testConfig(), nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("dev mode token opens the events api", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.DevMode = true
		r, _ := newTestEngine(t, cfg, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
		}
		token, _ := decode(t, w)["token"].(string)

		req = httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("events status = %d, want 200", w.Code)
		}
	})
}

// ---------------------------------------------------------------------------
// CORSMiddleware
// ---------------------------------------------------------------------------

func TestCORSMiddleware(t *testing.T) {
	r, _ := newTestEngine(t, testConfig(), nil)

	t.Run("preflight from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
		req.Header.Set("Origin", "https://console.example.com")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
		if !strings.Contains(w.Header().Get("Access-Control-Expose-Headers"), "Content-Disposition") {
			t.Error("Content-Disposition must be exposed for export downloads")
		}
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/version", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Access-Control-Allow-Origin = %q, want empty", got)
		}
	})
}

// ---------------------------------------------------------------------------
// LoggerMiddleware
// ---------------------------------------------------------------------------

func TestLoggerMiddleware_OmitsQueryString(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := gin.New()
	r.Use(LoggerMiddleware(testConfig()))
	r.GET("/api/v1/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/events?actorId=alice&ipAddress=10.1.2.3", nil))

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log is not a single JSON record: %v; %s", err, buf.String())
	}
	if record["path"] != "/api/v1/events" || record["status"] != float64(200) {
		t.Errorf("record = %v", record)
	}
	if strings.Contains(buf.String(), "10.1.2.3") || strings.Contains(buf.String(), "alice") {
		t.Errorf("filter values leaked into the request log: %s", buf.String())
	}
}

func TestLoggerMiddleware_LogsAbortedStream(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := gin.New()
	r.Use(LoggerMiddleware(testConfig()))
	r.GET("/api/v1/events/export.csv", func(c *gin.Context) {
		c.Writer.WriteString("id,orgId\n")
		panic(http.ErrAbortHandler)
	})

	func() {
		defer func() {
			if rec := recover(); rec != http.ErrAbortHandler {
				t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
			}
		}()
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/events/export.csv", nil))
	}()

	var record map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log is not a single JSON record: %v; %s", err, buf.String())
	}
	if record["level"] != "ERROR" || record["aborted"] != true {
		t.Errorf("record = %v", record)
	}
}

func TestBackgroundServices_ShutdownEmpty(t *testing.T) {
	bg := &BackgroundServices{}
	if err := bg.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}
