package wsgateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sentryhealth/voicegateway/internal/config"
	"github.com/sentryhealth/voicegateway/internal/identity"
	"github.com/sentryhealth/voicegateway/pkg/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestGateway(allowedOrigins []string) *Gateway {
	cfg := &config.Settings{AllowedOrigins: allowedOrigins}
	logger := logging.Build(true)
	verifier := identity.NewVerifier("", true, nil)
	return New(cfg, logger, verifier)
}

func TestCheckOriginAllowsAllWhenUnconfigured(t *testing.T) {
	g := newTestGateway(nil)
	req := httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
	req.Header.Set("Origin", "https://anything.example")

	if !g.checkOrigin(req) {
		t.Error("checkOrigin() = false with no configured allowlist, want true")
	}
}

func TestCheckOriginRejectsUnlistedOrigin(t *testing.T) {
	g := newTestGateway([]string{"https://app.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
	req.Header.Set("Origin", "https://evil.example")

	if g.checkOrigin(req) {
		t.Error("checkOrigin() = true for an origin outside the allowlist, want false")
	}
}

func TestCheckOriginAllowsListedOrigin(t *testing.T) {
	g := newTestGateway([]string{"https://app.example"})
	req := httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
	req.Header.Set("Origin", "https://app.example")

	if !g.checkOrigin(req) {
		t.Error("checkOrigin() = false for a listed origin, want true")
	}
}

func TestCheckOriginWildcard(t *testing.T) {
	g := newTestGateway([]string{"*"})
	req := httptest.NewRequest(http.MethodGet, "/ws/voice", nil)
	req.Header.Set("Origin", "https://anything.example")

	if !g.checkOrigin(req) {
		t.Error("checkOrigin() = false with a \"*\" allowlist entry, want true")
	}
}

func TestHandleStatsReportsNoSessionsWhenEmpty(t *testing.T) {
	g := newTestGateway(nil)
	router := gin.New()
	g.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/ws/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"active_sessions":0`) {
		t.Errorf("body = %q, want it to report zero active sessions", body)
	}
}

func TestRegisterUnregisterTracksSessionCount(t *testing.T) {
	g := newTestGateway(nil)
	live := &liveSession{sessionID: "s1"}

	g.register(live)
	router := gin.New()
	g.RegisterRoutes(router)

	req := httptest.NewRequest(http.MethodGet, "/ws/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if body := rec.Body.String(); !strings.Contains(body, `"active_sessions":1`) {
		t.Fatalf("body = %q, want active_sessions:1 after register", body)
	}

	g.unregister("s1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if body := rec.Body.String(); !strings.Contains(body, `"active_sessions":0`) {
		t.Fatalf("body = %q, want active_sessions:0 after unregister", body)
	}
}

// Shutdown must return promptly, not hang, when nothing is connected.
func TestShutdownReturnsImmediatelyWithNoLiveSessions(t *testing.T) {
	g := newTestGateway(nil)
	done := make(chan struct{})
	go func() {
		g.Shutdown()
		close(done)
	}()
	<-done
}
