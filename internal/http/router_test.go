package http_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/config"
	httptransport "github.com/caasio/auth-core/internal/http"
	"github.com/caasio/auth-core/internal/http/handler"
	httpmiddleware "github.com/caasio/auth-core/internal/http/middleware"
	"github.com/caasio/auth-core/internal/mfa"
	"github.com/caasio/auth-core/internal/refresh"
	"github.com/caasio/auth-core/internal/revocation"
	"github.com/caasio/auth-core/internal/service"
	"github.com/caasio/auth-core/internal/session"
	"github.com/caasio/auth-core/internal/session/security"
	"github.com/caasio/auth-core/internal/storage"
	"github.com/caasio/auth-core/internal/telemetry"
	"github.com/caasio/auth-core/internal/token"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	kv := storage.NewMemoryKV()
	logger := zap.NewNop()
	metrics := telemetry.NewMetrics()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kid, err := token.KIDFromPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	provider := token.NewProvider(kid, true)
	provider.AddSigningKey(&token.SigningKey{
		KID: kid, Algorithm: "RS256",
		Private: priv, Public: &priv.PublicKey,
		CreatedAt: time.Now(), Active: true,
	}, "")

	accessTTL := 15 * time.Minute
	refreshTTL := 7 * 24 * time.Hour
	issuer := token.NewIssuer(provider, token.IssuerConfig{
		Issuer: "caas.io", AccessTTL: accessTTL, RefreshTTL: refreshTTL,
	})
	revocations := revocation.NewService(
		revocation.NewStore(kv, 0), revocation.NopPublisher{}, metrics, logger)
	validator := token.NewValidator(provider, revocations, token.ValidatorConfig{
		Issuer: "caas.io", ClockTolerance: 30 * time.Second, MaxTokenSize: 8192,
	})

	sessions := session.NewStore(kv, session.StoreConfig{TTL: time.Hour, MaxPerUser: 5}, metrics, logger)
	renewer := session.NewRenewer(sessions, session.RenewalConfig{
		Enabled: true, TTL: time.Hour, Cooldown: time.Minute, MaxLifetime: 12 * time.Hour, Threshold: 2 * time.Hour,
	}, logger)

	families := refresh.NewFamilyStore(kv, refreshTTL)
	refreshSvc, err := refresh.NewService(
		refresh.NewStore(kv, refreshTTL), families,
		refresh.NewDetector(families, metrics, logger),
		refresh.Policy{Enabled: true, ReuseDetection: true, RevokeFamily: true},
		refreshTTL, logger)
	require.NoError(t, err)

	challenges := mfa.NewEngine(kv, mfa.EngineConfig{
		TTL: 5 * time.Minute, MaxAttempts: 5, MaxSwitches: 3,
	}, map[string]mfa.Verifier{
		mfa.MethodTOTP:       mfa.NewTOTPVerifier(mfa.NewKVSecretSource(kv)),
		mfa.MethodBackupCode: mfa.NewBackupVerifier(mfa.NewBackupStore(kv)),
	}, logger)

	authSvc := service.NewAuthService(
		issuer, validator, sessions, renewer, refreshSvc, revocations,
		security.NewAnomalyDetector(logger), security.NewHijackDetector(logger),
		challenges, accessTTL, logger)

	cfg := config.Config{Environment: "test", ServiceName: "auth-core"}
	return httptransport.NewRouter(cfg,
		handler.NewAuthHandler(authSvc, provider),
		&httpmiddleware.Auth{Service: authSvc, Metrics: metrics},
		metrics, logger)
}

func doJSON(t *testing.T, router *gin.Engine, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func login(t *testing.T, router *gin.Engine) (access, refreshToken string) {
	w := doJSON(t, router, http.MethodPost, "/auth/login", "", gin.H{
		"user_id": "user-1", "tenant_id": "tenant-1", "device_id": "device-a",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	return body["access_token"].(string), body["refresh_token"].(string)
}

func TestLoginRefreshLogoutFlow(t *testing.T) {
	router := newTestRouter(t)
	access, refreshToken := login(t, router)
	require.NotEmpty(t, access)

	w := doJSON(t, router, http.MethodPost, "/auth/refresh", "", gin.H{"refresh_token": refreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	next := body["refresh_token"].(string)
	require.NotEqual(t, refreshToken, next)

	// Replaying the spent token is rejected.
	w = doJSON(t, router, http.MethodPost, "/auth/refresh", "", gin.H{"refresh_token": refreshToken})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "invalid_grant", decode(t, w)["error"])
}

func TestSessionsEndpointRequiresAuth(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/auth/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	access, _ := login(t, router)
	w = doJSON(t, router, http.MethodGet, "/auth/sessions", access, nil)
	require.Equal(t, http.StatusOK, w.Code)

	sessions := decode(t, w)["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	first := sessions[0].(map[string]interface{})
	require.Equal(t, true, first["current"])
	require.Contains(t, first["ip"], ".xxx")
}

func TestTerminateOtherUsersSessionIsNotFound(t *testing.T) {
	router := newTestRouter(t)
	access, _ := login(t, router)

	// Someone else's session.
	other := doJSON(t, router, http.MethodPost, "/auth/login", "", gin.H{
		"user_id": "user-2", "tenant_id": "tenant-1",
	})
	require.Equal(t, http.StatusOK, other.Code)
	otherSession := decode(t, other)["session"].(map[string]interface{})["id"].(string)

	w := doJSON(t, router, http.MethodDelete, "/auth/sessions/"+otherSession, access, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRevokedTokenRejectedWithCode(t *testing.T) {
	router := newTestRouter(t)
	access, refreshToken := login(t, router)

	w := doJSON(t, router, http.MethodPost, "/auth/logout", "", gin.H{"refresh_token": refreshToken})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/auth/sessions", access, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "token_revoked", decode(t, w)["error"])
}

func TestTenantKillSwitch(t *testing.T) {
	router := newTestRouter(t)
	access, _ := login(t, router)

	w := doJSON(t, router, http.MethodPost, "/admin/revoke/tenant", "", gin.H{
		"tenant_id": "tenant-1", "reason": "incident",
	})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/auth/sessions", access, nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, router, http.MethodGet, "/admin/revocations/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(1), decode(t, w)["revoked_tenants"])
}

func TestMFAChallengeEndpoints(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/auth/mfa/verify", "", gin.H{
		"challenge_id": "nope", "code": "000000",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/auth/mfa/switch", "", gin.H{
		"challenge_id": "nope", "method": mfa.MethodBackupCode,
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestJWKSAndHealth(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	keys := decode(t, w)["keys"].([]interface{})
	require.Len(t, keys, 1)
	key := keys[0].(map[string]interface{})
	require.Equal(t, "RSA", key["kty"])
	require.Equal(t, "sig", key["use"])
	require.NotEmpty(t, key["kid"])

	w = doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
