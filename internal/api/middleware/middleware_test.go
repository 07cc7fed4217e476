package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tenantlytics/internal/api/middleware"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock KeyStore ---

type mockKeyStore struct {
	keys []*models.APIKey
	err  error
}

func (m *mockKeyStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return m.keys, m.err
}
func (m *mockKeyStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// --- Mock Counter ---

type mockCounter struct {
	counter int64
	err     error
}

func (m *mockCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	m.counter++
	return m.counter, m.err
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func keyStoreFor(t *testing.T, rawKey string, tenantID uuid.UUID, scopes ...string) *mockKeyStore {
	t.Helper()
	return &mockKeyStore{keys: []*models.APIKey{{
		ID:        uuid.New(),
		TenantID:  tenantID,
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:8],
		Scopes:    scopes,
	}}}
}

func withPrefix(r *http.Request, prefix string) *http.Request {
	return r.WithContext(mw.SetKeyPrefix(r.Context(), prefix))
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer short")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{keys: []*models.APIKey{}})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer tl_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_StoreError(t *testing.T) {
	auth := mw.NewAuth(&mockKeyStore{err: errors.New("connection refused")})
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer tl_test1234567890")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestAuth_WrongPassword(t *testing.T) {
	rawKey := "tl_test1234567890abcdef"
	ks := keyStoreFor(t, "tl_test1_different_key_entirely", uuid.New(), "read")
	auth := mw.NewAuth(ks)
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_RevokedKeyRejected(t *testing.T) {
	rawKey := "tl_test1234567890abcdef"
	ks := keyStoreFor(t, rawKey, uuid.New(), "read")
	deleted := time.Now()
	ks.keys[0].DeletedAt = &deleted
	handler := mw.NewAuth(ks).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "tl_test1234567890abcdef"
	tenantID := uuid.New()
	auth := mw.NewAuth(keyStoreFor(t, rawKey, tenantID, "read", "admin"))

	var gotTenantID uuid.UUID
	var gotOK bool
	var gotActor string
	var gotUser *string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenantID, gotOK = mw.GetTenantID(r)
		gotActor = mw.ActorID(r)
		gotUser = mw.GetUserID(r)
		w.WriteHeader(http.StatusOK)
	})
	handler := auth.Authenticate(inner)

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gotOK)
	assert.Equal(t, tenantID, gotTenantID)
	assert.Equal(t, "api_key:tl_test1", gotActor)
	assert.Nil(t, gotUser)
}

func TestAuth_UserHeaderSetsActor(t *testing.T) {
	rawKey := "tl_test1234567890abcdef"
	auth := mw.NewAuth(keyStoreFor(t, rawKey, uuid.New(), "read"))

	var gotActor string
	var gotUser *string
	handler := auth.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor = mw.ActorID(r)
		gotUser = mw.GetUserID(r)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	req.Header.Set(mw.UserIDHeader, "alice")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "user:alice", gotActor)
	require.NotNil(t, gotUser)
	assert.Equal(t, "alice", *gotUser)
}

func TestAuth_WebSocketQueryToken(t *testing.T) {
	rawKey := "tl_test1234567890abcdef"
	handler := mw.NewAuth(keyStoreFor(t, rawKey, uuid.New(), "read")).Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/ws?access_token="+rawKey, nil)
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	plain := httptest.NewRequest("GET", "/test?access_token="+rawKey, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, plain)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_RequireScope_Allowed(t *testing.T) {
	rawKey := "tl_admin_1234567890abcdef"
	auth := mw.NewAuth(keyStoreFor(t, rawKey, uuid.New(), "read", mw.ScopeAdmin))

	handler := auth.Authenticate(auth.RequireScope(mw.ScopeAdmin)(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_RequireScope_Denied(t *testing.T) {
	rawKey := "tl_read__1234567890abcdef"
	auth := mw.NewAuth(keyStoreFor(t, rawKey, uuid.New(), "read"))

	handler := auth.Authenticate(auth.RequireScope(mw.ScopeAdmin)(okHandler()))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", errBody(t, w)["code"])
}

// ========================================
// Plan Tier Middleware Tests
// ========================================

type mockOrgs struct {
	orgs map[uuid.UUID]*models.Organization
	err  error
}

func (m *mockOrgs) GetOrganization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	if m.err != nil {
		return nil, m.err
	}
	org, ok := m.orgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return org, nil
}

func tierRequest(tenantID uuid.UUID) *http.Request {
	req := httptest.NewRequest("GET", "/api/v1/audit", nil)
	return req.WithContext(mw.SetTenantID(req.Context(), tenantID))
}

func TestRequireTier(t *testing.T) {
	free, pro, enterprise := uuid.New(), uuid.New(), uuid.New()
	orgs := &mockOrgs{orgs: map[uuid.UUID]*models.Organization{
		free:       {ID: free, PlanID: "free"},
		pro:        {ID: pro, PlanID: "pro"},
		enterprise: {ID: enterprise, PlanID: "enterprise"},
	}}
	handler := mw.RequireTier(plans.Default(), orgs, "pro")(okHandler())

	tests := []struct {
		name     string
		tenantID uuid.UUID
		status   int
	}{
		{"pro admitted", pro, http.StatusOK},
		{"higher plan admitted", enterprise, http.StatusOK},
		{"lower plan rejected", free, http.StatusForbidden},
		{"unknown tenant rejected", uuid.New(), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, tierRequest(tt.tenantID))
			require.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusForbidden {
				assert.Equal(t, "PLAN_TIER_REQUIRED", errBody(t, w)["code"])
			}
		})
	}
}

func TestRequireTier_NoTenant(t *testing.T) {
	handler := mw.RequireTier(plans.Default(), &mockOrgs{}, "pro")(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/audit", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireTier_LookupError(t *testing.T) {
	handler := mw.RequireTier(plans.Default(), &mockOrgs{err: errors.New("db down")}, "pro")(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, tierRequest(uuid.New()))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{}, 60)
	handler := rl.Limit(okHandler())

	req := withPrefix(httptest.NewRequest("GET", "/test", nil), "tl_test1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	mc := &mockCounter{counter: 60} // next IncrWithExpiry will return 61
	rl := mw.NewRateLimit(mc, 60)
	handler := rl.Limit(okHandler())

	req := withPrefix(httptest.NewRequest("GET", "/test", nil), "tl_over1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_CounterErrorFailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{err: errors.New("redis down")}, 60)
	handler := rl.Limit(okHandler())

	req := withPrefix(httptest.NewRequest("GET", "/test", nil), "tl_test1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoKeyPrefix_PassThrough(t *testing.T) {
	rl := mw.NewRateLimit(&mockCounter{}, 60)
	handler := rl.Limit(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	handler := mw.Recovery(panicking)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	handler := mw.Recovery(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	handler := mw.Logger(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestLogger_ExposesHijacker(t *testing.T) {
	var hijackable bool
	handler := mw.Logger(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, hijackable = w.(http.Hijacker)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	assert.True(t, hijackable)
}
