package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	tenantIDKey     contextKey = "tenant_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
	userIDKey       contextKey = "user_id"
)

func SetTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(tenantIDKey).(uuid.UUID)
	return id, ok
}

// SetKeyPrefix records the prefix of the authenticating API key.
func SetKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// SetUserID records the end user acting through the API key.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID returns the end user of the request, or nil when the caller
// did not identify one.
func GetUserID(r *http.Request) *string {
	id, ok := r.Context().Value(userIDKey).(string)
	if !ok || id == "" {
		return nil
	}
	return &id
}

// ActorID names who performs the request in the audit trail: the end user
// when known, otherwise the API key.
func ActorID(r *http.Request) string {
	if id := GetUserID(r); id != nil {
		return "user:" + *id
	}
	if prefix, ok := getKeyPrefix(r); ok {
		return "api_key:" + prefix
	}
	return "anonymous"
}
