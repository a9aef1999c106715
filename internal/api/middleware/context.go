package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const (
	requesterRefKey contextKey = "requester_ref"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
)

// SetRequesterRef stores the authenticated requester in ctx.
func SetRequesterRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, requesterRefKey, ref)
}

func GetRequesterRef(r *http.Request) (string, bool) {
	ref, ok := r.Context().Value(requesterRefKey).(string)
	return ref, ok && ref != ""
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
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

// ExportedKeyPrefixKey returns the context key for key_prefix (for testing).
func ExportedKeyPrefixKey() contextKey {
	return keyPrefixKey
}
