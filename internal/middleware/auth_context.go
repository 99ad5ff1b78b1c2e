package middleware

import (
	"context"
)

type contextKey string

const (
	AuthContextKey contextKey = "auth_context"
	RequestIDKey   contextKey = "request_id"
)

// AuthContext holds the authenticated caller. Requests without one are
// anonymous.
type AuthContext struct {
	UserID    string
	TokenID   string // jti
	TokenType string
}

func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return val, ok && val != nil
}

func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, auth)
}

// UserID returns the authenticated user, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if ac, ok := GetAuthContext(ctx); ok {
		return ac.UserID
	}
	return ""
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
