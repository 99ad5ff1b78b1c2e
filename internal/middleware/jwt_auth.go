package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/technosupport/licensegate/internal/apperr"
	"github.com/technosupport/licensegate/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens  TokenValidator
	revoked tokens.Revocations
	logger  *slog.Logger
}

// NewJWTAuth builds the bearer-token middleware. revoked may be nil when no
// revocation store is configured.
func NewJWTAuth(t TokenValidator, revoked tokens.Revocations, logger *slog.Logger) *JWTAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTAuth{tokens: t, revoked: revoked, logger: logger.With("component", "jwt_auth")}
}

// Optional attaches the caller when a bearer token is present and leaves
// the request anonymous otherwise. A token that is present but invalid is
// rejected.
func (m *JWTAuth) Optional(next http.Handler) http.Handler {
	return m.handler(next, false)
}

// Required rejects anonymous requests.
func (m *JWTAuth) Required(next http.Handler) http.Handler {
	return m.handler(next, true)
}

func (m *JWTAuth) handler(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			if required {
				WriteError(w, apperr.New(apperr.KindAuthRequired, "authentication required"))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		ac, ok := m.authenticate(r, authHeader)
		if !ok {
			WriteError(w, apperr.New(apperr.KindAuthRequired, "invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

func (m *JWTAuth) authenticate(r *http.Request, header string) (*AuthContext, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return nil, false
	}

	claims, err := m.tokens.ValidateToken(parts[1])
	if err != nil {
		m.logger.Debug("token rejected", "request_id", RequestID(r.Context()), "error", err)
		return nil, false
	}
	if claims.TokenType != tokens.Access && claims.TokenType != tokens.Service {
		return nil, false
	}

	if m.revoked != nil {
		revoked, err := m.revoked.IsRevoked(r.Context(), claims.ID)
		if err != nil {
			// Fail closed.
			m.logger.Warn("revocation check failed", "request_id", RequestID(r.Context()), "error", err)
			return nil, false
		}
		if revoked {
			return nil, false
		}
	}

	return &AuthContext{
		UserID:    claims.UserID,
		TokenID:   claims.ID,
		TokenType: string(claims.TokenType),
	}, true
}
