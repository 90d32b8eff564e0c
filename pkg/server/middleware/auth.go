package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/de-tools/health-audit/pkg/models/api"
	"github.com/de-tools/health-audit/pkg/models/domain"
	"github.com/rs/zerolog"
)

// Principal is an authenticated caller, bound to exactly one tenant.
type Principal struct {
	ID         string
	Tenant     string
	CanTrigger bool
	CanRead    bool
}

// Authorizer resolves a bearer token to a principal. ok is false for unknown tokens.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (Principal, bool)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type tokenEntry struct {
	token     string
	principal Principal
}

// StaticTokens is an Authorizer backed by a fixed token table.
type StaticTokens struct {
	entries []tokenEntry
}

func NewStaticTokens(tokens map[string]Principal) *StaticTokens {
	s := &StaticTokens{entries: make([]tokenEntry, 0, len(tokens))}
	for token, p := range tokens {
		s.entries = append(s.entries, tokenEntry{token: token, principal: p})
	}
	return s
}

func (s *StaticTokens) Authorize(_ context.Context, token string) (Principal, bool) {
	if token == "" {
		return Principal{}, false
	}
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) == 1 {
			return e.principal, true
		}
	}
	return Principal{}, false
}

// Authenticate rejects requests without a known bearer token and stores the principal in
// the request context.
func Authenticate(authorizer Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token, found := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
			if !found {
				token = ""
			}
			p, ok := authorizer.Authorize(req.Context(), strings.TrimSpace(token))
			if !ok {
				writeError(w, req, http.StatusUnauthorized, "missing or unknown bearer token")
				return
			}

			logger := zerolog.Ctx(req.Context()).With().
				Str("principal", p.ID).
				Str("tenant", p.Tenant).
				Logger()
			ctx := WithPrincipal(logger.WithContext(req.Context()), p)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// RequireTrigger rejects principals that may not trigger runs. It must run after Authenticate
// and ahead of RateLimit.
func RequireTrigger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p, ok := PrincipalFrom(req.Context())
		if !ok {
			writeError(w, req, http.StatusUnauthorized, domain.ErrUnauthorized.Error())
			return
		}
		if !p.CanTrigger {
			writeError(w, req, http.StatusForbidden, domain.ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, req)
	})
}

func writeError(w http.ResponseWriter, req *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(api.Error{Error: msg}); err != nil {
		zerolog.Ctx(req.Context()).Error().Err(err).Msg("failed to encode error response")
	}
}
