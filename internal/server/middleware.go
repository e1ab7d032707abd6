package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/quantfold/stockdata/internal/auth"
	"github.com/quantfold/stockdata/internal/domain"
)

type contextKey string

const authContextKey contextKey = "auth_context"

// authContextFrom returns the authentication context attached by the
// admission middleware, or nil for unauthenticated requests.
func authContextFrom(ctx context.Context) *domain.AuthContext {
	ac, _ := ctx.Value(authContextKey).(*domain.AuthContext)
	return ac
}

// extractCredential pulls the raw credential from a request. API keys are
// accepted in the X-API-Key header or the api_key query parameter; JWTs in
// the Authorization header as a bearer token.
func extractCredential(r *http.Request) auth.Credential {
	var cred auth.Credential
	if key := r.Header.Get("X-API-Key"); key != "" {
		cred.APIKey = key
	} else if key := r.URL.Query().Get("api_key"); key != "" {
		cred.APIKey = key
	} else if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			cred.Bearer = token
		}
	}
	return cred
}

// requireCapability runs the admission gate before the wrapped handler.
// On success the resolved AuthContext is attached to the request context.
func (s *Server) requireCapability(capability domain.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := extractCredential(r)
			authCtx, err := s.admission.Admit(r.Context(), cred, capability, clientIP(r))
			if err != nil {
				writeError(w, s.log, err)
				return
			}
			ctx := context.WithValue(r.Context(), authContextKey, authCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// clientIP returns the remote address without the port. middleware.RealIP
// has already rewritten RemoteAddr from proxy headers when present.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 && strings.Count(addr, ":") == 1 {
		return addr[:i]
	}
	// IPv6 "[::1]:port"
	if strings.HasPrefix(addr, "[") {
		if i := strings.IndexByte(addr, ']'); i >= 0 {
			return addr[1:i]
		}
	}
	return addr
}
