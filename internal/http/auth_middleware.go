package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/habitio/habit-cortex-orchestrator/internal/domain"
	jwtpkg "github.com/habitio/habit-cortex-orchestrator/pkg/jwt"
)

var (
	errNoCredentials = errors.New("no operator credentials presented")
	errMalformedAuth = errors.New("authorization header is not a bearer token")
)

// operator is the verified caller of an operator route.
type operator struct {
	Subject string
	Email   string
}

// requestState is created per request by the audit middleware and filled in
// by inner middleware, so the access log sees who was authenticated.
type requestState struct {
	operator *operator
}

type requestStateKey struct{}

func withRequestState(ctx context.Context) (context.Context, *requestState) {
	st := &requestState{}
	return context.WithValue(ctx, requestStateKey{}, st), st
}

func stateFromContext(ctx context.Context) *requestState {
	st, _ := ctx.Value(requestStateKey{}).(*requestState)
	return st
}

// operatorFromContext returns the authenticated operator, if any.
func operatorFromContext(ctx context.Context) (operator, bool) {
	if st := stateFromContext(ctx); st != nil && st.operator != nil {
		return *st.operator, true
	}
	return operator{}, false
}

// requireOperator verifies the bearer token when a secret is configured and
// attaches the request actor for audit records. Without a secret every caller
// is treated as the system actor.
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		actor := domain.Actor{IPAddress: clientIP(req), UserAgent: req.UserAgent()}
		if r.jwtSecret == "" {
			next(w, req.WithContext(domain.WithActor(req.Context(), actor)))
			return
		}
		token, err := operatorToken(req)
		if err != nil {
			r.logger.Warn("operator credentials missing", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		claims, err := jwtpkg.Parse(token, r.jwtSecret)
		if err != nil {
			r.logger.Warn("operator token rejected", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		op := &operator{Subject: claims.Subject, Email: claims.Email}
		if st := stateFromContext(req.Context()); st != nil {
			st.operator = op
		}
		actor.UserID = op.Subject
		next(w, req.WithContext(domain.WithActor(req.Context(), actor)))
	}
}

// operatorToken reads the bearer token from the Authorization header. Browsers
// cannot set headers on websocket or EventSource requests, so access_token in
// the query is accepted when the header is absent.
func operatorToken(req *http.Request) (string, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
			return token, nil
		}
		return "", errNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errMalformedAuth
	}
	if token = strings.TrimSpace(token); token == "" || strings.ContainsAny(token, " \t") {
		return "", errMalformedAuth
	}
	return token, nil
}
