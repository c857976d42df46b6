// Package auth verifies callers of the codestream HTTP surfaces.
//
// Two credential kinds are accepted in the Authorization header, as either
// "token <t>" or "Bearer <t>": static access tokens from config, which carry
// the serving process's own role, and HS256 JWTs issued by Issue, which
// carry their role in the "role" claim.
package auth

import (
	"context"
	"crypto/subtle"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/session"
)

const issuer = "codestream"

// Claims are the JWT claims of a codestream role token.
type Claims struct {
	Role string `json:"role"`
	gojwt.RegisteredClaims
}

// Principal is a verified caller.
type Principal struct {
	Role    session.Role
	Subject string
}

// Issue signs a role token valid for ttl. ttl <= 0 issues a token without
// expiry.
func Issue(secret []byte, role session.Role, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.NewInvalidRequest("token secret is not configured")
	}
	if _, err := session.ParseRole(string(role)); err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  subject,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verifier checks credentials.
type Verifier struct {
	secret     []byte
	static     [][]byte
	staticRole session.Role
}

// NewVerifier returns a verifier. Static tokens verify as staticRole. An
// empty secret disables JWT verification.
func NewVerifier(secret string, staticTokens []string, staticRole session.Role) *Verifier {
	v := &Verifier{secret: []byte(secret), staticRole: staticRole}
	for _, t := range staticTokens {
		if t != "" {
			v.static = append(v.static, []byte(t))
		}
	}
	return v
}

// Open reports whether the verifier accepts any credential at all. A
// verifier with no secret and no static tokens admits every caller as its
// static role.
func (v *Verifier) Open() bool {
	return len(v.secret) == 0 && len(v.static) == 0
}

// Verify checks token and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	if token == "" {
		return Principal{}, errors.NewUnauthorized("missing credential")
	}
	for _, s := range v.static {
		if subtle.ConstantTimeCompare([]byte(token), s) == 1 {
			return Principal{Role: v.staticRole, Subject: "static"}, nil
		}
	}
	if len(v.secret) == 0 {
		return Principal{}, errors.NewUnauthorized("invalid credential")
	}

	var claims Claims
	_, err := gojwt.ParseWithClaims(token, &claims, func(t *gojwt.Token) (any, error) {
		return v.secret, nil
	},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(issuer),
	)
	if err != nil {
		if stderrors.Is(err, gojwt.ErrTokenExpired) {
			return Principal{}, errors.NewUnauthorized("credential expired")
		}
		return Principal{}, errors.NewUnauthorized("invalid credential")
	}
	role, err := session.ParseRole(claims.Role)
	if err != nil {
		return Principal{}, errors.NewUnauthorized("credential has no valid role")
	}
	return Principal{Role: role, Subject: claims.Subject}, nil
}

// TokenFromRequest extracts the credential from the Authorization header.
// Websocket upgrades may pass it as the token query parameter instead, since
// browsers cannot set headers on them.
func TokenFromRequest(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if !ok {
			return ""
		}
		switch strings.ToLower(scheme) {
		case "token", "bearer":
			return strings.TrimSpace(tok)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}
	return ""
}

type ctxKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// ErrorWriter renders an authentication or authorization failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware authenticates every request and stores the principal in the
// request context.
func Middleware(v *Verifier, fail ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p Principal
			if v.Open() {
				p = Principal{Role: v.staticRole, Subject: "anonymous"}
			} else {
				var err error
				if p, err = v.Verify(TokenFromRequest(r)); err != nil {
					fail(w, r, err)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects callers whose role is not role.
func RequireRole(role session.Role, fail ErrorWriter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		if !ok {
			fail(w, r, errors.NewUnauthorized("missing credential"))
			return
		}
		if p.Role != role {
			fail(w, r, errors.NewForbidden("this endpoint requires the "+string(role)+" role"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
