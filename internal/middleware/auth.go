package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// Principal is the caller an API key identifies.
type Principal struct {
	ProjectID string
	KeyID     string
}

// TokenValidator validates a bearer token.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (Principal, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP rate limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// rejected records a failed attempt from ip and reports whether the caller
// is now over the failure rate limit.
func (c authConfig) rejected(ip string) (throttled bool) {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return false
	}
	return !c.rateLimiter.RecordFailureAndAllow(ip)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authorize(r.Context(), []string{r.Header.Get("Authorization")}, validator)
			if err != nil {
				if cfg.rejected(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithPrincipal(r.Context(), principal)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := cfg.authorizeGRPC(ctx, validator)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC requests.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := cfg.authorizeGRPC(ss.Context(), validator)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (c authConfig) authorizeGRPC(ctx context.Context, validator TokenValidator) (context.Context, error) {
	var headers []string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		headers = md.Get("authorization")
	}

	principal, err := authorize(ctx, headers, validator)
	if err != nil {
		if c.rejected(extractGRPCPeerIP(ctx)) {
			return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}
	return NewContextWithPrincipal(ctx, principal), nil
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

type principalKey struct{}

// PrincipalFromContext returns the authenticated caller.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// NewContextWithPrincipal returns a context carrying p.
func NewContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// ProjectIDFromContext retrieves the authenticated project ID.
func ProjectIDFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	return p.ProjectID, ok && p.ProjectID != ""
}

// authorize tries each authorization header in turn and returns the first
// principal a validator accepts.
func authorize(ctx context.Context, headers []string, validator TokenValidator) (Principal, error) {
	if validator == nil {
		return Principal{}, errors.New("token validator is nil")
	}

	err := errMissingAuthorizationHeader
	for _, header := range headers {
		if strings.TrimSpace(header) == "" {
			continue
		}
		token, parseErr := parseBearerToken(header)
		if parseErr != nil {
			err = parseErr
			continue
		}
		principal, validateErr := validator.ValidateToken(ctx, token)
		if validateErr != nil {
			err = errInvalidAuthorizationHeader
			continue
		}
		if strings.TrimSpace(principal.ProjectID) == "" {
			return Principal{}, errInvalidAuthorizationHeader
		}
		return principal, nil
	}
	return Principal{}, err
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
