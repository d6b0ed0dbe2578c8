package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/grafana/dskit/user"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Wrap authenticates each request and requires at least one of the given
// roles. On success the tenant is injected as the org id and the principal
// travels in the context.
func (r *Resolver) Wrap(next http.Handler, required ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		principal, err := r.Resolve(req.Context(), req.Header.Get("Authorization"))
		if err != nil {
			writeErrorJSON(w, http.StatusUnauthorized, int(codes.Unauthenticated), "authentication required")
			return
		}
		if len(required) > 0 && !principal.HasAnyRole(required...) {
			writeErrorJSON(w, http.StatusForbidden, int(codes.PermissionDenied), "permission denied")
			return
		}

		ctx := user.InjectOrgID(req.Context(), principal.Tenant)
		ctx = InjectPrincipal(ctx, principal)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// UnaryInterceptor is the gRPC counterpart of Wrap. Credentials arrive in the
// standard "authorization" metadata key.
func (r *Resolver) UnaryInterceptor(required ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var authorization string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 {
				authorization = vals[0]
			}
		}

		principal, err := r.Resolve(ctx, authorization)
		if err != nil {
			if errors.Is(err, ErrForbidden) {
				return nil, status.Error(codes.PermissionDenied, "permission denied")
			}
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		}
		if len(required) > 0 && !principal.HasAnyRole(required...) {
			return nil, status.Error(codes.PermissionDenied, "permission denied")
		}

		ctx = user.InjectOrgID(ctx, principal.Tenant)
		ctx = InjectPrincipal(ctx, principal)
		return handler(ctx, req)
	}
}

func writeErrorJSON(w http.ResponseWriter, httpStatus, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, _ = w.Write([]byte(`{"code":` + strconv.Itoa(code) + `,"message":"` + message + `"}`))
}
