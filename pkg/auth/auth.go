// Package auth authenticates ingest requests by API key or JWT bearer token
// and injects the resolved tenant into the request context.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang-jwt/jwt/v5"

	"github.com/weftlabs/weft/pkg/metadb"
)

// Roles understood by the ingest path.
const (
	RoleTrace     = "trace"
	RoleDeveloper = "developer"
	RoleAdmin     = "admin"
)

// IngestRoles are the roles allowed to push trace data.
var IngestRoles = []string{RoleTrace, RoleDeveloper, RoleAdmin}

var (
	// ErrUnauthenticated means credentials are missing or invalid.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden means the credentials are valid but lack a required role.
	ErrForbidden = errors.New("permission denied")
)

type Config struct {
	// Disabled turns off authentication; every request runs as
	// DefaultTenant with full roles. Single-tenant dev mode only.
	Disabled      bool   `yaml:"disabled"`
	DefaultTenant string `yaml:"default_tenant"`
	JWTSecret     string `yaml:"jwt_secret"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.Disabled, prefix+".disabled", false, "Disable authentication. Single-tenant dev mode.")
	f.StringVar(&cfg.DefaultTenant, prefix+".default-tenant", "single-tenant", "Tenant assigned to requests when auth is disabled.")
	f.StringVar(&cfg.JWTSecret, prefix+".jwt-secret", os.Getenv("WEFT_JWT_SECRET"), "HS256 secret for bearer tokens. Defaults from WEFT_JWT_SECRET.")
}

// Principal is an authenticated caller.
type Principal struct {
	Tenant  string
	Roles   []string
	KeyName string
}

// HasAnyRole reports whether the principal holds at least one of the roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range p.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// KeyStore is the slice of the metadata store auth needs.
type KeyStore interface {
	APIKeyByHash(ctx context.Context, hash string) (*metadb.APIKey, error)
}

// Resolver turns Authorization header values into principals.
type Resolver struct {
	cfg    Config
	keys   KeyStore
	logger log.Logger
}

func NewResolver(cfg Config, keys KeyStore, logger log.Logger) *Resolver {
	return &Resolver{cfg: cfg, keys: keys, logger: logger}
}

// HashKey returns the stored form of an API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Resolve authenticates the Authorization header value. Schemes are "ApiKey"
// and "Bearer", case-insensitive.
func (r *Resolver) Resolve(ctx context.Context, authorization string) (*Principal, error) {
	if r.cfg.Disabled {
		return &Principal{Tenant: r.cfg.DefaultTenant, Roles: IngestRoles}, nil
	}

	scheme, credential, found := strings.Cut(strings.TrimSpace(authorization), " ")
	if !found || credential == "" {
		return nil, ErrUnauthenticated
	}

	switch strings.ToLower(scheme) {
	case "apikey":
		return r.resolveAPIKey(ctx, credential)
	case "bearer":
		return r.resolveJWT(credential)
	}
	return nil, ErrUnauthenticated
}

func (r *Resolver) resolveAPIKey(ctx context.Context, key string) (*Principal, error) {
	row, err := r.keys.APIKeyByHash(ctx, HashKey(key))
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		level.Error(r.logger).Log("msg", "api key lookup failed", "err", err)
		return nil, fmt.Errorf("%w: key lookup failed", ErrUnauthenticated)
	}
	if row.Disabled {
		return nil, ErrUnauthenticated
	}

	roles, err := row.DecodeRoles()
	if err != nil {
		level.Error(r.logger).Log("msg", "api key has malformed roles", "key", row.Name, "err", err)
		return nil, ErrUnauthenticated
	}

	return &Principal{Tenant: row.TenantID, Roles: roles, KeyName: row.Name}, nil
}

func (r *Resolver) resolveJWT(token string) (*Principal, error) {
	if r.cfg.JWTSecret == "" {
		return nil, ErrUnauthenticated
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(r.cfg.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthenticated
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthenticated
	}
	tenant, _ := claims["tenant"].(string)
	if tenant == "" {
		return nil, ErrUnauthenticated
	}

	var roles []string
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				roles = append(roles, s)
			}
		}
	}

	return &Principal{Tenant: tenant, Roles: roles}, nil
}

type principalContextKey struct{}

// InjectPrincipal stores the principal in the context.
func InjectPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the principal stored by the middleware.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok
}
