package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenLabCore/internal/config"
)

type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

type Permission string

const (
	PermRead    Permission = "read"
	PermOperate Permission = "operate"
	PermAdmin   Permission = "admin"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Name        string
	Role        Role
	Permissions []Permission
}

func (p Principal) Has(required Permission) bool {
	for _, perm := range p.Permissions {
		if perm == required {
			return true
		}
	}
	return false
}

type apiToken struct {
	name string
	hash TokenHash
	role Role
}

type AuthService struct {
	enabled    bool
	jwtHandler *JWTHandler
	hasher     *TokenHasher
	tokens     []apiToken
	logger     *zap.Logger

	// sha256 of verified API tokens; argon2 runs once per token
	verified sync.Map
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) (*AuthService, error) {
	tokens := make([]apiToken, 0, len(cfg.APITokens))
	for _, t := range cfg.APITokens {
		role, err := ParseRole(t.Role)
		if err != nil {
			return nil, fmt.Errorf("api token %q: %w", t.Name, err)
		}
		hash, err := ParseTokenHash(t.Hash)
		if err != nil {
			return nil, fmt.Errorf("api token %q: %w", t.Name, err)
		}
		tokens = append(tokens, apiToken{name: t.Name, hash: hash, role: role})
	}

	if cfg.Enabled && !cfg.IsProductionReady() {
		logger.Warn("Auth enabled with development JWT secret",
			zap.String("env", cfg.JWTSecretEnv))
	}

	return &AuthService{
		enabled:    cfg.Enabled,
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.Issuer, cfg.AccessTokenTTL),
		hasher:     NewTokenHasher(),
		tokens:     tokens,
		logger:     logger,
	}, nil
}

func (a *AuthService) Enabled() bool { return a.enabled }

// ParseRole maps a config string to a role. Empty means operator.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "":
		return RoleOperator, nil
	case RoleViewer, RoleOperator, RoleAdmin:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Authenticate accepts either a JWT issued by this service or a
// configured API token.
func (a *AuthService) Authenticate(token string) (Principal, error) {
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return principal(claims.Subject, Role(claims.Role)), nil
	}

	if !ValidTokenFormat(token) {
		return Principal{}, fmt.Errorf("invalid token")
	}

	key := fingerprint(token)
	if p, ok := a.verified.Load(key); ok {
		return p.(Principal), nil
	}

	for _, t := range a.tokens {
		if t.hash.Matches(token) {
			p := principal(t.name, t.role)
			a.verified.Store(key, p)
			a.logger.Info("API token accepted", zap.String("name", t.name))
			return p, nil
		}
	}

	a.logger.Warn("API token rejected")
	return Principal{}, fmt.Errorf("invalid token")
}

// IssueToken exchanges an authenticated principal for a short-lived JWT.
func (a *AuthService) IssueToken(p Principal) (string, time.Time, error) {
	return a.jwtHandler.GenerateAccessToken(p.Name, p.Role)
}

// HashToken returns the encoding to put into auth.api_tokens.
func (a *AuthService) HashToken(token string) (string, error) {
	return a.hasher.Hash(token)
}

func principal(name string, role Role) Principal {
	return Principal{Name: name, Role: role, Permissions: roleToPermissions(role)}
}

func roleToPermissions(role Role) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermRead, PermOperate, PermAdmin}
	case RoleOperator:
		return []Permission{PermRead, PermOperate}
	default:
		return []Permission{PermRead}
	}
}

func fingerprint(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
