package authz

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures JWT-based actor extraction.
type JWTConfig struct {
	// UserClaim is the claim holding the username. Default "sub".
	UserClaim string
	// RoleClaim is the claim path holding the role. Supports dot-notation
	// for nested claims (e.g. "realm_access.roles"). Default "role".
	RoleClaim string
	// OperatorRoleValue is the claim value mapping to RoleOperator. Any
	// other value, or a missing claim, maps to RoleViewer. Default
	// "operator".
	OperatorRoleValue string
	// PublicKeyPath is the PEM-encoded RSA public key for RS256
	// verification. If empty, tokens are parsed but NOT verified (suitable
	// only behind a trusted proxy).
	PublicKeyPath string
	// Issuer is the expected iss claim. Not validated when empty.
	Issuer string
	// Audience is the expected aud claim. Not validated when empty.
	Audience string
	// Logger for debugging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewJWTExtractor creates an Extractor that reads the actor from a JWT
// Bearer token. Missing or invalid tokens yield an anonymous viewer: deny
// by default for operator access.
func NewJWTExtractor(cfg JWTConfig) (Extractor, error) {
	if cfg.UserClaim == "" {
		cfg.UserClaim = "sub"
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.OperatorRoleValue == "" {
		cfg.OperatorRoleValue = "operator"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var publicKey *rsa.PublicKey
	if cfg.PublicKeyPath != "" {
		key, err := loadRSAPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, err
		}
		publicKey = key
		cfg.Logger.Info("JWT actor extractor: using RS256 verification", "keyPath", cfg.PublicKeyPath)
	} else {
		cfg.Logger.Warn("JWT actor extractor: no public key configured, tokens parsed without verification (trusted proxy mode)")
	}

	return func(r *http.Request) Actor {
		anonymous := Actor{User: "anonymous", Role: RoleViewer}
		token := bearerToken(r)
		if token == "" {
			return anonymous
		}
		claims, err := parseClaims(token, publicKey, cfg)
		if err != nil {
			cfg.Logger.Debug("JWT parse failed, defaulting to anonymous viewer", "error", err)
			return anonymous
		}

		user := anonymous.User
		if v, ok := claims[cfg.UserClaim].(string); ok && v != "" {
			user = v
		}
		return Actor{User: user, Role: roleFromClaims(claims, cfg.RoleClaim, cfg.OperatorRoleValue)}
	}, nil
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read JWT public key from %s: %w", path, err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("decode PEM block from %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	return rsaKey, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseClaims(tokenString string, publicKey *rsa.PublicKey, cfg JWTConfig) (jwt.MapClaims, error) {
	var parserOpts []jwt.ParserOption
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}

	var token *jwt.Token
	var err error
	if publicKey != nil {
		token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return publicKey, nil
		}, parserOpts...)
	} else {
		parser := jwt.NewParser(parserOpts...)
		token, _, err = parser.ParseUnverified(tokenString, jwt.MapClaims{})
	}
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	return claims, nil
}

// roleFromClaims resolves the role claim, following dot-notation into nested
// maps. String claims compare directly; array claims (e.g. Keycloak
// realm_access.roles) match when they contain the operator value.
func roleFromClaims(claims jwt.MapClaims, claimPath, operatorValue string) Role {
	parts := strings.Split(claimPath, ".")
	var current interface{} = map[string]interface{}(claims)

	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return RoleViewer
		}
		current, ok = m[part]
		if !ok {
			return RoleViewer
		}
	}

	if s, ok := current.(string); ok {
		if strings.EqualFold(s, operatorValue) {
			return RoleOperator
		}
		return RoleViewer
	}
	if arr, ok := current.([]interface{}); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok && strings.EqualFold(s, operatorValue) {
				return RoleOperator
			}
		}
	}
	return RoleViewer
}
