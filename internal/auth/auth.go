// Package auth provides optional bearer-token authentication for the
// tool and SSE surfaces.
//
// When an operator API key is configured, callers exchange it at
// POST /auth/token for a short-lived JWT carrying their user and session
// identity. When no key is configured the server runs open (dev mode).
// JWTs are signed with Ed25519; keys can be loaded from PEM files or
// auto-generated at startup.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims extends jwt.RegisteredClaims with caller identity. UserID and
// SessionID flow into judgments as caller attribution.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Operator  bool   `json:"operator,omitempty"` // minted directly from the operator API key
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
}

// NewJWTManager creates a JWTManager from PEM key files. If paths are
// empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration}, nil
	}

	privPEM, err := os.ReadFile(privateKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read private key: %w", err)
	}
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("auth: decode private key PEM")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	edPriv, ok := privKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("auth: private key is not Ed25519")
	}

	pubPEM, err := os.ReadFile(publicKeyPath) //nolint:gosec // paths come from validated config, not user input
	if err != nil {
		return nil, fmt.Errorf("auth: read public key: %w", err)
	}
	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("auth: decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	edPub, ok := pubKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("auth: public key is not Ed25519")
	}

	// Verify the public key matches the private key to catch deployments
	// mixing keys from different environments.
	derivedPub := edPriv.Public().(ed25519.PublicKey)
	if !bytes.Equal(derivedPub, edPub) {
		return nil, fmt.Errorf("auth: public key does not match private key")
	}

	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration}, nil
}

// IssueToken creates a signed JWT for the given caller identity.
func (m *JWTManager) IssueToken(userID, sessionID string, operator bool) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(m.expiration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "arbiter",
			Audience:  jwt.ClaimStrings{"arbiter"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		UserID:    userID,
		SessionID: sessionID,
		Operator:  operator,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience("arbiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if claims.Issuer != "arbiter" {
		return nil, fmt.Errorf("auth: invalid issuer: %s", claims.Issuer)
	}

	return claims, nil
}

// Authenticator gates the HTTP surface. Disabled when no API key is
// configured; then every request passes with empty claims.
type Authenticator struct {
	jwt     *JWTManager
	keyHash string
	enabled bool
}

// NewAuthenticator hashes the operator API key at startup. An empty key
// disables authentication.
func NewAuthenticator(apiKey string, jwtManager *JWTManager) (*Authenticator, error) {
	a := &Authenticator{jwt: jwtManager}
	if apiKey == "" {
		return a, nil
	}
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		return nil, err
	}
	a.keyHash = hash
	a.enabled = true
	return a, nil
}

// Enabled reports whether bearer tokens are required.
func (a *Authenticator) Enabled() bool { return a.enabled }

// ExchangeKey verifies the operator API key and mints a JWT for the
// given caller identity. The failure path performs a dummy hash so
// response timing does not reveal key validity.
func (a *Authenticator) ExchangeKey(apiKey, userID, sessionID string) (string, time.Time, error) {
	if !a.enabled {
		return "", time.Time{}, fmt.Errorf("auth: authentication is not configured")
	}
	ok, err := VerifyAPIKey(apiKey, a.keyHash)
	if err != nil {
		return "", time.Time{}, err
	}
	if !ok {
		DummyVerify()
		return "", time.Time{}, fmt.Errorf("auth: invalid API key")
	}
	if userID == "" {
		userID = "operator"
	}
	return a.jwt.IssueToken(userID, sessionID, true)
}

// Authorize validates a bearer token. With auth disabled it returns
// empty claims and no error.
func (a *Authenticator) Authorize(tokenStr string) (*Claims, error) {
	if !a.enabled {
		return &Claims{}, nil
	}
	return a.jwt.ValidateToken(tokenStr)
}
