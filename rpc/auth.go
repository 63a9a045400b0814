package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"wagerchain/crypto"
)

// AuthConfig configures bearer-token authentication for mutating methods.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	ClockSkew  time.Duration
}

type authenticator struct {
	secret []byte
	issuer string
	skew   time.Duration
}

func newAuthenticator(cfg AuthConfig) (*authenticator, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return nil, errors.New("rpc: auth secret not configured")
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &authenticator{secret: []byte(secret), issuer: strings.TrimSpace(cfg.Issuer), skew: skew}, nil
}

// caller validates the bearer token on r and returns the identity named by
// its subject claim.
func (a *authenticator) caller(r *http.Request) (common.Address, error) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return common.Address{}, errors.New("missing bearer token")
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.skew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return common.Address{}, err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return common.Address{}, errors.New("token invalid")
	}
	addr, err := crypto.ParseAddress(claims.Subject)
	if err != nil {
		return common.Address{}, fmt.Errorf("subject: %w", err)
	}
	if addr == (common.Address{}) {
		return common.Address{}, errors.New("subject: zero address")
	}
	return addr, nil
}

// IssueToken signs an HS256 token naming subject as the caller.
func IssueToken(secret, issuer string, subject common.Address, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("rpc: auth secret not configured")
	}
	if ttl <= 0 {
		return "", errors.New("rpc: token ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if issuer = strings.TrimSpace(issuer); issuer != "" {
		claims.Issuer = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(secret)))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
