package config

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

const (
	defaultTokenTTL = 24 * time.Hour
	// defaultFactoryAddress is where a default node deploys its factory.
	defaultFactoryAddress = "0x000000000000000000000000000000000000fac7"
)

// FactoryConfig holds the initial factory parameters. Once a factory has
// been persisted its stored fee settings take precedence.
type FactoryConfig struct {
	Address      string `toml:"Address"`
	Owner        string `toml:"Owner"`
	FeeBps       uint16 `toml:"FeeBps"`
	FeeRecipient string `toml:"FeeRecipient"`
}

// AuthConfig configures bearer-token authentication of mutating RPC calls.
type AuthConfig struct {
	HMACSecret string   `toml:"HMACSecret"`
	Issuer     string   `toml:"Issuer"`
	TokenTTL   Duration `toml:"TokenTTL"`
}

// RateLimitConfig bounds how many RPC requests a single client may issue.
type RateLimitConfig struct {
	RequestsPerMinute int  `toml:"RequestsPerMinute"`
	Burst             int  `toml:"Burst"`
	// TrustProxyHeaders keys clients by X-Real-IP / X-Forwarded-For. Only
	// enable it behind a proxy that overwrites those headers.
	TrustProxyHeaders bool `toml:"TrustProxyHeaders"`
}

// OtelConfig points the node at an OTLP HTTP collector. Telemetry export is
// off while Endpoint is empty.
type OtelConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
}

// Duration decodes TOML strings such as "15m" or "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
