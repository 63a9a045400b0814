package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"wagerchain/core/genesis"
	"wagerchain/crypto"
)

// EnvRPCTokenSecret overrides Auth.HMACSecret when set.
const EnvRPCTokenSecret = "WAGER_RPC_TOKEN_SECRET"

type Config struct {
	RPCAddress          string          `toml:"RPCAddress"`
	DataDir             string          `toml:"DataDir"`
	Env                 string          `toml:"Env"`
	LogFile             string          `toml:"LogFile"`
	OperatorKeystore    string          `toml:"OperatorKeystore"`
	Factory             FactoryConfig   `toml:"Factory"`
	Auth                AuthConfig      `toml:"Auth"`
	RateLimit           RateLimitConfig `toml:"RateLimit"`
	Otel                OtelConfig      `toml:"Otel"`
	Genesis             genesis.Spec    `toml:"Genesis"`
	RPCReadTimeoutSecs  int             `toml:"RPCReadTimeout"`
	RPCWriteTimeoutSecs int             `toml:"RPCWriteTimeout"`
}

// Option customises Load.
type Option func(*loadOptions)

type loadOptions struct {
	passphrase string
	source     func() (string, error)
}

// WithKeystorePassphrase supplies the passphrase protecting the operator
// keystore created alongside a default configuration.
func WithKeystorePassphrase(passphrase string) Option {
	return func(o *loadOptions) { o.passphrase = passphrase }
}

// WithKeystorePassphraseSource resolves the operator keystore passphrase
// lazily; source is only consulted when a default configuration is created.
func WithKeystorePassphraseSource(source func() (string, error)) Option {
	return func(o *loadOptions) { o.source = source }
}

func (o loadOptions) resolvePassphrase() (string, error) {
	if o.passphrase != "" || o.source == nil {
		return o.passphrase, nil
	}
	return o.source()
}

// Load loads the configuration from the given path. A missing file is
// replaced by a default configuration owned by a freshly generated operator
// key.
func Load(path string, opts ...Option) (*Config, error) {
	options := loadOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		passphrase, err := options.resolvePassphrase()
		if err != nil {
			return nil, fmt.Errorf("config: resolve keystore passphrase: %w", err)
		}
		cfg, err = createDefault(path, passphrase)
		if err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
		}
	}

	applyDefaults(cfg)
	if secret := strings.TrimSpace(os.Getenv(EnvRPCTokenSecret)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./wager-data"
	}
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		cfg.Auth.Issuer = "wagerchain"
	}
	if cfg.Auth.TokenTTL.Duration <= 0 {
		cfg.Auth.TokenTTL = Duration{Duration: defaultTokenTTL}
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.RPCReadTimeoutSecs <= 0 {
		cfg.RPCReadTimeoutSecs = 15
	}
	if cfg.RPCWriteTimeoutSecs <= 0 {
		cfg.RPCWriteTimeoutSecs = 15
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path, passphrase string) (*Config, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("config: keystore passphrase required to create a default configuration")
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase, crypto.KeystoreStandard); err != nil {
		return nil, err
	}
	secret, err := randomSecret()
	if err != nil {
		return nil, err
	}

	operator := key.Address().Hex()
	cfg := &Config{
		RPCAddress:       ":8080",
		DataDir:          "./wager-data",
		Env:              "dev",
		OperatorKeystore: keystorePath,
		Factory: FactoryConfig{
			Address:      defaultFactoryAddress,
			Owner:        operator,
			FeeBps:       100,
			FeeRecipient: operator,
		},
		Auth: AuthConfig{
			HMACSecret: secret,
			Issuer:     "wagerchain",
			TokenTTL:   Duration{Duration: defaultTokenTTL},
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, Burst: 20},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
