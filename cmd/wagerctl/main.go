package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"wagerchain/cmd/internal/passphrase"
	"wagerchain/config"
	"wagerchain/crypto"
	"wagerchain/rpc"
)

const (
	tokenCommand   = "token"
	addressCommand = "address"
	keygenCommand  = "keygen"
	defaultPassEnv = "WAGER_OPERATOR_PASS"
	defaultConfig  = "./config.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: wagerctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-8s issue an RPC bearer token for a caller address\n", tokenCommand)
	fmt.Fprintf(w, "  %-8s print an address in hex and bech32 form\n", addressCommand)
	fmt.Fprintf(w, "  %-8s generate a key sealed in a keystore file\n", keygenCommand)
}

// runToken signs a caller token with the node's HMAC secret. The secret comes
// from -secret, the WAGER_RPC_TOKEN_SECRET environment variable or the node
// config, in that order.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the node config file")
	secretFlag := fs.String("secret", "", "HMAC secret (overrides config)")
	issuerFlag := fs.String("issuer", "", "Token issuer (overrides config)")
	subject := fs.String("subject", "", "Caller address (hex or bech32)")
	ttl := fs.Duration("ttl", 0, "Token lifetime (defaults to Auth.TokenTTL)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	caller, err := crypto.ParseAddress(*subject)
	if err != nil {
		return fmt.Errorf("subject: %w", err)
	}

	secret := strings.TrimSpace(*secretFlag)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv(config.EnvRPCTokenSecret))
	}
	issuer := strings.TrimSpace(*issuerFlag)
	lifetime := *ttl
	if secret == "" || issuer == "" || lifetime <= 0 {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if secret == "" {
			secret = cfg.Auth.HMACSecret
		}
		if issuer == "" {
			issuer = cfg.Auth.Issuer
		}
		if lifetime <= 0 {
			lifetime = cfg.Auth.TokenTTL.Duration
		}
	}

	token, err := rpc.IssueToken(secret, issuer, caller, lifetime, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("address: exactly one address argument expected")
	}
	addr, err := crypto.ParseAddress(fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "hex:    %s\n", addr.Hex())
	fmt.Fprintf(out, "bech32: %s\n", crypto.FormatBech32(addr))
	return nil
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	keystorePath := fs.String("out", "", "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*keystorePath) == "" {
		return errors.New("keygen: -out is required")
	}
	if _, err := os.Stat(*keystorePath); err == nil && !*force {
		return fmt.Errorf("keygen: %s already exists (use -force to overwrite)", *keystorePath)
	}

	pass, err := passphrase.NewSource(*passEnv, "Enter new keystore passphrase").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass, crypto.KeystoreStandard); err != nil {
		return err
	}
	fmt.Fprintf(out, "Keystore written to %s\n", *keystorePath)
	fmt.Fprintf(out, "hex:    %s\n", key.Address().Hex())
	fmt.Fprintf(out, "bech32: %s\n", crypto.FormatBech32(key.Address()))
	return nil
}
