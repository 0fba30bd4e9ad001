package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/nerrad567/lockgate-core/internal/auth"
)

// runToken issues an API access token signed with the configured secret.
//
//	lockgate token -subject fleet-backend -role operator -ttl 720h
//
// The secret and issuer come from the same config file and LOCKGATE_*
// overrides the server uses, so the token validates against it.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(out)
	subject := fs.String("subject", "", "operator or service identity recorded in the audit trail (required)")
	role := fs.String("role", string(auth.RoleOperator), "token role: viewer|operator|admin")
	ttl := fs.Duration("ttl", auth.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("token: -subject is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if !cfg.AuthEnabled() {
		return errors.New("token: security.jwt.secret is not set, API authentication is disabled")
	}

	token, err := auth.GenerateAccessToken(auth.TokenRequest{
		Subject: *subject,
		Role:    auth.Role(*role),
		Issuer:  cfg.Security.JWT.Issuer,
		TTL:     *ttl,
	}, cfg.Security.JWT.Secret)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}
