// Package config handles loading and validating Lockgate configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with LOCKGATE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (passwords, tokens, JWT secret) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - Without security.jwt.secret the HTTP API can open any lock; only run
//     that way on a trusted network
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.LockServer.Port)
package config
