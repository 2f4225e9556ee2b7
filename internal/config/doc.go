/*
Package config loads the vault's configuration from an optional YAML file,
then overlays VAULT_-prefixed environment variables on top.

# Precedence

	┌─────────────────────────────┐
	│  VAULT_* environment vars   │ ← highest priority
	└─────────────────────────────┘
	              │
	┌─────────────────────────────┐
	│       YAML config file      │
	└─────────────────────────────┘
	              │
	┌─────────────────────────────┐
	│     compiled-in defaults    │ ← lowest priority
	└─────────────────────────────┘

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/vault/config.yaml"); err != nil {
		log.Fatal(err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
*/
package config
