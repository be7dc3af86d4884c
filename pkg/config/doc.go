// Package config provides configuration management for tokengate.
//
// This package handles loading, validating, and managing configuration from
// YAML files with environment variable overrides.
//
// # Configuration Loading
//
//	cfg, err := config.LoadConfig("config.yaml")
//	cfg, err := config.LoadConfigWithEnvOverrides("config.yaml")
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention TOKENGATE_SECTION_FIELD:
//
//   - TOKENGATE_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - TOKENGATE_BUCKET_STRATEGY overrides bucket.strategy
//   - TOKENGATE_FEATURES_QUOTA_ENFORCEMENT overrides features.quota_enforcement
//
// The CLI loads a .env file into the process environment first, so the same
// names work there.
//
// # Configuration Precedence
//
//  1. Default values (defined in defaults.go)
//  2. Values from YAML file
//  3. Environment variable overrides
//  4. Validation (fails fast if invalid)
//
// # Hot Reload
//
// A Store holds the live configuration. A Watcher reloads it when the file
// changes; components that read Store.Current on each call pick up new
// tiers and feature flags immediately. An invalid file is logged and the
// previous configuration stays active.
//
// # Example Configuration
//
//	server:
//	  listen_address: "0.0.0.0:8080"
//
//	database:
//	  driver: "postgres"
//	  dsn: "postgres://tokengate@localhost/tokengate"
//
//	bucket:
//	  strategy: "TOKEN_BUCKET"
//	  capacity: 5000
//	  leak_rate_per_second: 50
//	  store: "redis"
//
//	tiers:
//	  default: "USER"
//	  levels:
//	    USER:  { priority: 0 }
//	    PRO:   { priority: 10, capacity_multiplier: 5, rate_multiplier: 5, quota_max_tokens: 1000000 }
//
//	bus:
//	  type: "kafka"
//	  kafka:
//	    brokers: "localhost:9092"
package config
