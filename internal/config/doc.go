// Package config provides centralized configuration management for the
// RedisGate runtime. It loads a single YAML document describing the store
// endpoint, pool sizing, lock and rate-limit defaults, monitor schedules,
// alerting channels, and logging, and applies conservative defaults for any
// field the operator leaves unset.
package config
