// Package config loads and validates keygate configuration from
// KEYGATE_* environment variables.
package config
