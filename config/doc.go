// Package config loads pipeline definitions from YAML or TOML files.
//
// Files may reference environment variables as ${VAR}; they are expanded
// before parsing. Durations are written as Go duration strings ("300s").
// Load applies defaults and validates cross references between steps,
// models and tools.
package config
