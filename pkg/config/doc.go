// Package config loads, validates, and saves the guardian YAML
// configuration.
package config
