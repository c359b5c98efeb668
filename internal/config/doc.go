// Package config provides configuration loading and validation for the audio
// bridge. It reads a YAML file, layers environment variable overrides on top
// and validates every section before the service starts.
package config
