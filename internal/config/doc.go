// Package config provides configuration loading and validation for the
// AudioSocket voice agent. Configuration is YAML; ${VAR} references are
// expanded from the environment before parsing so API keys can stay out of
// the file. Missing keys keep the values from Default.
package config
