// Package config provides configuration loading and validation for the speech
// stream service. A YAML file is layered over built-in defaults, then a small
// set of environment variables can override it.
package config
