// Package config loads matrixctl TOML configuration and renders templates.
package config
