// Package defaults provides embedded copies of the example environment
// and configuration files for the init subcommand.
package defaults

import _ "embed"

// EnvFile is the example .env file. Secrets are left blank.
//
//go:embed env.example
var EnvFile []byte

// ConfigYAML is the example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte
