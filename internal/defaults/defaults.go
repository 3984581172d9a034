// Package defaults provides embedded copies of the starter configuration
// and persona files written by the copaw init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed persona.example.md
var PersonaMD []byte
