//go:build tools

package tools

// Pins the goose CLI so migrations can be inspected with the same version
// the server embeds.

import (
	_ "github.com/pressly/goose/v3/cmd/goose"
)
