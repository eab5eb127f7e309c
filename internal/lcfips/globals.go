package lcfips

import (
	"strings"

	"github.com/gookit/color"
)

// Build metadata, overridden at build time with -ldflags "-X".
var (
	version   = "dev"
	buildDate = "unknown"
)

// upstreamVersion is the FIPS library release this orchestrator builds.
// The default symbol prefix is derived from it.
const upstreamVersion = "0.13.7"

// DefaultPrefix returns the private symbol prefix used when none is
// configured, e.g. "aws_lc_fips_0_13_7".
func DefaultPrefix() string {
	return "aws_lc_fips_" + strings.NewReplacer(".", "_", "-", "_").Replace(upstreamVersion)
}

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
