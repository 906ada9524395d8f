package version

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Version holds the current build version. Override with
// -ldflags "-X github.com/kadobaba55/clipforge/internal/version.Version=v1.2.3".
var Version = "dev"

const (
	separator = "────────────────────────────────────────────────────────────"
	banner    = `
        _ _        __
   ___ | (_)_ __  / _| ___  _ __ __ _  ___
  / __|| | | '_ \| |_ / _ \| '__/ _' |/ _ \
 | (__ | | | |_) |  _| (_) | | | (_| |  __/
  \___||_|_| .__/|_|  \___/|_|  \__, |\___|
           |_|                  |___/
`
)

// Banner returns the ASCII-art project banner.
func Banner() string {
	return strings.Trim(banner, "\n")
}

// PrintBanner writes the decorated banner and version info to w (stdout if nil).
func PrintBanner(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w, Banner())
	fmt.Fprintf(w, "\n  clipforge %s\n", Version)
	fmt.Fprintf(w, "  Short Clip Generation Service\n")
	fmt.Fprintln(w, separator)
	fmt.Fprintln(w)
}
