// Package log provides the process-wide structured logger.
package log

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the package-level instance every other package logs through.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
