package platform

import (
	"os"

	"github.com/rs/zerolog"
)

// InitLogger builds the process logger. Console output is for interactive CLI
// use; services emit JSON for aggregation.
func InitLogger(console bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if console {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
