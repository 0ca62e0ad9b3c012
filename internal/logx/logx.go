package logx

import (
	"os"

	"github.com/rs/zerolog"
)

type Config struct {
	Debug  bool
	Pretty bool
}

// New builds the process logger. Pretty output is meant for interactive CLI
// use; the default is JSON lines on stderr.
func New(conf Config) zerolog.Logger {
	var logger zerolog.Logger
	if conf.Pretty {
		logger = zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
		})).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if conf.Debug {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger.Level(zerolog.InfoLevel)
}
