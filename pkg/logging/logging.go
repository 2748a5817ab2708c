package logging

import (
	"log/syslog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Destination selects where log output goes.
type Destination int

const (
	// DestAuto logs to the console when stderr is a terminal, otherwise
	// to syslog. This matches what an operator running the tool by hand
	// vs. a timer/cron invocation wants.
	DestAuto Destination = iota
	DestConsole
	DestSyslog
)

// SetupLogger configures the global logger based on verbosity level and
// the selected destination.
func SetupLogger(verbosity int, dest Destination) {
	switch verbosity {
	case 0:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case 1:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}

	if dest == DestAuto {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			dest = DestConsole
		} else {
			dest = DestSyslog
		}
	}

	var syslogErr error
	if dest == DestSyslog {
		w, err := syslog.New(syslog.LOG_NOTICE|syslog.LOG_DAEMON, "certswap")
		if err == nil {
			log.Logger = zerolog.New(zerolog.SyslogLevelWriter(w)).With().Timestamp().Logger()
			return
		}
		// Fall through to the console writer; report once it is in place.
		syslogErr = err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	}
	log.Logger = zerolog.New(consoleWriter).With().Timestamp().Logger()

	if verbosity >= 1 {
		log.Logger = log.Logger.With().Caller().Logger()
	}

	if syslogErr != nil {
		log.Warn().Err(syslogErr).Msg("Failed to connect to syslog, logging to console")
	}
}

// GetLogger returns a contextualized logger with the given name
func GetLogger(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
