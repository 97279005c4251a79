package logging

import (
    "io"
    "os"
    "strings"
    "time"

    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
)

// New builds the process logger. JSON to stdout by default; format "console"
// switches to the human-readable writer. It also becomes the global zerolog logger.
func New(level, format string) zerolog.Logger {
    return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) zerolog.Logger {
    lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
    if err != nil || level == "" {
        lvl = zerolog.InfoLevel
    }
    zerolog.TimeFieldFormat = time.RFC3339
    out := w
    if format == "console" {
        out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
    }
    logger := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
    log.Logger = logger
    return logger
}
