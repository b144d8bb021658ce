// Package logging builds the logr.Logger shared by the service components.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// New returns a logger writing JSON in production and a human readable
// console format otherwise. Higher verbosity enables more V(n) output.
func New(environment string, verbosity int) logr.Logger {
	var w io.Writer = os.Stderr
	if environment != "production" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(w, verbosity)
}

// NewWithWriter returns a logger writing to w.
func NewWithWriter(w io.Writer, verbosity int) logr.Logger {
	zerologr.NameFieldName = "component"
	zerologr.NameSeparator = "."
	if verbosity < 0 {
		verbosity = 0
	}
	zerologr.SetMaxV(verbosity)

	zl := zerolog.New(w).With().Timestamp().Logger()
	return zerologr.New(&zl)
}
