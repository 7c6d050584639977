// Package stdlogging is the default sklog backend; it writes leveled
// lines to a SyncWriter such as os.Stderr.
package stdlogging

import (
	logger "github.com/jcgregorio/logger"

	"go.cidx.org/server/go/sklog/sklogimpl"
)

type stdlog struct {
	logger *logger.Logger
}

// New returns a sklogimpl.Logger writing to dst.
func New(dst logger.SyncWriter) sklogimpl.Logger {
	return &stdlog{
		logger: logger.NewFromOptions(&logger.Options{
			SyncWriter:   dst,
			DepthDelta:   3,
			IncludeDebug: true,
		}),
	}
}

// Log implements sklogimpl.Logger. An empty format means the args are
// formatted fmt.Sprint-style.
func (s *stdlog) Log(_ int, severity sklogimpl.Severity, format string, args ...interface{}) {
	plain, formatted := s.logger.Error, s.logger.Errorf
	switch severity {
	case sklogimpl.Debug:
		plain, formatted = s.logger.Debug, s.logger.Debugf
	case sklogimpl.Info:
		plain, formatted = s.logger.Info, s.logger.Infof
	case sklogimpl.Warning:
		plain, formatted = s.logger.Warning, s.logger.Warningf
	case sklogimpl.Fatal:
		plain, formatted = s.logger.Fatal, s.logger.Fatalf
	}
	if format == "" {
		plain(args...)
	} else {
		formatted(format, args...)
	}
}

// Flush implements sklogimpl.Logger. The underlying writer is
// line-buffered; there is nothing to flush.
func (s *stdlog) Flush() {}
