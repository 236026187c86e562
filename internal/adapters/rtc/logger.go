package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion internals through the global zerolog logger.
type loggerFactory struct{}

func NewLoggerFactory() logging.LoggerFactory { return loggerFactory{} }

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{l: log.With().Str("module", "pion."+scope).Logger()}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p *pionLogger) Trace(msg string)                  { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...any) { p.l.Trace().Msgf(format, args...) }
func (p *pionLogger) Debug(msg string)                  { p.l.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...any) { p.l.Debug().Msgf(format, args...) }
func (p *pionLogger) Info(msg string)                   { p.l.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...any)  { p.l.Info().Msgf(format, args...) }
func (p *pionLogger) Warn(msg string)                   { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...any)  { p.l.Warn().Msgf(format, args...) }
func (p *pionLogger) Error(msg string)                  { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...any) { p.l.Error().Msgf(format, args...) }
