package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logging into the global zerolog logger.
// pion is chatty at debug, so its level is capped separately.
type LoggerFactory struct {
	Level zerolog.Level
}

func NewLoggerFactory(level zerolog.Level) *LoggerFactory {
	return &LoggerFactory{Level: level}
}

func (f *LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{
		l: log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.Level),
	}
}

type pionLogger struct {
	l zerolog.Logger
}

func (p *pionLogger) Trace(msg string)                          { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.l.Trace().Msgf(format, args...) }
func (p *pionLogger) Debug(msg string)                          { p.l.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.l.Debug().Msgf(format, args...) }
func (p *pionLogger) Info(msg string)                           { p.l.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.l.Info().Msgf(format, args...) }
func (p *pionLogger) Warn(msg string)                           { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.l.Warn().Msgf(format, args...) }
func (p *pionLogger) Error(msg string)                          { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.l.Error().Msgf(format, args...) }
