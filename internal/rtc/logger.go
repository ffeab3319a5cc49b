package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerFactory routes pion logs into zerolog. Scopes not covered by tags
// only log warnings and errors.
type loggerFactory struct {
	level zerolog.Level
	tags  map[string]bool
}

func newLoggerFactory(level string, tags []string) *loggerFactory {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	f := &loggerFactory{level: lvl, tags: make(map[string]bool)}
	for _, tag := range tags {
		f.tags[strings.ToLower(tag)] = true
	}
	return f
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	lvl := f.level
	if len(f.tags) > 0 && !f.tags[scopeTag(scope)] && lvl < zerolog.WarnLevel {
		lvl = zerolog.WarnLevel
	}

	return &zerologLogger{
		logger: log.Logger.With().Str("service", "pion").Str("scope", scope).Logger().Level(lvl),
	}
}

// scopeTag maps pion logger scopes onto the tag names used in configuration.
func scopeTag(scope string) string {
	switch {
	case strings.HasPrefix(scope, "ice"), scope == "mdns", scope == "turnc":
		return "ice"
	case strings.HasPrefix(scope, "dtls"):
		return "dtls"
	case strings.HasPrefix(scope, "srtp"):
		return "srtp"
	case strings.HasPrefix(scope, "sctp"), scope == "datachannel":
		return "sctp"
	case strings.HasPrefix(scope, "nack"), strings.HasPrefix(scope, "twcc"), strings.HasPrefix(scope, "rtcp"):
		return "rtcp"
	default:
		return "rtp"
	}
}

type zerologLogger struct {
	logger zerolog.Logger
}

func (l *zerologLogger) Trace(msg string) { l.logger.Trace().Msg(msg) }
func (l *zerologLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *zerologLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Info(msg string) { l.logger.Info().Msg(msg) }
func (l *zerologLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Warn(msg string) { l.logger.Warn().Msg(msg) }
func (l *zerologLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Error(msg string) { l.logger.Error().Msg(msg) }
func (l *zerologLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}
