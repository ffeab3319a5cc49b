package config

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global logger. Development gets a console writer
// at debug level unless log.level says otherwise.
func (c *Config) InitLogger() {
	if c.Env.IsDevelopment() {
		log.Logger = log.Output(zerolog.NewConsoleWriter())
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(c.LogLevel())
}

func (c *Config) LogLevel() zerolog.Level {
	if c.Log.Level != "" {
		if level, err := zerolog.ParseLevel(c.Log.Level); err == nil && level != zerolog.NoLevel {
			return level
		}
	}
	if c.Env.IsDevelopment() {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
