package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-gateway/internal/rtc"
)

func TestLoadDefaults(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DevelopmentEnv, conf.Env)
	assert.Equal(t, uint16(50000), conf.RTC.PortRangeStart)
	assert.Equal(t, uint16(60000), conf.RTC.PortRangeEnd)
	assert.Equal(t, 10*time.Second, conf.Engine.CallTimeout)
	assert.Len(t, conf.Codecs, 3)

	opus := rtc.RtpCapabilities{Codecs: conf.Codecs}.FindCodec(rtc.AudioKind, "audio/opus")
	require.NotNil(t, opus)
	assert.Equal(t, uint32(48000), opus.ClockRate)
	assert.Equal(t, uint16(2), opus.Channels)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfu.yml")
	yml := `
env: production
log:
  level: debug
  tags: [ice, dtls]
rtc:
  port_range_start: 40000
  port_range_end: 40100
  announced_ip: 203.0.113.10
engine:
  call_timeout: 3s
codecs:
  - kind: audio
    mime_type: audio/opus
    clock_rate: 48000
    channels: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("SFU_RTC_ANNOUNCED_IP", "198.51.100.7")
	t.Setenv("SFU_ADDRESS", ":9000")

	conf, err := Load(path)
	require.NoError(t, err)

	assert.True(t, conf.Env.IsProduction())
	assert.Equal(t, "debug", conf.Log.Level)
	assert.Equal(t, []string{"ice", "dtls"}, conf.Log.Tags)
	assert.Equal(t, uint16(40000), conf.RTC.PortRangeStart)
	assert.Equal(t, "198.51.100.7", conf.RTC.AnnouncedIP)
	assert.Equal(t, ":9000", conf.Address)
	assert.Equal(t, 3*time.Second, conf.Engine.CallTimeout)
	require.Len(t, conf.Codecs, 1)
	assert.Equal(t, rtc.AudioKind, conf.Codecs[0].Kind)

	listen := conf.ListenIP()
	assert.Equal(t, "0.0.0.0", listen.IP)
	assert.Equal(t, "198.51.100.7", listen.AnnouncedIP)
}

func TestValidate(t *testing.T) {
	conf := NewConfig()
	conf.RTC.PortRangeEnd = conf.RTC.PortRangeStart
	assert.ErrorIs(t, conf.Validate(), ErrInvalidPortRange)

	conf = NewConfig()
	conf.Codecs = nil
	assert.ErrorIs(t, conf.Validate(), ErrNoCodecs)

	conf = NewConfig()
	conf.Codecs[0].Kind = "data"
	assert.ErrorIs(t, conf.Validate(), rtc.ErrUnsupportedCodec)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	conf := NewConfig()
	assert.Equal(t, zerolog.InfoLevel, conf.LogLevel())

	conf.Log.Level = "trace"
	assert.Equal(t, zerolog.TraceLevel, conf.LogLevel())

	conf.Log.Level = ""
	assert.Equal(t, zerolog.DebugLevel, conf.LogLevel())

	conf.Env = ProductionEnv
	conf.Log.Level = "bogus"
	assert.Equal(t, zerolog.InfoLevel, conf.LogLevel())
}
