package live

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/mpapenbr/livetiming-go/log"
	"github.com/mpapenbr/livetiming-go/pkg/config"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, log.WarnLevel, parseLogLevel("warn", log.InfoLevel))
	assert.Equal(t, log.InfoLevel, parseLogLevel("verbose", log.InfoLevel))
}

func TestSetupLogger(t *testing.T) {
	config.LogFormat = "json"
	config.LogLevel = "error"
	config.LogFilter = "*:error"
	l := setupLogger()
	assert.Equal(t, log.ErrorLevel, l.Level())

	config.LogFormat = "text"
	config.LogLevel = "unknown"
	config.LogFilter = ""
	l = setupLogger()
	assert.Equal(t, log.DebugLevel, l.Level())
}
