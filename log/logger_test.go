package log

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level logrus.Level, debugOverride bool, filter *regexp.Regexp) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{})
	return New(l, debugOverride, filter), &buf
}

func TestLoggerCategoryFields(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferLogger(logrus.DebugLevel, false, nil)
	logger.Debugf("cdp:send", "-> %s", `{"id":1}`)

	out := buf.String()
	assert.Contains(t, out, `"category":"cdp:send"`)
	assert.Contains(t, out, `"goroutine"`)
	assert.Contains(t, out, `"elapsed"`)
	assert.Contains(t, out, `{\"id\":1}`)
}

func TestLoggerLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		debugOverride bool
		wantLogged    bool
	}{
		{name: "filtered", debugOverride: false, wantLogged: false},
		{name: "override", debugOverride: true, wantLogged: true},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger, buf := newBufferLogger(logrus.InfoLevel, tc.debugOverride, nil)
			logger.Debugf("Page:Navigate", "navigating")

			assert.Equal(t, tc.wantLogged, buf.Len() > 0)
		})
	}
}

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	logger, buf := newBufferLogger(logrus.DebugLevel, false, nil)
	require.NoError(t, logger.SetCategoryFilter("^NetworkManager"))

	logger.Debugf("cdp:recv", "dropped")
	assert.Zero(t, buf.Len())

	logger.Debugf("NetworkManager:onRequest", "kept")
	assert.Contains(t, buf.String(), "kept")

	require.Error(t, logger.SetCategoryFilter("("))
	require.NoError(t, logger.SetCategoryFilter(""))
	logger.Debugf("cdp:recv", "no filter")
	assert.Contains(t, buf.String(), "no filter")
}

func TestNilLogger(t *testing.T) {
	t.Parallel()

	var logger *Logger
	assert.NotPanics(t, func() { logger.Errorf("cdp", "nothing happens") })
}
