package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/haneulee/HEAD-plaza/internal/logging"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	requireT := require.New(t)

	_, err := logging.New("loud", false)
	requireT.Error(err)

	log, err := logging.New("debug", true)
	requireT.NoError(err)
	requireT.True(log.Core().Enabled(zapcore.DebugLevel))
}

func TestPionFactoryRoutesIntoZap(t *testing.T) {
	requireT := require.New(t)

	core, logs := observer.New(zapcore.DebugLevel)
	factory := logging.NewPionFactory(zap.New(core))

	l := factory.NewLogger("ice")
	l.Trace("dropped")
	l.Debugf("gathering %d", 3)
	l.Warn("slow")

	entries := logs.All()
	requireT.Len(entries, 2)
	requireT.Equal("pion.ice", entries[0].LoggerName)
	requireT.Equal("gathering 3", entries[0].Message)
	requireT.Equal(zapcore.WarnLevel, entries[1].Level)
}
