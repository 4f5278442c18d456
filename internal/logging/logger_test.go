package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"e": Error, "WARN": Warn, "info": Info, "D": Debug, "trace": MaxLevel, "3": Level(3),
	} {
		got, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, got, s)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	_, err = ParseLevel("42")
	assert.Error(t, err)
}

func TestTagDirectives(t *testing.T) {
	saved := current.Load()
	defer current.Store(saved)

	require.NoError(t, Configure("warn,session=debug"))

	var out bytes.Buffer
	SetColor(false)
	base := &Logger{sink: &sink{out: &out}}

	session := base.WithTag("session")
	render := base.WithTag("render")

	assert.True(t, session.Enabled(Debug))
	assert.False(t, render.Enabled(Info))
	assert.True(t, render.Enabled(Warn))

	render.Info("dropped")
	assert.Zero(t, out.Len())

	session.WithField("device", "cam0").Debug("opened %d", 1)
	assert.Contains(t, out.String(), "D/session")
	assert.Contains(t, out.String(), "opened 1 device=cam0\n")
}

func TestConfigureRejectsBadDirective(t *testing.T) {
	saved := current.Load()
	defer current.Store(saved)

	assert.Error(t, Configure("session=chatty"))
	assert.Equal(t, saved, current.Load())
}
