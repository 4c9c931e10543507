package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var out, errOut bytes.Buffer
	l := New(LevelWarn, &out, &errOut)

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	assert.Empty(t, out.String(), "debug and info should be filtered")
	assert.Contains(t, errOut.String(), "[Warn] warn 3")
	assert.Contains(t, errOut.String(), "[Error] error 4")
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, DefaultLogger, OrDefault(nil))
	assert.Equal(t, Discard, OrDefault(Discard))
}
