package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelsFilterOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(LevelNormal, &buf)

	log.Debug("hidden %d", 1)
	log.Info("shown %d", 2)
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown 2")

	buf.Reset()
	log.SetLevel(LevelOff)
	log.Error("nothing")
	require.Empty(t, buf.String())

	log.SetLevel(LevelVerbose)
	log.Debug("now visible")
	require.Contains(t, buf.String(), "now visible")
}

func TestWithSharesLevelAndTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	root := NewJSON(LevelNormal, &buf)
	child := root.With("sequencer")

	child.Info("phase %s", "bell")

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	require.Equal(t, "sequencer", line["component"])
	require.Equal(t, "phase bell", line["message"])

	buf.Reset()
	root.SetLevel(LevelOff)
	child.Warn("muted")
	require.Empty(t, buf.String())
	require.Equal(t, LevelOff, child.GetLevel())
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelOff, ParseLevel("quiet"))
	require.Equal(t, LevelVerbose, ParseLevel("debug"))
	require.Equal(t, LevelNormal, ParseLevel("info"))
	require.Equal(t, LevelNormal, ParseLevel(""))
}
