package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelError, ParseLevel("40"))
	require.Equal(t, LevelWarn, ParseLevel("WARNING"))
	require.Equal(t, LevelWarn, ParseLevel("warn"))
	require.Equal(t, LevelCritical, ParseLevel("fatal"))
	require.Equal(t, LevelNotset, ParseLevel("0"))
	// Unknown numeric codes and unknown names both fall back.
	require.Equal(t, LevelNotset, ParseLevel("41"))
	require.Equal(t, LevelNotset, ParseLevel("verbose"))
	require.True(t, LevelDebug < LevelInfo && LevelInfo < LevelWarn &&
		LevelWarn < LevelError && LevelError < LevelCritical)
}

func TestParseResult(t *testing.T) {
	r, ok := ParseResult("PASSED")
	require.True(t, ok)
	require.Equal(t, ResultPassed, r)

	r, ok = ParseResult("fail")
	require.True(t, ok)
	require.Equal(t, ResultFailed, r)

	_, ok = ParseResult("flaky")
	require.False(t, ok)
}

func TestParseRunner(t *testing.T) {
	r, ok := ParseRunner("pytest")
	require.True(t, ok)
	require.Equal(t, RunnerPytest, r)

	r, ok = ParseRunner("delphi")
	require.True(t, ok)
	require.Equal(t, RunnerTutor, r)

	_, ok = ParseRunner("hammer")
	require.False(t, ok)
}
