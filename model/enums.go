package model

import (
	"strconv"
	"strings"
)

// LogKind classifies an uploaded log file and selects which extraction
// patterns apply to it.
type LogKind uint8

const (
	KindUnknown LogKind = iota
	KindGeneral
	KindTesting
	KindTutor
)

func (k LogKind) String() string {
	switch k {
	case KindGeneral:
		return "general"
	case KindTesting:
		return "testing"
	case KindTutor:
		return "tutor"
	default:
		return "unknown"
	}
}

// LogLevel is the severity of a log record. The numeric codes match the
// level codes the client tool writes into its logs, so a raw numeric
// level field maps directly onto this type.
type LogLevel int16

const (
	LevelNotset   LogLevel = 0
	LevelDebug    LogLevel = 10
	LevelInfo     LogLevel = 20
	LevelWarn     LogLevel = 30
	LevelError    LogLevel = 40
	LevelCritical LogLevel = 50
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "NOTSET"
	}
}

// ParseLevel resolves a level string to a LogLevel. Numeric codes are
// tried first, then case-insensitive names. Unresolvable input yields
// LevelNotset.
func ParseLevel(s string) LogLevel {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		switch LogLevel(n) {
		case LevelNotset, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelCritical:
			return LogLevel(n)
		}
		return LevelNotset
	}
	switch strings.ToUpper(s) {
	case "DEBUG", "TRACE":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR", "ERR":
		return LevelError
	case "CRITICAL", "FATAL":
		return LevelCritical
	default:
		return LevelNotset
	}
}

// TestResult is the outcome of one assignment test execution.
type TestResult uint8

const (
	ResultPassed TestResult = iota
	ResultFailed
	ResultErrored
	ResultSkipped
)

func (r TestResult) String() string {
	switch r {
	case ResultPassed:
		return "passed"
	case ResultFailed:
		return "failed"
	case ResultErrored:
		return "errored"
	case ResultSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ParseResult resolves a result string to a TestResult. The second
// return is false when the string names no known result.
func ParseResult(s string) (TestResult, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passed", "pass":
		return ResultPassed, true
	case "failed", "fail":
		return ResultFailed, true
	case "errored", "error":
		return ResultErrored, true
	case "skipped", "skip":
		return ResultSkipped, true
	default:
		return 0, false
	}
}

// TestRunner identifies which tool produced a test result.
type TestRunner uint8

const (
	RunnerTutor TestRunner = iota + 1
	RunnerPytest
	RunnerDocs
	RunnerCI
	RunnerServer
)

func (r TestRunner) String() string {
	switch r {
	case RunnerTutor:
		return "tutor"
	case RunnerPytest:
		return "pytest"
	case RunnerDocs:
		return "docs"
	case RunnerCI:
		return "ci"
	case RunnerServer:
		return "server"
	default:
		return "unknown"
	}
}

// ParseRunner maps a tool tag captured from a bracket marker to a
// runner. Tags the client does not declare map to nothing.
func ParseRunner(tag string) (TestRunner, bool) {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "delphi", "tutor":
		return RunnerTutor, true
	case "pytest", "test":
		return RunnerPytest, true
	case "docs", "doc":
		return RunnerDocs, true
	case "ci":
		return RunnerCI, true
	case "server":
		return RunnerServer, true
	default:
		return 0, false
	}
}
