// Package logparse classifies uploaded log files and turns their text
// into a lazy sequence of structured records. Each log kind owns an
// ordered pattern list: pattern 0 is the primary line pattern that
// both starts a new record and terminates multi-line accumulation of
// the previous one; the remaining patterns extract structured
// sub-fields from a primary-matched line.
package logparse

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/learnlog/learnlog/model"
)

// primaryPattern matches the client tool's standard log line framing:
//
//	2024-01-01 00:00:00.000000+0000 - logger - INFO - message
//
// It is deliberately generic: bracket-marker lines in testing logs use
// the same framing and must match too, so their markers can be pulled
// out by secondary patterns.
var primaryPattern = regexp.MustCompile(
	`^(?P<timestamp>\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:[+-]\d{4}|Z)?)\s+-\s+(?P<logger>\S+)\s+-\s+(?P<level>[A-Za-z]+|\d+)\s+-\s+(?P<message>.*)$`,
)

var (
	startPattern  = regexp.MustCompile(`\bSTART\((?P<start>[^)\s]+)\)`)
	stopPattern   = regexp.MustCompile(`\bSTOP\((?P<stop>[^)\s]+)\)`)
	resultPattern = regexp.MustCompile(`(?i)\b(?P<result>passed|failed|errored|skipped)\b[:\s]+(?P<identifier>[\w./:\[\]-]+)`)
)

// KindSpec binds a log kind to its filename prefix and pattern list.
type KindSpec struct {
	Kind      model.LogKind
	Prefix    string
	Primary   *regexp.Regexp
	Secondary []*regexp.Regexp
}

// kindSpecs is ordered most-specific-first; classification takes the
// first prefix match. A tutor log name like DELPHI-2024-01-01.log must
// not fall through to a more generic prefix.
var kindSpecs = []KindSpec{
	{
		Kind:    model.KindTutor,
		Prefix:  "delphi",
		Primary: primaryPattern,
	},
	{
		Kind:      model.KindTesting,
		Prefix:    "testing",
		Primary:   primaryPattern,
		Secondary: []*regexp.Regexp{startPattern, stopPattern, resultPattern},
	},
	{
		Kind:    model.KindGeneral,
		Prefix:  "learn",
		Primary: primaryPattern,
	},
}

var unknownSpec = KindSpec{
	Kind:    model.KindUnknown,
	Primary: primaryPattern,
}

// Classify maps a declared filename to a log kind. Matching is
// case-insensitive on the base name; no prefix match yields
// KindUnknown.
func Classify(filename string) model.LogKind {
	name := strings.ToLower(filepath.Base(filename))
	for _, spec := range kindSpecs {
		if strings.HasPrefix(name, spec.Prefix) {
			return spec.Kind
		}
	}
	return model.KindUnknown
}

// Spec returns the pattern set for a kind.
func Spec(kind model.LogKind) KindSpec {
	for _, spec := range kindSpecs {
		if spec.Kind == kind {
			return spec
		}
	}
	return unknownSpec
}
