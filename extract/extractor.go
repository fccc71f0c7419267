// Package extract turns the parsed record sequence of a log file into
// persisted events: generic log events, assignment-bound test events,
// and tool-run spans recovered by bracket matching.
package extract

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/learnlog/learnlog/logparse"
	"github.com/learnlog/learnlog/model"
)

// RecordSource yields one file's records in order. *logparse.Parser
// satisfies it; tests feed synthetic slices.
type RecordSource interface {
	Next() (*logparse.Record, bool)
}

// Resolver maps a test identifier to an assignment within the course
// scope of the owning repository's enrollment.
type Resolver interface {
	Resolve(identifier string) (*model.Assignment, bool)
}

// Sink receives the emitted events. A sink error fails only the one
// record that produced it; extraction logs the record and moves on.
type Sink interface {
	LogEvent(*model.LogEvent) error
	TestEvent(*model.TestEvent) error
	ToolRun(*model.ToolRun) error
}

// frame is one open START marker awaiting its STOP.
type frame struct {
	tag   string
	start time.Time
}

// State is the per-file extraction state: an explicit bracket stack.
// The stack never carries across files. A START near midnight whose
// STOP lands in the next day's file stays unmatched, because a later
// upload can merge away the file an open bracket came from, which
// would invalidate any carried stack after the fact.
type State struct {
	stack []frame
}

func (s *State) push(tag string, start time.Time) {
	s.stack = append(s.stack, frame{tag: tag, start: start})
}

// pop removes the top frame when its tag matches.
func (s *State) pop(tag string) (frame, bool) {
	if len(s.stack) == 0 || s.stack[len(s.stack)-1].tag != tag {
		return frame{}, false
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return top, true
}

// bottom is the outermost enclosing tool context.
func (s *State) bottom() (string, bool) {
	if len(s.stack) == 0 {
		return "", false
	}
	return s.stack[0].tag, true
}

// Stats counts what one file's extraction produced.
type Stats struct {
	LogEvents  int
	TestEvents int
	ToolRuns   int
	Dropped    int
}

// Extractor consumes record sequences for one batch. MinLevel drops
// generic records below the threshold, except in testing-kind files
// where every structurally recognized record is significant.
type Extractor struct {
	logger   zerolog.Logger
	resolver Resolver
	sink     Sink
	minLevel model.LogLevel
}

func New(logger zerolog.Logger, resolver Resolver, sink Sink, minLevel model.LogLevel) *Extractor {
	return &Extractor{logger: logger, resolver: resolver, sink: sink, minLevel: minLevel}
}

// File runs the extraction state machine over one file's records.
// Record order is the bracket-matching invariant: records must arrive
// in file order, and no two files may interleave on one Extractor
// call.
func (e *Extractor) File(file *model.LogFile, records RecordSource) Stats {
	var state State
	var stats Stats

	for {
		rec, ok := records.Next()
		if !ok {
			break
		}
		e.record(file, &state, rec, &stats)
	}

	for _, open := range state.stack {
		e.logger.Warn().
			Uint64("log_file", file.ID).
			Str("tool", open.tag).
			Time("start", open.start).
			Msg("Discarding unmatched START marker at end of file")
	}
	return stats
}

func (e *Extractor) record(file *model.LogFile, state *State, rec *logparse.Record, stats *Stats) {
	log := e.logger.With().Uint64("log_file", file.ID).Uint("line", rec.LineBegin).Logger()

	if tag, ok := rec.Field("start"); ok {
		state.push(tag, rec.Timestamp)
		return
	}

	if tag, ok := rec.Field("stop"); ok {
		open, matched := state.pop(tag)
		if !matched {
			// Unbalanced marker: its START is missing or mismatched.
			// Not fatal, the span is simply unrecoverable.
			log.Warn().Str("tool", tag).Msg("Discarding unbalanced STOP marker")
			stats.Dropped++
			return
		}
		run := &model.ToolRun{
			RepositoryID: file.RepositoryID,
			LogFileID:    &file.ID,
			Tool:         open.tag,
			Start:        open.start,
			Stop:         rec.Timestamp,
		}
		if err := e.sink.ToolRun(run); err != nil {
			log.Error().Err(err).Str("tool", open.tag).Msg("Failed to persist tool run")
			stats.Dropped++
			return
		}
		stats.ToolRuns++
		return
	}

	if result, ok := rec.Field("result"); ok {
		if identifier, ok := rec.Field("identifier"); ok {
			e.testResult(file, state, rec, result, identifier, stats, log)
			return
		}
	}

	if file.Kind != model.KindTesting && rec.Level < e.minLevel {
		stats.Dropped++
		return
	}

	event := &model.LogEvent{EventCore: core(file, rec)}
	if err := e.sink.LogEvent(event); err != nil {
		log.Error().Err(err).Str("record", rec.Message).Msg("Failed to persist log event")
		stats.Dropped++
		return
	}
	stats.LogEvents++
}

func (e *Extractor) testResult(
	file *model.LogFile,
	state *State,
	rec *logparse.Record,
	result, identifier string,
	stats *Stats,
	log zerolog.Logger,
) {
	outcome, ok := model.ParseResult(result)
	if !ok {
		stats.Dropped++
		return
	}

	assignment, ok := e.resolver.Resolve(identifier)
	if !ok {
		// Most likely line noise rather than a known assignment.
		log.Debug().Str("identifier", identifier).Msg("Dropping unresolved test identifier")
		stats.Dropped++
		return
	}

	event := &model.TestEvent{
		EventCore:    core(file, rec),
		Result:       outcome,
		AssignmentID: assignment.ID,
	}
	if tag, ok := state.bottom(); ok {
		if runner, known := model.ParseRunner(tag); known {
			event.Runner = &runner
		}
	}
	if err := e.sink.TestEvent(event); err != nil {
		log.Error().Err(err).Str("identifier", identifier).Str("record", rec.Message).Msg("Failed to persist test event")
		stats.Dropped++
		return
	}
	stats.TestEvents++
}

// core projects the record fields that are declared members of the
// event schema; anything else the parser captured is dropped here.
func core(file *model.LogFile, rec *logparse.Record) model.EventCore {
	return model.EventCore{
		LogFileID: &file.ID,
		Timestamp: rec.Timestamp,
		Level:     rec.Level,
		LineBegin: rec.LineBegin,
		LineEnd:   rec.LineEnd,
		Message:   rec.Message,
		Logger:    rec.Logger,
	}
}
