package extract

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/learnlog/learnlog/logparse"
	"github.com/learnlog/learnlog/model"
)

type sliceSource struct {
	recs []*logparse.Record
	i    int
}

func (s *sliceSource) Next() (*logparse.Record, bool) {
	if s.i >= len(s.recs) {
		return nil, false
	}
	rec := s.recs[s.i]
	s.i++
	return rec, true
}

type memSink struct {
	logEvents  []*model.LogEvent
	testEvents []*model.TestEvent
	toolRuns   []*model.ToolRun
	fail       bool
}

func (s *memSink) LogEvent(e *model.LogEvent) error {
	if s.fail {
		return errors.New("sink failure")
	}
	s.logEvents = append(s.logEvents, e)
	return nil
}

func (s *memSink) TestEvent(e *model.TestEvent) error {
	if s.fail {
		return errors.New("sink failure")
	}
	s.testEvents = append(s.testEvents, e)
	return nil
}

func (s *memSink) ToolRun(r *model.ToolRun) error {
	if s.fail {
		return errors.New("sink failure")
	}
	s.toolRuns = append(s.toolRuns, r)
	return nil
}

type mapResolver map[string]*model.Assignment

func (m mapResolver) Resolve(identifier string) (*model.Assignment, bool) {
	a, ok := m[identifier]
	return a, ok
}

func at(sec int) time.Time {
	return time.Date(2024, 1, 1, 9, 0, sec, 0, time.UTC)
}

func record(ts time.Time, level model.LogLevel, msg string, fields map[string]string) *logparse.Record {
	if fields == nil {
		fields = map[string]string{}
	}
	return &logparse.Record{
		Timestamp: ts,
		Level:     level,
		Logger:    "testing",
		Message:   msg,
		Fields:    fields,
	}
}

func testFile(kind model.LogKind) *model.LogFile {
	return &model.LogFile{ID: 7, RepositoryID: 3, Kind: kind}
}

func TestNestedBrackets(t *testing.T) {
	sink := &memSink{}
	e := New(zerolog.Nop(), mapResolver{}, sink, model.LevelError)

	recs := &sliceSource{recs: []*logparse.Record{
		record(at(0), model.LevelInfo, "START(A)", map[string]string{"start": "A"}),
		record(at(1), model.LevelInfo, "START(B)", map[string]string{"start": "B"}),
		record(at(2), model.LevelInfo, "STOP(B)", map[string]string{"stop": "B"}),
		record(at(3), model.LevelInfo, "STOP(A)", map[string]string{"stop": "A"}),
	}}
	stats := e.File(testFile(model.KindTesting), recs)

	require.Equal(t, 2, stats.ToolRuns)
	require.Len(t, sink.toolRuns, 2)

	// Inner completes before outer.
	require.Equal(t, "B", sink.toolRuns[0].Tool)
	require.Equal(t, at(1), sink.toolRuns[0].Start)
	require.Equal(t, at(2), sink.toolRuns[0].Stop)

	require.Equal(t, "A", sink.toolRuns[1].Tool)
	require.Equal(t, at(0), sink.toolRuns[1].Start)
	require.Equal(t, at(3), sink.toolRuns[1].Stop)
}

func TestUnbalancedStopIsDiscarded(t *testing.T) {
	sink := &memSink{}
	e := New(zerolog.Nop(), mapResolver{}, sink, model.LevelError)

	recs := &sliceSource{recs: []*logparse.Record{
		record(at(0), model.LevelInfo, "STOP(A)", map[string]string{"stop": "A"}),
	}}
	stats := e.File(testFile(model.KindTesting), recs)

	require.Empty(t, sink.toolRuns)
	require.Equal(t, 1, stats.Dropped)
}

func TestMismatchedStopIsDiscarded(t *testing.T) {
	sink := &memSink{}
	e := New(zerolog.Nop(), mapResolver{}, sink, model.LevelError)

	recs := &sliceSource{recs: []*logparse.Record{
		record(at(0), model.LevelInfo, "START(A)", map[string]string{"start": "A"}),
		record(at(1), model.LevelInfo, "STOP(B)", map[string]string{"stop": "B"}),
	}}
	stats := e.File(testFile(model.KindTesting), recs)

	require.Empty(t, sink.toolRuns)
	require.Equal(t, 1, stats.Dropped)
}

func TestUnmatchedStartEmitsNothing(t *testing.T) {
	sink := &memSink{}
	e := New(zerolog.Nop(), mapResolver{}, sink, model.LevelError)

	recs := &sliceSource{recs: []*logparse.Record{
		record(at(0), model.LevelInfo, "START(A)", map[string]string{"start": "A"}),
	}}
	e.File(testFile(model.KindTesting), recs)
	require.Empty(t, sink.toolRuns)
}

func TestTestEventRunnerFromStackBottom(t *testing.T) {
	sink := &memSink{}
	resolver := mapResolver{"module2.test_hello": {ID: 11}}
	e := New(zerolog.Nop(), resolver, sink, model.LevelError)

	recs := &sliceSource{recs: []*logparse.Record{
		record(at(0), model.LevelInfo, "START(delphi)", map[string]string{"start": "delphi"}),
		record(at(1), model.LevelInfo, "START(pytest)", map[string]string{"start": "pytest"}),
		record(at(2), model.LevelInfo, "passed module2.test_hello", map[string]string{
			"result": "passed", "identifier": "module2.test_hello",
		}),
		record(at(3), model.LevelInfo, "STOP(pytest)", map[string]string{"stop": "pytest"}),
		record(at(4), model.LevelInfo, "STOP(delphi)", map[string]string{"stop": "delphi"}),
	}}
	stats := e.File(testFile(model.KindTesting), recs)

	require.Equal(t, 1, stats.TestEvents)
	require.Len(t, sink.testEvents, 1)
	event := sink.testEvents[0]
	require.Equal(t, model.ResultPassed, event.Result)
	require.Equal(t, uint64(11), event.AssignmentID)
	// Runner comes from the outermost enclosing tool context.
	require.NotNil(t, event.Runner)
	require.Equal(t, model.RunnerTutor, *event.Runner)
}

func TestTestEventWithoutEnclosingToolHasNoRunner(t *testing.T) {
	sink := &memSink{}
	resolver := mapResolver{"module2.test_hello": {ID: 11}}
	e := New(zerolog.Nop(), resolver, sink, model.LevelError)

	recs := &sliceSource{recs: []*logparse.Record{
		record(at(0), model.LevelInfo, "passed module2.test_hello", map[string]string{
			"result": "passed", "identifier": "module2.test_hello",
		}),
	}}
	e.File(testFile(model.KindTesting), recs)

	require.Len(t, sink.testEvents, 1)
	require.Nil(t, sink.testEvents[0].Runner)
}

func TestUnresolvedIdentifierIsDropped(t *testing.T) {
	sink := &memSink{}
	e := New(zerolog.Nop(), mapResolver{}, sink, model.LevelError)

	recs := &sliceSource{recs: []*logparse.Record{
		record(at(0), model.LevelInfo, "passed nosuch.test", map[string]string{
			"result": "passed", "identifier": "nosuch.test",
		}),
	}}
	stats := e.File(testFile(model.KindTesting), recs)

	require.Empty(t, sink.testEvents)
	require.Empty(t, sink.logEvents)
	require.Equal(t, 1, stats.Dropped)
}

func TestLevelThreshold(t *testing.T) {
	sink := &memSink{}
	e := New(zerolog.Nop(), mapResolver{}, sink, model.LevelError)

	info := func() *logparse.Record {
		return record(at(0), model.LevelInfo, "note", nil)
	}

	// Below threshold in a general file: dropped.
	stats := e.File(testFile(model.KindGeneral), &sliceSource{recs: []*logparse.Record{info()}})
	require.Empty(t, sink.logEvents)
	require.Equal(t, 1, stats.Dropped)

	// The identical record in a testing file is still significant.
	stats = e.File(testFile(model.KindTesting), &sliceSource{recs: []*logparse.Record{info()}})
	require.Len(t, sink.logEvents, 1)
	require.Equal(t, 1, stats.LogEvents)
}

func TestFieldProjection(t *testing.T) {
	sink := &memSink{}
	e := New(zerolog.Nop(), mapResolver{}, sink, model.LevelInfo)

	rec := record(at(5), model.LevelWarn, "careful", map[string]string{"surplus": "ignored"})
	rec.LineBegin = 3
	rec.LineEnd = 5
	file := testFile(model.KindGeneral)
	e.File(file, &sliceSource{recs: []*logparse.Record{rec}})

	require.Len(t, sink.logEvents, 1)
	event := sink.logEvents[0]
	require.Equal(t, at(5), event.Timestamp)
	require.Equal(t, model.LevelWarn, event.Level)
	require.Equal(t, "careful", event.Message)
	require.Equal(t, "testing", event.Logger)
	require.Equal(t, uint(3), event.LineBegin)
	require.Equal(t, uint(5), event.LineEnd)
	require.NotNil(t, event.LogFileID)
	require.Equal(t, file.ID, *event.LogFileID)
}

func TestSinkFailureDoesNotAbortFile(t *testing.T) {
	sink := &memSink{fail: true}
	e := New(zerolog.Nop(), mapResolver{}, sink, model.LevelNotset)

	recs := &sliceSource{recs: []*logparse.Record{
		record(at(0), model.LevelError, "first", nil),
		record(at(1), model.LevelError, "second", nil),
	}}
	stats := e.File(testFile(model.KindGeneral), recs)

	require.Equal(t, 2, stats.Dropped)
	require.Equal(t, 0, stats.LogEvents)
}
