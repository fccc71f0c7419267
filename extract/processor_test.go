package extract

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/learnlog/learnlog/logstore"
	"github.com/learnlog/learnlog/model"
	"github.com/learnlog/learnlog/store"
)

const testingLog = `2024-01-02 10:00:00.000000+0000 - testing - INFO - START(pytest)
2024-01-02 10:00:01.000000+0000 - testing - INFO - passed: module2.test_hello
2024-01-02 10:00:02.000000+0000 - testing - ERROR - assertion blew up
2024-01-02 10:00:03.000000+0000 - testing - INFO - STOP(pytest)
`

type batchEnv struct {
	db        *gorm.DB
	blobs     *logstore.Store
	processor *Processor
	repo      *model.Repository
}

// batchFixtures builds a repository enrolled in a one-module course
// whose single assignment reports under module2.test_hello.
func batchFixtures(t *testing.T) *batchEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	repo := &model.Repository{URI: "https://github.com/pupil/learn-python", Handle: "pupil"}
	require.NoError(t, db.Create(repo).Error)
	course := &model.Course{Name: "Learn Python", Started: time.Now().UTC()}
	require.NoError(t, db.Create(course).Error)
	mod := &model.Module{CourseID: course.ID, Number: 2, Name: "Module 2"}
	require.NoError(t, db.Create(mod).Error)
	assignment := &model.Assignment{
		ModuleID:   mod.ID,
		Number:     1,
		Name:       "Hello",
		Identifier: "module2.test_hello",
	}
	require.NoError(t, db.Create(assignment).Error)
	require.NoError(t, db.Create(&model.Enrollment{RepositoryID: repo.ID, CourseID: course.ID}).Error)

	blobs := logstore.New(db, dir, zerolog.Nop())
	return &batchEnv{
		db:        db,
		blobs:     blobs,
		processor: NewProcessor(db, blobs, zerolog.Nop()),
		repo:      repo,
	}
}

func (e *batchEnv) ingest(t *testing.T, text, filename string) *model.LogFile {
	t.Helper()
	file, err := e.blobs.Ingest(context.Background(), []byte(text), filename, e.repo, nil)
	require.NoError(t, err)
	return file
}

func (e *batchEnv) counts(t *testing.T) (logEvents, testEvents, toolRuns int64) {
	t.Helper()
	require.NoError(t, e.db.Model(&model.LogEvent{}).Count(&logEvents).Error)
	require.NoError(t, e.db.Model(&model.TestEvent{}).Count(&testEvents).Error)
	require.NoError(t, e.db.Model(&model.ToolRun{}).Count(&toolRuns).Error)
	return
}

func TestProcessorExtractsTestingFile(t *testing.T) {
	env := batchFixtures(t)
	file := env.ingest(t, testingLog, "testing-2024-01-02.log")

	stats, err := env.processor.Run(context.Background(), Options{MinLevel: model.LevelError})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, 1, stats.LogEvents)
	require.Equal(t, 1, stats.TestEvents)
	require.Equal(t, 1, stats.ToolRuns)
	require.Equal(t, 0, stats.Dropped)

	var event model.TestEvent
	require.NoError(t, env.db.First(&event).Error)
	require.Equal(t, model.ResultPassed, event.Result)
	require.NotNil(t, event.Runner)
	require.Equal(t, model.RunnerPytest, *event.Runner)
	require.EqualValues(t, 1, event.LineBegin)

	var run model.ToolRun
	require.NoError(t, env.db.First(&run).Error)
	require.Equal(t, "pytest", run.Tool)
	require.Equal(t, 3*time.Second, run.Stop.Sub(run.Start))

	var stored model.LogFile
	require.NoError(t, env.db.First(&stored, file.ID).Error)
	require.True(t, stored.Processed)
}

func TestProcessorSkipsProcessedFiles(t *testing.T) {
	env := batchFixtures(t)
	file := env.ingest(t, testingLog, "testing-2024-01-02.log")

	_, err := env.processor.Run(context.Background(), Options{})
	require.NoError(t, err)

	// Default selection excludes processed files entirely.
	stats, err := env.processor.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 0, stats.Files)
	require.Equal(t, 0, stats.Skipped)

	// Naming the file explicitly still refuses to redo it without a
	// reset.
	stats, err = env.processor.Run(context.Background(), Options{IDs: []uint64{file.ID}})
	require.NoError(t, err)
	require.Equal(t, 0, stats.Files)
	require.Equal(t, 1, stats.Skipped)

	logEvents, testEvents, toolRuns := env.counts(t)
	require.EqualValues(t, 1, logEvents)
	require.EqualValues(t, 1, testEvents)
	require.EqualValues(t, 1, toolRuns)
}

func TestProcessorResetIsIdempotent(t *testing.T) {
	env := batchFixtures(t)
	file := env.ingest(t, testingLog, "testing-2024-01-02.log")

	opts := Options{IDs: []uint64{file.ID}, Reset: true}
	for i := 0; i < 2; i++ {
		stats, err := env.processor.Run(context.Background(), opts)
		require.NoError(t, err)
		require.Equal(t, 1, stats.Files)

		logEvents, testEvents, toolRuns := env.counts(t)
		require.EqualValues(t, 1, logEvents)
		require.EqualValues(t, 1, testEvents)
		require.EqualValues(t, 1, toolRuns)
	}
}

func TestProcessorAbsorbsDuplicateTimestamp(t *testing.T) {
	env := batchFixtures(t)
	// The second record repeats the first's timestamp, violating the
	// per-file timestamp uniqueness on insert. Only that record is
	// lost; the rest of the file still lands and the file completes.
	file := env.ingest(t, `2024-01-04 08:00:00.000000+0000 - learn_python - ERROR - first
2024-01-04 08:00:00.000000+0000 - learn_python - ERROR - twin
2024-01-04 08:00:01.000000+0000 - learn_python - ERROR - second
`, "learn_python-2024-01-04.log")

	stats, err := env.processor.Run(context.Background(), Options{MinLevel: model.LevelError})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, 2, stats.LogEvents)
	require.Equal(t, 1, stats.Dropped)

	var events []model.LogEvent
	require.NoError(t, env.db.Order("line_begin").Find(&events).Error)
	require.Len(t, events, 2)
	require.Equal(t, "first", events[0].Message)
	require.Equal(t, "second", events[1].Message)

	var stored model.LogFile
	require.NoError(t, env.db.First(&stored, file.ID).Error)
	require.True(t, stored.Processed)
}

func TestProcessorSkipsVanishedFile(t *testing.T) {
	env := batchFixtures(t)

	stats, err := env.processor.Run(context.Background(), Options{IDs: []uint64{9999}})
	require.NoError(t, err)
	require.Equal(t, 0, stats.Files)
	require.Equal(t, 1, stats.Skipped)
}

func TestProcessorAppliesLevelThreshold(t *testing.T) {
	env := batchFixtures(t)
	env.ingest(t, `2024-01-03 09:00:00.000000+0000 - learn_python - INFO - routine
2024-01-03 09:00:01.000000+0000 - learn_python - ERROR - broke
`, "learn_python-2024-01-03.log")

	stats, err := env.processor.Run(context.Background(), Options{MinLevel: model.LevelError})
	require.NoError(t, err)
	require.Equal(t, 1, stats.LogEvents)
	require.Equal(t, 1, stats.Dropped)

	var event model.LogEvent
	require.NoError(t, env.db.First(&event).Error)
	require.Equal(t, model.LevelError, event.Level)
}

func TestProcessorDropsTestsForUnenrolledRepository(t *testing.T) {
	env := batchFixtures(t)
	loner := &model.Repository{URI: "https://github.com/loner/learn-python", Handle: "loner"}
	require.NoError(t, env.db.Create(loner).Error)

	_, err := env.blobs.Ingest(context.Background(), []byte(testingLog), "testing-2024-01-02.log", loner, nil)
	require.NoError(t, err)

	stats, err := env.processor.Run(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)
	require.Equal(t, 0, stats.TestEvents)
	require.Equal(t, 1, stats.Dropped)
}

func TestProcessorScopedToRepository(t *testing.T) {
	env := batchFixtures(t)
	other := &model.Repository{URI: "https://github.com/else/learn-python", Handle: "else"}
	require.NoError(t, env.db.Create(other).Error)

	env.ingest(t, testingLog, "testing-2024-01-02.log")
	_, err := env.blobs.Ingest(context.Background(), []byte(testingLog), "testing-2024-01-02.log", other, nil)
	require.NoError(t, err)

	stats, err := env.processor.Run(context.Background(), Options{RepositoryID: other.ID})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Files)

	var files []model.LogFile
	require.NoError(t, env.db.Where("processed = ?", true).Find(&files).Error)
	require.Len(t, files, 1)
	require.Equal(t, other.ID, files[0].RepositoryID)
}
