package extract

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/learnlog/learnlog/logparse"
	"github.com/learnlog/learnlog/logstore"
	"github.com/learnlog/learnlog/model"
)

// Options selects which files a processing batch covers.
type Options struct {
	// IDs restricts the batch to explicit log file ids. Empty means
	// every candidate file.
	IDs []uint64
	// RepositoryID restricts the batch to one owner. Zero means all.
	RepositoryID uint64
	// MinLevel is the severity threshold for generic log events.
	MinLevel model.LogLevel
	// Reset reprocesses already-processed files, deleting their
	// previously derived events first.
	Reset bool
}

// BatchStats aggregates one batch run.
type BatchStats struct {
	Files      int
	Skipped    int
	LogEvents  int
	TestEvents int
	ToolRuns   int
	Dropped    int
}

// Processor runs extraction batches. The whole batch executes inside
// one transaction: either every targeted file reaches its new state or
// none does. Each file row is locked for update before it is read, so
// a manual reprocess and an automatic post-upload trigger cannot race
// on the same file.
type Processor struct {
	db     *gorm.DB
	blobs  *logstore.Store
	logger zerolog.Logger
}

func NewProcessor(db *gorm.DB, blobs *logstore.Store, logger zerolog.Logger) *Processor {
	return &Processor{db: db, blobs: blobs, logger: logger}
}

// Run executes one extraction batch. Only structural failures (lock
// acquisition, storage unavailability) abort the batch; per-record
// conditions are absorbed and logged.
func (p *Processor) Run(ctx context.Context, opts Options) (BatchStats, error) {
	var stats BatchStats
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := p.candidates(tx, opts)
		if err != nil {
			return err
		}
		resolvers := map[uint64]Resolver{}

		for _, id := range ids {
			var file model.LogFile
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&file, id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Merged away between selection and processing:
				// nothing to do.
				stats.Skipped++
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to lock log file %d: %w", id, err)
			}
			if file.Processed && !opts.Reset {
				stats.Skipped++
				continue
			}

			if opts.Reset {
				if err := resetEvents(tx, file.ID); err != nil {
					return fmt.Errorf("failed to reset events for log file %d: %w", id, err)
				}
			}

			resolver, ok := resolvers[file.RepositoryID]
			if !ok {
				resolver, err = newAssignmentResolver(tx, file.RepositoryID)
				if err != nil {
					return err
				}
				resolvers[file.RepositoryID] = resolver
			}

			fileStats, err := p.file(tx, &file, resolver, opts.MinLevel)
			if err != nil {
				return err
			}
			stats.Files++
			stats.LogEvents += fileStats.LogEvents
			stats.TestEvents += fileStats.TestEvents
			stats.ToolRuns += fileStats.ToolRuns
			stats.Dropped += fileStats.Dropped

			// Processed means scanned to completion, not zero errors.
			if err := tx.Model(&file).Update("processed", true).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return BatchStats{}, err
	}
	return stats, nil
}

func (p *Processor) file(tx *gorm.DB, file *model.LogFile, resolver Resolver, minLevel model.LogLevel) (Stats, error) {
	body, err := p.blobs.Open(file)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open log file %d: %w", file.ID, err)
	}
	defer body.Close()

	parser := logparse.NewParser(file.Kind, body)
	extractor := New(p.logger, resolver, &dbSink{tx: tx}, minLevel)
	stats := extractor.File(file, parser)
	if err := parser.Err(); err != nil {
		return Stats{}, fmt.Errorf("failed reading log file %d: %w", file.ID, err)
	}
	return stats, nil
}

// candidates selects the target file ids inside the batch transaction.
func (p *Processor) candidates(tx *gorm.DB, opts Options) ([]uint64, error) {
	q := tx.Model(&model.LogFile{})
	if len(opts.IDs) > 0 {
		q = q.Where("id IN ?", opts.IDs)
	} else if !opts.Reset {
		q = q.Where("processed = ?", false)
	}
	if opts.RepositoryID != 0 {
		q = q.Where("repository_id = ?", opts.RepositoryID)
	}

	var ids []uint64
	if err := q.Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to select candidate log files: %w", err)
	}
	return ids, nil
}

// resetEvents deletes previously derived rows, test events before log
// events since the former extend the latter.
func resetEvents(tx *gorm.DB, fileID uint64) error {
	if err := tx.Where("log_file_id = ?", fileID).Delete(&model.TestEvent{}).Error; err != nil {
		return err
	}
	if err := tx.Where("log_file_id = ?", fileID).Delete(&model.LogEvent{}).Error; err != nil {
		return err
	}
	return tx.Where("log_file_id = ?", fileID).Delete(&model.ToolRun{}).Error
}

// dbSink persists events inside the batch transaction. Each insert is
// fenced by a savepoint so one bad record (a uniqueness violation,
// say) poisons neither the batch transaction nor the rest of the
// file.
type dbSink struct {
	tx *gorm.DB
	n  int
}

func (s *dbSink) LogEvent(event *model.LogEvent) error   { return s.create(event) }
func (s *dbSink) TestEvent(event *model.TestEvent) error { return s.create(event) }
func (s *dbSink) ToolRun(run *model.ToolRun) error       { return s.create(run) }

func (s *dbSink) create(value any) error {
	s.n++
	name := fmt.Sprintf("sp_record_%d", s.n)
	if err := s.tx.SavePoint(name).Error; err != nil {
		return err
	}
	if err := s.tx.Create(value).Error; err != nil {
		s.tx.RollbackTo(name)
		return err
	}
	return nil
}
