// Package logstore owns raw log bytes. It guarantees stored logs are
// gzip-compressed, deduplicates uploads by content hash, and collapses
// repeated partial uploads of a growing log into the longest
// prefix-consistent version.
package logstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/learnlog/learnlog/logparse"
	"github.com/learnlog/learnlog/model"
)

// ErrEmptyUpload rejects zero-length payloads before anything is
// written.
var ErrEmptyUpload = errors.New("empty log upload")

var (
	datePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	uuidPattern = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
)

const blobDirName = "log_uploads"

// Store persists log blobs on disk and their metadata rows in the
// database.
type Store struct {
	db     *gorm.DB
	root   string
	logger zerolog.Logger
}

// New creates a store rooted at dir. Blobs live under dir/log_uploads.
func New(db *gorm.DB, dir string, logger zerolog.Logger) *Store {
	return &Store{db: db, root: dir, logger: logger}
}

// Ingest accepts raw bytes plus the client's declared filename and the
// authenticated owning repository, and returns the stored LogFile.
// Re-ingesting identical bytes for the same owner returns the existing
// row unchanged. Overlapping uploads of the same growing log are
// merged so at most one file per (owner, kind, date) group survives.
func (s *Store) Ingest(ctx context.Context, data []byte, filename string, repo *model.Repository, date *time.Time) (*model.LogFile, error) {
	if len(data) == 0 {
		return nil, ErrEmptyUpload
	}

	// The hash covers the bytes as uploaded, before any compression
	// this store applies.
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	text, compressed, err := normalize(data)
	if err != nil {
		return nil, fmt.Errorf("corrupt gzip upload: %w", err)
	}

	kind := logparse.Classify(filename)
	if date == nil {
		date = dateFromFilename(filename)
	}

	var stale []string // blobs to remove once the transaction commits
	var file *model.LogFile

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.LogFile
		err := tx.Where("repository_id = ? AND sha256 = ?", repo.ID, hash).First(&existing).Error
		if err == nil {
			file = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		file = &model.LogFile{
			RepositoryID: repo.ID,
			SHA256:       hash,
			Name:         filepath.Base(filename),
			Kind:         kind,
			Date:         date,
			UploadedAt:   time.Now().UTC(),
			NumLines:     countLines(text),
			BlobPath:     fmt.Sprintf("%s/%d-%s.gz", blobDirName, repo.ID, hash),
		}

		var engagement *model.TutorEngagement
		if kind == model.KindTutor {
			engagement = s.findEngagement(tx, repo, filename)
			if engagement != nil && file.Date == nil {
				day := engagement.Start.Truncate(24 * time.Hour)
				file.Date = &day
			}
		}

		if err := s.writeBlob(file.BlobPath, compressed); err != nil {
			return err
		}
		if err := tx.Create(file).Error; err != nil {
			return err
		}
		if engagement != nil {
			engagement.LogFileID = &file.ID
			if err := tx.Model(engagement).Update("log_file_id", file.ID).Error; err != nil {
				return err
			}
		}

		if kind != model.KindTutor {
			survivor, removed, err := s.merge(tx, file, text)
			if err != nil {
				return err
			}
			file = survivor
			stale = append(stale, removed...)
		}
		return nil
	})
	if txErr != nil {
		if winner, ok := s.dedupRace(ctx, repo, hash, txErr); ok {
			return winner, nil
		}
		return nil, txErr
	}

	// Blob removal is delayed until after commit so a rolled-back
	// merge never orphans a live row.
	for _, path := range stale {
		if err := os.Remove(filepath.Join(s.root, path)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("blob", path).Msg("Failed to remove merged log blob")
		}
	}
	return file, nil
}

// dedupRace resolves the loser side of two identical concurrent
// uploads. Both pass the duplicate lookup before either inserts; the
// loser's insert then hits the (repository, sha256) index. The
// winner's row is the answer either way, and the loser's blob write is
// harmless: same path, same bytes.
func (s *Store) dedupRace(ctx context.Context, repo *model.Repository, hash string, txErr error) (*model.LogFile, bool) {
	if !errors.Is(txErr, gorm.ErrDuplicatedKey) {
		return nil, false
	}
	var existing model.LogFile
	err := s.db.WithContext(ctx).
		Where("repository_id = ? AND sha256 = ?", repo.ID, hash).
		First(&existing).Error
	if err != nil {
		return nil, false
	}
	return &existing, true
}

// merge scans stored files that overlap the new one and keeps only the
// longest of each prefix-consistent group. A candidate whose stored
// bytes no longer decompress is corrupt: it is logged and skipped, and
// ingestion of the new file still succeeds.
func (s *Store) merge(tx *gorm.DB, file *model.LogFile, text []byte) (*model.LogFile, []string, error) {
	q := tx.Where("repository_id = ? AND kind = ? AND id <> ?", file.RepositoryID, file.Kind, file.ID)
	if file.Date != nil {
		q = q.Where("date = ? OR date IS NULL", file.Date)
	} else {
		q = q.Where("date IS NULL")
	}

	var candidates []model.LogFile
	if err := q.Find(&candidates).Error; err != nil {
		return nil, nil, err
	}

	survivor := file
	lines := splitLines(text)
	var removed []string

	for i := range candidates {
		candidate := &candidates[i]
		candText, err := s.readBlob(candidate.BlobPath)
		if err != nil {
			s.logger.Error().Err(err).
				Uint64("log_file", candidate.ID).
				Str("blob", candidate.BlobPath).
				Msg("Skipping corrupt merge candidate")
			continue
		}
		candLines := splitLines(candText)

		if !headerMatch(lines, candLines) {
			continue
		}

		// Same logical log captured at different times: keep the
		// longer capture, drop the other, keep scanning with the
		// survivor.
		loser := candidate
		if uint(len(candLines)) > survivor.NumLines {
			loser = survivor
			survivor = candidate
			lines = candLines
		}
		if err := deleteRecords(tx, loser); err != nil {
			return nil, nil, err
		}
		removed = append(removed, loser.BlobPath)
	}
	return survivor, removed, nil
}

// headerMatch reports whether the first min(len(a), len(b)) lines of
// the two files are byte-identical.
func headerMatch(a, b [][]byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Open returns the decompressed text of a stored log. The caller must
// close the reader; closing releases both the gzip stream and the
// underlying file.
func (s *Store) Open(file *model.LogFile) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, file.BlobPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open log blob: %w", err)
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decompress log blob: %w", err)
	}
	return &blobReader{zr: zr, f: f}, nil
}

// Raw returns the stored bytes as kept on disk (gzip-compressed), for
// streaming back to a caller.
func (s *Store) Raw(file *model.LogFile) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, file.BlobPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open log blob: %w", err)
	}
	return f, nil
}

// Delete removes a log file, its derived events, and its backing
// bytes. The blob is removed only after the database transaction
// commits.
func (s *Store) Delete(ctx context.Context, file *model.LogFile) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteRecords(tx, file)
	})
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.root, file.BlobPath)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("blob", file.BlobPath).Msg("Failed to remove deleted log blob")
	}
	return nil
}

// deleteRecords drops the row and everything derived from it.
// TestEvent rows go before LogEvent rows, tool runs follow, and any
// tutor engagement pointing at the file is unlinked rather than
// deleted.
func deleteRecords(tx *gorm.DB, file *model.LogFile) error {
	if err := tx.Where("log_file_id = ?", file.ID).Delete(&model.TestEvent{}).Error; err != nil {
		return err
	}
	if err := tx.Where("log_file_id = ?", file.ID).Delete(&model.LogEvent{}).Error; err != nil {
		return err
	}
	if err := tx.Where("log_file_id = ?", file.ID).Delete(&model.ToolRun{}).Error; err != nil {
		return err
	}
	if err := tx.Model(&model.TutorEngagement{}).
		Where("log_file_id = ?", file.ID).
		Update("log_file_id", nil).Error; err != nil {
		return err
	}
	return tx.Delete(&model.LogFile{}, file.ID).Error
}

func (s *Store) findEngagement(tx *gorm.DB, repo *model.Repository, filename string) *model.TutorEngagement {
	raw := uuidPattern.FindString(filepath.Base(filename))
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(strings.ToLower(raw))
	if err != nil {
		return nil
	}
	var engagement model.TutorEngagement
	err = tx.Where("id = ? AND repository_id = ?", id, repo.ID).First(&engagement).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn().Err(err).Str("engagement", raw).Msg("Engagement lookup failed")
		}
		return nil
	}
	return &engagement
}

func (s *Store) writeBlob(rel string, data []byte) error {
	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write log blob: %w", err)
	}
	return nil
}

func (s *Store) readBlob(rel string) ([]byte, error) {
	f, err := os.Open(filepath.Join(s.root, rel))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// normalize returns the decompressed text and the compressed storage
// form of an upload, compressing only when the upload is not already
// gzip-framed.
func normalize(data []byte) (text, compressed []byte, err error) {
	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, nil, err
		}
		defer zr.Close()
		text, err = io.ReadAll(zr)
		if err != nil {
			return nil, nil, err
		}
		return text, data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, nil, err
	}
	return data, buf.Bytes(), nil
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func dateFromFilename(filename string) *time.Time {
	raw := datePattern.FindString(filepath.Base(filename))
	if raw == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil
	}
	return &t
}

func countLines(text []byte) uint {
	if len(text) == 0 {
		return 0
	}
	n := uint(bytes.Count(text, []byte{'\n'}))
	if text[len(text)-1] != '\n' {
		n++
	}
	return n
}

func splitLines(text []byte) [][]byte {
	text = bytes.TrimSuffix(text, []byte{'\n'})
	if len(text) == 0 {
		return nil
	}
	return bytes.Split(text, []byte{'\n'})
}

// blobReader closes both the gzip stream and the backing file on every
// exit path.
type blobReader struct {
	zr *gzip.Reader
	f  *os.File
}

func (b *blobReader) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *blobReader) Close() error {
	zerr := b.zr.Close()
	ferr := b.f.Close()
	if zerr != nil {
		return zerr
	}
	return ferr
}
