package model

import (
	"time"

	"github.com/google/uuid"
)

// Repository is a learner's git repository, the owner of uploaded log
// files. The authentication handshake that proves a caller controls the
// repository happens upstream; by the time anything in this module sees
// a Repository it is an authenticated identity.
type Repository struct {
	ID        uint64    `gorm:"primaryKey"`
	URI       string    `gorm:"size:255;not null;uniqueIndex"`
	Handle    string    `gorm:"size:255;not null;index"`
	Token     string    `gorm:"size:64;index"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// Course groups modules and assignments. Uploaded logs resolve their
// test identifiers against the course the owning repository is
// enrolled in.
type Course struct {
	ID      uint64     `gorm:"primaryKey"`
	Name    string     `gorm:"size:255;not null;uniqueIndex"`
	Started time.Time  `gorm:"not null"`
	Ended   *time.Time `gorm:""`
}

// Enrollment binds a repository to a course. A repository has at most
// one active enrollment.
type Enrollment struct {
	ID           uint64 `gorm:"primaryKey"`
	RepositoryID uint64 `gorm:"not null;uniqueIndex"`
	Repository   *Repository
	CourseID     uint64 `gorm:"not null;index"`
	Course       *Course
	Joined       time.Time `gorm:"not null;autoCreateTime"`
}

// Module is one unit of a course.
type Module struct {
	ID       uint64 `gorm:"primaryKey"`
	CourseID uint64 `gorm:"not null;index:idx_modules_course_number,unique,priority:1"`
	Course   *Course
	Number   uint16 `gorm:"not null;index:idx_modules_course_number,unique,priority:2"`
	Name     string `gorm:"size:64;not null"`
	Topic    string `gorm:"size:255"`
}

// Assignment is one exercise within a module. Identifier is the exact
// string the client's test tools report results under.
type Assignment struct {
	ID         uint64 `gorm:"primaryKey"`
	ModuleID   uint64 `gorm:"not null;index:idx_assignments_module_name,unique,priority:1"`
	Module     *Module
	Number     uint16 `gorm:"not null;index"`
	Name       string `gorm:"size:255;not null;index:idx_assignments_module_name,unique,priority:2"`
	Identifier string `gorm:"size:255;not null;index"`
}

// LogFile is one stored, deduplicated log artifact. The backing bytes
// live gzip-compressed in the blob store under BlobPath; SHA256 is
// computed over the bytes as uploaded and, combined with the owning
// repository, is the idempotency key for ingestion.
type LogFile struct {
	ID           uint64 `gorm:"primaryKey"`
	RepositoryID uint64 `gorm:"not null;uniqueIndex:idx_log_files_repo_hash,priority:1"`
	Repository   *Repository
	SHA256       string     `gorm:"column:sha256;size:64;not null;uniqueIndex:idx_log_files_repo_hash,priority:2"`
	Name         string     `gorm:"size:255;not null"`
	Kind         LogKind    `gorm:"not null;default:0;index"`
	BlobPath     string     `gorm:"size:255;not null"`
	Date         *time.Time `gorm:"type:date;index"`
	UploadedAt   time.Time  `gorm:"not null;index"`
	NumLines     uint       `gorm:"not null;default:0"`
	Processed    bool       `gorm:"not null;default:false;index"`
}

// EventCore carries the fields shared by generic log events and test
// events. The log file reference is nullable so events survive
// garbage collection of their raw log. Two events in one file may not
// share a timestamp.
type EventCore struct {
	ID        uint64  `gorm:"primaryKey"`
	LogFileID *uint64 `gorm:"index;uniqueIndex:,composite:file_ts"`
	Timestamp time.Time `gorm:"not null;index;uniqueIndex:,composite:file_ts"`
	Level     LogLevel  `gorm:"not null;index"`
	LineBegin uint      `gorm:"not null"`
	LineEnd   uint      `gorm:"not null"`
	Message   string    `gorm:"type:text"`
	Logger    string    `gorm:"size:128"`
}

// LogEvent is one extracted generic log record.
type LogEvent struct {
	EventCore `gorm:"embedded"`
	LogFile   *LogFile `gorm:"constraint:OnDelete:CASCADE"`
}

// TestEvent is one extracted test result, bound to a resolved
// assignment. It composes the generic event fields rather than
// referencing a LogEvent row; the two tables are independent variants
// of one extraction output.
type TestEvent struct {
	EventCore    `gorm:"embedded"`
	LogFile      *LogFile    `gorm:"constraint:OnDelete:CASCADE"`
	Result       TestResult  `gorm:"not null;index"`
	Runner       *TestRunner `gorm:"index"`
	AssignmentID uint64      `gorm:"not null;index"`
	Assignment   *Assignment
}

// ToolRun is one START...STOP bracket matched during extraction: a
// span during which a client tool was running.
type ToolRun struct {
	ID           uint64 `gorm:"primaryKey"`
	RepositoryID uint64 `gorm:"not null;index"`
	Repository   *Repository
	LogFileID    *uint64 `gorm:"index"`
	LogFile      *LogFile
	Tool         string    `gorm:"size:64;not null;index"`
	Start        time.Time `gorm:"not null;index"`
	Stop         time.Time `gorm:"not null"`
}

// TutorEngagement is one AI-tutor session bundle uploaded by the
// client. Tutor-kind log files carry the engagement UUID in their
// filename and link up with the engagement on ingest.
type TutorEngagement struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	RepositoryID uint64    `gorm:"not null;index"`
	Repository   *Repository
	Start        time.Time `gorm:"not null;index"`
	End          time.Time `gorm:"not null"`
	LogFileID    *uint64   `gorm:"index"`
	LogFile      *LogFile  `gorm:"constraint:OnDelete:SET NULL"`
}

// All lists every persisted model in migration order.
func All() []any {
	return []any{
		&Repository{},
		&Course{},
		&Enrollment{},
		&Module{},
		&Assignment{},
		&LogFile{},
		&LogEvent{},
		&TestEvent{},
		&ToolRun{},
		&TutorEngagement{},
	}
}
