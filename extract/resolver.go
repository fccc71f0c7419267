package extract

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/learnlog/learnlog/model"
)

// assignmentResolver resolves test identifiers against the assignments
// of the course the repository is enrolled in. The table is loaded
// once per repository per batch and read-only afterwards, so it is
// safe to share across the files of one batch.
type assignmentResolver struct {
	byIdentifier map[string]*model.Assignment
}

func newAssignmentResolver(tx *gorm.DB, repositoryID uint64) (*assignmentResolver, error) {
	r := &assignmentResolver{byIdentifier: map[string]*model.Assignment{}}

	var enrollment model.Enrollment
	err := tx.Where("repository_id = ?", repositoryID).First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Unenrolled repository: every identifier is unresolvable and
		// its records get dropped, which is the intended outcome.
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollment for repository %d: %w", repositoryID, err)
	}

	var assignments []model.Assignment
	err = tx.Joins("JOIN modules ON modules.id = assignments.module_id").
		Where("modules.course_id = ?", enrollment.CourseID).
		Find(&assignments).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments for course %d: %w", enrollment.CourseID, err)
	}

	for i := range assignments {
		r.byIdentifier[assignments[i].Identifier] = &assignments[i]
	}
	return r, nil
}

func (r *assignmentResolver) Resolve(identifier string) (*model.Assignment, bool) {
	assignment, ok := r.byIdentifier[identifier]
	return assignment, ok
}
