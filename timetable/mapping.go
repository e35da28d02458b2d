package timetable

import (
	"context"
	"errors"
	"sort"

	"github.com/warp/school-ledger/generic"
)

// MappingRequest declares which teacher teaches a subject to a class.
// An empty SectionID applies to every section of the class.
type MappingRequest struct {
	SubjectID      string `json:"subjectId"`
	TeacherID      string `json:"teacherId"`
	ClassID        string `json:"classId"`
	SectionID      string `json:"sectionId"`
	PeriodsPerWeek int    `json:"periodsPerWeek"`
}

func (r MappingRequest) Validate() error {
	switch {
	case r.SubjectID == "":
		return generic.NewValidationError("subjectId", "is required")
	case r.TeacherID == "":
		return generic.NewValidationError("teacherId", "is required")
	case r.ClassID == "":
		return generic.NewValidationError("classId", "is required")
	case r.PeriodsPerWeek < 0 || r.PeriodsPerWeek > MaxPeriod*len(dayOrder):
		return generic.NewValidationError("periodsPerWeek", "out of range")
	}
	return nil
}

func mappingID(r MappingRequest) string {
	return generic.DocID(r.SubjectID, r.ClassID, r.SectionID, r.TeacherID)
}

// AddMapping records a subject-teacher mapping. The same
// (subject, class, section, teacher) can only be mapped once.
func (r *Resolver) AddMapping(ctx context.Context, scope generic.Scope, req MappingRequest) (SubjectTeacher, error) {
	if err := scope.Validate(); err != nil {
		return SubjectTeacher{}, err
	}
	if err := req.Validate(); err != nil {
		return SubjectTeacher{}, err
	}
	m := SubjectTeacher{
		ID:             mappingID(req),
		SubjectID:      req.SubjectID,
		TeacherID:      req.TeacherID,
		ClassID:        req.ClassID,
		SectionID:      req.SectionID,
		PeriodsPerWeek: req.PeriodsPerWeek,
		CreatedAt:      r.clock(),
	}
	err := r.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		return tx.Create(subjectTeachersCol(scope.BranchID), m.ID, m)
	})
	if errors.Is(err, generic.ErrAlreadyExists) {
		return SubjectTeacher{}, generic.NewConflictError("subject-teacher mapping", m.ID)
	}
	if err != nil {
		return SubjectTeacher{}, err
	}
	r.log.WithField("branch", scope.BranchID).WithField("mapping", m.ID).Info("subject-teacher mapping added")
	return m, nil
}

// RemoveMapping deletes a mapping. Already scheduled slots are kept.
func (r *Resolver) RemoveMapping(ctx context.Context, scope generic.Scope, id string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return r.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		var m SubjectTeacher
		found, err := tx.Get(ctx, subjectTeachersCol(scope.BranchID), id, &m)
		if err != nil {
			return err
		}
		if !found {
			return generic.NewNotFoundError("subject-teacher mapping", id)
		}
		return tx.Delete(subjectTeachersCol(scope.BranchID), id)
	})
}

// ListMappings returns the mappings of a class, or of the branch when classID is empty.
func (r *Resolver) ListMappings(ctx context.Context, scope generic.Scope, classID string) ([]SubjectTeacher, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var q generic.Query
	if classID != "" {
		q = generic.Where("classId", generic.OpEq, classID)
	}
	docs, err := r.store.Find(ctx, subjectTeachersCol(scope.BranchID), q)
	if err != nil {
		return nil, err
	}
	out := make([]SubjectTeacher, 0, len(docs))
	for _, d := range docs {
		var m SubjectTeacher
		if err := d.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
