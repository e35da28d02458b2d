package promotion

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

// Options configures an Engine.
type Options struct {
	Clock  generic.Clock
	Logger logrus.FieldLogger
	NewID  func() string
}

// Engine runs session promotion and the session configuration it depends on.
type Engine struct {
	store generic.DocStore
	clock generic.Clock
	log   logrus.FieldLogger
	newID func() string
}

func NewEngine(store generic.DocStore, opts Options) *Engine {
	e := &Engine{store: store, clock: opts.Clock, log: generic.LoggerOr(opts.Logger), newID: opts.NewID}
	if e.clock == nil {
		e.clock = generic.SystemClock
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// =============================================================================
// PROMOTION
// =============================================================================

// plan is the computed outcome for every candidate student.
type plan struct {
	preview  Preview
	promoted int
	writes   []generic.Write
}

// load reads the school, the ladder and the candidates, and computes the
// new state of every candidate student.
func (e *Engine) load(ctx context.Context, scope generic.Scope, toSession string) (*plan, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	toSession = strings.TrimSpace(toSession)
	if toSession == "" {
		return nil, generic.NewValidationError("toSession", "is required")
	}

	var school School
	found, err := e.store.Get(ctx, schoolsCol(), scope.SchoolID, &school)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, generic.NewNotFoundError("school", scope.SchoolID)
	}
	from := school.CurrentSession
	if from == "" {
		return nil, generic.NewStateError("school", scope.SchoolID, "no current session configured")
	}
	if !school.hasSession(toSession) {
		return nil, generic.NewValidationError("toSession", "session "+toSession+" is not configured")
	}
	if toSession == from {
		return nil, generic.NewValidationError("toSession", "must differ from the current session")
	}

	classes, err := e.ListClasses(ctx, scope)
	if err != nil {
		return nil, err
	}
	ladder := BuildLadder(classes)

	docs, err := e.store.Find(ctx, studentsCol(scope.BranchID),
		generic.Where("status", generic.OpEq, string(StudentActive)).
			And("currentSession", generic.OpEq, from))
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	p := &plan{preview: Preview{FromSession: from, ToSession: toSession}}
	moves := make(map[string]*ClassMove)
	now := e.clock()
	for _, d := range docs {
		var s Student
		if err := d.Decode(&s); err != nil {
			return nil, err
		}
		entry := HistoryEntry{Session: from, ClassName: s.ClassName, Section: s.Section, At: now}

		next, ok := ladder.Next(s.ClassName)
		if ok {
			entry.Action = ActionPromoted
			entry.ToSession = toSession
			entry.ToClassName = next
			m := moves[s.ClassName]
			if m == nil {
				m = &ClassMove{FromClass: s.ClassName, ToClass: next}
				moves[s.ClassName] = m
			}
			m.Count++
			p.promoted++
			s.ClassName = next
			s.CurrentSession = toSession
		} else {
			if !isKnownClass(classes, s.ClassName) {
				e.log.WithFields(logrus.Fields{"branch": scope.BranchID, "student": s.ID, "class": s.ClassName}).
					Warn("student class is not on the ladder, passing out")
			}
			entry.Action = ActionPassedOut
			s.Status = StudentPassedOut
			p.preview.PassedOutCount++
		}
		s.AcademicHistory = append(s.AcademicHistory, entry)
		s.UpdatedAt = now

		body, err := generic.Overlay(d.Data, rosterUpdate{
			ClassName:       s.ClassName,
			Section:         s.Section,
			CurrentSession:  s.CurrentSession,
			Status:          s.Status,
			AcademicHistory: s.AcademicHistory,
			UpdatedAt:       s.UpdatedAt,
		})
		if err != nil {
			return nil, err
		}
		p.writes = append(p.writes, generic.Write{
			Kind:       generic.WriteSet,
			Collection: studentsCol(scope.BranchID),
			ID:         d.ID,
			Value:      body,
			IfVersion:  d.Version,
		})
	}

	order := make(map[string]int, len(classes))
	for _, c := range classes {
		order[c.Name] = c.Order
	}
	for _, m := range moves {
		p.preview.Summary = append(p.preview.Summary, *m)
	}
	sort.Slice(p.preview.Summary, func(i, j int) bool {
		a, b := p.preview.Summary[i], p.preview.Summary[j]
		if order[a.FromClass] != order[b.FromClass] {
			return order[a.FromClass] < order[b.FromClass]
		}
		return a.FromClass < b.FromClass
	})
	return p, nil
}

func isKnownClass(classes []Class, name string) bool {
	for _, c := range classes {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Preview computes the promotion without writing anything.
func (e *Engine) Preview(ctx context.Context, scope generic.Scope, toSession string) (*Preview, error) {
	p, err := e.load(ctx, scope, toSession)
	if err != nil {
		return nil, err
	}
	return &p.preview, nil
}

// Promote moves every active student of the current session up the ladder
// in one atomic batch. Each student write is conditional on the version
// that was read; if any student changed in between, nothing is written and
// the call fails with a transient error. A rerun skips students already
// promoted, since they no longer belong to the current session.
func (e *Engine) Promote(ctx context.Context, scope generic.Scope, toSession string) (*PromoteResult, error) {
	p, err := e.load(ctx, scope, toSession)
	if err != nil {
		return nil, err
	}
	log := e.log.WithFields(logrus.Fields{
		"branch": scope.BranchID,
		"from":   p.preview.FromSession,
		"to":     p.preview.ToSession,
	})

	if len(p.writes) > 0 {
		if err := e.store.Commit(ctx, p.writes); err != nil {
			if errors.Is(err, generic.ErrConcurrentModification) {
				log.WithField("students", len(p.writes)).Warn("promotion batch rejected, students changed concurrently")
				return nil, &generic.TransientError{Op: "promotion", Attempts: 1, Err: err}
			}
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{"promoted": p.promoted, "passedOut": p.preview.PassedOutCount}).Info("session promotion committed")
	return &PromoteResult{Preview: p.preview, Promoted: p.promoted}, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

// AddSession registers an academic session for the school.
func (e *Engine) AddSession(ctx context.Context, scope generic.Scope, session string) (*School, error) {
	session = strings.TrimSpace(session)
	if scope.SchoolID == "" {
		return nil, generic.NewValidationError("schoolId", "school scope is required")
	}
	if session == "" {
		return nil, generic.NewValidationError("session", "is required")
	}
	var out School
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		school := School{ID: scope.SchoolID}
		if _, err := tx.Get(ctx, schoolsCol(), scope.SchoolID, &school); err != nil {
			return err
		}
		if !school.hasSession(session) {
			school.Sessions = append(school.Sessions, session)
			sort.Strings(school.Sessions)
		}
		if school.CurrentSession == "" {
			school.CurrentSession = session
		}
		school.UpdatedAt = e.clock()
		out = school
		return tx.Set(schoolsCol(), scope.SchoolID, school)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SwitchSession makes a configured session the school's current one.
func (e *Engine) SwitchSession(ctx context.Context, scope generic.Scope, session string) (*School, error) {
	if scope.SchoolID == "" {
		return nil, generic.NewValidationError("schoolId", "school scope is required")
	}
	var out School
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		var school School
		found, err := tx.Get(ctx, schoolsCol(), scope.SchoolID, &school)
		if err != nil {
			return err
		}
		if !found {
			return generic.NewNotFoundError("school", scope.SchoolID)
		}
		if !school.hasSession(session) {
			return generic.NewValidationError("session", "session "+session+" is not configured")
		}
		school.CurrentSession = session
		school.UpdatedAt = e.clock()
		out = school
		return tx.Set(schoolsCol(), scope.SchoolID, school)
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"school": scope.SchoolID, "session": session}).Info("current session switched")
	return &out, nil
}

// =============================================================================
// CLASS LADDER
// =============================================================================

// SaveClass creates or updates a ladder entry. Names are unique per branch.
func (e *Engine) SaveClass(ctx context.Context, scope generic.Scope, c Class) (*Class, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, generic.NewValidationError("name", "is required")
	}
	if c.Order < 0 {
		return nil, generic.NewValidationError("order", "must not be negative")
	}
	if c.ID == "" {
		c.ID = e.newID()
	}
	err := e.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		docs, err := tx.Find(ctx, classesCol(scope.BranchID), generic.Where("name", generic.OpEq, c.Name))
		if err != nil {
			return err
		}
		for _, d := range docs {
			if d.ID != c.ID {
				return generic.NewConflictError("class", c.Name)
			}
		}
		return tx.Set(classesCol(scope.BranchID), c.ID, c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClasses returns the branch's classes in ladder order.
func (e *Engine) ListClasses(ctx context.Context, scope generic.Scope) ([]Class, error) {
	docs, err := e.store.Find(ctx, classesCol(scope.BranchID), generic.Query{OrderBy: "order"})
	if err != nil {
		return nil, err
	}
	out := make([]Class, 0, len(docs))
	for _, d := range docs {
		var c Class
		if err := d.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Student returns one roster entry.
func (e *Engine) Student(ctx context.Context, scope generic.Scope, id string) (*Student, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var s Student
	found, err := e.store.Get(ctx, studentsCol(scope.BranchID), id, &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, generic.NewNotFoundError("student", id)
	}
	return &s, nil
}
