/*
resolver.go - Timetable conflict resolution on schedule save

PURPOSE:
  Saves one class/section's weekly grid and keeps the derived teacher
  schedules and period index consistent, removing every teacher slot that
  the new grid makes a double booking.

PRE-VALIDATION (read-only, before the transaction):
  Every (subject, teacher) pair must have a mapping for the class, and
  may not be used for more periods than its weekly limit. Any failure
  rejects the whole save.

TRANSACTION:
  read phase    old grid of this class, schedules of every teacher in the
                old or new grid, period index of every old or new slot,
                grids of every other class that loses a slot
  compute phase on copies: drop this class's old slots, drop conflicting
                slots of other classes, add the new slots (set union)
  write phase   teacher schedules, other class grids, period index
                (empty ones deleted), the new grid

EXAMPLE:
  T teaches ClassA on Mon/P3. ClassB is saved with T on Mon/P3:
    ClassA loses its Mon/P3 entry for T
    T holds Mon/P3 for ClassB only
    periodIndex[Mon_3] = [T -> ClassB]
*/
package timetable

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/school-ledger/generic"
)

type SaveRequest struct {
	ClassID   string               `json:"classId"`
	SectionID string               `json:"sectionId"`
	Days      map[Day][]PeriodSlot `json:"days"`
}

type SaveResult struct {
	Schedule  ClassSchedule `json:"schedule"`
	Displaced []Displaced   `json:"displaced"`
}

// Options configures a Resolver.
type Options struct {
	Clock  generic.Clock
	Logger logrus.FieldLogger
}

// Resolver saves class schedules.
type Resolver struct {
	store generic.DocStore
	clock generic.Clock
	log   logrus.FieldLogger
}

func NewResolver(store generic.DocStore, opts Options) *Resolver {
	r := &Resolver{store: store, clock: opts.Clock, log: generic.LoggerOr(opts.Logger)}
	if r.clock == nil {
		r.clock = generic.SystemClock
	}
	return r
}

// =============================================================================
// VALIDATION
// =============================================================================

// validateShape checks the grid itself: known days, period range, no
// teacher twice in one slot.
func validateShape(req SaveRequest) error {
	if req.ClassID == "" {
		return generic.NewValidationError("classId", "is required")
	}
	if req.SectionID == "" {
		return generic.NewValidationError("sectionId", "is required")
	}
	for d, periods := range req.Days {
		if _, ok := dayOrder[d]; !ok {
			return generic.NewValidationError("days", "unknown day "+string(d))
		}
		seenPeriod := make(map[int]bool, len(periods))
		for _, p := range periods {
			if p.Period < 1 || p.Period > MaxPeriod {
				return generic.NewValidationError("days.period", fmt.Sprintf("period %d on %s out of range 1-%d", p.Period, d, MaxPeriod))
			}
			if seenPeriod[p.Period] {
				return generic.NewValidationError("days.period", fmt.Sprintf("period %d listed twice on %s", p.Period, d))
			}
			seenPeriod[p.Period] = true
			seenTeacher := make(map[string]bool, len(p.Entries))
			for _, e := range p.Entries {
				if e.TeacherID == "" || e.SubjectID == "" {
					return generic.NewValidationError("days.entries", "teacherId and subjectId are required")
				}
				if seenTeacher[e.TeacherID] {
					return generic.NewValidationError("days.entries", fmt.Sprintf("teacher %s listed twice on %s period %d", e.TeacherID, d, p.Period))
				}
				seenTeacher[e.TeacherID] = true
			}
		}
	}
	return nil
}

type pairKey struct {
	SubjectID string
	TeacherID string
}

// checkLimits looks up every (subject, teacher) mapping concurrently and
// rejects pairs that are unmapped or over their weekly limit.
func (r *Resolver) checkLimits(ctx context.Context, scope generic.Scope, req SaveRequest) error {
	counts := make(map[pairKey]int)
	for _, periods := range req.Days {
		for _, p := range periods {
			for _, e := range p.Entries {
				counts[pairKey{SubjectID: e.SubjectID, TeacherID: e.TeacherID}]++
			}
		}
	}
	pairs := make([]pairKey, 0, len(counts))
	for k := range counts {
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].TeacherID != pairs[j].TeacherID {
			return pairs[i].TeacherID < pairs[j].TeacherID
		}
		return pairs[i].SubjectID < pairs[j].SubjectID
	})

	mappings := make([]SubjectTeacher, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, pk := range pairs {
		i, pk := i, pk
		g.Go(func() error {
			m, err := findMapping(gctx, r.store, scope.BranchID, pk, req.ClassID, req.SectionID)
			if err != nil {
				return err
			}
			mappings[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, pk := range pairs {
		limit := mappings[i].PeriodsPerWeek
		if limit > 0 && counts[pk] > limit {
			return generic.NewValidationError("days",
				fmt.Sprintf("teacher %s is scheduled for %d periods of subject %s, weekly limit is %d", pk.TeacherID, counts[pk], pk.SubjectID, limit))
		}
	}
	return nil
}

// findMapping returns the section mapping, falling back to a class-wide one.
func findMapping(ctx context.Context, store generic.Reader, branchID string, pk pairKey, classID, sectionID string) (SubjectTeacher, error) {
	docs, err := store.Find(ctx, subjectTeachersCol(branchID),
		generic.Where("subjectId", generic.OpEq, pk.SubjectID).
			And("teacherId", generic.OpEq, pk.TeacherID).
			And("classId", generic.OpEq, classID))
	if err != nil {
		return SubjectTeacher{}, err
	}
	var classWide *SubjectTeacher
	for _, d := range docs {
		var m SubjectTeacher
		if err := d.Decode(&m); err != nil {
			return SubjectTeacher{}, err
		}
		switch m.SectionID {
		case sectionID:
			return m, nil
		case "":
			classWide = &m
		}
	}
	if classWide != nil {
		return *classWide, nil
	}
	return SubjectTeacher{}, generic.NewNotFoundError("subject-teacher mapping", pk.SubjectID+"/"+pk.TeacherID)
}

// =============================================================================
// SAVE
// =============================================================================

// Save replaces the class/section grid, displacing conflicting slots of
// other classes.
func (r *Resolver) Save(ctx context.Context, scope generic.Scope, req SaveRequest) (*SaveResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if err := validateShape(req); err != nil {
		return nil, err
	}
	if err := r.checkLimits(ctx, scope, req); err != nil {
		return nil, err
	}

	this := classKey{ClassID: req.ClassID, SectionID: req.SectionID}
	incoming := ClassSchedule{ClassID: req.ClassID, SectionID: req.SectionID, Days: req.Days}.clone()
	newAssignments := incoming.assignments()

	var result *SaveResult
	err := r.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		p := newPlan(scope.BranchID, this)

		// Read phase.
		var old ClassSchedule
		if _, err := tx.Get(ctx, classSchedulesCol(scope.BranchID), this.id(), &old); err != nil {
			return err
		}
		oldAssignments := old.assignments()

		teachers := make(map[string]bool)
		slots := make(map[Slot]bool)
		for _, a := range append(oldAssignments, newAssignments...) {
			teachers[a.entry.TeacherID] = true
			slots[a.slot] = true
		}
		if err := p.loadTeachers(ctx, tx, teachers); err != nil {
			return err
		}
		if err := p.loadIndexes(ctx, tx, slots); err != nil {
			return err
		}
		if err := p.loadConflictingClasses(ctx, tx, newAssignments); err != nil {
			return err
		}

		// Compute phase.
		now := r.clock()
		p.dropClass()
		p.displace(newAssignments)
		p.claim(newAssignments)
		incoming.UpdatedBy = scope.UID
		incoming.UpdatedAt = now

		// Write phase.
		if err := p.write(tx, now); err != nil {
			return err
		}
		if err := tx.Set(classSchedulesCol(scope.BranchID), this.id(), incoming); err != nil {
			return err
		}

		result = &SaveResult{Schedule: incoming, Displaced: p.displaced}
		return nil
	})
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"branch": scope.BranchID,
			"class":  this.id(),
			"error":  err,
		}).Warn("timetable save failed")
		return nil, err
	}

	r.log.WithFields(logrus.Fields{
		"branch":    scope.BranchID,
		"class":     this.id(),
		"displaced": len(result.Displaced),
	}).Info("timetable saved")
	return result, nil
}

// =============================================================================
// PLAN - in-memory working set of one save attempt
// =============================================================================

type plan struct {
	branchID string
	this     classKey

	teachers map[string]*TeacherSchedule
	indexes  map[Slot]*PeriodIndex
	classes  map[classKey]*ClassSchedule

	dirtyTeachers map[string]bool
	dirtyIndexes  map[Slot]bool
	dirtyClasses  map[classKey]bool
	displaced     []Displaced
}

func newPlan(branchID string, this classKey) *plan {
	return &plan{
		branchID:      branchID,
		this:          this,
		teachers:      make(map[string]*TeacherSchedule),
		indexes:       make(map[Slot]*PeriodIndex),
		classes:       make(map[classKey]*ClassSchedule),
		dirtyTeachers: make(map[string]bool),
		dirtyIndexes:  make(map[Slot]bool),
		dirtyClasses:  make(map[classKey]bool),
	}
}

func sortedKeys[K comparable](m map[K]bool, less func(a, b K) bool) []K {
	out := make([]K, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (p *plan) loadTeachers(ctx context.Context, tx generic.Reader, ids map[string]bool) error {
	for _, id := range sortedKeys(ids, func(a, b string) bool { return a < b }) {
		stored := TeacherSchedule{TeacherID: id}
		if _, err := tx.Get(ctx, teacherSchedulesCol(p.branchID), id, &stored); err != nil {
			return err
		}
		working := stored.clone()
		p.teachers[id] = &working
	}
	return nil
}

func (p *plan) loadIndexes(ctx context.Context, tx generic.Reader, slots map[Slot]bool) error {
	ordered := make([]Slot, 0, len(slots))
	for s := range slots {
		ordered = append(ordered, s)
	}
	sortSlots(ordered)
	for _, s := range ordered {
		stored := PeriodIndex{Day: s.Day, Period: s.Period}
		if _, err := tx.Get(ctx, periodIndexCol(p.branchID), s.key(), &stored); err != nil {
			return err
		}
		working := stored.clone()
		p.indexes[s] = &working
	}
	return nil
}

// loadConflictingClasses reads the grid of every other class that holds
// one of the incoming teachers at one of the incoming slots.
func (p *plan) loadConflictingClasses(ctx context.Context, tx generic.Reader, incoming []assignment) error {
	keys := make(map[classKey]bool)
	for _, a := range incoming {
		for _, s := range p.teachers[a.entry.TeacherID].Slots {
			k := classKey{ClassID: s.ClassID, SectionID: s.SectionID}
			if s.slot() == a.slot && k != p.this {
				keys[k] = true
			}
		}
	}
	for _, k := range sortedKeys(keys, func(a, b classKey) bool { return a.id() < b.id() }) {
		stored := ClassSchedule{ClassID: k.ClassID, SectionID: k.SectionID}
		found, err := tx.Get(ctx, classSchedulesCol(p.branchID), k.id(), &stored)
		if err != nil {
			return err
		}
		if !found {
			// The teacher slot points at a class with no grid; nothing to prune there.
			continue
		}
		working := stored.clone()
		p.classes[k] = &working
	}
	return nil
}

// dropClass removes every slot the saved class held before.
func (p *plan) dropClass() {
	for id, t := range p.teachers {
		removed := t.remove(func(s TeacherSlot) bool {
			return s.ClassID == p.this.ClassID && s.SectionID == p.this.SectionID
		})
		if len(removed) > 0 {
			p.dirtyTeachers[id] = true
		}
	}
	for s, idx := range p.indexes {
		before := len(idx.Occupants)
		idx.remove(func(o Occupant) bool {
			return o.ClassID == p.this.ClassID && o.SectionID == p.this.SectionID
		})
		if len(idx.Occupants) != before {
			p.dirtyIndexes[s] = true
		}
	}
}

// displace removes, for every incoming (teacher, slot), whatever that
// teacher already holds at that slot elsewhere.
func (p *plan) displace(incoming []assignment) {
	for _, a := range incoming {
		t := p.teachers[a.entry.TeacherID]
		removed := t.remove(func(s TeacherSlot) bool { return s.slot() == a.slot })
		if len(removed) == 0 {
			continue
		}
		p.dirtyTeachers[t.TeacherID] = true

		for _, s := range removed {
			k := classKey{ClassID: s.ClassID, SectionID: s.SectionID}
			if cls, ok := p.classes[k]; ok && cls.removeEntry(a.slot, t.TeacherID) {
				p.dirtyClasses[k] = true
			}
			idx := p.indexes[a.slot]
			idx.remove(func(o Occupant) bool {
				return o.TeacherID == t.TeacherID && o.ClassID == s.ClassID && o.SectionID == s.SectionID
			})
			p.dirtyIndexes[a.slot] = true
			p.displaced = append(p.displaced, Displaced{
				TeacherID: t.TeacherID,
				SubjectID: s.SubjectID,
				ClassID:   s.ClassID,
				SectionID: s.SectionID,
				Day:       a.slot.Day,
				Period:    a.slot.Period,
			})
		}
	}
	sort.Slice(p.displaced, func(i, j int) bool {
		a, b := p.displaced[i], p.displaced[j]
		if a.Day != b.Day {
			return dayOrder[a.Day] < dayOrder[b.Day]
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.TeacherID < b.TeacherID
	})
}

// claim adds the incoming slots to teacher schedules and the period index.
func (p *plan) claim(incoming []assignment) {
	for _, a := range incoming {
		p.teachers[a.entry.TeacherID].add(TeacherSlot{
			ClassID:   p.this.ClassID,
			SectionID: p.this.SectionID,
			SubjectID: a.entry.SubjectID,
			Day:       a.slot.Day,
			Period:    a.slot.Period,
		})
		p.dirtyTeachers[a.entry.TeacherID] = true

		p.indexes[a.slot].add(Occupant{
			TeacherID: a.entry.TeacherID,
			SubjectID: a.entry.SubjectID,
			ClassID:   p.this.ClassID,
			SectionID: p.this.SectionID,
		})
		p.dirtyIndexes[a.slot] = true
	}
}

func (p *plan) write(tx generic.Tx, now time.Time) error {
	for _, id := range sortedKeys(p.dirtyTeachers, func(a, b string) bool { return a < b }) {
		t := p.teachers[id]
		t.UpdatedAt = now
		if err := tx.Set(teacherSchedulesCol(p.branchID), id, t); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(p.dirtyClasses, func(a, b classKey) bool { return a.id() < b.id() }) {
		cls := p.classes[k]
		cls.UpdatedAt = now
		if err := tx.Set(classSchedulesCol(p.branchID), k.id(), cls); err != nil {
			return err
		}
	}
	for s := range p.dirtyIndexes {
		idx := p.indexes[s]
		var err error
		if len(idx.Occupants) == 0 {
			err = tx.Delete(periodIndexCol(p.branchID), s.key())
		} else {
			err = tx.Set(periodIndexCol(p.branchID), s.key(), idx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// ClassSchedule returns the grid of a class/section; an unsaved class has an empty grid.
func (r *Resolver) ClassSchedule(ctx context.Context, scope generic.Scope, classID, sectionID string) (ClassSchedule, error) {
	if err := scope.Validate(); err != nil {
		return ClassSchedule{}, err
	}
	k := classKey{ClassID: classID, SectionID: sectionID}
	cs := ClassSchedule{ClassID: classID, SectionID: sectionID, Days: map[Day][]PeriodSlot{}}
	if _, err := r.store.Get(ctx, classSchedulesCol(scope.BranchID), k.id(), &cs); err != nil {
		return ClassSchedule{}, err
	}
	return cs, nil
}

// TeacherSchedule returns a teacher's slots in week order.
func (r *Resolver) TeacherSchedule(ctx context.Context, scope generic.Scope, teacherID string) (TeacherSchedule, error) {
	if err := scope.Validate(); err != nil {
		return TeacherSchedule{}, err
	}
	ts := TeacherSchedule{TeacherID: teacherID}
	if _, err := r.store.Get(ctx, teacherSchedulesCol(scope.BranchID), teacherID, &ts); err != nil {
		return TeacherSchedule{}, err
	}
	sort.Slice(ts.Slots, func(i, j int) bool {
		a, b := ts.Slots[i], ts.Slots[j]
		if a.Day != b.Day {
			return dayOrder[a.Day] < dayOrder[b.Day]
		}
		return a.Period < b.Period
	})
	return ts, nil
}

// PeriodOccupants returns everyone teaching at (day, period).
func (r *Resolver) PeriodOccupants(ctx context.Context, scope generic.Scope, day Day, period int) (PeriodIndex, error) {
	if err := scope.Validate(); err != nil {
		return PeriodIndex{}, err
	}
	s := Slot{Day: day, Period: period}
	idx := PeriodIndex{Day: day, Period: period}
	if _, err := r.store.Get(ctx, periodIndexCol(scope.BranchID), s.key(), &idx); err != nil {
		return PeriodIndex{}, err
	}
	return idx, nil
}
