/*
Package timetable keeps class schedules, teacher schedules and the
per-period index of a branch mutually consistent.

DOCUMENTS (under branches/{branchId}/):
  classSchedules/{classId}_{sectionId}  authoritative weekly grid
  teacherSchedules/{teacherId}          derived: slots held by a teacher
  periodIndex/{day}_{period}            derived: every occupant of a slot
  subjectTeachers/{id}                  subject-teacher mapping with weekly limit

INVARIANT:
  No teacher holds two slots with the same (day, period). Saving a class
  schedule claims its slots; any other class holding the same teacher at
  the same time loses that entry (newest schedule wins).

SEE ALSO:
  - resolver.go: the save transaction
  - mapping.go: subject-teacher mappings
*/
package timetable

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// DAYS & SLOTS
// =============================================================================

type Day string

const (
	Monday    Day = "Mon"
	Tuesday   Day = "Tue"
	Wednesday Day = "Wed"
	Thursday  Day = "Thu"
	Friday    Day = "Fri"
	Saturday  Day = "Sat"
	Sunday    Day = "Sun"
)

var dayOrder = map[Day]int{Monday: 0, Tuesday: 1, Wednesday: 2, Thursday: 3, Friday: 4, Saturday: 5, Sunday: 6}

var dayNames = map[string]Day{
	"mon": Monday, "monday": Monday,
	"tue": Tuesday, "tuesday": Tuesday,
	"wed": Wednesday, "wednesday": Wednesday,
	"thu": Thursday, "thursday": Thursday,
	"fri": Friday, "friday": Friday,
	"sat": Saturday, "saturday": Saturday,
	"sun": Sunday, "sunday": Sunday,
}

// ParseDay accepts "Mon", "monday", "MONDAY" and similar.
func ParseDay(s string) (Day, bool) {
	d, ok := dayNames[strings.ToLower(strings.TrimSpace(s))]
	return d, ok
}

// MaxPeriod bounds the teaching slots in a day.
const MaxPeriod = 16

// Slot identifies one teaching period in the week.
type Slot struct {
	Day    Day
	Period int
}

func (s Slot) key() string { return generic.DocID(string(s.Day), strconv.Itoa(s.Period)) }

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Day != slots[j].Day {
			return dayOrder[slots[i].Day] < dayOrder[slots[j].Day]
		}
		return slots[i].Period < slots[j].Period
	})
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// Entry is one teacher teaching one subject in a period.
type Entry struct {
	TeacherID string `json:"teacherId"`
	SubjectID string `json:"subjectId"`
}

type PeriodSlot struct {
	Period  int     `json:"period"`
	Entries []Entry `json:"entries"`
}

// ClassSchedule is the weekly grid of one class/section.
type ClassSchedule struct {
	ClassID   string               `json:"classId"`
	SectionID string               `json:"sectionId"`
	Days      map[Day][]PeriodSlot `json:"days"`
	UpdatedBy string               `json:"updatedBy,omitempty"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

func (c ClassSchedule) clone() ClassSchedule {
	out := c
	out.Days = make(map[Day][]PeriodSlot, len(c.Days))
	for d, periods := range c.Days {
		cp := make([]PeriodSlot, len(periods))
		for i, p := range periods {
			cp[i] = PeriodSlot{Period: p.Period, Entries: append([]Entry(nil), p.Entries...)}
		}
		out.Days[d] = cp
	}
	return out
}

// assignments flattens the grid into (slot, entry) pairs.
func (c ClassSchedule) assignments() []assignment {
	var out []assignment
	for d, periods := range c.Days {
		for _, p := range periods {
			for _, e := range p.Entries {
				out = append(out, assignment{slot: Slot{Day: d, Period: p.Period}, entry: e})
			}
		}
	}
	return out
}

// removeEntry drops teacherID from the slot and prunes empty periods.
func (c *ClassSchedule) removeEntry(slot Slot, teacherID string) bool {
	periods := c.Days[slot.Day]
	removed := false
	kept := periods[:0]
	for _, p := range periods {
		if p.Period == slot.Period {
			entries := p.Entries[:0]
			for _, e := range p.Entries {
				if e.TeacherID == teacherID {
					removed = true
					continue
				}
				entries = append(entries, e)
			}
			p.Entries = entries
			if len(p.Entries) == 0 {
				continue
			}
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		delete(c.Days, slot.Day)
	} else {
		c.Days[slot.Day] = kept
	}
	return removed
}

type assignment struct {
	slot  Slot
	entry Entry
}

// TeacherSlot is one period held by a teacher.
type TeacherSlot struct {
	ClassID   string `json:"classId"`
	SectionID string `json:"sectionId"`
	SubjectID string `json:"subjectId"`
	Day       Day    `json:"day"`
	Period    int    `json:"period"`
}

func (s TeacherSlot) slot() Slot { return Slot{Day: s.Day, Period: s.Period} }

// TeacherSchedule lists every slot a teacher holds across the branch.
type TeacherSchedule struct {
	TeacherID string        `json:"teacherId"`
	Slots     []TeacherSlot `json:"slots"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (t TeacherSchedule) clone() TeacherSchedule {
	out := t
	out.Slots = append([]TeacherSlot(nil), t.Slots...)
	return out
}

// add inserts slot unless an identical one is present.
func (t *TeacherSchedule) add(slot TeacherSlot) {
	for _, s := range t.Slots {
		if s == slot {
			return
		}
	}
	t.Slots = append(t.Slots, slot)
}

// remove drops slots matching fn and returns them.
func (t *TeacherSchedule) remove(fn func(TeacherSlot) bool) []TeacherSlot {
	var removed []TeacherSlot
	kept := t.Slots[:0]
	for _, s := range t.Slots {
		if fn(s) {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	t.Slots = kept
	return removed
}

// Occupant is one teacher/class pair in a period index.
type Occupant struct {
	TeacherID string `json:"teacherId"`
	SubjectID string `json:"subjectId"`
	ClassID   string `json:"classId"`
	SectionID string `json:"sectionId"`
}

// PeriodIndex lists every occupant of one (day, period) across the branch.
type PeriodIndex struct {
	Day       Day        `json:"day"`
	Period    int        `json:"period"`
	Occupants []Occupant `json:"occupants"`
}

func (p PeriodIndex) clone() PeriodIndex {
	out := p
	out.Occupants = append([]Occupant(nil), p.Occupants...)
	return out
}

func (p *PeriodIndex) add(o Occupant) {
	for _, cur := range p.Occupants {
		if cur == o {
			return
		}
	}
	p.Occupants = append(p.Occupants, o)
}

func (p *PeriodIndex) remove(fn func(Occupant) bool) {
	kept := p.Occupants[:0]
	for _, o := range p.Occupants {
		if !fn(o) {
			kept = append(kept, o)
		}
	}
	p.Occupants = kept
}

// SubjectTeacher maps a teacher to a subject of a class with a weekly limit.
// PeriodsPerWeek of zero means unlimited.
type SubjectTeacher struct {
	ID             string    `json:"id"`
	SubjectID      string    `json:"subjectId"`
	TeacherID      string    `json:"teacherId"`
	ClassID        string    `json:"classId"`
	SectionID      string    `json:"sectionId,omitempty"`
	PeriodsPerWeek int       `json:"periodsPerWeek"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Displaced is an entry removed from another class because its teacher
// was claimed by the saved schedule.
type Displaced struct {
	TeacherID string `json:"teacherId"`
	SubjectID string `json:"subjectId"`
	ClassID   string `json:"classId"`
	SectionID string `json:"sectionId"`
	Day       Day    `json:"day"`
	Period    int    `json:"period"`
}

// =============================================================================
// COLLECTIONS
// =============================================================================

func classSchedulesCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "classSchedules")
}

func teacherSchedulesCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "teacherSchedules")
}

func periodIndexCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "periodIndex")
}

func subjectTeachersCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "subjectTeachers")
}

type classKey struct {
	ClassID   string
	SectionID string
}

func (k classKey) id() string { return generic.DocID(k.ClassID, k.SectionID) }
