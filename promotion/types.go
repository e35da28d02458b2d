/*
Package promotion moves a branch's students from one academic session to
the next along the ordered class ladder.

DOCUMENTS:
  schools/{schoolId}                 currentSession and configured sessions
  branches/{branchId}/classes/{id}   class ladder entry (name, order)
  branches/{branchId}/students/{id}  roster entry with academic history

LADDER:
  Classes sorted by order form a chain; each class promotes to the next
  one and the last class has no successor, so its students pass out.

    order: 1   2   3  ...  10
    name : I → II → III ... X → (passed out)

SEE ALSO:
  - engine.go: Promote / Preview / SwitchSession
*/
package promotion

import (
	"sort"
	"time"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

// School holds the session configuration of a school.
type School struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CurrentSession string    `json:"currentSession"`
	Sessions       []string  `json:"sessions"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func (s School) hasSession(id string) bool {
	for _, cur := range s.Sessions {
		if cur == id {
			return true
		}
	}
	return false
}

// Class is one rung of the ladder.
type Class struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

type StudentStatus string

const (
	StudentActive    StudentStatus = "active"
	StudentPassedOut StudentStatus = "passed_out"
	StudentInactive  StudentStatus = "inactive"
)

type HistoryAction string

const (
	ActionPromoted      HistoryAction = "promoted"
	ActionSectionChange HistoryAction = "section-change"
	ActionPassedOut     HistoryAction = "passed-out"
)

// HistoryEntry records where a student was when an action happened.
// Entries are only ever appended.
type HistoryEntry struct {
	Session     string        `json:"session"`
	ClassName   string        `json:"className"`
	Section     string        `json:"section"`
	Action      HistoryAction `json:"action"`
	ToSession   string        `json:"toSession,omitempty"`
	ToClassName string        `json:"toClassName,omitempty"`
	At          time.Time     `json:"at"`
}

// Student is the part of a roster entry promotion reads. Fields it does not
// model stay on the stored document.
type Student struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ClassName       string         `json:"className"`
	Section         string         `json:"section"`
	CurrentSession  string         `json:"currentSession"`
	Status          StudentStatus  `json:"status"`
	AcademicHistory []HistoryEntry `json:"academicHistory"`
	Profile         map[string]any `json:"profile,omitempty"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// rosterUpdate lists the student fields promotion owns. Everything else on
// the roster document is written back as stored.
type rosterUpdate struct {
	ClassName       string         `json:"className"`
	Section         string         `json:"section"`
	CurrentSession  string         `json:"currentSession"`
	Status          StudentStatus  `json:"status"`
	AcademicHistory []HistoryEntry `json:"academicHistory"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// =============================================================================
// RESULTS
// =============================================================================

// ClassMove counts the students moving from one class to the next.
type ClassMove struct {
	FromClass string `json:"fromClass"`
	ToClass   string `json:"toClass"`
	Count     int    `json:"count"`
}

// Preview is the outcome Promote would produce.
type Preview struct {
	FromSession    string      `json:"fromSession"`
	ToSession      string      `json:"toSession"`
	Summary        []ClassMove `json:"summary"`
	PassedOutCount int         `json:"passedOutCount"`
}

// PromoteResult reports what Promote wrote.
type PromoteResult struct {
	Preview
	Promoted int `json:"promoted"`
}

// =============================================================================
// LADDER
// =============================================================================

// Ladder maps a class name to the name of the class above it.
// The top class maps to nothing.
type Ladder map[string]string

// BuildLadder orders classes by Order (then name) and chains them.
func BuildLadder(classes []Class) Ladder {
	sorted := append([]Class(nil), classes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Order != sorted[j].Order {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].Name < sorted[j].Name
	})
	l := make(Ladder, len(sorted))
	for i := 0; i+1 < len(sorted); i++ {
		l[sorted[i].Name] = sorted[i+1].Name
	}
	return l
}

// Next returns the successor of className, false for a terminal or unknown class.
func (l Ladder) Next(className string) (string, bool) {
	next, ok := l[className]
	return next, ok
}

// =============================================================================
// COLLECTIONS
// =============================================================================

func schoolsCol() generic.Collection { return generic.Path("schools") }

func classesCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "classes")
}

func studentsCol(branchID string) generic.Collection {
	return generic.Path("branches", branchID, "students")
}
