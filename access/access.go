/*
Package access is the authorization gate in front of every engine call.

FLOW:
  token -> Identity (token.go) -> permission set (Gate.Resolve) -> Actor
  Actor.Require(perm) -> nil or *DeniedError (unwraps to ErrPermissionDenied)

PERMISSION SETS:
  - role "student": fixed implicit set, never read from the store
  - any other role: schools/{schoolId}/roles/{role} {"permissions": [...]}
  - "*" grants everything
  - unknown role: empty set, every check is denied

Engines never see an Actor; they receive the generic.Scope built from it.
*/
package access

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

// Permission is a capability checked before an engine call.
type Permission string

const (
	Wildcard Permission = "*"

	FeesView    Permission = "fees.view"
	FeesCollect Permission = "fees.collect"
	FeesRefund  Permission = "fees.refund"
	FeesManage  Permission = "fees.manage"
	DayBookView Permission = "daybook.view"

	TimetableView Permission = "timetable.view"
	TimetableEdit Permission = "timetable.edit"

	PromotionPreview Permission = "promotion.preview"
	PromotionRun     Permission = "promotion.run"
	SessionsManage   Permission = "sessions.manage"

	// BranchSwitch lets a caller act on a branch other than the one in its token.
	BranchSwitch Permission = "branches.switch"
)

// RoleStudent gets a fixed permission set.
const RoleStudent = "student"

var studentPermissions = []Permission{FeesView, TimetableView}

// Role is the stored permission set of a role.
type Role struct {
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}

func rolesCol(schoolID string) generic.Collection {
	return generic.Path("schools", schoolID, "roles")
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor is an authenticated caller with its resolved permissions.
type Actor struct {
	UID         string
	SchoolID    string
	BranchID    string
	Role        string
	Permissions map[Permission]bool
}

// Has reports whether the actor holds p, directly or through "*".
func (a Actor) Has(p Permission) bool {
	return a.Permissions[Wildcard] || a.Permissions[p]
}

// Require returns a *DeniedError unless the actor holds p.
func (a Actor) Require(p Permission) error {
	if a.Has(p) {
		return nil
	}
	return &DeniedError{UID: a.UID, Role: a.Role, Permission: p}
}

// Scope is the tenant binding handed to engines.
func (a Actor) Scope() generic.Scope {
	return generic.Scope{UID: a.UID, SchoolID: a.SchoolID, BranchID: a.BranchID}
}

// PermissionList returns the permissions sorted, for responses and logs.
func (a Actor) PermissionList() []Permission {
	out := make([]Permission, 0, len(a.Permissions))
	for p := range a.Permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DeniedError is returned when a required permission is missing.
type DeniedError struct {
	UID        string
	Role       string
	Permission Permission
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s (role %q) lacks %s", e.UID, e.Role, e.Permission)
}

func (e *DeniedError) Unwrap() error { return generic.ErrPermissionDenied }

// =============================================================================
// GATE
// =============================================================================

// Gate turns identities into actors.
type Gate struct {
	store generic.Reader
	log   logrus.FieldLogger
}

func NewGate(store generic.Reader, logger logrus.FieldLogger) *Gate {
	return &Gate{store: store, log: generic.LoggerOr(logger)}
}

// Resolve loads the permission set for id's role.
func (g *Gate) Resolve(ctx context.Context, id Identity) (Actor, error) {
	if id.UID == "" || id.SchoolID == "" {
		return Actor{}, generic.NewValidationError("identity", "uid and schoolId are required")
	}
	actor := Actor{
		UID:         id.UID,
		SchoolID:    id.SchoolID,
		BranchID:    id.BranchID,
		Role:        id.Role,
		Permissions: make(map[Permission]bool),
	}

	if id.Role == RoleStudent {
		for _, p := range studentPermissions {
			actor.Permissions[p] = true
		}
		return actor, nil
	}
	if id.Role == "" {
		return actor, nil
	}

	var role Role
	found, err := g.store.Get(ctx, rolesCol(id.SchoolID), id.Role, &role)
	if err != nil {
		return Actor{}, err
	}
	if !found {
		g.log.WithFields(logrus.Fields{"school": id.SchoolID, "role": id.Role, "uid": id.UID}).Warn("unknown role, no permissions granted")
		return actor, nil
	}
	for _, p := range role.Permissions {
		actor.Permissions[p] = true
	}
	return actor, nil
}

// branchOwner is the part of a branch document that ties it to a school.
type branchOwner struct {
	SchoolID string `json:"schoolId"`
}

// SwitchBranch moves actor onto branchID. The actor needs BranchSwitch and
// the branch must belong to the actor's school; a branch of another school
// is reported as not found.
func (g *Gate) SwitchBranch(ctx context.Context, actor Actor, branchID string) (Actor, error) {
	if branchID == "" || branchID == actor.BranchID {
		return actor, nil
	}
	if err := actor.Require(BranchSwitch); err != nil {
		return Actor{}, err
	}
	var b branchOwner
	found, err := g.store.Get(ctx, generic.Path("branches"), branchID, &b)
	if err != nil {
		return Actor{}, err
	}
	if !found || b.SchoolID != actor.SchoolID {
		g.log.WithFields(logrus.Fields{"uid": actor.UID, "school": actor.SchoolID, "branch": branchID}).Warn("branch switch refused")
		return Actor{}, generic.NewNotFoundError("branch", branchID)
	}
	actor.BranchID = branchID
	return actor, nil
}

// =============================================================================
// CONTEXT
// =============================================================================

type actorKey struct{}

// WithActor stores the actor on ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
