package fees

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// CATALOG - fee heads, templates, assignments
// =============================================================================

// Catalog manages a branch's fee configuration.
type Catalog struct {
	base
}

func NewCatalog(store generic.DocStore, opts Options) *Catalog {
	return &Catalog{base: newBase(store, opts)}
}

// HeadUpdate carries the fields of a head that may change. Nil means unchanged.
type HeadUpdate struct {
	Name       *string    `json:"name,omitempty"`
	Category   *string    `json:"category,omitempty"`
	Refundable *bool      `json:"refundable,omitempty"`
	Frequency  *Frequency `json:"frequency,omitempty"`
	Type       *HeadType  `json:"type,omitempty"`
}

func validateHead(h FeeHead) error {
	if strings.TrimSpace(h.Name) == "" {
		return generic.NewValidationError("name", "is required")
	}
	if !h.Frequency.Valid() {
		return generic.NewValidationError("frequency", "unknown frequency "+string(h.Frequency))
	}
	if h.Type != HeadFixed && h.Type != HeadFlexible {
		return generic.NewValidationError("type", "must be fixed or flexible")
	}
	return nil
}

// CreateHead adds a head. Names are unique per branch, case-insensitively.
func (c *Catalog) CreateHead(ctx context.Context, scope generic.Scope, head FeeHead) (FeeHead, error) {
	if err := scope.Validate(); err != nil {
		return FeeHead{}, err
	}
	head.Name = strings.TrimSpace(head.Name)
	if err := validateHead(head); err != nil {
		return FeeHead{}, err
	}

	var created FeeHead
	err := c.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		existing, err := tx.Find(ctx, headsCol(scope.BranchID), generic.Query{})
		if err != nil {
			return err
		}
		for _, d := range existing {
			var h FeeHead
			if err := d.Decode(&h); err != nil {
				return err
			}
			if strings.EqualFold(h.Name, head.Name) {
				return generic.NewConflictError("fee head", head.Name)
			}
		}

		now := c.clock()
		created = head
		created.ID = c.newID()
		created.Referenced = false
		created.CreatedAt = now
		created.UpdatedAt = now
		return tx.Create(headsCol(scope.BranchID), created.ID, created)
	})
	if err != nil {
		return FeeHead{}, err
	}
	c.log.WithFields(logrus.Fields{"branch": scope.BranchID, "head": created.ID}).Info("fee head created")
	return created, nil
}

// UpdateHead changes a head. Frequency and type are frozen once the head
// is referenced by a template.
func (c *Catalog) UpdateHead(ctx context.Context, scope generic.Scope, id string, upd HeadUpdate) (FeeHead, error) {
	if err := scope.Validate(); err != nil {
		return FeeHead{}, err
	}

	var updated FeeHead
	err := c.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		var head FeeHead
		found, err := tx.Get(ctx, headsCol(scope.BranchID), id, &head)
		if err != nil {
			return err
		}
		if !found {
			return generic.NewNotFoundError("fee head", id)
		}

		if upd.Name != nil {
			head.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Category != nil {
			head.Category = *upd.Category
		}
		if upd.Refundable != nil {
			head.Refundable = *upd.Refundable
		}
		if upd.Frequency != nil && *upd.Frequency != head.Frequency {
			if head.Referenced {
				return generic.NewStateError("fee head", id, "frequency cannot change once referenced by a template")
			}
			head.Frequency = *upd.Frequency
		}
		if upd.Type != nil && *upd.Type != head.Type {
			if head.Referenced {
				return generic.NewStateError("fee head", id, "type cannot change once referenced by a template")
			}
			head.Type = *upd.Type
		}
		if err := validateHead(head); err != nil {
			return err
		}
		head.UpdatedAt = c.clock()
		updated = head
		return tx.Set(headsCol(scope.BranchID), id, head)
	})
	return updated, err
}

// DeleteHead removes an unreferenced head.
func (c *Catalog) DeleteHead(ctx context.Context, scope generic.Scope, id string) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return c.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		var head FeeHead
		found, err := tx.Get(ctx, headsCol(scope.BranchID), id, &head)
		if err != nil {
			return err
		}
		if !found {
			return generic.NewNotFoundError("fee head", id)
		}
		if head.Referenced {
			return generic.NewConflictError("fee head reference", id)
		}
		return tx.Delete(headsCol(scope.BranchID), id)
	})
}

// ListHeads returns the branch's heads sorted by name.
func (c *Catalog) ListHeads(ctx context.Context, scope generic.Scope) ([]FeeHead, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	docs, err := c.store.Find(ctx, headsCol(scope.BranchID), generic.Query{OrderBy: "name"})
	if err != nil {
		return nil, err
	}
	return decodeAll[FeeHead](docs)
}

// SaveTemplate creates or replaces a template. Item names and frequencies
// are taken from the referenced heads, which become frozen.
func (c *Catalog) SaveTemplate(ctx context.Context, scope generic.Scope, tpl FeeTemplate) (FeeTemplate, error) {
	if err := scope.Validate(); err != nil {
		return FeeTemplate{}, err
	}
	if strings.TrimSpace(tpl.Name) == "" {
		return FeeTemplate{}, generic.NewValidationError("name", "is required")
	}
	if tpl.ClassID == "" {
		return FeeTemplate{}, generic.NewValidationError("classId", "is required")
	}
	if tpl.AcademicYear == "" {
		return FeeTemplate{}, generic.NewValidationError("academicYear", "is required")
	}
	if len(tpl.Items) == 0 {
		return FeeTemplate{}, generic.NewValidationError("items", "at least one item is required")
	}
	seen := make(map[string]bool, len(tpl.Items))
	for _, it := range tpl.Items {
		if it.HeadID == "" {
			return FeeTemplate{}, generic.NewValidationError("items.headId", "is required")
		}
		if seen[it.HeadID] {
			return FeeTemplate{}, generic.NewValidationError("items.headId", "duplicate head "+it.HeadID)
		}
		seen[it.HeadID] = true
		if it.Amount.IsNegative() {
			return FeeTemplate{}, generic.NewValidationError("items.amount", "must not be negative")
		}
	}

	var saved FeeTemplate
	err := c.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		now := c.clock()
		out := tpl
		out.Items = make([]TemplateItem, len(tpl.Items))
		if out.ID == "" {
			out.ID = c.newID()
			out.CreatedAt = now
		} else {
			var prior FeeTemplate
			found, err := tx.Get(ctx, templatesCol(scope.BranchID), out.ID, &prior)
			if err != nil {
				return err
			}
			if !found {
				return generic.NewNotFoundError("fee template", out.ID)
			}
			out.CreatedAt = prior.CreatedAt
		}

		heads := make([]FeeHead, len(tpl.Items))
		for i, it := range tpl.Items {
			found, err := tx.Get(ctx, headsCol(scope.BranchID), it.HeadID, &heads[i])
			if err != nil {
				return err
			}
			if !found {
				return generic.NewNotFoundError("fee head", it.HeadID)
			}
			out.Items[i] = TemplateItem{
				HeadID:    it.HeadID,
				HeadName:  heads[i].Name,
				Amount:    it.Amount,
				Frequency: heads[i].Frequency,
			}
		}
		out.UpdatedAt = now

		for _, h := range heads {
			if h.Referenced {
				continue
			}
			h.Referenced = true
			h.UpdatedAt = now
			if err := tx.Set(headsCol(scope.BranchID), h.ID, h); err != nil {
				return err
			}
		}
		saved = out
		return tx.Set(templatesCol(scope.BranchID), out.ID, out)
	})
	return saved, err
}

// ListTemplates returns templates, optionally only those of one class.
func (c *Catalog) ListTemplates(ctx context.Context, scope generic.Scope, classID string) ([]FeeTemplate, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	q := generic.Query{OrderBy: "name"}
	if classID != "" {
		q = generic.Where("classId", generic.OpEq, classID).Order("name", false)
	}
	docs, err := c.store.Find(ctx, templatesCol(scope.BranchID), q)
	if err != nil {
		return nil, err
	}
	return decodeAll[FeeTemplate](docs)
}

// AssignTemplate makes tpl the student's active template. The previously
// active assignment is deactivated in the same transaction. Re-assigning
// the active template returns the existing assignment.
func (c *Catalog) AssignTemplate(ctx context.Context, scope generic.Scope, studentID, templateID, sessionID string) (FeeAssignment, error) {
	if err := scope.Validate(); err != nil {
		return FeeAssignment{}, err
	}
	if studentID == "" {
		return FeeAssignment{}, generic.NewValidationError("studentId", "is required")
	}
	if templateID == "" {
		return FeeAssignment{}, generic.NewValidationError("templateId", "is required")
	}

	var assigned FeeAssignment
	err := c.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		found, err := tx.Get(ctx, templatesCol(scope.BranchID), templateID, &FeeTemplate{})
		if err != nil {
			return err
		}
		if !found {
			return generic.NewNotFoundError("fee template", templateID)
		}
		// The marker read makes two first-time assigns for one student collide.
		if _, err := tx.Get(ctx, activeAssignmentsCol(scope.BranchID), studentID, &activeAssignment{}); err != nil {
			return err
		}
		docs, err := tx.Find(ctx, assignmentsCol(scope.BranchID),
			generic.Where("studentId", generic.OpEq, studentID).And("status", generic.OpEq, string(AssignmentActive)))
		if err != nil {
			return err
		}
		active, err := decodeAll[FeeAssignment](docs)
		if err != nil {
			return err
		}
		for _, a := range active {
			if a.TemplateID == templateID && a.SessionID == sessionID {
				assigned = a
				return nil
			}
		}

		now := c.clock()
		for _, a := range active {
			deactivated := now
			a.Status = AssignmentInactive
			a.DeactivatedAt = &deactivated
			if err := tx.Set(assignmentsCol(scope.BranchID), a.ID, a); err != nil {
				return err
			}
		}
		assigned = FeeAssignment{
			ID:         c.newID(),
			StudentID:  studentID,
			TemplateID: templateID,
			SessionID:  sessionID,
			Status:     AssignmentActive,
			AssignedBy: scope.UID,
			AssignedAt: now,
		}
		if err := tx.Set(activeAssignmentsCol(scope.BranchID), studentID, activeAssignment{AssignmentID: assigned.ID, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.Create(assignmentsCol(scope.BranchID), assigned.ID, assigned)
	})
	return assigned, err
}

// ActiveAssignment returns the student's active assignment, if any.
func (c *Catalog) ActiveAssignment(ctx context.Context, scope generic.Scope, studentID string) (FeeAssignment, bool, error) {
	if err := scope.Validate(); err != nil {
		return FeeAssignment{}, false, err
	}
	docs, err := c.store.Find(ctx, assignmentsCol(scope.BranchID),
		generic.Where("studentId", generic.OpEq, studentID).And("status", generic.OpEq, string(AssignmentActive)))
	if err != nil {
		return FeeAssignment{}, false, err
	}
	if len(docs) == 0 {
		return FeeAssignment{}, false, nil
	}
	var a FeeAssignment
	if err := docs[0].Decode(&a); err != nil {
		return FeeAssignment{}, false, err
	}
	return a, true, nil
}

// MonthInputsFor builds the month inputs of a template for the given periods.
// Only monthly items are included.
func MonthInputsFor(tpl FeeTemplate, periods ...string) []MonthInput {
	var breakdown []HeadAmount
	total := decimal.Zero
	for _, it := range tpl.Items {
		if it.Frequency != FrequencyMonthly {
			continue
		}
		breakdown = append(breakdown, HeadAmount{HeadID: it.HeadID, HeadName: it.HeadName, Amount: it.Amount})
		total = total.Add(it.Amount)
	}
	out := make([]MonthInput, 0, len(periods))
	for _, p := range periods {
		out = append(out, MonthInput{Key: p, Total: total, Breakdown: append([]HeadAmount(nil), breakdown...)})
	}
	return out
}

func decodeAll[T any](docs []generic.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
