package fees

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/generic"
)

// OverdueSweeper marks unpaid dues of past periods as overdue.
// Only Due documents change; the next payment for a period derives its
// status from amounts again.
type OverdueSweeper struct {
	base
}

func NewOverdueSweeper(store generic.DocStore, opts Options) *OverdueSweeper {
	return &OverdueSweeper{base: newBase(store, opts)}
}

// Sweep marks every due/partial Due with period before asOfPeriod as overdue
// and returns how many were marked.
func (s *OverdueSweeper) Sweep(ctx context.Context, scope generic.Scope, asOfPeriod string) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if !generic.ValidPeriodKey(asOfPeriod) {
		return 0, generic.NewValidationError("asOfPeriod", "expected YYYY-MM")
	}

	var marked int
	err := s.store.RunInTransaction(ctx, func(ctx context.Context, tx generic.Tx) error {
		marked = 0
		docs, err := tx.Find(ctx, duesCol(scope.BranchID),
			generic.Where("status", generic.OpIn, []string{string(StatusDue), string(StatusPartial)}).
				And("period", generic.OpLt, asOfPeriod))
		if err != nil {
			return err
		}
		now := s.clock()
		for _, d := range docs {
			var due Due
			if err := d.Decode(&due); err != nil {
				return err
			}
			if !due.Due.IsPositive() {
				continue
			}
			due.Status = StatusOverdue
			due.UpdatedAt = now
			if err := tx.Set(duesCol(scope.BranchID), d.ID, due); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"branch": scope.BranchID, "asOf": asOfPeriod, "marked": marked}).Info("overdue sweep finished")
	return marked, nil
}
