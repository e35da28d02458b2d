package fees

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/school-ledger/generic"
)

// =============================================================================
// RECEIPT SEQUENCER
// =============================================================================

// ReceiptFormat renders branch code, session and counter into a receipt number.
const ReceiptFormat = "RCPT/%s/%s/%06d"

type receiptCounter struct {
	Value     int64     `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Sequencer issues per-branch receipt numbers inside the caller's transaction.
//
// The counter document is read in the read phase and written in the write
// phase of the same transaction. Two concurrent transactions that read the
// same counter value cannot both commit: the store aborts one and re-runs
// it, so numbers are strictly increasing. An aborted transaction never
// writes its number, which can leave a gap.
type Sequencer struct {
	clock generic.Clock
}

func NewSequencer(clock generic.Clock) *Sequencer {
	if clock == nil {
		clock = generic.SystemClock
	}
	return &Sequencer{clock: clock}
}

// Receipt is a reserved, not yet persisted, receipt number.
type Receipt struct {
	Number   string
	BranchID string
	Seq      int64
}

// Reserve reads the branch and its counter and computes the next number.
// It performs reads only; call Stage in the write phase.
func (s *Sequencer) Reserve(ctx context.Context, tx generic.Reader, scope generic.Scope, sessionID string) (Receipt, error) {
	var branch Branch
	found, err := tx.Get(ctx, branchesCol(), scope.BranchID, &branch)
	if err != nil {
		return Receipt{}, err
	}
	if !found || (branch.SchoolID != "" && branch.SchoolID != scope.SchoolID) {
		return Receipt{}, generic.NewNotFoundError("branch", scope.BranchID)
	}
	code := branch.Code
	if code == "" {
		code = scope.BranchID
	}

	var counter receiptCounter
	if _, err := tx.Get(ctx, countersCol(scope.BranchID), receiptCounterID, &counter); err != nil {
		return Receipt{}, err
	}

	next := counter.Value + 1
	return Receipt{
		Number:   fmt.Sprintf(ReceiptFormat, code, sessionID, next),
		BranchID: scope.BranchID,
		Seq:      next,
	}, nil
}

// Stage writes the advanced counter.
func (s *Sequencer) Stage(tx generic.Tx, r Receipt) error {
	return tx.Set(countersCol(r.BranchID), receiptCounterID, receiptCounter{Value: r.Seq, UpdatedAt: s.clock()})
}

// Next reserves and stages in one call. Because it writes, it must be the
// last read of the transaction.
func (s *Sequencer) Next(ctx context.Context, tx generic.Tx, scope generic.Scope, sessionID string) (string, error) {
	r, err := s.Reserve(ctx, tx, scope, sessionID)
	if err != nil {
		return "", err
	}
	if err := s.Stage(tx, r); err != nil {
		return "", err
	}
	return r.Number, nil
}
