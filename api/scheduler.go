/*
scheduler.go - Background jobs

PURPOSE:
  Runs the periodic maintenance jobs for the configured branches:
  - overdue sweep: marks past unpaid dues overdue (asOf = current month)
  - day-book check: verifies today's day-book against the ledger

DESIGN:
  - robfig/cron schedules, SkipIfStillRunning so a slow run never overlaps
  - each branch runs independently; one failure does not stop the others
  - every run is counted in school_ledger_scheduler_runs_total

USAGE:
  s, err := NewScheduler(handler, cfg.Scheduler)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - fees/overdue.go, fees/daybook.go
*/
package api

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/school-ledger/config"
	"github.com/warp/school-ledger/generic"
)

const (
	jobOverdue = "overdue-sweep"
	jobDayBook = "daybook-check"

	jobTimeout = 4 * time.Minute
)

// Scheduler owns the cron runner and the branches jobs run for.
type Scheduler struct {
	cron     *cron.Cron
	handler  *Handler
	branches []generic.Scope
	clock    generic.Clock
	log      logrus.FieldLogger
}

// NewScheduler registers the jobs of cfg. It does not start them.
func NewScheduler(h *Handler, cfg config.Scheduler, clock generic.Clock) (*Scheduler, error) {
	if clock == nil {
		clock = generic.SystemClock
	}
	log := h.log.WithField("component", "scheduler")
	s := &Scheduler{handler: h, clock: clock, log: log}
	for _, b := range cfg.Branches {
		parts := strings.SplitN(b, "/", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("scheduler branch %q is not schoolId/branchId", b)
		}
		s.branches = append(s.branches, generic.Scope{UID: "scheduler", SchoolID: parts[0], BranchID: parts[1]})
	}

	cl := cron.PrintfLogger(log)
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := s.cron.AddFunc(cfg.OverdueSpec, s.job(s.RunOverdue)); err != nil {
		return nil, errors.Wrapf(err, "schedule %s", jobOverdue)
	}
	if _, err := s.cron.AddFunc(cfg.DayBookSpec, s.job(s.RunDayBookCheck)); err != nil {
		return nil, errors.Wrapf(err, "schedule %s", jobDayBook)
	}
	return s, nil
}

func (s *Scheduler) job(run func(context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		run(ctx)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("branches", len(s.branches)).Info("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// RunOverdue sweeps every branch once.
func (s *Scheduler) RunOverdue(ctx context.Context) {
	asOf := generic.PeriodKey(s.clock())
	for _, scope := range s.branches {
		n, err := s.handler.sweeper.Sweep(ctx, scope, asOf)
		entry := s.log.WithFields(logrus.Fields{"job": jobOverdue, "school": scope.SchoolID, "branch": scope.BranchID})
		if err != nil {
			s.record(jobOverdue, "error")
			entry.WithError(err).Error("job failed")
			continue
		}
		s.record(jobOverdue, "ok")
		entry.WithField("marked", n).Info("job finished")
	}
}

// RunDayBookCheck verifies today's day-book of every branch once.
func (s *Scheduler) RunDayBookCheck(ctx context.Context) {
	today := generic.DayKey(s.clock())
	for _, scope := range s.branches {
		v, err := s.handler.auditor.Verify(ctx, scope, today)
		entry := s.log.WithFields(logrus.Fields{"job": jobDayBook, "school": scope.SchoolID, "branch": scope.BranchID})
		switch {
		case err != nil:
			s.record(jobDayBook, "error")
			entry.WithError(err).Error("job failed")
		case !v.Consistent:
			s.record(jobDayBook, "mismatch")
		default:
			s.record(jobDayBook, "ok")
			entry.Debug("day-book consistent")
		}
	}
}

func (s *Scheduler) record(job, result string) {
	s.handler.metrics.jobRuns.WithLabelValues(job, result).Inc()
}
