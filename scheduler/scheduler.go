// Package scheduler owns the tracker's main loop: refresh the active
// account's quota, decide which account funds the next sweep and how, rotate
// sessions when the decision lands elsewhere, drive the sweep, and sleep
// until the next iteration. It also owns process lifecycle: a cancelled
// context drains the correlator, closes the session and flushes the registry
// before returning.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/researchaccelerator-hub/telegram-post-tracker/account"
	"github.com/researchaccelerator-hub/telegram-post-tracker/common"
	"github.com/researchaccelerator-hub/telegram-post-tracker/correlate"
	"github.com/researchaccelerator-hub/telegram-post-tracker/store"
	"github.com/researchaccelerator-hub/telegram-post-tracker/sweep"
	"github.com/researchaccelerator-hub/telegram-post-tracker/telegramhelper"
)

type mode int

const (
	modeFree mode = iota
	modePaid
	modeWait
)

// decision is the outcome of one pass through the selection policy.
type decision struct {
	mode    mode
	idx     int
	wakeAt  time.Time
	hasWake bool
}

// decide applies the selection policy to a registry snapshot: the active
// account keeps its turn while it has free quota, then any other account
// with free quota ready, then any account allowed to spend stars under the
// ceiling, and otherwise a wait until the soonest future free reset.
func decide(reg *account.Registry, active int, maxStars int64, now time.Time) decision {
	n := len(reg.Accounts)
	if n == 0 {
		return decision{mode: modeWait}
	}
	if reg.Accounts[active].FreeQuotaReady(now) {
		return decision{mode: modeFree, idx: active}
	}
	if idx := reg.PickFree((active+1)%n, now); idx >= 0 {
		return decision{mode: modeFree, idx: idx}
	}
	if idx := reg.PickPaid(maxStars); idx >= 0 {
		return decision{mode: modePaid, idx: idx}
	}
	wake, ok := reg.SoonestFreeReset(now)
	return decision{mode: modeWait, wakeAt: wake, hasWake: ok}
}

// Scheduler drives the sweep loop over one open session at a time.
type Scheduler struct {
	cfg      common.TrackerConfig
	registry *account.Registry
	store    *store.Store
	sessions *sweep.Manager
	sctx     *sweep.Context

	active int

	corrCancel context.CancelFunc
	corrDone   chan struct{}
}

// New wires a scheduler over the registry, store and client service.
func New(cfg common.TrackerConfig, reg *account.Registry, st *store.Store, svc telegramhelper.TelegramService) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		store:    st,
		sessions: sweep.NewManager(svc, cfg.TDLibVerbosity),
		sctx:     sweep.NewContext(),
	}
}

// Run loops until the context is cancelled or an unrecoverable error
// surfaces. Cancellation is a clean exit, not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.shutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.iterate(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

// iterate is one pass: refresh quota, decide, possibly switch, sweep, sleep.
// Returning nil without sleeping re-enters the decision immediately.
func (s *Scheduler) iterate(ctx context.Context) error {
	if err := s.ensureSession(); err != nil {
		return err
	}

	s.refreshQuota()

	now := time.Now()
	d := decide(s.registry, s.active, s.cfg.MaxStarsPerQuery, now)

	switch d.mode {
	case modeWait:
		delay := s.cfg.SweepInterval
		if d.hasWake {
			delay = d.wakeAt.Sub(now)
		}
		log.Info().Dur("delay", delay).Msg("No usable quota on any account, waiting for free reset")
		if err := common.SleepCtx(ctx, delay); err != nil {
			return err
		}
		return nil

	case modeFree, modePaid:
		if d.idx != s.active {
			if err := s.switchAccount(d.idx); err != nil {
				return err
			}
		}
		return s.sweepOnce(ctx, d.mode)
	}
	return nil
}

// ensureSession opens a session for the active account if none is open and
// attaches the correlator to its update stream.
func (s *Scheduler) ensureSession() error {
	if s.sessions.Current() != nil {
		return nil
	}
	sess, err := s.sessions.Open(s.registry.Accounts[s.active])
	if err != nil {
		return err
	}

	corrCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	corr := correlate.New(s.sctx, s.store)
	go func() {
		corr.Run(corrCtx, sess.Updates())
		close(done)
	}()
	s.corrCancel = cancel
	s.corrDone = done
	return nil
}

// closeSession detaches the correlator first so no event is processed after
// detachment, then releases the session.
func (s *Scheduler) closeSession() {
	if s.corrCancel != nil {
		s.corrCancel()
		<-s.corrDone
		s.corrCancel = nil
		s.corrDone = nil
	}
	s.sessions.Close()
	s.sctx.ResetSession()
}

// switchAccount rotates the single session to another account. A switch
// never costs a sleep cycle.
func (s *Scheduler) switchAccount(idx int) error {
	log.Info().
		Str("from", s.registry.Accounts[s.active].Name).
		Str("to", s.registry.Accounts[idx].Name).
		Msg("Switching account")
	s.closeSession()
	s.active = idx
	return s.ensureSession()
}

// refreshQuota folds the platform's current limits and paid balance into the
// active account and persists the registry. Failures leave the snapshot
// stale; they are never fatal.
func (s *Scheduler) refreshQuota() {
	sess := s.sessions.Current()
	acct := s.registry.Accounts[s.active]

	limits, err := sess.FetchLimits()
	if err != nil {
		log.Warn().Err(err).Str("account", acct.Name).Msg("Failed to fetch quota limits")
	} else {
		acct.ApplyLimits(limits.DailyFreeQueryCount, limits.RemainingFreeQueryCount, limits.NextFreeQueryIn, limits.StarCount, time.Now())
	}

	balance, err := sess.FetchStarBalance()
	if err != nil {
		log.Warn().Err(err).Str("account", acct.Name).Msg("Failed to fetch star balance")
	} else {
		acct.StarBalance = balance
	}

	if err := s.registry.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to persist account registry")
	}
}

// sweepOnce records a run, drives one sweep in the given funding mode, and
// finalizes the run with the post-sweep quota payload. Bookkeeping failures
// are logged but never abort the sweep.
func (s *Scheduler) sweepOnce(ctx context.Context, m mode) error {
	sess := s.sessions.Current()
	acct := s.registry.Accounts[s.active]

	var starCount int64
	if m == modePaid {
		starCount = acct.StarCostPerQuery
	}

	runID, err := s.store.CreateRun(acct.Name, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create run record")
	}

	log.Info().
		Str("account", acct.Name).
		Int64("run_id", runID).
		Int64("star_count", starCount).
		Msg("Starting sweep")

	sweeper := &sweep.Sweeper{Client: sess.Client(), Store: s.store, Ctx: s.sctx}
	res, err := sweeper.Run(ctx, runID, sweep.Options{
		Query:     s.cfg.Query,
		PageSize:  s.cfg.PageSize,
		StarCount: starCount,
		PageDelay: s.cfg.PageDelay,
	})
	if err != nil {
		return err
	}

	s.finalizeRun(runID, sess, acct, res)

	log.Info().
		Str("account", acct.Name).
		Int("pages", res.Pages).
		Int("posts", res.Posts).
		Bool("limits_exhausted", res.LimitsExhausted).
		Bool("insufficient_balance", res.InsufficientBalance).
		Msg("Sweep finished")

	if res.InsufficientBalance {
		acct.SkipStars = true
		if err := s.registry.Save(); err != nil {
			log.Error().Err(err).Msg("Failed to persist account registry")
		}
		return nil
	}

	now := time.Now()
	if res.LimitsExhausted && s.otherAccountReady(now) {
		log.Info().Msg("Quota exhausted with another account ready, skipping sleep")
		return nil
	}

	delay := s.cfg.SweepInterval
	if wake, ok := s.registry.SoonestFreeReset(now); ok {
		if until := wake.Sub(now); until < delay {
			delay = until
		}
	}
	return common.SleepCtx(ctx, delay)
}

// finalizeRun re-reads the quota limits after the sweep, folds them into the
// account, and closes the run record with the raw payload.
func (s *Scheduler) finalizeRun(runID int64, sess *sweep.Session, acct *account.Account, res sweep.Result) {
	limits, err := sess.FetchLimits()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch post-sweep quota limits")
	} else {
		acct.ApplyLimits(limits.DailyFreeQueryCount, limits.RemainingFreeQueryCount, limits.NextFreeQueryIn, limits.StarCount, time.Now())
		if err := s.registry.Save(); err != nil {
			log.Error().Err(err).Msg("Failed to persist account registry")
		}
	}

	if err := s.store.FinalizeRun(runID, sweep.LimitsPayload(limits), res.LimitsExhausted); err != nil {
		log.Error().Err(err).Int64("run_id", runID).Msg("Failed to finalize run record")
	}
}

// otherAccountReady reports whether a different account could fund a sweep
// right now, making an immediate re-decision worthwhile.
func (s *Scheduler) otherAccountReady(now time.Time) bool {
	n := len(s.registry.Accounts)
	if n > 1 {
		if idx := s.registry.PickFree((s.active+1)%n, now); idx >= 0 && idx != s.active {
			return true
		}
	}
	if idx := s.registry.PickPaid(s.cfg.MaxStarsPerQuery); idx >= 0 {
		return true
	}
	return false
}

// shutdown detaches the correlator, closes the session and flushes the
// registry one last time.
func (s *Scheduler) shutdown() {
	s.closeSession()
	if err := s.registry.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to persist account registry on shutdown")
	}
	log.Info().Msg("Scheduler stopped")
}
