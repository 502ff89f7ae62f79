package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"p2p-spread-alerts/internal/alerting"
	"p2p-spread-alerts/internal/engine"
	"p2p-spread-alerts/internal/fetcher"
	"p2p-spread-alerts/internal/scheduler"
	"p2p-spread-alerts/internal/spread"
	"p2p-spread-alerts/internal/storage"
)

// Outcome is the result of one pairing cycle.
type Outcome int

const (
	// OutcomeSkipped means no observation was evaluated.
	OutcomeSkipped Outcome = iota
	// OutcomeNoop means the observation crossed nothing new.
	OutcomeNoop
	// OutcomeFired means an alert was produced.
	OutcomeFired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNoop:
		return "noop"
	case OutcomeFired:
		return "fired"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Pairing compares two sources on a fixed cadence.
type Pairing struct {
	Name     string
	LegA     fetcher.Source
	LegB     fetcher.Source
	Interval time.Duration
}

// LatestCache receives every produced observation.
type LatestCache interface {
	SetLatest(ctx context.Context, obs spread.Observation) error
}

// Deps are the optional collaborators. Nil fields disable the feature.
type Deps struct {
	Notifier alerting.Notifier
	Ledgers  storage.LedgerStore
	Alerts   storage.AlertStore
	Locker   storage.AdvisoryLocker
	Cache    LatestCache
}

// Options tune the poller.
type Options struct {
	LedgerKey string
	// LockKey guards the shared ledger across processes; zero disables it.
	LockKey int64
	// LockTimeout bounds the wait for LockKey.
	LockTimeout     time.Duration
	DeliveryTimeout time.Duration
	AlignToBucket   bool
	RunImmediately  bool
	StartupDelay    time.Duration
	Clock           clockwork.Clock
}

// Service orchestrates fetching, evaluation, persistence, and alerting.
type Service struct {
	// decideMu keeps one ledger update in flight per process.
	decideMu  sync.Mutex
	evaluator *engine.Evaluator
	pairings  []Pairing
	deps      Deps
	opts      Options
	logger    zerolog.Logger
}

// New constructs the poller.
func New(evaluator *engine.Evaluator, pairings []Pairing, deps Deps, opts Options, logger zerolog.Logger) (*Service, error) {
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator not configured")
	}
	for _, p := range pairings {
		if p.LegA == nil || p.LegB == nil {
			return nil, fmt.Errorf("pairing %q: both legs are required", p.Name)
		}
	}
	if opts.LedgerKey == "" {
		opts.LedgerKey = storage.DefaultLedgerKey
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 15 * time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	return &Service{
		evaluator: evaluator,
		pairings:  pairings,
		deps:      deps,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}, nil
}

// Restore loads the persisted ledger, if any. The reset policy decides on the
// next evaluation whether the restored day is stale.
func (s *Service) Restore(ctx context.Context) error {
	if s.deps.Ledgers == nil {
		return nil
	}
	snap, ok, err := s.deps.Ledgers.LoadLedger(ctx, s.opts.LedgerKey)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if !ok {
		s.logger.Info().Msg("no persisted ledger; starting fresh")
		return nil
	}
	s.evaluator.Ledger().Restore(snap)
	s.logger.Info().Str("last_reset", snap.LastReset.String()).
		Int("fired", len(snap.Fired)).
		Int64("version", snap.Version).
		Msg("ledger restored")
	return nil
}

// Run restores the ledger and polls every pairing until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if len(s.pairings) == 0 {
		return fmt.Errorf("no pairings configured")
	}
	if err := s.Restore(ctx); err != nil {
		return err
	}

	schedulers := make([]*scheduler.Scheduler, len(s.pairings))
	for i, p := range s.pairings {
		sched, err := scheduler.New(scheduler.Options{
			Name:           p.Name,
			Interval:       p.Interval,
			AlignToStart:   s.opts.AlignToBucket,
			StartupDelay:   s.opts.StartupDelay,
			RunImmediately: s.opts.RunImmediately,
			Clock:          s.opts.Clock,
		}, s.logger)
		if err != nil {
			return err
		}
		schedulers[i] = sched
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range s.pairings {
		sched := schedulers[i]
		g.Go(func() error {
			return sched.Run(gctx, func(ctx context.Context, _ time.Time) error {
				_, err := s.ProcessPairing(ctx, p)
				return err
			})
		})
	}

	s.logger.Info().Int("pairings", len(s.pairings)).Msg("poller started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info().Msg("poller stopped")
	return nil
}

// ProcessPairing 执行单个配对的一次采样与评估。
func (s *Service) ProcessPairing(ctx context.Context, p Pairing) (Outcome, error) {
	log := s.logger.With().Str("pairing", p.Name).Logger()

	var legA, legB fetcher.Sample
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		legA, err = p.LegA.Fetch(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		legB, err = p.LegB.Fetch(gctx)
		return err
	})
	fetchErr := g.Wait()
	if err := ctx.Err(); err != nil {
		return OutcomeSkipped, err
	}
	if fetchErr != nil {
		log.Warn().Err(fetchErr).Msg("leg unavailable; skipping cycle")
		return OutcomeSkipped, nil
	}

	obs, err := spread.Observe(p.Name, legA, legB)
	if err != nil {
		log.Warn().Err(err).
			Str("leg_a", legA.Value.String()).
			Str("leg_b", legB.Value.String()).
			Msg("cannot compute spread; skipping cycle")
		return OutcomeSkipped, nil
	}

	log.Info().Str("leg_a", obs.LegA.String()).
		Str("leg_b", obs.LegB.String()).
		Str("spread_pct", obs.SpreadPct.StringFixed(2)).
		Msg("spread observed")

	s.cacheLatest(ctx, obs)

	decision, err := s.decide(ctx, obs, log)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return OutcomeSkipped, ctxErr
		}
		log.Warn().Err(err).Msg("shared ledger unavailable; skipping cycle")
		return OutcomeSkipped, nil
	}
	if decision.Payload == nil {
		return OutcomeNoop, nil
	}

	// The thresholds are already retired; deliver even during shutdown.
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeliveryTimeout)
	defer cancel()
	s.deliver(bgCtx, *decision.Payload, log)
	return OutcomeFired, nil
}

// decide evaluates obs against the shared ledger and persists the result.
// With a lock key configured, the stored snapshot is reloaded under the
// advisory lock first, so replicas never fire the same rung twice.
func (s *Service) decide(ctx context.Context, obs spread.Observation, log zerolog.Logger) (engine.Decision, error) {
	s.decideMu.Lock()
	defer s.decideMu.Unlock()

	if s.opts.LockKey != 0 && s.deps.Locker != nil {
		unlock, err := s.acquireLock(ctx)
		if err != nil {
			return engine.Decision{}, err
		}
		defer unlock()
		if err := s.reload(ctx); err != nil {
			return engine.Decision{}, err
		}
	}

	// Nothing has been decided yet, so a shutdown can still drop this cycle.
	if err := ctx.Err(); err != nil {
		return engine.Decision{}, err
	}

	decision := s.evaluator.Evaluate(obs)
	if decision.Changed() {
		// From here on the ledger has changed; finish persisting even during shutdown.
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeliveryTimeout)
		defer cancel()
		s.persist(bgCtx, decision, log)
	}
	return decision, nil
}

// reload adopts the stored snapshot, which another process may have advanced.
func (s *Service) reload(ctx context.Context) error {
	if s.deps.Ledgers == nil {
		return nil
	}
	snap, ok, err := s.deps.Ledgers.LoadLedger(ctx, s.opts.LedgerKey)
	if err != nil {
		return fmt.Errorf("reload ledger: %w", err)
	}
	if ok {
		s.evaluator.Ledger().Restore(snap)
	}
	return nil
}

func (s *Service) cacheLatest(ctx context.Context, obs spread.Observation) {
	if s.deps.Cache == nil {
		return
	}
	if err := s.deps.Cache.SetLatest(ctx, obs); err != nil {
		s.logger.Warn().Err(err).Str("pairing", obs.Pairing).Msg("failed to cache latest observation")
	}
}

func (s *Service) persist(ctx context.Context, decision engine.Decision, log zerolog.Logger) {
	if decision.Reset && s.deps.Alerts != nil {
		dayStart := s.evaluator.Policy().DayStart(decision.Snapshot.LastReset)
		if err := s.deps.Alerts.DeleteAlertsBefore(ctx, dayStart); err != nil {
			log.Error().Err(err).Time("before", dayStart).Msg("failed to prune previous day alerts")
		}
	}
	if s.deps.Ledgers != nil {
		err := s.deps.Ledgers.SaveLedger(ctx, s.opts.LedgerKey, decision.Snapshot)
		switch {
		case errors.Is(err, storage.ErrStaleSnapshot):
			log.Warn().Int64("version", decision.Snapshot.Version).Msg("ledger snapshot superseded by a newer one")
		case err != nil:
			log.Error().Err(err).Int64("version", decision.Snapshot.Version).Msg("failed to persist ledger snapshot")
		}
	}
	if decision.Payload != nil && s.deps.Alerts != nil {
		if _, err := s.deps.Alerts.InsertAlert(ctx, storage.RecordFromPayload(*decision.Payload)); err != nil {
			log.Error().Err(err).Str("alert_id", decision.Payload.ID).Msg("failed to persist alert record")
		}
	}
}

// deliver hands the payload to the notifier. Failures are logged only; the
// thresholds stay retired for the day.
func (s *Service) deliver(ctx context.Context, payload engine.Payload, log zerolog.Logger) {
	if s.deps.Notifier == nil {
		log.Warn().Str("alert_id", payload.ID).Msg("no notifier configured; alert not delivered")
		return
	}
	if err := s.deps.Notifier.Notify(ctx, payload); err != nil {
		log.Error().Err(err).
			Str("alert_id", payload.ID).
			Str("threshold_pct", payload.HighestNewThreshold.String()).
			Str("spread_pct", payload.SpreadPct.StringFixed(2)).
			Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()

	unlock, err := s.deps.Locker.AdvisoryLock(lockCtx, s.opts.LockKey)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if unlock == nil {
		unlock = func() {}
	}
	return unlock, nil
}
