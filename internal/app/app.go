package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"p2p-spread-alerts/internal/alerting"
	"p2p-spread-alerts/internal/cache"
	"p2p-spread-alerts/internal/config"
	"p2p-spread-alerts/internal/engine"
	"p2p-spread-alerts/internal/fetcher"
	"p2p-spread-alerts/internal/service"
	"p2p-spread-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; defaults to stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newEvaluator(logger zerolog.Logger) (*engine.Evaluator, error) {
	l, err := a.Config.BuildLadder()
	if err != nil {
		return nil, err
	}
	policy, err := a.Config.ResetPolicy()
	if err != nil {
		return nil, err
	}
	return engine.NewEvaluator(l, policy, engine.NewLedger(), logger), nil
}

func (a *App) buildPairings() ([]service.Pairing, error) {
	sources := make(map[string]fetcher.Source)
	source := func(name string) (fetcher.Source, error) {
		if src, ok := sources[name]; ok {
			return src, nil
		}
		desc, ok := a.Config.Descriptor(name)
		if !ok {
			return nil, fmt.Errorf("unknown source %q", name)
		}
		src, err := fetcher.New(desc, a.Logger)
		if err != nil {
			return nil, err
		}
		sources[name] = src
		return src, nil
	}

	pairings := make([]service.Pairing, 0, len(a.Config.Pairings))
	for _, pc := range a.Config.Pairings {
		legA, err := source(pc.LegA)
		if err != nil {
			return nil, fmt.Errorf("pairing %q: %w", pc.Name, err)
		}
		legB, err := source(pc.LegB)
		if err != nil {
			return nil, fmt.Errorf("pairing %q: %w", pc.Name, err)
		}
		pairings = append(pairings, service.Pairing{
			Name:     pc.Name,
			LegA:     legA,
			LegB:     legB,
			Interval: a.Config.PairingInterval(pc),
		})
	}
	return pairings, nil
}

// newNotifier returns nil when alerting is disabled.
func (a *App) newNotifier() *alerting.Multi {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}

	var notifiers []alerting.Notifier
	if cfg.Discord.Enabled {
		notifiers = append(notifiers, alerting.NewDiscordNotifier(cfg.Discord.WebhookURL, cfg.Discord.Username, cfg.Timeout, a.Logger))
	}
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Timeout, a.Logger))
	}
	if cfg.Webhook.Enabled {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Timeout, a.Logger))
	}
	return alerting.NewMulti(a.Logger, notifiers...)
}

func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	backend, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if backend == nil {
		return nil, nil, nil
	}
	closer := func() {
		if err := backend.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store")
		}
	}
	return backend, closer, nil
}

func (a *App) openCache(ctx context.Context) (*cache.Redis, error) {
	cfg := a.Config.Redis
	if !cfg.Enabled {
		return nil, nil
	}
	return cache.NewRedis(ctx, cfg.Addr, cfg.Password, cfg.DB, cfg.TTL)
}

// Run executes the long-running poller.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	evaluator, err := a.newEvaluator(a.Logger)
	if err != nil {
		return err
	}
	pairings, err := a.buildPairings()
	if err != nil {
		return err
	}

	var deps service.Deps
	if n := a.newNotifier(); n != nil {
		if n.Len() == 0 {
			a.Logger.Warn().Msg("alerting enabled but no channel configured")
		}
		deps.Notifier = n
	} else {
		a.Logger.Warn().Msg("alerting disabled; alerts will only be logged")
	}

	backend, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if backend == nil {
		a.Logger.Warn().Msg("database.driver not configured; ledger persistence disabled")
	} else {
		defer closeStore()
		deps.Ledgers = backend
		deps.Alerts = backend
		if locker, ok := backend.(storage.AdvisoryLocker); ok {
			deps.Locker = locker
		}
	}

	latest, err := a.openCache(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("redis unavailable; latest observation cache disabled")
	} else if latest != nil {
		defer latest.Close()
		deps.Cache = latest
	}

	svc, err := service.New(evaluator, pairings, deps, service.Options{
		LedgerKey:       storage.DefaultLedgerKey,
		LockKey:         a.Config.Scheduler.AdvisoryLockKey,
		DeliveryTimeout: a.Config.Alerting.Timeout,
		AlignToBucket:   a.Config.Scheduler.AlignToBucket,
		RunImmediately:  a.Config.Scheduler.RunImmediately,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("pairings", len(pairings)).Msg("starting spread poller")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("spread poller stopped")
	return nil
}
