package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colonylab/codetravail-bot/internal/buildinfo"
	"github.com/colonylab/codetravail-bot/internal/config"
	"github.com/colonylab/codetravail-bot/internal/connwatch"
	"github.com/colonylab/codetravail-bot/internal/generate"
	"github.com/colonylab/codetravail-bot/internal/health"
	"github.com/colonylab/codetravail-bot/internal/httpkit"
	"github.com/colonylab/codetravail-bot/internal/mail"
	"github.com/colonylab/codetravail-bot/internal/metrics"
	"github.com/colonylab/codetravail-bot/internal/mqtt"
	"github.com/colonylab/codetravail-bot/internal/sysinfo"
	"github.com/colonylab/codetravail-bot/internal/telegram"
)

// telegramPollTimeout is the getUpdates long-poll wait. The HTTP client
// timeout must exceed it.
const telegramPollTimeout = 30 * time.Second

// loadConfig loads and validates the configuration for mode. Nothing
// touches the network before it returns.
func loadConfig(opts options) (*config.Config, config.Mode, error) {
	mode, err := config.ParseMode(opts.mode)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(config.LoadOptions{Path: opts.configPath, EnvFile: opts.envFile})
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, "", err
	}
	return cfg, mode, nil
}

// runBot is the default command. Shutdown on SIGINT or SIGTERM lets the
// email or chat message in progress finish.
func runBot(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, mode, err := loadConfig(opts)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if opts.debug {
		level = slog.LevelDebug
	}
	logger, logCloser, err := config.NewLogger(stdout, cfg.Log, level)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting codetravail",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"mode", mode,
	)

	probe, err := sysinfo.New()
	if err != nil {
		return err
	}
	if cfg.Model.Device == "auto" {
		cfg.Model.Device = "cpu"
		if probe.HasGPU(ctx) {
			cfg.Model.Device = "cuda"
		}
	}
	logger.Info("inference settings",
		"backend", cfg.Model.Backend,
		"url", cfg.Model.URL,
		"model", cfg.Model.Name,
		"base_model", cfg.Model.BaseModel,
		"device", cfg.Model.Device,
	)
	if mode != config.ModeTelegram {
		logger.Info("mail settings",
			"address", cfg.Email.Address,
			"domain", cfg.Email.Domain,
			"profile", cfg.Email.Profile,
			"imap", fmt.Sprintf("%s:%d", cfg.Email.IMAP.Host, cfg.Email.IMAP.Port),
			"smtp", fmt.Sprintf("%s:%d", cfg.Email.SMTP.Host, cfg.Email.SMTP.Port),
			"dedup", cfg.Dedup.Store,
		)
	}

	backend, err := generate.NewBackend(cfg.Model, logger)
	if err != nil {
		return err
	}

	if opts.check {
		return runCheck(ctx, stdout, cfg, mode, backend)
	}

	watcher := connwatch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "inference",
		Probe:   backend.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnDown: func(err error) {
			logger.Warn("inference server unreachable", "error", err)
		},
		Logger: logger,
	})
	defer watcher.Stop()
	if err := watcher.WaitReady(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("inference server %s: %w", cfg.Model.URL, err)
	}

	if err := health.WritePIDFile(cfg.PIDFile); err != nil {
		return err
	}
	defer health.RemovePIDFile(cfg.PIDFile)

	activity := mqtt.NewActivity(nil)
	state := &modelState{mode: mode, inference: watcher}
	newModel := func(channel string) *generate.Model {
		m := generate.NewModel(generate.ModelConfig{
			Backend:   backend,
			Name:      cfg.Model.Name,
			BaseModel: cfg.Model.BaseModel,
			Logger:    logger.With("channel", channel),
			OnChange:  func(loaded bool) { metrics.SetModelLoaded(channel, loaded) },
		})
		state.add(m)
		return m
	}

	// Workers are built before any goroutine starts so a failure here
	// leaves nothing running.
	var workers []func(context.Context) error

	if mode == config.ModeTelegram || mode == config.ModeBoth {
		model := newModel("telegram")
		bridge := telegram.NewBridge(telegram.BridgeConfig{
			Client: telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.Token,
				httpkit.NewClient(httpkit.WithTimeout(telegramPollTimeout+15*time.Second)),
				logger),
			Model: model,
			Answerer: &generate.Answerer{
				Model:    model,
				Style:    generate.PromptPlain,
				Params:   generate.ChatParams(cfg.Model.Device, cfg.Model.MaxLength, cfg.Model.Seed),
				Channel:  "telegram",
				Logger:   logger,
				OnAnswer: activity.OnAnswer,
			},
			Stats:       probe,
			Device:      cfg.Model.Device,
			Logger:      logger.With("channel", "telegram"),
			RateLimit:   cfg.Telegram.RateLimit,
			PollTimeout: telegramPollTimeout,
		})
		workers = append(workers, bridge.Start)
	}

	if mode == config.ModeEmail || mode == config.ModeBoth {
		store, err := mail.OpenStore(ctx, cfg.Dedup)
		if err != nil {
			return fmt.Errorf("processed store: %w", err)
		}
		defer store.Close()

		model := newModel("email")
		// The mail bot cannot do anything useful without the model.
		if err := model.EnsureLoaded(ctx); err != nil {
			return err
		}

		pc := mail.FromConfig(cfg.Email, logger.With("channel", "email"))
		pc.Store = store
		pc.Answerer = &generate.Answerer{
			Model:    model,
			Style:    generate.PromptStyleFor(cfg.Email.Profile),
			Params:   generate.MailParams(cfg.Email.Generation, cfg.Model.MaxLength, cfg.Model.Seed),
			Channel:  "email",
			Logger:   logger,
			OnAnswer: activity.OnAnswer,
		}
		workers = append(workers, mail.NewPoller(pc).Run)
	}

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		pub = mqtt.New(cfg.MQTT, instanceID, activity, state, logger.With("component", "mqtt"))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return w(gctx) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, logger) })
	}
	if pub != nil {
		g.Go(func() error {
			err := pub.Start(gctx)
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			if stopErr := pub.Stop(stopCtx); stopErr != nil {
				logger.Debug("mqtt disconnect failed", "error", stopErr)
			}
			return err
		})
	}

	err = g.Wait()
	logger.Info("codetravail stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runCheck prints the validation result and probes the services the
// mode needs.
func runCheck(ctx context.Context, w io.Writer, cfg *config.Config, mode config.Mode, backend generate.Backend) error {
	fmt.Fprintf(w, "✅ Configuration valide (mode: %s)\n", mode)
	fmt.Fprintf(w, "🔧 Device: %s\n", cfg.Model.Device)

	var failed []error
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := backend.Ping(pingCtx); err != nil {
		fmt.Fprintf(w, "❌ Serveur d'inférence %s (%s): %v\n", cfg.Model.URL, backend.Name(), err)
		failed = append(failed, fmt.Errorf("inference server: %w", err))
	} else {
		fmt.Fprintf(w, "✅ Serveur d'inférence %s (%s)\n", cfg.Model.URL, backend.Name())
	}

	if mode == config.ModeTelegram || mode == config.ModeBoth {
		client := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.Token, httpkit.NewClient(), nil)
		if me, err := client.GetMe(pingCtx); err != nil {
			fmt.Fprintf(w, "❌ Bot Telegram: %v\n", err)
			failed = append(failed, fmt.Errorf("telegram: %w", err))
		} else {
			fmt.Fprintf(w, "✅ Bot Telegram: @%s\n", me.Username)
		}
	}
	if mode == config.ModeEmail || mode == config.ModeBoth {
		fmt.Fprintf(w, "📧 Email: %s (profil %s, IMAP %s:%d, SMTP %s:%d)\n",
			cfg.Email.Address, cfg.Email.Profile,
			cfg.Email.IMAP.Host, cfg.Email.IMAP.Port,
			cfg.Email.SMTP.Host, cfg.Email.SMTP.Port)
	}
	return errors.Join(failed...)
}

// modelState reports the model handles and the inference watcher to
// the MQTT publisher.
type modelState struct {
	mode      config.Mode
	models    []*generate.Model
	inference interface{ IsReady() bool }
}

func (s *modelState) add(m *generate.Model) { s.models = append(s.models, m) }

func (s *modelState) Mode() string { return string(s.mode) }

func (s *modelState) Inference() string {
	if s.inference != nil && s.inference.IsReady() {
		return "online"
	}
	return "offline"
}

// ModelState summarizes every handle: the best state wins.
func (s *modelState) ModelState() string {
	state := "unloaded"
	for _, m := range s.models {
		switch {
		case m.FineTuned():
			return "fine_tuned"
		case m.Loaded():
			state = "base"
		case m.Loading() && state == "unloaded":
			state = "loading"
		}
	}
	return state
}
