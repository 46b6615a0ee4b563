package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SearocIsMe/elderly-companion/internal/adapters"
	"github.com/SearocIsMe/elderly-companion/internal/adapters/dryrun"
	"github.com/SearocIsMe/elderly-companion/internal/adapters/notify"
	"github.com/SearocIsMe/elderly-companion/internal/adapters/smarthome"
	"github.com/SearocIsMe/elderly-companion/internal/adapters/tts"
	"github.com/SearocIsMe/elderly-companion/internal/adapters/video"
	"github.com/SearocIsMe/elderly-companion/internal/adapters/voicecall"
	"github.com/SearocIsMe/elderly-companion/internal/audit"
	"github.com/SearocIsMe/elderly-companion/internal/bus"
	"github.com/SearocIsMe/elderly-companion/internal/emergency"
	"github.com/SearocIsMe/elderly-companion/internal/guard"
	"github.com/SearocIsMe/elderly-companion/internal/guard/ratelimit"
	"github.com/SearocIsMe/elderly-companion/internal/intent"
	"github.com/SearocIsMe/elderly-companion/internal/orchestrator"
	"github.com/SearocIsMe/elderly-companion/internal/platform/config"
	"github.com/SearocIsMe/elderly-companion/internal/platform/logger"
	"github.com/SearocIsMe/elderly-companion/internal/platform/metrics"
	"github.com/SearocIsMe/elderly-companion/internal/policy"
	"github.com/SearocIsMe/elderly-companion/internal/session"
	httpapi "github.com/SearocIsMe/elderly-companion/internal/transport/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the companion daemon",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.FromEnv()
		log := logger.New(logger.ParseLevel(cfg.LogLevel))
		slog.SetDefault(log)

		snap, err := policy.Load(cfg.Policy.Path)
		if err != nil {
			log.Error("policy load failed", "path", cfg.Policy.Path, "error", err)
			os.Exit(ExitPolicyInvalid)
		}
		store := policy.NewStore(snap)
		log.Info("policy loaded", "version", snap.Version, "path", cfg.Policy.Path)

		if down := probeAdapters(cfg); len(down) > 0 {
			// Degraded mode: the pipeline still runs, failing adapters will
			// surface through the dispatcher's failure classes.
			log.Warn("adapters unreachable at startup, running degraded", "adapters", down)
		}

		m := metrics.New()
		events := bus.New(256)
		recorder := audit.NewRecorder(4096, events, log)
		sessions := session.NewManager()

		auditStore, closeAudit, err := buildAuditStore(cfg, log)
		if err != nil {
			log.Error("audit store init failed", "error", err)
			os.Exit(1)
		}
		defer closeAudit()

		var limits ratelimit.Store
		if cfg.Redis.URL != "" {
			dialCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			store, err := ratelimit.DialRedis(dialCtx, ratelimit.RedisOptions{
				URL:          cfg.Redis.URL,
				PoolSize:     cfg.Redis.PoolSize,
				MinIdleConns: cfg.Redis.MinIdleConns,
				DialTimeout:  cfg.Redis.DialTimeout,
				ReadTimeout:  cfg.Redis.ReadTimeout,
				WriteTimeout: cfg.Redis.WriteTimeout,
			})
			cancel()
			if err != nil {
				log.Warn("redis unavailable, using in-memory rate limits", "error", err)
			} else {
				defer store.Close()
				limits = store
				log.Info("redis rate limit store enabled")
			}
		}
		guards := guard.New(limits, guard.WithLogger(log))

		registry := buildRegistry(cfg)
		dispatcher := adapters.NewDispatcher(registry, store, events,
			adapters.WithLogger(log),
			adapters.WithObserver(func(res adapters.Result) {
				label := "success"
				if !res.OK {
					label = "failure"
				}
				m.IncAdapterResult(string(res.Kind), label)
			}),
		)

		issuer := video.NewTokenIssuer([]byte(cfg.Adapters.VideoJWTSecret), 30*time.Minute)
		emerg := emergency.NewDispatcher(dispatcher, store, sessions, events, recorder,
			emergency.WithLogger(log),
			emergency.WithTokenIssuer(issuer),
			emergency.WithAcceptObserver(m.ObserveEmergencyAccept),
		)

		intents := intent.NewClient(cfg.LLM.URL, cfg.LLM.PromptVersion, intent.WithLogger(log))

		orch := orchestrator.New(store, sessions, guards, intents, emerg, dispatcher,
			events, recorder, m, log, orchestrator.Deadlines{
				Utterance: cfg.Deadlines.Utterance,
				LLM:       cfg.Deadlines.LLM,
			})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		handler := httpapi.New(log, orch, store, cfg.Policy.Path, sessions, emerg,
			events, auditStore, stop)
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           handler.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("adapter dispatcher stopped", "error", err)
			}
		}()
		go func() {
			if err := emerg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("emergency dispatcher stopped", "error", err)
			}
		}()
		go func() {
			worker := audit.NewWorker(auditStore, recorder.Inbox())
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit worker stopped", "error", err)
			}
		}()
		if cfg.Policy.Watch {
			go func() {
				if err := policy.Watch(ctx, cfg.Policy.Path, store, log); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("policy watcher stopped", "error", err)
				}
			}()
		}

		go func() {
			log.Info("companiond listening", "addr", cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("server error", "error", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	},
}

// buildAuditStore assembles the file segment store plus the optional
// postgres sink.
func buildAuditStore(cfg config.Config, log *slog.Logger) (audit.Store, func(), error) {
	fileStore, err := audit.NewFileStore(cfg.Audit.Dir, cfg.Audit.SegmentMaxBytes)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { _ = fileStore.Close() }}

	if cfg.Audit.PostgresDSN == "" {
		return fileStore, func() { closers[0]() }, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pg, err := audit.OpenPostgresStore(ctx, cfg.Audit.PostgresDSN)
	if err != nil {
		log.Warn("postgres audit sink unavailable, using file segments only", "error", err)
		return fileStore, func() { closers[0]() }, nil
	}
	closers = append(closers, func() { _ = pg.Close() })
	tee := audit.NewTee(fileStore, pg)
	return tee, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// buildRegistry wires the live adapter clients, or the dry-run recorder when
// configured.
func buildRegistry(cfg config.Config) adapters.Registry {
	if cfg.Adapters.DryRun {
		return dryrun.New().Registry()
	}
	return adapters.Registry{
		SmartHome: smarthome.New(cfg.Adapters.SmartHomeURL, cfg.Adapters.SmartHomeToken),
		Caller:    voicecall.New(cfg.Adapters.SIPURL, cfg.Adapters.SIPToken),
		Notifier:  notify.New(cfg.Adapters.NotifyURL, cfg.Adapters.NotifyToken),
		Speaker:   tts.New(cfg.Adapters.TTSURL),
		Video:     video.New(cfg.Adapters.VideoURL),
	}
}

// probeAdapters checks each gateway health endpoint and returns the names of
// the unreachable ones.
func probeAdapters(cfg config.Config) []string {
	if cfg.Adapters.DryRun {
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	targets := map[string]string{
		"smart_home": cfg.Adapters.SmartHomeURL,
		"call":       cfg.Adapters.SIPURL,
		"notify":     cfg.Adapters.NotifyURL,
		"tts":        cfg.Adapters.TTSURL,
		"video":      cfg.Adapters.VideoURL,
	}
	var down []string
	for name, base := range targets {
		if base == "" {
			continue
		}
		resp, err := client.Get(base + "/health")
		if err != nil {
			down = append(down, name)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 {
			down = append(down, name)
		}
	}
	return down
}
