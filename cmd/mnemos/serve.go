package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mnemos/internal/config"
	"mnemos/internal/crypto"
	"mnemos/internal/embedding"
	"mnemos/internal/heartbeat"
	"mnemos/internal/ingest"
	"mnemos/internal/jobs"
	"mnemos/internal/llm"
	"mnemos/internal/logging"
	"mnemos/internal/scheduler"
	"mnemos/internal/search"
	"mnemos/internal/server"
	"mnemos/internal/session"
	"mnemos/internal/shield"
	"mnemos/internal/store"
	"mnemos/internal/synthesis"
	"mnemos/internal/testament"
	"mnemos/internal/vault"
	"mnemos/internal/vector"
)

const (
	ingestWorkers   = 2
	embedRetryBatch = 50
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Mnemos server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if devLog {
			cfg.Logging.DevMode = true
		}
		if err := logging.Configure(cfg.Logging.Level, cfg.Logging.DevMode); err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.Get(logging.CategoryBoot)

	if cfg.JWTSecret == "" {
		// Ephemeral per-process secret; restart invalidates outstanding
		// tokens, which is acceptable for a single-user local service.
		raw, err := crypto.RandomBytes(32)
		if err != nil {
			return err
		}
		cfg.JWTSecret = base64.StdEncoding.EncodeToString(raw)
		log.Infow("generated ephemeral jwt secret")
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return err
	}
	vs, err := vector.New(st.DB(), eng.Name(), eng.Dimensions())
	if err != nil {
		return err
	}

	sess := session.New(config.Duration(cfg.SessionIdleLock), nil)
	stopIdle := sess.StartIdleWatch(time.Minute)
	defer stopIdle()

	vlt, err := vault.New(cfg.VaultRoot)
	if err != nil {
		return err
	}
	conv := vault.NewConverter(cfg.Convert)
	aud := vault.NewAuditor(vlt, st)

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return err
	}
	synth := synthesis.New(st, vs, llmClient, sess)

	pool := jobs.NewPool(ingestWorkers, cfg.MaxPendingJobs)
	pool.Start(ctx)

	pipe := ingest.NewPipeline(st, vs, eng, llmClient, synth, sess)
	orch := ingest.NewOrchestrator(st, vlt, conv, sess, pool, pipe,
		cfg.MaxUploadBytes, cfg.Convert.KeepOriginals)

	var dispatcher heartbeat.Dispatcher
	if d := heartbeat.NewSMTPDispatcher(cfg.SMTP, cfg.Heartbeat.AlertEmail); d != nil {
		dispatcher = d
	}
	hb := heartbeat.New(st, cfg.Heartbeat, dispatcher, nil)
	tst := testament.New(st, sess)
	shl := shield.New(st, vs, sess, func(ctx context.Context) {
		if err := hb.RecordUnlock(ctx); err != nil {
			log.Warnw("heartbeat check-in on unlock failed", "error", err)
		}
	})

	sched := scheduler.New(st, nil, cfg.Loops.MaxFailures)
	if err := registerLoops(ctx, sched, cfg, hb, aud, pipe, synth, st, sess); err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv := server.New(server.Deps{
		Config:       cfg,
		Store:        st,
		Vault:        vlt,
		Auditor:      aud,
		Session:      sess,
		Shield:       shl,
		Orchestrator: orch,
		Pipeline:     pipe,
		Searcher:     search.New(st, vs, eng, sess),
		Heartbeat:    hb,
		Testament:    tst,
		Pool:         pool,
		LLM:          llmClient,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Run() }()
	log.Infow("mnemos listening", "addr", cfg.ListenAddr, "version", version)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case sig := <-sigc:
		log.Infow("shutting down", "signal", sig.String())
	case <-ctx.Done():
		log.Infow("shutting down", "reason", "context cancelled")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warnw("server shutdown", "error", err)
	}
	sched.Stop()
	if err := pool.Shutdown(shutCtx); err != nil {
		log.Warnw("job pool shutdown", "error", err)
	}
	sess.Lock()
	return nil
}

func registerLoops(ctx context.Context, sched *scheduler.Scheduler, cfg *config.Config,
	hb *heartbeat.Service, aud *vault.Auditor, pipe *ingest.Pipeline,
	synth *synthesis.Synthesizer, st *store.LocalStore, sess *session.Session) error {

	log := logging.Get(logging.CategoryScheduler)

	loops := []scheduler.Loop{
		{
			Name:    "heartbeat_tick",
			Cadence: config.Duration(cfg.Loops.HeartbeatTick),
			Run: func(ctx context.Context) error {
				n, err := hb.Tick(ctx)
				if n > 0 {
					log.Infow("heartbeat alerts dispatched", "count", n)
				}
				return err
			},
		},
		{
			Name:    "vault_audit",
			Cadence: config.Duration(cfg.Loops.VaultAudit),
			Run: func(ctx context.Context) error {
				findings, err := aud.Run(ctx)
				if err != nil {
					return err
				}
				if len(findings) > 0 {
					log.Warnw("vault audit found problems", "count", len(findings))
				}
				return nil
			},
		},
		{
			Name:    "embed_retry",
			Cadence: config.Duration(cfg.Loops.EmbedRetry),
			Run: func(ctx context.Context) error {
				if !sess.Unlocked() {
					return nil
				}
				return pipe.RetryParked(ctx, embedRetryBatch)
			},
		},
		{
			Name:    "connection_sweep",
			Cadence: config.Duration(cfg.Loops.ConnectionSweep),
			Run: func(ctx context.Context) error {
				return connectionSweep(ctx, st, sess, synth)
			},
		},
	}
	for _, l := range loops {
		if err := sched.Register(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// connectionSweep runs synthesis over memories the model has not seen yet.
// It bails quietly when the vault is locked; keys come back on next unlock.
func connectionSweep(ctx context.Context, st *store.LocalStore, sess *session.Session,
	synth *synthesis.Synthesizer) error {
	if !sess.Unlocked() {
		return nil
	}
	ids, err := st.ListMemoryIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sess.Unlocked() {
			return nil
		}
		done, err := st.HasModelConnections(ctx, id, synth.Provenance())
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if _, err := synth.Synthesize(ctx, id); err != nil {
			logging.Get(logging.CategoryScheduler).Warnw("synthesis failed",
				"memory", id, "error", err)
		}
	}
	return nil
}
