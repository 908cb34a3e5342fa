package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wajjih/AI-Voice-Assistant/internal/assistant"
	"github.com/wajjih/AI-Voice-Assistant/internal/config"
	"github.com/wajjih/AI-Voice-Assistant/internal/httpserver"
	"github.com/wajjih/AI-Voice-Assistant/internal/infra/storage"
	"github.com/wajjih/AI-Voice-Assistant/internal/logging"
	"github.com/wajjih/AI-Voice-Assistant/internal/plugins"
	"github.com/wajjih/AI-Voice-Assistant/internal/rtc"
	"github.com/wajjih/AI-Voice-Assistant/internal/token"
	"github.com/wajjih/AI-Voice-Assistant/internal/worker"
)

func newStartCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Register with LiveKit and serve voice assistant jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), flags, false)
		},
	}
}

func newDevCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dev",
		Short: "Like start, with debug logging to the console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), flags, true)
		},
	}
}

func newConnectCommand(flags *globalFlags) *cobra.Command {
	var room, identity string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join a room directly, without job dispatch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd.Context(), flags, room, identity)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "room to join")
	cmd.Flags().StringVar(&identity, "identity", "", "agent participant identity (default agent-<job id>)")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

// loadConfig reads .env and the environment once, then applies flag
// overrides. dev switches to debug console logging.
func loadConfig(flags *globalFlags, dev bool) (config.Config, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return config.Config{}, err
	}
	applyOverrides(&cfg, flags, dev)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, flags *globalFlags, dev bool) {
	if dev {
		cfg.LogFormat = "console"
		cfg.LogLevel = "debug"
	}
	if flags.url != "" {
		cfg.LiveKit.URL = flags.url
	}
	if flags.apiKey != "" {
		cfg.LiveKit.APIKey = flags.apiKey
	}
	if flags.apiSecret != "" {
		cfg.LiveKit.APISecret = flags.apiSecret
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
}

// setup builds the logger and the assistant shared by start, dev and connect.
func setup(flags *globalFlags, dev bool) (config.Config, *zap.Logger, *assistant.Assistant, error) {
	cfg, err := loadConfig(flags, dev)
	if err != nil {
		return cfg, nil, nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, log, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.LogSummary(log)

	set, err := plugins.Load(cfg, log)
	if err != nil {
		return cfg, log, nil, err
	}
	a := &assistant.Assistant{Plugins: set, GreetingDelay: cfg.GreetingDelay}
	if cfg.StorageEnabled() {
		store, err := storage.NewSupabaseStorage(storage.Config{
			URL:            cfg.Supabase.URL,
			ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
			Bucket:         cfg.Supabase.Bucket,
		})
		if err != nil {
			log.Warn("transcript storage disabled", zap.Error(err))
		} else {
			a.Store = store
		}
	}
	return cfg, log, a, nil
}

func runWorker(parent context.Context, flags *globalFlags, dev bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, a, err := setup(flags, dev)
	if log != nil {
		defer func() { _ = log.Sync() }()
	}
	if err != nil {
		return err
	}

	metrics := worker.NewMetrics("voice_agent")
	w, err := worker.New(worker.Options{
		URL:        cfg.LiveKit.URL,
		APIKey:     cfg.LiveKit.APIKey,
		APISecret:  cfg.LiveKit.APISecret,
		AgentName:  cfg.LiveKit.AgentName,
		Version:    Version,
		MaxJobs:    cfg.MaxJobs,
		Entrypoint: a.Entrypoint,
		Connector:  rtc.LiveKitConnector{Logger: log},
		Logger:     log,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	srv := httpserver.New(httpserver.Deps{
		LiveKitURL:     cfg.LiveKit.URL,
		Minter:         token.Minter{APIKey: cfg.LiveKit.APIKey, APISecret: cfg.LiveKit.APISecret},
		ProvidersReady: cfg.Validate,
		AuthPassword:   cfg.AuthPassword,
		Worker:         w,
		Metrics:        metrics.Handler(),
		Logger:         log,
	})

	log.Info("starting voice agent", zap.String("version", Version), zap.Bool("dev", dev))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.HTTPAddress) })
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("voice agent stopped")
	return nil
}

func runConnect(parent context.Context, flags *globalFlags, room, identity string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, log, a, err := setup(flags, false)
	if log != nil {
		defer func() { _ = log.Sync() }()
	}
	if err != nil {
		return err
	}

	jobID := "local-" + uuid.NewString()[:8]
	if identity == "" {
		identity = "agent-" + jobID
	}
	name := cfg.LiveKit.AgentName
	if name == "" {
		name = "assistant"
	}
	minter := token.Minter{APIKey: cfg.LiveKit.APIKey, APISecret: cfg.LiveKit.APISecret}
	jwt, err := minter.AgentJoinToken(room, identity, name)
	if err != nil {
		return err
	}

	job := &livekit.Job{Id: jobID, Type: livekit.JobType_JT_ROOM, Room: &livekit.Room{Name: room}}
	jc := worker.NewJobContext(job, cfg.LiveKit.URL, jwt, rtc.LiveKitConnector{Logger: log}, log)
	return worker.RunJob(ctx, jc, a.Entrypoint)
}
