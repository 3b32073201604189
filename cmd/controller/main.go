package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/api/httpapi"
	"github.com/barterhub/barterhub/internal/config"
	"github.com/barterhub/barterhub/internal/controller"
	"github.com/barterhub/barterhub/internal/discovery"
	"github.com/barterhub/barterhub/internal/infrastructure/postgres"
	"github.com/barterhub/barterhub/internal/infrastructure/sse"
	"github.com/barterhub/barterhub/internal/journal"
	"github.com/barterhub/barterhub/internal/signing"
	"github.com/barterhub/barterhub/internal/transport"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadController()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	key, err := signing.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		log.Fatalf("key error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		ledger    controller.Ledger
		node      *journal.Node
		raftStats func() map[string]string
	)
	if cfg.RaftEnabled {
		node, err = journal.NewNode(journal.Config{
			NodeID:    cfg.RaftNodeID,
			RaftAddr:  cfg.RaftAddr,
			DataDir:   cfg.RaftDataDir,
			Bootstrap: true,
		})
		if err != nil {
			log.Fatalf("journal error: %v", err)
		}
		defer func() { _ = node.Shutdown() }()
		leaderCtx, leaderCancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := node.WaitForLeader(leaderCtx, 150*time.Millisecond); err != nil {
			leaderCancel()
			log.Fatalf("journal leader error: %v", err)
		}
		leaderCancel()
		ledger = node
		raftStats = node.Stats
	} else {
		ledger = journal.NewMemory()
	}

	var results *postgres.ResultsRepository
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			log.Fatalf("migration error: %v", err)
		}
		results = postgres.NewResultsRepository(pool)
	}

	directory := discovery.NewDirectory()
	dialer := transport.NewDialer(directory, logger)
	defer dialer.Close()

	svc := controller.NewService(controller.Config{
		MinAgents:           cfg.MinAgents,
		RegistrationTimeout: cfg.RegistrationTimeout,
		InactivityTimeout:   cfg.InactivityTimeout,
		CompetitionTimeout:  cfg.CompetitionTimeout,
		MatchTimeout:        cfg.MatchTimeout,
		Whitelist:           cfg.Whitelist,
		Seed:                cfg.Seed,
	}, key, ledger, dialer, logger)
	dispatcher := controller.NewDispatcher(svc, logger)

	msgServer := transport.NewServer(dispatcher, logger)
	if err := msgServer.Listen(cfg.ListenAddr); err != nil {
		log.Fatalf("listen error: %v", err)
	}
	defer msgServer.Shutdown()
	go func() {
		if err := msgServer.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("message server failed")
		}
	}()

	if err := directory.Publish(ctx, discovery.Entry{
		Identity: svc.Identity(),
		Name:     "controller",
		Addr:     msgServer.Addr(),
	}); err != nil {
		log.Fatalf("directory error: %v", err)
	}

	events := sse.NewHub()
	defer events.Stop()
	svc.SetEventSink(events)

	svc.Start(ctx)
	defer svc.Stop()

	if results != nil {
		go archiveWhenFinished(ctx, svc, results, logger)
	}

	apiServer := httpapi.NewServer(svc, directory, events, results, raftStats)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info().
			Str("http_addr", cfg.HTTPAddr).
			Str("listen_addr", msgServer.Addr()).
			Str("identity", svc.Identity()).
			Msg("controller started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// archiveWhenFinished stores the final game once the competition ends.
func archiveWhenFinished(ctx context.Context, svc *controller.Service, results *postgres.ResultsRepository, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if svc.Phase() != controller.PhasePostGame {
			continue
		}
		dump, err := svc.GameDump()
		if err != nil {
			// Cancelled before the game was generated, nothing to store.
			return
		}
		scores, err := svc.Scores()
		if err != nil {
			logger.Error().Err(err).Msg("reading final scores failed")
			return
		}
		record := postgres.CompetitionRecord{
			ID:          uuid.NewString(),
			StartedAt:   svc.StartedAt(),
			EndedAt:     time.Now().UTC(),
			Game:        dump,
			Scores:      scores,
			Registrants: svc.Registrants(),
		}
		if err := results.Save(ctx, record); err != nil {
			logger.Error().Err(err).Msg("archiving competition failed")
			return
		}
		logger.Info().Str("competition", record.ID).Msg("competition archived")
		return
	}
}
