package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/agent"
	"github.com/barterhub/barterhub/internal/config"
	"github.com/barterhub/barterhub/internal/discovery"
	"github.com/barterhub/barterhub/internal/protocol"
	"github.com/barterhub/barterhub/internal/reservation"
	"github.com/barterhub/barterhub/internal/signing"
	"github.com/barterhub/barterhub/internal/transport"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	key, err := signing.LoadOrGenerate(cfg.KeyFile)
	if err != nil {
		log.Fatalf("key error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directory := discovery.NewHTTPClient(cfg.ControllerURL)
	controllerID := cfg.ControllerIdentity
	if controllerID == "" {
		controllerID, err = waitForController(ctx, directory)
		if err != nil {
			log.Fatalf("controller discovery error: %v", err)
		}
	}

	strategy, err := agent.NewBaseline(cfg.AcceptancePolicy, agent.NewPriceModel(nil, cfg.PriceScale))
	if err != nil {
		log.Fatalf("strategy error: %v", err)
	}

	reservations := reservation.NewManager(reservation.Config{}, logger)
	reservations.Start()
	defer reservations.Stop()

	dialer := transport.NewDialer(directory, logger)
	defer dialer.Close()

	engine := agent.NewEngine(key, controllerID, strategy, reservations, dialer, logger)

	msgServer := transport.NewServer(transport.HandlerFunc(func(ctx context.Context, env protocol.Envelope) {
		msg, err := env.Open()
		if err != nil {
			logger.Warn().Err(err).Msg("dropping undecodable envelope")
			return
		}
		if err := engine.HandleMessage(ctx, msg); err != nil {
			logger.Warn().Err(err).Msg("message handling failed")
		}
	}), logger)
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
		Identity: engine.Identity(),
		Name:     cfg.Name,
		Addr:     msgServer.Addr(),
	}); err != nil {
		log.Fatalf("directory error: %v", err)
	}
	defer func() {
		withdrawCtx, withdrawCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer withdrawCancel()
		_ = directory.Withdraw(withdrawCtx, engine.Identity())
	}()

	if err := engine.Register(ctx, cfg.Name); err != nil {
		log.Fatalf("register error: %v", err)
	}
	logger.Info().
		Str("name", cfg.Name).
		Str("identity", engine.Identity()).
		Str("listen_addr", msgServer.Addr()).
		Msg("agent registered")

	matchmaker := agent.NewMatchmaker(engine, directory, cfg.SeekInterval, logger)
	go matchmaker.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if engine.Stopped() {
				if state := engine.State(); state != nil {
					logger.Info().Float64("score", state.Score()).Msg("competition over")
				} else {
					logger.Info().Msg("competition over")
				}
				return
			}
		}
	}
}

// waitForController polls the controller's health endpoint until it
// reports its wire identity.
func waitForController(ctx context.Context, directory *discovery.HTTPClient) (string, error) {
	deadline := time.Now().Add(30 * time.Second)
	for {
		identity, err := directory.ControllerIdentity(ctx)
		if err == nil {
			return identity, nil
		}
		if time.Now().After(deadline) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
