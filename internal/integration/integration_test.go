package integration

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/agent"
	"github.com/barterhub/barterhub/internal/controller"
	"github.com/barterhub/barterhub/internal/discovery"
	"github.com/barterhub/barterhub/internal/journal"
	"github.com/barterhub/barterhub/internal/protocol"
	"github.com/barterhub/barterhub/internal/reservation"
	"github.com/barterhub/barterhub/internal/signing"
	"github.com/barterhub/barterhub/internal/transport"
)

type testAgent struct {
	engine *agent.Engine
	server *transport.Server
	dialer *transport.Dialer
}

func startController(t *testing.T, ctx context.Context, directory *discovery.Directory) (*controller.Service, *transport.Server) {
	t.Helper()
	key, err := signing.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dialer := transport.NewDialer(directory, zerolog.Nop())
	t.Cleanup(dialer.Close)

	svc := controller.NewService(controller.Config{MinAgents: 2, Seed: 42}, key, journal.NewMemory(), dialer, zerolog.Nop())
	dispatcher := controller.NewDispatcher(svc, zerolog.Nop())

	server := transport.NewServer(dispatcher, zerolog.Nop())
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(server.Shutdown)
	go func() { _ = server.Serve(ctx) }()

	if err := directory.Publish(ctx, discovery.Entry{
		Identity: svc.Identity(),
		Name:     "controller",
		Addr:     server.Addr(),
	}); err != nil {
		t.Fatalf("publish controller: %v", err)
	}
	return svc, server
}

func startAgent(t *testing.T, ctx context.Context, directory *discovery.Directory, controllerID, name string) *testAgent {
	t.Helper()
	key, err := signing.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	strategy, err := agent.NewBaseline("", agent.NewPriceModel(nil, 1))
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	reservations := reservation.NewManager(reservation.Config{}, zerolog.Nop())
	reservations.Start()
	t.Cleanup(reservations.Stop)

	dialer := transport.NewDialer(directory, zerolog.Nop())
	t.Cleanup(dialer.Close)

	engine := agent.NewEngine(key, controllerID, strategy, reservations, dialer, zerolog.Nop())

	server := transport.NewServer(transport.HandlerFunc(func(ctx context.Context, env protocol.Envelope) {
		msg, err := env.Open()
		if err != nil {
			return
		}
		_ = engine.HandleMessage(ctx, msg)
	}), zerolog.Nop())
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(server.Shutdown)
	go func() { _ = server.Serve(ctx) }()

	if err := directory.Publish(ctx, discovery.Entry{
		Identity: engine.Identity(),
		Name:     name,
		Addr:     server.Addr(),
	}); err != nil {
		t.Fatalf("publish agent: %v", err)
	}
	if err := engine.Register(ctx, name); err != nil {
		t.Fatalf("register: %v", err)
	}
	return &testAgent{engine: engine, server: server, dialer: dialer}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCompetitionLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	directory := discovery.NewDirectory()
	svc, _ := startController(t, ctx, directory)

	alice := startAgent(t, ctx, directory, svc.Identity(), "Alice")
	bob := startAgent(t, ctx, directory, svc.Identity(), "Bob")

	waitFor(t, 5*time.Second, "registrations", func() bool {
		return len(svc.Registrants()) == 2
	})

	if err := svc.StartCompetition(ctx); err != nil {
		t.Fatalf("start competition: %v", err)
	}
	waitFor(t, 5*time.Second, "game data delivery", func() bool {
		return alice.engine.Started() && bob.engine.Started()
	})

	// Crash-recovery query round-trips over the wire.
	if err := alice.engine.RequestStateUpdate(ctx); err != nil {
		t.Fatalf("request state update: %v", err)
	}
	waitFor(t, 5*time.Second, "state update", func() bool {
		return alice.engine.State() != nil
	})

	// Peers seek each other and may trade, depending on the drawn game.
	for _, a := range []*testAgent{alice, bob} {
		mm := agent.NewMatchmaker(a.engine, directory, time.Hour, zerolog.Nop())
		if err := mm.SeekOnce(ctx); err != nil {
			t.Fatalf("seek: %v", err)
		}
	}

	scores, err := svc.Scores()
	if err != nil {
		t.Fatalf("scores: %v", err)
	}
	if len(scores) != 2 {
		t.Fatalf("scores = %+v", scores)
	}

	svc.Cancel(ctx)
	waitFor(t, 5*time.Second, "cancellation", func() bool {
		return alice.engine.Stopped() && bob.engine.Stopped()
	})
}
