package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/game"
	"github.com/barterhub/barterhub/internal/journal"
	"github.com/barterhub/barterhub/internal/protocol"
	"github.com/barterhub/barterhub/internal/signing"
)

type sent struct {
	recipient string
	msg       protocol.Message
}

// capture records outbound controller messages.
type capture struct {
	mu   sync.Mutex
	sent []sent
}

func (c *capture) Send(_ context.Context, recipient string, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sent{recipient: recipient, msg: msg})
	return nil
}

func (c *capture) byPerformative(p protocol.Performative) []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sent
	for _, s := range c.sent {
		if s.msg.Performative == p {
			out = append(out, s)
		}
	}
	return out
}

func (c *capture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func newTestService(t *testing.T, cfg Config) (*Service, *capture) {
	t.Helper()
	key, err := signing.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	out := &capture{}
	svc := NewService(cfg, key, journal.NewMemory(), out, zerolog.Nop())
	return svc, out
}

// runningService returns a service in the running phase over a fixed
// two-agent game.
func runningService(t *testing.T, fee float64) (*Service, *capture) {
	t.Helper()
	svc, out := newTestService(t, Config{MinAgents: 2})
	cfg := game.Configuration{
		NbAgents:   2,
		NbGoods:    2,
		TxFee:      fee,
		AgentIDs:   []string{"agent-a", "agent-b"},
		AgentNames: []string{"Alice", "Bob"},
		GoodIDs:    []string{"good_0", "good_1"},
		GoodNames:  []string{"Good 0", "Good 1"},
	}
	init := game.Initialization{
		Balances:      []float64{20, 20},
		Endowments:    [][]int{{3, 1}, {0, 1}},
		UtilityParams: [][]float64{{10, 5}, {10, 5}},
	}
	if err := svc.ledger.InitGame(context.Background(), cfg, init); err != nil {
		t.Fatalf("init game: %v", err)
	}
	svc.registered = map[string]string{"agent-a": "Alice", "agent-b": "Bob"}
	svc.names = map[string]string{"Alice": "agent-a", "Bob": "agent-b"}
	svc.phase = PhaseRunning
	svc.startedAt = time.Now()
	svc.lastActivity = svc.startedAt
	return svc, out
}

func errorCode(t *testing.T, err error) protocol.ErrorCode {
	t.Helper()
	var cerr *CodedError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected coded error, got %v", err)
	}
	return cerr.Code
}

func TestRegistrationFirstComeFirstServed(t *testing.T) {
	svc, _ := newTestService(t, Config{MinAgents: 2})
	ctx := context.Background()

	if err := svc.HandleRegister(ctx, "agent-a", protocol.RegisterPayload{Name: "Alice"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := svc.HandleRegister(ctx, "agent-a", protocol.RegisterPayload{Name: "Other"})
	if code := errorCode(t, err); code != protocol.ErrAgentAlreadyRegistered {
		t.Fatalf("duplicate identity code = %d", code)
	}

	err = svc.HandleRegister(ctx, "agent-b", protocol.RegisterPayload{Name: "Alice"})
	if code := errorCode(t, err); code != protocol.ErrAgentNameAlreadyTaken {
		t.Fatalf("duplicate name code = %d", code)
	}

	if err := svc.HandleRegister(ctx, "agent-b", protocol.RegisterPayload{Name: "Bob"}); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if len(svc.Registrants()) != 2 {
		t.Fatalf("registrants = %d, want 2", len(svc.Registrants()))
	}
}

func TestRegistrationWhitelist(t *testing.T) {
	svc, _ := newTestService(t, Config{MinAgents: 2, Whitelist: []string{"Alice"}})
	ctx := context.Background()

	if err := svc.HandleRegister(ctx, "agent-a", protocol.RegisterPayload{Name: "Alice"}); err != nil {
		t.Fatalf("whitelisted register: %v", err)
	}
	err := svc.HandleRegister(ctx, "agent-b", protocol.RegisterPayload{Name: "Mallory"})
	if code := errorCode(t, err); code != protocol.ErrAgentNameNotAllowed {
		t.Fatalf("whitelist code = %d", code)
	}
}

func TestUnregister(t *testing.T) {
	svc, _ := newTestService(t, Config{MinAgents: 2})
	ctx := context.Background()

	err := svc.HandleUnregister(ctx, "agent-a", protocol.UnregisterPayload{})
	if code := errorCode(t, err); code != protocol.ErrAgentNotRegistered {
		t.Fatalf("unregistered code = %d", code)
	}

	if err := svc.HandleRegister(ctx, "agent-a", protocol.RegisterPayload{Name: "Alice"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := svc.HandleUnregister(ctx, "agent-a", protocol.UnregisterPayload{}); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	// The name is free again.
	if err := svc.HandleRegister(ctx, "agent-b", protocol.RegisterPayload{Name: "Alice"}); err != nil {
		t.Fatalf("re-register name: %v", err)
	}
}

func TestQuorumNotReachedCancels(t *testing.T) {
	svc, out := newTestService(t, Config{MinAgents: 3})
	ctx := context.Background()

	_ = svc.HandleRegister(ctx, "agent-a", protocol.RegisterPayload{Name: "Alice"})
	_ = svc.HandleRegister(ctx, "agent-b", protocol.RegisterPayload{Name: "Bob"})

	if err := svc.StartCompetition(ctx); err == nil {
		t.Fatalf("expected quorum failure")
	}
	if svc.Phase() != PhasePostGame {
		t.Fatalf("phase = %s, want post_game", svc.Phase())
	}
	cancels := out.byPerformative(protocol.PerformativeCancelled)
	if len(cancels) != 2 {
		t.Fatalf("cancellations = %d, want 2", len(cancels))
	}
}

func TestStartCompetitionSendsGameData(t *testing.T) {
	svc, out := newTestService(t, Config{MinAgents: 2, Seed: 1})
	ctx := context.Background()

	_ = svc.HandleRegister(ctx, "agent-a", protocol.RegisterPayload{Name: "Alice"})
	_ = svc.HandleRegister(ctx, "agent-b", protocol.RegisterPayload{Name: "Bob"})

	if err := svc.StartCompetition(ctx); err != nil {
		t.Fatalf("start competition: %v", err)
	}
	if svc.Phase() != PhaseRunning {
		t.Fatalf("phase = %s, want running", svc.Phase())
	}

	datas := out.byPerformative(protocol.PerformativeGameData)
	if len(datas) != 2 {
		t.Fatalf("game data messages = %d, want 2", len(datas))
	}
	for _, s := range datas {
		p, err := protocol.DecodePayload[protocol.GameDataPayload](s.msg.Payload)
		if err != nil {
			t.Fatalf("decode game data: %v", err)
		}
		if p.NbAgents != 2 || len(p.Endowment) != p.NbGoods {
			t.Fatalf("unexpected game data: %+v", p)
		}
		if err := s.msg.Verify(); err != nil {
			t.Fatalf("game data not properly signed: %v", err)
		}
	}
}

func TestTransactionMatchingAndSettlement(t *testing.T) {
	svc, out := runningService(t, 0)
	ctx := context.Background()

	buyHalf := protocol.TransactionPayload{
		TransactionID: "tx-1",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	}
	sellHalf := protocol.TransactionPayload{
		TransactionID: "tx-1",
		SenderIsBuyer: false,
		Counterparty:  "agent-b",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	}

	if err := svc.HandleTransaction(ctx, "agent-b", buyHalf); err != nil {
		t.Fatalf("first half: %v", err)
	}
	if len(out.byPerformative(protocol.PerformativeTxConfirmation)) != 0 {
		t.Fatalf("confirmation before matching half")
	}
	if err := svc.HandleTransaction(ctx, "agent-a", sellHalf); err != nil {
		t.Fatalf("second half: %v", err)
	}

	confirmations := out.byPerformative(protocol.PerformativeTxConfirmation)
	if len(confirmations) != 2 {
		t.Fatalf("confirmations = %d, want 2", len(confirmations))
	}

	scores, err := svc.Scores()
	if err != nil {
		t.Fatalf("scores: %v", err)
	}
	// Seller: 29 balance + good_0 + good_1 utility. Buyer: 11 + both goods.
	if scores["agent-a"] != 29+10+5 {
		t.Fatalf("seller score = %v, want 44", scores["agent-a"])
	}
	if scores["agent-b"] != 11+10+5 {
		t.Fatalf("buyer score = %v, want 26", scores["agent-b"])
	}
}

func TestTransactionMismatchRejected(t *testing.T) {
	svc, _ := runningService(t, 0)
	ctx := context.Background()

	if err := svc.HandleTransaction(ctx, "agent-b", protocol.TransactionPayload{
		TransactionID: "tx-1",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	}); err != nil {
		t.Fatalf("first half: %v", err)
	}

	// Different amount on the second half.
	err := svc.HandleTransaction(ctx, "agent-a", protocol.TransactionPayload{
		TransactionID: "tx-1",
		SenderIsBuyer: false,
		Counterparty:  "agent-b",
		Amount:        8,
		Quantities:    map[string]int{"good_0": 1},
	})
	if code := errorCode(t, err); code != protocol.ErrTransactionNotMatching {
		t.Fatalf("mismatch code = %d", code)
	}

	// Same sender twice is not a match either.
	if err := svc.HandleTransaction(ctx, "agent-b", protocol.TransactionPayload{
		TransactionID: "tx-2",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	}); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	err = svc.HandleTransaction(ctx, "agent-b", protocol.TransactionPayload{
		TransactionID: "tx-2",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	})
	if code := errorCode(t, err); code != protocol.ErrTransactionNotMatching {
		t.Fatalf("same-sender code = %d", code)
	}

	// Both halves claiming the buyer side disagree on direction.
	if err := svc.HandleTransaction(ctx, "agent-b", protocol.TransactionPayload{
		TransactionID: "tx-3",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	}); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	err = svc.HandleTransaction(ctx, "agent-a", protocol.TransactionPayload{
		TransactionID: "tx-3",
		SenderIsBuyer: true,
		Counterparty:  "agent-b",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	})
	if code := errorCode(t, err); code != protocol.ErrTransactionNotMatching {
		t.Fatalf("direction mismatch code = %d", code)
	}

	// Different quantities on the second half.
	if err := svc.HandleTransaction(ctx, "agent-b", protocol.TransactionPayload{
		TransactionID: "tx-4",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	}); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	err = svc.HandleTransaction(ctx, "agent-a", protocol.TransactionPayload{
		TransactionID: "tx-4",
		SenderIsBuyer: false,
		Counterparty:  "agent-b",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 2},
	})
	if code := errorCode(t, err); code != protocol.ErrTransactionNotMatching {
		t.Fatalf("quantity mismatch code = %d", code)
	}
}

func TestTransactionInvalidAtFirstArrival(t *testing.T) {
	svc, _ := runningService(t, 0)
	ctx := context.Background()

	err := svc.HandleTransaction(ctx, "agent-b", protocol.TransactionPayload{
		TransactionID: "tx-1",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        1e6,
		Quantities:    map[string]int{"good_0": 1},
	})
	if code := errorCode(t, err); code != protocol.ErrTransactionNotValid {
		t.Fatalf("invalid code = %d", code)
	}
}

func TestUnmatchedTransactionExpires(t *testing.T) {
	svc, out := runningService(t, 0)
	svc.cfg.MatchTimeout = 10 * time.Millisecond
	ctx := context.Background()

	if err := svc.HandleTransaction(ctx, "agent-b", protocol.TransactionPayload{
		TransactionID: "tx-1",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        9,
		Quantities:    map[string]int{"good_0": 1},
	}); err != nil {
		t.Fatalf("first half: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		svc.monitor(ctx, stop)
		close(done)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	deadline := time.After(5 * time.Second)
	for {
		if errs := out.byPerformative(protocol.PerformativeError); len(errs) > 0 {
			if errs[0].recipient != "agent-b" {
				t.Fatalf("expiry notice sent to %s", errs[0].recipient)
			}
			p, err := protocol.DecodePayload[protocol.ErrorPayload](errs[0].msg.Payload)
			if err != nil {
				t.Fatalf("decode error payload: %v", err)
			}
			if p.Code != protocol.ErrTransactionNotMatching {
				t.Fatalf("expiry code = %d, want %d", p.Code, protocol.ErrTransactionNotMatching)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("buffered half never expired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	svc.mu.Lock()
	buffered := len(svc.pending)
	svc.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("pending pool still holds %d entries", buffered)
	}
}

func TestPhaseGating(t *testing.T) {
	svc, _ := newTestService(t, Config{MinAgents: 2})
	ctx := context.Background()

	err := svc.HandleTransaction(ctx, "agent-a", protocol.TransactionPayload{
		TransactionID: "tx-1",
		SenderIsBuyer: true,
		Counterparty:  "agent-b",
		Amount:        1,
		Quantities:    map[string]int{"good_0": 1},
	})
	if code := errorCode(t, err); code != protocol.ErrCompetitionNotRunning {
		t.Fatalf("pre-game transaction code = %d", code)
	}

	err = svc.HandleGetStateUpdate(ctx, "agent-a", protocol.GetStateUpdatePayload{})
	if code := errorCode(t, err); code != protocol.ErrCompetitionNotRunning {
		t.Fatalf("pre-game state update code = %d", code)
	}
}

func TestUnregisteredSenderRejected(t *testing.T) {
	svc, _ := runningService(t, 0)
	ctx := context.Background()

	err := svc.HandleTransaction(ctx, "agent-x", protocol.TransactionPayload{
		TransactionID: "tx-1",
		SenderIsBuyer: true,
		Counterparty:  "agent-a",
		Amount:        1,
		Quantities:    map[string]int{"good_0": 1},
	})
	if code := errorCode(t, err); code != protocol.ErrAgentNotRegistered {
		t.Fatalf("unregistered code = %d", code)
	}
}

func TestGetStateUpdateReplaysHistory(t *testing.T) {
	svc, out := runningService(t, 0)
	ctx := context.Background()

	halves := []struct {
		sender  string
		payload protocol.TransactionPayload
	}{
		{"agent-b", protocol.TransactionPayload{TransactionID: "tx-1", SenderIsBuyer: true, Counterparty: "agent-a", Amount: 9, Quantities: map[string]int{"good_0": 1}}},
		{"agent-a", protocol.TransactionPayload{TransactionID: "tx-1", SenderIsBuyer: false, Counterparty: "agent-b", Amount: 9, Quantities: map[string]int{"good_0": 1}}},
	}
	for _, h := range halves {
		if err := svc.HandleTransaction(ctx, h.sender, h.payload); err != nil {
			t.Fatalf("transaction %s: %v", h.sender, err)
		}
	}
	out.reset()

	if err := svc.HandleGetStateUpdate(ctx, "agent-b", protocol.GetStateUpdatePayload{}); err != nil {
		t.Fatalf("state update: %v", err)
	}
	updates := out.byPerformative(protocol.PerformativeStateUpdate)
	if len(updates) != 1 || updates[0].recipient != "agent-b" {
		t.Fatalf("updates = %+v", updates)
	}
	p, err := protocol.DecodePayload[protocol.StateUpdatePayload](updates[0].msg.Payload)
	if err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if p.GameData.Balance != 20 {
		t.Fatalf("game data balance = %v, want initial 20", p.GameData.Balance)
	}
	if len(p.Transactions) != 1 {
		t.Fatalf("replayed transactions = %d, want 1", len(p.Transactions))
	}
	tx := p.Transactions[0]
	if !tx.SenderIsBuyer || tx.Counterparty != "agent-a" || tx.Amount != 9 {
		t.Fatalf("replayed transaction = %+v", tx)
	}
}

func TestCancelBroadcastsOnce(t *testing.T) {
	svc, out := runningService(t, 0)
	ctx := context.Background()

	svc.Cancel(ctx)
	svc.Cancel(ctx)
	if got := len(out.byPerformative(protocol.PerformativeCancelled)); got != 2 {
		t.Fatalf("cancellations = %d, want 2 (one per agent)", got)
	}
	if svc.Phase() != PhasePostGame {
		t.Fatalf("phase = %s, want post_game", svc.Phase())
	}
}

func TestDispatcher(t *testing.T) {
	svc, out := newTestService(t, Config{MinAgents: 2})
	d := NewDispatcher(svc, zerolog.Nop())
	ctx := context.Background()

	agentKey, err := signing.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg, err := protocol.New(protocol.PerformativeRegister, protocol.RegisterPayload{Name: "Alice"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := msg.Sign(agentKey.Private()); err != nil {
		t.Fatalf("sign: %v", err)
	}

	// A tampered copy is dropped without any response.
	tampered := msg
	tampered.Nonce = "forged"
	d.HandleMessage(ctx, tampered)
	if len(svc.Registrants()) != 0 || len(out.sent) != 0 {
		t.Fatalf("tampered message processed")
	}

	d.HandleMessage(ctx, msg)
	if len(svc.Registrants()) != 1 {
		t.Fatalf("registration not processed")
	}

	// A duplicate registration produces a coded error response.
	msg2, err := protocol.New(protocol.PerformativeRegister, protocol.RegisterPayload{Name: "Again"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := msg2.Sign(agentKey.Private()); err != nil {
		t.Fatalf("sign: %v", err)
	}
	d.HandleMessage(ctx, msg2)

	errs := out.byPerformative(protocol.PerformativeError)
	if len(errs) != 1 || errs[0].recipient != agentKey.Identity() {
		t.Fatalf("error responses = %+v", errs)
	}
	p, err := protocol.DecodePayload[protocol.ErrorPayload](errs[0].msg.Payload)
	if err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != protocol.ErrAgentAlreadyRegistered {
		t.Fatalf("error code = %d, want %d", p.Code, protocol.ErrAgentAlreadyRegistered)
	}
}

func TestInactivityTermination(t *testing.T) {
	svc, out := runningService(t, 0)
	svc.cfg.InactivityTimeout = 10 * time.Millisecond
	svc.lastActivity = time.Now().Add(-time.Second)

	stop := make(chan struct{})
	go func() {
		svc.monitor(context.Background(), stop)
		close(stop)
	}()

	deadline := time.After(5 * time.Second)
	for {
		if svc.Phase() == PhasePostGame {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("monitor did not terminate the competition")
		case <-time.After(10 * time.Millisecond):
		}
	}
	<-stop
	if len(out.byPerformative(protocol.PerformativeCancelled)) != 2 {
		t.Fatalf("cancellations not broadcast")
	}
}
