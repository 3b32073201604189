// Package controller implements the authoritative competition service:
// registration, game bootstrap, two-sided transaction matching, atomic
// settlement and crash-recovery state queries.
package controller

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/game"
	"github.com/barterhub/barterhub/internal/protocol"
	"github.com/barterhub/barterhub/internal/signing"
)

// Phase is the competition lifecycle stage.
type Phase int

const (
	PhasePreGame Phase = iota
	PhaseSetup
	PhaseRunning
	PhasePostGame
)

func (p Phase) String() string {
	switch p {
	case PhasePreGame:
		return "pre_game"
	case PhaseSetup:
		return "setup"
	case PhaseRunning:
		return "running"
	default:
		return "post_game"
	}
}

// Ledger is the durable settlement log behind the authoritative game.
type Ledger interface {
	InitGame(ctx context.Context, cfg game.Configuration, init game.Initialization) error
	Settle(ctx context.Context, tx game.Transaction) error
	// View runs f against the current game under the ledger's lock.
	// f must not retain the game.
	View(f func(g *game.Game) error) error
}

// Sender delivers signed messages to agents.
type Sender interface {
	Send(ctx context.Context, recipient string, msg protocol.Message) error
}

// EventSink receives competition lifecycle notifications.
type EventSink interface {
	Broadcast(eventType string, payload any)
}

// CodedError carries a protocol error code back to the requesting agent.
type CodedError struct {
	Code   protocol.ErrorCode
	Detail string
}

func (e *CodedError) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Detail)
}

func coded(code protocol.ErrorCode, detail string) *CodedError {
	return &CodedError{Code: code, Detail: detail}
}

// Config tunes one competition run.
type Config struct {
	MinAgents           int
	RegistrationTimeout time.Duration
	InactivityTimeout   time.Duration
	CompetitionTimeout  time.Duration
	MatchTimeout        time.Duration
	Whitelist           []string
	GeneratorParams     game.GeneratorParams
	Seed                int64
}

func (c Config) normalized() Config {
	if c.MinAgents < 2 {
		c.MinAgents = 2
	}
	if c.RegistrationTimeout <= 0 {
		c.RegistrationTimeout = 20 * time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 60 * time.Second
	}
	if c.CompetitionTimeout <= 0 {
		c.CompetitionTimeout = 240 * time.Second
	}
	if c.MatchTimeout <= 0 {
		c.MatchTimeout = 30 * time.Second
	}
	if c.GeneratorParams == (game.GeneratorParams{}) {
		c.GeneratorParams = game.DefaultGeneratorParams()
	}
	return c
}

type pendingTx struct {
	sender  string
	tx      game.Transaction
	addedAt time.Time
}

// Service is the competition controller.
type Service struct {
	mu           sync.Mutex
	cfg          Config
	key          *signing.Keypair
	ledger       Ledger
	sender       Sender
	logger       zerolog.Logger
	phase        Phase
	registered   map[string]string // identity -> name
	names        map[string]string // name -> identity
	whitelist    map[string]struct{}
	pending      map[string]pendingTx
	events       EventSink
	rng          *rand.Rand
	startedAt    time.Time
	lastActivity time.Time
	stop         chan struct{}
	done         chan struct{}
}

// NewService creates a controller service.
func NewService(cfg Config, key *signing.Keypair, ledger Ledger, sender Sender, logger zerolog.Logger) *Service {
	cfg = cfg.normalized()
	var whitelist map[string]struct{}
	if len(cfg.Whitelist) > 0 {
		whitelist = make(map[string]struct{}, len(cfg.Whitelist))
		for _, name := range cfg.Whitelist {
			whitelist[name] = struct{}{}
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Service{
		cfg:        cfg,
		key:        key,
		ledger:     ledger,
		sender:     sender,
		logger:     logger.With().Str("service", "controller").Logger(),
		phase:      PhasePreGame,
		registered: make(map[string]string),
		names:      make(map[string]string),
		whitelist:  whitelist,
		pending:    make(map[string]pendingTx),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Identity returns the controller's wire identity.
func (s *Service) Identity() string { return s.key.Identity() }

// SetEventSink attaches an optional lifecycle event sink. Must be called
// during wiring, before any request is handled.
func (s *Service) SetEventSink(sink EventSink) {
	s.events = sink
}

func (s *Service) emit(eventType string, payload any) {
	if s.events != nil {
		s.events.Broadcast(eventType, payload)
	}
}

// Phase returns the current lifecycle stage.
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// StartedAt returns when the running phase began. Zero before that.
func (s *Service) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Registrants returns the registered identities keyed to display names.
func (s *Service) Registrants() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.registered))
	for id, name := range s.registered {
		out[id] = name
	}
	return out
}

// GameDump exports the authoritative game.
func (s *Service) GameDump() (game.Dump, error) {
	var dump game.Dump
	err := s.ledger.View(func(g *game.Game) error {
		if g == nil {
			return fmt.Errorf("game not initialized")
		}
		dump = g.Dump()
		return nil
	})
	return dump, err
}

// Scores returns current scores keyed by identity.
func (s *Service) Scores() (map[string]float64, error) {
	var scores map[string]float64
	err := s.ledger.View(func(g *game.Game) error {
		if g == nil {
			return fmt.Errorf("game not initialized")
		}
		scores = g.Scores()
		return nil
	})
	return scores, err
}

// Start opens registration, then bootstraps the competition once the
// registration window closes, and monitors for termination.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	window := s.cfg.RegistrationTimeout
	s.mu.Unlock()

	go func() {
		defer close(done)
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.StartCompetition(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("competition not started")
			return
		}
		s.monitor(ctx, stop)
	}()
}

// Stop halts background work.
func (s *Service) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Service) monitor(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.phase != PhaseRunning {
				s.mu.Unlock()
				return
			}
			now := time.Now()
			stale := s.evictStalePendingLocked(now)
			inactive := now.Sub(s.lastActivity) >= s.cfg.InactivityTimeout
			expired := now.Sub(s.startedAt) >= s.cfg.CompetitionTimeout
			s.mu.Unlock()
			for _, p := range stale {
				s.logger.Warn().Str("tx", p.tx.ID).Str("sender", p.sender).Msg("matching half never arrived")
				s.replyError(ctx, p.sender, protocol.ErrTransactionNotMatching, p.tx.ID)
			}
			if inactive || expired {
				reason := "inactivity"
				if expired {
					reason = "competition timeout"
				}
				s.logger.Info().Str("reason", reason).Msg("terminating competition")
				s.Cancel(ctx)
				return
			}
		}
	}
}

// HandleRegister admits one agent on a first-come first-served basis.
func (s *Service) HandleRegister(_ context.Context, sender string, p protocol.RegisterPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhasePreGame {
		return coded(protocol.ErrCompetitionNotRunning, "registration closed")
	}
	if p.Name == "" {
		return coded(protocol.ErrRequestNotValid, "name is required")
	}
	if s.whitelist != nil {
		if _, ok := s.whitelist[p.Name]; !ok {
			return coded(protocol.ErrAgentNameNotAllowed, p.Name)
		}
	}
	if _, ok := s.registered[sender]; ok {
		return coded(protocol.ErrAgentAlreadyRegistered, "")
	}
	if _, ok := s.names[p.Name]; ok {
		return coded(protocol.ErrAgentNameAlreadyTaken, p.Name)
	}
	s.registered[sender] = p.Name
	s.names[p.Name] = sender
	s.logger.Info().Str("name", p.Name).Int("registered", len(s.registered)).Msg("agent registered")
	s.emit("agent_registered", map[string]any{"name": p.Name})
	return nil
}

// HandleUnregister withdraws one agent during the registration window.
func (s *Service) HandleUnregister(_ context.Context, sender string, _ protocol.UnregisterPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhasePreGame {
		return coded(protocol.ErrCompetitionNotRunning, "registration closed")
	}
	name, ok := s.registered[sender]
	if !ok {
		return coded(protocol.ErrAgentNotRegistered, "")
	}
	delete(s.registered, sender)
	delete(s.names, name)
	s.logger.Info().Str("name", name).Msg("agent unregistered")
	return nil
}

// StartCompetition checks the quorum, generates the game and sends every
// participant its private game data. Below quorum the competition is
// cancelled instead.
func (s *Service) StartCompetition(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhasePreGame {
		s.mu.Unlock()
		return fmt.Errorf("competition already started")
	}
	if len(s.registered) < s.cfg.MinAgents {
		registered := len(s.registered)
		s.phase = PhasePostGame
		recipients := s.registeredIDsLocked()
		s.mu.Unlock()
		s.logger.Warn().Int("registered", registered).Int("min", s.cfg.MinAgents).Msg("quorum not reached, cancelling")
		s.broadcastCancelled(ctx, recipients)
		return fmt.Errorf("quorum not reached: %d of %d", registered, s.cfg.MinAgents)
	}
	s.phase = PhaseSetup

	ids := s.registeredIDsLocked()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = s.registered[id]
	}
	cfg, init, err := game.Generate(s.cfg.GeneratorParams, ids, names, s.rng)
	if err != nil {
		s.phase = PhasePreGame
		s.mu.Unlock()
		return fmt.Errorf("generate game: %w", err)
	}
	s.mu.Unlock()

	if err := s.ledger.InitGame(ctx, cfg, init); err != nil {
		s.mu.Lock()
		s.phase = PhasePreGame
		s.mu.Unlock()
		return fmt.Errorf("init game: %w", err)
	}

	for _, id := range ids {
		data, err := s.gameDataFor(id)
		if err != nil {
			return err
		}
		if err := s.reply(ctx, id, protocol.PerformativeGameData, data); err != nil {
			s.logger.Error().Err(err).Str("agent", id).Msg("sending game data failed")
		}
	}

	s.mu.Lock()
	s.phase = PhaseRunning
	s.startedAt = time.Now()
	s.lastActivity = s.startedAt
	s.mu.Unlock()
	s.logger.Info().Int("agents", len(ids)).Msg("competition running")
	s.emit("competition_started", map[string]any{"agents": len(ids)})
	return nil
}

// evictStalePendingLocked removes buffered halves whose counterpart did
// not arrive within the match timeout. Callers hold s.mu.
func (s *Service) evictStalePendingLocked(now time.Time) []pendingTx {
	var stale []pendingTx
	for id, p := range s.pending {
		if now.Sub(p.addedAt) >= s.cfg.MatchTimeout {
			delete(s.pending, id)
			stale = append(stale, p)
		}
	}
	return stale
}

// registeredIDsLocked returns registrants in deterministic order.
func (s *Service) registeredIDsLocked() []string {
	ids := make([]string, 0, len(s.registered))
	for id := range s.registered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandleTransaction buffers the first half of a trade and settles on the
// matching second half.
func (s *Service) HandleTransaction(ctx context.Context, sender string, p protocol.TransactionPayload) error {
	s.mu.Lock()
	if s.phase != PhaseRunning {
		s.mu.Unlock()
		return coded(protocol.ErrCompetitionNotRunning, "")
	}
	if _, ok := s.registered[sender]; !ok {
		s.mu.Unlock()
		return coded(protocol.ErrAgentNotRegistered, "")
	}
	s.lastActivity = time.Now()

	tx := transactionFromPayload(sender, p)
	if err := tx.Validate(); err != nil {
		s.mu.Unlock()
		return coded(protocol.ErrTransactionNotValid, err.Error())
	}

	first, ok := s.pending[tx.ID]
	if !ok {
		// First arrival: validate against authoritative state, then buffer.
		if err := s.isValid(tx); err != nil {
			s.mu.Unlock()
			return coded(protocol.ErrTransactionNotValid, err.Error())
		}
		s.pending[tx.ID] = pendingTx{sender: sender, tx: tx, addedAt: time.Now()}
		s.mu.Unlock()
		s.logger.Debug().Str("tx", tx.ID).Str("sender", sender).Msg("transaction buffered")
		return nil
	}
	delete(s.pending, tx.ID)

	if first.sender == sender || !first.tx.Equal(tx) {
		s.mu.Unlock()
		return coded(protocol.ErrTransactionNotMatching, tx.ID)
	}

	if err := s.isValid(tx); err != nil {
		s.mu.Unlock()
		s.replyError(ctx, first.sender, protocol.ErrTransactionNotValid, err.Error())
		return coded(protocol.ErrTransactionNotValid, err.Error())
	}
	if err := s.ledger.Settle(ctx, tx); err != nil {
		s.mu.Unlock()
		s.replyError(ctx, first.sender, protocol.ErrTransactionNotValid, err.Error())
		return coded(protocol.ErrTransactionNotValid, err.Error())
	}
	s.mu.Unlock()

	s.logger.Info().Str("tx", tx.ID).Float64("amount", tx.Amount).Msg("transaction settled")
	s.emit("transaction_settled", map[string]any{"tx_id": tx.ID, "amount": tx.Amount})
	confirmation := protocol.TxConfirmationPayload{TransactionID: tx.ID}
	for _, id := range []string{tx.Buyer, tx.Seller} {
		if err := s.reply(ctx, id, protocol.PerformativeTxConfirmation, confirmation); err != nil {
			s.logger.Error().Err(err).Str("agent", id).Msg("sending confirmation failed")
		}
	}
	return nil
}

// isValid checks a candidate against controller state only. Callers hold s.mu.
func (s *Service) isValid(tx game.Transaction) error {
	return s.ledger.View(func(g *game.Game) error {
		if g == nil {
			return fmt.Errorf("game not initialized")
		}
		return g.IsValid(tx)
	})
}

// HandleGetStateUpdate replays one agent's history for crash recovery.
func (s *Service) HandleGetStateUpdate(ctx context.Context, sender string, _ protocol.GetStateUpdatePayload) error {
	s.mu.Lock()
	if s.phase != PhaseRunning {
		s.mu.Unlock()
		return coded(protocol.ErrCompetitionNotRunning, "")
	}
	if _, ok := s.registered[sender]; !ok {
		s.mu.Unlock()
		return coded(protocol.ErrAgentNotRegistered, "")
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	data, err := s.gameDataFor(sender)
	if err != nil {
		return err
	}
	var history []game.Transaction
	if err := s.ledger.View(func(g *game.Game) error {
		history = g.TransactionsFor(sender)
		return nil
	}); err != nil {
		return err
	}
	update := protocol.StateUpdatePayload{GameData: data}
	for _, tx := range history {
		update.Transactions = append(update.Transactions, payloadFromTransaction(sender, tx))
	}
	return s.reply(ctx, sender, protocol.PerformativeStateUpdate, update)
}

// Cancel terminates the competition and notifies every participant.
func (s *Service) Cancel(ctx context.Context) {
	s.mu.Lock()
	if s.phase == PhasePostGame {
		s.mu.Unlock()
		return
	}
	s.phase = PhasePostGame
	recipients := s.registeredIDsLocked()
	s.mu.Unlock()
	s.emit("competition_cancelled", nil)
	s.broadcastCancelled(ctx, recipients)
}

func (s *Service) broadcastCancelled(ctx context.Context, recipients []string) {
	for _, id := range recipients {
		if err := s.reply(ctx, id, protocol.PerformativeCancelled, protocol.CancelledPayload{}); err != nil {
			s.logger.Error().Err(err).Str("agent", id).Msg("sending cancellation failed")
		}
	}
}

// gameDataFor builds one agent's private view of the initial allocation.
func (s *Service) gameDataFor(agentID string) (protocol.GameDataPayload, error) {
	var data protocol.GameDataPayload
	err := s.ledger.View(func(g *game.Game) error {
		if g == nil {
			return fmt.Errorf("game not initialized")
		}
		cfg := g.Configuration()
		init := g.Initialization()
		idx := -1
		for i, id := range cfg.AgentIDs {
			if id == agentID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("agent %s not in game", agentID)
		}
		endowment := make(map[string]int, cfg.NbGoods)
		utility := make(map[string]float64, cfg.NbGoods)
		goodNames := make(map[string]string, cfg.NbGoods)
		for gi, goodID := range cfg.GoodIDs {
			endowment[goodID] = init.Endowments[idx][gi]
			utility[goodID] = init.UtilityParams[idx][gi]
			goodNames[goodID] = cfg.GoodNames[gi]
		}
		agentNames := make(map[string]string, cfg.NbAgents)
		for ai, id := range cfg.AgentIDs {
			agentNames[id] = cfg.AgentNames[ai]
		}
		data = protocol.GameDataPayload{
			Balance:       init.Balances[idx],
			Endowment:     endowment,
			UtilityParams: utility,
			NbAgents:      cfg.NbAgents,
			NbGoods:       cfg.NbGoods,
			TxFee:         cfg.TxFee,
			AgentNames:    agentNames,
			GoodNames:     goodNames,
		}
		return nil
	})
	return data, err
}

func (s *Service) reply(ctx context.Context, recipient string, performative protocol.Performative, payload any) error {
	msg, err := protocol.New(performative, payload)
	if err != nil {
		return err
	}
	if err := msg.Sign(s.key.Private()); err != nil {
		return err
	}
	return s.sender.Send(ctx, recipient, msg)
}

func (s *Service) replyError(ctx context.Context, recipient string, code protocol.ErrorCode, detail string) {
	details := map[string]string{}
	if detail != "" {
		details["detail"] = detail
	}
	if err := s.reply(ctx, recipient, protocol.PerformativeError, protocol.NewErrorPayload(code, details)); err != nil {
		s.logger.Error().Err(err).Str("agent", recipient).Msg("sending error failed")
	}
}

// transactionFromPayload normalizes one trade half to buyer/seller form.
func transactionFromPayload(sender string, p protocol.TransactionPayload) game.Transaction {
	buyer, seller := sender, p.Counterparty
	if !p.SenderIsBuyer {
		buyer, seller = p.Counterparty, sender
	}
	return game.Transaction{
		ID:         p.TransactionID,
		Buyer:      buyer,
		Seller:     seller,
		Amount:     p.Amount,
		Quantities: p.Quantities,
	}
}

// payloadFromTransaction renders a settled trade relative to a recipient.
func payloadFromTransaction(recipient string, tx game.Transaction) protocol.TransactionPayload {
	counterparty := tx.Seller
	if tx.Seller == recipient {
		counterparty = tx.Buyer
	}
	return protocol.TransactionPayload{
		TransactionID: tx.ID,
		SenderIsBuyer: tx.Buyer == recipient,
		Counterparty:  counterparty,
		Amount:        tx.Amount,
		Quantities:    tx.Quantities,
	}
}
