// Package agent implements the participant side of the competition: the
// negotiation engine, the baseline strategy and the price-expectation
// model.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/dialogue"
	"github.com/barterhub/barterhub/internal/game"
	"github.com/barterhub/barterhub/internal/protocol"
	"github.com/barterhub/barterhub/internal/reservation"
	"github.com/barterhub/barterhub/internal/signing"
)

// Sender delivers signed messages to another identity.
type Sender interface {
	Send(ctx context.Context, recipient string, msg protocol.Message) error
}

// FeedbackStrategy is implemented by strategies that learn from
// negotiation outcomes.
type FeedbackStrategy interface {
	ProposalOutcome(goodIDs []string, accepted bool)
}

// Engine drives one agent's negotiations and tracks its authoritative
// state between controller confirmations.
type Engine struct {
	mu           sync.Mutex
	key          *signing.Keypair
	selfID       string
	controllerID string
	strategy     Strategy
	dialogues    *dialogue.Store
	reservations *reservation.Manager
	sender       Sender
	logger       zerolog.Logger

	fee     float64
	goodIDs []string
	goodIdx map[string]int
	state   *game.AgentState
	started bool
	stopped bool
}

// NewEngine creates a negotiation engine. The engine is inert until game
// data arrives.
func NewEngine(key *signing.Keypair, controllerID string, strategy Strategy, reservations *reservation.Manager, sender Sender, logger zerolog.Logger) *Engine {
	selfID := key.Identity()
	return &Engine{
		key:          key,
		selfID:       selfID,
		controllerID: controllerID,
		strategy:     strategy,
		dialogues:    dialogue.NewStore(selfID),
		reservations: reservations,
		sender:       sender,
		logger:       logger.With().Str("service", "agent").Str("agent", key.Fingerprint()[:8]).Logger(),
	}
}

// Identity returns this agent's wire identity.
func (e *Engine) Identity() string { return e.selfID }

// Started reports whether game data has been received.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Stopped reports whether the competition has been cancelled.
func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// State returns a copy of the last authoritative state.
func (e *Engine) State() *game.AgentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	return e.state.Copy()
}

// Register asks the controller for competition entry.
func (e *Engine) Register(ctx context.Context, name string) error {
	return e.send(ctx, e.controllerID, protocol.PerformativeRegister, protocol.RegisterPayload{Name: name})
}

// Unregister withdraws the registration.
func (e *Engine) Unregister(ctx context.Context) error {
	return e.send(ctx, e.controllerID, protocol.PerformativeUnregister, protocol.UnregisterPayload{})
}

// RequestStateUpdate asks the controller to replay this agent's history.
func (e *Engine) RequestStateUpdate(ctx context.Context) error {
	return e.send(ctx, e.controllerID, protocol.PerformativeGetStateUpdate, protocol.GetStateUpdatePayload{})
}

// StartNegotiation opens a buyer-side dialogue with a CFP for the goods
// this agent still lacks.
func (e *Engine) StartNegotiation(ctx context.Context, opponent string) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return errors.New("engine not active")
	}
	state := e.stateAfterLocksLocked(true)
	var query []string
	for g, h := range state.Holdings {
		if h == 0 {
			query = append(query, e.goodIDs[g])
		}
	}
	d := e.dialogues.Create(opponent, dialogue.RoleBuyer)
	if err := e.dialogues.RecordOutbound(d, protocol.PerformativeCFP, dialogue.MsgIDCFP, 0); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	return e.send(ctx, opponent, protocol.PerformativeCFP, protocol.CFPPayload{
		DialogueID: d.Label().DialogueID,
		MessageID:  dialogue.MsgIDCFP,
		Target:     0,
		Query:      query,
	})
}

// HandleMessage verifies and dispatches one inbound message. Messages
// failing verification are dropped without processing.
func (e *Engine) HandleMessage(ctx context.Context, msg protocol.Message) error {
	if err := msg.Verify(); err != nil {
		e.logger.Warn().Err(err).Msg("dropping unverifiable message")
		return nil
	}
	sender := msg.Sender()
	switch msg.Performative {
	case protocol.PerformativeGameData, protocol.PerformativeTxConfirmation,
		protocol.PerformativeStateUpdate, protocol.PerformativeError, protocol.PerformativeCancelled:
		if sender != e.controllerID {
			e.logger.Warn().Str("sender", sender).Msg("controller message from foreign identity")
			return nil
		}
	}
	switch msg.Performative {
	case protocol.PerformativeGameData:
		return dispatch(e.onGameData, msg)
	case protocol.PerformativeTxConfirmation:
		return dispatch(e.onTxConfirmation, msg)
	case protocol.PerformativeStateUpdate:
		return dispatch(e.onStateUpdate, msg)
	case protocol.PerformativeError:
		return dispatchCtx(ctx, e.onError, msg)
	case protocol.PerformativeCancelled:
		return dispatch(e.onCancelled, msg)
	case protocol.PerformativeCFP:
		return dispatchNegotiation(ctx, e.onCFP, sender, msg)
	case protocol.PerformativePropose:
		return dispatchNegotiation(ctx, e.onPropose, sender, msg)
	case protocol.PerformativeAccept:
		return dispatchNegotiation(ctx, e.onAccept, sender, msg)
	case protocol.PerformativeMatchAccept:
		return dispatchNegotiation(ctx, e.onMatchAccept, sender, msg)
	case protocol.PerformativeDecline:
		return dispatchNegotiation(ctx, e.onDecline, sender, msg)
	default:
		e.logger.Warn().Str("performative", string(msg.Performative)).Msg("unexpected performative")
		return nil
	}
}

func dispatch[T any](handler func(T) error, msg protocol.Message) error {
	payload, err := protocol.DecodePayload[T](msg.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Performative, err)
	}
	return handler(payload)
}

func dispatchCtx[T any](ctx context.Context, handler func(context.Context, T) error, msg protocol.Message) error {
	payload, err := protocol.DecodePayload[T](msg.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Performative, err)
	}
	return handler(ctx, payload)
}

func dispatchNegotiation[T any](ctx context.Context, handler func(context.Context, string, T) error, sender string, msg protocol.Message) error {
	payload, err := protocol.DecodePayload[T](msg.Payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Performative, err)
	}
	return handler(ctx, sender, payload)
}

func (e *Engine) onGameData(data protocol.GameDataPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	goodIDs := make([]string, 0, len(data.Endowment))
	for id := range data.Endowment {
		goodIDs = append(goodIDs, id)
	}
	sort.Strings(goodIDs)

	holdings := make([]int, len(goodIDs))
	params := make([]float64, len(goodIDs))
	idx := make(map[string]int, len(goodIDs))
	for i, id := range goodIDs {
		idx[id] = i
		holdings[i] = data.Endowment[id]
		params[i] = data.UtilityParams[id]
	}

	e.fee = data.TxFee
	e.goodIDs = goodIDs
	e.goodIdx = idx
	e.state = &game.AgentState{Balance: data.Balance, Holdings: holdings, UtilityParams: params}
	e.started = true
	e.logger.Info().Float64("balance", data.Balance).Int("goods", len(goodIDs)).Msg("game started")
	return nil
}

func (e *Engine) onTxConfirmation(p protocol.TxConfirmationPayload) error {
	tx, ok := e.reservations.PopLock(p.TransactionID)
	if !ok {
		e.logger.Warn().Str("tx", p.TransactionID).Msg("confirmation for unknown lock")
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	trade, err := e.tradeForLocked(tx)
	if err != nil {
		return err
	}
	e.state.Apply(trade, e.fee)
	e.logger.Info().Str("tx", tx.ID).Float64("balance", e.state.Balance).Msg("transaction confirmed")
	return nil
}

func (e *Engine) onStateUpdate(p protocol.StateUpdatePayload) error {
	if err := e.onGameData(p.GameData); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, txp := range p.Transactions {
		tx := e.transactionFromPayloadLocked(e.selfID, txp)
		trade, err := e.tradeForLocked(tx)
		if err != nil {
			return err
		}
		e.state.Apply(trade, e.fee)
	}
	e.logger.Info().Int("replayed", len(p.Transactions)).Msg("state update applied")
	return nil
}

func (e *Engine) onError(ctx context.Context, p protocol.ErrorPayload) error {
	e.logger.Warn().Int("code", int(p.Code)).Str("message", p.Message).Msg("controller error")
	if p.Code == protocol.ErrTransactionNotValid {
		return e.RequestStateUpdate(ctx)
	}
	return nil
}

func (e *Engine) onCancelled(protocol.CancelledPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.logger.Info().Msg("competition cancelled")
	return nil
}

func (e *Engine) onCFP(ctx context.Context, sender string, p protocol.CFPPayload) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	d, err := e.dialogues.CreateOpponentInitiated(p.DialogueID, sender, dialogue.RoleSeller)
	if err == nil {
		_, err = e.dialogues.Admit(sender, protocol.PerformativeCFP, p.DialogueID, p.MessageID, p.Target)
	}
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Msg("dropping cfp")
		return nil
	}

	state := e.stateAfterLocksLocked(false)
	supply := e.strategy.SupplyQuantities(state)
	if len(p.Query) > 0 {
		queried := make(map[string]struct{}, len(p.Query))
		for _, id := range p.Query {
			queried[id] = struct{}{}
		}
		for g, id := range e.goodIDs {
			if _, ok := queried[id]; !ok {
				supply[g] = 0
			}
		}
	}
	total := 0
	for _, q := range supply {
		total += q
	}
	if total == 0 {
		if err := e.dialogues.RecordOutbound(d, protocol.PerformativeDecline, dialogue.MsgIDPropose, dialogue.MsgIDCFP); err != nil {
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
		return e.send(ctx, sender, protocol.PerformativeDecline, protocol.DeclinePayload{
			DialogueID: p.DialogueID,
			MessageID:  dialogue.MsgIDPropose,
			Target:     dialogue.MsgIDCFP,
		})
	}

	price := e.strategy.QuotePrice(state, supply, e.goodIDs, true, e.fee)
	tx := game.Transaction{
		ID:         dialogue.DeriveTransactionID(sender, e.selfID, p.DialogueID),
		Buyer:      sender,
		Seller:     e.selfID,
		Amount:     price,
		Quantities: e.quantityMapLocked(supply),
	}
	e.reservations.AddPendingProposal(reservation.PendingKey{Label: d.Label(), MessageID: dialogue.MsgIDPropose}, tx)
	if err := e.dialogues.RecordOutbound(d, protocol.PerformativePropose, dialogue.MsgIDPropose, dialogue.MsgIDCFP); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	e.logger.Debug().Str("dialogue", p.DialogueID).Float64("price", price).Msg("proposing")
	return e.send(ctx, sender, protocol.PerformativePropose, protocol.ProposePayload{
		DialogueID: p.DialogueID,
		MessageID:  dialogue.MsgIDPropose,
		Target:     dialogue.MsgIDCFP,
		Price:      price,
		Quantities: tx.Quantities,
	})
}

func (e *Engine) onPropose(ctx context.Context, sender string, p protocol.ProposePayload) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	d, err := e.dialogues.Admit(sender, protocol.PerformativePropose, p.DialogueID, p.MessageID, p.Target)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Msg("dropping propose")
		return nil
	}

	tx := game.Transaction{
		ID:         dialogue.DeriveTransactionID(e.selfID, sender, p.DialogueID),
		Buyer:      e.selfID,
		Seller:     sender,
		Amount:     p.Price,
		Quantities: p.Quantities,
	}
	accept := false
	state := e.stateAfterLocksLocked(true)
	trade, err := e.tradeForLocked(tx)
	if err == nil && state.ConsistentWith(trade, e.fee) {
		delta := state.Applied(trade, e.fee).Score() - state.Score()
		ok, policyErr := e.strategy.Acceptable(delta, p.Price, e.fee)
		if policyErr != nil {
			e.mu.Unlock()
			return policyErr
		}
		accept = ok
	}

	if !accept {
		if err := e.dialogues.RecordOutbound(d, protocol.PerformativeDecline, dialogue.MsgIDAccept, dialogue.MsgIDPropose); err != nil {
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
		return e.send(ctx, sender, protocol.PerformativeDecline, protocol.DeclinePayload{
			DialogueID: p.DialogueID,
			MessageID:  dialogue.MsgIDAccept,
			Target:     dialogue.MsgIDPropose,
		})
	}

	// Lock the spend immediately so other dialogues see it while the
	// match accept is in flight.
	e.reservations.AddPendingAcceptance(reservation.PendingKey{Label: d.Label(), MessageID: dialogue.MsgIDAccept}, tx)
	e.reservations.AddLock(tx, true)
	if err := e.dialogues.RecordOutbound(d, protocol.PerformativeAccept, dialogue.MsgIDAccept, dialogue.MsgIDPropose); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	e.logger.Debug().Str("dialogue", p.DialogueID).Float64("price", p.Price).Msg("accepting proposal")
	return e.send(ctx, sender, protocol.PerformativeAccept, protocol.AcceptPayload{
		DialogueID: p.DialogueID,
		MessageID:  dialogue.MsgIDAccept,
		Target:     dialogue.MsgIDPropose,
	})
}

func (e *Engine) onAccept(ctx context.Context, sender string, p protocol.AcceptPayload) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	d, err := e.dialogues.Admit(sender, protocol.PerformativeAccept, p.DialogueID, p.MessageID, p.Target)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Msg("dropping accept")
		return nil
	}

	key := reservation.PendingKey{Label: d.Label(), MessageID: dialogue.MsgIDPropose}
	if !e.reservations.HasPendingProposal(key) {
		// The sweeper gave up on this proposal already.
		if err := e.dialogues.RecordOutbound(d, protocol.PerformativeDecline, dialogue.MsgIDMatchAccept, dialogue.MsgIDAccept); err != nil {
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
		return e.send(ctx, sender, protocol.PerformativeDecline, protocol.DeclinePayload{
			DialogueID: p.DialogueID,
			MessageID:  dialogue.MsgIDMatchAccept,
			Target:     dialogue.MsgIDAccept,
		})
	}
	tx := e.reservations.PopPendingProposal(key)

	// The trade must still pay off on top of everything locked meanwhile.
	accept := false
	state := e.stateAfterLocksLocked(false)
	trade, err := e.tradeForLocked(tx)
	if err == nil && state.ConsistentWith(trade, e.fee) {
		delta := state.Applied(trade, e.fee).Score() - state.Score()
		ok, policyErr := e.strategy.Acceptable(delta, tx.Amount, e.fee)
		if policyErr != nil {
			e.mu.Unlock()
			return policyErr
		}
		accept = ok
	}

	if !accept {
		if err := e.dialogues.RecordOutbound(d, protocol.PerformativeDecline, dialogue.MsgIDMatchAccept, dialogue.MsgIDAccept); err != nil {
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
		return e.send(ctx, sender, protocol.PerformativeDecline, protocol.DeclinePayload{
			DialogueID: p.DialogueID,
			MessageID:  dialogue.MsgIDMatchAccept,
			Target:     dialogue.MsgIDAccept,
		})
	}

	e.reservations.AddLock(tx, false)
	if err := e.dialogues.RecordOutbound(d, protocol.PerformativeMatchAccept, dialogue.MsgIDMatchAccept, dialogue.MsgIDAccept); err != nil {
		e.mu.Unlock()
		return err
	}
	goodIDs := e.tradedGoodsLocked(tx)
	e.mu.Unlock()

	if fb, ok := e.strategy.(FeedbackStrategy); ok {
		fb.ProposalOutcome(goodIDs, true)
	}
	if err := e.send(ctx, sender, protocol.PerformativeMatchAccept, protocol.MatchAcceptPayload{
		DialogueID: p.DialogueID,
		MessageID:  dialogue.MsgIDMatchAccept,
		Target:     dialogue.MsgIDAccept,
	}); err != nil {
		return err
	}
	return e.submitTransaction(ctx, tx)
}

func (e *Engine) onMatchAccept(ctx context.Context, sender string, p protocol.MatchAcceptPayload) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	d, err := e.dialogues.Admit(sender, protocol.PerformativeMatchAccept, p.DialogueID, p.MessageID, p.Target)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Msg("dropping match accept")
		return nil
	}
	key := reservation.PendingKey{Label: d.Label(), MessageID: dialogue.MsgIDAccept}
	if !e.reservations.HasPendingAcceptance(key) {
		e.mu.Unlock()
		e.logger.Warn().Str("dialogue", p.DialogueID).Msg("match accept without pending acceptance")
		return nil
	}
	// The lock was taken when the acceptance went out.
	tx := e.reservations.PopPendingAcceptance(key)
	e.mu.Unlock()

	return e.submitTransaction(ctx, tx)
}

func (e *Engine) onDecline(_ context.Context, sender string, p protocol.DeclinePayload) error {
	e.mu.Lock()
	d, err := e.dialogues.Admit(sender, protocol.PerformativeDecline, p.DialogueID, p.MessageID, p.Target)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn().Err(err).Msg("dropping decline")
		return nil
	}
	var declinedGoods []string
	switch p.Target {
	case dialogue.MsgIDCFP:
		// Nothing reserved yet.
	case dialogue.MsgIDPropose:
		key := reservation.PendingKey{Label: d.Label(), MessageID: dialogue.MsgIDPropose}
		if e.reservations.HasPendingProposal(key) {
			tx := e.reservations.PopPendingProposal(key)
			declinedGoods = e.tradedGoodsLocked(tx)
		}
	case dialogue.MsgIDAccept:
		key := reservation.PendingKey{Label: d.Label(), MessageID: dialogue.MsgIDAccept}
		if e.reservations.HasPendingAcceptance(key) {
			tx := e.reservations.PopPendingAcceptance(key)
			e.reservations.PopLock(tx.ID)
		}
	}
	e.mu.Unlock()

	if len(declinedGoods) > 0 {
		if fb, ok := e.strategy.(FeedbackStrategy); ok {
			fb.ProposalOutcome(declinedGoods, false)
		}
	}
	e.logger.Debug().Str("dialogue", p.DialogueID).Int("target", p.Target).Msg("declined")
	return nil
}

// StateAfterLocks projects the authoritative state through every lock on
// one side, recomputed fresh on every call.
func (e *Engine) StateAfterLocks(asBuyer bool) *game.AgentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateAfterLocksLocked(asBuyer)
}

func (e *Engine) stateAfterLocksLocked(asBuyer bool) *game.AgentState {
	state := e.state.Copy()
	var locks []game.Transaction
	if asBuyer {
		locks = e.reservations.BuyerLocks()
	} else {
		locks = e.reservations.SellerLocks()
	}
	for _, tx := range locks {
		trade, err := e.tradeForLocked(tx)
		if err != nil {
			continue
		}
		state.Apply(trade, e.fee)
	}
	return state
}

func (e *Engine) tradeForLocked(tx game.Transaction) (game.Trade, error) {
	quantities := make([]int, len(e.goodIDs))
	for goodID, q := range tx.Quantities {
		idx, ok := e.goodIdx[goodID]
		if !ok {
			return game.Trade{}, fmt.Errorf("unknown good: %s", goodID)
		}
		quantities[idx] = q
	}
	return game.Trade{BuyerSide: tx.Buyer == e.selfID, Amount: tx.Amount, Quantities: quantities}, nil
}

func (e *Engine) quantityMapLocked(quantities []int) map[string]int {
	out := make(map[string]int)
	for g, q := range quantities {
		if q > 0 {
			out[e.goodIDs[g]] = q
		}
	}
	return out
}

func (e *Engine) tradedGoodsLocked(tx game.Transaction) []string {
	out := make([]string, 0, len(tx.Quantities))
	for goodID, q := range tx.Quantities {
		if q > 0 {
			out = append(out, goodID)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) transactionFromPayloadLocked(self string, p protocol.TransactionPayload) game.Transaction {
	buyer, seller := self, p.Counterparty
	if !p.SenderIsBuyer {
		buyer, seller = p.Counterparty, self
	}
	return game.Transaction{
		ID:         p.TransactionID,
		Buyer:      buyer,
		Seller:     seller,
		Amount:     p.Amount,
		Quantities: p.Quantities,
	}
}

func (e *Engine) submitTransaction(ctx context.Context, tx game.Transaction) error {
	counterparty := tx.Seller
	if tx.Seller == e.selfID {
		counterparty = tx.Buyer
	}
	e.logger.Info().Str("tx", tx.ID).Float64("amount", tx.Amount).Msg("submitting transaction")
	return e.send(ctx, e.controllerID, protocol.PerformativeTransaction, protocol.TransactionPayload{
		TransactionID: tx.ID,
		SenderIsBuyer: tx.Buyer == e.selfID,
		Counterparty:  counterparty,
		Amount:        tx.Amount,
		Quantities:    tx.Quantities,
	})
}

func (e *Engine) send(ctx context.Context, recipient string, performative protocol.Performative, payload any) error {
	msg, err := protocol.New(performative, payload)
	if err != nil {
		return err
	}
	if err := msg.Sign(e.key.Private()); err != nil {
		return err
	}
	return e.sender.Send(ctx, recipient, msg)
}
