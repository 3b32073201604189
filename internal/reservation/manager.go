// Package reservation tracks provisional commitments made during
// negotiation: proposals and acceptances awaiting an answer, and locks on
// trades sent for settlement. Stale entries are swept out so abandoned
// negotiations do not pin resources forever.
package reservation

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/barterhub/barterhub/internal/dialogue"
	"github.com/barterhub/barterhub/internal/game"
)

// Defaults mirror the platform's negotiation pacing.
const (
	DefaultSweepInterval = 2 * time.Second
	DefaultTimeout       = 30 * time.Second
)

// PendingKey addresses one awaited answer within a dialogue.
type PendingKey struct {
	Label     dialogue.Label
	MessageID int
}

type entry struct {
	tx      game.Transaction
	addedAt time.Time
}

type lockEntry struct {
	tx      game.Transaction
	asBuyer bool
	addedAt time.Time
}

// Config tunes the sweeper.
type Config struct {
	SweepInterval time.Duration
	Timeout       time.Duration
}

func (c Config) normalized() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Manager guards all provisional reservations of one agent.
type Manager struct {
	mu                 sync.Mutex
	pendingProposals   map[PendingKey]entry
	pendingAcceptances map[PendingKey]entry
	locks              map[string]lockEntry

	cfg    Config
	now    func() time.Time
	stop   chan struct{}
	done   chan struct{}
	logger zerolog.Logger
}

// NewManager creates a reservation manager. Start must be called to run
// the sweeper.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	return &Manager{
		pendingProposals:   make(map[PendingKey]entry),
		pendingAcceptances: make(map[PendingKey]entry),
		locks:              make(map[string]lockEntry),
		cfg:                cfg.normalized(),
		now:                time.Now,
		logger:             logger.With().Str("service", "reservation").Logger(),
	}
}

// AddPendingProposal registers a proposal awaiting an answer.
// Registering the same key twice is a programming error.
func (m *Manager) AddPendingProposal(key PendingKey, tx game.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingProposals[key]; ok {
		panic(fmt.Sprintf("pending proposal already registered: %+v", key))
	}
	m.pendingProposals[key] = entry{tx: tx, addedAt: m.now()}
}

// PopPendingProposal removes and returns an awaited proposal.
// Popping a missing key is a programming error.
func (m *Manager) PopPendingProposal(key PendingKey) game.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pendingProposals[key]
	if !ok {
		panic(fmt.Sprintf("pending proposal not found: %+v", key))
	}
	delete(m.pendingProposals, key)
	return e.tx
}

// HasPendingProposal reports whether a proposal is still awaited.
func (m *Manager) HasPendingProposal(key PendingKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingProposals[key]
	return ok
}

// AddPendingAcceptance registers an acceptance awaiting confirmation.
func (m *Manager) AddPendingAcceptance(key PendingKey, tx game.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pendingAcceptances[key]; ok {
		panic(fmt.Sprintf("pending acceptance already registered: %+v", key))
	}
	m.pendingAcceptances[key] = entry{tx: tx, addedAt: m.now()}
}

// PopPendingAcceptance removes and returns an awaited acceptance.
func (m *Manager) PopPendingAcceptance(key PendingKey) game.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pendingAcceptances[key]
	if !ok {
		panic(fmt.Sprintf("pending acceptance not found: %+v", key))
	}
	delete(m.pendingAcceptances, key)
	return e.tx
}

// HasPendingAcceptance reports whether an acceptance is still awaited.
func (m *Manager) HasPendingAcceptance(key PendingKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pendingAcceptances[key]
	return ok
}

// AddLock records a committed trade awaiting controller confirmation.
func (m *Manager) AddLock(tx game.Transaction, asBuyer bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[tx.ID]; ok {
		panic(fmt.Sprintf("lock already registered: %s", tx.ID))
	}
	m.locks[tx.ID] = lockEntry{tx: tx, asBuyer: asBuyer, addedAt: m.now()}
}

// PopLock releases a lock. A missing lock is not an error: the sweeper
// may have evicted it before the confirmation arrived.
func (m *Manager) PopLock(txID string) (game.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[txID]
	if !ok {
		return game.Transaction{}, false
	}
	delete(m.locks, txID)
	return e.tx, true
}

// BuyerLocks returns the trades this agent is committed to as buyer.
func (m *Manager) BuyerLocks() []game.Transaction {
	return m.locksBySide(true)
}

// SellerLocks returns the trades this agent is committed to as seller.
func (m *Manager) SellerLocks() []game.Transaction {
	return m.locksBySide(false)
}

func (m *Manager) locksBySide(asBuyer bool) []game.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []game.Transaction
	for _, e := range m.locks {
		if e.asBuyer == asBuyer {
			out = append(out, e.tx)
		}
	}
	return out
}

// Start runs the background sweeper until Stop is called.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				evicted := m.sweep(m.now())
				if evicted > 0 {
					m.logger.Debug().Int("evicted", evicted).Msg("swept stale reservations")
				}
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// sweep evicts entries older than the timeout.
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, e := range m.pendingProposals {
		if now.Sub(e.addedAt) >= m.cfg.Timeout {
			delete(m.pendingProposals, key)
			evicted++
		}
	}
	for key, e := range m.pendingAcceptances {
		if now.Sub(e.addedAt) >= m.cfg.Timeout {
			delete(m.pendingAcceptances, key)
			evicted++
		}
	}
	for id, e := range m.locks {
		if now.Sub(e.addedAt) >= m.cfg.Timeout {
			delete(m.locks, id)
			evicted++
		}
	}
	return evicted
}
