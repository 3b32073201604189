// Package journal provides the durable settlement log behind the
// controller's authoritative game: a deterministic machine applying
// init-game and settle commands, replicated through Raft or held in
// memory for tests and single-process runs.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/barterhub/barterhub/internal/game"
)

// CommandType enumerates journal commands.
type CommandType string

const (
	CommandInitGame CommandType = "INIT_GAME"
	CommandSettle   CommandType = "SETTLE"
)

// Command is one replicated journal entry.
type Command struct {
	Type           CommandType          `json:"type"`
	Configuration  *game.Configuration  `json:"configuration,omitempty"`
	Initialization *game.Initialization `json:"initialization,omitempty"`
	Transaction    *game.Transaction    `json:"transaction,omitempty"`
}

// Machine applies journal commands to the authoritative game.
type Machine struct {
	mu   sync.Mutex
	game *game.Game
}

// NewMachine creates an empty machine.
func NewMachine() *Machine {
	return &Machine{}
}

// Apply executes one command.
func (m *Machine) Apply(cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch cmd.Type {
	case CommandInitGame:
		if m.game != nil {
			return errors.New("game already initialized")
		}
		if cmd.Configuration == nil || cmd.Initialization == nil {
			return errors.New("init command missing configuration or initialization")
		}
		g, err := game.New(*cmd.Configuration, *cmd.Initialization)
		if err != nil {
			return err
		}
		m.game = g
		return nil
	case CommandSettle:
		if m.game == nil {
			return errors.New("game not initialized")
		}
		if cmd.Transaction == nil {
			return errors.New("settle command missing transaction")
		}
		return m.game.Settle(*cmd.Transaction)
	default:
		return fmt.Errorf("unsupported command: %s", cmd.Type)
	}
}

// View runs f against the current game under the machine lock. The game
// is nil before initialization.
func (m *Machine) View(f func(g *game.Game) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f(m.game)
}

// Marshal snapshots the machine state.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.game == nil {
		return nil, nil
	}
	return json.Marshal(m.game.Dump())
}

// Unmarshal restores the machine from a snapshot.
func (m *Machine) Unmarshal(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(data) == 0 {
		m.game = nil
		return nil
	}
	var dump game.Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return err
	}
	g, err := game.FromDump(dump)
	if err != nil {
		return err
	}
	m.game = g
	return nil
}

// Memory is an in-process ledger applying commands directly.
type Memory struct {
	machine *Machine
}

// NewMemory creates an in-memory ledger.
func NewMemory() *Memory {
	return &Memory{machine: NewMachine()}
}

// InitGame applies the init command.
func (m *Memory) InitGame(_ context.Context, cfg game.Configuration, init game.Initialization) error {
	return m.machine.Apply(Command{Type: CommandInitGame, Configuration: &cfg, Initialization: &init})
}

// Settle applies one settlement.
func (m *Memory) Settle(_ context.Context, tx game.Transaction) error {
	return m.machine.Apply(Command{Type: CommandSettle, Transaction: &tx})
}

// View runs f against the current game.
func (m *Memory) View(f func(g *game.Game) error) error {
	return m.machine.View(f)
}
