package journal

import (
	"context"
	"testing"

	"github.com/barterhub/barterhub/internal/game"
)

func testConfigInit() (game.Configuration, game.Initialization) {
	cfg := game.Configuration{
		NbAgents:   2,
		NbGoods:    2,
		TxFee:      0,
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
	return cfg, init
}

func TestMachineApplyAndView(t *testing.T) {
	m := NewMachine()
	cfg, init := testConfigInit()

	if err := m.Apply(Command{Type: CommandSettle, Transaction: &game.Transaction{}}); err == nil {
		t.Fatalf("settle before init must fail")
	}
	if err := m.Apply(Command{Type: CommandInitGame, Configuration: &cfg, Initialization: &init}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := m.Apply(Command{Type: CommandInitGame, Configuration: &cfg, Initialization: &init}); err == nil {
		t.Fatalf("double init must fail")
	}

	tx := game.Transaction{ID: "t1", Buyer: "agent-b", Seller: "agent-a", Amount: 9, Quantities: map[string]int{"good_0": 1}}
	if err := m.Apply(Command{Type: CommandSettle, Transaction: &tx}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	err := m.View(func(g *game.Game) error {
		state, _ := g.State("agent-a")
		if state.Balance != 29 {
			t.Fatalf("seller balance = %v, want 29", state.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMachineSnapshotRestore(t *testing.T) {
	m := NewMachine()
	cfg, init := testConfigInit()
	if err := m.Apply(Command{Type: CommandInitGame, Configuration: &cfg, Initialization: &init}); err != nil {
		t.Fatalf("init: %v", err)
	}
	tx := game.Transaction{ID: "t1", Buyer: "agent-b", Seller: "agent-a", Amount: 9, Quantities: map[string]int{"good_0": 1}}
	if err := m.Apply(Command{Type: CommandSettle, Transaction: &tx}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := NewMachine()
	if err := restored.Unmarshal(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	err = restored.View(func(g *game.Game) error {
		if len(g.Ledger()) != 1 {
			t.Fatalf("ledger length = %d, want 1", len(g.Ledger()))
		}
		state, _ := g.State("agent-b")
		if state.Balance != 11 || state.Holdings[0] != 1 {
			t.Fatalf("restored buyer state = %+v", state)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	// Empty snapshot resets the machine.
	if err := restored.Unmarshal(nil); err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	_ = restored.View(func(g *game.Game) error {
		if g != nil {
			t.Fatalf("machine not reset by empty snapshot")
		}
		return nil
	})
}

func TestMemoryLedger(t *testing.T) {
	ledger := NewMemory()
	cfg, init := testConfigInit()
	ctx := context.Background()

	if err := ledger.InitGame(ctx, cfg, init); err != nil {
		t.Fatalf("init: %v", err)
	}
	tx := game.Transaction{ID: "t1", Buyer: "agent-b", Seller: "agent-a", Amount: 9, Quantities: map[string]int{"good_0": 1}}
	if err := ledger.Settle(ctx, tx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// An invalid settlement is rejected by the machine.
	bad := game.Transaction{ID: "t2", Buyer: "agent-b", Seller: "agent-a", Amount: 1e6, Quantities: map[string]int{"good_0": 1}}
	if err := ledger.Settle(ctx, bad); err == nil {
		t.Fatalf("invalid settlement accepted")
	}
}
