package game

import (
	"math"
	"math/rand"
	"testing"
)

func twoAgentGame(t *testing.T, fee float64) *Game {
	t.Helper()
	cfg := Configuration{
		NbAgents:   2,
		NbGoods:    2,
		TxFee:      fee,
		AgentIDs:   []string{"agent-a", "agent-b"},
		AgentNames: []string{"Alice", "Bob"},
		GoodIDs:    []string{"good_0", "good_1"},
		GoodNames:  []string{"Good 0", "Good 1"},
	}
	init := Initialization{
		Balances: []float64{20, 20},
		Endowments: [][]int{
			{3, 1},
			{0, 1},
		},
		UtilityParams: [][]float64{
			{10, 5},
			{10, 5},
		},
	}
	g, err := New(cfg, init)
	if err != nil {
		t.Fatalf("new game: %v", err)
	}
	return g
}

func TestScoreBinaryOwnership(t *testing.T) {
	s := &AgentState{
		Balance:       20,
		Holdings:      []int{3, 0},
		UtilityParams: []float64{10, 5},
	}
	// Three units of good 0 count once, good 1 not at all.
	if got := s.Score(); got != 30 {
		t.Fatalf("score = %v, want 30", got)
	}
	s.Holdings[1] = 1
	if got := s.Score(); got != 35 {
		t.Fatalf("score = %v, want 35", got)
	}
}

func TestExcessGoods(t *testing.T) {
	s := &AgentState{Holdings: []int{3, 1, 0}, UtilityParams: []float64{1, 1, 1}}
	got := s.ExcessGoods()
	want := []int{2, 0, 0}
	for g := range want {
		if got[g] != want[g] {
			t.Fatalf("excess[%d] = %d, want %d", g, got[g], want[g])
		}
	}
}

func TestSettleSplitsFeeEvenly(t *testing.T) {
	g := twoAgentGame(t, 2)
	tx := Transaction{
		ID:         "tx-1",
		Buyer:      "agent-b",
		Seller:     "agent-a",
		Amount:     9,
		Quantities: map[string]int{"good_0": 1},
	}
	if err := g.Settle(tx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	buyer, _ := g.State("agent-b")
	seller, _ := g.State("agent-a")
	if buyer.Balance != 20-9-1 {
		t.Fatalf("buyer balance = %v, want 10", buyer.Balance)
	}
	if seller.Balance != 20+9-1 {
		t.Fatalf("seller balance = %v, want 28", seller.Balance)
	}
	if buyer.Holdings[0] != 1 || seller.Holdings[0] != 2 {
		t.Fatalf("holdings = buyer %d / seller %d, want 1 / 2", buyer.Holdings[0], seller.Holdings[0])
	}
}

func TestSettleZeroFeeScenario(t *testing.T) {
	g := twoAgentGame(t, 0)
	tx := Transaction{
		ID:         "tx-1",
		Buyer:      "agent-b",
		Seller:     "agent-a",
		Amount:     9,
		Quantities: map[string]int{"good_0": 1},
	}

	buyerBefore, _ := g.State("agent-b")
	deltaBuyer := buyerBefore.Applied(Trade{BuyerSide: true, Amount: 9, Quantities: []int{1, 0}}, 0).Score() - buyerBefore.Score()
	if deltaBuyer != 1 {
		t.Fatalf("buyer score delta = %v, want 1", deltaBuyer)
	}

	if err := g.Settle(tx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	seller, _ := g.State("agent-a")
	buyer, _ := g.State("agent-b")
	if seller.Balance != 29 || seller.Holdings[0] != 2 {
		t.Fatalf("seller = %+v, want balance 29 holdings[0] 2", seller)
	}
	if buyer.Balance != 11 || buyer.Holdings[0] != 1 {
		t.Fatalf("buyer = %+v, want balance 11 holdings[0] 1", buyer)
	}
}

func TestApplyThenInverseRestoresState(t *testing.T) {
	buy := Trade{BuyerSide: true, Amount: 9, Quantities: []int{1, 0}}
	sell := Trade{BuyerSide: false, Amount: 9, Quantities: []int{1, 0}}
	s := &AgentState{Balance: 20, Holdings: []int{0, 1}, UtilityParams: []float64{10, 5}}

	restored := s.Applied(buy, 0).Applied(sell, 0)
	if restored.Balance != s.Balance {
		t.Fatalf("balance = %v, want %v", restored.Balance, s.Balance)
	}
	for g := range s.Holdings {
		if restored.Holdings[g] != s.Holdings[g] {
			t.Fatalf("holdings[%d] = %d, want %d", g, restored.Holdings[g], s.Holdings[g])
		}
	}

	// With a fee each application costs this side its half, so the
	// holdings restore while the balance drops by exactly the fee.
	withFee := s.Applied(buy, 2).Applied(sell, 2)
	if withFee.Balance != s.Balance-2 {
		t.Fatalf("balance with fee = %v, want %v", withFee.Balance, s.Balance-2)
	}
	for g := range s.Holdings {
		if withFee.Holdings[g] != s.Holdings[g] {
			t.Fatalf("holdings[%d] with fee = %d, want %d", g, withFee.Holdings[g], s.Holdings[g])
		}
	}
}

func TestIsValidRejections(t *testing.T) {
	g := twoAgentGame(t, 0)

	cases := []struct {
		name string
		tx   Transaction
	}{
		{"buyer underfunded", Transaction{ID: "t", Buyer: "agent-b", Seller: "agent-a", Amount: 1000, Quantities: map[string]int{"good_0": 1}}},
		{"seller short of goods", Transaction{ID: "t", Buyer: "agent-a", Seller: "agent-b", Amount: 1, Quantities: map[string]int{"good_0": 1}}},
		{"unknown good", Transaction{ID: "t", Buyer: "agent-b", Seller: "agent-a", Amount: 1, Quantities: map[string]int{"good_9": 1}}},
		{"unknown party", Transaction{ID: "t", Buyer: "agent-x", Seller: "agent-a", Amount: 1, Quantities: map[string]int{"good_0": 1}}},
		{"self trade", Transaction{ID: "t", Buyer: "agent-a", Seller: "agent-a", Amount: 1, Quantities: map[string]int{"good_0": 1}}},
		{"negative amount", Transaction{ID: "t", Buyer: "agent-b", Seller: "agent-a", Amount: -1, Quantities: map[string]int{"good_0": 1}}},
		{"empty quantities", Transaction{ID: "t", Buyer: "agent-b", Seller: "agent-a", Amount: 1, Quantities: map[string]int{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := g.IsValid(tc.tx); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}

	// No state changed along the way.
	a, _ := g.State("agent-a")
	if a.Balance != 20 || a.Holdings[0] != 3 {
		t.Fatalf("state mutated by invalid transactions: %+v", a)
	}
}

func TestFailedSettleLeavesStateUntouched(t *testing.T) {
	g := twoAgentGame(t, 0)
	tx := Transaction{ID: "t", Buyer: "agent-b", Seller: "agent-a", Amount: 1000, Quantities: map[string]int{"good_0": 1}}
	if err := g.Settle(tx); err == nil {
		t.Fatalf("expected settle failure")
	}
	if len(g.Ledger()) != 0 {
		t.Fatalf("ledger grew on failed settle")
	}
	b, _ := g.State("agent-b")
	if b.Balance != 20 {
		t.Fatalf("buyer balance mutated: %v", b.Balance)
	}
}

func TestReplayReproducesState(t *testing.T) {
	g := twoAgentGame(t, 2)
	txs := []Transaction{
		{ID: "t1", Buyer: "agent-b", Seller: "agent-a", Amount: 9, Quantities: map[string]int{"good_0": 1}},
		{ID: "t2", Buyer: "agent-a", Seller: "agent-b", Amount: 3, Quantities: map[string]int{"good_1": 1}},
	}
	for _, tx := range txs {
		if err := g.Settle(tx); err != nil {
			t.Fatalf("settle %s: %v", tx.ID, err)
		}
	}

	replayed, err := g.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, id := range []string{"agent-a", "agent-b"} {
		want, _ := g.State(id)
		got, _ := replayed.State(id)
		if got.Balance != want.Balance {
			t.Fatalf("%s balance = %v, want %v", id, got.Balance, want.Balance)
		}
		for g := range want.Holdings {
			if got.Holdings[g] != want.Holdings[g] {
				t.Fatalf("%s holdings[%d] = %d, want %d", id, g, got.Holdings[g], want.Holdings[g])
			}
		}
	}
}

func TestTransactionsForPreservesOrder(t *testing.T) {
	g := twoAgentGame(t, 0)
	txs := []Transaction{
		{ID: "t1", Buyer: "agent-b", Seller: "agent-a", Amount: 1, Quantities: map[string]int{"good_0": 1}},
		{ID: "t2", Buyer: "agent-a", Seller: "agent-b", Amount: 1, Quantities: map[string]int{"good_1": 1}},
		{ID: "t3", Buyer: "agent-b", Seller: "agent-a", Amount: 1, Quantities: map[string]int{"good_0": 1}},
	}
	for _, tx := range txs {
		if err := g.Settle(tx); err != nil {
			t.Fatalf("settle %s: %v", tx.ID, err)
		}
	}
	history := g.TransactionsFor("agent-a")
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if history[i].ID != want {
			t.Fatalf("history[%d] = %s, want %s", i, history[i].ID, want)
		}
	}
}

func TestDumpRoundTrip(t *testing.T) {
	g := twoAgentGame(t, 2)
	tx := Transaction{ID: "t1", Buyer: "agent-b", Seller: "agent-a", Amount: 9, Quantities: map[string]int{"good_0": 1}}
	if err := g.Settle(tx); err != nil {
		t.Fatalf("settle: %v", err)
	}
	rebuilt, err := FromDump(g.Dump())
	if err != nil {
		t.Fatalf("from dump: %v", err)
	}
	want, _ := g.State("agent-a")
	got, _ := rebuilt.State("agent-a")
	if got.Balance != want.Balance || got.Holdings[0] != want.Holdings[0] {
		t.Fatalf("rebuilt state = %+v, want %+v", got, want)
	}
	if len(rebuilt.Ledger()) != 1 {
		t.Fatalf("rebuilt ledger length = %d, want 1", len(rebuilt.Ledger()))
	}
}

func TestGenerate(t *testing.T) {
	params := DefaultGeneratorParams()
	ids := []string{"a", "b", "c"}
	names := []string{"Alice", "Bob", "Carol"}
	rng := rand.New(rand.NewSource(42))

	cfg, init, err := Generate(params, ids, names, rng)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if cfg.NbAgents != 3 || cfg.NbGoods != params.NbGoods {
		t.Fatalf("unexpected configuration shape: %+v", cfg)
	}
	for i := range ids {
		if init.Balances[i] != params.MoneyEndowment {
			t.Fatalf("balance[%d] = %v, want %v", i, init.Balances[i], params.MoneyEndowment)
		}
		total := 0.0
		for _, u := range init.UtilityParams[i] {
			if u <= 0 {
				t.Fatalf("utility param not positive: %v", u)
			}
			total += u
		}
		if math.Abs(total-params.UtilityScale) > 1e-9 {
			t.Fatalf("utility params sum = %v, want %v", total, params.UtilityScale)
		}
	}
	// Spread rounds add exactly 2*nbAgents units per good on top of the base.
	for g := 0; g < cfg.NbGoods; g++ {
		total := 0
		for i := range ids {
			total += init.Endowments[i][g]
		}
		want := len(ids)*params.BaseGoodEndowment + 2*len(ids)
		if total != want {
			t.Fatalf("good %d total endowment = %d, want %d", g, total, want)
		}
	}
}

func TestGenerateDeterministicWithSeed(t *testing.T) {
	params := DefaultGeneratorParams()
	ids := []string{"a", "b"}
	names := []string{"Alice", "Bob"}

	_, init1, err := Generate(params, ids, names, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, init2, err := Generate(params, ids, names, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := range ids {
		for g := 0; g < params.NbGoods; g++ {
			if init1.Endowments[i][g] != init2.Endowments[i][g] {
				t.Fatalf("endowments differ across identical seeds")
			}
			if init1.UtilityParams[i][g] != init2.UtilityParams[i][g] {
				t.Fatalf("utility params differ across identical seeds")
			}
		}
	}
}
