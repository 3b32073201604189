package game

import (
	"errors"
	"fmt"
	"sort"
)

// Configuration is the immutable shape of one competition.
type Configuration struct {
	NbAgents   int      `json:"nb_agents"`
	NbGoods    int      `json:"nb_goods"`
	TxFee      float64  `json:"tx_fee"`
	AgentIDs   []string `json:"agent_ids"`
	AgentNames []string `json:"agent_names"`
	GoodIDs    []string `json:"good_ids"`
	GoodNames  []string `json:"good_names"`
}

// Validate checks structural constraints.
func (c Configuration) Validate() error {
	if c.NbAgents < 2 {
		return errors.New("at least two agents required")
	}
	if c.NbGoods < 2 {
		return errors.New("at least two goods required")
	}
	if c.TxFee < 0 {
		return errors.New("tx fee must be non-negative")
	}
	if len(c.AgentIDs) != c.NbAgents || len(c.AgentNames) != c.NbAgents {
		return errors.New("agent lists must match nb_agents")
	}
	if len(c.GoodIDs) != c.NbGoods || len(c.GoodNames) != c.NbGoods {
		return errors.New("good lists must match nb_goods")
	}
	if hasDuplicates(c.AgentIDs) || hasDuplicates(c.AgentNames) {
		return errors.New("agent ids and names must be unique")
	}
	if hasDuplicates(c.GoodIDs) || hasDuplicates(c.GoodNames) {
		return errors.New("good ids and names must be unique")
	}
	return nil
}

func hasDuplicates(values []string) bool {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			return true
		}
		seen[v] = struct{}{}
	}
	return false
}

// AgentName resolves a display name by identity.
func (c Configuration) AgentName(agentID string) (string, bool) {
	for i, id := range c.AgentIDs {
		if id == agentID {
			return c.AgentNames[i], true
		}
	}
	return "", false
}

// Initialization is the generated starting allocation, indexed like
// the configuration's agent and good lists.
type Initialization struct {
	Balances      []float64   `json:"balances"`
	Endowments    [][]int     `json:"endowments"`
	UtilityParams [][]float64 `json:"utility_params"`
}

// Validate checks the allocation against a configuration.
func (in Initialization) Validate(cfg Configuration) error {
	if len(in.Balances) != cfg.NbAgents {
		return errors.New("balances must match nb_agents")
	}
	if len(in.Endowments) != cfg.NbAgents || len(in.UtilityParams) != cfg.NbAgents {
		return errors.New("endowments and utility params must match nb_agents")
	}
	for i := range in.Endowments {
		if len(in.Endowments[i]) != cfg.NbGoods || len(in.UtilityParams[i]) != cfg.NbGoods {
			return errors.New("endowment and utility rows must match nb_goods")
		}
		if in.Balances[i] < 0 {
			return errors.New("initial balance must be non-negative")
		}
		for g := 0; g < cfg.NbGoods; g++ {
			if in.Endowments[i][g] < 0 {
				return errors.New("endowment must be non-negative")
			}
			if in.UtilityParams[i][g] < 0 {
				return errors.New("utility params must be non-negative")
			}
		}
	}
	return nil
}

// AgentState is one agent's mutable economic position.
type AgentState struct {
	Balance       float64   `json:"balance"`
	Holdings      []int     `json:"holdings"`
	UtilityParams []float64 `json:"utility_params"`
}

// Score is the binary-ownership utility: each good contributes its full
// utility parameter when at least one unit is held, plus the balance.
func (s *AgentState) Score() float64 {
	score := s.Balance
	for g, h := range s.Holdings {
		if h >= 1 {
			score += s.UtilityParams[g]
		}
	}
	return score
}

// ExcessGoods returns per-good surplus above the single scoring unit.
func (s *AgentState) ExcessGoods() []int {
	out := make([]int, len(s.Holdings))
	for g, h := range s.Holdings {
		if h > 1 {
			out[g] = h - 1
		}
	}
	return out
}

// Copy returns a deep copy.
func (s *AgentState) Copy() *AgentState {
	cp := &AgentState{
		Balance:       s.Balance,
		Holdings:      make([]int, len(s.Holdings)),
		UtilityParams: make([]float64, len(s.UtilityParams)),
	}
	copy(cp.Holdings, s.Holdings)
	copy(cp.UtilityParams, s.UtilityParams)
	return cp
}

// Trade is one side of a transaction resolved to good indices.
type Trade struct {
	BuyerSide  bool
	Amount     float64
	Quantities []int
}

// ConsistentWith reports whether the trade can be applied to this state.
// Buyers need funds for the amount plus their fee share, sellers need the
// goods on hand.
func (s *AgentState) ConsistentWith(tr Trade, fee float64) bool {
	if tr.Amount < 0 {
		return false
	}
	if tr.BuyerSide {
		return s.Balance >= tr.Amount+fee/2
	}
	for g, q := range tr.Quantities {
		if q > s.Holdings[g] {
			return false
		}
	}
	return true
}

// Apply mutates the state by one trade. The fee is split evenly: the buyer
// pays amount plus fee/2, the seller receives amount minus fee/2.
func (s *AgentState) Apply(tr Trade, fee float64) {
	if tr.BuyerSide {
		s.Balance -= tr.Amount + fee/2
		for g, q := range tr.Quantities {
			s.Holdings[g] += q
		}
		return
	}
	s.Balance += tr.Amount - fee/2
	for g, q := range tr.Quantities {
		s.Holdings[g] -= q
	}
}

// Applied returns a copy with the trade applied.
func (s *AgentState) Applied(tr Trade, fee float64) *AgentState {
	cp := s.Copy()
	cp.Apply(tr, fee)
	return cp
}

// Transaction is one settled or settlement-candidate trade in normalized
// buyer/seller form.
type Transaction struct {
	ID         string         `json:"id"`
	Buyer      string         `json:"buyer"`
	Seller     string         `json:"seller"`
	Amount     float64        `json:"amount"`
	Quantities map[string]int `json:"quantities"`
}

// Validate checks structural transaction constraints.
func (t Transaction) Validate() error {
	if t.ID == "" {
		return errors.New("transaction id is required")
	}
	if t.Buyer == "" || t.Seller == "" {
		return errors.New("buyer and seller are required")
	}
	if t.Buyer == t.Seller {
		return errors.New("buyer and seller must differ")
	}
	if t.Amount < 0 {
		return errors.New("amount must be non-negative")
	}
	total := 0
	for _, q := range t.Quantities {
		if q < 0 {
			return errors.New("quantities must be non-negative")
		}
		total += q
	}
	if total == 0 {
		return errors.New("at least one good must change hands")
	}
	return nil
}

// Equal reports whether two transactions describe the same trade.
func (t Transaction) Equal(other Transaction) bool {
	if t.ID != other.ID || t.Buyer != other.Buyer || t.Seller != other.Seller || t.Amount != other.Amount {
		return false
	}
	if len(t.Quantities) != len(other.Quantities) {
		return false
	}
	for goodID, q := range t.Quantities {
		if other.Quantities[goodID] != q {
			return false
		}
	}
	return true
}

// Game is the authoritative economic state of one competition.
type Game struct {
	cfg      Configuration
	init     Initialization
	states   []*AgentState
	ledger   []Transaction
	agentIdx map[string]int
	goodIdx  map[string]int
}

// New builds a game from a validated configuration and initialization.
func New(cfg Configuration, init Initialization) (*Game, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if err := init.Validate(cfg); err != nil {
		return nil, fmt.Errorf("initialization: %w", err)
	}
	g := &Game{
		cfg:      cfg,
		init:     init,
		states:   make([]*AgentState, cfg.NbAgents),
		agentIdx: make(map[string]int, cfg.NbAgents),
		goodIdx:  make(map[string]int, cfg.NbGoods),
	}
	for i, id := range cfg.AgentIDs {
		g.agentIdx[id] = i
		holdings := make([]int, cfg.NbGoods)
		copy(holdings, init.Endowments[i])
		params := make([]float64, cfg.NbGoods)
		copy(params, init.UtilityParams[i])
		g.states[i] = &AgentState{
			Balance:       init.Balances[i],
			Holdings:      holdings,
			UtilityParams: params,
		}
	}
	for i, id := range cfg.GoodIDs {
		g.goodIdx[id] = i
	}
	return g, nil
}

// Configuration returns the immutable configuration.
func (g *Game) Configuration() Configuration { return g.cfg }

// Initialization returns the starting allocation.
func (g *Game) Initialization() Initialization { return g.init }

// HasAgent reports whether an identity takes part in the game.
func (g *Game) HasAgent(agentID string) bool {
	_, ok := g.agentIdx[agentID]
	return ok
}

// State returns a copy of one agent's current state.
func (g *Game) State(agentID string) (*AgentState, bool) {
	idx, ok := g.agentIdx[agentID]
	if !ok {
		return nil, false
	}
	return g.states[idx].Copy(), true
}

// ResolveTrade maps a transaction onto one participant's side.
func (g *Game) ResolveTrade(agentID string, tx Transaction) (Trade, error) {
	quantities := make([]int, g.cfg.NbGoods)
	for goodID, q := range tx.Quantities {
		idx, ok := g.goodIdx[goodID]
		if !ok {
			return Trade{}, fmt.Errorf("unknown good: %s", goodID)
		}
		quantities[idx] = q
	}
	switch agentID {
	case tx.Buyer:
		return Trade{BuyerSide: true, Amount: tx.Amount, Quantities: quantities}, nil
	case tx.Seller:
		return Trade{BuyerSide: false, Amount: tx.Amount, Quantities: quantities}, nil
	default:
		return Trade{}, fmt.Errorf("agent %s is not a party to transaction %s", agentID, tx.ID)
	}
}

// IsValid re-checks a transaction against current authoritative state only.
func (g *Game) IsValid(tx Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	buyerIdx, ok := g.agentIdx[tx.Buyer]
	if !ok {
		return fmt.Errorf("unknown buyer: %s", tx.Buyer)
	}
	sellerIdx, ok := g.agentIdx[tx.Seller]
	if !ok {
		return fmt.Errorf("unknown seller: %s", tx.Seller)
	}
	buyTrade, err := g.ResolveTrade(tx.Buyer, tx)
	if err != nil {
		return err
	}
	sellTrade, err := g.ResolveTrade(tx.Seller, tx)
	if err != nil {
		return err
	}
	if !g.states[buyerIdx].ConsistentWith(buyTrade, g.cfg.TxFee) {
		return errors.New("buyer balance insufficient")
	}
	if !g.states[sellerIdx].ConsistentWith(sellTrade, g.cfg.TxFee) {
		return errors.New("seller holdings insufficient")
	}
	return nil
}

// Settle validates and applies one transaction atomically, appending it to
// the ledger. On error no state changes.
func (g *Game) Settle(tx Transaction) error {
	if err := g.IsValid(tx); err != nil {
		return err
	}
	buyTrade, _ := g.ResolveTrade(tx.Buyer, tx)
	sellTrade, _ := g.ResolveTrade(tx.Seller, tx)
	g.states[g.agentIdx[tx.Buyer]].Apply(buyTrade, g.cfg.TxFee)
	g.states[g.agentIdx[tx.Seller]].Apply(sellTrade, g.cfg.TxFee)
	g.ledger = append(g.ledger, tx)
	return nil
}

// Ledger returns the settled transactions in settlement order.
func (g *Game) Ledger() []Transaction {
	out := make([]Transaction, len(g.ledger))
	copy(out, g.ledger)
	return out
}

// TransactionsFor returns the settled transactions one agent took part in,
// in settlement order.
func (g *Game) TransactionsFor(agentID string) []Transaction {
	var out []Transaction
	for _, tx := range g.ledger {
		if tx.Buyer == agentID || tx.Seller == agentID {
			out = append(out, tx)
		}
	}
	return out
}

// Scores returns every agent's current score keyed by identity.
func (g *Game) Scores() map[string]float64 {
	out := make(map[string]float64, g.cfg.NbAgents)
	for id, idx := range g.agentIdx {
		out[id] = g.states[idx].Score()
	}
	return out
}

// Ranking returns agent identities ordered by descending score, ties
// broken by configuration order.
func (g *Game) Ranking() []string {
	out := make([]string, len(g.cfg.AgentIDs))
	copy(out, g.cfg.AgentIDs)
	scores := g.Scores()
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i]] > scores[out[j]]
	})
	return out
}

// Replay rebuilds a game from its initialization and ledger.
func (g *Game) Replay() (*Game, error) {
	fresh, err := New(g.cfg, g.init)
	if err != nil {
		return nil, err
	}
	for _, tx := range g.ledger {
		if err := fresh.Settle(tx); err != nil {
			return nil, fmt.Errorf("replay transaction %s: %w", tx.ID, err)
		}
	}
	return fresh, nil
}
