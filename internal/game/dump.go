package game

import "fmt"

// Dump is a complete, replayable export of one game.
type Dump struct {
	Configuration  Configuration  `json:"configuration"`
	Initialization Initialization `json:"initialization"`
	Transactions   []Transaction  `json:"transactions"`
}

// Dump exports the game for persistence or inspection.
func (g *Game) Dump() Dump {
	return Dump{
		Configuration:  g.cfg,
		Initialization: g.init,
		Transactions:   g.Ledger(),
	}
}

// FromDump rebuilds a game by replaying a dump.
func FromDump(d Dump) (*Game, error) {
	g, err := New(d.Configuration, d.Initialization)
	if err != nil {
		return nil, err
	}
	for _, tx := range d.Transactions {
		if err := g.Settle(tx); err != nil {
			return nil, fmt.Errorf("replay transaction %s: %w", tx.ID, err)
		}
	}
	return g, nil
}
