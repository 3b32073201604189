package agent

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"

	"github.com/barterhub/barterhub/internal/game"
)

// DefaultAcceptancePolicy requires the trade to clear the full fee, not
// just this side's half: the net score delta already deducts price and
// half the fee, so the gross gain must exceed price plus fee.
const DefaultAcceptancePolicy = "delta > fee / 2.0"

// Strategy decides what to offer and what to accept.
type Strategy interface {
	// SupplyQuantities returns the per-good quantities the agent is
	// willing to sell out of the given state.
	SupplyQuantities(state *game.AgentState) []int
	// DemandQuantities returns the per-good quantities the agent wants
	// to buy.
	DemandQuantities(state *game.AgentState) []int
	// QuotePrice prices a trade of the given quantities from the given
	// state, on the quoting agent's side.
	QuotePrice(state *game.AgentState, quantities []int, goodIDs []string, seller bool, fee float64) float64
	// Acceptable judges a candidate trade by its net score delta.
	Acceptable(delta, price, fee float64) (bool, error)
}

// Baseline is the reference strategy: sell surplus units, demand one unit
// of every good, quote marginal utility adjusted for the fee share, and
// accept trades the configured policy approves.
type Baseline struct {
	policy *govaluate.EvaluableExpression
	model  *PriceModel
}

// NewBaseline builds a baseline strategy. An empty policy expression
// selects the default strict policy. A nil price model disables
// expectation-based markups.
func NewBaseline(policyExpr string, model *PriceModel) (*Baseline, error) {
	if policyExpr == "" {
		policyExpr = DefaultAcceptancePolicy
	}
	expr, err := govaluate.NewEvaluableExpression(policyExpr)
	if err != nil {
		return nil, fmt.Errorf("acceptance policy: %w", err)
	}
	return &Baseline{policy: expr, model: model}, nil
}

// SupplyQuantities offers everything above the single scoring unit.
func (b *Baseline) SupplyQuantities(state *game.AgentState) []int {
	return state.ExcessGoods()
}

// DemandQuantities asks for one unit of every good.
func (b *Baseline) DemandQuantities(state *game.AgentState) []int {
	out := make([]int, len(state.Holdings))
	for g := range out {
		out[g] = 1
	}
	return out
}

// QuotePrice derives a quote from the marginal utility of the traded
// units. Sellers add their fee share and round up to the cent, buyers
// subtract it and round down.
func (b *Baseline) QuotePrice(state *game.AgentState, quantities []int, goodIDs []string, seller bool, fee float64) float64 {
	if seller {
		loss := utilityDelta(state, quantities, false)
		price := loss + fee/2
		if b.model != nil {
			price += b.model.Markup(goodIDs, quantities)
		}
		return roundUpCents(price)
	}
	gain := utilityDelta(state, quantities, true)
	price := gain - fee/2
	if price < 0 {
		price = 0
	}
	return roundDownCents(price)
}

// Acceptable evaluates the configured policy expression over the trade's
// net score delta, price and fee.
func (b *Baseline) Acceptable(delta, price, fee float64) (bool, error) {
	result, err := b.policy.Evaluate(map[string]interface{}{
		"delta": delta,
		"price": price,
		"fee":   fee,
	})
	if err != nil {
		return false, err
	}
	ok, isBool := result.(bool)
	if !isBool {
		return false, fmt.Errorf("acceptance policy did not evaluate to boolean")
	}
	return ok, nil
}

// ProposalOutcome feeds negotiation results into the price model.
func (b *Baseline) ProposalOutcome(goodIDs []string, accepted bool) {
	if b.model == nil {
		return
	}
	for _, goodID := range goodIDs {
		b.model.Update(goodID, accepted)
	}
}

// utilityDelta returns the goods-only score change of gaining or losing
// the given quantities under binary ownership.
func utilityDelta(state *game.AgentState, quantities []int, gaining bool) float64 {
	delta := 0.0
	for g, q := range quantities {
		if q == 0 {
			continue
		}
		if gaining {
			if state.Holdings[g] == 0 {
				delta += state.UtilityParams[g]
			}
		} else {
			if state.Holdings[g] >= 1 && state.Holdings[g]-q < 1 {
				delta += state.UtilityParams[g]
			}
		}
	}
	return delta
}

func roundUpCents(x float64) float64 {
	return math.Ceil(x*100) / 100
}

func roundDownCents(x float64) float64 {
	return math.Floor(x*100) / 100
}
