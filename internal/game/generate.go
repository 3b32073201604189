package game

import (
	"errors"
	"fmt"
	"math/rand"
)

// GeneratorParams controls random game generation.
type GeneratorParams struct {
	NbGoods           int
	TxFee             float64
	MoneyEndowment    float64
	BaseGoodEndowment int
	UtilityScale      float64
}

// DefaultGeneratorParams mirrors the platform defaults.
func DefaultGeneratorParams() GeneratorParams {
	return GeneratorParams{
		NbGoods:           10,
		TxFee:             1,
		MoneyEndowment:    200,
		BaseGoodEndowment: 2,
		UtilityScale:      100,
	}
}

func (p GeneratorParams) validate(nbAgents int) error {
	if nbAgents < 2 {
		return errors.New("at least two agents required")
	}
	if p.NbGoods < 2 {
		return errors.New("at least two goods required")
	}
	if p.TxFee < 0 {
		return errors.New("tx fee must be non-negative")
	}
	if p.MoneyEndowment < 0 {
		return errors.New("money endowment must be non-negative")
	}
	if p.BaseGoodEndowment < 1 {
		return errors.New("base good endowment must be at least one")
	}
	if p.UtilityScale <= 0 {
		return errors.New("utility scale must be positive")
	}
	return nil
}

// Generate builds a random configuration and initialization for the given
// registrants. Each agent starts with the money endowment, the base good
// endowment per good plus a random spread, and utility parameters
// normalized to the utility scale.
func Generate(params GeneratorParams, agentIDs, agentNames []string, rng *rand.Rand) (Configuration, Initialization, error) {
	nbAgents := len(agentIDs)
	if err := params.validate(nbAgents); err != nil {
		return Configuration{}, Initialization{}, err
	}
	if len(agentNames) != nbAgents {
		return Configuration{}, Initialization{}, errors.New("agent names must match agent ids")
	}

	goodIDs := make([]string, params.NbGoods)
	goodNames := make([]string, params.NbGoods)
	for g := 0; g < params.NbGoods; g++ {
		goodIDs[g] = fmt.Sprintf("good_%d", g)
		goodNames[g] = fmt.Sprintf("Good %d", g)
	}

	cfg := Configuration{
		NbAgents:   nbAgents,
		NbGoods:    params.NbGoods,
		TxFee:      params.TxFee,
		AgentIDs:   append([]string(nil), agentIDs...),
		AgentNames: append([]string(nil), agentNames...),
		GoodIDs:    goodIDs,
		GoodNames:  goodNames,
	}

	init := Initialization{
		Balances:      make([]float64, nbAgents),
		Endowments:    make([][]int, nbAgents),
		UtilityParams: make([][]float64, nbAgents),
	}
	for i := 0; i < nbAgents; i++ {
		init.Balances[i] = params.MoneyEndowment
		init.Endowments[i] = make([]int, params.NbGoods)
		for g := 0; g < params.NbGoods; g++ {
			init.Endowments[i][g] = params.BaseGoodEndowment
		}
		init.UtilityParams[i] = sampleUtilityParams(params, rng)
	}

	// Two spread rounds per good concentrate surplus unevenly so that
	// profitable trades exist from the start.
	for g := 0; g < params.NbGoods; g++ {
		for round := 0; round < 2; round++ {
			for k := 0; k < nbAgents; k++ {
				init.Endowments[rng.Intn(nbAgents)][g]++
			}
		}
	}

	game, err := New(cfg, init)
	if err != nil {
		return Configuration{}, Initialization{}, err
	}
	return game.Configuration(), game.Initialization(), nil
}

func sampleUtilityParams(params GeneratorParams, rng *rand.Rand) []float64 {
	weights := make([]float64, params.NbGoods)
	total := 0.0
	for g := range weights {
		// Keep every weight strictly positive.
		weights[g] = rng.Float64() + 0.01
		total += weights[g]
	}
	for g := range weights {
		weights[g] = weights[g] / total * params.UtilityScale
	}
	return weights
}
