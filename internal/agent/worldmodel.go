package agent

import "sync"

// PriceModel keeps a per-good beta estimate of how well quotes land.
// Accepted proposals raise the expectation, declined ones lower it.
type PriceModel struct {
	mu     sync.Mutex
	scale  float64
	models map[string]*goodModel
}

type goodModel struct {
	alpha float64
	beta  float64
}

// NewPriceModel creates a model over the given goods. Scale bounds the
// markup added on top of a seller quote.
func NewPriceModel(goodIDs []string, scale float64) *PriceModel {
	if scale <= 0 {
		scale = 1
	}
	models := make(map[string]*goodModel, len(goodIDs))
	for _, id := range goodIDs {
		models[id] = &goodModel{alpha: 1, beta: 1}
	}
	return &PriceModel{scale: scale, models: models}
}

// Expectation returns the acceptance expectation for one good in [0, 1].
func (p *PriceModel) Expectation(goodID string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.models[goodID]
	if !ok {
		return 0.5
	}
	return m.alpha / (m.alpha + m.beta)
}

// Update records one proposal outcome for a good.
func (p *PriceModel) Update(goodID string, accepted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.models[goodID]
	if !ok {
		m = &goodModel{alpha: 1, beta: 1}
		p.models[goodID] = m
	}
	if accepted {
		m.alpha++
	} else {
		m.beta++
	}
}

// Markup returns the expectation-weighted surcharge for a quote over the
// traded goods.
func (p *PriceModel) Markup(goodIDs []string, quantities []int) float64 {
	total := 0.0
	for g, q := range quantities {
		if q == 0 || g >= len(goodIDs) {
			continue
		}
		total += p.Expectation(goodIDs[g]) * p.scale
	}
	return total
}
