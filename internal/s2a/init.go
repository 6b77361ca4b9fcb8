package s2a

import (
	"math/rand/v2"
)

// Role selects the initialization rule and optimizer treatment of a
// parameter. Roles are fixed when a layer is constructed.
type Role int

const (
	RoleLinear Role = iota
	// RoleQuery marks attention query projections.
	RoleQuery
	RoleEmbedding
	RoleNorm
	// RoleLinearHead marks the legacy per-quantizer output matrices.
	RoleLinearHead
)

func (r Role) String() string {
	switch r {
	case RoleQuery:
		return "query"
	case RoleEmbedding:
		return "embedding"
	case RoleNorm:
		return "norm"
	case RoleLinearHead:
		return "linear-head"
	default:
		return "linear"
	}
}

type initRule struct {
	fill        func(p *Param, t Tunables, rng *rand.Rand)
	lrScale     func(p *Param, t Tunables, baseWidth int) float64
	weightDecay bool
}

func unitLR(*Param, Tunables, int) float64 { return 1 }

func fanInLR(p *Param, _ Tunables, baseWidth int) float64 {
	return 1 / (float64(p.FanIn) / float64(baseWidth))
}

var initRules = map[Role]initRule{
	RoleLinearHead: {
		fill:    fillConst(0),
		lrScale: unitLR,
	},
	RoleQuery: {
		fill:        fillConst(0),
		lrScale:     fanInLR,
		weightDecay: true,
	},
	RoleEmbedding: {
		fill: func(p *Param, t Tunables, rng *rand.Rand) {
			fillTruncNormal(p, t.EmbeddingsStd, rng)
		},
		lrScale: func(_ *Param, t Tunables, _ int) float64 { return t.EmbeddingsLRScale },
	},
	RoleLinear: {
		fill: func(p *Param, t Tunables, rng *rand.Rand) {
			fillTruncNormal(p, t.InitStd/float64(p.FanIn), rng)
		},
		lrScale:     fanInLR,
		weightDecay: true,
	},
	RoleNorm: {
		fill: func(p *Param, t Tunables, rng *rand.Rand) {
			if p.Bias {
				fillConst(0)(p, t, rng)
			} else {
				fillConst(1)(p, t, rng)
			}
		},
		lrScale: unitLR,
	},
}

func fillConst(v float32) func(*Param, Tunables, *rand.Rand) {
	return func(p *Param, _ Tunables, _ *rand.Rand) {
		p.Var.Value.Fill(v)
	}
}

// fillTruncNormal samples N(0, std) truncated to [-3std, 3std].
func fillTruncNormal(p *Param, std float64, rng *rand.Rand) {
	data := p.Var.Value.RawData()
	for i := range data {
		for {
			v := rng.NormFloat64()
			if v >= -3 && v <= 3 {
				data[i] = float32(v * std)
				break
			}
		}
	}
}

// initParams applies the role table to every parameter and records the
// optimizer metadata it implies.
func initParams(ps *Params, t Tunables, baseWidth int, rng *rand.Rand) {
	for _, p := range ps.All() {
		rule, ok := initRules[p.Role]
		if !ok {
			rule = initRules[RoleLinear]
		}

		rule.fill(p, t, rng)
		p.LRScale = rule.lrScale(p, t, baseWidth)
		p.WeightDecay = rule.weightDecay
		p.Policy = TrainingPolicy{Mode: Trainable}
	}
}
