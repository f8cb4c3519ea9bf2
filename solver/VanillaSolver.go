package solver

import G "gorgonia.org/gorgonia"

// VanillaConfig describes a configuration of plain stochastic
// gradient descent
type VanillaConfig struct {
	StepSize float64
	Batch    int
}

// NewVanilla returns a new Vanilla Solver
func NewVanilla(stepSize float64, batchSize int) (*Solver, error) {
	return newSolver(Vanilla, VanillaConfig{
		StepSize: stepSize,
		Batch:    batchSize,
	})
}

// Create returns the Gorgonia Vanilla Solver the config describes
func (v VanillaConfig) Create() G.Solver {
	return G.NewVanillaSolver(
		G.WithLearnRate(v.StepSize),
		G.WithBatchSize(float64(v.Batch)),
	)
}

// ValidType returns whether the given Solver type can be created from
// this config
func (v VanillaConfig) ValidType(t Type) bool {
	return t == Vanilla
}
