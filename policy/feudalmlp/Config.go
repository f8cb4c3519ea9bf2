// Package feudalmlp implements a two-level manager/worker policy on
// fully connected networks. A shared perception network embeds
// observations; a manager head emits unit-norm goal vectors in the
// embedding space and an associated critic; a worker head scores
// discrete actions conditioned on the embedding and a pooled window of
// recent goals, with its own critic. The manager is trained to emit
// goals pointing along the direction the embedding actually moved, the
// worker by policy gradient on environment reward mixed with an
// intrinsic reward for following the goals.
package feudalmlp

import (
	"fmt"

	"github.com/samuelfneumann/gofeudal/initwfn"
	"github.com/samuelfneumann/gofeudal/network"
)

// Config describes a configuration of a feudal MLP policy
type Config struct {
	// Architecture of the shared perception network. The embedding
	// layer itself is appended automatically.
	PerceptHidden      []int
	PerceptBiases      []bool
	PerceptActivations []*network.Activation

	// EmbeddingSize is the dimensionality of the perception embedding
	// and of goal vectors
	EmbeddingSize int

	// Horizon is both the size of the recent-goal window pooled for
	// the worker and the lookahead used for the manager's transition
	// direction
	Horizon int

	// IntrinsicScale weighs the goal-following intrinsic reward added
	// to the worker's return
	IntrinsicScale float64

	// EntropyScale weighs the entropy bonus on the worker's action
	// distribution
	EntropyScale float64

	// ValueScale weighs both critics' regression losses
	ValueScale float64

	// InitWFn determines the weight initialization scheme
	InitWFn *initwfn.InitWFn

	// Seed seeds action sampling
	Seed uint64
}

// Validate checks whether the Config describes a valid policy
func (c Config) Validate() error {
	if len(c.PerceptHidden) != len(c.PerceptBiases) ||
		len(c.PerceptHidden) != len(c.PerceptActivations) {
		return fmt.Errorf("validate: invalid perception architecture "+
			"\n\thidden(%v) biases(%v) activations(%v)",
			len(c.PerceptHidden), len(c.PerceptBiases),
			len(c.PerceptActivations))
	}
	if c.EmbeddingSize <= 0 {
		return fmt.Errorf("validate: embedding size must be positive "+
			"\n\thave(%v)", c.EmbeddingSize)
	}
	if c.Horizon <= 0 {
		return fmt.Errorf("validate: horizon must be positive \n\thave(%v)",
			c.Horizon)
	}
	if c.InitWFn == nil {
		return fmt.Errorf("validate: a weight initialization scheme is " +
			"required")
	}
	return nil
}
