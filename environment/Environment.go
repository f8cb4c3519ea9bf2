// Package environment outlines the interfaces and structs needed to
// implement concrete environments
package environment

import (
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofeudal/timestep"
)

// Starter implements a distribution of starting states and samples
// starting states for environments
type Starter interface {
	Start() mat.Vector
}

// Environment implements a simulated environment with discrete actions.
//
// Reset starts a new episode and returns its first TimeStep. Step takes
// a single discrete action and returns the resulting TimeStep; the
// returned TimeStep is Last() exactly when the environment itself
// terminated the episode. A non-nil error from Step denotes an
// environment anomaly and is propagated unmodified by any caller in
// this module.
//
// MaxEpisodeSteps and AutoResets are static metadata consumed by the
// rollout runner: the per-episode step cap enforced outside the
// environment, and whether the environment transparently starts a new
// episode after a terminal step without an explicit Reset.
type Environment interface {
	Reset() timestep.TimeStep
	Step(action int) (timestep.TimeStep, error)
	ObservationSpec() Spec
	ActionSpec() Spec
	MaxEpisodeSteps() int
	AutoResets() bool
}
