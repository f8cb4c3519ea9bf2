package feudal

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Rollout is a piece of a complete episode: a contiguous fragment of
// experience collected under one policy. The rollout runner appends to
// a Rollout until it has collected enough steps, then hands ownership
// to the optimizer, which may merge consecutive fragments from the
// same runner before processing.
//
// ManagerR and WorkerR are bootstrap value estimates for the state
// following the final step. They are only meaningful when Terminal is
// false; a terminal fragment needs no bootstrap.
type Rollout struct {
	Obs           []mat.Vector
	Actions       []*mat.VecDense // one-hot selected actions
	Rewards       []float64
	Values        []float64 // worker critic estimates
	ManagerValues []float64 // manager critic estimates
	Ss            []*mat.VecDense
	Gs            []*mat.VecDense
	Features      []Features

	ManagerR float64
	WorkerR  float64
	Terminal bool
}

// NewRollout returns a new, empty Rollout
func NewRollout() *Rollout {
	return &Rollout{}
}

// Len returns the number of steps in the Rollout
func (r *Rollout) Len() int {
	return len(r.Rewards)
}

// Add appends a single transition to the Rollout. The features
// argument is the recurrent snapshot that produced the action, not the
// snapshot resulting from it.
func (r *Rollout) Add(obs mat.Vector, action *mat.VecDense, reward, value,
	managerValue float64, g, s *mat.VecDense, terminal bool,
	features Features) {
	r.Obs = append(r.Obs, obs)
	r.Actions = append(r.Actions, action)
	r.Rewards = append(r.Rewards, reward)
	r.Values = append(r.Values, value)
	r.ManagerValues = append(r.ManagerValues, managerValue)
	r.Gs = append(r.Gs, g)
	r.Ss = append(r.Ss, s)
	r.Features = append(r.Features, features)
	r.Terminal = terminal
}

// Extend appends all transitions of other to the Rollout. The receiver
// inherits other's terminal flag and bootstrap values. Extending a
// Rollout that has already reached a true environment termination is a
// contract violation and returns an error.
func (r *Rollout) Extend(other *Rollout) error {
	if r.Terminal {
		return fmt.Errorf("extend: cannot extend a terminal rollout")
	}

	r.Obs = append(r.Obs, other.Obs...)
	r.Actions = append(r.Actions, other.Actions...)
	r.Rewards = append(r.Rewards, other.Rewards...)
	r.Values = append(r.Values, other.Values...)
	r.ManagerValues = append(r.ManagerValues, other.ManagerValues...)
	r.Gs = append(r.Gs, other.Gs...)
	r.Ss = append(r.Ss, other.Ss...)
	r.Features = append(r.Features, other.Features...)

	r.ManagerR = other.ManagerR
	r.WorkerR = other.WorkerR
	r.Terminal = other.Terminal
	return nil
}
