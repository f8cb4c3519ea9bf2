// Package feudal implements the asynchronous actor-learner training
// loop for a two-level (manager/worker) policy: a background rollout
// runner that interacts with an environment under the current policy
// and a policy optimizer that turns buffered trajectory fragments into
// gradient updates on a shared parameter set.
package feudal

import (
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Features is a recurrent snapshot of the policy at a single timestep:
// the manager's pooled goal state and the recent-goal window backing
// it. Features values are immutable once produced; advancing the
// policy produces a fresh Features value.
type Features struct {
	// ManagerState is the manager's pooled goal (the state the worker
	// is conditioned on)
	ManagerState *mat.VecDense

	// Recurrent holds the recent goals backing ManagerState, oldest
	// first
	Recurrent []*mat.VecDense
}

// Step holds everything the policy produces for a single observation
type Step struct {
	// ActionScores scores each discrete action; the runner selects
	// the highest-scoring action
	ActionScores *mat.VecDense

	// Value and ManagerValue are the worker and manager critic
	// estimates of the current state
	Value        float64
	ManagerValue float64

	// Goal and Embedding are the manager's goal and the perception
	// embedding (s) for the current observation
	Goal      *mat.VecDense
	Embedding *mat.VecDense

	// Next is the recurrent snapshot to carry into the next timestep
	Next Features
}

// Policy is the acting surface of a two-level policy, consumed by the
// rollout runner.
type Policy interface {
	// InitialFeatures returns the recurrent snapshot to use at the
	// start of an episode
	InitialFeatures() Features

	// Act evaluates the policy on an observation with the given
	// recurrent snapshot
	Act(obs mat.Vector, f Features) (Step, error)

	// Value returns the manager and worker critic estimates for an
	// observation, used to bootstrap truncated fragments
	Value(obs mat.Vector, f Features) (managerValue, workerValue float64,
		err error)
}

// Gradients holds one update's gradients, grouped by sub-policy. The
// slices are index-aligned with the ManagerParams and WorkerParams of
// the policy that produced them.
type Gradients struct {
	Manager []*tensor.Dense
	Worker  []*tensor.Dense
	Loss    float64
}

// TrainablePolicy is the learning surface of a two-level policy,
// consumed by the optimizer. Parameters are partitioned into a manager
// subset and a worker subset; two instances produced by Clone expose
// index-aligned parameter slices.
type TrainablePolicy interface {
	Policy

	// UpdateBatch lets the policy attach derived fields to a batch
	// before gradient computation
	UpdateBatch(*Batch) (*Batch, error)

	// SyncFrom copies every parameter of from into the receiver
	SyncFrom(TrainablePolicy) error

	// Gradients computes the gradients of the policy's loss on a
	// batch, grouped by sub-policy
	Gradients(*Batch) (*Gradients, error)

	// ManagerParams and WorkerParams return the two disjoint
	// parameter subsets
	ManagerParams() G.Nodes
	WorkerParams() G.Nodes

	// Clone returns a new policy with the same architecture and a
	// copy of the receiver's parameters
	Clone() (TrainablePolicy, error)
}
