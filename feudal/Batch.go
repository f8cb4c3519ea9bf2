package feudal

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Batch is an immutable, fully vectorized training sample derived from
// one (possibly merged) rollout. A Batch is consumed exactly once by
// the gradient-update step.
//
// SDiff, GSum, and Ri are attached by TrainablePolicy.UpdateBatch and
// are nil before that call.
type Batch struct {
	Obs            *mat.Dense    // numSteps x obsFeatures
	Actions        *mat.Dense    // numSteps x numActions, one-hot
	ManagerReturns *mat.VecDense // manager-discounted returns
	WorkerReturns  *mat.VecDense // worker-discounted returns
	Terminal       bool
	S              *mat.Dense // perception embeddings
	G              *mat.Dense // manager goals
	Features       Features   // recurrent snapshot at the fragment start

	// Critic estimates recorded at collection time, used to compute
	// advantages outside the gradient graph
	Values        []float64
	ManagerValues []float64

	// Attached by the policy
	SDiff *mat.Dense
	GSum  *mat.Dense
	Ri    *mat.VecDense
}

// Len returns the number of steps in the Batch
func (b *Batch) Len() int {
	n, _ := b.Obs.Dims()
	return n
}

// process converts a rollout into a Batch, computing the two return
// streams with the given discount factors. For a non-terminal rollout
// the bootstrap values are appended as a virtual final reward before
// the backward recurrence and the virtual element is dropped
// afterward; a terminal rollout bootstraps from zero.
//
// A rollout with zero steps cannot be processed and returns an error.
// Per-step streams of mismatched length are a programming error and
// panic.
func process(r *Rollout, managerGamma, workerGamma float64) (*Batch, error) {
	n := r.Len()
	if n == 0 {
		return nil, fmt.Errorf("process: cannot process an empty rollout")
	}
	if len(r.Obs) != n || len(r.Actions) != n || len(r.Values) != n ||
		len(r.ManagerValues) != n || len(r.Ss) != n || len(r.Gs) != n ||
		len(r.Features) != n {
		panic(fmt.Sprintf("process: per-step streams have mismatched "+
			"lengths \n\twant(%v)\n\thave(%v %v %v %v %v %v %v)", n,
			len(r.Obs), len(r.Actions), len(r.Values), len(r.ManagerValues),
			len(r.Ss), len(r.Gs), len(r.Features)))
	}

	managerR, workerR := r.ManagerR, r.WorkerR
	if r.Terminal {
		// A true termination has no following state to bootstrap from
		managerR, workerR = 0, 0
	}

	managerRewards := make([]float64, n+1)
	copy(managerRewards, r.Rewards)
	managerRewards[n] = managerR

	workerRewards := make([]float64, n+1)
	copy(workerRewards, r.Rewards)
	workerRewards[n] = workerR

	managerReturns := discountCumSum(mat.NewVecDense(n+1, managerRewards),
		managerGamma)
	workerReturns := discountCumSum(mat.NewVecDense(n+1, workerRewards),
		workerGamma)

	values := make([]float64, n)
	copy(values, r.Values)
	managerValues := make([]float64, n)
	copy(managerValues, r.ManagerValues)

	return &Batch{
		Obs:            stack(r.Obs),
		Actions:        stackVecs(r.Actions),
		ManagerReturns: mat.NewVecDense(n, managerReturns[:n]),
		WorkerReturns:  mat.NewVecDense(n, workerReturns[:n]),
		Terminal:       r.Terminal,
		S:              stackVecs(r.Ss),
		G:              stackVecs(r.Gs),
		Features:       r.Features[0],
		Values:         values,
		ManagerValues:  managerValues,
	}, nil
}

// discountCumSum computes the discounted cumulative sum of x:
// out[i] = x[i] + discount*out[i+1], with out[len-1] = x[len-1].
func discountCumSum(x *mat.VecDense, discount float64) []float64 {
	discounts := mat.NewVecDense(x.Len(), nil)
	cumSums := make([]float64, x.Len())
	nextScaledRews := mat.NewVecDense(x.Len(), nil)
	backing := nextScaledRews.RawVector().Data

	for i := 0; i < x.Len(); i++ {
		discounts.ScaleVec(discount, discounts)
		discounts.SetVec(x.Len()-i-1, 1)

		nextScaledRews.MulElemVec(discounts, x)
		cumSums[x.Len()-i-1] = floats.Sum(backing[x.Len()-i-1:])
	}

	return cumSums
}

// stack stacks vectors into the rows of a new matrix
func stack(vecs []mat.Vector) *mat.Dense {
	cols := vecs[0].Len()
	out := mat.NewDense(len(vecs), cols, nil)
	for i, v := range vecs {
		for j := 0; j < cols; j++ {
			out.Set(i, j, v.AtVec(j))
		}
	}
	return out
}

func stackVecs(vecs []*mat.VecDense) *mat.Dense {
	cols := vecs[0].Len()
	out := mat.NewDense(len(vecs), cols, nil)
	for i, v := range vecs {
		out.SetRow(i, v.RawVector().Data)
	}
	return out
}
