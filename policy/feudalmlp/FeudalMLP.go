package feudalmlp

import (
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gofeudal/environment"
	"github.com/samuelfneumann/gofeudal/feudal"
)

// FeudalMLP implements feudal.TrainablePolicy on fully connected
// networks. An acting network with batch size 1 serves Act and Value;
// training networks are built per batch size on demand and cached, and
// are synchronized with the acting network's parameters before every
// gradient computation. The acting network's parameter tensors are the
// policy's canonical parameters: ManagerParams and WorkerParams return
// its learnables, and solvers updating those values in place update
// the policy.
//
// A FeudalMLP is safe for concurrent use by a rollout runner and an
// optimizer.
type FeudalMLP struct {
	conf       Config
	obsDim     int
	numActions int
	rng        *rand.Rand

	mu        sync.Mutex
	act       *net
	trainNets map[int]*net
}

// New returns a feudal MLP policy acting in env
func New(env environment.Environment, conf Config) (*FeudalMLP, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	actionSpec := env.ActionSpec()
	if actionSpec.Cardinality != environment.Discrete {
		return nil, fmt.Errorf("new: actions must be discrete")
	}

	obsDim := env.ObservationSpec().Shape.Len()
	numActions := int(actionSpec.UpperBound.AtVec(0)) + 1
	return newFeudalMLP(conf, obsDim, numActions)
}

func newFeudalMLP(conf Config, obsDim, numActions int) (*FeudalMLP,
	error) {
	act, err := newNet(conf, obsDim, numActions, 1, false)
	if err != nil {
		return nil, fmt.Errorf("new: could not construct acting "+
			"network: %v", err)
	}

	return &FeudalMLP{
		conf:       conf,
		obsDim:     obsDim,
		numActions: numActions,
		rng:        rand.New(rand.NewSource(conf.Seed)),
		act:        act,
		trainNets:  make(map[int]*net),
	}, nil
}

// InitialFeatures returns a zeroed recent-goal window
func (f *FeudalMLP) InitialFeatures() feudal.Features {
	window := make([]*mat.VecDense, f.conf.Horizon)
	for i := range window {
		window[i] = mat.NewVecDense(f.conf.EmbeddingSize, nil)
	}
	return feudal.Features{
		ManagerState: mat.NewVecDense(f.conf.EmbeddingSize, nil),
		Recurrent:    window,
	}
}

// Act evaluates the policy on a single observation. The observation
// is embedded and the manager emits a goal; the goal is pushed onto
// the recent-goal window, and the worker scores actions conditioned on
// the embedding and the pooled window. Scores are logits perturbed
// with Gumbel noise, so selecting the highest-scoring action samples
// from the worker's action distribution.
func (f *FeudalMLP) Act(obs mat.Vector, feat feudal.Features) (feudal.Step,
	error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(feat.Recurrent) != f.conf.Horizon {
		return feudal.Step{}, fmt.Errorf("act: recurrent window must "+
			"hold %v goals \n\thave(%v)", f.conf.Horizon,
			len(feat.Recurrent))
	}

	// The goal, embedding, and critics do not depend on the pooled
	// goals, so run once with a placeholder to obtain the goal
	obsT := f.obsTensor(obs)
	zeroGsum := tensor.New(tensor.WithShape(1, f.conf.EmbeddingSize),
		tensor.WithBacking(make([]float64, f.conf.EmbeddingSize)))
	if err := f.act.run(map[*G.Node]*tensor.Dense{
		f.act.obs:  obsT,
		f.act.gsum: zeroGsum,
	}); err != nil {
		return feudal.Step{}, fmt.Errorf("act: %v", err)
	}
	goal := vecOf(f.act.gHatVal)
	embedding := vecOf(f.act.zVal)
	managerValue := scalarOf(f.act.managerVVal)
	workerValue := scalarOf(f.act.workerVVal)
	f.act.vm.Reset()

	window := make([]*mat.VecDense, 0, f.conf.Horizon)
	window = append(window, feat.Recurrent[1:]...)
	window = append(window, goal)
	gsum := mat.NewVecDense(f.conf.EmbeddingSize, nil)
	for _, g := range window {
		gsum.AddVec(gsum, g)
	}

	// Second pass with the pooled goals to score actions
	gsumT := tensor.New(tensor.WithShape(1, f.conf.EmbeddingSize),
		tensor.WithBacking(append([]float64{}, gsum.RawVector().Data...)))
	if err := f.act.run(map[*G.Node]*tensor.Dense{
		f.act.obs:  obsT,
		f.act.gsum: gsumT,
	}); err != nil {
		return feudal.Step{}, fmt.Errorf("act: %v", err)
	}
	logits := vecOf(f.act.logitsVal)
	f.act.vm.Reset()

	scores := mat.NewVecDense(f.numActions, nil)
	for i := 0; i < f.numActions; i++ {
		u := f.rng.Float64()
		if u < numEps {
			u = numEps
		}
		scores.SetVec(i, logits.AtVec(i)-math.Log(-math.Log(u)))
	}

	return feudal.Step{
		ActionScores: scores,
		Value:        workerValue,
		ManagerValue: managerValue,
		Goal:         goal,
		Embedding:    embedding,
		Next: feudal.Features{
			ManagerState: gsum,
			Recurrent:    window,
		},
	}, nil
}

// Value returns the manager and worker critic estimates of obs
func (f *FeudalMLP) Value(obs mat.Vector, feat feudal.Features) (float64,
	float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	zeroGsum := tensor.New(tensor.WithShape(1, f.conf.EmbeddingSize),
		tensor.WithBacking(make([]float64, f.conf.EmbeddingSize)))
	if err := f.act.run(map[*G.Node]*tensor.Dense{
		f.act.obs:  f.obsTensor(obs),
		f.act.gsum: zeroGsum,
	}); err != nil {
		return 0, 0, fmt.Errorf("value: %v", err)
	}
	managerValue := scalarOf(f.act.managerVVal)
	workerValue := scalarOf(f.act.workerVVal)
	f.act.vm.Reset()

	return managerValue, workerValue, nil
}

// UpdateBatch attaches the derived training fields to a batch: the
// unit transition directions the manager is regressed toward, the
// pooled goal windows conditioning the worker, and the goal-following
// intrinsic reward.
func (f *FeudalMLP) UpdateBatch(b *feudal.Batch) (*feudal.Batch, error) {
	n := b.Len()
	c := f.conf.Horizon
	dim := f.conf.EmbeddingSize

	sDiff := mat.NewDense(n, dim, nil)
	for t := 0; t < n; t++ {
		ahead := t + c
		if ahead > n-1 {
			ahead = n - 1
		}
		diff := make([]float64, dim)
		floats.SubTo(diff, b.S.RawRowView(ahead), b.S.RawRowView(t))
		unit(diff)
		sDiff.SetRow(t, diff)
	}

	// goalAt indexes goals across the fragment boundary: negative
	// steps fall back onto the recent-goal window recorded at the
	// fragment start
	past := b.Features.Recurrent
	goalAt := func(i int) []float64 {
		if i >= 0 {
			return b.G.RawRowView(i)
		}
		if j := len(past) + i; j >= 0 {
			return past[j].RawVector().Data
		}
		return nil
	}

	gSum := mat.NewDense(n, dim, nil)
	for t := 0; t < n; t++ {
		sum := make([]float64, dim)
		for i := t - c + 1; i <= t; i++ {
			if g := goalAt(i); g != nil {
				floats.Add(sum, g)
			}
		}
		gSum.SetRow(t, sum)
	}

	ri := mat.NewVecDense(n, nil)
	diff := make([]float64, dim)
	for t := 0; t < n; t++ {
		var total float64
		var count int
		for i := 1; i <= c && t-i >= 0; i++ {
			floats.SubTo(diff, b.S.RawRowView(t), b.S.RawRowView(t-i))
			unit(diff)
			total += floats.Dot(diff, b.G.RawRowView(t-i))
			count++
		}
		if count > 0 {
			ri.SetVec(t, total/float64(count))
		}
	}

	b.SDiff = sDiff
	b.GSum = gSum
	b.Ri = ri
	return b, nil
}

// Gradients computes the gradients of the policy's loss on a batch.
// The worker's return target mixes the environment return with the
// intrinsic reward; both sub-policies use advantages computed against
// the critic estimates recorded at collection time.
func (f *FeudalMLP) Gradients(b *feudal.Batch) (*feudal.Gradients, error) {
	if b.SDiff == nil || b.GSum == nil || b.Ri == nil {
		return nil, fmt.Errorf("gradients: batch is missing derived " +
			"fields: call UpdateBatch first")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n := b.Len()
	tn, err := f.trainNet(n)
	if err != nil {
		return nil, fmt.Errorf("gradients: %v", err)
	}
	if err := tn.setFrom(f.act); err != nil {
		return nil, fmt.Errorf("gradients: %v", err)
	}

	workerTarget := make([]float64, n)
	workerAdv := make([]float64, n)
	managerTarget := make([]float64, n)
	managerAdv := make([]float64, n)
	for t := 0; t < n; t++ {
		workerTarget[t] = b.WorkerReturns.AtVec(t) +
			f.conf.IntrinsicScale*b.Ri.AtVec(t)
		workerAdv[t] = workerTarget[t] - b.Values[t]
		managerTarget[t] = b.ManagerReturns.AtVec(t)
		managerAdv[t] = managerTarget[t] - b.ManagerValues[t]
	}

	err = tn.run(map[*G.Node]*tensor.Dense{
		tn.obs:           denseTensor(b.Obs),
		tn.gsum:          denseTensor(b.GSum),
		tn.actions:       denseTensor(b.Actions),
		tn.sDiff:         denseTensor(b.SDiff),
		tn.workerAdv:     vecTensor(workerAdv),
		tn.managerAdv:    vecTensor(managerAdv),
		tn.workerTarget:  vecTensor(workerTarget),
		tn.managerTarget: vecTensor(managerTarget),
	})
	if err != nil {
		return nil, fmt.Errorf("gradients: %v", err)
	}

	loss := scalarOf(tn.lossVal)
	manager, err := takeGrads(tn.paramsWithPrefix(managerPrefix))
	if err != nil {
		return nil, fmt.Errorf("gradients: %v", err)
	}
	worker, err := takeGrads(tn.paramsWithPrefix(workerPrefix))
	if err != nil {
		return nil, fmt.Errorf("gradients: %v", err)
	}
	tn.vm.Reset()

	return &feudal.Gradients{
		Manager: manager,
		Worker:  worker,
		Loss:    loss,
	}, nil
}

// SyncFrom copies every parameter of from into the policy
func (f *FeudalMLP) SyncFrom(from feudal.TrainablePolicy) error {
	other, ok := from.(*FeudalMLP)
	if !ok {
		return fmt.Errorf("syncFrom: cannot sync from a %T", from)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.act.setFrom(other.act)
}

// ManagerParams returns the manager's parameter subset
func (f *FeudalMLP) ManagerParams() G.Nodes {
	return f.act.paramsWithPrefix(managerPrefix)
}

// WorkerParams returns the worker's parameter subset, which includes
// the shared perception network
func (f *FeudalMLP) WorkerParams() G.Nodes {
	return f.act.paramsWithPrefix(workerPrefix)
}

// Clone returns a new policy with the same architecture and a copy of
// the receiver's parameters
func (f *FeudalMLP) Clone() (feudal.TrainablePolicy, error) {
	conf := f.conf
	conf.Seed++
	clone, err := newFeudalMLP(conf, f.obsDim, f.numActions)
	if err != nil {
		return nil, fmt.Errorf("clone: %v", err)
	}
	if err := clone.SyncFrom(f); err != nil {
		return nil, fmt.Errorf("clone: %v", err)
	}
	return clone, nil
}

// trainNet returns the cached training network for the given batch
// size, building it on first use
func (f *FeudalMLP) trainNet(batch int) (*net, error) {
	if tn, ok := f.trainNets[batch]; ok {
		return tn, nil
	}
	tn, err := newNet(f.conf, f.obsDim, f.numActions, batch, true)
	if err != nil {
		return nil, fmt.Errorf("could not construct training network "+
			"for batch size %v: %v", batch, err)
	}
	f.trainNets[batch] = tn
	return tn, nil
}

// obsTensor copies a single observation into a 1 x obsDim tensor
func (f *FeudalMLP) obsTensor(obs mat.Vector) *tensor.Dense {
	data := make([]float64, f.obsDim)
	for i := range data {
		data[i] = obs.AtVec(i)
	}
	return tensor.New(tensor.WithShape(1, f.obsDim),
		tensor.WithBacking(data))
}

// takeGrads clones the gradients of params in order and zeroes the
// originals so they do not accumulate across runs
func takeGrads(params G.Nodes) ([]*tensor.Dense, error) {
	grads := make([]*tensor.Dense, len(params))
	for i, param := range params {
		gradVal, err := param.Grad()
		if err != nil {
			return nil, fmt.Errorf("no gradient for %v: %v", param.Name(),
				err)
		}
		grad := gradVal.(*tensor.Dense)
		grads[i] = grad.Clone().(*tensor.Dense)
		grad.Zero()
	}
	return grads, nil
}

// unit normalizes x to unit length in place, leaving near-zero
// vectors untouched
func unit(x []float64) {
	norm := math.Sqrt(floats.Dot(x, x))
	if norm > numEps {
		floats.Scale(1/norm, x)
	}
}

// denseTensor copies a gonum matrix into a tensor of the same shape
func denseTensor(m *mat.Dense) *tensor.Dense {
	r, c := m.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, m.RawRowView(i)...)
	}
	return tensor.New(tensor.WithShape(r, c), tensor.WithBacking(data))
}

// vecTensor copies a slice into a vector tensor
func vecTensor(data []float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(len(data)),
		tensor.WithBacking(append([]float64{}, data...)))
}

// scalarOf extracts a single float from a graph output value
func scalarOf(v G.Value) float64 {
	switch data := v.Data().(type) {
	case float64:
		return data
	case []float64:
		return data[0]
	default:
		panic(fmt.Sprintf("scalarOf: unexpected value type %T", data))
	}
}

// vecOf copies a graph output value into a new vector
func vecOf(v G.Value) *mat.VecDense {
	data := v.Data().([]float64)
	return mat.NewVecDense(len(data), append([]float64{}, data...))
}
