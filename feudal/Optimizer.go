package feudal

import (
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gofeudal/solver"
)

// GlobalStep counts environment transitions consumed by gradient
// updates across every optimizer sharing it. Safe for concurrent use.
type GlobalStep struct {
	n int64
}

// Add adds n transitions to the counter, returning the new total
func (g *GlobalStep) Add(n int) int64 {
	return atomic.AddInt64(&g.n, int64(n))
}

// Count returns the current total
func (g *GlobalStep) Count() int64 {
	return atomic.LoadInt64(&g.n)
}

// Optimizer turns buffered trajectory fragments into gradient updates
// on a shared (global) policy. Each optimizer keeps a private clone of
// the global policy: before every update the clone is synchronized
// with the global parameters, gradients are computed on the clone, and
// the resulting gradients are applied to the global parameters. With a
// single optimizer this is plain synchronous training; with several,
// it is asynchronous in the A3C sense.
type Optimizer struct {
	conf   Config
	task   int
	global TrainablePolicy
	local  TrainablePolicy
	queue  chan *Rollout
	step   *GlobalStep

	updates int
}

// NewOptimizer returns an Optimizer updating global. The optimizer
// owns the fragment queue; wire runners to it with Queue. The task
// index labels log output and selects which optimizer emits periodic
// summaries (task 0). A nil step counter gets a private one.
func NewOptimizer(global TrainablePolicy, task int, step *GlobalStep,
	conf Config) (*Optimizer, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("newOptimizer: %v", err)
	}

	local, err := global.Clone()
	if err != nil {
		return nil, fmt.Errorf("newOptimizer: could not clone global "+
			"policy: %v", err)
	}
	if step == nil {
		step = new(GlobalStep)
	}

	return &Optimizer{
		conf:   conf,
		task:   task,
		global: global,
		local:  local,
		queue:  make(chan *Rollout, conf.queueCapacity()),
		step:   step,
	}, nil
}

// Queue returns the send side of the optimizer's fragment queue
func (o *Optimizer) Queue() chan<- *Rollout {
	return o.queue
}

// Local returns the optimizer's private clone of the global policy.
// Runners feeding this optimizer should act with the local policy so
// that collection follows each synchronization.
func (o *Optimizer) Local() Policy {
	return o.local
}

// GlobalStep returns the optimizer's transition counter
func (o *Optimizer) GlobalStep() *GlobalStep {
	return o.step
}

// Step performs one gradient update: synchronize the local policy with
// the global parameters, pull a (possibly merged) fragment off the
// queue, compute gradients on the local policy, and apply them to the
// global parameters. Blocks until a fragment is available.
func (o *Optimizer) Step() error {
	if err := o.local.SyncFrom(o.global); err != nil {
		return fmt.Errorf("step: could not sync local policy: %v", err)
	}

	rollout, err := o.pullBatch()
	if err != nil {
		return fmt.Errorf("step: %v", err)
	}

	batch, err := process(rollout, o.conf.ManagerDiscount,
		o.conf.WorkerDiscount)
	if err != nil {
		return fmt.Errorf("step: %v", err)
	}
	batch, err = o.local.UpdateBatch(batch)
	if err != nil {
		return fmt.Errorf("step: could not update batch: %v", err)
	}

	grads, err := o.local.Gradients(batch)
	if err != nil {
		return fmt.Errorf("step: could not compute gradients: %v", err)
	}
	managerNorm := clipByGlobalNorm(grads.Manager, o.conf.ManagerGradClip)
	workerNorm := clipByGlobalNorm(grads.Worker, o.conf.WorkerGradClip)

	err = applyGradients(o.conf.ManagerSolver, o.global.ManagerParams(),
		grads.Manager)
	if err != nil {
		return fmt.Errorf("step: could not apply manager gradients: %v",
			err)
	}
	err = applyGradients(o.conf.WorkerSolver, o.global.WorkerParams(),
		grads.Worker)
	if err != nil {
		return fmt.Errorf("step: could not apply worker gradients: %v",
			err)
	}

	total := o.step.Add(batch.Len())
	o.updates++
	if o.task == 0 && o.updates%o.conf.summaryEvery() == 0 {
		log.Printf("update %d (global step %d): loss %v, manager grad "+
			"norm %v, worker grad norm %v", o.updates, total, grads.Loss,
			managerNorm, workerNorm)
	}

	return nil
}

// pullBatch receives the next fragment from the queue, then greedily
// merges any immediately available successor fragments so one update
// covers as much buffered experience as possible. Merging stops at a
// terminal fragment, since experience from the following episode
// belongs to a separate update. Never blocks beyond the first receive.
func (o *Optimizer) pullBatch() (*Rollout, error) {
	var rollout *Rollout
	select {
	case rollout = <-o.queue:
	case <-time.After(o.conf.queueTimeout()):
		return nil, fmt.Errorf("pullBatch: no rollout received within %v",
			o.conf.queueTimeout())
	}

	for !rollout.Terminal {
		select {
		case next := <-o.queue:
			if err := rollout.Extend(next); err != nil {
				return nil, fmt.Errorf("pullBatch: %v", err)
			}
		default:
			return rollout, nil
		}
	}
	return rollout, nil
}

// clipByGlobalNorm rescales grads in place so their joint Euclidean
// norm does not exceed clip, returning the pre-clipping norm. A
// non-positive clip only measures.
func clipByGlobalNorm(grads []*tensor.Dense, clip float64) float64 {
	var sumSquares float64
	for _, g := range grads {
		data := g.Data().([]float64)
		sumSquares += floats.Dot(data, data)
	}
	norm := math.Sqrt(sumSquares)

	if clip > 0 && norm > clip {
		scale := clip / norm
		for _, g := range grads {
			floats.Scale(scale, g.Data().([]float64))
		}
	}
	return norm
}

// paramGrad pairs a parameter value with an externally computed
// gradient so a solver can consume them as one model entry
type paramGrad struct {
	value G.Value
	grad  G.Value
}

func (p paramGrad) Value() G.Value {
	return p.value
}

func (p paramGrad) Grad() (G.Value, error) {
	return p.grad, nil
}

// applyGradients applies grads to params with s. Solvers update
// parameter values in place, so changes are visible to every policy
// sharing the underlying tensors.
func applyGradients(s *solver.Solver, params G.Nodes,
	grads []*tensor.Dense) error {
	if len(params) != len(grads) {
		return fmt.Errorf("applyGradients: gradient count does not match "+
			"parameter count \n\twant(%v)\n\thave(%v)", len(params),
			len(grads))
	}

	model := make([]G.ValueGrad, len(params))
	for i, param := range params {
		model[i] = paramGrad{value: param.Value(), grad: grads[i]}
	}
	return s.Step(model)
}
