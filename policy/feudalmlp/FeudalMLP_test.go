package feudalmlp

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"

	"github.com/samuelfneumann/gofeudal/environment"
	"github.com/samuelfneumann/gofeudal/environment/classiccontrol/cartpole"
	"github.com/samuelfneumann/gofeudal/feudal"
	"github.com/samuelfneumann/gofeudal/initwfn"
	"github.com/samuelfneumann/gofeudal/network"
)

const tolerance float64 = 1e-6

func testSetup(t *testing.T) (*FeudalMLP, environment.Environment) {
	t.Helper()

	bounds := r1.Interval{Min: -0.05, Max: 0.05}
	starter := environment.NewUniformStarter([]r1.Interval{
		bounds, bounds, bounds, bounds,
	}, 42)
	env, _ := cartpole.New(starter, 0.99, 500)

	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		t.Fatalf("could not create weight initializer: %v", err)
	}
	policy, err := New(env, Config{
		PerceptHidden:      []int{8},
		PerceptBiases:      []bool{true},
		PerceptActivations: []*network.Activation{network.ReLU()},
		EmbeddingSize:      2,
		Horizon:            2,
		IntrinsicScale:     0.1,
		EntropyScale:       0.01,
		ValueScale:         0.5,
		InitWFn:            init,
		Seed:               42,
	})
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}
	return policy, env
}

func TestInitialFeatures(t *testing.T) {
	policy, _ := testSetup(t)

	feat := policy.InitialFeatures()
	if len(feat.Recurrent) != 2 {
		t.Errorf("initialFeatures: window should have 2 goals, got %v",
			len(feat.Recurrent))
	}
	for i, g := range feat.Recurrent {
		if mat.Norm(g, 2) != 0 {
			t.Errorf("initialFeatures: goal %v should be zero", i)
		}
	}
	if mat.Norm(feat.ManagerState, 2) != 0 {
		t.Error("initialFeatures: manager state should be zero")
	}
}

func TestActShapes(t *testing.T) {
	policy, env := testSetup(t)

	step, err := policy.Act(env.Reset().Observation,
		policy.InitialFeatures())
	if err != nil {
		t.Fatalf("act: %v", err)
	}

	if step.ActionScores.Len() != cartpole.Actions {
		t.Errorf("act: expected %v action scores, got %v",
			cartpole.Actions, step.ActionScores.Len())
	}
	if step.Goal.Len() != 2 || step.Embedding.Len() != 2 {
		t.Errorf("act: goal and embedding should live in the embedding "+
			"space, got lengths (%v, %v)", step.Goal.Len(),
			step.Embedding.Len())
	}

	// Goals are unit directions in the embedding space
	if math.Abs(mat.Norm(step.Goal, 2)-1) > 1e-3 {
		t.Errorf("act: goal should have unit norm, got %v",
			mat.Norm(step.Goal, 2))
	}

	// The new goal is pushed onto the recurrent window
	next := step.Next
	if len(next.Recurrent) != 2 {
		t.Fatalf("act: next window should have 2 goals, got %v",
			len(next.Recurrent))
	}
	latest := next.Recurrent[len(next.Recurrent)-1]
	for i := 0; i < latest.Len(); i++ {
		if latest.AtVec(i) != step.Goal.AtVec(i) {
			t.Fatal("act: the newest window entry should be the goal")
		}
	}
}

func TestActRejectsMalformedFeatures(t *testing.T) {
	policy, env := testSetup(t)

	// A recurrent window of the wrong length is a caller bug, not
	// something to silently repair
	_, err := policy.Act(env.Reset().Observation, feudal.Features{})
	if err == nil {
		t.Error("act: an empty recurrent window should be rejected")
	}

	short := policy.InitialFeatures()
	short.Recurrent = short.Recurrent[1:]
	if _, err := policy.Act(env.Reset().Observation, short); err == nil {
		t.Error("act: a short recurrent window should be rejected")
	}
}

func TestUpdateBatch(t *testing.T) {
	policy, _ := testSetup(t)

	// Embeddings move along the first axis; goals alternate between
	// the two axes
	s := mat.NewDense(3, 2, []float64{
		0, 0,
		1, 0,
		3, 0,
	})
	g := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		1, 0,
	})

	b := &feudal.Batch{
		Obs:            mat.NewDense(3, cartpole.Features, nil),
		Actions:        mat.NewDense(3, cartpole.Actions, nil),
		ManagerReturns: mat.NewVecDense(3, nil),
		WorkerReturns:  mat.NewVecDense(3, nil),
		S:              s,
		G:              g,
		Features:       policy.InitialFeatures(),
		Values:         make([]float64, 3),
		ManagerValues:  make([]float64, 3),
	}

	b, err := policy.UpdateBatch(b)
	if err != nil {
		t.Fatalf("updateBatch: %v", err)
	}

	// Transition directions are unit vectors, clamped to the final
	// embedding near the fragment end
	wantSDiff := [][]float64{{1, 0}, {1, 0}, {0, 0}}
	for row, want := range wantSDiff {
		for j, w := range want {
			if math.Abs(b.SDiff.At(row, j)-w) > tolerance {
				t.Errorf("updateBatch: sDiff[%v][%v] should be %v, got %v",
					row, j, w, b.SDiff.At(row, j))
			}
		}
	}

	// Pooled goals sum the window, falling back onto the (zeroed)
	// pre-fragment window at the start
	wantGSum := [][]float64{{1, 0}, {1, 1}, {1, 1}}
	for row, want := range wantGSum {
		for j, w := range want {
			if math.Abs(b.GSum.At(row, j)-w) > tolerance {
				t.Errorf("updateBatch: gSum[%v][%v] should be %v, got %v",
					row, j, w, b.GSum.At(row, j))
			}
		}
	}

	// Intrinsic reward averages the cosine between past goals and the
	// directions actually travelled since they were set
	wantRi := []float64{0, 1, 0.5}
	for row, want := range wantRi {
		if math.Abs(b.Ri.AtVec(row)-want) > tolerance {
			t.Errorf("updateBatch: ri[%v] should be %v, got %v", row, want,
				b.Ri.AtVec(row))
		}
	}
}

func TestGradientsDeterministic(t *testing.T) {
	bounds := r1.Interval{Min: -0.05, Max: 0.05}
	starter := environment.NewUniformStarter([]r1.Interval{
		bounds, bounds, bounds, bounds,
	}, 42)
	env, _ := cartpole.New(starter, 0.99, 500)

	init, err := initwfn.NewConstant(0.05)
	if err != nil {
		t.Fatalf("could not create weight initializer: %v", err)
	}
	conf := Config{
		PerceptHidden:      []int{8},
		PerceptBiases:      []bool{true},
		PerceptActivations: []*network.Activation{network.ReLU()},
		EmbeddingSize:      2,
		Horizon:            2,
		IntrinsicScale:     0.1,
		EntropyScale:       0.01,
		ValueScale:         0.5,
		InitWFn:            init,
	}

	first, err := New(env, conf)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}
	conf.Seed = 7
	second, err := New(env, conf)
	if err != nil {
		t.Fatalf("could not create policy: %v", err)
	}

	b := &feudal.Batch{
		Obs: mat.NewDense(2, cartpole.Features, []float64{
			0.01, -0.02, 0.03, 0.01,
			0.02, -0.01, 0.02, -0.03,
		}),
		Actions: mat.NewDense(2, cartpole.Actions, []float64{
			1, 0, 0,
			0, 1, 0,
		}),
		ManagerReturns: mat.NewVecDense(2, []float64{1.5, 0.5}),
		WorkerReturns:  mat.NewVecDense(2, []float64{1.2, 0.4}),
		S: mat.NewDense(2, 2, []float64{
			0.1, 0.2,
			0.3, 0.1,
		}),
		G: mat.NewDense(2, 2, []float64{
			1, 0,
			0, 1,
		}),
		Features:      first.InitialFeatures(),
		Values:        []float64{0.3, 0.2},
		ManagerValues: []float64{0.4, 0.1},
	}
	if b, err = first.UpdateBatch(b); err != nil {
		t.Fatalf("updateBatch: %v", err)
	}

	// Constant weight initialization makes the two policies identical,
	// so their losses and gradients on one batch must agree exactly
	firstGrads, err := first.Gradients(b)
	if err != nil {
		t.Fatalf("gradients: %v", err)
	}
	secondGrads, err := second.Gradients(b)
	if err != nil {
		t.Fatalf("gradients: %v", err)
	}

	if math.Abs(firstGrads.Loss-secondGrads.Loss) > tolerance {
		t.Errorf("gradients: losses should agree, got %v and %v",
			firstGrads.Loss, secondGrads.Loss)
	}
	if math.IsNaN(firstGrads.Loss) {
		t.Error("gradients: loss should be finite")
	}

	for i := range firstGrads.Worker {
		got := firstGrads.Worker[i].Data().([]float64)
		want := secondGrads.Worker[i].Data().([]float64)
		for j := range got {
			if math.Abs(got[j]-want[j]) > tolerance {
				t.Fatalf("gradients: worker gradient %v differs at %v: "+
					"%v != %v", i, j, got[j], want[j])
			}
		}
	}
	for i := range firstGrads.Manager {
		got := firstGrads.Manager[i].Data().([]float64)
		want := secondGrads.Manager[i].Data().([]float64)
		for j := range got {
			if math.Abs(got[j]-want[j]) > tolerance {
				t.Fatalf("gradients: manager gradient %v differs at %v: "+
					"%v != %v", i, j, got[j], want[j])
			}
		}
	}
}

func TestGradientsRequiresUpdateBatch(t *testing.T) {
	policy, _ := testSetup(t)

	b := &feudal.Batch{
		Obs:     mat.NewDense(1, cartpole.Features, nil),
		Actions: mat.NewDense(1, cartpole.Actions, nil),
	}
	if _, err := policy.Gradients(b); err == nil {
		t.Error("gradients: a batch without derived fields should be " +
			"rejected")
	}
}
