package feudal

import (
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofeudal/environment"
	"github.com/samuelfneumann/gofeudal/timestep"
)

// stubEnv emits a fixed reward of 1 each step and an observation
// holding the within-episode step number. When terminalAt > 0,
// episodes terminate after that many steps.
type stubEnv struct {
	steps      int
	terminalAt int
	maxSteps   int
	resets     int
}

func (s *stubEnv) Reset() timestep.TimeStep {
	s.resets++
	s.steps = 0
	return timestep.New(timestep.First, 0, 1,
		mat.NewVecDense(1, []float64{0}), 0)
}

func (s *stubEnv) Step(action int) (timestep.TimeStep, error) {
	s.steps++
	stepType := timestep.Mid
	if s.terminalAt > 0 && s.steps >= s.terminalAt {
		stepType = timestep.Last
	}
	return timestep.New(stepType, 1, 1,
		mat.NewVecDense(1, []float64{float64(s.steps)}), s.steps), nil
}

func (s *stubEnv) ObservationSpec() environment.Spec { return environment.Spec{} }
func (s *stubEnv) ActionSpec() environment.Spec      { return environment.Spec{} }
func (s *stubEnv) MaxEpisodeSteps() int              { return s.maxSteps }
func (s *stubEnv) AutoResets() bool                  { return false }

// stubPolicy always prefers action 0 and reports fixed critic
// estimates
type stubPolicy struct {
	managerV float64
	workerV  float64
}

func (p *stubPolicy) InitialFeatures() Features { return Features{} }

func (p *stubPolicy) Act(obs mat.Vector, f Features) (Step, error) {
	return Step{
		ActionScores: mat.NewVecDense(2, []float64{1, 0}),
		Value:        p.workerV,
		ManagerValue: p.managerV,
		Goal:         mat.NewVecDense(1, nil),
		Embedding:    mat.NewVecDense(1, nil),
		Next:         Features{},
	}, nil
}

func (p *stubPolicy) Value(obs mat.Vector, f Features) (float64, float64,
	error) {
	return p.managerV, p.workerV, nil
}

// stubTracker counts the timesteps and episode ends it sees
type stubTracker struct {
	tracked int
	ended   int
}

func (s *stubTracker) Track(t timestep.TimeStep) { s.tracked++ }
func (s *stubTracker) Save()                     {}
func (s *stubTracker) EndEpisode()               { s.ended++ }

func TestRunnerCollectTruncated(t *testing.T) {
	env := &stubEnv{maxSteps: 100}
	policy := &stubPolicy{managerV: 3, workerV: 7}
	queue := make(chan *Rollout, 1)

	r, err := NewRunner(env, policy, 0, 4, queue, time.Second)
	if err != nil {
		t.Fatalf("newRunner: %v", err)
	}

	rollout := r.collect()
	if rollout.Len() != 4 {
		t.Errorf("collect: expected 4 steps, got %v", rollout.Len())
	}
	if rollout.Terminal {
		t.Error("collect: truncated fragment should not be terminal")
	}

	// A fragment truncated mid-episode bootstraps from the critics
	if rollout.ManagerR != 3 || rollout.WorkerR != 7 {
		t.Errorf("collect: bootstrap should be (3, 7), got (%v, %v)",
			rollout.ManagerR, rollout.WorkerR)
	}

	// Observations are recorded before stepping
	for i := 0; i < rollout.Len(); i++ {
		if rollout.Obs[i].AtVec(0) != float64(i) {
			t.Errorf("collect: observation %v should be %v, got %v", i,
				i, rollout.Obs[i].AtVec(0))
		}
	}
}

func TestRunnerCollectTerminal(t *testing.T) {
	env := &stubEnv{terminalAt: 2, maxSteps: 100}
	policy := &stubPolicy{managerV: 3, workerV: 7}
	queue := make(chan *Rollout, 1)

	r, err := NewRunner(env, policy, 0, 5, queue, time.Second)
	if err != nil {
		t.Fatalf("newRunner: %v", err)
	}

	rollout := r.collect()
	if rollout.Len() != 2 {
		t.Errorf("collect: episode end should cut the fragment at 2 "+
			"steps, got %v", rollout.Len())
	}
	if !rollout.Terminal {
		t.Error("collect: fragment ending the episode should be terminal")
	}
	if rollout.ManagerR != 0 || rollout.WorkerR != 0 {
		t.Errorf("collect: terminal fragment should not bootstrap, got "+
			"(%v, %v)", rollout.ManagerR, rollout.WorkerR)
	}
	if env.resets != 2 {
		t.Errorf("collect: environment should be reset after the "+
			"episode, got %v resets", env.resets)
	}
}

func TestRunnerCollectStepLimit(t *testing.T) {
	env := &stubEnv{maxSteps: 3}
	policy := &stubPolicy{managerV: 3, workerV: 7}
	queue := make(chan *Rollout, 1)
	tracker := &stubTracker{}

	r, err := NewRunner(env, policy, 0, 10, queue, time.Second, tracker)
	if err != nil {
		t.Fatalf("newRunner: %v", err)
	}

	rollout := r.collect()
	if rollout.Len() != 3 {
		t.Errorf("collect: step limit should cut the fragment at 3 "+
			"steps, got %v", rollout.Len())
	}
	if rollout.Terminal {
		t.Error("collect: an episode cut at the step limit is not a " +
			"true termination")
	}
	if env.resets != 2 {
		t.Errorf("collect: environment should be reset at the step "+
			"limit, got %v resets", env.resets)
	}

	// Trackers see every timestep, and are told about the cut episode
	// since the environment never emits a Last timestep
	if tracker.tracked != 3 {
		t.Errorf("collect: tracker should see 3 timesteps, got %v",
			tracker.tracked)
	}
	if tracker.ended != 1 {
		t.Errorf("collect: tracker should see 1 episode end, got %v",
			tracker.ended)
	}
}

func TestRunnerBackpressure(t *testing.T) {
	env := &stubEnv{maxSteps: 1000}
	policy := &stubPolicy{}
	queue := make(chan *Rollout, 1)

	r, err := NewRunner(env, policy, 0, 2, queue, time.Second)
	if err != nil {
		t.Fatalf("newRunner: %v", err)
	}
	r.Start()
	defer r.Stop()

	// Give the runner time to race ahead if it could: with a full
	// queue it must suspend instead, so fragments drained afterwards
	// are still contiguous
	time.Sleep(50 * time.Millisecond)
	if len(queue) != 1 {
		t.Fatalf("run: queue should hold exactly its capacity, got %v",
			len(queue))
	}

	var step float64
	for i := 0; i < 4; i++ {
		rollout := <-queue
		for j := 0; j < rollout.Len(); j++ {
			if rollout.Obs[j].AtVec(0) != step {
				t.Fatalf("run: fragment %v is not contiguous: observation "+
					"%v should be %v, got %v", i, j, step,
					rollout.Obs[j].AtVec(0))
			}
			step++
		}
	}
}

func TestRunnerQueueOrder(t *testing.T) {
	env := &stubEnv{maxSteps: 1000}
	policy := &stubPolicy{}
	queue := make(chan *Rollout, 1)

	r, err := NewRunner(env, policy, 0, 3, queue, time.Second)
	if err != nil {
		t.Fatalf("newRunner: %v", err)
	}
	r.Start()
	defer r.Stop()

	// Fragments arrive in collection order: each picks up at the
	// observation following its predecessor
	var step float64
	for i := 0; i < 3; i++ {
		rollout := <-queue
		for j := 0; j < rollout.Len(); j++ {
			if rollout.Obs[j].AtVec(0) != step {
				t.Fatalf("run: fragment %v out of order: observation %v "+
					"should be %v, got %v", i, j, step,
					rollout.Obs[j].AtVec(0))
			}
			step++
		}
	}
}
