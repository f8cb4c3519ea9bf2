package feudal

import (
	"math"
	"testing"
)

const tolerance float64 = 1e-12

func TestProcessTerminalReturns(t *testing.T) {
	r := NewRollout()
	addSteps(r, []float64{1, 2, 3}, true)
	// Bootstraps on a terminal fragment must be ignored
	r.ManagerR = 100
	r.WorkerR = 100

	b, err := process(r, 0.5, 0.5)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	expected := []float64{2.75, 3.5, 3}
	for i, want := range expected {
		if math.Abs(b.WorkerReturns.AtVec(i)-want) > tolerance {
			t.Errorf("process: worker return %v should be %v, got %v", i,
				want, b.WorkerReturns.AtVec(i))
		}
		if math.Abs(b.ManagerReturns.AtVec(i)-want) > tolerance {
			t.Errorf("process: manager return %v should be %v, got %v", i,
				want, b.ManagerReturns.AtVec(i))
		}
	}
	if !b.Terminal {
		t.Error("process: terminal rollout should produce a terminal batch")
	}
}

func TestProcessBootstrap(t *testing.T) {
	r := NewRollout()
	addSteps(r, []float64{1, 1}, false)
	r.ManagerR = 4
	r.WorkerR = 4

	b, err := process(r, 1.0, 1.0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if b.Len() != 2 {
		t.Fatalf("process: the virtual bootstrap element should be "+
			"dropped, got %v steps", b.Len())
	}
	expected := []float64{6, 5}
	for i, want := range expected {
		if math.Abs(b.WorkerReturns.AtVec(i)-want) > tolerance {
			t.Errorf("process: worker return %v should be %v, got %v", i,
				want, b.WorkerReturns.AtVec(i))
		}
	}
}

func TestProcessDualStreams(t *testing.T) {
	r := NewRollout()
	addSteps(r, []float64{1, 1, 1}, false)
	r.ManagerR = 2
	r.WorkerR = 8

	b, err := process(r, 1.0, 0.0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	// The streams share rewards but discount independently with their
	// own bootstrap
	managerWant := []float64{5, 4, 3}
	workerWant := []float64{1, 1, 1}
	for i := 0; i < b.Len(); i++ {
		if math.Abs(b.ManagerReturns.AtVec(i)-managerWant[i]) > tolerance {
			t.Errorf("process: manager return %v should be %v, got %v", i,
				managerWant[i], b.ManagerReturns.AtVec(i))
		}
		if math.Abs(b.WorkerReturns.AtVec(i)-workerWant[i]) > tolerance {
			t.Errorf("process: worker return %v should be %v, got %v", i,
				workerWant[i], b.WorkerReturns.AtVec(i))
		}
	}
}

func TestProcessRecurrence(t *testing.T) {
	rewards := []float64{0.5, -1, 2, 0, 3}
	gamma := 0.9
	bootstrap := 1.5

	r := NewRollout()
	addSteps(r, rewards, false)
	r.ManagerR = bootstrap
	r.WorkerR = bootstrap

	b, err := process(r, gamma, gamma)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	// ret[i] = rewards[i] + gamma*ret[i+1], bootstrapping the final
	// element
	next := bootstrap
	for i := len(rewards) - 1; i >= 0; i-- {
		want := rewards[i] + gamma*next
		if math.Abs(b.WorkerReturns.AtVec(i)-want) > tolerance {
			t.Errorf("process: return %v should be %v, got %v", i, want,
				b.WorkerReturns.AtVec(i))
		}
		next = want
	}
}

func TestProcessShapes(t *testing.T) {
	r := NewRollout()
	addSteps(r, []float64{1, 2, 3, 4}, false)

	b, err := process(r, 0.9, 0.99)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	rows, _ := b.Obs.Dims()
	if rows != 4 || b.Len() != 4 {
		t.Errorf("process: expected 4 rows, got %v", rows)
	}
	if b.ManagerReturns.Len() != 4 || b.WorkerReturns.Len() != 4 {
		t.Errorf("process: return streams should have 4 elements, got "+
			"(%v, %v)", b.ManagerReturns.Len(), b.WorkerReturns.Len())
	}
	if len(b.Values) != 4 || len(b.ManagerValues) != 4 {
		t.Errorf("process: critic streams should have 4 elements, got "+
			"(%v, %v)", len(b.Values), len(b.ManagerValues))
	}
}

func TestProcessEmptyRollout(t *testing.T) {
	if _, err := process(NewRollout(), 0.9, 0.9); err == nil {
		t.Error("process: an empty rollout should not be processable")
	}
}
