package feudal

import (
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gofeudal/environment"
	"github.com/samuelfneumann/gofeudal/timestep"
	"github.com/samuelfneumann/gofeudal/tracker"
	"github.com/samuelfneumann/gofeudal/utils/floatutils"
)

// rewardWindow is the number of recent episodic returns averaged in
// the runner's progress log line
const rewardWindow int = 30

// episodeEnder is implemented by trackers that need to be told about
// episodes cut at the step limit, which never produce a Last timestep
type episodeEnder interface {
	EndEpisode()
}

// Runner collects experience from a single environment under the
// current policy and pushes fixed-size trajectory fragments onto a
// bounded queue. Run blocks, so a Runner is normally started with
// Start and left running for the lifetime of training; the queue's
// capacity provides backpressure so collection never races far ahead
// of optimization.
type Runner struct {
	env        environment.Environment
	policy     Policy
	task       int
	localSteps int
	queue      chan<- *Rollout
	timeout    time.Duration
	trackers   []tracker.Tracker

	stop chan struct{}
	done chan struct{}

	step     timestep.TimeStep
	features Features

	episodeReturn float64
	episodeLength int
	recentReturns []float64
}

// NewRunner returns a Runner that collects fragments of up to
// localSteps transitions from env under policy, pushing them onto
// queue. The task index only labels log output. Trackers are offered
// every timestep the runner sees.
func NewRunner(env environment.Environment, policy Policy, task,
	localSteps int, queue chan<- *Rollout, timeout time.Duration,
	trackers ...tracker.Tracker) (*Runner, error) {
	if localSteps <= 0 {
		return nil, fmt.Errorf("newRunner: local steps must be positive "+
			"\n\thave(%v)", localSteps)
	}

	return &Runner{
		env:        env,
		policy:     policy,
		task:       task,
		localSteps: localSteps,
		queue:      queue,
		timeout:    timeout,
		trackers:   trackers,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		step:       env.Reset(),
		features:   policy.InitialFeatures(),
	}, nil
}

// Start launches the runner's collection loop in a background
// goroutine
func (r *Runner) Start() {
	go r.Run()
}

// Run collects fragments forever, blocking whenever the queue is
// full. A full queue that stays full for longer than the runner's
// timeout means the consumer has died, and the runner panics rather
// than silently stalling.
func (r *Runner) Run() {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		rollout := r.collect()

		select {
		case r.queue <- rollout:
		case <-r.stop:
			return
		case <-time.After(r.timeout):
			panic(fmt.Sprintf("run: task %d could not enqueue a rollout "+
				"within %v", r.task, r.timeout))
		}
	}
}

// Stop makes a started runner return after it finishes its current
// fragment and waits for it to do so. Stop must only be called once,
// and only on a runner whose Run loop is executing.
func (r *Runner) Stop() {
	close(r.stop)
	<-r.done
}

// collect gathers the next trajectory fragment: up to localSteps
// transitions, fewer if the episode ends first. Fragments that end
// without a true environment termination carry bootstrap critic
// estimates for the successor state.
func (r *Runner) collect() *Rollout {
	rollout := NewRollout()
	terminalEnd := false

	for i := 0; i < r.localSteps; i++ {
		policyStep, err := r.policy.Act(r.step.Observation, r.features)
		if err != nil {
			panic(fmt.Sprintf("collect: task %d could not act: %v", r.task,
				err))
		}
		action := floatutils.ArgMax(policyStep.ActionScores.RawVector().Data)

		nextStep, err := r.env.Step(action)
		if err != nil {
			panic(fmt.Sprintf("collect: task %d could not step: %v", r.task,
				err))
		}

		rollout.Add(r.step.Observation, oneHot(action,
			policyStep.ActionScores.Len()), nextStep.Reward,
			policyStep.Value, policyStep.ManagerValue, policyStep.Goal,
			policyStep.Embedding, nextStep.Last(), r.features)

		for _, t := range r.trackers {
			t.Track(nextStep)
		}

		r.step = nextStep
		r.features = policyStep.Next
		r.episodeReturn += nextStep.Reward
		r.episodeLength++

		if nextStep.Last() || r.episodeLength >= r.env.MaxEpisodeSteps() {
			terminalEnd = true
			r.endEpisode(nextStep.Last())
			break
		}
	}

	if !terminalEnd {
		managerR, workerR, err := r.policy.Value(r.step.Observation,
			r.features)
		if err != nil {
			panic(fmt.Sprintf("collect: task %d could not bootstrap: %v",
				r.task, err))
		}
		rollout.ManagerR = managerR
		rollout.WorkerR = workerR
	}

	return rollout
}

// endEpisode finishes the runner's episode bookkeeping and resets the
// environment and recurrent state for the next episode. envTerminated
// distinguishes a true termination from an episode cut at the step
// limit.
func (r *Runner) endEpisode(envTerminated bool) {
	r.recentReturns = append(r.recentReturns, r.episodeReturn)
	if len(r.recentReturns) > rewardWindow {
		r.recentReturns = r.recentReturns[1:]
	}

	log.Printf("task %d: episode finished: return %v, length %v, mean "+
		"return over last %d episodes %v", r.task, r.episodeReturn,
		r.episodeLength, len(r.recentReturns),
		floatutils.Mean(r.recentReturns))

	if !envTerminated {
		// The environment never emitted a Last timestep, so trackers
		// segmenting data by episode must be told explicitly
		for _, t := range r.trackers {
			if e, ok := t.(episodeEnder); ok {
				e.EndEpisode()
			}
		}
	}

	if !envTerminated || !r.env.AutoResets() {
		r.step = r.env.Reset()
	}
	r.features = r.policy.InitialFeatures()
	r.episodeReturn = 0
	r.episodeLength = 0
}

// oneHot returns a length-n one-hot vector with index i hot
func oneHot(i, n int) *mat.VecDense {
	v := mat.NewVecDense(n, nil)
	v.SetVec(i, 1)
	return v
}
