package main

import (
	"fmt"
	"log"

	"github.com/samuelfneumann/progressbar"
	"gonum.org/v1/gonum/spatial/r1"

	"github.com/samuelfneumann/gofeudal/environment"
	"github.com/samuelfneumann/gofeudal/environment/classiccontrol/cartpole"
	"github.com/samuelfneumann/gofeudal/feudal"
	"github.com/samuelfneumann/gofeudal/initwfn"
	"github.com/samuelfneumann/gofeudal/network"
	"github.com/samuelfneumann/gofeudal/policy/feudalmlp"
	"github.com/samuelfneumann/gofeudal/solver"
	"github.com/samuelfneumann/gofeudal/tracker"
)

func main() {
	var seed uint64 = 192382
	updates := 2_500

	// Create the environment
	bounds := r1.Interval{Min: -0.05, Max: 0.05}
	starter := environment.NewUniformStarter([]r1.Interval{
		bounds, bounds, bounds, bounds,
	}, seed)
	env, _ := cartpole.New(starter, 0.99, 500)

	// Create the global policy
	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		log.Fatalf("could not create weight initializer: %v", err)
	}
	policyConf := feudalmlp.Config{
		PerceptHidden:      []int{64},
		PerceptBiases:      []bool{true},
		PerceptActivations: []*network.Activation{network.TanH()},
		EmbeddingSize:      16,
		Horizon:            10,
		IntrinsicScale:     0.1,
		EntropyScale:       0.01,
		ValueScale:         0.5,
		InitWFn:            init,
		Seed:               seed,
	}
	global, err := feudalmlp.New(env, policyConf)
	if err != nil {
		log.Fatalf("could not create policy: %v", err)
	}

	// Create the optimizer
	managerSolver, err := solver.NewDefaultAdam(1e-4, 1)
	if err != nil {
		log.Fatalf("could not create manager solver: %v", err)
	}
	workerSolver, err := solver.NewDefaultAdam(1e-4, 1)
	if err != nil {
		log.Fatalf("could not create worker solver: %v", err)
	}
	conf := feudal.Config{
		ManagerDiscount: 0.999,
		WorkerDiscount:  0.99,
		ManagerGradClip: 40.0,
		WorkerGradClip:  40.0,
		ManagerSolver:   managerSolver,
		WorkerSolver:    workerSolver,
		LocalSteps:      20,
	}
	opt, err := feudal.NewOptimizer(global, 0, nil, conf)
	if err != nil {
		log.Fatalf("could not create optimizer: %v", err)
	}

	// Collect experience with the optimizer's local policy in the
	// background
	returns := tracker.NewReturn("./data.bin")
	runner, err := feudal.NewRunner(env, opt.Local(), 0, conf.LocalSteps,
		opt.Queue(), feudal.DefaultQueueTimeout, returns)
	if err != nil {
		log.Fatalf("could not create runner: %v", err)
	}
	runner.Start()

	pbar := progressbar.NewManual(50, updates)
	pbar.Display()
	for i := 0; i < updates; i++ {
		if err := opt.Step(); err != nil {
			log.Fatalf("update %v failed: %v", i, err)
		}
		pbar.Increment()
		pbar.Display()
	}
	fmt.Println()
	runner.Stop()

	returns.Save()
	data := tracker.LoadData("./data.bin")
	last := 10
	if len(data) < last {
		last = len(data)
	}
	fmt.Printf("global step %v: last returns %v\n",
		opt.GlobalStep().Count(), data[len(data)-last:])
}
