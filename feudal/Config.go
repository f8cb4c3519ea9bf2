package feudal

import (
	"fmt"
	"time"

	"github.com/samuelfneumann/gofeudal/solver"
)

// Default configuration values
const (
	DefaultQueueCapacity int           = 5
	DefaultQueueTimeout  time.Duration = 600 * time.Second
	DefaultSummaryEvery  int           = 11
)

// Config describes a configuration of the feudal Optimizer
type Config struct {
	// Discount factors for the manager and worker return streams
	ManagerDiscount float64
	WorkerDiscount  float64

	// Global-norm clipping thresholds applied independently to the
	// manager and worker gradient groups. A non-positive threshold
	// disables clipping for that group.
	ManagerGradClip float64
	WorkerGradClip  float64

	// Solvers applied to the manager and worker subsets of the shared
	// parameters
	ManagerSolver *solver.Solver
	WorkerSolver  *solver.Solver

	// LocalSteps is the maximum number of steps collected into one
	// trajectory fragment
	LocalSteps int

	// QueueCapacity bounds the number of fragments buffered between
	// the rollout runner and the optimizer. If zero,
	// DefaultQueueCapacity is used.
	QueueCapacity int

	// QueueTimeout bounds how long either side of the fragment queue
	// waits before failing. If zero, DefaultQueueTimeout is used.
	QueueTimeout time.Duration

	// SummaryEvery is the update cadence at which the coordinator
	// task logs gradient norms and loss. If zero, DefaultSummaryEvery
	// is used.
	SummaryEvery int
}

// Validate checks whether the Config describes a valid Optimizer
func (c Config) Validate() error {
	if c.ManagerDiscount < 0 || c.ManagerDiscount > 1 {
		return fmt.Errorf("validate: manager discount %v ∉ [0, 1]",
			c.ManagerDiscount)
	}
	if c.WorkerDiscount < 0 || c.WorkerDiscount > 1 {
		return fmt.Errorf("validate: worker discount %v ∉ [0, 1]",
			c.WorkerDiscount)
	}
	if c.LocalSteps <= 0 {
		return fmt.Errorf("validate: local steps must be positive \n\t"+
			"have(%v)", c.LocalSteps)
	}
	if c.ManagerSolver == nil || c.WorkerSolver == nil {
		return fmt.Errorf("validate: manager and worker solvers are " +
			"required")
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("validate: queue capacity cannot be negative "+
			"\n\thave(%v)", c.QueueCapacity)
	}
	return nil
}

func (c Config) queueCapacity() int {
	if c.QueueCapacity == 0 {
		return DefaultQueueCapacity
	}
	return c.QueueCapacity
}

func (c Config) queueTimeout() time.Duration {
	if c.QueueTimeout == 0 {
		return DefaultQueueTimeout
	}
	return c.QueueTimeout
}

func (c Config) summaryEvery() int {
	if c.SummaryEvery == 0 {
		return DefaultSummaryEvery
	}
	return c.SummaryEvery
}
