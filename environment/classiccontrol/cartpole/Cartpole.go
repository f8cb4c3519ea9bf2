// Package cartpole implements the Cartpole classic control environment
package cartpole

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"

	env "github.com/samuelfneumann/gofeudal/environment"
	ts "github.com/samuelfneumann/gofeudal/timestep"
	"github.com/samuelfneumann/gofeudal/utils/floatutils"
)

const (
	// Physical constants
	Gravity        float64 = 9.8
	CartMass       float64 = 1.0
	PoleMass       float64 = 0.1
	HalfPoleLength float64 = 0.5  // half of pole length
	ForceMag       float64 = 10.0 // Magnification of force applied
	Dt             float64 = 0.02 // seconds between state updates

	// Bounds (+/-) on state variables
	PositionBounds float64 = 2.4
	AngleBounds    float64 = math.Pi

	// FailAngle is the pole angle beyond which the balance episode
	// fails
	FailAngle float64 = 12 * 2 * math.Pi / 360

	// Discrete actions
	MinDiscreteAction int = 0
	MaxDiscreteAction int = 2

	// Features constitutes the number of state observation features
	Features int = 4

	// Actions constitutes the number of discrete actions
	Actions int = 3
)

// Cartpole implements the classic control cartpole balance environment.
// A pole is attached to a cart, which can move along a horizontal
// track. The agent must keep the pole upright for as long as possible.
//
// The state features are continuous and consist of the cart's x
// position and speed, as well as the pole's angle from the positive
// y-axis and the pole's angular velocity.
//
// Actions are discrete and consist of the force applied to the cart:
//
//	Action	Meaning
//	  0		Accelerate left
//	  1		Do nothing
//	  2		Accelerate right
//
// The reward is +1 on every step while the pole is balanced and -1 on
// the step at which the pole falls past FailAngle or the cart leaves
// the track. Episodes end on failure; a per-episode step cap is
// reported through MaxEpisodeSteps and enforced by the caller. The
// environment does not auto-reset.
type Cartpole struct {
	env.Starter
	lastStep        ts.TimeStep
	discount        float64
	maxEpisodeSteps int
	positionBounds  r1.Interval
	angleBounds     r1.Interval
}

// New constructs a new Cartpole environment with the given start-state
// distribution, discount factor, and per-episode step cap. The first
// TimeStep of the first episode is returned alongside the environment.
func New(s env.Starter, discount float64,
	maxEpisodeSteps int) (*Cartpole, ts.TimeStep) {
	positionBounds := r1.Interval{Min: -PositionBounds, Max: PositionBounds}
	angleBounds := r1.Interval{Min: -AngleBounds, Max: AngleBounds}

	state := s.Start()
	if state.Len() != Features {
		panic(fmt.Sprintf("new: expected %d state features, got %d",
			Features, state.Len()))
	}

	firstStep := ts.New(ts.First, 0.0, discount, state, 0)

	cartpole := &Cartpole{s, firstStep, discount, maxEpisodeSteps,
		positionBounds, angleBounds}

	return cartpole, firstStep
}

// Reset resets the environment and returns a starting state drawn from
// the environment Starter
func (c *Cartpole) Reset() ts.TimeStep {
	state := c.Start()
	startStep := ts.New(ts.First, 0, c.discount, state, 0)
	c.lastStep = startStep

	return startStep
}

// Step takes one environmental step given a discrete action in
// {0, 1, 2} and returns the next state as a timestep.TimeStep
func (c *Cartpole) Step(action int) (ts.TimeStep, error) {
	if action < MinDiscreteAction || action > MaxDiscreteAction {
		return ts.TimeStep{}, fmt.Errorf("step: illegal action %v ∉ (0, 1, 2)",
			action)
	}

	// Get state variables
	state := c.lastStep.Observation
	x, xDot := state.AtVec(0), state.AtVec(1)
	th, thDot := state.AtVec(2), state.AtVec(3)

	// Magnify the action force in the appropriate direction
	var force float64
	switch action {
	case 0:
		force = -ForceMag
	case 2:
		force = ForceMag
	default:
		force = 0.0 // No action taken
	}

	// Calculate physical variables to determine the next state
	cosTheta := math.Cos(th)
	sinTheta := math.Sin(th)

	totalMass := PoleMass + CartMass
	poleMassOverLength := PoleMass / HalfPoleLength

	temp := (force + poleMassOverLength*thDot*thDot*sinTheta) / totalMass
	thAcc := (Gravity*sinTheta - cosTheta*temp) / (HalfPoleLength *
		(4.0/3.0 - PoleMass*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassOverLength*thAcc*cosTheta/totalMass

	// Update state variables using Euler kinematic integration
	x += Dt * xDot
	xDot += Dt * xAcc
	th = normalizeAngle(th+Dt*thDot, c.angleBounds)
	thDot += Dt * thAcc

	newState := mat.NewVecDense(Features, []float64{x, xDot, th, thDot})

	failed := math.Abs(th) > FailAngle ||
		x < c.positionBounds.Min || x > c.positionBounds.Max

	reward := 1.0
	stepType := ts.Mid
	if failed {
		reward = -1.0
		stepType = ts.Last
	}

	nextStep := ts.New(stepType, reward, c.discount, newState,
		c.lastStep.Number+1)
	c.lastStep = nextStep

	return nextStep, nil
}

// MaxEpisodeSteps returns the per-episode step cap
func (c *Cartpole) MaxEpisodeSteps() int {
	return c.maxEpisodeSteps
}

// AutoResets indicates that Cartpole requires an explicit Reset between
// episodes
func (c *Cartpole) AutoResets() bool {
	return false
}

// ActionSpec returns the action specification of the environment
func (c *Cartpole) ActionSpec() env.Spec {
	shape := mat.NewVecDense(1, nil)
	lowerBound := mat.NewVecDense(1, []float64{float64(MinDiscreteAction)})
	upperBound := mat.NewVecDense(1, []float64{float64(MaxDiscreteAction)})

	return env.NewSpec(shape, env.Action, lowerBound, upperBound,
		env.Discrete)
}

// ObservationSpec returns the observation specification of the
// environment
func (c *Cartpole) ObservationSpec() env.Spec {
	shape := mat.NewVecDense(Features, nil)

	lower := []float64{c.positionBounds.Min, math.Inf(-1),
		c.angleBounds.Min, math.Inf(-1)}
	lowerBound := mat.NewVecDense(Features, lower)

	upper := []float64{c.positionBounds.Max, math.Inf(1),
		c.angleBounds.Max, math.Inf(1)}
	upperBound := mat.NewVecDense(Features, upper)

	return env.NewSpec(shape, env.Observation, lowerBound, upperBound,
		env.Continuous)
}

func (c *Cartpole) String() string {
	msg := "Cartpole  |  Position: %v  | Speed: %v  |  Angle: %v" +
		"  |  Angular Velocity: %v"

	state := c.lastStep.Observation
	position, speed := state.AtVec(0), state.AtVec(1)
	angle, velocity := state.AtVec(2), state.AtVec(3)

	return fmt.Sprintf(msg, position, speed, angle, velocity)
}

// normalizeAngle normalizes the pole angle to within the angle bounds
func normalizeAngle(th float64, angleBounds r1.Interval) float64 {
	if angleBounds.Max != -angleBounds.Min {
		panic("angle bounds should be centered around 0")
	}

	if th > angleBounds.Max {
		divisor := int(th / angleBounds.Max)
		return -angleBounds.Max + th - (angleBounds.Max * float64(divisor))
	} else if th < angleBounds.Min {
		divisor := int(th / angleBounds.Min)
		return angleBounds.Max + th - (angleBounds.Min * float64(divisor))
	}
	return floatutils.Clip(th, angleBounds.Min, angleBounds.Max)
}
