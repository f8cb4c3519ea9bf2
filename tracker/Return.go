package tracker

import (
	"encoding/gob"
	"log"
	"os"

	ts "github.com/samuelfneumann/gofeudal/timestep"
)

// Return tracks and saves the episodic return. When the rollout runner
// produces a TimeStep, this Tracker extracts the reward and
// accumulates the return for each episode.
//
// Note: an episode must finish for this Tracker to record its data.
// If the last episode tracked does not finish, that episode's return
// will not be saved.
type Return struct {
	currentReturn  float64
	episodeReturns []float64
	filename       string
}

// NewReturn creates and returns a new *Return Tracker
func NewReturn(filename string) Tracker {
	return &Return{filename: filename}
}

// Track tracks the reward seen on a timestep. By calling this method
// on every timestep, the Tracker will accumulate all rewards seen in
// the episode and record the cumulative reward for that episode as the
// episodic return. When a new episode starts, this method
// automatically starts accumulating the rewards for the new episode
// separately from those of previous episodes.
func (r *Return) Track(step ts.TimeStep) {
	r.currentReturn += step.Reward

	if step.Last() {
		// Episode has ended, record the return and begin tracking the
		// return of a new episode
		r.episodeReturns = append(r.episodeReturns, r.currentReturn)
		r.currentReturn = 0.0
	}
}

// EndEpisode records the return of an episode that was cut off by a
// step limit rather than by an environment termination.
func (r *Return) EndEpisode() {
	r.episodeReturns = append(r.episodeReturns, r.currentReturn)
	r.currentReturn = 0.0
}

// Save saves the data tracked by the Return Tracker to disk.
func (r *Return) Save() {
	// Open the file to save to
	file, err := os.Create(r.filename)
	if err != nil {
		log.Fatalf("could not open save file: %v", err)
	}
	defer file.Close()

	// Encode and save the file
	en := gob.NewEncoder(file)
	if err = en.Encode(r.episodeReturns); err != nil {
		log.Fatalf("could not encode episodic return data: %v", err)
	}
}
