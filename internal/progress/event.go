package progress

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRequestDone Stage = "REQUEST_DONE"
	StageRunDone     Stage = "RUN_DONE"
)

// Event captures one step of a country fan-out.
type Event struct {
	// RunID identifies the fan-out run.
	RunID string
	// Country is the normalized country code being fetched.
	Country string
	TS      time.Time
	Stage   Stage
	// RequestType is set for REQUEST_DONE events.
	RequestType string
	// Completed counts finished request types, 1..Total, in completion order.
	Completed int
	Total     int
	// Success is the request outcome for REQUEST_DONE and "any request
	// succeeded" for RUN_DONE.
	Success bool
	// Reason is the failure reason when Success is false.
	Reason string
	// Summary is the human readable status line.
	Summary string
	Dur     time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageRequestDone:
		if e.RequestType == "" {
			return errors.New("request done requires request type")
		}
		if e.Completed < 1 || e.Completed > e.Total {
			return fmt.Errorf("completed %d out of range 1..%d", e.Completed, e.Total)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Percent returns Completed/Total as a percentage rounded to two decimals.
func (e Event) Percent() float64 {
	if e.Total <= 0 {
		return 0
	}
	return math.Round(float64(e.Completed)/float64(e.Total)*10000) / 100
}
