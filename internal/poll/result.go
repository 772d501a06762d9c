package poll

import (
	"encoding/json"
	"time"

	"coursewatch/internal/model"
)

// Stage names where processing of one course stopped.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageParse  Stage = "parse"
	StageDiff   Stage = "diff"
	StageNotify Stage = "notify"
	StageDone   Stage = "done"
)

// CourseResult is the outcome of one course in one tick. Err is nil when
// the snapshot was committed and any notification was delivered.
type CourseResult struct {
	Course model.WatchedCourse
	Stage  Stage
	Err    error

	// Sessions is the size of the fetched snapshot (0 on fetch/parse failure).
	Sessions int
	// NewlyAvailable is the size of the delta handed to the sink.
	NewlyAvailable int
	// Committed reports whether the snapshot store was updated.
	Committed bool
	// ConsecutiveFailures counts failed ticks for this course in a row,
	// including this one.
	ConsecutiveFailures int

	At       time.Time
	Duration time.Duration
}

func (r CourseResult) Failed() bool { return r.Err != nil }

func (r CourseResult) MarshalJSON() ([]byte, error) {
	type out struct {
		Course              model.WatchedCourse `json:"course"`
		Stage               Stage               `json:"stage"`
		Error               string              `json:"error,omitempty"`
		Sessions            int                 `json:"sessions"`
		NewlyAvailable      int                 `json:"newlyAvailable"`
		Committed           bool                `json:"committed"`
		ConsecutiveFailures int                 `json:"consecutiveFailures"`
		At                  time.Time           `json:"at"`
		DurationMs          int64               `json:"durationMs"`
	}
	o := out{
		Course:              r.Course,
		Stage:               r.Stage,
		Sessions:            r.Sessions,
		NewlyAvailable:      r.NewlyAvailable,
		Committed:           r.Committed,
		ConsecutiveFailures: r.ConsecutiveFailures,
		At:                  r.At,
		DurationMs:          r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		o.Error = r.Err.Error()
	}
	return json.Marshal(o)
}

// TickReport aggregates every course result of one tick.
type TickReport struct {
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Results  []CourseResult `json:"results"`
}

// Failed returns how many courses failed in this tick.
func (t TickReport) Failed() int {
	n := 0
	for _, r := range t.Results {
		if r.Failed() {
			n++
		}
	}
	return n
}

// Notified returns the total number of newly available sessions found.
func (t TickReport) Notified() int {
	n := 0
	for _, r := range t.Results {
		n += r.NewlyAvailable
	}
	return n
}
