package model

import (
	"encoding/json"
	"fmt"
)

// Status is the registration state of one session slot as shown on the
// course page.
type Status int

const (
	StatusUnavailable Status = iota
	StatusAvailable
	StatusFull
	StatusEnrolled
	StatusOld
)

var statusNames = map[Status]string{
	StatusUnavailable: "unavailable",
	StatusAvailable:   "available",
	StatusFull:        "full",
	StatusEnrolled:    "enrolled",
	StatusOld:         "old",
}

var statusFromName = map[string]Status{
	"unavailable": StatusUnavailable,
	"available":   StatusAvailable,
	"full":        StatusFull,
	"enrolled":    StatusEnrolled,
	"old":         StatusOld,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := statusFromName[name]
	if !ok {
		return fmt.Errorf("unknown session status %q", name)
	}
	*s = v
	return nil
}

// SessionRecord is one scheduled occurrence of a course as observed at a
// single poll. Records are values; compare them with ==.
type SessionRecord struct {
	Day         string `json:"day"`
	Datetime    string `json:"datetime"`
	Hour        string `json:"hour"`
	Status      Status `json:"status"`
	CourseTitle string `json:"courseTitle"`
	Room        string `json:"room"`
	// SpotCount is only meaningful when Status is StatusAvailable.
	SpotCount int `json:"spotCount"`
}

// Key identifies the same session slot across two observations.
type Key struct {
	Day         string
	Datetime    string
	Hour        string
	CourseTitle string
	Room        string
}

func (r SessionRecord) Key() Key {
	return Key{
		Day:         r.Day,
		Datetime:    r.Datetime,
		Hour:        r.Hour,
		CourseTitle: r.CourseTitle,
		Room:        r.Room,
	}
}

func (r SessionRecord) Available() bool {
	return r.Status == StatusAvailable
}

func (k Key) String() string {
	return k.CourseTitle + "|" + k.Room + "|" + k.Day + "|" + k.Datetime + "|" + k.Hour
}

// WatchedCourse is a course page registered for polling. URL is the stable
// identity; Title is only for display.
type WatchedCourse struct {
	URL   string `json:"url" yaml:"url"`
	Title string `json:"title" yaml:"title"`
}

// Snapshot is the full list of sessions observed for one course at one tick,
// in page order.
type Snapshot []SessionRecord

// Available returns the AVAILABLE records of s in their original order.
func (s Snapshot) Available() []SessionRecord {
	out := make([]SessionRecord, 0)
	for _, r := range s {
		if r.Available() {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a copy that shares no backing array with s.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}
