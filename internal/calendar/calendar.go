// Package calendar renders available sessions as an iCalendar feed so they
// can be subscribed to from any calendar client.
package calendar

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "coursewatch/internal/log"
	"coursewatch/internal/model"
)

const productID = "-//coursewatch//available sessions//EN"

var (
	dateFull  = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{2,4})$`)
	dateShort = regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.?$`)
	clockRe   = regexp.MustCompile(`(\d{1,2})[:hH.](\d{2})`)
)

// Config controls how labels are turned into times.
type Config struct {
	Location *time.Location
	// SessionLength is used when an hour label has no end time.
	SessionLength time.Duration
	// Now is the reference for resolving dates without a year. Defaults to time.Now.
	Now func() time.Time
}

// Course is one watched course with its latest snapshot.
type Course struct {
	Course   model.WatchedCourse
	Snapshot model.Snapshot
}

// Builder builds the feed.
type Builder struct {
	cfg Config
}

func NewBuilder(cfg Config) *Builder {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SessionLength <= 0 {
		cfg.SessionLength = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Builder{cfg: cfg}
}

// LoadLocation resolves a timezone name, falling back to time.Local.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

// Build returns a VCALENDAR with one VEVENT per available session. Sessions
// whose labels cannot be resolved to a time are skipped.
func (b *Builder) Build(courses []Course) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	stamp := b.cfg.Now().UTC()
	skipped := 0
	for _, c := range courses {
		for _, s := range c.Snapshot.Available() {
			start, end, err := b.Span(s)
			if err != nil {
				skipped++
				appLog.Debug("calendar: skipping session", "url", c.Course.URL, "date", s.Datetime, "hour", s.Hour, "error", err)
				continue
			}

			ev := cal.AddEvent(eventUID(c.Course.URL, s.Key()))
			ev.SetDtStampTime(stamp)
			ev.SetStartAt(start)
			ev.SetEndAt(end)
			ev.SetSummary(summary(c.Course, s))
			if s.Room != "" {
				ev.SetLocation(s.Room)
			}
			ev.SetURL(c.Course.URL)
			ev.SetDescription(fmt.Sprintf("%d spot(s) available", s.SpotCount))
		}
	}
	if skipped > 0 {
		appLog.Warn("calendar: sessions with unreadable date or hour skipped", "count", skipped)
	}
	return cal
}

// Render serializes Build's output.
func (b *Builder) Render(courses []Course) string {
	return b.Build(courses).Serialize()
}

// Span resolves the start and end of a session from its labels.
func (b *Builder) Span(s model.SessionRecord) (time.Time, time.Time, error) {
	day, err := ResolveDate(s.Datetime, b.cfg.Now().In(b.cfg.Location))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	clocks := clockRe.FindAllStringSubmatch(s.Hour, 2)
	if len(clocks) == 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("no time in hour label %q", s.Hour)
	}
	start, err := at(day, clocks[0], b.cfg.Location)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end := start.Add(b.cfg.SessionLength)
	if len(clocks) == 2 {
		e, err := at(day, clocks[1], b.cfg.Location)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if e.After(start) {
			end = e
		}
	}
	return start, end, nil
}

// ResolveDate parses a session date label. "dd.mm.yyyy" (or a two-digit
// year) is taken as is. A label without a year, "dd.mm", resolves to the
// next such day on or after ref's date.
func ResolveDate(label string, ref time.Time) (time.Time, error) {
	label = strings.TrimSpace(label)
	loc := ref.Location()

	if m := dateFull.FindStringSubmatch(label); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		if y < 100 {
			y += 2000
		}
		t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, loc)
		if t.Day() != d || int(t.Month()) != mo {
			return time.Time{}, fmt.Errorf("invalid date %q", label)
		}
		return t, nil
	}

	m := dateShort.FindStringSubmatch(label)
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", label)
	}
	d, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, fmt.Errorf("invalid date %q", label)
	}

	today := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, loc)
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:       rrule.YEARLY,
		Bymonth:    []int{mo},
		Bymonthday: []int{d},
		Dtstart:    today,
		Count:      8,
	})
	if err != nil {
		return time.Time{}, err
	}
	next := r.After(today, true)
	if next.IsZero() {
		return time.Time{}, errors.New("no occurrence for date " + label)
	}
	return next, nil
}

func at(day time.Time, clock []string, loc *time.Location) (time.Time, error) {
	h, _ := strconv.Atoi(clock[1])
	mi, _ := strconv.Atoi(clock[2])
	if h > 23 || mi > 59 {
		return time.Time{}, fmt.Errorf("invalid time %s:%s", clock[1], clock[2])
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, mi, 0, 0, loc), nil
}

func summary(c model.WatchedCourse, s model.SessionRecord) string {
	title := s.CourseTitle
	if title == "" {
		title = c.Title
	}
	return fmt.Sprintf("%s (%d available)", title, s.SpotCount)
}

// eventUID is stable for a session slot so calendar clients update events
// in place across refreshes.
func eventUID(courseURL string, k model.Key) string {
	h := sha1.Sum([]byte(courseURL + "\x00" + k.String()))
	return hex.EncodeToString(h[:12]) + "@coursewatch"
}
