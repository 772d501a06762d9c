package poll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	appLog "coursewatch/internal/log"
	"coursewatch/internal/model"
	"coursewatch/internal/notify"
	"coursewatch/internal/scrape"
	"coursewatch/internal/snapshot"
)

var (
	ErrInvalidInterval = errors.New("interval must be a positive number of seconds")
	ErrWatchRejected   = errors.New("watch rejected")
	ErrUnknownWatch    = errors.New("course is not watched")
)

// Source is the fetch+parse boundary the loop polls through.
type Source interface {
	// Sessions returns the current snapshot of a course.
	Sessions(ctx context.Context, course model.WatchedCourse) (model.Snapshot, error)
	// Title looks up the display title of a course page. Used to validate
	// a URL when it is registered.
	Title(ctx context.Context, url string) (string, error)
}

// Options configures a Loop.
type Options struct {
	Interval      time.Duration
	CourseTimeout time.Duration
	Running       bool
	Watches       []model.WatchedCourse
	// OnWatchesChanged, if set, is called with the new watch list after
	// every successful add or remove.
	OnWatchesChanged func([]model.WatchedCourse)
}

// Loop polls every watched course on a schedule, diffs each fresh snapshot
// against the stored one and forwards newly available sessions to the sink.
//
// Run is the only writer of the snapshot store. Other goroutines change the
// watch set, interval and run flag through the exported methods; those
// changes are picked up by the loop at its next tick or sleep.
type Loop struct {
	source        Source
	store         *snapshot.Store
	sink          notify.Sink
	courseTimeout time.Duration
	onWatches     func([]model.WatchedCourse)

	mu       sync.Mutex
	watches  []model.WatchedCourse
	removed  map[string]bool // snapshots to drop at the next tick
	interval time.Duration
	running  bool
	active   bool
	lastTick *TickReport
	results  map[string]CourseResult
	failures map[string]int

	wake chan struct{}
	now  func() time.Time
}

func NewLoop(source Source, store *snapshot.Store, sink notify.Sink, opts Options) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.CourseTimeout <= 0 {
		opts.CourseTimeout = time.Minute
	}
	if sink == nil {
		sink = notify.LogSink{}
	}

	l := &Loop{
		source:        source,
		store:         store,
		sink:          sink,
		courseTimeout: opts.CourseTimeout,
		onWatches:     opts.OnWatchesChanged,
		removed:       make(map[string]bool),
		interval:      opts.Interval,
		running:       opts.Running,
		results:       make(map[string]CourseResult),
		failures:      make(map[string]int),
		wake:          make(chan struct{}, 1),
		now:           time.Now,
	}
	seen := make(map[string]bool)
	for _, w := range opts.Watches {
		w.URL = strings.TrimSpace(w.URL)
		if w.URL == "" || seen[w.URL] {
			continue
		}
		seen[w.URL] = true
		l.watches = append(l.watches, w)
	}
	return l
}

// Run drives the loop until ctx is canceled. While paused it keeps sleeping
// for the configured interval and runs as soon as Start is called.
func (l *Loop) Run(ctx context.Context) {
	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		appLog.Warn("poll loop already running")
		return
	}
	l.active = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.active = false
		l.mu.Unlock()
	}()

	appLog.Info("poll loop started", "interval", l.Interval(), "watches", len(l.Watches()), "running", l.Running())

	for {
		if ctx.Err() != nil {
			appLog.Info("poll loop stopped")
			return
		}
		if l.Running() {
			l.Tick(ctx)
		}

		// The interval is read here, so a change made during a sleep
		// applies from the following sleep on.
		d := l.Interval()
		if l.Running() {
			appLog.Info("next poll scheduled", "in", d)
		} else {
			appLog.Debug("poll loop paused", "recheck_in", d)
		}

		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			appLog.Info("poll loop stopped")
			return
		case <-timer.C:
		case <-l.wake:
			timer.Stop()
		}
	}
}

// Tick processes every watched course once, in insertion order. Failures
// are isolated per course.
func (l *Loop) Tick(ctx context.Context) TickReport {
	l.mu.Lock()
	watches := append([]model.WatchedCourse(nil), l.watches...)
	removed := l.removed
	l.removed = make(map[string]bool)
	l.mu.Unlock()

	for key := range removed {
		l.store.Delete(key)
	}

	report := TickReport{
		Started: l.now(),
		Results: make([]CourseResult, 0, len(watches)),
	}
	for _, course := range watches {
		if ctx.Err() != nil {
			break
		}
		res := l.processCourse(ctx, course)
		report.Results = append(report.Results, res)
	}
	report.Finished = l.now()

	l.mu.Lock()
	l.lastTick = &report
	for _, res := range report.Results {
		l.results[res.Course.URL] = res
	}
	l.mu.Unlock()

	appLog.Info("poll tick finished",
		"courses", len(report.Results),
		"failed", report.Failed(),
		"newly_available", report.Notified(),
		"took", report.Finished.Sub(report.Started).Round(time.Millisecond),
	)
	return report
}

// processCourse runs fetch → get → diff → put → notify for one course.
func (l *Loop) processCourse(ctx context.Context, course model.WatchedCourse) (res CourseResult) {
	start := l.now()
	res = CourseResult{Course: course, At: start}

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
			appLog.Error("course processing panicked", res.Err, "url", course.URL, "stage", res.Stage)
		}
		res.Duration = l.now().Sub(start)
		res.ConsecutiveFailures = l.recordOutcome(course.URL, res.Err)
	}()

	res.Stage = StageFetch
	fetchCtx, cancel := context.WithTimeout(ctx, l.courseTimeout)
	current, err := l.source.Sessions(fetchCtx, course)
	cancel()
	if err != nil {
		var pe *scrape.ParseError
		if errors.As(err, &pe) {
			res.Stage = StageParse
		}
		res.Err = err
		// Baseline stays as it was: a failed fetch or parse is "no update".
		appLog.Error("course poll failed, keeping previous snapshot", err, "url", course.URL, "title", course.Title, "stage", res.Stage)
		return res
	}
	res.Sessions = len(current)

	res.Stage = StageDiff
	previous, seen := l.store.Get(course.URL)
	delta, err := snapshot.Diff(previous, seen, current)
	if err != nil {
		res.Err = err
		appLog.Error("course diff failed, keeping previous snapshot", err, "url", course.URL)
		return res
	}

	l.store.Put(course.URL, current)
	res.Committed = true
	res.NewlyAvailable = len(delta)

	if len(delta) == 0 {
		appLog.Debug("no newly available sessions", "url", course.URL, "first_observation", !seen)
		res.Stage = StageDone
		return res
	}

	res.Stage = StageNotify
	appLog.Info("newly available sessions", "url", course.URL, "title", course.Title, "count", len(delta), "first_observation", !seen)
	notifyCtx, cancel := context.WithTimeout(ctx, l.courseTimeout)
	defer cancel()
	err = l.sink.Notify(notifyCtx, notify.Notification{
		Course:   course,
		Sessions: delta,
		At:       l.now(),
	})
	if err != nil {
		res.Err = err
		appLog.Error("notification delivery failed", err, "url", course.URL, "count", len(delta))
		return res
	}
	res.Stage = StageDone
	return res
}

func (l *Loop) recordOutcome(url string, err error) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, url)
		return 0
	}
	l.failures[url]++
	return l.failures[url]
}

// AddWatch registers courseURL after validating it with a title lookup. A
// URL that is already watched returns its existing title. A failed lookup
// rejects the watch and leaves loop state untouched.
func (l *Loop) AddWatch(ctx context.Context, courseURL string) (string, error) {
	courseURL = strings.TrimSpace(courseURL)
	if courseURL == "" {
		return "", fmt.Errorf("%w: empty url", ErrWatchRejected)
	}
	if w, ok := l.watch(courseURL); ok {
		return w.Title, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, l.courseTimeout)
	title, err := l.source.Title(lookupCtx, courseURL)
	cancel()
	if err != nil {
		appLog.Error("watch rejected: title lookup failed", err, "url", courseURL)
		return "", fmt.Errorf("%w: %v", ErrWatchRejected, err)
	}
	if strings.TrimSpace(title) == "" {
		return "", fmt.Errorf("%w: %v", ErrWatchRejected, scrape.ErrNoTitle)
	}

	l.mu.Lock()
	for _, w := range l.watches {
		if w.URL == courseURL {
			l.mu.Unlock()
			return w.Title, nil
		}
	}
	l.watches = append(l.watches, model.WatchedCourse{URL: courseURL, Title: title})
	watches := append([]model.WatchedCourse(nil), l.watches...)
	l.mu.Unlock()

	appLog.Info("watch added", "url", courseURL, "title", title)
	l.watchesChanged(watches)
	return title, nil
}

// RemoveWatch stops polling courseURL. Its snapshot is discarded by the loop
// at the start of the next tick.
func (l *Loop) RemoveWatch(courseURL string) error {
	courseURL = strings.TrimSpace(courseURL)

	l.mu.Lock()
	idx := -1
	for i, w := range l.watches {
		if w.URL == courseURL {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWatch, courseURL)
	}
	l.watches = append(l.watches[:idx:idx], l.watches[idx+1:]...)
	l.removed[courseURL] = true
	delete(l.results, courseURL)
	delete(l.failures, courseURL)
	watches := append([]model.WatchedCourse(nil), l.watches...)
	l.mu.Unlock()

	appLog.Info("watch removed", "url", courseURL)
	l.watchesChanged(watches)
	return nil
}

func (l *Loop) watchesChanged(watches []model.WatchedCourse) {
	if l.onWatches != nil {
		l.onWatches(watches)
	}
}

func (l *Loop) watch(courseURL string) (model.WatchedCourse, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.watches {
		if w.URL == courseURL {
			return w, true
		}
	}
	return model.WatchedCourse{}, false
}

// Watches returns the watched courses in insertion order.
func (l *Loop) Watches() []model.WatchedCourse {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.WatchedCourse(nil), l.watches...)
}

// SetInterval changes the sleep between ticks. It applies from the next
// sleep on; a sleep in progress keeps its deadline.
func (l *Loop) SetInterval(seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("%w: given %d", ErrInvalidInterval, seconds)
	}
	l.mu.Lock()
	l.interval = time.Duration(seconds) * time.Second
	l.mu.Unlock()
	appLog.Info("poll interval changed", "seconds", seconds)
	return nil
}

func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Start resumes polling. A paused loop wakes up and ticks right away.
func (l *Loop) Start() {
	l.mu.Lock()
	wasRunning := l.running
	l.running = true
	l.mu.Unlock()

	if !wasRunning {
		appLog.Info("poll loop resumed")
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
}

// Stop pauses polling. A tick in progress finishes; no new tick starts
// until Start is called.
func (l *Loop) Stop() {
	l.mu.Lock()
	wasRunning := l.running
	l.running = false
	l.mu.Unlock()
	if wasRunning {
		appLog.Info("poll loop paused")
	}
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Status is a point-in-time view of the loop for the command surface.
type Status struct {
	Running  bool                  `json:"running"`
	Active   bool                  `json:"active"`
	Interval int                   `json:"intervalSeconds"`
	Watches  []model.WatchedCourse `json:"watches"`
	LastTick *TickReport           `json:"lastTick,omitempty"`
	Courses  []CourseResult        `json:"courses"`
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Status{
		Running:  l.running,
		Active:   l.active,
		Interval: int(l.interval / time.Second),
		Watches:  append([]model.WatchedCourse(nil), l.watches...),
		Courses:  make([]CourseResult, 0, len(l.watches)),
	}
	if l.lastTick != nil {
		tick := *l.lastTick
		tick.Results = append([]CourseResult(nil), l.lastTick.Results...)
		st.LastTick = &tick
	}
	for _, w := range l.watches {
		if r, ok := l.results[w.URL]; ok {
			st.Courses = append(st.Courses, r)
		}
	}
	return st
}
