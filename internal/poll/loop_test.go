package poll

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coursewatch/internal/config"
	"coursewatch/internal/model"
	"coursewatch/internal/notify"
	"coursewatch/internal/scrape"
	"coursewatch/internal/snapshot"
)

const (
	courseA = "https://sport.unil.ch/?mid=1&aid=58"
	courseB = "https://sport.unil.ch/?mid=1&aid=59"
)

type result struct {
	snap model.Snapshot
	err  error
}

// fakeSource replays scripted results per URL. The last result repeats.
type fakeSource struct {
	mu      sync.Mutex
	results map[string][]result
	titles  map[string]string
	calls   map[string]int
	block   map[string]bool
	panics  map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		results: make(map[string][]result),
		titles:  make(map[string]string),
		calls:   make(map[string]int),
		block:   make(map[string]bool),
		panics:  make(map[string]bool),
	}
}

func (f *fakeSource) script(url string, rs ...result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[url] = append(f.results[url], rs...)
}

func (f *fakeSource) Sessions(ctx context.Context, course model.WatchedCourse) (model.Snapshot, error) {
	f.mu.Lock()
	f.calls[course.URL]++
	blocking := f.block[course.URL]
	panicking := f.panics[course.URL]
	rs := f.results[course.URL]
	var r result
	if len(rs) > 0 {
		r = rs[0]
		if len(rs) > 1 {
			f.results[course.URL] = rs[1:]
		}
	}
	f.mu.Unlock()

	if panicking {
		panic("parser exploded")
	}
	if blocking {
		<-ctx.Done()
		return nil, &scrape.FetchError{URL: course.URL, Err: ctx.Err()}
	}
	return r.snap.Clone(), r.err
}

func (f *fakeSource) Title(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.titles[url]
	if !ok {
		return "", &scrape.FetchError{URL: url, StatusCode: 404, Err: errors.New("not found")}
	}
	return t, nil
}

func (f *fakeSource) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// hookSource calls before ahead of every Sessions call.
type hookSource struct {
	*fakeSource
	before func(url string)
}

func (h *hookSource) Sessions(ctx context.Context, course model.WatchedCourse) (model.Snapshot, error) {
	h.before(course.URL)
	return h.fakeSource.Sessions(ctx, course)
}

// recordingSink captures every notification.
type recordingSink struct {
	mu   sync.Mutex
	got  []notify.Notification
	fail error
}

func (s *recordingSink) Notify(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.fail
}

func (s *recordingSink) notifications() []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Notification(nil), s.got...)
}

func session(hour string, status model.Status) model.SessionRecord {
	spots := 0
	if status == model.StatusAvailable {
		spots = 2
	}
	return model.SessionRecord{
		Day:         "Lundi",
		Datetime:    "04.03.2024",
		Hour:        hour,
		Status:      status,
		CourseTitle: "Volleyball",
		Room:        "Dorigny 1",
		SpotCount:   spots,
	}
}

func newTestLoop(src Source, sink notify.Sink, watches ...string) (*Loop, *snapshot.Store) {
	store := snapshot.NewStore()
	var ws []model.WatchedCourse
	for _, u := range watches {
		ws = append(ws, model.WatchedCourse{URL: u, Title: "Volleyball"})
	}
	l := NewLoop(src, store, sink, Options{
		Interval:      time.Hour,
		CourseTimeout: time.Second,
		Running:       true,
		Watches:       ws,
	})
	return l, store
}

func TestTick_FirstObservationNotifiesAvailable(t *testing.T) {
	src := newFakeSource()
	cur := model.Snapshot{session("08:00", model.StatusFull), session("09:00", model.StatusAvailable)}
	src.script(courseA, result{snap: cur})
	sink := &recordingSink{}
	l, store := newTestLoop(src, sink, courseA)

	report := l.Tick(context.Background())

	if report.Failed() != 0 || report.Notified() != 1 {
		t.Fatalf("report failed=%d notified=%d", report.Failed(), report.Notified())
	}
	got := sink.notifications()
	if len(got) != 1 || !reflect.DeepEqual(got[0].Sessions, []model.SessionRecord{cur[1]}) {
		t.Fatalf("notifications = %+v", got)
	}
	if got[0].Course.URL != courseA {
		t.Errorf("notification course = %q", got[0].Course.URL)
	}
	stored, ok := store.Get(courseA)
	if !ok || !reflect.DeepEqual(stored, cur) {
		t.Errorf("stored = %+v, %v", stored, ok)
	}
}

func TestTick_TransitionsAcrossTicks(t *testing.T) {
	src := newFakeSource()
	src.script(courseA,
		result{snap: model.Snapshot{session("08:00", model.StatusFull)}},
		result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}},
		result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}},
		result{snap: model.Snapshot{session("08:00", model.StatusFull)}},
		result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}},
	)
	sink := &recordingSink{}
	l, _ := newTestLoop(src, sink, courseA)

	want := []int{0, 1, 0, 0, 1}
	for i, n := range want {
		report := l.Tick(context.Background())
		if got := report.Notified(); got != n {
			t.Errorf("tick %d: notified %d, want %d", i, got, n)
		}
	}
	if len(sink.notifications()) != 2 {
		t.Errorf("sink got %d notifications, want 2", len(sink.notifications()))
	}
}

func TestTick_FetchFailureKeepsBaseline(t *testing.T) {
	src := newFakeSource()
	src.script(courseA,
		result{snap: model.Snapshot{session("08:00", model.StatusFull)}},
		result{err: &scrape.FetchError{URL: courseA, StatusCode: 502, Err: errors.New("bad gateway")}},
		result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}},
	)
	sink := &recordingSink{}
	l, store := newTestLoop(src, sink, courseA)

	l.Tick(context.Background())
	report := l.Tick(context.Background())
	res := report.Results[0]
	if !res.Failed() || res.Stage != StageFetch || res.Committed {
		t.Fatalf("failed tick result = %+v", res)
	}
	stored, _ := store.Get(courseA)
	if stored[0].Status != model.StatusFull {
		t.Fatalf("baseline changed after fetch failure: %+v", stored)
	}

	// Recovery compares against the pre-failure baseline.
	report = l.Tick(context.Background())
	if report.Notified() != 1 {
		t.Errorf("recovery tick notified %d, want 1", report.Notified())
	}
}

func TestTick_ParseFailureKeepsBaseline(t *testing.T) {
	src := newFakeSource()
	src.script(courseA,
		result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}},
		result{err: &scrape.ParseError{URL: courseA, Err: errors.New("missing hour")}},
	)
	l, store := newTestLoop(src, &recordingSink{}, courseA)

	l.Tick(context.Background())
	res := l.Tick(context.Background()).Results[0]
	if res.Stage != StageParse || res.Committed {
		t.Fatalf("result = %+v, want parse failure without commit", res)
	}
	if res.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", res.ConsecutiveFailures)
	}
	if stored, _ := store.Get(courseA); len(stored) != 1 || !stored[0].Available() {
		t.Errorf("stored = %+v", stored)
	}
}

func TestTick_MaintenancePageKeepsBaseline(t *testing.T) {
	const item = `<div class="item"><span class="day">Lundi</span> <span class="dt">04.03.2024</span>
		<span class="hour">12:15 - 13:30</span><div class="inscr">%s</div></div>`
	page := func(control string) string {
		return `<html><body><h1>Volleyball</h1><div class="cours_items"><span class="lieu">Dorigny 1</span>` +
			strings.Replace(item, "%s", control, 1) + `</div></body></html>`
	}
	pages := []string{
		page(`<span class="full">Complet</span>`),
		`<html><body><h1>Maintenance en cours</h1></body></html>`,
		page(`<a class="btn_insc" href="?pid=80&amp;sid=1">S'inscrire</a>`),
	}

	var served atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sid") != "" {
			_, _ = w.Write([]byte(`<dl><dt>Individuel: 3</dt></dl>`))
			return
		}
		i := int(served.Add(1)) - 1
		if i >= len(pages) {
			i = len(pages) - 1
		}
		_, _ = w.Write([]byte(pages[i]))
	}))
	defer srv.Close()

	src := scrape.NewScraper(scrape.NewHTTPFetcher(config.UpstreamConfig{}), scrape.NewParser(config.DefaultParser()))
	sink := &recordingSink{}
	course := srv.URL + "/course"
	l, store := newTestLoop(src, sink, course)

	if report := l.Tick(context.Background()); report.Failed() != 0 {
		t.Fatalf("tick 1 failed: %v", report.Results[0].Err)
	}

	res := l.Tick(context.Background()).Results[0]
	var pe *scrape.ParseError
	if !errors.As(res.Err, &pe) || res.Stage != StageParse || res.Committed {
		t.Fatalf("tick 2 result = %+v, want uncommitted parse failure", res)
	}
	if stored, _ := store.Get(course); len(stored) != 1 || stored[0].Status != model.StatusFull {
		t.Fatalf("baseline after maintenance page = %+v", stored)
	}

	if n := l.Tick(context.Background()).Notified(); n != 1 {
		t.Fatalf("tick 3 notified %d, want the FULL->AVAILABLE transition", n)
	}
	got := sink.notifications()
	if len(got) != 1 || got[0].Sessions[0].SpotCount != 3 {
		t.Errorf("notifications = %+v", got)
	}
}

func TestTick_DuplicateKeysAreNotStored(t *testing.T) {
	src := newFakeSource()
	dup := session("08:00", model.StatusAvailable)
	src.script(courseA, result{snap: model.Snapshot{dup, dup}})
	sink := &recordingSink{}
	l, store := newTestLoop(src, sink, courseA)

	res := l.Tick(context.Background()).Results[0]
	if !errors.Is(res.Err, snapshot.ErrDuplicateKey) || res.Stage != StageDiff {
		t.Fatalf("result = %+v, want duplicate key diff failure", res)
	}
	if _, ok := store.Get(courseA); ok {
		t.Error("snapshot stored despite duplicate keys")
	}
	if len(sink.notifications()) != 0 {
		t.Error("sink notified despite duplicate keys")
	}
}

func TestTick_FailureIsIsolatedPerCourse(t *testing.T) {
	src := newFakeSource()
	src.script(courseA, result{err: &scrape.FetchError{URL: courseA, Err: errors.New("connection reset")}})
	src.script(courseB, result{snap: model.Snapshot{session("10:00", model.StatusAvailable)}})
	sink := &recordingSink{}
	l, store := newTestLoop(src, sink, courseA, courseB)

	report := l.Tick(context.Background())
	if len(report.Results) != 2 || report.Failed() != 1 {
		t.Fatalf("report = %+v", report)
	}
	if report.Results[0].Course.URL != courseA || report.Results[1].Course.URL != courseB {
		t.Errorf("courses processed out of insertion order")
	}
	if _, ok := store.Get(courseB); !ok {
		t.Error("healthy course was not committed")
	}
	if got := sink.notifications(); len(got) != 1 || got[0].Course.URL != courseB {
		t.Errorf("notifications = %+v", got)
	}
}

func TestTick_NotifyFailureStillCommits(t *testing.T) {
	src := newFakeSource()
	src.script(courseA, result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}})
	sink := &recordingSink{fail: errors.New("webhook down")}
	l, store := newTestLoop(src, sink, courseA)

	res := l.Tick(context.Background()).Results[0]
	if res.Stage != StageNotify || res.Err == nil || !res.Committed {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := store.Get(courseA); !ok {
		t.Fatal("snapshot not committed after notify failure")
	}

	// The same state is not re-announced on the next tick.
	sink.fail = nil
	if n := l.Tick(context.Background()).Notified(); n != 0 {
		t.Errorf("second tick notified %d, want 0", n)
	}
}

func TestTick_EmptySnapshotIsStored(t *testing.T) {
	src := newFakeSource()
	src.script(courseA,
		result{snap: model.Snapshot{}},
		result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}},
	)
	l, store := newTestLoop(src, &recordingSink{}, courseA)

	l.Tick(context.Background())
	if snap, ok := store.Get(courseA); !ok || len(snap) != 0 {
		t.Fatalf("empty snapshot not stored: %+v %v", snap, ok)
	}
	// A session with no previous counterpart is not a transition.
	if n := l.Tick(context.Background()).Notified(); n != 0 {
		t.Errorf("notified %d after empty baseline, want 0", n)
	}
}

func TestTick_CourseTimeout(t *testing.T) {
	src := newFakeSource()
	src.block[courseA] = true
	src.script(courseB, result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}})
	store := snapshot.NewStore()
	l := NewLoop(src, store, &recordingSink{}, Options{
		Interval:      time.Hour,
		CourseTimeout: 20 * time.Millisecond,
		Running:       true,
		Watches:       []model.WatchedCourse{{URL: courseA}, {URL: courseB}},
	})

	report := l.Tick(context.Background())
	if !errors.Is(report.Results[0].Err, context.DeadlineExceeded) {
		t.Errorf("blocked course err = %v, want deadline exceeded", report.Results[0].Err)
	}
	if report.Results[1].Failed() {
		t.Errorf("second course failed: %v", report.Results[1].Err)
	}
}

func TestTick_RecoversFromPanic(t *testing.T) {
	src := newFakeSource()
	src.panics[courseA] = true
	src.script(courseB, result{snap: model.Snapshot{session("08:00", model.StatusAvailable)}})
	l, store := newTestLoop(src, &recordingSink{}, courseA, courseB)

	report := l.Tick(context.Background())
	if report.Results[0].Err == nil {
		t.Error("panic was not reported as a failure")
	}
	if _, ok := store.Get(courseB); !ok {
		t.Error("course after the panicking one was not processed")
	}
}

func TestSetInterval(t *testing.T) {
	l, _ := newTestLoop(newFakeSource(), nil)

	for _, bad := range []int{0, -5} {
		if err := l.SetInterval(bad); !errors.Is(err, ErrInvalidInterval) {
			t.Errorf("SetInterval(%d) = %v, want ErrInvalidInterval", bad, err)
		}
	}
	if l.Interval() != time.Hour {
		t.Errorf("interval changed by rejected value: %v", l.Interval())
	}
	if err := l.SetInterval(90); err != nil {
		t.Fatalf("SetInterval(90): %v", err)
	}
	if l.Interval() != 90*time.Second {
		t.Errorf("interval = %v, want 90s", l.Interval())
	}
}

func TestAddWatch(t *testing.T) {
	src := newFakeSource()
	src.titles[courseA] = "Volleyball mixte"
	var changes [][]model.WatchedCourse
	l := NewLoop(src, snapshot.NewStore(), nil, Options{
		OnWatchesChanged: func(ws []model.WatchedCourse) { changes = append(changes, ws) },
	})

	title, err := l.AddWatch(context.Background(), "  "+courseA+" ")
	if err != nil || title != "Volleyball mixte" {
		t.Fatalf("AddWatch = %q, %v", title, err)
	}
	// Registering twice is a no-op.
	if _, err := l.AddWatch(context.Background(), courseA); err != nil {
		t.Fatalf("second AddWatch: %v", err)
	}
	if ws := l.Watches(); len(ws) != 1 || ws[0].URL != courseA {
		t.Errorf("watches = %+v", ws)
	}
	if len(changes) != 1 {
		t.Errorf("watch hook called %d times, want 1", len(changes))
	}

	_, err = l.AddWatch(context.Background(), courseB)
	if !errors.Is(err, ErrWatchRejected) {
		t.Fatalf("AddWatch(unknown) = %v, want ErrWatchRejected", err)
	}
	if len(l.Watches()) != 1 {
		t.Errorf("rejected watch was registered")
	}
}

func TestRemoveWatch_DropsSnapshotAtNextTick(t *testing.T) {
	src := newFakeSource()
	src.script(courseA, result{snap: model.Snapshot{session("08:00", model.StatusFull)}})
	l, store := newTestLoop(src, &recordingSink{}, courseA)

	l.Tick(context.Background())
	if err := l.RemoveWatch(courseA); err != nil {
		t.Fatalf("RemoveWatch: %v", err)
	}
	if err := l.RemoveWatch(courseA); !errors.Is(err, ErrUnknownWatch) {
		t.Errorf("second RemoveWatch = %v, want ErrUnknownWatch", err)
	}

	l.Tick(context.Background())
	if _, ok := store.Get(courseA); ok {
		t.Error("snapshot of removed course survived the next tick")
	}
	if src.callCount(courseA) != 1 {
		t.Errorf("removed course polled %d times, want 1", src.callCount(courseA))
	}
}

func TestRun_PauseAndResume(t *testing.T) {
	src := newFakeSource()
	src.script(courseA, result{snap: model.Snapshot{session("08:00", model.StatusFull)}})
	store := snapshot.NewStore()
	l := NewLoop(src, store, &recordingSink{}, Options{
		Interval: time.Hour,
		Running:  false,
		Watches:  []model.WatchedCourse{{URL: courseA}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if n := src.callCount(courseA); n != 0 {
		t.Fatalf("paused loop polled %d times", n)
	}

	l.Start()
	deadline := time.Now().Add(2 * time.Second)
	for src.callCount(courseA) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if src.callCount(courseA) != 1 {
		t.Fatalf("resumed loop polled %d times, want 1", src.callCount(courseA))
	}

	l.Stop()
	if l.Running() {
		t.Error("Running() after Stop")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_IntervalChangeKeepsCurrentDeadline(t *testing.T) {
	src := newFakeSource()
	src.script(courseA, result{snap: model.Snapshot{session("08:00", model.StatusFull)}})
	l := NewLoop(src, snapshot.NewStore(), &recordingSink{}, Options{
		Interval: 150 * time.Millisecond,
		Running:  true,
		Watches:  []model.WatchedCourse{{URL: courseA}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for l.Status().LastTick == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Status().LastTick == nil {
		t.Fatal("first tick did not run")
	}

	// The loop is now sleeping on the 150ms interval.
	time.Sleep(20 * time.Millisecond)
	if err := l.SetInterval(3600); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for src.callCount(courseA) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := src.callCount(courseA); n != 2 {
		t.Fatalf("polled %d times, want the sleep in progress to end on its old deadline", n)
	}

	time.Sleep(400 * time.Millisecond)
	if n := src.callCount(courseA); n != 2 {
		t.Errorf("polled %d times, want the new interval to apply to the next sleep", n)
	}
}

func TestRun_StopMidTickFinishesTick(t *testing.T) {
	fake := newFakeSource()
	fake.script(courseA, result{snap: model.Snapshot{session("08:00", model.StatusFull)}})
	fake.script(courseB, result{snap: model.Snapshot{session("10:00", model.StatusAvailable)}})

	var l *Loop
	src := &hookSource{fakeSource: fake, before: func(url string) {
		if url == courseA {
			l.Stop()
		}
	}}
	store := snapshot.NewStore()
	sink := &recordingSink{}
	l = NewLoop(src, store, sink, Options{
		Interval: 20 * time.Millisecond,
		Running:  true,
		Watches:  []model.WatchedCourse{{URL: courseA}, {URL: courseB}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for l.Status().LastTick == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	tick := l.Status().LastTick
	if tick == nil {
		t.Fatal("tick did not finish")
	}
	if len(tick.Results) != 2 || tick.Failed() != 0 {
		t.Fatalf("tick results = %+v, want both courses processed", tick.Results)
	}
	if _, ok := store.Get(courseB); !ok {
		t.Error("course after Stop was not committed")
	}
	if len(sink.notifications()) != 1 {
		t.Errorf("notifications = %d, want 1", len(sink.notifications()))
	}

	// Several intervals pass without another tick.
	time.Sleep(150 * time.Millisecond)
	if a, b := fake.callCount(courseA), fake.callCount(courseB); a != 1 || b != 1 {
		t.Errorf("calls after Stop = %d, %d, want 1, 1", a, b)
	}
	if l.Running() {
		t.Error("Running() after Stop")
	}
}

func TestStatus(t *testing.T) {
	src := newFakeSource()
	src.script(courseA, result{err: &scrape.FetchError{URL: courseA, Err: errors.New("timeout")}})
	l, _ := newTestLoop(src, &recordingSink{}, courseA)

	l.Tick(context.Background())
	l.Tick(context.Background())

	st := l.Status()
	if !st.Running || st.Interval != 3600 || st.LastTick == nil {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Courses) != 1 || st.Courses[0].ConsecutiveFailures != 2 {
		t.Errorf("courses = %+v", st.Courses)
	}
}
