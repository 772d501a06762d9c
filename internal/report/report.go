// Package report builds periodic status digests of the poll loop and
// schedules them with cron.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "coursewatch/internal/log"
	"coursewatch/internal/poll"
)

// Digest summarizes the watcher state at one point in time.
type Digest struct {
	At      time.Time     `json:"at"`
	Status  poll.Status   `json:"status"`
	Process *ProcessStats `json:"process,omitempty"`
	// Failing lists watched courses whose latest poll failed.
	Failing []string `json:"failing"`
}

// Summary renders the digest as a single log-friendly line.
func (d Digest) Summary() string {
	state := "paused"
	if d.Status.Running {
		state = "running"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s, %d watched, interval %ds", state, len(d.Status.Watches), d.Status.Interval)
	if d.Status.LastTick != nil {
		fmt.Fprintf(&b, ", last tick %s (%d newly available)", d.Status.LastTick.Finished.Format(time.RFC3339), d.Status.LastTick.Notified())
	}
	if len(d.Failing) > 0 {
		fmt.Fprintf(&b, ", failing: %s", strings.Join(d.Failing, " "))
	}
	return b.String()
}

// StatusSource is satisfied by *poll.Loop.
type StatusSource interface {
	Status() poll.Status
}

// Reporter assembles digests and hands them to every publisher.
type Reporter struct {
	source     StatusSource
	publishers []func(Digest)
	now        func() time.Time
}

func NewReporter(source StatusSource, publishers ...func(Digest)) *Reporter {
	return &Reporter{source: source, publishers: publishers, now: time.Now}
}

// Build returns the current digest.
func (r *Reporter) Build(ctx context.Context) Digest {
	st := r.source.Status()
	d := Digest{
		At:      r.now(),
		Status:  st,
		Failing: make([]string, 0),
	}
	for _, c := range st.Courses {
		if c.Failed() {
			d.Failing = append(d.Failing, c.Course.URL)
		}
	}
	if proc, err := CollectProcessStats(ctx); err == nil {
		d.Process = &proc
	} else {
		appLog.Warn("process stats unavailable", "error", err)
	}
	return d
}

// Publish builds a digest, logs it and forwards it to the publishers.
func (r *Reporter) Publish(ctx context.Context) Digest {
	d := r.Build(ctx)
	appLog.Info("status digest", "summary", d.Summary())
	for _, p := range r.publishers {
		p(d)
	}
	return d
}

// Scheduler runs Reporter.Publish on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler validates spec (standard 5-field cron syntax, descriptors
// like "@hourly" allowed) and registers the digest job.
func NewScheduler(spec string, loc *time.Location, r *Reporter) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.Publish(ctx)
	}); err != nil {
		return nil, fmt.Errorf("invalid report cron %q: %w", spec, err)
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		appLog.Info("status digest scheduled", "next", e.Next.Format(time.RFC3339))
	}
}

// Stop stops the scheduler and waits for a running job to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts internal/log to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
