package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobgate/internal/task/engine"
	logx "jobgate/pkg/logx"
)

// AddSchedule parses schedule and registers a cron, interval or daily trigger.
// Triggers skip while a previous run of the same name is queued or running.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Daily at a wall-clock time: "daily:03:15", "at:23:00"
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.add(name, "cron", ps.Cron, timeout, opt, job)
	case SpecInterval:
		return s.add(name, "interval", "@every "+ps.Every.String(), timeout, opt, job)
	case SpecDaily:
		return s.add(name, "daily", ps.Cron, timeout, opt, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

// add upserts by name: an existing schedule or once timer with the same name
// is replaced, so hot reloads never duplicate triggers.
func (s *Service) add(name, kind, spec string, timeout time.Duration, opt engine.TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeScheduleLocked(name)
	s.tmu.Lock()
	s.removeOnce(name)
	s.tmu.Unlock()

	s.defs = append(s.defs, scheduleDef{
		id:      fmt.Sprintf("%s:%d", kind, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   &engine.RunState{},
	})
	if s.c == nil {
		// Registered with cron when Start runs.
		return name, nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.removeScheduleLocked(name)
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	fields := []logx.Field{logx.String("name", name), logx.String("id", d.id), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 4); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// AddOnce runs job once at the given time. Past times fire immediately.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	s.removeScheduleLocked(name)
	running := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	prev := s.once[name]
	d := &onceDef{at: at, timeout: timeout, job: job, ver: 1}
	if prev != nil {
		if prev.timer != nil {
			prev.timer.Stop()
		}
		d.ver = prev.ver + 1
	}
	s.once[name] = d
	if running {
		s.armOnce(name, d)
	}
	return name, nil
}

// Remove unschedules everything registered under name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	removed = s.removeOnce(name) || removed
	s.tmu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked removes all defs matching name. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// removeOnce deletes a once definition. Call with s.tmu held.
func (s *Service) removeOnce(name string) bool {
	d, ok := s.once[name]
	if !ok {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(s.once, name)
	return true
}

// armOnce starts the runtime timer for d. Call with s.tmu held.
func (s *Service) armOnce(name string, d *onceDef) {
	ver := d.ver
	d.timer = time.AfterFunc(max(time.Until(d.at), 0), func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			// Removed or replaced after this timer was armed.
			s.tmu.Unlock()
			return
		}
		// Delete first so a restart cannot fire it twice.
		delete(s.once, name)
		s.tmu.Unlock()

		s.enqueue(name, engine.Task{Name: name, Timeout: cur.timeout, Run: cur.job, State: &engine.RunState{}})
	})
}

func (s *Service) rebuildOnceTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
		}
		s.armOnce(name, d)
	}
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	job := cron.FuncJob(func() {
		s.enqueue(def.name, engine.Task{
			Name:    def.name,
			Timeout: def.timeout,
			Run:     def.job,
			Opt:     def.opt,
			State:   def.state,
		})
	})

	// Interval schedules get a startup spread so streams sharing a period do
	// not all rescan in the same tick.
	if every, ok := strings.CutPrefix(strings.TrimSpace(d.spec), "@every"); ok {
		if dur, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && dur > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(dur, time.Now().In(s.loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) enqueue(name string, t engine.Task) {
	if s.engine == nil {
		return
	}
	if err := s.engine.Enqueue(t); err != nil {
		s.reportEnqueueError(name, err)
	}
}

// previewNextRunsLocked lists upcoming run times for debug logs. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(s.loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
