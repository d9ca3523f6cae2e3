package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "dexwatch/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cronParser,
	}
}

// AddSchedule parses schedule (see ParseSchedule) and registers job under
// name, replacing any job with the same name.
func (s *Service) AddSchedule(name, schedule string, opt TaskOptions, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecInterval:
		return s.AddInterval(name, ps.Every, opt, job)
	default:
		return s.AddCron(name, ps.Cron, opt, job)
	}
}

func (s *Service) AddInterval(name string, every time.Duration, opt TaskOptions, job Job) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	return s.add(&scheduleDef{name: name, spec: "@every " + every.String(), every: every, job: job, opt: opt})
}

func (s *Service) AddCron(name, spec string, opt TaskOptions, job Job) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.add(&scheduleDef{name: name, spec: spec, job: job, opt: opt})
}

func (s *Service) add(d *scheduleDef) error {
	if strings.TrimSpace(d.name) == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return errors.New("job required")
	}
	d.state = &taskState{}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(d); err != nil {
		return err
	}
	if d.opt.RunOnStart {
		s.fire(d)
	}
	return nil
}

// Remove unregisters name. A run in flight finishes normally.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}

// Start begins triggering. ctx is the parent of every job context.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	for _, d := range s.defs {
		if d.opt.RunOnStart {
			s.fire(d)
		}
	}
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering, cancels running jobs and waits for them until ctx
// is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for jobs", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) registerLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.fire(d) })
	if d.every > 0 {
		var sched cron.Schedule = cron.Every(d.every)
		if d.opt.Spread {
			var jitter time.Duration
			sched, jitter = makeIntervalScheduleWithSpread(d.every, time.Now().In(s.loc))
			s.log.Debug("startup spread", logx.String("name", d.name), logx.Duration("jitter", jitter))
		}
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// fire starts one run of d unless the previous run is still in flight.
// Call with s.mu held or from a cron trigger.
func (s *Service) fire(d *scheduleDef) {
	if !d.state.running.CompareAndSwap(false, true) {
		n := d.state.skipped.Add(1)
		s.log.Debug("run skipped; previous still running", logx.String("name", d.name), logx.Uint64("skipped", n))
		return
	}
	parent := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer d.state.running.Store(false)
		s.run(parent, d)
	}()
}

func (s *Service) run(parent context.Context, d *scheduleDef) {
	ctx := parent
	if d.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, d.opt.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := s.call(ctx, d)
	dur := time.Since(start)

	d.state.runs.Add(1)
	d.state.mu.Lock()
	d.state.lastDur = dur
	d.state.lastDone = time.Now()
	d.state.lastErr = ""
	if err != nil {
		d.state.lastErr = err.Error()
	}
	d.state.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		d.state.failures.Add(1)
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("dur", dur), logx.Err(err))
	}
}

func (s *Service) call(ctx context.Context, d *scheduleDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in job", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.job(ctx)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Running: s.c != nil, Timezone: s.cfg.Timezone}
	if out.Timezone == "" && s.loc != nil {
		out.Timezone = s.loc.String()
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Running:  d.state.running.Load(),
			Runs:     d.state.runs.Load(),
			Skipped:  d.state.skipped.Load(),
			Failures: d.state.failures.Load(),
		}
		d.state.mu.Lock()
		it.LastError = d.state.lastErr
		it.LastDuration = d.state.lastDur
		d.state.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	return out
}
