// Package scheduler runs the capture control loop: it evaluates every
// enabled schedule's window once per tick, dispatches capture bursts
// while a window is open, and detects window ends to hand finished
// sessions to the timelapse queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skylapse/internal/camera"
	"skylapse/internal/clock"
	"skylapse/internal/config"
	"skylapse/internal/exposure"
	"skylapse/internal/ledger"
	"skylapse/internal/queue"
	"skylapse/internal/solar"
)

// Events receives scheduler notifications. The web layer fans them out
// to websocket clients; a nil sink disables publishing.
type Events interface {
	Publish(event string, data map[string]any)
}

// Scheduler owns the tick loop.
type Scheduler struct {
	cfg     *config.Config
	clk     clock.Clock
	sol     *solar.Calculator
	store   *ledger.Store
	jobs    *queue.Queue
	cam     *camera.Client
	planner *exposure.Planner
	log     *slog.Logger
	events  Events

	mu          sync.Mutex
	lastBurst   map[string]time.Time // schedule -> last burst dispatch
	endFired    map[string]bool      // schedule|date -> end already handled
	windowState map[string]WindowState
}

// WindowState is one schedule's last-evaluated window, for status APIs.
type WindowState struct {
	Schedule string    `json:"schedule"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Active   bool      `json:"active"`
}

// New wires a Scheduler. events may be nil.
func New(cfg *config.Config, clk clock.Clock, sol *solar.Calculator,
	store *ledger.Store, jobs *queue.Queue, cam *camera.Client,
	planner *exposure.Planner, log *slog.Logger, events Events) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		clk:         clk,
		sol:         sol,
		store:       store,
		jobs:        jobs,
		cam:         cam,
		planner:     planner,
		log:         log,
		events:      events,
		lastBurst:   make(map[string]time.Time),
		endFired:    make(map[string]bool),
		windowState: make(map[string]WindowState),
	}
}

// Run ticks until ctx is done. An error or panic inside one iteration
// never stops the loop; the next tick starts from persisted state.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.Duration(s.cfg.TickSeconds()) * time.Second
	s.log.Info("scheduler started", "tick", tick.String(),
		"schedules", len(s.cfg.Schedules))

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduler iteration. Exported so tests can drive the
// loop with a fake clock instead of waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler tick panicked", "panic", fmt.Sprint(r))
		}
	}()

	now := s.clk.Now().In(s.clk.Location())
	for name, sched := range s.cfg.Schedules {
		if !sched.Enabled {
			continue
		}
		if err := s.evaluate(ctx, now, name, sched); err != nil {
			s.log.Error("schedule evaluation failed",
				"schedule", name, "error", err)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, now time.Time, name string, sched config.Schedule) error {
	start, end, err := s.sol.Window(sched, now)
	if err != nil {
		return fmt.Errorf("window: %w", err)
	}
	active := solar.IsActive(now, start, end)

	s.mu.Lock()
	s.windowState[name] = WindowState{Schedule: name, Start: start, End: end, Active: active}
	s.mu.Unlock()

	var retry map[string]bool
	if !active {
		retry = s.handleWindowEnd(now, name, sched)
	}

	if active && s.intervalElapsed(now, name, sched) {
		s.burst(ctx, now, name, sched)
	}

	// Persist after the burst: the first burst of a window creates the
	// session row the flag lands on, so a crash any time after the first
	// capture still leaves was_active=1 for the next process to see.
	// Profiles whose end handling failed keep their flag up so the next
	// tick retries the transition.
	for _, profile := range s.enabledProfiles(sched) {
		if retry[profile] {
			continue
		}
		if err := s.store.UpdateWasActive(profile, now, name, active); err != nil {
			s.log.Error("persist was_active failed",
				"schedule", name, "profile", profile, "error", err)
		}
	}
	return nil
}

// handleWindowEnd fires the end-of-window transition exactly once per
// (schedule, date). The persisted was_active flag makes the detection
// crash-safe: a restart mid-window still sees the flag and fires the
// transition on its first out-of-window tick. The transition is only
// consumed once every active profile's job is safely on the queue; the
// returned set names profiles whose flag must stay up so the next tick
// retries the finish for them.
func (s *Scheduler) handleWindowEnd(now time.Time, name string, sched config.Schedule) map[string]bool {
	key := name + "|" + now.Format("2006-01-02")
	s.mu.Lock()
	fired := s.endFired[key]
	s.mu.Unlock()
	if fired {
		return nil
	}

	retry := make(map[string]bool)
	ended := false
	for _, profile := range s.enabledProfiles(sched) {
		was, err := s.store.GetWasActive(profile, now, name)
		if err != nil {
			s.log.Error("read was_active failed",
				"schedule", name, "profile", profile, "error", err)
			retry[profile] = true
			continue
		}
		if !was {
			continue
		}
		ended = true
		if err := s.finishSession(now, name, profile); err != nil {
			s.log.Error("window end handling failed, will retry",
				"schedule", name, "profile", profile, "error", err)
			retry[profile] = true
		}
	}
	if ended && len(retry) == 0 {
		s.mu.Lock()
		s.endFired[key] = true
		s.mu.Unlock()
	}
	return retry
}

func (s *Scheduler) finishSession(now time.Time, name, profile string) error {
	sessionID := ledger.SessionID(profile, now, name)
	if err := s.store.MarkSessionComplete(sessionID); err != nil {
		return fmt.Errorf("mark session complete: %w", err)
	}

	payload := queue.Payload{
		Profile:     profile,
		Schedule:    name,
		Date:        now.Format("2006-01-02"),
		SessionID:   sessionID,
		Quality:     s.cfg.Processing.Quality,
		QualityTier: ledger.TierPreview,
		JobTimeout:  s.cfg.Processing.JobTimeoutMins() * 60,
	}
	jobID, err := s.jobs.Enqueue(queue.TimelapseQueue, payload)
	if err != nil {
		return fmt.Errorf("enqueue timelapse job: %w", err)
	}

	s.log.Info("session window ended",
		"session_id", sessionID, "schedule", name, "job_id", jobID)
	s.publish("session_complete", map[string]any{
		"session_id": sessionID,
		"schedule":   name,
		"profile":    profile,
		"job_id":     jobID,
	})
	return nil
}

func (s *Scheduler) intervalElapsed(now time.Time, name string, sched config.Schedule) bool {
	interval := time.Duration(sched.IntervalSeconds) * time.Second
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastBurst[name]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastBurst[name] = now
	return true
}

// enabledProfiles filters the schedule's profile list to profiles that
// exist and are enabled in the current config.
func (s *Scheduler) enabledProfiles(sched config.Schedule) []string {
	var out []string
	for _, id := range sched.Profiles {
		prof, ok := s.cfg.Profiles[id]
		if !ok || !prof.Enabled {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Windows snapshots the last-evaluated window per schedule.
func (s *Scheduler) Windows() []WindowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WindowState, 0, len(s.windowState))
	for _, w := range s.windowState {
		out = append(out, w)
	}
	return out
}

func (s *Scheduler) publish(event string, data map[string]any) {
	if s.events != nil {
		s.events.Publish(event, data)
	}
}
