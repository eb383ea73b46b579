package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mqtt-go-home/internal/event"
	"mqtt-go-home/internal/registry"
	"mqtt-go-home/internal/store"
)

// DefaultPollInterval is the schedule evaluation cadence. Matching is on
// exact minute equality, so an interval above one minute can skip a match
// entirely.
const DefaultPollInterval = time.Minute

// ErrUnauthorized is returned when a privileged operation is attempted
// without an admin session.
var ErrUnauthorized = errors.New("admin privilege required")

// ErrNotFound is returned when a schedule id does not resolve.
var ErrNotFound = errors.New("schedule not found")

// ValidationError describes rejected schedule input. The collection is left
// unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var timeRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)

// Commander issues device-control commands. Implemented by the MQTT
// transport; fakes implement it in tests.
type Commander interface {
	ControlDevice(id int, on bool, pwm int) error
}

// Input is the user-supplied form data for creating or updating a schedule.
type Input struct {
	Name      string `json:"name"`
	Days      []int  `json:"days"`
	Time      string `json:"time"`
	SwitchNum int    `json:"switchNum"`
	Action    string `json:"action"`
	Intensity int    `json:"intensity"`
}

// Engine owns the schedule collection, evaluates it against wall-clock time
// and dispatches matched actions through the Commander.
type Engine struct {
	store     store.Store
	registry  *registry.Registry
	commander Commander
	events    *event.Bus
	logger    *slog.Logger

	mu        sync.Mutex
	schedules []*store.Schedule
}

// New creates a schedule engine. Call Load before Start.
func New(st store.Store, reg *registry.Registry, cmd Commander, events *event.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		store:     st,
		registry:  reg,
		commander: cmd,
		events:    events,
		logger:    logger.With("component", "scheduler"),
	}
}

// Load reads the persisted schedule collection. Storage failures degrade to
// an empty collection.
func (e *Engine) Load() {
	schedules, err := e.store.ListSchedules()
	if err != nil {
		e.logger.Warn("load schedules, starting empty", "err", err)
		schedules = nil
	}
	sortSchedules(schedules)

	e.mu.Lock()
	e.schedules = schedules
	e.mu.Unlock()

	e.logger.Info("schedules loaded", "count", len(schedules))
}

// List returns a copy of the schedule collection, ordered by time then name.
func (e *Engine) List() []*store.Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*store.Schedule, len(e.schedules))
	for i, s := range e.schedules {
		c := *s
		out[i] = &c
	}
	return out
}

// Get returns a copy of a single schedule.
func (e *Engine) Get(id string) (*store.Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.schedules {
		if s.ID == id {
			c := *s
			return &c, nil
		}
	}
	return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
}

// Create validates the input, assigns a fresh id, appends and persists.
// Device existence is checked now and never again: a reference left dangling
// by later device edits is tolerated and rendered with a fallback name.
func (e *Engine) Create(in Input) (*store.Schedule, error) {
	norm, err := e.validate(in)
	if err != nil {
		return nil, err
	}

	sched := &store.Schedule{
		ID:        uuid.NewString(),
		Name:      norm.Name,
		Days:      norm.Days,
		Time:      norm.Time,
		SwitchNum: norm.SwitchNum,
		Action:    norm.Action,
		Intensity: norm.Intensity,
	}

	if err := e.store.SaveSchedule(sched); err != nil {
		e.logger.Error("persist schedule", "err", err)
		return nil, fmt.Errorf("persist schedule: %w", err)
	}

	e.mu.Lock()
	e.schedules = append(e.schedules, sched)
	sortSchedules(e.schedules)
	e.mu.Unlock()

	e.notifyChanged()
	e.logger.Info("schedule created", "id", sched.ID, "name", sched.Name)

	c := *sched
	return &c, nil
}

// Delete removes a schedule by id. Requires admin privilege; a missing id is
// a no-op.
func (e *Engine) Delete(id string, admin bool) error {
	if !admin {
		return ErrUnauthorized
	}

	e.mu.Lock()
	found := false
	for i, s := range e.schedules {
		if s.ID == id {
			e.schedules = append(e.schedules[:i], e.schedules[i+1:]...)
			found = true
			break
		}
	}
	e.mu.Unlock()

	if !found {
		return nil
	}

	if err := e.store.DeleteSchedule(id); err != nil {
		e.logger.Error("delete schedule", "err", err, "id", id)
		return fmt.Errorf("delete schedule: %w", err)
	}

	e.notifyChanged()
	e.logger.Info("schedule deleted", "id", id)
	return nil
}

// BeginEdit returns a copy of a schedule for form prefill. Requires admin
// privilege. The schedule stays live until Update replaces it; abandoning
// the edit loses nothing.
func (e *Engine) BeginEdit(id string, admin bool) (*store.Schedule, error) {
	if !admin {
		return nil, ErrUnauthorized
	}
	return e.Get(id)
}

// Update validates the input and atomically replaces the schedule with the
// given id, keeping the id. Requires admin privilege.
func (e *Engine) Update(id string, in Input, admin bool) (*store.Schedule, error) {
	if !admin {
		return nil, ErrUnauthorized
	}

	norm, err := e.validate(in)
	if err != nil {
		return nil, err
	}

	updated := &store.Schedule{
		ID:        id,
		Name:      norm.Name,
		Days:      norm.Days,
		Time:      norm.Time,
		SwitchNum: norm.SwitchNum,
		Action:    norm.Action,
		Intensity: norm.Intensity,
	}

	e.mu.Lock()
	found := false
	for i, s := range e.schedules {
		if s.ID == id {
			e.schedules[i] = updated
			found = true
			break
		}
	}
	if found {
		sortSchedules(e.schedules)
	}
	e.mu.Unlock()

	if !found {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}

	if err := e.store.SaveSchedule(updated); err != nil {
		e.logger.Error("persist schedule", "err", err, "id", id)
		return nil, fmt.Errorf("persist schedule: %w", err)
	}

	e.notifyChanged()
	e.logger.Info("schedule updated", "id", id, "name", updated.Name)

	c := *updated
	return &c, nil
}

// validate checks the invariants and returns normalized input: days sorted
// and deduplicated, time zero-padded, intensity clamped.
func (e *Engine) validate(in Input) (Input, error) {
	if in.Name == "" {
		return in, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(in.Days) == 0 {
		return in, &ValidationError{Field: "days", Reason: "select at least one day"}
	}
	seen := make(map[int]bool)
	days := make([]int, 0, len(in.Days))
	for _, d := range in.Days {
		if d < 0 || d > 6 {
			return in, &ValidationError{Field: "days", Reason: fmt.Sprintf("day %d out of range 0-6", d)}
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Ints(days)
	in.Days = days

	if !timeRe.MatchString(in.Time) {
		return in, &ValidationError{Field: "time", Reason: "must be HH:MM"}
	}
	in.Time = canonicalTime(in.Time)

	switch in.Action {
	case store.ActionOn, store.ActionOff, store.ActionToggle:
	default:
		return in, &ValidationError{Field: "action", Reason: "must be on, off or toggle"}
	}

	if len(e.registry.Devices()) == 0 {
		return in, &ValidationError{Field: "switchNum", Reason: "no devices available"}
	}
	if _, err := e.registry.Get(in.SwitchNum); err != nil {
		return in, &ValidationError{Field: "switchNum", Reason: "select a device"}
	}

	if in.Intensity < 0 {
		in.Intensity = 0
	}
	if in.Intensity > 100 {
		in.Intensity = 100
	}
	return in, nil
}

// canonicalTime zero-pads a time already matched by timeRe, so "7:05"
// becomes "07:05".
func canonicalTime(t string) string {
	if len(t) == 4 {
		return "0" + t
	}
	return t
}

// Tick evaluates every schedule against the given instant. A schedule fires
// when the weekday is in its day set and its time equals the current minute
// exactly. At the default poll cadence that is at most once per matching
// minute; a minute missed (paused process, disconnected transport) is
// permanently missed.
func (e *Engine) Tick(now time.Time) {
	currentDay := int(now.Weekday())
	currentTime := now.Format("15:04")

	e.mu.Lock()
	due := make([]*store.Schedule, 0)
	for _, s := range e.schedules {
		if s.Time != currentTime {
			continue
		}
		for _, d := range s.Days {
			if d == currentDay {
				due = append(due, s)
				break
			}
		}
	}
	e.mu.Unlock()

	for _, s := range due {
		e.execute(s)
	}
}

// execute resolves the new state for a schedule's action and dispatches it.
// A transport failure abandons the execution: no retry, no queue, no state
// change.
func (e *Engine) execute(s *store.Schedule) {
	var newOn bool
	var newPWM int

	switch s.Action {
	case store.ActionOn:
		newOn = true
		newPWM = intensityOrDefault(s.Intensity)
	case store.ActionOff:
		newOn = false
		newPWM = 0
	case store.ActionToggle:
		current, err := e.registry.State(s.SwitchNum)
		if err != nil {
			e.logger.Warn("schedule references missing device", "id", s.ID, "switch", s.SwitchNum)
			return
		}
		newOn = !current.On
		if newOn {
			newPWM = intensityOrDefault(s.Intensity)
		} else {
			newPWM = 0
		}
	default:
		return
	}

	if err := e.commander.ControlDevice(s.SwitchNum, newOn, newPWM); err != nil {
		e.logger.Error("cannot execute schedule", "id", s.ID, "name", s.Name, "err", err)
		return
	}

	if err := e.registry.SetState(s.SwitchNum, newOn, newPWM); err != nil {
		e.logger.Warn("update device state", "id", s.ID, "err", err)
	}

	stateStr := "OFF"
	if newOn {
		stateStr = "ON"
	}
	e.events.Emit(event.Event{Type: event.TypeScheduleExecuted, Data: map[string]interface{}{
		"id":     s.ID,
		"name":   s.Name,
		"switch": s.SwitchNum,
		"state":  stateStr,
		"pwm":    newPWM,
	}})
	e.logger.Info("schedule executed", "name", s.Name, "switch", s.SwitchNum, "state", stateStr, "pwm", newPWM)
}

// Start runs the polling loop until the context is cancelled. The interval
// is fixed; there is no backoff and no catch-up for missed ticks.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		e.logger.Info("schedule checker started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				e.logger.Info("schedule checker stopped")
				return
			case <-ticker.C:
				e.Tick(time.Now())
			}
		}
	}()
}

func (e *Engine) notifyChanged() {
	e.mu.Lock()
	count := len(e.schedules)
	e.mu.Unlock()
	e.events.Emit(event.Event{Type: event.TypeSchedulesChanged, Data: map[string]interface{}{
		"count": count,
	}})
}

func intensityOrDefault(v int) int {
	if v <= 0 {
		return 100
	}
	return v
}

func sortSchedules(schedules []*store.Schedule) {
	sort.Slice(schedules, func(i, j int) bool {
		if schedules[i].Time != schedules[j].Time {
			return schedules[i].Time < schedules[j].Time
		}
		return schedules[i].Name < schedules[j].Name
	})
}
