package scheduler

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"mqtt-go-home/internal/event"
	"mqtt-go-home/internal/registry"
	"mqtt-go-home/internal/store"
)

type controlCall struct {
	ID  int
	On  bool
	PWM int
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []controlCall
	err   error
}

func (f *fakeCommander) ControlDevice(id int, on bool, pwm int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, controlCall{ID: id, On: on, PWM: pwm})
	return nil
}

func (f *fakeCommander) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCommander) lastCall() controlCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestEngine(t *testing.T) (*Engine, *fakeCommander, *registry.Registry, *event.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := event.NewBus(logger)
	reg := registry.New(st, bus, logger)
	reg.Load()

	cmd := &fakeCommander{}
	eng := New(st, reg, cmd, bus, logger)
	eng.Load()
	return eng, cmd, reg, bus
}

func validInput() Input {
	return Input{
		Name:      "Morning",
		Days:      []int{1, 2, 3, 4, 5},
		Time:      "07:00",
		SwitchNum: 1,
		Action:    store.ActionOn,
		Intensity: 80,
	}
}

// monday7 is a Monday at the given clock time.
func monday7(hour, min int) time.Time {
	return time.Date(2024, 1, 1, hour, min, 0, 0, time.UTC)
}

func TestCreatePersistsAndLists(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	created, err := eng.Create(validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}

	list := eng.List()
	if len(list) != 1 {
		t.Fatalf("got %d schedules, want 1", len(list))
	}
	if list[0].Name != "Morning" || list[0].Time != "07:00" {
		t.Errorf("unexpected schedule %+v", list[0])
	}

	// survives a reload from the store
	eng.Load()
	list = eng.List()
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("schedule did not survive reload: %+v", list)
	}
}

func TestCreateNormalizesInput(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	in := validInput()
	in.Time = "7:05"
	in.Days = []int{5, 1, 3, 1}
	in.Intensity = 250

	created, err := eng.Create(in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Time != "07:05" {
		t.Errorf("time = %q, want 07:05", created.Time)
	}
	if !reflect.DeepEqual(created.Days, []int{1, 3, 5}) {
		t.Errorf("days = %v, want [1 3 5]", created.Days)
	}
	if created.Intensity != 100 {
		t.Errorf("intensity = %d, want clamped 100", created.Intensity)
	}
}

func TestCreateValidation(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	cases := []struct {
		name   string
		mutate func(*Input)
		field  string
	}{
		{"empty name", func(in *Input) { in.Name = "" }, "name"},
		{"no days", func(in *Input) { in.Days = nil }, "days"},
		{"day out of range", func(in *Input) { in.Days = []int{7} }, "days"},
		{"negative day", func(in *Input) { in.Days = []int{-1} }, "days"},
		{"bad time", func(in *Input) { in.Time = "25:00" }, "time"},
		{"bad minutes", func(in *Input) { in.Time = "12:61" }, "time"},
		{"no colon", func(in *Input) { in.Time = "1200" }, "time"},
		{"bad action", func(in *Input) { in.Action = "blink" }, "action"},
		{"unknown switch", func(in *Input) { in.SwitchNum = 99 }, "switchNum"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			_, err := eng.Create(in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}

	if got := len(eng.List()); got != 0 {
		t.Errorf("rejected input left %d schedules behind", got)
	}
}

func TestDeleteRequiresAdmin(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	created, err := eng.Create(validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := eng.Delete(created.ID, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
	if len(eng.List()) != 1 {
		t.Fatal("schedule removed without admin")
	}

	if err := eng.Delete(created.ID, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(eng.List()) != 0 {
		t.Fatal("schedule still present after delete")
	}
}

func TestDeleteMissingIsNoop(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	if err := eng.Delete("nope", true); err != nil {
		t.Fatalf("Delete of missing id: %v", err)
	}
}

func TestBeginEditLeavesScheduleLive(t *testing.T) {
	eng, cmd, _, _ := newTestEngine(t)
	created, err := eng.Create(validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := eng.BeginEdit(created.ID, false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}

	copy1, err := eng.BeginEdit(created.ID, true)
	if err != nil {
		t.Fatalf("BeginEdit: %v", err)
	}
	copy1.Name = "mutated locally"

	// an abandoned edit changes nothing and the schedule still fires
	got, err := eng.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Morning" {
		t.Errorf("name = %q, edit leaked into collection", got.Name)
	}

	eng.Tick(monday7(7, 0))
	if cmd.callCount() != 1 {
		t.Fatalf("schedule under edit did not fire, calls = %d", cmd.callCount())
	}
}

func TestUpdateReplacesKeepingID(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	created, err := eng.Create(validInput())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	in := validInput()
	in.Name = "Evening"
	in.Time = "21:30"
	in.Action = store.ActionOff

	updated, err := eng.Update(created.ID, in, true)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("id changed from %s to %s", created.ID, updated.ID)
	}
	if updated.Name != "Evening" || updated.Time != "21:30" {
		t.Errorf("unexpected schedule %+v", updated)
	}

	// invalid input leaves the replacement untouched
	bad := validInput()
	bad.Time = "99:99"
	if _, err := eng.Update(created.ID, bad, true); err == nil {
		t.Fatal("expected validation error")
	}
	got, _ := eng.Get(created.ID)
	if got.Time != "21:30" {
		t.Errorf("time = %q after failed update, want 21:30", got.Time)
	}

	if _, err := eng.Update("nope", validInput(), true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := eng.Update(created.ID, validInput(), false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestTickFiresOnExactMinute(t *testing.T) {
	eng, cmd, reg, bus := newTestEngine(t)
	if _, err := eng.Create(validInput()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var executed []event.Event
	bus.On(event.TypeScheduleExecuted, func(ev event.Event) {
		executed = append(executed, ev)
	})

	eng.Tick(monday7(6, 59))
	if cmd.callCount() != 0 {
		t.Fatal("fired a minute early")
	}

	eng.Tick(monday7(7, 0))
	if cmd.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", cmd.callCount())
	}
	call := cmd.lastCall()
	if call.ID != 1 || !call.On || call.PWM != 80 {
		t.Errorf("unexpected command %+v", call)
	}

	state, err := reg.State(1)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !state.On || state.Intensity != 80 {
		t.Errorf("state = %+v, want on at 80", state)
	}
	if len(executed) != 1 {
		t.Errorf("executed events = %d, want 1", len(executed))
	}

	// the next minute is not a match
	eng.Tick(monday7(7, 1))
	if cmd.callCount() != 1 {
		t.Fatal("fired again outside the matching minute")
	}
}

func TestTickSkipsWrongDay(t *testing.T) {
	eng, cmd, _, _ := newTestEngine(t)
	in := validInput()
	in.Days = []int{0, 6} // weekend only
	if _, err := eng.Create(in); err != nil {
		t.Fatalf("Create: %v", err)
	}

	eng.Tick(monday7(7, 0))
	if cmd.callCount() != 0 {
		t.Fatal("weekend schedule fired on Monday")
	}
}

func TestToggleInvertsState(t *testing.T) {
	eng, cmd, reg, _ := newTestEngine(t)
	in := validInput()
	in.Action = store.ActionToggle
	in.Intensity = 0
	if _, err := eng.Create(in); err != nil {
		t.Fatalf("Create: %v", err)
	}

	eng.Tick(monday7(7, 0))
	call := cmd.lastCall()
	if !call.On || call.PWM != 100 {
		t.Errorf("first toggle %+v, want on at default 100", call)
	}

	state, _ := reg.State(1)
	if !state.On {
		t.Fatal("device not on after toggle")
	}

	eng.Tick(monday7(7, 0))
	call = cmd.lastCall()
	if call.On || call.PWM != 0 {
		t.Errorf("second toggle %+v, want off at 0", call)
	}
}

func TestOffClearsIntensity(t *testing.T) {
	eng, cmd, reg, _ := newTestEngine(t)
	if err := reg.SetState(1, true, 60); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	in := validInput()
	in.Action = store.ActionOff
	if _, err := eng.Create(in); err != nil {
		t.Fatalf("Create: %v", err)
	}

	eng.Tick(monday7(7, 0))
	call := cmd.lastCall()
	if call.On || call.PWM != 0 {
		t.Errorf("got %+v, want off at 0", call)
	}
	state, _ := reg.State(1)
	if state.On || state.Intensity != 0 {
		t.Errorf("state = %+v, want off", state)
	}
}

func TestExecuteAbandonedWhenTransportDown(t *testing.T) {
	eng, cmd, reg, bus := newTestEngine(t)
	cmd.err = errors.New("not connected")

	if _, err := eng.Create(validInput()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fired := 0
	bus.On(event.TypeScheduleExecuted, func(event.Event) { fired++ })

	eng.Tick(monday7(7, 0))

	if cmd.callCount() != 0 {
		t.Fatal("command recorded despite failure")
	}
	state, _ := reg.State(1)
	if state.On {
		t.Error("device state changed despite abandoned execution")
	}
	if fired != 0 {
		t.Error("schedule_executed emitted despite abandoned execution")
	}
}

func TestListSortedByTime(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	for _, tm := range []string{"21:00", "07:00", "12:30"} {
		in := validInput()
		in.Name = "at " + tm
		in.Time = tm
		if _, err := eng.Create(in); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list := eng.List()
	want := []string{"07:00", "12:30", "21:00"}
	for i, s := range list {
		if s.Time != want[i] {
			t.Errorf("list[%d].Time = %q, want %q", i, s.Time, want[i])
		}
	}
}
