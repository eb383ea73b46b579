package event

import (
	"log/slog"
	"testing"
)

func newTestBus() *Bus {
	return NewBus(slog.Default())
}

func TestOnReceivesMatchingType(t *testing.T) {
	b := newTestBus()

	var got []Event
	b.On(TypeDeviceState, func(e Event) { got = append(got, e) })

	b.Emit(Event{Type: TypeDeviceState, Data: 1})
	b.Emit(Event{Type: TypeSchedulesChanged, Data: 2})

	if len(got) != 1 {
		t.Fatalf("handler called %d times, want 1", len(got))
	}
	if got[0].Data != 1 {
		t.Errorf("data = %v, want 1", got[0].Data)
	}
}

func TestOnAllReceivesEverything(t *testing.T) {
	b := newTestBus()

	count := 0
	b.OnAll(func(Event) { count++ })

	b.Emit(Event{Type: TypeDeviceState})
	b.Emit(Event{Type: TypeConnectionState})
	b.Emit(Event{Type: TypeScheduleExecuted})

	if count != 3 {
		t.Errorf("handler called %d times, want 3", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBus()

	count := 0
	unsub := b.On(TypeDevicesChanged, func(Event) { count++ })

	b.Emit(Event{Type: TypeDevicesChanged})
	unsub()
	b.Emit(Event{Type: TypeDevicesChanged})

	if count != 1 {
		t.Errorf("handler called %d times after unsubscribe, want 1", count)
	}
}

func TestPanickingHandlerRecovered(t *testing.T) {
	b := newTestBus()

	b.OnAll(func(Event) { panic("boom") })

	called := false
	b.OnAll(func(Event) { called = true })

	b.Emit(Event{Type: TypeDeviceState})

	if !called {
		t.Error("second handler not called after first panicked")
	}
}
