package status

import (
	"testing"

	"github.com/rcsgo/rcsd/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Offline},
		{Booting, Registering},
		{Offline, Registering},
		{Registering, Registered},
		{Registering, Offline},
		{Registered, Degraded},
		{Degraded, Registered},
		{Registered, Offline},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Registered); err == nil {
		t.Error("Transition(BOOTING -> REGISTERED) should fail")
	}
	if m.Current() != Booting {
		t.Errorf("state = %s, want BOOTING (should not have changed)", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.NSIms, 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "ims.status_changed" {
		t.Errorf("event kind = %q, want ims.status_changed", evt.Kind)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Offline {
		t.Errorf("change = %v -> %v, want BOOTING -> OFFLINE", change.From, change.To)
	}
}

// TestRegisteredHookFires verifies the dequeue hook runs on every entry into
// REGISTERED, including reconnects after an outage.
func TestRegisteredHookFires(t *testing.T) {
	m := NewMachine(nil)
	fired := 0
	m.OnRegistered(func() { fired++ })

	walkTo(t, m, Registered)
	if fired != 1 {
		t.Fatalf("hook fired %d times, want 1", fired)
	}

	// Outage and re-registration fires again.
	if err := m.Transition(Offline); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Registering); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Registered); err != nil {
		t.Fatal(err)
	}
	if fired != 2 {
		t.Errorf("hook fired %d times, want 2", fired)
	}
}

// TestColdStartLifecycle simulates a first boot with no network:
// BOOTING → OFFLINE → REGISTERING → REGISTERED
func TestColdStartLifecycle(t *testing.T) {
	m := NewMachine(nil)

	steps := []State{Offline, Registering, Registered}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Registered {
		t.Errorf("final state = %s, want REGISTERED", m.Current())
	}
}

// TestDegradedRecovery verifies the degraded loop:
// REGISTERED → DEGRADED → REGISTERING → REGISTERED
func TestDegradedRecovery(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Registered)

	steps := []State{Degraded, Registering, Registered}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Registered {
		t.Errorf("final state = %s, want REGISTERED", m.Current())
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:     {},
		Offline:     {Offline},
		Registering: {Registering},
		Registered:  {Registering, Registered},
		Degraded:    {Registering, Degraded},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
