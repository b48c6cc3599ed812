package statemachine

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to  State
		allowSame bool
		want      bool
	}{
		{Created, Running, false, true},
		{Created, AwaitingInput, false, false},
		{Created, Error, false, false},
		{Running, AwaitingInput, false, true},
		{Running, Interrupting, false, true},
		{Running, Running, false, false},
		{Running, Running, true, true},
		{AwaitingInput, Running, false, true},
		{AwaitingInput, Interrupting, false, false},
		{Interrupting, AwaitingInput, false, true},
		{Interrupting, Running, false, false},
		{Error, Running, false, true},
		{Error, Error, true, true},
	}
	for _, c := range cases {
		got := CanTransition(c.from, c.to, c.allowSame)
		if got != c.want {
			t.Errorf("CanTransition(%s,%s,%v) = %v, want %v", c.from, c.to, c.allowSame, got, c.want)
		}
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	_, err := Transition(Created, AwaitingInput, false, nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid transition")
	}
	var target *ErrInvalidTransition
	if !isInvalidTransition(err, &target) {
		t.Fatalf("expected ErrInvalidTransition, got %T", err)
	}
}

func isInvalidTransition(err error, target **ErrInvalidTransition) bool {
	e, ok := err.(*ErrInvalidTransition)
	if ok {
		*target = e
	}
	return ok
}

func TestTransitionStampsStartedAt(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := Clock
	Clock = func() time.Time { return fixed }
	defer func() { Clock = orig }()

	stamps, err := Transition(Created, Running, false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stamps.StartedAt == nil || !stamps.StartedAt.Equal(fixed) {
		t.Fatalf("expected StartedAt stamped to %v, got %v", fixed, stamps.StartedAt)
	}
	if stamps.EndedAt != nil {
		t.Fatalf("expected no EndedAt, got %v", stamps.EndedAt)
	}
}

func TestTransitionDoesNotRestampStartedAt(t *testing.T) {
	prev := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	stamps, err := Transition(AwaitingInput, Running, false, &prev, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stamps.StartedAt != nil {
		t.Fatalf("expected StartedAt untouched, got %v", stamps.StartedAt)
	}
}

func TestTransitionStampsEndedAtOnError(t *testing.T) {
	code := 1
	stamps, err := Transition(Running, Error, false, nil, &code)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stamps.EndedAt == nil {
		t.Fatal("expected EndedAt stamped")
	}
	if stamps.ExitCode == nil || *stamps.ExitCode != 1 {
		t.Fatalf("expected ExitCode 1, got %v", stamps.ExitCode)
	}
}

func TestTransitionStampsEndedAtOnInterruptStop(t *testing.T) {
	stamps, err := Transition(Interrupting, AwaitingInput, false, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stamps.EndedAt == nil {
		t.Fatal("expected EndedAt stamped when an interrupt resolves back to AWAITING_INPUT")
	}
}

func TestStampNameSetsOnce(t *testing.T) {
	name := StampName(nil, "  fix   the    bug   please  ")
	if name == nil || *name != "fix the bug please" {
		t.Fatalf("got %v", name)
	}
}

func TestStampNameDoesNotOverwrite(t *testing.T) {
	existing := "already set"
	name := StampName(&existing, "new prompt")
	if name == nil || *name != "already set" {
		t.Fatalf("got %v, want unchanged", name)
	}
}

func TestStampNameTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 200; i++ {
		long += "a"
	}
	name := StampName(nil, long)
	if name == nil || len([]rune(*name)) != MaxNameLength {
		t.Fatalf("expected truncation to %d runes, got %d", MaxNameLength, len([]rune(*name)))
	}
}

func TestLocksLazyCreateAndRemove(t *testing.T) {
	var l Locks
	m1 := l.Lock("sess-1")
	m2 := l.Lock("sess-1")
	if m1 != m2 {
		t.Fatal("expected same mutex instance for repeated Lock calls")
	}
	l.Remove("sess-1")
	m3 := l.Lock("sess-1")
	if m3 == m1 {
		t.Fatal("expected a fresh mutex after Remove")
	}
}
