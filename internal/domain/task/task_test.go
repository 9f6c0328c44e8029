package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPriorityString(t *testing.T) {
	tests := []struct {
		p    Priority
		want string
	}{
		{PriorityHigh, "high"},
		{PriorityNormal, "normal"},
		{PriorityLow, "low"},
		{Priority(9), "priority(9)"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %q, want %q", int(tt.p), got, tt.want)
		}
		if tt.p <= PriorityLow && ParsePriority(tt.want) != tt.p {
			t.Errorf("ParsePriority(%q) did not round-trip", tt.want)
		}
	}
	if ParsePriority("urgent") != PriorityNormal {
		t.Error("unknown priority should map to normal")
	}
}

func TestValidate(t *testing.T) {
	work := func(context.Context) (any, error) { return nil, nil }

	tests := []struct {
		name    string
		task    *Task
		wantErr bool
	}{
		{"valid", New(PriorityNormal, time.Second, 1, work), false},
		{"nil", nil, true},
		{"no work", &Task{Priority: PriorityHigh}, true},
		{"bad priority", &Task{Priority: Priority(7), Work: work}, true},
		{"negative retries", &Task{Work: work, RetriesRemaining: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFailedWrapsBoth(t *testing.T) {
	cause := errors.New("backend exploded")
	err := Failed(cause)
	if !errors.Is(err, ErrFailed) {
		t.Error("expected errors.Is(err, ErrFailed)")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is(err, cause)")
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must be nil")
	}
	err := Permanent(Timeout(50 * time.Millisecond))
	if !IsPermanent(err) {
		t.Error("expected IsPermanent")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("permanent wrapper must keep the cause visible")
	}
	if IsPermanent(ErrTimeout) {
		t.Error("bare sentinel is not permanent")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning, StatusRetrying} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
