package core

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, Factor: 2}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first retry", 1, 2 * time.Second},
		{"second retry doubles", 2, 4 * time.Second},
		{"third retry doubles again", 3, 8 * time.Second},
		{"fifth retry hits the cap", 5, 30 * time.Second},
		{"far past the cap stays capped", 20, 30 * time.Second},
		{"attempt below one is clamped", 0, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffDelayNonDecreasing(t *testing.T) {
	b := Backoff{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 1.7}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 15; attempt++ {
		d := b.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", attempt, d, prev)
		}
		if d > b.Max {
			t.Fatalf("Delay(%d) = %v exceeds cap %v", attempt, d, b.Max)
		}
		prev = d
	}
}

func TestBackoffDelayDefaultFactor(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute}
	if got := b.Delay(2); got != 2*time.Second {
		t.Errorf("Delay(2) with zero factor = %v, want %v", got, 2*time.Second)
	}
}

func TestJobSpecTriggeredBy(t *testing.T) {
	spec := JobSpec{
		Name:     "tests",
		Triggers: []EventKind{EventOpened, EventSynchronize},
	}

	if !spec.TriggeredBy(EventOpened) {
		t.Error("expected spec to trigger on opened")
	}
	if spec.TriggeredBy(EventClosed) {
		t.Error("expected spec not to trigger on closed")
	}
}

func TestPRKeyString(t *testing.T) {
	key := PRKey{RepoFullName: "acme/widgets", Number: 42}
	if got := key.String(); got != "acme/widgets#42" {
		t.Errorf("PRKey.String() = %q, want %q", got, "acme/widgets#42")
	}
}
