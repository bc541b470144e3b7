package schedule

import (
	"testing"
	"time"
)

func TestNext(t *testing.T) {
	after := time.Date(2026, 8, 31, 5, 30, 0, 0, time.UTC)

	got, err := Next("0 6 * * *", after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}

	// Strictly after: from the match itself, the following day.
	got, err = Next("0 6 * * *", want)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !got.Equal(want.AddDate(0, 0, 1)) {
		t.Errorf("Next from match = %v", got)
	}
}

func TestNextDailyTick(t *testing.T) {
	after := time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC)
	got, err := Next(DailyTick, after)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !got.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("daily tick = %v", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("0 6 * * 1"); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := Validate("not a cron"); err == nil {
		t.Error("invalid expression accepted")
	}
	if err := Validate("0 0 6 * * *"); err == nil {
		t.Error("six-field expression accepted")
	}
}
