package realtime

import (
	"errors"
	"testing"
	"time"
)

func TestErrorLogCounts(t *testing.T) {
	clock := newFakeClock()
	log := NewErrorLog(clock, 10, nil)

	log.LogError(ErrNetwork, "send failed", errors.New("broken pipe"), "test", SeverityLow)
	log.LogSuccess("recovered", "test")
	log.LogError(ErrSubscription, "join refused", nil, "test", SeverityMedium)

	if got := log.TotalErrors(); got != 2 {
		t.Errorf("TotalErrors = %d, want 2", got)
	}

	last, ok := log.LastError()
	if !ok {
		t.Fatal("expected a last error")
	}
	if last.Type != ErrSubscription {
		t.Errorf("last error type = %s, want %s", last.Type, ErrSubscription)
	}

	recent := log.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("Recent returned %d records, want 3", len(recent))
	}
	if recent[0].IsError != true || recent[1].IsError != false {
		t.Error("Recent should be newest first")
	}
}

func TestErrorLogRingEviction(t *testing.T) {
	clock := newFakeClock()
	log := NewErrorLog(clock, 3, nil)

	for i := 0; i < 5; i++ {
		log.LogError(ErrNetwork, "boom", nil, "test", SeverityLow)
	}

	if got := len(log.Recent(10)); got != 3 {
		t.Errorf("buffer holds %d records, want 3", got)
	}
	// the total survives eviction
	if got := log.TotalErrors(); got != 5 {
		t.Errorf("TotalErrors = %d, want 5", got)
	}
}

func TestErrorLogQualityBuckets(t *testing.T) {
	clock := newFakeClock()
	log := NewErrorLog(clock, 20, nil)

	if got := log.Quality(); got != QualityExcellent {
		t.Errorf("empty log quality = %s, want excellent", got)
	}

	log.LogError(ErrNetwork, "one", nil, "test", SeverityLow)
	log.LogError(ErrNetwork, "two", nil, "test", SeverityLow)
	if got := log.Quality(); got != QualityGood {
		t.Errorf("quality with 2 recent errors = %s, want good", got)
	}

	log.LogError(ErrNetwork, "three", nil, "test", SeverityLow)
	log.LogError(ErrNetwork, "four", nil, "test", SeverityLow)
	if got := log.Quality(); got != QualityPoor {
		t.Errorf("quality with 4 recent errors = %s, want poor", got)
	}

	// errors age out of the recency window
	clock.Advance(2 * time.Minute)
	if got := log.Quality(); got != QualityExcellent {
		t.Errorf("quality after window = %s, want excellent", got)
	}
	// but the lifetime total stays
	if got := log.TotalErrors(); got != 4 {
		t.Errorf("TotalErrors = %d, want 4", got)
	}
}

func TestErrorLogClearHistory(t *testing.T) {
	clock := newFakeClock()
	log := NewErrorLog(clock, 10, nil)

	log.LogError(ErrConnectionFailed, "down", nil, "test", SeverityHigh)
	log.ClearHistory()

	if got := log.TotalErrors(); got != 0 {
		t.Errorf("TotalErrors after clear = %d, want 0", got)
	}
	if _, ok := log.LastError(); ok {
		t.Error("LastError should be empty after clear")
	}
	if got := len(log.Recent(10)); got != 0 {
		t.Errorf("Recent after clear = %d records, want 0", got)
	}
}

func TestErrorLogStats(t *testing.T) {
	clock := newFakeClock()
	log := NewErrorLog(clock, 10, nil)

	log.LogError(ErrDataValidation, "bad payload", nil, "test", SeverityMedium)
	stats := log.Stats()

	if stats.TotalErrors != 1 || stats.RecentErrors != 1 {
		t.Errorf("stats = %+v, want 1 total / 1 recent", stats)
	}
	if stats.ConnectionQuality != QualityGood {
		t.Errorf("quality = %s, want good", stats.ConnectionQuality)
	}
	if stats.LastError == nil || stats.LastError.Message != "bad payload" {
		t.Errorf("last error = %+v", stats.LastError)
	}
}
