package trust

import (
	"math"
	"path/filepath"
	"testing"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultThresholds(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestScoreForUnknownDevice(t *testing.T) {
	e := newEngine(t)
	if _, ok := e.ScoreFor("never-seen"); ok {
		t.Error("unknown device should have no score")
	}
	if e.LevelFor("never-seen") != LevelLow {
		t.Error("unknown device should rank as low trust")
	}
}

func TestFirstOutcomes(t *testing.T) {
	e := newEngine(t)

	s := e.RecordOutcome("device-x", OutcomeSuccess, 1)
	if s.RawScore != 100 || s.SampleCount != 1 {
		t.Fatalf("after one success: raw=%v samples=%d, want 100/1", s.RawScore, s.SampleCount)
	}

	s = e.RecordOutcome("device-x", OutcomeFailure, 1)
	if s.RawScore != 50 || s.SampleCount != 2 {
		t.Fatalf("after success then failure: raw=%v samples=%d, want 50/2", s.RawScore, s.SampleCount)
	}
}

func TestScoreStaysBounded(t *testing.T) {
	e := newEngine(t)
	outcomes := []Outcome{
		OutcomeSuccess, OutcomeSuccess, OutcomeFailure, OutcomeSuccess,
		OutcomeFailure, OutcomeFailure, OutcomeFailure, OutcomeSuccess,
	}
	for i, o := range outcomes {
		s := e.RecordOutcome("d", o, 1)
		if s.RawScore < 0 || s.RawScore > 100 {
			t.Fatalf("step %d: raw score %v out of [0,100]", i, s.RawScore)
		}
	}
}

func TestConvergence(t *testing.T) {
	e := newEngine(t)

	// Long run of successes converges toward 100.
	var s Score
	for i := 0; i < 1000; i++ {
		s = e.RecordOutcome("reliable", OutcomeSuccess, 1)
	}
	if s.RawScore < 99.9 {
		t.Errorf("all-success run should approach 100, got %v", s.RawScore)
	}

	// And the influence of each new outcome strictly shrinks.
	e.RecordOutcome("flappy", OutcomeSuccess, 1)
	prev := math.Inf(1)
	last := e.mustScore(t, "flappy").RawScore
	for i := 0; i < 10; i++ {
		cur := e.RecordOutcome("flappy", OutcomeFailure, 1).RawScore
		delta := math.Abs(cur - last)
		if delta >= prev {
			t.Fatalf("outcome %d influence %v did not shrink from %v", i, delta, prev)
		}
		prev, last = delta, cur
	}
}

func (e *Engine) mustScore(t *testing.T, id string) Score {
	t.Helper()
	s, ok := e.ScoreFor(id)
	if !ok {
		t.Fatalf("expected score for %s", id)
	}
	return s
}

func TestPartialCreditWeight(t *testing.T) {
	e := newEngine(t)
	s := e.RecordOutcome("partial", OutcomeSuccess, 0.5)
	if s.RawScore != 50 {
		t.Errorf("half-weight success on fresh device should land at 50, got %v", s.RawScore)
	}
}

func TestLevelThresholds(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		raw  float64
		want Level
	}{
		{0, LevelLow},
		{29.9, LevelLow},
		{30, LevelMedium},
		{70, LevelMedium},
		{70.1, LevelHigh},
		{100, LevelHigh},
	}
	for _, c := range cases {
		if got := th.Level(c.raw); got != c.want {
			t.Errorf("Level(%v) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestReset(t *testing.T) {
	e := newEngine(t)
	e.RecordOutcome("d", OutcomeSuccess, 1)
	e.Reset("d")
	if _, ok := e.ScoreFor("d"); ok {
		t.Error("score should be gone after reset")
	}
}

func TestAverageScore(t *testing.T) {
	e := newEngine(t)
	e.RecordOutcome("a", OutcomeSuccess, 1) // 100
	e.RecordOutcome("b", OutcomeFailure, 1) // 0

	avg := e.AverageScore([]string{"a", "b", "unseen"})
	if avg != 50 {
		t.Errorf("average = %v, want 50 (unseen devices skipped)", avg)
	}
	if e.AverageScore(nil) != 0 {
		t.Error("average over no devices should be 0")
	}
}

func TestLevelDBStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.db")

	store, err := OpenLevelDBStore(path)
	if err != nil {
		t.Fatal(err)
	}
	e, err := NewEngine(DefaultThresholds(), store)
	if err != nil {
		t.Fatal(err)
	}
	e.RecordOutcome("persisted", OutcomeSuccess, 1)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	store, err = OpenLevelDBStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	reopened, err := NewEngine(DefaultThresholds(), store)
	if err != nil {
		t.Fatal(err)
	}
	s, ok := reopened.ScoreFor("persisted")
	if !ok || s.RawScore != 100 || s.SampleCount != 1 {
		t.Fatalf("expected persisted score to survive restart, got %+v ok=%v", s, ok)
	}
}
