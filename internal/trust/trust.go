package trust

import (
	"sync"
)

// Outcome is the result of an interaction with a device: a served request,
// a forwarded request or a barter trade.
type Outcome int

const (
	OutcomeFailure Outcome = iota
	OutcomeSuccess
)

// Level is the derived trust tier used for ranking and display.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	}
	return "unknown"
}

// Score is the reputation record for a device identifier.
type Score struct {
	DeviceID    string  `json:"deviceId"`
	RawScore    float64 `json:"rawScore"` // 0..100
	SampleCount int     `json:"sampleCount"`
}

// Thresholds maps a raw score onto a Level. Values are configuration, not
// business logic scattered across callers.
type Thresholds struct {
	Low  float64 `json:"low" yaml:"low"`   // below this: LevelLow
	High float64 `json:"high" yaml:"high"` // above this: LevelHigh
}

func DefaultThresholds() Thresholds {
	return Thresholds{Low: 30, High: 70}
}

// Store persists trust scores across restarts. Implementations must be
// safe for use by a single engine instance.
type Store interface {
	Load() (map[string]Score, error)
	Save(score Score) error
	Delete(deviceID string) error
	Close() error
}

// Engine maintains a trust score per device identifier from historical
// interaction outcomes. It is domain-agnostic over identifiers: mesh
// routing and the barter marketplace share one engine.
type Engine struct {
	mu         sync.RWMutex
	scores     map[string]Score
	thresholds Thresholds
	store      Store
}

// NewEngine creates an engine with the given thresholds. store may be nil
// for a purely in-memory engine; otherwise existing scores are loaded from
// it and updates are written through.
func NewEngine(thresholds Thresholds, store Store) (*Engine, error) {
	e := &Engine{
		scores:     make(map[string]Score),
		thresholds: thresholds,
		store:      store,
	}
	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			return nil, err
		}
		for id, s := range loaded {
			e.scores[id] = s
		}
	}
	return e, nil
}

// ScoreFor returns the score for a device, or ok=false if the device has
// never been observed.
func (e *Engine) ScoreFor(deviceID string) (Score, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.scores[deviceID]
	return s, ok
}

// LevelFor returns the trust tier for a device. Unknown devices rank as
// LevelLow so that routing never prefers a stranger over a known peer.
func (e *Engine) LevelFor(deviceID string) Level {
	s, ok := e.ScoreFor(deviceID)
	if !ok {
		return LevelLow
	}
	return e.thresholds.Level(s.RawScore)
}

// Level maps a raw score onto a tier.
func (t Thresholds) Level(raw float64) Level {
	switch {
	case raw < t.Low:
		return LevelLow
	case raw > t.High:
		return LevelHigh
	default:
		return LevelMedium
	}
}

// RecordOutcome folds one interaction outcome into the device's score using
// a bounded running-average update: the target is 100 for success and 0 for
// failure, scaled by weight for partial-credit outcomes, and its influence
// shrinks as the sample count grows. The result is clamped to [0,100].
func (e *Engine) RecordOutcome(deviceID string, outcome Outcome, weight float64) Score {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.scores[deviceID]
	if !ok {
		s = Score{DeviceID: deviceID}
	}

	target := 0.0
	if outcome == OutcomeSuccess {
		target = 100
	}
	target *= weight

	s.RawScore += (target - s.RawScore) / float64(s.SampleCount+1)
	s.SampleCount++
	s.RawScore = clamp(s.RawScore, 0, 100)

	e.scores[deviceID] = s
	if e.store != nil {
		// Persistence failures must not poison the in-memory score.
		_ = e.store.Save(s)
	}
	return s
}

// Reset removes the score for a device. Scores are never deleted silently;
// this is the only removal path.
func (e *Engine) Reset(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.scores, deviceID)
	if e.store != nil {
		_ = e.store.Delete(deviceID)
	}
}

// AverageScore returns the mean raw score across the given device IDs.
// Devices without a score are skipped; no observed devices yields 0.
func (e *Engine) AverageScore(deviceIDs []string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sum, n := 0.0, 0
	for _, id := range deviceIDs {
		if s, ok := e.scores[id]; ok {
			sum += s.RawScore
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
