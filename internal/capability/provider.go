package capability

import (
	"math"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Provider produces capability snapshots. Snapshot must be cheap and free
// of side effects so callers can invoke it on every tick.
type Provider interface {
	Snapshot() Capability
}

// BatterySource reads the battery state. Level is nil when the platform
// has no battery or the reading is unavailable; the rest of the snapshot
// is unaffected.
type BatterySource interface {
	Read() (level *float64, charging bool)
}

// ModelSource reports whether a local model is currently loaded.
type ModelSource interface {
	LoadedModel() (name string, ok bool)
}

// SystemProvider reads live device state: free memory and core count from
// the OS, battery and model state from injected sources.
type SystemProvider struct {
	weights ScoreWeights
	battery BatterySource
	model   ModelSource
}

// NewSystemProvider creates a provider over real device readings. battery
// and model may be nil, in which case the corresponding fields stay absent.
func NewSystemProvider(weights ScoreWeights, battery BatterySource, model ModelSource) *SystemProvider {
	return &SystemProvider{
		weights: weights,
		battery: battery,
		model:   model,
	}
}

// Snapshot reads current device state and derives the score.
func (p *SystemProvider) Snapshot() Capability {
	var c Capability

	if vm, err := mem.VirtualMemory(); err == nil {
		c.FreeMemoryGB = math.Round(float64(vm.Available)/(1<<30)*100) / 100
	}
	if count, err := cpu.Counts(true); err == nil && count > 0 {
		c.CPUCores = &count
	}
	if p.battery != nil {
		c.BatteryLevel, c.IsCharging = p.battery.Read()
	}
	if p.model != nil {
		if name, ok := p.model.LoadedModel(); ok {
			c.HasLocalModel = true
			c.ModelName = name
		}
	}

	c.Score = Score(c, p.weights)
	return c
}

// StaticModel reports a fixed loaded model, for nodes whose runtime is
// configured rather than discovered.
type StaticModel struct {
	Name string
}

func (m StaticModel) LoadedModel() (string, bool) {
	return m.Name, m.Name != ""
}

// StaticProvider returns a fixed snapshot with the score recomputed on
// every call. Used by tests and by composition when device readings come
// from elsewhere.
type StaticProvider struct {
	Capability Capability
	Weights    ScoreWeights
}

func (p *StaticProvider) Snapshot() Capability {
	c := p.Capability
	c.Score = Score(c, p.Weights)
	return c
}
