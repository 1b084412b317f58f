package capability

// Capability is a point-in-time snapshot of a device's ability to serve
// inference work. Score is derived from the other fields and is never
// carried over between snapshots.
type Capability struct {
	HasLocalModel bool     `json:"hasLocalModel"`
	ModelName     string   `json:"modelName,omitempty"`
	FreeMemoryGB  float64  `json:"freeMemoryGb"`
	BatteryLevel  *float64 `json:"batteryLevel,omitempty"` // 0..1, nil when no battery reading
	IsCharging    bool     `json:"isCharging"`
	CPUCores      *int     `json:"cpuCores,omitempty"`
	Score         float64  `json:"score"`
}

// ScoreWeights controls how the capability score is derived. The weights
// are configuration so that the score stays tunable without touching the
// scoring code.
type ScoreWeights struct {
	MemoryPerGB       float64 `json:"memoryPerGb" yaml:"memoryPerGb"`
	PerCore           float64 `json:"perCore" yaml:"perCore"`
	LoadedModelBonus  float64 `json:"loadedModelBonus" yaml:"loadedModelBonus"`
	LowBatteryLevel   float64 `json:"lowBatteryLevel" yaml:"lowBatteryLevel"`     // 0..1
	LowBatteryPenalty float64 `json:"lowBatteryPenalty" yaml:"lowBatteryPenalty"` // multiplier in (0,1]
}

// DefaultScoreWeights returns the weights used when none are configured.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		MemoryPerGB:       8,
		PerCore:           3,
		LoadedModelBonus:  25,
		LowBatteryLevel:   0.1,
		LowBatteryPenalty: 0.25,
	}
}

// Score derives the numeric capability score. It is a pure function of the
// snapshot fields: identical inputs always produce identical scores. The
// score grows with free memory, core count and a loaded model; a near-empty
// battery that is not charging scales the whole score down.
func Score(c Capability, w ScoreWeights) float64 {
	score := c.FreeMemoryGB * w.MemoryPerGB
	if c.CPUCores != nil {
		score += float64(*c.CPUCores) * w.PerCore
	}
	if c.HasLocalModel {
		score += w.LoadedModelBonus
	}
	if c.BatteryLevel != nil && *c.BatteryLevel < w.LowBatteryLevel && !c.IsCharging {
		score *= w.LowBatteryPenalty
	}
	return score
}
