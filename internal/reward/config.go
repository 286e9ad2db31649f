// Package reward relabels decoded episode streams with configurable
// reward weights, replacing the producer-computed values.
package reward

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the named reward weights. Event weights apply per
// occurrence, per-tick weights per participant per step, terminal weights
// once at episode close.
type Config struct {
	Kill            float64 `json:"kill"`
	FriendlyKill    float64 `json:"friendly_kill"`
	Death           float64 `json:"death"`
	CreepKill       float64 `json:"creep_kill"`
	LevelUp         float64 `json:"level_up"`
	ObjectiveUse    float64 `json:"objective_use"`
	DamageDealt     float64 `json:"damage_dealt"`
	DamageTaken     float64 `json:"damage_taken"`
	ScoreDelta      float64 `json:"score_delta"`
	Idle            float64 `json:"idle"`
	SkillPointsHeld float64 `json:"skill_points_held"`

	Win     float64 `json:"win"`
	Lose    float64 `json:"lose"`
	Timeout float64 `json:"timeout"`

	// TeamSpirit blends each reward toward its team average:
	// r' = tau*avg + (1-tau)*r.
	TeamSpirit float64 `json:"team_spirit"`
	// ZeroSum subtracts the enemy team's average after the blend.
	ZeroSum bool `json:"zero_sum"`

	// TimeDecayBase^(gameTime/TimeDecayInterval) scales every per-tick
	// reward; late-game events matter less.
	TimeDecayBase     float64 `json:"time_decay_base"`
	TimeDecayInterval float64 `json:"time_decay_interval"`
}

// DefaultConfig returns the producer's constants.
func DefaultConfig() Config {
	return Config{
		Kill:              3.0,
		FriendlyKill:      -3.0,
		Death:             -1.0,
		CreepKill:         0.16,
		LevelUp:           0.5,
		ObjectiveUse:      0.5,
		DamageDealt:       3.0,
		DamageTaken:       -1.0,
		ScoreDelta:        2.0,
		Idle:              -0.003,
		SkillPointsHeld:   -0.02,
		Win:               10,
		Lose:              -5,
		Timeout:           -2,
		TeamSpirit:        0.5,
		ZeroSum:           true,
		TimeDecayBase:     0.7,
		TimeDecayInterval: 600,
	}
}

func (c Config) Validate() error {
	if c.TeamSpirit < 0 || c.TeamSpirit > 1 {
		return fmt.Errorf("team_spirit %f must lie in [0,1]", c.TeamSpirit)
	}
	if c.TimeDecayBase <= 0 || c.TimeDecayBase > 1 {
		return fmt.Errorf("time_decay_base %f must lie in (0,1]", c.TimeDecayBase)
	}
	if c.TimeDecayInterval <= 0 {
		return fmt.Errorf("time_decay_interval %f must be positive", c.TimeDecayInterval)
	}
	return nil
}

// LoadConfigFile reads weights from a JSON file. Absent keys keep their
// defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse reward config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("reward config %s: %w", path, err)
	}
	return cfg, nil
}
