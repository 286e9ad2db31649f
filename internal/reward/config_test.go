package reward

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "reward.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `{"kill": 5.5, "zero_sum": false}`)

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Kill != 5.5 {
		t.Fatalf("kill override lost: %f", cfg.Kill)
	}
	if cfg.ZeroSum {
		t.Fatal("zero_sum override lost")
	}
	if cfg.Death != DefaultConfig().Death {
		t.Fatalf("absent key must keep its default, got %f", cfg.Death)
	}
}

func TestLoadConfigFileRejectsMalformed(t *testing.T) {
	path := writeConfigFile(t, `{"kill": `)
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfigFileRejectsInvalidWeights(t *testing.T) {
	path := writeConfigFile(t, `{"team_spirit": 1.5}`)
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative spirit", func(c *Config) { c.TeamSpirit = -0.1 }},
		{"zero decay base", func(c *Config) { c.TimeDecayBase = 0 }},
		{"decay base above one", func(c *Config) { c.TimeDecayBase = 1.1 }},
		{"zero decay interval", func(c *Config) { c.TimeDecayInterval = 0 }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
