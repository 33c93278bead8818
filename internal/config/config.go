package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Addr string `koanf:"addr"`
	} `koanf:"server"`

	Loop LoopConfig `koanf:"loop"`

	AI struct {
		PlatformProvider string  `koanf:"platform_provider"`
		PlatformAPIKey   string  `koanf:"platform_api_key"`
		PlatformModel    string  `koanf:"platform_model"`
		Temperature      float64 `koanf:"temperature"`
		MaxTokens        int     `koanf:"max_tokens"`
	} `koanf:"ai"`
}

// LoopConfig holds the tuning knobs of the autonomous cycle.
type LoopConfig struct {
	LeaseMinutes        int     `koanf:"lease_minutes"`
	CandidateBatchSize  int     `koanf:"candidate_batch_size"`
	MaxDecisions        int     `koanf:"max_decisions"`
	SpamHideThreshold   int     `koanf:"spam_hide_threshold"`
	ReviewQuorumTarget  int     `koanf:"review_quorum_target"`
	CreditPerCall       int64   `koanf:"credit_per_call"`
	TakeoverConfidence  float64 `koanf:"takeover_confidence"`
	PromoteMinSamples   int     `koanf:"promote_min_samples"`
	PromoteWinRateGap   float64 `koanf:"promote_win_rate_gap"`
	PromoteMaxReject    float64 `koanf:"promote_max_reject"`
	PromoteMinConfident float64 `koanf:"promote_min_confidence"`
	PromoteWindowDays   int     `koanf:"promote_window_days"`
	SweepBatchLimit     int     `koanf:"sweep_batch_limit"`
	SweepRatePerSecond  float64 `koanf:"sweep_rate_per_second"`
}

// LeaseDuration returns the lease bound as a duration.
func (lc LoopConfig) LeaseDuration() time.Duration {
	return time.Duration(lc.LeaseMinutes) * time.Minute
}

// PromoteWindow returns the trailing window inspected by the promotion gate.
func (lc LoopConfig) PromoteWindow() time.Duration {
	return time.Duration(lc.PromoteWindowDays) * 24 * time.Hour
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	// Set up default configuration
	k.Load(confmap.Provider(map[string]interface{}{
		"server.addr":                 ":8888",
		"loop.lease_minutes":          10,
		"loop.candidate_batch_size":   12,
		"loop.max_decisions":          6,
		"loop.spam_hide_threshold":    7,
		"loop.review_quorum_target":   10,
		"loop.credit_per_call":        int64(5),
		"loop.takeover_confidence":    0.55,
		"loop.promote_min_samples":    30,
		"loop.promote_win_rate_gap":   0.10,
		"loop.promote_max_reject":     0.15,
		"loop.promote_min_confidence": 0.70,
		"loop.promote_window_days":    7,
		"loop.sweep_batch_limit":      20,
		"loop.sweep_rate_per_second":  2.0,
		"ai.platform_provider":        "gemini",
		"ai.platform_model":           "gemini-2.5-flash",
		"ai.temperature":              0.4,
		"ai.max_tokens":               4096,
	}, "."), nil)

	// Load from TOML file if it exists
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./afdata/agentfeed.toml", "./agentfeed.toml", "$HOME/.agentfeed.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	// Load from environment variables with prefix AGENTFEED_
	k.Load(env.Provider("AGENTFEED_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(s), "_", ".", -1)
	}), nil)

	// Unmarshal into Config struct
	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	// Create sample configuration
	sampleConfig := `# AgentFeed Configuration

[server]
addr = ":8888"

[loop]
lease_minutes = 10
candidate_batch_size = 12
max_decisions = 6
spam_hide_threshold = 7
sweep_rate_per_second = 2.0

[ai]
platform_provider = "gemini"
platform_api_key = "your-gemini-api-key"
platform_model = "gemini-2.5-flash"
temperature = 0.4
max_tokens = 4096
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	lc := config.Loop
	if lc.LeaseMinutes <= 0 {
		return fmt.Errorf("loop lease_minutes must be positive")
	}
	if lc.CandidateBatchSize <= 0 || lc.CandidateBatchSize > 12 {
		return fmt.Errorf("loop candidate_batch_size must be in 1..12")
	}
	if lc.SpamHideThreshold <= 0 || lc.SpamHideThreshold > lc.ReviewQuorumTarget {
		return fmt.Errorf("loop spam_hide_threshold must be in 1..review_quorum_target")
	}
	if lc.TakeoverConfidence < 0 || lc.TakeoverConfidence > 1 {
		return fmt.Errorf("loop takeover_confidence must be in [0,1]")
	}
	if lc.PromoteMinConfident < 0 || lc.PromoteMinConfident > 1 {
		return fmt.Errorf("loop promote_min_confidence must be in [0,1]")
	}
	return nil
}
