package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config is the read-only settings structure handed to the supervisor and
// move selector at startup. Loaded once; never mutated afterwards.
type Config struct {
	Token       string `yaml:"token"`
	BaseURL     string `yaml:"url"`
	ExplorerURL string `yaml:"explorer_url"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	Engine    EngineConfig    `yaml:"engine"`
	Book      BookConfig      `yaml:"book"`
	Clock     ClockConfig     `yaml:"clock"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Resign    ScorePolicy     `yaml:"resign"`
	Draw      DrawPolicy      `yaml:"draw"`
}

type EngineConfig struct {
	Path             string `yaml:"path"`
	Threads          int    `yaml:"threads"`
	HashMB           int    `yaml:"hash_mb"`
	MoveOverheadMS   int    `yaml:"move_overhead_ms"`
	ReadyTimeoutSecs int    `yaml:"ready_timeout_secs"`
}

type BookConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MaxPly   int    `yaml:"max_ply"`
	MinGames int    `yaml:"min_games"`
	Policy   string `yaml:"policy"` // "weighted" or "top"
}

type ClockConfig struct {
	BudgetDivisor  int `yaml:"budget_divisor"`
	MinBudgetMS    int `yaml:"min_budget_ms"`
	SafetyMarginMS int `yaml:"safety_margin_ms"`
}

type ChallengeConfig struct {
	Variants       []string `yaml:"variants"`
	MinInitialSecs int      `yaml:"min_initial_secs"`
	MaxInitialSecs int      `yaml:"max_initial_secs"`
	MaxIncrement   int      `yaml:"max_increment_secs"`
	AcceptRated    bool     `yaml:"accept_rated"`
	AcceptCasual   bool     `yaml:"accept_casual"`
	MaxGames       int      `yaml:"max_games"`
}

// ScorePolicy triggers an action once the engine has reported Consecutive
// scores at or below ScoreCP centipawns from the bot's perspective.
type ScorePolicy struct {
	Enabled     bool `yaml:"enabled"`
	ScoreCP     int  `yaml:"score_cp"`
	Consecutive int  `yaml:"consecutive"`
}

type DrawPolicy struct {
	Enabled     bool `yaml:"enabled"`
	ScoreCP     int  `yaml:"score_cp"`
	Consecutive int  `yaml:"consecutive"`
	MinFullMove int  `yaml:"min_full_move"`
}

func defaults() *Config {
	return &Config{
		BaseURL:     "https://lichess.org",
		ExplorerURL: "https://explorer.lichess.ovh",
		Engine: EngineConfig{
			Threads:          1,
			HashMB:           64,
			MoveOverheadMS:   100,
			ReadyTimeoutSecs: 15,
		},
		Book: BookConfig{
			Enabled:  true,
			MaxPly:   60,
			MinGames: 1,
			Policy:   "weighted",
		},
		Clock: ClockConfig{
			BudgetDivisor:  40,
			MinBudgetMS:    100,
			SafetyMarginMS: 500,
		},
		Challenge: ChallengeConfig{
			Variants:       []string{"standard"},
			MinInitialSecs: 60,
			MaxInitialSecs: 10800,
			MaxIncrement:   180,
			AcceptRated:    true,
			AcceptCasual:   true,
			MaxGames:       8,
		},
		Resign: ScorePolicy{Enabled: true, ScoreCP: -1000, Consecutive: 3},
		Draw:   DrawPolicy{Enabled: true, ScoreCP: 10, Consecutive: 8, MinFullMove: 30},
	}
}

// Load reads the YAML config at path and applies env fallbacks for values
// that should not live in a checked-in file (token, engine path, DSNs).
func Load(path string) (*Config, error) {
	cfg := defaults()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LICHESS_TOKEN")); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("LICHESS_URL")); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_PATH")); v != "" {
		cfg.Engine.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("lichess token is required (config token or LICHESS_TOKEN)")
	}
	if strings.TrimSpace(c.Engine.Path) == "" {
		return errors.New("engine path is required (config engine.path or ENGINE_PATH)")
	}
	if c.Challenge.MaxGames <= 0 {
		return errors.New("challenge.max_games must be positive")
	}
	if c.Clock.BudgetDivisor <= 0 {
		return errors.New("clock.budget_divisor must be positive")
	}
	switch c.Book.Policy {
	case "weighted", "top":
	default:
		return fmt.Errorf("unknown book policy %q", c.Book.Policy)
	}
	return nil
}

// VariantAllowed reports whether the variant key is on the allow-list.
func (c *ChallengeConfig) VariantAllowed(key string) bool {
	for _, v := range c.Variants {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(key)) {
			return true
		}
	}
	return false
}

// ReadyTimeout returns the engine handshake deadline.
func (e *EngineConfig) ReadyTimeout() time.Duration {
	if e.ReadyTimeoutSecs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(e.ReadyTimeoutSecs) * time.Second
}
