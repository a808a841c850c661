package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"delver/internal/model"
)

// Profile holds the budgets for one research mode.
type Profile struct {
	MaxIterations        int `yaml:"max_iterations"`
	MaxConcurrentAgents  int `yaml:"max_concurrent_agents"`
	MaxAgentSteps        int `yaml:"max_agent_steps"`
	MaxTopics            int `yaml:"max_topics"`
	MinUniqueSources     int `yaml:"min_unique_sources"`
	MinDraftChars        int `yaml:"min_draft_chars"`
	MinReportChars       int `yaml:"min_report_chars"`
	ReportMinSections    int `yaml:"report_min_sections"`
	ReportMinWords       int `yaml:"report_min_words"`
	SearchResultsPerCall int `yaml:"search_results_per_call"`
}

type Config struct {
	Backend      string `yaml:"backend"` // gemini | ollama
	Model        string `yaml:"model"`
	OllamaHost   string `yaml:"ollama_host"`
	DataDir      string `yaml:"data_dir"`
	LogFile      string `yaml:"log_file"`
	Debug        bool   `yaml:"debug"`
	ScrapeLimit  int    `yaml:"scrape_limit"`  // bytes before summarization kicks in
	QueueSize    int    `yaml:"queue_size"`    // directive queue capacity
	MemoryLimit  int    `yaml:"memory_limit"`  // prior-session entries pulled into planning
	ReviewBudget int    `yaml:"review_budget"` // supervisor failures tolerated per session

	Modes map[model.Mode]Profile `yaml:"modes"`
}

func Default() *Config {
	return &Config{
		Backend:      "gemini",
		DataDir:      "data",
		LogFile:      "delver.log",
		ScrapeLimit:  20000,
		QueueSize:    256,
		MemoryLimit:  5,
		ReviewBudget: 2,
		Modes: map[model.Mode]Profile{
			model.ModeSpeed: {
				MaxIterations:        2,
				MaxConcurrentAgents:  2,
				MaxAgentSteps:        6,
				MaxTopics:            2,
				MinUniqueSources:     4,
				MinDraftChars:        600,
				MinReportChars:       1200,
				ReportMinSections:    3,
				ReportMinWords:       400,
				SearchResultsPerCall: 4,
			},
			model.ModeBalanced: {
				MaxIterations:        4,
				MaxConcurrentAgents:  4,
				MaxAgentSteps:        10,
				MaxTopics:            4,
				MinUniqueSources:     8,
				MinDraftChars:        1500,
				MinReportChars:       3000,
				ReportMinSections:    5,
				ReportMinWords:       1200,
				SearchResultsPerCall: 6,
			},
			model.ModeQuality: {
				MaxIterations:        8,
				MaxConcurrentAgents:  4,
				MaxAgentSteps:        16,
				MaxTopics:            6,
				MinUniqueSources:     15,
				MinDraftChars:        3000,
				MinReportChars:       6000,
				ReportMinSections:    7,
				ReportMinWords:       2500,
				SearchResultsPerCall: 8,
			},
		},
	}
}

// Load reads an optional YAML file over the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if v := os.Getenv("DELVER_BACKEND"); v != "" {
		cfg.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DELVER_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" && cfg.OllamaHost == "" {
		cfg.OllamaHost = v
	}
	if v := os.Getenv("DELVER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if os.Getenv("DELVER_DEBUG") == "1" {
		cfg.Debug = true
	}

	return cfg, nil
}

// ProfileFor returns the budgets for a mode, falling back to balanced for
// anything unknown.
func (c *Config) ProfileFor(mode model.Mode) Profile {
	if p, ok := c.Modes[mode]; ok {
		return p
	}
	return c.Modes[model.ModeBalanced]
}
