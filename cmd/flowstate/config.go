package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outboundkit/flowstate/internal/sequence"
)

// Config holds all flowstate daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Driver        string `json:"driver"` // libsql | postgres
	DBPath        string `json:"db_path"`
	PostgresDSN   string `json:"postgres_dsn"`
	LogLevel      string `json:"log_level"`
	ReclaimBatch  int    `json:"reclaim_batch"`
	RetentionFile string `json:"retention_file"`
	SequencesFile string `json:"sequences_file"`

	RetentionCron string `json:"retention_cron"`
	ReclaimCron   string `json:"reclaim_cron"`
	SequenceCron  string `json:"sequence_cron"`
}

func defaultConfig() Config {
	return Config{
		Driver:        "libsql",
		DBPath:        filepath.Join(flowstateDir(), "flowstate.db"),
		LogLevel:      "info",
		ReclaimBatch:  100,
		RetentionCron: "0 3 * * *",
		ReclaimCron:   "* * * * *",
		SequenceCron:  "* * * * *",
	}
}

func flowstateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowstate"
	}
	return filepath.Join(home, ".flowstate")
}

func settingsPath() string {
	return filepath.Join(flowstateDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWSTATE_DRIVER"); v != "" {
		cfg.Driver = v
	}
	if v := os.Getenv("FLOWSTATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWSTATE_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWSTATE_RECLAIM_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReclaimBatch = n
		}
	}
	if v := os.Getenv("FLOWSTATE_RETENTION_FILE"); v != "" {
		cfg.RetentionFile = v
	}
	if v := os.Getenv("FLOWSTATE_SEQUENCES_FILE"); v != "" {
		cfg.SequencesFile = v
	}
	if v := os.Getenv("FLOWSTATE_RETENTION_CRON"); v != "" {
		cfg.RetentionCron = v
	}
	if v := os.Getenv("FLOWSTATE_RECLAIM_CRON"); v != "" {
		cfg.ReclaimCron = v
	}
	if v := os.Getenv("FLOWSTATE_SEQUENCE_CRON"); v != "" {
		cfg.SequenceCron = v
	}

	return cfg
}

// sequenceFile is the YAML shape of the sequences config. Delays are
// duration strings ("48h"), parsed into the in-memory definitions.
type sequenceFile struct {
	Sequences []struct {
		CampaignID string `yaml:"campaign_id"`
		Steps      []struct {
			Name      string `yaml:"name"`
			JobType   string `yaml:"job_type"`
			Delay     string `yaml:"delay"`
			Engine    string `yaml:"engine"`
			Condition string `yaml:"condition"`
		} `yaml:"steps"`
	} `yaml:"sequences"`
}

func loadSequences(path string) ([]*sequence.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sequences file: %w", err)
	}
	var file sequenceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sequences file: %w", err)
	}

	defs := make([]*sequence.Definition, 0, len(file.Sequences))
	for _, s := range file.Sequences {
		def := &sequence.Definition{CampaignID: s.CampaignID}
		for _, st := range s.Steps {
			var delay time.Duration
			if st.Delay != "" {
				delay, err = time.ParseDuration(st.Delay)
				if err != nil {
					return nil, fmt.Errorf("sequence %q step %q: bad delay %q: %w",
						s.CampaignID, st.Name, st.Delay, err)
				}
			}
			def.Steps = append(def.Steps, sequence.StepDefinition{
				Name:      st.Name,
				JobType:   st.JobType,
				Delay:     delay,
				Engine:    st.Engine,
				Condition: st.Condition,
			})
		}
		defs = append(defs, def)
	}
	return defs, nil
}
